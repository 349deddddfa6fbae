// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/core"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/engine"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/remote"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/remote/remotetest"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

var _ = Describe("Engine", func() {
	var (
		ctx   context.Context
		rooms *query.Query
	)

	BeforeEach(func() {
		ctx = context.Background()
		rooms = query.NewCollectionQuery(model.MustResourcePath("rooms"))
	})

	Context("offline", func() {
		var e *engine.Engine

		BeforeEach(func() {
			e = newEngine(ctx, nil)
		})

		AfterEach(func() {
			Expect(e.Terminate(ctx)).To(Succeed())
		})

		It("reads its own writes before the backend sees them", func() {
			pw, err := e.Commit(ctx, set("rooms/a", map[string]any{"size": int64(4)}))
			Expect(err).NotTo(HaveOccurred())
			Expect(pw.BatchID).To(BeNumerically(">", 0))

			doc, err := e.GetDocument(ctx, key("rooms/a"))
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.IsFoundDocument()).To(BeTrue())
			Expect(doc.HasLocalMutations()).To(BeTrue())
			Expect(intField(doc, "size")).To(Equal(int64(4)))
		})

		It("reports deletes as missing documents", func() {
			_, err := e.Commit(ctx, set("rooms/a", nil))
			Expect(err).NotTo(HaveOccurred())
			_, err = e.Commit(ctx, mutationDelete("rooms/a"))
			Expect(err).NotTo(HaveOccurred())

			doc, err := e.GetDocument(ctx, key("rooms/a"))
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.IsNoDocument()).To(BeTrue())
		})

		It("fails reads of unknown documents as unavailable", func() {
			_, err := e.GetDocument(ctx, key("rooms/missing"))
			Expect(standarderrors.CodeOf(err)).To(Equal(standarderrors.Unavailable))
		})

		It("rejects empty commits", func() {
			_, err := e.Commit(ctx)
			Expect(standarderrors.CodeOf(err)).To(Equal(standarderrors.InvalidArgument))
		})

		It("rejects commits with invalid transforms", func() {
			bad := mutation.NewSet(key("rooms/a"), model.NewObjectValue(), mutation.FieldTransform{
				Field:     model.MustFieldPath("n"),
				Transform: mutation.TransformOperation{Kind: mutation.TransformNumericIncrement, Operand: model.NewString("x")},
			})

			_, err := e.Commit(ctx, bad)
			Expect(standarderrors.CodeOf(err)).To(Equal(standarderrors.InvalidArgument))

			_, err = e.GetDocument(ctx, key("rooms/a"))
			Expect(standarderrors.CodeOf(err)).To(Equal(standarderrors.Unavailable))
		})

		It("rejects queries with malformed key cursors", func() {
			bad := rooms.Clone().StartAtBound(true, model.NewInteger(5))

			_, err := e.GetDocuments(ctx, bad)
			Expect(standarderrors.CodeOf(err)).To(Equal(standarderrors.InvalidArgument))

			_, err = e.Listen(ctx, bad, core.ListenOptions{}, &recorder{})
			Expect(standarderrors.CodeOf(err)).To(Equal(standarderrors.InvalidArgument))
		})

		It("sorts and limits cached query results", func() {
			_, err := e.Commit(ctx,
				set("rooms/a", map[string]any{"rank": int64(3)}),
				set("rooms/b", map[string]any{"rank": int64(1)}),
				set("rooms/c", map[string]any{"rank": int64(2)}),
			)
			Expect(err).NotTo(HaveOccurred())

			snap, err := e.GetDocuments(ctx, rooms.Clone().OrderBy("rank", query.Ascending).Limit(2))
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.FromCache).To(BeTrue())
			Expect(keysOf(snap)).To(Equal([]string{"rooms/b", "rooms/c"}))
		})

		It("returns an empty snapshot for an empty cache", func() {
			snap, err := e.GetDocuments(ctx, rooms)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.Docs.Len()).To(BeZero())
			Expect(snap.FromCache).To(BeTrue())
		})

		It("reports itself offline", func() {
			Eventually(e.OnlineState).Should(Equal(remote.OnlineStateOffline))
		})

		It("raises from-cache snapshots for local writes", func() {
			rec := &recorder{}
			reg, err := e.Listen(ctx, rooms, core.ListenOptions{}, rec)
			Expect(err).NotTo(HaveOccurred())
			defer reg.Remove()

			Eventually(rec.lastKeys).Should(Equal([]string{}))

			_, err = e.Commit(ctx, set("rooms/a", nil))
			Expect(err).NotTo(HaveOccurred())

			Eventually(rec.lastKeys).Should(Equal([]string{"rooms/a"}))
		})

		It("lets observers call back into the engine", func() {
			read := make(chan *model.Document, 1)
			rec := &recorder{}
			rec.onSnapshot = func(s *core.ViewSnapshot) {
				if s.Docs.Len() == 0 {
					return
				}

				doc, err := e.GetDocument(ctx, key("rooms/a"))
				if err == nil {
					select {
					case read <- doc:
					default:
					}
				}
			}

			reg, err := e.Listen(ctx, rooms, core.ListenOptions{}, rec)
			Expect(err).NotTo(HaveOccurred())
			defer reg.Remove()

			_, err = e.Commit(ctx, set("rooms/a", map[string]any{"size": int64(1)}))
			Expect(err).NotTo(HaveOccurred())

			Eventually(read).Should(Receive(WithTransform(func(d *model.Document) model.DocumentKey { return d.Key() }, Equal(key("rooms/a")))))
		})

		It("stops delivering once a listener is removed", func() {
			rec := &recorder{}
			reg, err := e.Listen(ctx, rooms, core.ListenOptions{}, rec)
			Expect(err).NotTo(HaveOccurred())
			Eventually(rec.count).Should(Equal(1))

			reg.Remove()
			reg.Remove()

			_, err = e.Commit(ctx, set("rooms/a", nil))
			Expect(err).NotTo(HaveOccurred())

			Consistently(rec.count, 100*time.Millisecond).Should(Equal(1))
		})

		It("calls snapshots-in-sync listeners right away", func() {
			calls := make(chan struct{}, 4)
			reg, err := e.OnSnapshotsInSync(ctx, func() { calls <- struct{}{} })
			Expect(err).NotTo(HaveOccurred())
			defer reg.Remove()

			Eventually(calls).Should(Receive())
		})

		It("skips garbage collection below the threshold", func() {
			results, err := e.CollectGarbage(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(results.DidRun).To(BeFalse())
		})

		It("summarizes its state", func() {
			rec := &recorder{}
			reg, err := e.Listen(ctx, rooms, core.ListenOptions{}, rec)
			Expect(err).NotTo(HaveOccurred())
			defer reg.Remove()

			status, err := e.Status(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(status.EngineID).To(Equal(e.ID()))
			Expect(status.Listeners).To(Equal(1))
			Expect(status.Limbo).To(Equal(engine.LimboStatus{}))
			Expect(status.Network).To(BeFalse())
		})
	})

	Context("terminating", func() {
		It("fails outstanding writes and rejects later calls", func() {
			e := newEngine(ctx, nil)

			pw, err := e.Commit(ctx, set("rooms/a", nil))
			Expect(err).NotTo(HaveOccurred())

			rec := &recorder{}
			_, err = e.Listen(ctx, rooms, core.ListenOptions{}, rec)
			Expect(err).NotTo(HaveOccurred())

			Expect(e.Terminate(ctx)).To(Succeed())
			Expect(e.Terminate(ctx)).To(Succeed())

			err = pw.Wait(ctx)
			Expect(err).To(MatchError(standarderrors.ErrEngineTerminated))
			Expect(standarderrors.CodeOf(err)).To(Equal(standarderrors.Cancelled))

			_, err = e.Commit(ctx, set("rooms/b", nil))
			Expect(err).To(MatchError(standarderrors.ErrEngineTerminated))

			_, err = e.GetDocument(ctx, key("rooms/a"))
			Expect(err).To(MatchError(standarderrors.ErrEngineTerminated))

			_, err = e.Listen(ctx, rooms, core.ListenOptions{}, rec)
			Expect(err).To(MatchError(standarderrors.ErrEngineTerminated))
		})
	})

	Context("with a backend", func() {
		var (
			backend *remotetest.Backend
			e       *engine.Engine
		)

		BeforeEach(func() {
			backend = remotetest.NewBackend(testDB)
			backend.Start()
			e = newEngine(ctx, backend)
		})

		AfterEach(func() {
			Expect(e.Terminate(ctx)).To(Succeed())
			backend.Stop()
		})

		It("acknowledges commits", func() {
			pw, err := e.Commit(ctx, set("rooms/a", map[string]any{"size": int64(2)}))
			Expect(err).NotTo(HaveOccurred())

			Expect(pw.Wait(ctx)).To(Succeed())
			Expect(backend.Document(key("rooms/a"))).NotTo(BeNil())

			Eventually(func() int {
				status, err := e.Status(ctx)
				Expect(err).NotTo(HaveOccurred())

				return status.Pending
			}).Should(BeZero())
		})

		It("rolls back rejected commits", func() {
			backend.RejectNextWrite(standarderrors.New(standarderrors.PermissionDenied, "nope"))

			pw, err := e.Commit(ctx, set("rooms/a", nil))
			Expect(err).NotTo(HaveOccurred())

			err = pw.Wait(ctx)
			Expect(standarderrors.CodeOf(err)).To(Equal(standarderrors.PermissionDenied))

			_, err = e.GetDocument(ctx, key("rooms/a"))
			Expect(standarderrors.CodeOf(err)).To(Equal(standarderrors.Unavailable))
		})

		It("delivers backend changes to listeners", func() {
			backend.SetDocument(ctx, key("rooms/a"), model.MustObject(map[string]any{"size": int64(1)}))

			rec := &recorder{}
			reg, err := e.Listen(ctx, rooms, core.ListenOptions{}, rec)
			Expect(err).NotTo(HaveOccurred())
			defer reg.Remove()

			Eventually(rec.lastSynced).Should(Equal([]string{"rooms/a"}))
			Eventually(e.OnlineState).Should(Equal(remote.OnlineStateOnline))

			backend.SetDocument(ctx, key("rooms/b"), model.MustObject(nil))
			Eventually(rec.lastSynced).Should(Equal([]string{"rooms/a", "rooms/b"}))

			doc, err := e.GetDocument(ctx, key("rooms/b"))
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.HasLocalMutations()).To(BeFalse())
		})

		It("reports denied listens to the observer", func() {
			backend.Deny("rooms", standarderrors.PermissionDenied)

			rec := &recorder{}
			_, err := e.Listen(ctx, rooms, core.ListenOptions{}, rec)
			Expect(err).NotTo(HaveOccurred())

			Eventually(rec.errors).Should(ContainElement(WithTransform(standarderrors.CodeOf, Equal(standarderrors.PermissionDenied))))
		})

		It("waits for pending writes", func() {
			backend.HoldWrites()

			_, err := e.Commit(ctx, set("rooms/a", nil))
			Expect(err).NotTo(HaveOccurred())

			waited := make(chan error, 1)
			go func() { waited <- e.WaitForPendingWrites(ctx) }()

			Consistently(waited, 100*time.Millisecond).ShouldNot(Receive())

			backend.ReleaseWrites(ctx)
			Eventually(waited).Should(Receive(BeNil()))
		})

		It("returns at once when nothing is pending", func() {
			Expect(e.WaitForPendingWrites(ctx)).To(Succeed())
		})

		It("holds writes while the network is disabled", func() {
			Expect(e.DisableNetwork(ctx)).To(Succeed())
			Eventually(e.OnlineState).Should(Equal(remote.OnlineStateOffline))

			pw, err := e.Commit(ctx, set("rooms/a", nil))
			Expect(err).NotTo(HaveOccurred())
			Consistently(pw.Done(), 100*time.Millisecond).ShouldNot(BeClosed())

			Expect(e.EnableNetwork(ctx)).To(Succeed())
			Eventually(pw.Done()).Should(BeClosed())
			Expect(pw.Wait(ctx)).To(Succeed())
		})
	})
})
