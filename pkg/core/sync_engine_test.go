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

package core_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/core"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/metrics"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

var _ = Describe("SyncEngine", func() {
	var s *stack

	one := map[string]any{"n": int64(1)}

	AfterEach(func() {
		s.stop()
	})

	Context("with a backend", func() {
		BeforeEach(func() {
			s = newStack(true, 0)
		})

		It("delivers the backend's results once synced", func() {
			s.backend.SetDocument(s.ctx, key("rooms/a"), model.MustObject(one))

			rec, _ := s.listen(rooms(), core.ListenOptions{})

			Eventually(rec.lastSynced).Should(Equal([]string{"rooms/a"}))
			Expect(rec.errors()).To(BeEmpty())
		})

		It("shares one target between equal queries", func() {
			s.backend.SetDocument(s.ctx, key("rooms/a"), model.MustObject(one))

			first, _ := s.listen(rooms(), core.ListenOptions{})
			Eventually(first.lastSynced).Should(Equal([]string{"rooms/a"}))

			second, _ := s.listen(rooms(), core.ListenOptions{})
			Eventually(second.lastSynced).Should(Equal([]string{"rooms/a"}))
			Expect(s.backend.ListenCount()).To(Equal(1))
		})

		It("shows local writes at once and confirms them later", func() {
			rec, _ := s.listen(rooms(), core.ListenOptions{IncludeMetadataChanges: true})
			Eventually(rec.lastSynced).Should(Equal([]string{}))

			done := s.write(mutationSet("rooms/a", one))

			Expect(rec.lastKeys()).To(Equal([]string{"rooms/a"}))
			Expect(rec.last().HasPendingWrites()).To(BeTrue())

			Eventually(done).Should(Receive(BeNil()))
			Eventually(func() bool { return rec.last().HasPendingWrites() }).Should(BeFalse())
			Expect(rec.lastKeys()).To(Equal([]string{"rooms/a"}))
			Expect(s.backend.Document(key("rooms/a"))).NotTo(BeNil())
		})

		It("counts each batch outcome once", func() {
			written := batchCount(metrics.BatchWritten)
			acknowledged := batchCount(metrics.BatchAcknowledged)

			done := s.write(mutationSet("rooms/a", one))
			Eventually(done).Should(Receive(BeNil()))

			Expect(batchCount(metrics.BatchWritten) - written).To(Equal(1.0))
			Expect(batchCount(metrics.BatchAcknowledged) - acknowledged).To(Equal(1.0))
		})

		It("counts a rejected batch once", func() {
			s.backend.RejectNextWrite(standarderrors.New(standarderrors.PermissionDenied, "nope"))
			rejected := batchCount(metrics.BatchRejected)

			done := s.write(mutationSet("rooms/a", one))
			Eventually(done).Should(Receive(HaveOccurred()))

			Expect(batchCount(metrics.BatchRejected) - rejected).To(Equal(1.0))
		})

		It("rolls back writes the backend rejects", func() {
			s.backend.RejectNextWrite(standarderrors.New(standarderrors.PermissionDenied, "nope"))

			rec, _ := s.listen(rooms(), core.ListenOptions{})
			Eventually(rec.lastSynced).Should(Equal([]string{}))

			done := s.write(mutationSet("rooms/a", one))
			Expect(rec.lastKeys()).To(Equal([]string{"rooms/a"}))

			Eventually(done).Should(Receive(MatchError(standarderrors.New(standarderrors.PermissionDenied, ""))))
			Eventually(rec.lastKeys).Should(BeEmpty())
		})

		It("hands a rejected listen to its listeners", func() {
			s.backend.Deny("rooms", standarderrors.PermissionDenied)

			rec, _ := s.listen(rooms(), core.ListenOptions{})

			Eventually(rec.errors).Should(ContainElement(MatchError(standarderrors.New(standarderrors.PermissionDenied, ""))))
		})

		It("keeps other targets running when one listen is rejected", func() {
			halls, _ := s.listen(collection("halls"), core.ListenOptions{})
			Eventually(halls.lastSynced).Should(Equal([]string{}))

			s.backend.Deny("rooms", standarderrors.PermissionDenied)

			denied, _ := s.listen(rooms(), core.ListenOptions{})
			Eventually(denied.errors).Should(HaveLen(1))

			s.backend.SetDocument(s.ctx, key("halls/x"), model.MustObject(one))

			Eventually(halls.lastSynced).Should(Equal([]string{"halls/x"}))
			Consistently(halls.errors, 100*time.Millisecond).Should(BeEmpty())
			Expect(denied.errors()).To(HaveLen(1))
		})

		It("resolves limbo documents the backend no longer has", func() {
			s.backend.SetDocument(s.ctx, key("rooms/a"), model.MustObject(one))

			all, _ := s.listen(rooms(), core.ListenOptions{})
			Eventually(all.lastSynced).Should(Equal([]string{"rooms/a"}))

			s.backend.DeleteSilently(key("rooms/a"))

			filtered, _ := s.listen(rooms().Where("n", query.Equal, model.NewInteger(1)), core.ListenOptions{})
			Expect(filtered.lastKeys()).To(Equal([]string{"rooms/a"}))

			Eventually(filtered.lastSynced).Should(Equal([]string{}))
			Eventually(all.lastKeys).Should(BeEmpty())
			Eventually(func() int {
				active, enqueued := s.limbo()

				return len(active) + len(enqueued)
			}).Should(BeZero())
		})

		It("calls pending-writes callbacks once the backend caught up", func() {
			immediate := make(chan error, 1)
			s.onQueue(func() error {
				return s.syncEngine.RegisterPendingWritesCallback(s.ctx, func(err error) { immediate <- err })
			})
			Expect(immediate).To(Receive(BeNil()))

			s.backend.HoldWrites()
			done := s.write(mutationSet("rooms/a", one))

			pending := make(chan error, 1)
			s.onQueue(func() error {
				return s.syncEngine.RegisterPendingWritesCallback(s.ctx, func(err error) { pending <- err })
			})
			Consistently(pending, 100*time.Millisecond).ShouldNot(Receive())

			s.backend.ReleaseWrites(s.ctx)

			Eventually(pending).Should(Receive(BeNil()))
			Eventually(done).Should(Receive(BeNil()))
		})

		It("fails outstanding callbacks on shutdown", func() {
			s.backend.HoldWrites()
			done := s.write(mutationSet("rooms/a", one))

			s.onQueue(func() error {
				s.syncEngine.FailPendingCallbacks(standarderrors.New(standarderrors.Cancelled, "terminated"))

				return nil
			})

			Expect(done).To(Receive(MatchError(standarderrors.New(standarderrors.Cancelled, ""))))
		})
	})

	Context("with few limbo slots", func() {
		BeforeEach(func() {
			s = newStack(true, 1)
		})

		It("queues limbo resolutions and works through all of them", func() {
			s.backend.SetDocument(s.ctx, key("rooms/a"), model.MustObject(one))
			s.backend.SetDocument(s.ctx, key("rooms/b"), model.MustObject(one))

			all, _ := s.listen(rooms(), core.ListenOptions{})
			Eventually(all.lastSynced).Should(Equal([]string{"rooms/a", "rooms/b"}))

			s.backend.DeleteSilently(key("rooms/a"))
			s.backend.DeleteSilently(key("rooms/b"))

			filtered, _ := s.listen(rooms().Where("n", query.Equal, model.NewInteger(1)), core.ListenOptions{})
			Eventually(filtered.lastSynced).Should(Equal([]string{}))

			active, enqueued := s.limbo()
			Expect(active).To(BeEmpty())
			Expect(enqueued).To(BeEmpty())
		})

		It("never runs more limbo resolutions than it has slots", func() {
			s.backend.SetDocument(s.ctx, key("rooms/a"), model.MustObject(one))
			s.backend.SetDocument(s.ctx, key("rooms/b"), model.MustObject(one))

			all, _ := s.listen(rooms(), core.ListenOptions{})
			Eventually(all.lastSynced).Should(Equal([]string{"rooms/a", "rooms/b"}))

			s.backend.DeleteSilently(key("rooms/a"))
			s.backend.DeleteSilently(key("rooms/b"))
			s.backend.HoldDocumentListens()

			filtered, _ := s.listen(rooms().Where("n", query.Equal, model.NewInteger(1)), core.ListenOptions{})

			Eventually(s.backend.HeldListenCount).Should(Equal(1))
			Consistently(s.backend.HeldListenCount, 100*time.Millisecond).Should(Equal(1))

			active, enqueued := s.limbo()
			Expect(active).To(HaveLen(1))
			Expect(enqueued).To(HaveLen(1))

			var first model.DocumentKey
			for k := range active {
				first = k
			}

			Expect(enqueued[0]).NotTo(Equal(first))
			second := enqueued[0]

			s.backend.ReleaseHeldListens(s.ctx)

			Eventually(func() []model.DocumentKey {
				active, _ := s.limbo()

				keys := make([]model.DocumentKey, 0, len(active))
				for k := range active {
					keys = append(keys, k)
				}

				return keys
			}).Should(Equal([]model.DocumentKey{second}))

			_, enqueued = s.limbo()
			Expect(enqueued).To(BeEmpty())
			Eventually(s.backend.HeldListenCount).Should(Equal(1))

			s.backend.ReleaseHeldListens(s.ctx)

			Eventually(filtered.lastSynced).Should(Equal([]string{}))
			Eventually(func() int {
				active, enqueued := s.limbo()

				return len(active) + len(enqueued)
			}).Should(BeZero())
		})
	})

	Context("without a backend", func() {
		BeforeEach(func() {
			s = newStack(false, 0)
		})

		It("serves queries from the cache", func() {
			s.write(mutationSet("rooms/a", one))

			rec, _ := s.listen(rooms(), core.ListenOptions{})
			Expect(rec.lastKeys()).To(Equal([]string{"rooms/a"}))
			Expect(rec.last().FromCache).To(BeTrue())

			empty, _ := s.listen(query.NewCollectionQuery(model.MustResourcePath("other")), core.ListenOptions{})
			Expect(empty.count()).To(Equal(1))
			Expect(empty.last().Docs.IsEmpty()).To(BeTrue())
		})

		It("stops tracking a query once its listener leaves", func() {
			rec, l := s.listen(rooms(), core.ListenOptions{})
			Expect(rec.count()).To(Equal(1))

			s.unlisten(l)
			s.write(mutationSet("rooms/a", one))
			Expect(rec.count()).To(Equal(1))
		})
	})
})
