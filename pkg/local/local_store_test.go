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

package local_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/local"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence/memory"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/remote"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

var _ = Describe("LocalStore", func() {
	var (
		ctx   context.Context
		p     *memory.Persistence
		store *local.LocalStore
		rooms *query.Query
	)

	BeforeEach(func() {
		ctx = context.Background()
		p = memory.New(zap.NewNop().Sugar())
		store = local.NewLocalStore(p, local.DefaultLruParams(), zap.NewNop().Sugar())
		Expect(store.Start(ctx)).To(Succeed())

		rooms = query.NewCollectionQuery(model.MustResourcePath("rooms"))
	})

	// listen allocates the rooms target and feeds it docs as current.
	listen := func(micros int64, docs ...*model.Document) *persistence.TargetData {
		data, err := store.AllocateTarget(ctx, rooms.ToTarget())
		Expect(err).NotTo(HaveOccurred())

		_, err = store.ApplyRemoteEvent(ctx, addedEvent(micros, data.TargetID, "resume", docs...))
		Expect(err).NotTo(HaveOccurred())

		return data
	}

	Context("writing locally", func() {
		It("shows the write as a pending local view", func() {
			result := write(ctx, store, mutation.NewSet(key("rooms/eros"), model.MustObject(map[string]any{"name": "Eros"})))

			Expect(result.BatchID).To(BeNumerically(">", 0))
			Expect(result.Changes).To(HaveKey(key("rooms/eros")))

			doc := read(ctx, store, "rooms/eros")
			Expect(doc.IsFoundDocument()).To(BeTrue())
			Expect(doc.HasLocalMutations()).To(BeTrue())
			Expect(field(doc, "name")).To(Equal("Eros"))
		})

		It("layers patches on top of the remote document", func() {
			listen(10, remoteDoc("rooms/eros", 10, map[string]any{"a": int64(1)}))

			write(ctx, store, patch("rooms/eros", map[string]any{"b": int64(2)}))
			write(ctx, store, patch("rooms/eros", map[string]any{"c": int64(3)}))

			doc := read(ctx, store, "rooms/eros")
			Expect(field(doc, "a")).To(Equal(int64(1)))
			Expect(field(doc, "b")).To(Equal(int64(2)))
			Expect(field(doc, "c")).To(Equal(int64(3)))
		})

		It("rejects an update of a document known to be missing", func() {
			event := remote.NewRemoteEvent(version(5))
			event.DocumentUpdates[key("rooms/gone")] = model.NewNoDocument(key("rooms/gone"), version(5))
			_, err := store.ApplyRemoteEvent(ctx, event)
			Expect(err).NotTo(HaveOccurred())

			_, err = store.WriteLocally(ctx, []mutation.Mutation{patch("rooms/gone", map[string]any{"x": int64(1)})})
			Expect(errors.Is(err, standarderrors.ErrLocalPreconditionFailed)).To(BeTrue())
			Expect(standarderrors.CodeOf(err)).To(Equal(standarderrors.NotFound))

			id, err := store.GetHighestUnacknowledgedBatchID(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal(mutation.BatchIDUnknown))
		})

		It("rejects a stale update time with failed-precondition", func() {
			listen(10, remoteDoc("rooms/eros", 10, map[string]any{"a": int64(1)}))

			m := mutation.NewDelete(key("rooms/eros"), mutation.PreconditionUpdateTime(version(3)))
			_, err := store.WriteLocally(ctx, []mutation.Mutation{m})
			Expect(standarderrors.CodeOf(err)).To(Equal(standarderrors.FailedPrecondition))
		})

		It("passes preconditions through when the document is unknown", func() {
			write(ctx, store, patch("rooms/unknown", map[string]any{"x": int64(1)}))

			id, err := store.GetHighestUnacknowledgedBatchID(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(id).NotTo(Equal(mutation.BatchIDUnknown))
		})

		It("applies increments to the local view", func() {
			listen(10, remoteDoc("rooms/eros", 10, map[string]any{"n": int64(1)}))

			increment := mutation.FieldTransform{Field: model.MustFieldPath("n"), Transform: mutation.Increment(model.NewInteger(2))}
			write(ctx, store, patch("rooms/eros", map[string]any{}, increment))
			write(ctx, store, patch("rooms/eros", map[string]any{}, increment))

			Expect(field(read(ctx, store, "rooms/eros"), "n")).To(Equal(int64(5)))
		})

		It("records collection parents for group queries", func() {
			write(ctx, store,
				mutation.NewSet(key("rooms/a/messages/1"), model.MustObject(map[string]any{"text": "hi"})),
				mutation.NewSet(key("users/b/messages/2"), model.MustObject(map[string]any{"text": "yo"})),
				mutation.NewSet(key("rooms/a/notes/3"), model.MustObject(map[string]any{"text": "no"})),
			)

			result, err := store.ExecuteQuery(ctx, query.NewCollectionGroupQuery(model.ResourcePath{}, "messages"), false)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Documents).To(HaveLen(2))
			Expect(result.Documents).To(HaveKey(key("users/b/messages/2")))
		})
	})

	Context("acknowledging and rejecting", func() {
		It("commits an acknowledged write to the remote document", func() {
			result := write(ctx, store, mutation.NewSet(key("rooms/eros"), model.MustObject(map[string]any{"name": "Eros"})))

			changes := ack(ctx, store, result.BatchID, 20)
			Expect(changes).To(HaveKey(key("rooms/eros")))

			doc := read(ctx, store, "rooms/eros")
			Expect(doc.HasLocalMutations()).To(BeFalse())
			Expect(doc.HasCommittedMutations()).To(BeTrue())
			Expect(doc.Version()).To(Equal(version(20)))

			token, err := store.GetLastStreamToken(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(token).To(Equal([]byte("token")))
		})

		It("reverts to the remote document when a batch is rejected", func() {
			listen(10, remoteDoc("rooms/eros", 10, map[string]any{"a": int64(1)}))
			result := write(ctx, store, patch("rooms/eros", map[string]any{"a": int64(9)}))

			changes, err := store.RejectBatch(ctx, result.BatchID)
			Expect(err).NotTo(HaveOccurred())
			Expect(field(changes[key("rooms/eros")], "a")).To(Equal(int64(1)))
			Expect(read(ctx, store, "rooms/eros").HasLocalMutations()).To(BeFalse())
		})

		It("recomputes the overlay from the remaining batches", func() {
			listen(10, remoteDoc("rooms/eros", 10, map[string]any{"a": int64(1)}))
			first := write(ctx, store, patch("rooms/eros", map[string]any{"b": int64(2)}))
			write(ctx, store, patch("rooms/eros", map[string]any{"c": int64(3)}))

			_, err := store.RejectBatch(ctx, first.BatchID)
			Expect(err).NotTo(HaveOccurred())

			doc := read(ctx, store, "rooms/eros")
			Expect(field(doc, "b")).To(BeNil())
			Expect(field(doc, "c")).To(Equal(int64(3)))
			Expect(doc.HasLocalMutations()).To(BeTrue())
		})

		It("fails to reject an unknown batch", func() {
			_, err := store.RejectBatch(ctx, 42)
			Expect(err).To(HaveOccurred())
		})

		It("hands out batches in order", func() {
			first := write(ctx, store, mutation.NewSet(key("rooms/a"), model.NewObjectValue()))
			second := write(ctx, store, mutation.NewSet(key("rooms/b"), model.NewObjectValue()))

			batch, err := store.NextMutationBatch(ctx, mutation.BatchIDUnknown)
			Expect(err).NotTo(HaveOccurred())
			Expect(batch.BatchID).To(Equal(first.BatchID))

			batch, err = store.NextMutationBatch(ctx, first.BatchID)
			Expect(err).NotTo(HaveOccurred())
			Expect(batch.BatchID).To(Equal(second.BatchID))

			id, err := store.GetHighestUnacknowledgedBatchID(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal(second.BatchID))
		})
	})

	Context("targets", func() {
		It("allocates even ids and reuses them for equal targets", func() {
			a, err := store.AllocateTarget(ctx, rooms.ToTarget())
			Expect(err).NotTo(HaveOccurred())
			Expect(a.TargetID).To(Equal(2))

			again, err := store.AllocateTarget(ctx, query.NewCollectionQuery(model.MustResourcePath("rooms")).ToTarget())
			Expect(err).NotTo(HaveOccurred())
			Expect(again.TargetID).To(Equal(2))

			b, err := store.AllocateTarget(ctx, query.NewCollectionQuery(model.MustResourcePath("users")).ToTarget())
			Expect(err).NotTo(HaveOccurred())
			Expect(b.TargetID).To(Equal(4))
		})

		It("reuses a released target that is still persisted", func() {
			data := listen(10, remoteDoc("rooms/eros", 10, nil))
			Expect(store.ReleaseTarget(ctx, data.TargetID, false)).To(Succeed())

			again, err := store.AllocateTarget(ctx, rooms.ToTarget())
			Expect(err).NotTo(HaveOccurred())
			Expect(again.TargetID).To(Equal(data.TargetID))
			Expect(again.ResumeToken).To(Equal([]byte("resume")))
		})

		It("records matching keys and the global snapshot", func() {
			data := listen(10, remoteDoc("rooms/eros", 10, nil), remoteDoc("rooms/hermes", 10, nil))

			keys, err := store.GetRemoteDocumentKeys(ctx, data.TargetID)
			Expect(err).NotTo(HaveOccurred())
			Expect(keys.Len()).To(Equal(2))

			last, err := store.GetLastRemoteSnapshotVersion(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(last).To(Equal(version(10)))
		})

		It("ignores watch updates older than the cache", func() {
			data := listen(10, remoteDoc("rooms/eros", 10, map[string]any{"v": "new"}))

			_, err := store.ApplyRemoteEvent(ctx, addedEvent(11, data.TargetID, "", remoteDoc("rooms/eros", 5, map[string]any{"v": "old"})))
			Expect(err).NotTo(HaveOccurred())

			Expect(field(read(ctx, store, "rooms/eros"), "v")).To(Equal("new"))
		})

		It("drops documents deleted at version zero", func() {
			listen(10, remoteDoc("rooms/eros", 10, nil))

			event := remote.NewRemoteEvent(version(12))
			event.DocumentUpdates[key("rooms/eros")] = model.NewNoDocument(key("rooms/eros"), model.SnapshotVersionMin)
			changes, err := store.ApplyRemoteEvent(ctx, event)
			Expect(err).NotTo(HaveOccurred())
			Expect(changes).To(HaveKey(key("rooms/eros")))

			Expect(read(ctx, store, "rooms/eros").IsValidDocument()).To(BeFalse())
		})

		It("throttles persisting resume tokens without changes", func() {
			data := listen(10, remoteDoc("rooms/eros", 10, nil))

			_, err := store.ApplyRemoteEvent(ctx, addedEvent(20, data.TargetID, "later"))
			Expect(err).NotTo(HaveOccurred())

			persisted := persistedTarget(ctx, p, rooms.ToTarget())
			Expect(persisted.ResumeToken).To(Equal([]byte("resume")))

			inMemory, ok := store.GetTargetData(data.TargetID)
			Expect(ok).To(BeTrue())
			Expect(inMemory.ResumeToken).To(Equal([]byte("later")))

			fiveMinutes := local.ResumeTokenMaxAge.Microseconds()
			_, err = store.ApplyRemoteEvent(ctx, addedEvent(20+fiveMinutes, data.TargetID, "much-later"))
			Expect(err).NotTo(HaveOccurred())
			Expect(persistedTarget(ctx, p, rooms.ToTarget()).ResumeToken).To(Equal([]byte("much-later")))
		})

		It("clears the resume token of mismatched targets", func() {
			data := listen(10, remoteDoc("rooms/eros", 10, nil))

			event := addedEvent(20, data.TargetID, "")
			event.TargetMismatches[data.TargetID] = persistence.PurposeExistenceFilterMismatch
			_, err := store.ApplyRemoteEvent(ctx, event)
			Expect(err).NotTo(HaveOccurred())

			inMemory, _ := store.GetTargetData(data.TargetID)
			Expect(inMemory.ResumeToken).To(BeEmpty())
			Expect(inMemory.SnapshotVersion.IsMin()).To(BeTrue())
		})

		It("advances the limbo-free version on synced views", func() {
			data := listen(10, remoteDoc("rooms/eros", 10, nil))

			Expect(store.NotifyLocalViewChanges(ctx, []local.LocalViewChanges{{
				TargetID:    data.TargetID,
				FromCache:   true,
				AddedKeys:   model.NewDocumentKeySet(key("rooms/eros")),
				RemovedKeys: model.NewDocumentKeySet(),
			}})).To(Succeed())

			current, _ := store.GetTargetData(data.TargetID)
			Expect(current.LastLimboFreeSnapshotVersion.IsMin()).To(BeTrue())

			Expect(store.NotifyLocalViewChanges(ctx, []local.LocalViewChanges{{
				TargetID:    data.TargetID,
				AddedKeys:   model.NewDocumentKeySet(),
				RemovedKeys: model.NewDocumentKeySet(),
			}})).To(Succeed())

			current, _ = store.GetTargetData(data.TargetID)
			Expect(current.LastLimboFreeSnapshotVersion).To(Equal(version(10)))
		})
	})

	Context("executing queries", func() {
		It("merges remote documents with local writes", func() {
			listen(10, remoteDoc("rooms/a", 10, map[string]any{"open": true}), remoteDoc("rooms/b", 10, map[string]any{"open": false}))
			write(ctx, store, mutation.NewSet(key("rooms/c"), model.MustObject(map[string]any{"open": true})))
			write(ctx, store, patch("rooms/b", map[string]any{"open": true}))

			q := query.NewCollectionQuery(model.MustResourcePath("rooms")).Where("open", query.Equal, model.NewBoolean(true))
			result, err := store.ExecuteQuery(ctx, q, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Documents).To(HaveLen(3))
		})

		It("reuses limbo-free results and adds newer documents", func() {
			rooms = rooms.Where("open", query.Equal, model.NewBoolean(true))
			open := map[string]any{"open": true}
			data := listen(10, remoteDoc("rooms/a", 10, open), remoteDoc("rooms/b", 10, open))
			Expect(store.NotifyLocalViewChanges(ctx, []local.LocalViewChanges{{
				TargetID:    data.TargetID,
				AddedKeys:   model.NewDocumentKeySet(key("rooms/a"), key("rooms/b")),
				RemovedKeys: model.NewDocumentKeySet(),
			}})).To(Succeed())

			write(ctx, store, mutation.NewSet(key("rooms/c"), model.MustObject(open)))

			result, err := store.ExecuteQuery(ctx, rooms, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Documents).To(HaveLen(3))
		})

		It("returns a single document for document queries", func() {
			write(ctx, store, mutation.NewSet(key("rooms/a"), model.NewObjectValue()))

			result, err := store.ExecuteQuery(ctx, query.NewDocumentQuery(key("rooms/a")), false)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Documents).To(HaveLen(1))
		})
	})
})

func persistedTarget(ctx context.Context, p persistence.Persistence, target *query.Target) *persistence.TargetData {
	var data *persistence.TargetData

	err := p.RunTransaction(ctx, "read target", persistence.ReadOnly, func(txn persistence.Transaction) error {
		var err error
		data, err = p.TargetCache().GetTargetData(txn, target)

		return err
	})
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	ExpectWithOffset(1, data).NotTo(BeNil())

	return data
}
