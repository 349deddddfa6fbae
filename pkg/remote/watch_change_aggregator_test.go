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

package remote_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/remote"
)

type fakeMetadata struct {
	targets    map[int]*persistence.TargetData
	remoteKeys map[int]model.DocumentKeySet
}

func newFakeMetadata() *fakeMetadata {
	return &fakeMetadata{
		targets:    make(map[int]*persistence.TargetData),
		remoteKeys: make(map[int]model.DocumentKeySet),
	}
}

func (m *fakeMetadata) GetRemoteKeysForTarget(targetID int) model.DocumentKeySet {
	if keys, ok := m.remoteKeys[targetID]; ok {
		return keys
	}

	return model.NewDocumentKeySet()
}

func (m *fakeMetadata) GetTargetDataForTarget(targetID int) *persistence.TargetData {
	return m.targets[targetID]
}

func (m *fakeMetadata) DatabaseID() remote.DatabaseID { return testDB }

func (m *fakeMetadata) listen(targetID int, target *query.Target, purpose persistence.TargetPurpose) {
	m.targets[targetID] = persistence.NewTargetData(target, targetID, purpose, 1)
}

func targetChange(state remote.WatchTargetState, token string, ids ...int) *remote.WatchTargetChange {
	return &remote.WatchTargetChange{State: state, TargetIDs: ids, ResumeToken: []byte(token)}
}

func docChange(doc *model.Document, ids ...int) *remote.DocumentWatchChange {
	return &remote.DocumentWatchChange{UpdatedTargetIDs: ids, Key: doc.Key(), NewDoc: doc}
}

var _ = Describe("WatchChangeAggregator", func() {
	var (
		metadata   *fakeMetadata
		aggregator *remote.WatchChangeAggregator
	)

	BeforeEach(func() {
		metadata = newFakeMetadata()
		aggregator = remote.NewWatchChangeAggregator(metadata, zap.NewNop().Sugar())
	})

	It("accumulates added documents into a current target change", func() {
		metadata.listen(1, collectionTarget("rooms"), persistence.PurposeListen)
		aggregator.RecordPendingTargetRequest(1)

		aggregator.HandleTargetChange(targetChange(remote.WatchTargetAdded, "", 1))
		aggregator.HandleDocumentChange(docChange(foundDoc("rooms/a", 2, nil), 1))
		aggregator.HandleDocumentChange(docChange(foundDoc("rooms/b", 2, nil), 1))
		aggregator.HandleTargetChange(targetChange(remote.WatchTargetCurrent, "t1", 1))

		event := aggregator.CreateRemoteEvent(version(3))

		Expect(event.SnapshotVersion).To(Equal(version(3)))
		Expect(event.DocumentUpdates).To(HaveLen(2))
		Expect(event.DocumentUpdates[key("rooms/a")].ReadTime()).To(Equal(version(3)))

		change := event.TargetChanges[1]
		Expect(change.Current).To(BeTrue())
		Expect(change.ResumeToken).To(Equal([]byte("t1")))
		Expect(change.AddedDocuments.Sorted()).To(Equal([]model.DocumentKey{key("rooms/a"), key("rooms/b")}))
	})

	It("reports documents already known remotely as modified", func() {
		metadata.listen(1, collectionTarget("rooms"), persistence.PurposeListen)
		metadata.remoteKeys[1] = model.NewDocumentKeySet(key("rooms/a"))

		aggregator.HandleDocumentChange(docChange(foundDoc("rooms/a", 4, nil), 1))

		event := aggregator.CreateRemoteEvent(version(4))
		Expect(event.TargetChanges[1].ModifiedDocuments.Has(key("rooms/a"))).To(BeTrue())
		Expect(event.TargetChanges[1].AddedDocuments.Len()).To(BeZero())
	})

	It("ignores changes for targets with outstanding requests", func() {
		metadata.listen(1, collectionTarget("rooms"), persistence.PurposeListen)
		aggregator.RecordPendingTargetRequest(1)

		aggregator.HandleDocumentChange(docChange(foundDoc("rooms/a", 2, nil), 1))

		event := aggregator.CreateRemoteEvent(version(2))
		Expect(event.TargetChanges).NotTo(HaveKey(1))
		Expect(event.DocumentUpdates).To(BeEmpty())
	})

	It("forgets a target once its removal is acknowledged", func() {
		metadata.listen(1, collectionTarget("rooms"), persistence.PurposeListen)
		aggregator.HandleDocumentChange(docChange(foundDoc("rooms/a", 2, nil), 1))
		aggregator.RecordPendingTargetRequest(1)
		aggregator.HandleTargetChange(targetChange(remote.WatchTargetRemoved, "", 1))

		Expect(aggregator.TargetState(1)).To(BeNil())
	})

	It("applies target changes without ids to every target", func() {
		metadata.listen(1, collectionTarget("rooms"), persistence.PurposeListen)
		metadata.listen(2, collectionTarget("users"), persistence.PurposeListen)
		aggregator.HandleTargetChange(targetChange(remote.WatchTargetCurrent, "", 1, 2))
		aggregator.CreateRemoteEvent(version(1))

		aggregator.HandleTargetChange(targetChange(remote.WatchTargetNoChange, "global"))
		event := aggregator.CreateRemoteEvent(version(2))

		Expect(event.TargetChanges[1].ResumeToken).To(Equal([]byte("global")))
		Expect(event.TargetChanges[2].ResumeToken).To(Equal([]byte("global")))
	})

	It("resets a target to an empty set", func() {
		metadata.listen(1, collectionTarget("rooms"), persistence.PurposeListen)
		metadata.remoteKeys[1] = model.NewDocumentKeySet(key("rooms/a"))

		aggregator.HandleTargetChange(targetChange(remote.WatchTargetReset, "", 1))
		event := aggregator.CreateRemoteEvent(version(5))

		Expect(event.TargetChanges[1].RemovedDocuments.Has(key("rooms/a"))).To(BeTrue())
		Expect(event.TargetChanges[1].Current).To(BeFalse())
	})

	It("synthesizes a delete for a current document target without its document", func() {
		metadata.listen(3, query.NewDocumentTarget(key("rooms/gone")), persistence.PurposeLimboResolution)

		aggregator.HandleTargetChange(targetChange(remote.WatchTargetCurrent, "t", 3))
		event := aggregator.CreateRemoteEvent(version(6))

		doc := event.DocumentUpdates[key("rooms/gone")]
		Expect(doc).NotTo(BeNil())
		Expect(doc.IsNoDocument()).To(BeTrue())
		Expect(doc.Version()).To(Equal(version(6)))
		Expect(event.ResolvedLimboDocuments.Has(key("rooms/gone"))).To(BeTrue())
	})

	It("does not resolve documents that a listen target also saw", func() {
		metadata.listen(1, collectionTarget("rooms"), persistence.PurposeListen)
		metadata.listen(3, query.NewDocumentTarget(key("rooms/a")), persistence.PurposeLimboResolution)

		aggregator.HandleDocumentChange(docChange(foundDoc("rooms/a", 2, nil), 1, 3))
		event := aggregator.CreateRemoteEvent(version(2))

		Expect(event.ResolvedLimboDocuments.Len()).To(BeZero())
	})

	Context("existence filters", func() {
		BeforeEach(func() {
			metadata.listen(1, collectionTarget("rooms"), persistence.PurposeListen)
			metadata.remoteKeys[1] = model.NewDocumentKeySet(key("rooms/a"), key("rooms/b"), key("rooms/c"))
		})

		It("does nothing when the counts match", func() {
			aggregator.HandleExistenceFilter(&remote.ExistenceFilterChange{TargetID: 1, Count: 3})

			event := aggregator.CreateRemoteEvent(version(2))
			Expect(event.TargetMismatches).To(BeEmpty())
		})

		It("resets the target when no bloom filter is sent", func() {
			aggregator.HandleExistenceFilter(&remote.ExistenceFilterChange{TargetID: 1, Count: 2})

			event := aggregator.CreateRemoteEvent(version(2))
			Expect(event.TargetMismatches).To(HaveKeyWithValue(1, persistence.PurposeExistenceFilterMismatch))
			Expect(event.TargetChanges[1].RemovedDocuments.Len()).To(Equal(3))
		})

		It("removes exactly the documents the bloom filter excludes", func() {
			names := []string{testDB.DocumentName(key("rooms/a")), testDB.DocumentName(key("rooms/c"))}
			bf, padding := remote.NewBloomFilterFromValues(names, 1024, 7)

			aggregator.HandleExistenceFilter(&remote.ExistenceFilterChange{TargetID: 1, Count: 2, UnchangedNames: &remote.BloomFilterParams{
				Bitmap:    bf.Bitmap(),
				Padding:   padding,
				HashCount: bf.HashCount(),
			}})

			event := aggregator.CreateRemoteEvent(version(2))
			Expect(event.TargetMismatches).To(BeEmpty())
			Expect(event.TargetChanges[1].RemovedDocuments.Sorted()).To(Equal([]model.DocumentKey{key("rooms/b")}))
		})

		It("resets with the bloom purpose when the filter cannot explain the count", func() {
			names := []string{
				testDB.DocumentName(key("rooms/a")),
				testDB.DocumentName(key("rooms/b")),
				testDB.DocumentName(key("rooms/c")),
			}
			bf, padding := remote.NewBloomFilterFromValues(names, 1024, 7)

			aggregator.HandleExistenceFilter(&remote.ExistenceFilterChange{TargetID: 1, Count: 1, UnchangedNames: &remote.BloomFilterParams{
				Bitmap:    bf.Bitmap(),
				Padding:   padding,
				HashCount: bf.HashCount(),
			}})

			event := aggregator.CreateRemoteEvent(version(2))
			Expect(event.TargetMismatches).To(HaveKeyWithValue(1, persistence.PurposeExistenceFilterMismatchBloom))
		})

		It("falls back to a full reset on a malformed bloom filter", func() {
			aggregator.HandleExistenceFilter(&remote.ExistenceFilterChange{TargetID: 1, Count: 2, UnchangedNames: &remote.BloomFilterParams{
				Bitmap:    []byte{0xff},
				Padding:   9,
				HashCount: 1,
			}})

			event := aggregator.CreateRemoteEvent(version(2))
			Expect(event.TargetMismatches).To(HaveKeyWithValue(1, persistence.PurposeExistenceFilterMismatch))
		})

		It("deletes a document target's document on a zero count", func() {
			metadata.listen(4, query.NewDocumentTarget(key("rooms/z")), persistence.PurposeListen)
			metadata.remoteKeys[4] = model.NewDocumentKeySet(key("rooms/z"))

			aggregator.HandleExistenceFilter(&remote.ExistenceFilterChange{TargetID: 4, Count: 0})

			event := aggregator.CreateRemoteEvent(version(8))
			Expect(event.DocumentUpdates[key("rooms/z")].IsNoDocument()).To(BeTrue())
			Expect(event.TargetMismatches).To(BeEmpty())
		})
	})
})
