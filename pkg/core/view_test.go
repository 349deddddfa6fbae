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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/core"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/local"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/remote"
)

var _ = Describe("View", func() {
	n := func(v int64) map[string]any { return map[string]any{"n": v} }

	It("adds documents in query order and stays from cache until current", func() {
		view := core.NewView(rooms(), nil)

		vc := apply(view, nil, doc("rooms/b", 1, n(1)), doc("rooms/a", 1, n(2)))
		Expect(vc.Snapshot).NotTo(BeNil())
		Expect(snapshotKeys(vc.Snapshot)).To(Equal([]string{"rooms/a", "rooms/b"}))
		Expect(changesOf(vc.Snapshot)).To(Equal([]change{
			{Type: core.ChangeAdded, Key: "rooms/a"},
			{Type: core.ChangeAdded, Key: "rooms/b"},
		}))
		Expect(vc.Snapshot.FromCache).To(BeTrue())
		Expect(vc.Snapshot.SyncStateChanged).To(BeTrue())
		Expect(vc.LimboChanges).To(BeEmpty())
	})

	It("becomes synced once the target is current", func() {
		view := core.NewView(rooms(), nil)

		vc := apply(view, ackChange("rooms/a"), doc("rooms/a", 1, n(1)))
		Expect(vc.Snapshot.FromCache).To(BeFalse())
		Expect(vc.Snapshot.SyncStateChanged).To(BeTrue())
		Expect(vc.Snapshot.HasCachedResults).To(BeTrue())

		Expect(apply(view, nil).Snapshot).To(BeNil())
	})

	It("removes documents that stop matching", func() {
		view := core.NewView(rooms().Where("n", query.GreaterThan, model.NewInteger(0)), nil)
		apply(view, nil, doc("rooms/a", 1, n(1)))

		vc := apply(view, nil, doc("rooms/a", 2, n(0)))
		Expect(changesOf(vc.Snapshot)).To(Equal([]change{{Type: core.ChangeRemoved, Key: "rooms/a"}}))
		Expect(vc.Snapshot.Docs.IsEmpty()).To(BeTrue())
	})

	It("reports a metadata change when a pending write is confirmed", func() {
		view := core.NewView(rooms(), nil)

		vc := apply(view, nil, localDoc("rooms/a", 0, n(1)))
		Expect(vc.Snapshot.HasPendingWrites()).To(BeTrue())

		vc = apply(view, nil, doc("rooms/a", 2, n(1)))
		Expect(changesOf(vc.Snapshot)).To(Equal([]change{{Type: core.ChangeMetadata, Key: "rooms/a"}}))
		Expect(vc.Snapshot.HasPendingWrites()).To(BeFalse())
	})

	It("holds an acknowledged write back until watch catches up", func() {
		view := core.NewView(rooms(), nil)
		apply(view, nil, localDoc("rooms/a", 0, n(2)))

		acked := doc("rooms/a", 2, n(3)).SetHasCommittedMutations()
		Expect(apply(view, nil, acked).Snapshot).To(BeNil())

		vc := apply(view, nil, doc("rooms/a", 3, n(3)))
		Expect(changesOf(vc.Snapshot)).To(Equal([]change{{Type: core.ChangeModified, Key: "rooms/a"}}))
	})

	Context("limbo", func() {
		It("tracks documents the backend has not confirmed", func() {
			view := core.NewView(rooms(), nil)
			apply(view, nil, doc("rooms/a", 1, n(1)), doc("rooms/b", 1, n(2)))

			vc := apply(view, ackChange("rooms/a"))
			Expect(vc.LimboChanges).To(Equal([]core.LimboDocumentChange{{Type: core.LimboAdded, Key: key("rooms/b")}}))
			Expect(vc.Snapshot).To(BeNil())
			Expect(view.LimboDocuments().Has(key("rooms/b"))).To(BeTrue())

			vc = apply(view, ackChange("rooms/b"))
			Expect(vc.LimboChanges).To(Equal([]core.LimboDocumentChange{{Type: core.LimboRemoved, Key: key("rooms/b")}}))
			Expect(vc.Snapshot.FromCache).To(BeFalse())
			Expect(vc.Snapshot.SyncStateChanged).To(BeTrue())
		})

		It("never puts locally written documents in limbo", func() {
			view := core.NewView(rooms(), nil)
			apply(view, nil, localDoc("rooms/c", 0, n(1)))

			vc := apply(view, ackChange())
			Expect(vc.LimboChanges).To(BeEmpty())
			Expect(vc.Snapshot.FromCache).To(BeFalse())
		})

		It("skips limbo bookkeeping while the target is pending a reset", func() {
			view := core.NewView(rooms(), nil)
			apply(view, nil, doc("rooms/a", 1, n(1)))

			vc := view.ApplyChanges(view.ComputeDocChanges(docs(), nil), true, ackChange(), true)
			Expect(vc.LimboChanges).To(BeEmpty())
			Expect(vc.Snapshot).To(BeNil())
		})

		It("resets limbo state from persisted results", func() {
			view := core.NewView(rooms(), nil)
			apply(view, nil, doc("rooms/a", 1, n(1)), doc("rooms/b", 1, n(2)))
			apply(view, ackChange("rooms/a"))

			vc := view.SynchronizeWithPersistedState(local.QueryResult{
				Documents:  docs(doc("rooms/a", 1, n(1)), doc("rooms/b", 1, n(2))),
				RemoteKeys: model.NewDocumentKeySet(key("rooms/a"), key("rooms/b")),
			})
			Expect(view.LimboDocuments().Len()).To(BeZero())
			Expect(vc.Snapshot.FromCache).To(BeFalse())
		})
	})

	Context("limits", func() {
		It("refills a limit-to-first view from the local store", func() {
			view := core.NewView(rooms().OrderBy("n", query.Ascending).Limit(2), nil)

			vc := apply(view, nil, doc("rooms/a", 1, n(1)), doc("rooms/b", 1, n(2)), doc("rooms/c", 1, n(3)))
			Expect(snapshotKeys(vc.Snapshot)).To(Equal([]string{"rooms/a", "rooms/b"}))
			Expect(changesOf(vc.Snapshot)).To(HaveLen(2))

			moved := doc("rooms/a", 2, n(5))
			first := view.ComputeDocChanges(docs(moved), nil)
			Expect(first.NeedsRefill).To(BeTrue())

			second := view.ComputeDocChanges(docs(moved, doc("rooms/b", 1, n(2)), doc("rooms/c", 1, n(3))), &first)
			vc = view.ApplyChanges(second, true, nil, false)

			Expect(snapshotKeys(vc.Snapshot)).To(Equal([]string{"rooms/b", "rooms/c"}))
			Expect(changesOf(vc.Snapshot)).To(Equal([]change{
				{Type: core.ChangeRemoved, Key: "rooms/a"},
				{Type: core.ChangeAdded, Key: "rooms/c"},
			}))
		})

		It("keeps the last documents for limit-to-last", func() {
			view := core.NewView(rooms().OrderBy("n", query.Ascending).LimitToLast(1), nil)

			vc := apply(view, nil, doc("rooms/a", 1, n(1)), doc("rooms/b", 1, n(2)))
			Expect(snapshotKeys(vc.Snapshot)).To(Equal([]string{"rooms/b"}))

			first := view.ComputeDocChanges(docs(doc("rooms/b", 2, n(0))), nil)
			Expect(first.NeedsRefill).To(BeTrue())
		})
	})

	It("goes back to cache when the client goes offline", func() {
		view := core.NewView(rooms(), nil)
		apply(view, ackChange("rooms/a"), doc("rooms/a", 1, n(1)))

		vc := view.ApplyOnlineStateChange(remote.OnlineStateOffline)
		Expect(vc.Snapshot.FromCache).To(BeTrue())
		Expect(vc.Snapshot.SyncStateChanged).To(BeTrue())
		Expect(vc.Snapshot.DocChanges).To(BeEmpty())

		Expect(view.ApplyOnlineStateChange(remote.OnlineStateOffline).Snapshot).To(BeNil())
		Expect(view.ApplyOnlineStateChange(remote.OnlineStateOnline).Snapshot).To(BeNil())
	})

	It("computes an initial snapshot of everything it holds", func() {
		view := core.NewView(rooms(), nil)
		apply(view, nil, doc("rooms/a", 1, n(1)), localDoc("rooms/b", 0, n(2)))

		snap := view.ComputeInitialSnapshot()
		Expect(changesOf(snap)).To(Equal([]change{
			{Type: core.ChangeAdded, Key: "rooms/a"},
			{Type: core.ChangeAdded, Key: "rooms/b"},
		}))
		Expect(snap.OldDocs.IsEmpty()).To(BeTrue())
		Expect(snap.FromCache).To(BeTrue())
		Expect(snap.HasPendingWrites()).To(BeTrue())
		Expect(snap.Equal(view.ComputeInitialSnapshot())).To(BeTrue())
	})
})
