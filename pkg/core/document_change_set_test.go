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
)

var _ = Describe("DocumentChangeSet", func() {
	a1 := doc("rooms/a", 1, map[string]any{"v": int64(1)})
	a2 := doc("rooms/a", 2, map[string]any{"v": int64(2)})

	DescribeTable("merging two changes to one document",
		func(first, second core.ChangeType, want []core.ChangeType, wantVersion int64) {
			set := core.NewDocumentChangeSet()
			set.Track(core.DocumentViewChange{Type: first, Doc: a1})
			set.Track(core.DocumentViewChange{Type: second, Doc: a2})

			got := set.Changes()
			types := make([]core.ChangeType, 0, len(got))
			for _, c := range got {
				types = append(types, c.Type)
			}

			Expect(types).To(Equal(want))

			if len(got) == 1 {
				Expect(got[0].Doc.Version().ToMicroseconds()).To(Equal(wantVersion))
			}
		},
		Entry("added then modified stays added", core.ChangeAdded, core.ChangeModified, []core.ChangeType{core.ChangeAdded}, int64(2)),
		Entry("added then removed cancels out", core.ChangeAdded, core.ChangeRemoved, []core.ChangeType{}, int64(0)),
		Entry("removed then added is a modification", core.ChangeRemoved, core.ChangeAdded, []core.ChangeType{core.ChangeModified}, int64(2)),
		Entry("modified then removed keeps the old document", core.ChangeModified, core.ChangeRemoved, []core.ChangeType{core.ChangeRemoved}, int64(1)),
		Entry("modified twice takes the newest", core.ChangeModified, core.ChangeModified, []core.ChangeType{core.ChangeModified}, int64(2)),
		Entry("metadata then modified is a modification", core.ChangeMetadata, core.ChangeModified, []core.ChangeType{core.ChangeModified}, int64(2)),
		Entry("added then metadata stays added", core.ChangeAdded, core.ChangeMetadata, []core.ChangeType{core.ChangeAdded}, int64(2)),
		Entry("metadata then removed is a removal", core.ChangeMetadata, core.ChangeRemoved, []core.ChangeType{core.ChangeRemoved}, int64(2)),
	)

	It("panics on impossible combinations", func() {
		set := core.NewDocumentChangeSet()
		set.Track(core.DocumentViewChange{Type: core.ChangeAdded, Doc: a1})

		Expect(func() { set.Track(core.DocumentViewChange{Type: core.ChangeAdded, Doc: a2}) }).To(Panic())
	})

	It("orders changes by key", func() {
		set := core.NewDocumentChangeSet()
		set.Track(core.DocumentViewChange{Type: core.ChangeAdded, Doc: doc("rooms/c", 1, nil)})
		set.Track(core.DocumentViewChange{Type: core.ChangeRemoved, Doc: doc("rooms/a", 1, nil)})

		got := set.Changes()
		Expect(got).To(HaveLen(2))
		Expect(got[0].Doc.Key()).To(Equal(key("rooms/a")))
		Expect(set.Len()).To(Equal(2))
	})
})
