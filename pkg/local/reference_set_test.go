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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/local"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence/persistencetest"
)

var _ = Describe("ReferenceSet", func() {
	var refs *local.ReferenceSet

	BeforeEach(func() {
		refs = local.NewReferenceSet()
	})

	It("tracks keys per id", func() {
		refs.AddReferences(persistencetest.Keys("rooms/a", "rooms/b"), 2)
		refs.AddReferences(persistencetest.Keys("rooms/b"), 4)

		Expect(refs.ReferencesForID(2).Equal(persistencetest.Keys("rooms/a", "rooms/b"))).To(BeTrue())
		Expect(refs.ContainsKey(persistencetest.Keys("rooms/b").Sorted()[0])).To(BeTrue())
	})

	It("keeps a key referenced while any id holds it", func() {
		keys := persistencetest.Keys("rooms/a")
		refs.AddReferences(keys, 2)
		refs.AddReferences(keys, 4)

		refs.RemoveReferences(keys, 2)
		Expect(refs.ContainsKey(keys.Sorted()[0])).To(BeTrue())

		refs.RemoveReferences(keys, 4)
		Expect(refs.IsEmpty()).To(BeTrue())
	})

	It("returns the removed keys when an id is dropped", func() {
		refs.AddReferences(persistencetest.Keys("rooms/a", "rooms/b"), 6)

		removed := refs.RemoveReferencesForID(6)
		Expect(removed.Equal(persistencetest.Keys("rooms/a", "rooms/b"))).To(BeTrue())
		Expect(refs.IsEmpty()).To(BeTrue())
		Expect(refs.RemoveReferencesForID(6).Len()).To(BeZero())
	})
})
