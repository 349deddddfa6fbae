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

package model_test

import (
	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
)

var _ = Describe("Document", func() {
	key := model.MustDocumentKey("rooms/a")

	It("clones deeply", func() {
		doc := model.NewFoundDocument(key, model.VersionFromMicros(5), model.MustObject(map[string]any{
			"nested": map[string]any{"x": int64(1)},
		}))
		clone := doc.Clone()
		clone.Data().Set(model.MustFieldPath("nested.x"), model.NewInteger(2))

		v, ok := doc.Field(model.MustFieldPath("nested.x"))
		Expect(ok).To(BeTrue())
		Expect(v.IntegerValue).To(Equal(int64(1)))
	})

	It("resets the version when local mutations are added", func() {
		doc := model.NewFoundDocument(key, model.VersionFromMicros(5), model.NewObjectValue()).SetHasLocalMutations()
		Expect(doc.Version().IsMin()).To(BeTrue())
		Expect(doc.HasPendingWrites()).To(BeTrue())
	})

	It("resolves the key field to a reference", func() {
		doc := model.NewNoDocument(key, model.VersionFromMicros(1))
		v, ok := doc.Field(model.KeyFieldPath)
		Expect(ok).To(BeTrue())
		Expect(v.Kind).To(Equal(model.KindReference))
		Expect(v.StringValue).To(Equal("rooms/a"))
	})

	It("survives a JSON round trip", func() {
		doc := model.NewFoundDocument(key, model.VersionFromMicros(42), model.MustObject(map[string]any{"n": 1.5}))
		doc.SetReadTime(model.VersionFromMicros(43))

		data, err := json.Marshal(doc)
		Expect(err).NotTo(HaveOccurred())

		var out model.Document
		Expect(json.Unmarshal(data, &out)).To(Succeed())
		Expect(out.Equal(doc)).To(BeTrue())
		Expect(out.ReadTime()).To(Equal(doc.ReadTime()))
	})

	Context("ObjectValue", func() {
		It("creates intermediate maps and deletes leaves", func() {
			obj := model.NewObjectValue()
			obj.Set(model.MustFieldPath("a.b.c"), model.NewBoolean(true))
			obj.SetAll([]model.FieldUpdate{{Path: model.MustFieldPath("a.b.c")}, {Path: model.MustFieldPath("z"), Value: ptr(model.NewNull())}})

			_, ok := obj.Field(model.MustFieldPath("a.b.c"))
			Expect(ok).To(BeFalse())
			_, ok = obj.Field(model.MustFieldPath("a.b"))
			Expect(ok).To(BeTrue())
			Expect(obj.FieldMask().Fields()).To(HaveLen(2))
		})
	})
})

var _ = Describe("DocumentSet", func() {
	byField := func(a, b *model.Document) int {
		av, _ := a.Field(model.MustFieldPath("n"))
		bv, _ := b.Field(model.MustFieldPath("n"))
		if c := model.Compare(av, bv); c != 0 {
			return c
		}

		return model.KeyComparator(a, b)
	}

	doc := func(id string, n int64) *model.Document {
		return model.NewFoundDocument(model.MustDocumentKey("c/"+id), model.VersionFromMicros(1),
			model.MustObject(map[string]any{"n": n}))
	}

	It("keeps documents sorted and replaces by key", func() {
		set := model.NewDocumentSet(byField).Add(doc("a", 3)).Add(doc("b", 1)).Add(doc("c", 2))
		Expect(set.Keys()).To(Equal([]model.DocumentKey{
			model.MustDocumentKey("c/b"), model.MustDocumentKey("c/c"), model.MustDocumentKey("c/a"),
		}))

		updated := set.Add(doc("a", 0))
		Expect(updated.First().Key()).To(Equal(model.MustDocumentKey("c/a")))
		Expect(updated.Len()).To(Equal(3))
		Expect(set.Last().Key()).To(Equal(model.MustDocumentKey("c/a")))
		Expect(updated.IndexOf(model.MustDocumentKey("c/c"))).To(Equal(2))
	})

	It("deletes without touching the original", func() {
		set := model.NewDocumentSet(nil).Add(doc("a", 1))
		Expect(set.Delete(model.MustDocumentKey("c/a")).IsEmpty()).To(BeTrue())
		Expect(set.Has(model.MustDocumentKey("c/a"))).To(BeTrue())
	})
})

func ptr[T any](v T) *T { return &v }
