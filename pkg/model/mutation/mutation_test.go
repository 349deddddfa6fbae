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

package mutation_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
)

var _ = Describe("Mutation", func() {
	var (
		key       model.DocumentKey
		writeTime model.Timestamp
	)

	BeforeEach(func() {
		key = model.MustDocumentKey("rooms/eros")
		writeTime = model.Timestamp{Seconds: 100}
	})

	field := func(doc *model.Document, path string) model.Value {
		v, ok := doc.Field(model.MustFieldPath(path))
		ExpectWithOffset(1, ok).To(BeTrue(), "field %s missing in %s", path, doc)

		return v
	}

	Context("applied to the local view", func() {
		It("replaces the document on set", func() {
			doc := model.NewFoundDocument(key, model.VersionFromMicros(1), model.MustObject(map[string]any{"old": true}))
			m := mutation.NewSet(key, model.MustObject(map[string]any{"name": "eros"}))

			mask := m.ApplyToLocalView(doc, &model.FieldMask{}, writeTime)

			Expect(mask).To(BeNil())
			Expect(doc.HasLocalMutations()).To(BeTrue())
			Expect(field(doc, "name").StringValue).To(Equal("eros"))
			_, ok := doc.Field(model.MustFieldPath("old"))
			Expect(ok).To(BeFalse())
		})

		It("merges patched fields and deletes masked fields missing from the value", func() {
			doc := model.NewFoundDocument(key, model.VersionFromMicros(1), model.MustObject(map[string]any{
				"a": int64(1), "b": int64(2), "c": int64(3),
			}))
			m := mutation.NewPatch(key, model.MustObject(map[string]any{"a": int64(10)}),
				model.NewFieldMask(model.MustFieldPath("a"), model.MustFieldPath("b")), mutation.PreconditionExists(true))

			mask := m.ApplyToLocalView(doc, &model.FieldMask{}, writeTime)

			Expect(mask).NotTo(BeNil())
			Expect(mask.Fields()).To(HaveLen(2))
			Expect(field(doc, "a").IntegerValue).To(Equal(int64(10)))
			Expect(field(doc, "c").IntegerValue).To(Equal(int64(3)))
			_, ok := doc.Field(model.MustFieldPath("b"))
			Expect(ok).To(BeFalse())
		})

		It("skips a patch whose precondition fails", func() {
			doc := model.NewNoDocument(key, model.VersionFromMicros(1))
			m := mutation.NewPatch(key, model.MustObject(map[string]any{"a": int64(1)}),
				model.NewFieldMask(model.MustFieldPath("a")), mutation.PreconditionExists(true))

			previous := model.NewFieldMask(model.MustFieldPath("x"))
			mask := m.ApplyToLocalView(doc, &previous, writeTime)

			Expect(mask).To(Equal(&previous))
			Expect(doc.IsNoDocument()).To(BeTrue())
			Expect(doc.HasLocalMutations()).To(BeFalse())
		})

		It("deletes the document", func() {
			doc := model.NewFoundDocument(key, model.VersionFromMicros(1), model.NewObjectValue())
			mutation.NewDelete(key, mutation.PreconditionNone).ApplyToLocalView(doc, nil, writeTime)

			Expect(doc.IsNoDocument()).To(BeTrue())
			Expect(doc.HasLocalMutations()).To(BeTrue())
		})

		It("shows server timestamps as placeholders", func() {
			doc := model.NewFoundDocument(key, model.VersionFromMicros(1), model.MustObject(map[string]any{"at": int64(5)}))
			m := mutation.NewPatch(key, model.NewObjectValue(), model.NewFieldMask(), mutation.PreconditionExists(true),
				mutation.FieldTransform{Field: model.MustFieldPath("at"), Transform: mutation.ServerTimestamp()})

			m.ApplyToLocalView(doc, &model.FieldMask{}, writeTime)

			at := field(doc, "at")
			Expect(model.IsServerTimestamp(at)).To(BeTrue())
			Expect(model.ServerTimestampLocalWriteTime(at)).To(Equal(writeTime))
		})

		It("increments numbers and treats missing fields as zero", func() {
			doc := model.NewFoundDocument(key, model.VersionFromMicros(1), model.MustObject(map[string]any{"n": int64(2)}))
			inc := func(path string, operand model.Value) mutation.FieldTransform {
				return mutation.FieldTransform{Field: model.MustFieldPath(path), Transform: mutation.Increment(operand)}
			}
			m := mutation.NewPatch(key, model.NewObjectValue(), model.NewFieldMask(), mutation.PreconditionNone,
				inc("n", model.NewInteger(3)), inc("missing", model.NewDouble(0.5)))

			m.ApplyToLocalView(doc, nil, writeTime)

			Expect(field(doc, "n")).To(Equal(model.NewInteger(5)))
			Expect(field(doc, "missing")).To(Equal(model.NewDouble(0.5)))
		})

		It("unions and removes array elements", func() {
			doc := model.NewFoundDocument(key, model.VersionFromMicros(1), model.MustObject(map[string]any{
				"tags": []any{"a", "b"},
			}))
			union := mutation.NewPatch(key, model.NewObjectValue(), model.NewFieldMask(), mutation.PreconditionNone,
				mutation.FieldTransform{Field: model.MustFieldPath("tags"), Transform: mutation.ArrayUnion(model.NewString("b"), model.NewString("c"))})
			remove := mutation.NewPatch(key, model.NewObjectValue(), model.NewFieldMask(), mutation.PreconditionNone,
				mutation.FieldTransform{Field: model.MustFieldPath("tags"), Transform: mutation.ArrayRemove(model.NewString("a"))})

			union.ApplyToLocalView(doc, nil, writeTime)
			remove.ApplyToLocalView(doc, nil, writeTime)

			Expect(model.Equal(field(doc, "tags"), model.NewArray(model.NewString("b"), model.NewString("c")))).To(BeTrue())
		})
	})

	Context("applied to the remote document", func() {
		It("takes the server value for transforms", func() {
			doc := model.NewFoundDocument(key, model.VersionFromMicros(1), model.NewObjectValue())
			serverTime := model.NewTimestamp(model.Timestamp{Seconds: 200})
			m := mutation.NewSet(key, model.MustObject(map[string]any{"a": true}),
				mutation.FieldTransform{Field: model.MustFieldPath("at"), Transform: mutation.ServerTimestamp()})

			m.ApplyToRemoteDocument(doc, mutation.Result{
				Version:          model.VersionFromMicros(7),
				TransformResults: []model.Value{serverTime},
			})

			Expect(doc.HasCommittedMutations()).To(BeTrue())
			Expect(doc.Version()).To(Equal(model.VersionFromMicros(7)))
			Expect(field(doc, "at")).To(Equal(serverTime))
		})

		It("turns a patch on an unseen document into an unknown document", func() {
			doc := model.NewInvalidDocument(key)
			m := mutation.NewPatch(key, model.MustObject(map[string]any{"a": true}),
				model.NewFieldMask(model.MustFieldPath("a")), mutation.PreconditionExists(true))

			m.ApplyToRemoteDocument(doc, mutation.Result{Version: model.VersionFromMicros(7)})

			Expect(doc.IsUnknownDocument()).To(BeTrue())
			Expect(doc.HasCommittedMutations()).To(BeTrue())
		})
	})

	Context("overlay calculation", func() {
		It("returns nil without local mutations", func() {
			doc := model.NewFoundDocument(key, model.VersionFromMicros(1), model.NewObjectValue())
			Expect(mutation.CalculateOverlayMutation(doc, nil)).To(BeNil())
		})

		It("produces a set for whole document changes", func() {
			doc := model.NewInvalidDocument(key)
			mutation.NewSet(key, model.MustObject(map[string]any{"a": int64(1)})).ApplyToLocalView(doc, nil, writeTime)

			overlay := mutation.CalculateOverlayMutation(doc, nil)
			Expect(overlay).NotTo(BeNil())
			Expect(overlay.Kind).To(Equal(mutation.KindSet))
		})

		It("produces a delete for a locally deleted document", func() {
			doc := model.NewFoundDocument(key, model.VersionFromMicros(1), model.NewObjectValue())
			mutation.NewDelete(key, mutation.PreconditionNone).ApplyToLocalView(doc, nil, writeTime)

			Expect(mutation.CalculateOverlayMutation(doc, nil).Kind).To(Equal(mutation.KindDelete))
		})

		It("produces a patch limited to the mask that reproduces the local view", func() {
			base := model.NewFoundDocument(key, model.VersionFromMicros(1), model.MustObject(map[string]any{"a": int64(1), "b": int64(2)}))
			doc := base.Clone()
			m := mutation.NewPatch(key, model.MustObject(map[string]any{"a": int64(5)}),
				model.NewFieldMask(model.MustFieldPath("a")), mutation.PreconditionExists(true))
			mask := m.ApplyToLocalView(doc, &model.FieldMask{}, writeTime)

			overlay := mutation.CalculateOverlayMutation(doc, mask)
			Expect(overlay.Kind).To(Equal(mutation.KindPatch))
			Expect(overlay.Mask.Fields()).To(HaveLen(1))

			replayed := base.Clone()
			overlay.ApplyToLocalView(replayed, nil, writeTime)
			Expect(replayed.Data().Equal(*doc.Data())).To(BeTrue())
		})
	})

	Context("validation", func() {
		It("rejects increments of non-numbers", func() {
			_, err := mutation.NewIncrement(model.NewString("one"))
			Expect(err).To(MatchError(ContainSubstring("must be a number")))

			op, err := mutation.NewIncrement(model.NewDouble(0.5))
			Expect(err).NotTo(HaveOccurred())
			Expect(op.Kind).To(Equal(mutation.TransformNumericIncrement))
		})

		It("catches transforms that bypassed the constructors", func() {
			bad := mutation.FieldTransform{
				Field:     model.MustFieldPath("n"),
				Transform: mutation.TransformOperation{Kind: mutation.TransformNumericIncrement, Operand: model.NewNull()},
			}

			Expect(mutation.NewSet(model.MustDocumentKey("rooms/a"), model.NewObjectValue(), bad).Validate()).
				To(MatchError(ContainSubstring("invalid transform on n")))
			Expect(mutation.NewSet(model.MustDocumentKey("rooms/a"), model.NewObjectValue()).Validate()).To(Succeed())
		})
	})

	It("extracts increment base values", func() {
		doc := model.NewFoundDocument(key, model.VersionFromMicros(1), model.MustObject(map[string]any{"n": "text"}))
		m := mutation.NewPatch(key, model.NewObjectValue(), model.NewFieldMask(), mutation.PreconditionNone,
			mutation.FieldTransform{Field: model.MustFieldPath("n"), Transform: mutation.Increment(model.NewInteger(1))},
			mutation.FieldTransform{Field: model.MustFieldPath("t"), Transform: mutation.ServerTimestamp()})

		base := m.ExtractTransformBaseValue(doc)
		Expect(base).NotTo(BeNil())
		v, ok := base.Field(model.MustFieldPath("n"))
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(model.NewInteger(0)))
		_, ok = base.Field(model.MustFieldPath("t"))
		Expect(ok).To(BeFalse())
	})
})
