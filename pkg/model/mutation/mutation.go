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

// Package mutation describes document writes and how they apply to local and
// committed document state.
package mutation

import (
	"fmt"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
)

// Kind selects the mutation variant.
type Kind int

const (
	KindSet Kind = iota
	KindPatch
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindSet:
		return "set"
	case KindPatch:
		return "patch"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Mutation is a single write to one document.
//
// Set replaces the document with Value. Patch writes the fields named by
// Mask, taking values from Value and deleting masked fields Value lacks.
// Delete removes the document. Transforms run after the base write.
type Mutation struct {
	Kind         Kind              `json:"kind"`
	Key          model.DocumentKey `json:"key"`
	Value        model.ObjectValue `json:"value"`
	Mask         model.FieldMask   `json:"mask"`
	Precondition Precondition      `json:"precondition"`
	Transforms   []FieldTransform  `json:"transforms,omitempty"`
}

func NewSet(key model.DocumentKey, value model.ObjectValue, transforms ...FieldTransform) Mutation {
	return Mutation{Kind: KindSet, Key: key, Value: value, Transforms: transforms}
}

func NewPatch(key model.DocumentKey, value model.ObjectValue, mask model.FieldMask, precondition Precondition, transforms ...FieldTransform) Mutation {
	return Mutation{Kind: KindPatch, Key: key, Value: value, Mask: mask, Precondition: precondition, Transforms: transforms}
}

func NewDelete(key model.DocumentKey, precondition Precondition) Mutation {
	return Mutation{Kind: KindDelete, Key: key, Value: model.NewObjectValue(), Precondition: precondition}
}

// Result is the server's answer for one mutation of a committed batch.
type Result struct {
	Version          model.SnapshotVersion `json:"version"`
	TransformResults []model.Value         `json:"transformResults,omitempty"`
}

// ApplyToRemoteDocument applies the mutation to doc after the server
// acknowledged it with result.
func (m Mutation) ApplyToRemoteDocument(doc *model.Document, result Result) {
	m.assertKey(doc)

	switch m.Kind {
	case KindSet:
		data := m.Value.Clone()
		data.SetAll(m.serverTransformResults(doc, result.TransformResults))
		doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()
	case KindPatch:
		if !m.Precondition.IsValidFor(doc) {
			// The patch may have been applied to a document we never saw; all
			// we know is that it changed at this version.
			doc.ConvertToUnknownDocument(result.Version)

			return
		}

		updates := m.serverTransformResults(doc, result.TransformResults)
		data := doc.Data()
		data.SetAll(m.patchUpdates())
		data.SetAll(updates)
		doc.ConvertToFoundDocument(result.Version, *data).SetHasCommittedMutations()
	case KindDelete:
		doc.ConvertToNoDocument(result.Version).SetHasCommittedMutations()
	default:
		panic(fmt.Sprintf("unknown mutation kind %d", m.Kind))
	}
}

// ApplyToLocalView applies the mutation to the local view of doc. previousMask
// is the set of fields changed so far, with nil meaning the whole document.
// The returned mask adds the fields this mutation changed.
func (m Mutation) ApplyToLocalView(doc *model.Document, previousMask *model.FieldMask, localWriteTime model.Timestamp) *model.FieldMask {
	m.assertKey(doc)

	switch m.Kind {
	case KindSet:
		if !m.Precondition.IsValidFor(doc) {
			return previousMask
		}

		data := m.Value.Clone()
		data.SetAll(m.localTransformResults(localWriteTime, doc))
		doc.ConvertToFoundDocument(doc.Version(), data).SetHasLocalMutations()

		return nil
	case KindPatch:
		if !m.Precondition.IsValidFor(doc) {
			return previousMask
		}

		updates := m.localTransformResults(localWriteTime, doc)
		data := doc.Data()
		data.SetAll(m.patchUpdates())
		data.SetAll(updates)
		doc.ConvertToFoundDocument(doc.Version(), *data).SetHasLocalMutations()

		if previousMask == nil {
			return nil
		}

		mask := previousMask.UnionWith(m.Mask.Fields()...).UnionWith(m.transformFields()...)

		return &mask
	case KindDelete:
		if !m.Precondition.IsValidFor(doc) {
			return previousMask
		}

		doc.ConvertToNoDocument(doc.Version()).SetHasLocalMutations()

		return nil
	default:
		panic(fmt.Sprintf("unknown mutation kind %d", m.Kind))
	}
}

// ExtractTransformBaseValue returns the values non-idempotent transforms
// start from, or nil when there are none.
func (m Mutation) ExtractTransformBaseValue(doc *model.Document) *model.ObjectValue {
	var base *model.ObjectValue

	for _, ft := range m.Transforms {
		existing := fieldPointer(doc, ft.Field)

		if coerced := ft.Transform.computeBaseValue(existing); coerced != nil {
			if base == nil {
				b := model.NewObjectValue()
				base = &b
			}

			base.Set(ft.Field, *coerced)
		}
	}

	return base
}

// HasPrecondition reports whether the mutation carries a precondition.
// Validate checks the transforms of m.
func (m Mutation) Validate() error {
	for _, ft := range m.Transforms {
		if err := ft.Transform.Validate(); err != nil {
			return fmt.Errorf("invalid transform on %s: %w", ft.Field.CanonicalString(), err)
		}
	}

	return nil
}

func (m Mutation) HasPrecondition() bool {
	return !m.Precondition.IsNone()
}

func (m Mutation) Equal(o Mutation) bool {
	if m.Kind != o.Kind || m.Key != o.Key || !m.Precondition.Equal(o.Precondition) {
		return false
	}

	if len(m.Transforms) != len(o.Transforms) {
		return false
	}

	for i := range m.Transforms {
		a, b := m.Transforms[i], o.Transforms[i]
		if !a.Field.Equal(b.Field) || a.Transform.Kind != b.Transform.Kind ||
			!model.Equal(model.NewArray(a.Transform.Elements...), model.NewArray(b.Transform.Elements...)) ||
			(a.Transform.Kind == TransformNumericIncrement && !model.Equal(a.Transform.Operand, b.Transform.Operand)) {
			return false
		}
	}

	switch m.Kind {
	case KindSet:
		return m.Value.Equal(o.Value)
	case KindPatch:
		return m.Value.Equal(o.Value) && m.Mask.Equal(o.Mask)
	default:
		return true
	}
}

func (m Mutation) String() string {
	return fmt.Sprintf("%sMutation(%s, %s, %d transforms)", m.Kind, m.Key, m.Precondition, len(m.Transforms))
}

func (m Mutation) assertKey(doc *model.Document) {
	if doc.Key() != m.Key {
		panic(fmt.Sprintf("mutation for %s applied to document %s", m.Key, doc.Key()))
	}
}

// patchUpdates lists the masked fields with their new values. Fields missing
// from Value are deleted.
func (m Mutation) patchUpdates() []model.FieldUpdate {
	data := m.Value.Clone()
	updates := make([]model.FieldUpdate, 0, m.Mask.Len())

	for _, path := range m.Mask.Fields() {
		if path.IsEmpty() {
			continue
		}

		if v, ok := data.Field(path); ok {
			updates = append(updates, model.FieldUpdate{Path: path, Value: &v})
		} else {
			updates = append(updates, model.FieldUpdate{Path: path})
		}
	}

	return updates
}

func (m Mutation) transformFields() []model.FieldPath {
	paths := make([]model.FieldPath, len(m.Transforms))
	for i, ft := range m.Transforms {
		paths[i] = ft.Field
	}

	return paths
}

func (m Mutation) localTransformResults(localWriteTime model.Timestamp, doc *model.Document) []model.FieldUpdate {
	updates := make([]model.FieldUpdate, len(m.Transforms))

	for i, ft := range m.Transforms {
		v := ft.Transform.applyToLocalView(fieldPointer(doc, ft.Field), localWriteTime)
		updates[i] = model.FieldUpdate{Path: ft.Field, Value: &v}
	}

	return updates
}

func (m Mutation) serverTransformResults(doc *model.Document, serverResults []model.Value) []model.FieldUpdate {
	if len(serverResults) != len(m.Transforms) {
		panic(fmt.Sprintf("server returned %d transform results for %d transforms", len(serverResults), len(m.Transforms)))
	}

	updates := make([]model.FieldUpdate, len(m.Transforms))

	for i, ft := range m.Transforms {
		v := ft.Transform.applyToRemoteDocument(fieldPointer(doc, ft.Field), serverResults[i])
		updates[i] = model.FieldUpdate{Path: ft.Field, Value: &v}
	}

	return updates
}

func fieldPointer(doc *model.Document, path model.FieldPath) *model.Value {
	v, ok := doc.Field(path)
	if !ok {
		return nil
	}

	return &v
}

// CalculateOverlayMutation derives the single mutation that turns the remote
// document into doc. mask is the set of changed fields, nil meaning the whole
// document. Returns nil when doc has no local mutations.
func CalculateOverlayMutation(doc *model.Document, mask *model.FieldMask) *Mutation {
	if !doc.HasLocalMutations() || (mask != nil && mask.Len() == 0) {
		return nil
	}

	if mask == nil {
		if doc.IsNoDocument() {
			m := NewDelete(doc.Key(), PreconditionNone)

			return &m
		}

		m := NewSet(doc.Key(), doc.Data().Clone())

		return &m
	}

	data := doc.Data()
	patch := model.NewObjectValue()
	paths := model.NewFieldMask()

	for _, path := range mask.Fields() {
		if paths.Contains(path) {
			continue
		}

		v, ok := data.Field(path)
		// A transform on a nested field can leave its parent unset; fall back
		// to the parent so the overlay still clears it.
		if !ok && path.Len() > 1 {
			path = path.Parent()
			v, ok = data.Field(path)
		}

		if ok {
			patch.Set(path, v)
		} else {
			patch.Delete(path)
		}

		paths = paths.UnionWith(path)
	}

	m := NewPatch(doc.Key(), patch.Clone(), paths, PreconditionNone)

	return &m
}
