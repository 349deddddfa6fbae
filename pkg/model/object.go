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

package model

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/tiendc/go-deepcopy"
)

// ObjectValue holds the top level fields of a document.
type ObjectValue struct {
	fields map[string]Value
}

func NewObjectValue() ObjectValue {
	return ObjectValue{fields: map[string]Value{}}
}

// ObjectValueFromMap wraps fields without copying them.
func ObjectValueFromMap(fields map[string]Value) ObjectValue {
	if fields == nil {
		fields = map[string]Value{}
	}

	return ObjectValue{fields: fields}
}

// Fields exposes the underlying map. Callers must not modify it.
func (o ObjectValue) Fields() map[string]Value { return o.fields }

func (o ObjectValue) IsEmpty() bool { return len(o.fields) == 0 }

// AsValue returns the object as a map Value.
func (o ObjectValue) AsValue() Value { return NewMap(o.fields) }

// Field returns the value at path. The empty path addresses the whole object.
func (o ObjectValue) Field(path FieldPath) (Value, bool) {
	if path.IsEmpty() {
		return o.AsValue(), true
	}

	current := o.fields

	for i, seg := range path {
		v, ok := current[seg]
		if !ok {
			return Value{}, false
		}

		if i == len(path)-1 {
			return v, true
		}

		if v.Kind != KindMap {
			return Value{}, false
		}

		current = v.MapValue
	}

	return Value{}, false
}

// Set stores v at path, creating or replacing intermediate maps.
func (o *ObjectValue) Set(path FieldPath, v Value) {
	if path.IsEmpty() {
		panic("cannot set the empty field path")
	}

	parent := o.parentMap(path, true)
	parent[path.LastSegment()] = v
}

// Delete removes the value at path. Missing paths are ignored.
func (o *ObjectValue) Delete(path FieldPath) {
	if path.IsEmpty() {
		panic("cannot delete the empty field path")
	}

	if parent := o.parentMap(path, false); parent != nil {
		delete(parent, path.LastSegment())
	}
}

// FieldUpdate sets Path to Value, or deletes it when Value is nil.
type FieldUpdate struct {
	Path  FieldPath
	Value *Value
}

// SetAll applies updates in order.
func (o *ObjectValue) SetAll(updates []FieldUpdate) {
	for _, u := range updates {
		if u.Value == nil {
			o.Delete(u.Path)
		} else {
			o.Set(u.Path, *u.Value)
		}
	}
}

func (o *ObjectValue) parentMap(path FieldPath, create bool) map[string]Value {
	if o.fields == nil {
		if !create {
			return nil
		}

		o.fields = map[string]Value{}
	}

	current := o.fields

	for _, seg := range path.Parent() {
		v, ok := current[seg]
		if !ok || v.Kind != KindMap {
			if !create {
				return nil
			}

			v = NewMap(nil)
			current[seg] = v
		}

		current = v.MapValue
	}

	return current
}

// Clone returns a deep copy.
func (o ObjectValue) Clone() ObjectValue {
	var dst map[string]Value
	if err := deepcopy.Copy(&dst, &o.fields); err != nil {
		panic(fmt.Sprintf("failed to copy document fields: %v", err))
	}

	return ObjectValueFromMap(dst)
}

func (o ObjectValue) Equal(other ObjectValue) bool {
	return Equal(o.AsValue(), other.AsValue())
}

// FieldMask returns the paths of every leaf. Empty maps count as leaves.
func (o ObjectValue) FieldMask() FieldMask {
	var paths []FieldPath

	var walk func(prefix FieldPath, fields map[string]Value)
	walk = func(prefix FieldPath, fields map[string]Value) {
		for k, v := range fields {
			p := prefix.Child(k)
			if v.Kind == KindMap && len(v.MapValue) > 0 && !IsServerTimestamp(v) {
				walk(p, v.MapValue)
			} else {
				paths = append(paths, p)
			}
		}
	}
	walk(FieldPath{}, o.fields)

	return NewFieldMask(paths...)
}

func (o ObjectValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.fields)
}

func (o *ObjectValue) UnmarshalJSON(data []byte) error {
	fields := map[string]Value{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	o.fields = fields

	return nil
}

func (o ObjectValue) String() string {
	return CanonicalString(o.AsValue())
}
