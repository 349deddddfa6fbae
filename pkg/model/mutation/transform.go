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

package mutation

import (
	"fmt"
	"math"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
)

// TransformKind selects the operation of a field transform.
type TransformKind int

const (
	TransformServerTimestamp TransformKind = iota
	TransformArrayUnion
	TransformArrayRemove
	TransformNumericIncrement
)

func (k TransformKind) String() string {
	switch k {
	case TransformServerTimestamp:
		return "server-timestamp"
	case TransformArrayUnion:
		return "array-union"
	case TransformArrayRemove:
		return "array-remove"
	case TransformNumericIncrement:
		return "increment"
	default:
		return fmt.Sprintf("TransformKind(%d)", int(k))
	}
}

// TransformOperation is one of the four transforms. Elements is used by the
// array transforms, Operand by increment.
type TransformOperation struct {
	Kind     TransformKind `json:"kind"`
	Elements []model.Value `json:"elements,omitempty"`
	Operand  model.Value   `json:"operand"`
}

func ServerTimestamp() TransformOperation {
	return TransformOperation{Kind: TransformServerTimestamp}
}

func ArrayUnion(elements ...model.Value) TransformOperation {
	return TransformOperation{Kind: TransformArrayUnion, Elements: elements}
}

func ArrayRemove(elements ...model.Value) TransformOperation {
	return TransformOperation{Kind: TransformArrayRemove, Elements: elements}
}

// NewIncrement adds operand, which must be an integer or double value.
func NewIncrement(operand model.Value) (TransformOperation, error) {
	t := TransformOperation{Kind: TransformNumericIncrement, Operand: operand}
	if err := t.Validate(); err != nil {
		return TransformOperation{}, err
	}

	return t, nil
}

// Increment is NewIncrement that panics on a non-number operand. Meant for
// constants and tests.
func Increment(operand model.Value) TransformOperation {
	t, err := NewIncrement(operand)
	if err != nil {
		panic(err)
	}

	return t
}

// Validate checks a transform built without the constructors, for example
// one decoded from JSON.
func (t TransformOperation) Validate() error {
	switch t.Kind {
	case TransformServerTimestamp, TransformArrayUnion, TransformArrayRemove:
		return nil
	case TransformNumericIncrement:
		if !t.Operand.IsNumber() {
			return fmt.Errorf("increment operand must be a number, got %s", t.Operand.Kind)
		}

		return nil
	default:
		return fmt.Errorf("unknown transform %s", t.Kind)
	}
}

// FieldTransform applies a transform to one field.
type FieldTransform struct {
	Field     model.FieldPath    `json:"field"`
	Transform TransformOperation `json:"transform"`
}

// applyToLocalView computes the value shown locally before the server has
// confirmed the write.
func (t TransformOperation) applyToLocalView(previous *model.Value, localWriteTime model.Timestamp) model.Value {
	switch t.Kind {
	case TransformServerTimestamp:
		return model.NewServerTimestamp(localWriteTime, previous)
	case TransformArrayUnion:
		return t.applyArrayUnion(previous)
	case TransformArrayRemove:
		return t.applyArrayRemove(previous)
	case TransformNumericIncrement:
		return t.applyIncrement(previous)
	default:
		panic(fmt.Sprintf("unknown transform %d", t.Kind))
	}
}

// applyToRemoteDocument computes the committed value. Server timestamps and
// increments take the server's result; array transforms are recomputed.
func (t TransformOperation) applyToRemoteDocument(previous *model.Value, serverResult model.Value) model.Value {
	switch t.Kind {
	case TransformServerTimestamp, TransformNumericIncrement:
		return serverResult
	case TransformArrayUnion:
		return t.applyArrayUnion(previous)
	case TransformArrayRemove:
		return t.applyArrayRemove(previous)
	default:
		panic(fmt.Sprintf("unknown transform %d", t.Kind))
	}
}

// computeBaseValue returns the value the transform starts from when it is
// not idempotent. Only increments have one.
func (t TransformOperation) computeBaseValue(previous *model.Value) *model.Value {
	if t.Kind != TransformNumericIncrement {
		return nil
	}

	if previous != nil && previous.IsNumber() {
		v := *previous

		return &v
	}

	zero := model.NewInteger(0)

	return &zero
}

func coercedArray(previous *model.Value) []model.Value {
	if previous == nil || previous.Kind != model.KindArray {
		return nil
	}

	out := make([]model.Value, len(previous.ArrayValue))
	copy(out, previous.ArrayValue)

	return out
}

func (t TransformOperation) applyArrayUnion(previous *model.Value) model.Value {
	values := coercedArray(previous)
	for _, e := range t.Elements {
		if !model.ArrayContains(values, e) {
			values = append(values, e)
		}
	}

	return model.NewArray(values...)
}

func (t TransformOperation) applyArrayRemove(previous *model.Value) model.Value {
	values := coercedArray(previous)
	out := values[:0]

	for _, v := range values {
		if !model.ArrayContains(t.Elements, v) {
			out = append(out, v)
		}
	}

	return model.NewArray(out...)
}

func (t TransformOperation) applyIncrement(previous *model.Value) model.Value {
	base := t.computeBaseValue(previous)

	if base.Kind == model.KindInteger && t.Operand.Kind == model.KindInteger {
		return model.NewInteger(saturatingAdd(base.IntegerValue, t.Operand.IntegerValue))
	}

	return model.NewDouble(asFloat(*base) + asFloat(t.Operand))
}

func saturatingAdd(a, b int64) int64 {
	sum := a + b
	switch {
	case a > 0 && b > 0 && sum < 0:
		return math.MaxInt64
	case a < 0 && b < 0 && sum >= 0:
		return math.MinInt64
	default:
		return sum
	}
}

func asFloat(v model.Value) float64 {
	if v.Kind == model.KindInteger {
		return float64(v.IntegerValue)
	}

	return v.DoubleValue
}
