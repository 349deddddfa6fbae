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

package query

import (
	"strings"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
)

// Operator is a field filter comparison.
type Operator string

const (
	LessThan           Operator = "<"
	LessThanOrEqual    Operator = "<="
	Equal              Operator = "=="
	NotEqual           Operator = "!="
	GreaterThan        Operator = ">"
	GreaterThanOrEqual Operator = ">="
	ArrayContains      Operator = "array-contains"
	ArrayContainsAny   Operator = "array-contains-any"
	In                 Operator = "in"
	NotIn              Operator = "not-in"
)

// IsInequality reports whether op restricts a field to a range.
func (op Operator) IsInequality() bool {
	switch op {
	case LessThan, LessThanOrEqual, GreaterThan, GreaterThanOrEqual, NotEqual, NotIn:
		return true
	default:
		return false
	}
}

// Filter restricts the documents a query matches.
type Filter interface {
	Matches(doc *model.Document) bool
	CanonicalID() string
	// FieldFilters returns every field filter nested in the filter.
	FieldFilters() []FieldFilter
}

// FieldFilter compares one field against Value. Filters on the key field take
// reference values.
type FieldFilter struct {
	Field model.FieldPath
	Op    Operator
	Value model.Value
}

func NewFieldFilter(field model.FieldPath, op Operator, value model.Value) FieldFilter {
	return FieldFilter{Field: field, Op: op, Value: value}
}

func (f FieldFilter) Matches(doc *model.Document) bool {
	other, ok := doc.Field(f.Field)

	switch f.Op {
	case NotEqual:
		return ok && other.Kind != model.KindNull && f.matchesComparison(model.Compare(other, f.Value))
	case ArrayContains:
		return ok && other.Kind == model.KindArray && model.ArrayContains(other.ArrayValue, f.Value)
	case ArrayContainsAny:
		if !ok || other.Kind != model.KindArray {
			return false
		}

		for _, candidate := range f.Value.ArrayValue {
			if model.ArrayContains(other.ArrayValue, candidate) {
				return true
			}
		}

		return false
	case In:
		return ok && model.ArrayContains(f.Value.ArrayValue, other)
	case NotIn:
		if model.ArrayContains(f.Value.ArrayValue, model.NewNull()) {
			return false
		}

		return ok && other.Kind != model.KindNull && !model.ArrayContains(f.Value.ArrayValue, other)
	default:
		return ok && model.TypeOrder(other) == model.TypeOrder(f.Value) &&
			f.matchesComparison(model.Compare(other, f.Value))
	}
}

func (f FieldFilter) matchesComparison(c int) bool {
	switch f.Op {
	case LessThan:
		return c < 0
	case LessThanOrEqual:
		return c <= 0
	case Equal:
		return c == 0
	case NotEqual:
		return c != 0
	case GreaterThan:
		return c > 0
	case GreaterThanOrEqual:
		return c >= 0
	default:
		return false
	}
}

func (f FieldFilter) IsInequality() bool { return f.Op.IsInequality() }

func (f FieldFilter) CanonicalID() string {
	return f.Field.CanonicalString() + string(f.Op) + model.CanonicalString(f.Value)
}

func (f FieldFilter) FieldFilters() []FieldFilter { return []FieldFilter{f} }

// CompositeOp joins the filters of a CompositeFilter.
type CompositeOp string

const (
	And CompositeOp = "and"
	Or  CompositeOp = "or"
)

type CompositeFilter struct {
	Op      CompositeOp
	Filters []Filter
}

func NewAndFilter(filters ...Filter) CompositeFilter {
	return CompositeFilter{Op: And, Filters: filters}
}

func NewOrFilter(filters ...Filter) CompositeFilter {
	return CompositeFilter{Op: Or, Filters: filters}
}

func (c CompositeFilter) Matches(doc *model.Document) bool {
	if c.Op == And {
		for _, f := range c.Filters {
			if !f.Matches(doc) {
				return false
			}
		}

		return true
	}

	for _, f := range c.Filters {
		if f.Matches(doc) {
			return true
		}
	}

	return false
}

func (c CompositeFilter) CanonicalID() string {
	ids := make([]string, len(c.Filters))
	flat := c.Op == And

	for i, f := range c.Filters {
		ids[i] = f.CanonicalID()

		if _, ok := f.(FieldFilter); !ok {
			flat = false
		}
	}

	if flat {
		return strings.Join(ids, "")
	}

	return string(c.Op) + "(" + strings.Join(ids, ",") + ")"
}

func (c CompositeFilter) FieldFilters() []FieldFilter {
	var out []FieldFilter
	for _, f := range c.Filters {
		out = append(out, f.FieldFilters()...)
	}

	return out
}
