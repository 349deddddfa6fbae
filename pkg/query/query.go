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

// Package query defines collection queries, how they match documents, and the
// targets they are listened to as.
//
// Queries are built with chained calls:
//
//	q := query.NewCollectionQuery(model.MustResourcePath("rooms")).
//	    Where("members", query.ArrayContains, model.NewString("alice")).
//	    OrderBy("updatedAt", query.Descending).
//	    Limit(20)
package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
)

// Direction of an order-by.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

type OrderBy struct {
	Field model.FieldPath
	Dir   Direction
}

// Bound is a cursor position. Position holds one value per order-by, with
// reference values for the key field.
type Bound struct {
	Position  []model.Value
	Inclusive bool
}

func (b *Bound) canonical() string {
	parts := make([]string, len(b.Position))
	for i, v := range b.Position {
		parts[i] = model.CanonicalString(v)
	}

	prefix := "a:"
	if b.Inclusive {
		prefix = "b:"
	}

	return prefix + strings.Join(parts, ",")
}

// compareToDocument compares the bound against doc along orderBy.
func (b *Bound) compareToDocument(orderBy []OrderBy, doc *model.Document) int {
	c := 0

	for i, v := range b.Position {
		if i >= len(orderBy) {
			break
		}

		ob := orderBy[i]

		if ob.Field.IsKeyField() {
			c = model.Compare(v, model.NewReference(doc.Key()))
		} else {
			docValue, _ := doc.Field(ob.Field)
			c = model.Compare(v, docValue)
		}

		if ob.Dir == Descending {
			c = -c
		}

		if c != 0 {
			break
		}
	}

	return c
}

type LimitType int

const (
	LimitToFirst LimitType = iota
	LimitToLast
)

// Query is a collection, collection group or single document query. Builder
// methods modify the receiver and return it.
type Query struct {
	Path            model.ResourcePath
	CollectionGroup string
	Filters         []Filter
	ExplicitOrderBy []OrderBy
	LimitCount      int
	LimitType       LimitType
	StartAt         *Bound
	EndAt           *Bound
}

// NewCollectionQuery matches documents directly under path. An even length
// path makes a single document query.
func NewCollectionQuery(path model.ResourcePath) *Query {
	return &Query{Path: path}
}

// NewDocumentQuery matches the single document key.
func NewDocumentQuery(key model.DocumentKey) *Query {
	return &Query{Path: key.Path()}
}

// NewCollectionGroupQuery matches every collection named collectionID below
// parent. Use an empty parent for the whole database.
func NewCollectionGroupQuery(parent model.ResourcePath, collectionID string) *Query {
	return &Query{Path: parent, CollectionGroup: collectionID}
}

// Where adds a field filter. field is a dotted path.
func (q *Query) Where(field string, op Operator, value model.Value) *Query {
	return q.Filter(NewFieldFilter(model.MustFieldPath(field), op, value))
}

func (q *Query) Filter(f Filter) *Query {
	q.Filters = append(q.Filters, f)

	return q
}

func (q *Query) OrderBy(field string, dir Direction) *Query {
	q.ExplicitOrderBy = append(q.ExplicitOrderBy, OrderBy{Field: model.MustFieldPath(field), Dir: dir})

	return q
}

func (q *Query) Limit(count int) *Query {
	if count < 0 {
		count = 0
	}

	q.LimitCount = count
	q.LimitType = LimitToFirst

	return q
}

func (q *Query) LimitToLast(count int) *Query {
	q.Limit(count)
	q.LimitType = LimitToLast

	return q
}

// StartAtBound sets the lower cursor.
func (q *Query) StartAtBound(inclusive bool, position ...model.Value) *Query {
	q.StartAt = &Bound{Position: position, Inclusive: inclusive}

	return q
}

// EndAtBound sets the upper cursor.
func (q *Query) EndAtBound(inclusive bool, position ...model.Value) *Query {
	q.EndAt = &Bound{Position: position, Inclusive: inclusive}

	return q
}

// Validate reports what the builder methods do not check. Cursors may not
// hold more values than the query has order-bys, and cursor values and filter
// values on the key field must be references to documents.
func (q *Query) Validate() error {
	orderBy := q.NormalizedOrderBy()

	cursors := []struct {
		name  string
		bound *Bound
	}{{"start", q.StartAt}, {"end", q.EndAt}}

	for _, c := range cursors {
		name, b := c.name, c.bound
		if b == nil {
			continue
		}

		if len(b.Position) > len(orderBy) {
			return fmt.Errorf("%s cursor has %d values but the query orders by %d fields", name, len(b.Position), len(orderBy))
		}

		for i, v := range b.Position {
			if !orderBy[i].Field.IsKeyField() {
				continue
			}

			if err := validateKeyValue(v); err != nil {
				return fmt.Errorf("invalid %s cursor: %w", name, err)
			}
		}
	}

	for _, filter := range q.Filters {
		for _, f := range filter.FieldFilters() {
			if !f.Field.IsKeyField() {
				continue
			}

			values := []model.Value{f.Value}
			if f.Op == In || f.Op == NotIn {
				values = f.Value.ArrayValue
			}

			for _, v := range values {
				if err := validateKeyValue(v); err != nil {
					return fmt.Errorf("invalid filter on %s: %w", model.KeyFieldName, err)
				}
			}
		}
	}

	return nil
}

func validateKeyValue(v model.Value) error {
	if v.Kind != model.KindReference {
		return fmt.Errorf("%s needs a document reference, got %s", model.KeyFieldName, model.CanonicalString(v))
	}

	if _, err := model.ParseDocumentKey(v.StringValue); err != nil {
		return err
	}

	return nil
}

// Clone returns a copy that can be modified independently.
func (q *Query) Clone() *Query {
	c := *q
	c.Path = append(model.ResourcePath(nil), q.Path...)
	c.Filters = append([]Filter(nil), q.Filters...)
	c.ExplicitOrderBy = append([]OrderBy(nil), q.ExplicitOrderBy...)

	return &c
}

// AsCollectionQueryAtPath rewrites a collection group query as a collection
// query on path.
func (q *Query) AsCollectionQueryAtPath(path model.ResourcePath) *Query {
	c := q.Clone()
	c.Path = path
	c.CollectionGroup = ""

	return c
}

func (q *Query) HasLimit() bool { return q.LimitCount > 0 }

func (q *Query) IsDocumentQuery() bool {
	return len(q.Path) > 0 && len(q.Path)%2 == 0 && q.CollectionGroup == "" && len(q.Filters) == 0
}

func (q *Query) IsCollectionGroupQuery() bool { return q.CollectionGroup != "" }

// MatchesAllDocuments reports whether every document of the collection
// matches, i.e. there are no filters, limits, cursors or non-key orderings.
func (q *Query) MatchesAllDocuments() bool {
	if len(q.Filters) > 0 || q.HasLimit() || q.StartAt != nil || q.EndAt != nil {
		return false
	}

	return len(q.ExplicitOrderBy) == 0 ||
		(len(q.ExplicitOrderBy) == 1 && q.ExplicitOrderBy[0].Field.IsKeyField())
}

// InequalityFields returns the fields with inequality filters, sorted.
func (q *Query) InequalityFields() []model.FieldPath {
	var fields []model.FieldPath

	for _, f := range q.Filters {
		for _, ff := range f.FieldFilters() {
			if !ff.IsInequality() {
				continue
			}

			dup := false

			for _, e := range fields {
				if e.Equal(ff.Field) {
					dup = true

					break
				}
			}

			if !dup {
				fields = append(fields, ff.Field)
			}
		}
	}

	sort.Slice(fields, func(i, j int) bool { return fields[i].Compare(fields[j]) < 0 })

	return fields
}

// NormalizedOrderBy returns the explicit order-bys, then unordered inequality
// fields, then the key, which always sorts last.
func (q *Query) NormalizedOrderBy() []OrderBy {
	out := append([]OrderBy(nil), q.ExplicitOrderBy...)
	seen := map[string]bool{}

	for _, o := range out {
		seen[o.Field.CanonicalString()] = true
	}

	lastDir := Ascending
	if len(out) > 0 {
		lastDir = out[len(out)-1].Dir
	}

	for _, f := range q.InequalityFields() {
		if !seen[f.CanonicalString()] && !f.IsKeyField() {
			out = append(out, OrderBy{Field: f, Dir: lastDir})
			seen[f.CanonicalString()] = true
		}
	}

	if !seen[model.KeyFieldName] {
		out = append(out, OrderBy{Field: model.KeyFieldPath, Dir: lastDir})
	}

	return out
}

// Matches reports whether doc is in the result set of q, ignoring limits.
func (q *Query) Matches(doc *model.Document) bool {
	return doc.IsFoundDocument() &&
		q.matchesPath(doc) &&
		q.matchesOrderBy(doc) &&
		q.matchesFilters(doc) &&
		q.matchesBounds(doc)
}

func (q *Query) matchesPath(doc *model.Document) bool {
	docPath := doc.Key().Path()

	switch {
	case q.IsCollectionGroupQuery():
		return doc.Key().CollectionGroup() == q.CollectionGroup && q.Path.IsPrefixOf(docPath)
	case len(q.Path)%2 == 0 && len(q.Path) > 0:
		return q.Path.Equal(docPath)
	default:
		return q.Path.IsImmediateParentOf(docPath)
	}
}

func (q *Query) matchesOrderBy(doc *model.Document) bool {
	for _, o := range q.NormalizedOrderBy() {
		if o.Field.IsKeyField() {
			continue
		}

		if _, ok := doc.Field(o.Field); !ok {
			return false
		}
	}

	return true
}

func (q *Query) matchesFilters(doc *model.Document) bool {
	for _, f := range q.Filters {
		if !f.Matches(doc) {
			return false
		}
	}

	return true
}

func (q *Query) matchesBounds(doc *model.Document) bool {
	orderBy := q.NormalizedOrderBy()

	if q.StartAt != nil {
		c := q.StartAt.compareToDocument(orderBy, doc)
		if (q.StartAt.Inclusive && c > 0) || (!q.StartAt.Inclusive && c >= 0) {
			return false
		}
	}

	if q.EndAt != nil {
		c := q.EndAt.compareToDocument(orderBy, doc)
		if (q.EndAt.Inclusive && c < 0) || (!q.EndAt.Inclusive && c <= 0) {
			return false
		}
	}

	return true
}

// Comparator orders matching documents by the normalized order-bys. It is
// total because the key is always the last order-by.
func (q *Query) Comparator() model.DocumentComparator {
	orderBy := q.NormalizedOrderBy()

	return func(a, b *model.Document) int {
		for _, o := range orderBy {
			var c int

			if o.Field.IsKeyField() {
				c = a.Key().Compare(b.Key())
			} else {
				av, aok := a.Field(o.Field)
				bv, bok := b.Field(o.Field)

				switch {
				case aok && bok:
					c = model.Compare(av, bv)
				case aok:
					c = 1
				case bok:
					c = -1
				}
			}

			if o.Dir == Descending {
				c = -c
			}

			if c != 0 {
				return c
			}
		}

		return 0
	}
}

// ToTarget converts q to the target sent to the server. Limit-to-last queries
// are sent with flipped orderings and swapped cursors.
func (q *Query) ToTarget() *Target {
	orderBy := q.NormalizedOrderBy()

	if q.LimitType == LimitToFirst {
		return &Target{
			Path:            q.Path,
			CollectionGroup: q.CollectionGroup,
			Filters:         q.Filters,
			OrderBy:         orderBy,
			Limit:           q.LimitCount,
			StartAt:         q.StartAt,
			EndAt:           q.EndAt,
		}
	}

	flipped := make([]OrderBy, len(orderBy))

	for i, o := range orderBy {
		dir := Ascending
		if o.Dir == Ascending {
			dir = Descending
		}

		flipped[i] = OrderBy{Field: o.Field, Dir: dir}
	}

	var startAt, endAt *Bound
	if q.EndAt != nil {
		startAt = &Bound{Position: q.EndAt.Position, Inclusive: q.EndAt.Inclusive}
	}

	if q.StartAt != nil {
		endAt = &Bound{Position: q.StartAt.Position, Inclusive: q.StartAt.Inclusive}
	}

	return &Target{
		Path:            q.Path,
		CollectionGroup: q.CollectionGroup,
		Filters:         q.Filters,
		OrderBy:         flipped,
		Limit:           q.LimitCount,
		StartAt:         startAt,
		EndAt:           endAt,
	}
}

// CanonicalID identifies the query. Equal queries have equal ids.
func (q *Query) CanonicalID() string {
	lt := "f"
	if q.LimitType == LimitToLast {
		lt = "l"
	}

	return q.ToTarget().CanonicalID() + "|lt:" + lt
}

func (q *Query) Equal(o *Query) bool {
	return q.CanonicalID() == o.CanonicalID()
}

func (q *Query) String() string {
	return "Query(" + q.CanonicalID() + ")"
}
