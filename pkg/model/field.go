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
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// KeyFieldName addresses the document key in filters and order-bys.
const KeyFieldName = "__name__"

// FieldPath is a dotted path into a document's fields.
type FieldPath []string

// KeyFieldPath is the path of the document key pseudo field.
var KeyFieldPath = FieldPath{KeyFieldName}

var simpleSegment = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*$`)

// ParseFieldPath parses a dotted path. Segments that contain dots or other
// special characters can be quoted with backticks: a.`b.c`.d
func ParseFieldPath(s string) (FieldPath, error) {
	if s == "" {
		return nil, fmt.Errorf("invalid field path: empty")
	}

	var (
		segments []string
		current  strings.Builder
		quoted   bool
		escaped  bool
	)

	flush := func() error {
		if current.Len() == 0 {
			return fmt.Errorf("invalid field path %q: empty segment", s)
		}

		segments = append(segments, current.String())
		current.Reset()

		return nil
	}

	for _, r := range s {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '`':
			quoted = !quoted
		case r == '.' && !quoted:
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			current.WriteRune(r)
		}
	}

	if quoted || escaped {
		return nil, fmt.Errorf("invalid field path %q: unterminated quote", s)
	}

	if err := flush(); err != nil {
		return nil, err
	}

	return FieldPath(segments), nil
}

// MustFieldPath is ParseFieldPath that panics on error.
func MustFieldPath(s string) FieldPath {
	p, err := ParseFieldPath(s)
	if err != nil {
		panic(err)
	}

	return p
}

func (p FieldPath) Len() int          { return len(p) }
func (p FieldPath) IsEmpty() bool     { return len(p) == 0 }
func (p FieldPath) IsKeyField() bool  { return len(p) == 1 && p[0] == KeyFieldName }
func (p FieldPath) LastSegment() string { return p[len(p)-1] }

func (p FieldPath) Parent() FieldPath {
	if len(p) == 0 {
		return p
	}

	out := make(FieldPath, len(p)-1)
	copy(out, p)

	return out
}

func (p FieldPath) Child(segments ...string) FieldPath {
	out := make(FieldPath, 0, len(p)+len(segments))
	out = append(out, p...)

	return append(out, segments...)
}

func (p FieldPath) IsPrefixOf(other FieldPath) bool {
	if len(p) > len(other) {
		return false
	}

	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}

	return true
}

func (p FieldPath) Equal(other FieldPath) bool {
	return len(p) == len(other) && p.IsPrefixOf(other)
}

func (p FieldPath) Compare(other FieldPath) int {
	n := min(len(p), len(other))
	for i := 0; i < n; i++ {
		if c := strings.Compare(p[i], other[i]); c != 0 {
			return c
		}
	}

	return compareInts(len(p), len(other))
}

// CanonicalString joins the segments with dots, quoting any segment that is
// not a plain identifier.
func (p FieldPath) CanonicalString() string {
	parts := make([]string, len(p))
	for i, s := range p {
		if simpleSegment.MatchString(s) {
			parts[i] = s

			continue
		}

		s = strings.ReplaceAll(s, `\`, `\\`)
		s = strings.ReplaceAll(s, "`", "\\`")
		parts[i] = "`" + s + "`"
	}

	return strings.Join(parts, ".")
}

func (p FieldPath) String() string { return p.CanonicalString() }

// FieldMask is a sorted set of field paths. A nil *FieldMask stands for the
// whole document in mutation code.
type FieldMask struct {
	fields []FieldPath
}

func NewFieldMask(paths ...FieldPath) FieldMask {
	m := FieldMask{}

	return m.UnionWith(paths...)
}

// Fields returns the paths in sorted order. The slice must not be modified.
func (m FieldMask) Fields() []FieldPath { return m.fields }
func (m FieldMask) Len() int            { return len(m.fields) }

// Covers reports whether path or one of its ancestors is in the mask.
func (m FieldMask) Covers(path FieldPath) bool {
	for _, f := range m.fields {
		if f.IsPrefixOf(path) {
			return true
		}
	}

	return false
}

func (m FieldMask) Contains(path FieldPath) bool {
	for _, f := range m.fields {
		if f.Equal(path) {
			return true
		}
	}

	return false
}

// UnionWith returns a new mask holding the paths of m plus paths.
func (m FieldMask) UnionWith(paths ...FieldPath) FieldMask {
	out := make([]FieldPath, 0, len(m.fields)+len(paths))
	out = append(out, m.fields...)

	for _, p := range paths {
		dup := false

		for _, e := range out {
			if e.Equal(p) {
				dup = true

				break
			}
		}

		if !dup {
			out = append(out, p)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })

	return FieldMask{fields: out}
}

func (m FieldMask) Equal(o FieldMask) bool {
	if len(m.fields) != len(o.fields) {
		return false
	}

	for i := range m.fields {
		if !m.fields[i].Equal(o.fields[i]) {
			return false
		}
	}

	return true
}

func (m FieldMask) MarshalJSON() ([]byte, error) {
	fields := m.fields
	if fields == nil {
		fields = []FieldPath{}
	}

	return json.Marshal(fields)
}

func (m *FieldMask) UnmarshalJSON(data []byte) error {
	var fields []FieldPath
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	*m = NewFieldMask(fields...)

	return nil
}
