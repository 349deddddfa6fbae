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
	"errors"
	"fmt"
	"sort"
	"strings"
)

// DocumentKey identifies a document. It is comparable and usable as a map key.
type DocumentKey struct {
	path string
}

var errOddPath = errors.New("document keys need an even, non-zero number of segments")

// NewDocumentKey validates path and returns its key.
func NewDocumentKey(path ResourcePath) (DocumentKey, error) {
	if len(path) == 0 || len(path)%2 != 0 {
		return DocumentKey{}, fmt.Errorf("invalid document path %q: %w", path.String(), errOddPath)
	}

	return DocumentKey{path: path.String()}, nil
}

// ParseDocumentKey parses "collection/doc[/collection/doc...]".
func ParseDocumentKey(p string) (DocumentKey, error) {
	path, err := ParseResourcePath(p)
	if err != nil {
		return DocumentKey{}, err
	}

	return NewDocumentKey(path)
}

// MustDocumentKey is ParseDocumentKey that panics on error.
func MustDocumentKey(p string) DocumentKey {
	k, err := ParseDocumentKey(p)
	if err != nil {
		panic(err)
	}

	return k
}

func (k DocumentKey) Path() ResourcePath {
	if k.path == "" {
		return ResourcePath{}
	}

	return ResourcePath(strings.Split(k.path, "/"))
}

func (k DocumentKey) String() string { return k.path }
func (k DocumentKey) IsZero() bool   { return k.path == "" }

// CollectionPath is the path of the collection holding the document.
func (k DocumentKey) CollectionPath() ResourcePath {
	return k.Path().Parent()
}

// CollectionGroup is the id of the collection holding the document.
func (k DocumentKey) CollectionGroup() string {
	p := k.Path()
	if len(p) < 2 {
		return ""
	}

	return p[len(p)-2]
}

func (k DocumentKey) ID() string {
	return k.Path().LastSegment()
}

func (k DocumentKey) Compare(other DocumentKey) int {
	if k.path == other.path {
		return 0
	}

	return k.Path().Compare(other.Path())
}

// DocumentKeySet is an unordered set of keys. Use Sorted for deterministic
// iteration.
type DocumentKeySet map[DocumentKey]struct{}

func NewDocumentKeySet(keys ...DocumentKey) DocumentKeySet {
	s := make(DocumentKeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}

	return s
}

func (s DocumentKeySet) Add(k DocumentKey)         { s[k] = struct{}{} }
func (s DocumentKeySet) Remove(k DocumentKey)      { delete(s, k) }
func (s DocumentKeySet) Has(k DocumentKey) bool    { _, ok := s[k]; return ok }
func (s DocumentKeySet) Len() int                  { return len(s) }
func (s DocumentKeySet) AddAll(o DocumentKeySet)   { for k := range o { s[k] = struct{}{} } }
func (s DocumentKeySet) RemoveAll(o DocumentKeySet) { for k := range o { delete(s, k) } }

func (s DocumentKeySet) Clone() DocumentKeySet {
	out := make(DocumentKeySet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}

	return out
}

func (s DocumentKeySet) Equal(o DocumentKeySet) bool {
	if len(s) != len(o) {
		return false
	}

	for k := range s {
		if !o.Has(k) {
			return false
		}
	}

	return true
}

// Sorted returns the keys in key order.
func (s DocumentKeySet) Sorted() []DocumentKey {
	out := make([]DocumentKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}

	SortKeys(out)

	return out
}

// SortKeys sorts keys in place in key order.
func SortKeys(keys []DocumentKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
}

func (k DocumentKey) MarshalText() ([]byte, error) {
	return []byte(k.path), nil
}

func (k *DocumentKey) UnmarshalText(data []byte) error {
	parsed, err := ParseDocumentKey(string(data))
	if err != nil {
		return err
	}

	*k = parsed

	return nil
}
