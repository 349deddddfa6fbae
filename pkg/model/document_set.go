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
	"sort"
)

// DocumentComparator orders documents. It must be total: ties are broken by
// key.
type DocumentComparator func(a, b *Document) int

// KeyComparator orders documents by key only.
func KeyComparator(a, b *Document) int {
	return a.Key().Compare(b.Key())
}

// DocumentSet is an immutable sorted set of documents with key lookup.
// Add and Delete return new sets; the receiver is left untouched.
type DocumentSet struct {
	cmp   DocumentComparator
	docs  []*Document
	index map[DocumentKey]*Document
}

func NewDocumentSet(cmp DocumentComparator) DocumentSet {
	if cmp == nil {
		cmp = KeyComparator
	}

	return DocumentSet{cmp: cmp, index: map[DocumentKey]*Document{}}
}

func (s DocumentSet) Len() int                 { return len(s.docs) }
func (s DocumentSet) IsEmpty() bool            { return len(s.docs) == 0 }
func (s DocumentSet) Has(key DocumentKey) bool { _, ok := s.index[key]; return ok }
func (s DocumentSet) Get(key DocumentKey) *Document {
	return s.index[key]
}

// Docs returns the documents in order. The slice must not be modified.
func (s DocumentSet) Docs() []*Document { return s.docs }

func (s DocumentSet) Comparator() DocumentComparator { return s.cmp }

func (s DocumentSet) First() *Document {
	if len(s.docs) == 0 {
		return nil
	}

	return s.docs[0]
}

func (s DocumentSet) Last() *Document {
	if len(s.docs) == 0 {
		return nil
	}

	return s.docs[len(s.docs)-1]
}

// IndexOf returns the position of key, or -1.
func (s DocumentSet) IndexOf(key DocumentKey) int {
	doc, ok := s.index[key]
	if !ok {
		return -1
	}

	i := sort.Search(len(s.docs), func(i int) bool { return s.cmp(s.docs[i], doc) >= 0 })
	if i < len(s.docs) && s.docs[i].Key() == key {
		return i
	}

	return -1
}

// Add returns a set containing doc, replacing any document with the same key.
func (s DocumentSet) Add(doc *Document) DocumentSet {
	out := s.Delete(doc.Key())

	i := sort.Search(len(out.docs), func(i int) bool { return out.cmp(out.docs[i], doc) >= 0 })
	out.docs = append(out.docs, nil)
	copy(out.docs[i+1:], out.docs[i:])
	out.docs[i] = doc
	out.index[doc.Key()] = doc

	return out
}

// Delete returns a set without key.
func (s DocumentSet) Delete(key DocumentKey) DocumentSet {
	out := DocumentSet{
		cmp:   s.cmp,
		docs:  make([]*Document, 0, len(s.docs)+1),
		index: make(map[DocumentKey]*Document, len(s.index)+1),
	}

	for _, d := range s.docs {
		if d.Key() == key {
			continue
		}

		out.docs = append(out.docs, d)
		out.index[d.Key()] = d
	}

	return out
}

// Equal reports whether both sets hold equal documents in the same order.
func (s DocumentSet) Equal(o DocumentSet) bool {
	if len(s.docs) != len(o.docs) {
		return false
	}

	for i := range s.docs {
		if !s.docs[i].Equal(o.docs[i]) {
			return false
		}
	}

	return true
}

func (s DocumentSet) Keys() []DocumentKey {
	keys := make([]DocumentKey, len(s.docs))
	for i, d := range s.docs {
		keys[i] = d.Key()
	}

	return keys
}
