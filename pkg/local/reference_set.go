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

package local

import (
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
)

// ReferenceSet is a many-to-many relation between document keys and the ids
// (target ids) that hold them. It pins documents that are visible in an
// active view, or that the sync engine tracks as limbo documents.
type ReferenceSet struct {
	byKey map[model.DocumentKey]map[int]struct{}
	byID  map[int]model.DocumentKeySet
}

func NewReferenceSet() *ReferenceSet {
	return &ReferenceSet{
		byKey: make(map[model.DocumentKey]map[int]struct{}),
		byID:  make(map[int]model.DocumentKeySet),
	}
}

// AddReference records that id holds key.
func (s *ReferenceSet) AddReference(key model.DocumentKey, id int) {
	ids, ok := s.byKey[key]
	if !ok {
		ids = make(map[int]struct{})
		s.byKey[key] = ids
	}

	ids[id] = struct{}{}

	keys, ok := s.byID[id]
	if !ok {
		keys = model.NewDocumentKeySet()
		s.byID[id] = keys
	}

	keys.Add(key)
}

func (s *ReferenceSet) AddReferences(keys model.DocumentKeySet, id int) {
	for key := range keys {
		s.AddReference(key, id)
	}
}

// RemoveReference drops the pair (key, id) if present.
func (s *ReferenceSet) RemoveReference(key model.DocumentKey, id int) {
	if ids, ok := s.byKey[key]; ok {
		delete(ids, id)

		if len(ids) == 0 {
			delete(s.byKey, key)
		}
	}

	if keys, ok := s.byID[id]; ok {
		keys.Remove(key)

		if keys.Len() == 0 {
			delete(s.byID, id)
		}
	}
}

func (s *ReferenceSet) RemoveReferences(keys model.DocumentKeySet, id int) {
	for key := range keys {
		s.RemoveReference(key, id)
	}
}

// RemoveReferencesForID drops every reference held by id and returns the
// keys it held.
func (s *ReferenceSet) RemoveReferencesForID(id int) model.DocumentKeySet {
	keys, ok := s.byID[id]
	if !ok {
		return model.NewDocumentKeySet()
	}

	removed := keys.Clone()
	for key := range removed {
		s.RemoveReference(key, id)
	}

	return removed
}

// RemoveAllReferences clears the set.
func (s *ReferenceSet) RemoveAllReferences() {
	s.byKey = make(map[model.DocumentKey]map[int]struct{})
	s.byID = make(map[int]model.DocumentKeySet)
}

// ReferencesForID returns a copy of the keys held by id.
func (s *ReferenceSet) ReferencesForID(id int) model.DocumentKeySet {
	if keys, ok := s.byID[id]; ok {
		return keys.Clone()
	}

	return model.NewDocumentKeySet()
}

// ContainsKey reports whether any id holds key.
func (s *ReferenceSet) ContainsKey(key model.DocumentKey) bool {
	_, ok := s.byKey[key]

	return ok
}

func (s *ReferenceSet) IsEmpty() bool {
	return len(s.byKey) == 0
}
