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

// Package core turns local and remote state into query snapshots. It holds
// the views, the sync engine that feeds them, and the event manager that
// fans snapshots out to listeners.
package core

import (
	"fmt"
	"sort"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
)

// ChangeType is the kind of change a document went through in a view.
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeRemoved
	ChangeModified
	// ChangeMetadata means only HasPendingWrites or fromCache moved.
	ChangeMetadata
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeModified:
		return "modified"
	case ChangeMetadata:
		return "metadata"
	default:
		return fmt.Sprintf("ChangeType(%d)", int(t))
	}
}

// DocumentViewChange is one document's change between two snapshots.
type DocumentViewChange struct {
	Type ChangeType
	Doc  *model.Document
}

// DocumentChangeSet collapses successive changes to the same document into
// the one change a listener should see.
type DocumentChangeSet struct {
	changes map[model.DocumentKey]DocumentViewChange
}

func NewDocumentChangeSet() *DocumentChangeSet {
	return &DocumentChangeSet{changes: make(map[model.DocumentKey]DocumentViewChange)}
}

// Track merges change into the set. Combinations that cannot happen, like
// Added after Added, panic.
func (s *DocumentChangeSet) Track(change DocumentViewChange) {
	key := change.Doc.Key()

	old, ok := s.changes[key]
	if !ok {
		s.changes[key] = change

		return
	}

	switch {
	case change.Type != ChangeAdded && old.Type == ChangeMetadata:
		s.changes[key] = change
	case change.Type == ChangeMetadata && old.Type != ChangeRemoved:
		s.changes[key] = DocumentViewChange{Type: old.Type, Doc: change.Doc}
	case change.Type == ChangeModified && old.Type == ChangeModified:
		s.changes[key] = DocumentViewChange{Type: ChangeModified, Doc: change.Doc}
	case change.Type == ChangeModified && old.Type == ChangeAdded:
		s.changes[key] = DocumentViewChange{Type: ChangeAdded, Doc: change.Doc}
	case change.Type == ChangeRemoved && old.Type == ChangeAdded:
		delete(s.changes, key)
	case change.Type == ChangeRemoved && old.Type == ChangeModified:
		s.changes[key] = DocumentViewChange{Type: ChangeRemoved, Doc: old.Doc}
	case change.Type == ChangeAdded && old.Type == ChangeRemoved:
		s.changes[key] = DocumentViewChange{Type: ChangeModified, Doc: change.Doc}
	default:
		panic(fmt.Sprintf("unsupported change combination for %s: %s after %s", key, change.Type, old.Type))
	}
}

// Changes returns the merged changes ordered by key.
func (s *DocumentChangeSet) Changes() []DocumentViewChange {
	out := make([]DocumentViewChange, 0, len(s.changes))
	for _, c := range s.changes {
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Doc.Key().Compare(out[j].Doc.Key()) < 0 })

	return out
}

func (s *DocumentChangeSet) Len() int { return len(s.changes) }
