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

package core

import (
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
)

// ViewSnapshot is what a listener receives: the query's current results
// and how they differ from the previous ones.
type ViewSnapshot struct {
	Query       *query.Query
	Docs        model.DocumentSet
	OldDocs     model.DocumentSet
	DocChanges  []DocumentViewChange
	MutatedKeys model.DocumentKeySet

	FromCache               bool
	SyncStateChanged        bool
	ExcludesMetadataChanges bool
	HasCachedResults        bool
}

// FromInitialDocuments builds the first snapshot of a query: every document
// is Added.
func FromInitialDocuments(q *query.Query, docs model.DocumentSet, mutatedKeys model.DocumentKeySet,
	fromCache, hasCachedResults bool,
) *ViewSnapshot {
	changes := make([]DocumentViewChange, 0, docs.Len())
	for _, doc := range docs.Docs() {
		changes = append(changes, DocumentViewChange{Type: ChangeAdded, Doc: doc})
	}

	return &ViewSnapshot{
		Query:            q,
		Docs:             docs,
		OldDocs:          model.NewDocumentSet(docs.Comparator()),
		DocChanges:       changes,
		MutatedKeys:      mutatedKeys,
		FromCache:        fromCache,
		SyncStateChanged: true,
		HasCachedResults: hasCachedResults,
	}
}

// HasPendingWrites reports whether any document in the snapshot carries a
// local write.
func (s *ViewSnapshot) HasPendingWrites() bool {
	return s.MutatedKeys.Len() > 0
}

func (s *ViewSnapshot) Equal(o *ViewSnapshot) bool {
	if s == nil || o == nil {
		return s == o
	}

	if s.FromCache != o.FromCache ||
		s.HasCachedResults != o.HasCachedResults ||
		s.SyncStateChanged != o.SyncStateChanged ||
		!s.MutatedKeys.Equal(o.MutatedKeys) ||
		!s.Query.Equal(o.Query) ||
		!s.Docs.Equal(o.Docs) ||
		!s.OldDocs.Equal(o.OldDocs) {
		return false
	}

	if len(s.DocChanges) != len(o.DocChanges) {
		return false
	}

	for i, c := range s.DocChanges {
		if c.Type != o.DocChanges[i].Type || !c.Doc.Equal(o.DocChanges[i].Doc) {
			return false
		}
	}

	return true
}
