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
	"slices"

	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
)

// QueryEngine runs queries against the local store. When the previous result
// of a target is known to be limbo free, it starts from those keys and only
// scans documents read since then. Otherwise it scans the whole collection.
type QueryEngine struct {
	localDocuments *LocalDocumentsView
	log            *zap.SugaredLogger
}

func NewQueryEngine(localDocuments *LocalDocumentsView, log *zap.SugaredLogger) *QueryEngine {
	return &QueryEngine{localDocuments: localDocuments, log: log}
}

// GetDocumentsMatchingQuery returns every local view matching q.
// lastLimboFreeVersion and remoteKeys describe the target's previous result,
// with model.SnapshotVersionMin meaning there is none.
func (e *QueryEngine) GetDocumentsMatchingQuery(txn persistence.Transaction, q *query.Query,
	lastLimboFreeVersion model.SnapshotVersion, remoteKeys model.DocumentKeySet,
) (model.DocumentMap, error) {
	docs, ok, err := e.queryUsingRemoteKeys(txn, q, lastLimboFreeVersion, remoteKeys)
	if err != nil || ok {
		return docs, err
	}

	return e.localDocuments.GetDocumentsMatchingQuery(txn, q, model.SnapshotVersionMin)
}

func (e *QueryEngine) queryUsingRemoteKeys(txn persistence.Transaction, q *query.Query,
	lastLimboFreeVersion model.SnapshotVersion, remoteKeys model.DocumentKeySet,
) (model.DocumentMap, bool, error) {
	// Key lookups gain nothing when every document matches.
	if q.MatchesAllDocuments() || lastLimboFreeVersion.IsMin() {
		return nil, false, nil
	}

	previous, err := e.localDocuments.GetDocuments(txn, remoteKeys)
	if err != nil {
		return nil, false, err
	}

	previousResults := ApplyQuery(q, previous)

	if q.HasLimit() && needsRefill(q, previousResults, remoteKeys, lastLimboFreeVersion) {
		return nil, false, nil
	}

	e.log.Debugw("Re-using previous result",
		"query", q.CanonicalID(),
		"lastLimboFreeVersion", lastLimboFreeVersion.String())

	updated, err := e.localDocuments.GetDocumentsMatchingQuery(txn, q, lastLimboFreeVersion)
	if err != nil {
		return nil, false, err
	}

	for _, doc := range previousResults {
		updated[doc.Key()] = doc
	}

	return updated, true, nil
}

// needsRefill reports whether a limit query may be missing documents: a
// previous result dropped out, or the document at the limit edge changed
// after the limbo-free version so a later document might now sort first.
func needsRefill(q *query.Query, sortedPrevious []*model.Document, remoteKeys model.DocumentKeySet,
	limboFreeVersion model.SnapshotVersion,
) bool {
	if remoteKeys.Len() != len(sortedPrevious) {
		return true
	}

	if len(sortedPrevious) == 0 {
		return false
	}

	edge := sortedPrevious[len(sortedPrevious)-1]
	if q.LimitType == query.LimitToLast {
		edge = sortedPrevious[0]
	}

	return edge.HasPendingWrites() || edge.Version().After(limboFreeVersion)
}

// ApplyQuery filters docs by q, sorts them in query order and applies the
// limit. The documents themselves are not modified.
func ApplyQuery(q *query.Query, docs model.DocumentMap) []*model.Document {
	result := make([]*model.Document, 0, len(docs))

	for _, doc := range docs {
		if q.Matches(doc) {
			result = append(result, doc)
		}
	}

	slices.SortFunc(result, q.Comparator())

	if q.HasLimit() && len(result) > q.LimitCount {
		if q.LimitType == query.LimitToLast {
			result = result[len(result)-q.LimitCount:]
		} else {
			result = result[:q.LimitCount]
		}
	}

	return result
}
