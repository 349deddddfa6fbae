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
	"sort"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/local"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/remote"
)

type syncState int

const (
	syncStateNone syncState = iota
	syncStateLocal
	syncStateSynced
)

// LimboChangeType says whether a document entered or left limbo.
type LimboChangeType int

const (
	LimboAdded LimboChangeType = iota
	LimboRemoved
)

// LimboDocumentChange reports a document entering or leaving limbo: it is
// in the view but the backend has not said it belongs to the target.
type LimboDocumentChange struct {
	Type LimboChangeType
	Key  model.DocumentKey
}

// ViewDocumentChanges is the result of ComputeDocChanges. It is applied
// with ApplyChanges.
type ViewDocumentChanges struct {
	DocumentSet model.DocumentSet
	ChangeSet   *DocumentChangeSet
	MutatedKeys model.DocumentKeySet

	// NeedsRefill is set when a document left a limited view and the
	// replacement must be read from the local store.
	NeedsRefill bool
}

// ViewChange is the result of ApplyChanges. Snapshot is nil when nothing
// visible changed.
type ViewChange struct {
	Snapshot     *ViewSnapshot
	LimboChanges []LimboDocumentChange
}

// View tracks the results of one query and computes snapshots as documents
// change.
type View struct {
	query *query.Query
	cmp   model.DocumentComparator

	syncState syncState
	current   bool

	documentSet model.DocumentSet

	// syncedDocuments are the keys the backend says match the target.
	syncedDocuments  model.DocumentKeySet
	limboDocuments   model.DocumentKeySet
	mutatedKeys      model.DocumentKeySet
	hasCachedResults bool
}

// NewView creates an empty view. syncedDocuments are the keys the local
// store already associates with the query's target.
func NewView(q *query.Query, syncedDocuments model.DocumentKeySet) *View {
	if syncedDocuments == nil {
		syncedDocuments = model.NewDocumentKeySet()
	}

	cmp := q.Comparator()

	return &View{
		query:           q,
		cmp:             cmp,
		syncState:       syncStateNone,
		documentSet:     model.NewDocumentSet(cmp),
		syncedDocuments: syncedDocuments.Clone(),
		limboDocuments:  model.NewDocumentKeySet(),
		mutatedKeys:     model.NewDocumentKeySet(),
	}
}

func (v *View) Query() *query.Query { return v.query }

// SyncedDocuments returns the keys the backend has confirmed for this view.
func (v *View) SyncedDocuments() model.DocumentKeySet { return v.syncedDocuments }

// LimboDocuments returns the keys currently in limbo.
func (v *View) LimboDocuments() model.DocumentKeySet { return v.limboDocuments }

// ComputeDocChanges works out how docs change the view without applying
// anything. previous chains a second pass on top of an earlier result, as
// done when a limited view needs refilling.
func (v *View) ComputeDocChanges(docs model.DocumentMap, previous *ViewDocumentChanges) ViewDocumentChanges {
	changeSet := NewDocumentChangeSet()
	oldDocumentSet := v.documentSet
	mutated := v.mutatedKeys

	if previous != nil {
		changeSet = previous.ChangeSet
		oldDocumentSet = previous.DocumentSet
		mutated = previous.MutatedKeys
	}

	newMutatedKeys := mutated.Clone()
	newDocumentSet := oldDocumentSet
	needsRefill := false

	limit := v.query.LimitCount

	var lastDocInLimit, firstDocInLimit *model.Document
	if v.query.HasLimit() && oldDocumentSet.Len() == limit {
		if v.query.LimitType == query.LimitToFirst {
			lastDocInLimit = oldDocumentSet.Last()
		} else {
			firstDocInLimit = oldDocumentSet.First()
		}
	}

	for _, key := range docs.SortedKeys() {
		entry := docs[key]
		oldDoc := oldDocumentSet.Get(key)

		var newDoc *model.Document
		if v.query.Matches(entry) {
			newDoc = entry
		}

		oldDocHadPendingMutations := oldDoc != nil && v.mutatedKeys.Has(key)
		newDocHasPendingMutations := newDoc != nil &&
			(newDoc.HasLocalMutations() || (v.mutatedKeys.Has(key) && newDoc.HasCommittedMutations()))

		changeApplied := false

		switch {
		case oldDoc != nil && newDoc != nil:
			if !oldDoc.Data().Equal(*newDoc.Data()) {
				if !shouldWaitForSyncedDocument(oldDoc, newDoc) {
					changeSet.Track(DocumentViewChange{Type: ChangeModified, Doc: newDoc})
					changeApplied = true

					if (lastDocInLimit != nil && v.cmp(newDoc, lastDocInLimit) > 0) ||
						(firstDocInLimit != nil && v.cmp(newDoc, firstDocInLimit) < 0) {
						// The document moved past the limit edge; whatever
						// follows it may belong in the view now.
						needsRefill = true
					}
				}
			} else if oldDocHadPendingMutations != newDocHasPendingMutations {
				changeSet.Track(DocumentViewChange{Type: ChangeMetadata, Doc: newDoc})
				changeApplied = true
			}
		case oldDoc == nil && newDoc != nil:
			changeSet.Track(DocumentViewChange{Type: ChangeAdded, Doc: newDoc})
			changeApplied = true
		case oldDoc != nil && newDoc == nil:
			changeSet.Track(DocumentViewChange{Type: ChangeRemoved, Doc: oldDoc})
			changeApplied = true

			if lastDocInLimit != nil || firstDocInLimit != nil {
				needsRefill = true
			}
		}

		if !changeApplied {
			continue
		}

		if newDoc != nil {
			newDocumentSet = newDocumentSet.Add(newDoc)
			if newDocHasPendingMutations {
				newMutatedKeys.Add(key)
			} else {
				newMutatedKeys.Remove(key)
			}
		} else {
			newDocumentSet = newDocumentSet.Delete(key)
			newMutatedKeys.Remove(key)
		}
	}

	if v.query.HasLimit() {
		for newDocumentSet.Len() > limit {
			var drop *model.Document
			if v.query.LimitType == query.LimitToFirst {
				drop = newDocumentSet.Last()
			} else {
				drop = newDocumentSet.First()
			}

			newDocumentSet = newDocumentSet.Delete(drop.Key())
			newMutatedKeys.Remove(drop.Key())
			changeSet.Track(DocumentViewChange{Type: ChangeRemoved, Doc: drop})
		}
	}

	return ViewDocumentChanges{
		DocumentSet: newDocumentSet,
		ChangeSet:   changeSet,
		MutatedKeys: newMutatedKeys,
		NeedsRefill: needsRefill,
	}
}

// shouldWaitForSyncedDocument holds back an acknowledged write until watch
// delivers the same version, so the view does not flicker back to the
// pre-write state in between.
func shouldWaitForSyncedDocument(oldDoc, newDoc *model.Document) bool {
	return oldDoc.HasLocalMutations() && newDoc.HasCommittedMutations() && !newDoc.HasLocalMutations()
}

// ApplyChanges updates the view with docChanges and, if given, the
// target's remote change. A snapshot is produced only when documents or the
// sync state changed.
func (v *View) ApplyChanges(docChanges ViewDocumentChanges, limboResolutionEnabled bool,
	targetChange *remote.TargetChange, targetIsPendingReset bool,
) ViewChange {
	oldDocs := v.documentSet
	v.documentSet = docChanges.DocumentSet
	v.mutatedKeys = docChanges.MutatedKeys

	changes := docChanges.ChangeSet.Changes()
	sort.SliceStable(changes, func(i, j int) bool {
		if a, b := changeTypeOrder(changes[i].Type), changeTypeOrder(changes[j].Type); a != b {
			return a < b
		}

		return v.cmp(changes[i].Doc, changes[j].Doc) < 0
	})

	v.applyTargetChange(targetChange)

	var limboChanges []LimboDocumentChange
	if limboResolutionEnabled && !targetIsPendingReset {
		limboChanges = v.updateLimboDocuments()
	}

	synced := v.limboDocuments.Len() == 0 && v.current && !targetIsPendingReset

	newSyncState := syncStateLocal
	if synced {
		newSyncState = syncStateSynced
	}

	syncStateChanged := newSyncState != v.syncState
	v.syncState = newSyncState

	if len(changes) == 0 && !syncStateChanged {
		return ViewChange{LimboChanges: limboChanges}
	}

	return ViewChange{
		Snapshot: &ViewSnapshot{
			Query:            v.query,
			Docs:             docChanges.DocumentSet,
			OldDocs:          oldDocs,
			DocChanges:       changes,
			MutatedKeys:      docChanges.MutatedKeys,
			FromCache:        newSyncState == syncStateLocal,
			SyncStateChanged: syncStateChanged,
			HasCachedResults: v.hasCachedResults,
		},
		LimboChanges: limboChanges,
	}
}

func changeTypeOrder(t ChangeType) int {
	switch t {
	case ChangeRemoved:
		return 0
	case ChangeAdded:
		return 1
	default:
		return 2
	}
}

// ApplyOnlineStateChange marks the view not current once the client goes
// Offline, so its next snapshot reports fromCache.
func (v *View) ApplyOnlineStateChange(state remote.OnlineState) ViewChange {
	if !v.current || state != remote.OnlineStateOffline {
		return ViewChange{}
	}

	v.current = false

	return v.ApplyChanges(ViewDocumentChanges{
		DocumentSet: v.documentSet,
		ChangeSet:   NewDocumentChangeSet(),
		MutatedKeys: v.mutatedKeys,
	}, false, nil, false)
}

// SynchronizeWithPersistedState resets the view to what the local store
// holds for the query.
func (v *View) SynchronizeWithPersistedState(result local.QueryResult) ViewChange {
	v.syncedDocuments = result.RemoteKeys.Clone()
	v.limboDocuments = model.NewDocumentKeySet()

	return v.ApplyChanges(v.ComputeDocChanges(result.Documents, nil), true, nil, false)
}

// ComputeInitialSnapshot returns the view's current state as a first
// snapshot for a newly attached listener.
func (v *View) ComputeInitialSnapshot() *ViewSnapshot {
	return FromInitialDocuments(v.query, v.documentSet, v.mutatedKeys, v.syncState == syncStateLocal, v.hasCachedResults)
}

func (v *View) applyTargetChange(change *remote.TargetChange) {
	if change == nil {
		return
	}

	v.syncedDocuments.AddAll(change.AddedDocuments)
	v.syncedDocuments.RemoveAll(change.RemovedDocuments)
	v.current = change.Current

	if len(change.ResumeToken) > 0 {
		v.hasCachedResults = true
	}
}

func (v *View) updateLimboDocuments() []LimboDocumentChange {
	if !v.current {
		return nil
	}

	old := v.limboDocuments
	v.limboDocuments = model.NewDocumentKeySet()

	for _, doc := range v.documentSet.Docs() {
		if v.shouldBeInLimbo(doc.Key()) {
			v.limboDocuments.Add(doc.Key())
		}
	}

	var changes []LimboDocumentChange

	for _, key := range old.Sorted() {
		if !v.limboDocuments.Has(key) {
			changes = append(changes, LimboDocumentChange{Type: LimboRemoved, Key: key})
		}
	}

	for _, key := range v.limboDocuments.Sorted() {
		if !old.Has(key) {
			changes = append(changes, LimboDocumentChange{Type: LimboAdded, Key: key})
		}
	}

	return changes
}

// shouldBeInLimbo: the document is shown, the backend has not confirmed
// it, and no local write explains it.
func (v *View) shouldBeInLimbo(key model.DocumentKey) bool {
	if v.syncedDocuments.Has(key) {
		return false
	}

	doc := v.documentSet.Get(key)
	if doc == nil {
		return false
	}

	return !doc.HasLocalMutations()
}
