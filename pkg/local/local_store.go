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

// Package local is the local half of the sync engine: it owns the mutation
// queue, the overlays, the remote document cache and the target cache, and
// answers queries from them while offline.
//
// Every method runs its own persistence transaction. The caller must run all
// of them on the engine's async queue.
package local

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/internal/objectmap"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/metrics"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/remote"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

// ResumeTokenMaxAge is how long a changed resume token may stay unpersisted
// when nothing else about the target changed.
const ResumeTokenMaxAge = 5 * time.Minute

// LocalWriteResult is returned by WriteLocally.
type LocalWriteResult struct {
	BatchID int
	Changes model.DocumentMap
}

// QueryResult is returned by ExecuteQuery.
type QueryResult struct {
	Documents  model.DocumentMap
	RemoteKeys model.DocumentKeySet
}

// LocalViewChanges are the keys a view added or removed for a target.
type LocalViewChanges struct {
	TargetID    int
	FromCache   bool
	AddedKeys   model.DocumentKeySet
	RemovedKeys model.DocumentKeySet
}

// LocalStore is the entry point to local state.
type LocalStore struct {
	persistence    persistence.Persistence
	localDocuments *LocalDocumentsView
	queryEngine    *QueryEngine
	gc             *LruGarbageCollector

	mutationQueue   persistence.MutationQueue
	remoteDocuments persistence.RemoteDocumentCache
	overlays        persistence.DocumentOverlayCache
	targetCache     persistence.TargetCache
	index           persistence.IndexManager

	// localViewReferences pins documents shown by active views.
	localViewReferences *ReferenceSet

	// targetDataByTarget holds the active targets by id.
	targetDataByTarget map[int]*persistence.TargetData
	targetIDByTarget   *objectmap.ObjectMap[*query.Target, int]

	log *zap.SugaredLogger
}

// NewLocalStore wires a local store over p. p is started by Start.
func NewLocalStore(p persistence.Persistence, params LruParams, log *zap.SugaredLogger) *LocalStore {
	if log == nil {
		panic("NewLocalStore: logger must not be nil")
	}

	refs := NewReferenceSet()
	localDocuments := NewLocalDocumentsView(p)

	return &LocalStore{
		persistence:         p,
		localDocuments:      localDocuments,
		queryEngine:         NewQueryEngine(localDocuments, log),
		gc:                  NewLruGarbageCollector(p, params, refs, log),
		mutationQueue:       p.MutationQueue(),
		remoteDocuments:     p.RemoteDocumentCache(),
		overlays:            p.DocumentOverlayCache(),
		targetCache:         p.TargetCache(),
		index:               p.IndexManager(),
		localViewReferences: refs,
		targetDataByTarget:  make(map[int]*persistence.TargetData),
		targetIDByTarget:    objectmap.New[*query.Target, int](),
		log:                 log,
	}
}

func (s *LocalStore) Start(ctx context.Context) error {
	if s.persistence.Started() {
		return nil
	}

	return s.persistence.Start(ctx)
}

func (s *LocalStore) Shutdown() error {
	return s.persistence.Shutdown()
}

// GarbageCollector returns the store's collector, which is also its
// reference delegate.
func (s *LocalStore) GarbageCollector() *LruGarbageCollector {
	return s.gc
}

// WriteLocally appends mutations as a new batch and returns the resulting
// local views. A precondition known to fail against the local view rejects
// the write before anything is persisted.
func (s *LocalStore) WriteLocally(ctx context.Context, mutations []mutation.Mutation) (LocalWriteResult, error) {
	localWriteTime := model.Now()

	keys := model.NewDocumentKeySet()
	for _, m := range mutations {
		keys.Add(m.Key)
	}

	var result LocalWriteResult

	err := s.persistence.RunTransaction(ctx, "Locally write mutations", persistence.ReadWrite, func(txn persistence.Transaction) error {
		remoteDocs, err := s.remoteDocuments.GetAll(txn, keys)
		if err != nil {
			return err
		}

		views, err := s.localDocuments.overlayedDocuments(txn, remoteDocs, model.NewDocumentKeySet())
		if err != nil {
			return err
		}

		if err := checkLocalPreconditions(mutations, views); err != nil {
			return err
		}

		// Non-idempotent transforms need the value they started from, so
		// it is recorded in a base mutation the first time the key is
		// written.
		var baseMutations []mutation.Mutation

		for _, m := range mutations {
			base := m.ExtractTransformBaseValue(views[m.Key].doc)
			if base != nil {
				baseMutations = append(baseMutations,
					mutation.NewPatch(m.Key, *base, base.FieldMask(), mutation.PreconditionExists(true)))
			}
		}

		batch, err := s.mutationQueue.AddMutationBatch(txn, localWriteTime, baseMutations, mutations)
		if err != nil {
			return err
		}

		overlays := make(map[model.DocumentKey]*mutation.Mutation, keys.Len())
		changes := make(model.DocumentMap, keys.Len())

		for key := range batch.Keys() {
			view := views[key]
			if !view.doc.IsValidDocument() {
				view.doc.ConvertToNoDocument(model.SnapshotVersionMin)
			}

			mask := batch.ApplyToLocalView(view.doc, view.mutatedFields)

			if overlay := mutation.CalculateOverlayMutation(view.doc, mask); overlay != nil {
				overlays[key] = overlay
			}

			changes[key] = view.doc
		}

		if err := s.overlays.SaveOverlays(txn, batch.BatchID, overlays); err != nil {
			return err
		}

		for key := range keys {
			if err := s.index.AddToCollectionParentIndex(txn, key.CollectionPath()); err != nil {
				return err
			}
		}

		result = LocalWriteResult{BatchID: batch.BatchID, Changes: changes}

		return nil
	})
	if err != nil {
		return LocalWriteResult{}, err
	}

	metrics.RecordBatch(metrics.BatchWritten)
	s.log.Debugw("Wrote mutation batch locally", "batchID", result.BatchID, "keys", keys.Len())

	return result, nil
}

// checkLocalPreconditions fails the write when a precondition is invalid
// for a document whose state is known locally.
func checkLocalPreconditions(mutations []mutation.Mutation, views map[model.DocumentKey]overlayedDocument) error {
	for _, m := range mutations {
		if !m.HasPrecondition() {
			continue
		}

		doc := views[m.Key].doc
		if !doc.IsFoundDocument() && !doc.IsNoDocument() {
			continue
		}

		if m.Precondition.IsValidFor(doc) {
			continue
		}

		if m.Precondition.Exists != nil && *m.Precondition.Exists && doc.IsNoDocument() {
			return standarderrors.Wrap(standarderrors.NotFound, standarderrors.ErrLocalPreconditionFailed,
				"no document to update: %s", m.Key)
		}

		return standarderrors.Wrap(standarderrors.FailedPrecondition, standarderrors.ErrLocalPreconditionFailed,
			"%s on %s", m.Precondition, m.Key)
	}

	return nil
}

// AcknowledgeBatch applies a server acknowledged batch to the remote
// documents, removes it from the queue and returns the changed local views.
func (s *LocalStore) AcknowledgeBatch(ctx context.Context, result mutation.BatchResult) (model.DocumentMap, error) {
	var changes model.DocumentMap

	err := s.persistence.RunTransaction(ctx, "Acknowledge batch", persistence.ReadWrite, func(txn persistence.Transaction) error {
		affected := result.Batch.Keys()

		if err := s.applyWriteToRemoteDocuments(txn, result); err != nil {
			return err
		}

		if err := s.mutationQueue.SetLastStreamToken(txn, result.StreamToken); err != nil {
			return err
		}

		if err := s.removeBatch(txn, result.Batch, affected); err != nil {
			return err
		}

		var err error
		changes, err = s.localDocuments.GetDocuments(txn, affected)

		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordBatch(metrics.BatchAcknowledged)

	return changes, nil
}

func (s *LocalStore) applyWriteToRemoteDocuments(txn persistence.Transaction, result mutation.BatchResult) error {
	for key := range result.Batch.Keys() {
		doc, err := s.remoteDocuments.Get(txn, key)
		if err != nil {
			return err
		}

		ackVersion, ok := result.DocVersions[key]
		if !ok {
			return fmt.Errorf("batch %d: no acknowledged version for %s", result.Batch.BatchID, key)
		}

		if doc.Version().Before(ackVersion) {
			result.Batch.ApplyToRemoteDocument(doc, result)

			if doc.IsValidDocument() {
				if err := s.remoteDocuments.Add(txn, doc, result.CommitVersion); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// RejectBatch removes a batch the server refused and returns the changed
// local views.
func (s *LocalStore) RejectBatch(ctx context.Context, batchID int) (model.DocumentMap, error) {
	var changes model.DocumentMap

	err := s.persistence.RunTransaction(ctx, "Reject batch", persistence.ReadWrite, func(txn persistence.Transaction) error {
		batch, err := s.mutationQueue.LookupMutationBatch(txn, batchID)
		if err != nil {
			return err
		}

		if batch == nil {
			return fmt.Errorf("attempt to reject nonexistent batch %d", batchID)
		}

		affected := batch.Keys()

		if err := s.removeBatch(txn, batch, affected); err != nil {
			return err
		}

		changes, err = s.localDocuments.GetDocuments(txn, affected)

		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordBatch(metrics.BatchRejected)

	return changes, nil
}

// removeBatch drops batch, its overlays and its references, then recomputes
// the overlays of the keys it wrote from the batches still pending.
func (s *LocalStore) removeBatch(txn persistence.Transaction, batch *mutation.Batch, affected model.DocumentKeySet) error {
	if err := s.mutationQueue.RemoveMutationBatch(txn, batch); err != nil {
		return err
	}

	for key := range affected {
		if err := s.gc.RemoveMutationReference(txn, key); err != nil {
			return err
		}
	}

	if err := s.overlays.RemoveOverlaysForBatchID(txn, affected, batch.BatchID); err != nil {
		return err
	}

	return s.localDocuments.RecalculateAndSaveOverlays(txn, affected)
}

// NextMutationBatch returns the first pending batch after afterBatchID, or
// nil.
func (s *LocalStore) NextMutationBatch(ctx context.Context, afterBatchID int) (*mutation.Batch, error) {
	var batch *mutation.Batch

	err := s.persistence.RunTransaction(ctx, "Get next mutation batch", persistence.ReadOnly, func(txn persistence.Transaction) error {
		var err error
		batch, err = s.mutationQueue.GetNextMutationBatchAfterBatchID(txn, afterBatchID)

		return err
	})

	return batch, err
}

// GetHighestUnacknowledgedBatchID returns mutation.BatchIDUnknown when
// nothing is pending.
func (s *LocalStore) GetHighestUnacknowledgedBatchID(ctx context.Context) (int, error) {
	id := mutation.BatchIDUnknown

	err := s.persistence.RunTransaction(ctx, "Get highest unacknowledged batch id", persistence.ReadOnly, func(txn persistence.Transaction) error {
		var err error
		id, err = s.mutationQueue.GetHighestUnacknowledgedBatchID(txn)

		return err
	})

	return id, err
}

func (s *LocalStore) GetLastStreamToken(ctx context.Context) ([]byte, error) {
	var token []byte

	err := s.persistence.RunTransaction(ctx, "Get last stream token", persistence.ReadOnly, func(txn persistence.Transaction) error {
		var err error
		token, err = s.mutationQueue.GetLastStreamToken(txn)

		return err
	})

	return token, err
}

func (s *LocalStore) SetLastStreamToken(ctx context.Context, token []byte) error {
	return s.persistence.RunTransaction(ctx, "Set last stream token", persistence.ReadWrite, func(txn persistence.Transaction) error {
		return s.mutationQueue.SetLastStreamToken(txn, token)
	})
}

// ApplyRemoteEvent folds a watch snapshot into the cache and returns the
// local views of every changed document.
func (s *LocalStore) ApplyRemoteEvent(ctx context.Context, event remote.RemoteEvent) (model.DocumentMap, error) {
	remoteVersion := event.SnapshotVersion

	updatedTargets := make(map[int]*persistence.TargetData, len(s.targetDataByTarget))
	for id, data := range s.targetDataByTarget {
		updatedTargets[id] = data
	}

	var changes model.DocumentMap

	err := s.persistence.RunTransaction(ctx, "Apply remote event", persistence.ReadWrite, func(txn persistence.Transaction) error {
		for targetID, change := range event.TargetChanges {
			oldData, ok := s.targetDataByTarget[targetID]
			if !ok {
				// The target was released while the event was in flight.
				continue
			}

			if err := s.targetCache.RemoveMatchingKeys(txn, change.RemovedDocuments, targetID); err != nil {
				return err
			}

			if err := s.targetCache.AddMatchingKeys(txn, change.AddedDocuments, targetID); err != nil {
				return err
			}

			newData := oldData.WithSequenceNumber(txn.CurrentSequenceNumber())

			if _, mismatch := event.TargetMismatches[targetID]; mismatch {
				newData = newData.
					WithResumeToken(nil, model.SnapshotVersionMin).
					WithLastLimboFreeSnapshotVersion(model.SnapshotVersionMin)
			} else if len(change.ResumeToken) > 0 {
				newData = newData.WithResumeToken(change.ResumeToken, remoteVersion)
			}

			updatedTargets[targetID] = newData

			if shouldPersistTargetData(oldData, newData, change) {
				if err := s.targetCache.UpdateTargetData(txn, newData); err != nil {
					return err
				}
			}
		}

		for key := range event.DocumentUpdates {
			if event.ResolvedLimboDocuments.Has(key) {
				if err := s.gc.UpdateLimboDocument(txn, key); err != nil {
					return err
				}
			}
		}

		changed, existenceChanged, err := s.populateDocumentChanges(txn, event.DocumentUpdates)
		if err != nil {
			return err
		}

		if !remoteVersion.IsMin() {
			last, err := s.targetCache.GetLastRemoteSnapshotVersion(txn)
			if err != nil {
				return err
			}

			if remoteVersion.Before(last) {
				return standarderrors.New(standarderrors.Internal,
					"watch stream reverted to snapshot %s from %s", remoteVersion, last)
			}

			if err := s.targetCache.SetTargetsMetadata(txn, txn.CurrentSequenceNumber(), remoteVersion); err != nil {
				return err
			}
		}

		changes, err = s.localDocuments.GetLocalViewOfDocuments(txn, changed, existenceChanged)

		return err
	})
	if err != nil {
		return nil, err
	}

	s.targetDataByTarget = updatedTargets

	return changes, nil
}

// populateDocumentChanges writes documents newer than the cached ones. It
// returns the documents written and the keys whose existence changed.
func (s *LocalStore) populateDocumentChanges(txn persistence.Transaction,
	docs model.DocumentMap,
) (model.DocumentMap, model.DocumentKeySet, error) {
	changed := make(model.DocumentMap)
	existenceChanged := model.NewDocumentKeySet()

	existing, err := s.remoteDocuments.GetAll(txn, docs.Keys())
	if err != nil {
		return nil, nil, err
	}

	for key, doc := range docs {
		cached := existing[key]

		if doc.IsFoundDocument() != cached.IsFoundDocument() {
			existenceChanged.Add(key)
		}

		switch {
		case doc.IsNoDocument() && doc.Version().IsMin():
			// A deletion at version zero comes from a limbo resolution or
			// a lost permission, not a real delete. Drop the cache entry.
			if err := s.remoteDocuments.Remove(txn, key); err != nil {
				return nil, nil, err
			}

			changed[key] = doc
		case !cached.IsValidDocument() ||
			doc.Version().After(cached.Version()) ||
			(doc.Version().Equal(cached.Version()) && cached.HasPendingWrites()):
			if err := s.remoteDocuments.Add(txn, doc, doc.ReadTime()); err != nil {
				return nil, nil, err
			}

			changed[key] = doc
		default:
			s.log.Debugw("Ignoring outdated watch update",
				"key", key.String(),
				"cachedVersion", cached.Version().String(),
				"watchVersion", doc.Version().String())
		}
	}

	return changed, existenceChanged, nil
}

// shouldPersistTargetData limits how often a target is rewritten only
// because its resume token moved.
func shouldPersistTargetData(oldData, newData *persistence.TargetData, change remote.TargetChange) bool {
	if len(newData.ResumeToken) == 0 {
		return false
	}

	if len(oldData.ResumeToken) == 0 {
		return true
	}

	elapsed := newData.SnapshotVersion.ToMicroseconds() - oldData.SnapshotVersion.ToMicroseconds()
	if elapsed >= ResumeTokenMaxAge.Microseconds() {
		return true
	}

	return change.ChangeCount() > 0
}

// NotifyLocalViewChanges records which documents active views show. A view
// that is not from cache advances its target's limbo-free version.
func (s *LocalStore) NotifyLocalViewChanges(ctx context.Context, viewChanges []LocalViewChanges) error {
	err := s.persistence.RunTransaction(ctx, "Notify local view changes", persistence.ReadWrite, func(txn persistence.Transaction) error {
		for _, vc := range viewChanges {
			for key := range vc.AddedKeys {
				s.localViewReferences.AddReference(key, vc.TargetID)

				if err := s.gc.AddReference(txn, vc.TargetID, key); err != nil {
					return err
				}
			}

			for key := range vc.RemovedKeys {
				s.localViewReferences.RemoveReference(key, vc.TargetID)

				if err := s.gc.RemoveReference(txn, vc.TargetID, key); err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, vc := range viewChanges {
		if vc.FromCache {
			continue
		}

		data, ok := s.targetDataByTarget[vc.TargetID]
		if !ok {
			continue
		}

		s.targetDataByTarget[vc.TargetID] = data.WithLastLimboFreeSnapshotVersion(data.SnapshotVersion)
	}

	return nil
}

// AllocateTarget returns the target data for target, reusing a persisted
// target when one exists.
func (s *LocalStore) AllocateTarget(ctx context.Context, target *query.Target) (*persistence.TargetData, error) {
	var data *persistence.TargetData

	err := s.persistence.RunTransaction(ctx, "Allocate target", persistence.ReadWrite, func(txn persistence.Transaction) error {
		cached, err := s.targetData(txn, target)
		if err != nil {
			return err
		}

		if cached != nil {
			data = cached

			return nil
		}

		id, err := s.targetCache.AllocateTargetID(txn)
		if err != nil {
			return err
		}

		data = persistence.NewTargetData(target, id, persistence.PurposeListen, txn.CurrentSequenceNumber())

		return s.targetCache.AddTargetData(txn, data)
	})
	if err != nil {
		return nil, err
	}

	if current, ok := s.targetDataByTarget[data.TargetID]; !ok || data.SnapshotVersion.After(current.SnapshotVersion) {
		s.targetDataByTarget[data.TargetID] = data
		s.targetIDByTarget.Set(target, data.TargetID)
	}

	return data, nil
}

// targetData looks target up in memory first, then in the target cache.
func (s *LocalStore) targetData(txn persistence.Transaction, target *query.Target) (*persistence.TargetData, error) {
	if id, ok := s.targetIDByTarget.Get(target); ok {
		if data, ok := s.targetDataByTarget[id]; ok {
			return data, nil
		}
	}

	return s.targetCache.GetTargetData(txn, target)
}

// GetTargetData returns the in-memory data of an active target.
func (s *LocalStore) GetTargetData(targetID int) (*persistence.TargetData, bool) {
	data, ok := s.targetDataByTarget[targetID]

	return data, ok
}

// ReleaseTarget stops tracking targetID. The persisted target is re-stamped
// with the current sequence number so it ages out through garbage
// collection. With keepPersisted the local-view references are kept.
func (s *LocalStore) ReleaseTarget(ctx context.Context, targetID int, keepPersisted bool) error {
	data, ok := s.targetDataByTarget[targetID]
	if !ok {
		s.log.Debugw("Ignoring release of inactive target", "targetID", targetID)

		return nil
	}

	err := s.persistence.RunTransaction(ctx, "Release target", persistence.ReadWrite, func(txn persistence.Transaction) error {
		if !keepPersisted {
			for key := range s.localViewReferences.RemoveReferencesForID(targetID) {
				if err := s.gc.RemoveReference(txn, targetID, key); err != nil {
					return err
				}
			}
		}

		return s.gc.RemoveTarget(txn, data)
	})
	if err != nil {
		return err
	}

	delete(s.targetDataByTarget, targetID)
	s.targetIDByTarget.Delete(data.Target)

	return nil
}

// ExecuteQuery runs q against the local store. With usePreviousResults the
// target's last limbo-free result seeds the query.
func (s *LocalStore) ExecuteQuery(ctx context.Context, q *query.Query, usePreviousResults bool) (QueryResult, error) {
	var result QueryResult

	err := s.persistence.RunTransaction(ctx, "Execute query", persistence.ReadOnly, func(txn persistence.Transaction) error {
		lastLimboFree := model.SnapshotVersionMin
		remoteKeys := model.NewDocumentKeySet()

		data, err := s.targetData(txn, q.ToTarget())
		if err != nil {
			return err
		}

		if data != nil {
			lastLimboFree = data.LastLimboFreeSnapshotVersion

			remoteKeys, err = s.targetCache.GetMatchingKeysForTargetID(txn, data.TargetID)
			if err != nil {
				return err
			}
		}

		since, keys := model.SnapshotVersionMin, model.NewDocumentKeySet()
		if usePreviousResults {
			since, keys = lastLimboFree, remoteKeys
		}

		docs, err := s.queryEngine.GetDocumentsMatchingQuery(txn, q, since, keys)
		if err != nil {
			return err
		}

		result = QueryResult{Documents: docs, RemoteKeys: remoteKeys}

		return nil
	})

	return result, err
}

// ReadDocument returns the local view of key.
func (s *LocalStore) ReadDocument(ctx context.Context, key model.DocumentKey) (*model.Document, error) {
	var doc *model.Document

	err := s.persistence.RunTransaction(ctx, "Read document", persistence.ReadOnly, func(txn persistence.Transaction) error {
		var err error
		doc, err = s.localDocuments.GetDocument(txn, key)

		return err
	})

	return doc, err
}

// GetRemoteDocumentKeys returns the keys the server last reported for
// targetID.
func (s *LocalStore) GetRemoteDocumentKeys(ctx context.Context, targetID int) (model.DocumentKeySet, error) {
	var keys model.DocumentKeySet

	err := s.persistence.RunTransaction(ctx, "Get remote document keys", persistence.ReadOnly, func(txn persistence.Transaction) error {
		var err error
		keys, err = s.targetCache.GetMatchingKeysForTargetID(txn, targetID)

		return err
	})

	return keys, err
}

func (s *LocalStore) GetLastRemoteSnapshotVersion(ctx context.Context) (model.SnapshotVersion, error) {
	var version model.SnapshotVersion

	err := s.persistence.RunTransaction(ctx, "Get last remote snapshot version", persistence.ReadOnly, func(txn persistence.Transaction) error {
		var err error
		version, err = s.targetCache.GetLastRemoteSnapshotVersion(txn)

		return err
	})

	return version, err
}

// CollectGarbage runs one LRU pass, keeping every active target.
func (s *LocalStore) CollectGarbage(ctx context.Context) (LruResults, error) {
	active := make(map[int]struct{}, len(s.targetDataByTarget))
	for id := range s.targetDataByTarget {
		active[id] = struct{}{}
	}

	var results LruResults

	err := s.persistence.RunTransaction(ctx, "Collect garbage", persistence.ReadWrite, func(txn persistence.Transaction) error {
		var err error
		results, err = s.gc.Collect(txn, active)

		return err
	})

	return results, err
}

// CacheSize reports the estimated size of the remote document cache.
func (s *LocalStore) CacheSize(ctx context.Context) (int64, error) {
	var size int64

	err := s.persistence.RunTransaction(ctx, "Get cache size", persistence.ReadOnly, func(txn persistence.Transaction) error {
		var err error
		size, err = s.remoteDocuments.Size(txn)

		return err
	})

	return size, err
}
