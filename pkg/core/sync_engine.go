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
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/baiprog/eatvision-miniapp-sub000/internal/objectmap"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/local"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/metrics"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/remote"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

// DefaultMaxConcurrentLimboResolutions bounds how many limbo documents are
// resolved at once. The rest wait in a queue.
const DefaultMaxConcurrentLimboResolutions = 100

// ViewHandler receives what the sync engine produces. The event manager
// implements it.
type ViewHandler interface {
	OnWatchChange(snapshots []*ViewSnapshot)
	OnWatchError(q *query.Query, err error)
	OnOnlineStateChange(state remote.OnlineState)
}

// QueryView ties a query to its view and the target it listens on.
type QueryView struct {
	Query    *query.Query
	TargetID int
	View     *View
}

type limboResolution struct {
	key model.DocumentKey

	// receivedDocument is set once the limbo target delivered the document,
	// so a later removal can be told apart from a never-seen one.
	receivedDocument bool
}

// SyncEngine connects the local store, the remote store and the views. It
// implements remote.RemoteSyncer.
//
// Every method must run on the async queue.
type SyncEngine struct {
	localStore  *local.LocalStore
	remoteStore *remote.RemoteStore
	handler     ViewHandler
	log         *zap.SugaredLogger

	onlineState remote.OnlineState

	queryViewsByQuery *objectmap.ObjectMap[*query.Query, *QueryView]
	queriesByTarget   map[int][]*query.Query

	enqueuedLimboResolutions       []model.DocumentKey
	activeLimboTargetsByKey        map[model.DocumentKey]int
	activeLimboResolutionsByTarget map[int]*limboResolution
	limboDocumentRefs              *local.ReferenceSet
	limboSlots                     *semaphore.Weighted
	nextLimboTargetID              int

	mutationCallbacks      map[int]func(error)
	pendingWritesCallbacks map[int][]func(error)
}

// NewSyncEngine creates a sync engine. The caller registers it with the
// remote store through SetSyncer.
func NewSyncEngine(localStore *local.LocalStore, remoteStore *remote.RemoteStore,
	maxConcurrentLimboResolutions int, log *zap.SugaredLogger,
) *SyncEngine {
	if maxConcurrentLimboResolutions <= 0 {
		maxConcurrentLimboResolutions = DefaultMaxConcurrentLimboResolutions
	}

	return &SyncEngine{
		localStore:                     localStore,
		remoteStore:                    remoteStore,
		log:                            log,
		onlineState:                    remote.OnlineStateUnknown,
		queryViewsByQuery:              objectmap.New[*query.Query, *QueryView](),
		queriesByTarget:                make(map[int][]*query.Query),
		activeLimboTargetsByKey:        make(map[model.DocumentKey]int),
		activeLimboResolutionsByTarget: make(map[int]*limboResolution),
		limboDocumentRefs:              local.NewReferenceSet(),
		limboSlots:                     semaphore.NewWeighted(int64(maxConcurrentLimboResolutions)),
		// Persistence hands out even target ids, limbo targets take the
		// odd ones.
		nextLimboTargetID:      1,
		mutationCallbacks:      make(map[int]func(error)),
		pendingWritesCallbacks: make(map[int][]func(error)),
	}
}

func (e *SyncEngine) SetViewHandler(h ViewHandler) {
	e.handler = h
}

// Listen starts tracking q and returns its initial snapshot. A query that
// is already tracked shares its view and target.
func (e *SyncEngine) Listen(ctx context.Context, q *query.Query, shouldListenToRemote bool) (*ViewSnapshot, error) {
	if qv, ok := e.queryViewsByQuery.Get(q); ok {
		return qv.View.ComputeInitialSnapshot(), nil
	}

	targetData, err := e.localStore.AllocateTarget(ctx, q.ToTarget())
	if err != nil {
		return nil, err
	}

	snapshot, err := e.initializeViewAndComputeSnapshot(ctx, q, targetData.TargetID, targetData.ResumeToken)
	if err != nil {
		return nil, err
	}

	if shouldListenToRemote {
		if err := e.remoteStore.Listen(targetData); err != nil {
			return nil, err
		}
	}

	return snapshot, nil
}

func (e *SyncEngine) initializeViewAndComputeSnapshot(ctx context.Context, q *query.Query, targetID int,
	resumeToken []byte,
) (*ViewSnapshot, error) {
	result, err := e.localStore.ExecuteQuery(ctx, q, true)
	if err != nil {
		return nil, err
	}

	view := NewView(q, result.RemoteKeys)
	docChanges := view.ComputeDocChanges(result.Documents, nil)

	// A fresh view is never current: the backend has to confirm it first.
	synthesized := remote.SynthesizedEventForCurrentChange(targetID, false, resumeToken)
	targetChange := synthesized.TargetChanges[targetID]

	viewChange := view.ApplyChanges(docChanges, true, &targetChange, false)
	if err := e.updateTrackedLimbos(targetID, viewChange.LimboChanges); err != nil {
		return nil, err
	}

	e.queryViewsByQuery.Set(q, &QueryView{Query: q, TargetID: targetID, View: view})
	e.queriesByTarget[targetID] = append(e.queriesByTarget[targetID], q)

	return viewChange.Snapshot, nil
}

// Unlisten stops tracking q. The target is released once no query uses it.
func (e *SyncEngine) Unlisten(ctx context.Context, q *query.Query, shouldUnlistenToRemote bool) error {
	qv, ok := e.queryViewsByQuery.Get(q)
	if !ok {
		return standarderrors.New(standarderrors.Internal, "trying to unlisten on query not found: %s", q)
	}

	queries := e.queriesByTarget[qv.TargetID]
	if len(queries) > 1 {
		e.queriesByTarget[qv.TargetID] = removeQuery(queries, q)
		e.queryViewsByQuery.Delete(q)

		return nil
	}

	if err := e.localStore.ReleaseTarget(ctx, qv.TargetID, false); err != nil {
		return err
	}

	if shouldUnlistenToRemote {
		if err := e.remoteStore.Unlisten(qv.TargetID); err != nil {
			return err
		}
	}

	return e.removeAndCleanupTarget(qv.TargetID, nil)
}

func removeQuery(queries []*query.Query, q *query.Query) []*query.Query {
	out := make([]*query.Query, 0, len(queries))
	for _, other := range queries {
		if !other.Equal(q) {
			out = append(out, other)
		}
	}

	return out
}

// Write applies mutations locally, raises the resulting snapshots and hands
// the batch to the remote store. callback runs once the backend accepts or
// rejects it.
func (e *SyncEngine) Write(ctx context.Context, mutations []mutation.Mutation, callback func(error)) (int, error) {
	result, err := e.localStore.WriteLocally(ctx, mutations)
	if err != nil {
		return mutation.BatchIDUnknown, err
	}

	if callback != nil {
		e.mutationCallbacks[result.BatchID] = callback
	}

	if err := e.emitNewSnapsAndNotifyLocalStore(ctx, result.Changes, nil); err != nil {
		return result.BatchID, err
	}

	return result.BatchID, e.remoteStore.HandleNewPendingWrites(ctx)
}

// ApplyRemoteEvent implements remote.RemoteSyncer.
func (e *SyncEngine) ApplyRemoteEvent(ctx context.Context, event remote.RemoteEvent) error {
	for targetID, change := range event.TargetChanges {
		lr, ok := e.activeLimboResolutionsByTarget[targetID]
		if !ok {
			continue
		}

		if change.ChangeCount() > 1 {
			e.log.Warnw("Limbo resolution for a single document reported several changes",
				"targetID", targetID, "key", lr.key.String(), "changes", change.ChangeCount())
		}

		switch {
		case change.AddedDocuments.Len() > 0:
			lr.receivedDocument = true
		case change.ModifiedDocuments.Len() > 0:
			if !lr.receivedDocument {
				e.log.Warnw("Limbo document modified before it was received", "key", lr.key.String())
			}
		case change.RemovedDocuments.Len() > 0:
			if !lr.receivedDocument {
				e.log.Warnw("Limbo document removed before it was received", "key", lr.key.String())
			}

			lr.receivedDocument = false
		}
	}

	changes, err := e.localStore.ApplyRemoteEvent(ctx, event)
	if err != nil {
		return err
	}

	return e.emitNewSnapsAndNotifyLocalStore(ctx, changes, &event)
}

// ApplyOnlineStateChange implements the remote store's online state hook.
func (e *SyncEngine) ApplyOnlineStateChange(state remote.OnlineState) {
	e.onlineState = state

	var snapshots []*ViewSnapshot

	e.queryViewsByQuery.ForEach(func(_ *query.Query, qv *QueryView) bool {
		change := qv.View.ApplyOnlineStateChange(state)
		if len(change.LimboChanges) > 0 {
			e.log.Warnw("Online state change produced limbo changes", "targetID", qv.TargetID)
		}

		if change.Snapshot != nil {
			snapshots = append(snapshots, change.Snapshot)
		}

		return true
	})

	if e.handler == nil {
		return
	}

	if len(snapshots) > 0 {
		e.handler.OnWatchChange(snapshots)
	}

	e.handler.OnOnlineStateChange(state)
}

func (e *SyncEngine) OnlineState() remote.OnlineState {
	return e.onlineState
}

// RejectListen implements remote.RemoteSyncer. A rejected limbo target
// means the document is gone for this client; a rejected query target is
// released and its listeners get err.
func (e *SyncEngine) RejectListen(ctx context.Context, targetID int, err error) error {
	if lr, ok := e.activeLimboResolutionsByTarget[targetID]; ok {
		key := lr.key

		// The backend already dropped the target, so no unlisten.
		e.releaseLimboResolution(key, targetID)

		event := remote.NewRemoteEvent(model.SnapshotVersionMin)
		event.DocumentUpdates[key] = model.NewNoDocument(key, model.SnapshotVersionMin)
		event.ResolvedLimboDocuments.Add(key)

		return e.ApplyRemoteEvent(ctx, event)
	}

	if releaseErr := e.localStore.ReleaseTarget(ctx, targetID, false); releaseErr != nil {
		e.log.Warnw("Failed to release rejected target", "targetID", targetID, "error", releaseErr)
	}

	return e.removeAndCleanupTarget(targetID, err)
}

// ApplySuccessfulWrite implements remote.RemoteSyncer.
func (e *SyncEngine) ApplySuccessfulWrite(ctx context.Context, result mutation.BatchResult) error {
	batchID := result.Batch.BatchID

	changes, err := e.localStore.AcknowledgeBatch(ctx, result)
	if err != nil {
		return err
	}

	// Callbacks run before the snapshots, so a Commit returns before the
	// listener sees hasPendingWrites go false.
	e.processUserCallback(batchID, nil)
	e.triggerPendingWritesCallbacks(batchID)

	return e.emitNewSnapsAndNotifyLocalStore(ctx, changes, nil)
}

// RejectFailedWrite implements remote.RemoteSyncer.
func (e *SyncEngine) RejectFailedWrite(ctx context.Context, batchID int, err error) error {
	changes, rejectErr := e.localStore.RejectBatch(ctx, batchID)
	if rejectErr != nil {
		return rejectErr
	}

	e.processUserCallback(batchID, err)
	e.triggerPendingWritesCallbacks(batchID)

	return e.emitNewSnapsAndNotifyLocalStore(ctx, changes, nil)
}

// RegisterPendingWritesCallback calls cb once every batch written so far
// is acknowledged or rejected. With nothing pending it is called at once.
func (e *SyncEngine) RegisterPendingWritesCallback(ctx context.Context, cb func(error)) error {
	if !e.remoteStore.CanUseNetwork() {
		e.log.Debugw("The network is disabled; pending writes will not complete until it is enabled")
	}

	highest, err := e.localStore.GetHighestUnacknowledgedBatchID(ctx)
	if err != nil {
		return err
	}

	if highest == mutation.BatchIDUnknown {
		cb(nil)

		return nil
	}

	e.pendingWritesCallbacks[highest] = append(e.pendingWritesCallbacks[highest], cb)

	return nil
}

// FailPendingCallbacks fails every outstanding write and pending-writes
// callback with err. Used on shutdown.
func (e *SyncEngine) FailPendingCallbacks(err error) {
	for batchID, cb := range e.mutationCallbacks {
		cb(err)
		delete(e.mutationCallbacks, batchID)
	}

	for batchID, cbs := range e.pendingWritesCallbacks {
		for _, cb := range cbs {
			cb(err)
		}

		delete(e.pendingWritesCallbacks, batchID)
	}
}

// GetRemoteKeysForTarget implements remote.RemoteSyncer.
func (e *SyncEngine) GetRemoteKeysForTarget(targetID int) model.DocumentKeySet {
	if lr, ok := e.activeLimboResolutionsByTarget[targetID]; ok {
		if lr.receivedDocument {
			return model.NewDocumentKeySet(lr.key)
		}

		return model.NewDocumentKeySet()
	}

	keys := model.NewDocumentKeySet()

	for _, q := range e.queriesByTarget[targetID] {
		if qv, ok := e.queryViewsByQuery.Get(q); ok {
			keys.AddAll(qv.View.SyncedDocuments())
		}
	}

	return keys
}

// ActiveLimboDocumentResolutions returns the keys being resolved, by limbo
// target id.
func (e *SyncEngine) ActiveLimboDocumentResolutions() map[model.DocumentKey]int {
	out := make(map[model.DocumentKey]int, len(e.activeLimboTargetsByKey))
	for k, v := range e.activeLimboTargetsByKey {
		out[k] = v
	}

	return out
}

// EnqueuedLimboDocumentResolutions returns the keys waiting for a slot, in
// order.
func (e *SyncEngine) EnqueuedLimboDocumentResolutions() []model.DocumentKey {
	return append([]model.DocumentKey(nil), e.enqueuedLimboResolutions...)
}

func (e *SyncEngine) processUserCallback(batchID int, err error) {
	cb, ok := e.mutationCallbacks[batchID]
	if !ok {
		return
	}

	delete(e.mutationCallbacks, batchID)
	cb(err)
}

func (e *SyncEngine) triggerPendingWritesCallbacks(batchID int) {
	cbs, ok := e.pendingWritesCallbacks[batchID]
	if !ok {
		return
	}

	delete(e.pendingWritesCallbacks, batchID)

	for _, cb := range cbs {
		cb(nil)
	}
}

func (e *SyncEngine) removeAndCleanupTarget(targetID int, err error) error {
	for _, q := range e.queriesByTarget[targetID] {
		e.queryViewsByQuery.Delete(q)

		if err != nil && e.handler != nil {
			e.handler.OnWatchError(q, err)
		}
	}

	delete(e.queriesByTarget, targetID)

	limboKeys := e.limboDocumentRefs.RemoveReferencesForID(targetID)
	for _, key := range limboKeys.Sorted() {
		if e.limboDocumentRefs.ContainsKey(key) {
			continue
		}

		if err := e.removeLimboTarget(key); err != nil {
			return err
		}
	}

	return nil
}

// emitNewSnapsAndNotifyLocalStore runs changes through every view, hands
// the snapshots to the handler and tells the local store which documents
// the views now hold.
func (e *SyncEngine) emitNewSnapsAndNotifyLocalStore(ctx context.Context, changes model.DocumentMap,
	event *remote.RemoteEvent,
) error {
	var (
		snapshots   []*ViewSnapshot
		viewChanges []local.LocalViewChanges
		firstErr    error
	)

	e.queryViewsByQuery.ForEach(func(_ *query.Query, qv *QueryView) bool {
		docChanges := qv.View.ComputeDocChanges(changes, nil)

		if docChanges.NeedsRefill {
			result, err := e.localStore.ExecuteQuery(ctx, qv.Query, false)
			if err != nil {
				firstErr = err

				return false
			}

			docChanges = qv.View.ComputeDocChanges(result.Documents, &docChanges)
		}

		var (
			targetChange         *remote.TargetChange
			targetIsPendingReset bool
		)

		if event != nil {
			if tc, ok := event.TargetChanges[qv.TargetID]; ok {
				targetChange = &tc
			}

			_, targetIsPendingReset = event.TargetMismatches[qv.TargetID]
		}

		viewChange := qv.View.ApplyChanges(docChanges, true, targetChange, targetIsPendingReset)
		if err := e.updateTrackedLimbos(qv.TargetID, viewChange.LimboChanges); err != nil {
			firstErr = err

			return false
		}

		if viewChange.Snapshot != nil {
			snapshots = append(snapshots, viewChange.Snapshot)
			viewChanges = append(viewChanges, localViewChangesFromSnapshot(qv.TargetID, viewChange.Snapshot))
		}

		return true
	})

	if firstErr != nil {
		return firstErr
	}

	if e.handler != nil && len(snapshots) > 0 {
		e.handler.OnWatchChange(snapshots)
	}

	if len(viewChanges) == 0 {
		return nil
	}

	return e.localStore.NotifyLocalViewChanges(ctx, viewChanges)
}

func localViewChangesFromSnapshot(targetID int, snapshot *ViewSnapshot) local.LocalViewChanges {
	added := model.NewDocumentKeySet()
	removed := model.NewDocumentKeySet()

	for _, c := range snapshot.DocChanges {
		switch c.Type {
		case ChangeAdded:
			added.Add(c.Doc.Key())
		case ChangeRemoved:
			removed.Add(c.Doc.Key())
		}
	}

	return local.LocalViewChanges{
		TargetID:    targetID,
		FromCache:   snapshot.FromCache,
		AddedKeys:   added,
		RemovedKeys: removed,
	}
}

func (e *SyncEngine) updateTrackedLimbos(targetID int, changes []LimboDocumentChange) error {
	for _, c := range changes {
		switch c.Type {
		case LimboAdded:
			e.limboDocumentRefs.AddReference(c.Key, targetID)
			e.trackLimboChange(c.Key)
		case LimboRemoved:
			e.log.Debugw("Document no longer in limbo", "key", c.Key.String())
			e.limboDocumentRefs.RemoveReference(c.Key, targetID)

			if !e.limboDocumentRefs.ContainsKey(c.Key) {
				if err := e.removeLimboTarget(c.Key); err != nil {
					return err
				}
			}
		default:
			return standarderrors.New(standarderrors.Internal, "unknown limbo change type %d", c.Type)
		}
	}

	return nil
}

func (e *SyncEngine) trackLimboChange(key model.DocumentKey) {
	if _, active := e.activeLimboTargetsByKey[key]; active {
		return
	}

	for _, queued := range e.enqueuedLimboResolutions {
		if queued == key {
			return
		}
	}

	e.log.Debugw("New document in limbo", "key", key.String())
	e.enqueuedLimboResolutions = append(e.enqueuedLimboResolutions, key)
	e.pumpEnqueuedLimboResolutions()
}

// pumpEnqueuedLimboResolutions starts a limbo listen for queued keys while
// slots are free.
func (e *SyncEngine) pumpEnqueuedLimboResolutions() {
	for len(e.enqueuedLimboResolutions) > 0 && e.limboSlots.TryAcquire(1) {
		key := e.enqueuedLimboResolutions[0]
		e.enqueuedLimboResolutions = e.enqueuedLimboResolutions[1:]

		targetID := e.nextLimboTargetID
		e.nextLimboTargetID += 2

		e.activeLimboResolutionsByTarget[targetID] = &limboResolution{key: key}
		e.activeLimboTargetsByKey[key] = targetID

		targetData := persistence.NewTargetData(query.NewDocumentTarget(key), targetID,
			persistence.PurposeLimboResolution, persistence.ListenSequenceInvalid)
		if err := e.remoteStore.Listen(targetData); err != nil {
			e.log.Warnw("Failed to listen to limbo target", "key", key.String(), "targetID", targetID, "error", err)
		}
	}

	metrics.SetLimboResolutions(len(e.activeLimboTargetsByKey), len(e.enqueuedLimboResolutions))
}

func (e *SyncEngine) removeLimboTarget(key model.DocumentKey) error {
	for i, queued := range e.enqueuedLimboResolutions {
		if queued == key {
			e.enqueuedLimboResolutions = append(e.enqueuedLimboResolutions[:i], e.enqueuedLimboResolutions[i+1:]...)

			break
		}
	}

	targetID, ok := e.activeLimboTargetsByKey[key]
	if !ok {
		metrics.SetLimboResolutions(len(e.activeLimboTargetsByKey), len(e.enqueuedLimboResolutions))

		return nil
	}

	if err := e.remoteStore.Unlisten(targetID); err != nil {
		return err
	}

	e.releaseLimboResolution(key, targetID)

	return nil
}

// releaseLimboResolution frees the slot of an active limbo resolution and
// starts the next queued one.
func (e *SyncEngine) releaseLimboResolution(key model.DocumentKey, targetID int) {
	delete(e.activeLimboTargetsByKey, key)
	delete(e.activeLimboResolutionsByTarget, targetID)
	e.limboSlots.Release(1)
	e.pumpEnqueuedLimboResolutions()
}

func (e *SyncEngine) String() string {
	return fmt.Sprintf("SyncEngine{queries=%d targets=%d activeLimbo=%d enqueuedLimbo=%d}",
		e.queryViewsByQuery.Len(), len(e.queriesByTarget),
		len(e.activeLimboTargetsByKey), len(e.enqueuedLimboResolutions))
}
