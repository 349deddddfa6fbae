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

package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/asyncqueue"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/backoff"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

// DefaultMaxPendingWrites bounds the batches in flight on the write stream.
const DefaultMaxPendingWrites = 10

// LocalStore is the part of the local store the remote store reads from.
type LocalStore interface {
	NextMutationBatch(ctx context.Context, afterBatchID int) (*mutation.Batch, error)
	GetLastStreamToken(ctx context.Context) ([]byte, error)
	SetLastStreamToken(ctx context.Context, token []byte) error
	GetLastRemoteSnapshotVersion(ctx context.Context) (model.SnapshotVersion, error)
}

// RemoteSyncer receives the outcome of remote operations. The sync engine
// implements it.
type RemoteSyncer interface {
	ApplyRemoteEvent(ctx context.Context, event RemoteEvent) error
	RejectListen(ctx context.Context, targetID int, err error) error
	ApplySuccessfulWrite(ctx context.Context, result mutation.BatchResult) error
	RejectFailedWrite(ctx context.Context, batchID int, err error) error
	GetRemoteKeysForTarget(targetID int) model.DocumentKeySet
}

// offlineCause is a reason the network is off. The network is used only
// while there is none.
type offlineCause string

const (
	causeUserDisabled      offlineCause = "user_disabled"
	causePersistenceFailed offlineCause = "persistence_failed"
	causeShutdown          offlineCause = "shutdown"
	causeNoConnection      offlineCause = "no_connection"
)

// RemoteStoreConfig configures a RemoteStore.
type RemoteStoreConfig struct {
	DatabaseID         DatabaseID
	MaxPendingWrites   int
	OnlineStateTimeout time.Duration
	Stream             StreamConfig
}

func DefaultRemoteStoreConfig(dbID DatabaseID) RemoteStoreConfig {
	return RemoteStoreConfig{
		DatabaseID:         dbID,
		MaxPendingWrites:   DefaultMaxPendingWrites,
		OnlineStateTimeout: DefaultOnlineStateTimeout,
		Stream:             DefaultStreamConfig(),
	}
}

// RemoteStore keeps the watch and write streams in step with what the sync
// engine needs: targets being listened to and batches waiting to be sent.
//
// It is owned by the async queue: call it only from queue operations.
type RemoteStore struct {
	localStore LocalStore
	syncer     RemoteSyncer
	queue      *asyncqueue.Queue
	serializer *Serializer
	cfg        RemoteStoreConfig
	log        *zap.SugaredLogger

	watchStream *WatchStream
	writeStream *WriteStream
	onlineState *OnlineStateTracker
	aggregator  *WatchChangeAggregator

	// listenTargets are the targets the backend should be watching, by id.
	listenTargets map[int]*persistence.TargetData

	// writePipeline holds batches sent but not yet acknowledged, oldest
	// first.
	writePipeline []*mutation.Batch
	writeSentAt   map[int]time.Time
	latency       *latencyTracker

	offlineCauses map[offlineCause]struct{}
}

// NewRemoteStore creates a stopped remote store. A nil conn keeps it
// offline for good. SetSyncer must be called before Start.
func NewRemoteStore(localStore LocalStore, conn Connection, queue *asyncqueue.Queue, cfg RemoteStoreConfig, onlineStateHandler func(OnlineState), log *zap.SugaredLogger) *RemoteStore {
	if cfg.MaxPendingWrites <= 0 {
		cfg.MaxPendingWrites = DefaultMaxPendingWrites
	}

	rs := &RemoteStore{
		localStore:    localStore,
		queue:         queue,
		serializer:    NewSerializer(cfg.DatabaseID),
		cfg:           cfg,
		log:           log,
		listenTargets: make(map[int]*persistence.TargetData),
		writeSentAt:   make(map[int]time.Time),
		latency:       newLatencyTracker(),
		offlineCauses: make(map[offlineCause]struct{}),
	}

	rs.onlineState = NewOnlineStateTracker(queue, cfg.OnlineStateTimeout, onlineStateHandler, log)

	if conn == nil {
		rs.offlineCauses[causeNoConnection] = struct{}{}
		// Never opened while causeNoConnection is set.
		conn = NewMockConnection()
	}

	rs.watchStream = NewWatchStream(conn, queue, rs.serializer, cfg.Stream, rs, log)
	rs.writeStream = NewWriteStream(conn, queue, rs.serializer, cfg.Stream, rs, log)

	return rs
}

func (rs *RemoteStore) SetSyncer(syncer RemoteSyncer) {
	rs.syncer = syncer
}

// Start connects if the network is usable. Without a connection the store
// reports Offline right away so listeners do not wait for a backend.
func (rs *RemoteStore) Start(ctx context.Context) error {
	if _, ok := rs.offlineCauses[causeNoConnection]; ok {
		rs.onlineState.Set(OnlineStateOffline)

		return nil
	}

	return rs.enableNetworkInternal(ctx)
}

func (rs *RemoteStore) EnableNetwork(ctx context.Context) error {
	delete(rs.offlineCauses, causeUserDisabled)

	return rs.enableNetworkInternal(ctx)
}

func (rs *RemoteStore) enableNetworkInternal(ctx context.Context) error {
	if !rs.canUseNetwork() {
		return nil
	}

	token, err := rs.localStore.GetLastStreamToken(ctx)
	if err != nil {
		return rs.disableNetworkUntilRecovery(err)
	}

	rs.writeStream.LastStreamToken = token

	if rs.shouldStartWatchStream() {
		rs.startWatchStream()
	} else {
		rs.onlineState.Set(OnlineStateUnknown)
	}

	return rs.fillWritePipeline(ctx)
}

// DisableNetwork stops both streams and reports Offline until
// EnableNetwork.
func (rs *RemoteStore) DisableNetwork() {
	rs.offlineCauses[causeUserDisabled] = struct{}{}
	rs.disableNetworkInternal()
	rs.onlineState.Set(OnlineStateOffline)
}

func (rs *RemoteStore) disableNetworkInternal() {
	rs.writeStream.Stop()
	rs.watchStream.Stop()

	if len(rs.writePipeline) > 0 {
		rs.log.Debugw("Dropping pending writes from the pipeline", "count", len(rs.writePipeline))
		rs.writePipeline = nil
		rs.writeSentAt = make(map[int]time.Time)
	}

	rs.aggregator = nil
}

// Shutdown stops the network for good.
func (rs *RemoteStore) Shutdown() {
	rs.log.Debugw("Shutting down remote store")
	rs.offlineCauses[causeShutdown] = struct{}{}
	rs.disableNetworkInternal()
	rs.onlineState.Set(OnlineStateUnknown)
}

// disableNetworkUntilRecovery turns the network off after a persistence
// failure and returns err for the caller to report.
func (rs *RemoteStore) disableNetworkUntilRecovery(err error) error {
	if !errors.Is(err, standarderrors.ErrPersistence) {
		return err
	}

	rs.log.Errorw("Persistence failed, disabling network", "error", err)
	rs.offlineCauses[causePersistenceFailed] = struct{}{}
	rs.disableNetworkInternal()
	rs.onlineState.Set(OnlineStateOffline)

	return err
}

func (rs *RemoteStore) canUseNetwork() bool {
	return len(rs.offlineCauses) == 0
}

// CanUseNetwork reports whether nothing is keeping the store offline.
func (rs *RemoteStore) CanUseNetwork() bool {
	return rs.canUseNetwork()
}

func (rs *RemoteStore) OnlineState() OnlineState {
	return rs.onlineState.State()
}

// WriteLatency summarizes write round trips over the last LatencyWindow.
func (rs *RemoteStore) WriteLatency() Latency {
	return rs.latency.summary()
}

// PendingWrites is the number of batches in the write pipeline.
func (rs *RemoteStore) PendingWrites() int {
	return len(rs.writePipeline)
}

// Listen starts watching targetData. Listening twice to one id is a no-op.
func (rs *RemoteStore) Listen(targetData *persistence.TargetData) error {
	if _, ok := rs.listenTargets[targetData.TargetID]; ok {
		return nil
	}

	rs.listenTargets[targetData.TargetID] = targetData

	if rs.shouldStartWatchStream() {
		rs.startWatchStream()

		return nil
	}

	if rs.watchStream.IsOpen() {
		return rs.sendWatchRequest(targetData)
	}

	return nil
}

// Unlisten stops watching targetID.
func (rs *RemoteStore) Unlisten(targetID int) error {
	if _, ok := rs.listenTargets[targetID]; !ok {
		rs.log.Warnw("Unlisten for a target that is not listened to", "targetID", targetID)
	}

	delete(rs.listenTargets, targetID)

	if rs.watchStream.IsOpen() {
		if err := rs.sendUnwatchRequest(targetID); err != nil {
			return err
		}
	}

	if len(rs.listenTargets) == 0 {
		if rs.watchStream.IsOpen() {
			rs.watchStream.MarkIdle()
		} else if rs.canUseNetwork() {
			// Without targets there is no watch stream to judge the
			// connection by.
			rs.onlineState.Set(OnlineStateUnknown)
		}
	}

	return nil
}

// GetTargetDataForTarget implements TargetMetadataProvider.
func (rs *RemoteStore) GetTargetDataForTarget(targetID int) *persistence.TargetData {
	return rs.listenTargets[targetID]
}

// GetRemoteKeysForTarget implements TargetMetadataProvider.
func (rs *RemoteStore) GetRemoteKeysForTarget(targetID int) model.DocumentKeySet {
	return rs.syncer.GetRemoteKeysForTarget(targetID)
}

// DatabaseID implements TargetMetadataProvider.
func (rs *RemoteStore) DatabaseID() DatabaseID {
	return rs.cfg.DatabaseID
}

// sendWatchRequest watches targetData. A resumed target carries the number
// of documents we believe it has, so the backend can send an existence
// filter right away.
func (rs *RemoteStore) sendWatchRequest(targetData *persistence.TargetData) error {
	rs.aggregator.RecordPendingTargetRequest(targetData.TargetID)

	if len(targetData.ResumeToken) > 0 || targetData.SnapshotVersion.After(model.SnapshotVersionMin) {
		count := rs.GetRemoteKeysForTarget(targetData.TargetID).Len()
		targetData = targetData.WithExpectedCount(count)
	}

	return rs.watchStream.Watch(targetData)
}

func (rs *RemoteStore) sendUnwatchRequest(targetID int) error {
	rs.aggregator.RecordPendingTargetRequest(targetID)

	return rs.watchStream.Unwatch(targetID)
}

func (rs *RemoteStore) startWatchStream() {
	rs.aggregator = NewWatchChangeAggregator(rs, rs.log)
	rs.watchStream.Start()
	rs.onlineState.HandleWatchStreamStart()
}

func (rs *RemoteStore) shouldStartWatchStream() bool {
	return rs.canUseNetwork() && !rs.watchStream.IsStarted() && len(rs.listenTargets) > 0
}

func (rs *RemoteStore) OnWatchStreamOpen() error {
	for _, targetData := range rs.listenTargets {
		if err := rs.sendWatchRequest(targetData); err != nil {
			return err
		}
	}

	return nil
}

func (rs *RemoteStore) OnWatchStreamClose(err error) error {
	rs.aggregator = nil

	if rs.shouldStartWatchStream() {
		rs.onlineState.HandleWatchStreamFailure(err)
		rs.startWatchStream()
	} else {
		rs.onlineState.Set(OnlineStateUnknown)
	}

	return nil
}

func (rs *RemoteStore) OnWatchStreamChange(change WatchChange, snapshotVersion model.SnapshotVersion) error {
	// Any response proves the backend is reachable.
	rs.onlineState.Set(OnlineStateOnline)

	if rs.aggregator == nil {
		return nil
	}

	ctx := context.Background()

	if tc, ok := change.(*WatchTargetChange); ok && tc.State == WatchTargetRemoved && tc.Cause != nil {
		return rs.handleTargetError(ctx, tc)
	}

	switch c := change.(type) {
	case *DocumentWatchChange:
		rs.aggregator.HandleDocumentChange(c)
	case *ExistenceFilterChange:
		rs.aggregator.HandleExistenceFilter(c)
	case *WatchTargetChange:
		rs.aggregator.HandleTargetChange(c)
	}

	if snapshotVersion.IsMin() {
		return nil
	}

	last, err := rs.localStore.GetLastRemoteSnapshotVersion(ctx)
	if err != nil {
		return rs.disableNetworkUntilRecovery(err)
	}

	// Versions older than what we already applied come from a stream that
	// was reset and are not consistent yet.
	if !snapshotVersion.Before(last) {
		return rs.raiseWatchSnapshot(ctx, snapshotVersion)
	}

	return nil
}

// raiseWatchSnapshot hands a consistent snapshot to the sync engine and
// re-listens to targets whose existence filter failed.
func (rs *RemoteStore) raiseWatchSnapshot(ctx context.Context, snapshotVersion model.SnapshotVersion) error {
	event := rs.aggregator.CreateRemoteEvent(snapshotVersion)

	for targetID, change := range event.TargetChanges {
		if len(change.ResumeToken) == 0 {
			continue
		}

		if targetData, ok := rs.listenTargets[targetID]; ok {
			rs.listenTargets[targetID] = targetData.WithResumeToken(change.ResumeToken, snapshotVersion)
		}
	}

	for targetID, purpose := range event.TargetMismatches {
		targetData, ok := rs.listenTargets[targetID]
		if !ok {
			continue
		}

		// The token is known to be bad; the re-listen starts over.
		rs.listenTargets[targetID] = targetData.WithResumeToken(nil, targetData.SnapshotVersion)

		if err := rs.sendUnwatchRequest(targetID); err != nil {
			return err
		}

		request := persistence.NewTargetData(targetData.Target, targetID, purpose, targetData.SequenceNumber)
		if err := rs.sendWatchRequest(request); err != nil {
			return err
		}
	}

	if err := rs.syncer.ApplyRemoteEvent(ctx, event); err != nil {
		return rs.disableNetworkUntilRecovery(fmt.Errorf("failed to apply remote event: %w", err))
	}

	return nil
}

func (rs *RemoteStore) handleTargetError(ctx context.Context, change *WatchTargetChange) error {
	for _, targetID := range change.TargetIDs {
		if _, ok := rs.listenTargets[targetID]; !ok {
			continue
		}

		delete(rs.listenTargets, targetID)
		rs.aggregator.RemoveTarget(targetID)

		if err := rs.syncer.RejectListen(ctx, targetID, change.Cause); err != nil {
			return rs.disableNetworkUntilRecovery(err)
		}
	}

	return nil
}

// fillWritePipeline tops the pipeline up from the mutation queue and starts
// the write stream when there is something to send.
func (rs *RemoteStore) fillWritePipeline(ctx context.Context) error {
	lastBatchID := mutation.BatchIDUnknown
	if n := len(rs.writePipeline); n > 0 {
		lastBatchID = rs.writePipeline[n-1].BatchID
	}

	for rs.canAddToWritePipeline() {
		batch, err := rs.localStore.NextMutationBatch(ctx, lastBatchID)
		if err != nil {
			return rs.disableNetworkUntilRecovery(err)
		}

		if batch == nil {
			if len(rs.writePipeline) == 0 {
				rs.writeStream.MarkIdle()
			}

			break
		}

		if err := rs.addToWritePipeline(batch); err != nil {
			return err
		}

		lastBatchID = batch.BatchID
	}

	if rs.shouldStartWriteStream() {
		rs.writeStream.Start()
	}

	return nil
}

func (rs *RemoteStore) canAddToWritePipeline() bool {
	return rs.canUseNetwork() && len(rs.writePipeline) < rs.cfg.MaxPendingWrites
}

func (rs *RemoteStore) addToWritePipeline(batch *mutation.Batch) error {
	rs.writePipeline = append(rs.writePipeline, batch)

	if rs.writeStream.IsOpen() && rs.writeStream.HandshakeComplete() {
		return rs.writeBatch(batch)
	}

	return nil
}

func (rs *RemoteStore) writeBatch(batch *mutation.Batch) error {
	if _, ok := rs.writeSentAt[batch.BatchID]; !ok {
		rs.writeSentAt[batch.BatchID] = time.Now()
	}

	return rs.writeStream.WriteMutations(batch.Mutations)
}

func (rs *RemoteStore) shouldStartWriteStream() bool {
	return rs.canUseNetwork() && !rs.writeStream.IsStarted() && len(rs.writePipeline) > 0
}

func (rs *RemoteStore) OnWriteStreamOpen() error {
	return rs.writeStream.WriteHandshake()
}

// OnHandshakeComplete persists the fresh stream token and resends every
// batch in the pipeline.
func (rs *RemoteStore) OnHandshakeComplete() error {
	if err := rs.localStore.SetLastStreamToken(context.Background(), rs.writeStream.LastStreamToken); err != nil {
		return rs.disableNetworkUntilRecovery(err)
	}

	for _, batch := range rs.writePipeline {
		if err := rs.writeBatch(batch); err != nil {
			return err
		}
	}

	return nil
}

// OnMutationResult acknowledges the oldest batch in the pipeline.
func (rs *RemoteStore) OnMutationResult(commitVersion model.SnapshotVersion, results []mutation.Result) error {
	if len(rs.writePipeline) == 0 {
		return standarderrors.New(standarderrors.Internal, "got a write result with an empty pipeline")
	}

	batch := rs.writePipeline[0]
	rs.writePipeline = rs.writePipeline[1:]

	if sent, ok := rs.writeSentAt[batch.BatchID]; ok {
		rs.latency.record(time.Since(sent))
		delete(rs.writeSentAt, batch.BatchID)
	}

	result, err := mutation.NewBatchResult(batch, commitVersion, results, rs.writeStream.LastStreamToken)
	if err != nil {
		return standarderrors.Wrap(standarderrors.Internal, err, "malformed write result")
	}

	ctx := context.Background()
	if err := rs.syncer.ApplySuccessfulWrite(ctx, result); err != nil {
		return rs.disableNetworkUntilRecovery(err)
	}

	return rs.fillWritePipeline(ctx)
}

func (rs *RemoteStore) OnWriteStreamClose(err error) error {
	if err == nil {
		// Closed on purpose, for example when idle.
		return nil
	}

	ctx := context.Background()

	if len(rs.writePipeline) > 0 {
		var handleErr error
		if rs.writeStream.HandshakeComplete() {
			handleErr = rs.handleWriteError(ctx, err)
		} else {
			handleErr = rs.handleHandshakeError(ctx, err)
		}

		if handleErr != nil {
			return handleErr
		}
	}

	if rs.shouldStartWriteStream() {
		rs.writeStream.Start()
	}

	return nil
}

// handleHandshakeError forgets the stream token after a permanent
// handshake failure: the backend no longer accepts it.
func (rs *RemoteStore) handleHandshakeError(ctx context.Context, err error) error {
	if !backoff.IsPermanentError(backoff.CategorizeStreamError(err, false)) {
		return nil
	}

	rs.log.Debugw("Write stream handshake failed permanently, resetting stream token", "error", err)
	rs.writeStream.LastStreamToken = nil

	if err := rs.localStore.SetLastStreamToken(ctx, nil); err != nil {
		return rs.disableNetworkUntilRecovery(err)
	}

	return nil
}

// handleWriteError rejects the head batch on a permanent error. Transient
// errors leave the pipeline alone; the batches are resent after reconnect.
func (rs *RemoteStore) handleWriteError(ctx context.Context, err error) error {
	if !backoff.IsPermanentError(backoff.CategorizeStreamError(err, true)) {
		return nil
	}

	batch := rs.writePipeline[0]
	rs.writePipeline = rs.writePipeline[1:]
	delete(rs.writeSentAt, batch.BatchID)

	// The failure was the batch's fault, not the connection's.
	rs.writeStream.InhibitBackoff()

	rs.log.Infow("Write rejected by backend", "batchID", batch.BatchID, "error", err)

	if err := rs.syncer.RejectFailedWrite(ctx, batch.BatchID, err); err != nil {
		return rs.disableNetworkUntilRecovery(err)
	}

	return rs.fillWritePipeline(ctx)
}

// HandleNewPendingWrites is called by the sync engine after a local write.
func (rs *RemoteStore) HandleNewPendingWrites(ctx context.Context) error {
	return rs.fillWritePipeline(ctx)
}
