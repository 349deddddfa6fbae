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

// Package engine is the public handle of docsync. An Engine owns one async
// queue, one persistence backend and the local store, remote store, sync
// engine and event manager built over them. Every public method runs its
// work on the queue and is safe to call from any goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/asyncqueue"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/config"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/core"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/local"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/logger"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/remote"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/sentry"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

// Engine is a running docsync instance.
type Engine struct {
	id  string
	cfg config.FullConfig
	log *zap.SugaredLogger

	queue       *asyncqueue.Queue
	persistence persistence.Persistence
	localStore  *local.LocalStore
	remoteStore *remote.RemoteStore
	syncEngine  *core.SyncEngine
	events      *core.EventManager
	gcScheduler *local.LruScheduler

	// onlineState mirrors the sync engine's state for callers off the queue.
	onlineState atomic.Int32
	terminated  atomic.Bool

	failedMu sync.Mutex
	failed   error

	registrationsMu sync.Mutex
	registrations   map[*ListenerRegistration]struct{}
}

// New builds an engine over p and conn and starts it. A nil conn runs the
// engine offline. p must not be started yet or be used by anything else.
func New(ctx context.Context, cfg config.FullConfig, p persistence.Persistence, conn remote.Connection, log *zap.SugaredLogger) (*Engine, error) {
	if log == nil {
		panic("engine.New: logger must not be nil")
	}

	if p == nil {
		return nil, errors.New("engine.New: persistence must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	id := uuid.NewString()
	log = log.With("engine", id)

	e := &Engine{
		id:            id,
		cfg:           cfg.Clone(),
		log:           log,
		queue:         asyncqueue.New(log.Named(logger.ComponentAsyncQueue)),
		persistence:   p,
		registrations: make(map[*ListenerRegistration]struct{}),
	}
	e.onlineState.Store(int32(remote.OnlineStateUnknown))
	e.queue.SetFailureHandler(e.fail)

	lruParams := lruParamsFromConfig(cfg.GC)
	e.localStore = local.NewLocalStore(p, lruParams, log.Named(logger.ComponentLocalStore))
	e.remoteStore = remote.NewRemoteStore(e.localStore, conn, e.queue, remoteStoreConfig(cfg),
		e.handleOnlineStateChange, log.Named(logger.ComponentRemoteStore))
	e.syncEngine = core.NewSyncEngine(e.localStore, e.remoteStore, cfg.Sync.MaxConcurrentLimboResolutions,
		log.Named(logger.ComponentSyncEngine))
	e.events = core.NewEventManager(e.syncEngine, log.Named(logger.ComponentEventManager))
	e.syncEngine.SetViewHandler(e.events)
	e.remoteStore.SetSyncer(e.syncEngine)
	e.gcScheduler = local.NewLruScheduler(e.queue, e.localStore, lruParams, cfg.GC.InitialDelay, cfg.GC.Interval,
		log.Named(logger.ComponentGarbageCollector))

	err := e.queue.Enqueue(ctx, func() error {
		if err := e.localStore.Start(ctx); err != nil {
			return fmt.Errorf("failed to start local store: %w", err)
		}

		if err := e.remoteStore.Start(ctx); err != nil {
			return fmt.Errorf("failed to start remote store: %w", err)
		}

		e.gcScheduler.Start()

		return nil
	})
	if err != nil {
		_ = e.queue.Shutdown(context.WithoutCancel(ctx))

		if p.Started() {
			_ = p.Shutdown()
		}

		return nil, err
	}

	log.Infow("Engine started", "project", cfg.Database.ProjectID, "database", cfg.Database.DatabaseID,
		"store", cfg.Store.Kind, "online", conn != nil)

	return e, nil
}

func lruParamsFromConfig(gc config.GCConfig) local.LruParams {
	return local.LruParams{
		CacheSizeCollectionThreshold:    gc.CacheSizeThreshold,
		PercentileToCollect:             gc.PercentileToCollect,
		MaximumSequenceNumbersToCollect: gc.MaxSequenceNumbers,
	}
}

func remoteStoreConfig(cfg config.FullConfig) remote.RemoteStoreConfig {
	rc := remote.DefaultRemoteStoreConfig(remote.DatabaseID{
		ProjectID: cfg.Database.ProjectID,
		Database:  cfg.Database.DatabaseID,
	})
	rc.MaxPendingWrites = cfg.Sync.MaxPendingWrites
	rc.OnlineStateTimeout = cfg.Timeouts.OnlineState
	rc.Stream.IdleTimeout = cfg.Timeouts.StreamIdle
	rc.Stream.HealthyTimeout = cfg.Timeouts.StreamHealthy
	rc.Stream.Backoff = cfg.Backoff

	return rc
}

// ID identifies this engine instance in logs.
func (e *Engine) ID() string {
	return e.id
}

// Config returns a copy of the configuration the engine was built with.
func (e *Engine) Config() config.FullConfig {
	return e.cfg.Clone()
}

// OnlineState is the last online state the sync engine saw.
func (e *Engine) OnlineState() remote.OnlineState {
	return remote.OnlineState(e.onlineState.Load())
}

func (e *Engine) handleOnlineStateChange(state remote.OnlineState) {
	e.onlineState.Store(int32(state))
	e.syncEngine.ApplyOnlineStateChange(state)
}

// fail moves the engine into the failed state. Fire-and-forget operations
// that error out end up here. Such errors come from persistence, and after
// one the cached state can no longer be trusted.
func (e *Engine) fail(err error) {
	e.failedMu.Lock()
	first := e.failed == nil
	if first {
		e.failed = err
	}
	e.failedMu.Unlock()

	if !first {
		return
	}

	sentry.ReportPersistenceFatal(e.log, "async operation", err)
	e.queue.EnterRestrictedMode()
}

// Err returns the error that failed the engine, or nil.
func (e *Engine) Err() error {
	e.failedMu.Lock()
	defer e.failedMu.Unlock()

	return e.failed
}

// run executes fn on the queue. fn keeps running to completion even when
// ctx ends first, so engine state stays consistent.
func (e *Engine) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := e.checkUsable(); err != nil {
		return err
	}

	opCtx := context.WithoutCancel(ctx)

	err := e.queue.Enqueue(ctx, func() error { return fn(opCtx) })
	if errors.Is(err, standarderrors.ErrQueueShutdown) {
		if usable := e.checkUsable(); usable != nil {
			return usable
		}
	}

	return err
}

func (e *Engine) checkUsable() error {
	if e.terminated.Load() {
		return standarderrors.Wrap(standarderrors.FailedPrecondition, standarderrors.ErrEngineTerminated,
			"the engine has been terminated")
	}

	if failed := e.Err(); failed != nil {
		return standarderrors.Wrap(standarderrors.FailedPrecondition, standarderrors.ErrEngineFailed,
			"the engine failed: %v", failed)
	}

	return nil
}

// EnableNetwork reconnects the streams after DisableNetwork.
func (e *Engine) EnableNetwork(ctx context.Context) error {
	return e.run(ctx, func(ctx context.Context) error {
		return e.remoteStore.EnableNetwork(ctx)
	})
}

// DisableNetwork closes the streams and reports the engine offline. Writes
// keep queueing locally.
func (e *Engine) DisableNetwork(ctx context.Context) error {
	return e.run(ctx, func(context.Context) error {
		e.remoteStore.DisableNetwork()

		return nil
	})
}

// CollectGarbage runs one LRU pass now.
func (e *Engine) CollectGarbage(ctx context.Context) (local.LruResults, error) {
	var results local.LruResults

	err := e.run(ctx, func(ctx context.Context) error {
		var err error
		results, err = e.localStore.CollectGarbage(ctx)

		return err
	})

	return results, err
}

// Terminate stops the engine. Outstanding writes and pending-writes waiters
// fail with a Cancelled error, listeners stop receiving events and the
// persistence is closed. Calling it again is a no-op.
func (e *Engine) Terminate(ctx context.Context) error {
	if !e.terminated.CompareAndSwap(false, true) {
		return nil
	}

	e.log.Info("Terminating engine")

	e.queue.EnterRestrictedMode()

	var shutdownErr error

	err := e.queue.EnqueueEvenWhileRestricted(ctx, func() error {
		e.remoteStore.Shutdown()
		e.gcScheduler.Stop()
		e.syncEngine.FailPendingCallbacks(standarderrors.Wrap(standarderrors.Cancelled,
			standarderrors.ErrEngineTerminated, "the engine was terminated"))

		shutdownErr = e.localStore.Shutdown()

		return nil
	})
	if err != nil && !errors.Is(err, standarderrors.ErrQueueShutdown) {
		return fmt.Errorf("failed to shut down engine components: %w", err)
	}

	if err := e.queue.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop async queue: %w", err)
	}

	e.registrationsMu.Lock()
	regs := make([]*ListenerRegistration, 0, len(e.registrations))
	for r := range e.registrations {
		regs = append(regs, r)
	}
	e.registrations = make(map[*ListenerRegistration]struct{})
	e.registrationsMu.Unlock()

	for _, r := range regs {
		r.observer.mute()
	}

	if shutdownErr != nil {
		return fmt.Errorf("failed to close persistence: %w", shutdownErr)
	}

	e.log.Info("Engine terminated")

	return nil
}
