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

// Package memory provides an in-memory implementation of persistence.Persistence.
//
// It is meant for tests and for clients that do not need their cache to
// survive a restart. All data lives in Go maps.
//
// # Thread Safety
//
// Transactions are serialized by a mutex. The engine already runs every
// transaction on its async queue, so the mutex only matters for tools that
// use the backend directly.
//
// # Transaction Isolation
//
// Writes are applied immediately and are not rolled back when fn returns an
// error. Engine code treats any persistence error as fatal, so a partially
// applied transaction is never read again.
//
// # Data Isolation
//
// Documents are deep-copied on the way in and out, so callers can modify
// what they read without touching the cache.
package memory

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
)

// Persistence is the in-memory backend.
type Persistence struct {
	mu sync.Mutex

	started bool
	seq     *persistence.ListenSequence

	remoteDocuments *remoteDocumentCache
	mutations       *mutationQueue
	overlays        *overlayCache
	targets         *targetCache
	index           *indexManager

	logger *zap.SugaredLogger
}

var _ persistence.Persistence = (*Persistence)(nil)

// New creates an empty, unstarted backend.
func New(logger *zap.SugaredLogger) *Persistence {
	if logger == nil {
		panic("memory.New: logger must not be nil")
	}

	return &Persistence{
		remoteDocuments: newRemoteDocumentCache(),
		mutations:       newMutationQueue(),
		overlays:        newOverlayCache(),
		targets:         newTargetCache(),
		index:           newIndexManager(),
		logger:          logger,
	}
}

func (p *Persistence) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	p.seq = persistence.NewListenSequence(p.targets.highestSequenceNumber)
	p.started = true

	p.logger.Debugw("Memory persistence started", "highestSequenceNumber", p.seq.Current())

	return nil
}

func (p *Persistence) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.started = false

	return nil
}

func (p *Persistence) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.started
}

func (p *Persistence) MutationQueue() persistence.MutationQueue             { return p.mutations }
func (p *Persistence) TargetCache() persistence.TargetCache                 { return p.targets }
func (p *Persistence) RemoteDocumentCache() persistence.RemoteDocumentCache { return p.remoteDocuments }
func (p *Persistence) DocumentOverlayCache() persistence.DocumentOverlayCache {
	return p.overlays
}
func (p *Persistence) IndexManager() persistence.IndexManager { return p.index }

// RunTransaction runs fn under the backend mutex.
func (p *Persistence) RunTransaction(ctx context.Context, action string, mode persistence.TxnMode,
	fn func(txn persistence.Transaction) error) error {
	p.mu.Lock()

	if !p.started {
		p.mu.Unlock()

		return persistence.Wrap(action, errors.New("persistence is not started"))
	}

	t := &transaction{ctx: ctx, seq: persistence.ListenSequenceInvalid}
	if mode == persistence.ReadWrite {
		t.seq = p.seq.Next()
	}

	err := fn(t)
	p.mu.Unlock()

	if err != nil {
		p.logger.Debugw("Transaction failed", "action", action, "error", err)

		return err
	}

	for _, listener := range t.listeners {
		listener()
	}

	return nil
}

type transaction struct {
	ctx       context.Context
	seq       persistence.ListenSequenceNumber
	listeners []func()
}

func (t *transaction) Context() context.Context { return t.ctx }

func (t *transaction) CurrentSequenceNumber() persistence.ListenSequenceNumber { return t.seq }

func (t *transaction) AddOnCommittedListener(fn func()) {
	t.listeners = append(t.listeners, fn)
}
