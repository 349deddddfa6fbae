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

package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/core"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

// PendingWrite is a committed batch waiting for the backend's verdict.
type PendingWrite struct {
	// BatchID is the id the local store gave the batch.
	BatchID int

	done chan struct{}
	once sync.Once
	err  error
}

func newPendingWrite() *PendingWrite {
	return &PendingWrite{BatchID: mutation.BatchIDUnknown, done: make(chan struct{})}
}

func (w *PendingWrite) resolve(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

// Done is closed once the batch is acknowledged or rejected.
func (w *PendingWrite) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the backend accepts the batch, which returns nil, or
// rejects it, which returns the rejection. A rejected batch is already rolled
// back locally when Wait returns.
func (w *PendingWrite) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Commit applies mutations atomically as one batch. It returns once the batch
// is persisted locally, so reads and listeners see it right away. The batch
// is sent to the backend in the background.
func (e *Engine) Commit(ctx context.Context, mutations ...mutation.Mutation) (*PendingWrite, error) {
	if len(mutations) == 0 {
		return nil, standarderrors.New(standarderrors.InvalidArgument, "a commit needs at least one mutation")
	}

	for _, m := range mutations {
		if err := m.Validate(); err != nil {
			return nil, standarderrors.Wrap(standarderrors.InvalidArgument, err, "invalid mutation for %s", m.Key)
		}
	}

	pw := newPendingWrite()

	err := e.run(ctx, func(ctx context.Context) error {
		batchID, err := e.syncEngine.Write(ctx, mutations, pw.resolve)
		pw.BatchID = batchID

		return err
	})
	if err != nil {
		// On a context error the operation may still be running, so BatchID
		// is not ours to read yet.
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, err
		}

		if errors.Is(err, standarderrors.ErrLocalPreconditionFailed) || pw.BatchID == mutation.BatchIDUnknown {
			return nil, err
		}

		// The batch is persisted but sending it failed. The engine retries
		// on its own, so the write is still pending.
		e.log.Warnw("Batch written locally but not handed to the remote store", "batchID", pw.BatchID, "error", err)
	}

	return pw, nil
}

// GetDocument reads key from the local cache with pending writes applied.
// A document known to be missing comes back as a NoDocument. When the cache
// knows nothing about key the error has code Unavailable.
func (e *Engine) GetDocument(ctx context.Context, key model.DocumentKey) (*model.Document, error) {
	var doc *model.Document

	err := e.run(ctx, func(ctx context.Context) error {
		var err error
		doc, err = e.localStore.ReadDocument(ctx, key)

		return err
	})
	if err != nil {
		return nil, err
	}

	if doc.IsFoundDocument() || doc.IsNoDocument() {
		return doc, nil
	}

	return nil, standarderrors.New(standarderrors.Unavailable,
		"failed to get document %s from cache: the document is not cached and the engine is offline or has not seen it", key)
}

// GetDocuments runs q against the local cache. The snapshot is sorted and
// limited like a listener's and is always marked as from cache.
func (e *Engine) GetDocuments(ctx context.Context, q *query.Query) (*core.ViewSnapshot, error) {
	if err := q.Validate(); err != nil {
		return nil, standarderrors.Wrap(standarderrors.InvalidArgument, err, "invalid query")
	}

	var snapshot *core.ViewSnapshot

	err := e.run(ctx, func(ctx context.Context) error {
		result, err := e.localStore.ExecuteQuery(ctx, q, true)
		if err != nil {
			return err
		}

		view := core.NewView(q, result.RemoteKeys)
		changes := view.ComputeDocChanges(result.Documents, nil)
		snapshot = view.ApplyChanges(changes, false, nil, false).Snapshot

		return nil
	})
	if err != nil {
		return nil, err
	}

	if snapshot == nil {
		snapshot = core.FromInitialDocuments(q, model.NewDocumentSet(q.Comparator()), model.NewDocumentKeySet(), true, false)
	}

	return snapshot, nil
}

// WaitForPendingWrites blocks until every batch committed before the call is
// acknowledged or rejected. It does not report rejections, only that the
// batches are settled. While the network is disabled it keeps waiting.
func (e *Engine) WaitForPendingWrites(ctx context.Context) error {
	done := make(chan error, 1)

	err := e.run(ctx, func(ctx context.Context) error {
		return e.syncEngine.RegisterPendingWritesCallback(ctx, func(err error) { done <- err })
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
