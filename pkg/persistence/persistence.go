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

// Package persistence defines the storage contract of the sync engine: the
// remote document cache, the mutation queue, the overlay cache, the target
// cache and the collection parent index.
//
// Two backends implement it:
//   - memory: maps owned by the async queue, lost on restart
//   - sqlite: a WAL-mode sqlite file with embedded migrations
//
// Every cache method takes the Transaction it runs in. Callers obtain one from
// Persistence.RunTransaction and must not keep it after fn returns.
//
// Errors returned by a backend wrap standarderrors.ErrPersistence. The engine
// treats them as fatal.
package persistence

import (
	"context"
	"fmt"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

// ListenSequenceNumber orders target and document usage for LRU garbage
// collection. Every read-write transaction gets the next number.
type ListenSequenceNumber = int64

// ListenSequenceInvalid marks a sequence number that was never assigned.
const ListenSequenceInvalid ListenSequenceNumber = -1

// TxnMode selects what a transaction may do.
type TxnMode int

const (
	// ReadOnly transactions must not write. They do not advance the listen sequence.
	ReadOnly TxnMode = iota
	// ReadWrite transactions advance the listen sequence.
	ReadWrite
)

func (m TxnMode) String() string {
	if m == ReadOnly {
		return "readonly"
	}

	return "readwrite"
}

// Transaction is the handle cache methods run in.
type Transaction interface {
	Context() context.Context

	// CurrentSequenceNumber is the listen sequence number of a read-write
	// transaction, or ListenSequenceInvalid for a read-only one.
	CurrentSequenceNumber() ListenSequenceNumber

	// AddOnCommittedListener registers fn to run after a successful commit.
	AddOnCommittedListener(fn func())
}

// Persistence is a storage backend.
type Persistence interface {
	// Start opens the backend and loads the listen sequence.
	Start(ctx context.Context) error
	Shutdown() error
	Started() bool

	MutationQueue() MutationQueue
	TargetCache() TargetCache
	RemoteDocumentCache() RemoteDocumentCache
	DocumentOverlayCache() DocumentOverlayCache
	IndexManager() IndexManager

	// RunTransaction runs fn atomically. An error from fn aborts the
	// transaction and is returned unchanged.
	RunTransaction(ctx context.Context, action string, mode TxnMode, fn func(txn Transaction) error) error
}

// RemoteDocumentCache holds the last known server state of documents.
type RemoteDocumentCache interface {
	// Add stores doc, stamping it with readTime.
	Add(txn Transaction, doc *model.Document, readTime model.SnapshotVersion) error
	Remove(txn Transaction, key model.DocumentKey) error

	// Get returns a copy of the cached document, or an invalid document when
	// nothing is cached.
	Get(txn Transaction, key model.DocumentKey) (*model.Document, error)

	// GetAll returns an entry for every key, invalid for unknown ones.
	GetAll(txn Transaction, keys model.DocumentKeySet) (model.DocumentMap, error)

	// GetDocumentsMatchingQuery returns the found documents directly under
	// q.Path that were read after sinceReadTime and either match q or are
	// in mutatedKeys.
	GetDocumentsMatchingQuery(txn Transaction, q *query.Query, sinceReadTime model.SnapshotVersion,
		mutatedKeys model.DocumentKeySet) (model.DocumentMap, error)

	// Size estimates the bytes used by the cache.
	Size(txn Transaction) (int64, error)
}

// MutationQueue is the ordered list of batches not yet acknowledged by the
// backend. Batch ids are never reused.
type MutationQueue interface {
	AddMutationBatch(txn Transaction, localWriteTime model.Timestamp,
		baseMutations, mutations []mutation.Mutation) (*mutation.Batch, error)

	// LookupMutationBatch returns nil when the batch does not exist.
	LookupMutationBatch(txn Transaction, batchID int) (*mutation.Batch, error)

	// GetNextMutationBatchAfterBatchID returns the first batch with an id
	// greater than batchID, or nil.
	GetNextMutationBatchAfterBatchID(txn Transaction, batchID int) (*mutation.Batch, error)

	// GetHighestUnacknowledgedBatchID returns mutation.BatchIDUnknown when
	// the queue is empty.
	GetHighestUnacknowledgedBatchID(txn Transaction) (int, error)

	GetAllMutationBatches(txn Transaction) ([]*mutation.Batch, error)

	// GetAllMutationBatchesAffectingDocumentKeys returns the batches that
	// write any of keys, in batch id order.
	GetAllMutationBatchesAffectingDocumentKeys(txn Transaction, keys model.DocumentKeySet) ([]*mutation.Batch, error)

	RemoveMutationBatch(txn Transaction, batch *mutation.Batch) error

	// ContainsKey reports whether any batch writes key.
	ContainsKey(txn Transaction, key model.DocumentKey) (bool, error)

	GetLastStreamToken(txn Transaction) ([]byte, error)
	SetLastStreamToken(txn Transaction, token []byte) error

	IsEmpty(txn Transaction) (bool, error)
}

// DocumentOverlayCache holds one overlay mutation per locally modified key.
type DocumentOverlayCache interface {
	// GetOverlay returns nil when key has no overlay.
	GetOverlay(txn Transaction, key model.DocumentKey) (*mutation.Overlay, error)
	GetOverlays(txn Transaction, keys model.DocumentKeySet) (map[model.DocumentKey]*mutation.Overlay, error)

	// SaveOverlays stores one overlay per key, tagged with largestBatchID.
	// A nil mutation removes the key's overlay.
	SaveOverlays(txn Transaction, largestBatchID int, overlays map[model.DocumentKey]*mutation.Mutation) error

	// RemoveOverlaysForBatchID removes the overlays of keys written last by batchID.
	RemoveOverlaysForBatchID(txn Transaction, keys model.DocumentKeySet, batchID int) error

	// GetOverlaysForCollection returns the overlays of documents directly
	// under collection whose largest batch id is above sinceBatchID.
	GetOverlaysForCollection(txn Transaction, collection model.ResourcePath, sinceBatchID int) (map[model.DocumentKey]*mutation.Overlay, error)
}

// TargetCache persists listened targets, the documents matching them, and
// the per-document sequence numbers of orphan candidates.
type TargetCache interface {
	// GetTargetData looks target up by canonical id. It returns nil when the
	// target was never persisted.
	GetTargetData(txn Transaction, target *query.Target) (*TargetData, error)

	// AllocateTargetID returns the next even target id.
	AllocateTargetID(txn Transaction) (int, error)

	AddTargetData(txn Transaction, data *TargetData) error
	UpdateTargetData(txn Transaction, data *TargetData) error
	RemoveTargetData(txn Transaction, data *TargetData) error

	// RemoveTargets deletes every target with a sequence number at or below
	// upperBound that is not in activeIDs, together with its matching keys.
	// It returns the number of targets removed and the keys they matched.
	RemoveTargets(txn Transaction, upperBound ListenSequenceNumber, activeIDs map[int]struct{}) (int, model.DocumentKeySet, error)

	ForEachTarget(txn Transaction, fn func(data *TargetData)) error

	GetLastRemoteSnapshotVersion(txn Transaction) (model.SnapshotVersion, error)
	GetHighestSequenceNumber(txn Transaction) (ListenSequenceNumber, error)

	// SetTargetsMetadata records the highest sequence number used and the
	// last global snapshot received.
	SetTargetsMetadata(txn Transaction, highestSequenceNumber ListenSequenceNumber, lastRemoteSnapshotVersion model.SnapshotVersion) error

	TargetCount(txn Transaction) (int, error)

	AddMatchingKeys(txn Transaction, keys model.DocumentKeySet, targetID int) error
	RemoveMatchingKeys(txn Transaction, keys model.DocumentKeySet, targetID int) error
	RemoveMatchingKeysForTargetID(txn Transaction, targetID int) error
	GetMatchingKeysForTargetID(txn Transaction, targetID int) (model.DocumentKeySet, error)

	// ContainsKey reports whether any target matches key.
	ContainsKey(txn Transaction, key model.DocumentKey) (bool, error)

	// SetDocumentSequenceNumber records that key became an orphan candidate at seq.
	SetDocumentSequenceNumber(txn Transaction, key model.DocumentKey, seq ListenSequenceNumber) error
	RemoveDocumentSequenceNumber(txn Transaction, key model.DocumentKey) error
	ForEachDocumentSequenceNumber(txn Transaction, fn func(key model.DocumentKey, seq ListenSequenceNumber)) error
}

// IndexManager records which parent paths contain a collection id, which
// collection group queries need to fan out.
type IndexManager interface {
	AddToCollectionParentIndex(txn Transaction, collectionPath model.ResourcePath) error
	GetCollectionParents(txn Transaction, collectionID string) ([]model.ResourcePath, error)
}

// Wrap marks err as a persistence failure in op.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %s: %w", standarderrors.ErrPersistence, op, err)
}
