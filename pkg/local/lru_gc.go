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
	"container/heap"
	"time"

	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/metrics"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
)

const (
	// GCThresholdDisabled turns garbage collection off.
	GCThresholdDisabled int64 = -1

	DefaultCacheSizeThreshold              int64 = 40 * 1024 * 1024
	DefaultPercentileToCollect                   = 10
	DefaultMaximumSequenceNumbersToCollect       = 1000
)

// LruParams tunes the garbage collector.
type LruParams struct {
	// CacheSizeCollectionThreshold is the cache size in bytes below which
	// nothing is collected. GCThresholdDisabled turns collection off.
	CacheSizeCollectionThreshold int64

	// PercentileToCollect is the share of sequence numbers a pass considers.
	PercentileToCollect int

	// MaximumSequenceNumbersToCollect caps a single pass.
	MaximumSequenceNumbersToCollect int
}

func DefaultLruParams() LruParams {
	return LruParams{
		CacheSizeCollectionThreshold:    DefaultCacheSizeThreshold,
		PercentileToCollect:             DefaultPercentileToCollect,
		MaximumSequenceNumbersToCollect: DefaultMaximumSequenceNumbersToCollect,
	}
}

// Enabled reports whether collection can ever run.
func (p LruParams) Enabled() bool {
	return p.CacheSizeCollectionThreshold != GCThresholdDisabled
}

// LruResults reports what a collection pass removed.
type LruResults struct {
	DidRun                   bool
	SequenceNumbersCollected int
	TargetsRemoved           int
	DocumentsRemoved         int
}

// ReferenceDelegate is told whenever a document loses or gains a reference,
// so the garbage collector knows which documents may have become orphans.
type ReferenceDelegate interface {
	AddReference(txn persistence.Transaction, targetID int, key model.DocumentKey) error
	RemoveReference(txn persistence.Transaction, targetID int, key model.DocumentKey) error
	RemoveMutationReference(txn persistence.Transaction, key model.DocumentKey) error
	UpdateLimboDocument(txn persistence.Transaction, key model.DocumentKey) error
	RemoveTarget(txn persistence.Transaction, data *persistence.TargetData) error
}

// LruGarbageCollector removes the least recently used targets and the
// documents no longer referenced by anything. Every reference change stamps
// the document with the transaction's sequence number, so the lowest
// sequence numbers belong to the oldest data.
type LruGarbageCollector struct {
	params       LruParams
	targets      persistence.TargetCache
	documents    persistence.RemoteDocumentCache
	mutations    persistence.MutationQueue
	inMemoryPins *ReferenceSet
	log          *zap.SugaredLogger
}

var _ ReferenceDelegate = (*LruGarbageCollector)(nil)

// NewLruGarbageCollector returns a collector over p. Documents in pins are
// never collected.
func NewLruGarbageCollector(p persistence.Persistence, params LruParams, pins *ReferenceSet,
	log *zap.SugaredLogger,
) *LruGarbageCollector {
	if log == nil {
		panic("NewLruGarbageCollector: logger must not be nil")
	}

	return &LruGarbageCollector{
		params:       params,
		targets:      p.TargetCache(),
		documents:    p.RemoteDocumentCache(),
		mutations:    p.MutationQueue(),
		inMemoryPins: pins,
		log:          log,
	}
}

func (g *LruGarbageCollector) Params() LruParams { return g.params }

func (g *LruGarbageCollector) writeSentinel(txn persistence.Transaction, key model.DocumentKey) error {
	return g.targets.SetDocumentSequenceNumber(txn, key, txn.CurrentSequenceNumber())
}

func (g *LruGarbageCollector) AddReference(txn persistence.Transaction, _ int, key model.DocumentKey) error {
	return g.writeSentinel(txn, key)
}

func (g *LruGarbageCollector) RemoveReference(txn persistence.Transaction, _ int, key model.DocumentKey) error {
	return g.writeSentinel(txn, key)
}

func (g *LruGarbageCollector) RemoveMutationReference(txn persistence.Transaction, key model.DocumentKey) error {
	return g.writeSentinel(txn, key)
}

func (g *LruGarbageCollector) UpdateLimboDocument(txn persistence.Transaction, key model.DocumentKey) error {
	return g.writeSentinel(txn, key)
}

// RemoveTarget re-stamps data with the current sequence number, making the
// target eligible for collection once enough newer data exists.
func (g *LruGarbageCollector) RemoveTarget(txn persistence.Transaction, data *persistence.TargetData) error {
	return g.targets.UpdateTargetData(txn, data.WithSequenceNumber(txn.CurrentSequenceNumber()))
}

// Collect runs one pass if the cache is over the size threshold. Targets in
// activeTargetIDs are never removed.
func (g *LruGarbageCollector) Collect(txn persistence.Transaction, activeTargetIDs map[int]struct{}) (LruResults, error) {
	if !g.params.Enabled() {
		g.log.Debug("Garbage collection skipped; disabled")

		return LruResults{}, nil
	}

	size, err := g.documents.Size(txn)
	if err != nil {
		return LruResults{}, err
	}

	if size < g.params.CacheSizeCollectionThreshold {
		g.log.Debugw("Garbage collection skipped; cache size below threshold",
			"cacheSize", size,
			"threshold", g.params.CacheSizeCollectionThreshold)

		return LruResults{}, nil
	}

	return g.runGarbageCollection(txn, activeTargetIDs)
}

func (g *LruGarbageCollector) runGarbageCollection(txn persistence.Transaction,
	activeTargetIDs map[int]struct{},
) (LruResults, error) {
	start := time.Now()

	count, err := g.sequenceNumberCount(txn)
	if err != nil {
		return LruResults{}, err
	}

	n := count * g.params.PercentileToCollect / 100
	if n > g.params.MaximumSequenceNumbersToCollect {
		g.log.Infow("Capping sequence numbers to collect",
			"requested", n,
			"max", g.params.MaximumSequenceNumbersToCollect)

		n = g.params.MaximumSequenceNumbersToCollect
	}

	upperBound, err := g.nthSequenceNumber(txn, n)
	if err != nil {
		return LruResults{}, err
	}

	targetsRemoved, orphaned, err := g.targets.RemoveTargets(txn, upperBound, activeTargetIDs)
	if err != nil {
		return LruResults{}, err
	}

	// Documents of removed targets become candidates for a later pass.
	for key := range orphaned {
		if err := g.writeSentinel(txn, key); err != nil {
			return LruResults{}, err
		}
	}

	documentsRemoved, err := g.removeOrphanedDocuments(txn, upperBound)
	if err != nil {
		return LruResults{}, err
	}

	metrics.RecordGarbageCollection(targetsRemoved, documentsRemoved)

	g.log.Infow("LRU garbage collection finished",
		"sequenceNumbersCollected", n,
		"upperBound", upperBound,
		"targetsRemoved", targetsRemoved,
		"documentsRemoved", documentsRemoved,
		"duration", time.Since(start))

	return LruResults{
		DidRun:                   true,
		SequenceNumbersCollected: n,
		TargetsRemoved:           targetsRemoved,
		DocumentsRemoved:         documentsRemoved,
	}, nil
}

func (g *LruGarbageCollector) sequenceNumberCount(txn persistence.Transaction) (int, error) {
	targets, err := g.targets.TargetCount(txn)
	if err != nil {
		return 0, err
	}

	orphans := 0
	err = g.targets.ForEachDocumentSequenceNumber(txn, func(model.DocumentKey, persistence.ListenSequenceNumber) {
		orphans++
	})

	return targets + orphans, err
}

// nthSequenceNumber returns the n-th lowest sequence number over targets and
// orphan candidates, or ListenSequenceInvalid when n is zero.
func (g *LruGarbageCollector) nthSequenceNumber(txn persistence.Transaction, n int) (persistence.ListenSequenceNumber, error) {
	if n == 0 {
		return persistence.ListenSequenceInvalid, nil
	}

	buffer := newSequenceNumberBuffer(n)

	if err := g.targets.ForEachTarget(txn, func(data *persistence.TargetData) {
		buffer.add(data.SequenceNumber)
	}); err != nil {
		return 0, err
	}

	if err := g.targets.ForEachDocumentSequenceNumber(txn, func(_ model.DocumentKey, seq persistence.ListenSequenceNumber) {
		buffer.add(seq)
	}); err != nil {
		return 0, err
	}

	return buffer.max(), nil
}

func (g *LruGarbageCollector) removeOrphanedDocuments(txn persistence.Transaction,
	upperBound persistence.ListenSequenceNumber,
) (int, error) {
	var candidates []model.DocumentKey

	err := g.targets.ForEachDocumentSequenceNumber(txn, func(key model.DocumentKey, seq persistence.ListenSequenceNumber) {
		if seq <= upperBound {
			candidates = append(candidates, key)
		}
	})
	if err != nil {
		return 0, err
	}

	removed := 0

	for _, key := range candidates {
		pinned, err := g.isPinned(txn, key)
		if err != nil {
			return 0, err
		}

		if pinned {
			continue
		}

		if err := g.documents.Remove(txn, key); err != nil {
			return 0, err
		}

		if err := g.targets.RemoveDocumentSequenceNumber(txn, key); err != nil {
			return 0, err
		}

		removed++
	}

	return removed, nil
}

// isPinned reports whether key is still visible in a view, matched by a
// target, or written by a pending batch.
func (g *LruGarbageCollector) isPinned(txn persistence.Transaction, key model.DocumentKey) (bool, error) {
	if g.inMemoryPins != nil && g.inMemoryPins.ContainsKey(key) {
		return true, nil
	}

	inTarget, err := g.targets.ContainsKey(txn, key)
	if err != nil || inTarget {
		return inTarget, err
	}

	return g.mutations.ContainsKey(txn, key)
}

// sequenceNumberBuffer keeps the n lowest sequence numbers seen, as a max
// heap so the largest of them is evicted first.
type sequenceNumberBuffer struct {
	limit int
	heap  sequenceNumberHeap
}

func newSequenceNumberBuffer(limit int) *sequenceNumberBuffer {
	return &sequenceNumberBuffer{limit: limit, heap: make(sequenceNumberHeap, 0, limit)}
}

func (b *sequenceNumberBuffer) add(seq persistence.ListenSequenceNumber) {
	if len(b.heap) < b.limit {
		heap.Push(&b.heap, seq)

		return
	}

	if seq < b.heap[0] {
		b.heap[0] = seq
		heap.Fix(&b.heap, 0)
	}
}

func (b *sequenceNumberBuffer) max() persistence.ListenSequenceNumber {
	if len(b.heap) == 0 {
		return persistence.ListenSequenceInvalid
	}

	return b.heap[0]
}

type sequenceNumberHeap []persistence.ListenSequenceNumber

func (h sequenceNumberHeap) Len() int           { return len(h) }
func (h sequenceNumberHeap) Less(i, j int) bool { return h[i] > h[j] }
func (h sequenceNumberHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *sequenceNumberHeap) Push(x any) { *h = append(*h, x.(persistence.ListenSequenceNumber)) }

func (h *sequenceNumberHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]

	return x
}
