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

package memory

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
)

type mutationQueue struct {
	// batches is ordered by batch id.
	batches     []*mutation.Batch
	nextBatchID int
	streamToken []byte
}

func newMutationQueue() *mutationQueue {
	return &mutationQueue{nextBatchID: 1}
}

func (q *mutationQueue) AddMutationBatch(_ persistence.Transaction, localWriteTime model.Timestamp,
	baseMutations, mutations []mutation.Mutation) (*mutation.Batch, error) {
	if len(mutations) == 0 {
		return nil, persistence.Wrap("add mutation batch", fmt.Errorf("batch has no mutations"))
	}

	batch := &mutation.Batch{
		BatchID:        q.nextBatchID,
		LocalWriteTime: localWriteTime,
		BaseMutations:  baseMutations,
		Mutations:      mutations,
	}
	q.nextBatchID++
	q.batches = append(q.batches, batch)

	return batch, nil
}

func (q *mutationQueue) indexOf(batchID int) int {
	i := sort.Search(len(q.batches), func(i int) bool { return q.batches[i].BatchID >= batchID })
	if i < len(q.batches) && q.batches[i].BatchID == batchID {
		return i
	}

	return -1
}

func (q *mutationQueue) LookupMutationBatch(_ persistence.Transaction, batchID int) (*mutation.Batch, error) {
	if i := q.indexOf(batchID); i >= 0 {
		return q.batches[i], nil
	}

	return nil, nil
}

func (q *mutationQueue) GetNextMutationBatchAfterBatchID(_ persistence.Transaction, batchID int) (*mutation.Batch, error) {
	i := sort.Search(len(q.batches), func(i int) bool { return q.batches[i].BatchID > batchID })
	if i < len(q.batches) {
		return q.batches[i], nil
	}

	return nil, nil
}

func (q *mutationQueue) GetHighestUnacknowledgedBatchID(_ persistence.Transaction) (int, error) {
	if len(q.batches) == 0 {
		return mutation.BatchIDUnknown, nil
	}

	return q.batches[len(q.batches)-1].BatchID, nil
}

func (q *mutationQueue) GetAllMutationBatches(_ persistence.Transaction) ([]*mutation.Batch, error) {
	return append([]*mutation.Batch(nil), q.batches...), nil
}

func (q *mutationQueue) GetAllMutationBatchesAffectingDocumentKeys(_ persistence.Transaction,
	keys model.DocumentKeySet) ([]*mutation.Batch, error) {
	var out []*mutation.Batch

	for _, batch := range q.batches {
		for _, m := range batch.Mutations {
			if keys.Has(m.Key) {
				out = append(out, batch)

				break
			}
		}
	}

	return out, nil
}

func (q *mutationQueue) RemoveMutationBatch(_ persistence.Transaction, batch *mutation.Batch) error {
	i := q.indexOf(batch.BatchID)
	if i < 0 {
		return persistence.Wrap("remove mutation batch", fmt.Errorf("batch %d not found", batch.BatchID))
	}

	q.batches = append(q.batches[:i], q.batches[i+1:]...)

	return nil
}

func (q *mutationQueue) ContainsKey(_ persistence.Transaction, key model.DocumentKey) (bool, error) {
	for _, batch := range q.batches {
		for _, m := range batch.Mutations {
			if m.Key == key {
				return true, nil
			}
		}
	}

	return false, nil
}

func (q *mutationQueue) GetLastStreamToken(_ persistence.Transaction) ([]byte, error) {
	return bytes.Clone(q.streamToken), nil
}

func (q *mutationQueue) SetLastStreamToken(_ persistence.Transaction, token []byte) error {
	q.streamToken = bytes.Clone(token)

	return nil
}

func (q *mutationQueue) IsEmpty(_ persistence.Transaction) (bool, error) {
	return len(q.batches) == 0, nil
}
