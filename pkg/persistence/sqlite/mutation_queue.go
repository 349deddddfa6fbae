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

package sqlite

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
)

type mutationQueue struct {
	queries *queries
}

type batchRow struct {
	BatchID  int    `db:"batch_id"`
	Contents []byte `db:"contents"`
}

func (r batchRow) decode() (*mutation.Batch, error) {
	batch := &mutation.Batch{}
	if err := decodeBlob(r.Contents, batch); err != nil {
		return nil, persistence.Wrap("decode mutation batch", err)
	}

	batch.BatchID = r.BatchID

	return batch, nil
}

// AddMutationBatch takes the batch id from the row id. AUTOINCREMENT never
// hands out an id twice, even after the queue drains.
func (q *mutationQueue) AddMutationBatch(txn persistence.Transaction, localWriteTime model.Timestamp,
	baseMutations, mutations []mutation.Mutation) (*mutation.Batch, error) {
	if len(mutations) == 0 {
		return nil, persistence.Wrap("add mutation batch", fmt.Errorf("batch has no mutations"))
	}

	tx := sqlTx(txn)
	batch := &mutation.Batch{
		LocalWriteTime: localWriteTime,
		BaseMutations:  baseMutations,
		Mutations:      mutations,
	}

	// The row is written twice so the stored blob carries its own id.
	placeholder, err := encodeBlob(batch)
	if err != nil {
		return nil, persistence.Wrap("encode mutation batch", err)
	}

	res, err := q.queries.exec(tx, "insert-mutation-batch", placeholder)
	if err != nil {
		return nil, persistence.Wrap("add mutation batch", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, persistence.Wrap("add mutation batch", err)
	}

	batch.BatchID = int(id)

	blob, err := encodeBlob(batch)
	if err != nil {
		return nil, persistence.Wrap("encode mutation batch", err)
	}

	if _, err := q.queries.exec(tx, "update-mutation-batch", blob, batch.BatchID); err != nil {
		return nil, persistence.Wrap("add mutation batch", err)
	}

	for key := range batch.Keys() {
		if _, err := q.queries.exec(tx, "insert-document-mutation", key.String(), batch.BatchID); err != nil {
			return nil, persistence.Wrap("index mutation batch", err)
		}
	}

	return batch, nil
}

func (q *mutationQueue) lookup(txn persistence.Transaction, name string, arg int) (*mutation.Batch, error) {
	var row batchRow

	err := q.queries.get(sqlTx(txn), name, &row, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, persistence.Wrap("lookup mutation batch", err)
	}

	return row.decode()
}

func (q *mutationQueue) LookupMutationBatch(txn persistence.Transaction, batchID int) (*mutation.Batch, error) {
	return q.lookup(txn, "get-mutation-batch", batchID)
}

func (q *mutationQueue) GetNextMutationBatchAfterBatchID(txn persistence.Transaction, batchID int) (*mutation.Batch, error) {
	return q.lookup(txn, "get-next-mutation-batch", batchID)
}

func (q *mutationQueue) GetHighestUnacknowledgedBatchID(txn persistence.Transaction) (int, error) {
	var id int
	if err := q.queries.get(sqlTx(txn), "get-highest-batch-id", &id); err != nil {
		return 0, persistence.Wrap("read highest batch id", err)
	}

	if id < 0 {
		return mutation.BatchIDUnknown, nil
	}

	return id, nil
}

func (q *mutationQueue) GetAllMutationBatches(txn persistence.Transaction) ([]*mutation.Batch, error) {
	var rows []batchRow
	if err := q.queries.sel(sqlTx(txn), "list-mutation-batches", &rows); err != nil {
		return nil, persistence.Wrap("list mutation batches", err)
	}

	out := make([]*mutation.Batch, 0, len(rows))

	for _, row := range rows {
		batch, err := row.decode()
		if err != nil {
			return nil, err
		}

		out = append(out, batch)
	}

	return out, nil
}

func (q *mutationQueue) GetAllMutationBatchesAffectingDocumentKeys(txn persistence.Transaction,
	keys model.DocumentKeySet) ([]*mutation.Batch, error) {
	tx := sqlTx(txn)
	ids := make(map[int]struct{})

	for key := range keys {
		var batchIDs []int
		if err := q.queries.sel(tx, "list-batch-ids-for-document", &batchIDs, key.String()); err != nil {
			return nil, persistence.Wrap("list batches for document", err)
		}

		for _, id := range batchIDs {
			ids[id] = struct{}{}
		}
	}

	if len(ids) == 0 {
		return nil, nil
	}

	all, err := q.GetAllMutationBatches(txn)
	if err != nil {
		return nil, err
	}

	var out []*mutation.Batch

	for _, batch := range all {
		if _, ok := ids[batch.BatchID]; ok {
			out = append(out, batch)
		}
	}

	return out, nil
}

func (q *mutationQueue) RemoveMutationBatch(txn persistence.Transaction, batch *mutation.Batch) error {
	tx := sqlTx(txn)

	res, err := q.queries.exec(tx, "delete-mutation-batch", batch.BatchID)
	if err != nil {
		return persistence.Wrap("remove mutation batch", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return persistence.Wrap("remove mutation batch", fmt.Errorf("batch %d not found", batch.BatchID))
	}

	if _, err := q.queries.exec(tx, "delete-document-mutations-for-batch", batch.BatchID); err != nil {
		return persistence.Wrap("remove mutation batch", err)
	}

	return nil
}

func (q *mutationQueue) ContainsKey(txn persistence.Transaction, key model.DocumentKey) (bool, error) {
	var exists bool
	if err := q.queries.get(sqlTx(txn), "document-has-mutations", &exists, key.String()); err != nil {
		return false, persistence.Wrap("check document mutations", err)
	}

	return exists, nil
}

func (q *mutationQueue) GetLastStreamToken(txn persistence.Transaction) ([]byte, error) {
	var token []byte
	if err := q.queries.get(sqlTx(txn), "get-last-stream-token", &token); err != nil {
		return nil, persistence.Wrap("read stream token", err)
	}

	return token, nil
}

func (q *mutationQueue) SetLastStreamToken(txn persistence.Transaction, token []byte) error {
	if _, err := q.queries.exec(sqlTx(txn), "set-last-stream-token", bytes.Clone(token)); err != nil {
		return persistence.Wrap("write stream token", err)
	}

	return nil
}

func (q *mutationQueue) IsEmpty(txn persistence.Transaction) (bool, error) {
	var count int
	if err := q.queries.get(sqlTx(txn), "count-mutation-batches", &count); err != nil {
		return false, persistence.Wrap("count mutation batches", err)
	}

	return count == 0, nil
}
