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
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
)

type targetCache struct {
	queries *queries
}

type targetRow struct {
	TargetID       int    `db:"target_id"`
	SequenceNumber int64  `db:"sequence_number"`
	Contents       []byte `db:"contents"`
}

func (r targetRow) decode() (*persistence.TargetData, error) {
	data := &persistence.TargetData{}
	if err := decodeBlob(r.Contents, data); err != nil {
		return nil, persistence.Wrap("decode target data", err)
	}

	return data, nil
}

// targetGlobals is the single row of target_globals.
type targetGlobals struct {
	HighestTargetID           int   `db:"highest_target_id"`
	HighestSequenceNumber     int64 `db:"highest_sequence_number"`
	LastRemoteSnapshotSeconds int64 `db:"last_remote_snapshot_seconds"`
	LastRemoteSnapshotNanos   int32 `db:"last_remote_snapshot_nanos"`
}

func (c *targetCache) globals(txn persistence.Transaction) (targetGlobals, error) {
	var g targetGlobals
	if err := c.queries.get(sqlTx(txn), "get-target-globals", &g); err != nil {
		return g, persistence.Wrap("read target globals", err)
	}

	return g, nil
}

// GetTargetData looks up by canonical id first. Different targets may share
// one, so every candidate is compared in full.
func (c *targetCache) GetTargetData(txn persistence.Transaction, target *query.Target) (*persistence.TargetData, error) {
	var rows []targetRow
	if err := c.queries.sel(sqlTx(txn), "list-targets-by-canonical-id", &rows, target.CanonicalID()); err != nil {
		return nil, persistence.Wrap("get target data", err)
	}

	for _, row := range rows {
		data, err := row.decode()
		if err != nil {
			return nil, err
		}

		if data.Target.Equal(target) {
			return data, nil
		}
	}

	return nil, nil
}

func (c *targetCache) AllocateTargetID(txn persistence.Transaction) (int, error) {
	g, err := c.globals(txn)
	if err != nil {
		return 0, err
	}

	id := g.HighestTargetID + 2

	if _, err := c.queries.exec(sqlTx(txn), "set-highest-target-id", id); err != nil {
		return 0, persistence.Wrap("allocate target id", err)
	}

	return id, nil
}

func (c *targetCache) save(txn persistence.Transaction, data *persistence.TargetData) error {
	tx := sqlTx(txn)

	blob, err := encodeBlob(data)
	if err != nil {
		return persistence.Wrap("encode target data", err)
	}

	if _, err := c.queries.exec(tx, "upsert-target",
		data.TargetID, data.Target.CanonicalID(), data.SequenceNumber, blob); err != nil {
		return persistence.Wrap("save target data", err)
	}

	if _, err := c.queries.exec(tx, "set-highest-target-id", data.TargetID); err != nil {
		return persistence.Wrap("save target data", err)
	}

	if _, err := c.queries.exec(tx, "raise-highest-sequence-number", data.SequenceNumber); err != nil {
		return persistence.Wrap("save target data", err)
	}

	return nil
}

func (c *targetCache) AddTargetData(txn persistence.Transaction, data *persistence.TargetData) error {
	return c.save(txn, data)
}

func (c *targetCache) UpdateTargetData(txn persistence.Transaction, data *persistence.TargetData) error {
	return c.save(txn, data)
}

func (c *targetCache) RemoveTargetData(txn persistence.Transaction, data *persistence.TargetData) error {
	if _, err := c.queries.exec(sqlTx(txn), "delete-target", data.TargetID); err != nil {
		return persistence.Wrap("remove target data", err)
	}

	return c.RemoveMatchingKeysForTargetID(txn, data.TargetID)
}

func (c *targetCache) RemoveTargets(txn persistence.Transaction, upperBound persistence.ListenSequenceNumber,
	activeIDs map[int]struct{}) (int, model.DocumentKeySet, error) {
	removedKeys := model.NewDocumentKeySet()

	var rows []targetRow
	if err := c.queries.sel(sqlTx(txn), "list-removable-targets", &rows, upperBound); err != nil {
		return 0, removedKeys, persistence.Wrap("list removable targets", err)
	}

	count := 0

	for _, row := range rows {
		if _, active := activeIDs[row.TargetID]; active {
			continue
		}

		keys, err := c.GetMatchingKeysForTargetID(txn, row.TargetID)
		if err != nil {
			return count, removedKeys, err
		}

		removedKeys.AddAll(keys)

		if _, err := c.queries.exec(sqlTx(txn), "delete-target", row.TargetID); err != nil {
			return count, removedKeys, persistence.Wrap("remove target", err)
		}

		if err := c.RemoveMatchingKeysForTargetID(txn, row.TargetID); err != nil {
			return count, removedKeys, err
		}

		count++
	}

	return count, removedKeys, nil
}

func (c *targetCache) ForEachTarget(txn persistence.Transaction, fn func(data *persistence.TargetData)) error {
	var rows []targetRow
	if err := c.queries.sel(sqlTx(txn), "list-targets", &rows); err != nil {
		return persistence.Wrap("list targets", err)
	}

	for _, row := range rows {
		data, err := row.decode()
		if err != nil {
			return err
		}

		fn(data)
	}

	return nil
}

func (c *targetCache) GetLastRemoteSnapshotVersion(txn persistence.Transaction) (model.SnapshotVersion, error) {
	g, err := c.globals(txn)
	if err != nil {
		return model.SnapshotVersionMin, err
	}

	return model.NewSnapshotVersion(model.Timestamp{
		Seconds: g.LastRemoteSnapshotSeconds,
		Nanos:   g.LastRemoteSnapshotNanos,
	}), nil
}

func (c *targetCache) GetHighestSequenceNumber(txn persistence.Transaction) (persistence.ListenSequenceNumber, error) {
	g, err := c.globals(txn)
	if err != nil {
		return persistence.ListenSequenceInvalid, err
	}

	return g.HighestSequenceNumber, nil
}

func (c *targetCache) SetTargetsMetadata(txn persistence.Transaction, highestSequenceNumber persistence.ListenSequenceNumber,
	lastRemoteSnapshotVersion model.SnapshotVersion) error {
	ts := lastRemoteSnapshotVersion.Timestamp()

	if _, err := c.queries.exec(sqlTx(txn), "set-target-globals", highestSequenceNumber, ts.Seconds, ts.Nanos); err != nil {
		return persistence.Wrap("write target globals", err)
	}

	return nil
}

func (c *targetCache) TargetCount(txn persistence.Transaction) (int, error) {
	var count int
	if err := c.queries.get(sqlTx(txn), "count-targets", &count); err != nil {
		return 0, persistence.Wrap("count targets", err)
	}

	return count, nil
}

func (c *targetCache) AddMatchingKeys(txn persistence.Transaction, keys model.DocumentKeySet, targetID int) error {
	tx := sqlTx(txn)

	for key := range keys {
		if _, err := c.queries.exec(tx, "insert-target-document", targetID, key.String()); err != nil {
			return persistence.Wrap("add matching key", err)
		}
	}

	return nil
}

func (c *targetCache) RemoveMatchingKeys(txn persistence.Transaction, keys model.DocumentKeySet, targetID int) error {
	tx := sqlTx(txn)

	for key := range keys {
		if _, err := c.queries.exec(tx, "delete-target-document", targetID, key.String()); err != nil {
			return persistence.Wrap("remove matching key", err)
		}
	}

	return nil
}

func (c *targetCache) RemoveMatchingKeysForTargetID(txn persistence.Transaction, targetID int) error {
	if _, err := c.queries.exec(sqlTx(txn), "delete-target-documents-for-target", targetID); err != nil {
		return persistence.Wrap("remove matching keys", err)
	}

	return nil
}

func (c *targetCache) GetMatchingKeysForTargetID(txn persistence.Transaction, targetID int) (model.DocumentKeySet, error) {
	var paths []string
	if err := c.queries.sel(sqlTx(txn), "list-target-documents", &paths, targetID); err != nil {
		return nil, persistence.Wrap("list matching keys", err)
	}

	keys := model.NewDocumentKeySet()

	for _, p := range paths {
		key, err := model.ParseDocumentKey(p)
		if err != nil {
			return nil, persistence.Wrap("parse matching key", err)
		}

		keys.Add(key)
	}

	return keys, nil
}

func (c *targetCache) ContainsKey(txn persistence.Transaction, key model.DocumentKey) (bool, error) {
	var exists bool
	if err := c.queries.get(sqlTx(txn), "document-in-any-target", &exists, key.String()); err != nil {
		return false, persistence.Wrap("check target membership", err)
	}

	return exists, nil
}

func (c *targetCache) SetDocumentSequenceNumber(txn persistence.Transaction, key model.DocumentKey,
	seq persistence.ListenSequenceNumber) error {
	if _, err := c.queries.exec(sqlTx(txn), "upsert-document-sequence-number", key.String(), seq); err != nil {
		return persistence.Wrap("write document sequence number", err)
	}

	return nil
}

func (c *targetCache) RemoveDocumentSequenceNumber(txn persistence.Transaction, key model.DocumentKey) error {
	if _, err := c.queries.exec(sqlTx(txn), "delete-document-sequence-number", key.String()); err != nil {
		return persistence.Wrap("remove document sequence number", err)
	}

	return nil
}

func (c *targetCache) ForEachDocumentSequenceNumber(txn persistence.Transaction,
	fn func(key model.DocumentKey, seq persistence.ListenSequenceNumber)) error {
	var rows []struct {
		Path           string `db:"path"`
		SequenceNumber int64  `db:"sequence_number"`
	}
	if err := c.queries.sel(sqlTx(txn), "list-document-sequence-numbers", &rows); err != nil {
		return persistence.Wrap("list document sequence numbers", err)
	}

	for _, row := range rows {
		key, err := model.ParseDocumentKey(row.Path)
		if err != nil {
			return persistence.Wrap("parse orphan key", err)
		}

		fn(key, row.SequenceNumber)
	}

	return nil
}
