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
	"database/sql"
	"errors"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
)

type overlayCache struct {
	queries *queries
}

type overlayRow struct {
	LargestBatchID int    `db:"largest_batch_id"`
	Contents       []byte `db:"contents"`
}

func (r overlayRow) decode() (*mutation.Overlay, error) {
	overlay := &mutation.Overlay{}
	if err := decodeBlob(r.Contents, overlay); err != nil {
		return nil, persistence.Wrap("decode overlay", err)
	}

	overlay.LargestBatchID = r.LargestBatchID

	return overlay, nil
}

func (c *overlayCache) GetOverlay(txn persistence.Transaction, key model.DocumentKey) (*mutation.Overlay, error) {
	var row overlayRow

	err := c.queries.get(sqlTx(txn), "get-overlay", &row, key.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, persistence.Wrap("get overlay", err)
	}

	return row.decode()
}

func (c *overlayCache) GetOverlays(txn persistence.Transaction, keys model.DocumentKeySet) (map[model.DocumentKey]*mutation.Overlay, error) {
	out := make(map[model.DocumentKey]*mutation.Overlay)

	for key := range keys {
		overlay, err := c.GetOverlay(txn, key)
		if err != nil {
			return nil, err
		}

		if overlay != nil {
			out[key] = overlay
		}
	}

	return out, nil
}

// SaveOverlays stores one overlay per key. A nil mutation deletes the key's
// overlay.
func (c *overlayCache) SaveOverlays(txn persistence.Transaction, largestBatchID int,
	overlays map[model.DocumentKey]*mutation.Mutation) error {
	tx := sqlTx(txn)

	for key, m := range overlays {
		if m == nil {
			if _, err := c.queries.exec(tx, "delete-overlay", key.String()); err != nil {
				return persistence.Wrap("delete overlay", err)
			}

			continue
		}

		blob, err := encodeBlob(&mutation.Overlay{Key: key, LargestBatchID: largestBatchID, Mutation: *m})
		if err != nil {
			return persistence.Wrap("encode overlay", err)
		}

		_, err = c.queries.exec(tx, "upsert-overlay", key.String(), key.CollectionPath().String(), largestBatchID, blob)
		if err != nil {
			return persistence.Wrap("save overlay", err)
		}
	}

	return nil
}

func (c *overlayCache) RemoveOverlaysForBatchID(txn persistence.Transaction, keys model.DocumentKeySet, batchID int) error {
	tx := sqlTx(txn)

	for key := range keys {
		if _, err := c.queries.exec(tx, "delete-overlay-for-batch", key.String(), batchID); err != nil {
			return persistence.Wrap("remove overlay", err)
		}
	}

	return nil
}

func (c *overlayCache) GetOverlaysForCollection(txn persistence.Transaction, collection model.ResourcePath,
	sinceBatchID int) (map[model.DocumentKey]*mutation.Overlay, error) {
	var rows []overlayRow
	if err := c.queries.sel(sqlTx(txn), "list-overlays-in-collection", &rows, collection.String(), sinceBatchID); err != nil {
		return nil, persistence.Wrap("list overlays", err)
	}

	out := make(map[model.DocumentKey]*mutation.Overlay, len(rows))

	for _, row := range rows {
		overlay, err := row.decode()
		if err != nil {
			return nil, err
		}

		out[overlay.Key] = overlay
	}

	return out, nil
}
