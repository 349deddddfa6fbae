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
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
)

type remoteDocumentCache struct {
	queries *queries
}

func (c *remoteDocumentCache) Add(txn persistence.Transaction, doc *model.Document, readTime model.SnapshotVersion) error {
	stored := doc.Clone().SetReadTime(readTime)

	blob, err := encodeBlob(stored)
	if err != nil {
		return persistence.Wrap("encode remote document", err)
	}

	ts := readTime.Timestamp()

	_, err = c.queries.exec(sqlTx(txn), "upsert-remote-document",
		doc.Key().String(), doc.Key().CollectionPath().String(), ts.Seconds, ts.Nanos, len(blob), blob)
	if err != nil {
		return persistence.Wrap("add remote document", err)
	}

	return nil
}

func (c *remoteDocumentCache) Remove(txn persistence.Transaction, key model.DocumentKey) error {
	if _, err := c.queries.exec(sqlTx(txn), "delete-remote-document", key.String()); err != nil {
		return persistence.Wrap("remove remote document", err)
	}

	return nil
}

func (c *remoteDocumentCache) Get(txn persistence.Transaction, key model.DocumentKey) (*model.Document, error) {
	var blob []byte

	err := c.queries.get(sqlTx(txn), "get-remote-document", &blob, key.String())
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewInvalidDocument(key), nil
	}

	if err != nil {
		return nil, persistence.Wrap("get remote document", err)
	}

	doc := &model.Document{}
	if err := decodeBlob(blob, doc); err != nil {
		return nil, persistence.Wrap("decode remote document", err)
	}

	return doc, nil
}

func (c *remoteDocumentCache) GetAll(txn persistence.Transaction, keys model.DocumentKeySet) (model.DocumentMap, error) {
	out := make(model.DocumentMap, len(keys))

	for key := range keys {
		doc, err := c.Get(txn, key)
		if err != nil {
			return nil, err
		}

		out[key] = doc
	}

	return out, nil
}

// GetDocumentsMatchingQuery scans the direct children of q.Path read after
// sinceReadTime. A minimum sinceReadTime scans all of them.
func (c *remoteDocumentCache) GetDocumentsMatchingQuery(txn persistence.Transaction, q *query.Query,
	sinceReadTime model.SnapshotVersion, mutatedKeys model.DocumentKeySet) (model.DocumentMap, error) {
	since := sinceReadTime.Timestamp()
	seconds, nanos := since.Seconds, since.Nanos

	if sinceReadTime.IsMin() {
		// Read times are never negative.
		seconds, nanos = -1, 0
	}

	var blobs [][]byte

	err := c.queries.sel(sqlTx(txn), "list-remote-documents-in-collection", &blobs,
		q.Path.String(), seconds, seconds, nanos)
	if err != nil {
		return nil, persistence.Wrap("scan remote documents", err)
	}

	out := make(model.DocumentMap)

	for _, blob := range blobs {
		doc := &model.Document{}
		if err := decodeBlob(blob, doc); err != nil {
			return nil, persistence.Wrap("decode remote document", err)
		}

		if !mutatedKeys.Has(doc.Key()) && !q.Matches(doc) {
			continue
		}

		out[doc.Key()] = doc
	}

	return out, nil
}

// Size is the size of the database file, in bytes.
func (c *remoteDocumentCache) Size(txn persistence.Transaction) (int64, error) {
	var pageCount, pageSize int64

	tx := sqlTx(txn)

	if err := c.queries.get(tx, "page-count", &pageCount); err != nil {
		return 0, persistence.Wrap("read page count", err)
	}

	if err := c.queries.get(tx, "page-size", &pageSize); err != nil {
		return 0, persistence.Wrap("read page size", err)
	}

	return pageCount * pageSize, nil
}
