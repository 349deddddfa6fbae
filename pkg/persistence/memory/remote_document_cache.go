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
	"github.com/goccy/go-json"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
)

type remoteDocumentCache struct {
	docs  map[model.DocumentKey]*model.Document
	sizes map[model.DocumentKey]int64
	size  int64
}

func newRemoteDocumentCache() *remoteDocumentCache {
	return &remoteDocumentCache{
		docs:  make(map[model.DocumentKey]*model.Document),
		sizes: make(map[model.DocumentKey]int64),
	}
}

// estimateSize uses the encoded length as the size of a document.
func estimateSize(doc *model.Document) (int64, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return 0, err
	}

	return int64(len(data)), nil
}

func (c *remoteDocumentCache) Add(_ persistence.Transaction, doc *model.Document, readTime model.SnapshotVersion) error {
	stored := doc.Clone().SetReadTime(readTime)

	size, err := estimateSize(stored)
	if err != nil {
		return persistence.Wrap("estimate document size", err)
	}

	c.size += size - c.sizes[doc.Key()]
	c.sizes[doc.Key()] = size
	c.docs[doc.Key()] = stored

	return nil
}

func (c *remoteDocumentCache) Remove(_ persistence.Transaction, key model.DocumentKey) error {
	c.size -= c.sizes[key]
	delete(c.sizes, key)
	delete(c.docs, key)

	return nil
}

func (c *remoteDocumentCache) Get(_ persistence.Transaction, key model.DocumentKey) (*model.Document, error) {
	if doc, ok := c.docs[key]; ok {
		return doc.Clone(), nil
	}

	return model.NewInvalidDocument(key), nil
}

func (c *remoteDocumentCache) GetAll(txn persistence.Transaction, keys model.DocumentKeySet) (model.DocumentMap, error) {
	out := make(model.DocumentMap, len(keys))

	for key := range keys {
		doc, _ := c.Get(txn, key)
		out[key] = doc
	}

	return out, nil
}

func (c *remoteDocumentCache) GetDocumentsMatchingQuery(_ persistence.Transaction, q *query.Query,
	sinceReadTime model.SnapshotVersion, mutatedKeys model.DocumentKeySet) (model.DocumentMap, error) {
	out := make(model.DocumentMap)
	collection := q.Path

	for key, doc := range c.docs {
		path := key.Path()
		if !collection.IsImmediateParentOf(path) {
			continue
		}

		if !sinceReadTime.IsMin() && !doc.ReadTime().After(sinceReadTime) {
			continue
		}

		if !mutatedKeys.Has(key) && !q.Matches(doc) {
			continue
		}

		out[key] = doc.Clone()
	}

	return out, nil
}

func (c *remoteDocumentCache) Size(_ persistence.Transaction) (int64, error) {
	return c.size, nil
}
