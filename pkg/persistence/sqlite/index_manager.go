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
	"sort"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
)

type indexManager struct {
	queries *queries
}

func (m *indexManager) AddToCollectionParentIndex(txn persistence.Transaction, collectionPath model.ResourcePath) error {
	if collectionPath.IsEmpty() {
		return nil
	}

	_, err := m.queries.exec(sqlTx(txn), "insert-collection-parent",
		collectionPath.LastSegment(), collectionPath.Parent().String())
	if err != nil {
		return persistence.Wrap("index collection parent", err)
	}

	return nil
}

func (m *indexManager) GetCollectionParents(txn persistence.Transaction, collectionID string) ([]model.ResourcePath, error) {
	var parents []string
	if err := m.queries.sel(sqlTx(txn), "list-collection-parents", &parents, collectionID); err != nil {
		return nil, persistence.Wrap("list collection parents", err)
	}

	out := make([]model.ResourcePath, 0, len(parents))

	for _, p := range parents {
		path, err := model.ParseResourcePath(p)
		if err != nil {
			return nil, persistence.Wrap("parse collection parent", err)
		}

		out = append(out, path)
	}

	// SQL orders by the text form, which is not segment order.
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })

	return out, nil
}
