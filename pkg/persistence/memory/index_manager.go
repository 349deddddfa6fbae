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
	"sort"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
)

type indexManager struct {
	// parents maps a collection id to the canonical paths of its parents.
	parents map[string]map[string]model.ResourcePath
}

func newIndexManager() *indexManager {
	return &indexManager{parents: make(map[string]map[string]model.ResourcePath)}
}

func (m *indexManager) AddToCollectionParentIndex(_ persistence.Transaction, collectionPath model.ResourcePath) error {
	if collectionPath.IsEmpty() {
		return nil
	}

	id := collectionPath.LastSegment()
	parent := collectionPath.Parent()

	set, ok := m.parents[id]
	if !ok {
		set = make(map[string]model.ResourcePath)
		m.parents[id] = set
	}

	set[parent.String()] = parent

	return nil
}

func (m *indexManager) GetCollectionParents(_ persistence.Transaction, collectionID string) ([]model.ResourcePath, error) {
	set := m.parents[collectionID]
	out := make([]model.ResourcePath, 0, len(set))

	for _, p := range set {
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })

	return out, nil
}
