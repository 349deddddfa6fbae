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
	"github.com/baiprog/eatvision-miniapp-sub000/internal/objectmap"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
)

type targetCache struct {
	// targets is keyed by target so lookups go through the canonical id.
	targets *objectmap.ObjectMap[*query.Target, *persistence.TargetData]
	byID    map[int]*persistence.TargetData

	keysByTarget map[int]model.DocumentKeySet
	targetsByKey map[model.DocumentKey]map[int]struct{}

	// orphanSequence holds the sequence number at which each orphan
	// candidate was last referenced.
	orphanSequence map[model.DocumentKey]persistence.ListenSequenceNumber

	highestTargetID           int
	highestSequenceNumber     persistence.ListenSequenceNumber
	lastRemoteSnapshotVersion model.SnapshotVersion
}

func newTargetCache() *targetCache {
	return &targetCache{
		targets:                   objectmap.New[*query.Target, *persistence.TargetData](),
		byID:                      make(map[int]*persistence.TargetData),
		keysByTarget:              make(map[int]model.DocumentKeySet),
		targetsByKey:              make(map[model.DocumentKey]map[int]struct{}),
		orphanSequence:            make(map[model.DocumentKey]persistence.ListenSequenceNumber),
		lastRemoteSnapshotVersion: model.SnapshotVersionMin,
	}
}

func (c *targetCache) GetTargetData(_ persistence.Transaction, target *query.Target) (*persistence.TargetData, error) {
	data, _ := c.targets.Get(target)

	return data, nil
}

func (c *targetCache) AllocateTargetID(_ persistence.Transaction) (int, error) {
	c.highestTargetID += 2

	return c.highestTargetID, nil
}

func (c *targetCache) save(data *persistence.TargetData) {
	c.targets.Set(data.Target, data)
	c.byID[data.TargetID] = data

	if data.TargetID > c.highestTargetID {
		c.highestTargetID = data.TargetID
	}

	if data.SequenceNumber > c.highestSequenceNumber {
		c.highestSequenceNumber = data.SequenceNumber
	}
}

func (c *targetCache) AddTargetData(_ persistence.Transaction, data *persistence.TargetData) error {
	c.save(data)

	return nil
}

func (c *targetCache) UpdateTargetData(_ persistence.Transaction, data *persistence.TargetData) error {
	c.save(data)

	return nil
}

func (c *targetCache) RemoveTargetData(txn persistence.Transaction, data *persistence.TargetData) error {
	c.targets.Delete(data.Target)
	delete(c.byID, data.TargetID)

	return c.RemoveMatchingKeysForTargetID(txn, data.TargetID)
}

func (c *targetCache) RemoveTargets(txn persistence.Transaction, upperBound persistence.ListenSequenceNumber,
	activeIDs map[int]struct{}) (int, model.DocumentKeySet, error) {
	removedKeys := model.NewDocumentKeySet()
	count := 0

	for id, data := range c.byID {
		if _, active := activeIDs[id]; active || data.SequenceNumber > upperBound {
			continue
		}

		removedKeys.AddAll(c.keysByTarget[id])

		if err := c.RemoveTargetData(txn, data); err != nil {
			return count, removedKeys, err
		}

		count++
	}

	return count, removedKeys, nil
}

func (c *targetCache) ForEachTarget(_ persistence.Transaction, fn func(data *persistence.TargetData)) error {
	for _, data := range c.byID {
		fn(data)
	}

	return nil
}

func (c *targetCache) GetLastRemoteSnapshotVersion(_ persistence.Transaction) (model.SnapshotVersion, error) {
	return c.lastRemoteSnapshotVersion, nil
}

func (c *targetCache) GetHighestSequenceNumber(_ persistence.Transaction) (persistence.ListenSequenceNumber, error) {
	return c.highestSequenceNumber, nil
}

func (c *targetCache) SetTargetsMetadata(_ persistence.Transaction, highestSequenceNumber persistence.ListenSequenceNumber,
	lastRemoteSnapshotVersion model.SnapshotVersion) error {
	if highestSequenceNumber > c.highestSequenceNumber {
		c.highestSequenceNumber = highestSequenceNumber
	}

	c.lastRemoteSnapshotVersion = lastRemoteSnapshotVersion

	return nil
}

func (c *targetCache) TargetCount(_ persistence.Transaction) (int, error) {
	return len(c.byID), nil
}

func (c *targetCache) AddMatchingKeys(_ persistence.Transaction, keys model.DocumentKeySet, targetID int) error {
	set, ok := c.keysByTarget[targetID]
	if !ok {
		set = model.NewDocumentKeySet()
		c.keysByTarget[targetID] = set
	}

	for key := range keys {
		set.Add(key)

		ids, ok := c.targetsByKey[key]
		if !ok {
			ids = make(map[int]struct{})
			c.targetsByKey[key] = ids
		}

		ids[targetID] = struct{}{}
	}

	return nil
}

func (c *targetCache) RemoveMatchingKeys(_ persistence.Transaction, keys model.DocumentKeySet, targetID int) error {
	set := c.keysByTarget[targetID]

	for key := range keys {
		if set != nil {
			set.Remove(key)
		}

		if ids, ok := c.targetsByKey[key]; ok {
			delete(ids, targetID)

			if len(ids) == 0 {
				delete(c.targetsByKey, key)
			}
		}
	}

	return nil
}

func (c *targetCache) RemoveMatchingKeysForTargetID(txn persistence.Transaction, targetID int) error {
	keys, ok := c.keysByTarget[targetID]
	if !ok {
		return nil
	}

	if err := c.RemoveMatchingKeys(txn, keys.Clone(), targetID); err != nil {
		return err
	}

	delete(c.keysByTarget, targetID)

	return nil
}

func (c *targetCache) GetMatchingKeysForTargetID(_ persistence.Transaction, targetID int) (model.DocumentKeySet, error) {
	if keys, ok := c.keysByTarget[targetID]; ok {
		return keys.Clone(), nil
	}

	return model.NewDocumentKeySet(), nil
}

func (c *targetCache) ContainsKey(_ persistence.Transaction, key model.DocumentKey) (bool, error) {
	_, ok := c.targetsByKey[key]

	return ok, nil
}

func (c *targetCache) SetDocumentSequenceNumber(_ persistence.Transaction, key model.DocumentKey,
	seq persistence.ListenSequenceNumber) error {
	c.orphanSequence[key] = seq

	return nil
}

func (c *targetCache) RemoveDocumentSequenceNumber(_ persistence.Transaction, key model.DocumentKey) error {
	delete(c.orphanSequence, key)

	return nil
}

func (c *targetCache) ForEachDocumentSequenceNumber(_ persistence.Transaction,
	fn func(key model.DocumentKey, seq persistence.ListenSequenceNumber)) error {
	for key, seq := range c.orphanSequence {
		fn(key, seq)
	}

	return nil
}
