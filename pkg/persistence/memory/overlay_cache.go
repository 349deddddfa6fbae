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
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
)

type overlayCache struct {
	overlays map[model.DocumentKey]*mutation.Overlay
	byBatch  map[int]model.DocumentKeySet
}

func newOverlayCache() *overlayCache {
	return &overlayCache{
		overlays: make(map[model.DocumentKey]*mutation.Overlay),
		byBatch:  make(map[int]model.DocumentKeySet),
	}
}

func (c *overlayCache) GetOverlay(_ persistence.Transaction, key model.DocumentKey) (*mutation.Overlay, error) {
	return c.overlays[key], nil
}

func (c *overlayCache) GetOverlays(_ persistence.Transaction, keys model.DocumentKeySet) (map[model.DocumentKey]*mutation.Overlay, error) {
	out := make(map[model.DocumentKey]*mutation.Overlay)

	for key := range keys {
		if o, ok := c.overlays[key]; ok {
			out[key] = o
		}
	}

	return out, nil
}

func (c *overlayCache) remove(key model.DocumentKey) {
	existing, ok := c.overlays[key]
	if !ok {
		return
	}

	if keys, ok := c.byBatch[existing.LargestBatchID]; ok {
		keys.Remove(key)

		if keys.Len() == 0 {
			delete(c.byBatch, existing.LargestBatchID)
		}
	}

	delete(c.overlays, key)
}

func (c *overlayCache) SaveOverlays(_ persistence.Transaction, largestBatchID int,
	overlays map[model.DocumentKey]*mutation.Mutation) error {
	for key, m := range overlays {
		c.remove(key)

		if m == nil {
			continue
		}

		c.overlays[key] = &mutation.Overlay{Key: key, LargestBatchID: largestBatchID, Mutation: *m}

		keys, ok := c.byBatch[largestBatchID]
		if !ok {
			keys = model.NewDocumentKeySet()
			c.byBatch[largestBatchID] = keys
		}

		keys.Add(key)
	}

	return nil
}

func (c *overlayCache) RemoveOverlaysForBatchID(_ persistence.Transaction, keys model.DocumentKeySet, batchID int) error {
	for key := range keys {
		if o, ok := c.overlays[key]; ok && o.LargestBatchID == batchID {
			c.remove(key)
		}
	}

	return nil
}

func (c *overlayCache) GetOverlaysForCollection(_ persistence.Transaction, collection model.ResourcePath,
	sinceBatchID int) (map[model.DocumentKey]*mutation.Overlay, error) {
	out := make(map[model.DocumentKey]*mutation.Overlay)

	for key, o := range c.overlays {
		if o.LargestBatchID > sinceBatchID && collection.IsImmediateParentOf(key.Path()) {
			out[key] = o
		}
	}

	return out, nil
}
