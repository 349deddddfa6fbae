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

package local

import (
	"slices"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
)

// overlayedDocument is a local view together with the fields its overlay
// changed. A nil mask means the whole document changed.
type overlayedDocument struct {
	doc           *model.Document
	mutatedFields *model.FieldMask
}

func emptyMask() *model.FieldMask {
	m := model.NewFieldMask()

	return &m
}

// LocalDocumentsView assembles local views: the remote document with its
// overlay applied.
type LocalDocumentsView struct {
	remoteDocuments persistence.RemoteDocumentCache
	mutationQueue   persistence.MutationQueue
	overlays        persistence.DocumentOverlayCache
	index           persistence.IndexManager
}

func NewLocalDocumentsView(p persistence.Persistence) *LocalDocumentsView {
	return &LocalDocumentsView{
		remoteDocuments: p.RemoteDocumentCache(),
		mutationQueue:   p.MutationQueue(),
		overlays:        p.DocumentOverlayCache(),
		index:           p.IndexManager(),
	}
}

// GetDocument returns the local view of key, or an invalid document when
// nothing is known about it.
func (v *LocalDocumentsView) GetDocument(txn persistence.Transaction, key model.DocumentKey) (*model.Document, error) {
	overlay, err := v.overlays.GetOverlay(txn, key)
	if err != nil {
		return nil, err
	}

	doc, err := v.baseDocument(txn, key, overlay)
	if err != nil {
		return nil, err
	}

	if overlay != nil {
		overlay.Mutation.ApplyToLocalView(doc, emptyMask(), model.Now())
	}

	return doc, nil
}

// baseDocument skips the remote read when the overlay replaces the whole
// document.
func (v *LocalDocumentsView) baseDocument(txn persistence.Transaction, key model.DocumentKey,
	overlay *mutation.Overlay,
) (*model.Document, error) {
	if overlay == nil || overlay.Mutation.Kind == mutation.KindPatch {
		return v.remoteDocuments.Get(txn, key)
	}

	return model.NewInvalidDocument(key), nil
}

// GetDocuments returns the local views of keys. Unknown keys map to invalid
// documents.
func (v *LocalDocumentsView) GetDocuments(txn persistence.Transaction, keys model.DocumentKeySet) (model.DocumentMap, error) {
	docs, err := v.remoteDocuments.GetAll(txn, keys)
	if err != nil {
		return nil, err
	}

	return v.GetLocalViewOfDocuments(txn, docs, model.NewDocumentKeySet())
}

// GetLocalViewOfDocuments applies overlays to docs in place. Keys in
// existenceChanged whose overlay is a patch get their overlay recomputed,
// since the patch may now apply differently.
func (v *LocalDocumentsView) GetLocalViewOfDocuments(txn persistence.Transaction, docs model.DocumentMap,
	existenceChanged model.DocumentKeySet,
) (model.DocumentMap, error) {
	views, err := v.overlayedDocuments(txn, docs, existenceChanged)
	if err != nil {
		return nil, err
	}

	result := make(model.DocumentMap, len(views))
	for key, view := range views {
		result[key] = view.doc
	}

	return result, nil
}

func (v *LocalDocumentsView) overlayedDocuments(txn persistence.Transaction, docs model.DocumentMap,
	existenceChanged model.DocumentKeySet,
) (map[model.DocumentKey]overlayedDocument, error) {
	overlays, err := v.overlays.GetOverlays(txn, docs.Keys())
	if err != nil {
		return nil, err
	}

	return v.computeViews(txn, docs, overlays, existenceChanged)
}

func (v *LocalDocumentsView) computeViews(txn persistence.Transaction, docs model.DocumentMap,
	overlays map[model.DocumentKey]*mutation.Overlay, existenceChanged model.DocumentKeySet,
) (map[model.DocumentKey]overlayedDocument, error) {
	recalculate := make(model.DocumentMap)
	masks := make(map[model.DocumentKey]*model.FieldMask, len(docs))

	for key, doc := range docs {
		overlay := overlays[key]

		switch {
		case existenceChanged.Has(key) && (overlay == nil || overlay.Mutation.Kind == mutation.KindPatch):
			recalculate[key] = doc
		case overlay != nil:
			masks[key] = overlayMask(overlay.Mutation)
			overlay.Mutation.ApplyToLocalView(doc, emptyMask(), model.Now())
		default:
			masks[key] = emptyMask()
		}
	}

	recalculated, err := v.recalculateAndSaveOverlays(txn, recalculate)
	if err != nil {
		return nil, err
	}

	for key, mask := range recalculated {
		masks[key] = mask
	}

	result := make(map[model.DocumentKey]overlayedDocument, len(docs))
	for key, doc := range docs {
		mask, ok := masks[key]
		if !ok {
			mask = emptyMask()
		}

		result[key] = overlayedDocument{doc: doc, mutatedFields: mask}
	}

	return result, nil
}

// overlayMask is the set of fields an overlay writes. Set and delete
// overlays write the whole document.
func overlayMask(m mutation.Mutation) *model.FieldMask {
	if m.Kind != mutation.KindPatch {
		return nil
	}

	mask := model.NewFieldMask(m.Mask.Fields()...)

	return &mask
}

// RecalculateAndSaveOverlays recomputes and stores the overlays of keys
// from the remote documents and every pending batch.
func (v *LocalDocumentsView) RecalculateAndSaveOverlays(txn persistence.Transaction, keys model.DocumentKeySet) error {
	docs, err := v.remoteDocuments.GetAll(txn, keys)
	if err != nil {
		return err
	}

	_, err = v.recalculateAndSaveOverlays(txn, docs)

	return err
}

// recalculateAndSaveOverlays folds pending batches into docs in batch id
// order, starting from an empty mask, and saves one overlay per key tagged
// with the largest batch that touched it. Keys that end with no local
// mutation get their overlay removed.
func (v *LocalDocumentsView) recalculateAndSaveOverlays(txn persistence.Transaction,
	docs model.DocumentMap,
) (map[model.DocumentKey]*model.FieldMask, error) {
	masks := make(map[model.DocumentKey]*model.FieldMask, len(docs))
	if len(docs) == 0 {
		return masks, nil
	}

	batches, err := v.mutationQueue.GetAllMutationBatchesAffectingDocumentKeys(txn, docs.Keys())
	if err != nil {
		return nil, err
	}

	keysByBatch := make(map[int]model.DocumentKeySet)

	for _, batch := range batches {
		for key := range batch.Keys() {
			doc, ok := docs[key]
			if !ok {
				continue
			}

			mask, seen := masks[key]
			if !seen {
				mask = emptyMask()
			}

			masks[key] = batch.ApplyToLocalView(doc, mask)

			if _, ok := keysByBatch[batch.BatchID]; !ok {
				keysByBatch[batch.BatchID] = model.NewDocumentKeySet()
			}

			keysByBatch[batch.BatchID].Add(key)
		}
	}

	batchIDs := make([]int, 0, len(keysByBatch))
	for id := range keysByBatch {
		batchIDs = append(batchIDs, id)
	}

	slices.Sort(batchIDs)
	slices.Reverse(batchIDs)

	processed := model.NewDocumentKeySet()

	for _, id := range batchIDs {
		overlays := make(map[model.DocumentKey]*mutation.Mutation)

		for key := range keysByBatch[id] {
			if processed.Has(key) {
				continue
			}

			overlays[key] = mutation.CalculateOverlayMutation(docs[key], masks[key])
			processed.Add(key)
		}

		if err := v.overlays.SaveOverlays(txn, id, overlays); err != nil {
			return nil, err
		}
	}

	for key := range docs {
		if _, ok := masks[key]; !ok {
			masks[key] = emptyMask()
		}
	}

	return masks, nil
}

// GetDocumentsMatchingQuery returns the local views matching q whose remote
// documents were read after sinceReadTime or that carry an overlay.
func (v *LocalDocumentsView) GetDocumentsMatchingQuery(txn persistence.Transaction, q *query.Query,
	sinceReadTime model.SnapshotVersion,
) (model.DocumentMap, error) {
	switch {
	case q.IsDocumentQuery():
		return v.documentsMatchingDocumentQuery(txn, q)
	case q.IsCollectionGroupQuery():
		return v.documentsMatchingCollectionGroupQuery(txn, q, sinceReadTime)
	default:
		return v.documentsMatchingCollectionQuery(txn, q, sinceReadTime)
	}
}

func (v *LocalDocumentsView) documentsMatchingDocumentQuery(txn persistence.Transaction, q *query.Query) (model.DocumentMap, error) {
	key, err := model.NewDocumentKey(q.Path)
	if err != nil {
		return nil, err
	}

	doc, err := v.GetDocument(txn, key)
	if err != nil {
		return nil, err
	}

	result := make(model.DocumentMap)
	if doc.IsFoundDocument() {
		result[key] = doc
	}

	return result, nil
}

func (v *LocalDocumentsView) documentsMatchingCollectionGroupQuery(txn persistence.Transaction, q *query.Query,
	sinceReadTime model.SnapshotVersion,
) (model.DocumentMap, error) {
	parents, err := v.index.GetCollectionParents(txn, q.CollectionGroup)
	if err != nil {
		return nil, err
	}

	result := make(model.DocumentMap)

	for _, parent := range parents {
		if !q.Path.IsPrefixOf(parent) {
			continue
		}

		docs, err := v.documentsMatchingCollectionQuery(txn, q.AsCollectionQueryAtPath(parent.Child(q.CollectionGroup)), sinceReadTime)
		if err != nil {
			return nil, err
		}

		for key, doc := range docs {
			result[key] = doc
		}
	}

	return result, nil
}

func (v *LocalDocumentsView) documentsMatchingCollectionQuery(txn persistence.Transaction, q *query.Query,
	sinceReadTime model.SnapshotVersion,
) (model.DocumentMap, error) {
	overlays, err := v.overlays.GetOverlaysForCollection(txn, q.Path, mutation.BatchIDUnknown)
	if err != nil {
		return nil, err
	}

	mutated := model.NewDocumentKeySet()
	for key := range overlays {
		mutated.Add(key)
	}

	remoteDocs, err := v.remoteDocuments.GetDocumentsMatchingQuery(txn, q, sinceReadTime, mutated)
	if err != nil {
		return nil, err
	}

	// An overlay can make a document match that the cache does not hold.
	for key := range overlays {
		if _, ok := remoteDocs[key]; !ok {
			remoteDocs[key] = model.NewInvalidDocument(key)
		}
	}

	result := make(model.DocumentMap)

	for key, doc := range remoteDocs {
		if overlay, ok := overlays[key]; ok {
			overlay.Mutation.ApplyToLocalView(doc, emptyMask(), model.Now())
		}

		if q.Matches(doc) {
			result[key] = doc
		}
	}

	return result, nil
}
