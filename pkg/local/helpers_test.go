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

package local_test

import (
	"context"

	. "github.com/onsi/gomega"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/local"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/remote"
)

func key(path string) model.DocumentKey {
	return model.MustDocumentKey(path)
}

func version(micros int64) model.SnapshotVersion {
	return model.VersionFromMicros(micros)
}

// remoteDoc is a document as watch would deliver it at micros.
func remoteDoc(path string, micros int64, fields map[string]any) *model.Document {
	return model.NewFoundDocument(key(path), version(micros), model.MustObject(fields)).SetReadTime(version(micros))
}

func patch(path string, fields map[string]any, transforms ...mutation.FieldTransform) mutation.Mutation {
	value := model.MustObject(fields)

	return mutation.NewPatch(key(path), value, value.FieldMask(), mutation.PreconditionExists(true), transforms...)
}

// addedEvent reports docs as added to targetID at micros.
func addedEvent(micros int64, targetID int, token string, docs ...*model.Document) remote.RemoteEvent {
	event := remote.NewRemoteEvent(version(micros))
	change := remote.NewTargetChange([]byte(token), true)

	for _, doc := range docs {
		event.DocumentUpdates[doc.Key()] = doc
		change.AddedDocuments.Add(doc.Key())
	}

	event.TargetChanges[targetID] = change

	return event
}

func field(doc *model.Document, path string) any {
	v, ok := doc.Field(model.MustFieldPath(path))
	if !ok {
		return nil
	}

	return model.ToGo(v)
}

func write(ctx context.Context, store *local.LocalStore, mutations ...mutation.Mutation) local.LocalWriteResult {
	result, err := store.WriteLocally(ctx, mutations)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())

	return result
}

func read(ctx context.Context, store *local.LocalStore, path string) *model.Document {
	doc, err := store.ReadDocument(ctx, key(path))
	ExpectWithOffset(1, err).NotTo(HaveOccurred())

	return doc
}

// ack acknowledges batchID as committed at micros.
func ack(ctx context.Context, store *local.LocalStore, batchID int, micros int64) model.DocumentMap {
	batch, err := store.NextMutationBatch(ctx, batchID-1)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	ExpectWithOffset(1, batch).NotTo(BeNil())
	ExpectWithOffset(1, batch.BatchID).To(Equal(batchID))

	results := make([]mutation.Result, len(batch.Mutations))
	for i := range results {
		results[i] = mutation.Result{Version: version(micros)}
	}

	batchResult, err := mutation.NewBatchResult(batch, version(micros), results, []byte("token"))
	ExpectWithOffset(1, err).NotTo(HaveOccurred())

	changes, err := store.AcknowledgeBatch(ctx, batchResult)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())

	return changes
}
