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

package mutation

import (
	"fmt"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
)

// BatchIDUnknown marks the absence of a batch.
const BatchIDUnknown = -1

// Batch is a group of mutations committed atomically. BaseMutations carry the
// transform base values captured at write time and are never sent.
type Batch struct {
	BatchID        int             `json:"batchId"`
	LocalWriteTime model.Timestamp `json:"localWriteTime"`
	BaseMutations  []Mutation      `json:"baseMutations,omitempty"`
	Mutations      []Mutation      `json:"mutations"`
}

// ApplyToRemoteDocument applies the batch's mutations for doc's key using the
// server results in batchResult.
func (b *Batch) ApplyToRemoteDocument(doc *model.Document, batchResult BatchResult) {
	if len(batchResult.MutationResults) != len(b.Mutations) {
		panic(fmt.Sprintf("batch %d: got %d results for %d mutations",
			b.BatchID, len(batchResult.MutationResults), len(b.Mutations)))
	}

	for i, m := range b.Mutations {
		if m.Key == doc.Key() {
			m.ApplyToRemoteDocument(doc, batchResult.MutationResults[i])
		}
	}
}

// ApplyToLocalView applies base mutations, then mutations, for doc's key.
func (b *Batch) ApplyToLocalView(doc *model.Document, mask *model.FieldMask) *model.FieldMask {
	for _, m := range b.BaseMutations {
		if m.Key == doc.Key() {
			mask = m.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}

	for _, m := range b.Mutations {
		if m.Key == doc.Key() {
			mask = m.ApplyToLocalView(doc, mask, b.LocalWriteTime)
		}
	}

	return mask
}

// Keys returns every key written by the batch.
func (b *Batch) Keys() model.DocumentKeySet {
	keys := model.NewDocumentKeySet()
	for _, m := range b.Mutations {
		keys.Add(m.Key)
	}

	return keys
}

func (b *Batch) Equal(o *Batch) bool {
	if b.BatchID != o.BatchID || b.LocalWriteTime != o.LocalWriteTime ||
		len(b.Mutations) != len(o.Mutations) || len(b.BaseMutations) != len(o.BaseMutations) {
		return false
	}

	for i := range b.Mutations {
		if !b.Mutations[i].Equal(o.Mutations[i]) {
			return false
		}
	}

	for i := range b.BaseMutations {
		if !b.BaseMutations[i].Equal(o.BaseMutations[i]) {
			return false
		}
	}

	return true
}

func (b *Batch) String() string {
	return fmt.Sprintf("Batch(%d, %d mutations)", b.BatchID, len(b.Mutations))
}

// BatchResult is the server acknowledgement of a batch.
type BatchResult struct {
	Batch           *Batch
	CommitVersion   model.SnapshotVersion
	MutationResults []Result
	StreamToken     []byte
	// DocVersions holds the version each written key was committed at.
	DocVersions map[model.DocumentKey]model.SnapshotVersion
}

func NewBatchResult(batch *Batch, commitVersion model.SnapshotVersion, results []Result, streamToken []byte) (BatchResult, error) {
	if len(results) != len(batch.Mutations) {
		return BatchResult{}, fmt.Errorf("batch %d: got %d results for %d mutations",
			batch.BatchID, len(results), len(batch.Mutations))
	}

	versions := make(map[model.DocumentKey]model.SnapshotVersion, len(results))
	for i, m := range batch.Mutations {
		versions[m.Key] = results[i].Version
	}

	return BatchResult{
		Batch:           batch,
		CommitVersion:   commitVersion,
		MutationResults: results,
		StreamToken:     streamToken,
		DocVersions:     versions,
	}, nil
}

// Overlay is the single mutation that turns the remote document for Key into
// its local view. LargestBatchID is the newest batch folded into it.
type Overlay struct {
	Key            model.DocumentKey `json:"key"`
	LargestBatchID int               `json:"largestBatchId"`
	Mutation       Mutation          `json:"mutation"`
}
