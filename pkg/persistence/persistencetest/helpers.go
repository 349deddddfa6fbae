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

package persistencetest

import (
	"time"

	. "github.com/onsi/gomega"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
)

// Doc builds a found document at version micros.
func Doc(path string, micros int64, fields map[string]any) *model.Document {
	return model.NewFoundDocument(model.MustDocumentKey(path), model.VersionFromMicros(micros), model.MustObject(fields))
}

// Keys builds a key set from paths.
func Keys(paths ...string) model.DocumentKeySet {
	keys := model.NewDocumentKeySet()
	for _, p := range paths {
		keys.Add(model.MustDocumentKey(p))
	}

	return keys
}

// Set builds a set mutation.
func Set(path string, fields map[string]any) mutation.Mutation {
	return mutation.NewSet(model.MustDocumentKey(path), model.MustObject(fields))
}

// AddBatch adds a batch and fails the running spec on error.
func AddBatch(txn persistence.Transaction, q persistence.MutationQueue, mutations ...mutation.Mutation) *mutation.Batch {
	batch, err := q.AddMutationBatch(txn, model.TimestampFromTime(time.Unix(1700000000, 0)), nil, mutations)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())

	return batch
}
