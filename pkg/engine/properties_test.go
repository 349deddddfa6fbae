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

package engine_test

import (
	"context"
	"fmt"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Engine properties", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	parameters := func() *gopter.TestParameters {
		p := gopter.DefaultTestParameters()
		p.MinSuccessfulTests = 30

		return p
	}

	It("hands out increasing batch ids and reads back the last value per document", func() {
		properties := gopter.NewProperties(parameters())

		properties.Property("commits are ordered and visible", prop.ForAll(
			func(values []int) bool {
				e := newEngine(ctx, nil)
				defer func() { Expect(e.Terminate(ctx)).To(Succeed()) }()

				last := map[string]int64{}
				previousBatch := 0

				for i, v := range values {
					path := fmt.Sprintf("rooms/r%d", i%3)

					pw, err := e.Commit(ctx, set(path, map[string]any{"v": int64(v)}))
					if err != nil || pw.BatchID <= previousBatch {
						return false
					}

					previousBatch = pw.BatchID
					last[path] = int64(v)
				}

				for path, want := range last {
					doc, err := e.GetDocument(ctx, key(path))
					if err != nil || !doc.IsFoundDocument() || intField(doc, "v") != want {
						return false
					}
				}

				return true
			},
			gen.SliceOf(gen.IntRange(-1000, 1000)),
		))

		Expect(properties.Run(gopter.NewFormatedReporter(false, 80, GinkgoWriter))).To(BeTrue())
	})
})
