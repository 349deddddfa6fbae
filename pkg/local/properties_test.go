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
	"fmt"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/local"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence/memory"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
)

// fieldWrite decodes a generated int into a write of one of three fields.
func fieldWrite(op int) (string, int64) {
	return fmt.Sprintf("f%d", op%3), int64(op / 3)
}

// lastWriteWins is the view expected after applying ops in order to the
// document {f0: 0}.
func lastWriteWins(ops []int) map[string]int64 {
	expected := map[string]int64{"f0": 0}

	for _, op := range ops {
		name, value := fieldWrite(op)
		expected[name] = value
	}

	return expected
}

func matchesFields(doc *model.Document, expected map[string]int64) bool {
	for _, name := range []string{"f0", "f1", "f2"} {
		want, ok := expected[name]
		got := field(doc, name)

		if !ok {
			if got != nil {
				return false
			}

			continue
		}

		if got != want {
			return false
		}
	}

	return true
}

var _ = Describe("Local store properties", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	// seeded returns a started store caching rooms/eros as {f0: 0}.
	seeded := func() *local.LocalStore {
		store := local.NewLocalStore(memory.New(zap.NewNop().Sugar()), local.DefaultLruParams(), zap.NewNop().Sugar())
		Expect(store.Start(ctx)).To(Succeed())

		data, err := store.AllocateTarget(ctx, query.NewCollectionQuery(model.MustResourcePath("rooms")).ToTarget())
		Expect(err).NotTo(HaveOccurred())

		_, err = store.ApplyRemoteEvent(ctx, addedEvent(10, data.TargetID, "t", remoteDoc("rooms/eros", 10, map[string]any{"f0": int64(0)})))
		Expect(err).NotTo(HaveOccurred())

		return store
	}

	writeAll := func(store *local.LocalStore, ops []int) []int {
		ids := make([]int, 0, len(ops))

		for _, op := range ops {
			name, value := fieldWrite(op)
			ids = append(ids, write(ctx, store, patch("rooms/eros", map[string]any{name: value})).BatchID)
		}

		return ids
	}

	parameters := func() *gopter.TestParameters {
		p := gopter.DefaultTestParameters()
		p.MinSuccessfulTests = 50

		return p
	}

	It("reads its own writes and drops rejected batches from the view", func() {
		properties := gopter.NewProperties(parameters())

		properties.Property("view equals the remaining writes applied in order", prop.ForAll(
			func(ops []int, reject int) bool {
				store := seeded()
				ids := writeAll(store, ops)

				if !matchesFields(read(ctx, store, "rooms/eros"), lastWriteWins(ops)) {
					return false
				}

				if len(ops) == 0 {
					return true
				}

				reject %= len(ops)

				_, err := store.RejectBatch(ctx, ids[reject])
				Expect(err).NotTo(HaveOccurred())

				remaining := append(append([]int(nil), ops[:reject]...), ops[reject+1:]...)

				return matchesFields(read(ctx, store, "rooms/eros"), lastWriteWins(remaining))
			},
			gen.SliceOfN(6, gen.IntRange(0, 29)),
			gen.IntRange(0, 100),
		))

		Expect(properties.Run(gopter.NewFormatedReporter(false, 80, GinkgoWriter))).To(BeTrue())
	})

	It("computes the same overlay from the same queue", func() {
		properties := gopter.NewProperties(parameters())

		// Odd ops increment f0, even ops patch a field.
		mixed := func(store *local.LocalStore, ops []int) {
			for _, op := range ops {
				if op%2 == 1 {
					inc := mutation.FieldTransform{Field: model.MustFieldPath("f0"), Transform: mutation.Increment(model.NewInteger(int64(op)))}
					write(ctx, store, patch("rooms/eros", nil, inc))

					continue
				}

				name, value := fieldWrite(op)
				write(ctx, store, patch("rooms/eros", map[string]any{name: value}))
			}
		}

		properties.Property("two reads and two stores agree", prop.ForAll(
			func(ops []int) bool {
				first, second := seeded(), seeded()
				mixed(first, ops)
				mixed(second, ops)

				a := read(ctx, first, "rooms/eros")
				b := read(ctx, first, "rooms/eros")
				c := read(ctx, second, "rooms/eros")

				return a.Equal(b) && a.Equal(c) && a.Data().String() == c.Data().String()
			},
			gen.SliceOfN(8, gen.IntRange(0, 29)),
		))

		Expect(properties.Run(gopter.NewFormatedReporter(false, 80, GinkgoWriter))).To(BeTrue())
	})

	It("converges to the local view once every batch is acknowledged", func() {
		properties := gopter.NewProperties(parameters())

		properties.Property("acknowledged state equals the pending view", prop.ForAll(
			func(ops []int) bool {
				store := seeded()
				ids := writeAll(store, ops)

				for i, id := range ids {
					ack(ctx, store, id, int64(100+i))
				}

				doc := read(ctx, store, "rooms/eros")

				return !doc.HasLocalMutations() && matchesFields(doc, lastWriteWins(ops))
			},
			gen.SliceOf(gen.IntRange(0, 29)),
		))

		Expect(properties.Run(gopter.NewFormatedReporter(false, 80, GinkgoWriter))).To(BeTrue())
	})
})

var _ = Describe("ApplyQuery", func() {
	docs := model.DocumentMap{}
	for i, id := range []string{"a", "b", "c", "d"} {
		doc := remoteDoc("rooms/"+id, 1, map[string]any{"rank": int64(i)})
		docs[doc.Key()] = doc
	}

	ids := func(result []*model.Document) []string {
		out := make([]string, len(result))
		for i, doc := range result {
			out[i] = doc.Key().ID()
		}

		return out
	}

	rooms := func() *query.Query {
		return query.NewCollectionQuery(model.MustResourcePath("rooms")).OrderBy("rank", query.Ascending)
	}

	It("sorts in query order", func() {
		Expect(ids(local.ApplyQuery(rooms(), docs))).To(Equal([]string{"a", "b", "c", "d"}))
	})

	It("keeps the first documents for limit", func() {
		Expect(ids(local.ApplyQuery(rooms().Limit(2), docs))).To(Equal([]string{"a", "b"}))
	})

	It("keeps the last documents for limit-to-last", func() {
		Expect(ids(local.ApplyQuery(rooms().LimitToLast(2), docs))).To(Equal([]string{"c", "d"}))
	})

	It("filters non-matching documents", func() {
		q := rooms().Where("rank", query.GreaterThanOrEqual, model.NewInteger(2))
		Expect(ids(local.ApplyQuery(q, docs))).To(Equal([]string{"c", "d"}))
	})
})
