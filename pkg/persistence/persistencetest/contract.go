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

// Package persistencetest holds the behavior every persistence backend must
// share, as a Ginkgo container that backend suites run against themselves.
package persistencetest

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
)

// Factory returns a fresh, unstarted backend.
type Factory func() persistence.Persistence

// DescribeContract registers the shared backend specs under name.
func DescribeContract(name string, newPersistence Factory) bool {
	return Describe(name+" persistence contract", func() {
		var (
			p   persistence.Persistence
			ctx context.Context
		)

		BeforeEach(func() {
			ctx = context.Background()
			p = newPersistence()
			Expect(p.Start(ctx)).To(Succeed())
		})

		AfterEach(func() {
			Expect(p.Shutdown()).To(Succeed())
		})

		write := func(fn func(txn persistence.Transaction)) {
			Expect(p.RunTransaction(ctx, "test", persistence.ReadWrite, func(txn persistence.Transaction) error {
				fn(txn)

				return nil
			})).To(Succeed())
		}

		Context("transactions", func() {
			It("hands out increasing sequence numbers to read-write transactions", func() {
				var first, second persistence.ListenSequenceNumber

				write(func(txn persistence.Transaction) { first = txn.CurrentSequenceNumber() })
				write(func(txn persistence.Transaction) { second = txn.CurrentSequenceNumber() })

				Expect(second).To(BeNumerically(">", first))
			})

			It("runs committed listeners only on success", func() {
				committed := 0

				write(func(txn persistence.Transaction) {
					txn.AddOnCommittedListener(func() { committed++ })
				})
				Expect(committed).To(Equal(1))

				err := p.RunTransaction(ctx, "failing", persistence.ReadWrite, func(txn persistence.Transaction) error {
					txn.AddOnCommittedListener(func() { committed++ })

					return context.Canceled
				})
				Expect(err).To(MatchError(context.Canceled))
				Expect(committed).To(Equal(1))
			})
		})

		Context("remote document cache", func() {
			It("returns invalid documents for missing keys", func() {
				write(func(txn persistence.Transaction) {
					doc, err := p.RemoteDocumentCache().Get(txn, model.MustDocumentKey("rooms/missing"))
					Expect(err).NotTo(HaveOccurred())
					Expect(doc.IsValidDocument()).To(BeFalse())
				})
			})

			It("stores documents with their read time", func() {
				cache := p.RemoteDocumentCache()

				write(func(txn persistence.Transaction) {
					Expect(cache.Add(txn, Doc("rooms/a", 1, map[string]any{"n": int64(1)}), model.VersionFromMicros(5))).To(Succeed())

					doc, err := cache.Get(txn, model.MustDocumentKey("rooms/a"))
					Expect(err).NotTo(HaveOccurred())
					Expect(doc.IsFoundDocument()).To(BeTrue())
					Expect(doc.ReadTime()).To(Equal(model.VersionFromMicros(5)))

					v, ok := doc.Field(model.MustFieldPath("n"))
					Expect(ok).To(BeTrue())
					Expect(model.Equal(v, model.NewInteger(1))).To(BeTrue())

					Expect(cache.Remove(txn, model.MustDocumentKey("rooms/a"))).To(Succeed())

					doc, err = cache.Get(txn, model.MustDocumentKey("rooms/a"))
					Expect(err).NotTo(HaveOccurred())
					Expect(doc.IsValidDocument()).To(BeFalse())
				})
			})

			It("scans only direct children read after the given time", func() {
				cache := p.RemoteDocumentCache()
				q := query.NewCollectionQuery(model.MustResourcePath("rooms")).
					Where("open", query.Equal, model.NewBoolean(true))

				write(func(txn persistence.Transaction) {
					Expect(cache.Add(txn, Doc("rooms/old", 1, map[string]any{"open": true}), model.VersionFromMicros(1))).To(Succeed())
					Expect(cache.Add(txn, Doc("rooms/new", 1, map[string]any{"open": true}), model.VersionFromMicros(3))).To(Succeed())
					Expect(cache.Add(txn, Doc("rooms/closed", 1, map[string]any{"open": false}), model.VersionFromMicros(3))).To(Succeed())
					Expect(cache.Add(txn, Doc("rooms/mutated", 1, map[string]any{"open": false}), model.VersionFromMicros(3))).To(Succeed())
					Expect(cache.Add(txn, Doc("rooms/new/messages/1", 1, map[string]any{"open": true}), model.VersionFromMicros(3))).To(Succeed())

					all, err := cache.GetDocumentsMatchingQuery(txn, q, model.SnapshotVersionMin, model.NewDocumentKeySet())
					Expect(err).NotTo(HaveOccurred())
					Expect(all.Keys()).To(Equal(Keys("rooms/old", "rooms/new")))

					recent, err := cache.GetDocumentsMatchingQuery(txn, q, model.VersionFromMicros(1),
						Keys("rooms/mutated"))
					Expect(err).NotTo(HaveOccurred())
					Expect(recent.Keys()).To(Equal(Keys("rooms/new", "rooms/mutated")))
				})
			})
		})

		Context("mutation queue", func() {
			It("assigns increasing batch ids that survive a drained queue", func() {
				q := p.MutationQueue()

				write(func(txn persistence.Transaction) {
					empty, err := q.IsEmpty(txn)
					Expect(err).NotTo(HaveOccurred())
					Expect(empty).To(BeTrue())

					highest, err := q.GetHighestUnacknowledgedBatchID(txn)
					Expect(err).NotTo(HaveOccurred())
					Expect(highest).To(Equal(mutation.BatchIDUnknown))

					first := AddBatch(txn, q, Set("rooms/a", nil))
					second := AddBatch(txn, q, Set("rooms/b", nil))
					Expect(second.BatchID).To(BeNumerically(">", first.BatchID))

					Expect(q.RemoveMutationBatch(txn, first)).To(Succeed())
					Expect(q.RemoveMutationBatch(txn, second)).To(Succeed())

					third := AddBatch(txn, q, Set("rooms/c", nil))
					Expect(third.BatchID).To(BeNumerically(">", second.BatchID))
				})
			})

			It("looks batches up by id and by key", func() {
				q := p.MutationQueue()

				write(func(txn persistence.Transaction) {
					a := AddBatch(txn, q, Set("rooms/a", map[string]any{"n": int64(1)}))
					b := AddBatch(txn, q, Set("rooms/b", nil), Set("rooms/a", nil))
					c := AddBatch(txn, q, Set("rooms/c", nil))

					found, err := q.LookupMutationBatch(txn, b.BatchID)
					Expect(err).NotTo(HaveOccurred())
					Expect(found.Equal(b)).To(BeTrue())

					next, err := q.GetNextMutationBatchAfterBatchID(txn, a.BatchID)
					Expect(err).NotTo(HaveOccurred())
					Expect(next.BatchID).To(Equal(b.BatchID))

					none, err := q.GetNextMutationBatchAfterBatchID(txn, c.BatchID)
					Expect(err).NotTo(HaveOccurred())
					Expect(none).To(BeNil())

					affecting, err := q.GetAllMutationBatchesAffectingDocumentKeys(txn, Keys("rooms/a"))
					Expect(err).NotTo(HaveOccurred())
					Expect(affecting).To(HaveLen(2))
					Expect(affecting[0].BatchID).To(Equal(a.BatchID))
					Expect(affecting[1].BatchID).To(Equal(b.BatchID))

					contains, err := q.ContainsKey(txn, model.MustDocumentKey("rooms/c"))
					Expect(err).NotTo(HaveOccurred())
					Expect(contains).To(BeTrue())

					Expect(q.RemoveMutationBatch(txn, c)).To(Succeed())

					contains, err = q.ContainsKey(txn, model.MustDocumentKey("rooms/c"))
					Expect(err).NotTo(HaveOccurred())
					Expect(contains).To(BeFalse())

					all, err := q.GetAllMutationBatches(txn)
					Expect(err).NotTo(HaveOccurred())
					Expect(all).To(HaveLen(2))
				})
			})

			It("remembers the stream token", func() {
				q := p.MutationQueue()

				write(func(txn persistence.Transaction) {
					Expect(q.SetLastStreamToken(txn, []byte("token-1"))).To(Succeed())
				})

				write(func(txn persistence.Transaction) {
					token, err := q.GetLastStreamToken(txn)
					Expect(err).NotTo(HaveOccurred())
					Expect(token).To(Equal([]byte("token-1")))
				})
			})
		})

		Context("document overlay cache", func() {
			It("keeps one overlay per document", func() {
				c := p.DocumentOverlayCache()
				a := model.MustDocumentKey("rooms/a")

				write(func(txn persistence.Transaction) {
					first := Set("rooms/a", map[string]any{"v": int64(1)})
					second := Set("rooms/a", map[string]any{"v": int64(2)})

					Expect(c.SaveOverlays(txn, 1, map[model.DocumentKey]*mutation.Mutation{a: &first})).To(Succeed())
					Expect(c.SaveOverlays(txn, 2, map[model.DocumentKey]*mutation.Mutation{a: &second})).To(Succeed())

					overlay, err := c.GetOverlay(txn, a)
					Expect(err).NotTo(HaveOccurred())
					Expect(overlay.LargestBatchID).To(Equal(2))
					Expect(overlay.Mutation.Equal(second)).To(BeTrue())

					Expect(c.RemoveOverlaysForBatchID(txn, Keys("rooms/a"), 1)).To(Succeed())

					overlay, err = c.GetOverlay(txn, a)
					Expect(err).NotTo(HaveOccurred())
					Expect(overlay).NotTo(BeNil())

					Expect(c.RemoveOverlaysForBatchID(txn, Keys("rooms/a"), 2)).To(Succeed())

					overlay, err = c.GetOverlay(txn, a)
					Expect(err).NotTo(HaveOccurred())
					Expect(overlay).To(BeNil())
				})
			})

			It("deletes overlays saved as nil", func() {
				c := p.DocumentOverlayCache()
				a := model.MustDocumentKey("rooms/a")

				write(func(txn persistence.Transaction) {
					m := Set("rooms/a", nil)
					Expect(c.SaveOverlays(txn, 1, map[model.DocumentKey]*mutation.Mutation{a: &m})).To(Succeed())
					Expect(c.SaveOverlays(txn, 2, map[model.DocumentKey]*mutation.Mutation{a: nil})).To(Succeed())

					overlays, err := c.GetOverlays(txn, Keys("rooms/a"))
					Expect(err).NotTo(HaveOccurred())
					Expect(overlays).To(BeEmpty())
				})
			})

			It("lists collection overlays newer than a batch", func() {
				c := p.DocumentOverlayCache()

				write(func(txn persistence.Transaction) {
					a, b, nested := Set("rooms/a", nil), Set("rooms/b", nil), Set("rooms/a/messages/1", nil)

					Expect(c.SaveOverlays(txn, 1, map[model.DocumentKey]*mutation.Mutation{a.Key: &a})).To(Succeed())
					Expect(c.SaveOverlays(txn, 3, map[model.DocumentKey]*mutation.Mutation{b.Key: &b, nested.Key: &nested})).To(Succeed())

					overlays, err := c.GetOverlaysForCollection(txn, model.MustResourcePath("rooms"), 1)
					Expect(err).NotTo(HaveOccurred())
					Expect(overlays).To(HaveLen(1))
					Expect(overlays).To(HaveKey(b.Key))
				})
			})
		})

		Context("target cache", func() {
			rooms := query.NewCollectionQuery(model.MustResourcePath("rooms")).ToTarget()
			users := query.NewCollectionQuery(model.MustResourcePath("users")).ToTarget()

			It("allocates even target ids above every stored one", func() {
				c := p.TargetCache()

				write(func(txn persistence.Transaction) {
					id, err := c.AllocateTargetID(txn)
					Expect(err).NotTo(HaveOccurred())
					Expect(id).To(Equal(2))

					Expect(c.AddTargetData(txn, persistence.NewTargetData(rooms, 10, persistence.PurposeListen, txn.CurrentSequenceNumber()))).To(Succeed())

					id, err = c.AllocateTargetID(txn)
					Expect(err).NotTo(HaveOccurred())
					Expect(id).To(Equal(12))
				})
			})

			It("finds target data by target", func() {
				c := p.TargetCache()

				write(func(txn persistence.Transaction) {
					data := persistence.NewTargetData(rooms, 2, persistence.PurposeListen, txn.CurrentSequenceNumber()).
						WithResumeToken([]byte("resume"), model.VersionFromMicros(7))
					Expect(c.AddTargetData(txn, data)).To(Succeed())

					found, err := c.GetTargetData(txn, query.NewCollectionQuery(model.MustResourcePath("rooms")).ToTarget())
					Expect(err).NotTo(HaveOccurred())
					Expect(found.TargetID).To(Equal(2))
					Expect(found.ResumeToken).To(Equal([]byte("resume")))
					Expect(found.SnapshotVersion).To(Equal(model.VersionFromMicros(7)))

					missing, err := c.GetTargetData(txn, users)
					Expect(err).NotTo(HaveOccurred())
					Expect(missing).To(BeNil())

					count, err := c.TargetCount(txn)
					Expect(err).NotTo(HaveOccurred())
					Expect(count).To(Equal(1))
				})
			})

			It("tracks matching keys in both directions", func() {
				c := p.TargetCache()

				write(func(txn persistence.Transaction) {
					Expect(c.AddMatchingKeys(txn, Keys("rooms/a", "rooms/b"), 2)).To(Succeed())
					Expect(c.AddMatchingKeys(txn, Keys("rooms/b"), 4)).To(Succeed())
					Expect(c.RemoveMatchingKeys(txn, Keys("rooms/a"), 2)).To(Succeed())

					keys, err := c.GetMatchingKeysForTargetID(txn, 2)
					Expect(err).NotTo(HaveOccurred())
					Expect(keys).To(Equal(Keys("rooms/b")))

					contains, err := c.ContainsKey(txn, model.MustDocumentKey("rooms/a"))
					Expect(err).NotTo(HaveOccurred())
					Expect(contains).To(BeFalse())

					Expect(c.RemoveMatchingKeysForTargetID(txn, 2)).To(Succeed())

					contains, err = c.ContainsKey(txn, model.MustDocumentKey("rooms/b"))
					Expect(err).NotTo(HaveOccurred())
					Expect(contains).To(BeTrue())
				})
			})

			It("removes inactive targets up to a sequence number and reports their keys", func() {
				c := p.TargetCache()

				write(func(txn persistence.Transaction) {
					Expect(c.AddTargetData(txn, persistence.NewTargetData(rooms, 2, persistence.PurposeListen, 5))).To(Succeed())
					Expect(c.AddTargetData(txn, persistence.NewTargetData(users, 4, persistence.PurposeListen, 5))).To(Succeed())
					Expect(c.AddMatchingKeys(txn, Keys("rooms/a"), 2)).To(Succeed())
					Expect(c.AddMatchingKeys(txn, Keys("users/a"), 4)).To(Succeed())

					removed, keys, err := c.RemoveTargets(txn, 5, map[int]struct{}{4: {}})
					Expect(err).NotTo(HaveOccurred())
					Expect(removed).To(Equal(1))
					Expect(keys).To(Equal(Keys("rooms/a")))

					count, err := c.TargetCount(txn)
					Expect(err).NotTo(HaveOccurred())
					Expect(count).To(Equal(1))
				})
			})

			It("keeps the highest sequence number and the last remote version", func() {
				c := p.TargetCache()

				write(func(txn persistence.Transaction) {
					Expect(c.SetTargetsMetadata(txn, 1000, model.VersionFromMicros(42))).To(Succeed())
					Expect(c.SetTargetsMetadata(txn, 10, model.VersionFromMicros(43))).To(Succeed())

					highest, err := c.GetHighestSequenceNumber(txn)
					Expect(err).NotTo(HaveOccurred())
					Expect(highest).To(BeNumerically(">=", 1000))

					version, err := c.GetLastRemoteSnapshotVersion(txn)
					Expect(err).NotTo(HaveOccurred())
					Expect(version).To(Equal(model.VersionFromMicros(43)))
				})
			})

			It("stores orphan sequence numbers", func() {
				c := p.TargetCache()

				write(func(txn persistence.Transaction) {
					Expect(c.SetDocumentSequenceNumber(txn, model.MustDocumentKey("rooms/a"), 3)).To(Succeed())
					Expect(c.SetDocumentSequenceNumber(txn, model.MustDocumentKey("rooms/b"), 4)).To(Succeed())
					Expect(c.RemoveDocumentSequenceNumber(txn, model.MustDocumentKey("rooms/b"))).To(Succeed())

					seen := map[string]persistence.ListenSequenceNumber{}
					Expect(c.ForEachDocumentSequenceNumber(txn, func(key model.DocumentKey, seq persistence.ListenSequenceNumber) {
						seen[key.String()] = seq
					})).To(Succeed())
					Expect(seen).To(Equal(map[string]persistence.ListenSequenceNumber{"rooms/a": 3}))
				})
			})
		})

		Context("index manager", func() {
			It("records collection parents once", func() {
				m := p.IndexManager()

				write(func(txn persistence.Transaction) {
					Expect(m.AddToCollectionParentIndex(txn, model.MustResourcePath("rooms/b/messages"))).To(Succeed())
					Expect(m.AddToCollectionParentIndex(txn, model.MustResourcePath("rooms/a/messages"))).To(Succeed())
					Expect(m.AddToCollectionParentIndex(txn, model.MustResourcePath("rooms/a/messages"))).To(Succeed())

					parents, err := m.GetCollectionParents(txn, "messages")
					Expect(err).NotTo(HaveOccurred())
					Expect(parents).To(Equal([]model.ResourcePath{
						model.MustResourcePath("rooms/a"),
						model.MustResourcePath("rooms/b"),
					}))
				})
			})
		})
	})
}
