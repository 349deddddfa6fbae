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
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/asyncqueue"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/local"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence/memory"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
)

var _ = Describe("LruGarbageCollector", func() {
	var (
		ctx    context.Context
		store  *local.LocalStore
		params local.LruParams
	)

	BeforeEach(func() {
		ctx = context.Background()
		params = local.LruParams{
			CacheSizeCollectionThreshold:    0,
			PercentileToCollect:             100,
			MaximumSequenceNumbersToCollect: 1000,
		}
	})

	JustBeforeEach(func() {
		store = local.NewLocalStore(memory.New(zap.NewNop().Sugar()), params, zap.NewNop().Sugar())
		Expect(store.Start(ctx)).To(Succeed())
	})

	// listenAndRelease caches docs through a target that is then released.
	listenAndRelease := func(collection string, docs ...*model.Document) {
		target := query.NewCollectionQuery(model.MustResourcePath(collection)).ToTarget()
		data, err := store.AllocateTarget(ctx, target)
		Expect(err).NotTo(HaveOccurred())

		_, err = store.ApplyRemoteEvent(ctx, addedEvent(10, data.TargetID, "t", docs...))
		Expect(err).NotTo(HaveOccurred())

		Expect(store.ReleaseTarget(ctx, data.TargetID, false)).To(Succeed())
	}

	collect := func() local.LruResults {
		results, err := store.CollectGarbage(ctx)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())

		return results
	}

	Context("when disabled", func() {
		BeforeEach(func() {
			params.CacheSizeCollectionThreshold = local.GCThresholdDisabled
		})

		It("never runs", func() {
			listenAndRelease("rooms", remoteDoc("rooms/a", 10, nil))
			Expect(collect().DidRun).To(BeFalse())
		})
	})

	Context("below the size threshold", func() {
		BeforeEach(func() {
			params.CacheSizeCollectionThreshold = 1 << 30
		})

		It("does not run", func() {
			listenAndRelease("rooms", remoteDoc("rooms/a", 10, nil))
			Expect(collect().DidRun).To(BeFalse())
		})
	})

	It("removes a released target, then its orphaned documents", func() {
		listenAndRelease("rooms", remoteDoc("rooms/a", 10, nil), remoteDoc("rooms/b", 10, nil))

		first := collect()
		Expect(first.DidRun).To(BeTrue())
		Expect(first.TargetsRemoved).To(Equal(1))
		// The target's documents were only just orphaned.
		Expect(first.DocumentsRemoved).To(BeZero())
		Expect(read(ctx, store, "rooms/a").IsFoundDocument()).To(BeTrue())

		second := collect()
		Expect(second.DocumentsRemoved).To(Equal(2))
		Expect(read(ctx, store, "rooms/a").IsValidDocument()).To(BeFalse())
	})

	It("keeps active targets and their documents", func() {
		target := query.NewCollectionQuery(model.MustResourcePath("rooms")).ToTarget()
		data, err := store.AllocateTarget(ctx, target)
		Expect(err).NotTo(HaveOccurred())
		_, err = store.ApplyRemoteEvent(ctx, addedEvent(10, data.TargetID, "t", remoteDoc("rooms/a", 10, nil)))
		Expect(err).NotTo(HaveOccurred())

		collect()
		results := collect()
		Expect(results.TargetsRemoved).To(BeZero())
		Expect(read(ctx, store, "rooms/a").IsFoundDocument()).To(BeTrue())
	})

	It("keeps documents with pending writes", func() {
		listenAndRelease("rooms", remoteDoc("rooms/a", 10, map[string]any{"x": int64(1)}))
		write(ctx, store, patch("rooms/a", map[string]any{"y": int64(2)}))

		collect()
		collect()

		doc := read(ctx, store, "rooms/a")
		Expect(doc.HasLocalMutations()).To(BeTrue())
		Expect(field(doc, "x")).To(Equal(int64(1)))
	})

	It("collects documents once their write is acknowledged", func() {
		result := write(ctx, store, mutation.NewSet(key("rooms/a"), model.NewObjectValue()))
		ack(ctx, store, result.BatchID, 20)

		collect()
		Expect(read(ctx, store, "rooms/a").IsValidDocument()).To(BeFalse())
	})

	It("keeps documents shown by a view", func() {
		target := query.NewCollectionQuery(model.MustResourcePath("rooms")).ToTarget()
		data, err := store.AllocateTarget(ctx, target)
		Expect(err).NotTo(HaveOccurred())
		_, err = store.ApplyRemoteEvent(ctx, addedEvent(10, data.TargetID, "t", remoteDoc("rooms/a", 10, nil)))
		Expect(err).NotTo(HaveOccurred())
		Expect(store.NotifyLocalViewChanges(ctx, []local.LocalViewChanges{{
			TargetID:    data.TargetID,
			AddedKeys:   model.NewDocumentKeySet(key("rooms/a")),
			RemovedKeys: model.NewDocumentKeySet(),
		}})).To(Succeed())
		Expect(store.ReleaseTarget(ctx, data.TargetID, true)).To(Succeed())

		collect()
		collect()
		Expect(read(ctx, store, "rooms/a").IsFoundDocument()).To(BeTrue())
	})

	It("caps a pass at the maximum batch size", func() {
		params.MaximumSequenceNumbersToCollect = 1

		store = local.NewLocalStore(memory.New(zap.NewNop().Sugar()), params, zap.NewNop().Sugar())
		Expect(store.Start(ctx)).To(Succeed())

		listenAndRelease("rooms", remoteDoc("rooms/a", 10, nil))
		listenAndRelease("users", remoteDoc("users/a", 10, nil))

		results := collect()
		Expect(results.SequenceNumbersCollected).To(Equal(1))
		Expect(results.TargetsRemoved).To(Equal(1))
	})
})

type countingRunner struct {
	runs atomic.Int32
}

func (r *countingRunner) CollectGarbage(context.Context) (local.LruResults, error) {
	r.runs.Add(1)

	return local.LruResults{DidRun: true}, nil
}

var _ = Describe("LruScheduler", func() {
	var (
		ctx    context.Context
		queue  *asyncqueue.Queue
		runner *countingRunner
	)

	BeforeEach(func() {
		ctx = context.Background()
		queue = asyncqueue.New(zap.NewNop().Sugar())
		runner = &countingRunner{}
	})

	AfterEach(func() {
		Expect(queue.Shutdown(ctx)).To(Succeed())
	})

	onQueue := func(fn func()) {
		ExpectWithOffset(1, queue.Enqueue(ctx, func() error {
			fn()

			return nil
		})).To(Succeed())
	}

	It("runs collection and reschedules itself", func() {
		scheduler := local.NewLruScheduler(queue, runner, local.DefaultLruParams(), time.Hour, time.Hour, zap.NewNop().Sugar())
		onQueue(scheduler.Start)
		Expect(queue.ContainsDelayedOperation(asyncqueue.TimerGarbageCollection)).To(BeTrue())

		Expect(queue.RunAllDelayedOperationsUntil(ctx, asyncqueue.TimerGarbageCollection)).To(Succeed())
		Expect(runner.runs.Load()).To(Equal(int32(1)))
		Expect(queue.ContainsDelayedOperation(asyncqueue.TimerGarbageCollection)).To(BeTrue())

		onQueue(scheduler.Stop)
		Expect(queue.ContainsDelayedOperation(asyncqueue.TimerGarbageCollection)).To(BeFalse())
	})

	It("stays idle when collection is disabled", func() {
		params := local.DefaultLruParams()
		params.CacheSizeCollectionThreshold = local.GCThresholdDisabled

		scheduler := local.NewLruScheduler(queue, runner, params, time.Hour, time.Hour, zap.NewNop().Sugar())
		onQueue(scheduler.Start)

		Expect(scheduler.IsStarted()).To(BeFalse())
		Expect(queue.ContainsDelayedOperation(asyncqueue.TimerGarbageCollection)).To(BeFalse())
	})
})
