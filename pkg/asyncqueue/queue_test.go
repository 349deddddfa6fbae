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

package asyncqueue_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/asyncqueue"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

var _ = Describe("Queue", func() {
	var (
		q   *asyncqueue.Queue
		ctx context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		q = asyncqueue.New(zap.NewNop().Sugar())
	})

	AfterEach(func() {
		Expect(q.Shutdown(ctx)).To(Succeed())
	})

	It("runs operations in order", func() {
		var (
			mu    sync.Mutex
			order []int
		)

		for i := 0; i < 50; i++ {
			q.EnqueueAndForget(func() error {
				mu.Lock()
				defer mu.Unlock()

				order = append(order, i)

				return nil
			})
		}

		Expect(q.Enqueue(ctx, func() error { return nil })).To(Succeed())

		mu.Lock()
		defer mu.Unlock()

		Expect(order).To(HaveLen(50))

		for i := range order {
			Expect(order[i]).To(Equal(i))
		}
	})

	It("returns the operation's error", func() {
		boom := errors.New("boom")
		Expect(q.Enqueue(ctx, func() error { return boom })).To(MatchError(boom))
	})

	It("turns panics into errors", func() {
		err := q.Enqueue(ctx, func() error { panic("bad state") })
		Expect(err).To(MatchError(ContainSubstring("bad state")))
	})

	It("hands fire-and-forget failures to the failure handler", func() {
		failures := make(chan error, 1)
		q.SetFailureHandler(func(err error) { failures <- err })

		q.EnqueueAndForget(func() error { return errors.New("disk full") })

		Eventually(failures).Should(Receive(MatchError("disk full")))
	})

	It("rejects work once restricted but still runs restricted work", func() {
		q.EnterRestrictedMode()

		Expect(q.Enqueue(ctx, func() error { return nil })).To(MatchError(standarderrors.ErrQueueShutdown))
		Expect(q.EnqueueEvenWhileRestricted(ctx, func() error { return nil })).To(Succeed())
	})

	Context("delayed operations", func() {
		It("runs after the delay", func() {
			ran := make(chan struct{})
			q.EnqueueAfterDelay(asyncqueue.TimerHealthCheckTimeout, 10*time.Millisecond, func() error {
				close(ran)

				return nil
			})

			Eventually(ran).Should(BeClosed())
			Eventually(func() bool { return q.ContainsDelayedOperation(asyncqueue.TimerHealthCheckTimeout) }).Should(BeFalse())
		})

		It("never runs once cancelled", func() {
			ran := false
			d := q.EnqueueAfterDelay(asyncqueue.TimerOnlineStateTimeout, time.Hour, func() error {
				ran = true

				return nil
			})
			Expect(q.ContainsDelayedOperation(asyncqueue.TimerOnlineStateTimeout)).To(BeTrue())

			d.Cancel()
			d.SkipDelay()
			Expect(q.Enqueue(ctx, func() error { return nil })).To(Succeed())

			Expect(q.ContainsDelayedOperation(asyncqueue.TimerOnlineStateTimeout)).To(BeFalse())
			Expect(q.Enqueue(ctx, func() error {
				Expect(ran).To(BeFalse())

				return nil
			})).To(Succeed())
		})

		It("runs delayed operations early up to a timer", func() {
			var (
				mu  sync.Mutex
				ran []asyncqueue.TimerID
			)

			record := func(id asyncqueue.TimerID) asyncqueue.Operation {
				return func() error {
					mu.Lock()
					defer mu.Unlock()

					ran = append(ran, id)

					return nil
				}
			}

			q.EnqueueAfterDelay(asyncqueue.TimerGarbageCollection, 3*time.Hour, record(asyncqueue.TimerGarbageCollection))
			q.EnqueueAfterDelay(asyncqueue.TimerListenStreamIdle, time.Hour, record(asyncqueue.TimerListenStreamIdle))
			q.EnqueueAfterDelay(asyncqueue.TimerWriteStreamIdle, 2*time.Hour, record(asyncqueue.TimerWriteStreamIdle))

			Expect(q.RunAllDelayedOperationsUntil(ctx, asyncqueue.TimerWriteStreamIdle)).To(Succeed())

			mu.Lock()
			defer mu.Unlock()

			Expect(ran).To(Equal([]asyncqueue.TimerID{asyncqueue.TimerListenStreamIdle, asyncqueue.TimerWriteStreamIdle}))
			Expect(q.ContainsDelayedOperation(asyncqueue.TimerGarbageCollection)).To(BeTrue())
		})
	})
})
