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

package backoff_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/asyncqueue"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/backoff"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

var _ = Describe("Exponential", func() {
	var (
		q   *asyncqueue.Queue
		ctx context.Context
		b   *backoff.Exponential
	)

	BeforeEach(func() {
		ctx = context.Background()
		q = asyncqueue.New(zap.NewNop().Sugar())
		b = backoff.NewExponential(q, asyncqueue.TimerListenStreamConnectionBackoff, backoff.DefaultConfig(), zap.NewNop().Sugar())
	})

	AfterEach(func() {
		Expect(q.Shutdown(ctx)).To(Succeed())
	})

	It("starts without delay and then grows within the jitter band", func() {
		Expect(b.NextDelay()).To(BeZero())

		first := b.NextDelay()
		Expect(first).To(BeNumerically(">=", 500*time.Millisecond))
		Expect(first).To(BeNumerically("<=", 1500*time.Millisecond))

		second := b.NextDelay()
		Expect(second).To(BeNumerically(">=", 750*time.Millisecond))
		Expect(second).To(BeNumerically("<=", 2250*time.Millisecond))
	})

	It("never exceeds the jittered maximum", func() {
		b.NextDelay()

		for i := 0; i < 50; i++ {
			Expect(b.NextDelay()).To(BeNumerically("<=", 90*time.Second))
		}
	})

	It("jumps to the maximum after ResetToMax", func() {
		b.ResetToMax()

		d := b.NextDelay()
		Expect(d).To(BeNumerically(">=", 30*time.Second))
		Expect(d).To(BeNumerically("<=", 90*time.Second))
	})

	It("is immediate again after Reset", func() {
		b.NextDelay()
		b.NextDelay()
		b.Reset()

		Expect(b.NextDelay()).To(BeZero())
	})

	It("schedules attempts on the queue and cancels superseded ones", func() {
		runs := make(chan string, 2)

		Expect(q.Enqueue(ctx, func() error {
			b.ResetToMax()
			b.BackoffAndRun(func() error {
				runs <- "first"

				return nil
			})
			b.BackoffAndRun(func() error {
				runs <- "second"

				return nil
			})

			return nil
		})).To(Succeed())

		Expect(q.ContainsDelayedOperation(asyncqueue.TimerListenStreamConnectionBackoff)).To(BeTrue())
		Expect(q.RunAllDelayedOperationsUntil(ctx, asyncqueue.TimerAll)).To(Succeed())

		Expect(runs).To(Receive(Equal("second")))
		Expect(runs).NotTo(Receive())
	})
})

var _ = Describe("CategorizeStreamError", func() {
	It("keeps existing categories", func() {
		err := backoff.NewPermanentError(errors.New("bad"))
		Expect(backoff.CategorizeStreamError(err, false)).To(BeIdenticalTo(err))
	})

	It("ignores cancellations", func() {
		err := backoff.CategorizeStreamError(standarderrors.New(standarderrors.Cancelled, "closed"), false)
		Expect(backoff.IsIgnoredError(err)).To(BeTrue())
	})

	It("retries aborted writes but not aborted listens", func() {
		aborted := standarderrors.New(standarderrors.Aborted, "contention")
		Expect(backoff.IsTransientError(backoff.CategorizeStreamError(aborted, true))).To(BeTrue())
		Expect(backoff.IsPermanentError(backoff.CategorizeStreamError(aborted, false))).To(BeTrue())
	})

	It("treats unknown errors as transient", func() {
		err := backoff.CategorizeStreamError(errors.New("connection reset"), true)
		Expect(backoff.CategoryOf(err)).To(Equal(backoff.CategoryTransient))
	})

	It("extracts the root cause", func() {
		root := errors.New("root")
		wrapped := fmt.Errorf("outer: %w", backoff.NewTransientError(fmt.Errorf("inner: %w", root)))
		Expect(backoff.ExtractOriginalError(wrapped)).To(BeIdenticalTo(root))
	})
})
