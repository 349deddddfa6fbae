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

// Package asyncqueue runs operations one at a time, in order, on a single
// worker goroutine. All engine state is owned by that goroutine, so
// operations never need locks of their own.
package asyncqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/metrics"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

// TimerID names a kind of delayed operation.
type TimerID string

const (
	// TimerAll matches every timer in RunAllDelayedOperationsUntil.
	TimerAll                           TimerID = "all"
	TimerListenStreamIdle              TimerID = "listen_stream_idle"
	TimerListenStreamConnectionBackoff TimerID = "listen_stream_connection_backoff"
	TimerWriteStreamIdle               TimerID = "write_stream_idle"
	TimerWriteStreamConnectionBackoff  TimerID = "write_stream_connection_backoff"
	TimerHealthCheckTimeout            TimerID = "health_check_timeout"
	TimerOnlineStateTimeout            TimerID = "online_state_timeout"
	TimerGarbageCollection             TimerID = "garbage_collection"
)

// Operation is a unit of work run on the queue.
type Operation func() error

type task struct {
	op     Operation
	result chan error
}

// Queue is an unbounded FIFO with one worker.
type Queue struct {
	log *zap.SugaredLogger

	mu         sync.Mutex
	cond       *sync.Cond
	tasks      []task
	delayed    []*DelayedOperation
	restricted bool
	stopped    bool
	onFailure  func(error)

	done chan struct{}
}

// New starts the worker goroutine. Call Shutdown to stop it.
func New(log *zap.SugaredLogger) *Queue {
	if log == nil {
		panic("asyncqueue.New: logger must not be nil")
	}

	q := &Queue{
		log:  log,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	go q.run()

	return q
}

// SetFailureHandler registers fn to receive errors of fire-and-forget
// operations.
func (q *Queue) SetFailureHandler(fn func(error)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.onFailure = fn
}

// Enqueue runs op on the queue and waits for it. If ctx ends first, Enqueue
// returns ctx.Err() and op still runs. It must not be called from inside an
// operation.
func (q *Queue) Enqueue(ctx context.Context, op Operation) error {
	result := make(chan error, 1)
	if !q.push(task{op: op, result: result}, false) {
		return standarderrors.ErrQueueShutdown
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueAndForget schedules op without waiting. Failures go to the failure
// handler.
func (q *Queue) EnqueueAndForget(op Operation) {
	q.push(task{op: op}, false)
}

// EnqueueEvenWhileRestricted schedules op even after EnterRestrictedMode.
// It is used by shutdown code.
func (q *Queue) EnqueueEvenWhileRestricted(ctx context.Context, op Operation) error {
	result := make(chan error, 1)
	if !q.push(task{op: op, result: result}, true) {
		return standarderrors.ErrQueueShutdown
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnterRestrictedMode rejects every later Enqueue and EnqueueAndForget.
func (q *Queue) EnterRestrictedMode() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.restricted = true
}

// IsShuttingDown reports whether the queue is restricted or stopped.
func (q *Queue) IsShuttingDown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.restricted || q.stopped
}

// Shutdown restricts the queue, cancels delayed operations, runs everything
// already queued and stops the worker.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.restricted = true
	delayed := q.delayed
	q.delayed = nil
	q.mu.Unlock()

	for _, d := range delayed {
		d.stopTimer()
	}

	err := q.EnqueueEvenWhileRestricted(ctx, func() error {
		q.mu.Lock()
		q.stopped = true
		q.mu.Unlock()

		return nil
	})
	if err != nil && !errors.Is(err, standarderrors.ErrQueueShutdown) {
		return err
	}

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) push(t task, evenWhileRestricted bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || (q.restricted && !evenWhileRestricted) {
		return false
	}

	q.tasks = append(q.tasks, t)
	q.cond.Signal()

	return true
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.stopped {
			q.cond.Wait()
		}

		if len(q.tasks) == 0 {
			q.mu.Unlock()

			return
		}

		t := q.tasks[0]
		q.tasks[0] = task{}
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		start := time.Now()
		err := q.execute(t.op)
		metrics.ObserveQueueOperation(time.Since(start))

		if t.result != nil {
			t.result <- err

			continue
		}

		if err != nil {
			q.log.Errorw("Async operation failed", "error", err)

			q.mu.Lock()
			handler := q.onFailure
			q.mu.Unlock()

			if handler != nil {
				handler(err)
			}
		}
	}
}

func (q *Queue) execute(op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in async operation: %v\n%s", r, debug.Stack())
		}
	}()

	return op()
}

// EnqueueAfterDelay schedules op to run after delay. The returned handle can
// cancel it or run it early.
func (q *Queue) EnqueueAfterDelay(timerID TimerID, delay time.Duration, op Operation) *DelayedOperation {
	d := &DelayedOperation{
		queue:      q,
		TimerID:    timerID,
		TargetTime: time.Now().Add(delay),
		op:         op,
	}

	q.mu.Lock()
	if q.restricted || q.stopped {
		q.mu.Unlock()
		d.cancelled = true

		return d
	}

	q.delayed = append(q.delayed, d)
	q.mu.Unlock()

	d.mu.Lock()
	d.timer = time.AfterFunc(delay, d.enqueueFire)
	d.mu.Unlock()

	return d
}

// ContainsDelayedOperation reports whether a delayed operation with timerID
// is scheduled.
func (q *Queue) ContainsDelayedOperation(timerID TimerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, d := range q.delayed {
		if d.TimerID == timerID {
			return true
		}
	}

	return false
}

// RunAllDelayedOperationsUntil runs scheduled delayed operations in target
// time order, up to and including the first one with lastTimerID. TimerAll
// runs them all. Meant for tests.
func (q *Queue) RunAllDelayedOperationsUntil(ctx context.Context, lastTimerID TimerID) error {
	if err := q.Enqueue(ctx, func() error { return nil }); err != nil {
		return err
	}

	q.mu.Lock()
	pending := append([]*DelayedOperation(nil), q.delayed...)
	q.mu.Unlock()

	sort.SliceStable(pending, func(i, j int) bool { return pending[i].TargetTime.Before(pending[j].TargetTime) })

	for _, d := range pending {
		d.SkipDelay()

		if lastTimerID != TimerAll && d.TimerID == lastTimerID {
			break
		}
	}

	return q.Enqueue(ctx, func() error { return nil })
}

func (q *Queue) removeDelayed(d *DelayedOperation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.delayed {
		if e == d {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)

			return
		}
	}
}
