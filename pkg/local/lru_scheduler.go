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

package local

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/asyncqueue"
)

const (
	DefaultGCInitialDelay = time.Minute
	DefaultGCInterval     = 5 * time.Minute
)

// GarbageCollectionRunner runs one collection pass. It is called on the
// async queue.
type GarbageCollectionRunner interface {
	CollectGarbage(ctx context.Context) (LruResults, error)
}

// LruScheduler runs garbage collection on the async queue, first after
// initialDelay and then every interval.
type LruScheduler struct {
	queue        *asyncqueue.Queue
	runner       GarbageCollectionRunner
	params       LruParams
	initialDelay time.Duration
	interval     time.Duration
	log          *zap.SugaredLogger

	// Owned by the queue.
	task   *asyncqueue.DelayedOperation
	hasRun bool
}

func NewLruScheduler(queue *asyncqueue.Queue, runner GarbageCollectionRunner, params LruParams,
	initialDelay, interval time.Duration, log *zap.SugaredLogger,
) *LruScheduler {
	if log == nil {
		panic("NewLruScheduler: logger must not be nil")
	}

	if initialDelay <= 0 {
		initialDelay = DefaultGCInitialDelay
	}

	if interval <= 0 {
		interval = DefaultGCInterval
	}

	return &LruScheduler{
		queue:        queue,
		runner:       runner,
		params:       params,
		initialDelay: initialDelay,
		interval:     interval,
		log:          log,
	}
}

// Start schedules the first pass. It does nothing when collection is
// disabled.
func (s *LruScheduler) Start() {
	if !s.params.Enabled() {
		s.log.Debug("Garbage collection disabled, scheduler not started")

		return
	}

	s.schedule(s.initialDelay)
}

func (s *LruScheduler) Stop() {
	if s.task != nil {
		s.task.Cancel()
		s.task = nil
	}
}

func (s *LruScheduler) IsStarted() bool {
	return s.task != nil
}

func (s *LruScheduler) schedule(delay time.Duration) {
	delay = s.nextDelay(delay)

	s.log.Debugw("Scheduling garbage collection", "delay", delay)

	s.task = s.queue.EnqueueAfterDelay(asyncqueue.TimerGarbageCollection, delay, func() error {
		s.task = nil
		s.hasRun = true

		if _, err := s.runner.CollectGarbage(context.Background()); err != nil {
			return err
		}

		s.schedule(s.interval)

		return nil
	})
}

func (s *LruScheduler) nextDelay(delay time.Duration) time.Duration {
	if s.hasRun {
		return s.interval
	}

	return delay
}
