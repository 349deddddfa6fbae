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

package backoff

import (
	"time"

	cbackoff "github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/asyncqueue"
)

const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 60 * time.Second
	DefaultFactor       = 1.5
	DefaultJitter       = 0.5
)

// Config holds the delay parameters of an Exponential.
type Config struct {
	InitialDelay time.Duration `yaml:"initialDelay" mapstructure:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay" mapstructure:"maxDelay"`
	Factor       float64       `yaml:"factor" mapstructure:"factor"`
	Jitter       float64       `yaml:"jitter" mapstructure:"jitter"`
}

// DefaultConfig returns 1s initial delay, factor 1.5, 60s cap and 50% jitter.
func DefaultConfig() Config {
	return Config{
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Factor:       DefaultFactor,
		Jitter:       DefaultJitter,
	}
}

// Exponential schedules retries on an async queue with exponentially growing,
// jittered delays. The first attempt after Reset runs without delay. Time
// already spent since the previous attempt counts toward the next delay.
//
// Exponential is owned by the queue: call it only from queue operations.
type Exponential struct {
	queue   *asyncqueue.Queue
	timerID asyncqueue.TimerID
	cfg     Config
	log     *zap.SugaredLogger

	policy      *cbackoff.ExponentialBackOff
	fresh       bool
	lastAttempt time.Time
	pending     *asyncqueue.DelayedOperation
}

// NewExponential creates a backoff that schedules with timerID on queue.
func NewExponential(queue *asyncqueue.Queue, timerID asyncqueue.TimerID, cfg Config, log *zap.SugaredLogger) *Exponential {
	if queue == nil {
		panic("backoff.NewExponential: queue must not be nil")
	}

	if log == nil {
		panic("backoff.NewExponential: logger must not be nil")
	}

	policy := cbackoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialDelay
	policy.MaxInterval = cfg.MaxDelay
	policy.Multiplier = cfg.Factor
	policy.RandomizationFactor = cfg.Jitter
	policy.MaxElapsedTime = 0
	policy.Reset()

	return &Exponential{
		queue:       queue,
		timerID:     timerID,
		cfg:         cfg,
		log:         log,
		policy:      policy,
		fresh:       true,
		lastAttempt: time.Now(),
	}
}

// Reset makes the next BackoffAndRun immediate and restarts the delay
// sequence at the initial delay.
func (e *Exponential) Reset() {
	e.policy.InitialInterval = e.cfg.InitialDelay
	e.policy.Reset()
	e.fresh = true
}

// ResetToMax makes the next delay the maximum one. Used after the backend
// reports resource exhaustion.
func (e *Exponential) ResetToMax() {
	e.policy.InitialInterval = e.cfg.MaxDelay
	e.policy.Reset()
	e.policy.InitialInterval = e.cfg.InitialDelay
	e.fresh = false
}

// NextDelay returns the delay the next BackoffAndRun would wait, before
// subtracting time already elapsed, and advances the sequence.
func (e *Exponential) NextDelay() time.Duration {
	if e.fresh {
		e.fresh = false

		return 0
	}

	d := e.policy.NextBackOff()
	if d == cbackoff.Stop {
		return e.cfg.MaxDelay
	}

	return d
}

// BackoffAndRun cancels any pending attempt and schedules op after the
// next delay.
func (e *Exponential) BackoffAndRun(op asyncqueue.Operation) {
	e.Cancel()

	desired := e.NextDelay()
	remaining := desired - time.Since(e.lastAttempt)

	if remaining < 0 {
		remaining = 0
	}

	if desired > 0 {
		e.log.Debugw("Backing off",
			"timer", e.timerID,
			"delay", remaining,
			"desired", desired)
	}

	e.pending = e.queue.EnqueueAfterDelay(e.timerID, remaining, func() error {
		e.pending = nil
		e.lastAttempt = time.Now()

		return op()
	})
}

// Cancel drops a scheduled attempt that has not run yet.
func (e *Exponential) Cancel() {
	if e.pending != nil {
		e.pending.Cancel()
		e.pending = nil
	}
}
