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

package asyncqueue

import (
	"sync"
	"time"
)

// DelayedOperation is an operation scheduled to run on the queue later.
type DelayedOperation struct {
	TimerID    TimerID
	TargetTime time.Time

	queue *Queue
	op    Operation

	mu        sync.Mutex
	timer     *time.Timer
	cancelled bool
	enqueued  bool
}

// Cancel prevents the operation from running if it has not started yet.
func (d *DelayedOperation) Cancel() {
	d.mu.Lock()
	if d.cancelled {
		d.mu.Unlock()

		return
	}

	d.cancelled = true
	d.mu.Unlock()

	d.stopTimer()
	d.queue.removeDelayed(d)
}

// SkipDelay queues the operation now instead of waiting for its timer.
func (d *DelayedOperation) SkipDelay() {
	d.stopTimer()
	d.enqueueFire()
}

func (d *DelayedOperation) stopTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
}

// enqueueFire hands the operation to the queue once, whichever of the timer
// and SkipDelay comes first.
func (d *DelayedOperation) enqueueFire() {
	d.mu.Lock()
	if d.cancelled || d.enqueued {
		d.mu.Unlock()

		return
	}

	d.enqueued = true
	d.mu.Unlock()

	d.queue.push(task{op: d.fire}, false)
}

func (d *DelayedOperation) fire() error {
	d.mu.Lock()
	cancelled := d.cancelled
	d.cancelled = true
	d.mu.Unlock()

	d.queue.removeDelayed(d)

	if cancelled {
		return nil
	}

	return d.op()
}
