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

package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/core"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

// asyncObserver hands events to its target on a goroutine of its own, so
// the queue never waits on user code and the target may call back into the
// engine. Events keep their order. Once muted nothing more is delivered.
type asyncObserver struct {
	target core.Observer
	log    *zap.SugaredLogger

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}

	muted    atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}
}

func newAsyncObserver(target core.Observer, log *zap.SugaredLogger) *asyncObserver {
	o := &asyncObserver{
		target:  target,
		log:     log,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}

	go o.loop()

	return o
}

func (o *asyncObserver) OnSnapshot(snapshot *core.ViewSnapshot) {
	o.post(func() { o.target.OnSnapshot(snapshot) })
}

func (o *asyncObserver) OnError(err error) {
	o.post(func() { o.target.OnError(err) })
}

func (o *asyncObserver) post(fn func()) {
	if o.muted.Load() {
		return
	}

	o.mu.Lock()
	o.pending = append(o.pending, fn)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// mute drops queued events and stops the delivery goroutine.
func (o *asyncObserver) mute() {
	o.muted.Store(true)
	o.stopOnce.Do(func() { close(o.stopped) })
}

func (o *asyncObserver) loop() {
	for {
		select {
		case <-o.stopped:
			return
		case <-o.wake:
		}

		for {
			o.mu.Lock()
			batch := o.pending
			o.pending = nil
			o.mu.Unlock()

			if len(batch) == 0 {
				break
			}

			for _, fn := range batch {
				if o.muted.Load() {
					return
				}

				o.deliver(fn)
			}
		}
	}
}

func (o *asyncObserver) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Errorw("Listener panicked", "panic", r)
		}
	}()

	fn()
}

// ListenerRegistration detaches a listener from the engine.
type ListenerRegistration struct {
	engine   *Engine
	observer *asyncObserver
	remove   func(ctx context.Context) error
	once     sync.Once
}

// Remove stops delivery at once and releases the listener's target in the
// background. Calling it again does nothing.
func (r *ListenerRegistration) Remove() {
	r.once.Do(func() {
		r.observer.mute()
		r.engine.forget(r)

		if r.engine.terminated.Load() || r.remove == nil {
			return
		}

		r.engine.queue.EnqueueAndForget(func() error {
			return r.remove(context.Background())
		})
	})
}

func (e *Engine) track(r *ListenerRegistration) {
	e.registrationsMu.Lock()
	defer e.registrationsMu.Unlock()

	e.registrations[r] = struct{}{}
}

func (e *Engine) forget(r *ListenerRegistration) {
	e.registrationsMu.Lock()
	defer e.registrationsMu.Unlock()

	delete(e.registrations, r)
}

// Listen attaches observer to q. The first snapshot comes from the cache
// and later ones follow local writes and backend changes. A failed listen
// is reported through observer.OnError, after which the registration is
// dead.
func (e *Engine) Listen(ctx context.Context, q *query.Query, opts core.ListenOptions, observer core.Observer) (*ListenerRegistration, error) {
	if err := q.Validate(); err != nil {
		return nil, standarderrors.Wrap(standarderrors.InvalidArgument, err, "invalid query")
	}

	async := newAsyncObserver(observer, e.log.With("query", q.CanonicalID()))
	listener := core.NewQueryListener(q, async, opts)

	reg := &ListenerRegistration{
		engine:   e,
		observer: async,
		remove: func(ctx context.Context) error {
			return e.events.Unlisten(ctx, listener)
		},
	}

	err := e.run(ctx, func(ctx context.Context) error {
		e.events.Listen(ctx, listener)

		return nil
	})
	if err != nil {
		async.mute()

		if ctx.Err() != nil {
			// The listen may still go through after ctx ended.
			e.queue.EnqueueAndForget(func() error { return reg.remove(context.Background()) })
		}

		return nil, err
	}

	e.track(reg)

	return reg, nil
}

// OnSnapshotsInSync calls fn each time every active listener has seen the
// same consistent state, and once right away.
func (e *Engine) OnSnapshotsInSync(ctx context.Context, fn func()) (*ListenerRegistration, error) {
	async := newAsyncObserver(core.ObserverFuncs{
		Snapshot: func(*core.ViewSnapshot) { fn() },
	}, e.log)

	var removeListener func()

	err := e.run(ctx, func(context.Context) error {
		removeListener = e.events.AddSnapshotsInSyncListener(func() { async.OnSnapshot(nil) })

		return nil
	})
	if err != nil {
		async.mute()

		return nil, err
	}

	reg := &ListenerRegistration{
		engine:   e,
		observer: async,
		remove: func(context.Context) error {
			removeListener()

			return nil
		},
	}
	e.track(reg)

	return reg, nil
}
