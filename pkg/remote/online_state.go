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

package remote

import (
	"context"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	internalfsm "github.com/baiprog/eatvision-miniapp-sub000/internal/fsm"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/asyncqueue"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/metrics"
)

// OnlineState is the engine's belief about backend reachability.
type OnlineState int

const (
	// OnlineStateUnknown is the state before the first watch stream
	// response and while reconnecting. Listeners keep waiting for the
	// backend before raising from-cache events.
	OnlineStateUnknown OnlineState = iota

	// OnlineStateOnline means the watch stream is delivering responses.
	OnlineStateOnline

	// OnlineStateOffline means the backend is unreachable. Listeners raise
	// from-cache events without waiting.
	OnlineStateOffline
)

func (s OnlineState) String() string {
	switch s {
	case OnlineStateOnline:
		return "online"
	case OnlineStateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

func onlineStateFromString(s string) OnlineState {
	switch s {
	case "online":
		return OnlineStateOnline
	case "offline":
		return OnlineStateOffline
	default:
		return OnlineStateUnknown
	}
}

const (
	// MaxWatchStreamFailures is the number of consecutive watch failures
	// after which we report Offline.
	MaxWatchStreamFailures = 1

	DefaultOnlineStateTimeout = 10 * time.Second
)

// OnlineStateTracker derives the online state from watch stream health.
// It is owned by the async queue.
type OnlineStateTracker struct {
	queue   *asyncqueue.Queue
	timeout time.Duration
	handler func(OnlineState)
	log     *zap.SugaredLogger

	machine *internalfsm.Machine

	watchStreamFailures int
	onlineStateTimer    *asyncqueue.DelayedOperation

	// The "could not reach backend" warning is logged once, and never
	// after the first successful connection.
	shouldWarnClientIsOffline bool
}

func NewOnlineStateTracker(queue *asyncqueue.Queue, timeout time.Duration, handler func(OnlineState), log *zap.SugaredLogger) *OnlineStateTracker {
	all := []string{OnlineStateUnknown.String(), OnlineStateOnline.String(), OnlineStateOffline.String()}

	t := &OnlineStateTracker{
		queue:                     queue,
		timeout:                   timeout,
		handler:                   handler,
		log:                       log,
		shouldWarnClientIsOffline: true,
	}

	t.machine = internalfsm.NewMachine(internalfsm.Config{
		ID:           "online_state",
		InitialState: OnlineStateUnknown.String(),
		Transitions: []fsm.EventDesc{
			{Name: OnlineStateUnknown.String(), Src: all, Dst: OnlineStateUnknown.String()},
			{Name: OnlineStateOnline.String(), Src: all, Dst: OnlineStateOnline.String()},
			{Name: OnlineStateOffline.String(), Src: all, Dst: OnlineStateOffline.String()},
		},
	}, log)

	for _, state := range all {
		t.machine.OnEnter(state, func(_ context.Context, e *fsm.Event) {
			metrics.SetOnlineState(e.Dst)
			t.handler(onlineStateFromString(e.Dst))
		})
	}

	return t
}

func (t *OnlineStateTracker) State() OnlineState {
	return onlineStateFromString(t.machine.Current())
}

// HandleWatchStreamStart arms the online state timer when the watch stream
// starts after a clean period. If the stream produces nothing before the
// timer fires we go Offline.
func (t *OnlineStateTracker) HandleWatchStreamStart() {
	if t.watchStreamFailures != 0 {
		return
	}

	t.setAndBroadcast(OnlineStateUnknown)

	if t.onlineStateTimer != nil {
		return
	}

	t.onlineStateTimer = t.queue.EnqueueAfterDelay(asyncqueue.TimerOnlineStateTimeout, t.timeout, func() error {
		t.onlineStateTimer = nil
		t.logClientOfflineWarningIfNecessary("backend did not respond within the online state timeout", "timeout", t.timeout)
		t.setAndBroadcast(OnlineStateOffline)

		return nil
	})
}

// HandleWatchStreamFailure counts a watch stream failure. A stream that was
// Online goes back to Unknown first to give the reconnect a chance.
func (t *OnlineStateTracker) HandleWatchStreamFailure(err error) {
	if t.State() == OnlineStateOnline {
		t.setAndBroadcast(OnlineStateUnknown)

		return
	}

	t.watchStreamFailures++
	if t.watchStreamFailures >= MaxWatchStreamFailures {
		t.clearOnlineStateTimer()
		t.logClientOfflineWarningIfNecessary("connection to the backend failed", "failures", t.watchStreamFailures, "error", err)
		t.setAndBroadcast(OnlineStateOffline)
	}
}

// Set forces state, for example Online on the first watch response or
// Offline when the network is disabled.
func (t *OnlineStateTracker) Set(state OnlineState) {
	t.clearOnlineStateTimer()
	t.watchStreamFailures = 0

	if state == OnlineStateOnline {
		t.shouldWarnClientIsOffline = false
	}

	t.setAndBroadcast(state)
}

func (t *OnlineStateTracker) setAndBroadcast(state OnlineState) {
	if t.State() == state {
		return
	}

	if err := t.machine.SendEvent(context.Background(), state.String()); err != nil {
		t.log.Errorw("Failed to change online state", "state", state, "error", err)
	}
}

func (t *OnlineStateTracker) logClientOfflineWarningIfNecessary(reason string, keysAndValues ...interface{}) {
	if t.shouldWarnClientIsOffline {
		t.log.Warnw("Could not reach the backend, operating in offline mode until a connection succeeds: "+reason, keysAndValues...)
		t.shouldWarnClientIsOffline = false

		return
	}

	t.log.Debugw("Backend unreachable: "+reason, keysAndValues...)
}

func (t *OnlineStateTracker) clearOnlineStateTimer() {
	if t.onlineStateTimer != nil {
		t.onlineStateTimer.Cancel()
		t.onlineStateTimer = nil
	}
}
