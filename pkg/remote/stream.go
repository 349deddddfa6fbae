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
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/backoff"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/metrics"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

// Stream states.
//
//	Initial --start--> Starting --open--> Open --healthy--> Healthy
//	   ^                  |                 |                  |
//	   |                  +------fail-------+------------------+--> Error
//	   |                                                             |
//	   +-----------backoff_done------------ Backoff <----start-------+
//
// Stop, an idle close and InhibitBackoff return to Initial from any state.
const (
	StreamStateInitial  = "initial"
	StreamStateStarting = "starting"
	StreamStateOpen     = "open"
	StreamStateHealthy  = "healthy"
	StreamStateError    = "error"
	StreamStateBackoff  = "backoff"
)

const (
	streamEventStart       = "start"
	streamEventOpen        = "open"
	streamEventHealthy     = "healthy"
	streamEventFail        = "fail"
	streamEventBackoff     = "backoff"
	streamEventBackoffDone = "backoff_done"
	streamEventReset       = "reset"
)

const (
	DefaultIdleTimeout    = 60 * time.Second
	DefaultHealthyTimeout = 10 * time.Second
)

// StreamConfig holds the timing parameters shared by both streams.
type StreamConfig struct {
	IdleTimeout    time.Duration
	HealthyTimeout time.Duration
	Backoff        backoff.Config
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		IdleTimeout:    DefaultIdleTimeout,
		HealthyTimeout: DefaultHealthyTimeout,
		Backoff:        backoff.DefaultConfig(),
	}
}

// streamHandler receives the lifecycle of a persistentStream. All calls run
// on the async queue.
type streamHandler interface {
	onOpen() error
	onMessage(msg []byte) error
	onClose(err error) error
}

type timerIDs struct {
	idle    asyncqueue.TimerID
	backoff asyncqueue.TimerID
}

// persistentStream keeps one RPC connected across failures. It reconnects
// with backoff, closes itself when idle and drops callbacks of streams it
// already closed.
//
// It is owned by the async queue: call it only from queue operations.
type persistentStream struct {
	name    string
	rpc     RPC
	conn    Connection
	queue   *asyncqueue.Queue
	cfg     StreamConfig
	timers  timerIDs
	handler streamHandler
	log     *zap.SugaredLogger

	machine *internalfsm.Machine
	backoff *backoff.Exponential

	stream      Stream
	cancel      context.CancelFunc
	idleTimer   *asyncqueue.DelayedOperation
	healthTimer *asyncqueue.DelayedOperation

	// closeCount changes on every close. Callbacks captured under an older
	// count belong to a closed stream and are dropped.
	closeCount int
}

func newPersistentStream(name string, rpc RPC, conn Connection, queue *asyncqueue.Queue, timers timerIDs, cfg StreamConfig, log *zap.SugaredLogger) *persistentStream {
	s := &persistentStream{
		name:    name,
		rpc:     rpc,
		conn:    conn,
		queue:   queue,
		cfg:     cfg,
		timers:  timers,
		log:     log,
		backoff: backoff.NewExponential(queue, timers.backoff, cfg.Backoff, log),
	}

	s.machine = internalfsm.NewMachine(internalfsm.Config{
		ID:           name,
		InitialState: StreamStateInitial,
		Transitions: []fsm.EventDesc{
			{Name: streamEventStart, Src: []string{StreamStateInitial}, Dst: StreamStateStarting},
			{Name: streamEventOpen, Src: []string{StreamStateStarting}, Dst: StreamStateOpen},
			{Name: streamEventHealthy, Src: []string{StreamStateOpen}, Dst: StreamStateHealthy},
			{Name: streamEventFail, Src: []string{StreamStateStarting, StreamStateOpen, StreamStateHealthy, StreamStateBackoff}, Dst: StreamStateError},
			{Name: streamEventBackoff, Src: []string{StreamStateError}, Dst: StreamStateBackoff},
			{Name: streamEventBackoffDone, Src: []string{StreamStateBackoff}, Dst: StreamStateInitial},
			{Name: streamEventReset, Src: []string{StreamStateStarting, StreamStateOpen, StreamStateHealthy, StreamStateError, StreamStateBackoff}, Dst: StreamStateInitial},
		},
	}, log)

	s.machine.OnEnter(StreamStateOpen, func(context.Context, *fsm.Event) {
		metrics.RecordStreamEvent(s.name, metrics.StreamOpened)
	})
	s.machine.OnEnter(StreamStateError, func(context.Context, *fsm.Event) {
		metrics.RecordStreamEvent(s.name, metrics.StreamFailed)
	})

	return s
}

func (s *persistentStream) transition(event string) {
	if err := s.machine.SendEvent(context.Background(), event); err != nil {
		// Only reachable through a bug in the stream itself.
		panic(err)
	}
}

func (s *persistentStream) State() string { return s.machine.Current() }

// IsStarted is true from Start until the stream is stopped or fails,
// including while it waits to reconnect.
func (s *persistentStream) IsStarted() bool {
	return s.machine.Is(StreamStateStarting) || s.machine.Is(StreamStateBackoff) || s.IsOpen()
}

// IsOpen is true once the RPC is established.
func (s *persistentStream) IsOpen() bool {
	return s.machine.Is(StreamStateOpen) || s.machine.Is(StreamStateHealthy)
}

// Start opens the stream. After a failure it first waits for the backoff.
func (s *persistentStream) Start() {
	if s.machine.Is(StreamStateError) {
		s.performBackoff()

		return
	}

	if !s.machine.Is(StreamStateInitial) {
		s.log.Warnw("Start called on a started stream", "state", s.State())

		return
	}

	s.transition(streamEventStart)
	s.open()
}

// Stop closes the stream without an error and resets the backoff.
func (s *persistentStream) Stop() {
	if s.IsStarted() {
		s.close(StreamStateInitial, nil)
	}
}

// InhibitBackoff makes the next Start connect immediately. The stream must
// be stopped.
func (s *persistentStream) InhibitBackoff() {
	if s.IsStarted() {
		s.log.Warnw("InhibitBackoff called on a started stream", "state", s.State())

		return
	}

	if s.machine.Is(StreamStateError) {
		s.transition(streamEventReset)
	}

	s.backoff.Reset()
}

// MarkIdle schedules the stream to close once the idle timeout passes
// without requests.
func (s *persistentStream) MarkIdle() {
	if s.IsOpen() && s.idleTimer == nil {
		s.idleTimer = s.queue.EnqueueAfterDelay(s.timers.idle, s.cfg.IdleTimeout, func() error {
			s.idleTimer = nil

			if s.IsOpen() {
				s.log.Debugw("Closing idle stream", "stream", s.name)
				s.close(StreamStateInitial, nil)
			}

			return nil
		})
	}
}

func (s *persistentStream) open() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	closeCount := s.closeCount

	go func() {
		stream, err := s.conn.OpenStream(ctx, s.rpc)

		s.queue.EnqueueAndForget(func() error {
			if s.closeCount != closeCount {
				if stream != nil {
					_ = stream.Close()
				}

				return nil
			}

			if err != nil {
				return s.handleStreamClose(err)
			}

			return s.onOpen(ctx, stream)
		})
	}()
}

func (s *persistentStream) onOpen(ctx context.Context, stream Stream) error {
	s.stream = stream
	s.transition(streamEventOpen)

	closeCount := s.closeCount

	s.healthTimer = s.queue.EnqueueAfterDelay(asyncqueue.TimerHealthCheckTimeout, s.cfg.HealthyTimeout, func() error {
		s.healthTimer = nil

		if s.closeCount == closeCount && s.machine.Is(StreamStateOpen) {
			s.transition(streamEventHealthy)
		}

		return nil
	})

	go s.readLoop(ctx, stream, closeCount)

	return s.handler.onOpen()
}

func (s *persistentStream) readLoop(ctx context.Context, stream Stream, closeCount int) {
	for {
		msg, err := stream.Recv(ctx)
		if err != nil {
			s.queue.EnqueueAndForget(func() error {
				if s.closeCount != closeCount {
					return nil
				}

				return s.handleStreamClose(err)
			})

			return
		}

		s.queue.EnqueueAndForget(func() error {
			if s.closeCount != closeCount {
				return nil
			}

			return s.handler.onMessage(msg)
		})
	}
}

// send writes one frame. A failed send closes the transport so the read
// loop reports the failure through the normal close path.
func (s *persistentStream) send(msg []byte) {
	s.cancelIdleCheck()

	if s.stream == nil {
		s.log.Warnw("Dropping frame for a stream that is not open", "stream", s.name)

		return
	}

	if err := s.stream.Send(context.Background(), msg); err != nil {
		s.log.Debugw("Send failed", "stream", s.name, "error", err)
		_ = s.stream.Close()
	}
}

func (s *persistentStream) handleStreamClose(err error) error {
	if err == nil {
		err = standarderrors.New(standarderrors.Unavailable, "stream ended")
	}

	s.log.Debugw("Stream closed", "stream", s.name, "error", err)

	return s.close(StreamStateError, err)
}

func (s *persistentStream) performBackoff() {
	s.transition(streamEventBackoff)

	s.backoff.BackoffAndRun(func() error {
		if !s.machine.Is(StreamStateBackoff) {
			return nil
		}

		s.transition(streamEventBackoffDone)
		s.Start()

		return nil
	})
}

// close tears the stream down and moves to finalState, which is Initial or
// Error. Error keeps the backoff growing; Initial resets it.
func (s *persistentStream) close(finalState string, err error) error {
	s.cancelIdleCheck()

	if s.healthTimer != nil {
		s.healthTimer.Cancel()
		s.healthTimer = nil
	}

	s.backoff.Cancel()
	s.closeCount++

	switch {
	case finalState != StreamStateError:
		s.backoff.Reset()
	case standarderrors.CodeOf(err) == standarderrors.ResourceExhausted:
		s.log.Debugw("Backend is overloaded, using maximum backoff", "stream", s.name)
		s.backoff.ResetToMax()
	}

	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	if finalState == StreamStateError {
		s.transition(streamEventFail)
	} else {
		metrics.RecordStreamEvent(s.name, metrics.StreamClosed)
		s.transition(streamEventReset)
	}

	return s.handler.onClose(err)
}

func (s *persistentStream) cancelIdleCheck() {
	if s.idleTimer != nil {
		s.idleTimer.Cancel()
		s.idleTimer = nil
	}
}
