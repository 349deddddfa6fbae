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

// Package fsm wraps looplab/fsm with the conventions shared by the engine's
// state machines: per-state enter callbacks, context guarding and
// "no transition" treated as success.
package fsm

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// Config describes a state machine.
type Config struct {
	// ID shows up in log lines.
	ID string

	InitialState string

	// Transitions lists the allowed events. Events whose destination equals
	// the current state are accepted and do nothing.
	Transitions []fsm.EventDesc
}

// Machine is a named finite state machine.
type Machine struct {
	cfg Config

	fsm *fsm.FSM

	// Registered "enter_<state>" callbacks.
	callbacks map[string]fsm.Callback

	logger *zap.SugaredLogger
}

// NewMachine builds a machine in cfg.InitialState.
func NewMachine(cfg Config, logger *zap.SugaredLogger) *Machine {
	if logger == nil {
		panic("fsm.NewMachine: logger must not be nil")
	}

	m := &Machine{
		cfg:       cfg,
		callbacks: make(map[string]fsm.Callback),
		logger:    logger,
	}

	m.fsm = fsm.NewFSM(
		cfg.InitialState,
		fsm.Events(cfg.Transitions),
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				m.logger.Debugf("FSM %s: %s -> %s (%s)", m.cfg.ID, e.Src, e.Dst, e.Event)

				if cb, ok := m.callbacks["enter_"+e.Dst]; ok {
					cb(ctx, e)
				}
			},
		},
	)

	return m
}

// OnEnter registers cb to run whenever the machine enters state.
func (m *Machine) OnEnter(state string, cb fsm.Callback) {
	m.callbacks["enter_"+state] = cb
}

// SendEvent fires eventName. A cancelled context refuses the event so a
// transition never starts that cannot finish. Staying in the same state is
// not an error.
func (m *Machine) SendEvent(ctx context.Context, eventName string, args ...interface{}) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	err := m.fsm.Event(ctx, eventName, args...)

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("fsm %s: event %q in state %q: %w", m.cfg.ID, eventName, m.fsm.Current(), err)
	}

	return nil
}

// Current returns the current state.
func (m *Machine) Current() string {
	return m.fsm.Current()
}

// Is reports whether the machine is in state.
func (m *Machine) Is(state string) bool {
	return m.fsm.Is(state)
}

// Can reports whether eventName is allowed in the current state.
func (m *Machine) Can(eventName string) bool {
	return m.fsm.Can(eventName)
}

// SetCurrentState forces the state without running callbacks.
// This should only be called in tests
func (m *Machine) SetCurrentState(state string) {
	m.fsm.SetState(state)
}

func (m *Machine) GetID() string {
	return m.cfg.ID
}
