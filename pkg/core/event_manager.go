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

package core

import (
	"context"

	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/internal/objectmap"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/remote"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

// QueryProvider starts and stops tracking queries. SyncEngine implements
// it.
type QueryProvider interface {
	Listen(ctx context.Context, q *query.Query, shouldListenToRemote bool) (*ViewSnapshot, error)
	Unlisten(ctx context.Context, q *query.Query, shouldUnlistenToRemote bool) error
}

type queryListenersInfo struct {
	viewSnap  *ViewSnapshot
	listeners []*QueryListener
}

// EventManager fans view snapshots out to the listeners of each query. The
// first listener of a query starts it in the sync engine and the last one
// stops it.
//
// Every method must run on the async queue.
type EventManager struct {
	provider QueryProvider
	log      *zap.SugaredLogger

	queries     *objectmap.ObjectMap[*query.Query, *queryListenersInfo]
	onlineState remote.OnlineState

	inSyncListeners map[int]func()
	nextInSyncID    int
}

func NewEventManager(provider QueryProvider, log *zap.SugaredLogger) *EventManager {
	return &EventManager{
		provider:    provider,
		log:         log,
		queries:     objectmap.New[*query.Query, *queryListenersInfo](),
		onlineState: remote.OnlineStateUnknown,

		inSyncListeners: make(map[int]func()),
	}
}

// Listen attaches listener. Failures to start the query are delivered to
// the listener, not returned.
func (m *EventManager) Listen(ctx context.Context, listener *QueryListener) {
	q := listener.Query()

	info, ok := m.queries.Get(q)
	if !ok {
		info = &queryListenersInfo{}

		snap, err := m.provider.Listen(ctx, q, true)
		if err != nil {
			m.log.Warnw("Failed to start query", "query", q.String(), "error", err)
			listener.OnError(wrapListenError(err, q))

			return
		}

		info.viewSnap = snap
		m.queries.Set(q, info)
	}

	info.listeners = append(info.listeners, listener)

	listener.ApplyOnlineStateChange(m.onlineState)

	if info.viewSnap != nil && listener.OnViewSnapshot(info.viewSnap) {
		m.raiseSnapshotsInSyncEvent()
	}
}

func wrapListenError(err error, q *query.Query) error {
	if standarderrors.CodeOf(err) != standarderrors.Unknown {
		return err
	}

	return standarderrors.Wrap(standarderrors.Unknown, err, "initialization of query %q failed", q.String())
}

// Unlisten detaches listener. The query is stopped once it has no
// listeners left.
func (m *EventManager) Unlisten(ctx context.Context, listener *QueryListener) error {
	q := listener.Query()

	info, ok := m.queries.Get(q)
	if !ok {
		return nil
	}

	for i, l := range info.listeners {
		if l == listener {
			info.listeners = append(info.listeners[:i], info.listeners[i+1:]...)

			break
		}
	}

	if len(info.listeners) > 0 {
		return nil
	}

	m.queries.Delete(q)

	return m.provider.Unlisten(ctx, q, true)
}

// OnWatchChange implements ViewHandler.
func (m *EventManager) OnWatchChange(snapshots []*ViewSnapshot) {
	raised := false

	for _, snap := range snapshots {
		info, ok := m.queries.Get(snap.Query)
		if !ok {
			continue
		}

		for _, l := range info.listeners {
			if l.OnViewSnapshot(snap) {
				raised = true
			}
		}

		info.viewSnap = snap
	}

	if raised {
		m.raiseSnapshotsInSyncEvent()
	}
}

// OnWatchError implements ViewHandler. The query is dropped; its listeners
// get err and are not called again.
func (m *EventManager) OnWatchError(q *query.Query, err error) {
	info, ok := m.queries.Get(q)
	if ok {
		for _, l := range info.listeners {
			l.OnError(err)
		}
	}

	m.queries.Delete(q)
}

// OnOnlineStateChange implements ViewHandler.
func (m *EventManager) OnOnlineStateChange(state remote.OnlineState) {
	m.onlineState = state
	raised := false

	m.queries.ForEach(func(_ *query.Query, info *queryListenersInfo) bool {
		for _, l := range info.listeners {
			if l.ApplyOnlineStateChange(state) {
				raised = true
			}
		}

		return true
	})

	if raised {
		m.raiseSnapshotsInSyncEvent()
	}
}

// AddSnapshotsInSyncListener registers fn to run after every round of
// snapshots raised together, and once right away. The returned function
// removes it and must also run on the queue.
func (m *EventManager) AddSnapshotsInSyncListener(fn func()) func() {
	id := m.nextInSyncID
	m.nextInSyncID++
	m.inSyncListeners[id] = fn

	fn()

	return func() { delete(m.inSyncListeners, id) }
}

func (m *EventManager) raiseSnapshotsInSyncEvent() {
	for _, fn := range m.inSyncListeners {
		fn()
	}
}
