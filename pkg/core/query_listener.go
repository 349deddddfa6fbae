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
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/remote"
)

// ListenOptions tune what a query listener is told.
type ListenOptions struct {
	// IncludeMetadataChanges raises snapshots whose only change is
	// fromCache or hasPendingWrites.
	IncludeMetadataChanges bool

	// WaitForSyncWhenOnline withholds the first snapshot until it is
	// synced with the backend, unless the client is offline.
	WaitForSyncWhenOnline bool
}

// Observer receives a listener's snapshots and its terminal error.
type Observer interface {
	OnSnapshot(snapshot *ViewSnapshot)
	OnError(err error)
}

// ObserverFuncs adapts two functions to an Observer. Either may be nil.
type ObserverFuncs struct {
	Snapshot func(*ViewSnapshot)
	Error    func(error)
}

func (o ObserverFuncs) OnSnapshot(snapshot *ViewSnapshot) {
	if o.Snapshot != nil {
		o.Snapshot(snapshot)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

// QueryListener decides which view snapshots its observer gets to see.
type QueryListener struct {
	query    *query.Query
	observer Observer
	options  ListenOptions

	raisedInitialEvent bool
	snap               *ViewSnapshot
	onlineState        remote.OnlineState
}

func NewQueryListener(q *query.Query, observer Observer, options ListenOptions) *QueryListener {
	return &QueryListener{
		query:       q,
		observer:    observer,
		options:     options,
		onlineState: remote.OnlineStateUnknown,
	}
}

func (l *QueryListener) Query() *query.Query { return l.query }

// OnViewSnapshot filters snap and passes it on. It reports whether the
// observer was called.
func (l *QueryListener) OnViewSnapshot(snap *ViewSnapshot) bool {
	if !l.options.IncludeMetadataChanges {
		changes := make([]DocumentViewChange, 0, len(snap.DocChanges))
		for _, c := range snap.DocChanges {
			if c.Type != ChangeMetadata {
				changes = append(changes, c)
			}
		}

		filtered := *snap
		filtered.DocChanges = changes
		filtered.ExcludesMetadataChanges = true
		snap = &filtered
	}

	raised := false

	if !l.raisedInitialEvent {
		if l.shouldRaiseInitialEvent(snap, l.onlineState) {
			l.raiseInitialEvent(snap)
			raised = true
		}
	} else if l.shouldRaiseEvent(snap) {
		l.observer.OnSnapshot(snap)
		raised = true
	}

	l.snap = snap

	return raised
}

func (l *QueryListener) OnError(err error) {
	l.observer.OnError(err)
}

// ApplyOnlineStateChange may release a withheld initial snapshot once the
// client is known to be offline.
func (l *QueryListener) ApplyOnlineStateChange(state remote.OnlineState) bool {
	l.onlineState = state

	if l.snap != nil && !l.raisedInitialEvent && l.shouldRaiseInitialEvent(l.snap, state) {
		l.raiseInitialEvent(l.snap)

		return true
	}

	return false
}

func (l *QueryListener) shouldRaiseInitialEvent(snap *ViewSnapshot, state remote.OnlineState) bool {
	if !snap.FromCache {
		return true
	}

	maybeOnline := state != remote.OnlineStateOffline
	if l.options.WaitForSyncWhenOnline && maybeOnline {
		return false
	}

	// An empty cached result is likely wrong; wait for the backend unless
	// we know it cannot answer.
	return !snap.Docs.IsEmpty() || snap.HasCachedResults || state == remote.OnlineStateOffline
}

func (l *QueryListener) shouldRaiseEvent(snap *ViewSnapshot) bool {
	if len(snap.DocChanges) > 0 {
		return true
	}

	hasPendingWritesChanged := l.snap != nil && l.snap.HasPendingWrites() != snap.HasPendingWrites()
	if snap.SyncStateChanged || hasPendingWritesChanged {
		return l.options.IncludeMetadataChanges
	}

	return false
}

func (l *QueryListener) raiseInitialEvent(snap *ViewSnapshot) {
	l.raisedInitialEvent = true
	l.observer.OnSnapshot(FromInitialDocuments(snap.Query, snap.Docs, snap.MutatedKeys, snap.FromCache, snap.HasCachedResults))
}
