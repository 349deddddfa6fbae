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
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
)

// WatchChange is one message decoded from the watch stream: a
// *DocumentWatchChange, *WatchTargetChange or *ExistenceFilterChange.
type WatchChange interface {
	watchChange()
}

// DocumentWatchChange reports a document entering, changing in or leaving
// targets. NewDoc is nil when the document only left targets.
type DocumentWatchChange struct {
	UpdatedTargetIDs []int
	RemovedTargetIDs []int
	Key              model.DocumentKey
	NewDoc           *model.Document
}

// WatchTargetState is the kind of a target change.
type WatchTargetState int

const (
	WatchTargetNoChange WatchTargetState = iota
	WatchTargetAdded
	WatchTargetRemoved
	WatchTargetCurrent
	WatchTargetReset
)

func (s WatchTargetState) String() string {
	switch s {
	case WatchTargetNoChange:
		return "no_change"
	case WatchTargetAdded:
		return "added"
	case WatchTargetRemoved:
		return "removed"
	case WatchTargetCurrent:
		return "current"
	case WatchTargetReset:
		return "reset"
	default:
		return "unknown"
	}
}

// WatchTargetChange changes the state of targets. Empty TargetIDs means every
// active target. Cause is set when the backend removed targets with an error.
type WatchTargetChange struct {
	State       WatchTargetState
	TargetIDs   []int
	ResumeToken []byte
	Cause       error
}

// BloomFilterParams is the wire form of the unchanged names of an existence
// filter.
type BloomFilterParams struct {
	Bitmap    []byte
	Padding   int
	HashCount int
}

// ExistenceFilterChange tells how many documents the backend holds for a
// target.
type ExistenceFilterChange struct {
	TargetID       int
	Count          int
	UnchangedNames *BloomFilterParams
}

func (*DocumentWatchChange) watchChange()   {}
func (*WatchTargetChange) watchChange()     {}
func (*ExistenceFilterChange) watchChange() {}
