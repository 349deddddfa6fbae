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
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
)

// TargetChange is what changed for one target since the last RemoteEvent.
type TargetChange struct {
	// ResumeToken is empty when the server sent none.
	ResumeToken []byte

	// Current is true once the target caught up with the server.
	Current bool

	AddedDocuments    model.DocumentKeySet
	ModifiedDocuments model.DocumentKeySet
	RemovedDocuments  model.DocumentKeySet
}

// NewTargetChange returns an empty change with the given token.
func NewTargetChange(resumeToken []byte, current bool) TargetChange {
	return TargetChange{
		ResumeToken:       resumeToken,
		Current:           current,
		AddedDocuments:    model.NewDocumentKeySet(),
		ModifiedDocuments: model.NewDocumentKeySet(),
		RemovedDocuments:  model.NewDocumentKeySet(),
	}
}

// ChangeCount is the number of document changes in c.
func (c TargetChange) ChangeCount() int {
	return c.AddedDocuments.Len() + c.ModifiedDocuments.Len() + c.RemovedDocuments.Len()
}

// RemoteEvent is a consistent snapshot of the watch stream at
// SnapshotVersion.
type RemoteEvent struct {
	SnapshotVersion model.SnapshotVersion

	// TargetChanges holds every target that changed.
	TargetChanges map[int]TargetChange

	// TargetMismatches are targets whose existence filter failed, with the
	// purpose the re-listen should carry.
	TargetMismatches map[int]persistence.TargetPurpose

	DocumentUpdates model.DocumentMap

	// ResolvedLimboDocuments changed only through limbo targets.
	ResolvedLimboDocuments model.DocumentKeySet
}

// NewRemoteEvent returns an event with empty collections.
func NewRemoteEvent(version model.SnapshotVersion) RemoteEvent {
	return RemoteEvent{
		SnapshotVersion:        version,
		TargetChanges:          make(map[int]TargetChange),
		TargetMismatches:       make(map[int]persistence.TargetPurpose),
		DocumentUpdates:        make(model.DocumentMap),
		ResolvedLimboDocuments: model.NewDocumentKeySet(),
	}
}

// SynthesizedEventForCurrentChange builds the event a target would raise if
// it became current with no document changes. Used when an offline write
// needs a target to look synced.
func SynthesizedEventForCurrentChange(targetID int, current bool, resumeToken []byte) RemoteEvent {
	event := NewRemoteEvent(model.SnapshotVersionMin)
	event.TargetChanges[targetID] = NewTargetChange(resumeToken, current)

	return event
}
