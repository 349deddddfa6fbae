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
	"fmt"

	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/metrics"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
)

// DatabaseID names the remote database. Document names on the wire and in
// bloom filters are prefixed with it.
type DatabaseID struct {
	ProjectID string
	Database  string
}

// DocumentName is the fully qualified name of key.
func (d DatabaseID) DocumentName(key model.DocumentKey) string {
	return fmt.Sprintf("projects/%s/databases/%s/documents/%s", d.ProjectID, d.Database, key.String())
}

// DocumentsPrefix is the name every document name of d starts with.
func (d DatabaseID) DocumentsPrefix() string {
	return fmt.Sprintf("projects/%s/databases/%s/documents/", d.ProjectID, d.Database)
}

// TargetMetadataProvider gives the aggregator what it needs to know about
// targets outside the watch stream.
type TargetMetadataProvider interface {
	// GetRemoteKeysForTarget returns the keys the backend last confirmed for
	// targetID.
	GetRemoteKeysForTarget(targetID int) model.DocumentKeySet

	// GetTargetDataForTarget returns the data of an active target, or nil.
	GetTargetDataForTarget(targetID int) *persistence.TargetData

	DatabaseID() DatabaseID
}

type changeType int

const (
	changeAdded changeType = iota
	changeModified
	changeRemoved
)

// TargetState tracks one target between two RemoteEvents.
type TargetState struct {
	// Number of add/remove requests still waiting for their response. While
	// positive, changes for the target are ignored.
	pendingResponses int

	current           bool
	resumeToken       []byte
	documentChanges   map[model.DocumentKey]changeType
	hasPendingChanges bool
}

func newTargetState() *TargetState {
	return &TargetState{
		documentChanges: make(map[model.DocumentKey]changeType),
		// A new target raises at least one event, even without changes.
		hasPendingChanges: true,
	}
}

func (s *TargetState) IsPending() bool     { return s.pendingResponses != 0 }
func (s *TargetState) IsCurrent() bool     { return s.current }
func (s *TargetState) ResumeToken() []byte { return s.resumeToken }

func (s *TargetState) updateResumeToken(token []byte) {
	if len(token) > 0 {
		s.hasPendingChanges = true
		s.resumeToken = token
	}
}

func (s *TargetState) toTargetChange() TargetChange {
	change := NewTargetChange(s.resumeToken, s.current)

	for key, ct := range s.documentChanges {
		switch ct {
		case changeAdded:
			change.AddedDocuments.Add(key)
		case changeModified:
			change.ModifiedDocuments.Add(key)
		case changeRemoved:
			change.RemovedDocuments.Add(key)
		}
	}

	return change
}

func (s *TargetState) clearPendingChanges() {
	s.hasPendingChanges = false
	s.documentChanges = make(map[model.DocumentKey]changeType)
}

func (s *TargetState) addDocumentChange(key model.DocumentKey, ct changeType) {
	s.hasPendingChanges = true
	s.documentChanges[key] = ct
}

func (s *TargetState) removeDocumentChange(key model.DocumentKey) {
	s.hasPendingChanges = true
	delete(s.documentChanges, key)
}

func (s *TargetState) markCurrent() {
	s.hasPendingChanges = true
	s.current = true
}

// bloomStatus is the outcome of reconciling a mismatched existence filter.
type bloomStatus int

const (
	bloomSuccess bloomStatus = iota
	bloomSkipped
	bloomFalsePositive
)

// WatchChangeAggregator folds watch changes into RemoteEvents. It is owned
// by the async queue.
type WatchChangeAggregator struct {
	metadata TargetMetadataProvider
	log      *zap.SugaredLogger

	targetStates map[int]*TargetState

	pendingDocumentUpdates       model.DocumentMap
	pendingDocumentTargetMapping map[model.DocumentKey]map[int]struct{}
	pendingTargetResets          map[int]persistence.TargetPurpose
}

func NewWatchChangeAggregator(metadata TargetMetadataProvider, log *zap.SugaredLogger) *WatchChangeAggregator {
	a := &WatchChangeAggregator{
		metadata:     metadata,
		log:          log,
		targetStates: make(map[int]*TargetState),
	}
	a.resetPending()

	return a
}

func (a *WatchChangeAggregator) resetPending() {
	a.pendingDocumentUpdates = make(model.DocumentMap)
	a.pendingDocumentTargetMapping = make(map[model.DocumentKey]map[int]struct{})
	a.pendingTargetResets = make(map[int]persistence.TargetPurpose)
}

// HandleDocumentChange records a document entering or leaving targets.
func (a *WatchChangeAggregator) HandleDocumentChange(change *DocumentWatchChange) {
	for _, targetID := range change.UpdatedTargetIDs {
		if change.NewDoc != nil && change.NewDoc.IsFoundDocument() {
			a.addDocumentToTarget(targetID, change.NewDoc)
		} else {
			a.removeDocumentFromTarget(targetID, change.Key, change.NewDoc)
		}
	}

	for _, targetID := range change.RemovedTargetIDs {
		a.removeDocumentFromTarget(targetID, change.Key, change.NewDoc)
	}
}

// HandleTargetChange applies a target state change to every target it names.
func (a *WatchChangeAggregator) HandleTargetChange(change *WatchTargetChange) {
	for _, targetID := range a.targetIDs(change) {
		state := a.ensureTargetState(targetID)

		switch change.State {
		case WatchTargetNoChange:
			if a.isActiveTarget(targetID) {
				state.updateResumeToken(change.ResumeToken)
			}
		case WatchTargetAdded:
			// Changes seen before the add response belong to an older
			// incarnation of the target.
			state.pendingResponses--
			if !state.IsPending() {
				state.clearPendingChanges()
			}

			state.updateResumeToken(change.ResumeToken)
		case WatchTargetRemoved:
			state.pendingResponses--
			if !state.IsPending() {
				a.RemoveTarget(targetID)
			}
		case WatchTargetCurrent:
			if a.isActiveTarget(targetID) {
				state.markCurrent()
				state.updateResumeToken(change.ResumeToken)
			}
		case WatchTargetReset:
			if a.isActiveTarget(targetID) {
				a.resetTarget(targetID)
				a.ensureTargetState(targetID).updateResumeToken(change.ResumeToken)
			}
		default:
			a.log.Warnw("Unknown target change state", "state", change.State)
		}
	}
}

func (a *WatchChangeAggregator) targetIDs(change *WatchTargetChange) []int {
	if len(change.TargetIDs) > 0 {
		return change.TargetIDs
	}

	ids := make([]int, 0, len(a.targetStates))
	for id := range a.targetStates {
		ids = append(ids, id)
	}

	return ids
}

// HandleExistenceFilter compares the backend's document count with ours and
// schedules a reset when they cannot be reconciled.
func (a *WatchChangeAggregator) HandleExistenceFilter(change *ExistenceFilterChange) {
	targetData := a.targetDataForActiveTarget(change.TargetID)
	if targetData == nil {
		return
	}

	if targetData.Target.IsDocumentTarget() {
		if change.Count == 0 {
			// The document was deleted while we were not listening.
			key := targetData.Target.DocumentKey()
			a.removeDocumentFromTarget(change.TargetID, key, model.NewNoDocument(key, model.SnapshotVersionMin))
		} else if change.Count != 1 {
			a.log.Errorw("Single document existence filter with unexpected count",
				"targetID", change.TargetID, "count", change.Count)
		}

		return
	}

	currentCount := a.currentDocumentCount(change.TargetID)
	if currentCount == change.Count {
		metrics.RecordExistenceFilter(metrics.FilterMatched)

		return
	}

	status := bloomSkipped
	if bf := a.parseBloomFilter(change); bf != nil {
		status = a.applyBloomFilter(bf, change, currentCount)
	}

	switch status {
	case bloomSuccess:
		metrics.RecordExistenceFilter(metrics.FilterBloomSuccess)

		return
	case bloomFalsePositive:
		metrics.RecordExistenceFilter(metrics.FilterFalsePositive)
		a.resetTarget(change.TargetID)
		a.pendingTargetResets[change.TargetID] = persistence.PurposeExistenceFilterMismatchBloom
	default:
		metrics.RecordExistenceFilter(metrics.FilterSkipped)
		a.resetTarget(change.TargetID)
		a.pendingTargetResets[change.TargetID] = persistence.PurposeExistenceFilterMismatch
	}

	a.log.Debugw("Existence filter mismatch",
		"targetID", change.TargetID,
		"expected", change.Count,
		"local", currentCount)
}

func (a *WatchChangeAggregator) parseBloomFilter(change *ExistenceFilterChange) *BloomFilter {
	params := change.UnchangedNames
	if params == nil {
		return nil
	}

	bf, err := NewBloomFilter(params.Bitmap, params.Padding, params.HashCount)
	if err != nil {
		a.log.Warnw("Ignoring unusable bloom filter", "targetID", change.TargetID, "error", err)

		return nil
	}

	if bf.IsEmpty() {
		return nil
	}

	return bf
}

func (a *WatchChangeAggregator) applyBloomFilter(bf *BloomFilter, change *ExistenceFilterChange, currentCount int) bloomStatus {
	removed := a.filterRemovedDocuments(bf, change.TargetID)
	if change.Count == currentCount-removed {
		return bloomSuccess
	}

	return bloomFalsePositive
}

// filterRemovedDocuments drops every remote key the filter certainly does
// not contain and returns how many were dropped.
func (a *WatchChangeAggregator) filterRemovedDocuments(bf *BloomFilter, targetID int) int {
	dbID := a.metadata.DatabaseID()
	removed := 0

	for _, key := range a.metadata.GetRemoteKeysForTarget(targetID).Sorted() {
		if !bf.MightContain(dbID.DocumentName(key)) {
			a.removeDocumentFromTarget(targetID, key, nil)
			removed++
		}
	}

	return removed
}

// CreateRemoteEvent turns everything aggregated so far into an event at
// snapshotVersion and clears the pending state.
func (a *WatchChangeAggregator) CreateRemoteEvent(snapshotVersion model.SnapshotVersion) RemoteEvent {
	event := NewRemoteEvent(snapshotVersion)

	for targetID, state := range a.targetStates {
		targetData := a.targetDataForActiveTarget(targetID)
		if targetData == nil {
			continue
		}

		if state.IsCurrent() && targetData.Target.IsDocumentTarget() {
			// A current document target that never mentioned its document
			// tells us the document does not exist.
			key := targetData.Target.DocumentKey()
			if _, updated := a.pendingDocumentUpdates[key]; !updated && !a.targetContainsDocument(targetID, key) {
				a.removeDocumentFromTarget(targetID, key, model.NewNoDocument(key, snapshotVersion))
			}
		}

		if state.hasPendingChanges {
			event.TargetChanges[targetID] = state.toTargetChange()
			state.clearPendingChanges()
		}
	}

	for key, targets := range a.pendingDocumentTargetMapping {
		onlyLimbo := true

		for targetID := range targets {
			td := a.targetDataForActiveTarget(targetID)
			if td != nil && td.Purpose != persistence.PurposeLimboResolution {
				onlyLimbo = false

				break
			}
		}

		if onlyLimbo {
			event.ResolvedLimboDocuments.Add(key)
		}
	}

	for _, doc := range a.pendingDocumentUpdates {
		doc.SetReadTime(snapshotVersion)
	}

	event.DocumentUpdates = a.pendingDocumentUpdates
	event.TargetMismatches = a.pendingTargetResets

	a.resetPending()

	return event
}

// RecordPendingTargetRequest notes that a watch or unwatch request was sent
// for targetID and its response is outstanding.
func (a *WatchChangeAggregator) RecordPendingTargetRequest(targetID int) {
	a.ensureTargetState(targetID).pendingResponses++
}

// RemoveTarget forgets targetID.
func (a *WatchChangeAggregator) RemoveTarget(targetID int) {
	delete(a.targetStates, targetID)
}

// TargetState returns the state of targetID, or nil when untracked.
func (a *WatchChangeAggregator) TargetState(targetID int) *TargetState {
	return a.targetStates[targetID]
}

func (a *WatchChangeAggregator) addDocumentToTarget(targetID int, doc *model.Document) {
	if !a.isActiveTarget(targetID) {
		return
	}

	ct := changeAdded
	if a.targetContainsDocument(targetID, doc.Key()) {
		ct = changeModified
	}

	a.ensureTargetState(targetID).addDocumentChange(doc.Key(), ct)
	a.pendingDocumentUpdates[doc.Key()] = doc
	a.ensureDocumentTargetMapping(doc.Key())[targetID] = struct{}{}
}

// removeDocumentFromTarget records that key left targetID. updated is the
// new state of the document, or nil when only membership changed.
func (a *WatchChangeAggregator) removeDocumentFromTarget(targetID int, key model.DocumentKey, updated *model.Document) {
	if !a.isActiveTarget(targetID) {
		return
	}

	state := a.ensureTargetState(targetID)
	if a.targetContainsDocument(targetID, key) {
		state.addDocumentChange(key, changeRemoved)
	} else {
		// Added and removed within one event: nothing to report.
		state.removeDocumentChange(key)
	}

	a.ensureDocumentTargetMapping(key)[targetID] = struct{}{}

	if updated != nil {
		a.pendingDocumentUpdates[key] = updated
	}
}

// resetTarget drops all changes and removes every confirmed key, so the
// next snapshot rebuilds the target from scratch.
func (a *WatchChangeAggregator) resetTarget(targetID int) {
	a.targetStates[targetID] = newTargetState()

	for _, key := range a.metadata.GetRemoteKeysForTarget(targetID).Sorted() {
		a.removeDocumentFromTarget(targetID, key, nil)
	}
}

func (a *WatchChangeAggregator) currentDocumentCount(targetID int) int {
	change := a.ensureTargetState(targetID).toTargetChange()

	return a.metadata.GetRemoteKeysForTarget(targetID).Len() +
		change.AddedDocuments.Len() - change.RemovedDocuments.Len()
}

func (a *WatchChangeAggregator) ensureTargetState(targetID int) *TargetState {
	state, ok := a.targetStates[targetID]
	if !ok {
		state = newTargetState()
		a.targetStates[targetID] = state
	}

	return state
}

func (a *WatchChangeAggregator) ensureDocumentTargetMapping(key model.DocumentKey) map[int]struct{} {
	targets, ok := a.pendingDocumentTargetMapping[key]
	if !ok {
		targets = make(map[int]struct{})
		a.pendingDocumentTargetMapping[key] = targets
	}

	return targets
}

func (a *WatchChangeAggregator) targetContainsDocument(targetID int, key model.DocumentKey) bool {
	return a.metadata.GetRemoteKeysForTarget(targetID).Has(key)
}

func (a *WatchChangeAggregator) isActiveTarget(targetID int) bool {
	return a.targetDataForActiveTarget(targetID) != nil
}

// targetDataForActiveTarget returns nil for targets that are unknown or
// still waiting for a response.
func (a *WatchChangeAggregator) targetDataForActiveTarget(targetID int) *persistence.TargetData {
	if state, ok := a.targetStates[targetID]; ok && state.IsPending() {
		return nil
	}

	return a.metadata.GetTargetDataForTarget(targetID)
}
