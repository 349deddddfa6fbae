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

package persistence

import (
	"bytes"
	"fmt"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
)

// TargetPurpose says why a target is listened to.
type TargetPurpose int

const (
	// PurposeListen is a regular user query.
	PurposeListen TargetPurpose = iota
	// PurposeExistenceFilterMismatch re-listens after an existence filter
	// mismatch without a usable bloom filter.
	PurposeExistenceFilterMismatch
	// PurposeExistenceFilterMismatchBloom re-listens after a bloom filter
	// failed to reconcile the mismatch.
	PurposeExistenceFilterMismatchBloom
	// PurposeLimboResolution resolves a single limbo document.
	PurposeLimboResolution
)

func (p TargetPurpose) String() string {
	switch p {
	case PurposeListen:
		return "listen"
	case PurposeExistenceFilterMismatch:
		return "existence-filter-mismatch"
	case PurposeExistenceFilterMismatchBloom:
		return "existence-filter-mismatch-bloom"
	case PurposeLimboResolution:
		return "limbo-resolution"
	default:
		return fmt.Sprintf("TargetPurpose(%d)", int(p))
	}
}

// TargetData is the cached state of a listened target. It is treated as
// immutable: the With methods return modified copies.
type TargetData struct {
	Target   *query.Target `json:"target"`
	TargetID int           `json:"targetId"`
	Purpose  TargetPurpose `json:"purpose"`

	// SequenceNumber is the listen sequence number of the last use.
	SequenceNumber ListenSequenceNumber `json:"sequenceNumber"`

	// SnapshotVersion is the version ResumeToken corresponds to.
	SnapshotVersion model.SnapshotVersion `json:"snapshotVersion"`

	// LastLimboFreeSnapshotVersion is the last version at which the local
	// view of the target had no limbo documents.
	LastLimboFreeSnapshotVersion model.SnapshotVersion `json:"lastLimboFreeSnapshotVersion"`

	ResumeToken []byte `json:"resumeToken,omitempty"`

	// ExpectedCount is the number of documents the client believes match,
	// sent on resume so the backend can detect a stale cache. Nil when
	// unknown.
	ExpectedCount *int `json:"expectedCount,omitempty"`
}

// NewTargetData returns target data with empty resume state.
func NewTargetData(target *query.Target, targetID int, purpose TargetPurpose, seq ListenSequenceNumber) *TargetData {
	return &TargetData{
		Target:                       target,
		TargetID:                     targetID,
		Purpose:                      purpose,
		SequenceNumber:               seq,
		SnapshotVersion:              model.SnapshotVersionMin,
		LastLimboFreeSnapshotVersion: model.SnapshotVersionMin,
	}
}

func (t *TargetData) clone() *TargetData {
	c := *t
	c.ResumeToken = bytes.Clone(t.ResumeToken)

	if t.ExpectedCount != nil {
		n := *t.ExpectedCount
		c.ExpectedCount = &n
	}

	return &c
}

// WithSequenceNumber returns a copy used at seq.
func (t *TargetData) WithSequenceNumber(seq ListenSequenceNumber) *TargetData {
	c := t.clone()
	c.SequenceNumber = seq

	return c
}

// WithResumeToken returns a copy resumable from token at version. The
// expected count is cleared because it belongs to the previous token.
func (t *TargetData) WithResumeToken(token []byte, version model.SnapshotVersion) *TargetData {
	c := t.clone()
	c.ResumeToken = bytes.Clone(token)
	c.SnapshotVersion = version
	c.ExpectedCount = nil

	return c
}

// WithExpectedCount returns a copy carrying count.
func (t *TargetData) WithExpectedCount(count int) *TargetData {
	c := t.clone()
	c.ExpectedCount = &count

	return c
}

func (t *TargetData) WithLastLimboFreeSnapshotVersion(version model.SnapshotVersion) *TargetData {
	c := t.clone()
	c.LastLimboFreeSnapshotVersion = version

	return c
}

// WithPurpose returns a copy listened to for purpose.
func (t *TargetData) WithPurpose(purpose TargetPurpose) *TargetData {
	c := t.clone()
	c.Purpose = purpose

	return c
}

func (t *TargetData) String() string {
	return fmt.Sprintf("TargetData(id=%d, purpose=%s, seq=%d, version=%s, target=%s)",
		t.TargetID, t.Purpose, t.SequenceNumber, t.SnapshotVersion, t.Target)
}

// ListenSequence hands out increasing listen sequence numbers.
type ListenSequence struct {
	previous ListenSequenceNumber
}

// NewListenSequence continues after start.
func NewListenSequence(start ListenSequenceNumber) *ListenSequence {
	return &ListenSequence{previous: start}
}

func (s *ListenSequence) Next() ListenSequenceNumber {
	s.previous++

	return s.previous
}

// Current returns the last number handed out.
func (s *ListenSequence) Current() ListenSequenceNumber {
	return s.previous
}
