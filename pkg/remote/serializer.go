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
	"strings"

	"github.com/goccy/go-json"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/query"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

// Wire messages. Every frame on a stream is one JSON object.

type ListenRequest struct {
	AddTarget    *AddTarget `json:"addTarget,omitempty"`
	RemoveTarget int        `json:"removeTarget,omitempty"`
}

type AddTarget struct {
	TargetID      int              `json:"targetId"`
	Query         *query.Target    `json:"query,omitempty"`
	Documents     []string         `json:"documents,omitempty"`
	ResumeToken   []byte           `json:"resumeToken,omitempty"`
	ReadTime      *model.Timestamp `json:"readTime,omitempty"`
	ExpectedCount *int             `json:"expectedCount,omitempty"`
}

type ListenResponse struct {
	TargetChange   *TargetChangeMessage   `json:"targetChange,omitempty"`
	DocumentChange *DocumentChangeMessage `json:"documentChange,omitempty"`
	DocumentDelete *DocumentDeleteMessage `json:"documentDelete,omitempty"`
	DocumentRemove *DocumentDeleteMessage `json:"documentRemove,omitempty"`
	Filter         *FilterMessage         `json:"filter,omitempty"`
}

type TargetChangeMessage struct {
	TargetChangeType string           `json:"targetChangeType,omitempty"`
	TargetIDs        []int            `json:"targetIds,omitempty"`
	Cause            *StatusMessage   `json:"cause,omitempty"`
	ResumeToken      []byte           `json:"resumeToken,omitempty"`
	ReadTime         *model.Timestamp `json:"readTime,omitempty"`
}

type DocumentMessage struct {
	Name       string            `json:"name"`
	Fields     model.ObjectValue `json:"fields"`
	UpdateTime model.Timestamp   `json:"updateTime"`
}

type DocumentChangeMessage struct {
	Document         DocumentMessage `json:"document"`
	TargetIDs        []int           `json:"targetIds,omitempty"`
	RemovedTargetIDs []int           `json:"removedTargetIds,omitempty"`
}

// DocumentDeleteMessage is used for both documentDelete and documentRemove.
type DocumentDeleteMessage struct {
	Document         string           `json:"document"`
	ReadTime         *model.Timestamp `json:"readTime,omitempty"`
	RemovedTargetIDs []int            `json:"removedTargetIds,omitempty"`
}

type FilterMessage struct {
	TargetID       int                 `json:"targetId"`
	Count          int                 `json:"count"`
	UnchangedNames *BloomFilterMessage `json:"unchangedNames,omitempty"`
}

type BloomFilterMessage struct {
	Bits struct {
		Bitmap  []byte `json:"bitmap"`
		Padding int    `json:"padding"`
	} `json:"bits"`
	HashCount int `json:"hashCount"`
}

type StatusMessage struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type WriteRequest struct {
	// Database is only set on the handshake.
	Database    string              `json:"database,omitempty"`
	StreamID    string              `json:"streamId,omitempty"`
	StreamToken []byte              `json:"streamToken,omitempty"`
	Writes      []mutation.Mutation `json:"writes,omitempty"`
}

type WriteResponse struct {
	StreamID     string               `json:"streamId,omitempty"`
	StreamToken  []byte               `json:"streamToken,omitempty"`
	CommitTime   *model.Timestamp     `json:"commitTime,omitempty"`
	WriteResults []WriteResultMessage `json:"writeResults,omitempty"`
	Status       *StatusMessage       `json:"status,omitempty"`
}

type WriteResultMessage struct {
	UpdateTime       *model.Timestamp `json:"updateTime,omitempty"`
	TransformResults []model.Value    `json:"transformResults,omitempty"`
}

var targetChangeTypes = map[WatchTargetState]string{
	WatchTargetNoChange: "NO_CHANGE",
	WatchTargetAdded:    "ADD",
	WatchTargetRemoved:  "REMOVE",
	WatchTargetCurrent:  "CURRENT",
	WatchTargetReset:    "RESET",
}

// Serializer converts between model types and wire messages for one
// database.
type Serializer struct {
	dbID DatabaseID
}

func NewSerializer(dbID DatabaseID) *Serializer {
	return &Serializer{dbID: dbID}
}

func (s *Serializer) DatabaseID() DatabaseID { return s.dbID }

// DatabaseName is the value of the write handshake's database field.
func (s *Serializer) DatabaseName() string {
	return fmt.Sprintf("projects/%s/databases/%s", s.dbID.ProjectID, s.dbID.Database)
}

func (s *Serializer) DocumentName(key model.DocumentKey) string {
	return s.dbID.DocumentName(key)
}

// DocumentKey parses a fully qualified document name of this database.
func (s *Serializer) DocumentKey(name string) (model.DocumentKey, error) {
	prefix := s.dbID.DocumentsPrefix()
	if !strings.HasPrefix(name, prefix) {
		return model.DocumentKey{}, standarderrors.New(standarderrors.InvalidArgument,
			"document name %q is not in database %s", name, s.DatabaseName())
	}

	return model.ParseDocumentKey(strings.TrimPrefix(name, prefix))
}

// EncodeWatchRequest encodes the addTarget request for targetData. A resume
// token takes precedence over a read time; the expected count is only sent
// along with one of them.
func (s *Serializer) EncodeWatchRequest(targetData *persistence.TargetData) ([]byte, error) {
	add := &AddTarget{TargetID: targetData.TargetID}

	if targetData.Target.IsDocumentTarget() {
		add.Documents = []string{s.DocumentName(targetData.Target.DocumentKey())}
	} else {
		add.Query = targetData.Target
	}

	resuming := false

	switch {
	case len(targetData.ResumeToken) > 0:
		add.ResumeToken = targetData.ResumeToken
		resuming = true
	case !targetData.SnapshotVersion.IsMin():
		ts := targetData.SnapshotVersion.Timestamp()
		add.ReadTime = &ts
		resuming = true
	}

	if resuming && targetData.ExpectedCount != nil {
		count := *targetData.ExpectedCount
		add.ExpectedCount = &count
	}

	return json.Marshal(ListenRequest{AddTarget: add})
}

func (s *Serializer) EncodeUnwatchRequest(targetID int) ([]byte, error) {
	return json.Marshal(ListenRequest{RemoveTarget: targetID})
}

// DecodeListenResponse turns a listen frame into a watch change and the
// snapshot version it carries. Only global target changes, those naming no
// targets, carry a version.
func (s *Serializer) DecodeListenResponse(data []byte) (WatchChange, model.SnapshotVersion, error) {
	var msg ListenResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, model.SnapshotVersionMin, fmt.Errorf("failed to decode listen response: %w", err)
	}

	switch {
	case msg.TargetChange != nil:
		change, err := s.decodeTargetChange(msg.TargetChange)
		if err != nil {
			return nil, model.SnapshotVersionMin, err
		}

		version := model.SnapshotVersionMin
		if len(msg.TargetChange.TargetIDs) == 0 && msg.TargetChange.ReadTime != nil {
			version = model.NewSnapshotVersion(*msg.TargetChange.ReadTime)
		}

		return change, version, nil
	case msg.DocumentChange != nil:
		change, err := s.decodeDocumentChange(msg.DocumentChange)

		return change, model.SnapshotVersionMin, err
	case msg.DocumentDelete != nil:
		change, err := s.decodeDocumentDelete(msg.DocumentDelete, true)

		return change, model.SnapshotVersionMin, err
	case msg.DocumentRemove != nil:
		change, err := s.decodeDocumentDelete(msg.DocumentRemove, false)

		return change, model.SnapshotVersionMin, err
	case msg.Filter != nil:
		change := &ExistenceFilterChange{TargetID: msg.Filter.TargetID, Count: msg.Filter.Count}
		if bf := msg.Filter.UnchangedNames; bf != nil {
			change.UnchangedNames = &BloomFilterParams{
				Bitmap:    bf.Bits.Bitmap,
				Padding:   bf.Bits.Padding,
				HashCount: bf.HashCount,
			}
		}

		return change, model.SnapshotVersionMin, nil
	default:
		return nil, model.SnapshotVersionMin, standarderrors.New(standarderrors.InvalidArgument, "empty listen response")
	}
}

func (s *Serializer) decodeTargetChange(msg *TargetChangeMessage) (*WatchTargetChange, error) {
	change := &WatchTargetChange{
		TargetIDs:   msg.TargetIDs,
		ResumeToken: msg.ResumeToken,
	}

	found := false

	for state, name := range targetChangeTypes {
		if msg.TargetChangeType == name || (msg.TargetChangeType == "" && state == WatchTargetNoChange) {
			change.State = state
			found = true

			break
		}
	}

	if !found {
		return nil, standarderrors.New(standarderrors.InvalidArgument, "unknown target change type %q", msg.TargetChangeType)
	}

	if msg.Cause != nil {
		change.Cause = DecodeStatus(msg.Cause)
	}

	return change, nil
}

func (s *Serializer) decodeDocumentChange(msg *DocumentChangeMessage) (*DocumentWatchChange, error) {
	key, err := s.DocumentKey(msg.Document.Name)
	if err != nil {
		return nil, err
	}

	fields := msg.Document.Fields
	if fields.Fields() == nil {
		fields = model.NewObjectValue()
	}

	doc := model.NewFoundDocument(key, model.NewSnapshotVersion(msg.Document.UpdateTime), fields)

	return &DocumentWatchChange{
		UpdatedTargetIDs: msg.TargetIDs,
		RemovedTargetIDs: msg.RemovedTargetIDs,
		Key:              key,
		NewDoc:           doc,
	}, nil
}

// decodeDocumentDelete handles documentDelete, which knows the document is
// gone, and documentRemove, which only drops it from targets.
func (s *Serializer) decodeDocumentDelete(msg *DocumentDeleteMessage, deleted bool) (*DocumentWatchChange, error) {
	key, err := s.DocumentKey(msg.Document)
	if err != nil {
		return nil, err
	}

	change := &DocumentWatchChange{RemovedTargetIDs: msg.RemovedTargetIDs, Key: key}

	if deleted {
		version := model.SnapshotVersionMin
		if msg.ReadTime != nil {
			version = model.NewSnapshotVersion(*msg.ReadTime)
		}

		change.NewDoc = model.NewNoDocument(key, version)
	}

	return change, nil
}

// EncodeHandshake is the first frame of a write stream. The backend echoes
// streamID and answers with the first stream token.
func (s *Serializer) EncodeHandshake(streamID string) ([]byte, error) {
	return json.Marshal(WriteRequest{Database: s.DatabaseName(), StreamID: streamID})
}

func (s *Serializer) EncodeWriteRequest(streamID string, streamToken []byte, mutations []mutation.Mutation) ([]byte, error) {
	return json.Marshal(WriteRequest{StreamID: streamID, StreamToken: streamToken, Writes: mutations})
}

func (s *Serializer) DecodeWriteResponse(data []byte) (*WriteResponse, error) {
	var msg WriteResponse
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode write response: %w", err)
	}

	return &msg, nil
}

// MutationResults converts the write results of msg. A result without an
// update time was a no-op and takes the commit version.
func (s *Serializer) MutationResults(msg *WriteResponse) (model.SnapshotVersion, []mutation.Result) {
	commit := model.SnapshotVersionMin
	if msg.CommitTime != nil {
		commit = model.NewSnapshotVersion(*msg.CommitTime)
	}

	results := make([]mutation.Result, 0, len(msg.WriteResults))
	for _, r := range msg.WriteResults {
		version := commit
		if r.UpdateTime != nil {
			version = model.NewSnapshotVersion(*r.UpdateTime)
		}

		results = append(results, mutation.Result{Version: version, TransformResults: r.TransformResults})
	}

	return commit, results
}

// Backend side encoders, used by the fake backend in remotetest.

func (s *Serializer) EncodeListenResponse(msg ListenResponse) ([]byte, error) {
	return json.Marshal(msg)
}

// TargetChangeType returns the wire name of state.
func TargetChangeType(state WatchTargetState) string {
	return targetChangeTypes[state]
}

func (s *Serializer) EncodeDocument(doc *model.Document) DocumentMessage {
	return DocumentMessage{
		Name:       s.DocumentName(doc.Key()),
		Fields:     *doc.Data(),
		UpdateTime: doc.Version().Timestamp(),
	}
}

func DecodeListenRequest(data []byte) (*ListenRequest, error) {
	var msg ListenRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode listen request: %w", err)
	}

	return &msg, nil
}

func DecodeWriteRequest(data []byte) (*WriteRequest, error) {
	var msg WriteRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode write request: %w", err)
	}

	return &msg, nil
}

func EncodeWriteResponse(msg WriteResponse) ([]byte, error) {
	return json.Marshal(msg)
}

// EncodeStatus converts err to a status message. Errors without a code
// become unknown.
func EncodeStatus(err error) *StatusMessage {
	return &StatusMessage{Code: standarderrors.CodeOf(err).String(), Message: err.Error()}
}

func DecodeStatus(msg *StatusMessage) *standarderrors.Error {
	return standarderrors.New(standarderrors.ParseCode(msg.Code), "%s", msg.Message)
}
