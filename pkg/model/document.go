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

package model

import (
	"fmt"

	"github.com/goccy/go-json"
)

// DocumentType describes what is known about a document.
type DocumentType int

const (
	// InvalidDocument means nothing is known about the key.
	InvalidDocument DocumentType = iota
	FoundDocument
	NoDocument
	// UnknownDocument means the document was changed by a write the server
	// acknowledged, but its contents were not sent back.
	UnknownDocument
)

func (t DocumentType) String() string {
	switch t {
	case InvalidDocument:
		return "invalid"
	case FoundDocument:
		return "found"
	case NoDocument:
		return "no-document"
	case UnknownDocument:
		return "unknown"
	default:
		return fmt.Sprintf("DocumentType(%d)", int(t))
	}
}

type documentState int

const (
	stateSynced documentState = iota
	stateHasLocalMutations
	stateHasCommittedMutations
)

// Document is the mutable representation of one document. Caches hand out
// copies, so callers may convert them in place.
type Document struct {
	key      DocumentKey
	docType  DocumentType
	version  SnapshotVersion
	readTime SnapshotVersion
	data     ObjectValue
	state    documentState
}

func NewInvalidDocument(key DocumentKey) *Document {
	return &Document{key: key, docType: InvalidDocument, data: NewObjectValue()}
}

func NewFoundDocument(key DocumentKey, version SnapshotVersion, data ObjectValue) *Document {
	return NewInvalidDocument(key).ConvertToFoundDocument(version, data)
}

func NewNoDocument(key DocumentKey, version SnapshotVersion) *Document {
	return NewInvalidDocument(key).ConvertToNoDocument(version)
}

func NewUnknownDocument(key DocumentKey, version SnapshotVersion) *Document {
	return NewInvalidDocument(key).ConvertToUnknownDocument(version)
}

func (d *Document) ConvertToFoundDocument(version SnapshotVersion, data ObjectValue) *Document {
	d.version = version
	d.docType = FoundDocument
	d.data = data
	d.state = stateSynced

	return d
}

func (d *Document) ConvertToNoDocument(version SnapshotVersion) *Document {
	d.version = version
	d.docType = NoDocument
	d.data = NewObjectValue()
	d.state = stateSynced

	return d
}

func (d *Document) ConvertToUnknownDocument(version SnapshotVersion) *Document {
	d.version = version
	d.docType = UnknownDocument
	d.data = NewObjectValue()
	d.state = stateHasCommittedMutations

	return d
}

func (d *Document) SetHasCommittedMutations() *Document {
	d.state = stateHasCommittedMutations

	return d
}

func (d *Document) SetHasLocalMutations() *Document {
	d.state = stateHasLocalMutations
	d.version = SnapshotVersionMin

	return d
}

func (d *Document) SetReadTime(readTime SnapshotVersion) *Document {
	d.readTime = readTime

	return d
}

func (d *Document) Key() DocumentKey          { return d.key }
func (d *Document) Type() DocumentType        { return d.docType }
func (d *Document) Version() SnapshotVersion  { return d.version }
func (d *Document) ReadTime() SnapshotVersion { return d.readTime }

// Data returns the document fields. Mutating the result mutates the document.
func (d *Document) Data() *ObjectValue { return &d.data }

func (d *Document) IsValidDocument() bool   { return d.docType != InvalidDocument }
func (d *Document) IsFoundDocument() bool   { return d.docType == FoundDocument }
func (d *Document) IsNoDocument() bool      { return d.docType == NoDocument }
func (d *Document) IsUnknownDocument() bool { return d.docType == UnknownDocument }

func (d *Document) HasLocalMutations() bool     { return d.state == stateHasLocalMutations }
func (d *Document) HasCommittedMutations() bool { return d.state == stateHasCommittedMutations }
func (d *Document) HasPendingWrites() bool {
	return d.HasLocalMutations() || d.HasCommittedMutations()
}

// Field returns the value at path. The key pseudo field resolves to a
// reference to the document itself.
func (d *Document) Field(path FieldPath) (Value, bool) {
	if path.IsKeyField() {
		return NewReference(d.key), true
	}

	return d.data.Field(path)
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	c := *d
	c.data = d.data.Clone()

	return &c
}

// Equal compares key, type, version, local state and data. Read time is
// bookkeeping and ignored.
func (d *Document) Equal(o *Document) bool {
	if d == nil || o == nil {
		return d == o
	}

	return d.key == o.key &&
		d.docType == o.docType &&
		d.version.Equal(o.version) &&
		d.state == o.state &&
		d.data.Equal(o.data)
}

func (d *Document) String() string {
	return fmt.Sprintf("Document(%s, %s, %s, %s, local=%t, committed=%t)",
		d.key, d.docType, d.version, d.data, d.HasLocalMutations(), d.HasCommittedMutations())
}

type documentJSON struct {
	Key      string      `json:"key"`
	Type     int         `json:"type"`
	Version  Timestamp   `json:"version"`
	ReadTime Timestamp   `json:"readTime"`
	Data     ObjectValue `json:"data"`
	State    int         `json:"state"`
}

func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(documentJSON{
		Key:      d.key.String(),
		Type:     int(d.docType),
		Version:  d.version.Timestamp(),
		ReadTime: d.readTime.Timestamp(),
		Data:     d.data,
		State:    int(d.state),
	})
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var raw documentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	key, err := ParseDocumentKey(raw.Key)
	if err != nil {
		return err
	}

	*d = Document{
		key:      key,
		docType:  DocumentType(raw.Type),
		version:  NewSnapshotVersion(raw.Version),
		readTime: NewSnapshotVersion(raw.ReadTime),
		data:     raw.Data,
		state:    documentState(raw.State),
	}

	if d.data.fields == nil {
		d.data = NewObjectValue()
	}

	return nil
}

// DocumentMap maps keys to documents.
type DocumentMap map[DocumentKey]*Document

// SortedKeys returns the keys in key order.
func (m DocumentMap) SortedKeys() []DocumentKey {
	keys := make([]DocumentKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	SortKeys(keys)

	return keys
}

func (m DocumentMap) Keys() DocumentKeySet {
	s := make(DocumentKeySet, len(m))
	for k := range m {
		s.Add(k)
	}

	return s
}
