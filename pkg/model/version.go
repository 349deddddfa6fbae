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
	"time"

	"github.com/goccy/go-json"
)

// Timestamp is a point in time with nanosecond precision.
type Timestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// Now returns the current wall clock time as a Timestamp.
func Now() Timestamp {
	return TimestampFromTime(time.Now())
}

func (t Timestamp) ToTime() time.Time {
	return time.Unix(t.Seconds, int64(t.Nanos)).UTC()
}

func (t Timestamp) Compare(o Timestamp) int {
	if c := compareInt64s(t.Seconds, o.Seconds); c != 0 {
		return c
	}

	return compareInt64s(int64(t.Nanos), int64(o.Nanos))
}

func (t Timestamp) Equal(o Timestamp) bool { return t == o }
func (t Timestamp) IsZero() bool           { return t == Timestamp{} }

// ToMicroseconds converts to microseconds since the epoch.
func (t Timestamp) ToMicroseconds() int64 {
	return t.Seconds*1_000_000 + int64(t.Nanos)/1_000
}

func (t Timestamp) String() string {
	return fmt.Sprintf("Timestamp(seconds=%d, nanos=%d)", t.Seconds, t.Nanos)
}

// SnapshotVersion is a server assigned version. Versions of one document only
// move forward once committed.
type SnapshotVersion struct {
	ts Timestamp
}

// SnapshotVersionMin is the version of documents that were never confirmed.
var SnapshotVersionMin = SnapshotVersion{}

func NewSnapshotVersion(ts Timestamp) SnapshotVersion {
	return SnapshotVersion{ts: ts}
}

// VersionFromMicros builds a version from a microsecond count. Handy in tests
// where versions are plain integers.
func VersionFromMicros(micros int64) SnapshotVersion {
	return SnapshotVersion{ts: Timestamp{Seconds: micros / 1_000_000, Nanos: int32(micros%1_000_000) * 1_000}}
}

func (v SnapshotVersion) Timestamp() Timestamp                { return v.ts }
func (v SnapshotVersion) Compare(o SnapshotVersion) int       { return v.ts.Compare(o.ts) }
func (v SnapshotVersion) Equal(o SnapshotVersion) bool        { return v.ts == o.ts }
func (v SnapshotVersion) Before(o SnapshotVersion) bool       { return v.Compare(o) < 0 }
func (v SnapshotVersion) After(o SnapshotVersion) bool        { return v.Compare(o) > 0 }
func (v SnapshotVersion) IsMin() bool                         { return v.ts.IsZero() }
func (v SnapshotVersion) ToMicroseconds() int64               { return v.ts.ToMicroseconds() }

func (v SnapshotVersion) String() string {
	return fmt.Sprintf("SnapshotVersion(%d.%09d)", v.ts.Seconds, v.ts.Nanos)
}

func (v SnapshotVersion) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ts)
}

func (v *SnapshotVersion) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &v.ts)
}
