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
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBoolean
	KindInteger
	KindDouble
	KindTimestamp
	KindString
	KindBytes
	KindReference
	KindGeoPoint
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBoolean:
		return "boolean"
	case KindInteger:
		return "integer"
	case KindDouble:
		return "double"
	case KindTimestamp:
		return "timestamp"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindReference:
		return "reference"
	case KindGeoPoint:
		return "geopoint"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Value is a document field value. Only the field matching Kind is set.
// References keep the referenced document path in StringValue.
type Value struct {
	Kind           Kind
	BooleanValue   bool
	IntegerValue   int64
	DoubleValue    float64
	TimestampValue Timestamp
	StringValue    string
	BytesValue     []byte
	GeoPointValue  GeoPoint
	ArrayValue     []Value
	MapValue       map[string]Value
}

func NewNull() Value                { return Value{Kind: KindNull} }
func NewBoolean(b bool) Value       { return Value{Kind: KindBoolean, BooleanValue: b} }
func NewInteger(i int64) Value      { return Value{Kind: KindInteger, IntegerValue: i} }
func NewDouble(d float64) Value     { return Value{Kind: KindDouble, DoubleValue: d} }
func NewTimestamp(t Timestamp) Value { return Value{Kind: KindTimestamp, TimestampValue: t} }
func NewString(s string) Value      { return Value{Kind: KindString, StringValue: s} }
func NewBytes(b []byte) Value       { return Value{Kind: KindBytes, BytesValue: b} }
func NewGeoPoint(lat, lng float64) Value {
	return Value{Kind: KindGeoPoint, GeoPointValue: GeoPoint{Latitude: lat, Longitude: lng}}
}

func NewReference(key DocumentKey) Value {
	return Value{Kind: KindReference, StringValue: key.String()}
}

func NewArray(values ...Value) Value {
	if values == nil {
		values = []Value{}
	}

	return Value{Kind: KindArray, ArrayValue: values}
}

func NewMap(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}

	return Value{Kind: KindMap, MapValue: fields}
}

func (v Value) IsNumber() bool { return v.Kind == KindInteger || v.Kind == KindDouble }
func (v Value) IsNaN() bool    { return v.Kind == KindDouble && math.IsNaN(v.DoubleValue) }

const (
	serverTimestampType      = "server_timestamp"
	typeKey                  = "__type__"
	previousValueKey         = "__previous_value__"
	localWriteTimeKey        = "__local_write_time__"
	serverTimestampSentinels = 3
)

// NewServerTimestamp builds the placeholder shown locally until the server
// assigns the real time. previous is kept so callers can display the old value.
func NewServerTimestamp(localWriteTime Timestamp, previous *Value) Value {
	fields := map[string]Value{
		typeKey:           NewString(serverTimestampType),
		localWriteTimeKey: NewTimestamp(localWriteTime),
	}

	// Chained placeholders collapse to the oldest real value.
	if previous != nil {
		prev := *previous
		if IsServerTimestamp(prev) {
			if p, ok := ServerTimestampPreviousValue(prev); ok {
				fields[previousValueKey] = p
			}
		} else {
			fields[previousValueKey] = prev
		}
	}

	return NewMap(fields)
}

func IsServerTimestamp(v Value) bool {
	if v.Kind != KindMap || len(v.MapValue) > serverTimestampSentinels {
		return false
	}

	t, ok := v.MapValue[typeKey]

	return ok && t.Kind == KindString && t.StringValue == serverTimestampType
}

func ServerTimestampLocalWriteTime(v Value) Timestamp {
	return v.MapValue[localWriteTimeKey].TimestampValue
}

func ServerTimestampPreviousValue(v Value) (Value, bool) {
	p, ok := v.MapValue[previousValueKey]

	return p, ok
}

const (
	typeOrderNull = iota
	typeOrderBoolean
	typeOrderNumber
	typeOrderTimestamp
	typeOrderServerTimestamp
	typeOrderString
	typeOrderBytes
	typeOrderReference
	typeOrderGeoPoint
	typeOrderArray
	typeOrderMap
)

// TypeOrder returns the rank of v's type in the cross type ordering.
func TypeOrder(v Value) int {
	switch v.Kind {
	case KindNull:
		return typeOrderNull
	case KindBoolean:
		return typeOrderBoolean
	case KindInteger, KindDouble:
		return typeOrderNumber
	case KindTimestamp:
		return typeOrderTimestamp
	case KindString:
		return typeOrderString
	case KindBytes:
		return typeOrderBytes
	case KindReference:
		return typeOrderReference
	case KindGeoPoint:
		return typeOrderGeoPoint
	case KindArray:
		return typeOrderArray
	case KindMap:
		if IsServerTimestamp(v) {
			return typeOrderServerTimestamp
		}

		return typeOrderMap
	default:
		panic(fmt.Sprintf("unknown value kind %d", v.Kind))
	}
}

// Equal reports whether a and b hold the same value. Integers never equal
// doubles; NaN equals NaN; -0.0 differs from 0.0.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}

	switch a.Kind {
	case KindNull:
		return true
	case KindBoolean:
		return a.BooleanValue == b.BooleanValue
	case KindInteger:
		return a.IntegerValue == b.IntegerValue
	case KindDouble:
		if a.DoubleValue == b.DoubleValue {
			return math.Signbit(a.DoubleValue) == math.Signbit(b.DoubleValue)
		}

		return math.IsNaN(a.DoubleValue) && math.IsNaN(b.DoubleValue)
	case KindTimestamp:
		return a.TimestampValue == b.TimestampValue
	case KindString, KindReference:
		return a.StringValue == b.StringValue
	case KindBytes:
		return bytes.Equal(a.BytesValue, b.BytesValue)
	case KindGeoPoint:
		return a.GeoPointValue == b.GeoPointValue
	case KindArray:
		if len(a.ArrayValue) != len(b.ArrayValue) {
			return false
		}

		for i := range a.ArrayValue {
			if !Equal(a.ArrayValue[i], b.ArrayValue[i]) {
				return false
			}
		}

		return true
	case KindMap:
		if IsServerTimestamp(a) && IsServerTimestamp(b) {
			return ServerTimestampLocalWriteTime(a) == ServerTimestampLocalWriteTime(b)
		}

		if len(a.MapValue) != len(b.MapValue) {
			return false
		}

		for k, av := range a.MapValue {
			bv, ok := b.MapValue[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}

		return true
	default:
		return false
	}
}

// referencePath splits a reference without validating it. Malformed
// references still order deterministically.
func referencePath(ref string) ResourcePath {
	ref = strings.Trim(ref, "/")
	if ref == "" {
		return ResourcePath{}
	}

	return ResourcePath(strings.Split(ref, "/"))
}

// Compare orders two values across types.
func Compare(a, b Value) int {
	ta, tb := TypeOrder(a), TypeOrder(b)
	if ta != tb {
		return compareInts(ta, tb)
	}

	switch ta {
	case typeOrderNull:
		return 0
	case typeOrderBoolean:
		return compareBools(a.BooleanValue, b.BooleanValue)
	case typeOrderNumber:
		return compareNumbers(a, b)
	case typeOrderTimestamp:
		return a.TimestampValue.Compare(b.TimestampValue)
	case typeOrderServerTimestamp:
		return ServerTimestampLocalWriteTime(a).Compare(ServerTimestampLocalWriteTime(b))
	case typeOrderString:
		return strings.Compare(a.StringValue, b.StringValue)
	case typeOrderBytes:
		return bytes.Compare(a.BytesValue, b.BytesValue)
	case typeOrderReference:
		return referencePath(a.StringValue).Compare(referencePath(b.StringValue))
	case typeOrderGeoPoint:
		if c := compareFloats(a.GeoPointValue.Latitude, b.GeoPointValue.Latitude); c != 0 {
			return c
		}

		return compareFloats(a.GeoPointValue.Longitude, b.GeoPointValue.Longitude)
	case typeOrderArray:
		n := min(len(a.ArrayValue), len(b.ArrayValue))
		for i := 0; i < n; i++ {
			if c := Compare(a.ArrayValue[i], b.ArrayValue[i]); c != 0 {
				return c
			}
		}

		return compareInts(len(a.ArrayValue), len(b.ArrayValue))
	case typeOrderMap:
		return compareMaps(a.MapValue, b.MapValue)
	default:
		panic(fmt.Sprintf("invalid type order %d", ta))
	}
}

func compareBools(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

// compareFloats puts NaN before every other number.
func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	case a == b:
		return 0
	case math.IsNaN(a):
		if math.IsNaN(b) {
			return 0
		}

		return -1
	default:
		return 1
	}
}

func compareNumbers(a, b Value) int {
	if a.Kind == KindInteger && b.Kind == KindInteger {
		return compareInt64s(a.IntegerValue, b.IntegerValue)
	}

	return compareFloats(asFloat(a), asFloat(b))
}

func asFloat(v Value) float64 {
	if v.Kind == KindInteger {
		return float64(v.IntegerValue)
	}

	return v.DoubleValue
}

func compareMaps(a, b map[string]Value) int {
	ak, bk := sortedKeys(a), sortedKeys(b)

	n := min(len(ak), len(bk))
	for i := 0; i < n; i++ {
		if c := strings.Compare(ak[i], bk[i]); c != 0 {
			return c
		}

		if c := Compare(a[ak[i]], b[bk[i]]); c != 0 {
			return c
		}
	}

	return compareInts(len(ak), len(bk))
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// ArrayContains reports whether values holds an element equal to v.
func ArrayContains(values []Value, v Value) bool {
	for _, e := range values {
		if Equal(e, v) {
			return true
		}
	}

	return false
}

// CanonicalString renders v deterministically. Used to build canonical ids.
func CanonicalString(v Value) string {
	var sb strings.Builder
	writeCanonical(&sb, v)

	return sb.String()
}

func writeCanonical(sb *strings.Builder, v Value) {
	switch v.Kind {
	case KindNull:
		sb.WriteString("null")
	case KindBoolean:
		sb.WriteString(strconv.FormatBool(v.BooleanValue))
	case KindInteger:
		sb.WriteString(strconv.FormatInt(v.IntegerValue, 10))
	case KindDouble:
		d := strconv.FormatFloat(v.DoubleValue, 'g', -1, 64)
		if !strings.ContainsAny(d, ".eEIN") {
			d += ".0"
		}

		sb.WriteString(d)
	case KindTimestamp:
		fmt.Fprintf(sb, "time(%d,%d)", v.TimestampValue.Seconds, v.TimestampValue.Nanos)
	case KindString:
		sb.WriteString(strconv.Quote(v.StringValue))
	case KindBytes:
		sb.WriteString("b64:" + base64.StdEncoding.EncodeToString(v.BytesValue))
	case KindReference:
		sb.WriteString("ref:" + v.StringValue)
	case KindGeoPoint:
		fmt.Fprintf(sb, "geo(%s,%s)",
			strconv.FormatFloat(v.GeoPointValue.Latitude, 'g', -1, 64),
			strconv.FormatFloat(v.GeoPointValue.Longitude, 'g', -1, 64))
	case KindArray:
		sb.WriteByte('[')

		for i, e := range v.ArrayValue {
			if i > 0 {
				sb.WriteByte(',')
			}

			writeCanonical(sb, e)
		}

		sb.WriteByte(']')
	case KindMap:
		sb.WriteByte('{')

		for i, k := range sortedKeys(v.MapValue) {
			if i > 0 {
				sb.WriteByte(',')
			}

			sb.WriteString(k)
			sb.WriteByte(':')
			writeCanonical(sb, v.MapValue[k])
		}

		sb.WriteByte('}')
	}
}

func (v Value) String() string {
	return CanonicalString(v)
}
