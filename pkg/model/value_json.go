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
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Values are encoded as single-key objects naming their kind, e.g.
// {"integerValue":"42"} or {"mapValue":{"fields":{...}}}. The same encoding is
// used on the wire and in the sqlite blobs.

type arrayJSON struct {
	Values []Value `json:"values"`
}

type mapJSON struct {
	Fields map[string]Value `json:"fields"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	var out map[string]any

	switch v.Kind {
	case KindNull:
		out = map[string]any{"nullValue": nil}
	case KindBoolean:
		out = map[string]any{"booleanValue": v.BooleanValue}
	case KindInteger:
		out = map[string]any{"integerValue": strconv.FormatInt(v.IntegerValue, 10)}
	case KindDouble:
		switch {
		case math.IsNaN(v.DoubleValue):
			out = map[string]any{"doubleValue": "NaN"}
		case math.IsInf(v.DoubleValue, 1):
			out = map[string]any{"doubleValue": "Infinity"}
		case math.IsInf(v.DoubleValue, -1):
			out = map[string]any{"doubleValue": "-Infinity"}
		default:
			out = map[string]any{"doubleValue": v.DoubleValue}
		}
	case KindTimestamp:
		out = map[string]any{"timestampValue": v.TimestampValue.ToTime().Format(time.RFC3339Nano)}
	case KindString:
		out = map[string]any{"stringValue": v.StringValue}
	case KindBytes:
		out = map[string]any{"bytesValue": base64.StdEncoding.EncodeToString(v.BytesValue)}
	case KindReference:
		out = map[string]any{"referenceValue": v.StringValue}
	case KindGeoPoint:
		out = map[string]any{"geoPointValue": v.GeoPointValue}
	case KindArray:
		values := v.ArrayValue
		if values == nil {
			values = []Value{}
		}

		out = map[string]any{"arrayValue": arrayJSON{Values: values}}
	case KindMap:
		fields := v.MapValue
		if fields == nil {
			fields = map[string]Value{}
		}

		out = map[string]any{"mapValue": mapJSON{Fields: fields}}
	default:
		return nil, fmt.Errorf("cannot encode value of kind %s", v.Kind)
	}

	return json.Marshal(out)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if len(raw) != 1 {
		return fmt.Errorf("value must have exactly one kind, got %d", len(raw))
	}

	for kind, body := range raw {
		return v.decodeKind(kind, body)
	}

	return nil
}

func (v *Value) decodeKind(kind string, body json.RawMessage) error {
	*v = Value{}

	switch kind {
	case "nullValue":
		v.Kind = KindNull
	case "booleanValue":
		v.Kind = KindBoolean

		return json.Unmarshal(body, &v.BooleanValue)
	case "integerValue":
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return err
		}

		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integerValue %q: %w", s, err)
		}

		*v = NewInteger(i)
	case "doubleValue":
		var s string
		if json.Unmarshal(body, &s) == nil {
			switch s {
			case "NaN":
				*v = NewDouble(math.NaN())
			case "Infinity":
				*v = NewDouble(math.Inf(1))
			case "-Infinity":
				*v = NewDouble(math.Inf(-1))
			default:
				return fmt.Errorf("invalid doubleValue %q", s)
			}

			return nil
		}

		v.Kind = KindDouble

		return json.Unmarshal(body, &v.DoubleValue)
	case "timestampValue":
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return err
		}

		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestampValue %q: %w", s, err)
		}

		*v = NewTimestamp(TimestampFromTime(t))
	case "stringValue":
		v.Kind = KindString

		return json.Unmarshal(body, &v.StringValue)
	case "bytesValue":
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return err
		}

		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("invalid bytesValue: %w", err)
		}

		*v = NewBytes(b)
	case "referenceValue":
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return err
		}

		if _, err := ParseDocumentKey(s); err != nil {
			return err
		}

		*v = Value{Kind: KindReference, StringValue: s}
	case "geoPointValue":
		v.Kind = KindGeoPoint

		return json.Unmarshal(body, &v.GeoPointValue)
	case "arrayValue":
		var a arrayJSON
		if err := json.Unmarshal(body, &a); err != nil {
			return err
		}

		*v = NewArray(a.Values...)
	case "mapValue":
		var m mapJSON
		if err := json.Unmarshal(body, &m); err != nil {
			return err
		}

		*v = NewMap(m.Fields)
	default:
		return fmt.Errorf("unknown value kind %q", kind)
	}

	return nil
}
