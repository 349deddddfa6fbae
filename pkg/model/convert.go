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
	"sort"
	"time"
)

// FromGo converts plain Go values (as produced by decoding JSON or YAML) into
// a Value.
func FromGo(in any) (Value, error) {
	switch v := in.(type) {
	case nil:
		return NewNull(), nil
	case Value:
		return v, nil
	case bool:
		return NewBoolean(v), nil
	case int:
		return NewInteger(int64(v)), nil
	case int32:
		return NewInteger(int64(v)), nil
	case int64:
		return NewInteger(v), nil
	case uint32:
		return NewInteger(int64(v)), nil
	case float32:
		return NewDouble(float64(v)), nil
	case float64:
		return NewDouble(v), nil
	case string:
		return NewString(v), nil
	case []byte:
		return NewBytes(v), nil
	case time.Time:
		return NewTimestamp(TimestampFromTime(v)), nil
	case Timestamp:
		return NewTimestamp(v), nil
	case GeoPoint:
		return NewGeoPoint(v.Latitude, v.Longitude), nil
	case DocumentKey:
		return NewReference(v), nil
	case []any:
		values := make([]Value, len(v))

		for i, e := range v {
			ev, err := FromGo(e)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}

			values[i] = ev
		}

		return NewArray(values...), nil
	case map[string]any:
		fields, err := FieldsFromGo(v)
		if err != nil {
			return Value{}, err
		}

		return NewMap(fields), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", in)
	}
}

// FieldsFromGo converts a map of plain Go values into document fields.
func FieldsFromGo(in map[string]any) (map[string]Value, error) {
	fields := make(map[string]Value, len(in))

	for k, e := range in {
		ev, err := FromGo(e)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}

		fields[k] = ev
	}

	return fields, nil
}

// MustObject builds an ObjectValue from plain Go values and panics on
// unsupported types. Meant for tests and examples.
func MustObject(in map[string]any) ObjectValue {
	fields, err := FieldsFromGo(in)
	if err != nil {
		panic(err)
	}

	return ObjectValueFromMap(fields)
}

// ToGo converts v back into plain Go values. Server timestamp placeholders
// render as their local write time.
func ToGo(v Value) any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBoolean:
		return v.BooleanValue
	case KindInteger:
		return v.IntegerValue
	case KindDouble:
		return v.DoubleValue
	case KindTimestamp:
		return v.TimestampValue.ToTime()
	case KindString, KindReference:
		return v.StringValue
	case KindBytes:
		return v.BytesValue
	case KindGeoPoint:
		return v.GeoPointValue
	case KindArray:
		out := make([]any, len(v.ArrayValue))
		for i, e := range v.ArrayValue {
			out[i] = ToGo(e)
		}

		return out
	case KindMap:
		if IsServerTimestamp(v) {
			return ServerTimestampLocalWriteTime(v).ToTime()
		}

		out := make(map[string]any, len(v.MapValue))
		for k, e := range v.MapValue {
			out[k] = ToGo(e)
		}

		return out
	default:
		return nil
	}
}

// SortedFieldNames returns the top level field names of o in order.
func (o ObjectValue) SortedFieldNames() []string {
	names := make([]string, 0, len(o.fields))
	for k := range o.fields {
		names = append(names, k)
	}

	sort.Strings(names)

	return names
}
