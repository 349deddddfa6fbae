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

package query

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
)

// filterJSON encodes either a field filter (Field set) or a composite filter
// (Composite set).
type filterJSON struct {
	Field     model.FieldPath `json:"field,omitempty"`
	Op        string          `json:"op"`
	Value     *model.Value    `json:"value,omitempty"`
	Composite bool            `json:"composite,omitempty"`
	Filters   []filterJSON    `json:"filters,omitempty"`
}

type orderByJSON struct {
	Field model.FieldPath `json:"field"`
	Dir   Direction       `json:"direction"`
}

type boundJSON struct {
	Position  []model.Value `json:"values"`
	Inclusive bool          `json:"inclusive"`
}

type targetJSON struct {
	Path            model.ResourcePath `json:"path"`
	CollectionGroup string             `json:"collectionGroup,omitempty"`
	Filters         []filterJSON       `json:"filters,omitempty"`
	OrderBy         []orderByJSON      `json:"orderBy,omitempty"`
	Limit           int                `json:"limit,omitempty"`
	StartAt         *boundJSON         `json:"startAt,omitempty"`
	EndAt           *boundJSON         `json:"endAt,omitempty"`
}

func encodeFilter(f Filter) (filterJSON, error) {
	switch f := f.(type) {
	case FieldFilter:
		v := f.Value

		return filterJSON{Field: f.Field, Op: string(f.Op), Value: &v}, nil
	case CompositeFilter:
		out := filterJSON{Op: string(f.Op), Composite: true}

		for _, sub := range f.Filters {
			enc, err := encodeFilter(sub)
			if err != nil {
				return filterJSON{}, err
			}

			out.Filters = append(out.Filters, enc)
		}

		return out, nil
	default:
		return filterJSON{}, fmt.Errorf("unsupported filter type %T", f)
	}
}

func decodeFilter(in filterJSON) (Filter, error) {
	if in.Composite {
		op := CompositeOp(in.Op)
		if op != And && op != Or {
			return nil, fmt.Errorf("unknown composite operator %q", in.Op)
		}

		filters := make([]Filter, 0, len(in.Filters))

		for _, sub := range in.Filters {
			f, err := decodeFilter(sub)
			if err != nil {
				return nil, err
			}

			filters = append(filters, f)
		}

		return CompositeFilter{Op: op, Filters: filters}, nil
	}

	if in.Field.IsEmpty() || in.Value == nil {
		return nil, errors.New("field filter needs a field and a value")
	}

	return FieldFilter{Field: in.Field, Op: Operator(in.Op), Value: *in.Value}, nil
}

func encodeBound(b *Bound) *boundJSON {
	if b == nil {
		return nil
	}

	return &boundJSON{Position: b.Position, Inclusive: b.Inclusive}
}

func decodeBound(b *boundJSON) *Bound {
	if b == nil {
		return nil
	}

	return &Bound{Position: b.Position, Inclusive: b.Inclusive}
}

// MarshalJSON encodes the target for persistence and the listen protocol.
func (t *Target) MarshalJSON() ([]byte, error) {
	out := targetJSON{
		Path:            t.Path,
		CollectionGroup: t.CollectionGroup,
		Limit:           t.Limit,
		StartAt:         encodeBound(t.StartAt),
		EndAt:           encodeBound(t.EndAt),
	}

	if out.Path == nil {
		out.Path = model.ResourcePath{}
	}

	for _, f := range t.Filters {
		enc, err := encodeFilter(f)
		if err != nil {
			return nil, err
		}

		out.Filters = append(out.Filters, enc)
	}

	for _, ob := range t.OrderBy {
		out.OrderBy = append(out.OrderBy, orderByJSON(ob))
	}

	return json.Marshal(out)
}

func (t *Target) UnmarshalJSON(data []byte) error {
	var in targetJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("failed to decode target: %w", err)
	}

	decoded := Target{
		Path:            in.Path,
		CollectionGroup: in.CollectionGroup,
		Limit:           in.Limit,
		StartAt:         decodeBound(in.StartAt),
		EndAt:           decodeBound(in.EndAt),
	}

	for _, f := range in.Filters {
		filter, err := decodeFilter(f)
		if err != nil {
			return fmt.Errorf("failed to decode target filter: %w", err)
		}

		decoded.Filters = append(decoded.Filters, filter)
	}

	for _, ob := range in.OrderBy {
		decoded.OrderBy = append(decoded.OrderBy, OrderBy(ob))
	}

	*t = decoded

	return nil
}
