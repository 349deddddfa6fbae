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

package mutation

import (
	"fmt"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
)

// Precondition guards a mutation. At most one of Exists and UpdateTime is set.
type Precondition struct {
	Exists     *bool                  `json:"exists,omitempty"`
	UpdateTime *model.SnapshotVersion `json:"updateTime,omitempty"`
}

// PreconditionNone always holds.
var PreconditionNone = Precondition{}

func PreconditionExists(exists bool) Precondition {
	return Precondition{Exists: &exists}
}

func PreconditionUpdateTime(v model.SnapshotVersion) Precondition {
	return Precondition{UpdateTime: &v}
}

func (p Precondition) IsNone() bool {
	return p.Exists == nil && p.UpdateTime == nil
}

// IsValidFor reports whether the precondition holds for doc.
func (p Precondition) IsValidFor(doc *model.Document) bool {
	if p.UpdateTime != nil {
		return doc.IsFoundDocument() && doc.Version().Equal(*p.UpdateTime)
	}

	if p.Exists != nil {
		return *p.Exists == doc.IsFoundDocument()
	}

	return true
}

func (p Precondition) Equal(o Precondition) bool {
	switch {
	case p.IsNone() || o.IsNone():
		return p.IsNone() && o.IsNone()
	case p.UpdateTime != nil:
		return o.UpdateTime != nil && p.UpdateTime.Equal(*o.UpdateTime)
	default:
		return o.Exists != nil && *p.Exists == *o.Exists
	}
}

func (p Precondition) String() string {
	switch {
	case p.UpdateTime != nil:
		return fmt.Sprintf("Precondition(updateTime=%s)", p.UpdateTime)
	case p.Exists != nil:
		return fmt.Sprintf("Precondition(exists=%t)", *p.Exists)
	default:
		return "Precondition(none)"
	}
}
