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
	"strconv"
	"strings"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
)

// Target is the normalized form of a query that the server listens to.
// Queries that differ only in limit type can share a target.
type Target struct {
	Path            model.ResourcePath
	CollectionGroup string
	Filters         []Filter
	OrderBy         []OrderBy
	Limit           int
	StartAt         *Bound
	EndAt           *Bound

	canonicalID string
}

// NewDocumentTarget returns a target for a single document key.
func NewDocumentTarget(key model.DocumentKey) *Target {
	return &Target{Path: key.Path()}
}

// IsDocumentTarget reports whether the target addresses one document.
func (t *Target) IsDocumentTarget() bool {
	return len(t.Path)%2 == 0 && len(t.Path) > 0 && t.CollectionGroup == "" && len(t.Filters) == 0
}

// DocumentKey returns the key of a document target.
func (t *Target) DocumentKey() model.DocumentKey {
	key, err := model.NewDocumentKey(t.Path)
	if err != nil {
		panic(err)
	}

	return key
}

func (t *Target) HasLimit() bool { return t.Limit > 0 }

// CanonicalID is a deterministic string identifying the target.
func (t *Target) CanonicalID() string {
	if t.canonicalID != "" {
		return t.canonicalID
	}

	var sb strings.Builder

	sb.WriteString(t.Path.String())

	if t.CollectionGroup != "" {
		sb.WriteString("|cg:" + t.CollectionGroup)
	}

	sb.WriteString("|f:")

	for _, f := range t.Filters {
		sb.WriteString(f.CanonicalID())
	}

	sb.WriteString("|ob:")

	for _, o := range t.OrderBy {
		sb.WriteString(o.Field.CanonicalString() + string(o.Dir))
	}

	if t.HasLimit() {
		sb.WriteString("|l:" + strconv.Itoa(t.Limit))
	}

	if t.StartAt != nil {
		sb.WriteString("|lb:" + t.StartAt.canonical())
	}

	if t.EndAt != nil {
		sb.WriteString("|ub:" + t.EndAt.canonical())
	}

	t.canonicalID = sb.String()

	return t.canonicalID
}

func (t *Target) Equal(o *Target) bool {
	return t.CanonicalID() == o.CanonicalID()
}

func (t *Target) String() string {
	return "Target(" + t.CanonicalID() + ")"
}

// ToQuery returns a limit-to-first query with the target's semantics. The
// backend side uses it to evaluate targets it receives.
func (t *Target) ToQuery() *Query {
	return &Query{
		Path:            t.Path,
		CollectionGroup: t.CollectionGroup,
		Filters:         t.Filters,
		ExplicitOrderBy: t.OrderBy,
		LimitCount:      t.Limit,
		LimitType:       LimitToFirst,
		StartAt:         t.StartAt,
		EndAt:           t.EndAt,
	}
}
