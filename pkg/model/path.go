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

// Package model contains the value, path and document types shared by every
// layer of the sync engine.
package model

import (
	"fmt"
	"strconv"
	"strings"
)

// ResourcePath is a slash separated path to a collection or document.
type ResourcePath []string

// ParseResourcePath splits a slash separated path. Leading and trailing
// slashes are ignored; empty segments are rejected.
func ParseResourcePath(p string) (ResourcePath, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return ResourcePath{}, nil
	}

	segments := strings.Split(p, "/")
	for _, s := range segments {
		if s == "" {
			return nil, fmt.Errorf("invalid path %q: empty segment", p)
		}
	}

	return ResourcePath(segments), nil
}

// MustResourcePath is ParseResourcePath that panics on error. Meant for
// constants and tests.
func MustResourcePath(p string) ResourcePath {
	path, err := ParseResourcePath(p)
	if err != nil {
		panic(err)
	}

	return path
}

func (p ResourcePath) Len() int      { return len(p) }
func (p ResourcePath) IsEmpty() bool { return len(p) == 0 }

func (p ResourcePath) Segment(i int) string { return p[i] }

func (p ResourcePath) LastSegment() string {
	if len(p) == 0 {
		return ""
	}

	return p[len(p)-1]
}

// Child returns a new path with segments appended.
func (p ResourcePath) Child(segments ...string) ResourcePath {
	out := make(ResourcePath, 0, len(p)+len(segments))
	out = append(out, p...)

	return append(out, segments...)
}

// Parent returns the path without its last segment.
func (p ResourcePath) Parent() ResourcePath {
	if len(p) == 0 {
		return p
	}

	out := make(ResourcePath, len(p)-1)
	copy(out, p[:len(p)-1])

	return out
}

func (p ResourcePath) IsPrefixOf(other ResourcePath) bool {
	if len(p) > len(other) {
		return false
	}

	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}

	return true
}

func (p ResourcePath) IsImmediateParentOf(other ResourcePath) bool {
	return len(p)+1 == len(other) && p.IsPrefixOf(other)
}

func (p ResourcePath) Equal(other ResourcePath) bool {
	return len(p) == len(other) && p.IsPrefixOf(other)
}

// Compare orders paths segment by segment. Numeric ids sort before string
// segments and compare by value.
func (p ResourcePath) Compare(other ResourcePath) int {
	n := min(len(p), len(other))
	for i := 0; i < n; i++ {
		if c := compareSegments(p[i], other[i]); c != 0 {
			return c
		}
	}

	return compareInts(len(p), len(other))
}

func (p ResourcePath) String() string {
	return strings.Join(p, "/")
}

func numericID(segment string) (int64, bool) {
	if len(segment) <= 6 || !strings.HasPrefix(segment, "__id") || !strings.HasSuffix(segment, "__") {
		return 0, false
	}

	n, err := strconv.ParseInt(segment[4:len(segment)-2], 10, 64)
	if err != nil {
		return 0, false
	}

	return n, true
}

func compareSegments(a, b string) int {
	an, aNumeric := numericID(a)
	bn, bNumeric := numericID(b)

	switch {
	case aNumeric && bNumeric:
		return compareInt64s(an, bn)
	case aNumeric:
		return -1
	case bNumeric:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareInt64s(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
