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

package backoff

import (
	"errors"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

// ErrorCategory tells a stream how to react when it closes with an error.
type ErrorCategory int

const (
	// CategoryIgnored is an expected close, for example one we asked for.
	// The stream goes back to Initial without touching the backoff.
	CategoryIgnored ErrorCategory = iota

	// CategoryTransient is a close worth retrying. The stream backs off and
	// reconnects once it is asked to start again.
	CategoryTransient

	// CategoryPermanent is a close the server will keep producing for the
	// same request. For the write stream this rejects the head batch; for the
	// watch stream it rejects the affected targets.
	//
	// N.B.: a permanent close still leaves the stream reusable. Only the
	// request that caused it is abandoned.
	CategoryPermanent
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryIgnored:
		return "ignored"
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CategorizedError is a wrapper that includes the underlying error plus a Category.
type CategorizedError struct {
	Err      error
	Category ErrorCategory
}

func (ce *CategorizedError) Error() string {
	return ce.Err.Error()
}

func (ce *CategorizedError) Unwrap() error {
	return ce.Err
}

// IsCategory checks if the CategorizedError has the specified category.
func (ce *CategorizedError) IsCategory(category ErrorCategory) bool {
	return ce.Category == category
}

// NewIgnoredError wraps err as CategoryIgnored.
func NewIgnoredError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryIgnored}
}

// NewTransientError wraps err as CategoryTransient.
func NewTransientError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryTransient}
}

// NewPermanentError wraps err as CategoryPermanent.
func NewPermanentError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryPermanent}
}

// CategorizeStreamError classifies the error a stream closed with. Errors
// that already carry a category keep it. Status errors are classified by
// code, with writeStream selecting the write stream rules where Aborted is
// retried. Everything else is transient.
func CategorizeStreamError(err error, writeStream bool) error {
	if err == nil {
		return nil
	}

	var ce *CategorizedError
	if errors.As(err, &ce) {
		return err
	}

	var se *standarderrors.Error
	if !errors.As(err, &se) {
		return NewTransientError(err)
	}

	switch {
	case se.Code == standarderrors.OK || se.Code == standarderrors.Cancelled:
		return NewIgnoredError(err)
	case writeStream && standarderrors.IsPermanentWriteError(se.Code):
		return NewPermanentError(err)
	case !writeStream && standarderrors.IsPermanentError(se.Code):
		return NewPermanentError(err)
	default:
		return NewTransientError(err)
	}
}

// CategoryOf returns the category of err, treating uncategorized errors as
// transient.
func CategoryOf(err error) ErrorCategory {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}

	return CategoryTransient
}

// IsIgnoredError is a convenience checker for CategoryIgnored.
func IsIgnoredError(err error) bool {
	var ce *CategorizedError

	return errors.As(err, &ce) && ce.IsCategory(CategoryIgnored)
}

// IsTransientError is a convenience checker for CategoryTransient.
func IsTransientError(err error) bool {
	var ce *CategorizedError

	return errors.As(err, &ce) && ce.IsCategory(CategoryTransient)
}

// IsPermanentError is a convenience checker for CategoryPermanent.
func IsPermanentError(err error) bool {
	var ce *CategorizedError

	return errors.As(err, &ce) && ce.IsCategory(CategoryPermanent)
}

// ExtractOriginalError unwraps err down to its root cause.
func ExtractOriginalError(err error) error {
	if err == nil {
		return nil
	}

	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}

		err = next
	}
}
