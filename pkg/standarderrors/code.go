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

// Package standarderrors holds the error taxonomy shared by the local and
// remote halves of the sync engine.
package standarderrors

import (
	"errors"
	"fmt"
	"strings"
)

// Code is the canonical status code carried by remote errors.
type Code int

const (
	OK Code = iota
	Cancelled
	Unknown
	InvalidArgument
	DeadlineExceeded
	NotFound
	AlreadyExists
	PermissionDenied
	ResourceExhausted
	FailedPrecondition
	Aborted
	OutOfRange
	Unimplemented
	Internal
	Unavailable
	DataLoss
	Unauthenticated
)

var codeNames = [...]string{
	OK:                 "ok",
	Cancelled:          "cancelled",
	Unknown:            "unknown",
	InvalidArgument:    "invalid-argument",
	DeadlineExceeded:   "deadline-exceeded",
	NotFound:           "not-found",
	AlreadyExists:      "already-exists",
	PermissionDenied:   "permission-denied",
	ResourceExhausted:  "resource-exhausted",
	FailedPrecondition: "failed-precondition",
	Aborted:            "aborted",
	OutOfRange:         "out-of-range",
	Unimplemented:      "unimplemented",
	Internal:           "internal",
	Unavailable:        "unavailable",
	DataLoss:           "data-loss",
	Unauthenticated:    "unauthenticated",
}

func (c Code) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return fmt.Sprintf("code(%d)", int(c))
	}

	return codeNames[c]
}

// ParseCode maps a code name (as produced by String) back to a Code.
// Unrecognized names map to Unknown.
func ParseCode(name string) Code {
	name = strings.ToLower(strings.ReplaceAll(name, "_", "-"))
	for i, n := range codeNames {
		if n == name {
			return Code(i)
		}
	}

	return Unknown
}

// Error is a status error raised by the backend or by local validation.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// New creates a status error.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a status code to an existing error.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code, so callers can write
// errors.Is(err, standarderrors.New(standarderrors.PermissionDenied, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}

	return other.Code == e.Code
}

// CodeOf extracts the status code of err, or Unknown when err carries none.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}

	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}

	return Unknown
}

// IsPermanentError reports whether an RPC failing with code should not be
// retried. Transport level problems and throttling are retried.
func IsPermanentError(code Code) bool {
	switch code {
	case OK:
		panic("IsPermanentError called with OK")
	case Cancelled, Unknown, DeadlineExceeded, ResourceExhausted, Internal, Unavailable, Unauthenticated:
		return false
	case InvalidArgument, NotFound, AlreadyExists, PermissionDenied, FailedPrecondition, Aborted,
		OutOfRange, Unimplemented, DataLoss:
		return true
	default:
		return true
	}
}

// IsPermanentWriteError is IsPermanentError minus Aborted, which writes retry.
func IsPermanentWriteError(code Code) bool {
	return IsPermanentError(code) && code != Aborted
}
