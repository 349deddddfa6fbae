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

package sentry

import (
	"fmt"
	"math"
	"strconv"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap/zapcore"
)

// FingerprintKeys are the log fields that split Sentry grouping. They name
// what failed, not which instance.
var FingerprintKeys = []string{"operation", "component", "stream"}

func isFingerprintKey(key string) bool {
	for _, k := range FingerprintKeys {
		if k == key {
			return true
		}
	}

	return false
}

// Hook wraps a zapcore.Core and forwards warnings and errors to Sentry.
type Hook struct {
	zapcore.Core
}

func NewHook(core zapcore.Core) *Hook {
	return &Hook{Core: core}
}

func (h *Hook) With(fields []zapcore.Field) zapcore.Core {
	return &Hook{Core: h.Core.With(fields)}
}

func (h *Hook) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if h.Enabled(entry.Level) {
		return ce.AddCore(entry, h)
	}

	return ce
}

// Write sends warnings and above to Sentry in the background and always
// writes to the wrapped core.
func (h *Hook) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	if entry.Level >= zapcore.WarnLevel {
		go capture(entry, fields)
	}

	return h.Core.Write(entry, fields)
}

func capture(entry zapcore.Entry, fields []zapcore.Field) {
	level := zapLevelToSentry(entry.Level)

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level)

		fingerprint := []string{"{{ default }}", "level: " + string(level)}

		for _, field := range fields {
			value, ok := fieldString(field)
			if !ok {
				continue
			}

			scope.SetTag(field.Key, value)

			if isFingerprintKey(field.Key) {
				fingerprint = append(fingerprint, fmt.Sprintf("%s: %s", field.Key, value))
			}
		}

		if entry.LoggerName != "" {
			scope.SetTag("logger", entry.LoggerName)
		}

		scope.SetFingerprint(fingerprint)
		sentry.CaptureMessage(entry.Message)
	})
}

func fieldString(field zapcore.Field) (string, bool) {
	switch field.Type {
	case zapcore.StringType:
		return field.String, true
	case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type, zapcore.DurationType:
		return strconv.FormatInt(field.Integer, 10), true
	case zapcore.Uint64Type, zapcore.Uint32Type, zapcore.Uint16Type, zapcore.Uint8Type:
		return strconv.FormatUint(uint64(field.Integer), 10), true
	case zapcore.BoolType:
		return strconv.FormatBool(field.Integer == 1), true
	case zapcore.Float64Type:
		return strconv.FormatFloat(math.Float64frombits(uint64(field.Integer)), 'g', -1, 64), true
	case zapcore.ErrorType:
		if err, ok := field.Interface.(error); ok {
			return err.Error(), true
		}
	}

	if field.Interface != nil {
		return fmt.Sprintf("%v", field.Interface), true
	}

	return "", false
}

func zapLevelToSentry(level zapcore.Level) sentry.Level {
	switch level {
	case zapcore.DebugLevel:
		return sentry.LevelDebug
	case zapcore.InfoLevel:
		return sentry.LevelInfo
	case zapcore.WarnLevel:
		return sentry.LevelWarning
	case zapcore.ErrorLevel:
		return sentry.LevelError
	default:
		return sentry.LevelFatal
	}
}
