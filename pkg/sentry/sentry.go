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

// Package sentry reports engine failures to Sentry and to the log.
//
// Nothing is sent until Init is called with a DSN and a release version.
// Reports are debounced per error title so a failing stream that retries
// forever does not flood the project.
package sentry

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// DevVersion is the version of builds made without release ldflags.
const DevVersion = "0.0.0-dev"

const (
	environmentDevelopment = "development"
	environmentProduction  = "production"
)

// Options configures Init.
type Options struct {
	DSN        string
	AppVersion string

	// Transport replaces the HTTP transport. Used by tests.
	Transport sentry.Transport
}

// Init sets up the global Sentry client. Development builds and an empty DSN
// leave reporting disabled; ReportIssue then only logs.
func Init(opts Options) error {
	if opts.DSN == "" || opts.AppVersion == "" || opts.AppVersion == DevVersion {
		zap.S().Debug("Sentry disabled")

		return nil
	}

	environment := environmentDevelopment

	version, err := semver.NewVersion(opts.AppVersion)
	if err != nil {
		zap.S().Warnf("Failed to parse app version, using development environment: %s", err)
	} else if version.Prerelease() == "" {
		environment = environmentProduction
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:         opts.DSN,
		Environment: environment,
		Release:     "docsync@" + opts.AppVersion,
		Transport:   opts.Transport,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sentry: %w", err)
	}

	return nil
}

// errorTitle cuts the message at the first sentence or clause.
func errorTitle(err error) string {
	message := err.Error()

	if idx := strings.IndexAny(message, ".,:"); idx > 0 {
		message = message[:idx]
	}

	if len(message) > 100 {
		message = message[:97] + "..."
	}

	return message
}

func createEvent(level sentry.Level, err error, context map[string]interface{}) *sentry.Event {
	event := sentry.NewEvent()
	event.Level = level
	event.Message = err.Error()
	event.Exception = []sentry.Exception{{
		Type:       errorTitle(err),
		Value:      err.Error(),
		Stacktrace: sentry.ExtractStacktrace(err),
	}}
	event.Fingerprint = []string{"{{ default }}", "level: " + string(level)}

	if level == sentry.LevelFatal {
		threads, stack := captureGoroutinesAsThreads()
		event.Threads = threads
		event.Attachments = append(event.Attachments, &sentry.Attachment{
			Filename:    "goroutines.txt",
			ContentType: "text/plain",
			Payload:     stack,
		})
	}

	if len(context) == 0 {
		return event
	}

	event.Tags = make(map[string]string, len(context))

	for key, value := range context {
		switch v := value.(type) {
		case string:
			event.Tags[key] = v
		case int, int32, int64, uint, uint32, uint64, float64, bool:
			event.Tags[key] = fmt.Sprintf("%v", v)
		default:
			if event.Extra == nil {
				event.Extra = make(map[string]interface{})
			}

			event.Extra[key] = v
		}

		if isFingerprintKey(key) {
			event.Fingerprint = append(event.Fingerprint, fmt.Sprintf("%s: %v", key, value))
		}
	}

	return event
}

func sendEvent(event *sentry.Event) {
	sentry.CurrentHub().Clone().CaptureEvent(event)
}
