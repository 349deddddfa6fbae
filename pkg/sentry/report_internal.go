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
	"runtime/debug"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// debounceWindow is how long a title stays quiet after being reported.
const debounceWindow = 2 * time.Hour

var (
	debounceMu sync.Mutex
	lastSent   = map[string]time.Time{}

	shouldDebounce = true
)

// EnableTestMode turns debouncing off.
func EnableTestMode() {
	debounceMu.Lock()
	defer debounceMu.Unlock()

	shouldDebounce = false
}

// DisableTestMode restores debouncing and forgets what was sent.
func DisableTestMode() {
	debounceMu.Lock()
	defer debounceMu.Unlock()

	shouldDebounce = true
	lastSent = map[string]time.Time{}
}

// reportFatal logs err with a stack trace and sends it right away. It does
// not panic: the caller shuts the engine down in an orderly way.
func reportFatal(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Errorw("Fatal error, the sync engine stops processing", "error", err, "context", context)
	log.Debugf("Stack trace: %s", debug.Stack())

	sendEvent(createEvent(sentry.LevelFatal, err, context))
	sentry.Flush(5 * time.Second)
}

func reportDebounced(err error, log *zap.SugaredLogger, context map[string]interface{}, issueType IssueType) {
	level := sentry.LevelError
	if issueType == IssueTypeWarning {
		level = sentry.LevelWarning
	}

	if level == sentry.LevelWarning {
		log.Warnw(err.Error(), "context", context)
	} else {
		log.Errorw(err.Error(), "context", context)
	}

	key := string(issueType) + ":" + errorTitle(err)

	debounceMu.Lock()
	if shouldDebounce && time.Since(lastSent[key]) < debounceWindow {
		debounceMu.Unlock()

		return
	}

	lastSent[key] = time.Now()
	debounceMu.Unlock()

	sendEvent(createEvent(level, err, context))
}
