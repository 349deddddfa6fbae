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

	"go.uber.org/zap"
)

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
	IssueTypeFatal   IssueType = "fatal"
)

func ReportIssue(err error, issueType IssueType, log *zap.SugaredLogger) {
	ReportIssueWithContext(err, issueType, log, nil)
}

func ReportIssuef(issueType IssueType, log *zap.SugaredLogger, template string, args ...interface{}) {
	ReportIssue(fmt.Errorf(template, args...), issueType, log)
}

// ReportIssueWithContext reports err with context attached as tags. Keys in
// FingerprintKeys also split the Sentry grouping.
func ReportIssueWithContext(err error, issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	switch issueType {
	case IssueTypeFatal:
		reportFatal(err, log, context)
	case IssueTypeError:
		reportDebounced(err, log, context, IssueTypeError)
	case IssueTypeWarning:
		reportDebounced(err, log, context, IssueTypeWarning)
	}
}

// ReportPersistenceFatal reports a failed persistence operation. The engine
// stops processing after such a failure, so it is always fatal.
func ReportPersistenceFatal(log *zap.SugaredLogger, operation string, err error) {
	ReportIssueWithContext(err, IssueTypeFatal, log, map[string]interface{}{
		"component": "persistence",
		"operation": operation,
	})
}

// ReportStreamError reports a permanent stream failure.
func ReportStreamError(log *zap.SugaredLogger, stream string, err error) {
	ReportIssueWithContext(err, IssueTypeError, log, map[string]interface{}{
		"component": "remote",
		"stream":    stream,
	})
}
