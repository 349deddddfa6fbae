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

package standarderrors

import "errors"

var (
	// ErrPersistence wraps every failure raised by a persistence backend.
	// The engine treats it as fatal: the store must be reinitialized from empty.
	ErrPersistence = errors.New("persistence failure")

	// ErrEngineTerminated is returned by every engine call after Terminate.
	ErrEngineTerminated = errors.New("engine has been terminated")

	// ErrEngineFailed is returned by every engine call after a fatal error.
	ErrEngineFailed = errors.New("engine failed and must be reinitialized")

	// ErrQueueShutdown is returned when work is enqueued on a queue that no
	// longer accepts it.
	ErrQueueShutdown = errors.New("async queue is shut down")

	// ErrLocalPreconditionFailed marks writes that were rejected before they
	// reached the mutation queue.
	ErrLocalPreconditionFailed = errors.New("precondition failed against local state")
)
