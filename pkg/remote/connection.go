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

package remote

import (
	"context"
)

// RPC names a streaming call on the backend.
type RPC string

const (
	RPCListen RPC = "listen"
	RPCWrite  RPC = "write"
)

// Stream is one bidirectional RPC. Send and Recv may be called from
// different goroutines. Once the stream ends, Recv returns a
// *standarderrors.Error describing why.
type Stream interface {
	Send(ctx context.Context, msg []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Connection opens streams to the backend.
type Connection interface {
	OpenStream(ctx context.Context, rpc RPC) (Stream, error)
}
