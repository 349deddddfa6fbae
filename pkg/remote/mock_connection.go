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
	"sync"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

// MockConnection is an in-process Connection. Every OpenStream creates a
// pipe whose backend end is handed out by NextStream.
type MockConnection struct {
	mu       sync.Mutex
	openErr  error
	listen   chan *MockBackendStream
	write    chan *MockBackendStream
	openings int
}

func NewMockConnection() *MockConnection {
	return &MockConnection{
		listen: make(chan *MockBackendStream, 64),
		write:  make(chan *MockBackendStream, 64),
	}
}

// FailOpens makes every later OpenStream fail with err until called with
// nil.
func (c *MockConnection) FailOpens(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.openErr = err
}

// Openings counts successful and failed OpenStream calls.
func (c *MockConnection) Openings() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.openings
}

func (c *MockConnection) OpenStream(ctx context.Context, rpc RPC) (Stream, error) {
	c.mu.Lock()
	c.openings++
	err := c.openErr
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}

	p := newMockPipe()
	backend := &MockBackendStream{pipe: p, RPC: rpc}

	ch := c.listen
	if rpc == RPCWrite {
		ch = c.write
	}

	select {
	case ch <- backend:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &mockClientStream{pipe: p}, nil
}

// NextStream waits for the client to open a stream for rpc.
func (c *MockConnection) NextStream(ctx context.Context, rpc RPC) (*MockBackendStream, error) {
	ch := c.listen
	if rpc == RPCWrite {
		ch = c.write
	}

	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type mockPipe struct {
	toBackend chan []byte
	toClient  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	err       error
}

func newMockPipe() *mockPipe {
	return &mockPipe{
		toBackend: make(chan []byte, 256),
		toClient:  make(chan []byte, 256),
		closed:    make(chan struct{}),
	}
}

func (p *mockPipe) close(err error) {
	p.closeOnce.Do(func() {
		p.err = err
		close(p.closed)
	})
}

func (p *mockPipe) send(ctx context.Context, ch chan []byte, msg []byte) error {
	select {
	case <-p.closed:
		return p.err
	default:
	}

	select {
	case ch <- msg:
		return nil
	case <-p.closed:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recv prefers queued messages over the close error, so nothing sent before
// a close is lost.
func (p *mockPipe) recv(ctx context.Context, ch chan []byte) ([]byte, error) {
	select {
	case msg := <-ch:
		return msg, nil
	case <-p.closed:
		select {
		case msg := <-ch:
			return msg, nil
		default:
			return nil, p.err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type mockClientStream struct {
	pipe *mockPipe
}

func (s *mockClientStream) Send(ctx context.Context, msg []byte) error {
	return s.pipe.send(ctx, s.pipe.toBackend, msg)
}

func (s *mockClientStream) Recv(ctx context.Context) ([]byte, error) {
	return s.pipe.recv(ctx, s.pipe.toClient)
}

func (s *mockClientStream) Close() error {
	s.pipe.close(standarderrors.New(standarderrors.Cancelled, "stream closed by client"))

	return nil
}

// MockBackendStream is the backend end of a mock stream.
type MockBackendStream struct {
	RPC  RPC
	pipe *mockPipe
}

// Send delivers msg to the client.
func (s *MockBackendStream) Send(ctx context.Context, msg []byte) error {
	return s.pipe.send(ctx, s.pipe.toClient, msg)
}

// Recv returns the next client frame.
func (s *MockBackendStream) Recv(ctx context.Context) ([]byte, error) {
	return s.pipe.recv(ctx, s.pipe.toBackend)
}

// CloseWithError ends the stream. The client's Recv returns err once every
// frame sent before has been read.
func (s *MockBackendStream) CloseWithError(err error) {
	s.pipe.close(err)
}

// Closed is closed once either side ended the stream.
func (s *MockBackendStream) Closed() <-chan struct{} {
	return s.pipe.closed
}
