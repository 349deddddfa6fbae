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
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

// StatusCloseBase is added to a status code to form the websocket close
// code the backend ends a stream with.
const StatusCloseBase = 4000

const (
	DefaultPingInterval = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// CloseCodeFor returns the close code carrying code.
func CloseCodeFor(code standarderrors.Code) int {
	return StatusCloseBase + int(code)
}

// WebSocketConfig configures a WebSocketConnection.
type WebSocketConfig struct {
	// URL is the base endpoint. Streams connect to URL + "/" + rpc.
	URL string

	// PingInterval is the idle time after which a ping is sent. A stream
	// that sees no frame for two intervals is considered dead.
	PingInterval time.Duration

	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration

	Header http.Header
}

// WebSocketConnection opens one websocket per stream.
type WebSocketConnection struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
	log    *zap.SugaredLogger
}

func NewWebSocketConnection(cfg WebSocketConfig, log *zap.SugaredLogger) *WebSocketConnection {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	return &WebSocketConnection{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log: log,
	}
}

func (c *WebSocketConnection) OpenStream(ctx context.Context, rpc RPC) (Stream, error) {
	url := strings.TrimSuffix(c.cfg.URL, "/") + "/" + string(rpc)

	conn, resp, err := c.dialer.DialContext(ctx, url, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		return nil, standarderrors.Wrap(standarderrors.Unavailable, err, "failed to dial %s", url)
	}

	c.log.Debugw("Stream connected", "rpc", rpc, "url", url)

	return newWebSocketStream(conn, c.cfg, c.log.With("rpc", rpc)), nil
}

type webSocketStream struct {
	conn *websocket.Conn
	cfg  WebSocketConfig
	log  *zap.SugaredLogger

	writeMu sync.Mutex

	incoming chan []byte
	done     chan struct{}
	err      error

	lastTraffic atomic.Int64
	closing     atomic.Bool
	cancel      context.CancelFunc
	closeOnce   sync.Once
}

func newWebSocketStream(conn *websocket.Conn, cfg WebSocketConfig, log *zap.SugaredLogger) *webSocketStream {
	ctx, cancel := context.WithCancel(context.Background())

	s := &webSocketStream{
		conn:     conn,
		cfg:      cfg,
		log:      log,
		incoming: make(chan []byte),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	s.touch()

	conn.SetPongHandler(func(string) error {
		s.touch()

		return nil
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.pingLoop(gctx) })

	go func() {
		s.err = g.Wait()
		close(s.done)
	}()

	return s
}

// touch records traffic and pushes the read deadline out.
func (s *webSocketStream) touch() {
	now := time.Now()
	s.lastTraffic.Store(now.UnixNano())
	_ = s.conn.SetReadDeadline(now.Add(2 * s.cfg.PingInterval))
}

func (s *webSocketStream) readLoop(ctx context.Context) error {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return s.translateReadError(err)
		}

		s.touch()

		select {
		case s.incoming <- msg:
		case <-ctx.Done():
			return standarderrors.New(standarderrors.Cancelled, "stream closed")
		}
	}
}

func (s *webSocketStream) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PingInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastTraffic.Load()))
			if idle < s.cfg.PingInterval {
				continue
			}

			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.log.Debugw("Ping failed", "error", err)
				_ = s.conn.Close()

				return standarderrors.Wrap(standarderrors.Unavailable, err, "ping failed")
			}
		}
	}
}

func (s *webSocketStream) translateReadError(err error) error {
	if s.closing.Load() {
		return standarderrors.New(standarderrors.Cancelled, "stream closed")
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code >= StatusCloseBase {
			return standarderrors.New(standarderrors.Code(closeErr.Code-StatusCloseBase), "%s", closeErr.Text)
		}

		return standarderrors.Wrap(standarderrors.Unavailable, err, "stream closed by backend")
	}

	return standarderrors.Wrap(standarderrors.Unavailable, err, "stream read failed")
}

func (s *webSocketStream) Send(ctx context.Context, msg []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("failed to send on closed stream: %w", s.err)
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	_ = s.conn.SetWriteDeadline(deadline)

	if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return standarderrors.Wrap(standarderrors.Unavailable, err, "failed to send")
	}

	s.touch()

	return nil
}

func (s *webSocketStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-s.incoming:
		return msg, nil
	case <-s.done:
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *webSocketStream) Close() error {
	var err error

	s.closeOnce.Do(func() {
		s.closing.Store(true)

		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.cfg.WriteTimeout))
		s.writeMu.Unlock()

		err = s.conn.Close()
		s.cancel()
		<-s.done
	})

	return err
}
