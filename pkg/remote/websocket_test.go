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

package remote_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/remote"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/standarderrors"
)

// echoServer echoes every frame on /listen. A frame "fail:<code>" ends the
// stream with that status code instead.
func echoServer() *httptest.Server {
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/listen" {
			http.NotFound(w, r)

			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}

			if code, ok := strings.CutPrefix(string(msg), "fail:"); ok {
				status := standarderrors.ParseCode(code)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(remote.CloseCodeFor(status), "denied"),
					time.Now().Add(time.Second))

				return
			}

			if err := conn.WriteMessage(kind, msg); err != nil {
				return
			}
		}
	}))
}

var _ = Describe("WebSocketConnection", func() {
	var (
		server *httptest.Server
		conn   *remote.WebSocketConnection
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		server = echoServer()
		conn = remote.NewWebSocketConnection(remote.WebSocketConfig{
			URL:          "ws" + strings.TrimPrefix(server.URL, "http"),
			PingInterval: 200 * time.Millisecond,
		}, zap.NewNop().Sugar())
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	})

	AfterEach(func() {
		cancel()
		server.Close()
	})

	It("exchanges frames", func() {
		stream, err := conn.OpenStream(ctx, remote.RPCListen)
		Expect(err).NotTo(HaveOccurred())
		defer stream.Close()

		Expect(stream.Send(ctx, []byte(`{"hello":1}`))).To(Succeed())

		msg, err := stream.Recv(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(msg)).To(Equal(`{"hello":1}`))
	})

	It("stays open across idle periods", func() {
		stream, err := conn.OpenStream(ctx, remote.RPCListen)
		Expect(err).NotTo(HaveOccurred())
		defer stream.Close()

		time.Sleep(time.Second)

		Expect(stream.Send(ctx, []byte("still here"))).To(Succeed())

		msg, err := stream.Recv(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(msg)).To(Equal("still here"))
	})

	It("maps status close codes to errors", func() {
		stream, err := conn.OpenStream(ctx, remote.RPCListen)
		Expect(err).NotTo(HaveOccurred())
		defer stream.Close()

		Expect(stream.Send(ctx, []byte("fail:permission-denied"))).To(Succeed())

		_, err = stream.Recv(ctx)
		Expect(standarderrors.CodeOf(err)).To(Equal(standarderrors.PermissionDenied))
	})

	It("reports a failed dial as unavailable", func() {
		_, err := conn.OpenStream(ctx, remote.RPCWrite)
		Expect(standarderrors.CodeOf(err)).To(Equal(standarderrors.Unavailable))
	})

	It("reports a locally closed stream as cancelled", func() {
		stream, err := conn.OpenStream(ctx, remote.RPCListen)
		Expect(err).NotTo(HaveOccurred())

		Expect(stream.Close()).To(Succeed())

		_, err = stream.Recv(ctx)
		Expect(standarderrors.CodeOf(err)).To(Equal(standarderrors.Cancelled))
	})
})
