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

package admin_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/admin"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/engine"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/metrics"
)

type fakeProvider struct {
	status engine.Status
	err    error
}

func (f *fakeProvider) Status(context.Context) (engine.Status, error) {
	return f.status, f.err
}

var _ = Describe("Router", func() {
	var (
		provider *fakeProvider
		server   *httptest.Server
	)

	BeforeEach(func() {
		provider = &fakeProvider{status: engine.Status{
			EngineID:    "e1",
			OnlineState: "online",
			Network:     true,
			Pending:     2,
			Listeners:   3,
		}}
		server = httptest.NewServer(admin.NewRouter(provider, zap.NewNop().Sugar()))
	})

	AfterEach(func() {
		server.Close()
	})

	get := func(path string) (int, []byte) {
		resp, err := http.Get(server.URL + path)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())

		return resp.StatusCode, body
	}

	It("serves the engine status", func() {
		code, body := get("/status")
		Expect(code).To(Equal(http.StatusOK))

		var status engine.Status
		Expect(json.Unmarshal(body, &status)).To(Succeed())
		Expect(status).To(Equal(provider.status))
	})

	It("reports a stuck engine as unavailable", func() {
		provider.err = errors.New("engine has been terminated")

		code, body := get("/status")
		Expect(code).To(Equal(http.StatusServiceUnavailable))
		Expect(string(body)).To(ContainSubstring("terminated"))

		code, _ = get("/healthz")
		Expect(code).To(Equal(http.StatusServiceUnavailable))
	})

	It("is healthy while the engine answers", func() {
		code, body := get("/healthz")
		Expect(code).To(Equal(http.StatusOK))
		Expect(string(body)).To(ContainSubstring(`"ok"`))
	})

	It("exposes prometheus metrics", func() {
		metrics.RecordBatch(metrics.BatchWritten)

		code, body := get("/metrics")
		Expect(code).To(Equal(http.StatusOK))
		Expect(string(body)).To(ContainSubstring("docsync_engine_mutation_batches_total"))
	})
})
