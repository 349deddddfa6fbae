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

package engine_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/config"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/core"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/engine"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/model/mutation"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/persistence/memory"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/remote"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/remote/remotetest"
)

var testDB = remote.DatabaseID{ProjectID: "p", Database: "(default)"}

func testConfig() config.FullConfig {
	cfg := config.DefaultConfig()
	cfg.Database = config.DatabaseConfig{ProjectID: testDB.ProjectID, DatabaseID: testDB.Database}
	cfg.Store = config.StoreConfig{Kind: config.StoreMemory}
	cfg.Backoff.InitialDelay = 10 * time.Millisecond
	cfg.Backoff.MaxDelay = 50 * time.Millisecond
	cfg.Backoff.Factor = 1.5

	return cfg
}

// newEngine starts an engine over memory persistence. With a backend it is
// connected to it, otherwise it runs offline.
func newEngine(ctx context.Context, backend *remotetest.Backend) *engine.Engine {
	log := zap.NewNop().Sugar()

	var conn remote.Connection
	if backend != nil {
		conn = backend.Connection()
	}

	e, err := engine.New(ctx, testConfig(), memory.New(log), conn, log)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())

	return e
}

func key(path string) model.DocumentKey {
	return model.MustDocumentKey(path)
}

func set(path string, fields map[string]any) mutation.Mutation {
	return mutation.NewSet(key(path), model.MustObject(fields))
}

func intField(doc *model.Document, name string) int64 {
	v, ok := doc.Data().Field(model.MustFieldPath(name))
	ExpectWithOffset(1, ok).To(BeTrue())

	return v.IntegerValue
}

func keysOf(snap *core.ViewSnapshot) []string {
	out := make([]string, 0, snap.Docs.Len())
	for _, d := range snap.Docs.Docs() {
		out = append(out, d.Key().String())
	}

	return out
}

type recorder struct {
	mu    sync.Mutex
	snaps []*core.ViewSnapshot
	errs  []error

	// onSnapshot runs on the delivery goroutine after recording.
	onSnapshot func(*core.ViewSnapshot)
}

func (r *recorder) OnSnapshot(s *core.ViewSnapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	hook := r.onSnapshot
	r.mu.Unlock()

	if hook != nil {
		hook(s)
	}
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errs = append(r.errs, err)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.snaps)
}

func (r *recorder) lastKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.snaps) == 0 {
		return nil
	}

	return keysOf(r.snaps[len(r.snaps)-1])
}

func (r *recorder) lastSynced() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.snaps) == 0 || r.snaps[len(r.snaps)-1].FromCache {
		return nil
	}

	return keysOf(r.snaps[len(r.snaps)-1])
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]error(nil), r.errs...)
}

func mutationDelete(path string) mutation.Mutation {
	return mutation.NewDelete(key(path), mutation.PreconditionNone)
}
