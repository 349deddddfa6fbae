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

package engine

import (
	"context"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/metrics"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/remote"
)

// Status is a point-in-time summary of an engine.
type Status struct {
	EngineID    string         `json:"engineId"`
	OnlineState string         `json:"onlineState"`
	Network     bool           `json:"networkEnabled"`
	Pending     int            `json:"pendingWrites"`
	Latency     remote.Latency `json:"writeLatency"`
	Limbo       LimboStatus    `json:"limbo"`
	CacheBytes  int64          `json:"cacheBytes"`
	Listeners   int            `json:"listeners"`
}

type LimboStatus struct {
	Active   int `json:"active"`
	Enqueued int `json:"enqueued"`
}

// Status collects the engine's state on the queue.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	status := Status{EngineID: e.id}

	err := e.run(ctx, func(ctx context.Context) error {
		size, err := e.localStore.CacheSize(ctx)
		if err != nil {
			return err
		}

		status.OnlineState = e.syncEngine.OnlineState().String()
		status.Network = e.remoteStore.CanUseNetwork()
		status.Pending = e.remoteStore.PendingWrites()
		status.Latency = e.remoteStore.WriteLatency()
		status.Limbo = LimboStatus{
			Active:   len(e.syncEngine.ActiveLimboDocumentResolutions()),
			Enqueued: len(e.syncEngine.EnqueuedLimboDocumentResolutions()),
		}
		status.CacheBytes = size

		return nil
	})
	if err != nil {
		return Status{}, err
	}

	e.registrationsMu.Lock()
	status.Listeners = len(e.registrations)
	e.registrationsMu.Unlock()

	metrics.SetWriteLatency(status.Latency.P95, status.Latency.P99)

	return status, nil
}
