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
	"sort"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/metrics"
)

// LatencyWindow is how long write round trip samples are kept.
const LatencyWindow = 5 * time.Minute

// Latency summarizes the samples in the window.
type Latency struct {
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Avg     time.Duration `json:"avg"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
	Samples int           `json:"samples"`
}

type latencyTracker struct {
	samples *expiremap.ExpireMap[time.Time, time.Duration]
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{samples: expiremap.NewEx[time.Time, time.Duration](LatencyWindow, LatencyWindow)}
}

func (t *latencyTracker) record(d time.Duration) {
	t.samples.Set(time.Now(), d)

	l := t.summary()
	metrics.SetWriteLatency(l.P95, l.P99)
}

func (t *latencyTracker) summary() Latency {
	var (
		out       Latency
		total     int64
		durations []time.Duration
	)

	t.samples.Range(func(_ time.Time, value time.Duration) bool {
		if out.Min == 0 || value < out.Min {
			out.Min = value
		}

		if value > out.Max {
			out.Max = value
		}

		total += value.Nanoseconds()
		durations = append(durations, value)

		return true
	})

	out.Samples = len(durations)
	if out.Samples == 0 {
		return out
	}

	out.Avg = time.Duration(total / int64(out.Samples))

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	out.P95 = durations[percentileIndex(out.Samples, 0.95)]
	out.P99 = durations[percentileIndex(out.Samples, 0.99)]

	return out
}

func percentileIndex(n int, p float64) int {
	idx := int(float64(n) * p)
	if idx >= n {
		idx = n - 1
	}

	return idx
}
