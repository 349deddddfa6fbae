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

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	// Batch outcomes.
	BatchWritten      = "written"
	BatchAcknowledged = "acknowledged"
	BatchRejected     = "rejected"

	// Existence filter outcomes.
	FilterMatched       = "matched"
	FilterSkipped       = "skipped"
	FilterBloomSuccess  = "bloom_success"
	FilterFalsePositive = "false_positive"

	// Stream labels.
	StreamWatch = "watch"
	StreamWrite = "write"

	StreamOpened = "opened"
	StreamClosed = "closed"
	StreamFailed = "failed"
)

var (
	// Namespace and subsystem for all metrics.
	namespace = "docsync"
	subsystem = "engine"

	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component"},
	)

	batchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "mutation_batches_total",
			Help:      "Mutation batches by outcome (written, acknowledged, rejected)",
		},
		[]string{"outcome"},
	)

	watchChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "watch_changes_total",
			Help:      "Watch changes received by type",
		},
		[]string{"type"},
	)

	existenceFiltersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "existence_filters_total",
			Help:      "Existence filters by reconciliation outcome",
		},
		[]string{"outcome"},
	)

	gcRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "gc_runs_total",
			Help:      "Garbage collection passes that removed data",
		},
	)

	gcRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "gc_removed_total",
			Help:      "Targets and documents removed by garbage collection",
		},
		[]string{"kind"},
	)

	limboResolutions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "limbo_resolutions",
			Help:      "Limbo resolutions by state (active, enqueued)",
		},
		[]string{"state"},
	)

	onlineState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "online_state",
			Help:      "Online state (0=Unknown, 1=Online, 2=Offline)",
		},
	)

	streamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stream_events_total",
			Help:      "Stream lifecycle events by stream and event",
		},
		[]string{"stream", "event"},
	)

	queueOperationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_operation_duration_seconds",
			Help:      "Duration of async queue operations in seconds",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	writeLatency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "write_latency_seconds",
			Help:      "Write round trip latency over the last five minutes by quantile",
		},
		[]string{"quantile"},
	)
)

// Handler exposes the registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncErrorCount increments the error counter for a component.
func IncErrorCount(component string) {
	errorCounter.WithLabelValues(component).Inc()
}

// IncErrorCountAndLog increments the error counter for a component and logs the error at debug level.
func IncErrorCountAndLog(component string, err error, logger *zap.SugaredLogger) {
	IncErrorCount(component)

	if logger != nil {
		logger.Debugf("Component %s failed: %v", component, err)
	}
}

func RecordBatch(outcome string) {
	batchesTotal.WithLabelValues(outcome).Inc()
}

func RecordWatchChange(kind string) {
	watchChangesTotal.WithLabelValues(kind).Inc()
}

func RecordExistenceFilter(outcome string) {
	existenceFiltersTotal.WithLabelValues(outcome).Inc()
}

// RecordGarbageCollection records one collection pass.
func RecordGarbageCollection(targetsRemoved, documentsRemoved int) {
	gcRunsTotal.Inc()
	gcRemovedTotal.WithLabelValues("targets").Add(float64(targetsRemoved))
	gcRemovedTotal.WithLabelValues("documents").Add(float64(documentsRemoved))
}

func SetLimboResolutions(active, enqueued int) {
	limboResolutions.WithLabelValues("active").Set(float64(active))
	limboResolutions.WithLabelValues("enqueued").Set(float64(enqueued))
}

// SetOnlineState takes the state name as logged by the online state tracker.
func SetOnlineState(state string) {
	onlineState.Set(getOnlineStateValue(state))
}

func getOnlineStateValue(state string) float64 {
	switch state {
	case "online":
		return 1
	case "offline":
		return 2
	default:
		return 0
	}
}

func RecordStreamEvent(stream, event string) {
	streamEventsTotal.WithLabelValues(stream, event).Inc()
}

func ObserveQueueOperation(duration time.Duration) {
	queueOperationDuration.Observe(duration.Seconds())
}

func SetWriteLatency(p95, p99 time.Duration) {
	writeLatency.WithLabelValues("0.95").Set(p95.Seconds())
	writeLatency.WithLabelValues("0.99").Set(p99.Seconds())
}
