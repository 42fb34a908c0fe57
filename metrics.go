// Copyright 2025 Antfly, Inc.
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

package glimpse

import "github.com/prometheus/client_golang/prometheus"

var (
	describeRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "glimpse",
			Name:      "describe_request_ops_total",
			Help:      "The total number of describe requests.",
		},
		[]string{"model"},
	)
	tokenGenerationOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "glimpse",
			Name:      "token_generation_ops_total",
			Help:      "The total number of tokens generated.",
		},
		[]string{"model"},
	)
	finishReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "glimpse",
			Name:      "generation_finish_total",
			Help:      "Completed generations by finish reason.",
		},
		[]string{"model", "reason"},
	)

	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "glimpse",
			Name:      "generation_duration_seconds",
			Help:      "Time spent in the decode loop per generation.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "glimpse",
			Name:      "model_load_duration_seconds",
			Help:      "Time taken to load a model.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "glimpse",
			Name:      "request_duration_seconds",
			Help:      "Time taken to process a request.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "model", "status"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "glimpse",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		},
		[]string{"type"},
	)
	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "glimpse",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		},
		[]string{"type"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "glimpse",
			Name:      "queue_depth",
			Help:      "Number of requests currently waiting in queue.",
		},
	)
	queueActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "glimpse",
			Name:      "queue_active_requests",
			Help:      "Number of requests currently being processed.",
		},
	)
	queueRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "glimpse",
			Name:      "queue_rejected_total",
			Help:      "Total number of requests rejected due to full queue.",
		},
	)
	queueTimedOutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "glimpse",
			Name:      "queue_timed_out_total",
			Help:      "Total number of requests that timed out while waiting in queue.",
		},
	)
	queueWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "glimpse",
			Name:      "queue_wait_duration_seconds",
			Help:      "Time spent waiting in queue before processing.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
)

func init() {
	prometheus.MustRegister(describeRequestOps)
	prometheus.MustRegister(tokenGenerationOps)
	prometheus.MustRegister(finishReasons)
	prometheus.MustRegister(generationDuration)
	prometheus.MustRegister(modelLoadDuration)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(queueActiveRequests)
	prometheus.MustRegister(queueRejectedTotal)
	prometheus.MustRegister(queueTimedOutTotal)
	prometheus.MustRegister(queueWaitDuration)
}

// RecordDescribeRequest increments the describe request counter
func RecordDescribeRequest(model string) {
	describeRequestOps.WithLabelValues(model).Inc()
}

// RecordGeneration records the outcome of one completed generation
func RecordGeneration(model, finishReason string, tokens int, seconds float64) {
	tokenGenerationOps.WithLabelValues(model).Add(float64(tokens))
	finishReasons.WithLabelValues(model, finishReason).Inc()
	generationDuration.WithLabelValues(model).Observe(seconds)
}

// RecordModelLoadDuration records how long it took to load a model
func RecordModelLoadDuration(model string, seconds float64) {
	modelLoadDuration.WithLabelValues(model).Observe(seconds)
}

// RecordRequestDuration records how long a request took
func RecordRequestDuration(endpoint, model, status string, seconds float64) {
	requestDuration.WithLabelValues(endpoint, model, status).Observe(seconds)
}

// RecordCacheHit increments the cache hit counter
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments the cache miss counter
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}

// UpdateQueueMetrics updates all queue-related metrics from QueueStats
func UpdateQueueMetrics(stats QueueStats) {
	queueDepth.Set(float64(stats.CurrentQueued))
	queueActiveRequests.Set(float64(stats.CurrentActive))
}

// RecordQueueRejection increments the rejected counter
func RecordQueueRejection() {
	queueRejectedTotal.Inc()
}

// RecordQueueTimeout increments the timeout counter
func RecordQueueTimeout() {
	queueTimedOutTotal.Inc()
}

// RecordQueueWaitTime records how long a request waited in queue
func RecordQueueWaitTime(seconds float64) {
	queueWaitDuration.Observe(seconds)
}
