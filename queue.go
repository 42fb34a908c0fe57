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

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrQueueFull is returned when the wait queue is at capacity.
	ErrQueueFull = errors.New("request queue is full")
	// ErrRequestTimeout is returned when a request waits longer than the
	// configured timeout for a slot.
	ErrRequestTimeout = errors.New("timed out waiting in request queue")
)

// DefaultMaxConcurrentRequests matches the engine, which runs one
// generation at a time.
const DefaultMaxConcurrentRequests = 1

// RequestQueueConfig configures a RequestQueue.
type RequestQueueConfig struct {
	// MaxConcurrentRequests is the number of requests processed at once.
	MaxConcurrentRequests int
	// MaxQueueSize is the number of requests allowed to wait; 0 is unbounded.
	MaxQueueSize int
	// RequestTimeout bounds the wait for a slot; 0 waits for the caller's
	// context only.
	RequestTimeout time.Duration
}

// QueueStats is a snapshot of queue occupancy.
type QueueStats struct {
	CurrentActive int64 `json:"current_active"`
	CurrentQueued int64 `json:"current_queued"`
	MaxConcurrent int64 `json:"max_concurrent"`
	MaxQueueSize  int64 `json:"max_queue_size"`
}

// RequestQueue applies backpressure in front of the engine.
type RequestQueue struct {
	sem    *semaphore.Weighted
	config RequestQueueConfig
	logger *zap.Logger

	active atomic.Int64
	queued atomic.Int64
}

// NewRequestQueue creates a queue.
func NewRequestQueue(config RequestQueueConfig, logger *zap.Logger) *RequestQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxConcurrentRequests <= 0 {
		config.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	logger.Info("Request queue configured",
		zap.Int("max_concurrent", config.MaxConcurrentRequests),
		zap.Int("max_queue_size", config.MaxQueueSize),
		zap.Duration("request_timeout", config.RequestTimeout))
	return &RequestQueue{
		sem:    semaphore.NewWeighted(int64(config.MaxConcurrentRequests)),
		config: config,
		logger: logger,
	}
}

// Acquire waits for a processing slot. The returned release function must
// be called once the request is done.
func (q *RequestQueue) Acquire(ctx context.Context) (func(), error) {
	if q.sem.TryAcquire(1) {
		return q.admitted(), nil
	}

	if limit := int64(q.config.MaxQueueSize); limit > 0 {
		if q.queued.Add(1) > limit {
			q.queued.Add(-1)
			q.logger.Debug("Rejecting request, queue full", zap.Int64("max_queue_size", limit))
			return nil, ErrQueueFull
		}
	} else {
		q.queued.Add(1)
	}
	defer q.queued.Add(-1)

	waitCtx := ctx
	if q.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, q.config.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := q.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			q.logger.Debug("Request timed out in queue", zap.Duration("waited", time.Since(start)))
			return nil, ErrRequestTimeout
		}
		return nil, err
	}
	RecordQueueWaitTime(time.Since(start).Seconds())
	return q.admitted(), nil
}

func (q *RequestQueue) admitted() func() {
	q.active.Add(1)
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			q.active.Add(-1)
			q.sem.Release(1)
		}
	}
}

// Stats returns current queue occupancy.
func (q *RequestQueue) Stats() QueueStats {
	return QueueStats{
		CurrentActive: q.active.Load(),
		CurrentQueued: q.queued.Load(),
		MaxConcurrent: int64(q.config.MaxConcurrentRequests),
		MaxQueueSize:  int64(q.config.MaxQueueSize),
	}
}

// WriteQueueFullResponse writes a 503 asking the client to retry later.
func WriteQueueFullResponse(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
	http.Error(w, "server busy: request queue is full", http.StatusServiceUnavailable)
}

// WriteTimeoutResponse writes a 504 for requests that timed out in the queue.
func WriteTimeoutResponse(w http.ResponseWriter) {
	http.Error(w, "timed out waiting for an available slot", http.StatusGatewayTimeout)
}
