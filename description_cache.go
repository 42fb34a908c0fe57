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
	"encoding/binary"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/antflydb/glimpse/lib/pipelines"
)

// DescriptionCacheTTL is the default TTL for cached descriptions
const DescriptionCacheTTL = 2 * time.Minute

// DescribeFunc produces a description on a cache miss.
type DescribeFunc func(ctx context.Context) (*pipelines.Result, error)

// DescriptionCacheStats holds cache statistics
type DescriptionCacheStats struct {
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
	Items            int    `json:"items"`
}

// DescriptionCache caches generated descriptions by request content and
// collapses concurrent identical requests into one generation. A cache with
// a zero TTL only deduplicates.
type DescriptionCache struct {
	cache   *ttlcache.Cache[string, *pipelines.Result]
	sfGroup singleflight.Group
	logger  *zap.Logger
	cancel  context.CancelFunc

	mu        sync.Mutex
	flights   map[string]*flight
	flightSeq uint64

	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewDescriptionCache creates a cache whose entries live for ttl.
func NewDescriptionCache(ttl time.Duration, logger *zap.Logger) *DescriptionCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	dc := &DescriptionCache{
		logger:  logger,
		cancel:  cancel,
		flights: make(map[string]*flight),
	}

	if ttl > 0 {
		dc.cache = ttlcache.New(
			ttlcache.WithTTL[string, *pipelines.Result](ttl),
		)
		go dc.cache.Start()
		go dc.logStats(ctx)
	} else {
		logger.Info("Description cache disabled")
	}
	return dc
}

// Key derives a cache key from everything that influences the output.
func (dc *DescriptionCache) Key(model, prompt string, maxNewTokens int, frames [][]byte) string {
	h := xxhash.New()
	_, _ = h.WriteString(model)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(prompt)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.Itoa(maxNewTokens))
	for _, f := range frames {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(f)))
		_, _ = h.WriteString("|f:")
		_, _ = h.Write(n[:])
		_, _ = h.Write(f)
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}

// Describe returns the cached result for key or calls fn. cached reports
// whether the result came from the cache or from another caller's in-flight
// generation.
//
// Callers asking for the same key while a generation runs wait for it. The
// generation runs on a context detached from any single caller and is
// cancelled only once every waiting caller has gone. A caller whose own ctx
// ends stops waiting and gets a CancellationError.
func (dc *DescriptionCache) Describe(ctx context.Context, key string, fn DescribeFunc) (res *pipelines.Result, cached bool, err error) {
	if res, ok := dc.lookup(key); ok {
		return res, true, nil
	}

	fl, leader := dc.join(ctx, key)
	defer dc.leave(key, fl)

	ch := dc.sfGroup.DoChan(fl.sfKey, func() (any, error) {
		defer dc.finish(key, fl)
		if res, ok := dc.lookup(key); ok {
			return res, nil
		}
		return dc.generate(fl.ctx, key, fn)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, false, r.Err
		}
		if !leader {
			dc.sfHits.Add(1)
			dc.logger.Debug("Singleflight hit for describe request")
		}
		return r.Val.(*pipelines.Result), !leader, nil
	case <-ctx.Done():
		return nil, false, &pipelines.CancellationError{Err: ctx.Err()}
	}
}

// DescribeUnshared is like Describe but never joins or exposes an in-flight
// generation, so fn runs on ctx and sees only this caller. Streaming
// requests use it since their progress goes to one client. The result is
// still cached.
func (dc *DescriptionCache) DescribeUnshared(ctx context.Context, key string, fn DescribeFunc) (res *pipelines.Result, cached bool, err error) {
	if res, ok := dc.lookup(key); ok {
		return res, true, nil
	}
	res, err = dc.generate(ctx, key, fn)
	return res, false, err
}

func (dc *DescriptionCache) lookup(key string) (*pipelines.Result, bool) {
	if dc.cache == nil {
		return nil, false
	}
	item := dc.cache.Get(key)
	if item == nil {
		return nil, false
	}
	dc.hits.Add(1)
	RecordCacheHit("description")
	dc.logger.Debug("Description cache hit", zap.Int("tokens", len(item.Value().TokenIDs)))
	return item.Value(), true
}

func (dc *DescriptionCache) generate(ctx context.Context, key string, fn DescribeFunc) (*pipelines.Result, error) {
	dc.misses.Add(1)
	RecordCacheMiss("description")

	res, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	if dc.cache != nil {
		dc.cache.Set(key, res, ttlcache.DefaultTTL)
	}
	return res, nil
}

// flight is one shared generation and the callers waiting on it.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	sfKey   string
	waiters int
}

// join registers the caller with the in-flight generation for key, starting
// a new one if there is none. leader is true for the caller that started it.
func (dc *DescriptionCache) join(ctx context.Context, key string) (fl *flight, leader bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	fl, ok := dc.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		dc.flightSeq++
		fl = &flight{
			ctx:    fctx,
			cancel: cancel,
			sfKey:  key + "#" + strconv.FormatUint(dc.flightSeq, 10),
		}
		dc.flights[key] = fl
	}
	fl.waiters++
	return fl, !ok
}

// leave drops a waiter. When the last one goes the generation is cancelled
// and later callers start a fresh one.
func (dc *DescriptionCache) leave(key string, fl *flight) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	fl.waiters--
	if fl.waiters > 0 {
		return
	}
	fl.cancel()
	if dc.flights[key] == fl {
		delete(dc.flights, key)
	}
}

// finish stops new callers from joining fl once its generation returns.
func (dc *DescriptionCache) finish(key string, fl *flight) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if dc.flights[key] == fl {
		delete(dc.flights, key)
	}
}

// Close stops the cache
func (dc *DescriptionCache) Close() {
	dc.cancel()
	if dc.cache != nil {
		dc.cache.Stop()
	}
}

// Stats returns cache statistics
func (dc *DescriptionCache) Stats() DescriptionCacheStats {
	stats := DescriptionCacheStats{
		Hits:             dc.hits.Load(),
		Misses:           dc.misses.Load(),
		SingleflightHits: dc.sfHits.Load(),
	}
	if dc.cache != nil {
		stats.Items = dc.cache.Len()
	}
	return stats
}

// logStats logs cache statistics periodically
func (dc *DescriptionCache) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := dc.Stats()
			if total := stats.Hits + stats.Misses; total > 0 {
				dc.logger.Info("Description cache stats",
					zap.Uint64("hits", stats.Hits),
					zap.Uint64("misses", stats.Misses),
					zap.Uint64("singleflight_hits", stats.SingleflightHits),
					zap.Float64("hit_rate_pct", float64(stats.Hits)/float64(total)*100),
					zap.Int("items", stats.Items))
			}
		}
	}
}
