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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/glimpse/lib/pipelines"
)

func countingDescribe(calls *atomic.Int32, text string) DescribeFunc {
	return func(context.Context) (*pipelines.Result, error) {
		calls.Add(1)
		return &pipelines.Result{Text: text, TokenIDs: []int32{1}}, nil
	}
}

func TestDescriptionCache_Hit(t *testing.T) {
	dc := NewDescriptionCache(time.Minute, zaptest.NewLogger(t))
	defer dc.Close()

	var calls atomic.Int32
	key := dc.Key("m", "describe", 0, [][]byte{[]byte("frame")})

	res, cached, err := dc.Describe(context.Background(), key, countingDescribe(&calls, "first"))
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "first", res.Text)

	res, cached, err = dc.Describe(context.Background(), key, countingDescribe(&calls, "second"))
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "first", res.Text)
	assert.Equal(t, int32(1), calls.Load())

	stats := dc.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Items)
}

func TestDescriptionCache_ErrorsAreNotCached(t *testing.T) {
	dc := NewDescriptionCache(time.Minute, zaptest.NewLogger(t))
	defer dc.Close()

	boom := errors.New("decoder failed")
	_, _, err := dc.Describe(context.Background(), "k", func(context.Context) (*pipelines.Result, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	var calls atomic.Int32
	res, cached, err := dc.Describe(context.Background(), "k", countingDescribe(&calls, "ok"))
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, 1, dc.Stats().Items)
}

func TestDescriptionCache_ZeroTTLOnlyDeduplicates(t *testing.T) {
	dc := NewDescriptionCache(0, zaptest.NewLogger(t))
	defer dc.Close()

	var calls atomic.Int32
	for range 2 {
		_, cached, err := dc.Describe(context.Background(), "k", countingDescribe(&calls, "ok"))
		require.NoError(t, err)
		assert.False(t, cached)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, dc.Stats().Items)
}

func TestDescriptionCache_ConcurrentIdenticalRequests(t *testing.T) {
	dc := NewDescriptionCache(time.Minute, zaptest.NewLogger(t))
	defer dc.Close()

	var calls atomic.Int32
	started := make(chan struct{})
	unblock := make(chan struct{})
	slow := func(context.Context) (*pipelines.Result, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-unblock
		return &pipelines.Result{Text: "shared"}, nil
	}

	var (
		wg      sync.WaitGroup
		results [2]*pipelines.Result
		cached  [2]bool
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], cached[0], _ = dc.Describe(context.Background(), "k", slow)
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], cached[1], _ = dc.Describe(context.Background(), "k", slow)
	}()
	close(unblock)
	wg.Wait()

	// The second caller either joins the in-flight generation or hits the
	// cache it filled; either way the model runs once.
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, cached[0])
	assert.True(t, cached[1])
	assert.Same(t, results[0], results[1])
}

func waiters(dc *DescriptionCache, key string) int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if fl, ok := dc.flights[key]; ok {
		return fl.waiters
	}
	return 0
}

func TestDescriptionCache_JoinedCallerOutlivesFirstCaller(t *testing.T) {
	dc := NewDescriptionCache(time.Minute, zaptest.NewLogger(t))
	defer dc.Close()

	var calls atomic.Int32
	unblock := make(chan struct{})
	slow := func(ctx context.Context) (*pipelines.Result, error) {
		calls.Add(1)
		select {
		case <-unblock:
			return &pipelines.Result{Text: "shared"}, nil
		case <-ctx.Done():
			return nil, &pipelines.CancellationError{Step: 1, Err: ctx.Err()}
		}
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()

	firstErr := make(chan error, 1)
	go func() {
		_, _, err := dc.Describe(firstCtx, "k", slow)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return waiters(dc, "k") == 1 }, time.Second, time.Millisecond)

	type outcome struct {
		res    *pipelines.Result
		cached bool
		err    error
	}
	second := make(chan outcome, 1)
	go func() {
		res, cached, err := dc.Describe(context.Background(), "k", slow)
		second <- outcome{res, cached, err}
	}()
	require.Eventually(t, func() bool { return waiters(dc, "k") == 2 }, time.Second, time.Millisecond)

	// The first client going away only ends its own wait.
	cancelFirst()
	var cancelErr *pipelines.CancellationError
	assert.ErrorAs(t, <-firstErr, &cancelErr)

	close(unblock)
	got := <-second
	require.NoError(t, got.err)
	assert.True(t, got.cached)
	assert.Equal(t, "shared", got.res.Text)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDescriptionCache_LastCallerLeavingCancelsGeneration(t *testing.T) {
	dc := NewDescriptionCache(0, zaptest.NewLogger(t))
	defer dc.Close()

	stopped := make(chan error, 1)
	fn := func(ctx context.Context) (*pipelines.Result, error) {
		<-ctx.Done()
		stopped <- ctx.Err()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := dc.Describe(ctx, "k", fn)
		done <- err
	}()
	require.Eventually(t, func() bool { return waiters(dc, "k") == 1 }, time.Second, time.Millisecond)

	cancel()
	var cancelErr *pipelines.CancellationError
	assert.ErrorAs(t, <-done, &cancelErr)

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("generation kept running after every caller left")
	}
	require.Eventually(t, func() bool { return waiters(dc, "k") == 0 }, time.Second, time.Millisecond)
}

func TestDescriptionCache_DescribeUnshared(t *testing.T) {
	dc := NewDescriptionCache(time.Minute, zaptest.NewLogger(t))
	defer dc.Close()

	var calls atomic.Int32
	started := make(chan struct{}, 2)
	unblock := make(chan struct{})
	slow := func(context.Context) (*pipelines.Result, error) {
		calls.Add(1)
		started <- struct{}{}
		<-unblock
		return &pipelines.Result{Text: "own"}, nil
	}

	// Overlapping callers each run their own generation.
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, cached, err := dc.DescribeUnshared(context.Background(), "k", slow)
			assert.NoError(t, err)
			assert.False(t, cached)
		}()
	}
	<-started
	<-started
	close(unblock)
	wg.Wait()
	assert.Equal(t, int32(2), calls.Load())

	// The result is still cached for later callers.
	res, cached, err := dc.DescribeUnshared(context.Background(), "k", countingDescribe(&calls, "other"))
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "own", res.Text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDescriptionCache_Key(t *testing.T) {
	dc := NewDescriptionCache(0, nil)
	defer dc.Close()

	frames := [][]byte{[]byte("ab"), []byte("c")}
	base := dc.Key("m", "p", 0, frames)
	assert.Equal(t, base, dc.Key("m", "p", 0, [][]byte{[]byte("ab"), []byte("c")}))

	variants := map[string]string{
		"model":       dc.Key("other", "p", 0, frames),
		"prompt":      dc.Key("m", "q", 0, frames),
		"max tokens":  dc.Key("m", "p", 16, frames),
		"frame data":  dc.Key("m", "p", 0, [][]byte{[]byte("ab"), []byte("d")}),
		"frame split": dc.Key("m", "p", 0, [][]byte{[]byte("a"), []byte("bc")}),
		"frame order": dc.Key("m", "p", 0, [][]byte{[]byte("c"), []byte("ab")}),
		"no frames":   dc.Key("m", "p", 0, nil),
	}
	for name, key := range variants {
		assert.NotEqual(t, base, key, name)
	}
}
