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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/antflydb/glimpse/lib/describing"
	"github.com/antflydb/glimpse/lib/frames"
	"github.com/antflydb/glimpse/lib/pipelines"
)

// MockDescriber implements Describer for testing
type MockDescriber struct {
	describeFunc func(ctx context.Context, frameList []frames.Frame, prompt string, opts describing.Options, onProgress func(string)) (*pipelines.Result, error)
	notLoaded    bool
	loadErr      error

	mu        sync.Mutex
	callCount atomic.Int32
	lastOpts  describing.Options
	lastCount int
}

func (m *MockDescriber) Describe(ctx context.Context, frameList []frames.Frame, prompt string, opts describing.Options, onProgress func(string)) (*pipelines.Result, error) {
	m.callCount.Add(1)
	m.mu.Lock()
	m.lastOpts = opts
	m.lastCount = len(frameList)
	m.mu.Unlock()
	if m.describeFunc != nil {
		return m.describeFunc(ctx, frameList, prompt, opts, onProgress)
	}
	return &pipelines.Result{
		Text:         "a cat on a sofa",
		TokenIDs:     []int32{7, 8, 9},
		FinishReason: pipelines.FinishReasonStop,
		PromptTokens: 42,
		Duration:     30 * time.Millisecond,
	}, nil
}

func (m *MockDescriber) Loaded() bool     { return !m.notLoaded }
func (m *MockDescriber) LoadError() error { return m.loadErr }

func newTestNode(t *testing.T, describer Describer, config Config) *GlimpseNode {
	t.Helper()
	logger := zaptest.NewLogger(t)
	queue := NewRequestQueue(RequestQueueConfig{
		MaxConcurrentRequests: config.MaxConcurrentRequests,
		MaxQueueSize:          config.MaxQueueSize,
	}, logger)
	cache := NewDescriptionCache(time.Minute, logger)
	t.Cleanup(cache.Close)
	return NewGlimpseNode(logger, describer, config, queue, cache)
}

func pngFrame(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func postDescribe(t *testing.T, handler http.Handler, req DescribeRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq := httptest.NewRequest(http.MethodPost, "/api/describe", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httpReq)
	return w
}

func TestGlimpseNode_HandleApiDescribe(t *testing.T) {
	describer := &MockDescriber{}
	node := newTestNode(t, describer, Config{Model: "acme/tiny-vlm"})
	handler := node.Handler()

	req := DescribeRequest{
		Prompt: "What happens in this video?",
		Frames: [][]byte{pngFrame(t, color.White), pngFrame(t, color.Black)},
	}
	w := postDescribe(t, handler, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp DescribeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "acme/tiny-vlm", resp.Model)
	assert.Equal(t, "a cat on a sofa", resp.Text)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 42, resp.PromptTokens)
	assert.Equal(t, 3, resp.Tokens)
	assert.Equal(t, int64(30), resp.DurationMs)
	assert.False(t, resp.Cached)
	assert.Equal(t, 2, describer.lastCount)

	// The same frames and prompt are served from the cache.
	w = postDescribe(t, handler, req)
	require.Equal(t, http.StatusOK, w.Code)
	resp = DescribeResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Cached)
	assert.Equal(t, "a cat on a sofa", resp.Text)
	assert.Equal(t, int32(1), describer.callCount.Load())

	// A different token limit is a different request.
	req.MaxNewTokens = 8
	w = postDescribe(t, handler, req)
	require.Equal(t, http.StatusOK, w.Code)
	resp = DescribeResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Cached)
	assert.Equal(t, 8, describer.lastOpts.MaxNewTokens)
	assert.Equal(t, int32(2), describer.callCount.Load())
}

func TestGlimpseNode_HandleApiDescribe_BodyTooLarge(t *testing.T) {
	describer := &MockDescriber{}
	node := newTestNode(t, describer, Config{MaxRequestBytes: 256})

	w := postDescribe(t, node.Handler(), DescribeRequest{
		Prompt: "Describe",
		Frames: [][]byte{bytes.Repeat([]byte{0xff}, 1024)},
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, int32(0), describer.callCount.Load())
}

func TestGlimpseNode_HandleApiDescribe_OversizedFrame(t *testing.T) {
	describer := &MockDescriber{}
	node := newTestNode(t, describer, Config{})

	gif := []byte{'G', 'I', 'F', '8', '9', 'a', 0x60, 0xea, 0x60, 0xea, 0, 0, 0}
	w := postDescribe(t, node.Handler(), DescribeRequest{
		Prompt: "Describe",
		Frames: [][]byte{gif},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "image too large")
	assert.Equal(t, int32(0), describer.callCount.Load())
}

func TestGlimpseNode_HandleApiDescribe_StreamRunsOwnGeneration(t *testing.T) {
	started := make(chan struct{}, 2)
	unblock := make(chan struct{})
	describer := &MockDescriber{
		describeFunc: func(_ context.Context, _ []frames.Frame, _ string, _ describing.Options, onProgress func(string)) (*pipelines.Result, error) {
			started <- struct{}{}
			<-unblock
			if onProgress != nil {
				onProgress("A dog")
			}
			return &pipelines.Result{Text: "A dog", TokenIDs: []int32{1}, FinishReason: pipelines.FinishReasonStop}, nil
		},
	}
	node := newTestNode(t, describer, Config{MaxConcurrentRequests: 2})
	handler := node.Handler()
	req := DescribeRequest{Prompt: "Describe", Frames: [][]byte{pngFrame(t, color.White)}}

	plain := make(chan *httptest.ResponseRecorder, 1)
	go func() { plain <- postDescribe(t, handler, req) }()
	<-started

	// An identical streaming request does not wait on the plain one, so it
	// still gets its own progress lines.
	streamReq := req
	streamReq.Stream = true
	streamed := make(chan *httptest.ResponseRecorder, 1)
	go func() { streamed <- postDescribe(t, handler, streamReq) }()
	<-started
	close(unblock)

	assert.Equal(t, http.StatusOK, (<-plain).Code)
	w := <-streamed
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"progress":"A dog"`)
	assert.Equal(t, int32(2), describer.callCount.Load())
}

func TestGlimpseNode_HandleApiDescribe_Stream(t *testing.T) {
	describer := &MockDescriber{
		describeFunc: func(_ context.Context, _ []frames.Frame, _ string, _ describing.Options, onProgress func(string)) (*pipelines.Result, error) {
			onProgress("A")
			onProgress("A dog")
			return &pipelines.Result{
				Text:         "A dog",
				TokenIDs:     []int32{1, 2},
				FinishReason: pipelines.FinishReasonLength,
			}, nil
		},
	}
	node := newTestNode(t, describer, Config{})

	w := postDescribe(t, node.Handler(), DescribeRequest{
		Prompt: "Describe",
		Frames: [][]byte{pngFrame(t, color.White)},
		Stream: true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	var lines []string
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 3)

	var progress DescribeProgress
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &progress))
	assert.Equal(t, "A", progress.Progress)
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &progress))
	assert.Equal(t, "A dog", progress.Progress)

	var final DescribeResponse
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &final))
	assert.True(t, final.Done)
	assert.Equal(t, "A dog", final.Text)
	assert.Equal(t, "length", final.FinishReason)
	assert.Equal(t, progress.ID, final.ID)
}

func TestGlimpseNode_HandleApiDescribe_StreamError(t *testing.T) {
	describer := &MockDescriber{
		describeFunc: func(_ context.Context, _ []frames.Frame, _ string, _ describing.Options, onProgress func(string)) (*pipelines.Result, error) {
			onProgress("A")
			return nil, &pipelines.InferenceError{Operator: "decoder", Err: errors.New("out of memory")}
		},
	}
	node := newTestNode(t, describer, Config{})

	w := postDescribe(t, node.Handler(), DescribeRequest{Prompt: "Describe", Stream: true})
	require.Equal(t, http.StatusOK, w.Code)

	lines := bytes.Split(bytes.TrimSpace(w.Body.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var streamErr StreamError
	require.NoError(t, json.Unmarshal(lines[1], &streamErr))
	assert.Contains(t, streamErr.Error, "out of memory")
}

func TestGlimpseNode_HandleApiDescribe_NotLoaded(t *testing.T) {
	describer := &MockDescriber{
		notLoaded: true,
		loadErr:   &pipelines.LoadError{Asset: "decoder", Err: errors.New("file not found")},
	}
	node := newTestNode(t, describer, Config{})

	w := postDescribe(t, node.Handler(), DescribeRequest{Prompt: "Describe"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "decoder")
	assert.Equal(t, int32(0), describer.callCount.Load())
}

func TestGlimpseNode_HandleApiDescribe_BadRequest(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		want string
	}{
		{
			name: "invalid json",
			body: []byte(`{"prompt":`),
			want: "decoding request",
		},
		{
			name: "empty prompt",
			body: []byte(`{"prompt":"   "}`),
			want: "prompt is required",
		},
		{
			name: "too many frames",
			body: mustJSON(t, DescribeRequest{Prompt: "p", Frames: [][]byte{{1}, {2}, {3}}}),
			want: "too many frames",
		},
		{
			name: "negative max tokens",
			body: []byte(`{"prompt":"p","max_new_tokens":-1}`),
			want: "max_new_tokens",
		},
		{
			name: "undecodable frame",
			body: mustJSON(t, DescribeRequest{Prompt: "p", Frames: [][]byte{[]byte("not an image")}}),
			want: "invalid frames",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			describer := &MockDescriber{}
			node := newTestNode(t, describer, Config{NumFrames: 2})

			req := httptest.NewRequest(http.MethodPost, "/api/describe", bytes.NewReader(tt.body))
			w := httptest.NewRecorder()
			node.Handler().ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.want)
			assert.Equal(t, int32(0), describer.callCount.Load())
		})
	}
}

func TestGlimpseNode_HandleApiDescribe_ErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"cancelled", &pipelines.CancellationError{Step: 3, Err: context.Canceled}, http.StatusRequestTimeout},
		{"closed", pipelines.ErrModelClosed, http.StatusServiceUnavailable},
		{"operator failure", &pipelines.InferenceError{Operator: "decoder", Err: errors.New("boom")}, http.StatusInternalServerError},
		{"malformed output", &pipelines.ShapeError{Operator: "decoder", Tensor: "logits"}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			describer := &MockDescriber{
				describeFunc: func(context.Context, []frames.Frame, string, describing.Options, func(string)) (*pipelines.Result, error) {
					return nil, tt.err
				},
			}
			node := newTestNode(t, describer, Config{})

			w := postDescribe(t, node.Handler(), DescribeRequest{Prompt: "Describe"})
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestGlimpseNode_HealthEndpoints(t *testing.T) {
	t.Run("healthz", func(t *testing.T) {
		node := newTestNode(t, &MockDescriber{notLoaded: true}, Config{})
		w := httptest.NewRecorder()
		node.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	})

	t.Run("ready", func(t *testing.T) {
		node := newTestNode(t, &MockDescriber{}, Config{Model: "acme/tiny-vlm"})
		w := httptest.NewRecorder()
		node.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var resp ReadyResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "ready", resp.Status)
		assert.Equal(t, "acme/tiny-vlm", resp.Model.Name)
		assert.True(t, resp.Model.Loaded)
		assert.Equal(t, int64(DefaultMaxConcurrentRequests), resp.Queue.MaxConcurrent)
	})

	t.Run("not ready", func(t *testing.T) {
		node := newTestNode(t, &MockDescriber{
			notLoaded: true,
			loadErr:   errors.New("tokenizer.json missing"),
		}, Config{})
		w := httptest.NewRecorder()
		node.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		var resp ReadyResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "not_ready", resp.Status)
		assert.False(t, resp.Model.Loaded)
		assert.Equal(t, "tokenizer.json missing", resp.Model.Error)
	})
}

func TestGlimpseNode_Version(t *testing.T) {
	node := newTestNode(t, &MockDescriber{}, Config{})
	w := httptest.NewRecorder()
	node.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/version", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp VersionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, Version, resp.Version)
	assert.NotEmpty(t, resp.GoVersion)
}

func TestCorsMiddleware(t *testing.T) {
	node := newTestNode(t, &MockDescriber{}, Config{})
	w := httptest.NewRecorder()
	node.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/describe", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
