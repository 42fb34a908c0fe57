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
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/encoder"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antflydb/glimpse/lib/describing"
	"github.com/antflydb/glimpse/lib/frames"
	"github.com/antflydb/glimpse/lib/pipelines"
)

// DescribeRequest is the body of POST /api/describe. Frames are encoded
// images (PNG, JPEG, GIF, WebP, BMP or TIFF), base64 in JSON, in temporal
// order.
type DescribeRequest struct {
	Prompt       string   `json:"prompt"`
	Frames       [][]byte `json:"frames"`
	MaxNewTokens int      `json:"max_new_tokens,omitempty"`
	Stream       bool     `json:"stream,omitempty"`
}

// DescribeResponse is the result of a describe request, and the final line
// of a streamed one.
type DescribeResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
	PromptTokens int    `json:"prompt_tokens"`
	Tokens       int    `json:"tokens"`
	DurationMs   int64  `json:"duration_ms"`
	Cached       bool   `json:"cached,omitempty"`
	Done         bool   `json:"done,omitempty"`
}

// DescribeProgress is one streamed partial description.
type DescribeProgress struct {
	ID       string `json:"id"`
	Progress string `json:"progress"`
}

// StreamError ends a stream that failed after it started.
type StreamError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// VersionResponse is the response of GET /api/version.
type VersionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// GlimpseAPI serves the /api routes.
type GlimpseAPI struct {
	logger *zap.Logger
	node   *GlimpseNode
}

// NewGlimpseAPI creates the HTTP handler for the /api routes.
func NewGlimpseAPI(logger *zap.Logger, node *GlimpseNode) http.Handler {
	api := &GlimpseAPI{logger: logger, node: node}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/describe", api.Describe)
	mux.HandleFunc("GET /api/version", api.GetVersion)
	return mux
}

// GetVersion reports build information.
func (t *GlimpseAPI) GetVersion(w http.ResponseWriter, r *http.Request) {
	resp := VersionResponse{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := encoder.NewStreamEncoder(w).Encode(resp); err != nil {
		t.logger.Error("encoding response", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// Describe handles POST /api/describe.
func (t *GlimpseAPI) Describe(w http.ResponseWriter, r *http.Request) {
	t.node.handleApiDescribe(w, r, t.logger)
}

func (ln *GlimpseNode) handleApiDescribe(w http.ResponseWriter, r *http.Request, logger *zap.Logger) {
	defer func() { _ = r.Body.Close() }()

	start := time.Now()
	status := http.StatusOK
	defer func() {
		RecordRequestDuration("describe", ln.model, strconv.Itoa(status), time.Since(start).Seconds())
	}()
	fail := func(code int, msg string) {
		status = code
		http.Error(w, msg, code)
	}

	if !ln.describer.Loaded() {
		msg := "model not loaded"
		if err := ln.describer.LoadError(); err != nil {
			msg = fmt.Sprintf("model not loaded: %v", err)
		}
		fail(http.StatusServiceUnavailable, msg)
		return
	}

	// Apply backpressure via request queue
	release, err := ln.requestQueue.Acquire(r.Context())
	if err != nil {
		switch err {
		case ErrQueueFull:
			RecordQueueRejection()
			status = http.StatusServiceUnavailable
			WriteQueueFullResponse(w, 5*time.Second)
		case ErrRequestTimeout:
			RecordQueueTimeout()
			status = http.StatusGatewayTimeout
			WriteTimeoutResponse(w)
		default:
			// Context cancelled
			fail(http.StatusRequestTimeout, "request cancelled")
		}
		return
	}
	defer release()

	UpdateQueueMetrics(ln.requestQueue.Stats())

	var req DescribeRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, ln.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		fail(http.StatusBadRequest, fmt.Sprintf("reading request: %v", err))
		return
	}
	if err := sonic.Unmarshal(body, &req); err != nil {
		fail(http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		fail(http.StatusBadRequest, "prompt is required")
		return
	}
	if len(req.Frames) > ln.maxFrames {
		fail(http.StatusBadRequest, fmt.Sprintf("too many frames: %d (max %d)", len(req.Frames), ln.maxFrames))
		return
	}
	if req.MaxNewTokens < 0 {
		fail(http.StatusBadRequest, "max_new_tokens must not be negative")
		return
	}

	RecordDescribeRequest(ln.model)

	frameList, err := frames.DecodeImages(r.Context(), req.Frames, ln.imageSize)
	if err != nil {
		fail(http.StatusBadRequest, fmt.Sprintf("invalid frames: %v", err))
		return
	}

	id := uuid.NewString()
	logger = logger.With(zap.String("request_id", id))
	logger.Debug("Describe request",
		zap.Int("frames", len(frameList)),
		zap.Int("prompt_len", len(req.Prompt)),
		zap.Bool("stream", req.Stream))

	var (
		stream     *ndjsonStream
		onProgress func(string)
	)
	if req.Stream {
		stream = newNDJSONStream(w)
		onProgress = func(partial string) {
			if err := stream.send(DescribeProgress{ID: id, Progress: partial}); err != nil {
				logger.Debug("Dropping progress, client gone", zap.Error(err))
			}
		}
	}

	key := ln.descriptionCache.Key(ln.model, req.Prompt, req.MaxNewTokens, req.Frames)
	generate := func(ctx context.Context) (*pipelines.Result, error) {
		res, err := ln.describer.Describe(ctx, frameList, req.Prompt, describing.Options{MaxNewTokens: req.MaxNewTokens}, onProgress)
		if err != nil {
			return nil, err
		}
		RecordGeneration(ln.model, string(res.FinishReason), len(res.TokenIDs), res.Duration.Seconds())
		return res, nil
	}
	describe := ln.descriptionCache.Describe
	if req.Stream {
		describe = ln.descriptionCache.DescribeUnshared
	}
	res, cached, err := describe(r.Context(), key, generate)
	if err != nil {
		code := describeErrorStatus(err)
		logger.Error("Failed to describe frames", zap.Int("status", code), zap.Error(err))
		if stream != nil && stream.started() {
			status = code
			_ = stream.send(StreamError{ID: id, Error: err.Error()})
			return
		}
		fail(code, fmt.Sprintf("describing frames: %v", err))
		return
	}

	resp := DescribeResponse{
		ID:           id,
		Model:        ln.model,
		Text:         res.Text,
		FinishReason: string(res.FinishReason),
		PromptTokens: res.PromptTokens,
		Tokens:       len(res.TokenIDs),
		DurationMs:   res.Duration.Milliseconds(),
		Cached:       cached,
	}
	if stream != nil {
		resp.Done = true
		if err := stream.send(resp); err != nil {
			logger.Debug("Client went away before the final line", zap.Error(err))
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := encoder.NewStreamEncoder(w).Encode(resp); err != nil {
		logger.Error("encoding response", zap.Error(err))
	}
}

func describeErrorStatus(err error) int {
	var cancelErr *pipelines.CancellationError
	switch {
	case errors.Is(err, pipelines.ErrNotLoaded), errors.Is(err, pipelines.ErrModelClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &cancelErr):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ndjsonStream writes newline-delimited JSON objects, flushing after each.
type ndjsonStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	wrote   bool
}

func newNDJSONStream(w http.ResponseWriter) *ndjsonStream {
	flusher, _ := w.(http.Flusher)
	return &ndjsonStream{w: w, flusher: flusher}
}

func (s *ndjsonStream) send(v any) error {
	data, err := encoder.Encode(v, 0)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.wrote {
		s.w.Header().Set("Content-Type", "application/x-ndjson")
		s.w.WriteHeader(http.StatusOK)
		s.wrote = true
	}
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *ndjsonStream) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrote
}
