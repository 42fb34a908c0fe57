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

// Package glimpse serves video descriptions over HTTP.
package glimpse

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/antflydb/glimpse/lib/backends"
	"github.com/antflydb/glimpse/lib/describing"
	"github.com/antflydb/glimpse/lib/frames"
	"github.com/antflydb/glimpse/lib/pipelines"
)

// Describer is the engine surface the HTTP API needs.
type Describer interface {
	Describe(ctx context.Context, frameList []frames.Frame, prompt string, opts describing.Options, onProgress func(string)) (*pipelines.Result, error)
	Loaded() bool
	LoadError() error
}

type GlimpseNode struct {
	logger *zap.Logger

	describer Describer
	model     string
	imageSize int
	maxFrames int
	maxBytes  int64

	// Request queue for backpressure control
	requestQueue *RequestQueue

	descriptionCache *DescriptionCache
}

// NewGlimpseNode wires a describer to its queue and cache.
func NewGlimpseNode(logger *zap.Logger, describer Describer, config Config, queue *RequestQueue, cache *DescriptionCache) *GlimpseNode {
	if logger == nil {
		logger = zap.NewNop()
	}
	imageSize := frames.DefaultSize
	if mc, ok := describer.(interface{ ModelConfig() *pipelines.ModelConfig }); ok {
		if cfg := mc.ModelConfig(); cfg != nil {
			imageSize = cfg.ImageSize
		}
	}
	return &GlimpseNode{
		logger:           logger,
		describer:        describer,
		model:            config.ModelName(),
		imageSize:        imageSize,
		maxFrames:        config.FrameLimit(),
		maxBytes:         config.RequestByteLimit(),
		requestQueue:     queue,
		descriptionCache: cache,
	}
}

// Handler returns the root handler: health endpoints, metrics and the API.
func (ln *GlimpseNode) Handler() http.Handler {
	rootMux := http.NewServeMux()

	// Health endpoints (outside /api prefix for k8s compatibility)
	rootMux.HandleFunc("GET /healthz", ln.handleHealthz)
	rootMux.HandleFunc("GET /readyz", ln.handleReadyz)
	rootMux.Handle("GET /metrics", promhttp.Handler())

	rootMux.Handle("/api/", NewGlimpseAPI(ln.logger.Named("api"), ln))
	return corsMiddleware(rootMux)
}

// corsMiddleware adds permissive CORS headers for the Glimpse API
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, Accept, Origin")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// DefaultShutdownTimeout is the default time to wait for graceful shutdown
const DefaultShutdownTimeout = 30 * time.Second

// RunAsGlimpse loads the configured model and serves the API until ctx is
// cancelled. A model that fails to load leaves the node running but not
// ready. If readyC is non-nil, it is closed once the server is listening.
func RunAsGlimpse(ctx context.Context, zl *zap.Logger, config Config, readyC chan struct{}) {
	zl = zl.Named("glimpse")
	zl.Info("Starting glimpse node", zap.Any("config", config))

	u, err := url.Parse(config.ApiUrl)
	if err != nil {
		zl.Fatal("Invalid API URL", zap.String("url", config.ApiUrl), zap.Error(err))
	}
	requestTimeout, err := parseDuration("request_timeout", config.RequestTimeout)
	if err != nil {
		zl.Fatal("Invalid request_timeout duration", zap.Error(err))
	}
	cacheTTL := DescriptionCacheTTL
	if config.CacheTTL != "" {
		if cacheTTL, err = parseDuration("cache_ttl", config.CacheTTL); err != nil {
			zl.Fatal("Invalid cache_ttl duration", zap.Error(err))
		}
	}
	gpuMode, err := config.GPUMode()
	if err != nil {
		zl.Fatal("Invalid gpu mode", zap.Error(err))
	}

	gpuInfo := backends.DetectGPU()
	zl.Info("GPU detection complete",
		zap.Bool("available", gpuInfo.Available),
		zap.String("type", gpuInfo.Type),
		zap.String("device", gpuInfo.DeviceName),
		zap.String("mode", string(gpuMode)))

	factory, err := backends.GetSessionFactory(backends.BackendType(config.Backend))
	if err != nil {
		// The engine reports itself as not loaded; keep serving health checks.
		zl.Error("No inference backend available", zap.String("backend", config.Backend), zap.Error(err))
	}

	engine := describing.NewEngine(describing.Config{
		ModelPath:    config.ModelPath(),
		MaxNewTokens: config.MaxNewTokens,
		NumThreads:   config.NumThreads,
		GPUMode:      gpuMode,
	}, factory, zl.Named("engine"))
	defer func() {
		if err := engine.Close(); err != nil {
			zl.Warn("Closing engine", zap.Error(err))
		}
	}()
	if engine.Loaded() {
		RecordModelLoadDuration(config.ModelName(), engine.LoadDuration().Seconds())
	}

	requestQueue := NewRequestQueue(RequestQueueConfig{
		MaxConcurrentRequests: config.MaxConcurrentRequests,
		MaxQueueSize:          config.MaxQueueSize,
		RequestTimeout:        requestTimeout,
	}, zl.Named("queue"))

	descriptionCache := NewDescriptionCache(cacheTTL, zl.Named("cache"))
	defer descriptionCache.Close()

	node := NewGlimpseNode(zl, engine, config, requestQueue, descriptionCache)

	srv := &http.Server{
		Addr:              u.Host,
		Handler:           node.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		zl.Info("Glimpse's api server starting", zap.String("address", config.ApiUrl))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	if readyC != nil {
		close(readyC)
	}

	select {
	case err := <-serverErr:
		if err != nil {
			zl.Fatal("HTTP server error", zap.Error(err))
		}
	case <-ctx.Done():
		zl.Info("Shutdown signal received, starting graceful shutdown...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()

	srv.SetKeepAlivesEnabled(false)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("Graceful shutdown failed, forcing close",
			zap.Error(err),
			zap.Duration("timeout", DefaultShutdownTimeout))
		_ = srv.Close()
	} else {
		zl.Info("Graceful shutdown completed successfully")
	}

	zl.Info("HTTP server stopped")
}
