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

// Package describing exposes the video description engine: it loads a
// video-to-text model once, serializes generations and turns every failure
// into text a user can read.
package describing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/antflydb/glimpse/lib/backends"
	"github.com/antflydb/glimpse/lib/frames"
	"github.com/antflydb/glimpse/lib/pipelines"
	"github.com/antflydb/glimpse/lib/tokenizer"
)

// Config configures an Engine.
type Config struct {
	// ModelPath is the directory holding the operator graphs and tokenizer.json.
	ModelPath string

	// MaxNewTokens is the default generation limit. Zero means
	// pipelines.DefaultMaxNewTokens.
	MaxNewTokens int

	// NumThreads and GPUMode are passed to every operator session.
	NumThreads int
	GPUMode    backends.GPUMode

	// ProgressBuffer is the number of undelivered progress updates kept per
	// generation before new ones are dropped.
	ProgressBuffer int
}

// DefaultProgressBuffer is used when Config.ProgressBuffer is zero.
const DefaultProgressBuffer = 16

// Options are per-call overrides.
type Options struct {
	MaxNewTokens int
}

// Engine describes frames in response to a prompt. It never fails to
// construct: when any model asset cannot be loaded it stays in a not-loaded
// state and every call reports that.
type Engine struct {
	config Config
	logger *zap.Logger

	model        *pipelines.VideoTextModel
	pipeline     *pipelines.VideoTextPipeline
	loadErr      error
	loadDuration time.Duration

	// genMu allows one generation at a time.
	genMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewEngine loads the model at config.ModelPath through factory.
func NewEngine(config Config, factory backends.SessionFactory, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ProgressBuffer <= 0 {
		config.ProgressBuffer = DefaultProgressBuffer
	}
	e := &Engine{config: config, logger: logger}

	start := time.Now()
	if err := e.load(factory); err != nil {
		e.loadErr = err
		logger.Error("Failed to load model, engine is not loaded",
			zap.String("model_path", config.ModelPath),
			zap.Error(err))
		return e
	}
	e.loadDuration = time.Since(start)
	logger.Info("Model loaded",
		zap.String("model_path", config.ModelPath),
		zap.Duration("took", e.loadDuration))
	return e
}

func (e *Engine) load(factory backends.SessionFactory) error {
	if factory == nil {
		return &pipelines.LoadError{Asset: "backend", Err: errors.New("no session factory available")}
	}

	cfg, err := pipelines.LoadModelConfig(e.config.ModelPath)
	if err != nil {
		return err
	}

	vocab, err := tokenizer.LoadFile(cfg.TokenizerPath)
	if err != nil {
		return &pipelines.LoadError{Asset: "tokenizer", Err: err}
	}
	special := tokenizer.ResolveSpecialTokens(vocab, cfg.SpecialTokens)
	codec := tokenizer.NewCodec(vocab, special, cfg.TokensPerImage)
	e.logger.Debug("Loaded vocabulary",
		zap.Int("size", vocab.Size()),
		zap.Int32("image_placeholder", special.ImagePlaceholder),
		zap.Int32s("stop_ids", special.StopIDs()))

	var opts []backends.SessionOption
	if e.config.NumThreads > 0 {
		opts = append(opts, backends.WithSessionThreads(e.config.NumThreads))
	}
	if e.config.GPUMode != "" {
		opts = append(opts, backends.WithSessionGPUMode(e.config.GPUMode))
	}

	model, err := pipelines.LoadVideoTextModel(cfg, factory, e.logger.Named("model"), opts...)
	if err != nil {
		return err
	}
	e.model = model
	e.pipeline = pipelines.NewVideoTextPipeline(model, codec, e.logger.Named("pipeline"))
	return nil
}

// Loaded reports whether all model assets were loaded.
func (e *Engine) Loaded() bool {
	return e.pipeline != nil
}

// LoadError returns the error that left the engine not loaded, if any.
func (e *Engine) LoadError() error {
	return e.loadErr
}

// LoadDuration returns how long loading took, or zero if it failed.
func (e *Engine) LoadDuration() time.Duration {
	return e.loadDuration
}

// ModelConfig returns the loaded model configuration, or nil.
func (e *Engine) ModelConfig() *pipelines.ModelConfig {
	if e.model == nil {
		return nil
	}
	return e.model.Config()
}

// Describe runs one generation and returns its typed result. Progress
// updates are delivered on a separate goroutine in order; updates that
// arrive while the receiver is behind are dropped. All deliveries finish
// before Describe returns.
func (e *Engine) Describe(ctx context.Context, frameList []frames.Frame, prompt string, opts Options, onProgress func(string)) (*pipelines.Result, error) {
	if !e.Loaded() {
		if e.loadErr != nil {
			return nil, fmt.Errorf("%w: %v", pipelines.ErrNotLoaded, e.loadErr)
		}
		return nil, pipelines.ErrNotLoaded
	}

	e.genMu.Lock()
	defer e.genMu.Unlock()

	maxNew := opts.MaxNewTokens
	if maxNew <= 0 {
		maxNew = e.config.MaxNewTokens
	}

	var (
		progress   pipelines.ProgressFunc
		dispatcher *progressDispatcher
	)
	if onProgress != nil {
		dispatcher = newProgressDispatcher(onProgress, e.config.ProgressBuffer)
		progress = dispatcher.notify
	}

	res, err := e.pipeline.Generate(ctx, frameList, prompt, pipelines.GenerationConfig{MaxNewTokens: maxNew}, progress)
	if dispatcher != nil {
		if dropped := dispatcher.close(); dropped > 0 {
			e.logger.Debug("Dropped progress updates", zap.Uint64("count", dropped))
		}
	}
	return res, err
}

// Analyze describes frames in response to prompt and always returns text:
// the generated description, or a message explaining why there is none.
func (e *Engine) Analyze(ctx context.Context, frameList []frames.Frame, prompt string, onProgress func(string)) string {
	res, err := e.Describe(ctx, frameList, prompt, Options{}, onProgress)
	if err != nil {
		return e.errorText(err)
	}
	return res.Text
}

func (e *Engine) errorText(err error) string {
	if errors.Is(err, pipelines.ErrNotLoaded) {
		return fmt.Sprintf("Models not loaded. Please ensure the ONNX files and tokenizer.json are in %s", e.config.ModelPath)
	}
	e.logger.Warn("Generation failed", zap.Error(err))
	return "Error: " + err.Error()
}

// Close waits for an in-flight generation and releases the model. It is
// safe to call more than once; later calls to Describe fail.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.model != nil {
			e.closeErr = e.model.Close()
		}
	})
	return e.closeErr
}
