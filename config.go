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
	"fmt"
	"path/filepath"
	"time"

	"github.com/antflydb/glimpse/lib/backends"
	"github.com/antflydb/glimpse/lib/frames"
)

// DefaultModel is the model served when none is configured.
const DefaultModel = "HuggingFaceTB/SmolVLM2-256M-Video-Instruct"

// Config configures a Glimpse node.
type Config struct {
	// ApiUrl is the address the HTTP API listens on.
	ApiUrl string `json:"api_url" yaml:"api_url"`

	// ModelsDir holds downloaded models in owner/name subdirectories.
	ModelsDir string `json:"models_dir" yaml:"models_dir"`
	// Model is the model subdirectory to serve.
	Model string `json:"model" yaml:"model"`

	// Backend selects the inference backend; empty picks the best available.
	Backend    string `json:"backend,omitempty" yaml:"backend,omitempty"`
	Gpu        string `json:"gpu,omitempty" yaml:"gpu,omitempty"`
	NumThreads int    `json:"num_threads,omitempty" yaml:"num_threads,omitempty"`

	MaxNewTokens int `json:"max_new_tokens,omitempty" yaml:"max_new_tokens,omitempty"`
	// NumFrames caps the frames accepted per request.
	NumFrames int `json:"num_frames,omitempty" yaml:"num_frames,omitempty"`
	// MaxRequestBytes caps the size of a describe request body.
	MaxRequestBytes int64 `json:"max_request_bytes,omitempty" yaml:"max_request_bytes,omitempty"`

	// RequestTimeout bounds the time a request waits in the queue.
	RequestTimeout        string `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
	MaxConcurrentRequests int    `json:"max_concurrent_requests,omitempty" yaml:"max_concurrent_requests,omitempty"`
	MaxQueueSize          int    `json:"max_queue_size,omitempty" yaml:"max_queue_size,omitempty"`

	// CacheTTL is how long descriptions are cached; "0" disables caching.
	CacheTTL string `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`
}

// ModelPath returns the directory of the configured model.
func (c Config) ModelPath() string {
	model := c.Model
	if model == "" {
		model = DefaultModel
	}
	return filepath.Join(c.ModelsDir, filepath.FromSlash(model))
}

// ModelName returns the configured model, or DefaultModel.
func (c Config) ModelName() string {
	if c.Model == "" {
		return DefaultModel
	}
	return c.Model
}

// FrameLimit returns the maximum number of frames per request.
func (c Config) FrameLimit() int {
	if c.NumFrames <= 0 {
		return frames.DefaultCount
	}
	return c.NumFrames
}

// DefaultMaxRequestBytes is the body limit used when MaxRequestBytes is zero.
const DefaultMaxRequestBytes = 64 << 20

// RequestByteLimit returns the maximum describe request body size.
func (c Config) RequestByteLimit() int64 {
	if c.MaxRequestBytes <= 0 {
		return DefaultMaxRequestBytes
	}
	return c.MaxRequestBytes
}

// GPUMode parses the configured GPU mode.
func (c Config) GPUMode() (backends.GPUMode, error) {
	return backends.ParseGPUMode(c.Gpu)
}

// parseDuration parses an optional duration setting where "" and "0" mean
// zero.
func parseDuration(name, value string) (time.Duration, error) {
	if value == "" || value == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", name, value)
	}
	return d, nil
}
