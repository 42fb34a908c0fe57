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

package backends

// Session represents a low-level inference session that runs one opaque
// operator graph. It handles tensor I/O without knowledge of what the
// operator computes (vision encoder, embedder, decoder).
//
// Higher-level model types are built on top of Session in the pipelines
// package.
type Session interface {
	// Run executes the operator with the given named inputs and returns
	// its outputs in declared output order. A call is atomic: it either
	// completes or fails as a whole.
	Run(inputs []NamedTensor) ([]NamedTensor, error)

	// InputInfo returns metadata about expected inputs.
	InputInfo() []TensorInfo

	// OutputInfo returns metadata about outputs.
	OutputInfo() []TensorInfo

	// Close releases resources associated with the session.
	Close() error
}

// NamedTensor associates a name with tensor data.
type NamedTensor struct {
	Name  string
	Shape []int64
	Data  interface{} // []float32, []uint16 (fp16 bits), []int64, []int32, []bool
}

// TensorInfo describes a tensor's metadata.
type TensorInfo struct {
	Name     string
	Shape    []int64  // -1 for dynamic dimensions
	DataType DataType // float32, int64, etc.
}

// DataType represents tensor element types.
type DataType string

const (
	DataTypeFloat32 DataType = "float32"
	DataTypeFloat16 DataType = "float16"
	DataTypeInt64   DataType = "int64"
	DataTypeInt32   DataType = "int32"
	DataTypeBool    DataType = "bool"
)

// SessionFactory creates sessions from model files.
// Each backend implements this to provide its session creation mechanism.
type SessionFactory interface {
	// CreateSession creates a session from a model file (e.g., ONNX file).
	CreateSession(modelPath string, opts ...SessionOption) (Session, error)

	// Backend returns the backend type this factory uses.
	Backend() BackendType
}

// SessionOption configures session creation.
type SessionOption func(*SessionConfig)

// SessionConfig holds configuration for session creation.
type SessionConfig struct {
	// NumThreads for inference (0 = auto)
	NumThreads int

	// GPUMode controls GPU acceleration
	GPUMode GPUMode

	// GraphOptimizationLevel for ONNX (0-3)
	GraphOptimizationLevel int
}

// DefaultSessionConfig returns sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		NumThreads:             0,
		GPUMode:                GPUModeAuto,
		GraphOptimizationLevel: 3,
	}
}

// WithSessionThreads sets the number of threads.
func WithSessionThreads(n int) SessionOption {
	return func(c *SessionConfig) {
		c.NumThreads = n
	}
}

// WithSessionGPUMode sets the GPU mode.
func WithSessionGPUMode(mode GPUMode) SessionOption {
	return func(c *SessionConfig) {
		c.GPUMode = mode
	}
}

// WithGraphOptimizationLevel sets the graph optimization level (0-3).
func WithGraphOptimizationLevel(level int) SessionOption {
	return func(c *SessionConfig) {
		c.GraphOptimizationLevel = level
	}
}

// ApplySessionOptions applies options to a config.
func ApplySessionOptions(opts ...SessionOption) *SessionConfig {
	cfg := DefaultSessionConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
