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

// Package backends provides the session abstraction the inference pipeline
// drives its operators through.
//
// Available backends:
//   - ONNX Runtime: requires -tags="onnx,ORT" and libonnxruntime at runtime
//
// Build example:
//
//	go build -tags="onnx,ORT" ./cmd
package backends

import "fmt"

// BackendType identifies the inference backend
type BackendType string

const (
	// BackendONNX is the ONNX Runtime backend
	BackendONNX BackendType = "onnx"
)

// GPUMode controls how GPU acceleration is enabled.
type GPUMode string

const (
	GPUModeAuto GPUMode = "auto" // Auto-detect GPU availability
	GPUModeCuda GPUMode = "cuda" // Force CUDA
	GPUModeOff  GPUMode = "off"  // CPU only
)

// ParseGPUMode converts a configuration string into a GPUMode.
func ParseGPUMode(s string) (GPUMode, error) {
	switch GPUMode(s) {
	case "", GPUModeAuto:
		return GPUModeAuto, nil
	case GPUModeCuda:
		return GPUModeCuda, nil
	case GPUModeOff:
		return GPUModeOff, nil
	default:
		return "", fmt.Errorf("unknown gpu mode %q (want auto, cuda or off)", s)
	}
}

// GPUInfo contains information about available GPU hardware.
type GPUInfo struct {
	Available  bool   `json:"available"`
	Type       string `json:"type"` // "cuda", "none"
	DeviceName string `json:"device_name,omitempty"`
}
