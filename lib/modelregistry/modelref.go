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

// Package modelregistry downloads video-to-text models from HuggingFace Hub
// and finds the ones already on disk.
package modelregistry

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ModelRef represents a parsed model reference
type ModelRef struct {
	// Owner is the namespace/organization (e.g., "HuggingFaceTB")
	Owner string
	// Name is the model name (e.g., "SmolVLM2-256M-Video-Instruct")
	Name string
	// Variant is the optional ONNX variant (e.g., "fp16", "quantized")
	Variant string
}

// FullName returns "owner/name", which is also the HuggingFace repo ID.
func (r ModelRef) FullName() string {
	if r.Owner == "" {
		return r.Name
	}
	return r.Owner + "/" + r.Name
}

// DirPath returns the directory path relative to the models directory
// e.g., "HuggingFaceTB/SmolVLM2-256M-Video-Instruct"
func (r ModelRef) DirPath() string {
	if r.Owner == "" {
		return r.Name
	}
	return filepath.Join(r.Owner, r.Name)
}

// String returns a human-readable representation
func (r ModelRef) String() string {
	s := r.FullName()
	if r.Variant != "" {
		s += ":" + r.Variant
	}
	return s
}

// ParseModelRef parses model references of the form:
//
//	"HuggingFaceTB/SmolVLM2-256M-Video-Instruct"            -> full precision
//	"HuggingFaceTB/SmolVLM2-256M-Video-Instruct:fp16"       -> FP16 operators
//	"hf:HuggingFaceTB/SmolVLM2-256M-Video-Instruct:quantized"
//
// The hf: prefix is accepted for compatibility; every model comes from the Hub.
func ParseModelRef(ref string) (ModelRef, error) {
	ref = strings.TrimPrefix(ref, "hf:")
	if ref == "" {
		return ModelRef{}, fmt.Errorf("empty model reference")
	}

	var result ModelRef

	// Check for variant suffix (colon-separated like Docker/Ollama tags)
	if idx := strings.LastIndex(ref, ":"); idx != -1 {
		result.Variant = ref[idx+1:]
		ref = ref[:idx]
		if !IsValidVariant(result.Variant) {
			return ModelRef{}, fmt.Errorf("invalid variant %q: valid variants are %v",
				result.Variant, ValidVariants()[1:])
		}
	}

	owner, name, ok := strings.Cut(ref, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return ModelRef{}, fmt.Errorf("model reference must be owner/name: %q", ref)
	}
	result.Owner = owner
	result.Name = name
	return result, nil
}
