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

package pipelines

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLoaded is returned when generation is requested before all
	// operators and the vocabulary have been loaded.
	ErrNotLoaded = errors.New("models not loaded")

	// ErrModelClosed is returned when a model is used after Close.
	ErrModelClosed = errors.New("model is closed")
)

// LoadError reports that a model asset could not be read or parsed.
type LoadError struct {
	Asset string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.Asset, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ShapeError reports a tensor whose shape, type or position does not match
// what an operator expects or returns. It always indicates an integration
// mismatch between the model files and this code.
type ShapeError struct {
	Operator string
	Tensor   string
	Want     string
	Got      string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: tensor %s: want %s, got %s", e.Operator, e.Tensor, e.Want, e.Got)
}

// InferenceError reports an operator invocation that failed.
type InferenceError struct {
	Operator string
	Err      error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("%s inference failed: %v", e.Operator, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// CancellationError reports a generation stopped by its context at a step
// boundary.
type CancellationError struct {
	Step int
	Err  error
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("generation cancelled before step %d: %v", e.Step, e.Err)
}

func (e *CancellationError) Unwrap() error { return e.Err }
