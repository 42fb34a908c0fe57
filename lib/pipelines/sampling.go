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
	"fmt"

	"github.com/antflydb/glimpse/lib/backends"
)

// Argmax returns the index of the largest value. Ties resolve to the lowest
// index and NaN never wins. Returns -1 for an empty slice.
func Argmax(values []float32) int {
	best := -1
	for i, v := range values {
		if v != v { // NaN
			continue
		}
		if best == -1 || v > values[best] {
			best = i
		}
	}
	if best == -1 && len(values) > 0 {
		return 0
	}
	return best
}

// LastPositionLogits returns the vocabulary scores at the final sequence
// position of a [1, seqLen, vocab] logits tensor.
func LastPositionLogits(logits backends.NamedTensor) ([]float32, error) {
	shape := logits.Shape
	if len(shape) != 3 || shape[0] != 1 || shape[1] < 1 || shape[2] < 1 {
		return nil, &ShapeError{Operator: "decoder", Tensor: "logits", Want: "[1 seq vocab]", Got: shapeString(shape)}
	}
	values, err := logits.Float32s()
	if err != nil {
		return nil, &ShapeError{Operator: "decoder", Tensor: "logits", Want: "floating point data", Got: fmt.Sprintf("%T", logits.Data)}
	}
	seqLen, vocab := int(shape[1]), int(shape[2])
	if len(values) != seqLen*vocab {
		return nil, &ShapeError{Operator: "decoder", Tensor: "logits", Want: fmt.Sprintf("%d values", seqLen*vocab), Got: fmt.Sprint(len(values))}
	}
	return values[(seqLen-1)*vocab:], nil
}
