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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/glimpse/lib/backends"
)

func TestArgmax(t *testing.T) {
	nan := float32(math.NaN())
	tests := []struct {
		name   string
		values []float32
		want   int
	}{
		{"single maximum", []float32{0.1, -2, 3, 0, 7.5, 1, 2, 9, 0.3}, 7},
		{"tie resolves to lowest index", []float32{0, 0, 0, 4, 1, 1, 1, 1, 1, 4}, 3},
		{"all negative", []float32{-3, -1, -2}, 1},
		{"nan skipped", []float32{nan, 1, 2}, 2},
		{"all nan", []float32{nan, nan}, 0},
		{"empty", nil, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Argmax(tt.values))
		})
	}
}

func TestLastPositionLogits(t *testing.T) {
	logits := backends.NamedTensor{
		Name:  "logits",
		Shape: []int64{1, 2, 3},
		Data:  []float32{1, 2, 3, 4, 5, 6},
	}
	last, err := LastPositionLogits(logits)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5, 6}, last)

	half := backends.NamedTensor{
		Name:  "logits",
		Shape: []int64{1, 1, 2},
		Data:  backends.Float32ToFloat16([]float32{0.5, 2}),
	}
	last, err = LastPositionLogits(half)
	require.NoError(t, err)
	assert.Equal(t, 1, Argmax(last))
}

func TestLastPositionLogitsShapeErrors(t *testing.T) {
	bad := []backends.NamedTensor{
		{Name: "logits", Shape: []int64{2, 3}, Data: make([]float32, 6)},
		{Name: "logits", Shape: []int64{1, 2, 3}, Data: make([]float32, 5)},
		{Name: "logits", Shape: []int64{1, 1, 2}, Data: []int64{1, 2}},
		{Name: "logits", Shape: []int64{2, 1, 2}, Data: make([]float32, 4)},
	}
	for _, logits := range bad {
		_, err := LastPositionLogits(logits)
		var shapeErr *ShapeError
		assert.ErrorAs(t, err, &shapeErr, "shape %v", logits.Shape)
	}
}
