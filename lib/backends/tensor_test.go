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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumElements(t *testing.T) {
	assert.Equal(t, int64(1), NumElements(nil))
	assert.Equal(t, int64(24), NumElements([]int64{2, 3, 4}))
	assert.Equal(t, int64(0), NumElements([]int64{1, 3, 0, 64}))
}

func TestZeroTensor(t *testing.T) {
	t.Run("zero length past cache entry", func(t *testing.T) {
		tensor, err := ZeroTensor("past_key_values.0.key", []int64{1, 3, 0, 64}, DataTypeFloat32)
		require.NoError(t, err)
		data, ok := tensor.Data.([]float32)
		require.True(t, ok)
		assert.NotNil(t, data)
		assert.Empty(t, data)
		assert.Equal(t, []int64{1, 3, 0, 64}, tensor.Shape)
	})

	t.Run("half precision", func(t *testing.T) {
		tensor, err := ZeroTensor("x", []int64{2, 2}, DataTypeFloat16)
		require.NoError(t, err)
		assert.Equal(t, 4, tensor.Len())
		dt, ok := tensor.DataType()
		require.True(t, ok)
		assert.Equal(t, DataTypeFloat16, dt)
	})

	t.Run("unsupported type", func(t *testing.T) {
		_, err := ZeroTensor("x", []int64{1}, DataType("complex64"))
		assert.Error(t, err)
	})

	t.Run("shape is copied", func(t *testing.T) {
		shape := []int64{1, 2}
		tensor, err := ZeroTensor("x", shape, DataTypeInt64)
		require.NoError(t, err)
		shape[0] = 9
		assert.Equal(t, int64(1), tensor.Shape[0])
	})
}

func TestFloat32s(t *testing.T) {
	full := NamedTensor{Name: "logits", Data: []float32{1, 2.5}}
	values, err := full.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2.5}, values)

	half := NamedTensor{Name: "logits", Data: Float32ToFloat16([]float32{1, -2.5, 0.5})}
	values, err = half.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -2.5, 0.5}, values)

	_, err = NamedTensor{Name: "ids", Data: []int64{1}}.Float32s()
	assert.Error(t, err)
}

func TestNamedTensorLen(t *testing.T) {
	assert.Equal(t, 3, NamedTensor{Data: []bool{true, true, false}}.Len())
	assert.Equal(t, 2, NamedTensor{Data: []int32{1, 2}}.Len())
	assert.Equal(t, -1, NamedTensor{Data: "nope"}.Len())
}
