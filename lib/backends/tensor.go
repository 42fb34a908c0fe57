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
	"fmt"

	"github.com/x448/float16"
)

// NumElements returns the number of elements described by shape.
// A shape containing a zero dimension has zero elements.
func NumElements(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// Len returns the number of elements held in the tensor's data slice,
// or -1 if the data type is not supported.
func (t NamedTensor) Len() int {
	switch d := t.Data.(type) {
	case []float32:
		return len(d)
	case []uint16:
		return len(d)
	case []int64:
		return len(d)
	case []int32:
		return len(d)
	case []bool:
		return len(d)
	default:
		return -1
	}
}

// DataType reports the element type of the tensor's data slice.
func (t NamedTensor) DataType() (DataType, bool) {
	switch t.Data.(type) {
	case []float32:
		return DataTypeFloat32, true
	case []uint16:
		return DataTypeFloat16, true
	case []int64:
		return DataTypeInt64, true
	case []int32:
		return DataTypeInt32, true
	case []bool:
		return DataTypeBool, true
	default:
		return "", false
	}
}

// Float32s returns the tensor data as float32 values. Half precision data
// (stored as raw IEEE 754 binary16 bits) is widened.
func (t NamedTensor) Float32s() ([]float32, error) {
	switch d := t.Data.(type) {
	case []float32:
		return d, nil
	case []uint16:
		return Float16ToFloat32(d), nil
	default:
		return nil, fmt.Errorf("tensor %s: expected floating point data, got %T", t.Name, t.Data)
	}
}

// Float16ToFloat32 widens raw binary16 values.
func Float16ToFloat32(bits []uint16) []float32 {
	out := make([]float32, len(bits))
	for i, b := range bits {
		out[i] = float16.Frombits(b).Float32()
	}
	return out
}

// Float32ToFloat16 narrows float32 values to raw binary16 bits.
func Float32ToFloat16(values []float32) []uint16 {
	out := make([]uint16, len(values))
	for i, v := range values {
		out[i] = float16.Fromfloat32(v).Bits()
	}
	return out
}

// ZeroTensor returns a tensor of the given shape and element type whose data
// is an allocated, zero-filled slice. A shape with a zero dimension yields an
// empty but non-nil slice, which runtimes accept as an explicit zero-length
// value.
func ZeroTensor(name string, shape []int64, dt DataType) (NamedTensor, error) {
	n := NumElements(shape)
	if n < 0 {
		return NamedTensor{}, fmt.Errorf("tensor %s: invalid shape %v", name, shape)
	}
	var data interface{}
	switch dt {
	case DataTypeFloat32, "":
		data = make([]float32, n)
	case DataTypeFloat16:
		data = make([]uint16, n)
	case DataTypeInt64:
		data = make([]int64, n)
	case DataTypeInt32:
		data = make([]int32, n)
	case DataTypeBool:
		data = make([]bool, n)
	default:
		return NamedTensor{}, fmt.Errorf("tensor %s: unsupported data type %q", name, dt)
	}
	return NamedTensor{
		Name:  name,
		Shape: append([]int64(nil), shape...),
		Data:  data,
	}, nil
}
