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
	"github.com/antflydb/glimpse/lib/frames"
)

// TensorStager turns frames and token sequences into operator input tensors.
type TensorStager struct {
	imageSize int
	// lut[c][p] is the normalized value of 8-bit sample p in channel c.
	lut [3][256]float32
}

// NewTensorStager builds a stager for the model's image preprocessing.
func NewTensorStager(cfg *ModelConfig) *TensorStager {
	s := &TensorStager{imageSize: cfg.ImageSize}
	for c := 0; c < 3; c++ {
		for p := 0; p < 256; p++ {
			s.lut[c][p] = (float32(p)*cfg.RescaleFactor - cfg.ImageMean[c]) / cfg.ImageStd[c]
		}
	}
	return s
}

// StagePixelTensor lays frames out as [1, numFrames, 3, H, W] float32 with
// each frame channel-planar (all red, then all green, then all blue).
func (s *TensorStager) StagePixelTensor(frameList []frames.Frame) (backends.NamedTensor, error) {
	size := s.imageSize
	plane := size * size
	data := make([]float32, len(frameList)*3*plane)

	for i, f := range frameList {
		if err := f.Validate(); err != nil {
			return backends.NamedTensor{}, &ShapeError{
				Operator: VisionEncoderSchema.Operator,
				Tensor:   InputPixelValues,
				Want:     fmt.Sprintf("valid %dx%d RGB frame", size, size),
				Got:      fmt.Sprintf("frame %d: %v", i, err),
			}
		}
		if f.Width != size || f.Height != size {
			return backends.NamedTensor{}, &ShapeError{
				Operator: VisionEncoderSchema.Operator,
				Tensor:   InputPixelValues,
				Want:     fmt.Sprintf("%dx%d frame", size, size),
				Got:      fmt.Sprintf("frame %d is %dx%d", i, f.Width, f.Height),
			}
		}

		base := i * 3 * plane
		red := data[base : base+plane]
		green := data[base+plane : base+2*plane]
		blue := data[base+2*plane : base+3*plane]
		for p := 0; p < plane; p++ {
			red[p] = s.lut[0][f.Pix[3*p]]
			green[p] = s.lut[1][f.Pix[3*p+1]]
			blue[p] = s.lut[2][f.Pix[3*p+2]]
		}
	}

	return backends.NamedTensor{
		Name:  InputPixelValues,
		Shape: []int64{1, int64(len(frameList)), 3, int64(size), int64(size)},
		Data:  data,
	}, nil
}

// StagePixelAttentionMask returns an all-true [1, numFrames, H, W] mask.
func (s *TensorStager) StagePixelAttentionMask(numFrames int) backends.NamedTensor {
	size := s.imageSize
	data := make([]bool, numFrames*size*size)
	for i := range data {
		data[i] = true
	}
	return backends.NamedTensor{
		Name:  InputPixelAttentionMask,
		Shape: []int64{1, int64(numFrames), int64(size), int64(size)},
		Data:  data,
	}
}

// StageSequence wraps values as a [1, len] int64 tensor.
func StageSequence[T int32 | int64](name string, values []T) backends.NamedTensor {
	data := make([]int64, len(values))
	for i, v := range values {
		data[i] = int64(v)
	}
	return backends.NamedTensor{
		Name:  name,
		Shape: []int64{1, int64(len(values))},
		Data:  data,
	}
}

// StepInputs holds the sequence tensors of one decode step.
type StepInputs struct {
	InputIDs      backends.NamedTensor
	AttentionMask backends.NamedTensor
	PositionIDs   backends.NamedTensor
}

// StageStepInputs stages the token ids, attention mask and position ids of
// one decode step.
func StageStepInputs(ids []int32, mask []int64, positions []int64) StepInputs {
	return StepInputs{
		InputIDs:      StageSequence(InputIDs, ids),
		AttentionMask: StageSequence(InputAttentionMask, mask),
		PositionIDs:   StageSequence(InputPositionIDs, positions),
	}
}
