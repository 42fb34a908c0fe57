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

// Package frames supplies the ordered, fixed-resolution RGB frames that the
// video description pipeline consumes. Decoding and resizing happen here; the
// inference core never resizes.
package frames

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// DefaultSize is the square frame resolution expected by SmolVLM.
const DefaultSize = 512

// DefaultCount is the number of frames sampled from a clip.
const DefaultCount = 8

// Frame is an 8-bit RGB image stored row-major with interleaved channels.
type Frame struct {
	Width  int
	Height int
	Pix    []uint8 // len == Width*Height*3
}

// NewFrame allocates a black frame.
func NewFrame(width, height int) Frame {
	return Frame{Width: width, Height: height, Pix: make([]uint8, width*height*3)}
}

// Validate checks that Pix matches the declared dimensions.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame dimensions %dx%d", f.Width, f.Height)
	}
	if len(f.Pix) != f.Width*f.Height*3 {
		return fmt.Errorf("frame %dx%d has %d bytes, want %d", f.Width, f.Height, len(f.Pix), f.Width*f.Height*3)
	}
	return nil
}

// RGB returns the pixel at (x, y).
func (f Frame) RGB(x, y int) (r, g, b uint8) {
	i := (y*f.Width + x) * 3
	return f.Pix[i], f.Pix[i+1], f.Pix[i+2]
}

// FromImage scales img to size x size (aspect ratio is not preserved) and
// converts it to a Frame.
func FromImage(img image.Image, size int) Frame {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	b := img.Bounds()
	if b.Dx() == size && b.Dy() == size {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	} else {
		draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	}

	f := NewFrame(size, size)
	for y := 0; y < size; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+size*4]
		out := f.Pix[y*size*3 : (y+1)*size*3]
		for x := 0; x < size; x++ {
			out[x*3] = row[x*4]
			out[x*3+1] = row[x*4+1]
			out[x*3+2] = row[x*4+2]
		}
	}
	return f
}

// Image returns the frame as an image.Image.
func (f Frame) Image() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			r, g, b := f.RGB(x, y)
			img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 0xff})
		}
	}
	return img
}

// Source produces an ordered frame sequence for one description request.
type Source interface {
	Frames(ctx context.Context) ([]Frame, error)
}

// UniformIndices picks n positions spread evenly over total items, skipping
// both ends: position i (1-based) is i*total/(n+1).
func UniformIndices(total, n int) []int {
	if total <= 0 || n <= 0 {
		return nil
	}
	indices := make([]int, n)
	for i := 1; i <= n; i++ {
		idx := i * total / (n + 1)
		if idx >= total {
			idx = total - 1
		}
		indices[i-1] = idx
	}
	return indices
}
