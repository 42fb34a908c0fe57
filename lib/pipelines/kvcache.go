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
	"strings"

	"github.com/antflydb/glimpse/lib/backends"
)

// PastKeyName returns the decoder input name of layer's cached keys.
func PastKeyName(layer int) string { return fmt.Sprintf("past_key_values.%d.key", layer) }

// PastValueName returns the decoder input name of layer's cached values.
func PastValueName(layer int) string { return fmt.Sprintf("past_key_values.%d.value", layer) }

// IsPastKeyValueInput returns true if name is a past key/value input.
func IsPastKeyValueInput(name string) bool {
	return strings.HasPrefix(name, "past_key_values.") || strings.HasPrefix(name, "past_")
}

// IsPresentKeyValueOutput returns true if name is a present key/value output.
func IsPresentKeyValueOutput(name string) bool {
	return strings.HasPrefix(name, "present")
}

// KVCache holds the per-layer key/value tensors threaded between decoder
// steps of one generation. Entries are ordered k0, v0, k1, v1, ... and are
// replaced wholesale after every step; the decoder owns append semantics.
type KVCache struct {
	numLayers int
	numHeads  int
	headDim   int
	dataType  backends.DataType
	entries   []backends.NamedTensor
	pastLen   int64
}

// NewKVCache creates a cache in its initial, zero-length state. dataType is
// the element type the decoder declares for its past inputs.
func NewKVCache(cfg *ModelConfig, dataType backends.DataType) (*KVCache, error) {
	c := &KVCache{
		numLayers: cfg.NumLayers,
		numHeads:  cfg.NumKVHeads,
		headDim:   cfg.HeadDim,
		dataType:  dataType,
	}
	if err := c.Reset(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reset replaces every entry with an explicit zero-length tensor of shape
// [1, numKVHeads, 0, headDim].
func (c *KVCache) Reset() error {
	entries := make([]backends.NamedTensor, 0, 2*c.numLayers)
	shape := []int64{1, int64(c.numHeads), 0, int64(c.headDim)}
	for layer := 0; layer < c.numLayers; layer++ {
		for _, name := range []string{PastKeyName(layer), PastValueName(layer)} {
			t, err := backends.ZeroTensor(name, shape, c.dataType)
			if err != nil {
				return err
			}
			entries = append(entries, t)
		}
	}
	c.entries = entries
	c.pastLen = 0
	return nil
}

// Inputs returns the entries as decoder inputs.
func (c *KVCache) Inputs() []backends.NamedTensor {
	return c.entries
}

// PastLength is the sequence length currently held in the cache.
func (c *KVCache) PastLength() int64 {
	return c.pastLen
}

// Update replaces every entry from decoder outputs laid out as
// [logits, k0, v0, k1, v1, ...]. Any deviation from that layout is a
// ShapeError and leaves the cache unchanged.
func (c *KVCache) Update(outputs []backends.NamedTensor) error {
	want := 1 + 2*c.numLayers
	if len(outputs) != want {
		return &ShapeError{
			Operator: "decoder",
			Tensor:   "outputs",
			Want:     fmt.Sprintf("%d outputs (logits + %d key/value pairs)", want, c.numLayers),
			Got:      fmt.Sprint(len(outputs)),
		}
	}

	next := make([]backends.NamedTensor, 2*c.numLayers)
	seqLen := int64(-1)
	for i, out := range outputs[1:] {
		layer, kind := i/2, "key"
		inputName := PastKeyName(layer)
		if i%2 == 1 {
			kind = "value"
			inputName = PastValueName(layer)
		}

		if out.Name != "" && IsPresentKeyValueOutput(out.Name) {
			if expected := fmt.Sprintf("present.%d.%s", layer, kind); out.Name != expected {
				return &ShapeError{Operator: "decoder", Tensor: fmt.Sprintf("output %d", i+1), Want: expected, Got: out.Name}
			}
		}

		shape := out.Shape
		if len(shape) != 4 || shape[0] != 1 || shape[1] != int64(c.numHeads) || shape[3] != int64(c.headDim) {
			return &ShapeError{
				Operator: "decoder",
				Tensor:   out.Name,
				Want:     fmt.Sprintf("[1 %d seq %d]", c.numHeads, c.headDim),
				Got:      shapeString(shape),
			}
		}
		if seqLen == -1 {
			seqLen = shape[2]
		} else if shape[2] != seqLen {
			return &ShapeError{Operator: "decoder", Tensor: out.Name, Want: fmt.Sprintf("sequence length %d", seqLen), Got: shapeString(shape)}
		}
		if int64(out.Len()) != backends.NumElements(shape) {
			return &ShapeError{Operator: "decoder", Tensor: out.Name, Want: fmt.Sprintf("%d elements", backends.NumElements(shape)), Got: fmt.Sprint(out.Len())}
		}

		next[i] = backends.NamedTensor{Name: inputName, Shape: shape, Data: out.Data}
	}

	if seqLen < c.pastLen {
		return &ShapeError{Operator: "decoder", Tensor: "present key/values", Want: fmt.Sprintf("sequence length >= %d", c.pastLen), Got: fmt.Sprint(seqLen)}
	}

	c.entries = next
	c.pastLen = seqLen
	return nil
}
