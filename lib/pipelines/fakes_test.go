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
	"sync"

	"github.com/antflydb/glimpse/lib/backends"
	"github.com/antflydb/glimpse/lib/frames"
	"github.com/antflydb/glimpse/lib/tokenizer"
)

// Small model used throughout the tests: 2 layers, 1 kv head, head dim 2,
// hidden size 4, 2x2 frames, 2 tokens per frame, vocabulary of 16.
func testModelConfig() *ModelConfig {
	cfg := DefaultModelConfig()
	cfg.NumLayers = 2
	cfg.NumKVHeads = 1
	cfg.HeadDim = 2
	cfg.HiddenSize = 4
	cfg.VocabSize = 16
	cfg.ImageSize = 2
	cfg.TokensPerImage = 2
	cfg.SpecialTokens = testSpecialTokens()
	return cfg
}

func testSpecialTokens() tokenizer.SpecialTokens {
	return tokenizer.SpecialTokens{
		BeginOfTurn:      1,
		EndOfTurn:        2,
		EndOfUtterance:   3,
		ImageBoundary:    4,
		ImagePlaceholder: 5,
	}
}

// testCodec maps "a".."h" to ids 7..14 and covers the template text so that
// prompts never fall back to raw codepoints.
func testCodec() *tokenizer.Codec {
	vocab := tokenizer.NewVocabulary(map[string]int32{
		"User:":       6,
		"a":           7,
		"b":           8,
		"c":           9,
		"d":           10,
		"Ċ":           11,
		"ĠAssistant:": 12,
		"Ġ":           13,
		"e":           14,
		"<0x21>":      15,
	}, map[string]int32{
		"<|im_start|>":              1,
		"<|im_end|>":                2,
		"<end_of_utterance>":        3,
		"<fake_token_around_image>": 4,
		"<image>":                   5,
	})
	return tokenizer.NewCodec(vocab, tokenizer.ResolveSpecialTokens(vocab, testSpecialTokens()), 2)
}

func solidFrames(n, size int, value uint8) []frames.Frame {
	out := make([]frames.Frame, n)
	for i := range out {
		f := frames.NewFrame(size, size)
		for j := range f.Pix {
			f.Pix[j] = value
		}
		out[i] = f
	}
	return out
}

type fakeSession struct {
	mu      sync.Mutex
	inputs  []backends.TensorInfo
	outputs []backends.TensorInfo
	run     func(call int, inputs map[string]backends.NamedTensor) ([]backends.NamedTensor, error)
	calls   []map[string]backends.NamedTensor
	closed  bool
}

func (s *fakeSession) Run(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
	s.mu.Lock()
	byName := make(map[string]backends.NamedTensor, len(inputs))
	for _, in := range inputs {
		byName[in.Name] = in
	}
	call := len(s.calls)
	s.calls = append(s.calls, byName)
	s.mu.Unlock()
	return s.run(call, byName)
}

func (s *fakeSession) InputInfo() []backends.TensorInfo  { return s.inputs }
func (s *fakeSession) OutputInfo() []backends.TensorInfo { return s.outputs }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeSession) call(i int) map[string]backends.NamedTensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

// newFakeVision returns [numFrames, tokensPerImage, hidden] features whose
// row r is filled with 100+r.
func newFakeVision(cfg *ModelConfig) *fakeSession {
	return &fakeSession{
		inputs: []backends.TensorInfo{
			{Name: InputPixelValues, Shape: []int64{-1, -1, 3, -1, -1}, DataType: backends.DataTypeFloat32},
			{Name: InputPixelAttentionMask, Shape: []int64{-1, -1, -1, -1}, DataType: backends.DataTypeBool},
		},
		outputs: []backends.TensorInfo{{Name: "image_features", DataType: backends.DataTypeFloat32}},
		run: func(_ int, in map[string]backends.NamedTensor) ([]backends.NamedTensor, error) {
			n := int(in[InputPixelValues].Shape[1])
			rows := n * cfg.TokensPerImage
			data := make([]float32, rows*cfg.HiddenSize)
			for r := 0; r < rows; r++ {
				for h := 0; h < cfg.HiddenSize; h++ {
					data[r*cfg.HiddenSize+h] = float32(100 + r)
				}
			}
			return []backends.NamedTensor{{
				Name:  "image_features",
				Shape: []int64{int64(n), int64(cfg.TokensPerImage), int64(cfg.HiddenSize)},
				Data:  data,
			}}, nil
		},
	}
}

// newFakeEmbed embeds token t as a row filled with float32(t).
func newFakeEmbed(cfg *ModelConfig) *fakeSession {
	return &fakeSession{
		inputs:  []backends.TensorInfo{{Name: InputIDs, Shape: []int64{-1, -1}, DataType: backends.DataTypeInt64}},
		outputs: []backends.TensorInfo{{Name: "inputs_embeds", DataType: backends.DataTypeFloat32}},
		run: func(_ int, in map[string]backends.NamedTensor) ([]backends.NamedTensor, error) {
			ids := in[InputIDs].Data.([]int64)
			data := make([]float32, len(ids)*cfg.HiddenSize)
			for i, id := range ids {
				for h := 0; h < cfg.HiddenSize; h++ {
					data[i*cfg.HiddenSize+h] = float32(id)
				}
			}
			return []backends.NamedTensor{{
				Name:  "inputs_embeds",
				Shape: []int64{1, int64(len(ids)), int64(cfg.HiddenSize)},
				Data:  data,
			}}, nil
		},
	}
}

func decoderInputInfo(cfg *ModelConfig) []backends.TensorInfo {
	info := []backends.TensorInfo{
		{Name: InputInputsEmbeds, Shape: []int64{-1, -1, int64(cfg.HiddenSize)}, DataType: backends.DataTypeFloat32},
		{Name: InputAttentionMask, Shape: []int64{-1, -1}, DataType: backends.DataTypeInt64},
		{Name: InputPositionIDs, Shape: []int64{-1, -1}, DataType: backends.DataTypeInt64},
	}
	for l := 0; l < cfg.NumLayers; l++ {
		info = append(info,
			backends.TensorInfo{Name: PastKeyName(l), Shape: []int64{-1, int64(cfg.NumKVHeads), -1, int64(cfg.HeadDim)}, DataType: backends.DataTypeFloat32},
			backends.TensorInfo{Name: PastValueName(l), Shape: []int64{-1, int64(cfg.NumKVHeads), -1, int64(cfg.HeadDim)}, DataType: backends.DataTypeFloat32},
		)
	}
	return info
}

// decoderOutputs builds [logits, present...] for a step that picks next.
func decoderOutputs(cfg *ModelConfig, seqLen, pastLen int64, next int32) []backends.NamedTensor {
	logits := make([]float32, seqLen*int64(cfg.VocabSize))
	logits[(seqLen-1)*int64(cfg.VocabSize)+int64(next)] = 10
	out := []backends.NamedTensor{{
		Name:  "logits",
		Shape: []int64{1, seqLen, int64(cfg.VocabSize)},
		Data:  logits,
	}}
	total := pastLen + seqLen
	for l := 0; l < cfg.NumLayers; l++ {
		for _, kind := range []string{"key", "value"} {
			shape := []int64{1, int64(cfg.NumKVHeads), total, int64(cfg.HeadDim)}
			out = append(out, backends.NamedTensor{
				Name:  fmt.Sprintf("present.%d.%s", l, kind),
				Shape: shape,
				Data:  make([]float32, backends.NumElements(shape)),
			})
		}
	}
	return out
}

// newScriptedDecoder emits script[call] on each call, repeating the last
// entry once the script runs out.
func newScriptedDecoder(cfg *ModelConfig, script ...int32) *fakeSession {
	return &fakeSession{
		inputs: decoderInputInfo(cfg),
		run: func(call int, in map[string]backends.NamedTensor) ([]backends.NamedTensor, error) {
			next := script[min(call, len(script)-1)]
			seqLen := in[InputInputsEmbeds].Shape[1]
			pastLen := in[PastKeyName(0)].Shape[2]
			return decoderOutputs(cfg, seqLen, pastLen, next), nil
		},
	}
}

type fakeFactory struct {
	sessions map[string]backends.Session
	failOn   string
	created  []string
}

func (f *fakeFactory) CreateSession(path string, _ ...backends.SessionOption) (backends.Session, error) {
	for suffix, s := range f.sessions {
		if len(path) >= len(suffix) && path[len(path)-len(suffix):] == suffix {
			if suffix == f.failOn {
				return nil, fmt.Errorf("corrupt graph %s", path)
			}
			f.created = append(f.created, suffix)
			return s, nil
		}
	}
	return nil, fmt.Errorf("unexpected model path %s", path)
}

func (f *fakeFactory) Backend() backends.BackendType { return "fake" }
