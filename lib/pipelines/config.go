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
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"

	"github.com/antflydb/glimpse/lib/tokenizer"
)

// Asset file names, in lookup order.
var (
	VisionEncoderFiles = []string{"vision_encoder.onnx", "vision_encoder_fp16.onnx", "vision_encoder_quantized.onnx"}
	EmbedTokensFiles   = []string{"embed_tokens.onnx", "embed_tokens_fp16.onnx", "embed_tokens_quantized.onnx"}
	DecoderFiles       = []string{"decoder_model_merged.onnx", "decoder_model_merged_fp16.onnx", "decoder_model_merged_quantized.onnx"}
	TokenizerFiles     = []string{"tokenizer.json"}
)

// ModelConfig holds the shape constants and asset paths of a video-to-text
// model. Values come from config.json and preprocessor_config.json, with
// SmolVLM2-256M defaults for anything missing.
type ModelConfig struct {
	// Path to the model directory
	ModelPath string

	VisionEncoderPath string
	EmbedTokensPath   string
	DecoderPath       string
	TokenizerPath     string

	// Decoder architecture, used to size the key/value cache
	NumLayers  int
	NumKVHeads int
	HeadDim    int
	HiddenSize int
	VocabSize  int

	// Vision preprocessing
	ImageSize      int
	TokensPerImage int
	RescaleFactor  float32
	ImageMean      [3]float32
	ImageStd       [3]float32

	// FirstPositionID is the position id of the first prompt token.
	FirstPositionID int64

	// SpecialTokens are the fallback ids used when the vocabulary does not
	// contain the control token strings.
	SpecialTokens tokenizer.SpecialTokens
}

// DefaultModelConfig returns the configuration of SmolVLM2-256M-Video-Instruct.
func DefaultModelConfig() *ModelConfig {
	return &ModelConfig{
		NumLayers:       30,
		NumKVHeads:      3,
		HeadDim:         64,
		HiddenSize:      576,
		VocabSize:       49280,
		ImageSize:       512,
		TokensPerImage:  64,
		RescaleFactor:   1.0 / 255.0,
		ImageMean:       [3]float32{0.5, 0.5, 0.5},
		ImageStd:        [3]float32{0.5, 0.5, 0.5},
		FirstPositionID: 1,
		SpecialTokens:   tokenizer.DefaultSpecialTokens(),
	}
}

type rawTextConfig struct {
	NumHiddenLayers   int `json:"num_hidden_layers"`
	NumKeyValueHeads  int `json:"num_key_value_heads"`
	NumAttentionHeads int `json:"num_attention_heads"`
	HeadDim           int `json:"head_dim"`
	HiddenSize        int `json:"hidden_size"`
	VocabSize         int `json:"vocab_size"`
}

type rawVisionConfig struct {
	ImageSize int `json:"image_size"`
	PatchSize int `json:"patch_size"`
}

type rawModelConfig struct {
	ImageTokenID int              `json:"image_token_id"`
	ScaleFactor  int              `json:"scale_factor"`
	VocabSize    int              `json:"vocab_size"`
	TextConfig   *rawTextConfig   `json:"text_config"`
	VisionConfig *rawVisionConfig `json:"vision_config"`
}

type rawPreprocessorConfig struct {
	ImageSeqLen   int       `json:"image_seq_len"`
	RescaleFactor float32   `json:"rescale_factor"`
	ImageMean     []float32 `json:"image_mean"`
	ImageStd      []float32 `json:"image_std"`
}

// LoadModelConfig locates the model assets under modelPath and parses its
// configuration. Missing configuration files fall back to defaults; missing
// operator graphs or tokenizer are reported as a LoadError.
func LoadModelConfig(modelPath string) (*ModelConfig, error) {
	cfg := DefaultModelConfig()
	cfg.ModelPath = modelPath

	assets := []struct {
		name       string
		candidates []string
		dst        *string
	}{
		{"vision encoder", VisionEncoderFiles, &cfg.VisionEncoderPath},
		{"token embedder", EmbedTokensFiles, &cfg.EmbedTokensPath},
		{"decoder", DecoderFiles, &cfg.DecoderPath},
		{"tokenizer", TokenizerFiles, &cfg.TokenizerPath},
	}
	for _, a := range assets {
		*a.dst = FindModelFile(modelPath, a.candidates)
		if *a.dst == "" {
			return nil, &LoadError{
				Asset: a.name,
				Err:   fmt.Errorf("none of %v found in %s", a.candidates, modelPath),
			}
		}
	}

	var raw rawModelConfig
	if err := readJSON(filepath.Join(modelPath, "config.json"), &raw); err != nil {
		return nil, &LoadError{Asset: "config.json", Err: err}
	}
	var preproc rawPreprocessorConfig
	if err := readJSON(filepath.Join(modelPath, "preprocessor_config.json"), &preproc); err != nil {
		return nil, &LoadError{Asset: "preprocessor_config.json", Err: err}
	}

	applyRawConfig(cfg, &raw, &preproc)
	if err := cfg.Validate(); err != nil {
		return nil, &LoadError{Asset: "config.json", Err: err}
	}
	return cfg, nil
}

// readJSON decodes path into v. A missing file leaves v untouched.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return sonic.Unmarshal(data, v)
}

func applyRawConfig(cfg *ModelConfig, raw *rawModelConfig, preproc *rawPreprocessorConfig) {
	if text := raw.TextConfig; text != nil {
		cfg.NumLayers = FirstNonZero(text.NumHiddenLayers, cfg.NumLayers)
		cfg.NumKVHeads = FirstNonZero(text.NumKeyValueHeads, text.NumAttentionHeads, cfg.NumKVHeads)
		cfg.HiddenSize = FirstNonZero(text.HiddenSize, cfg.HiddenSize)
		derivedHeadDim := 0
		if text.NumAttentionHeads > 0 && text.HiddenSize > 0 {
			derivedHeadDim = text.HiddenSize / text.NumAttentionHeads
		}
		cfg.HeadDim = FirstNonZero(text.HeadDim, derivedHeadDim, cfg.HeadDim)
		cfg.VocabSize = FirstNonZero(text.VocabSize, raw.VocabSize, cfg.VocabSize)
	}

	patchSize := 0
	if vision := raw.VisionConfig; vision != nil {
		cfg.ImageSize = FirstNonZero(vision.ImageSize, cfg.ImageSize)
		patchSize = vision.PatchSize
	}

	// Pixel shuffle folds scale_factor^2 patches into one token.
	derivedTokens := 0
	if patchSize > 0 && raw.ScaleFactor > 0 {
		side := cfg.ImageSize / patchSize
		derivedTokens = side * side / (raw.ScaleFactor * raw.ScaleFactor)
	}
	cfg.TokensPerImage = FirstNonZero(preproc.ImageSeqLen, derivedTokens, cfg.TokensPerImage)

	cfg.RescaleFactor = FirstNonZero(preproc.RescaleFactor, cfg.RescaleFactor)
	if len(preproc.ImageMean) == 3 {
		copy(cfg.ImageMean[:], preproc.ImageMean)
	}
	if len(preproc.ImageStd) == 3 {
		copy(cfg.ImageStd[:], preproc.ImageStd)
	}

	if raw.ImageTokenID > 0 {
		cfg.SpecialTokens.ImagePlaceholder = int32(raw.ImageTokenID)
	}
}

// Validate checks that the configuration describes usable tensor shapes.
func (c *ModelConfig) Validate() error {
	checks := []struct {
		name  string
		value int
	}{
		{"num_layers", c.NumLayers},
		{"num_kv_heads", c.NumKVHeads},
		{"head_dim", c.HeadDim},
		{"hidden_size", c.HiddenSize},
		{"image_size", c.ImageSize},
		{"tokens_per_image", c.TokensPerImage},
	}
	for _, check := range checks {
		if check.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", check.name, check.value)
		}
	}
	for i, std := range c.ImageStd {
		if std == 0 {
			return fmt.Errorf("image_std[%d] must be non-zero", i)
		}
	}
	return nil
}
