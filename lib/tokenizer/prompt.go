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

package tokenizer

// Special token strings of the SmolVLM chat template.
const (
	BeginOfTurnToken      = "<|im_start|>"
	EndOfTurnToken        = "<|im_end|>"
	EndOfUtteranceToken   = "<end_of_utterance>"
	ImageBoundaryToken    = "<fake_token_around_image>"
	ImagePlaceholderToken = "<image>"
)

// SpecialTokens holds the ids of the control tokens used by the prompt
// template and by stop detection.
type SpecialTokens struct {
	BeginOfTurn      int32 `json:"begin_of_turn"`
	EndOfTurn        int32 `json:"end_of_turn"`
	EndOfUtterance   int32 `json:"end_of_utterance"`
	ImageBoundary    int32 `json:"image_boundary"`
	ImagePlaceholder int32 `json:"image_placeholder"`
}

// DefaultSpecialTokens returns the ids used by SmolVLM2 checkpoints.
func DefaultSpecialTokens() SpecialTokens {
	return SpecialTokens{
		BeginOfTurn:      1,
		EndOfTurn:        2,
		EndOfUtterance:   49279,
		ImageBoundary:    49189,
		ImagePlaceholder: 49190,
	}
}

// ResolveSpecialTokens looks each control token up by content in vocab and
// falls back to the matching field of defaults when it is absent.
func ResolveSpecialTokens(vocab *Vocabulary, defaults SpecialTokens) SpecialTokens {
	resolve := func(content string, fallback int32) int32 {
		if id, ok := vocab.ID(content); ok {
			return id
		}
		return fallback
	}
	return SpecialTokens{
		BeginOfTurn:      resolve(BeginOfTurnToken, defaults.BeginOfTurn),
		EndOfTurn:        resolve(EndOfTurnToken, defaults.EndOfTurn),
		EndOfUtterance:   resolve(EndOfUtteranceToken, defaults.EndOfUtterance),
		ImageBoundary:    resolve(ImageBoundaryToken, defaults.ImageBoundary),
		ImagePlaceholder: resolve(ImagePlaceholderToken, defaults.ImagePlaceholder),
	}
}

// StopIDs returns the ids that end generation.
func (s SpecialTokens) StopIDs() []int32 {
	return []int32{s.EndOfUtterance, s.EndOfTurn}
}

// IsStop reports whether id ends generation.
func (s SpecialTokens) IsStop(id int32) bool {
	return id == s.EndOfUtterance || id == s.EndOfTurn
}

// EncodePrompt builds the single-turn chat prompt for numImages frames:
//
//	<|im_start|>User:<boundary><image>...<image><boundary>{text}<end_of_utterance>\n Assistant:
//
// with numImages*tokensPerImage contiguous placeholders between the boundaries.
// Control tokens spelled out in text are not recognized, so the placeholder
// count depends only on numImages.
func (c *Codec) EncodePrompt(text string, numImages int) []int32 {
	placeholders := max(numImages, 0) * c.tokensPerImage

	ids := make([]int32, 0, placeholders+len(text)+16)
	ids = append(ids, c.special.BeginOfTurn)
	ids = append(ids, c.EncodeText("User:")...)
	ids = append(ids, c.special.ImageBoundary)
	for range placeholders {
		ids = append(ids, c.special.ImagePlaceholder)
	}
	ids = append(ids, c.special.ImageBoundary)
	ids = append(ids, c.EncodeUserText(text)...)
	ids = append(ids, c.special.EndOfUtterance)
	ids = append(ids, c.EncodeText("\n")...)
	ids = append(ids, c.EncodeText(" Assistant:")...)
	return ids
}

// PlaceholderCount returns the number of image placeholder ids in ids.
func (c *Codec) PlaceholderCount(ids []int32) int {
	n := 0
	for _, id := range ids {
		if id == c.special.ImagePlaceholder {
			n++
		}
	}
	return n
}
