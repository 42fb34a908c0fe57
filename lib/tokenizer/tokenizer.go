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

// Package tokenizer maps between text and the token ids of a byte-level BPE
// vocabulary. Encoding is a greedy longest-match approximation of the model's
// real merge rules: it is deterministic and good enough for short prompts, but
// it does not reproduce the reference tokenization exactly.
package tokenizer

import (
	"bytes"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// SpaceMarker is the glyph byte-level BPE vocabularies use for a space.
	SpaceMarker = "Ġ"
	// NewlineMarker is the glyph byte-level BPE vocabularies use for a newline.
	NewlineMarker = "Ċ"

	// DefaultMaxMatchRunes bounds the greedy longest-match window.
	DefaultMaxMatchRunes = 20
)

// Tokenizer provides token counting.
type Tokenizer interface {
	// CountTokens returns the number of tokens in the text.
	CountTokens(text string) int
}

// Codec encodes text and prompts into token ids and decodes generated ids
// back into text. A Codec is immutable and safe for concurrent use.
type Codec struct {
	vocab          *Vocabulary
	special        SpecialTokens
	tokensPerImage int
	maxMatchRunes  int
}

// NewCodec creates a codec over vocab. tokensPerImage is the number of image
// placeholder tokens emitted per frame by EncodePrompt.
func NewCodec(vocab *Vocabulary, special SpecialTokens, tokensPerImage int) *Codec {
	if vocab == nil {
		vocab = EmptyVocabulary()
	}
	return &Codec{
		vocab:          vocab,
		special:        special,
		tokensPerImage: tokensPerImage,
		maxMatchRunes:  DefaultMaxMatchRunes,
	}
}

// Vocabulary returns the codec's vocabulary.
func (c *Codec) Vocabulary() *Vocabulary {
	return c.vocab
}

// SpecialTokens returns the resolved special token ids.
func (c *Codec) SpecialTokens() SpecialTokens {
	return c.special
}

// EncodeText converts text to ids by greedy longest match against the
// vocabulary. Spaces and newlines are first mapped to their marker glyphs.
// A rune that starts no vocabulary entry is emitted as its raw codepoint
// value, which is lossy: that id may belong to an unrelated token.
func (c *Codec) EncodeText(text string) []int32 {
	return c.encode(text, true)
}

// EncodeUserText is EncodeText without matching added tokens, so text such
// as "<image>" or "<|im_end|>" is spelled out instead of becoming a control id.
func (c *Codec) EncodeUserText(text string) []int32 {
	return c.encode(text, false)
}

func (c *Codec) encode(text string, allowAdded bool) []int32 {
	if text == "" {
		return nil
	}
	text = strings.ReplaceAll(text, " ", SpaceMarker)
	text = strings.ReplaceAll(text, "\n", NewlineMarker)
	runes := []rune(text)

	window := c.maxMatchRunes
	if m := c.vocab.MaxTokenRunes(); m < window {
		window = m
	}

	ids := make([]int32, 0, len(runes))
	for i := 0; i < len(runes); {
		matched := false
		for l := min(window, len(runes)-i); l >= 1; l-- {
			tok := string(runes[i : i+l])
			if !allowAdded && c.vocab.IsAdded(tok) {
				continue
			}
			if id, ok := c.vocab.ID(tok); ok {
				ids = append(ids, id)
				i += l
				matched = true
				break
			}
		}
		if !matched {
			ids = append(ids, int32(runes[i]))
			i++
		}
	}
	return ids
}

// Decode converts ids back into text. Unknown ids contribute nothing, byte
// tokens of the form <0xHH> contribute one raw byte, and marker glyphs are
// mapped back to whitespace. The result is trimmed. Decode never fails.
func (c *Codec) Decode(ids []int32) string {
	var buf bytes.Buffer
	for _, id := range ids {
		tok, ok := c.vocab.Token(id)
		if !ok {
			continue
		}
		if isByteToken(tok) {
			if b, err := strconv.ParseUint(tok[3:5], 16, 8); err == nil {
				buf.WriteByte(byte(b))
			}
			continue
		}
		tok = strings.ReplaceAll(tok, SpaceMarker, " ")
		tok = strings.ReplaceAll(tok, NewlineMarker, "\n")
		buf.WriteString(tok)
	}
	out := buf.String()
	if !utf8.ValidString(out) {
		out = strings.ToValidUTF8(out, "�")
	}
	return strings.TrimSpace(out)
}

// isByteToken reports whether tok has the <0xHH> shape. The hex digits
// themselves are validated when parsed.
func isByteToken(tok string) bool {
	return len(tok) == 6 && strings.HasPrefix(tok, "<0x") && tok[5] == '>'
}

// CountTokens implements Tokenizer.
func (c *Codec) CountTokens(text string) int {
	return len(c.EncodeText(text))
}
