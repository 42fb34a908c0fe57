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

import (
	"fmt"
	"io"
	"os"
	"sort"
	"unicode/utf8"

	"github.com/bytedance/sonic/decoder"
)

// Vocabulary is an immutable bidirectional mapping between token strings and
// token ids.
type Vocabulary struct {
	tokenToID map[string]int32
	idToToken map[int32]string
	added     map[string]struct{}
	maxRunes  int
}

// tokenizerFile is the subset of a Hugging Face tokenizer.json that the codec
// needs. Everything else in the file is ignored.
type tokenizerFile struct {
	AddedTokens []struct {
		ID      int64  `json:"id"`
		Content string `json:"content"`
	} `json:"added_tokens"`
	Model struct {
		Vocab map[string]int64 `json:"vocab"`
	} `json:"model"`
}

// EmptyVocabulary returns a vocabulary with no entries.
func EmptyVocabulary() *Vocabulary {
	return &Vocabulary{
		tokenToID: map[string]int32{},
		idToToken: map[int32]string{},
		added:     map[string]struct{}{},
	}
}

// NewVocabulary builds a vocabulary from base entries and added (special)
// tokens. Added tokens take precedence over base entries that share an id.
func NewVocabulary(base, added map[string]int32) *Vocabulary {
	v := EmptyVocabulary()

	// Sorted insertion keeps id -> token stable when a malformed file maps
	// several strings to one id.
	for _, tok := range sortedKeys(base) {
		v.insert(tok, base[tok], false)
	}
	for _, tok := range sortedKeys(added) {
		v.insert(tok, added[tok], true)
	}
	return v
}

func (v *Vocabulary) insert(tok string, id int32, override bool) {
	if id < 0 {
		return
	}
	v.tokenToID[tok] = id
	if override {
		v.added[tok] = struct{}{}
	}
	if _, exists := v.idToToken[id]; !exists || override {
		v.idToToken[id] = tok
	}
	if n := utf8.RuneCountInString(tok); n > v.maxRunes {
		v.maxRunes = n
	}
}

// Load parses a tokenizer.json document. On malformed input it returns an
// empty vocabulary together with the parse error; it never returns nil.
func Load(r io.Reader) (*Vocabulary, error) {
	var file tokenizerFile
	if err := decoder.NewStreamDecoder(r).Decode(&file); err != nil {
		return EmptyVocabulary(), fmt.Errorf("parsing tokenizer.json: %w", err)
	}

	base := make(map[string]int32, len(file.Model.Vocab))
	for tok, id := range file.Model.Vocab {
		base[tok] = int32(id)
	}
	added := make(map[string]int32, len(file.AddedTokens))
	for _, at := range file.AddedTokens {
		if at.Content == "" {
			continue
		}
		added[at.Content] = int32(at.ID)
	}
	return NewVocabulary(base, added), nil
}

// LoadFile reads and parses the tokenizer.json at path.
func LoadFile(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return EmptyVocabulary(), fmt.Errorf("opening tokenizer: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// ID returns the id of tok.
func (v *Vocabulary) ID(tok string) (int32, bool) {
	id, ok := v.tokenToID[tok]
	return id, ok
}

// Token returns the string for id.
func (v *Vocabulary) Token(id int32) (string, bool) {
	tok, ok := v.idToToken[id]
	return tok, ok
}

// IsAdded reports whether tok is an added (special) token.
func (v *Vocabulary) IsAdded(tok string) bool {
	_, ok := v.added[tok]
	return ok
}

// Size returns the number of distinct ids.
func (v *Vocabulary) Size() int {
	return len(v.idToToken)
}

// MaxTokenRunes returns the rune length of the longest token string.
func (v *Vocabulary) MaxTokenRunes() int {
	return v.maxRunes
}

func sortedKeys(m map[string]int32) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
