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

package modelregistry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/go-huggingface/hub"
	"go.uber.org/zap"
)

// ProgressHandler is called as each model file is stored. total is zero
// before the copy starts.
type ProgressHandler func(done, total int64, fileName string)

// operatorBases are the three ONNX graphs of a video-to-text model.
var operatorBases = []string{"vision_encoder", "embed_tokens", "decoder_model_merged"}

// supportFiles are downloaded from anywhere in the repo when present.
var supportFiles = []string{
	"tokenizer.json",
	"tokenizer_config.json",
	"special_tokens_map.json",
	"config.json",
	"preprocessor_config.json",
	"processor_config.json",
	"generation_config.json",
	"chat_template.json",
}

// HuggingFaceClient pulls ONNX models from HuggingFace Hub
type HuggingFaceClient struct {
	token           string
	progressHandler ProgressHandler
	logger          *zap.Logger
}

// HFClientOption configures the HuggingFace client
type HFClientOption func(*HuggingFaceClient)

// NewHuggingFaceClient creates a new HuggingFace client
func NewHuggingFaceClient(opts ...HFClientOption) *HuggingFaceClient {
	c := &HuggingFaceClient{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHFToken sets the HuggingFace API token for gated models
func WithHFToken(token string) HFClientOption {
	return func(c *HuggingFaceClient) { c.token = token }
}

// WithHFProgressHandler sets the progress handler for downloads
func WithHFProgressHandler(h ProgressHandler) HFClientOption {
	return func(c *HuggingFaceClient) { c.progressHandler = h }
}

// WithHFLogger sets the logger.
func WithHFLogger(logger *zap.Logger) HFClientOption {
	return func(c *HuggingFaceClient) { c.logger = logger }
}

// Pull downloads the operator graphs, tokenizer and configuration of ref
// into destDir/owner/name and returns that directory. When ref has no
// variant, the first variant with all three graphs present is used.
func (c *HuggingFaceClient) Pull(ctx context.Context, ref ModelRef, destDir string) (string, error) {
	files, err := c.ListRepoFiles(ctx, ref.FullName())
	if err != nil {
		return "", err
	}

	variant := ref.Variant
	if variant == "" {
		available := availableVariants(files)
		if len(available) == 0 {
			return "", fmt.Errorf("no complete set of %v graphs found in %s", operatorBases, ref.FullName())
		}
		variant = available[0]
		c.logger.Info("Selected variant",
			zap.String("variant", variant),
			zap.String("description", VariantDescription(variant)))
	}

	toDownload, err := selectModelFiles(files, variant)
	if err != nil {
		return "", fmt.Errorf("%s: %w", ref.FullName(), err)
	}

	modelDir := filepath.Join(destDir, ref.DirPath())
	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}

	repo := hub.New(ref.FullName())
	if c.token != "" {
		repo = repo.WithAuth(c.token)
	}
	for _, fileName := range toDownload {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		localPath, err := repo.DownloadFile(fileName)
		if err != nil {
			return "", fmt.Errorf("downloading %s: %w", fileName, err)
		}

		// Flatten path (e.g., "onnx/decoder_model_merged.onnx" -> "decoder_model_merged.onnx")
		destName := filepath.Base(fileName)
		destPath := filepath.Join(modelDir, destName)

		if c.progressHandler != nil {
			c.progressHandler(0, 0, destName)
		}
		if err := copyFile(localPath, destPath); err != nil {
			return "", fmt.Errorf("copying %s: %w", fileName, err)
		}
		if c.progressHandler != nil {
			if info, err := os.Stat(destPath); err == nil {
				c.progressHandler(info.Size(), info.Size(), destName)
			}
		}
		c.logger.Debug("Stored model file", zap.String("file", destPath))
	}
	return modelDir, nil
}

// ListRepoFiles returns all files in a HuggingFace repo
func (c *HuggingFaceClient) ListRepoFiles(ctx context.Context, repoID string) ([]string, error) {
	repo := hub.New(repoID)
	if c.token != "" {
		repo = repo.WithAuth(c.token)
	}

	var files []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, fmt.Errorf("listing files: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		files = append(files, fileName)
	}
	return files, nil
}

// DetectAvailableVariants returns the variants of repoID that have all
// three operator graphs.
func (c *HuggingFaceClient) DetectAvailableVariants(ctx context.Context, repoID string) ([]string, error) {
	files, err := c.ListRepoFiles(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return availableVariants(files), nil
}

func variantFileName(base, variant string) string {
	if variant == "" {
		return base + ".onnx"
	}
	return base + "_" + variant + ".onnx"
}

// availableVariants lists complete variants in ValidVariants order.
func availableVariants(files []string) []string {
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[filepath.Base(f)] = true
	}

	var variants []string
	for _, variant := range ValidVariants() {
		complete := true
		for _, base := range operatorBases {
			if !present[variantFileName(base, variant)] {
				complete = false
				break
			}
		}
		if complete {
			variants = append(variants, variant)
		}
	}
	return variants
}

// selectModelFiles returns the files to download for variant: the three
// operator graphs with any external data files, plus the tokenizer and
// configuration files.
func selectModelFiles(files []string, variant string) ([]string, error) {
	var result []string

	for _, base := range operatorBases {
		name := variantFileName(base, variant)
		found := false
		for _, f := range files {
			switch filepath.Base(f) {
			case name:
				found = true
				result = append(result, f)
			case name + "_data", name + ".data":
				result = append(result, f)
			}
		}
		if !found {
			return nil, fmt.Errorf("variant %q is missing %s", variant, name)
		}
	}

	hasTokenizer := false
	for _, sf := range supportFiles {
		for _, f := range files {
			if filepath.Base(f) == sf {
				result = append(result, f)
				hasTokenizer = hasTokenizer || sf == "tokenizer.json"
				break
			}
		}
	}
	if !hasTokenizer {
		return nil, fmt.Errorf("tokenizer.json not found")
	}
	return result, nil
}

// copyFile copies a file from src to dst
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = srcFile.Close() }()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return fmt.Errorf("copying: %w", err)
	}

	return dstFile.Close()
}

// ValidVariants returns the list of valid ONNX variant names, in order of
// preference.
func ValidVariants() []string {
	return []string{"", "fp16", "quantized"}
}

// IsValidVariant checks if a variant name is valid
func IsValidVariant(variant string) bool {
	return slices.Contains(ValidVariants(), variant)
}

// VariantDescription returns a human-readable description of a variant
func VariantDescription(variant string) string {
	switch variant {
	case "":
		return "full precision (default)"
	case "fp16":
		return "half precision (FP16)"
	case "quantized":
		return "INT8 quantized"
	default:
		return "unknown"
	}
}
