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

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/antflydb/glimpse"
	"github.com/antflydb/glimpse/lib/modelregistry"
)

var pullCmd = &cobra.Command{
	Use:   "pull [model...]",
	Short: "Pull model(s) from HuggingFace",
	Long: `Download the vision encoder, token embedder and decoder ONNX graphs of a
SmolVLM2-style model, together with its tokenizer and configuration.

Models are stored under <models-dir>/<owner>/<name>/.

Variants (append to the model name after a colon, or use --variant):
  (none)     full precision
  fp16       half precision
  quantized  INT8 quantized

Examples:
  # Pull the default model
  glimpse pull

  # Pull the FP16 operators
  glimpse pull HuggingFaceTB/SmolVLM2-256M-Video-Instruct:fp16

  # Pull to a custom directory
  glimpse pull --models-dir /opt/glimpse/models HuggingFaceTB/SmolVLM2-500M-Video-Instruct`,
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)

	// Pull command flags
	pullCmd.Flags().String("hf-token", "",
		"HuggingFace API token for gated models (or use HF_TOKEN env var)")
	pullCmd.Flags().String("variant", "",
		"ONNX variant (fp16, quantized); overrides a :variant suffix")
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hfToken, _ := cmd.Flags().GetString("hf-token")
	variant, _ := cmd.Flags().GetString("variant")
	if hfToken == "" {
		hfToken = os.Getenv("HF_TOKEN")
	}
	if variant != "" && !modelregistry.IsValidVariant(variant) {
		return fmt.Errorf("invalid variant %q, valid options: fp16, quantized", variant)
	}

	logger, err := loggerFromViper()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if len(args) == 0 {
		args = []string{glimpse.DefaultModel}
	}

	client := modelregistry.NewHuggingFaceClient(
		modelregistry.WithHFToken(hfToken),
		modelregistry.WithHFProgressHandler(printProgress),
		modelregistry.WithHFLogger(logger.Named("pull")),
	)
	modelsDir := viper.GetString("models_dir")

	for _, arg := range args {
		ref, err := modelregistry.ParseModelRef(arg)
		if err != nil {
			return err
		}
		if variant != "" {
			ref.Variant = variant
		}

		fmt.Printf("\n=== Pulling %s ===\n", ref)
		dir, err := client.Pull(ctx, ref, modelsDir)
		if err != nil {
			return fmt.Errorf("failed to pull %s: %w", ref, err)
		}
		fmt.Printf("\n✓ Model pulled successfully to %s\n", dir)
	}
	return nil
}

func printProgress(done, total int64, fileName string) {
	if total <= 0 {
		fmt.Printf("  %s: copying...", fileName)
		return
	}
	fmt.Printf("\r  %s: %s\n", fileName, humanize.Bytes(uint64(done)))
}
