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
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antflydb/glimpse/lib/backends"
	"github.com/antflydb/glimpse/lib/describing"
	"github.com/antflydb/glimpse/lib/frames"
)

var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Describe a directory of video frames",
	Long: `Run the model locally on frames sampled from a directory of still
images and print the description. Extract frames from a clip first, e.g.:

  ffmpeg -i clip.mp4 -vf fps=2 frames/%05d.png
  glimpse describe --frames frames --prompt "What is happening in this video?"`,
	Args: cobra.NoArgs,
	RunE: runDescribe,
}

func init() {
	rootCmd.AddCommand(describeCmd)

	describeCmd.Flags().String("frames", "", "directory of frame images (required)")
	describeCmd.Flags().String("prompt", defaultPrompt, "question or instruction about the clip")
	describeCmd.Flags().Int("num-frames", frames.DefaultCount, "frames sampled uniformly from the directory")
	describeCmd.Flags().Bool("stream", true, "print the description as it is generated")
	_ = describeCmd.MarkFlagRequired("frames")
}

const defaultPrompt = "Describe this video in detail."

func runDescribe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dir, _ := cmd.Flags().GetString("frames")
	numFrames, _ := cmd.Flags().GetInt("num-frames")
	stream, _ := cmd.Flags().GetBool("stream")
	prompt, _ := cmd.Flags().GetString("prompt")

	logger, err := loggerFromViper()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	cfg := configFromViper()
	gpuMode, err := cfg.GPUMode()
	if err != nil {
		return err
	}
	factory, err := backends.GetSessionFactory(backends.BackendType(cfg.Backend))
	if err != nil {
		logger.Warn("No inference backend available", zap.Error(err))
	}

	engine := describing.NewEngine(describing.Config{
		ModelPath:    cfg.ModelPath(),
		MaxNewTokens: cfg.MaxNewTokens,
		NumThreads:   cfg.NumThreads,
		GPUMode:      gpuMode,
	}, factory, logger.Named("engine"))
	defer func() { _ = engine.Close() }()

	size := frames.DefaultSize
	if mc := engine.ModelConfig(); mc != nil {
		size = mc.ImageSize
	}
	source := &frames.DirSource{Dir: dir, Count: numFrames, Size: size, Logger: logger.Named("frames")}
	frameList, err := source.Frames(ctx)
	if err != nil {
		return err
	}

	var (
		printer    streamPrinter
		onProgress func(string)
	)
	if stream && engine.Loaded() {
		onProgress = printer.update
	}

	text := engine.Analyze(ctx, frameList, prompt, onProgress)
	printer.finish(text)
	return nil
}

// streamPrinter prints the growing description incrementally. Partial text
// that no longer extends what was printed is left for finish.
type streamPrinter struct {
	printed string
}

func (p *streamPrinter) update(partial string) {
	if !strings.HasPrefix(partial, p.printed) {
		return
	}
	fmt.Print(partial[len(p.printed):])
	p.printed = partial
}

func (p *streamPrinter) finish(text string) {
	if p.printed != "" && strings.HasPrefix(text, p.printed) {
		fmt.Println(text[len(p.printed):])
		return
	}
	if p.printed != "" {
		fmt.Println()
	}
	fmt.Println(text)
}
