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
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/antflydb/glimpse/lib/backends"
	"github.com/antflydb/glimpse/lib/modelregistry"
	"github.com/antflydb/glimpse/lib/pipelines"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [model]",
	Short: "Show a model's configuration and operator tensors",
	Long: `Load a local model and print its configuration together with the
inputs and outputs each operator graph declares. Useful when a model fails
to load or a describe request reports a shape error.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().String("backend", "", "inference backend (empty picks the best available)")
}

func runInspect(cmd *cobra.Command, args []string) error {
	name := viper.GetString("model")
	if len(args) == 1 {
		name = args[0]
	}
	ref, err := modelregistry.ParseModelRef(name)
	if err != nil {
		return err
	}
	backend, _ := cmd.Flags().GetString("backend")

	logger, err := loggerFromViper()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	local, err := modelregistry.InspectLocalModel(viper.GetString("models_dir"), ref)
	if err != nil {
		return err
	}
	if !local.Complete() {
		return local.Err
	}
	cfg, err := pipelines.LoadModelConfig(local.Path)
	if err != nil {
		return err
	}

	fmt.Printf("Model:            %s\n", ref.FullName())
	fmt.Printf("Path:             %s\n", cfg.ModelPath)
	fmt.Printf("Layers:           %d (kv heads %d, head dim %d)\n", cfg.NumLayers, cfg.NumKVHeads, cfg.HeadDim)
	fmt.Printf("Hidden size:      %d\n", cfg.HiddenSize)
	fmt.Printf("Vocabulary:       %d\n", cfg.VocabSize)
	fmt.Printf("Image size:       %d\n", cfg.ImageSize)
	fmt.Printf("Tokens per image: %d\n\n", cfg.TokensPerImage)

	factory, err := backends.GetSessionFactory(backends.BackendType(backend))
	if err != nil {
		return err
	}
	model, err := pipelines.LoadVideoTextModel(cfg, factory, logger.Named("model"))
	if err != nil {
		return err
	}
	defer func() { _ = model.Close() }()

	release, err := model.Borrow()
	if err != nil {
		return err
	}
	defer release()
	vision, embed, decoder := model.Sessions()

	var data [][]string
	for _, op := range []struct {
		name    string
		session backends.Session
	}{
		{"vision_encoder", vision},
		{"embed_tokens", embed},
		{"decoder", decoder},
	} {
		for _, info := range op.session.InputInfo() {
			data = append(data, []string{op.name, "in", info.Name, string(info.DataType), fmt.Sprint(info.Shape)})
		}
		for _, info := range op.session.OutputInfo() {
			data = append(data, []string{op.name, "out", info.Name, string(info.DataType), fmt.Sprint(info.Shape)})
		}
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"OPERATOR", "DIR", "TENSOR", "TYPE", "SHAPE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	return nil
}
