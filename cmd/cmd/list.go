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
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/antflydb/glimpse/lib/modelregistry"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List local models",
	Long: `List the models in the models directory and whether each one has all
the files the engine needs.

Examples:
  # List local models
  glimpse list

  # List models in another directory
  glimpse list --models-dir /opt/glimpse/models`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	modelsDir := viper.GetString("models_dir")
	models, err := modelregistry.ListLocalModels(modelsDir)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		fmt.Printf("No models found in %s.\n", modelsDir)
		fmt.Printf("\nUse 'glimpse pull' to download the default model.\n")
		return nil
	}

	var data [][]string
	for _, m := range models {
		status := "ready"
		if !m.Complete() {
			status = m.Err.Error()
		}
		data = append(data, []string{
			m.Ref.FullName(),
			humanize.Bytes(uint64(m.Size)),
			strconv.Itoa(m.Files),
			status,
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"NAME", "SIZE", "FILES", "STATUS"})
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
