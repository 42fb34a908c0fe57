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
	"runtime"

	"github.com/spf13/cobra"

	"github.com/antflydb/glimpse/lib/backends"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and backend information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("glimpse %s (commit %s, built %s, %s)\n", Version, Commit, BuildTime, runtime.Version())

		available := backends.ListAvailable()
		if len(available) == 0 {
			fmt.Println("backends: none (build with -tags=\"onnx,ORT\")")
			return
		}
		for _, b := range available {
			fmt.Printf("backend: %s (%s)\n", b.Type(), b.Name())
		}
		gpu := backends.DetectGPU()
		if gpu.Available {
			fmt.Printf("gpu: %s %s\n", gpu.Type, gpu.DeviceName)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
