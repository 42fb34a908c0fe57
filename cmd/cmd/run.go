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
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antflydb/glimpse"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the glimpse server",
	Long: `Start the glimpse HTTP server. The configured model is loaded once at
startup; if it cannot be loaded the server keeps running, /readyz reports
not_ready and describe requests fail with 503.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	// Run command flags
	runCmd.Flags().String("api-url", "http://localhost:11435", "address to serve the API on")
	runCmd.Flags().String("backend", "", "inference backend (empty picks the best available)")
	runCmd.Flags().String("gpu", "auto", "GPU mode (auto, cuda, off)")
	runCmd.Flags().Int("max-concurrent-requests", 1, "requests processed at once")
	runCmd.Flags().Int("max-queue-size", 0, "requests allowed to wait for a slot (0 is unbounded)")
	mustBindPFlag("api_url", runCmd.Flags().Lookup("api-url"))
	mustBindPFlag("backend", runCmd.Flags().Lookup("backend"))
	mustBindPFlag("gpu", runCmd.Flags().Lookup("gpu"))
	mustBindPFlag("max_concurrent_requests", runCmd.Flags().Lookup("max-concurrent-requests"))
	mustBindPFlag("max_queue_size", runCmd.Flags().Lookup("max-queue-size"))
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := loggerFromViper()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Running as glimpse", zap.String("version", Version))

	readyC := make(chan struct{})
	go func() {
		select {
		case <-readyC:
			logger.Info("Glimpse is ready")
		case <-ctx.Done():
		}
	}()

	glimpse.RunAsGlimpse(ctx, logger, configFromViper(), readyC)
	return nil
}
