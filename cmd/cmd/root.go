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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/antflydb/glimpse"
)

// Build information, set by main.
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "glimpse",
	Short: "Describe short video clips with a local vision-language model",
	Long: `Glimpse turns a handful of video frames and a prompt into a text
description using SmolVLM2 ONNX models running on this machine.

Configuration is read from $HOME/.glimpse/config.yaml (or --config), then
GLIMPSE_* environment variables, then flags.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		glimpse.Version = Version
		glimpse.GitCommit = Commit
		glimpse.BuildTime = BuildTime
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.glimpse/config.yaml)")
	rootCmd.PersistentFlags().String("models-dir", defaultModelsDir(), "directory holding downloaded models")
	rootCmd.PersistentFlags().String("model", glimpse.DefaultModel, "model to serve, as owner/name")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-style", "terminal", "log style (terminal, json, noop)")

	mustBindPFlag("models_dir", rootCmd.PersistentFlags().Lookup("models-dir"))
	mustBindPFlag("model", rootCmd.PersistentFlags().Lookup("model"))
	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("log.style", rootCmd.PersistentFlags().Lookup("log-style"))
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", key, err))
	}
}

func defaultModelsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "models"
	}
	return filepath.Join(home, ".glimpse", "models")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".glimpse"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("glimpse")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("api_url", "http://localhost:11435")
	viper.SetDefault("backend", "")
	viper.SetDefault("gpu", "auto")
	viper.SetDefault("num_threads", 0)
	viper.SetDefault("max_new_tokens", 0)
	viper.SetDefault("num_frames", 0)
	viper.SetDefault("max_request_bytes", 0)
	viper.SetDefault("request_timeout", "")
	viper.SetDefault("max_concurrent_requests", glimpse.DefaultMaxConcurrentRequests)
	viper.SetDefault("max_queue_size", 0)
	viper.SetDefault("cache_ttl", glimpse.DescriptionCacheTTL.String())

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			os.Exit(1)
		}
	}
}

// configFromViper builds the node configuration from config file,
// environment and flags.
func configFromViper() glimpse.Config {
	return glimpse.Config{
		ApiUrl:                viper.GetString("api_url"),
		ModelsDir:             viper.GetString("models_dir"),
		Model:                 viper.GetString("model"),
		Backend:               viper.GetString("backend"),
		Gpu:                   viper.GetString("gpu"),
		NumThreads:            viper.GetInt("num_threads"),
		MaxNewTokens:          viper.GetInt("max_new_tokens"),
		NumFrames:             viper.GetInt("num_frames"),
		MaxRequestBytes:       viper.GetInt64("max_request_bytes"),
		RequestTimeout:        viper.GetString("request_timeout"),
		MaxConcurrentRequests: viper.GetInt("max_concurrent_requests"),
		MaxQueueSize:          viper.GetInt("max_queue_size"),
		CacheTTL:              viper.GetString("cache_ttl"),
	}
}

// newLogger builds a logger for the given level and style.
func newLogger(level, style string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		var err error
		if lvl, err = zapcore.ParseLevel(level); err != nil {
			return nil, err
		}
	}

	var cfg zap.Config
	switch style {
	case "noop":
		return zap.NewNop(), nil
	case "json":
		cfg = zap.NewProductionConfig()
	case "", "terminal":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("unknown log style %q (want terminal, json or noop)", style)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func loggerFromViper() (*zap.Logger, error) {
	return newLogger(viper.GetString("log.level"), viper.GetString("log.style"))
}
