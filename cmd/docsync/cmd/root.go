// Copyright 2025 UMH Systems GmbH
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

// Package cmd holds the docsync command line.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/baiprog/eatvision-miniapp-sub000/pkg/config"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/logger"
	"github.com/baiprog/eatvision-miniapp-sub000/pkg/sentry"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = sentry.DevVersion

var (
	configFile string
	logLevel   string
	logFormat  string

	// cfg is loaded before any subcommand runs.
	cfg config.FullConfig
	log *zap.SugaredLogger
)

var rootCmd = &cobra.Command{
	Use:          "docsync",
	Short:        "Local-first document sync engine",
	Long:         `docsync keeps a local document cache in sync with a remote database and serves reads and writes from it while offline.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(configFile)
		if err != nil {
			return err
		}

		if cmd.Flags().Changed("log-level") {
			loaded.Logging.Level = logLevel
		}

		if cmd.Flags().Changed("log-format") {
			loaded.Logging.Format = logFormat
		}

		cfg = loaded

		logger.InitializeWith(cfg.Logging.Level, logger.ParseFormat(cfg.Logging.Format, logger.FormatConsole))

		if err := sentry.Init(sentry.Options{DSN: cfg.Sentry.DSN, AppVersion: Version}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}

		if cfg.Sentry.DSN != "" {
			logger.EnableSentry()
		}

		log = logger.For(logger.ComponentCore)

		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "CONSOLE", "log format (CONSOLE, JSON)")
}

func Execute() error {
	return rootCmd.Execute()
}
