// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
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

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/novatechflow/kafshard/internal/app"
	"github.com/novatechflow/kafshard/pkg/config"
)

var brokerVersion = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	var (
		configPath string
		logLevel   string
	)
	root := &cobra.Command{
		Use:           "kafshard-broker",
		Short:         "Run a kafshard broker node",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "kafshard-broker: %v\n", err)
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			logger := newLogger(out, cfg.Level())
			if err := app.New(cfg, logger).Run(cmd.Context()); err != nil {
				logger.Error("broker exited with error", "error", err)
				return err
			}
			return nil
		},
	}
	root.Flags().StringVar(&configPath, "config", os.Getenv("KAFSHARD_CONFIG"), "path to the YAML configuration file")
	root.Flags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the broker version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kafshard-broker %s\n", brokerVersion)
		},
	})
	return root
}

func newLogger(out io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	})
	return slog.New(handler).With("component", "broker")
}
