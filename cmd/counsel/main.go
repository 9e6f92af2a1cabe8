// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command counsel runs the legal research chat engine.
//
// Usage:
//
//	counsel serve                          # HTTP API on :12230
//	counsel ask "What does Va. Code § 20-124.3 require?"
//	counsel chat                           # interactive session
//
// With a config overlay and local Ollama:
//
//	COUNSEL_COMPLETION_PROVIDER=ollama COUNSEL_COMPLETION_BASE_URL=http://localhost:11434 \
//	  counsel serve --config ./counsel.yaml
//
// Example requests:
//
//	curl -X POST http://localhost:12230/v1/counsel/chat \
//	  -H "Content-Type: application/json" \
//	  -d '{"messages":[{"role":"user","content":"Custody factors in Virginia?"}]}'
//
//	websocat ws://localhost:12230/v1/counsel/events
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	jsonLog    bool

	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "counsel",
		Short: "Legal research chat engine",
		Long: `Counsel answers legal research questions by letting a language model call
retrieval tools against a legal knowledge graph, or by planning graph
queries deterministically, then summarizing what it found.

Quick Start:
  counsel serve               # start the HTTP API
  counsel ask <question>      # answer one question in-process
  counsel chat                # interactive session`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), opts.logLevel, opts.jsonLog)
			if err != nil {
				return err
			}
			opts.logger = logger
			slog.SetDefault(logger)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv(config.EnvConfigPath),
		"YAML overlay for the built-in defaults (env "+config.EnvConfigPath+")")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	root.PersistentFlags().BoolVar(&opts.jsonLog, "json-log", !isatty.IsTerminal(os.Stderr.Fd()),
		"Emit JSON logs (default when stderr is not a terminal)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(newServeCmd(opts), newAskCmd(opts), newChatCmd(opts))
	return root
}

// newLogger builds the process logger.
func newLogger(w io.Writer, level string, jsonOut bool) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	handlerOpts := &slog.HandlerOptions{Level: lvl}
	if jsonOut {
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
}
