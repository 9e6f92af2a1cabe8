// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/events"
	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

func newAskCmd(opts *rootOptions) *cobra.Command {
	var traceEvents bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question in-process",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return fmt.Errorf("question is empty")
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, secrets, err := loadConfig(ctx, opts.configPath)
			if err != nil {
				return err
			}

			var extra []events.Broadcaster
			if traceEvents {
				extra = append(extra, newEventPrinter(cmd.ErrOrStderr()))
			}
			a, err := buildApp(ctx, cfg, secrets, "", opts.logger, extra...)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			reply, err := a.engine.HandleChat(ctx, []llm.ChatMessage{{Role: llm.RoleUser, Content: question}})
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderReply(reply))
			return nil
		},
	}
	cmd.Flags().BoolVar(&traceEvents, "trace-events", false, "Print chat:process events to stderr")
	return cmd
}
