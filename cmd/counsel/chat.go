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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/chat"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/events"
	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

// chatter is the part of the engine the REPL needs.
type chatter interface {
	HandleChat(ctx context.Context, messages []llm.ChatMessage) (*chat.Reply, error)
}

// lineReader yields one user turn at a time. io.EOF ends the session.
type lineReader interface {
	ReadLine(ctx context.Context) (string, error)
}

type scannerReader struct {
	scanner *bufio.Scanner
	prompt  io.Writer
}

func (r *scannerReader) ReadLine(context.Context) (string, error) {
	if r.prompt != nil {
		fmt.Fprint(r.prompt, "> ")
	}
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

// huhReader prompts with a huh input field.
type huhReader struct{}

func (huhReader) ReadLine(ctx context.Context) (string, error) {
	var line string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("You").
			Placeholder("Ask a legal research question (exit to quit)").
			Value(&line),
	))
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", io.EOF
		}
		return "", err
	}
	return line, nil
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	var traceEvents bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, secrets, err := loadConfig(ctx, opts.configPath)
			if err != nil {
				return err
			}
			var extra []events.Broadcaster
			if traceEvents {
				extra = append(extra, newEventPrinter(cmd.ErrOrStderr()))
			}
			a, err := buildApp(ctx, cfg, secrets, opts.configPath, opts.logger, extra...)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			if a.watcher != nil {
				go func() { _ = a.watcher.Run(ctx) }()
			}

			var in lineReader
			if isatty.IsTerminal(os.Stdin.Fd()) {
				in = huhReader{}
			} else {
				in = &scannerReader{scanner: bufio.NewScanner(cmd.InOrStdin())}
			}
			return chatLoop(ctx, a.engine, in, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&traceEvents, "trace-events", false, "Print chat:process events to stderr")
	return cmd
}

// chatLoop runs turns until EOF, an exit command, or ctx ends. The
// conversation accumulates across turns; a failed turn is reported and
// dropped from the history.
func chatLoop(ctx context.Context, c chatter, in lineReader, out io.Writer) error {
	var history []llm.ChatMessage
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := in.ReadLine(ctx)
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(out, "Goodbye.")
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit", "q":
			fmt.Fprintln(out, "Goodbye.")
			return nil
		}

		turn := append(history, llm.ChatMessage{Role: llm.RoleUser, Content: line})
		reply, err := c.HandleChat(ctx, turn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(out, failStyle.Render("Error: "+err.Error()))
			continue
		}
		history = append(turn, llm.ChatMessage{Role: llm.RoleAssistant, Content: reply.Text})
		fmt.Fprint(out, renderReply(reply))
	}
}
