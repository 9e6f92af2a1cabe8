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
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/chat"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/events"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	stageStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	forcedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// renderReply formats a reply for the terminal.
func renderReply(r *chat.Reply) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Counsel"))
	sb.WriteString("\n")
	sb.WriteString(strings.TrimSpace(r.Text))
	sb.WriteString("\n")
	sb.WriteString(dimStyle.Render(fmt.Sprintf("[path: %s, run: %s]", r.Path, r.RunID)))
	sb.WriteString("\n")
	return sb.String()
}

// eventPrinter is a Broadcaster that writes chat:process events as
// one line each. Activity events are ignored.
type eventPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{w: w}
}

// Publish implements events.Broadcaster.
func (p *eventPrinter) Publish(event string, payload any) {
	if event != events.EventChatProcess {
		return
	}
	ev, ok := payload.(events.ChatProcessEvent)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, formatEvent(ev))
}

func formatEvent(ev events.ChatProcessEvent) string {
	style := stageStyle
	switch {
	case ev.Stage == events.StageToolForced:
		style = forcedStyle
	case strings.HasSuffix(string(ev.Stage), "_failed"), ev.Stage == events.StageGroundingFail:
		style = failStyle
	}

	line := style.Render(fmt.Sprintf("%-24s", ev.Stage)) + " " + ev.Message
	if len(ev.Data) == 0 {
		return line
	}
	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, ev.Data[k]))
	}
	return line + " " + dimStyle.Render(strings.Join(parts, " "))
}
