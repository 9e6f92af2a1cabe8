// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"strings"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/config"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/events"
	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

// run is the mutable state of one HandleChat call. It is owned by a single
// goroutine except for emit, which is safe to share.
type run struct {
	emit     *events.Emitter
	settings config.EngineConfig

	messages  []llm.ChatMessage
	user      string
	assistant string

	// query is the optimized retrieval query, or user when optimization
	// was skipped or failed.
	query string

	transcript []llm.ChatMessage
	ledger     []ToolCallRecord
	iteration  int
}

func (e *Engine) newRun(runID string, messages []llm.ChatMessage, user, assistant string) *run {
	return &run{
		emit:      events.NewEmitter(e.bus, runID),
		settings:  e.settings.Engine(),
		messages:  messages,
		user:      user,
		assistant: assistant,
		query:     user,
	}
}

// retrievalQuery is the text forced searches and grounding fall back to.
func (r *run) retrievalQuery() string {
	if strings.TrimSpace(r.query) != "" {
		return r.query
	}
	return r.user
}

// groundingQuery prefers the literal user text.
func (r *run) groundingQuery() string {
	if strings.TrimSpace(r.user) != "" {
		return r.user
	}
	return r.query
}
