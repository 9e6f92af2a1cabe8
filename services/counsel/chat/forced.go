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
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/events"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/tools"
	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

// forceKnowledgeSearch executes a knowledge search the model did not ask for.
//
// A synthetic assistant message carrying the call is appended first so the
// tool message that follows answers a call id present in the transcript.
// Returns false when no knowledge search tool is registered.
func (e *Engine) forceKnowledgeSearch(ctx context.Context, r *run, reason, query string, iteration int) bool {
	name, ok := e.tools.FindByPrefix(tools.KnowledgeSearchName)
	if !ok {
		r.emit.Emit(events.StageToolForced, "Forced knowledge search unavailable", map[string]any{
			"reason":    reason,
			"available": false,
		})
		return false
	}

	topK := r.settings.ForcedTopK
	args := map[string]any{"query": query, "topK": topK}
	raw, _ := json.Marshal(args)
	callID := "forced_" + uuid.NewString()

	r.transcript = append(r.transcript, llm.ChatMessage{
		Role: llm.RoleAssistant,
		ToolCalls: []llm.ToolCallResponse{{
			ID:        callID,
			Name:      name,
			Arguments: raw,
		}},
	})

	r.emit.Emit(events.StageToolForced, "Forcing knowledge search", map[string]any{
		"reason":    reason,
		"tool":      name,
		"query":     query,
		"topK":      topK,
		"iteration": iteration,
		"available": true,
	})
	forcedCallsTotal.WithLabelValues(reason).Inc()

	prev := r.iteration
	r.iteration = iteration
	e.executeTool(ctx, r, callID, name, args, true, reason)
	r.iteration = prev
	return true
}
