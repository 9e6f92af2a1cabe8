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
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/events"
	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

// Optimization is the outcome of optimizeContext.
type Optimization struct {
	// Query is the retrieval query to use for this turn.
	Query string

	// Optimized is true when Query came from the completion service.
	Optimized bool
}

// optimizeContext folds the latest assistant and user messages into one
// retrieval query.
//
// When either message is blank the user text is returned without calling
// the completion service. A failed or empty completion also falls back to
// the user text.
func (e *Engine) optimizeContext(ctx context.Context, emit *events.Emitter, user, assistant string) Optimization {
	fallback := Optimization{Query: user}
	if strings.TrimSpace(user) == "" || strings.TrimSpace(assistant) == "" {
		emit.Emit(events.StageOptimizeSkipped, "Context optimization skipped", map[string]any{
			"hasUser":      strings.TrimSpace(user) != "",
			"hasAssistant": strings.TrimSpace(assistant) != "",
		})
		return fallback
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "chat.Engine.optimizeContext",
		trace.WithAttributes(attribute.Int("chat.user_len", len(user))),
	)
	defer span.End()
	start := time.Now()
	defer observePhase("optimize", start)

	emit.Emit(events.StageOptimizeStart, "Optimizing retrieval context", nil)

	temp := float32(0)
	params := e.params
	params.Temperature = &temp
	res, err := e.client.Complete(ctx, []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: optimizerSystemPrompt(e.tools.SemanticGuide())},
		{Role: llm.RoleUser, Content: optimizerUserPrompt(user, assistant)},
	}, nil, params)
	if err != nil {
		span.RecordError(err)
		emit.Emit(events.StageOptimizeFailed, "Context optimization failed", map[string]any{
			"error": llm.SafeLogString(err.Error()),
		})
		return fallback
	}

	query := cleanQuery(res.Content)
	if query == "" {
		emit.Emit(events.StageOptimizeFailed, "Context optimization returned nothing", nil)
		return fallback
	}

	emit.Emit(events.StageOptimizeDone, "Retrieval context optimized", map[string]any{
		"query":      query,
		"durationMs": time.Since(start).Milliseconds(),
	})
	return Optimization{Query: query, Optimized: true}
}

// cleanQuery keeps the first non-empty line and strips wrapping quotes.
func cleanQuery(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return strings.TrimSpace(strings.Trim(line, "\"'`"))
	}
	return ""
}
