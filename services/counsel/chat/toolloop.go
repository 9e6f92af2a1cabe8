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
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/events"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/parse"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/tools"
	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

// ExitReason says why the tool loop stopped.
type ExitReason string

const (
	ExitNaturalStop         ExitReason = "natural_stop"
	ExitIterationsExhausted ExitReason = "iterations_exhausted"
	ExitFailed              ExitReason = "failed"
)

// LoopOutcome summarizes one tool loop.
type LoopOutcome struct {
	Exit       ExitReason
	Iterations int
	ToolCalls  int

	// Interventions are the reason codes of forced calls made by the loop.
	Interventions []string
}

// loopState tracks the safety-net counters across iterations.
type loopState struct {
	emptyNodeSearches int
	knowledgeUsed     bool
}

// runToolLoop lets the model call tools until it stops asking, the
// iteration cap is reached, or a completion call fails.
//
// # Description
//
// Each iteration makes one completion call with every registered tool.
// Requested calls run in order; malformed arguments are replaced by an
// empty object. Two safety nets force a knowledge search:
//
//   - After EmptyNodeSearchTrigger consecutive empty node searches, when no
//     knowledge search has run yet, using the retrieval query.
//   - After a loop that made no tool calls at all, when the user text looks
//     legal, using the literal user text.
//
// # Outputs
//
//   - LoopOutcome: Exit reason and counters.
//   - error: The completion failure that ended the loop. Tool calls already
//     made stay in the transcript and ledger.
func (e *Engine) runToolLoop(ctx context.Context, r *run) (LoopOutcome, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "chat.Engine.runToolLoop",
		trace.WithAttributes(attribute.Int("chat.max_iterations", r.settings.MaxToolIterations)),
	)
	defer span.End()
	start := time.Now()
	defer observePhase("tool_loop", start)

	defs := e.tools.Definitions()
	out := LoopOutcome{Exit: ExitIterationsExhausted}
	var st loopState

	r.emit.Emit(events.StageToolLoopStart, "Selecting tools", map[string]any{
		"maxIterations": r.settings.MaxToolIterations,
		"tools":         len(defs),
	})

	for iter := 1; iter <= r.settings.MaxToolIterations; iter++ {
		r.iteration = iter
		out.Iterations = iter
		r.emit.Emit(events.StageToolLoopIteration, fmt.Sprintf("Tool selection round %d", iter), map[string]any{
			"iteration": iter,
		})

		res, err := e.client.Complete(ctx, r.transcript, defs, e.params)
		if err != nil {
			out.Exit = ExitFailed
			e.finishLoop(r, &out, start)
			span.RecordError(err)
			span.SetStatus(codes.Error, "completion failed")
			r.emit.Emit(events.StageToolLoopFailed, "Tool selection failed", map[string]any{
				"iteration": iter,
				"error":     llm.SafeLogString(err.Error()),
			})
			return out, fmt.Errorf("chat: tool loop iteration %d: %w", iter, err)
		}

		if len(res.ToolCalls) == 0 {
			out.Exit = ExitNaturalStop
			break
		}

		r.transcript = append(r.transcript, llm.ChatMessage{
			Role:      llm.RoleAssistant,
			Content:   res.Content,
			ToolCalls: res.ToolCalls,
		})
		forceDue := false
		for i := range res.ToolCalls {
			call := &res.ToolCalls[i]
			args := parse.ToolArguments(call.ArgumentsString())
			if !args.OK() {
				e.logger.Warn("malformed tool arguments",
					slog.String("run_id", r.emit.RunID()),
					slog.String("tool", call.Name),
					slog.String("error", args.Err.Error()))
			}
			rec := e.executeTool(ctx, r, call.ID, call.Name, args.Value, false, "")
			out.ToolCalls++
			st.observe(rec)
			if st.emptyNodeSearches >= r.settings.EmptyNodeSearchTrigger && !st.knowledgeUsed {
				forceDue = true
				st.emptyNodeSearches = 0
			}
		}

		// The trigger is evaluated per result, but the forced call is
		// appended after the batch so every tool response stays directly
		// behind the assistant message that requested it.
		if forceDue && e.forceKnowledgeSearch(ctx, r, ReasonEmptyNodeSearch, r.retrievalQuery(), iter) {
			out.Interventions = append(out.Interventions, ReasonEmptyNodeSearch)
			st.knowledgeUsed = true
		}
	}

	if out.ToolCalls == 0 && len(out.Interventions) == 0 && LooksLegal(r.user, r.settings.LegalKeywords) {
		if e.forceKnowledgeSearch(ctx, r, ReasonNoToolCalls, r.user, out.Iterations) {
			out.Interventions = append(out.Interventions, ReasonNoToolCalls)
		}
	}

	e.finishLoop(r, &out, start)
	span.SetAttributes(
		attribute.String("chat.loop_exit", string(out.Exit)),
		attribute.Int("chat.tool_calls", out.ToolCalls),
	)
	return out, nil
}

func (e *Engine) finishLoop(r *run, out *LoopOutcome, start time.Time) {
	loopIterations.Observe(float64(out.Iterations))
	loopExitsTotal.WithLabelValues(string(out.Exit)).Inc()
	r.emit.Emit(events.StageToolLoopExit, "Tool selection finished", map[string]any{
		"reason":        string(out.Exit),
		"iterations":    out.Iterations,
		"toolCalls":     out.ToolCalls,
		"interventions": out.Interventions,
		"durationMs":    time.Since(start).Milliseconds(),
	})
}

func (st *loopState) observe(rec ToolCallRecord) {
	switch {
	case isTool(rec.Tool, tools.KnowledgeSearchName):
		st.knowledgeUsed = true
	case isTool(rec.Tool, tools.NodeSearchName):
		decoded := parse.Any(rec.Result)
		if decoded.OK() && countItems(decoded.Value) > 0 {
			st.emptyNodeSearches = 0
		} else {
			st.emptyNodeSearches++
		}
	}
}

// isTool matches a registered name against a base tool name, allowing the
// versioned suffixes FindByPrefix accepts.
func isTool(name, base string) bool {
	return name == base || strings.HasPrefix(name, base+"_")
}
