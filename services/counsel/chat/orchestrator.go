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
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/events"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/graphql"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/knowledge"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/relevance"
	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

const (
	excerptLimit = 600
	maxExcerpts  = 12
)

// OrchestrationResult is the output of the deterministic path.
type OrchestrationResult struct {
	// Used is true when the path produced a context for the final reply.
	Used bool

	// Context is the message list handed to the final reply.
	Context []llm.ChatMessage

	// Summary is the JSON summary, or PlaceholderSummary.
	Summary string

	// Rows are the graph rows that survived relevance filtering.
	Rows []relevance.Row

	// Answers are the semantic search hits.
	Answers []knowledge.Answer
}

type graphResult struct {
	Query   string         `json:"query"`
	Purpose string         `json:"purpose,omitempty"`
	Data    map[string]any `json:"data"`
}

// orchestrate runs the deterministic retrieval path.
//
// # Description
//
// Semantic search and schema introspection run concurrently. A failed
// semantic search degrades to no answers. A failed introspection, or a
// schema with no query fields, aborts with ErrIntrospectionFailed before the
// planner is called. Planned queries then run sequentially; each failure is
// reported and skipped. Graph rows are filtered for relevance and the
// survivors, with the semantic answers, are summarized into the context
// for the final reply.
//
// # Outputs
//
//   - *OrchestrationResult: The final-reply context.
//   - error: Wraps ErrIntrospectionFailed.
func (e *Engine) orchestrate(ctx context.Context, r *run) (*OrchestrationResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "chat.Engine.orchestrate",
		trace.WithAttributes(attribute.Int("chat.max_planned_queries", r.settings.MaxPlannedQueries)),
	)
	defer span.End()
	start := time.Now()
	defer observePhase("orchestrate", start)

	r.emit.Emit(events.StageOrchestrationStart, "Starting deterministic legal retrieval", nil)

	opt := e.optimizeContext(ctx, r.emit, r.user, r.assistant)
	r.query = opt.Query

	var (
		answers []knowledge.Answer
		schema  *graphql.Schema
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		answers = e.semanticSearch(gctx, r)
		return nil
	})
	g.Go(func() error {
		s, err := e.introspect(gctx)
		if err != nil {
			return err
		}
		schema = s
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "introspection failed")
		orchestrationsTotal.WithLabelValues("introspection_failed").Inc()
		r.emit.Emit(events.StageIntrospectionFailed, "Graph schema unavailable", map[string]any{
			"error": llm.SafeLogString(err.Error()),
		})
		return nil, err
	}
	r.emit.Emit(events.StageIntrospectionDone, "Graph schema loaded", map[string]any{
		"queryType": schema.QueryType,
		"fields":    len(schema.Fields),
	})

	planned, err := e.planQueries(ctx, r, schema, answers)
	if err != nil {
		r.emit.Emit(events.StagePlanFailed, "Query planning failed", map[string]any{
			"error": llm.SafeLogString(err.Error()),
		})
	} else {
		purposes := make([]string, 0, len(planned))
		for _, pq := range planned {
			purposes = append(purposes, pq.Purpose)
		}
		r.emit.Emit(events.StagePlanDone, fmt.Sprintf("Planned %d graph queries", len(planned)), map[string]any{
			"queries":  len(planned),
			"purposes": purposes,
		})
	}

	results := e.runPlanned(ctx, r, planned)

	var rows []relevance.Row
	for _, res := range results {
		rows = append(rows, relevance.ExtractRows(res.Data)...)
	}
	filtered := e.filterRows(r, rows)

	summary, err := e.completeSummary(ctx, summaryInput{
		Question:        r.user,
		RetrievalQuery:  r.query,
		RelevantSources: filtered.Rows,
		SemanticAnswers: answers,
		GraphResults:    results,
	})
	if err != nil {
		r.emit.Emit(events.StageSummaryFailed, "Summary unavailable", map[string]any{
			"error": llm.SafeLogString(err.Error()),
		})
		summary = PlaceholderSummary
	} else {
		r.emit.Emit(events.StageSummaryDone, "Retrieval results summarized", map[string]any{
			"sources": len(filtered.Rows),
		})
	}

	out := &OrchestrationResult{
		Used:    true,
		Summary: summary,
		Rows:    filtered.Rows,
		Answers: answers,
	}
	out.Context = append(out.Context, llm.ChatMessage{Role: llm.RoleSystem, Content: e.systemPrompt})
	out.Context = append(out.Context, conversation(r.messages)...)
	out.Context = append(out.Context, llm.ChatMessage{
		Role:    llm.RoleSystem,
		Content: retrievalContext(summary, answers, filtered.Rows, r.settings.MinSemanticScore),
	})

	orchestrationsTotal.WithLabelValues("used").Inc()
	r.emit.Emit(events.StageOrchestrationDone, "Deterministic legal retrieval finished", map[string]any{
		"semanticAnswers": len(answers),
		"graphQueries":    len(results),
		"rows":            len(filtered.Rows),
		"durationMs":      time.Since(start).Milliseconds(),
	})
	return out, nil
}

func (e *Engine) semanticSearch(ctx context.Context, r *run) []knowledge.Answer {
	if e.knowledge == nil {
		r.emit.Emit(events.StageSemanticSearchFailed, "Semantic search unavailable", map[string]any{"configured": false})
		return nil
	}
	res, err := e.knowledge.Search(ctx, knowledge.Query{Text: r.retrievalQuery(), TopK: r.settings.SemanticTopK})
	if err != nil {
		r.emit.Emit(events.StageSemanticSearchFailed, "Semantic search failed", map[string]any{
			"error": llm.SafeLogString(err.Error()),
		})
		return nil
	}
	answers := res.Answers
	if len(answers) > r.settings.SemanticTopK {
		answers = answers[:r.settings.SemanticTopK]
	}
	r.emit.Emit(events.StageSemanticSearchDone, "Semantic search finished", map[string]any{
		"answers": len(answers),
	})
	return answers
}

func (e *Engine) introspect(ctx context.Context) (*graphql.Schema, error) {
	s, err := e.graph.Introspect(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIntrospectionFailed, err)
	}
	if s == nil || len(s.Fields) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrIntrospectionFailed, ErrNoQueryFields)
	}
	return s, nil
}

// runPlanned executes planned queries one at a time.
func (e *Engine) runPlanned(ctx context.Context, r *run, planned []PlannedQuery) []graphResult {
	results := make([]graphResult, 0, len(planned))
	for i, pq := range planned {
		data, err := e.graph.Run(ctx, pq.Query, pq.Variables)
		if err != nil {
			r.emit.Emit(events.StageGraphQueryFailed, "Graph query failed", map[string]any{
				"index":   i,
				"purpose": pq.Purpose,
				"error":   llm.SafeLogString(err.Error()),
			})
			continue
		}
		results = append(results, graphResult{Query: pq.Query, Purpose: pq.Purpose, Data: data})
		r.emit.Emit(events.StageGraphQueryDone, "Graph query finished", map[string]any{
			"index":   i,
			"purpose": pq.Purpose,
			"rows":    len(relevance.ExtractRows(data)),
		})
	}
	return results
}

// retrievalContext renders the system message holding the summary and the
// source excerpts. Semantic answers at or above minScore come first, then
// graph rows not already covered.
func retrievalContext(summary string, answers []knowledge.Answer, rows []relevance.Row, minScore float64) string {
	var b strings.Builder
	b.WriteString("Deterministic retrieval summary:\n")
	b.WriteString(summary)

	seen := make(map[relevance.Key]bool)
	var excerpts []string
	for _, a := range answers {
		if len(excerpts) >= maxExcerpts {
			break
		}
		if a.Score < minScore {
			continue
		}
		k := relevance.Key{Source: a.Source, SourceID: a.SourceID, NodeType: a.NodeType}
		if seen[k] {
			continue
		}
		seen[k] = true
		text := a.Content
		if a.Heading != "" {
			text = a.Heading + ": " + text
		}
		excerpts = append(excerpts, fmt.Sprintf("[%s %s %s, score %.2f] %s",
			a.Source, a.SourceID, a.NodeType, a.Score, truncate(text, excerptLimit)))
	}
	for _, row := range rows {
		if len(excerpts) >= maxExcerpts {
			break
		}
		if seen[row.Key()] {
			continue
		}
		seen[row.Key()] = true
		excerpts = append(excerpts, fmt.Sprintf("[%s %s %s] %s",
			row.Source, row.SourceID, row.NodeType, truncate(row.Text, excerptLimit)))
	}

	if len(excerpts) > 0 {
		b.WriteString("\n\nSource excerpts:\n")
		for _, ex := range excerpts {
			b.WriteString("- ")
			b.WriteString(ex)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
