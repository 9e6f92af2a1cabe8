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
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/events"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/knowledge"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/parse"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/relevance"
	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

const summaryResultLimit = 4000

var errEmptySummary = errors.New("summarizer returned no content")

// SourceExcerpt is one legal source kept by the summarizer.
type SourceExcerpt struct {
	Source   string `json:"source"`
	SourceID string `json:"sourceId"`
	NodeType string `json:"nodeType"`
	Excerpt  string `json:"excerpt"`
}

// Summary is the structured tool-result summary.
type Summary struct {
	Intent       string          `json:"intent"`
	KeyFindings  []string        `json:"keyFindings"`
	LegalSources []SourceExcerpt `json:"legalSources"`
	Gaps         []string        `json:"gaps"`
	Confidence   string          `json:"confidence"`
}

// GroundingChunk is a semantic hit attached to the summary input with its
// provenance.
type GroundingChunk struct {
	Source        string  `json:"source"`
	SourceID      string  `json:"sourceId"`
	NodeType      string  `json:"nodeType"`
	Heading       string  `json:"heading,omitempty"`
	Content       string  `json:"content"`
	Score         float64 `json:"score"`
	Verified      bool    `json:"verified"`
	RetrievalPath string  `json:"retrievalPath"`
}

type summaryCall struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
	Result string         `json:"result"`
	Forced bool           `json:"forced,omitempty"`
}

type summaryInput struct {
	Question        string             `json:"question"`
	RetrievalQuery  string             `json:"retrievalQuery,omitempty"`
	ToolCalls       []summaryCall      `json:"toolCalls,omitempty"`
	RelevantSources []relevance.Row    `json:"relevantSources"`
	Grounding       []GroundingChunk   `json:"grounding,omitempty"`
	SemanticAnswers []knowledge.Answer `json:"semanticAnswers,omitempty"`
	GraphResults    []graphResult      `json:"graphResults,omitempty"`
}

// summarize compresses the tool ledger into a summary for the final reply.
//
// A grounding search on the user text always runs, even when the ledger is
// empty, and adds up to GroundingChunks semantic hits; every candidate
// source then passes through relevance filtering before one summarizer
// call. Any summarizer failure yields PlaceholderSummary.
func (e *Engine) summarize(ctx context.Context, r *run) string {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "chat.Engine.summarize",
		trace.WithAttributes(attribute.Int("chat.tool_calls", len(r.ledger))),
	)
	defer span.End()
	start := time.Now()
	defer observePhase("summary", start)

	r.emit.Emit(events.StageSummaryStart, "Summarizing tool results", map[string]any{
		"toolCalls": len(r.ledger),
	})

	chunks := e.ground(ctx, r)

	var rows []relevance.Row
	calls := make([]summaryCall, 0, len(r.ledger))
	for _, rec := range r.ledger {
		calls = append(calls, summaryCall{
			Tool:   rec.Tool,
			Args:   rec.Args,
			Result: truncate(rec.Result, summaryResultLimit),
			Forced: rec.Forced,
		})
		if decoded := parse.Any(rec.Result); decoded.OK() {
			rows = append(rows, relevance.ExtractRows(decoded.Value)...)
		}
	}
	for _, c := range chunks {
		rows = append(rows, relevance.Row{
			Source: c.Source, SourceID: c.SourceID, NodeType: c.NodeType,
			Text: c.text(), Semantic: c.Score,
		})
	}
	filtered := e.filterRows(r, rows)

	text, err := e.completeSummary(ctx, summaryInput{
		Question:        r.user,
		RetrievalQuery:  r.query,
		ToolCalls:       calls,
		RelevantSources: filtered.Rows,
		Grounding:       chunks,
	})
	if err != nil {
		span.RecordError(err)
		r.emit.Emit(events.StageSummaryFailed, "Summary unavailable", map[string]any{
			"error": llm.SafeLogString(err.Error()),
		})
		return PlaceholderSummary
	}

	r.emit.Emit(events.StageSummaryDone, "Tool results summarized", map[string]any{
		"sources":    len(filtered.Rows),
		"grounding":  len(chunks),
		"durationMs": time.Since(start).Milliseconds(),
	})
	return text
}

// text joins the heading and content for relevance scoring.
func (c GroundingChunk) text() string {
	heading := strings.TrimSpace(c.Heading)
	if heading == "" {
		return c.Content
	}
	if c.Content == "" {
		return heading
	}
	return heading + " " + c.Content
}

// ground runs the grounding search. Failures are reported and yield nil.
func (e *Engine) ground(ctx context.Context, r *run) []GroundingChunk {
	if e.knowledge == nil {
		r.emit.Emit(events.StageGroundingFail, "Grounding search unavailable", map[string]any{"configured": false})
		return nil
	}
	q := r.groundingQuery()
	if strings.TrimSpace(q) == "" {
		return nil
	}
	res, err := e.knowledge.Search(ctx, knowledge.Query{Text: q, TopK: r.settings.GroundingChunks})
	if err != nil {
		r.emit.Emit(events.StageGroundingFail, "Grounding search failed", map[string]any{
			"error": llm.SafeLogString(err.Error()),
		})
		return nil
	}

	chunks := make([]GroundingChunk, 0, r.settings.GroundingChunks)
	for _, a := range res.Answers {
		if len(chunks) >= r.settings.GroundingChunks {
			break
		}
		chunks = append(chunks, GroundingChunk{
			Source:        a.Source,
			SourceID:      a.SourceID,
			NodeType:      a.NodeType,
			Heading:       a.Heading,
			Content:       a.Content,
			Score:         a.Score,
			Verified:      a.Verified,
			RetrievalPath: a.RetrievalPath,
		})
	}
	r.emit.Emit(events.StageGroundingDone, "Grounding search finished", map[string]any{
		"chunks": len(chunks),
	})
	return chunks
}

// filterRows applies relevance filtering against the user text and records
// the dispositions.
func (e *Engine) filterRows(r *run, rows []relevance.Row) relevance.Outcome {
	out := relevance.Filter(rows, r.user, r.settings.Relevance)
	relevanceRowsTotal.WithLabelValues("kept").Add(float64(out.Total - out.Dropped))
	relevanceRowsTotal.WithLabelValues("dropped").Add(float64(out.Dropped))
	r.emit.Emit(events.StageRelevanceFiltered, "Filtered sources for relevance", map[string]any{
		"total":    out.Total,
		"kept":     len(out.Rows),
		"dropped":  out.Dropped,
		"fallback": out.Fallback,
	})
	return out
}

// completeSummary makes the summarizer call. A JSON answer is normalized to
// the Summary shape; prose is passed through trimmed.
func (e *Engine) completeSummary(ctx context.Context, in summaryInput) (string, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("chat: encode summary input: %w", err)
	}
	temp := float32(0)
	params := e.params
	params.Temperature = &temp

	res, err := e.client.Complete(ctx, []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: summaryPrompt},
		{Role: llm.RoleUser, Content: string(payload)},
	}, nil, params)
	if err != nil {
		return "", fmt.Errorf("chat: summarize: %w", err)
	}
	text := strings.TrimSpace(res.Content)
	if text == "" {
		return "", errEmptySummary
	}

	if s := parse.JSONObject(text, Summary{}); s.OK() {
		b, err := json.Marshal(s.Value)
		if err == nil {
			return string(b), nil
		}
	}
	return text, nil
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
