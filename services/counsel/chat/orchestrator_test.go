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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/config"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/events"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/knowledge"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/relevance"
	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

const custodyPlan = `Here is the plan:
{"queries":[
  {"query":"query { searchNodes(query: \"custody\") { source sourceId nodeType text } }","purpose":"custody sections"},
  {"query":"mutation { deleteNode(id: 1) { id } }","purpose":"bad"},
  "query { node(source: \"virginia_code\", sourceId: \"20-124.2\") { source sourceId nodeType text } }"
]}`

func custodyRows() map[string]any {
	return map[string]any{"searchNodes": []any{
		map[string]any{"source": "virginia_code", "sourceId": "20-124.3", "nodeType": "section", "text": "Best interests of the child in custody matters"},
		map[string]any{"source": "virginia_code", "sourceId": "20-124.2", "nodeType": "section", "text": "Court-ordered custody and visitation arrangements"},
	}}
}

func deterministicHarness(t *testing.T) *harness {
	t.Helper()
	client := newScriptedClient()
	client.plan = custodyPlan
	h := newHarness(t, client, func(c *config.EngineConfig) { c.DeterministicGraph = true })
	h.searcher.result = &knowledge.Result{Answers: []knowledge.Answer{
		{
			Source: "virginia_code", SourceID: "20-124.3", NodeType: "section",
			Heading: "Best interests of the child", Content: "In determining best interests of a child for purposes of custody...",
			Score: 0.82, Verified: true, RetrievalPath: knowledge.PathService,
		},
		{
			Source: "authorities", SourceID: "dss", NodeType: "authority",
			Content: "Department of Social Services", Score: 0.21,
		},
	}}
	h.graph.data = func(string) (map[string]any, error) { return custodyRows(), nil }
	return h
}

func TestHandleChat_DeterministicPath(t *testing.T) {
	h := deterministicHarness(t)

	reply, err := h.engine.HandleChat(context.Background(), userTurn(custodyQuestion))
	require.NoError(t, err)
	assert.Equal(t, PathDeterministic, reply.Path)
	assert.Equal(t, "Here is what Virginia law says.", reply.Text)

	introspections, runs := h.graph.counts()
	assert.Equal(t, 1, introspections)
	assert.Equal(t, 2, runs, "mutation is rejected")
	assert.Equal(t, 1, h.client.count(callPlan))
	assert.Zero(t, h.client.count(callLoop))

	queries := h.searcher.calls()
	require.Len(t, queries, 1)
	assert.Equal(t, 5, queries[0].TopK)

	plan := h.client.last(callPlan)
	assert.Contains(t, plan.messages[0].Content, "searchNodes")
	assert.Contains(t, plan.messages[0].Content, "At most 4 queries")
	require.Len(t, plan.messages, 2)
	assert.True(t, strings.HasPrefix(plan.messages[1].Content, h.client.optimize))
	assert.Contains(t, plan.messages[1].Content, `source=virginia_code sourceId=20-124.3 nodeType=section heading="Best interests of the child" score=0.82`)

	final := h.client.last(callReply)
	require.Len(t, final.messages, 3)
	assert.Equal(t, DefaultSystemPrompt, final.messages[0].Content)
	assert.Equal(t, custodyQuestion, final.messages[1].Content)

	ctxMsg := final.messages[2]
	assert.Equal(t, llm.RoleSystem, ctxMsg.Role)
	assert.True(t, strings.HasPrefix(ctxMsg.Content, "Deterministic retrieval summary:\n"))
	assert.Equal(t, 1, strings.Count(ctxMsg.Content, "[virginia_code 20-124.3 section"))
	assert.Contains(t, ctxMsg.Content, "[virginia_code 20-124.2 section]")
	assert.NotContains(t, ctxMsg.Content, "Department of Social Services", "below the semantic score floor")

	first := strings.Index(ctxMsg.Content, "score 0.82")
	second := strings.Index(ctxMsg.Content, "20-124.2")
	assert.True(t, first >= 0 && first < second, "semantic excerpts come first")

	for _, stage := range []events.Stage{
		events.StageOrchestrationStart, events.StageSemanticSearchDone, events.StageIntrospectionDone,
		events.StagePlanDone, events.StageGraphQueryDone, events.StageRelevanceFiltered,
		events.StageOrchestrationDone,
	} {
		assert.Positive(t, h.bus.Count(stage), stage)
	}
}

func TestHandleChat_DeterministicDegradesOnSearchAndPlanFailures(t *testing.T) {
	h := deterministicHarness(t)
	h.searcher.err = errors.New("knowledge service down")
	h.client.planErr = errors.New("planner timeout")

	reply, err := h.engine.HandleChat(context.Background(), userTurn(custodyQuestion))
	require.NoError(t, err)
	assert.Equal(t, "Here is what Virginia law says.", reply.Text)

	assert.Equal(t, 1, h.bus.Count(events.StageSemanticSearchFailed))
	assert.Equal(t, 1, h.bus.Count(events.StagePlanFailed))
	_, runs := h.graph.counts()
	assert.Zero(t, runs)
}

func TestHandleChat_DeterministicGraphQueryFailureIsSkipped(t *testing.T) {
	h := deterministicHarness(t)
	calls := 0
	h.graph.data = func(string) (map[string]any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("syntax error")
		}
		return custodyRows(), nil
	}

	_, err := h.engine.HandleChat(context.Background(), userTurn(custodyQuestion))
	require.NoError(t, err)
	assert.Equal(t, 1, h.bus.Count(events.StageGraphQueryFailed))
	assert.Equal(t, 1, h.bus.Count(events.StageGraphQueryDone))
}

func TestHandleChat_DeterministicSummaryFailureUsesPlaceholder(t *testing.T) {
	h := deterministicHarness(t)
	h.client.summaryErr = errors.New("summarizer down")

	_, err := h.engine.HandleChat(context.Background(), userTurn(custodyQuestion))
	require.NoError(t, err)

	final := h.client.last(callReply)
	assert.Contains(t, final.messages[len(final.messages)-1].Content, PlaceholderSummary)
}

func TestPlannerUserPrompt(t *testing.T) {
	assert.Equal(t, "custody factors", plannerUserPrompt("custody factors", nil))

	got := plannerUserPrompt("custody factors", []knowledge.Answer{
		{Source: "virginia_code", SourceID: "20-124.3", NodeType: "section", Heading: "Best interests of the child", Score: 0.82},
		{Source: "authorities", SourceID: "dss", NodeType: "authority", Heading: "  ", Score: 0.2},
	})
	lines := strings.Split(got, "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "custody factors", lines[0])
	assert.Equal(t, `- source=virginia_code sourceId=20-124.3 nodeType=section heading="Best interests of the child" score=0.82`, lines[3])
	assert.Equal(t, "- source=authorities sourceId=dss nodeType=authority score=0.20", lines[4])
}

func TestAcceptPlan(t *testing.T) {
	raw := func(s string) json.RawMessage { return json.RawMessage(s) }
	tests := []struct {
		name    string
		entries []json.RawMessage
		max     int
		want    []string
	}{
		{
			name:    "strings and objects",
			entries: []json.RawMessage{raw(`"query A { a }"`), raw(`{"query":"query B { b }","purpose":"b"}`)},
			max:     4,
			want:    []string{"query A { a }", "query B { b }"},
		},
		{
			name:    "mutation rejected case-insensitively",
			entries: []json.RawMessage{raw(`"MUTATION { x }"`), raw(`"query { y }"`)},
			max:     4,
			want:    []string{"query { y }"},
		},
		{
			name:    "mutation hidden inside a query is rejected",
			entries: []json.RawMessage{raw(`"query q { a } mutation m { b }"`)},
			max:     4,
			want:    []string{},
		},
		{
			name:    "missing query keyword",
			entries: []json.RawMessage{raw(`"{ searchNodes { id } }"`), raw(`"queryable { x }"`)},
			max:     4,
			want:    []string{},
		},
		{
			name:    "capped",
			entries: []json.RawMessage{raw(`"query a"`), raw(`"query b"`), raw(`"query c"`), raw(`"query d"`), raw(`"query e"`)},
			max:     4,
			want:    []string{"query a", "query b", "query c", "query d"},
		},
		{
			name:    "undecodable entries skipped",
			entries: []json.RawMessage{raw(`42`), raw(`"query ok"`)},
			max:     4,
			want:    []string{"query ok"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := acceptPlan(tt.entries, tt.max)
			queries := make([]string, 0, len(got))
			for _, pq := range got {
				queries = append(queries, pq.Query)
			}
			assert.Equal(t, tt.want, queries)
		})
	}
}

func TestRetrievalContext_CapsExcerpts(t *testing.T) {
	var rows []relevance.Row
	for i := 0; i < 20; i++ {
		rows = append(rows, relevance.Row{Source: "virginia_code", SourceID: fmt.Sprintf("1-%d", i), NodeType: "section", Text: "text"})
	}
	out := retrievalContext(`{"intent":"x"}`, nil, rows, 0.45)
	assert.Equal(t, maxExcerpts, strings.Count(out, "\n- "))
	assert.True(t, strings.HasPrefix(out, "Deterministic retrieval summary:\n{\"intent\":\"x\"}"))
}

func TestRetrievalContext_NoExcerpts(t *testing.T) {
	out := retrievalContext(PlaceholderSummary, nil, nil, 0.45)
	assert.Equal(t, "Deterministic retrieval summary:\n"+PlaceholderSummary, out)
}
