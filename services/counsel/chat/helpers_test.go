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
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/config"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/events"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/graphql"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/knowledge"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/tools"
	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

// =============================================================================
// Scripted completion client
// =============================================================================

const (
	callOptimize = "optimize"
	callLoop     = "loop"
	callPlan     = "plan"
	callSummary  = "summary"
	callReply    = "reply"
)

type recordedCall struct {
	kind     string
	messages []llm.ChatMessage
	tools    []llm.ToolDef
}

// scriptedClient answers completion calls by role, recognized from the
// first system prompt and whether tools were offered.
type scriptedClient struct {
	mu    sync.Mutex
	calls []recordedCall

	optimize    string
	optimizeErr error

	// loop answers the i-th tool-loop call (1-based). Nil stops at once.
	loop func(i int) (*llm.CompletionResult, error)

	plan    string
	planErr error

	summary    string
	summaryErr error

	reply    string
	replyErr error
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{
		optimize: "Virginia custody factors under Va. Code § 20-124.3",
		plan:     `{"queries":[]}`,
		summary:  `{"intent":"custody","keyFindings":["best interests factors"],"legalSources":[],"gaps":[],"confidence":"medium"}`,
		reply:    "Here is what Virginia law says.",
	}
}

func classify(messages []llm.ChatMessage, defs []llm.ToolDef) string {
	if defs != nil {
		return callLoop
	}
	if len(messages) > 0 && messages[0].Role == llm.RoleSystem {
		switch {
		case strings.HasPrefix(messages[0].Content, "You rewrite"):
			return callOptimize
		case strings.HasPrefix(messages[0].Content, "You plan"):
			return callPlan
		case strings.HasPrefix(messages[0].Content, "You compress"):
			return callSummary
		}
	}
	return callReply
}

func (c *scriptedClient) Complete(_ context.Context, messages []llm.ChatMessage, defs []llm.ToolDef, _ llm.GenerationParams) (*llm.CompletionResult, error) {
	kind := classify(messages, defs)

	c.mu.Lock()
	c.calls = append(c.calls, recordedCall{
		kind:     kind,
		messages: append([]llm.ChatMessage(nil), messages...),
		tools:    defs,
	})
	n := 0
	for _, rc := range c.calls {
		if rc.kind == kind {
			n++
		}
	}
	c.mu.Unlock()

	text := func(s string, err error) (*llm.CompletionResult, error) {
		if err != nil {
			return nil, err
		}
		return &llm.CompletionResult{Content: s, FinishReason: llm.FinishStop}, nil
	}

	switch kind {
	case callOptimize:
		return text(c.optimize, c.optimizeErr)
	case callPlan:
		return text(c.plan, c.planErr)
	case callSummary:
		return text(c.summary, c.summaryErr)
	case callLoop:
		if c.loop == nil {
			return text("I can answer directly.", nil)
		}
		return c.loop(n)
	default:
		return text(c.reply, c.replyErr)
	}
}

func (c *scriptedClient) count(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, rc := range c.calls {
		if rc.kind == kind {
			n++
		}
	}
	return n
}

func (c *scriptedClient) last(kind string) recordedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.calls) - 1; i >= 0; i-- {
		if c.calls[i].kind == kind {
			return c.calls[i]
		}
	}
	return recordedCall{}
}

func toolCall(id, name, args string) *llm.CompletionResult {
	return &llm.CompletionResult{
		FinishReason: llm.FinishToolCalls,
		ToolCalls: []llm.ToolCallResponse{{
			ID:        id,
			Name:      name,
			Arguments: json.RawMessage(args),
		}},
	}
}

// =============================================================================
// Fake backends
// =============================================================================

type fakeSearcher struct {
	mu      sync.Mutex
	queries []knowledge.Query
	result  *knowledge.Result
	err     error
}

func (f *fakeSearcher) Search(_ context.Context, q knowledge.Query) (*knowledge.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	if f.result == nil {
		return &knowledge.Result{}, nil
	}
	return f.result, nil
}

func (f *fakeSearcher) calls() []knowledge.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]knowledge.Query(nil), f.queries...)
}

type fakeGraph struct {
	mu             sync.Mutex
	schema         *graphql.Schema
	introErr       error
	introspections int
	runs           []string
	data           func(query string) (map[string]any, error)
}

func (f *fakeGraph) Introspect(context.Context) (*graphql.Schema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.introspections++
	if f.introErr != nil {
		return nil, f.introErr
	}
	return f.schema, nil
}

func (f *fakeGraph) Run(_ context.Context, query string, _ map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.runs = append(f.runs, query)
	f.mu.Unlock()
	if f.data == nil {
		return map[string]any{"searchNodes": []any{}}, nil
	}
	return f.data(query)
}

func (f *fakeGraph) counts() (introspections, runs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.introspections, len(f.runs)
}

func legalSchema() *graphql.Schema {
	return &graphql.Schema{
		QueryType: "Query",
		Fields: []graphql.Field{
			{Name: "searchNodes", Type: "[Node!]!"},
			{Name: "node", Type: "Node"},
		},
	}
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	engine   *Engine
	client   *scriptedClient
	searcher *fakeSearcher
	graph    *fakeGraph
	bus      *events.Recorder
	registry *tools.Registry
}

func newHarness(t *testing.T, client *scriptedClient, mutate func(*config.EngineConfig)) *harness {
	t.Helper()
	h := &harness{
		client:   client,
		searcher: &fakeSearcher{},
		graph:    &fakeGraph{schema: legalSchema()},
		bus:      &events.Recorder{},
	}
	h.registry = tools.NewRegistry(nil)
	h.registry.MustRegister(
		tools.NewKnowledgeSearchTool(h.searcher),
		tools.NewNodeSearchTool(h.graph, ""),
		tools.NewNodeGetTool(h.graph, ""),
	)

	settings := config.DefaultEngineConfig()
	if mutate != nil {
		mutate(&settings)
	}
	e, err := New(Deps{
		Client:    client,
		Tools:     h.registry,
		Knowledge: h.searcher,
		Graph:     h.graph,
		Bus:       h.bus,
		Settings:  settings,
	})
	require.NoError(t, err)
	h.engine = e
	return h
}

func userTurn(text string) []llm.ChatMessage {
	return []llm.ChatMessage{{Role: llm.RoleUser, Content: text}}
}

func toolMessages(msgs []llm.ChatMessage) []llm.ChatMessage {
	var out []llm.ChatMessage
	for _, m := range msgs {
		if m.Role == llm.RoleTool {
			out = append(out, m)
		}
	}
	return out
}

func eventsWithStage(bus *events.Recorder, stage events.Stage) []events.ChatProcessEvent {
	var out []events.ChatProcessEvent
	for _, ev := range bus.ProcessEvents() {
		if ev.Stage == stage {
			out = append(out, ev)
		}
	}
	return out
}
