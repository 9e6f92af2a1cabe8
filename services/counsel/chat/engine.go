// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chat is the conversational tool-orchestration engine.
//
// A chat turn takes one of two paths. The heuristic path optimizes the
// retrieval query, runs a bounded tool-selection loop with forced-call
// safety nets, and compresses the tool ledger into a summary. The
// deterministic path, enabled by configuration for legal questions,
// introspects the graph endpoint, plans a small batch of read-only queries,
// filters their results for relevance and summarizes them. Both paths end
// in one closing completion call that produces the reply.
//
// Every run is tagged with a run id and reports its progress as
// ChatProcessEvents on the injected events.Broadcaster.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/config"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/events"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/graphql"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/knowledge"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/tools"
	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

var (
	// ErrIntrospectionFailed aborts the deterministic path.
	ErrIntrospectionFailed = errors.New("graph introspection failed")

	// ErrNoQueryFields is wrapped by ErrIntrospectionFailed when the schema
	// has an empty query root.
	ErrNoQueryFields = errors.New("graph schema has no query fields")

	// ErrNoUserMessage is returned by HandleChat for a conversation with no
	// user turn.
	ErrNoUserMessage = errors.New("conversation has no user message")
)

// Orchestration paths, as reported in metrics and events.
const (
	PathHeuristic     = "heuristic"
	PathDeterministic = "deterministic"
)

// ToolRegistry is the capability registry consumed by the engine.
type ToolRegistry interface {
	Resolve(name string) tools.Capability
	Definitions() []llm.ToolDef
	FindByPrefix(prefix string) (string, bool)
	SemanticGuide() string
}

// GraphEndpoint runs and introspects graph queries.
type GraphEndpoint interface {
	graphql.Runner
	graphql.Introspector
}

// Deps are the engine's collaborators.
type Deps struct {
	// Client is the completion service. Required.
	Client llm.ChatClient

	// Tools is the capability registry. Required.
	Tools ToolRegistry

	// Knowledge backs summary grounding and the deterministic path's
	// semantic search. Optional.
	Knowledge knowledge.Searcher

	// Graph enables the deterministic path. Optional.
	Graph GraphEndpoint

	// Bus receives progress events. Nil uses events.Noop.
	Bus events.Broadcaster

	// Settings supplies engine tunables per run. Nil uses the embedded defaults.
	Settings config.EngineSource

	// SystemPrompt overrides DefaultSystemPrompt.
	SystemPrompt string

	// Params tunes every completion call.
	Params llm.GenerationParams

	Logger *slog.Logger
}

// Engine handles chat turns.
//
// # Thread Safety
//
// Safe for concurrent use. Each HandleChat call owns its transcript and
// ledger; only the broadcaster is shared between runs.
type Engine struct {
	client       llm.ChatClient
	tools        ToolRegistry
	knowledge    knowledge.Searcher
	graph        GraphEndpoint
	bus          events.Broadcaster
	settings     config.EngineSource
	systemPrompt string
	params       llm.GenerationParams
	logger       *slog.Logger
	runs         *runCounter
}

// New validates deps and builds an Engine.
func New(deps Deps) (*Engine, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("chat: completion client is required")
	}
	if deps.Tools == nil {
		return nil, fmt.Errorf("chat: tool registry is required")
	}
	e := &Engine{
		client:       deps.Client,
		tools:        deps.Tools,
		knowledge:    deps.Knowledge,
		graph:        deps.Graph,
		bus:          deps.Bus,
		settings:     deps.Settings,
		systemPrompt: deps.SystemPrompt,
		params:       deps.Params,
		logger:       deps.Logger,
		runs:         newRunCounter(),
	}
	if e.bus == nil {
		e.bus = events.Noop{}
	}
	if e.settings == nil {
		e.settings = config.DefaultEngineConfig()
	}
	if strings.TrimSpace(e.systemPrompt) == "" {
		e.systemPrompt = DefaultSystemPrompt
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Reply is the result of a chat turn.
type Reply struct {
	Text  string `json:"reply"`
	RunID string `json:"run_id"`
	Path  string `json:"path"`
}

type runIDKey struct{}

// WithRunID attaches a caller-chosen run id to ctx.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFrom returns the run id attached with WithRunID.
func RunIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok && id != ""
}

// HandleChat produces the reply for one conversation turn.
//
// # Description
//
// Chooses the deterministic path when it is enabled, a graph endpoint is
// configured, and the latest user message looks legal; otherwise runs the
// heuristic path. Degradable failures along either path are reported as
// events and replaced by fallbacks. An unusable graph schema ends the run
// with IntrospectionFailureReply.
//
// # Inputs
//
//   - ctx: Cancellation and tracing. A run id may be attached with WithRunID.
//   - messages: The conversation, oldest first. Must contain a user message.
//
// # Outputs
//
//   - *Reply: The reply text and run id.
//   - error: ErrNoUserMessage, or the final completion call's failure.
func (e *Engine) HandleChat(ctx context.Context, messages []llm.ChatMessage) (*Reply, error) {
	runID, ok := RunIDFrom(ctx)
	if !ok {
		runID = uuid.NewString()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "chat.HandleChat",
		trace.WithAttributes(
			attribute.String("chat.run_id", runID),
			attribute.Int("chat.messages", len(messages)),
		),
	)
	defer span.End()

	if !hasRole(messages, llm.RoleUser) {
		return nil, ErrNoUserMessage
	}
	user, assistant := latestTurn(messages)

	r := e.newRun(runID, messages, user, assistant)
	logger := e.logger.With(slog.String("run_id", runID))
	start := time.Now()

	path := PathHeuristic
	if r.settings.DeterministicGraph && e.graph != nil && LooksLegal(user, r.settings.LegalKeywords) {
		path = PathDeterministic
	}
	span.SetAttributes(attribute.String("chat.path", path))
	r.emit.Emit(events.StageRunStart, "Chat run started", map[string]any{
		"path":     path,
		"messages": len(messages),
	})
	r.emit.Activity(events.ActivityRetrieving)
	logger.Info("chat run started", slog.String("path", path), slog.Int("messages", len(messages)))

	var finalContext []llm.ChatMessage
	if path == PathDeterministic {
		res, err := e.orchestrate(ctx, r)
		if err != nil {
			logger.Warn("deterministic retrieval failed", slog.String("error", err.Error()))
			r.emit.Activity(events.ActivityIdle)
			r.emit.Emit(events.StageRunDone, "Chat run finished", map[string]any{"path": path, "outcome": "introspection_failed"})
			e.runs.add(ctx, path, "introspection_failed")
			return &Reply{Text: IntrospectionFailureReply, RunID: runID, Path: path}, nil
		}
		finalContext = res.Context
	} else {
		finalContext = e.heuristic(ctx, r, logger)
	}

	text, err := e.generateReply(ctx, r, finalContext)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "final reply failed")
		logger.Error("final reply failed", slog.String("error", err.Error()))
		e.runs.add(ctx, path, "error")
		return nil, err
	}

	observePhase("run", start)
	r.emit.Emit(events.StageRunDone, "Chat run finished", map[string]any{
		"path":       path,
		"outcome":    "ok",
		"toolCalls":  len(r.ledger),
		"durationMs": time.Since(start).Milliseconds(),
	})
	e.runs.add(ctx, path, "ok")
	logger.Info("chat run finished", slog.String("path", path), slog.Int("tool_calls", len(r.ledger)),
		slog.Duration("duration", time.Since(start)))
	return &Reply{Text: text, RunID: runID, Path: path}, nil
}

// heuristic runs optimize, tool loop and summary, and returns the final
// context.
func (e *Engine) heuristic(ctx context.Context, r *run, logger *slog.Logger) []llm.ChatMessage {
	opt := e.optimizeContext(ctx, r.emit, r.user, r.assistant)
	r.query = opt.Query

	r.transcript = append(r.transcript, llm.ChatMessage{Role: llm.RoleSystem, Content: e.systemPrompt})
	if opt.Optimized {
		r.transcript = append(r.transcript, llm.ChatMessage{Role: llm.RoleSystem, Content: optimizedContextNote(opt.Query)})
	}
	r.transcript = append(r.transcript, conversation(r.messages)...)

	if _, err := e.runToolLoop(ctx, r); err != nil {
		logger.Warn("tool loop failed, forcing knowledge search", slog.String("error", err.Error()))
		e.forceKnowledgeSearch(ctx, r, ReasonToolLoopFailed, r.retrievalQuery(), r.iteration)
	}

	summary := e.summarize(ctx, r)
	out := append([]llm.ChatMessage(nil), r.transcript...)
	if summary != "" {
		out = append(out, llm.ChatMessage{Role: llm.RoleSystem, Content: "Tool-result summary:\n" + summary})
	}
	return out
}

// latestTurn returns the content of the last user message and of the last
// assistant message that precedes it.
func latestTurn(messages []llm.ChatMessage) (user, assistant string) {
	userIdx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			userIdx = i
			user = messages[i].Content
			break
		}
	}
	if userIdx < 0 {
		return "", ""
	}
	for i := userIdx - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleAssistant && len(messages[i].ToolCalls) == 0 {
			assistant = messages[i].Content
			break
		}
	}
	return user, assistant
}

func hasRole(messages []llm.ChatMessage, role string) bool {
	for _, m := range messages {
		if m.Role == role {
			return true
		}
	}
	return false
}

// conversation returns the caller's messages without system entries; the
// engine supplies its own system prompt.
func conversation(messages []llm.ChatMessage) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}
