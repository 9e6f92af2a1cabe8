// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package counsel exposes the chat engine over HTTP.
package counsel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/chat"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/tools"
	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

// HeaderRunID lets a caller choose the run id of a chat turn.
const HeaderRunID = "X-Run-ID"

// Chatter handles one chat turn.
type Chatter interface {
	HandleChat(ctx context.Context, messages []llm.ChatMessage) (*chat.Reply, error)
}

// Cataloger lists the registered tools.
type Cataloger interface {
	Catalog() []tools.Definition
}

// ReadyCheck reports whether a dependency is usable.
type ReadyCheck func(ctx context.Context) error

// =============================================================================
// Wire types
// =============================================================================

// MessageRequest is one conversation message as sent by clients.
type MessageRequest struct {
	Role    string `json:"role" binding:"required,oneof=system user assistant"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /v1/counsel/chat.
type ChatRequest struct {
	Messages []MessageRequest `json:"messages" binding:"required,min=1,dive"`
}

// ChatResponse is a successful chat turn.
type ChatResponse struct {
	Reply string `json:"reply"`
	RunID string `json:"run_id"`
	Path  string `json:"path"`
}

// ErrorResponse is the body of every error status.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	RunID   string `json:"run_id,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// ToolInfo describes one tool for GET /v1/counsel/tools.
type ToolInfo struct {
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords,omitempty"`
	UseWhen     string   `json:"use_when,omitempty"`
	AvoidWhen   string   `json:"avoid_when,omitempty"`
}

// =============================================================================
// Handlers
// =============================================================================

// Handlers serves the counsel HTTP API.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	chat    Chatter
	events  http.Handler
	catalog Cataloger
	checks  map[string]ReadyCheck
	logger  *slog.Logger
}

// NewHandlers wires the handlers. events and catalog may be nil.
func NewHandlers(c Chatter, events http.Handler, catalog Cataloger, checks map[string]ReadyCheck, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{chat: c, events: events, catalog: catalog, checks: checks, logger: logger}
}

// HandleChat handles POST /v1/counsel/chat.
//
// Description:
//
//	Runs one chat turn. An optional X-Run-ID header must be a UUID; the
//	run id is echoed in every response so clients can correlate the
//	chat:process events they receive on /v1/counsel/events.
//
// Response:
//
//	200 OK: ChatResponse
//	400 Bad Request: Invalid body, run id, or no user message
//	502 Bad Gateway: The completion service failed
func (h *Handlers) HandleChat(c *gin.Context) {
	runID := c.GetHeader(HeaderRunID)
	if runID == "" {
		runID = uuid.NewString()
	} else if !strfmt.IsUUID(runID) {
		h.fail(c, http.StatusBadRequest, "INVALID_RUN_ID", "X-Run-ID must be a UUID", "")
		return
	}
	logger := h.logger.With(slog.String("run_id", runID), slog.String("handler", "HandleChat"))

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), runID)
		return
	}

	messages := make([]llm.ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, llm.ChatMessage{Role: m.Role, Content: m.Content})
	}

	start := time.Now()
	reply, err := h.chat.HandleChat(chat.WithRunID(c.Request.Context(), runID), messages)
	if err != nil {
		if errors.Is(err, chat.ErrNoUserMessage) {
			h.fail(c, http.StatusBadRequest, "NO_USER_MESSAGE", err.Error(), runID)
			return
		}
		logger.Error("chat turn failed",
			slog.String("error", llm.SafeLogString(err.Error())),
			slog.Duration("duration", time.Since(start)))
		h.fail(c, http.StatusBadGateway, "COMPLETION_FAILED", llm.SafeLogString(err.Error()), runID)
		return
	}

	logger.Info("chat turn completed",
		slog.String("path", reply.Path),
		slog.Duration("duration", time.Since(start)))
	c.JSON(http.StatusOK, ChatResponse{Reply: reply.Text, RunID: reply.RunID, Path: reply.Path})
}

// HandleEvents handles GET /v1/counsel/events by upgrading to a websocket
// that streams chat:process and chat:activity events.
func (h *Handlers) HandleEvents(c *gin.Context) {
	if h.events == nil {
		h.fail(c, http.StatusNotFound, "EVENTS_DISABLED", "event streaming is not configured", "")
		return
	}
	h.events.ServeHTTP(c.Writer, c.Request)
}

// HandleTools handles GET /v1/counsel/tools.
func (h *Handlers) HandleTools(c *gin.Context) {
	out := make([]ToolInfo, 0)
	if h.catalog != nil {
		for _, d := range h.catalog.Catalog() {
			out = append(out, ToolInfo{
				Name:        d.Name(),
				Kind:        d.Kind.String(),
				Description: d.Def.Function.Description,
				Keywords:    d.WhenToUse.Keywords,
				UseWhen:     d.WhenToUse.UseWhen,
				AvoidWhen:   d.WhenToUse.AvoidWhen,
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"tools": out, "count": len(out)})
}

// HandleHealth handles GET /v1/counsel/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleReady handles GET /v1/counsel/ready.
//
// Every registered check runs with a short timeout; any failure yields 503
// with the per-check results.
func (h *Handlers) HandleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	results := make(map[string]string, len(h.checks))
	ready := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			ready = false
			results[name] = llm.SafeLogString(err.Error())
			continue
		}
		results[name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	c.JSON(status, gin.H{"status": state, "checks": results})
}

func (h *Handlers) fail(c *gin.Context, status int, code, msg, runID string) {
	resp := ErrorResponse{Error: msg, Code: code, RunID: runID}
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		resp.TraceID = sc.TraceID().String()
	}
	c.JSON(status, resp)
}
