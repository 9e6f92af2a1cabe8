// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package counsel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/chat"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/events"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/tools"
	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

// mockChatter implements Chatter for testing.
type mockChatter struct {
	handleFunc func(ctx context.Context, messages []llm.ChatMessage) (*chat.Reply, error)
	gotRunID   string
	gotMsgs    []llm.ChatMessage
}

func (m *mockChatter) HandleChat(ctx context.Context, messages []llm.ChatMessage) (*chat.Reply, error) {
	m.gotRunID, _ = chat.RunIDFrom(ctx)
	m.gotMsgs = messages
	if m.handleFunc != nil {
		return m.handleFunc(ctx, messages)
	}
	return &chat.Reply{Text: "Mock reply", RunID: m.gotRunID, Path: chat.PathHeuristic}, nil
}

type stubTool struct{ name string }

func (s stubTool) Definition() tools.Definition {
	return tools.Definition{
		Def: llm.ToolDef{Type: "function", Function: llm.ToolFunction{
			Name:        s.name,
			Description: "stub " + s.name,
		}},
		Kind:      tools.KindSearch,
		WhenToUse: tools.WhenToUse{UseWhen: "always"},
	}
}

func (s stubTool) Execute(context.Context, map[string]any) (string, error) { return "{}", nil }

func newTestRouter(t *testing.T, c Chatter, hub http.Handler, checks map[string]ReadyCheck) *gin.Engine {
	t.Helper()
	reg := tools.NewRegistry(nil)
	reg.MustRegister(stubTool{name: "knowledge_search"}, stubTool{name: "node_get"})
	return NewRouter(NewHandlers(c, hub, reg, checks, nil), "counsel-test", false)
}

func postChat(t *testing.T, router http.Handler, body string, runID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/counsel/chat", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if runID != "" {
		req.Header.Set(HeaderRunID, runID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

const okBody = `{"messages":[{"role":"user","content":"What is Va. Code § 20-124.3?"}]}`

func TestHandleChat_Success(t *testing.T) {
	m := &mockChatter{}
	router := newTestRouter(t, m, nil, nil)

	w := postChat(t, router, okBody, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Mock reply", resp.Reply)
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, m.gotRunID, resp.RunID)
	require.Len(t, m.gotMsgs, 1)
	assert.Equal(t, llm.RoleUser, m.gotMsgs[0].Role)
}

func TestHandleChat_EchoesProvidedRunID(t *testing.T) {
	m := &mockChatter{}
	router := newTestRouter(t, m, nil, nil)
	id := "7f9c2a4e-1b3d-4c5e-8f6a-0b1c2d3e4f50"

	w := postChat(t, router, okBody, id)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, m.gotRunID)
	assert.Contains(t, w.Body.String(), id)
}

func TestHandleChat_BadRequests(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		runID string
		code  string
	}{
		{name: "invalid json", body: `{`, code: "INVALID_REQUEST"},
		{name: "no messages", body: `{"messages":[]}`, code: "INVALID_REQUEST"},
		{name: "bad role", body: `{"messages":[{"role":"tool","content":"x"}]}`, code: "INVALID_REQUEST"},
		{name: "bad run id", body: okBody, runID: "not-a-uuid", code: "INVALID_RUN_ID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockChatter{}
			router := newTestRouter(t, m, nil, nil)

			w := postChat(t, router, tt.body, tt.runID)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Code)
			assert.Nil(t, m.gotMsgs, "engine must not be called")
		})
	}
}

func TestHandleChat_NoUserMessage(t *testing.T) {
	m := &mockChatter{handleFunc: func(context.Context, []llm.ChatMessage) (*chat.Reply, error) {
		return nil, chat.ErrNoUserMessage
	}}
	router := newTestRouter(t, m, nil, nil)

	w := postChat(t, router, `{"messages":[{"role":"assistant","content":"hi"}]}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "NO_USER_MESSAGE")
}

func TestHandleChat_CompletionFailureIs502WithRunID(t *testing.T) {
	m := &mockChatter{handleFunc: func(context.Context, []llm.ChatMessage) (*chat.Reply, error) {
		return nil, fmt.Errorf("chat: generate reply: %w", errors.New("upstream unavailable"))
	}}
	router := newTestRouter(t, m, nil, nil)

	w := postChat(t, router, okBody, "")
	assert.Equal(t, http.StatusBadGateway, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "COMPLETION_FAILED", resp.Code)
	assert.Equal(t, m.gotRunID, resp.RunID)
	assert.Contains(t, resp.Error, "upstream unavailable")
}

func TestHandleTools(t *testing.T) {
	router := newTestRouter(t, &mockChatter{}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/counsel/tools", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tools []ToolInfo `json:"tools"`
		Count int        `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, "knowledge_search", resp.Tools[0].Name)
	assert.Equal(t, tools.KindSearch.String(), resp.Tools[0].Kind)
	assert.Equal(t, "always", resp.Tools[0].UseWhen)
}

func TestHandleHealthAndReady(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]ReadyCheck
		status int
	}{
		{name: "no checks", status: http.StatusOK},
		{
			name:   "all ok",
			checks: map[string]ReadyCheck{"graph": func(context.Context) error { return nil }},
			status: http.StatusOK,
		},
		{
			name: "one failing",
			checks: map[string]ReadyCheck{
				"graph":     func(context.Context) error { return nil },
				"knowledge": func(context.Context) error { return errors.New("dial tcp: refused") },
			},
			status: http.StatusServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, &mockChatter{}, nil, tt.checks)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/counsel/health", nil))
			assert.Equal(t, http.StatusOK, w.Code)

			w = httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/counsel/ready", nil))
			assert.Equal(t, tt.status, w.Code)
			if tt.status != http.StatusOK {
				assert.Contains(t, w.Body.String(), "refused")
			}
		})
	}
}

func TestHandleMetrics(t *testing.T) {
	router := newTestRouter(t, &mockChatter{}, nil, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/counsel/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestHandleEvents_Disabled(t *testing.T) {
	router := newTestRouter(t, &mockChatter{}, nil, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/counsel/events", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleEvents_StreamsChatEvents(t *testing.T) {
	hub := events.NewHub(nil)
	defer hub.Close()
	srv := httptest.NewServer(newTestRouter(t, &mockChatter{}, hub, nil))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/counsel/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	emit := events.NewEmitter(hub, "run-ws")
	emit.Emit(events.StageToolForced, "Forcing knowledge search", map[string]any{"reason": "no_tool_calls"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame struct {
		Event   string                  `json:"event"`
		Payload events.ChatProcessEvent `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, events.EventChatProcess, frame.Event)
	assert.Equal(t, events.StageToolForced, frame.Payload.Stage)
	assert.Equal(t, "run-ws", frame.Payload.RunID)
}
