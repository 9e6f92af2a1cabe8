// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package knowledge provides semantic search over the legal corpus.
//
// Two backends implement Searcher: HTTPSearcher talks to the knowledge
// service's /search endpoint and WeaviateSearcher runs a hybrid query
// directly against the vector index. Both embed the query text with an
// llm.Embedder first; a failed embedding degrades to a text-only search.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

const tracerName = "counsel.knowledge"

// Retrieval paths reported in Answer.RetrievalPath.
const (
	PathService = "knowledge_service"
	PathHybrid  = "weaviate_hybrid"
)

// Query is one semantic search request.
type Query struct {
	Text   string    `json:"text"`
	Vector []float32 `json:"vector,omitempty"`
	TopK   int       `json:"topK"`
}

// Answer is one ranked hit.
type Answer struct {
	NodeID   string  `json:"nodeId"`
	Source   string  `json:"source"`
	SourceID string  `json:"sourceId"`
	NodeType string  `json:"nodeType"`
	Heading  string  `json:"heading,omitempty"`
	Content  string  `json:"content"`
	Score    float64 `json:"score"`

	// Verified is true when Content was read from the canonical node store
	// rather than from a copy held in the vector index.
	Verified bool `json:"verified"`

	// RetrievalPath names the backend route that produced the hit.
	RetrievalPath string `json:"retrievalPath,omitempty"`
}

// ContextNode is a graph neighbour of an answer returned for context.
type ContextNode struct {
	NodeID   string `json:"nodeId"`
	Source   string `json:"source"`
	SourceID string `json:"sourceId"`
	NodeType string `json:"nodeType"`
	RelType  string `json:"relType,omitempty"`
	Content  string `json:"content,omitempty"`
}

// Result is the search response.
type Result struct {
	Answers []Answer      `json:"answers"`
	Context []ContextNode `json:"context"`
}

// Searcher runs semantic search over the corpus.
type Searcher interface {
	Search(ctx context.Context, q Query) (*Result, error)
}

// =============================================================================
// HTTP backend
// =============================================================================

// HTTPSearcher calls the knowledge service over HTTP.
//
// Thread Safety: Safe for concurrent use.
type HTTPSearcher struct {
	baseURL    string
	embedder   llm.Embedder
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPSearcher creates a searcher for the service at baseURL.
//
// # Inputs
//
//   - baseURL: Service root, e.g. "http://localhost:8090".
//   - embedder: Used to vectorize the query text. May be nil for text-only search.
//   - timeout: Per-request timeout. Zero means 30s.
//   - logger: May be nil.
func NewHTTPSearcher(baseURL string, embedder llm.Embedder, timeout time.Duration, logger *slog.Logger) *HTTPSearcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSearcher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		embedder:   embedder,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Search implements Searcher.
func (s *HTTPSearcher) Search(ctx context.Context, q Query) (*Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "knowledge.HTTPSearcher.Search",
		trace.WithAttributes(
			attribute.Int("knowledge.top_k", q.TopK),
			attribute.Int("knowledge.query_len", len(q.Text)),
		),
	)
	defer span.End()

	if q.Vector == nil {
		q.Vector = embedOrNil(ctx, s.embedder, q.Text, s.logger)
	}

	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("knowledge: marshal query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("knowledge: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("knowledge: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("knowledge: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("knowledge: service returned %d: %s", resp.StatusCode, llm.SafeLogString(string(raw)))
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status")
		return nil, err
	}

	var out Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("knowledge: decode response: %w", err)
	}
	for i := range out.Answers {
		if out.Answers[i].RetrievalPath == "" {
			out.Answers[i].RetrievalPath = PathService
		}
	}
	span.SetAttributes(attribute.Int("knowledge.answers", len(out.Answers)))
	return &out, nil
}

func embedOrNil(ctx context.Context, e llm.Embedder, text string, logger *slog.Logger) []float32 {
	if e == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	vec, err := e.Embed(ctx, text)
	if err != nil {
		logger.Warn("knowledge: embedding failed, searching by text only",
			slog.String("error", err.Error()))
		return nil
	}
	return vec
}
