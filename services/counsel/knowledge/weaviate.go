// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

// DefaultClass is the Weaviate class holding corpus node embeddings.
const DefaultClass = "LegalNode"

// DefaultAlpha weights vector similarity against BM25 in hybrid search.
const DefaultAlpha = 0.75

// WeaviateSearcher runs hybrid (BM25 + vector) search against Weaviate.
//
// # Description
//
// Text returned by this backend is the copy stored alongside the vector,
// so every answer is reported with Verified=false. No graph context is
// returned.
//
// # Thread Safety
//
// Safe for concurrent use.
type WeaviateSearcher struct {
	client   *weaviate.Client
	class    string
	alpha    float32
	embedder llm.Embedder
	logger   *slog.Logger
}

// WeaviateOptions configures NewWeaviateSearcher.
type WeaviateOptions struct {
	// Host is "host:port" without scheme.
	Host string
	// Scheme is "http" or "https". Default "http".
	Scheme string
	// Class overrides DefaultClass.
	Class string
	// Alpha overrides DefaultAlpha when in (0, 1].
	Alpha float32
}

// NewWeaviateSearcher builds a searcher over the given Weaviate instance.
func NewWeaviateSearcher(opts WeaviateOptions, embedder llm.Embedder, logger *slog.Logger) (*WeaviateSearcher, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("knowledge: weaviate host is required")
	}
	if opts.Scheme == "" {
		opts.Scheme = "http"
	}
	if opts.Class == "" {
		opts.Class = DefaultClass
	}
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = DefaultAlpha
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := weaviate.NewClient(weaviate.Config{Host: opts.Host, Scheme: opts.Scheme})
	if err != nil {
		return nil, fmt.Errorf("knowledge: create weaviate client: %w", err)
	}
	return &WeaviateSearcher{
		client:   client,
		class:    opts.Class,
		alpha:    opts.Alpha,
		embedder: embedder,
		logger:   logger,
	}, nil
}

// Search implements Searcher.
func (s *WeaviateSearcher) Search(ctx context.Context, q Query) (*Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "knowledge.WeaviateSearcher.Search",
		trace.WithAttributes(
			attribute.String("knowledge.class", s.class),
			attribute.Int("knowledge.top_k", q.TopK),
		),
	)
	defer span.End()

	if q.Vector == nil {
		q.Vector = embedOrNil(ctx, s.embedder, q.Text, s.logger)
	}
	topK := q.TopK
	if topK <= 0 {
		topK = 5
	}

	hybrid := s.client.GraphQL().HybridArgumentBuilder().
		WithQuery(q.Text).
		WithAlpha(s.alpha)
	if len(q.Vector) > 0 {
		hybrid = hybrid.WithVector(q.Vector)
	}

	resp, err := s.client.GraphQL().Get().
		WithClassName(s.class).
		WithFields(
			graphql.Field{Name: "source"},
			graphql.Field{Name: "sourceId"},
			graphql.Field{Name: "nodeType"},
			graphql.Field{Name: "nodeId"},
			graphql.Field{Name: "heading"},
			graphql.Field{Name: "content"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "score"}}},
		).
		WithHybrid(hybrid).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "hybrid query failed")
		return nil, fmt.Errorf("knowledge: weaviate hybrid query: %w", err)
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
		err := fmt.Errorf("knowledge: weaviate returned errors: %s", strings.Join(msgs, "; "))
		span.RecordError(err)
		span.SetStatus(codes.Error, "graphql errors")
		return nil, err
	}

	answers := decodeHybrid(resp.Data, s.class)
	span.SetAttributes(attribute.Int("knowledge.answers", len(answers)))
	return &Result{Answers: answers, Context: []ContextNode{}}, nil
}

// decodeHybrid converts a Get{<class>[...]} payload into answers.
func decodeHybrid(data map[string]models.JSONObject, class string) []Answer {
	get, _ := data["Get"].(map[string]any)
	items, _ := get[class].([]any)

	answers := make([]Answer, 0, len(items))
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			continue
		}
		a := Answer{
			NodeID:        str(obj["nodeId"]),
			Source:        str(obj["source"]),
			SourceID:      str(obj["sourceId"]),
			NodeType:      str(obj["nodeType"]),
			Heading:       str(obj["heading"]),
			Content:       str(obj["content"]),
			RetrievalPath: PathHybrid,
		}
		if add, ok := obj["_additional"].(map[string]any); ok {
			if a.NodeID == "" {
				a.NodeID = str(add["id"])
			}
			a.Score = num(add["score"])
		}
		answers = append(answers, a)
	}
	return answers
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// num reads a score that Weaviate may encode as a string or a number.
func num(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err == nil {
			return f
		}
	}
	return 0
}
