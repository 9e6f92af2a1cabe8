// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EmbeddingClient implements Embedder against an OpenAI-compatible
// /v1/embeddings endpoint, such as the legal corpus embedding server.
//
// Thread Safety: EmbeddingClient is safe for concurrent use.
type EmbeddingClient struct {
	client *openai.Client
	model  string
}

// NewEmbeddingClient creates an EmbeddingClient.
//
// Inputs:
//   - baseURL: API root, e.g. "http://localhost:8000/v1".
//   - apiKey: Bearer token. May be empty for local servers.
//   - model: Embedding model name.
//
// Outputs:
//   - *EmbeddingClient: The configured client.
func NewEmbeddingClient(baseURL, apiKey, model string) *EmbeddingClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &EmbeddingClient{client: openai.NewClientWithConfig(cfg), model: model}
}

// Embed returns the embedding vector for text.
//
// Outputs:
//   - []float32: The vector. Never empty on success.
//   - error: Non-nil on transport failure or an empty response.
func (e *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := otel.Tracer(llmTracerName).Start(ctx, "llm.EmbeddingClient.Embed",
		trace.WithAttributes(
			attribute.String("model", e.model),
			attribute.Int("text_len", len(text)),
		),
	)
	defer span.End()

	start := time.Now()
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err == nil && len(resp.Data) == 0 {
		err = fmt.Errorf("embedding: server returned no vectors")
	}
	recordLLMMetrics("embedding", "embed", time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("embedding: %s", SafeLogString(err.Error()))
	}

	vec := resp.Data[0].Embedding
	span.SetAttributes(attribute.Int("dimensions", len(vec)))
	return vec, nil
}
