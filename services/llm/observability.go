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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// llmTracerName is the shared OTel tracer name for completion and embedding calls.
const llmTracerName = "counsel.llm"

// Package-level Prometheus metrics for completion-service and embedding calls.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	// llmCallDuration measures the duration of backend calls.
	//
	// Labels:
	//   - provider: "openai", "ollama", "embedding"
	//   - operation: "complete", "embed"
	//   - status: "success" or "error"
	llmCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "counsel",
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Duration of completion and embedding calls in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "operation", "status"},
	)

	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "counsel",
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Total number of completion and embedding calls.",
		},
		[]string{"provider", "operation", "status"},
	)

	// llmErrorsTotal counts errors by type.
	//
	// Labels:
	//   - error_type: "timeout", "auth", "rate_limit", "server", "nil_client", "unknown"
	llmErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "counsel",
			Subsystem: "llm",
			Name:      "errors_total",
			Help:      "Total completion and embedding errors by type.",
		},
		[]string{"provider", "error_type"},
	)

	llmToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "counsel",
			Subsystem: "llm",
			Name:      "tool_calls_requested_total",
			Help:      "Tool calls requested by the model, by provider.",
		},
		[]string{"provider"},
	)
)

// classifyError maps an error to a label-safe error type string.
//
// Description:
//
//	Inspects the error message to categorize it into one of the predefined
//	error types. Used for Prometheus labels to avoid high cardinality.
//
// Outputs:
//
//	string - One of: "timeout", "auth", "rate_limit", "server",
//	         "nil_client", "unknown". Returns empty string for nil error.
//
// Thread Safety: Safe for concurrent use.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "client is nil"):
		return "nil_client"
	case strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "context canceled") ||
		strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "returned 401") ||
		strings.Contains(msg, "returned 403") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "api key"):
		return "auth"
	case strings.Contains(msg, "returned 429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests"):
		return "rate_limit"
	case strings.Contains(msg, "returned 500") ||
		strings.Contains(msg, "returned 502") ||
		strings.Contains(msg, "returned 503") ||
		strings.Contains(msg, "server error"):
		return "server"
	default:
		return "unknown"
	}
}

// recordLLMMetrics records Prometheus metrics for one completed call.
//
// Thread Safety: Safe for concurrent use.
func recordLLMMetrics(provider, operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		llmErrorsTotal.WithLabelValues(provider, classifyError(err)).Inc()
	}
	llmCallDuration.WithLabelValues(provider, operation, status).Observe(duration.Seconds())
	llmCallsTotal.WithLabelValues(provider, operation, status).Inc()
}

// InstrumentedClient decorates a ChatClient with an OTel span and
// Prometheus metrics per call.
//
// Thread Safety: Safe for concurrent use if the wrapped client is.
type InstrumentedClient struct {
	inner    ChatClient
	provider string
}

// NewInstrumentedClient wraps inner. provider is used as a metric label.
func NewInstrumentedClient(inner ChatClient, provider string) *InstrumentedClient {
	return &InstrumentedClient{inner: inner, provider: provider}
}

// Complete implements ChatClient.
func (c *InstrumentedClient) Complete(ctx context.Context, messages []ChatMessage,
	tools []ToolDef, params GenerationParams) (*CompletionResult, error) {

	if c.inner == nil {
		return nil, fmt.Errorf("%s: client is nil", c.provider)
	}

	ctx, span := otel.Tracer(llmTracerName).Start(ctx, "llm.Complete",
		trace.WithAttributes(
			attribute.String("provider", c.provider),
			attribute.Int("message_count", len(messages)),
			attribute.Int("tool_count", len(tools)),
		),
	)
	defer span.End()

	start := time.Now()
	result, err := c.inner.Complete(ctx, messages, tools, params)
	recordLLMMetrics(c.provider, "complete", time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	llmToolCallsTotal.WithLabelValues(c.provider).Add(float64(len(result.ToolCalls)))
	span.SetAttributes(
		attribute.String("finish_reason", result.FinishReason),
		attribute.Int("tool_calls", len(result.ToolCalls)),
		attribute.Int("content_len", len(result.Content)),
	)
	return result, nil
}
