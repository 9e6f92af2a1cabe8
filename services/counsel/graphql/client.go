// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graphql is the client for the legal graph retrieval endpoint.
//
// The endpoint accepts standard GraphQL POST bodies ({query, variables})
// and answers with {data} or {errors}. Only read queries are sent; the
// chat engine rejects planned mutations before they reach this package.
package graphql

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gql "github.com/machinebox/graphql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

const tracerName = "counsel.graphql"

var (
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "counsel",
			Subsystem: "graph",
			Name:      "request_duration_seconds",
			Help:      "Graph endpoint request duration by operation.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "status"},
	)
)

// Runner executes a read query and returns the decoded data object.
type Runner interface {
	Run(ctx context.Context, query string, vars map[string]any) (map[string]any, error)
}

// Options configures NewClient.
type Options struct {
	// Timeout bounds each HTTP request. Zero means 30s.
	Timeout time.Duration

	// RPS limits outbound requests. Zero or negative disables limiting.
	RPS float64

	// Burst is the limiter burst size. Minimum 1.
	Burst int

	// HTTPClient overrides the transport. Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client talks to the graph endpoint.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	endpoint string
	gql      *gql.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewClient creates a client for endpoint.
func NewClient(endpoint string, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		endpoint: endpoint,
		gql:      gql.NewClient(endpoint, gql.WithHTTPClient(httpClient)),
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger,
	}
}

// Endpoint returns the configured URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Run implements Runner.
//
// # Outputs
//
//   - map[string]any: The response's data object. Never nil on success.
//   - error: Transport failure, limiter cancellation, or GraphQL errors.
func (c *Client) Run(ctx context.Context, query string, vars map[string]any) (map[string]any, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "graphql.Client.Run",
		trace.WithAttributes(
			attribute.Int("graphql.query_len", len(query)),
			attribute.Int("graphql.vars", len(vars)),
		),
	)
	defer span.End()

	data := map[string]any{}
	if err := c.do(ctx, "query", query, vars, &data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	span.SetAttributes(attribute.Int("graphql.root_fields", len(data)))
	return data, nil
}

func (c *Client) do(ctx context.Context, operation, query string, vars map[string]any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("graphql: rate limiter: %w", err)
	}

	req := gql.NewRequest(query)
	for k, v := range vars {
		req.Var(k, v)
	}

	start := time.Now()
	err := c.gql.Run(ctx, req, out)
	status := "success"
	if err != nil {
		status = "error"
	}
	requestDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())

	if err != nil {
		c.logger.Warn("graphql: request failed",
			slog.String("operation", operation),
			slog.String("error", llm.SafeLogString(err.Error())))
		return fmt.Errorf("graphql: %s: %w", operation, err)
	}
	return nil
}
