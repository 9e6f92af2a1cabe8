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
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const tracerName = "counsel.chat"

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	phaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "counsel",
			Subsystem: "chat",
			Name:      "phase_duration_seconds",
			Help:      "Duration of each chat phase.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"phase"},
	)

	toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "counsel",
			Subsystem: "chat",
			Name:      "tool_calls_total",
			Help:      "Tool calls executed by the engine, by tool and forced flag.",
		},
		[]string{"tool", "forced"},
	)

	loopIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "counsel",
			Subsystem: "chat",
			Name:      "loop_iterations",
			Help:      "Completion calls made by the tool loop per run.",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		},
	)

	loopExitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "counsel",
			Subsystem: "chat",
			Name:      "loop_exits_total",
			Help:      "Tool loop exits by reason.",
		},
		[]string{"reason"},
	)

	forcedCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "counsel",
			Subsystem: "chat",
			Name:      "forced_calls_total",
			Help:      "Forced knowledge-search calls by reason.",
		},
		[]string{"reason"},
	)

	orchestrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "counsel",
			Subsystem: "chat",
			Name:      "orchestrations_total",
			Help:      "Deterministic orchestration outcomes (used, introspection_failed).",
		},
		[]string{"outcome"},
	)

	relevanceRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "counsel",
			Subsystem: "chat",
			Name:      "relevance_rows_total",
			Help:      "Rows seen by relevance filtering, by disposition (kept, dropped).",
		},
		[]string{"disposition"},
	)
)

func observePhase(phase string, start time.Time) {
	phaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

func recordToolCall(tool string, forced bool) {
	toolCallsTotal.WithLabelValues(tool, strconv.FormatBool(forced)).Inc()
}

// =============================================================================
// OTel Metrics
// =============================================================================

// runCounter counts chat runs by path through the global meter provider.
type runCounter struct {
	counter metric.Int64Counter
}

func newRunCounter() *runCounter {
	c, err := otel.Meter(tracerName).Int64Counter("counsel.chat.runs",
		metric.WithDescription("Chat runs by orchestration path and outcome."))
	if err != nil {
		return &runCounter{}
	}
	return &runCounter{counter: c}
}

func (r *runCounter) add(ctx context.Context, path, outcome string) {
	if r == nil || r.counter == nil {
		return
	}
	r.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("path", path),
		attribute.String("outcome", outcome),
	))
}
