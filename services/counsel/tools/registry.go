// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools is the capability registry the chat engine invokes tools
// through.
//
// A name resolves either to a registered Tool or to UnknownTool. Invoke
// always returns a string: handler failures and unknown names come back as
// a JSON error payload so the conversation can continue.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

var (
	// ErrUnknownTool is reported when a name resolves to no registered tool.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrDuplicateTool is returned by Register for a name already taken.
	ErrDuplicateTool = errors.New("duplicate tool name")
)

var (
	invocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "counsel",
			Subsystem: "tools",
			Name:      "invocations_total",
			Help:      "Tool invocations by tool and status (success, error, unknown).",
		},
		[]string{"tool", "status"},
	)

	invocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "counsel",
			Subsystem: "tools",
			Name:      "invocation_duration_seconds",
			Help:      "Tool handler duration.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"tool"},
	)
)

// Kind classifies a tool's result shape for event enrichment.
type Kind int

const (
	// KindOther results carry no known shape.
	KindOther Kind = iota
	// KindSearch results carry a list of hits.
	KindSearch
	// KindNodeLookup results describe a single corpus node.
	KindNodeLookup
	// KindCaseData results come from the case-management database.
	KindCaseData
)

// String returns the kind label.
func (k Kind) String() string {
	switch k {
	case KindSearch:
		return "search"
	case KindNodeLookup:
		return "node_lookup"
	case KindCaseData:
		return "case_data"
	default:
		return "other"
	}
}

// WhenToUse carries the routing hints used to build the semantic guide.
type WhenToUse struct {
	Keywords  []string
	UseWhen   string
	AvoidWhen string
}

// Definition is a tool's catalog entry.
type Definition struct {
	Def       llm.ToolDef
	Kind      Kind
	WhenToUse WhenToUse
}

// Name returns the function name.
func (d Definition) Name() string {
	return d.Def.Function.Name
}

// Tool is an invocable capability.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Capability is what a name resolves to.
type Capability interface {
	Name() string
	Known() bool
	Kind() Kind
	Invoke(ctx context.Context, args map[string]any) string
}

// UnknownTool is the capability for unregistered names.
type UnknownTool struct {
	ToolName string
}

// Name implements Capability.
func (u UnknownTool) Name() string { return u.ToolName }

// Known implements Capability.
func (u UnknownTool) Known() bool { return false }

// Kind implements Capability.
func (u UnknownTool) Kind() Kind { return KindOther }

// Invoke returns the JSON error payload for the unknown name.
func (u UnknownTool) Invoke(context.Context, map[string]any) string {
	invocationsTotal.WithLabelValues("unknown", "unknown").Inc()
	return errorPayload(fmt.Errorf("%w: %s", ErrUnknownTool, u.ToolName))
}

type registered struct {
	tool   Tool
	def    Definition
	logger *slog.Logger
}

func (r registered) Name() string { return r.def.Name() }
func (r registered) Known() bool  { return true }
func (r registered) Kind() Kind   { return r.def.Kind }

func (r registered) Invoke(ctx context.Context, args map[string]any) string {
	name := r.def.Name()
	ctx, span := otel.Tracer("counsel.tools").Start(ctx, "tools.Invoke",
		trace.WithAttributes(attribute.String("tool.name", name)),
	)
	defer span.End()

	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	out, err := r.tool.Execute(ctx, args)
	invocationDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		invocationsTotal.WithLabelValues(name, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool failed")
		r.logger.Warn("tool execution failed",
			slog.String("tool", name),
			slog.String("error", llm.SafeLogString(err.Error())))
		return errorPayload(fmt.Errorf("tool %s failed: %w", name, err))
	}
	invocationsTotal.WithLabelValues(name, "success").Inc()
	span.SetAttributes(attribute.Int("tool.result_len", len(out)))
	return out
}

// Registry maps tool names to capabilities.
//
// Thread Safety: Safe for concurrent use. Registration is expected at
// startup but is guarded anyway.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]registered
	order  []string
	logger *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{tools: make(map[string]registered), logger: logger}
}

// Register adds t. Names must be non-empty and unique.
func (r *Registry) Register(t Tool) error {
	def := t.Definition()
	name := strings.TrimSpace(def.Name())
	if name == "" {
		return fmt.Errorf("tools: register: empty tool name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tools: register %q: %w", name, ErrDuplicateTool)
	}
	if def.Def.Type == "" {
		def.Def.Type = "function"
	}
	r.tools[name] = registered{tool: t, def: def, logger: r.logger}
	r.order = append(r.order, name)
	return nil
}

// MustRegister is Register that panics on error. For wiring at startup.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Resolve returns the capability for name, or UnknownTool.
func (r *Registry) Resolve(name string) Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tools[name]; ok {
		return t
	}
	return UnknownTool{ToolName: name}
}

// Definitions returns the tool catalog in registration order.
func (r *Registry) Definitions() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].def.Def)
	}
	return out
}

// Catalog returns the full definitions in registration order.
func (r *Registry) Catalog() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].def)
	}
	return out
}

// FindByPrefix returns the first registered name starting with prefix.
func (r *Registry) FindByPrefix(prefix string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if strings.HasPrefix(name, prefix) {
			return name, true
		}
	}
	return "", false
}

// Validate checks that every name in catalog is registered.
func (r *Registry) Validate(catalog []llm.ToolDef) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, d := range catalog {
		if _, ok := r.tools[d.Function.Name]; !ok {
			missing = append(missing, d.Function.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("tools: catalog names not registered: %s: %w",
			strings.Join(missing, ", "), ErrUnknownTool)
	}
	return nil
}

// SemanticGuide renders one paragraph per tool describing what it
// retrieves and when to reach for it.
func (r *Registry) SemanticGuide() string {
	var b strings.Builder
	for _, d := range r.Catalog() {
		fmt.Fprintf(&b, "- %s: %s", d.Name(), d.Def.Function.Description)
		if d.WhenToUse.UseWhen != "" {
			fmt.Fprintf(&b, " Use when: %s", d.WhenToUse.UseWhen)
		}
		if d.WhenToUse.AvoidWhen != "" {
			fmt.Fprintf(&b, " Avoid when: %s", d.WhenToUse.AvoidWhen)
		}
		if len(d.WhenToUse.Keywords) > 0 {
			fmt.Fprintf(&b, " Keywords: %s.", strings.Join(d.WhenToUse.Keywords, ", "))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func errorPayload(err error) string {
	b, _ := json.Marshal(map[string]string{"error": llm.SafeLogString(err.Error())})
	return string(b)
}
