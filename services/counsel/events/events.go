// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events carries the out-of-band progress telemetry of a chat run.
//
// Every run owns one Emitter bound to its run identifier. The Emitter stamps
// and publishes ChatProcessEvents on a Broadcaster; the Broadcaster is a
// fire-and-forget fan-out with no acknowledgement and no backpressure.
// Ordering is guaranteed only within a run, because a run has a single
// writer.
package events

import (
	"sync"
	"time"
)

// Event names published on the Broadcaster.
const (
	// EventChatProcess carries a ChatProcessEvent.
	EventChatProcess = "chat:process"

	// EventChatActivity carries an ActivityStatus.
	EventChatActivity = "chat:activity"
)

// Stage identifies the step of the chat pipeline an event belongs to.
type Stage string

const (
	StageRunStart Stage = "run_start"
	StageRunDone  Stage = "run_done"

	StageOptimizeStart   Stage = "context_optimize_start"
	StageOptimizeDone    Stage = "context_optimize_done"
	StageOptimizeFailed  Stage = "context_optimize_failed"
	StageOptimizeSkipped Stage = "context_optimize_skipped"

	StageToolLoopStart     Stage = "tool_loop_start"
	StageToolLoopIteration Stage = "tool_loop_iteration"
	StageToolLoopExit      Stage = "tool_loop_exit"
	StageToolLoopFailed    Stage = "tool_loop_failed"

	StageToolStart  Stage = "tool_start"
	StageToolDone   Stage = "tool_done"
	StageToolForced Stage = "tool_forced"

	StageOrchestrationStart   Stage = "orchestration_start"
	StageSemanticSearchDone   Stage = "semantic_search_done"
	StageSemanticSearchFailed Stage = "semantic_search_failed"
	StageIntrospectionDone    Stage = "introspection_done"
	StageIntrospectionFailed  Stage = "introspection_failed"
	StagePlanDone             Stage = "plan_done"
	StagePlanFailed           Stage = "plan_failed"
	StageGraphQueryDone       Stage = "graph_query_done"
	StageGraphQueryFailed     Stage = "graph_query_failed"
	StageRelevanceFiltered    Stage = "relevance_filtered"
	StageOrchestrationDone    Stage = "orchestration_done"

	StageSummaryStart   Stage = "summary_start"
	StageGroundingDone  Stage = "grounding_done"
	StageGroundingFail  Stage = "grounding_failed"
	StageSummaryDone    Stage = "summary_done"
	StageSummaryFailed  Stage = "summary_failed"

	StageReplyStart  Stage = "reply_start"
	StageReplyDone   Stage = "reply_done"
	StageReplyFailed Stage = "reply_failed"
)

// Activity statuses published as EventChatActivity.
const (
	ActivityIdle       = "idle"
	ActivityRetrieving = "retrieving"
	ActivityGenerating = "generating"
)

// ChatProcessEvent is one observational progress record.
type ChatProcessEvent struct {
	Stage     Stage          `json:"stage"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"runId"`
}

// ActivityStatus tells a UI what the assistant is doing right now.
type ActivityStatus struct {
	Status    string    `json:"status"`
	RunID     string    `json:"runId"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcaster is the publish side of the event bus.
//
// Publish must not block the caller for longer than it takes to hand the
// payload off, and must never panic on a slow or absent subscriber.
type Broadcaster interface {
	Publish(event string, payload any)
}

// Noop discards every event.
type Noop struct{}

// Publish implements Broadcaster.
func (Noop) Publish(string, any) {}

// Multi fans a publish out to several broadcasters in order.
type Multi []Broadcaster

// Publish implements Broadcaster.
func (m Multi) Publish(event string, payload any) {
	for _, b := range m {
		if b != nil {
			b.Publish(event, payload)
		}
	}
}

// Emitter stamps and publishes events for a single run.
//
// Thread Safety: Emit is safe for concurrent use; the mutex keeps emission
// order equal to publish order when the orchestrator fans out.
type Emitter struct {
	mu    sync.Mutex
	bus   Broadcaster
	runID string
	now   func() time.Time
}

// NewEmitter binds bus to runID. A nil bus discards events.
func NewEmitter(bus Broadcaster, runID string) *Emitter {
	if bus == nil {
		bus = Noop{}
	}
	return &Emitter{bus: bus, runID: runID, now: time.Now}
}

// RunID returns the run identifier stamped on every event.
func (e *Emitter) RunID() string {
	return e.runID
}

// Emit publishes a ChatProcessEvent. data may be nil.
func (e *Emitter) Emit(stage Stage, message string, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bus.Publish(EventChatProcess, ChatProcessEvent{
		Stage:     stage,
		Message:   message,
		Data:      data,
		Timestamp: e.now().UTC(),
		RunID:     e.runID,
	})
}

// Activity publishes an ActivityStatus.
func (e *Emitter) Activity(status string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bus.Publish(EventChatActivity, ActivityStatus{
		Status:    status,
		RunID:     e.runID,
		Timestamp: e.now().UTC(),
	})
}
