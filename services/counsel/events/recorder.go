// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import "sync"

// Published is one captured publish call.
type Published struct {
	Event   string
	Payload any
}

// Recorder is a Broadcaster that keeps everything it is given.
// Used by tests and by the CLI's --trace-events flag.
//
// Thread Safety: Safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	items []Published
}

// Publish implements Broadcaster.
func (r *Recorder) Publish(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, Published{Event: event, Payload: payload})
}

// All returns a copy of every captured publish.
func (r *Recorder) All() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Published, len(r.items))
	copy(out, r.items)
	return out
}

// ProcessEvents returns the captured ChatProcessEvents in emission order.
func (r *Recorder) ProcessEvents() []ChatProcessEvent {
	var out []ChatProcessEvent
	for _, p := range r.All() {
		if ev, ok := p.Payload.(ChatProcessEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

// Stages returns the stage of every captured ChatProcessEvent.
func (r *Recorder) Stages() []Stage {
	events := r.ProcessEvents()
	out := make([]Stage, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Stage)
	}
	return out
}

// Count returns how many ChatProcessEvents had the given stage.
func (r *Recorder) Count(stage Stage) int {
	n := 0
	for _, s := range r.Stages() {
		if s == stage {
			n++
		}
	}
	return n
}

// Activities returns the captured activity statuses in order.
func (r *Recorder) Activities() []string {
	var out []string
	for _, p := range r.All() {
		if a, ok := p.Payload.(ActivityStatus); ok {
			out = append(out, a.Status)
		}
	}
	return out
}
