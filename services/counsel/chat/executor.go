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
	"encoding/json"
	"time"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/events"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/parse"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/tools"
	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

const argsPreviewLimit = 200

// ToolCallRecord is one executed tool call.
type ToolCallRecord struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	Result    string         `json:"result"`
	Iteration int            `json:"iteration"`
	Forced    bool           `json:"forced"`
	Reason    string         `json:"reason,omitempty"`
}

// executeTool runs one tool call and records it.
//
// The result, including an error payload for an unknown or failing tool,
// is appended to the transcript as a tool message answering callID and to
// the ledger. Tool failures never abort the run.
func (e *Engine) executeTool(ctx context.Context, r *run, callID, name string, args map[string]any, forced bool, reason string) ToolCallRecord {
	if args == nil {
		args = map[string]any{}
	}
	capability := e.tools.Resolve(name)

	r.emit.Emit(events.StageToolStart, "Running "+name, map[string]any{
		"tool":      name,
		"callId":    callID,
		"iteration": r.iteration,
		"forced":    forced,
		"args":      argsPreview(args),
	})

	start := time.Now()
	result := capability.Invoke(ctx, args)

	r.transcript = append(r.transcript, llm.ChatMessage{
		Role:       llm.RoleTool,
		Content:    result,
		ToolCallID: callID,
		ToolName:   name,
	})
	rec := ToolCallRecord{
		Tool:      name,
		Args:      args,
		Result:    result,
		Iteration: r.iteration,
		Forced:    forced,
		Reason:    reason,
	}
	r.ledger = append(r.ledger, rec)
	recordToolCall(name, forced)

	data := enrichment(capability, result)
	data["tool"] = name
	data["callId"] = callID
	data["durationMs"] = time.Since(start).Milliseconds()
	r.emit.Emit(events.StageToolDone, "Finished "+name, data)
	return rec
}

func argsPreview(args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return truncate(string(b), argsPreviewLimit)
}

// enrichment extracts UI-friendly facts from a tool result.
func enrichment(c tools.Capability, result string) map[string]any {
	data := map[string]any{}
	decoded := parse.Any(result)
	if !decoded.OK() {
		return data
	}
	if obj, ok := decoded.Value.(map[string]any); ok {
		if msg, ok := obj["error"].(string); ok && msg != "" {
			data["error"] = msg
			return data
		}
	}

	switch c.Kind() {
	case tools.KindSearch:
		data["itemCount"] = countItems(decoded.Value)
	case tools.KindNodeLookup:
		obj, _ := decoded.Value.(map[string]any)
		if node, ok := obj["node"].(map[string]any); ok {
			obj = node
		}
		for _, k := range []string{"source", "sourceId", "nodeType"} {
			if v, ok := obj[k].(string); ok && v != "" {
				data[k] = v
			}
		}
	}
	return data
}

var itemKeys = []string{"items", "answers", "results", "nodes"}

// countItems counts result items in a search payload. Error payloads and
// unrecognized shapes count as zero.
func countItems(v any) int {
	switch t := v.(type) {
	case []any:
		return len(t)
	case map[string]any:
		if _, bad := t["error"]; bad {
			return 0
		}
		for _, k := range itemKeys {
			if list, ok := t[k].([]any); ok {
				return len(list)
			}
		}
	}
	return 0
}
