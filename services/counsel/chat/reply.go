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
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/events"
	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

const replyPreviewLimit = 160

// generateReply makes the closing completion call without tools.
//
// An empty completion becomes EmptyReplyApology. On failure the activity
// is reset to idle and the error is returned.
func (e *Engine) generateReply(ctx context.Context, r *run, messages []llm.ChatMessage) (string, error) {
	start := time.Now()
	defer observePhase("reply", start)

	r.emit.Activity(events.ActivityGenerating)
	r.emit.Emit(events.StageReplyStart, "Generating reply", map[string]any{
		"messages": len(messages),
		"preview":  truncate(lastContent(messages), replyPreviewLimit),
	})

	res, err := e.client.Complete(ctx, messages, nil, e.params)
	if err != nil {
		r.emit.Emit(events.StageReplyFailed, "Reply generation failed", map[string]any{
			"error": llm.SafeLogString(err.Error()),
		})
		r.emit.Activity(events.ActivityIdle)
		return "", fmt.Errorf("chat: generate reply: %w", err)
	}

	text := strings.TrimSpace(res.Content)
	if text == "" {
		text = EmptyReplyApology
	}
	r.emit.Emit(events.StageReplyDone, "Reply generated", map[string]any{
		"length":     len(text),
		"durationMs": time.Since(start).Milliseconds(),
	})
	r.emit.Activity(events.ActivityIdle)
	return text, nil
}

func lastContent(messages []llm.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Content != "" {
			return messages[i].Content
		}
	}
	return ""
}
