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
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/graphql"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/knowledge"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/parse"
	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

var (
	mutationPattern = regexp.MustCompile(`(?i)\bmutation\b`)
	queryPattern    = regexp.MustCompile(`(?i)\bquery\b`)
)

// PlannedQuery is one read-only graph query proposed by the planner.
type PlannedQuery struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
	Purpose   string         `json:"purpose,omitempty"`
}

type planEnvelope struct {
	Queries []json.RawMessage `json:"queries"`
}

// planQueries asks the completion service for graph queries against schema
// and returns the acceptable ones. Semantic answers are passed along as
// hints so the planner can target known section ids.
func (e *Engine) planQueries(ctx context.Context, r *run, schema *graphql.Schema, answers []knowledge.Answer) ([]PlannedQuery, error) {
	temp := float32(0)
	params := e.params
	params.Temperature = &temp

	res, err := e.client.Complete(ctx, []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: plannerSystemPrompt(r.settings.MaxPlannedQueries, schema.Describe())},
		{Role: llm.RoleUser, Content: plannerUserPrompt(r.retrievalQuery(), answers)},
	}, nil, params)
	if err != nil {
		return nil, fmt.Errorf("chat: plan queries: %w", err)
	}

	env := parse.JSONObject(res.Content, planEnvelope{})
	if !env.OK() {
		return nil, fmt.Errorf("chat: plan queries: %w", env.Err)
	}
	return acceptPlan(env.Value.Queries, r.settings.MaxPlannedQueries), nil
}

// acceptPlan decodes planner entries, which may be bare query strings or
// objects, drops anything that is not a read-only query, and caps the
// result at max.
func acceptPlan(entries []json.RawMessage, max int) []PlannedQuery {
	out := make([]PlannedQuery, 0, len(entries))
	for _, raw := range entries {
		if len(out) >= max {
			break
		}
		var pq PlannedQuery
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			pq.Query = text
		} else if err := json.Unmarshal(raw, &pq); err != nil {
			continue
		}
		pq.Query = strings.TrimSpace(pq.Query)
		if !readOnlyQuery(pq.Query) {
			continue
		}
		out = append(out, pq)
	}
	return out
}

func readOnlyQuery(q string) bool {
	return q != "" && !mutationPattern.MatchString(q) && queryPattern.MatchString(q)
}
