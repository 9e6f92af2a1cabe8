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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/events"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/knowledge"
)

func TestGroundingChunk_Text(t *testing.T) {
	tests := []struct {
		name  string
		chunk GroundingChunk
		want  string
	}{
		{"heading and content", GroundingChunk{Heading: "Best interests of the child", Content: "In determining..."}, "Best interests of the child In determining..."},
		{"no heading", GroundingChunk{Content: "Department of Social Services"}, "Department of Social Services"},
		{"blank heading", GroundingChunk{Heading: "  ", Content: "Department of Social Services"}, "Department of Social Services"},
		{"heading only", GroundingChunk{Heading: "Custody"}, "Custody"},
		{"empty", GroundingChunk{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.chunk.text())
		})
	}
}

func TestSummarize_EmptyLedgerStillGrounds(t *testing.T) {
	h := newHarness(t, newScriptedClient(), nil)
	h.searcher.result = &knowledge.Result{Answers: []knowledge.Answer{
		{Source: "virginia_code", SourceID: "20-124.3", NodeType: "section", Content: "best interests of the child custody", Score: 0.8},
	}}
	r := startLoop(h, custodyQuestion)

	got := h.engine.summarize(context.Background(), r)
	assert.NotEmpty(t, got)
	assert.NotEqual(t, PlaceholderSummary, got)

	queries := h.searcher.calls()
	require.Len(t, queries, 1)
	assert.Equal(t, knowledge.Query{Text: custodyQuestion, TopK: 3}, queries[0])
	assert.Equal(t, 1, h.client.count(callSummary))
	assert.Equal(t, 1, h.bus.Count(events.StageGroundingDone))
	assert.Equal(t, 1, h.bus.Count(events.StageSummaryDone))
}
