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
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/knowledge"
)

// Fixed user-facing strings.
const (
	// PlaceholderSummary replaces a summary that could not be produced.
	PlaceholderSummary = "Tool-result summary unavailable."

	// EmptyReplyApology replaces an empty final completion.
	EmptyReplyApology = "I'm sorry, but I couldn't generate a response to that request."

	// IntrospectionFailureReply is returned when the graph schema is unusable.
	IntrospectionFailureReply = "I could not complete deterministic legal retrieval for this request."
)

// Forced-call reason codes.
const (
	ReasonEmptyNodeSearch = "empty_node_search"
	ReasonNoToolCalls     = "no_tool_calls"
	ReasonToolLoopFailed  = "tool_loop_failed"
)

// DefaultSystemPrompt opens every transcript sent to the tool loop and the
// final reply.
const DefaultSystemPrompt = `You are Counsel, a legal research assistant for a Virginia law practice.
Answer using the retrieved legal sources and case data available in this conversation.
Cite statutes by section number (for example Va. Code § 20-124.3) and say plainly when the retrieved material does not answer the question.
You do not give legal advice; you explain what the law and the user's records say.`

const optimizerPrompt = `You rewrite a conversation turn into one retrieval query.
Merge the latest assistant message and the latest user message into a single self-contained sentence that names the legal subject, any statute or section numbers, and the facts that matter for retrieval.
Return only that sentence.

Available tools and what they retrieve:
%s`

const plannerPrompt = `You plan read-only GraphQL queries against a legal knowledge graph.
Return JSON only, shaped as {"queries":[{"query":"query ...","variables":{},"purpose":"..."}]}.
Rules:
- At most %d queries.
- Every query must start with the keyword "query". Never write a mutation.
- Use only root fields and arguments that appear in the schema below.

Retrieval semantics:
%s

Schema:
%s`

const summaryPrompt = `You compress legal retrieval results for a research assistant.
Keep only sources that directly bear on the user's question.
Return JSON only, shaped as:
{"intent":"...","keyFindings":["..."],"legalSources":[{"source":"...","sourceId":"...","nodeType":"...","excerpt":"..."}],"gaps":["..."],"confidence":"high|medium|low"}`

// retrievalGuide describes the graph's data model to the planner.
const retrievalGuide = `- Every node has source, sourceId, nodeType, heading and text.
- Sources: virginia_code, constitution, authorities, courts, popular_names, documents.
- Node types: title, chapter, section, article, constitution_section, authority, court, popular_name, manual_chunk.
- Code of Virginia section ids look like 20-124.3 or 16.1-278.15; chapter ids look like "20:6.1" (title:chapter).
- Edges: contains (title to chapter to section), cites (section to section), references (authority or manual chunk to section).
- Fetch a specific section by (source, sourceId) when a section number is known; search by keywords otherwise.`

func optimizerSystemPrompt(guide string) string {
	if strings.TrimSpace(guide) == "" {
		guide = "(no tools registered)"
	}
	return fmt.Sprintf(optimizerPrompt, guide)
}

func plannerSystemPrompt(maxQueries int, schema string) string {
	return fmt.Sprintf(plannerPrompt, maxQueries, retrievalGuide, schema)
}

// plannerUserPrompt carries the retrieval query and, when semantic search
// found anything, the matching nodes as anchors for the planner.
func plannerUserPrompt(query string, answers []knowledge.Answer) string {
	if len(answers) == 0 {
		return query
	}
	var sb strings.Builder
	sb.WriteString(query)
	sb.WriteString("\n\nSemantic search hints (nodes likely relevant to this question):\n")
	for _, a := range answers {
		fmt.Fprintf(&sb, "- source=%s sourceId=%s nodeType=%s", a.Source, a.SourceID, a.NodeType)
		if h := strings.TrimSpace(a.Heading); h != "" {
			fmt.Fprintf(&sb, " heading=%q", h)
		}
		fmt.Fprintf(&sb, " score=%.2f\n", a.Score)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func optimizerUserPrompt(user, assistant string) string {
	return "Latest assistant message:\n" + assistant + "\n\nLatest user message:\n" + user
}

func optimizedContextNote(query string) string {
	return "Retrieval focus for this turn: " + query
}
