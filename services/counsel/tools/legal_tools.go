// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/graphql"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/knowledge"
	"github.com/AleutianAI/AleutianCounsel/services/counsel/parse"
	"github.com/AleutianAI/AleutianCounsel/services/llm"
)

// Canonical tool names. The engine resolves the search tools by prefix so
// deployments may register suffixed variants such as "knowledge_search_v2".
const (
	KnowledgeSearchName = "knowledge_search"
	NodeSearchName      = "node_search"
	NodeGetName         = "node_get"
)

// DefaultNodeSearchQuery is the graph query behind node_search.
const DefaultNodeSearchQuery = `query NodeSearch($query: String!, $source: String, $nodeType: String, $limit: Int) {
  searchNodes(query: $query, source: $source, nodeType: $nodeType, limit: $limit) {
    id source sourceId nodeType heading text
  }
}`

// DefaultNodeGetQuery is the graph query behind node_get.
const DefaultNodeGetQuery = `query NodeGet($source: String!, $sourceId: String!) {
  node(source: $source, sourceId: $sourceId) {
    id source sourceId nodeType heading text
    edges { relType target { source sourceId nodeType heading } }
  }
}`

// Corpus vocabulary offered to the model as enums.
var (
	Sources   = []any{"virginia_code", "constitution", "authorities", "courts", "popular_names", "documents"}
	NodeTypes = []any{"title", "chapter", "section", "article", "constitution_section", "authority", "court", "popular_name", "manual_chunk"}
)

// =============================================================================
// knowledge_search
// =============================================================================

type knowledgeSearchTool struct {
	searcher knowledge.Searcher
}

// NewKnowledgeSearchTool wraps a knowledge.Searcher.
func NewKnowledgeSearchTool(s knowledge.Searcher) Tool {
	return &knowledgeSearchTool{searcher: s}
}

func (t *knowledgeSearchTool) Definition() Definition {
	return Definition{
		Def: llm.ToolDef{
			Type: "function",
			Function: llm.ToolFunction{
				Name: KnowledgeSearchName,
				Description: "Semantic search over the legal corpus (Code of Virginia, Virginia Constitution, " +
					"authorities, courts, popular names, practice manuals). Returns ranked passages with " +
					"their source, sourceId and nodeType plus neighbouring graph context.",
				Parameters: llm.ToolParameters{
					Type: "object",
					Properties: map[string]llm.ToolParamDef{
						"query": {Type: "string", Description: "Natural-language retrieval query."},
						"topK":  {Type: "integer", Description: "Number of passages to return (1-20).", Default: 5},
					},
					Required: []string{"query"},
				},
			},
		},
		Kind: KindSearch,
		WhenToUse: WhenToUse{
			Keywords:  []string{"what does the law say", "statute", "code section", "constitution", "rights", "custody", "divorce"},
			UseWhen:   "The question concerns the content or meaning of Virginia law and no exact citation is known.",
			AvoidWhen: "The user names an exact section number and only its text is needed; use node_get instead.",
		},
	}
}

func (t *knowledgeSearchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query, ok := parse.String(args, "query")
	if !ok || strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("query is required")
	}
	topK := clamp(parse.Int(args, "topK", 5), 1, 20)

	res, err := t.searcher.Search(ctx, knowledge.Query{Text: query, TopK: topK})
	if err != nil {
		return "", err
	}
	if res.Answers == nil {
		res.Answers = []knowledge.Answer{}
	}
	if res.Context == nil {
		res.Context = []knowledge.ContextNode{}
	}
	return marshal(res)
}

// =============================================================================
// node_search
// =============================================================================

type nodeSearchTool struct {
	runner graphql.Runner
	query  string
}

// NewNodeSearchTool searches corpus nodes through the graph endpoint.
// An empty query uses DefaultNodeSearchQuery.
func NewNodeSearchTool(r graphql.Runner, query string) Tool {
	if strings.TrimSpace(query) == "" {
		query = DefaultNodeSearchQuery
	}
	return &nodeSearchTool{runner: r, query: query}
}

func (t *nodeSearchTool) Definition() Definition {
	return Definition{
		Def: llm.ToolDef{
			Type: "function",
			Function: llm.ToolFunction{
				Name: NodeSearchName,
				Description: "Keyword search over legal graph nodes (titles, chapters, sections, constitution " +
					"sections, authorities, courts). Returns matching nodes with identifiers and text.",
				Parameters: llm.ToolParameters{
					Type: "object",
					Properties: map[string]llm.ToolParamDef{
						"query":    {Type: "string", Description: "Keywords or a section number such as 20-124.3."},
						"source":   {Type: "string", Description: "Restrict to one corpus.", Enum: Sources},
						"nodeType": {Type: "string", Description: "Restrict to one node type.", Enum: NodeTypes},
						"limit":    {Type: "integer", Description: "Maximum nodes to return (1-50).", Default: 10},
					},
					Required: []string{"query"},
				},
			},
		},
		Kind: KindSearch,
		WhenToUse: WhenToUse{
			Keywords:  []string{"section", "chapter", "title", "court", "popular name"},
			UseWhen:   "Looking up nodes by citation, heading words or a popular name.",
			AvoidWhen: "The question is conceptual; knowledge_search ranks by meaning.",
		},
	}
}

func (t *nodeSearchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query, ok := parse.String(args, "query")
	if !ok || strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("query is required")
	}
	vars := map[string]any{
		"query": query,
		"limit": clamp(parse.Int(args, "limit", 10), 1, 50),
	}
	if s, ok := parse.String(args, "source"); ok && s != "" {
		vars["source"] = s
	}
	if nt, ok := parse.String(args, "nodeType"); ok && nt != "" {
		vars["nodeType"] = nt
	}

	data, err := t.runner.Run(ctx, t.query, vars)
	if err != nil {
		return "", err
	}
	items := firstList(data)
	return marshal(map[string]any{"items": items, "count": len(items)})
}

// =============================================================================
// node_get
// =============================================================================

type nodeGetTool struct {
	runner graphql.Runner
	query  string
}

// NewNodeGetTool fetches one node by (source, sourceId). An empty query
// uses DefaultNodeGetQuery.
func NewNodeGetTool(r graphql.Runner, query string) Tool {
	if strings.TrimSpace(query) == "" {
		query = DefaultNodeGetQuery
	}
	return &nodeGetTool{runner: r, query: query}
}

func (t *nodeGetTool) Definition() Definition {
	return Definition{
		Def: llm.ToolDef{
			Type: "function",
			Function: llm.ToolFunction{
				Name: NodeGetName,
				Description: "Fetch a single legal node by source and sourceId, with its text and its " +
					"contains/cites/references edges. Chapter ids use the form \"title:chapter\".",
				Parameters: llm.ToolParameters{
					Type: "object",
					Properties: map[string]llm.ToolParamDef{
						"source":   {Type: "string", Description: "Corpus of the node.", Enum: Sources},
						"sourceId": {Type: "string", Description: "Identifier within the corpus, e.g. 20-124.3."},
					},
					Required: []string{"source", "sourceId"},
				},
			},
		},
		Kind: KindNodeLookup,
		WhenToUse: WhenToUse{
			UseWhen:   "An exact citation is known and its full text or neighbours are needed.",
			AvoidWhen: "The citation is unknown.",
		},
	}
}

func (t *nodeGetTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	source, _ := parse.String(args, "source")
	sourceID, _ := parse.String(args, "sourceId")
	if source == "" || sourceID == "" {
		return "", fmt.Errorf("source and sourceId are required")
	}

	data, err := t.runner.Run(ctx, t.query, map[string]any{"source": source, "sourceId": sourceID})
	if err != nil {
		return "", err
	}
	return marshal(map[string]any{"node": firstObject(data)})
}

// =============================================================================
// Helpers
// =============================================================================

// firstList returns the first list value among data's root fields, in
// sorted key order.
func firstList(data map[string]any) []any {
	for _, k := range sortedKeys(data) {
		if list, ok := data[k].([]any); ok {
			return list
		}
	}
	return []any{}
}

// firstObject returns the first object value among data's root fields.
func firstObject(data map[string]any) map[string]any {
	for _, k := range sortedKeys(data) {
		if obj, ok := data[k].(map[string]any); ok {
			return obj
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(b), nil
}
