// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relevance extracts, deduplicates, scores, and filters legal
// source rows found in knowledge-search and graph query results.
//
// Everything here is pure: no I/O, no clocks, no globals that change.
// Both the deterministic graph orchestrator and the summary phase call
// Filter so that the two strategies rank evidence identically.
package relevance

import (
	"regexp"
	"sort"
	"strings"
)

// Row is one legal source reference found in a result payload.
type Row struct {
	Source   string  `json:"source"`
	SourceID string  `json:"sourceId"`
	NodeType string  `json:"nodeType"`
	Text     string  `json:"text,omitempty"`
	Score    int     `json:"score"`
	Semantic float64 `json:"semanticScore,omitempty"`
}

// Key is the identity used for deduplication.
type Key struct {
	Source   string
	SourceID string
	NodeType string
}

// Key returns the row's identity triple.
func (r Row) Key() Key {
	return Key{Source: r.Source, SourceID: r.SourceID, NodeType: r.NodeType}
}

// Config holds the scoring weights and keep thresholds.
//
// The defaults are tuning values, not load-bearing invariants; they are
// surfaced in the engine configuration so they can be adjusted without a
// code change.
type Config struct {
	// SectionWeight is added when a statute section number from the user's
	// text appears in the row.
	SectionWeight int `yaml:"section_weight" validate:"min=0"`

	// KeywordCap caps the +1-per-keyword contribution.
	KeywordCap int `yaml:"keyword_cap" validate:"min=0"`

	// SpecificityBonus is added when the node type is not generic.
	SpecificityBonus int `yaml:"specificity_bonus" validate:"min=0"`

	// KeepThreshold keeps any row scoring at least this much.
	KeepThreshold int `yaml:"keep_threshold" validate:"min=0"`

	// NonGenericKeepThreshold keeps non-generic rows scoring at least this much.
	NonGenericKeepThreshold int `yaml:"non_generic_keep_threshold" validate:"min=0"`

	// GenericTypes are structural node types that carry no legal text of
	// their own.
	GenericTypes []string `yaml:"generic_types"`
}

// DefaultGenericTypes are the synthetic structural node types produced by
// the corpus graph builder.
var DefaultGenericTypes = []string{
	"title", "subtitle", "chapter", "article", "part", "subpart", "division",
}

// DefaultConfig returns the standard weights and thresholds.
func DefaultConfig() Config {
	return Config{
		SectionWeight:           4,
		KeywordCap:              3,
		SpecificityBonus:        1,
		KeepThreshold:           2,
		NonGenericKeepThreshold: 1,
		GenericTypes:            append([]string(nil), DefaultGenericTypes...),
	}
}

// IsGeneric reports whether nodeType is one of the configured structural types.
func (c Config) IsGeneric(nodeType string) bool {
	nt := strings.ToLower(strings.TrimSpace(nodeType))
	for _, g := range c.GenericTypes {
		if nt == g {
			return true
		}
	}
	return false
}

// =============================================================================
// Extraction
// =============================================================================

var textKeys = []string{"text", "content", "preview", "snippet", "body"}
var labelKeys = []string{"heading", "title", "name", "label"}

// ExtractRows walks v recursively and collects every object that carries
// source, sourceId and nodeType. Children of a matching object are walked
// too, so nested sections inside a chapter are all found. Order follows a
// depth-first walk with map keys visited in sorted order.
func ExtractRows(v any) []Row {
	var rows []Row
	walk(v, &rows)
	return rows
}

func walk(v any, rows *[]Row) {
	switch node := v.(type) {
	case map[string]any:
		if row, ok := rowFrom(node); ok {
			*rows = append(*rows, row)
		}
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(node[k], rows)
		}
	case []any:
		for _, item := range node {
			walk(item, rows)
		}
	}
}

func rowFrom(m map[string]any) (Row, bool) {
	source := firstString(m, "source")
	sourceID := firstString(m, "sourceId", "source_id")
	nodeType := firstString(m, "nodeType", "node_type", "type")
	if source == "" || sourceID == "" || nodeType == "" {
		return Row{}, false
	}

	text := firstString(m, textKeys...)
	if label := firstString(m, labelKeys...); label != "" && !strings.Contains(text, label) {
		if text == "" {
			text = label
		} else {
			text = label + " " + text
		}
	}

	row := Row{Source: source, SourceID: sourceID, NodeType: nodeType, Text: text}
	if s, ok := m["score"].(float64); ok {
		row.Semantic = s
	}
	return row, true
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// Dedupe collapses rows sharing a Key, keeping the variant with the longer
// text. First-seen order is preserved.
func Dedupe(rows []Row) []Row {
	index := make(map[Key]int, len(rows))
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if i, ok := index[r.Key()]; ok {
			if len(r.Text) > len(out[i].Text) {
				if r.Semantic == 0 {
					r.Semantic = out[i].Semantic
				}
				out[i] = r
			}
			continue
		}
		index[r.Key()] = len(out)
		out = append(out, r)
	}
	return out
}

// =============================================================================
// Query terms
// =============================================================================

// sectionPattern matches statute section numbers such as 20-124.3,
// 16.1-278.15, 8.01-229 or 63.2-1000.1.
var sectionPattern = regexp.MustCompile(`\b\d+(?:\.\d+)?[A-Za-z]?-\d+(?:\.\d+)*(?::\d+)?\b`)

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// stopwords are dropped from keyword extraction. Corpus-wide words such as
// "virginia" and "code" are included because every row from the code
// would otherwise match them.
var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a about above after again against all also am an and any are as at be
		because been before being below between both but by can could did do does doing down during each
		few for from further had has have having he her here hers him his how i if in into is it its
		itself just me more most my no nor not now of off on once only or other our ours out over own
		same she should so some such than that the their theirs them then there these they this those
		through to too under until up very was we were what when where which while who whom why will
		with would you your yours please tell explain say says said mean means regarding concerning
		virginia va code law laws legal statute statutes section sections rule rules`) {
		stopwords[w] = struct{}{}
	}
}

// Terms are the signals extracted once from the user's literal text.
type Terms struct {
	Sections []string
	Keywords []string
}

// ExtractTerms pulls section numbers and stopword-filtered, case-folded
// keywords out of text.
func ExtractTerms(text string) Terms {
	var t Terms
	seen := map[string]struct{}{}
	for _, s := range sectionPattern.FindAllString(text, -1) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		t.Sections = append(t.Sections, s)
	}

	seen = map[string]struct{}{}
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if len(tok) < 3 || isDigits(tok) {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		t.Keywords = append(t.Keywords, tok)
	}
	return t
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// =============================================================================
// Scoring and filtering
// =============================================================================

// Score computes the relevance score of one row against the query terms.
func Score(r Row, terms Terms, cfg Config) int {
	haystack := strings.ToLower(strings.Join([]string{r.Source, r.SourceID, r.NodeType, r.Text}, " "))

	score := 0
	for _, s := range terms.Sections {
		if strings.Contains(haystack, strings.ToLower(s)) {
			score += cfg.SectionWeight
			break
		}
	}

	hits := 0
	for _, kw := range terms.Keywords {
		if hits >= cfg.KeywordCap {
			break
		}
		if strings.Contains(haystack, kw) {
			hits++
		}
	}
	score += hits

	if !cfg.IsGeneric(r.NodeType) {
		score += cfg.SpecificityBonus
	}
	return score
}

// Outcome is the result of Filter.
type Outcome struct {
	// Rows are the surviving rows, highest score first.
	Rows []Row

	// Fallback is true when nothing cleared the thresholds and Rows holds
	// every row sorted generic-last.
	Fallback bool

	// Total is the number of unique rows before filtering.
	Total int

	// Dropped is the number of unique rows that did not survive.
	Dropped int
}

// Filter dedupes and scores rows against userText and keeps the relevant ones.
//
// A row survives when its score is at least KeepThreshold, or at least
// NonGenericKeepThreshold with a non-generic node type. When nothing
// survives, every row is returned with generic types sorted last.
func Filter(rows []Row, userText string, cfg Config) Outcome {
	unique := Dedupe(rows)
	terms := ExtractTerms(userText)

	for i := range unique {
		unique[i].Score = Score(unique[i], terms, cfg)
	}

	kept := make([]Row, 0, len(unique))
	for _, r := range unique {
		generic := cfg.IsGeneric(r.NodeType)
		if r.Score >= cfg.KeepThreshold || (!generic && r.Score >= cfg.NonGenericKeepThreshold) {
			kept = append(kept, r)
		}
	}

	if len(kept) > 0 {
		sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
		return Outcome{Rows: kept, Total: len(unique), Dropped: len(unique) - len(kept)}
	}

	fallback := append([]Row(nil), unique...)
	sort.SliceStable(fallback, func(i, j int) bool {
		return !cfg.IsGeneric(fallback[i].NodeType) && cfg.IsGeneric(fallback[j].NodeType)
	})
	return Outcome{Rows: fallback, Fallback: true, Total: len(unique)}
}
