// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package parse turns loosely-formed JSON from the model and from tools
// into typed values without ever failing the caller.
//
// Every function returns a Result that is either Parsed or Malformed. A
// Malformed result still carries a usable default value plus the reason
// parsing failed, so callers can log the reason and move on.
package parse

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind tags a Result.
type Kind int

const (
	// Parsed means the input decoded cleanly.
	Parsed Kind = iota

	// Malformed means the input was unusable and Value holds the default.
	Malformed
)

func (k Kind) String() string {
	if k == Parsed {
		return "parsed"
	}
	return "malformed"
}

// Result is a tagged parse outcome.
type Result[T any] struct {
	Kind  Kind
	Value T
	Err   error
}

// OK reports whether the input decoded cleanly.
func (r Result[T]) OK() bool {
	return r.Kind == Parsed
}

func parsed[T any](v T) Result[T] {
	return Result[T]{Kind: Parsed, Value: v}
}

func malformed[T any](def T, err error) Result[T] {
	return Result[T]{Kind: Malformed, Value: def, Err: err}
}

// ToolArguments decodes tool-call arguments into an object.
//
// Empty input is treated as an empty object and is Parsed. Anything that
// is not a JSON object, including a double-encoded string that does not
// contain an object, yields Malformed with an empty map.
func ToolArguments(raw string) Result[map[string]any] {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return parsed(map[string]any{})
	}

	// Some servers double-encode the arguments.
	if strings.HasPrefix(raw, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(raw), &inner); err == nil {
			raw = strings.TrimSpace(inner)
		}
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return malformed(map[string]any{}, fmt.Errorf("tool arguments: %w", err))
	}
	if out == nil {
		return malformed(map[string]any{}, errors.New("tool arguments: not an object"))
	}
	return parsed(out)
}

// JSONObject extracts and decodes the first JSON object embedded in model
// text into T. Markdown code fences and surrounding prose are tolerated.
func JSONObject[T any](text string, def T) Result[T] {
	body, ok := ExtractJSONObject(text)
	if !ok {
		return malformed(def, errors.New("no JSON object found"))
	}
	var out T
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return malformed(def, fmt.Errorf("decode JSON object: %w", err))
	}
	return parsed(out)
}

// Any decodes raw tool output into a generic JSON value. Non-JSON text is
// Malformed and the default is the raw string itself.
func Any(raw string) Result[any] {
	var out any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return malformed[any](raw, err)
	}
	return parsed(out)
}

// ExtractJSONObject returns the first balanced {...} span in text,
// honoring string literals and escapes.
func ExtractJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// String reads a string field, accepting numbers by formatting them.
func String(m map[string]any, key string) (string, bool) {
	switch v := m[key].(type) {
	case string:
		return v, true
	case float64:
		return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%f", v), "0"), "."), true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

// Int reads a numeric field, accepting numeric strings.
func Int(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err == nil {
			return n
		}
	}
	return def
}
