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
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianCounsel/services/counsel/relevance"
)

// LooksLegal reports whether text is a legal research question.
//
// A statute section number always qualifies. Otherwise text must contain
// one of keywords, case-insensitively. Keywords that begin and end with a
// letter or digit must start on a word boundary so "sue" does not match
// "issue"; they may end in a plain or inflected form ("courts",
// "divorcing", "leased"). Other keywords (such as "§") match as substrings.
func LooksLegal(text string, keywords []string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	if len(relevance.ExtractTerms(text).Sections) > 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if isWordish(kw) {
			if containsTerm(lower, kw) {
				return true
			}
		} else if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func isWordish(kw string) bool {
	first, _ := utf8.DecodeRuneInString(kw)
	last, _ := utf8.DecodeLastRuneInString(kw)
	return isWordRune(first) && isWordRune(last)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// inflections are the endings a keyword may carry and still match.
var inflections = []string{"", "s", "es", "d", "ed", "ing"}

// containsTerm reports whether s holds kw as a whole word or in one of its
// inflected forms. A trailing "e" is dropped before "ing".
func containsTerm(s, kw string) bool {
	for _, suffix := range inflections {
		if containsWord(s, kw+suffix) {
			return true
		}
	}
	if stem, ok := strings.CutSuffix(kw, "e"); ok && len(stem) >= 2 {
		return containsWord(s, stem+"ing")
	}
	return false
}

func containsWord(s, word string) bool {
	for from := 0; from < len(s); {
		i := strings.Index(s[from:], word)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(word)
		before, _ := utf8.DecodeLastRuneInString(s[:start])
		after, _ := utf8.DecodeRuneInString(s[end:])
		if (start == 0 || !isWordRune(before)) && (end == len(s) || !isWordRune(after)) {
			return true
		}
		from = start + 1
	}
	return false
}
