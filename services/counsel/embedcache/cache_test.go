// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedcache

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// countingEmbedder returns a fixed vector and counts calls.
type countingEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return []float32{float32(len(text)), 0.5, 0.25}, nil
}

func openTestCache(t *testing.T, inner *countingEmbedder, model string) *Cache {
	t.Helper()
	c, err := Open(Options{InMemory: true}, inner, model, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_MissThenHit(t *testing.T) {
	inner := &countingEmbedder{}
	c := openTestCache(t, inner, "octen")

	first, err := c.Embed(context.Background(), "custody factors")
	if err != nil {
		t.Fatalf("first Embed: %v", err)
	}
	second, err := c.Embed(context.Background(), "custody factors")
	if err != nil {
		t.Fatalf("second Embed: %v", err)
	}

	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls)
	}
	if len(first) != len(second) || first[0] != second[0] {
		t.Errorf("cached vector differs: %v vs %v", first, second)
	}
}

func TestCache_DifferentTextMisses(t *testing.T) {
	inner := &countingEmbedder{}
	c := openTestCache(t, inner, "octen")

	_, _ = c.Embed(context.Background(), "custody")
	_, _ = c.Embed(context.Background(), "visitation")

	if inner.calls != 2 {
		t.Errorf("inner calls = %d, want 2", inner.calls)
	}
}

func TestCache_InnerErrorNotCached(t *testing.T) {
	inner := &countingEmbedder{err: errors.New("embedding server down")}
	c := openTestCache(t, inner, "octen")

	if _, err := c.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
	inner.err = nil
	if _, err := c.Embed(context.Background(), "x"); err != nil {
		t.Fatalf("second Embed: %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("inner calls = %d, want 2", inner.calls)
	}
}

func TestCacheKey_ModelChangesKey(t *testing.T) {
	a := string(cacheKey("model-a", "custody"))
	b := string(cacheKey("model-b", "custody"))
	if a == b {
		t.Error("keys for different models must differ")
	}
	if a != string(cacheKey("model-a", "custody")) {
		t.Error("key must be deterministic")
	}
}

func TestOpen_NilInner(t *testing.T) {
	if _, err := Open(Options{InMemory: true}, nil, "m", nil); err == nil {
		t.Fatal("expected error for nil inner embedder")
	}
}
