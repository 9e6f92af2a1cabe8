// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// stubClient returns a fixed result or error.
type stubClient struct {
	result *CompletionResult
	err    error
	calls  int
}

func (s *stubClient) Complete(context.Context, []ChatMessage, []ToolDef, GenerationParams) (*CompletionResult, error) {
	s.calls++
	return s.result, s.err
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{errors.New("openai: client is nil"), "nil_client"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("openai: API returned 401: nope"), "auth"},
		{errors.New("openai: API returned 429: slow down"), "rate_limit"},
		{errors.New("openai: API returned 503: busy"), "server"},
		{errors.New("something odd"), "unknown"},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.want {
				t.Errorf("classifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInstrumentedClient_RecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	inner := &stubClient{result: &CompletionResult{Content: "ok", FinishReason: FinishStop}}
	client := NewInstrumentedClient(inner, "openai")

	if _, err := client.Complete(context.Background(), []ChatMessage{{Role: RoleUser, Content: "x"}}, nil, GenerationParams{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "llm.Complete" {
		t.Errorf("span name = %q", spans[0].Name())
	}
}

func TestInstrumentedClient_PropagatesError(t *testing.T) {
	inner := &stubClient{err: fmt.Errorf("openai: API returned 500: boom")}
	client := NewInstrumentedClient(inner, "openai")
	if _, err := client.Complete(context.Background(), nil, nil, GenerationParams{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRateLimitedClient_WaitsForToken(t *testing.T) {
	inner := &stubClient{result: &CompletionResult{}}
	client := NewRateLimitedClient(inner, 1, 1)

	if _, err := client.Complete(context.Background(), nil, nil, GenerationParams{}); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := client.Complete(ctx, nil, nil, GenerationParams{}); err == nil {
		t.Fatal("second call should fail while waiting for a token")
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls)
	}
}

func TestRateLimitedClient_Unlimited(t *testing.T) {
	inner := &stubClient{result: &CompletionResult{}}
	client := NewRateLimitedClient(inner, 0, 0)
	for i := 0; i < 5; i++ {
		if _, err := client.Complete(context.Background(), nil, nil, GenerationParams{}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
}
