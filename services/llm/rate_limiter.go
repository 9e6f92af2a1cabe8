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
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedClient throttles outbound completion requests.
//
// Description:
//
//	Wraps a ChatClient with a token bucket limiter. Complete blocks until
//	a token is available or ctx is done. A non-positive requests-per-second
//	disables throttling.
//
// Thread Safety: Safe for concurrent use.
type RateLimitedClient struct {
	inner   ChatClient
	limiter *rate.Limiter
}

// NewRateLimitedClient wraps inner with a limiter of rps requests per second
// and the given burst.
func NewRateLimitedClient(inner ChatClient, rps float64, burst int) *RateLimitedClient {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedClient{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

// Complete implements ChatClient.
func (c *RateLimitedClient) Complete(ctx context.Context, messages []ChatMessage,
	tools []ToolDef, params GenerationParams) (*CompletionResult, error) {

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return c.inner.Complete(ctx, messages, tools, params)
}
