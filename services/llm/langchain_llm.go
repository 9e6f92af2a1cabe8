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
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// LangChainClient implements ChatClient on top of any langchaingo model.
//
// Description:
//
//	Used for local Ollama deployments. Transcript messages are converted to
//	llms.MessageContent; tool definitions become llms.Tool; tool calls in the
//	first choice are mapped back to ToolCallResponse.
//
// Thread Safety: Safe for concurrent use if the wrapped model is.
type LangChainClient struct {
	model llms.Model
	name  string
}

// NewOllamaClient creates a LangChainClient backed by an Ollama server.
//
// Inputs:
//   - serverURL: Ollama base URL, e.g. "http://localhost:11434".
//   - model: Ollama model tag.
//
// Outputs:
//   - *LangChainClient: The configured client.
//   - error: Non-nil if the langchaingo client cannot be constructed.
func NewOllamaClient(serverURL, model string) (*LangChainClient, error) {
	opts := []ollama.Option{ollama.WithModel(model)}
	if serverURL != "" {
		opts = append(opts, ollama.WithServerURL(serverURL))
	}
	m, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("ollama: creating client: %w", err)
	}
	slog.Info("Initializing Ollama client", slog.String("model", model), slog.String("url", serverURL))
	return &LangChainClient{model: m, name: model}, nil
}

// NewLangChainClient wraps an existing langchaingo model.
func NewLangChainClient(model llms.Model, name string) *LangChainClient {
	return &LangChainClient{model: model, name: name}
}

// Complete implements ChatClient.
func (c *LangChainClient) Complete(ctx context.Context, messages []ChatMessage,
	tools []ToolDef, params GenerationParams) (*CompletionResult, error) {

	if c.model == nil {
		return nil, fmt.Errorf("langchain: client is nil")
	}

	content := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		content = append(content, toMessageContent(msg))
	}

	var opts []llms.CallOption
	if len(tools) > 0 {
		lcTools := make([]llms.Tool, 0, len(tools))
		for _, td := range tools {
			lcTools = append(lcTools, llms.Tool{
				Type: "function",
				Function: &llms.FunctionDefinition{
					Name:        td.Function.Name,
					Description: td.Function.Description,
					Parameters:  td.Function.Parameters,
				},
			})
		}
		opts = append(opts, llms.WithTools(lcTools))
	}
	if params.Temperature != nil {
		opts = append(opts, llms.WithTemperature(float64(*params.Temperature)))
	}
	if params.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*params.MaxTokens))
	}
	if params.TopP != nil {
		opts = append(opts, llms.WithTopP(float64(*params.TopP)))
	}
	if len(params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(params.Stop))
	}
	if params.ModelOverride != "" {
		opts = append(opts, llms.WithModel(params.ModelOverride))
	}

	resp, err := c.model.GenerateContent(ctx, content, opts...)
	if err != nil {
		return nil, fmt.Errorf("langchain: generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("langchain: returned no choices")
	}

	choice := resp.Choices[0]
	result := &CompletionResult{
		Content:      choice.Content,
		FinishReason: normalizeFinishReason(choice.StopReason),
	}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		result.ToolCalls = append(result.ToolCalls, ToolCallResponse{
			ID:        tc.ID,
			Name:      tc.FunctionCall.Name,
			Arguments: json.RawMessage(tc.FunctionCall.Arguments),
		})
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = FinishToolCalls
	}
	return result, nil
}

// toMessageContent converts one transcript entry to langchaingo's shape.
func toMessageContent(msg ChatMessage) llms.MessageContent {
	switch msg.Role {
	case RoleSystem:
		return llms.TextParts(llms.ChatMessageTypeSystem, msg.Content)
	case RoleAssistant:
		mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		if msg.Content != "" {
			mc.Parts = append(mc.Parts, llms.TextContent{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			mc.Parts = append(mc.Parts, llms.ToolCall{
				ID:   tc.ID,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.ArgumentsString(),
				},
			})
		}
		return mc
	case RoleTool:
		return llms.MessageContent{
			Role: llms.ChatMessageTypeTool,
			Parts: []llms.ContentPart{llms.ToolCallResponse{
				ToolCallID: msg.ToolCallID,
				Name:       msg.ToolName,
				Content:    msg.Content,
			}},
		}
	default:
		return llms.TextParts(llms.ChatMessageTypeHuman, msg.Content)
	}
}
