// Package tools contains the built-in tool set and the bridge from the
// broker's provider handles to the [llm.Provider] back-end interface.
package tools

import (
	"context"

	"github.com/MrWong99/toolgate/internal/broker"
	"github.com/MrWong99/toolgate/pkg/provider/llm"
)

// LLMHandle adapts an [llm.Provider] to [broker.ProviderHandle]. The handle
// interprets the invoking tool's name to pick the provider capability:
// count_tokens maps to CountTokens, everything else is a completion.
type LLMHandle struct {
	name     string
	provider llm.Provider
}

var _ broker.ProviderHandle = (*LLMHandle)(nil)

// NewLLMHandle wraps provider under the canonical name used for semaphore
// bucketing and telemetry.
func NewLLMHandle(name string, provider llm.Provider) *LLMHandle {
	return &LLMHandle{name: name, provider: provider}
}

// Name implements [broker.ProviderHandle].
func (h *LLMHandle) Name() string { return h.name }

// Provider returns the wrapped back-end.
func (h *LLMHandle) Provider() llm.Provider { return h.provider }

// Invoke implements [broker.ProviderHandle]. Back-end failures are returned
// as ProviderError so the dispatcher can classify them and feed the
// provider's circuit breaker.
func (h *LLMHandle) Invoke(ctx context.Context, toolName string, args map[string]any) (any, error) {
	switch toolName {
	case "count_tokens":
		return h.countTokens(args)
	default:
		return h.complete(ctx, args)
	}
}

func (h *LLMHandle) complete(ctx context.Context, args map[string]any) (any, error) {
	req, err := completionRequest(args)
	if err != nil {
		return nil, err
	}

	resp, err := h.provider.Complete(ctx, req)
	if err != nil {
		// Context expiry surfaces through the dispatcher's own deadline
		// handling; everything else is a back-end failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, broker.Errorf(broker.KindProviderError, "provider %q: %s", h.name, err.Error())
	}
	if resp == nil {
		return nil, broker.Errorf(broker.KindProviderError, "provider %q returned no response", h.name)
	}

	return map[string]any{
		"content": resp.Content,
		"model":   resp.Model,
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	}, nil
}

func (h *LLMHandle) countTokens(args map[string]any) (any, error) {
	req, err := completionRequest(args)
	if err != nil {
		return nil, err
	}

	msgs := req.Messages
	if req.SystemPrompt != "" {
		msgs = append([]llm.Message{{Role: "system", Content: req.SystemPrompt}}, msgs...)
	}

	n, err := h.provider.CountTokens(msgs)
	if err != nil {
		return nil, broker.Errorf(broker.KindProviderError, "provider %q: %s", h.name, err.Error())
	}

	caps := h.provider.Capabilities()
	return map[string]any{
		"tokens":         n,
		"context_window": caps.ContextWindow,
	}, nil
}

// completionRequest builds an [llm.CompletionRequest] from a tool argument
// bag. Either "prompt" (a single user message) or "messages" (a full
// conversation) must be present.
func completionRequest(args map[string]any) (llm.CompletionRequest, error) {
	var req llm.CompletionRequest

	if s, ok := args["system"].(string); ok {
		req.SystemPrompt = s
	}
	if t, ok := args["temperature"].(float64); ok {
		req.Temperature = t
	}
	if mt, ok := args["max_tokens"].(float64); ok {
		req.MaxTokens = int(mt)
	}

	if prompt, ok := args["prompt"].(string); ok && prompt != "" {
		req.Messages = []llm.Message{{Role: "user", Content: prompt}}
		return req, nil
	}

	raw, ok := args["messages"].([]any)
	if !ok || len(raw) == 0 {
		return req, broker.Errorf(broker.KindInvalidArgs, "either \"prompt\" or a non-empty \"messages\" is required")
	}
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return req, broker.Errorf(broker.KindInvalidArgs, "messages[%d] must be an object", i)
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if role == "" {
			return req, broker.Errorf(broker.KindInvalidArgs, "messages[%d] is missing a role", i)
		}
		switch role {
		case "system", "user", "assistant":
		default:
			return req, broker.Errorf(broker.KindInvalidArgs, "messages[%d] has unknown role %q", i, role)
		}
		name, _ := m["name"].(string)
		req.Messages = append(req.Messages, llm.Message{Role: role, Content: content, Name: name})
	}
	return req, nil
}

// requireProvider returns the call's provider handle or an InvalidArgs error
// naming the tool.
func requireProvider(tc broker.ToolContext, tool string) (broker.ProviderHandle, error) {
	if tc.Provider == nil {
		return nil, broker.Errorf(broker.KindInvalidArgs, "%s requires a provider; pass the \"provider\" argument", tool)
	}
	return tc.Provider, nil
}
