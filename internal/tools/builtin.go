package tools

import (
	"context"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/MrWong99/toolgate/internal/broker"
	"github.com/MrWong99/toolgate/internal/config"
)

// titleSystemPrompt instructs the model for generate_title.
const titleSystemPrompt = "Produce a short title (at most eight words) for the given text. " +
	"Reply with the title only: no quotes, no trailing punctuation."

// RegisterBuiltins adds the built-in tool set to registry:
//
//   - echo: diagnostics round-trip (hidden)
//   - chat: provider completion over a conversation
//   - generate_title: short title for a text
//   - count_tokens: context-budget estimation (advanced)
func RegisterBuiltins(registry *broker.Registry) error {
	for _, reg := range []struct {
		desc broker.Descriptor
		impl broker.Tool
	}{
		{echoDescriptor(), broker.ToolFunc(echoTool)},
		{chatDescriptor(), broker.ToolFunc(chatTool)},
		{titleDescriptor(), broker.ToolFunc(titleTool)},
		{countTokensDescriptor(), broker.ToolFunc(countTokensTool)},
	} {
		if err := registry.Register(reg.desc, reg.impl); err != nil {
			return err
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// echo
// ─────────────────────────────────────────────────────────────────────────────

func echoDescriptor() broker.Descriptor {
	return broker.Descriptor{
		Name:        "echo",
		Description: "Returns the given text unchanged. Diagnostics only.",
		Visibility:  broker.VisibilityHidden,
		Tier:        config.TierSimple,
		InputSchema: &jsonschema.Schema{
			Type:     "object",
			Required: []string{"text"},
			Properties: map[string]*jsonschema.Schema{
				"text": {Type: "string", Description: "Text to echo back."},
			},
		},
	}
}

func echoTool(_ context.Context, args map[string]any, _ broker.ToolContext) (any, error) {
	return map[string]any{"text": args["text"]}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// chat
// ─────────────────────────────────────────────────────────────────────────────

func chatDescriptor() broker.Descriptor {
	return broker.Descriptor{
		Name:        "chat",
		Description: "Sends a conversation to an LLM provider and returns the completion.",
		Visibility:  broker.VisibilityCore,
		Tier:        config.TierWorkflow,
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"prompt":      {Type: "string", Description: "Single user message; shorthand for a one-entry messages list."},
				"messages":    {Type: "array", Description: "Conversation history as {role, content} objects."},
				"system":      {Type: "string", Description: "Optional system prompt."},
				"temperature": {Type: "number", Description: "Sampling temperature in [0, 2]."},
				"max_tokens":  {Type: "integer", Description: "Cap on completion tokens."},
				"provider":    {Type: "string", Description: "Provider to use."},
			},
		},
	}
}

func chatTool(ctx context.Context, args map[string]any, tc broker.ToolContext) (any, error) {
	handle, err := requireProvider(tc, "chat")
	if err != nil {
		return nil, err
	}
	return handle.Invoke(ctx, "chat", args)
}

// ─────────────────────────────────────────────────────────────────────────────
// generate_title
// ─────────────────────────────────────────────────────────────────────────────

func titleDescriptor() broker.Descriptor {
	return broker.Descriptor{
		Name:        "generate_title",
		Description: "Generates a short title for the given text.",
		Visibility:  broker.VisibilityCore,
		Tier:        config.TierSimple,
		InputSchema: &jsonschema.Schema{
			Type:     "object",
			Required: []string{"text"},
			Properties: map[string]*jsonschema.Schema{
				"text":     {Type: "string", Description: "Text to title."},
				"provider": {Type: "string", Description: "Provider to use."},
			},
		},
	}
}

func titleTool(ctx context.Context, args map[string]any, tc broker.ToolContext) (any, error) {
	handle, err := requireProvider(tc, "generate_title")
	if err != nil {
		return nil, err
	}
	text, _ := args["text"].(string)
	if strings.TrimSpace(text) == "" {
		return nil, broker.Errorf(broker.KindInvalidArgs, "\"text\" must not be blank")
	}

	out, err := handle.Invoke(ctx, "generate_title", map[string]any{
		"prompt":     text,
		"system":     titleSystemPrompt,
		"max_tokens": float64(32),
	})
	if err != nil {
		return nil, err
	}

	if m, ok := out.(map[string]any); ok {
		if content, ok := m["content"].(string); ok {
			return map[string]any{"title": strings.TrimSpace(content)}, nil
		}
	}
	return nil, broker.Errorf(broker.KindProviderError, "provider returned an unexpected completion shape")
}

// ─────────────────────────────────────────────────────────────────────────────
// count_tokens
// ─────────────────────────────────────────────────────────────────────────────

func countTokensDescriptor() broker.Descriptor {
	return broker.Descriptor{
		Name:        "count_tokens",
		Description: "Estimates how many context tokens a conversation would consume.",
		Visibility:  broker.VisibilityAdvanced,
		Tier:        config.TierSimple,
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"prompt":   {Type: "string", Description: "Single user message; shorthand for a one-entry messages list."},
				"messages": {Type: "array", Description: "Conversation history as {role, content} objects."},
				"system":   {Type: "string", Description: "Optional system prompt, included in the count."},
				"provider": {Type: "string", Description: "Provider whose tokeniser to use."},
			},
		},
	}
}

func countTokensTool(ctx context.Context, args map[string]any, tc broker.ToolContext) (any, error) {
	handle, err := requireProvider(tc, "count_tokens")
	if err != nil {
		return nil, err
	}
	return handle.Invoke(ctx, "count_tokens", args)
}
