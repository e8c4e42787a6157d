package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"
)

// Structured-output schemas handed to llmkit, one per capability prompt.
const (
	keywordsSchema = `{"type":"object","properties":{"keywords":{"type":"array","items":{"type":"string"}}},"required":["keywords"],"additionalProperties":false}`
	validateSchema = `{"type":"object","properties":{"is_valid":{"type":"boolean"},"score":{"type":"integer"},"feedback":{"type":"string"}},"required":["is_valid","score","feedback"],"additionalProperties":false}`
	rewriteSchema  = `{"type":"object","properties":{"prompt":{"type":"string"}},"required":["prompt"],"additionalProperties":false}`
)

const llmkitSystemPrompt = "You are one stage of a slide illustration pipeline. Follow the output rules exactly."

// LLMKitClient implements ModelClient with llmkit's Anthropic structured
// output. Each call is a stateless one-shot prompt so concurrent slides never
// share conversation history.
type LLMKitClient struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64

	// prompt is the llmkit entry point; tests swap it out.
	prompt func(system, user, schema, apiKey string, settings types.RequestSettings) (string, error)
}

// LLMKitOption configures the llmkit client.
type LLMKitOption func(*LLMKitClient)

// WithLLMKitModel sets the Anthropic model name.
func WithLLMKitModel(model string) LLMKitOption {
	return func(c *LLMKitClient) { c.model = model }
}

// NewLLMKitClient creates a new llmkit-backed model client.
func NewLLMKitClient(apiKey string, opts ...LLMKitOption) *LLMKitClient {
	c := &LLMKitClient{
		apiKey:      apiKey,
		model:       "claude-sonnet-4-20250514",
		maxTokens:   1024,
		temperature: 0.3,
		prompt:      anthropicPrompt,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func anthropicPrompt(system, user, schema, apiKey string, settings types.RequestSettings) (string, error) {
	resp, err := anthropic.PromptWithSettings(system, user, schema, apiKey, settings)
	if err != nil {
		return "", err
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("no content in response")
	}
	return resp.Content[0].Text, nil
}

// Complete sends the prompt with the schema matching its capability. llmkit
// has no context support, so the call runs in a goroutine and ctx only bounds
// how long we wait for it.
func (c *LLMKitClient) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	settings := types.RequestSettings{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := c.prompt(llmkitSystemPrompt, prompt, schemaFor(prompt), c.apiKey, settings)
		done <- result{text, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("llmkit: %w", r.err)
		}
		return r.text, nil
	}
}

// schemaFor picks the output schema from the capability prompt header.
func schemaFor(prompt string) string {
	switch {
	case strings.HasPrefix(prompt, keywordsPromptHeader):
		return keywordsSchema
	case strings.HasPrefix(prompt, validatePromptHeader):
		return validateSchema
	case strings.HasPrefix(prompt, rewritePromptHeader):
		return rewriteSchema
	default:
		return ""
	}
}
