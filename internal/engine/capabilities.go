package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/yangwenmai/deckforge/internal/model"
)

// errMalformedOutput marks model output that could not be decoded into the
// expected JSON shape.
var errMalformedOutput = errors.New("malformed model output")

// LLMCapabilities implements the text ports (keywords, validation, rewrite)
// on top of any ModelClient. Every answer must be JSON; anything else is an
// error of the calling port.
type LLMCapabilities struct {
	model ModelClient
}

// NewLLMCapabilities wraps a model client.
func NewLLMCapabilities(mc ModelClient) *LLMCapabilities {
	return &LLMCapabilities{model: mc}
}

// ExtractKeywords asks the model for keywords and dedupes them.
func (c *LLMCapabilities) ExtractKeywords(ctx context.Context, topicContext string) ([]string, error) {
	raw, err := c.model.Complete(ctx, buildKeywordsPrompt(topicContext))
	if err != nil {
		return nil, err
	}

	var out keywordsResult
	if err := decode(raw, &out); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(out.Keywords))
	keywords := make([]string, 0, len(out.Keywords))
	for _, k := range out.Keywords {
		k = strings.TrimSpace(k)
		if k == "" || seen[strings.ToLower(k)] {
			continue
		}
		seen[strings.ToLower(k)] = true
		keywords = append(keywords, k)
	}
	if len(keywords) == 0 {
		return nil, fmt.Errorf("%w: no keywords", errMalformedOutput)
	}
	return keywords, nil
}

// ValidatePrompt asks the model to judge a prompt. A missing is_valid field
// counts as malformed output, never as a silent rejection.
func (c *LLMCapabilities) ValidatePrompt(ctx context.Context, prompt string) (model.ValidationResult, error) {
	raw, err := c.model.Complete(ctx, buildValidatePrompt(prompt))
	if err != nil {
		return model.ValidationResult{}, err
	}

	var out validationOutput
	if err := decode(raw, &out); err != nil {
		return model.ValidationResult{}, err
	}
	if out.IsValid == nil {
		return model.ValidationResult{}, fmt.Errorf("%w: missing is_valid", errMalformedOutput)
	}
	return model.ValidationResult{
		IsValid:  *out.IsValid,
		Score:    model.ClampScore(out.Score),
		Feedback: strings.TrimSpace(out.Feedback),
	}, nil
}

// RewritePrompt asks the model for an improved prompt.
func (c *LLMCapabilities) RewritePrompt(ctx context.Context, prompt, feedback string) (string, error) {
	raw, err := c.model.Complete(ctx, buildRewritePrompt(prompt, feedback))
	if err != nil {
		return "", err
	}

	var out rewriteResult
	if err := decode(raw, &out); err != nil {
		return "", err
	}
	rewritten := strings.TrimSpace(out.Prompt)
	if rewritten == "" {
		return "", fmt.Errorf("%w: empty prompt", errMalformedOutput)
	}
	return rewritten, nil
}

func decode(raw string, v any) error {
	if err := json.Unmarshal([]byte(extractJSON(raw)), v); err != nil {
		return fmt.Errorf("%w: %v", errMalformedOutput, err)
	}
	return nil
}
