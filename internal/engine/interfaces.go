package engine

import (
	"context"

	"github.com/yangwenmai/deckforge/internal/model"
)

// ModelClient abstracts LLM calls. Implementations can wrap OpenAI, local models, etc.
type ModelClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// KeywordExtractor pulls image-worthy keywords out of a slide's topic context.
type KeywordExtractor interface {
	ExtractKeywords(ctx context.Context, topicContext string) ([]string, error)
}

// PromptValidator judges whether a candidate image prompt is good enough.
type PromptValidator interface {
	ValidatePrompt(ctx context.Context, prompt string) (model.ValidationResult, error)
}

// PromptRewriter improves a rejected prompt using the validator's feedback.
type PromptRewriter interface {
	RewritePrompt(ctx context.Context, prompt, feedback string) (string, error)
}

// ImageGenerator renders a prompt and returns the image URL.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// Capabilities bundles the four AI ports a slide pipeline depends on.
type Capabilities struct {
	Keywords  KeywordExtractor
	Validator PromptValidator
	Rewriter  PromptRewriter
	Images    ImageGenerator
}

// keywordsResult is the structured output of the keyword prompt.
type keywordsResult struct {
	Keywords []string `json:"keywords"`
}

// validationOutput is the structured output of the validation prompt.
type validationOutput struct {
	IsValid  *bool  `json:"is_valid"`
	Score    int    `json:"score"`
	Feedback string `json:"feedback"`
}

// rewriteResult is the structured output of the rewrite prompt.
type rewriteResult struct {
	Prompt string `json:"prompt"`
}
