package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxContextRunes caps how much topic context goes into a single prompt.
const maxContextRunes = 6000

// First lines of each capability prompt. Clients that need to know which
// capability is asking (llmkit schemas, the stub) match on these.
const (
	keywordsPromptHeader = "You are a visual research assistant for a presentation designer."
	validatePromptHeader = "You are a strict reviewer of text-to-image prompts for presentation slides."
	rewritePromptHeader  = "You are an expert prompt engineer for image generation models."
)

func buildKeywordsPrompt(topicContext string) string {
	return fmt.Sprintf(keywordsPromptHeader+`
Read the slide material below and pick the concrete, visual keywords an illustrator would need.

Output ONLY valid JSON with this exact structure (no markdown, no explanation):
{"keywords": ["keyword 1", "keyword 2", "keyword 3"]}

Rules:
- 3 to 8 keywords
- Prefer nouns and scenes that can be drawn, not abstract jargon
- No duplicates, lowercase unless a proper noun

Slide material:
%s`, truncateRunes(topicContext, maxContextRunes))
}

func buildValidatePrompt(candidate string) string {
	return fmt.Sprintf(validatePromptHeader+`
Decide whether the prompt below will produce a clear, relevant, text-free illustration.

Output ONLY valid JSON with this exact structure:
{"is_valid": true, "score": 80, "feedback": "what to improve"}

Rules:
- is_valid: true only if the prompt is specific, visual and free of requests to render text
- score: integer 0-100 for overall quality
- feedback: one or two sentences; required when is_valid is false

Prompt:
%s`, candidate)
}

func buildRewritePrompt(candidate, feedback string) string {
	if strings.TrimSpace(feedback) == "" {
		feedback = "Make the prompt more specific and visual."
	}
	return fmt.Sprintf(rewritePromptHeader+`
Rewrite the prompt below so that it addresses the reviewer feedback.

Output ONLY valid JSON with this exact structure:
{"prompt": "the rewritten prompt"}

Rules:
- Keep the subject of the original prompt
- Describe composition, style and lighting
- Never ask for words, letters or captions in the image

Original prompt:
%s

Reviewer feedback:
%s`, candidate, feedback)
}

// buildCandidatePrompt turns a slide title and its keywords into the first
// image prompt that goes through validation.
func buildCandidatePrompt(title string, keywords []string) string {
	var b strings.Builder
	b.WriteString("A clean, modern presentation illustration")
	if t := strings.TrimSpace(title); t != "" {
		fmt.Fprintf(&b, " for a slide titled %q", t)
	}
	if len(keywords) > 0 {
		b.WriteString(", featuring ")
		b.WriteString(strings.Join(keywords, ", "))
	}
	b.WriteString(". Flat vector style, soft lighting, no text.")
	return b.String()
}

// truncateRunes truncates s to maxRunes runes (Unicode-safe).
func truncateRunes(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes]) + "\n... [truncated]"
}

// extractJSON strips markdown code fences and surrounding prose that models
// like to wrap around JSON answers.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// mustJSON marshals v to a JSON string. It panics on error because callers
// only pass known struct types that are guaranteed to be serializable.
func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("engine: json.Marshal failed on known type: %v", err))
	}
	return string(b)
}
