package engine

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"unicode"
)

// stubComposition is appended by the stub rewriter; the stub validator only
// accepts prompts that carry it, so dev runs exercise one rewrite per slide.
const stubComposition = "Composition: centered subject, soft studio lighting."

// StubModelClient returns mock LLM responses (for development/testing).
type StubModelClient struct{}

func (m *StubModelClient) Complete(_ context.Context, prompt string) (string, error) {
	switch {
	case strings.HasPrefix(prompt, keywordsPromptHeader):
		material := prompt[strings.LastIndex(prompt, "Slide material:\n")+len("Slide material:\n"):]
		return mustJSON(keywordsResult{Keywords: stubKeywords(material)}), nil

	case strings.HasPrefix(prompt, validatePromptHeader):
		valid := strings.Contains(prompt, stubComposition)
		out := map[string]any{"is_valid": valid, "score": 55, "feedback": "Describe composition and lighting."}
		if valid {
			out["score"] = 84
			out["feedback"] = ""
		}
		return mustJSON(out), nil

	case strings.HasPrefix(prompt, rewritePromptHeader):
		original := between(prompt, "Original prompt:\n", "\n\nReviewer feedback:")
		return mustJSON(rewriteResult{Prompt: strings.TrimSpace(original) + " " + stubComposition}), nil
	}
	return "{}", nil
}

// StubImageGenerator returns a deterministic placeholder URL per prompt.
type StubImageGenerator struct{}

func (g *StubImageGenerator) GenerateImage(_ context.Context, prompt string) (string, error) {
	sum := sha1.Sum([]byte(prompt))
	return "https://placehold.co/1792x1024/png?text=" + hex.EncodeToString(sum[:6]), nil
}

// StubCapabilities wires the stub model and image generator into a full set
// of ports.
func StubCapabilities() Capabilities {
	llm := NewLLMCapabilities(&StubModelClient{})
	return Capabilities{Keywords: llm, Validator: llm, Rewriter: llm, Images: &StubImageGenerator{}}
}

func stubKeywords(material string) []string {
	words := strings.FieldsFunc(strings.ToLower(material), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	seen := map[string]bool{}
	for _, w := range words {
		if len([]rune(w)) < 5 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == 5 {
			break
		}
	}
	if len(out) == 0 {
		out = []string{"presentation", "abstract shapes"}
	}
	return out
}

func between(s, start, end string) string {
	i := strings.Index(s, start)
	if i < 0 {
		return s
	}
	s = s[i+len(start):]
	if j := strings.Index(s, end); j >= 0 {
		return s[:j]
	}
	return s
}
