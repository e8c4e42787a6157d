package model

import "time"

// Stage identifies which pipeline stage emitted an ActivityEvent.
type Stage string

// Pipeline stages
const (
	StageExtractKeywords Stage = "extract_keywords"
	StageValidate        Stage = "validate"
	StageRewrite         Stage = "rewrite"
	StageFinalize        Stage = "finalize"
	StageFailed          Stage = "failed"
	// StageImage is only used as the stage of an image generation failure.
	StageImage Stage = "generate_image"
)

// KeywordsPayload is carried by extract_keywords events.
type KeywordsPayload struct {
	Keywords        []string `json:"keywords"`
	CandidatePrompt string   `json:"candidate_prompt"`
}

// RewritePayload is carried by rewrite events.
type RewritePayload struct {
	Prompt         string `json:"prompt"`
	RewriteAttempt int    `json:"rewrite_attempt"`
}

// FinalizePayload is carried by finalize events. Forced is set when the
// rewrite budget ran out and the last candidate is shipped as is.
type FinalizePayload struct {
	ApprovedPrompt string `json:"approved_prompt"`
	Forced         bool   `json:"forced"`
}

// FailurePayload is carried by failed events.
type FailurePayload struct {
	Kind    ErrorKind `json:"kind"`
	Stage   Stage     `json:"stage"`
	Message string    `json:"message"`
}

// ActivityEvent is one entry of the activity log. Exactly one payload field
// is set, matching Stage. Seq and At are assigned by the log on append.
type ActivityEvent struct {
	Seq        int64     `json:"seq"`
	At         time.Time `json:"at"`
	SlideIndex int       `json:"slide_index"`
	Attempt    int       `json:"attempt"`
	Stage      Stage     `json:"stage"`

	Keywords   *KeywordsPayload  `json:"keywords,omitempty"`
	Validation *ValidationResult `json:"validation,omitempty"`
	Rewrite    *RewritePayload   `json:"rewrite,omitempty"`
	Finalize   *FinalizePayload  `json:"finalize,omitempty"`
	Failure    *FailurePayload   `json:"failure,omitempty"`
}

// KeywordsEvent builds an extract_keywords event.
func KeywordsEvent(index, attempt int, keywords []string, candidate string) ActivityEvent {
	return ActivityEvent{
		SlideIndex: index,
		Attempt:    attempt,
		Stage:      StageExtractKeywords,
		Keywords:   &KeywordsPayload{Keywords: keywords, CandidatePrompt: candidate},
	}
}

// ValidateEvent builds a validate event.
func ValidateEvent(index, attempt int, v ValidationResult) ActivityEvent {
	return ActivityEvent{
		SlideIndex: index,
		Attempt:    attempt,
		Stage:      StageValidate,
		Validation: &v,
	}
}

// RewriteEvent builds a rewrite event.
func RewriteEvent(index, attempt int, prompt string, rewriteAttempt int) ActivityEvent {
	return ActivityEvent{
		SlideIndex: index,
		Attempt:    attempt,
		Stage:      StageRewrite,
		Rewrite:    &RewritePayload{Prompt: prompt, RewriteAttempt: rewriteAttempt},
	}
}

// FinalizeEvent builds a finalize event.
func FinalizeEvent(index, attempt int, prompt string, forced bool) ActivityEvent {
	return ActivityEvent{
		SlideIndex: index,
		Attempt:    attempt,
		Stage:      StageFinalize,
		Finalize:   &FinalizePayload{ApprovedPrompt: prompt, Forced: forced},
	}
}

// FailureEvent builds a failed event.
func FailureEvent(index, attempt int, kind ErrorKind, stage Stage, msg string) ActivityEvent {
	return ActivityEvent{
		SlideIndex: index,
		Attempt:    attempt,
		Stage:      StageFailed,
		Failure:    &FailurePayload{Kind: kind, Stage: stage, Message: msg},
	}
}
