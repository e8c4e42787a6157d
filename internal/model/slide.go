package model

// ErrorKind classifies why a slide failed. Each kind is scoped to one slide.
type ErrorKind string

// Error kinds, one per capability port plus run cancellation.
const (
	ErrExtraction      ErrorKind = "extraction_error"
	ErrValidation      ErrorKind = "validation_error"
	ErrRewrite         ErrorKind = "rewrite_error"
	ErrImageGeneration ErrorKind = "image_generation_error"
	ErrCanceled        ErrorKind = "canceled"
)

// Retryable reports whether the deck-level retry policy may re-run a slide
// that failed with this kind.
func (k ErrorKind) Retryable() bool {
	return k == ErrImageGeneration
}

// Slide result status constants
const (
	SlideApproved = "approved"
	SlideFailed   = "failed"
)

// SlideTask is the unit of work for one slide. Index is the stable identity key.
type SlideTask struct {
	Index        int    `json:"index" yaml:"index"`
	Title        string `json:"title" yaml:"title"`
	TopicContext string `json:"topic_context" yaml:"topic_context"`
}

// ValidationResult is the typed output of the validate capability.
// IsValid is the only field that drives control flow; Score is advisory.
type ValidationResult struct {
	IsValid  bool   `json:"is_valid"`
	Score    int    `json:"score"`
	Feedback string `json:"feedback,omitempty"`
}

// ClampScore forces a score into the 0..100 range.
func ClampScore(score int) int {
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return score
	}
}

// SlideResult is the terminal outcome of one slide pipeline.
type SlideResult struct {
	Index     int       `json:"index"`
	Status    string    `json:"status"`
	Prompt    string    `json:"prompt,omitempty"`
	ImageURL  string    `json:"image_url,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Approved builds a successful SlideResult.
func Approved(index int, prompt, imageURL string) SlideResult {
	return SlideResult{Index: index, Status: SlideApproved, Prompt: prompt, ImageURL: imageURL}
}

// Failed builds a failed SlideResult.
func Failed(index int, kind ErrorKind, msg string) SlideResult {
	return SlideResult{Index: index, Status: SlideFailed, ErrorKind: kind, Error: msg}
}

// IsApproved reports whether the slide produced a prompt and image.
func (r SlideResult) IsApproved() bool { return r.Status == SlideApproved }

// DeckResult aggregates the slide results of one run. Results[i].Index == i.
type DeckResult struct {
	Results   []SlideResult `json:"results"`
	Completed int           `json:"completed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Total     int           `json:"total"`
}

// Images returns the image map of all approved slides, keyed by slide index.
func (d DeckResult) Images() map[int]string {
	images := make(map[int]string, len(d.Results))
	for _, r := range d.Results {
		if r.IsApproved() && r.ImageURL != "" {
			images[r.Index] = r.ImageURL
		}
	}
	return images
}
