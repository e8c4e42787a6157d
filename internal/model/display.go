package model

// Display status constants
const (
	DisplayPending    = "pending"
	DisplayValidating = "validating"
	DisplayRewriting  = "rewriting"
	DisplayGenerating = "generating"
	DisplayComplete   = "complete"
	DisplayError      = "error"
)

// DisplaySlideState is the read model of one slide, derived from the activity
// log and the image map. It is never persisted.
type DisplaySlideState struct {
	Index           int    `json:"index"`
	Title           string `json:"title"`
	Status          string `json:"status"`
	StatusText      string `json:"status_text"`
	ValidationScore *int   `json:"validation_score,omitempty"`
	WasRewritten    bool   `json:"was_rewritten"`
	ApprovedPrompt  string `json:"approved_prompt,omitempty"`
	ImageURL        string `json:"image_url,omitempty"`
	Error           string `json:"error,omitempty"`
}
