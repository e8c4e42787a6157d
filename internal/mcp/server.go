// Package mcp exposes deck runs as MCP tools so an assistant can queue a
// deck, watch its slides and cancel it.
package mcp

import (
	"context"
	"fmt"
	"strings"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/yangwenmai/deckforge/internal/deck"
	"github.com/yangwenmai/deckforge/internal/model"
	"github.com/yangwenmai/deckforge/internal/store"
)

// RunService is the subset of the run manager the tools call.
type RunService interface {
	StartRun(ctx context.Context, d deck.Deck) (string, error)
	CancelRun(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*model.Run, error)
	List(ctx context.Context, f store.RunFilter) ([]model.Run, error)
	Project(ctx context.Context, id string) ([]model.DisplaySlideState, error)
}

// Server wraps the run manager and exposes it as MCP tools.
type Server struct {
	server *gomcp.Server
	runs   RunService
}

// NewServer creates a new MCP server backed by runs.
func NewServer(runs RunService, version string) *Server {
	if version == "" {
		version = "dev"
	}

	s := &Server{runs: runs}
	s.server = gomcp.NewServer(
		&gomcp.Implementation{Name: "deckforge", Version: version},
		nil,
	)
	s.registerTools()
	return s
}

// Run serves MCP over stdio until the client disconnects or ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying mcp.Server for testing purposes.
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

// --- Tool input/output types ---

type slideInput struct {
	Title        string `json:"title,omitempty" jsonschema:"the slide title"`
	TopicContext string `json:"topic_context,omitempty" jsonschema:"background text the image should illustrate"`
}

type startRunInput struct {
	Title     string       `json:"title,omitempty" jsonschema:"the deck title"`
	SourceURL string       `json:"source_url,omitempty" jsonschema:"web page whose text fills slides without topic context"`
	Slides    []slideInput `json:"slides" jsonschema:"required,the slides in presentation order"`
}

type runRefOutput struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type runIDInput struct {
	RunID string `json:"run_id" jsonschema:"required,the run identifier returned by start_run"`
}

type slideOutput struct {
	Index           int    `json:"index"`
	Title           string `json:"title"`
	Status          string `json:"status"`
	StatusText      string `json:"status_text"`
	ValidationScore *int   `json:"validation_score,omitempty"`
	WasRewritten    bool   `json:"was_rewritten"`
	ImageURL        string `json:"image_url,omitempty"`
	Error           string `json:"error,omitempty"`
}

type getSlidesOutput struct {
	RunID  string        `json:"run_id"`
	Status string        `json:"status"`
	Slides []slideOutput `json:"slides"`
}

type listRunsInput struct {
	Status string `json:"status,omitempty" jsonschema:"filter by status (queued, running, completed, canceled, failed)"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of runs to return. Defaults to 20."`
}

type runSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	CreatedAt string `json:"created_at"`
}

type listRunsOutput struct {
	Runs  []runSummary `json:"runs"`
	Count int          `json:"count"`
}

// --- Tool registration ---

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "start_run",
		Description: "Queue image generation for a deck. Returns the run ID; poll get_slides for progress.",
	}, s.handleStartRun)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "cancel_run",
		Description: "Cancel a queued or running run. Slides already in flight finish; the rest stay pending.",
	}, s.handleCancelRun)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_slides",
		Description: "Get the current display state of every slide of a run, including image URLs once approved.",
	}, s.handleGetSlides)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_runs",
		Description: "List recent runs, newest first, with an optional status filter.",
	}, s.handleListRuns)
}

// --- Tool handlers ---

func (s *Server) handleStartRun(ctx context.Context, _ *gomcp.CallToolRequest, input startRunInput) (*gomcp.CallToolResult, runRefOutput, error) {
	d := deck.Deck{Title: input.Title, SourceURL: input.SourceURL}
	for _, sl := range input.Slides {
		d.Slides = append(d.Slides, deck.SlideSpec{Title: sl.Title, TopicContext: sl.TopicContext})
	}

	id, err := s.runs.StartRun(ctx, d)
	if err != nil {
		return errorResult(fmt.Sprintf("starting run: %s", err)), runRefOutput{}, nil
	}
	return nil, runRefOutput{ID: id, Status: model.RunQueued}, nil
}

func (s *Server) handleCancelRun(ctx context.Context, _ *gomcp.CallToolRequest, input runIDInput) (*gomcp.CallToolResult, runRefOutput, error) {
	if input.RunID == "" {
		return errorResult("run_id is required"), runRefOutput{}, nil
	}
	if err := s.runs.CancelRun(ctx, input.RunID); err != nil {
		return errorResult(fmt.Sprintf("canceling run %s: %s", input.RunID, err)), runRefOutput{}, nil
	}
	run, err := s.runs.Get(ctx, input.RunID)
	if err != nil {
		return errorResult(fmt.Sprintf("getting run %s: %s", input.RunID, err)), runRefOutput{}, nil
	}
	return nil, runRefOutput{ID: run.ID, Status: run.Status}, nil
}

func (s *Server) handleGetSlides(ctx context.Context, _ *gomcp.CallToolRequest, input runIDInput) (*gomcp.CallToolResult, getSlidesOutput, error) {
	if input.RunID == "" {
		return errorResult("run_id is required"), emptySlidesOutput(), nil
	}
	run, err := s.runs.Get(ctx, input.RunID)
	if err != nil {
		return errorResult(fmt.Sprintf("getting run %s: %s", input.RunID, err)), emptySlidesOutput(), nil
	}
	states, err := s.runs.Project(ctx, input.RunID)
	if err != nil {
		return errorResult(fmt.Sprintf("projecting run %s: %s", input.RunID, err)), emptySlidesOutput(), nil
	}

	out := getSlidesOutput{
		RunID:  run.ID,
		Status: run.Status,
		Slides: make([]slideOutput, len(states)),
	}
	for i, st := range states {
		out.Slides[i] = slideOutput{
			Index:           st.Index,
			Title:           st.Title,
			Status:          st.Status,
			StatusText:      st.StatusText,
			ValidationScore: st.ValidationScore,
			WasRewritten:    st.WasRewritten,
			ImageURL:        st.ImageURL,
			Error:           st.Error,
		}
	}
	return nil, out, nil
}

func (s *Server) handleListRuns(ctx context.Context, _ *gomcp.CallToolRequest, input listRunsInput) (*gomcp.CallToolResult, listRunsOutput, error) {
	f := store.RunFilter{Limit: input.Limit}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if input.Status != "" {
		status := strings.ToUpper(input.Status)
		switch status {
		case model.RunQueued, model.RunRunning, model.RunCompleted, model.RunCanceled, model.RunFailed:
		default:
			return errorResult(fmt.Sprintf("invalid status %q: must be one of queued, running, completed, canceled, failed", input.Status)), emptyRunsOutput(), nil
		}
		f.Status = []string{status}
	}

	runs, err := s.runs.List(ctx, f)
	if err != nil {
		return errorResult(fmt.Sprintf("listing runs: %s", err)), emptyRunsOutput(), nil
	}

	out := listRunsOutput{
		Runs:  make([]runSummary, len(runs)),
		Count: len(runs),
	}
	for i, r := range runs {
		out.Runs[i] = runSummary{
			ID:        r.ID,
			Title:     r.Title,
			Status:    r.Status,
			Total:     r.Total,
			Succeeded: r.Succeeded,
			Failed:    r.Failed,
			CreatedAt: r.CreatedAt,
		}
	}
	return nil, out, nil
}

// --- Helpers ---

// The output schema requires the arrays, so error results carry empty ones.
func emptySlidesOutput() getSlidesOutput {
	return getSlidesOutput{Slides: []slideOutput{}}
}

func emptyRunsOutput() listRunsOutput {
	return listRunsOutput{Runs: []runSummary{}}
}

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}
