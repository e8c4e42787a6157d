package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/yangwenmai/deckforge/internal/deck"
	"github.com/yangwenmai/deckforge/internal/model"
	"github.com/yangwenmai/deckforge/internal/store"
)

type apiErrorBody struct {
	Code    string `json:"code" example:"not_found"`
	Message string `json:"message" example:"run not found"`
}

// apiError is the error envelope every operation returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, msg string) *apiError {
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: msg}}
}

// handleError maps run manager errors to HTTP statuses.
func handleError(err error) huma.StatusError {
	switch {
	case errors.Is(err, deck.ErrRunNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, deck.ErrRunFinished):
		return newAPIError(http.StatusConflict, "run_finished", err.Error())
	case errors.Is(err, deck.ErrInvalidDeck):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, deck.ErrSourceImport):
		return newAPIError(http.StatusBadGateway, "source_import_failed", err.Error())
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// ---------------------------------------------------------------------------
// GET /v1/health
// ---------------------------------------------------------------------------

type healthBody struct {
	Status string         `json:"status" example:"ok"`
	Runs   map[string]int `json:"runs"`
}

func registerHealth(api huma.API, runs RunService) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check with run counts per status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body healthBody `json:"body"`
	}, error) {
		counts, err := runs.Counts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body healthBody `json:"body"`
		}{Body: healthBody{Status: "ok", Runs: counts}}, nil
	})
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

type slideInput struct {
	Title        string `json:"title,omitempty" maxLength:"300"`
	TopicContext string `json:"topic_context,omitempty"`
}

type startRunBody struct {
	Title     string       `json:"title,omitempty" maxLength:"300"`
	SourceURL string       `json:"source_url,omitempty" format:"uri"`
	Slides    []slideInput `json:"slides" minItems:"1" maxItems:"100"`
}

func (b startRunBody) deck() deck.Deck {
	d := deck.Deck{Title: b.Title, SourceURL: b.SourceURL}
	for _, s := range b.Slides {
		d.Slides = append(d.Slides, deck.SlideSpec{Title: s.Title, TopicContext: s.TopicContext})
	}
	return d
}

type runRef struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type runDetail struct {
	Run     *model.Run          `json:"run"`
	Results []model.SlideResult `json:"results,omitempty"`
}

type runList struct {
	Runs []model.Run `json:"runs"`
}

type runPath struct {
	ID string `path:"id"`
}

func registerRuns(api huma.API, runs RunService) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Queue a new generation run for a deck",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body startRunBody `json:"body"`
	}) (*struct {
		Body runRef `json:"body"`
	}, error) {
		id, err := runs.StartRun(ctx, input.Body.deck())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body runRef `json:"body"`
		}{Body: runRef{ID: id, Status: model.RunQueued}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs, newest first",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"Comma-separated statuses, e.g. QUEUED,RUNNING"`
		Limit  int    `query:"limit" default:"50" minimum:"0" maximum:"500"`
	}) (*struct {
		Body runList `json:"body"`
	}, error) {
		list, err := runs.List(ctx, store.RunFilter{Status: splitComma(input.Status), Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		if list == nil {
			list = []model.Run{}
		}
		return &struct {
			Body runList `json:"body"`
		}{Body: runList{Runs: list}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Get a run and, once it finished, its slide results",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body runDetail `json:"body"`
	}, error) {
		run, err := runs.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		detail := runDetail{Run: run}
		if run.Terminal() {
			if detail.Results, err = runs.Results(ctx, input.ID); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body runDetail `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-run",
		Method:      http.MethodPost,
		Path:        "/runs/{id}/cancel",
		Summary:     "Cancel a queued or running run",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body runRef `json:"body"`
	}, error) {
		if err := runs.CancelRun(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		run, err := runs.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body runRef `json:"body"`
		}{Body: runRef{ID: run.ID, Status: run.Status}}, nil
	})
}

// ---------------------------------------------------------------------------
// Slides and events
// ---------------------------------------------------------------------------

type slidesBody struct {
	Slides []model.DisplaySlideState `json:"slides"`
}

type eventsBody struct {
	Events []model.ActivityEvent `json:"events"`
}

func registerSlides(api huma.API, runs RunService) {
	huma.Register(api, huma.Operation{
		OperationID: "get-slides",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/slides",
		Summary:     "Current display state of every slide",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body slidesBody `json:"body"`
	}, error) {
		states, err := runs.Project(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body slidesBody `json:"body"`
		}{Body: slidesBody{Slides: states}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/events",
		Summary:     "Activity log of a run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		AfterSeq int64  `query:"after_seq" minimum:"0" doc:"Only events with a larger sequence number"`
	}) (*struct {
		Body eventsBody `json:"body"`
	}, error) {
		events, err := runs.Events(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]model.ActivityEvent, 0, len(events))
		for _, e := range events {
			if e.Seq > input.AfterSeq {
				out = append(out, e)
			}
		}
		return &struct {
			Body eventsBody `json:"body"`
		}{Body: eventsBody{Events: out}}, nil
	})
}
