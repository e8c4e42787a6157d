package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yangwenmai/deckforge/internal/deck"
)

// handleStream serves GET /v1/runs/{id}/stream as server-sent events. Each
// "slides" event carries the full slide state list; an "end" event follows
// the final state once the run is archived.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	updates, err := s.runs.Subscribe(r.Context(), id)
	if errors.Is(err, deck.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if err != nil {
		s.logger.Error("subscribe failed", "run_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for states := range updates {
		data, err := json.Marshal(states)
		if err != nil {
			s.logger.Error("encode slide states", "run_id", id, "error", err)
			return
		}
		fmt.Fprintf(w, "event: slides\ndata: %s\n\n", data)
		flusher.Flush()
	}
	if r.Context().Err() == nil {
		fmt.Fprint(w, "event: end\ndata: {}\n\n")
		flusher.Flush()
	}
}
