package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/yangwenmai/deckforge/internal/deck"
	"github.com/yangwenmai/deckforge/internal/model"
	"github.com/yangwenmai/deckforge/internal/store"
)

// maxRequestBody is the maximum allowed request body size (1 MB).
const maxRequestBody int64 = 1 << 20

// basePath prefixes every API route.
const basePath = "/v1"

// RunService is what the API needs from the run manager.
// *deck.Manager satisfies it.
type RunService interface {
	StartRun(ctx context.Context, d deck.Deck) (string, error)
	CancelRun(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*model.Run, error)
	List(ctx context.Context, f store.RunFilter) ([]model.Run, error)
	Counts(ctx context.Context) (map[string]int, error)
	Project(ctx context.Context, id string) ([]model.DisplaySlideState, error)
	Events(ctx context.Context, id string) ([]model.ActivityEvent, error)
	Results(ctx context.Context, id string) ([]model.SlideResult, error)
	Subscribe(ctx context.Context, id string) (<-chan []model.DisplaySlideState, error)
}

// Server holds the HTTP handlers and dependencies.
type Server struct {
	runs       RunService
	router     chi.Router
	corsOrigin string
	logger     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithCORSOrigin sets the allowed CORS origin (default "*").
func WithCORSOrigin(origin string) Option {
	return func(s *Server) {
		if origin != "" {
			s.corsOrigin = origin
		}
	}
}

// WithLogger sets the server logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a new API server.
func New(runs RunService, opts ...Option) *Server {
	srv := &Server{runs: runs, corsOrigin: "*", logger: slog.Default()}
	for _, opt := range opts {
		opt(srv)
	}
	srv.routes()
	return srv
}

// Handler returns the root http.Handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	router := chi.NewRouter()
	router.Use(s.corsMiddleware, limitBody)

	hcfg := huma.DefaultConfig("deckforge API", "1.0.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, s.runs)
	registerRuns(group, s.runs)
	registerSlides(group, s.runs)

	// SSE does not fit huma's request/response model; it lives on chi directly.
	router.Get(basePath+"/runs/{id}/stream", s.handleStream)

	s.router = router
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// corsMiddleware sets CORS headers for the configured origin.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitBody restricts the request body to maxRequestBody bytes.
func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]apiErrorBody{"error": {Code: code, Message: msg}})
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}
