package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-insights/internal/logging"
	"github.com/JakeFAU/site-insights/internal/site"
	"github.com/JakeFAU/site-insights/internal/sitekey"
	"github.com/JakeFAU/site-insights/internal/telemetry"
)

// Actors is the actor registry surface the router forwards to.
type Actors interface {
	Analyze(ctx context.Context, key, siteURL string) (site.AnalysisReport, error)
	Chat(ctx context.Context, key, message string) (site.ChatReply, error)
	History(ctx context.Context, key string) ([]site.AnalysisReport, error)
}

// Pinger reports whether a downstream dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config controls router middleware.
type Config struct {
	// RequestTimeout caps handler time; <= 0 disables the timeout.
	RequestTimeout time.Duration
	AuthEnabled    bool
	APIKey         string
}

const (
	historyPrefix = "/api/history/"

	infoText = "site-insights: website performance analysis service.\n" +
		"POST /api/analyze {\"siteUrl\"}\n" +
		"POST /api/chat {\"siteId\",\"message\"}\n" +
		"GET /api/history/{siteId}\n"
	emptyHistoryMessage = "No analysis history yet"
	readyTimeout        = 2 * time.Second
)

// Server wires HTTP handlers to the actor registry.
type Server struct {
	router http.Handler
	actors Actors
	ready  Pinger
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil,
// in which case /readyz always succeeds.
func NewServer(actors Actors, ready Pinger, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		actors: actors,
		ready:  ready,
		logger: logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/analyze", s.analyze)
		r.Post("/chat", s.chat)
		r.Get("/history/*", s.history)
		r.NotFound(s.notFound)
		r.MethodNotAllowed(s.notFound)
	})

	r.NotFound(s.fallback)
	r.MethodNotAllowed(s.fallback)

	// The timeout wraps the whole chi router: its route context must only be
	// touched by the goroutine TimeoutHandler starts.
	var h http.Handler = r
	if cfg.RequestTimeout > 0 {
		h = timeoutMiddleware(cfg.RequestTimeout)(h)
	}
	h = recoverMiddleware(s.logger)(h)
	h = loggingMiddleware(s.logger)(h)
	s.router = requestIDMiddleware(h)
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			logging.FromContext(r.Context(), s.logger).Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "state store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type analyzeRequest struct {
	SiteURL string `json:"siteUrl"`
}

type chatRequest struct {
	SiteID  string `json:"siteId"`
	Message string `json:"message"`
}

type historyResponse struct {
	History []site.AnalysisReport `json:"history"`
	Message string                `json:"message,omitempty"`
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeFailure(w, r, site.Internal("invalid JSON", err))
		return
	}
	if strings.TrimSpace(req.SiteURL) == "" {
		s.writeFailure(w, r, site.Validation("site url required"))
		return
	}
	key := sitekey.Derive(req.SiteURL)
	report, err := s.actors.Analyze(r.Context(), key, req.SiteURL)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeFailure(w, r, site.Internal("invalid JSON", err))
		return
	}
	if req.SiteID == "" || strings.TrimSpace(req.Message) == "" {
		s.writeFailure(w, r, site.Validation("site id and message required"))
		return
	}
	reply, err := s.actors.Chat(r.Context(), req.SiteID, req.Message)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	// Keys carry the escaped path produced by sitekey.Derive, so the segment
	// is taken from the escaped request path and never unescaped.
	key, _ := strings.CutPrefix(r.URL.EscapedPath(), historyPrefix)
	if key == "" {
		s.writeFailure(w, r, site.Validation("site id required"))
		return
	}
	reports, err := s.actors.History(r.Context(), key)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	resp := historyResponse{History: reports}
	if len(reports) == 0 {
		resp.History = []site.AnalysisReport{}
		resp.Message = emptyHistoryMessage
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) notFound(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "Not found", http.StatusNotFound)
}

func (s *Server) fallback(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api" || strings.HasPrefix(r.URL.Path, "/api/") {
		s.notFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(infoText)); err != nil {
		s.logger.Debug("write info page failed", zap.Error(err))
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := site.HTTPStatus(err)
	logger := logging.FromContext(r.Context(), s.logger).With(
		zap.String("path", r.URL.Path),
		zap.String("kind", string(site.KindOf(err))),
		zap.Error(err),
	)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed")
	} else {
		logger.Debug("request rejected")
	}
	writeError(w, status, errorMessage(err))
}

// errorMessage keeps the envelope stable: the domain message when present,
// otherwise the full error text.
func errorMessage(err error) string {
	var se *site.Error
	if errors.As(err, &se) && se.Kind == site.KindValidation {
		return se.Msg
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
