package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/steveyegge/trackbridge/internal/gitlab"
	"github.com/steveyegge/trackbridge/internal/syncer"
)

// HeaderSignature carries the internal tracker's HMAC of the request body.
const HeaderSignature = "X-Plane-Signature"

// maxBody bounds request bodies.
const maxBody = 1 << 20

// dispatchTimeout bounds the handling of one event.
const dispatchTimeout = 2 * time.Minute

// Handler receives decoded events. *syncer.Syncer handles them inline and
// the queue producer hands them to consumers. Only invalid events are
// reported back as errors.
type Handler interface {
	HandleInternalIssue(ctx context.Context, ev syncer.InternalIssueEvent) error
	HandleInternalComment(ctx context.Context, ev syncer.InternalCommentEvent) error
	HandleGitLabIssue(ctx context.Context, ev syncer.GitLabIssueEvent) error
	HandleGitLabNote(ctx context.Context, ev syncer.GitLabNoteEvent) error
}

// Server handles HTTP requests for tracker webhooks.
type Server struct {
	handler        Handler
	internalSecret []byte
	gitlabToken    string
	health         func(context.Context) error
	logger         *slog.Logger
	mux            *http.ServeMux
	httpServer     *http.Server
}

// ServerConfig holds configuration for the webhook server.
type ServerConfig struct {
	Handler Handler
	// InternalSecret verifies the internal tracker's signature header.
	InternalSecret []byte
	// GitLabToken is the secret token configured on GitLab webhooks.
	GitLabToken string
	// Health, when set, is checked by GET /health; an error reports 503.
	Health func(context.Context) error
	Logger *slog.Logger
}

// NewServer creates a new webhook server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		handler:        cfg.Handler,
		internalSecret: cfg.InternalSecret,
		gitlabToken:    cfg.GitLabToken,
		health:         cfg.Health,
		logger:         cfg.Logger,
		mux:            http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /webhooks/internal", s.handleInternal)
	s.mux.HandleFunc("POST /webhooks/gitlab", s.gitlabHandler(false))
	s.mux.HandleFunc("POST /webhooks/gitlab-enterprise", s.gitlabHandler(true))
	s.mux.HandleFunc("GET /health", s.handleHealth)

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the HTTP handler for use with custom servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Response is the JSON response body.
type Response struct {
	Accepted bool   `json:"accepted"`
	Ignored  string `json:"ignored,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleInternal handles POST /webhooks/internal.
func (s *Server) handleInternal(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if err := VerifySignature(body, r.Header.Get(HeaderSignature), s.internalSecret); err != nil {
		s.writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var ev syncer.InternalEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	ctx, cancel := dispatchContext(r)
	defer cancel()

	var err error
	switch ev.Event {
	case syncer.EventIssue:
		err = s.handler.HandleInternalIssue(ctx, syncer.InternalIssueEvent{InternalEvent: ev})
	case syncer.EventIssueComment:
		err = s.handler.HandleInternalComment(ctx, syncer.InternalCommentEvent{InternalEvent: ev})
	default:
		s.writeIgnored(w, fmt.Sprintf("event %q", ev.Event))
		return
	}
	s.finish(w, err)
}

// gitlabHandler handles POST /webhooks/gitlab and its enterprise twin.
func (s *Server) gitlabHandler(isEnterprise bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := VerifyGitLabToken(r.Header.Get(gitlab.HeaderToken), s.gitlabToken); err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		body, ok := s.readBody(w, r)
		if !ok {
			return
		}
		ctx, cancel := dispatchContext(r)
		defer cancel()

		var err error
		switch event := r.Header.Get(gitlab.HeaderEvent); event {
		case gitlab.EventIssueHook:
			var hook gitlab.IssueHook
			if err := json.Unmarshal(body, &hook); err != nil {
				s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
				return
			}
			err = s.handler.HandleGitLabIssue(ctx, syncer.GitLabIssueEvent{Hook: hook, IsEnterprise: isEnterprise})
		case gitlab.EventNoteHook:
			var hook gitlab.NoteHook
			if err := json.Unmarshal(body, &hook); err != nil {
				s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
				return
			}
			err = s.handler.HandleGitLabNote(ctx, syncer.GitLabNoteEvent{Hook: hook, IsEnterprise: isEnterprise})
		default:
			s.writeIgnored(w, fmt.Sprintf("gitlab event %q", event))
			return
		}
		s.finish(w, err)
	}
}

// handleHealth handles GET /health for load balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, body := http.StatusOK, map[string]string{"status": "ok"}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			status, body = http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// dispatchContext keeps the request's values but not its cancellation: a
// sender that hangs up does not stop a sync halfway.
func dispatchContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), dispatchTimeout)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer func() { _ = r.Body.Close() }()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return nil, false
		}
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) finish(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		s.write(w, http.StatusAccepted, Response{Accepted: true})
	case errors.Is(err, syncer.ErrInvalidEvent):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("webhook dispatch failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "event could not be accepted")
	}
}

func (s *Server) writeIgnored(w http.ResponseWriter, what string) {
	s.write(w, http.StatusAccepted, Response{Accepted: false, Ignored: what})
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.write(w, status, Response{Error: message})
}

func (s *Server) write(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
