package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tbxark/triage"
	"github.com/tbxark/triage/types"
)

// Conversations is the part of the session registry the HTTP surface uses.
type Conversations interface {
	Ask(ctx context.Context, req triage.AskRequest) (*triage.TurnResult, error)
	Lookup(ctx context.Context, id string) (triage.Snapshot, error)
	Close(ctx context.Context, id string) error
	EvictIdle(ctx context.Context, maxIdle time.Duration) int
}

var _ Conversations = (*triage.Registry)(nil)

type Server struct {
	conversations Conversations
	logger        *slog.Logger
	idleTimeout   time.Duration
	sweepEvery    time.Duration
	allowOrigin   string
	handler       http.Handler
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIdleTimeout makes the janitor drop conversations untouched for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.idleTimeout = d
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.sweepEvery = d
		}
	}
}

func WithAllowOrigin(origin string) Option {
	return func(s *Server) {
		if origin != "" {
			s.allowOrigin = origin
		}
	}
}

func New(conversations Conversations, opts ...Option) *Server {
	s := &Server{
		conversations: conversations,
		logger:        slog.Default(),
		sweepEvery:    time.Minute,
		allowOrigin:   "*",
	}
	for _, opt := range opts {
		opt(s)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/ask", s.handleAsk)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	// Method-less fallbacks keep 404 and 405 in the JSON error shape.
	mux.Handle("/api/ask", methodNotAllowed(http.MethodPost))
	mux.Handle("/api/conversations/{id}", methodNotAllowed(http.MethodGet, http.MethodDelete))
	mux.Handle("/healthz", methodNotAllowed(http.MethodGet))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, apiError{Error: "no route for " + r.URL.Path})
	})
	s.handler = s.cors(mux)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.janitor(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) janitor(ctx context.Context) {
	if s.idleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.conversations.EvictIdle(ctx, s.idleTimeout); n > 0 {
				s.logger.Info("Evicted idle conversations", "count", n)
			}
		}
	}
}

func methodNotAllowed(allowed ...string) http.Handler {
	allow := strings.Join(allowed, ", ")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", allow)
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method " + r.Method + " not allowed"})
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.allowOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type askRequest struct {
	DoctorMessage  string `json:"doctorMessage"`
	PatientMessage string `json:"patientMessage"`
	ConversationID string `json:"conversationId"`
}

type askResponse struct {
	Diagnosis                types.DiagnosisList    `json:"diagnosis"`
	HealthIssueSummarization string                 `json:"health_issue_summarization"`
	QuestionToClarify        types.QuestionList     `json:"question_to_clarify"`
	ConversationID           string                 `json:"conversationId"`
	FinalConclusion          *types.FinalConclusion `json:"final_conclusion,omitempty"`
	HealthIssues             types.HealthIssues     `json:"health_issues,omitempty"`
	LoopCount                int                    `json:"loop_count"`
}

func newAskResponse(result *triage.TurnResult) askResponse {
	resp := askResponse{
		HealthIssueSummarization: result.MedicalHistory,
		ConversationID:           result.ConversationID,
		HealthIssues:             result.HealthIssues,
		LoopCount:                result.LoopCount,
		Diagnosis:                types.DiagnosisList{},
		QuestionToClarify:        types.QuestionList{},
	}
	if result.Diagnosis != nil && result.Diagnosis.Diagnoses != nil {
		resp.Diagnosis = result.Diagnosis.Diagnoses
	}
	if result.Terminated {
		resp.FinalConclusion = result.Conclusion
		return resp
	}
	if result.Questions != nil && result.Questions.Questions != nil {
		resp.QuestionToClarify = result.Questions.Questions
	}
	return resp
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if !readJSON(w, r, &req) {
		return
	}
	result, err := s.conversations.Ask(r.Context(), triage.AskRequest{
		ConversationID: req.ConversationID,
		DoctorMessage:  req.DoctorMessage,
		PatientMessage: req.PatientMessage,
	})
	if err != nil {
		s.writeAskError(w, req.ConversationID, err)
		return
	}
	writeJSON(w, http.StatusOK, newAskResponse(result))
}

func (s *Server) writeAskError(w http.ResponseWriter, conversationID string, err error) {
	switch {
	case errors.Is(err, triage.ErrModelTimeout):
		s.logger.Warn("Ask timed out", "conversation_id", conversationID, "error", err)
		writeJSON(w, http.StatusGatewayTimeout, apiError{Error: err.Error(), Retryable: true})
	case errors.Is(err, context.Canceled):
		s.logger.Info("Ask cancelled by client", "conversation_id", conversationID)
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: err.Error(), Retryable: true})
	default:
		s.logger.Error("Ask failed", "conversation_id", conversationID, "error", err)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
	}
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	snap, err := s.conversations.Lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.conversations.Close(r.Context(), r.PathValue("id")); err != nil {
		s.writeLookupError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, triage.ErrSessionNotFound) {
		writeJSON(w, http.StatusNotFound, apiError{Error: err.Error()})
		return
	}
	s.logger.Error("Conversation lookup failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
}
