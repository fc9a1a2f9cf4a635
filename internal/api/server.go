package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"quizcast/internal/analytics"
	"quizcast/internal/router"
	"quizcast/internal/telemetry"
	"quizcast/pkg/interfaces"
	"quizcast/pkg/types"
)

// Admin is the operator surface of the router
type Admin interface {
	GetSessionInfo(sessionID string) (*router.SessionInfo, error)
	ListSessions() []router.SessionSummary
	GetActivity(sessionID, activityID string) (*types.ActivityState, error)
	GetEnhancedStats() router.Stats
	Analytics(sessionID string) analytics.Snapshot
	ForceDisconnectParticipant(sessionID, participantID, reason string) (int, error)
	ClearSessionData(sessionID string) (router.ClearReport, error)
}

// Server is the HTTP surface: health, metrics, the websocket endpoint and the admin API.
// It holds no state of its own.
type Server struct {
	admin   Admin
	audit   interfaces.AuditStore
	ws      http.Handler
	router  chi.Router
	logger  zerolog.Logger
	started time.Time
}

// NewServer builds the routes. audit may be nil when the trail is disabled.
func NewServer(admin Admin, audit interfaces.AuditStore, ws http.Handler, logger zerolog.Logger) *Server {
	s := &Server{
		admin:   admin,
		audit:   audit,
		ws:      ws,
		router:  chi.NewRouter(),
		logger:  logger.With().Str("component", "api").Logger(),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(corsMiddleware)

	// upgraded connections must not pass through wrapping middleware
	if s.ws != nil {
		s.router.Get("/ws", s.ws.ServeHTTP)
	}

	s.router.Group(func(r chi.Router) {
		r.Use(telemetry.MetricsMiddleware)
		r.Handle("/metrics", telemetry.Handler())

		r.Group(func(r chi.Router) {
			r.Use(jsonMiddleware)

			r.Get("/health", s.healthCheck)
			r.Route("/api", func(r chi.Router) {
				r.Get("/stats", s.stats)
				r.Get("/sessions", s.listSessions)
				r.Route("/sessions/{sessionID}", func(r chi.Router) {
					r.Get("/", s.getSession)
					r.Delete("/", s.clearSession)
					r.Get("/analytics", s.sessionAnalytics)
					r.Get("/activities/{activityID}", s.getActivity)
					r.Get("/activities/{activityID}/responses", s.listResponses)
					r.Post("/participants/{participantID}/disconnect", s.forceDisconnect)
				})
			})
		})
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Audit       string         `json:"audit"`
	Connections map[string]int `json:"connections"`
	Uptime      string         `json:"uptime"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type ForceDisconnectRequest struct {
	Reason string `json:"reason"`
}

type ForceDisconnectResponse struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	Disconnected  int    `json:"disconnected"`
}

type ResponsesResponse struct {
	SessionID  string               `json:"sessionId"`
	ActivityID string               `json:"activityId"`
	Responses  []*types.AuditRecord `json:"responses"`
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats := s.admin.GetEnhancedStats()
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Audit:     "disabled",
		Connections: map[string]int{
			"total_connections":  stats.TotalConnections,
			"joined_connections": stats.JoinedConnections,
			"active_sessions":    stats.ActiveSessions,
		},
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}

	if s.audit != nil {
		resp.Audit = "healthy"
		if err := s.audit.HealthCheck(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Audit = fmt.Sprintf("error: %v", err)
		}
	}

	if resp.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	s.writeJSON(w, resp)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.admin.GetEnhancedStats())
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"sessions": s.admin.ListSessions()})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.admin.GetSessionInfo(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, info)
}

func (s *Server) sessionAnalytics(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.admin.GetSessionInfo(sessionID); err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, s.admin.Analytics(sessionID))
}

func (s *Server) getActivity(w http.ResponseWriter, r *http.Request) {
	state, err := s.admin.GetActivity(chi.URLParam(r, "sessionID"), chi.URLParam(r, "activityID"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, state)
}

func (s *Server) listResponses(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.sendErrorMessage(w, "audit trail is disabled", http.StatusNotFound)
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	activityID := chi.URLParam(r, "activityID")

	records, err := s.audit.ListResponses(r.Context(), sessionID, activityID)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to list audit records")
		s.sendError(w, err)
		return
	}
	if records == nil {
		records = []*types.AuditRecord{}
	}
	s.writeJSON(w, ResponsesResponse{SessionID: sessionID, ActivityID: activityID, Responses: records})
}

func (s *Server) clearSession(w http.ResponseWriter, r *http.Request) {
	report, err := s.admin.ClearSessionData(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, report)
}

func (s *Server) forceDisconnect(w http.ResponseWriter, r *http.Request) {
	var req ForceDisconnectRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.sendErrorMessage(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}

	sessionID := chi.URLParam(r, "sessionID")
	participantID := chi.URLParam(r, "participantID")
	n, err := s.admin.ForceDisconnectParticipant(sessionID, participantID, req.Reason)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, ForceDisconnectResponse{SessionID: sessionID, ParticipantID: participantID, Disconnected: n})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write response")
	}
}

// sendError maps domain errors onto status codes
func (s *Server) sendError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, types.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, types.ErrInvalidState):
		code = http.StatusConflict
	case errors.Is(err, types.ErrUnauthorized):
		code = http.StatusForbidden
	}
	message := err.Error()
	if code == http.StatusInternalServerError {
		message = "internal error"
	}
	s.sendErrorMessage(w, message, code)
}

func (s *Server) sendErrorMessage(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	s.writeJSON(w, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
