package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wallestars/orchestration-hub/internal/application/orchestrator"
	"github.com/wallestars/orchestration-hub/internal/application/snapshot"
	"github.com/wallestars/orchestration-hub/internal/domain/agent"
	"github.com/wallestars/orchestration-hub/internal/domain/task"
	"github.com/wallestars/orchestration-hub/internal/infrastructure/sse"
)

const maxSubmitWait = 5 * time.Minute

// Server holds dependencies for HTTP handlers.
type Server struct {
	manager *orchestrator.Manager
	archive *snapshot.Service
	sseHub  *sse.Hub
}

// NewServer creates the API server. archive may be nil when snapshots are
// disabled.
func NewServer(manager *orchestrator.Manager, archive *snapshot.Service, sseHub *sse.Hub) *Server {
	return &Server{
		manager: manager,
		archive: archive,
		sseHub:  sseHub,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)

	r.Route("/v1", func(r chi.Router) {
		// Streams are long-lived and stay outside the request timeout.
		r.Get("/events", s.sseEndpoint)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(maxSubmitWait + 30*time.Second))

			r.Route("/agents", func(r chi.Router) {
				r.Post("/", s.registerAgent)
				r.Get("/", s.listAgents)
				r.Get("/{agentId}", s.getAgent)
				r.Delete("/{agentId}", s.unregisterAgent)
				r.Post("/{agentId}/heartbeat", s.heartbeat)
				r.Post("/{agentId}/offline", s.setAgentOffline)
				r.Post("/{agentId}/online", s.setAgentOnline)
			})

			r.Route("/tasks", func(r chi.Router) {
				r.Post("/", s.submitTask)
				r.Get("/", s.listTasks)
				r.Get("/{taskId}", s.getTask)
				r.Post("/{taskId}/cancel", s.cancelTask)
			})

			r.Get("/archive/tasks", s.listArchivedTasks)
			r.Get("/status", s.getStatus)
			r.Put("/config/max-concurrent-tasks", s.setMaxConcurrentTasks)
			r.Post("/history/clear", s.clearHistory)
		})
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondDomainError maps sentinel errors to HTTP status codes.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrInvalidSpec), errors.Is(err, agent.ErrInvalidConfig):
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	case errors.Is(err, agent.ErrAlreadyRegistered):
		respondError(w, http.StatusConflict, "ALREADY_EXISTS", err.Error())
	case errors.Is(err, agent.ErrNotFound), errors.Is(err, task.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, task.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func parseStatusParam(r *http.Request) (*task.Status, error) {
	v := r.URL.Query().Get("status")
	if v == "" {
		return nil, nil
	}
	st := task.Status(strings.ToLower(v))
	switch st {
	case task.StatusQueued, task.StatusRunning, task.StatusCompleted, task.StatusFailed, task.StatusCancelled:
		return &st, nil
	}
	return nil, errors.New("unknown status " + v)
}
