package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wallestars/orchestration-hub/internal/domain/task"
)

type taskSubmitRequest struct {
	Type             string          `json:"type"`
	Platform         string          `json:"platform"`
	Priority         *int            `json:"priority"`
	Data             json.RawMessage `json:"data"`
	Timeout          string          `json:"timeout"`
	Selector         string          `json:"selector"`
	MaxRetries       int             `json:"maxRetries"`
	ExpectedDuration string          `json:"expectedDuration"`
}

func (req taskSubmitRequest) spec() (task.Spec, error) {
	timeout, err := parseOptionalDuration("timeout", req.Timeout)
	if err != nil {
		return task.Spec{}, err
	}
	expected, err := parseOptionalDuration("expectedDuration", req.ExpectedDuration)
	if err != nil {
		return task.Spec{}, err
	}
	return task.Spec{
		Type:             req.Type,
		Platform:         req.Platform,
		Priority:         req.Priority,
		Data:             req.Data,
		Timeout:          timeout,
		Selector:         req.Selector,
		MaxRetries:       req.MaxRetries,
		ExpectedDuration: expected,
	}, nil
}

func parseOptionalDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.New("invalid " + field + ": " + err.Error())
	}
	return d, nil
}

type taskSubmitResponse struct {
	Task   task.Task       `json:"task"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// submitTask enqueues a task. With ?wait=<duration> it blocks until the task
// settles or the wait elapses.
func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req taskSubmitRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	spec, err := req.spec()
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		wait, err = time.ParseDuration(v)
		if err != nil || wait < 0 {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid wait")
			return
		}
		if wait > maxSubmitWait {
			wait = maxSubmitWait
		}
	}

	h, err := s.manager.SubmitTask(spec)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if wait == 0 {
		t, _ := s.manager.GetTask(h.TaskID())
		respondJSON(w, http.StatusAccepted, taskSubmitResponse{Task: t})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	result, waitErr := h.Wait(ctx)
	t, _ := s.manager.GetTask(h.TaskID())
	if ctx.Err() != nil && waitErr == ctx.Err() {
		respondJSON(w, http.StatusAccepted, taskSubmitResponse{Task: t})
		return
	}
	resp := taskSubmitResponse{Task: t, Result: result}
	if waitErr != nil {
		resp.Error = waitErr.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	status, err := parseStatusParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"tasks": s.manager.ListTasks(status)})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskId")
	if t, ok := s.manager.GetTask(id); ok {
		respondJSON(w, http.StatusOK, t)
		return
	}
	if s.archive == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "task not found")
		return
	}
	t, err := s.archive.ArchivedTask(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskId")
	if !s.manager.CancelTask(id) {
		if _, ok := s.manager.GetTask(id); !ok {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "task not found")
			return
		}
		respondError(w, http.StatusConflict, "NOT_CANCELABLE", task.ErrNotCancelable.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"taskId": id, "status": task.StatusCancelled})
}

func (s *Server) listArchivedTasks(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "archive disabled")
		return
	}
	status, err := parseStatusParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	limit, offset := parseLimitOffset(r, 100, 500)
	tasks, err := s.archive.ArchivedTasks(r.Context(), status, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}
