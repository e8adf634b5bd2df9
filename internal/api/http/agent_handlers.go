package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wallestars/orchestration-hub/internal/domain/agent"
)

type agentRegisterRequest struct {
	ID string `json:"id"`
	agent.Config
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRegisterRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	a, err := s.manager.RegisterAgent(req.ID, req.Config)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.manager.ListAgents()
	if platform := r.URL.Query().Get("platform"); platform != "" {
		filtered := agents[:0]
		for _, a := range agents {
			if a.Platform == platform {
				filtered = append(filtered, a)
			}
		}
		agents = filtered
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.manager.GetAgentStats(chi.URLParam(r, "agentId"))
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "agent not found")
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) unregisterAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentId")
	if !s.manager.UnregisterAgent(id) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "agent not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"agentId": id, "removed": true})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	s.agentAction(w, r, s.manager.Heartbeat)
}

func (s *Server) setAgentOffline(w http.ResponseWriter, r *http.Request) {
	s.agentAction(w, r, s.manager.SetAgentOffline)
}

func (s *Server) setAgentOnline(w http.ResponseWriter, r *http.Request) {
	s.agentAction(w, r, s.manager.SetAgentOnline)
}

func (s *Server) agentAction(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	id := chi.URLParam(r, "agentId")
	if err := fn(id); err != nil {
		respondDomainError(w, err)
		return
	}
	a, _ := s.manager.GetAgentStats(id)
	respondJSON(w, http.StatusOK, a)
}
