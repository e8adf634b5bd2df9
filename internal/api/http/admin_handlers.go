package httpapi

import (
	"net/http"

	"github.com/wallestars/orchestration-hub/internal/infrastructure/sse"
)

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st := s.manager.GetStatus()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"agents":             st.Agents,
		"tasks":              st.Tasks,
		"queue":              st.Queue,
		"maxConcurrentTasks": st.MaxConcurrentTasks,
		"droppedEvents":      st.DroppedEvents,
		"sseClients":         s.sseHub.GetClientCount(),
		"sseDropped":         s.sseHub.Dropped(),
	})
}

type maxConcurrencyRequest struct {
	Value int `json:"value"`
}

// setMaxConcurrentTasks never rejects a number; out-of-range values are
// clamped and the effective value is returned.
func (s *Server) setMaxConcurrentTasks(w http.ResponseWriter, r *http.Request) {
	var req maxConcurrencyRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	effective := s.manager.SetMaxConcurrentTasks(req.Value)
	respondJSON(w, http.StatusOK, map[string]interface{}{"maxConcurrentTasks": effective})
}

func (s *Server) clearHistory(w http.ResponseWriter, r *http.Request) {
	s.manager.ClearHistory()
	respondJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}

func (s *Server) sseEndpoint(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}
	client := sseClientFromRequest(r)
	s.sseHub.Register(client)
	defer s.sseHub.Remove(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// Send an initial comment to flush headers.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, ok := <-client.MessageChan:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("id: " + msg.ID + "\nevent: " + msg.Event + "\ndata: "))
			_, _ = w.Write(msg.Data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// sseClientFromRequest reads ?clientId= and ?topics=task:,agent: filters.
func sseClientFromRequest(r *http.Request) *sse.Client {
	q := r.URL.Query()
	return sse.NewClient(q.Get("clientId"), splitCSV(q.Get("topics")))
}
