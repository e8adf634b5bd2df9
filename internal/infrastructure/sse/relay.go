package sse

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/wallestars/orchestration-hub/internal/application/orchestrator"
)

// Relay forwards orchestrator events to the hub until the event channel
// closes or ctx ends.
type Relay struct {
	hub    *Hub
	logger zerolog.Logger
}

func NewRelay(hub *Hub, logger zerolog.Logger) *Relay {
	return &Relay{
		hub:    hub,
		logger: logger.With().Str("service", "sse-relay").Logger(),
	}
}

func (r *Relay) Run(ctx context.Context, events <-chan orchestrator.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				r.logger.Error().Err(err).Str("event", string(ev.Type)).Msg("failed to encode event")
				continue
			}
			r.hub.Broadcast(NewMessage(string(ev.Type), data))
		}
	}
}
