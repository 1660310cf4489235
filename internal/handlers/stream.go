package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"agentbridge-backend/internal/auth"
	"agentbridge-backend/internal/models"
)

const streamBuffer = 64

type streamEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// HealthStream pushes health events of the caller's agents as server-sent
// events, with a heartbeat keepalive
// @Summary Live health events
// @Tags health
// @Produce text/event-stream
// @Param agentId query string false "Limit to one agent"
// @Security BearerAuth
// @Router /v1/health/stream [get]
func (h *Handler) HealthStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	agentID := r.URL.Query().Get("agentId")
	if agentID != "" {
		if _, err := h.store.GetOwnedAgent(r.Context(), userID, agentID); err != nil {
			httpError(w, err)
			return
		}
	}

	events := make(chan models.HealthEvent, streamBuffer)
	unsubscribe, err := h.feed.SubscribeHealth(userID, agentID, func(ev models.HealthEvent) {
		select {
		case events <- ev:
		default:
			h.logger.Debug("health stream lagging, dropping event", "user_id", userID, "type", ev.Type)
		}
	})
	if err != nil {
		h.logger.Error("health subscribe failed", "user_id", userID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if agentID != "" {
		if rec, found := h.health.LastRecord(agentID); found {
			writeEvent(w, models.EventHealthUpdate, rec)
		}
	}
	flusher.Flush()

	ticker := h.clock.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.Chan():
			if err := writeEvent(w, models.EventHeartbeat, map[string]any{"timestamp": h.clock.Now().UTC()}); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			if err := writeEvent(w, ev.Type, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, eventType string, data any) error {
	payload, err := json.Marshal(streamEvent{Type: eventType, Data: data})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
