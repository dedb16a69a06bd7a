package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/mail-relay/internal/storage"
)

const (
	defaultDeliveriesLimit = 50
	maxDeliveriesLimit     = 500
)

// DeliveryLister reads recent delivery outcomes. *storage.DeliveryLog
// satisfies it.
type DeliveryLister interface {
	Recent(ctx context.Context, limit int) ([]storage.Entry, error)
}

type deliveryResponse struct {
	ID         string    `json:"id"`
	Channel    string    `json:"channel"`
	Source     string    `json:"source,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	Recipient  string    `json:"recipient"`
	Template   string    `json:"template"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// DeliveriesHandler handles GET /api/v1/deliveries?limit=N.
func DeliveriesHandler(l DeliveryLister, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultDeliveriesLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				respondDetail(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, maxDeliveriesLimit)
		}

		entries, err := l.Recent(r.Context(), limit)
		if err != nil {
			log.Error().Err(err).Msg("failed to list deliveries")
			respondDetail(w, http.StatusInternalServerError, "internal error")
			return
		}

		resp := make([]deliveryResponse, 0, len(entries))
		for _, e := range entries {
			resp = append(resp, deliveryResponse{
				ID:         e.ID.String(),
				Channel:    e.Channel,
				Source:     e.Source,
				MessageID:  e.MessageID,
				Recipient:  e.Recipient,
				Template:   e.Template,
				Status:     e.Status,
				Reason:     e.Reason,
				DurationMS: e.Duration.Milliseconds(),
				CreatedAt:  e.CreatedAt,
			})
		}
		respondJSON(w, http.StatusOK, map[string]any{"deliveries": resp})
	}
}
