package api

import (
	"net/http"

	"github.com/sungwon/mail-relay/internal/broker"
)

// BrokerStatus reports the broker connection. *broker.Manager satisfies it.
type BrokerStatus interface {
	Name() string
	Status() broker.State
}

// HealthHandler handles GET /health. It always returns 200 with the broker
// state keyed by transport name, or "broker":"disabled" when b is nil.
func HealthHandler(b BrokerStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]string{"status": "ok"}
		if b == nil {
			body["broker"] = "disabled"
		} else {
			body[b.Name()] = b.Status().String()
		}
		respondJSON(w, http.StatusOK, body)
	}
}
