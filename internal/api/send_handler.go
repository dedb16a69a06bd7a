package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/sungwon/mail-relay/internal/codec"
	"github.com/sungwon/mail-relay/internal/delivery"
	"github.com/sungwon/mail-relay/internal/logger"
	"github.com/sungwon/mail-relay/internal/metrics"
)

// maxSendBody bounds the request body of POST /api/v1/send.
const maxSendBody = 1 << 20

// SendHandler handles POST /api/v1/send. The work item is delivered
// synchronously:
//
//	200 {"status":"ok"}       delivered
//	422 {"detail":"<reason>"} undecodable body
//	500 {"detail":"<reason>"} delivery failed
func SendHandler(gw delivery.Gateway, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSendBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondDetail(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			respondDetail(w, http.StatusBadRequest, "unreadable request body")
			return
		}

		item, err := codec.Decode(body)
		if err != nil {
			var de *codec.DecodeError
			reason := "invalid JSON"
			if errors.As(err, &de) {
				reason = de.Reason()
			}
			metrics.DecodeFailuresTotal.WithLabelValues(codec.KindOf(err).String()).Inc()
			log.Warn().
				Err(err).
				Str("correlation_id", logger.CorrelationIDFromContext(r.Context())).
				Msg("rejecting undecodable send request")
			respondDetail(w, http.StatusUnprocessableEntity, reason)
			return
		}

		ctx := delivery.WithOrigin(r.Context(), delivery.Origin{
			Channel:   "http",
			Source:    r.RemoteAddr,
			MessageID: logger.CorrelationIDFromContext(r.Context()),
		})
		out := gw.Deliver(ctx, item)
		if !out.OK() {
			respondDetail(w, http.StatusInternalServerError, out.Reason)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
