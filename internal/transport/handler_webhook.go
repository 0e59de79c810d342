package transport

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nasieku/sigil/internal/esign"
	"github.com/nasieku/sigil/internal/observability"
	"github.com/nasieku/sigil/model"
)

// handleWebhook receives provider status notifications. The route is public
// but every request must carry a valid signature; verification failures are
// a uniform 401. The deal is resolved from the `deal` query parameter stamped
// into the registration URL, falling back to the payload's dealId custom
// field. The provider retries non-2xx responses, so only events we could
// never process return 4xx.
func handleWebhook(verifier *WebhookVerifier, status StatusService, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := observability.LoggerFrom(r.Context(), zap.NewNop())

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			WriteError(w, r, model.NewBadRequestError("Could not read request body"))
			return
		}

		if err := verifier.Verify(r.Header.Get(SignatureHeader), body); err != nil {
			logger.Warn("webhook: signature rejected", zap.Error(err))
			if metrics != nil {
				metrics.RecordWebhookEvent("bad_signature")
			}
			WriteError(w, r, model.NewUnauthorizedError("Invalid webhook signature"))
			return
		}

		var event esign.WebhookEvent
		if err := json.Unmarshal(body, &event); err != nil {
			if metrics != nil {
				metrics.RecordWebhookEvent("error")
			}
			WriteError(w, r, model.NewBadRequestError("Invalid webhook payload"))
			return
		}

		dealID := r.URL.Query().Get("deal")
		if dealID == "" {
			dealID = event.CustomFields["dealId"]
		}
		if dealID == "" || event.EnvelopeID == "" {
			logger.Warn("webhook: event does not identify a deal",
				zap.String("envelope_id", event.EnvelopeID),
				zap.String("event", event.Event))
			if metrics != nil {
				metrics.RecordWebhookEvent("unresolved")
			}
			WriteError(w, r, model.NewBadRequestError("Event does not identify a deal"))
			return
		}

		applied, err := status.HandleWebhookEvent(r.Context(), dealID, &event)
		if err != nil {
			// Surface the failure so the provider redelivers the event.
			if metrics != nil {
				metrics.RecordWebhookEvent("error")
			}
			WriteError(w, r, err)
			return
		}

		result := "noop"
		if applied {
			result = "applied"
		}
		if metrics != nil {
			metrics.RecordWebhookEvent(result)
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"received": true,
			"eventId":  uuid.NewString(),
		})
	}
}
