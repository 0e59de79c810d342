package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nasieku/sigil/model"
)

const maxBodyBytes = 1 << 20

// handleCreateSession starts or resumes the signing session for a deal.
// The body is optional; when it omits signers they are resolved from the
// CRM's deal associations.
func handleCreateSession(sessions SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dealID := chi.URLParam(r, "dealID")

		var body struct {
			Signers []model.SignerInput `json:"signers"`
		}
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			WriteError(w, r, model.NewBadRequestError("Could not read request body"))
			return
		}
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &body); err != nil {
				WriteError(w, r, model.NewBadRequestError("Invalid JSON body"))
				return
			}
		}

		result, err := sessions.CreateOrResumeSession(r.Context(), dealID, body.Signers)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		status := http.StatusOK
		if result.Created {
			status = http.StatusCreated
		}
		WriteJSON(w, status, result)
	}
}
