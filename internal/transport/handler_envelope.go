package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nasieku/sigil/internal/lifecycle"
	"github.com/nasieku/sigil/internal/observability"
	"github.com/nasieku/sigil/internal/record"
	"github.com/nasieku/sigil/model"
)

// signerStatusView is one signer row in the envelope view. Status is the
// provider's recipient status when the snapshot carries one.
type signerStatusView struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	RoutingOrder int    `json:"routingOrder"`
	Status       string `json:"status,omitempty"`
}

// envelopeView is the read model returned for a deal's tracked envelope.
type envelopeView struct {
	DealID          string             `json:"dealId"`
	EnvelopeID      string             `json:"envelopeId"`
	Status          string             `json:"status"`
	CreatedAt       time.Time          `json:"createdAt"`
	StatusUpdatedAt time.Time          `json:"statusUpdatedAt"`
	Signers         []signerStatusView `json:"signers"`
}

func envelopeViewFrom(dealID string, snap *lifecycle.Snapshot) envelopeView {
	rec := snap.Record
	view := envelopeView{
		DealID:          dealID,
		EnvelopeID:      rec.EnvelopeID,
		Status:          rec.Status,
		CreatedAt:       rec.CreatedAt,
		StatusUpdatedAt: rec.StatusUpdatedAt,
	}

	byClientID := make(map[string]string, len(snap.Recipients))
	byEmail := make(map[string]string, len(snap.Recipients))
	for _, rcp := range snap.Recipients {
		if rcp.ClientUserID != "" {
			byClientID[rcp.ClientUserID] = rcp.Status
		}
		byEmail[strings.ToLower(rcp.Email)] = rcp.Status
	}

	for _, s := range rec.Signers {
		status, ok := byClientID[s.ClientUserID]
		if !ok {
			status = byEmail[strings.ToLower(s.Email)]
		}
		view.Signers = append(view.Signers, signerStatusView{
			Name:         s.Name,
			Email:        s.Email,
			RoutingOrder: s.RoutingOrder,
			Status:       status,
		})
	}
	return view
}

// trackedRecord loads the deal's envelope record and writes the error
// response when there is nothing to act on.
func trackedRecord(w http.ResponseWriter, r *http.Request, records record.Store, dealID string) (*model.EnvelopeRecord, bool) {
	rec, err := records.Get(r.Context(), dealID)
	if err != nil {
		observability.LoggerFrom(r.Context(), zap.NewNop()).Error("record read failed",
			zap.String("deal_id", dealID),
			zap.Error(err))
		WriteError(w, r, model.NewRecordStoreError("Envelope record could not be read"))
		return nil, false
	}
	if rec == nil || rec.EnvelopeID == "" {
		WriteNotFound(w, r, fmt.Sprintf("No envelope is tracked for deal %s", dealID))
		return nil, false
	}
	return rec, true
}

// handleGetEnvelope refreshes the tracked envelope against the provider and
// returns the synchronized view.
func handleGetEnvelope(records record.Store, status StatusService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dealID := chi.URLParam(r, "dealID")

		rec, ok := trackedRecord(w, r, records, dealID)
		if !ok {
			return
		}

		snap, err := status.Refresh(r.Context(), dealID, rec.EnvelopeID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, envelopeViewFrom(dealID, snap))
	}
}

// handleVoidEnvelope voids the tracked envelope at the provider and applies
// the resulting observation. Operator only.
func handleVoidEnvelope(records record.Store, voider EnvelopeVoider, status StatusService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dealID := chi.URLParam(r, "dealID")

		var body struct {
			Reason string `json:"reason"`
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
		reason := strings.TrimSpace(body.Reason)
		if reason == "" {
			reason = "Voided by operator"
		}

		rec, ok := trackedRecord(w, r, records, dealID)
		if !ok {
			return
		}
		if model.IsTerminalEnvelopeStatus(rec.Status) {
			WriteError(w, r, model.NewConflictError(
				fmt.Sprintf("Envelope %s is already %s", rec.EnvelopeID, rec.Status)))
			return
		}

		if err := voider.VoidEnvelope(r.Context(), rec.EnvelopeID, reason); err != nil {
			WriteError(w, r, err)
			return
		}

		snap, err := status.Refresh(r.Context(), dealID, rec.EnvelopeID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, envelopeViewFrom(dealID, snap))
	}
}

// handleClearEnvelope drops the tracked record for a deal so a fresh
// envelope can be created. Refused while the envelope is still active;
// void it first. Operator only.
func handleClearEnvelope(records record.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dealID := chi.URLParam(r, "dealID")

		rec, ok := trackedRecord(w, r, records, dealID)
		if !ok {
			return
		}
		if !model.IsTerminalEnvelopeStatus(rec.Status) {
			WriteError(w, r, model.NewConflictError(
				fmt.Sprintf("Envelope %s is still active; void it before clearing", rec.EnvelopeID)))
			return
		}

		if err := records.Clear(r.Context(), dealID); err != nil {
			observability.LoggerFrom(r.Context(), zap.NewNop()).Error("record clear failed",
				zap.String("deal_id", dealID),
				zap.Error(err))
			WriteError(w, r, model.NewRecordStoreError("Envelope record could not be cleared"))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
