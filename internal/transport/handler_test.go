package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nasieku/sigil/internal/esign"
	"github.com/nasieku/sigil/internal/lifecycle"
	"github.com/nasieku/sigil/internal/record"
	"github.com/nasieku/sigil/model"
)

// --- Test helpers ---

type fakeSessions struct {
	result     *model.SessionResult
	err        error
	gotDeal    string
	gotSigners []model.SignerInput
}

func (f *fakeSessions) CreateOrResumeSession(ctx context.Context, dealID string, signers []model.SignerInput) (*model.SessionResult, error) {
	f.gotDeal = dealID
	f.gotSigners = signers
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeStatus struct {
	snap         *lifecycle.Snapshot
	refreshErr   error
	refreshCalls int

	applied     bool
	handleErr   error
	handleCalls int
	gotDeal     string
	lastEvent   *esign.WebhookEvent
}

func (f *fakeStatus) Refresh(ctx context.Context, dealID, envelopeID string) (*lifecycle.Snapshot, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.snap, nil
}

func (f *fakeStatus) HandleWebhookEvent(ctx context.Context, dealID string, event *esign.WebhookEvent) (bool, error) {
	f.handleCalls++
	f.gotDeal = dealID
	f.lastEvent = event
	return f.applied, f.handleErr
}

type fakeVoider struct {
	err         error
	calls       int
	gotEnvelope string
	gotReason   string
}

func (f *fakeVoider) VoidEnvelope(ctx context.Context, envelopeID, reason string) error {
	f.calls++
	f.gotEnvelope = envelopeID
	f.gotReason = reason
	return f.err
}

// serveDealRoute mounts the handler under the deal route pattern and serves
// one request against it.
func serveDealRoute(method, path string, body []byte, handler http.HandlerFunc) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	pattern := "/api/deals/{dealID}/" + strings.SplitN(strings.TrimPrefix(path, "/api/deals/"), "/", 2)[1]
	switch method {
	case http.MethodGet:
		r.Get(pattern, handler)
	case http.MethodPost:
		r.Post(pattern, handler)
	case http.MethodDelete:
		r.Delete(pattern, handler)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(body))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) model.ErrorEnvelope {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error
}

func trackedEnvelopeRecord(status string) *model.EnvelopeRecord {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &model.EnvelopeRecord{
		EnvelopeID:      "env-1",
		Status:          status,
		CreatedAt:       created,
		StatusUpdatedAt: created,
		Signers: []model.Signer{
			{ContactID: "contact-1", Name: "Kai Ora", Email: "kai@example.com", RoutingOrder: 1, ClientUserID: "contact-1-1700000000000"},
			{ContactID: "contact-2", Name: "Moana Rangi", Email: "moana@example.com", RoutingOrder: 2, ClientUserID: "contact-2-1700000000000"},
		},
	}
}

func seededStore(t *testing.T, rec *model.EnvelopeRecord) *record.MemoryStore {
	t.Helper()
	store := record.NewMemoryStore()
	if rec != nil {
		if err := store.Set(context.Background(), "deal-42", rec); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}
	return store
}

func snapshotFor(rec *model.EnvelopeRecord) *lifecycle.Snapshot {
	return &lifecycle.Snapshot{
		Record: rec,
		Recipients: []esign.RecipientSigner{
			{RecipientID: "1", Email: "kai@example.com", Name: "Kai Ora", RoutingOrder: "1", Status: "completed", ClientUserID: "contact-1-1700000000000"},
			{RecipientID: "2", Email: "moana@example.com", Name: "Moana Rangi", RoutingOrder: "2", Status: "sent"},
		},
	}
}

// --- Signing session handler ---

func TestHandleCreateSession_created(t *testing.T) {
	sessions := &fakeSessions{result: &model.SessionResult{
		EnvelopeID:   "env-1",
		RedirectURL:  "https://sign.example.com/v/abc",
		TotalSigners: 2,
		Created:      true,
	}}

	body := []byte(`{"signers":[{"contactId":"contact-1","email":"kai@example.com","name":"Kai Ora"}]}`)
	w := serveDealRoute(http.MethodPost, "/api/deals/deal-42/signing-session", body, handleCreateSession(sessions))

	if w.Code != 201 {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	if sessions.gotDeal != "deal-42" {
		t.Errorf("deal = %q", sessions.gotDeal)
	}
	if len(sessions.gotSigners) != 1 || sessions.gotSigners[0].ContactID != "contact-1" {
		t.Errorf("signers = %+v", sessions.gotSigners)
	}

	var resp model.SessionResult
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.EnvelopeID != "env-1" || resp.RedirectURL == "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestHandleCreateSession_resumed(t *testing.T) {
	sessions := &fakeSessions{result: &model.SessionResult{EnvelopeID: "env-1", Created: false}}

	w := serveDealRoute(http.MethodPost, "/api/deals/deal-42/signing-session", nil, handleCreateSession(sessions))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200 for resumed session", w.Code)
	}
	if sessions.gotSigners != nil {
		t.Errorf("signers = %+v, want nil for empty body", sessions.gotSigners)
	}
}

func TestHandleCreateSession_invalidJSON(t *testing.T) {
	sessions := &fakeSessions{}
	w := serveDealRoute(http.MethodPost, "/api/deals/deal-42/signing-session", []byte(`{not json`), handleCreateSession(sessions))

	if w.Code != 400 {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if sessions.gotDeal != "" {
		t.Error("service should not be called for malformed body")
	}
}

func TestHandleCreateSession_serviceError(t *testing.T) {
	sessions := &fakeSessions{err: model.NewValidationError([]model.FieldError{
		{Field: "signers", Code: "required", Message: "At least one signer is required"},
	})}

	w := serveDealRoute(http.MethodPost, "/api/deals/deal-42/signing-session", nil, handleCreateSession(sessions))

	if w.Code != 400 {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	ee := decodeError(t, w)
	if ee.Code != "VALIDATION_ERROR" || len(ee.Details) != 1 {
		t.Errorf("error = %+v", ee)
	}
}

// --- Envelope view handler ---

func TestHandleGetEnvelope(t *testing.T) {
	rec := trackedEnvelopeRecord("delivered")
	store := seededStore(t, rec)
	status := &fakeStatus{snap: snapshotFor(rec)}

	w := serveDealRoute(http.MethodGet, "/api/deals/deal-42/envelope", nil, handleGetEnvelope(store, status))

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if status.refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1", status.refreshCalls)
	}

	var view envelopeView
	json.NewDecoder(w.Body).Decode(&view)
	if view.DealID != "deal-42" || view.EnvelopeID != "env-1" || view.Status != "delivered" {
		t.Errorf("view = %+v", view)
	}
	if len(view.Signers) != 2 {
		t.Fatalf("signers = %d, want 2", len(view.Signers))
	}
	// First signer matched by client user id, second by email fallback.
	if view.Signers[0].Status != "completed" {
		t.Errorf("signer[0].status = %q, want completed", view.Signers[0].Status)
	}
	if view.Signers[1].Status != "sent" {
		t.Errorf("signer[1].status = %q, want sent", view.Signers[1].Status)
	}
}

func TestHandleGetEnvelope_noneTracked(t *testing.T) {
	store := seededStore(t, nil)
	status := &fakeStatus{}

	w := serveDealRoute(http.MethodGet, "/api/deals/deal-42/envelope", nil, handleGetEnvelope(store, status))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if status.refreshCalls != 0 {
		t.Error("refresh should not run without a tracked envelope")
	}
}

func TestHandleGetEnvelope_refreshError(t *testing.T) {
	rec := trackedEnvelopeRecord("sent")
	store := seededStore(t, rec)
	status := &fakeStatus{refreshErr: model.NewProviderError("get envelope", 500, "upstream blew up")}

	w := serveDealRoute(http.MethodGet, "/api/deals/deal-42/envelope", nil, handleGetEnvelope(store, status))

	if w.Code != 502 {
		t.Errorf("status = %d, want 502", w.Code)
	}
	if strings.Contains(w.Body.String(), "upstream blew up") {
		t.Error("upstream body leaked into response")
	}
}

// --- Void handler ---

func TestHandleVoidEnvelope(t *testing.T) {
	store := seededStore(t, trackedEnvelopeRecord("sent"))
	voider := &fakeVoider{}
	status := &fakeStatus{snap: snapshotFor(trackedEnvelopeRecord("voided"))}

	body := []byte(`{"reason":"Deal fell through"}`)
	w := serveDealRoute(http.MethodPost, "/api/deals/deal-42/envelope/void", body, handleVoidEnvelope(store, voider, status))

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if voider.calls != 1 || voider.gotEnvelope != "env-1" {
		t.Errorf("voider calls = %d envelope = %q", voider.calls, voider.gotEnvelope)
	}
	if voider.gotReason != "Deal fell through" {
		t.Errorf("reason = %q", voider.gotReason)
	}
	if status.refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1 after voiding", status.refreshCalls)
	}

	var view envelopeView
	json.NewDecoder(w.Body).Decode(&view)
	if view.Status != "voided" {
		t.Errorf("view status = %q, want voided", view.Status)
	}
}

func TestHandleVoidEnvelope_defaultReason(t *testing.T) {
	store := seededStore(t, trackedEnvelopeRecord("sent"))
	voider := &fakeVoider{}
	status := &fakeStatus{snap: snapshotFor(trackedEnvelopeRecord("voided"))}

	w := serveDealRoute(http.MethodPost, "/api/deals/deal-42/envelope/void", nil, handleVoidEnvelope(store, voider, status))

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if voider.gotReason != "Voided by operator" {
		t.Errorf("reason = %q, want default", voider.gotReason)
	}
}

func TestHandleVoidEnvelope_alreadyTerminal(t *testing.T) {
	store := seededStore(t, trackedEnvelopeRecord("completed"))
	voider := &fakeVoider{}
	status := &fakeStatus{}

	w := serveDealRoute(http.MethodPost, "/api/deals/deal-42/envelope/void", nil, handleVoidEnvelope(store, voider, status))

	if w.Code != 409 {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if voider.calls != 0 {
		t.Error("provider void should not be attempted on a terminal envelope")
	}
}

func TestHandleVoidEnvelope_noneTracked(t *testing.T) {
	store := seededStore(t, nil)
	w := serveDealRoute(http.MethodPost, "/api/deals/deal-42/envelope/void", nil, handleVoidEnvelope(store, &fakeVoider{}, &fakeStatus{}))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleVoidEnvelope_providerFailure(t *testing.T) {
	store := seededStore(t, trackedEnvelopeRecord("sent"))
	voider := &fakeVoider{err: model.NewProviderError("void envelope", 400, "cannot void")}
	status := &fakeStatus{}

	w := serveDealRoute(http.MethodPost, "/api/deals/deal-42/envelope/void", nil, handleVoidEnvelope(store, voider, status))

	if w.Code != 502 {
		t.Errorf("status = %d, want 502", w.Code)
	}
	if status.refreshCalls != 0 {
		t.Error("refresh should not run when the void failed")
	}
}

// --- Clear handler ---

func TestHandleClearEnvelope(t *testing.T) {
	store := seededStore(t, trackedEnvelopeRecord("voided"))

	w := serveDealRoute(http.MethodDelete, "/api/deals/deal-42/envelope", nil, handleClearEnvelope(store))

	if w.Code != 204 {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	rec, err := store.Get(context.Background(), "deal-42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec != nil {
		t.Error("record should be cleared")
	}
}

func TestHandleClearEnvelope_stillActive(t *testing.T) {
	store := seededStore(t, trackedEnvelopeRecord("delivered"))

	w := serveDealRoute(http.MethodDelete, "/api/deals/deal-42/envelope", nil, handleClearEnvelope(store))

	if w.Code != 409 {
		t.Errorf("status = %d, want 409 for active envelope", w.Code)
	}
	rec, _ := store.Get(context.Background(), "deal-42")
	if rec == nil {
		t.Error("record should survive a refused clear")
	}
}

func TestHandleClearEnvelope_noneTracked(t *testing.T) {
	store := seededStore(t, nil)

	w := serveDealRoute(http.MethodDelete, "/api/deals/deal-42/envelope", nil, handleClearEnvelope(store))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// --- Webhook handler ---

func signedWebhookRequest(t *testing.T, v *WebhookVerifier, at time.Time, target string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	req.Header.Set(SignatureHeader, v.Sign(at, body))
	return req
}

func TestHandleWebhook_applied(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier("wh-secret", now)
	status := &fakeStatus{applied: true}
	handler := handleWebhook(v, status, nil)

	body := []byte(`{"event":"envelope-completed","envelopeId":"env-1","status":"completed"}`)
	req := signedWebhookRequest(t, v, now, "/webhooks/esign?deal=deal-42", body)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if status.handleCalls != 1 || status.gotDeal != "deal-42" {
		t.Errorf("handle calls = %d deal = %q", status.handleCalls, status.gotDeal)
	}
	if status.lastEvent.EnvelopeID != "env-1" || status.lastEvent.Status != "completed" {
		t.Errorf("event = %+v", status.lastEvent)
	}

	var resp struct {
		Received bool   `json:"received"`
		EventID  string `json:"eventId"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp.Received || resp.EventID == "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestHandleWebhook_badSignature(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier("wh-secret", now)
	status := &fakeStatus{}
	handler := handleWebhook(v, status, nil)

	body := []byte(`{"envelopeId":"env-1","status":"completed"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/esign?deal=deal-42", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, newTestVerifier("wrong-secret", now).Sign(now, body))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 401 {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if status.handleCalls != 0 {
		t.Error("event must not be processed on signature failure")
	}
}

func TestHandleWebhook_missingSignature(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier("wh-secret", now)
	handler := handleWebhook(v, &fakeStatus{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/esign?deal=deal-42", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 401 {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHandleWebhook_invalidPayload(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier("wh-secret", now)
	handler := handleWebhook(v, &fakeStatus{}, nil)

	body := []byte(`{not json`)
	req := signedWebhookRequest(t, v, now, "/webhooks/esign?deal=deal-42", body)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 400 {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleWebhook_dealFromCustomField(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier("wh-secret", now)
	status := &fakeStatus{applied: true}
	handler := handleWebhook(v, status, nil)

	body := []byte(`{"envelopeId":"env-1","status":"completed","customFields":{"dealId":"deal-77"}}`)
	req := signedWebhookRequest(t, v, now, "/webhooks/esign", body)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if status.gotDeal != "deal-77" {
		t.Errorf("deal = %q, want deal-77 from custom field", status.gotDeal)
	}
}

func TestHandleWebhook_unresolvedDeal(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier("wh-secret", now)
	status := &fakeStatus{}
	handler := handleWebhook(v, status, nil)

	body := []byte(`{"envelopeId":"env-1","status":"completed"}`)
	req := signedWebhookRequest(t, v, now, "/webhooks/esign", body)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 400 {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if status.handleCalls != 0 {
		t.Error("unresolvable event must not be processed")
	}
}

func TestHandleWebhook_processingErrorSurfaces(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier("wh-secret", now)
	status := &fakeStatus{handleErr: model.NewProviderError("get envelope", 503, "down")}
	handler := handleWebhook(v, status, nil)

	body := []byte(`{"envelopeId":"env-1","status":"completed"}`)
	req := signedWebhookRequest(t, v, now, "/webhooks/esign?deal=deal-42", body)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	// Non-2xx tells the provider to redeliver.
	if w.Code != 502 {
		t.Errorf("status = %d, want 502", w.Code)
	}
}
