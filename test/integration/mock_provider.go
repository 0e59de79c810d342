package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nasieku/sigil/internal/esign"
)

// MockProvider simulates the signing provider's REST API: the OAuth token
// endpoint plus the account-scoped envelope endpoints. Envelope state is
// mutable so tests can drive status changes the way the real provider does,
// and every request is counted per operation for later assertion.
type MockProvider struct {
	t      *testing.T
	server *httptest.Server

	mu          sync.Mutex
	envelopes   map[string]*ProviderEnvelope
	nextEnv     int
	nextView    int
	calls       map[string]int
	failures    map[string][]*injectedFailure
	createReqs  []esign.CreateEnvelopeRequest
	viewReqs    []esign.RecipientViewRequest
	tokenGrants int
	consentWall bool
	document    []byte
}

// ProviderEnvelope is the mock's record of one envelope.
type ProviderEnvelope struct {
	ID         string
	Status     string
	VoidReason string
	CreatedAt  time.Time
	StatusAt   time.Time
	Recipients []ProviderRecipient
}

// ProviderRecipient is the mock's record of one envelope recipient.
type ProviderRecipient struct {
	RecipientID  string
	Email        string
	Name         string
	RoleName     string
	RoutingOrder string
	Status       string
	ClientUserID string
}

// injectedFailure is a one-shot canned error response for an operation.
type injectedFailure struct {
	status int
	body   string
}

// newMockProvider creates the mock and starts its HTTP test server.
func newMockProvider(t *testing.T) *MockProvider {
	t.Helper()

	mp := &MockProvider{
		t:         t,
		envelopes: make(map[string]*ProviderEnvelope),
		nextEnv:   1000,
		calls:     make(map[string]int),
		failures:  make(map[string][]*injectedFailure),
		document:  []byte("%PDF-1.4 mock combined document"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", mp.handleToken)
	mux.HandleFunc("POST /v2.1/accounts/{account}/envelopes", mp.handleCreateEnvelope)
	mux.HandleFunc("GET /v2.1/accounts/{account}/envelopes/{id}", mp.handleGetEnvelope)
	mux.HandleFunc("PUT /v2.1/accounts/{account}/envelopes/{id}", mp.handleVoidEnvelope)
	mux.HandleFunc("GET /v2.1/accounts/{account}/envelopes/{id}/recipients", mp.handleListRecipients)
	mux.HandleFunc("POST /v2.1/accounts/{account}/envelopes/{id}/views/recipient", mp.handleRecipientView)
	mux.HandleFunc("GET /v2.1/accounts/{account}/envelopes/{id}/documents/combined", mp.handleDocuments)

	mp.server = httptest.NewServer(mux)
	t.Cleanup(mp.server.Close)
	return mp
}

// URL returns the base URL of the mock provider server. It serves both the
// API and the OAuth endpoints.
func (mp *MockProvider) URL() string {
	return mp.server.URL
}

// Calls returns how many times the named operation was requested.
func (mp *MockProvider) Calls(operation string) int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.calls[operation]
}

// FailOnce queues a canned error response for the operation's next call.
// Queued failures are consumed in order before normal handling resumes.
func (mp *MockProvider) FailOnce(operation string, status int, body string) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.failures[operation] = append(mp.failures[operation], &injectedFailure{status: status, body: body})
}

// RequireConsent makes the token endpoint report the consent_required OAuth
// error until cleared.
func (mp *MockProvider) RequireConsent(on bool) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.consentWall = on
}

// Envelope returns a copy of the mock's state for the envelope, or nil.
func (mp *MockProvider) Envelope(id string) *ProviderEnvelope {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	env, ok := mp.envelopes[id]
	if !ok {
		return nil
	}
	cp := *env
	cp.Recipients = append([]ProviderRecipient(nil), env.Recipients...)
	return &cp
}

// SetEnvelopeStatus moves the envelope to the given status, as if the change
// happened out of band at the provider.
func (mp *MockProvider) SetEnvelopeStatus(id, status string) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	env, ok := mp.envelopes[id]
	if !ok {
		mp.t.Fatalf("mock provider: no envelope %s", id)
	}
	env.Status = status
	env.StatusAt = time.Now().UTC()
}

// SetRecipientStatus moves one recipient to the given status.
func (mp *MockProvider) SetRecipientStatus(id, email, status string) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	env, ok := mp.envelopes[id]
	if !ok {
		mp.t.Fatalf("mock provider: no envelope %s", id)
	}
	for i := range env.Recipients {
		if env.Recipients[i].Email == email {
			env.Recipients[i].Status = status
			return
		}
	}
	mp.t.Fatalf("mock provider: envelope %s has no recipient %s", id, email)
}

// LastCreateRequest returns the most recent envelope creation request body,
// or nil if none was received.
func (mp *MockProvider) LastCreateRequest() *esign.CreateEnvelopeRequest {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if len(mp.createReqs) == 0 {
		return nil
	}
	req := mp.createReqs[len(mp.createReqs)-1]
	return &req
}

// LastViewRequest returns the most recent recipient view request body, or nil.
func (mp *MockProvider) LastViewRequest() *esign.RecipientViewRequest {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if len(mp.viewReqs) == 0 {
		return nil
	}
	req := mp.viewReqs[len(mp.viewReqs)-1]
	return &req
}

// TokenGrants returns how many successful token exchanges were served.
func (mp *MockProvider) TokenGrants() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.tokenGrants
}

// consumeFailure pops the next queued failure for the operation, if any.
func (mp *MockProvider) consumeFailure(operation string) *injectedFailure {
	queue := mp.failures[operation]
	if len(queue) == 0 {
		return nil
	}
	f := queue[0]
	mp.failures[operation] = queue[1:]
	return f
}

// begin counts the call, enforces the bearer token, and applies any queued
// failure. It reports whether normal handling should proceed.
func (mp *MockProvider) begin(w http.ResponseWriter, r *http.Request, operation string) bool {
	mp.mu.Lock()
	mp.calls[operation]++
	failure := mp.consumeFailure(operation)
	mp.mu.Unlock()

	if r.Header.Get("Authorization") == "" {
		writeProviderError(w, http.StatusUnauthorized, "AUTHORIZATION_REQUIRED")
		return false
	}
	if failure != nil {
		writeProviderError(w, failure.status, failure.body)
		return false
	}
	return true
}

func (mp *MockProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	mp.mu.Lock()
	mp.calls["token"]++
	consent := mp.consentWall
	failure := mp.consumeFailure("token")
	mp.mu.Unlock()

	if failure != nil {
		writeProviderError(w, failure.status, failure.body)
		return
	}
	if err := r.ParseForm(); err != nil || r.PostForm.Get("assertion") == "" {
		writeJSONBody(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	if consent {
		writeJSONBody(w, http.StatusBadRequest, map[string]string{"error": "consent_required"})
		return
	}

	mp.mu.Lock()
	mp.tokenGrants++
	n := mp.tokenGrants
	mp.mu.Unlock()

	writeJSONBody(w, http.StatusOK, map[string]any{
		"access_token": fmt.Sprintf("provider-token-%d", n),
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (mp *MockProvider) handleCreateEnvelope(w http.ResponseWriter, r *http.Request) {
	if !mp.begin(w, r, "createEnvelope") {
		return
	}

	var req esign.CreateEnvelopeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProviderError(w, http.StatusBadRequest, "INVALID_REQUEST_BODY")
		return
	}
	if req.TemplateID == "" || len(req.TemplateRoles) == 0 {
		writeProviderError(w, http.StatusBadRequest, "TEMPLATE_ROLES_REQUIRED")
		return
	}

	now := time.Now().UTC()

	mp.mu.Lock()
	mp.nextEnv++
	env := &ProviderEnvelope{
		ID:        fmt.Sprintf("env-%d", mp.nextEnv),
		Status:    "sent",
		CreatedAt: now,
		StatusAt:  now,
	}
	for i, role := range req.TemplateRoles {
		env.Recipients = append(env.Recipients, ProviderRecipient{
			RecipientID:  strconv.Itoa(i + 1),
			Email:        role.Email,
			Name:         role.Name,
			RoleName:     role.RoleName,
			RoutingOrder: role.RoutingOrder,
			Status:       "sent",
			ClientUserID: role.ClientUserID,
		})
	}
	mp.envelopes[env.ID] = env
	mp.createReqs = append(mp.createReqs, req)
	mp.mu.Unlock()

	writeJSONBody(w, http.StatusCreated, esign.CreateEnvelopeResponse{
		EnvelopeID:     env.ID,
		Status:         env.Status,
		StatusDateTime: now.Format(time.RFC3339),
	})
}

func (mp *MockProvider) handleGetEnvelope(w http.ResponseWriter, r *http.Request) {
	if !mp.begin(w, r, "getEnvelope") {
		return
	}

	mp.mu.Lock()
	env, ok := mp.envelopes[r.PathValue("id")]
	var out esign.Envelope
	if ok {
		out = esign.Envelope{
			EnvelopeID:            env.ID,
			Status:                env.Status,
			CreatedDateTime:       env.CreatedAt.Format(time.RFC3339),
			StatusChangedDateTime: env.StatusAt.Format(time.RFC3339),
			VoidedReason:          env.VoidReason,
		}
	}
	mp.mu.Unlock()

	if !ok {
		writeProviderError(w, http.StatusNotFound, "ENVELOPE_DOES_NOT_EXIST")
		return
	}
	writeJSONBody(w, http.StatusOK, out)
}

func (mp *MockProvider) handleVoidEnvelope(w http.ResponseWriter, r *http.Request) {
	if !mp.begin(w, r, "voidEnvelope") {
		return
	}

	var req struct {
		Status       string `json:"status"`
		VoidedReason string `json:"voidedReason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status != "voided" {
		writeProviderError(w, http.StatusBadRequest, "INVALID_VOID_REQUEST")
		return
	}

	mp.mu.Lock()
	env, ok := mp.envelopes[r.PathValue("id")]
	if ok {
		env.Status = "voided"
		env.VoidReason = req.VoidedReason
		env.StatusAt = time.Now().UTC()
	}
	mp.mu.Unlock()

	if !ok {
		writeProviderError(w, http.StatusNotFound, "ENVELOPE_DOES_NOT_EXIST")
		return
	}
	writeJSONBody(w, http.StatusOK, map[string]string{"envelopeId": r.PathValue("id"), "status": "voided"})
}

func (mp *MockProvider) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	if !mp.begin(w, r, "listRecipients") {
		return
	}

	mp.mu.Lock()
	env, ok := mp.envelopes[r.PathValue("id")]
	var out esign.Recipients
	if ok {
		for _, rcp := range env.Recipients {
			out.Signers = append(out.Signers, esign.RecipientSigner{
				RecipientID:  rcp.RecipientID,
				Email:        rcp.Email,
				Name:         rcp.Name,
				RoleName:     rcp.RoleName,
				RoutingOrder: rcp.RoutingOrder,
				Status:       rcp.Status,
				ClientUserID: rcp.ClientUserID,
			})
		}
	}
	mp.mu.Unlock()

	if !ok {
		writeProviderError(w, http.StatusNotFound, "ENVELOPE_DOES_NOT_EXIST")
		return
	}
	writeJSONBody(w, http.StatusOK, out)
}

func (mp *MockProvider) handleRecipientView(w http.ResponseWriter, r *http.Request) {
	if !mp.begin(w, r, "createRecipientView") {
		return
	}

	var req esign.RecipientViewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProviderError(w, http.StatusBadRequest, "INVALID_REQUEST_BODY")
		return
	}

	mp.mu.Lock()
	env, ok := mp.envelopes[r.PathValue("id")]
	matched := false
	if ok {
		for _, rcp := range env.Recipients {
			if rcp.ClientUserID == req.ClientUserID && rcp.Email == req.Email {
				matched = true
				break
			}
		}
	}
	mp.nextView++
	viewID := mp.nextView
	if matched {
		mp.viewReqs = append(mp.viewReqs, req)
	}
	mp.mu.Unlock()

	if !ok {
		writeProviderError(w, http.StatusNotFound, "ENVELOPE_DOES_NOT_EXIST")
		return
	}
	// The real provider rejects view requests whose clientUserId does not
	// match the value captured at envelope creation.
	if !matched {
		writeProviderError(w, http.StatusBadRequest, "UNKNOWN_ENVELOPE_RECIPIENT")
		return
	}

	writeJSONBody(w, http.StatusCreated, esign.RecipientViewResponse{
		URL: fmt.Sprintf("%s/signing/view-%d", mp.server.URL, viewID),
	})
}

func (mp *MockProvider) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if !mp.begin(w, r, "downloadDocuments") {
		return
	}

	mp.mu.Lock()
	_, ok := mp.envelopes[r.PathValue("id")]
	doc := mp.document
	mp.mu.Unlock()

	if !ok {
		writeProviderError(w, http.StatusNotFound, "ENVELOPE_DOES_NOT_EXIST")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

// writeProviderError mimics the provider's error body shape.
func writeProviderError(w http.ResponseWriter, status int, code string) {
	writeJSONBody(w, status, map[string]string{
		"errorCode": code,
		"message":   "mock provider rejected the request",
	})
}

func writeJSONBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
