// Package integration provides a reusable test harness for end-to-end
// testing of the sigil portal server. It starts a full HTTP server wired to
// a mock signing provider, a mock CRM, in-memory stores, and a test JWT
// issuer, so scenarios run against the real router, middleware, and
// orchestration code.
package integration

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nasieku/sigil/internal/config"
	"github.com/nasieku/sigil/internal/crm"
	"github.com/nasieku/sigil/internal/esign"
	"github.com/nasieku/sigil/internal/lifecycle"
	"github.com/nasieku/sigil/internal/observability"
	"github.com/nasieku/sigil/internal/record"
	"github.com/nasieku/sigil/internal/signing"
	"github.com/nasieku/sigil/internal/transport"
	"github.com/nasieku/sigil/internal/viewcache"
)

// Environment variables the harness provisions before wiring components.
const (
	envPrivateKey    = "SIGIL_ESIGN_PRIVATE_KEY"
	envCRMToken      = "SIGIL_CRM_TOKEN"
	envWebhookSecret = "SIGIL_WEBHOOK_SECRET"
)

// Default pipeline stages used by harness fixtures.
const (
	stageAgreementReady = "agreement_ready"
	stageFundsRequested = "funds_requested"
)

// grantKeyPEM lazily generates the RSA key the provider token grant signs
// with. The key carries no state, so one per test binary is enough.
var grantKeyPEM = sync.OnceValue(func() string {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic("generate grant key: " + err.Error())
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return string(pem.EncodeToMemory(block))
})

// TestHarness encapsulates a fully wired portal instance with mock upstream
// services for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Provider *MockProvider
	CRM      *MockCRM
	Records  *record.MemoryStore
	Views    *viewcache.MemoryCache
	Verifier *transport.WebhookVerifier

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	handlerTimeout  time.Duration
	freshnessWindow time.Duration
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithFreshnessWindow sets how long minted signing URLs are reused before a
// new embedded view is requested from the provider.
func WithFreshnessWindow(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.freshnessWindow = d
	}
}

// NewTestHarness creates and starts a full portal test instance. The server
// and its mock upstreams are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	// Step 1: start the mock upstreams and the JWT issuer.
	issuer := newTokenIssuer(t)
	mockProvider := newMockProvider(t)
	mockCRM := newMockCRM(t)

	// Step 2: provision the secrets the clients read from the environment.
	t.Setenv(envPrivateKey, grantKeyPEM())
	t.Setenv(envCRMToken, "test-crm-token")
	t.Setenv(envWebhookSecret, "test-webhook-secret")

	// Step 3: build the configuration against the mock endpoints.
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Identity.Issuer = issuer.issuer
	cfg.Identity.Audience = issuer.audience
	cfg.Identity.JWKSURL = issuer.JWKSURL()
	cfg.Identity.JWKSCacheTTL = time.Minute
	cfg.Esign.BaseURL = mockProvider.URL()
	cfg.Esign.AccountID = "acct-test"
	cfg.Esign.TemplateID = "tmpl-conveyancing"
	cfg.Esign.ReturnURL = "https://portal.test.sigil.dev/signing/complete"
	cfg.Esign.WebhookURL = "https://portal.test.sigil.dev/webhooks/esign"
	cfg.Esign.Timeout = 5 * time.Second
	cfg.Esign.Auth.AuthBaseURL = mockProvider.URL()
	cfg.Esign.Auth.ClientID = "client-test"
	cfg.Esign.Auth.UserID = "user-test"
	cfg.CRM.BaseURL = mockCRM.URL()
	cfg.CRM.Timeout = 5 * time.Second
	cfg.CRM.Deal.FundsRequestedStage = stageFundsRequested
	cfg.Observability.Metrics.Enabled = false
	if hc.freshnessWindow > 0 {
		cfg.ViewCache.FreshnessWindow = hc.freshnessWindow
	}
	// Injected failures must surface on the first call, not be absorbed by
	// retries.
	cfg.Esign.Retry.MaxAttempts = 1
	cfg.CRM.Retry.MaxAttempts = 1

	// Step 4: wire the real components against the mocks.
	logger := zap.NewNop()
	records := record.NewMemoryStore()
	views := viewcache.NewMemoryCache(cfg.ViewCache)

	tokens, err := esign.NewAccessTokenProvider(cfg.Esign, nil)
	if err != nil {
		t.Fatalf("build token provider: %v", err)
	}
	providerClient := esign.NewClient(cfg.Esign, tokens, nil)

	crmClient, err := crm.NewClient(cfg.CRM, nil)
	if err != nil {
		t.Fatalf("build crm client: %v", err)
	}

	synchronizer := lifecycle.NewSynchronizer(providerClient, records, views, crmClient, nil, cfg.CRM.Deal, logger, nil)
	sessions := signing.NewManager(providerClient, synchronizer, crmClient, records, views, cfg.Esign, cfg.ViewCache.FreshnessWindow, logger, nil)

	verifier, err := transport.NewWebhookVerifier(cfg.Webhook)
	if err != nil {
		t.Fatalf("build webhook verifier: %v", err)
	}

	// Step 5: build the router with the production JWT path and start the
	// server.
	router := transport.NewRouter(transport.Dependencies{
		Config: cfg,
		Logger: logger,
		Readiness: observability.ReadinessChecks{
			RecordStore: records,
			ViewCache:   views,
		},
		Sessions: sessions,
		Status:   synchronizer,
		Records:  records,
		Voider:   providerClient,
		Verifier: verifier,
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &TestHarness{
		t:        t,
		server:   server,
		issuer:   issuer,
		Provider: mockProvider,
		CRM:      mockCRM,
		Records:  records,
		Views:    views,
		Verifier: verifier,
		cfg:      cfg,
	}
}

// BaseURL returns the portal server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid signed JWT for the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that expired in the past.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GET performs a GET request with the given bearer token ("" for none).
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// GETWithHeaders performs a GET request with extra headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, headers)
}

// POST performs a POST request with a JSON body (nil for no body).
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs a POST request with extra headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

// DELETE performs a DELETE request with the given bearer token.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, token, nil)
}

// PostWebhook signs and delivers a provider status event. The deal ID rides
// the query string the way the provider's event notification is registered.
func (h *TestHarness) PostWebhook(dealID string, event map[string]any) *http.Response {
	h.t.Helper()

	body, err := json.Marshal(event)
	if err != nil {
		h.t.Fatalf("marshal webhook event: %v", err)
	}

	url := h.server.URL + "/webhooks/esign"
	if dealID != "" {
		url += "?deal=" + dealID
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		h.t.Fatalf("create webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(transport.SignatureHeader, h.Verifier.Sign(time.Now(), body))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("deliver webhook: %v", err)
	}
	return resp
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// SeedDeal seeds the CRM with a deal in the agreement-ready stage and two
// associated signing contacts, associated in routing order.
func (h *TestHarness) SeedDeal(dealID string) {
	h.CRM.AddDeal(dealID, stageAgreementReady)
	h.CRM.AddContact("c-301", "Kai", "Ora", "kai.ora@example.com")
	h.CRM.AddContact("c-302", "Moana", "Rangi", "moana.rangi@example.com")
	h.CRM.AssociateContact(dealID, "c-301")
	h.CRM.AssociateContact(dealID, "c-302")
}

// --- Default test claims ---

// ClientClaims returns TestClaims for a client scoped to the given deals.
func ClientClaims(deals ...string) TestClaims {
	return TestClaims{
		SubjectID: "user-client-1",
		Email:     "client@example.com",
		Roles:     []string{"client"},
		Deals:     deals,
	}
}

// AgentClaims returns TestClaims for a conveyancing agent.
func AgentClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-agent-1",
		Email:     "agent@example.com",
		Roles:     []string{"agent"},
	}
}

// OperatorClaims returns TestClaims for a back-office operator.
func OperatorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-operator-1",
		Email:     "operator@example.com",
		Roles:     []string{"agent", "operator"},
	}
}

// --- Fixtures ---

// SignerBody returns a signing-session request body naming the contacts
// seeded by SeedDeal, in routing order.
func SignerBody() map[string]any {
	return map[string]any{
		"signers": []map[string]any{
			{"contactId": "c-301", "email": "kai.ora@example.com", "name": "Kai Ora"},
			{"contactId": "c-302", "email": "moana.rangi@example.com", "name": "Moana Rangi"},
		},
	}
}

func assertEqual(t *testing.T, got, want any, name string) {
	t.Helper()
	if got != want {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}
