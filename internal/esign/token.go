package esign

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nasieku/sigil/internal/config"
	"github.com/nasieku/sigil/internal/observability"
	"github.com/nasieku/sigil/internal/outbound"
	"github.com/nasieku/sigil/model"
)

// assertionLifetime is how long a signed JWT-bearer assertion stays valid.
const assertionLifetime = time.Hour

// TokenSource provides provider access tokens. forceRefresh bypasses the
// cached token; callers set it after the provider rejects a token as expired.
type TokenSource interface {
	Token(ctx context.Context, forceRefresh bool) (string, error)
}

// AccessTokenProvider obtains access tokens via the JWT-bearer grant and
// caches them until shortly before expiry. It is safe for concurrent use;
// concurrent refreshes collapse into a single exchange.
type AccessTokenProvider struct {
	cfg     config.EsignAuthConfig
	key     *rsa.PrivateKey
	client  *outbound.Client
	metrics *observability.Metrics
	now     func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewAccessTokenProvider loads the signing key and prepares the token
// exchange client. metrics may be nil. The key is read from the configured
// PEM file, or from the environment variable named by PrivateKeyEnv when no
// path is set.
func NewAccessTokenProvider(cfg config.EsignConfig, metrics *observability.Metrics) (*AccessTokenProvider, error) {
	key, err := loadPrivateKey(cfg.Auth)
	if err != nil {
		return nil, err
	}

	var opts []outbound.Option
	if metrics != nil {
		opts = append(opts, outbound.WithMetrics(metrics))
	}
	// Token exchanges are never retried; a failed grant needs operator
	// attention, not backoff.
	client := outbound.NewClient("esign-auth", cfg.Timeout, cfg.CircuitBreaker,
		config.RetryConfig{MaxAttempts: 1}, opts...)

	return &AccessTokenProvider{
		cfg:     cfg.Auth,
		key:     key,
		client:  client,
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// Token returns a cached access token, refreshing it when forced or when it
// expires within the configured refresh buffer.
func (p *AccessTokenProvider) Token(ctx context.Context, forceRefresh bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !forceRefresh && p.token != "" && p.now().Before(p.expiresAt.Add(-p.cfg.RefreshBuffer)) {
		return p.token, nil
	}

	token, expiresIn, err := p.exchange(ctx)
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordTokenRefresh("failure")
		}
		return "", err
	}

	p.token = token
	p.expiresAt = p.now().Add(time.Duration(expiresIn) * time.Second)
	if p.metrics != nil {
		p.metrics.RecordTokenRefresh("success")
	}
	return p.token, nil
}

// exchange performs one JWT-bearer grant against the token endpoint.
// Must be called with the mutex held.
func (p *AccessTokenProvider) exchange(ctx context.Context) (string, int, error) {
	assertion, err := p.signAssertion()
	if err != nil {
		return "", 0, model.NewAuthError(fmt.Sprintf("sign assertion: %v", err))
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)

	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	header.Set("Accept", "application/json")

	resp, err := p.client.Do(ctx, outbound.Request{
		Operation: "token",
		Method:    http.MethodPost,
		URL:       strings.TrimSuffix(p.cfg.AuthBaseURL, "/") + "/oauth/token",
		Header:    header,
		Body:      []byte(form.Encode()),
	})
	if err != nil {
		return "", 0, model.NewAuthError(fmt.Sprintf("token exchange: %v", err))
	}

	if resp.StatusCode != http.StatusOK {
		var te tokenError
		_ = json.Unmarshal(resp.Body, &te)
		if te.Error == "consent_required" {
			return "", 0, model.NewConsentRequiredError(p.consentURL())
		}
		authErr := model.NewAuthError("token endpoint rejected the grant")
		authErr.UpstreamStatus = resp.StatusCode
		authErr.UpstreamBody = string(resp.Body)
		return "", 0, authErr
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body, &tr); err != nil {
		return "", 0, model.NewAuthError(fmt.Sprintf("malformed token response: %v", err))
	}
	if tr.AccessToken == "" {
		return "", 0, model.NewAuthError("token response missing access_token")
	}
	return tr.AccessToken, tr.ExpiresIn, nil
}

// signAssertion builds and signs the JWT-bearer assertion.
func (p *AccessTokenProvider) signAssertion() (string, error) {
	now := p.now()
	claims := jwt.MapClaims{
		"iss":   p.cfg.ClientID,
		"sub":   p.cfg.UserID,
		"aud":   authHost(p.cfg.AuthBaseURL),
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
		"scope": strings.Join(p.cfg.Scopes, " "),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(p.key)
}

// consentURL builds the URL an operator must visit to grant consent for
// the impersonated user.
func (p *AccessTokenProvider) consentURL() string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(p.cfg.Scopes, " "))
	q.Set("client_id", p.cfg.ClientID)
	q.Set("redirect_uri", p.cfg.RedirectURI)
	return strings.TrimSuffix(p.cfg.AuthBaseURL, "/") + "/oauth/auth?" + q.Encode()
}

// authHost returns the bare host of the auth base URL, which is what the
// token endpoint expects as the assertion audience.
func authHost(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(baseURL, "/")
	}
	return u.Host
}

// loadPrivateKey reads the RS256 signing key from a PEM file or environment
// variable.
func loadPrivateKey(cfg config.EsignAuthConfig) (*rsa.PrivateKey, error) {
	var pemBytes []byte
	switch {
	case cfg.PrivateKeyPath != "":
		b, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("esign: read private key: %w", err)
		}
		pemBytes = b
	case cfg.PrivateKeyEnv != "":
		v := os.Getenv(cfg.PrivateKeyEnv)
		if v == "" {
			return nil, fmt.Errorf("esign: private key env %s is empty", cfg.PrivateKeyEnv)
		}
		pemBytes = []byte(v)
	default:
		return nil, fmt.Errorf("esign: no private key configured")
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("esign: parse private key: %w", err)
	}
	return key, nil
}
