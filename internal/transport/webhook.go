package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nasieku/sigil/internal/config"
)

// SignatureHeader carries the webhook signature:
//
//	X-Sigil-Signature: t=<unix seconds>,v1=<hex hmac-sha256>
//
// The MAC is computed over "<t>.<raw body>". Multiple v1 values are accepted
// so the secret can rotate without dropping events.
const SignatureHeader = "X-Sigil-Signature"

const defaultTolerance = 5 * time.Minute

// WebhookVerifier checks inbound webhook signatures against a shared secret.
type WebhookVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewWebhookVerifier reads the shared secret from the environment variable
// named in the configuration.
func NewWebhookVerifier(cfg config.WebhookConfig) (*WebhookVerifier, error) {
	secret := os.Getenv(cfg.SecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("webhook: secret environment variable %s is empty", cfg.SecretEnv)
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	return &WebhookVerifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}, nil
}

// Verify checks the signature header against the raw request body. It
// returns a descriptive error on any failure; callers translate every kind
// of failure into the same 401 so the response does not leak which part of
// the check failed.
func (v *WebhookVerifier) Verify(header string, body []byte) error {
	timestamp, signatures := parseSignatureHeader(header)
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("webhook: malformed signature header")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || ts <= 0 {
		return fmt.Errorf("webhook: invalid signature timestamp")
	}
	skew := v.now().UTC().Sub(time.Unix(ts, 0).UTC())
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return fmt.Errorf("webhook: signature timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, sigHex := range signatures {
		decoded, err := hex.DecodeString(sigHex)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, decoded) {
			return nil
		}
	}
	return fmt.Errorf("webhook: signature mismatch")
}

// Sign produces a signature header value for the given body at the given
// time. The provider-side registration uses the same scheme, and tests use
// this to build valid requests.
func (v *WebhookVerifier) Sign(at time.Time, body []byte) string {
	timestamp := strconv.FormatInt(at.UTC().Unix(), 10)
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func parseSignatureHeader(header string) (string, []string) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", nil
	}
	var timestamp string
	signatures := make([]string, 0, 2)
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		switch {
		case key == "t" && timestamp == "":
			timestamp = value
		case key == "v1" && value != "":
			signatures = append(signatures, value)
		}
	}
	return timestamp, signatures
}
