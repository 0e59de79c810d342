package esign

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nasieku/sigil/internal/config"
	"github.com/nasieku/sigil/internal/observability"
	"github.com/nasieku/sigil/internal/outbound"
	"github.com/nasieku/sigil/model"
)

// Client calls the signing provider's envelope API. Provider rejections and
// transport failures come back as *model.ErrorEnvelope values.
type Client struct {
	cfg    config.EsignConfig
	tokens TokenSource
	http   *outbound.Client
}

// NewClient builds a provider client. metrics may be nil.
func NewClient(cfg config.EsignConfig, tokens TokenSource, metrics *observability.Metrics) *Client {
	var opts []outbound.Option
	if metrics != nil {
		opts = append(opts, outbound.WithMetrics(metrics))
	}
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		http:   outbound.NewClient("esign", cfg.Timeout, cfg.CircuitBreaker, cfg.Retry, opts...),
	}
}

// CreateEnvelope creates an envelope from the configured template. The
// request's Status controls whether it is sent immediately.
func (c *Client) CreateEnvelope(ctx context.Context, req *CreateEnvelopeRequest) (*CreateEnvelopeResponse, error) {
	var out CreateEnvelopeResponse
	if err := c.do(ctx, "createEnvelope", http.MethodPost, c.accountURL("envelopes"), req, &out); err != nil {
		return nil, err
	}
	if out.EnvelopeID == "" {
		return nil, model.NewProviderError("createEnvelope", http.StatusOK, "response missing envelopeId")
	}
	return &out, nil
}

// GetEnvelope fetches the envelope's current status.
func (c *Client) GetEnvelope(ctx context.Context, envelopeID string) (*Envelope, error) {
	var out Envelope
	reqURL := c.accountURL("envelopes", url.PathEscape(envelopeID))
	if err := c.do(ctx, "getEnvelope", http.MethodGet, reqURL, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRecipients fetches the envelope's recipients with their per-recipient
// statuses.
func (c *Client) ListRecipients(ctx context.Context, envelopeID string) (*Recipients, error) {
	var out Recipients
	reqURL := c.accountURL("envelopes", url.PathEscape(envelopeID), "recipients")
	if err := c.do(ctx, "listRecipients", http.MethodGet, reqURL, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateRecipientView requests an embedded signing URL for one recipient.
func (c *Client) CreateRecipientView(ctx context.Context, envelopeID string, req *RecipientViewRequest) (*RecipientViewResponse, error) {
	var out RecipientViewResponse
	reqURL := c.accountURL("envelopes", url.PathEscape(envelopeID), "views", "recipient")
	if err := c.do(ctx, "createRecipientView", http.MethodPost, reqURL, req, &out); err != nil {
		return nil, err
	}
	if out.URL == "" {
		return nil, model.NewProviderError("createRecipientView", http.StatusOK, "response missing url")
	}
	return &out, nil
}

// VoidEnvelope voids an in-flight envelope with the given reason.
func (c *Client) VoidEnvelope(ctx context.Context, envelopeID, reason string) error {
	reqURL := c.accountURL("envelopes", url.PathEscape(envelopeID))
	body := voidRequest{Status: "voided", VoidedReason: reason}
	return c.do(ctx, "voidEnvelope", http.MethodPut, reqURL, body, nil)
}

// DownloadCombinedDocuments fetches the envelope's documents as a single PDF.
func (c *Client) DownloadCombinedDocuments(ctx context.Context, envelopeID string) ([]byte, error) {
	reqURL := c.accountURL("envelopes", url.PathEscape(envelopeID), "documents", "combined")
	resp, err := c.request(ctx, "downloadDocuments", http.MethodGet, reqURL, nil, "application/pdf")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// do marshals body (when non-nil), executes the request, and decodes the
// JSON response into out (when non-nil).
func (c *Client) do(ctx context.Context, operation, method, reqURL string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("esign: marshal %s request: %w", operation, err)
		}
		payload = b
	}

	resp, err := c.request(ctx, operation, method, reqURL, payload, "application/json")
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("esign: decode %s response: %w", operation, err)
		}
	}
	return nil
}

// request executes one provider call, retrying exactly once with a forced
// token refresh when the provider reports the token as expired.
func (c *Client) request(ctx context.Context, operation, method, reqURL string, payload []byte, accept string) (*outbound.Response, error) {
	resp, err := c.execute(ctx, operation, method, reqURL, payload, accept, false)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp, err = c.execute(ctx, operation, method, reqURL, payload, accept, true)
		if err != nil {
			return nil, err
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, model.NewProviderError(operation, resp.StatusCode, string(resp.Body))
	}
	return resp, nil
}

func (c *Client) execute(ctx context.Context, operation, method, reqURL string, payload []byte, accept string, forceRefresh bool) (*outbound.Response, error) {
	token, err := c.tokens.Token(ctx, forceRefresh)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("Accept", accept)
	if payload != nil {
		header.Set("Content-Type", "application/json")
	}

	return c.http.Do(ctx, outbound.Request{
		Operation: operation,
		Method:    method,
		URL:       reqURL,
		Header:    header,
		Body:      payload,
	})
}

// accountURL joins path segments under the account-scoped API root.
func (c *Client) accountURL(parts ...string) string {
	base := strings.TrimSuffix(c.cfg.BaseURL, "/")
	segs := append([]string{base, "v2.1", "accounts", url.PathEscape(c.cfg.AccountID)}, parts...)
	return strings.Join(segs, "/")
}
