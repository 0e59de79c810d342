// Package crm is a typed client for the slice of the CRM's REST API this
// service touches: reading and updating deals, the envelope-record deal
// property, and the deal's associated contacts.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/nasieku/sigil/internal/config"
	"github.com/nasieku/sigil/internal/observability"
	"github.com/nasieku/sigil/internal/outbound"
	"github.com/nasieku/sigil/model"
)

// Contact properties read when building signer inputs from deal associations.
var contactProperties = []string{"firstname", "lastname", "email"}

// Client calls the CRM API with a bearer token. CRM failures come back as
// *model.ErrorEnvelope values with upstream detail attached for logs only.
type Client struct {
	cfg  config.CRMConfig
	http *outbound.Client
}

// NewClient builds a CRM client. The API token lives in the environment
// variable named by TokenEnv and is read per request, so a rotated token
// takes effect without a restart; an empty variable is a startup error.
// metrics may be nil.
func NewClient(cfg config.CRMConfig, metrics *observability.Metrics) (*Client, error) {
	if os.Getenv(cfg.TokenEnv) == "" {
		return nil, fmt.Errorf("crm: token env %s is empty", cfg.TokenEnv)
	}

	var opts []outbound.Option
	if metrics != nil {
		opts = append(opts, outbound.WithMetrics(metrics))
	}
	return &Client{
		cfg:  cfg,
		http: outbound.NewClient("crm", cfg.Timeout, cfg.CircuitBreaker, cfg.Retry, opts...),
	}, nil
}

// GetDeal fetches the deal's pipeline stage and envelope-record property.
func (c *Client) GetDeal(ctx context.Context, dealID string) (*Deal, error) {
	q := url.Values{}
	q.Set("properties", strings.Join([]string{c.cfg.Deal.StageProperty, c.cfg.Deal.RecordProperty}, ","))
	reqURL := c.objectURL("deals", dealID) + "?" + q.Encode()

	var out objectResponse
	if err := c.do(ctx, "getDeal", http.MethodGet, reqURL, nil, &out); err != nil {
		return nil, dealNotFound(err, dealID)
	}
	return &Deal{
		ID:     out.ID,
		Stage:  out.Properties[c.cfg.Deal.StageProperty],
		Record: out.Properties[c.cfg.Deal.RecordProperty],
	}, nil
}

// UpdateDealStage moves the deal to the given pipeline stage. It patches
// only the stage property.
func (c *Client) UpdateDealStage(ctx context.Context, dealID, stage string) error {
	body := propertiesUpdate{Properties: map[string]string{c.cfg.Deal.StageProperty: stage}}
	err := c.do(ctx, "updateDealStage", http.MethodPatch, c.objectURL("deals", dealID), body, nil)
	return dealNotFound(err, dealID)
}

// GetRecordProperty reads the raw envelope-record property value. An unset
// property comes back as the empty string.
func (c *Client) GetRecordProperty(ctx context.Context, dealID string) (string, error) {
	q := url.Values{}
	q.Set("properties", c.cfg.Deal.RecordProperty)
	reqURL := c.objectURL("deals", dealID) + "?" + q.Encode()

	var out objectResponse
	if err := c.do(ctx, "getRecordProperty", http.MethodGet, reqURL, nil, &out); err != nil {
		return "", dealNotFound(err, dealID)
	}
	return out.Properties[c.cfg.Deal.RecordProperty], nil
}

// SetRecordProperty writes the raw envelope-record property value.
func (c *Client) SetRecordProperty(ctx context.Context, dealID, value string) error {
	body := propertiesUpdate{Properties: map[string]string{c.cfg.Deal.RecordProperty: value}}
	err := c.do(ctx, "setRecordProperty", http.MethodPatch, c.objectURL("deals", dealID), body, nil)
	return dealNotFound(err, dealID)
}

// ListDealSigners resolves the deal's associated contacts into signer
// inputs, preserving association order. Contacts without an email address
// cannot sign and are skipped.
func (c *Client) ListDealSigners(ctx context.Context, dealID string) ([]model.SignerInput, error) {
	reqURL := c.objectURL("deals", dealID) + "/associations/contacts"
	var assoc associationsResponse
	if err := c.do(ctx, "listDealContacts", http.MethodGet, reqURL, nil, &assoc); err != nil {
		return nil, dealNotFound(err, dealID)
	}

	ids := make([]string, 0, len(assoc.Results))
	seen := make(map[string]bool, len(assoc.Results))
	for _, r := range assoc.Results {
		if r.ID == "" || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		ids = append(ids, r.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	req := batchReadRequest{Properties: contactProperties}
	for _, id := range ids {
		req.Inputs = append(req.Inputs, batchReadInput{ID: id})
	}
	var batch batchReadResponse
	batchURL := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/crm/v3/objects/contacts/batch/read"
	if err := c.do(ctx, "batchReadContacts", http.MethodPost, batchURL, req, &batch); err != nil {
		return nil, err
	}

	// Batch results are not guaranteed to come back in input order.
	byID := make(map[string]objectResponse, len(batch.Results))
	for _, r := range batch.Results {
		byID[r.ID] = r
	}

	signers := make([]model.SignerInput, 0, len(ids))
	for _, id := range ids {
		contact, ok := byID[id]
		if !ok {
			continue
		}
		email := contact.Properties["email"]
		if email == "" {
			continue
		}
		name := strings.TrimSpace(contact.Properties["firstname"] + " " + contact.Properties["lastname"])
		signers = append(signers, model.SignerInput{
			ContactID: id,
			Email:     email,
			Name:      name,
		})
	}
	return signers, nil
}

// do marshals body (when non-nil), executes the request with the bearer
// token, and decodes the JSON response into out (when non-nil).
func (c *Client) do(ctx context.Context, operation, method, reqURL string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("crm: marshal %s request: %w", operation, err)
		}
		payload = b
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+os.Getenv(c.cfg.TokenEnv))
	header.Set("Accept", "application/json")
	if payload != nil {
		header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(ctx, outbound.Request{
		Operation: operation,
		Method:    method,
		URL:       reqURL,
		Header:    header,
		Body:      payload,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errorFromStatus(resp)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("crm: decode %s response: %w", operation, err)
		}
	}
	return nil
}

// objectURL joins an object type and id under the CRM objects API root.
func (c *Client) objectURL(objectType, id string) string {
	base := strings.TrimSuffix(c.cfg.BaseURL, "/")
	return base + "/crm/v3/objects/" + objectType + "/" + url.PathEscape(id)
}

// errorFromStatus maps a non-2xx CRM response onto the portal error model.
// The raw CRM body travels in the log-only upstream fields.
func errorFromStatus(resp *outbound.Response) *model.ErrorEnvelope {
	var env *model.ErrorEnvelope
	switch resp.StatusCode {
	case http.StatusNotFound:
		env = model.NewNotFoundError("CRM object not found")
	case http.StatusTooManyRequests:
		env = model.NewRateLimitedError()
	default:
		env = model.NewBackendUnavailableError()
	}
	env.UpstreamStatus = resp.StatusCode
	env.UpstreamBody = string(resp.Body)
	return env
}

// dealNotFound rewrites a generic NOT_FOUND from the CRM into a deal-scoped
// message. Other errors pass through unchanged.
func dealNotFound(err error, dealID string) error {
	if err == nil {
		return nil
	}
	var env *model.ErrorEnvelope
	if errors.As(err, &env) && env.Code == model.ErrNotFound {
		env.Message = fmt.Sprintf("Deal %s was not found", dealID)
	}
	return err
}
