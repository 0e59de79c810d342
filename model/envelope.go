package model

import "time"

// Envelope status constants, as reported by the signing provider.
const (
	EnvelopeStatusSent      = "sent"
	EnvelopeStatusDelivered = "delivered"
	EnvelopeStatusCompleted = "completed"
	EnvelopeStatusDeclined  = "declined"
	EnvelopeStatusVoided    = "voided"
)

// Recipient status values that mean the recipient has not signed yet.
const (
	RecipientStatusSent      = "sent"
	RecipientStatusDelivered = "delivered"
	RecipientStatusCompleted = "completed"
	RecipientStatusDeclined  = "declined"
)

// statusRanks orders envelope statuses along the lifecycle. Terminal
// statuses share the highest rank; an observation is only applied when its
// rank is strictly greater than the stored one.
var statusRanks = map[string]int{
	EnvelopeStatusSent:      1,
	EnvelopeStatusDelivered: 2,
	EnvelopeStatusCompleted: 3,
	EnvelopeStatusDeclined:  3,
	EnvelopeStatusVoided:    3,
}

// KnownEnvelopeStatus reports whether s is one of the lifecycle statuses.
func KnownEnvelopeStatus(s string) bool {
	_, ok := statusRanks[s]
	return ok
}

// EnvelopeStatusRank returns the lifecycle rank of a status, or 0 for an
// unknown status.
func EnvelopeStatusRank(s string) int {
	return statusRanks[s]
}

// IsTerminalEnvelopeStatus reports whether s is completed, declined or voided.
func IsTerminalEnvelopeStatus(s string) bool {
	switch s {
	case EnvelopeStatusCompleted, EnvelopeStatusDeclined, EnvelopeStatusVoided:
		return true
	}
	return false
}

// Signer is the immutable per-recipient snapshot captured when an envelope
// is created. ClientUserID is the provider's binding key between the
// recipient and embedded-view requests; view requests must always reuse the
// value recorded here.
type Signer struct {
	ContactID    string `json:"contactId"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	RoutingOrder int    `json:"routingOrder"`
	RoleName     string `json:"roleName"`
	ClientUserID string `json:"clientUserId"`
}

// EnvelopeRecord is the last-known envelope state persisted per deal. The
// JSON shape is stored verbatim in the record store, so field names are part
// of the external contract.
type EnvelopeRecord struct {
	EnvelopeID        string     `json:"envelope_id"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"created_at"`
	StatusUpdatedAt   time.Time  `json:"status_updated_at"`
	Signers           []Signer   `json:"signers"`
	SigningURL        string     `json:"signing_url,omitempty"`
	SigningURLCreated *time.Time `json:"signing_url_created_at,omitempty"`
}

// FirstSigner returns the signer with the lowest routing order, or nil when
// the record has no signers.
func (r *EnvelopeRecord) FirstSigner() *Signer {
	var first *Signer
	for i := range r.Signers {
		if first == nil || r.Signers[i].RoutingOrder < first.RoutingOrder {
			first = &r.Signers[i]
		}
	}
	return first
}

// SignerByEmail returns the signer with the given email, or nil.
func (r *EnvelopeRecord) SignerByEmail(email string) *Signer {
	for i := range r.Signers {
		if r.Signers[i].Email == email {
			return &r.Signers[i]
		}
	}
	return nil
}

// FreshSigningURL returns the persisted signing URL when one exists and its
// age at now is still inside the freshness window.
func (r *EnvelopeRecord) FreshSigningURL(now time.Time, window time.Duration) (string, bool) {
	if r.SigningURL == "" || r.SigningURLCreated == nil {
		return "", false
	}
	if now.Sub(*r.SigningURLCreated) >= window {
		return "", false
	}
	return r.SigningURL, true
}
