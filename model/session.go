package model

// SignerInput is the caller-supplied description of one signer for envelope
// creation. Routing order is assigned from input position; callers provide
// signers in the order they must sign.
type SignerInput struct {
	ContactID string `json:"contactId"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	RoleName  string `json:"roleName"`
}

// CurrentSigner identifies the signer an embedded URL was issued for.
type CurrentSigner struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	RoutingOrder int    `json:"routingOrder"`
}

// SessionResult is the outcome of a signing-session request. When the first
// signer in routing order can still sign, RedirectURL carries the embedded
// view to render; otherwise ExistingEnvelope is set and Status tells the
// caller what to display.
type SessionResult struct {
	EnvelopeID       string         `json:"envelopeId"`
	RedirectURL      string         `json:"redirectUrl,omitempty"`
	Signers          []Signer       `json:"signers"`
	TotalSigners     int            `json:"totalSigners,omitempty"`
	CurrentSigner    *CurrentSigner `json:"currentSigner,omitempty"`
	ExistingEnvelope bool           `json:"existingEnvelope"`
	Status           string         `json:"status,omitempty"`

	// Created distinguishes a newly created envelope from a resumed one for
	// response codes and metrics. Not part of the response body.
	Created bool `json:"-"`
}
