package esign

// Wire types for the signing provider's REST API. The provider represents
// numeric fields as decimal strings; these structs mirror the documented
// JSON rather than normalizing it.

// TemplateRole binds one signer to a template placeholder role.
type TemplateRole struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	RoleName     string `json:"roleName"`
	RoutingOrder string `json:"routingOrder"`
	ClientUserID string `json:"clientUserId,omitempty"`
}

// TextCustomField is an envelope-level metadata field.
type TextCustomField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Show  string `json:"show,omitempty"`
}

// CustomFields wraps the custom field lists on an envelope.
type CustomFields struct {
	TextCustomFields []TextCustomField `json:"textCustomFields,omitempty"`
}

// EnvelopeEvent names one envelope status the provider should notify on.
type EnvelopeEvent struct {
	EnvelopeEventStatusCode string `json:"envelopeEventStatusCode"`
}

// RecipientEvent names one recipient status the provider should notify on.
type RecipientEvent struct {
	RecipientEventStatusCode string `json:"recipientEventStatusCode"`
}

// EventNotification registers a webhook for envelope lifecycle events.
type EventNotification struct {
	URL                   string           `json:"url"`
	RequireAcknowledgment string           `json:"requireAcknowledgment,omitempty"`
	EnvelopeEvents        []EnvelopeEvent  `json:"envelopeEvents,omitempty"`
	RecipientEvents       []RecipientEvent `json:"recipientEvents,omitempty"`
}

// CreateEnvelopeRequest creates an envelope from a pre-provisioned template.
type CreateEnvelopeRequest struct {
	TemplateID        string             `json:"templateId"`
	TemplateRoles     []TemplateRole     `json:"templateRoles"`
	Status            string             `json:"status"`
	EmailSubject      string             `json:"emailSubject,omitempty"`
	CustomFields      *CustomFields      `json:"customFields,omitempty"`
	EventNotification *EventNotification `json:"eventNotification,omitempty"`
}

// CreateEnvelopeResponse is the provider's acknowledgment of a new envelope.
type CreateEnvelopeResponse struct {
	EnvelopeID     string `json:"envelopeId"`
	Status         string `json:"status"`
	StatusDateTime string `json:"statusDateTime,omitempty"`
}

// Envelope is the provider's view of an envelope's current state.
type Envelope struct {
	EnvelopeID            string `json:"envelopeId"`
	Status                string `json:"status"`
	CreatedDateTime       string `json:"createdDateTime,omitempty"`
	StatusChangedDateTime string `json:"statusChangedDateTime,omitempty"`
	VoidedReason          string `json:"voidedReason,omitempty"`
}

// Recipients is the provider's recipient listing for an envelope.
type Recipients struct {
	Signers []RecipientSigner `json:"signers"`
}

// RecipientSigner is one signing recipient as reported by the provider.
type RecipientSigner struct {
	RecipientID  string `json:"recipientId"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	RoleName     string `json:"roleName,omitempty"`
	RoutingOrder string `json:"routingOrder"`
	Status       string `json:"status"`
	ClientUserID string `json:"clientUserId,omitempty"`
}

// RecipientViewRequest asks for an embedded signing URL. ClientUserID must
// equal the value used when the envelope was created; the provider rejects
// any other value for the same recipient.
type RecipientViewRequest struct {
	UserName             string `json:"userName"`
	Email                string `json:"email"`
	ClientUserID         string `json:"clientUserId"`
	AuthenticationMethod string `json:"authenticationMethod"`
	ReturnURL            string `json:"returnUrl"`
}

// RecipientViewResponse carries the short-lived embedded signing URL.
type RecipientViewResponse struct {
	URL string `json:"url"`
}

// voidRequest transitions an envelope to voided.
type voidRequest struct {
	Status       string `json:"status"`
	VoidedReason string `json:"voidedReason"`
}

// WebhookEvent is the provider's status notification payload. Envelope-level
// events carry EnvelopeID and Status; recipient-level events additionally
// carry RecipientEmail and RecipientStatus.
type WebhookEvent struct {
	Event           string            `json:"event,omitempty"`
	EnvelopeID      string            `json:"envelopeId"`
	Status          string            `json:"status"`
	RecipientEmail  string            `json:"recipientEmail,omitempty"`
	RecipientStatus string            `json:"recipientStatus,omitempty"`
	CustomFields    map[string]string `json:"customFields,omitempty"`
}

// tokenResponse is the OAuth token endpoint's success body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// tokenError is the OAuth token endpoint's failure body.
type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}
