// Package signing orchestrates multi-party signing sessions: envelope
// creation from a template, session resumption, and embedded view URL reuse.
//
// Session requests for the same deal are serialized on a per-deal mutex so
// concurrent portal tabs cannot race the record lookup and create duplicate
// envelopes. Deals never share a lock, so unrelated sessions proceed in
// parallel.
package signing

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nasieku/sigil/internal/config"
	"github.com/nasieku/sigil/internal/esign"
	"github.com/nasieku/sigil/internal/lifecycle"
	"github.com/nasieku/sigil/internal/observability"
	"github.com/nasieku/sigil/internal/record"
	"github.com/nasieku/sigil/internal/viewcache"
	"github.com/nasieku/sigil/model"
)

// EnvelopeAPI is the slice of the provider client the manager uses.
type EnvelopeAPI interface {
	CreateEnvelope(ctx context.Context, env *esign.CreateEnvelopeRequest) (*esign.CreateEnvelopeResponse, error)
	CreateRecipientView(ctx context.Context, envelopeID string, req *esign.RecipientViewRequest) (*esign.RecipientViewResponse, error)
}

// StatusRefresher re-derives tracked envelope state from the provider.
type StatusRefresher interface {
	Refresh(ctx context.Context, dealID, envelopeID string) (*lifecycle.Snapshot, error)
}

// SignerDirectory resolves a deal's signers from the CRM when the request
// does not carry them.
type SignerDirectory interface {
	ListDealSigners(ctx context.Context, dealID string) ([]model.SignerInput, error)
}

// Manager owns the signing-session flow for deals.
type Manager struct {
	provider  EnvelopeAPI
	refresher StatusRefresher
	directory SignerDirectory
	records   record.Store
	views     viewcache.Cache
	cfg       config.EsignConfig
	window    time.Duration
	locks     *keyedMutex
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewManager wires a session manager. window bounds how long a previously
// minted signing URL is considered fresh; zero selects the default.
func NewManager(
	provider EnvelopeAPI,
	refresher StatusRefresher,
	directory SignerDirectory,
	records record.Store,
	views viewcache.Cache,
	cfg config.EsignConfig,
	window time.Duration,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Manager {
	if window <= 0 {
		window = viewcache.DefaultFreshnessWindow
	}
	return &Manager{
		provider:  provider,
		refresher: refresher,
		directory: directory,
		records:   records,
		views:     views,
		cfg:       cfg,
		window:    window,
		locks:     newKeyedMutex(),
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// CreateOrResumeSession starts a signing session for the deal. When the deal
// already tracks an envelope, the session resumes against it; otherwise a new
// envelope is created from the configured template. The whole operation holds
// the deal's lock so two concurrent requests cannot both observe "no record"
// and create two envelopes.
func (m *Manager) CreateOrResumeSession(ctx context.Context, dealID string, signers []model.SignerInput) (*model.SessionResult, error) {
	if strings.TrimSpace(dealID) == "" {
		return nil, model.NewValidationError([]model.FieldError{
			{Field: "dealId", Code: "required", Message: "deal id is required"},
		})
	}

	unlock := m.locks.Lock(dealID)
	defer unlock()

	lookupCtx, span := observability.StartSpan(ctx, "record.lookup",
		observability.AttrDealID.String(dealID))
	rec, err := m.records.Get(lookupCtx, dealID)
	observability.EndSpanWithError(span, err)
	if err != nil {
		// An unreadable store is not "no record". Creating here could issue
		// a second envelope for a deal that already has one.
		return nil, err
	}

	if rec != nil && rec.EnvelopeID != "" {
		return m.resumeSession(ctx, dealID, rec)
	}
	return m.createSession(ctx, dealID, signers)
}

// resumeSession refreshes the tracked envelope and either hands the first
// signer a fresh embedded URL or reports the envelope's state when signing
// cannot proceed.
func (m *Manager) resumeSession(ctx context.Context, dealID string, rec *model.EnvelopeRecord) (*model.SessionResult, error) {
	snap, err := m.refresher.Refresh(ctx, dealID, rec.EnvelopeID)
	if err != nil {
		return nil, err
	}
	rec = snap.Record

	first := rec.FirstSigner()
	if model.IsTerminalEnvelopeStatus(rec.Status) || first == nil || !signerCanSign(first, snap.Recipients) {
		if m.metrics != nil {
			m.metrics.RecordSigningSession("status_only")
		}
		return &model.SessionResult{
			EnvelopeID:       rec.EnvelopeID,
			Signers:          rec.Signers,
			ExistingEnvelope: true,
			Status:           rec.Status,
		}, nil
	}

	viewURL, err := m.freshViewURL(ctx, dealID, rec, first)
	if err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.RecordSigningSession("resumed")
	}
	return &model.SessionResult{
		EnvelopeID:   rec.EnvelopeID,
		RedirectURL:  viewURL,
		Signers:      rec.Signers,
		TotalSigners: len(rec.Signers),
		CurrentSigner: &model.CurrentSigner{
			Name:         first.Name,
			Email:        first.Email,
			RoutingOrder: first.RoutingOrder,
		},
	}, nil
}

// createSession creates a template envelope for the deal's signers and mints
// the first signer's embedded view.
func (m *Manager) createSession(ctx context.Context, dealID string, signers []model.SignerInput) (*model.SessionResult, error) {
	var err error
	if len(signers) == 0 && m.directory != nil {
		signers, err = m.directory.ListDealSigners(ctx, dealID)
		if err != nil {
			return nil, err
		}
	}
	if len(signers) == 0 {
		return nil, model.NewValidationError([]model.FieldError{
			{Field: "signers", Code: "required", Message: "at least one signer is required"},
		})
	}
	var fields []model.FieldError
	for i := range signers {
		if strings.TrimSpace(signers[i].ContactID) == "" {
			fields = append(fields, model.FieldError{
				Field: fmt.Sprintf("signers[%d].contactId", i), Code: "required", Message: "contact id is required",
			})
		}
		if strings.TrimSpace(signers[i].Email) == "" {
			fields = append(fields, model.FieldError{
				Field: fmt.Sprintf("signers[%d].email", i), Code: "required", Message: "email is required",
			})
		}
	}
	if len(fields) > 0 {
		return nil, model.NewValidationError(fields)
	}

	// The nonce makes clientUserId values unique per envelope while keeping
	// the contact id recoverable. Every later view request for a signer must
	// reuse the exact value minted here.
	nonce := m.now().UnixMilli()
	roles := make([]esign.TemplateRole, 0, len(signers))
	recordSigners := make([]model.Signer, 0, len(signers))
	for i, in := range signers {
		role := in.RoleName
		if role == "" {
			role = fmt.Sprintf("Signer %d", i+1)
		}
		name := in.Name
		if name == "" {
			name = in.Email
		}
		clientUserID := fmt.Sprintf("%s-%d", in.ContactID, nonce)
		roles = append(roles, esign.TemplateRole{
			Email:        in.Email,
			Name:         name,
			RoleName:     role,
			RoutingOrder: strconv.Itoa(i + 1),
			ClientUserID: clientUserID,
		})
		recordSigners = append(recordSigners, model.Signer{
			ContactID:    in.ContactID,
			Name:         name,
			Email:        in.Email,
			RoutingOrder: i + 1,
			RoleName:     role,
			ClientUserID: clientUserID,
		})
	}

	req := &esign.CreateEnvelopeRequest{
		TemplateID:    m.cfg.TemplateID,
		TemplateRoles: roles,
		Status:        "sent",
		CustomFields: &esign.CustomFields{
			TextCustomFields: []esign.TextCustomField{
				{Name: "dealId", Value: dealID, Show: "false"},
			},
		},
	}
	if m.cfg.WebhookURL != "" {
		req.EventNotification = &esign.EventNotification{
			URL:                   m.cfg.WebhookURL + "?deal=" + url.QueryEscape(dealID),
			RequireAcknowledgment: "true",
			EnvelopeEvents: []esign.EnvelopeEvent{
				{EnvelopeEventStatusCode: "Sent"},
				{EnvelopeEventStatusCode: "Delivered"},
				{EnvelopeEventStatusCode: "Completed"},
				{EnvelopeEventStatusCode: "Declined"},
				{EnvelopeEventStatusCode: "Voided"},
			},
			RecipientEvents: []esign.RecipientEvent{
				{RecipientEventStatusCode: "Sent"},
				{RecipientEventStatusCode: "Delivered"},
				{RecipientEventStatusCode: "Completed"},
				{RecipientEventStatusCode: "Declined"},
			},
		}
	}

	createCtx, span := observability.StartSpan(ctx, "envelope.create",
		observability.AttrDealID.String(dealID),
		observability.AttrOperation.String("create_envelope"))
	resp, err := m.provider.CreateEnvelope(createCtx, req)
	if err == nil {
		span.SetAttributes(observability.AttrEnvelopeID.String(resp.EnvelopeID))
	}
	observability.EndSpanWithError(span, err)
	if err != nil {
		return nil, err
	}

	created := m.now().UTC()
	rec := &model.EnvelopeRecord{
		EnvelopeID:      resp.EnvelopeID,
		Status:          model.EnvelopeStatusSent,
		CreatedAt:       created,
		StatusUpdatedAt: created,
		Signers:         recordSigners,
	}
	// Persist before minting the view. If minting fails the envelope is
	// still tracked, so a retry resumes instead of creating a duplicate.
	m.persistRecord(ctx, dealID, rec)

	m.logger.Info("signing: envelope created",
		zap.String("deal_id", dealID),
		zap.String("envelope_id", rec.EnvelopeID),
		zap.Int("signers", len(rec.Signers)),
	)
	if m.metrics != nil {
		m.metrics.RecordEnvelopeCreated()
	}

	first := rec.FirstSigner()
	viewURL, err := m.freshViewURL(ctx, dealID, rec, first)
	if err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.RecordSigningSession("created")
	}
	return &model.SessionResult{
		EnvelopeID:   rec.EnvelopeID,
		RedirectURL:  viewURL,
		Signers:      rec.Signers,
		TotalSigners: len(rec.Signers),
		CurrentSigner: &model.CurrentSigner{
			Name:         first.Name,
			Email:        first.Email,
			RoutingOrder: first.RoutingOrder,
		},
		Created: true,
	}, nil
}

// freshViewURL returns an embedded signing URL for the signer, in order of
// preference: the shared cache, the URL persisted on the record when still
// inside the freshness window, then a new view from the provider. URLs reach
// the cache and the record on the way out so other instances can reuse them.
func (m *Manager) freshViewURL(ctx context.Context, dealID string, rec *model.EnvelopeRecord, signer *model.Signer) (string, error) {
	span := trace.SpanFromContext(ctx)

	cached, ok, err := m.views.Get(ctx, rec.EnvelopeID, signer.Email)
	if err != nil {
		m.logger.Warn("signing: view cache read failed",
			zap.String("deal_id", dealID),
			zap.Error(err))
	} else if ok {
		span.SetAttributes(observability.AttrCacheHit.Bool(true))
		if m.metrics != nil {
			m.metrics.RecordRecipientView("cache")
		}
		return cached, nil
	}
	span.SetAttributes(observability.AttrCacheHit.Bool(false))

	if fresh, ok := rec.FreshSigningURL(m.now(), m.window); ok {
		if err := m.views.Put(ctx, rec.EnvelopeID, signer.Email, fresh); err != nil {
			m.logger.Warn("signing: view cache write failed",
				zap.String("deal_id", dealID),
				zap.Error(err))
		}
		if m.metrics != nil {
			m.metrics.RecordRecipientView("record")
		}
		return fresh, nil
	}

	viewCtx, viewSpan := observability.StartSpan(ctx, "recipient_view.create",
		observability.AttrDealID.String(dealID),
		observability.AttrEnvelopeID.String(rec.EnvelopeID))
	view, err := m.provider.CreateRecipientView(viewCtx, rec.EnvelopeID, &esign.RecipientViewRequest{
		UserName:             signer.Name,
		Email:                signer.Email,
		ClientUserID:         signer.ClientUserID,
		AuthenticationMethod: "none",
		ReturnURL:            m.cfg.ReturnURL,
	})
	observability.EndSpanWithError(viewSpan, err)
	if err != nil {
		return "", err
	}

	if err := m.views.Put(ctx, rec.EnvelopeID, signer.Email, view.URL); err != nil {
		m.logger.Warn("signing: view cache write failed",
			zap.String("deal_id", dealID),
			zap.Error(err))
	}
	minted := m.now().UTC()
	rec.SigningURL = view.URL
	rec.SigningURLCreated = &minted
	m.persistRecord(ctx, dealID, rec)

	if m.metrics != nil {
		m.metrics.RecordRecipientView("provider")
	}
	return view.URL, nil
}

// persistRecord writes the record and swallows failures. Losing a write
// degrades URL reuse and can re-run a stage transition later, both of which
// are recoverable; failing the session is not.
func (m *Manager) persistRecord(ctx context.Context, dealID string, rec *model.EnvelopeRecord) {
	persistCtx, span := observability.StartSpan(ctx, "record.persist",
		observability.AttrDealID.String(dealID))
	err := m.records.Set(persistCtx, dealID, rec)
	observability.EndSpanWithError(span, err)
	if err == nil {
		return
	}
	if m.metrics != nil {
		m.metrics.RecordRecordWriteFailure()
	}
	m.logger.Error("signing: envelope record write failed",
		zap.String("deal_id", dealID),
		zap.String("envelope_id", rec.EnvelopeID),
		zap.Error(err))
}

// signerCanSign reports whether the provider still lets this signer act:
// their recipient entry exists and has not moved past delivered. Matching
// prefers the clientUserId binding and falls back to email for providers
// that omit it on list responses.
func signerCanSign(signer *model.Signer, recipients []esign.RecipientSigner) bool {
	for i := range recipients {
		r := &recipients[i]
		matched := signer.ClientUserID != "" && r.ClientUserID == signer.ClientUserID
		if !matched && r.ClientUserID == "" {
			matched = strings.EqualFold(r.Email, signer.Email)
		}
		if !matched {
			continue
		}
		switch r.Status {
		case "created", "sent", "delivered":
			return true
		}
		return false
	}
	return false
}
