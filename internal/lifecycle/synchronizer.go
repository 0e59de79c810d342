// Package lifecycle reconciles the signing provider's envelope state machine
// with the stored envelope record and the deal's pipeline stage.
//
// Status flows one way: sent -> delivered -> completed, with declined and
// voided as alternative terminals. Observations arrive from explicit
// refreshes and from webhook events; both funnel through the same rank-gated
// apply step, so duplicates and out-of-order deliveries are no-ops.
package lifecycle

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nasieku/sigil/internal/config"
	"github.com/nasieku/sigil/internal/esign"
	"github.com/nasieku/sigil/internal/observability"
	"github.com/nasieku/sigil/internal/record"
	"github.com/nasieku/sigil/internal/viewcache"
	"github.com/nasieku/sigil/model"
)

// archiveTimeout bounds the background document archive after completion.
const archiveTimeout = 60 * time.Second

// ProviderAPI is the slice of the signing provider client the synchronizer
// uses.
type ProviderAPI interface {
	GetEnvelope(ctx context.Context, envelopeID string) (*esign.Envelope, error)
	ListRecipients(ctx context.Context, envelopeID string) (*esign.Recipients, error)
}

// StageAPI moves a deal through the CRM pipeline.
type StageAPI interface {
	UpdateDealStage(ctx context.Context, dealID, stage string) error
}

// Archiver stores a completed envelope's documents out of band.
type Archiver interface {
	ArchiveEnvelope(ctx context.Context, dealID, envelopeID string) error
}

// Snapshot is the reconciled view of an envelope after a refresh: the stored
// record (already updated with any applied observation) plus the provider's
// per-recipient statuses.
type Snapshot struct {
	Record     *model.EnvelopeRecord
	Recipients []esign.RecipientSigner
	Changed    bool
}

// Synchronizer applies envelope status observations to the record store and
// triggers the deal stage transition exactly once on completion.
type Synchronizer struct {
	provider ProviderAPI
	records  record.Store
	views    viewcache.Cache
	stages   StageAPI
	archive  Archiver // nil disables archival
	deal     config.DealConfig
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewSynchronizer creates a synchronizer. archive may be nil; metrics may
// be nil.
func NewSynchronizer(
	provider ProviderAPI,
	records record.Store,
	views viewcache.Cache,
	stages StageAPI,
	archive Archiver,
	deal config.DealConfig,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Synchronizer {
	return &Synchronizer{
		provider: provider,
		records:  records,
		views:    views,
		stages:   stages,
		archive:  archive,
		deal:     deal,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Refresh fetches the envelope's current state from the provider, applies it
// to the stored record, and returns the reconciled snapshot. A missing
// record is re-derived from the provider (self-healing after a lost record
// write).
func (s *Synchronizer) Refresh(ctx context.Context, dealID, envelopeID string) (*Snapshot, error) {
	ctx, span := observability.StartSpan(ctx, "envelope.refresh",
		observability.AttrDealID.String(dealID),
		observability.AttrEnvelopeID.String(envelopeID),
	)
	snap, err := s.refresh(ctx, dealID, envelopeID)
	if snap != nil {
		span.SetAttributes(observability.AttrEnvelopeStatus.String(snap.Record.Status))
	}
	observability.EndSpanWithError(span, err)
	return snap, err
}

func (s *Synchronizer) refresh(ctx context.Context, dealID, envelopeID string) (*Snapshot, error) {
	// 1. Load the stored record. A store read failure must surface; it is
	// not the same as "no record".
	rec, err := s.records.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.EnvelopeID != "" && rec.EnvelopeID != envelopeID {
		return nil, model.NewConflictError(
			"deal " + dealID + " is tracking a different envelope",
		)
	}

	// 2. Fetch the authoritative state from the provider.
	envelope, err := s.provider.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	recipients, err := s.provider.ListRecipients(ctx, envelopeID)
	if err != nil {
		return nil, err
	}

	// 3. Re-derive a missing record from the provider's data.
	if rec == nil || rec.EnvelopeID == "" {
		rec = s.rebuildRecord(ctx, dealID, envelopeID, envelope, recipients)
	}

	// 4. Apply the observed status.
	changed, err := s.applyObservation(ctx, dealID, rec, envelope.Status, statusObservedAt(envelope, s.now))
	if err != nil {
		return nil, err
	}

	return &Snapshot{Record: rec, Recipients: recipients.Signers, Changed: changed}, nil
}

// HandleWebhookEvent applies a webhook observation for the deal. Events that
// carry a known envelope-level status are applied directly; anything else
// (recipient-only events, events for a deal with no stored record) falls
// back to a full refresh against the provider. Returns whether the stored
// state changed.
func (s *Synchronizer) HandleWebhookEvent(ctx context.Context, dealID string, event *esign.WebhookEvent) (bool, error) {
	rec, err := s.records.Get(ctx, dealID)
	if err != nil {
		return false, err
	}

	if rec != nil && rec.EnvelopeID != "" && rec.EnvelopeID != event.EnvelopeID {
		// A late event for an envelope this deal no longer tracks.
		s.logger.Warn("lifecycle: webhook for untracked envelope ignored",
			zap.String("deal_id", dealID),
			zap.String("envelope_id", event.EnvelopeID),
			zap.String("tracked_envelope_id", rec.EnvelopeID),
		)
		return false, nil
	}

	if rec == nil || rec.EnvelopeID == "" || !model.KnownEnvelopeStatus(event.Status) {
		snap, err := s.Refresh(ctx, dealID, event.EnvelopeID)
		if err != nil {
			return false, err
		}
		return snap.Changed, nil
	}

	return s.applyObservation(ctx, dealID, rec, event.Status, s.now())
}

// applyObservation updates the record with an observed status and runs the
// completion side effects. The rank gate makes duplicate and out-of-order
// observations no-ops. A record write failure is logged and swallowed; a
// stage transition failure is escalated.
func (s *Synchronizer) applyObservation(ctx context.Context, dealID string, rec *model.EnvelopeRecord, status string, observedAt time.Time) (bool, error) {
	if !model.KnownEnvelopeStatus(status) {
		s.logger.Warn("lifecycle: unknown envelope status ignored",
			zap.String("deal_id", dealID),
			zap.String("envelope_id", rec.EnvelopeID),
			zap.String("status", status),
		)
		return false, nil
	}

	if model.IsTerminalEnvelopeStatus(rec.Status) {
		if status != rec.Status {
			// The provider may redeliver old events after the envelope is
			// closed out.
			s.logger.Warn("lifecycle: event after terminal status ignored",
				zap.String("deal_id", dealID),
				zap.String("envelope_id", rec.EnvelopeID),
				zap.String("stored_status", rec.Status),
				zap.String("observed_status", status),
			)
		}
		return false, nil
	}

	if model.EnvelopeStatusRank(status) <= model.EnvelopeStatusRank(rec.Status) {
		return false, nil
	}

	from := rec.Status
	rec.Status = status
	rec.StatusUpdatedAt = observedAt
	s.persistRecord(ctx, dealID, rec)
	if s.metrics != nil {
		s.metrics.RecordStatusTransition(from, status)
	}
	s.logger.Info("lifecycle: envelope status changed",
		zap.String("deal_id", dealID),
		zap.String("envelope_id", rec.EnvelopeID),
		zap.String("from", from),
		zap.String("to", status),
	)

	switch {
	case status == model.EnvelopeStatusCompleted:
		// The stage transition is the one side effect with no retry path
		// once the triggering event is consumed, so its failure escalates.
		if err := s.stages.UpdateDealStage(ctx, dealID, s.deal.FundsRequestedStage); err != nil {
			s.logger.Error("lifecycle: deal stage transition failed",
				zap.String("deal_id", dealID),
				zap.String("envelope_id", rec.EnvelopeID),
				zap.String("stage", s.deal.FundsRequestedStage),
				zap.Error(err),
			)
			return true, err
		}
		if s.metrics != nil {
			s.metrics.RecordStageTransition()
		}
		s.invalidateViews(ctx, rec.EnvelopeID)
		s.archiveAsync(ctx, dealID, rec.EnvelopeID)
	case model.IsTerminalEnvelopeStatus(status):
		s.invalidateViews(ctx, rec.EnvelopeID)
	}

	return true, nil
}

// persistRecord writes the record, logging and swallowing failures: the
// provider remains the durable source of truth and the next refresh
// reconciles again.
func (s *Synchronizer) persistRecord(ctx context.Context, dealID string, rec *model.EnvelopeRecord) {
	ctx, span := observability.StartSpan(ctx, "record.persist",
		observability.AttrDealID.String(dealID),
	)
	err := s.records.Set(ctx, dealID, rec)
	observability.EndSpanWithError(span, err)
	if err == nil {
		return
	}
	if s.metrics != nil {
		s.metrics.RecordRecordWriteFailure()
	}
	s.logger.Error("lifecycle: envelope record write failed",
		zap.String("deal_id", dealID),
		zap.String("envelope_id", rec.EnvelopeID),
		zap.Error(err),
	)
}

// invalidateViews drops all cached signing URLs for the envelope.
func (s *Synchronizer) invalidateViews(ctx context.Context, envelopeID string) {
	if err := s.views.InvalidateEnvelope(ctx, envelopeID); err != nil {
		s.logger.Warn("lifecycle: view cache invalidation failed",
			zap.String("envelope_id", envelopeID),
			zap.Error(err),
		)
	}
}

// archiveAsync stores the completed envelope's documents off the request
// path. Failures are logged; archival is recoverable by hand.
func (s *Synchronizer) archiveAsync(ctx context.Context, dealID, envelopeID string) {
	if s.archive == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
		defer cancel()

		if err := s.archive.ArchiveEnvelope(ctx, dealID, envelopeID); err != nil {
			if s.metrics != nil {
				s.metrics.RecordArchiveOperation("failure")
			}
			s.logger.Error("lifecycle: envelope archive failed",
				zap.String("deal_id", dealID),
				zap.String("envelope_id", envelopeID),
				zap.Error(err),
			)
			return
		}
		if s.metrics != nil {
			s.metrics.RecordArchiveOperation("success")
		}
	}()
}

// rebuildRecord synthesizes a record from provider data when the stored one
// was lost. The baseline status is "sent"; the caller applies the real
// observed status on top.
func (s *Synchronizer) rebuildRecord(ctx context.Context, dealID, envelopeID string, envelope *esign.Envelope, recipients *esign.Recipients) *model.EnvelopeRecord {
	createdAt := s.now()
	if t, err := time.Parse(time.RFC3339, envelope.CreatedDateTime); err == nil {
		createdAt = t
	}

	rec := &model.EnvelopeRecord{
		EnvelopeID:      envelopeID,
		Status:          model.EnvelopeStatusSent,
		CreatedAt:       createdAt,
		StatusUpdatedAt: createdAt,
		Signers:         signersFromRecipients(recipients.Signers),
	}

	s.logger.Warn("lifecycle: rebuilt missing envelope record from provider",
		zap.String("deal_id", dealID),
		zap.String("envelope_id", envelopeID),
		zap.Int("signers", len(rec.Signers)),
	)
	s.persistRecord(ctx, dealID, rec)
	return rec
}

// signersFromRecipients maps provider recipients to record signers.
func signersFromRecipients(recipients []esign.RecipientSigner) []model.Signer {
	signers := make([]model.Signer, 0, len(recipients))
	for _, r := range recipients {
		order, _ := strconv.Atoi(r.RoutingOrder)
		signers = append(signers, model.Signer{
			ContactID:    contactIDFromClientUserID(r.ClientUserID),
			Name:         r.Name,
			Email:        r.Email,
			RoutingOrder: order,
			RoleName:     r.RoleName,
			ClientUserID: r.ClientUserID,
		})
	}
	return signers
}

// contactIDFromClientUserID strips the creation nonce from a client user id
// of the form "{contactId}-{nonce}".
func contactIDFromClientUserID(clientUserID string) string {
	i := strings.LastIndex(clientUserID, "-")
	if i <= 0 {
		return clientUserID
	}
	return clientUserID[:i]
}

// statusObservedAt prefers the provider's status-change timestamp over the
// local clock.
func statusObservedAt(envelope *esign.Envelope, now func() time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339, envelope.StatusChangedDateTime); err == nil {
		return t
	}
	return now()
}
