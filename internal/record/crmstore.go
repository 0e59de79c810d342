package record

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/nasieku/sigil/model"
)

// recordPropertyAPI is the slice of the CRM client this store uses.
type recordPropertyAPI interface {
	GetRecordProperty(ctx context.Context, dealID string) (string, error)
	SetRecordProperty(ctx context.Context, dealID, value string) error
}

// CRMStore keeps the envelope record as a JSON-valued property on the CRM
// deal. This is the reference backing store: the record lives next to the
// deal it describes.
type CRMStore struct {
	crm    recordPropertyAPI
	logger *zap.Logger
}

// NewCRMStore creates a CRM-backed record store.
func NewCRMStore(crm recordPropertyAPI, logger *zap.Logger) *CRMStore {
	return &CRMStore{crm: crm, logger: logger}
}

// Get reads and parses the deal's record property. An empty property means
// no record. An unparseable property is logged at warn and treated as no
// record; the signing session is recoverable by re-query to the provider.
func (s *CRMStore) Get(ctx context.Context, dealID string) (*model.EnvelopeRecord, error) {
	raw, err := s.crm.GetRecordProperty(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}

	var rec model.EnvelopeRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.logger.Warn("record: unparseable envelope record property",
			zap.String("deal_id", dealID),
			zap.Error(err),
		)
		return nil, nil
	}
	return &rec, nil
}

// Set serializes the record and writes it to the deal property.
func (s *CRMStore) Set(ctx context.Context, dealID string, record *model.EnvelopeRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("record: marshal envelope record: %w", err)
	}
	return s.crm.SetRecordProperty(ctx, dealID, string(raw))
}

// Clear empties the deal's record property.
func (s *CRMStore) Clear(ctx context.Context, dealID string) error {
	return s.crm.SetRecordProperty(ctx, dealID, "")
}
