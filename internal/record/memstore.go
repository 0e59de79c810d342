package record

import (
	"context"
	"sync"

	"github.com/nasieku/sigil/model"
)

// MemoryStore is an in-memory Store for tests and dev mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*model.EnvelopeRecord
}

// NewMemoryStore creates a new in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*model.EnvelopeRecord)}
}

// Get returns a copy of the deal's record, or (nil, nil) when absent.
func (s *MemoryStore) Get(_ context.Context, dealID string) (*model.EnvelopeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRecord(s.records[dealID]), nil
}

// Set stores a copy of the record for the deal.
func (s *MemoryStore) Set(_ context.Context, dealID string, record *model.EnvelopeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[dealID] = cloneRecord(record)
	return nil
}

// Clear removes the deal's record. Clearing an absent record is not an error.
func (s *MemoryStore) Clear(_ context.Context, dealID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, dealID)
	return nil
}

// HealthCheck reports the store as always healthy.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of stored records. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// cloneRecord copies a record so callers never share slices or pointers
// with the store.
func cloneRecord(r *model.EnvelopeRecord) *model.EnvelopeRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Signers != nil {
		c.Signers = append([]model.Signer(nil), r.Signers...)
	}
	if r.SigningURLCreated != nil {
		t := *r.SigningURLCreated
		c.SigningURLCreated = &t
	}
	return &c
}
