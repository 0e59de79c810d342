// Package record persists the last-known envelope state per deal. The store
// is a narrow keyed interface so the backing store (CRM property, postgres,
// memory) is swappable without touching orchestration logic.
package record

import (
	"context"

	"github.com/nasieku/sigil/model"
)

// Store reads and writes one envelope record per deal.
//
// Get returns (nil, nil) when no record exists for the deal; an error means
// the store itself could not be read, which callers must not treat as
// "no record" (doing so could create a duplicate envelope).
type Store interface {
	Get(ctx context.Context, dealID string) (*model.EnvelopeRecord, error)
	Set(ctx context.Context, dealID string, record *model.EnvelopeRecord) error
	Clear(ctx context.Context, dealID string) error
}
