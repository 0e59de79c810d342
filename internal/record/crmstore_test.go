package record

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/nasieku/sigil/model"
)

// fakePropertyAPI is an in-memory recordPropertyAPI with error injection.
type fakePropertyAPI struct {
	values map[string]string
	getErr error
	setErr error
}

func newFakePropertyAPI() *fakePropertyAPI {
	return &fakePropertyAPI{values: make(map[string]string)}
}

func (f *fakePropertyAPI) GetRecordProperty(_ context.Context, dealID string) (string, error) {
	if f.getErr != nil {
		return "", f.getErr
	}
	return f.values[dealID], nil
}

func (f *fakePropertyAPI) SetRecordProperty(_ context.Context, dealID, value string) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.values[dealID] = value
	return nil
}

func TestCRMStore_roundTrip(t *testing.T) {
	api := newFakePropertyAPI()
	s := NewCRMStore(api, zap.NewNop())
	ctx := context.Background()

	if err := s.Set(ctx, "deal-42", testRecord()); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// The stored property is the record's JSON shape.
	var stored map[string]any
	if err := json.Unmarshal([]byte(api.values["deal-42"]), &stored); err != nil {
		t.Fatalf("stored property is not JSON: %v", err)
	}
	if stored["envelope_id"] != "env-1" {
		t.Errorf("stored envelope_id = %v", stored["envelope_id"])
	}

	got, err := s.Get(ctx, "deal-42")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || got.EnvelopeID != "env-1" || len(got.Signers) != 2 {
		t.Fatalf("Get() = %+v", got)
	}
}

func TestCRMStore_emptyPropertyMeansNoRecord(t *testing.T) {
	s := NewCRMStore(newFakePropertyAPI(), zap.NewNop())
	got, err := s.Get(context.Background(), "deal-42")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() = %+v, want nil", got)
	}
}

func TestCRMStore_unparseablePropertyMeansNoRecord(t *testing.T) {
	api := newFakePropertyAPI()
	api.values["deal-42"] = "{not json"
	s := NewCRMStore(api, zap.NewNop())

	got, err := s.Get(context.Background(), "deal-42")
	if err != nil {
		t.Fatalf("Get() error = %v, unparseable must be non-fatal", err)
	}
	if got != nil {
		t.Errorf("Get() = %+v, want nil", got)
	}
}

func TestCRMStore_readFailureIsNotNoRecord(t *testing.T) {
	api := newFakePropertyAPI()
	api.getErr = model.NewBackendUnavailableError()
	s := NewCRMStore(api, zap.NewNop())

	_, err := s.Get(context.Background(), "deal-42")
	if err == nil {
		t.Fatal("Get() must surface store read failures, not treat them as absent")
	}
}

func TestCRMStore_setFailureSurfaces(t *testing.T) {
	api := newFakePropertyAPI()
	api.setErr = errors.New("property write rejected")
	s := NewCRMStore(api, zap.NewNop())

	if err := s.Set(context.Background(), "deal-42", testRecord()); err == nil {
		t.Fatal("Set() should surface write failures for the caller to log")
	}
}

func TestCRMStore_clearEmptiesProperty(t *testing.T) {
	api := newFakePropertyAPI()
	api.values["deal-42"] = `{"envelope_id":"env-1"}`
	s := NewCRMStore(api, zap.NewNop())

	if err := s.Clear(context.Background(), "deal-42"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if api.values["deal-42"] != "" {
		t.Errorf("property after Clear = %q, want empty", api.values["deal-42"])
	}
}
