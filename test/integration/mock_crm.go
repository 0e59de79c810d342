package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockCRM simulates the slice of the CRM REST API the portal touches: deal
// property reads and patches, deal-to-contact associations, and contact
// batch reads. Deals and contacts are seeded by tests; every stage patch is
// recorded for assertion.
type MockCRM struct {
	t      *testing.T
	server *httptest.Server

	mu           sync.Mutex
	deals        map[string]map[string]string
	contacts     map[string]map[string]string
	associations map[string][]string
	calls        map[string]int
	failures     map[string][]*injectedFailure
	stageUpdates map[string][]string
}

// newMockCRM creates the mock and starts its HTTP test server.
func newMockCRM(t *testing.T) *MockCRM {
	t.Helper()

	mc := &MockCRM{
		t:            t,
		deals:        make(map[string]map[string]string),
		contacts:     make(map[string]map[string]string),
		associations: make(map[string][]string),
		calls:        make(map[string]int),
		failures:     make(map[string][]*injectedFailure),
		stageUpdates: make(map[string][]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /crm/v3/objects/deals/{id}", mc.handleGetDeal)
	mux.HandleFunc("PATCH /crm/v3/objects/deals/{id}", mc.handlePatchDeal)
	mux.HandleFunc("GET /crm/v3/objects/deals/{id}/associations/contacts", mc.handleDealContacts)
	mux.HandleFunc("POST /crm/v3/objects/contacts/batch/read", mc.handleBatchRead)

	mc.server = httptest.NewServer(mux)
	t.Cleanup(mc.server.Close)
	return mc
}

// URL returns the base URL of the mock CRM server.
func (mc *MockCRM) URL() string {
	return mc.server.URL
}

// Calls returns how many times the named operation was requested.
func (mc *MockCRM) Calls(operation string) int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.calls[operation]
}

// FailOnce queues a canned error response for the operation's next call.
func (mc *MockCRM) FailOnce(operation string, status int, body string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.failures[operation] = append(mc.failures[operation], &injectedFailure{status: status, body: body})
}

// AddDeal seeds a deal at the given pipeline stage.
func (mc *MockCRM) AddDeal(dealID, stage string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.deals[dealID] = map[string]string{"dealstage": stage}
}

// AddContact seeds a contact record.
func (mc *MockCRM) AddContact(contactID, firstName, lastName, email string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.contacts[contactID] = map[string]string{
		"firstname": firstName,
		"lastname":  lastName,
		"email":     email,
	}
}

// AssociateContact appends a contact to the deal's association list. Order
// is preserved; it determines signing order when the portal resolves signers
// from the CRM.
func (mc *MockCRM) AssociateContact(dealID, contactID string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.associations[dealID] = append(mc.associations[dealID], contactID)
}

// DealProperty returns the current value of one deal property.
func (mc *MockCRM) DealProperty(dealID, property string) string {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.deals[dealID][property]
}

// SetDealProperty writes one deal property directly, bypassing the API.
func (mc *MockCRM) SetDealProperty(dealID, property, value string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	deal, ok := mc.deals[dealID]
	if !ok {
		mc.t.Fatalf("mock crm: no deal %s", dealID)
	}
	deal[property] = value
}

// StageUpdates returns the stage values patched onto the deal, in order.
func (mc *MockCRM) StageUpdates(dealID string) []string {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return append([]string(nil), mc.stageUpdates[dealID]...)
}

// begin counts the call, enforces the bearer token, and applies any queued
// failure. It reports whether normal handling should proceed.
func (mc *MockCRM) begin(w http.ResponseWriter, r *http.Request, operation string) bool {
	mc.mu.Lock()
	mc.calls[operation]++
	var failure *injectedFailure
	if queue := mc.failures[operation]; len(queue) > 0 {
		failure = queue[0]
		mc.failures[operation] = queue[1:]
	}
	mc.mu.Unlock()

	if r.Header.Get("Authorization") == "" {
		writeJSONBody(w, http.StatusUnauthorized, map[string]string{"status": "error", "message": "missing token"})
		return false
	}
	if failure != nil {
		writeJSONBody(w, failure.status, map[string]string{"status": "error", "message": failure.body})
		return false
	}
	return true
}

func (mc *MockCRM) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	if !mc.begin(w, r, "getDeal") {
		return
	}

	dealID := r.PathValue("id")
	mc.mu.Lock()
	props, ok := mc.deals[dealID]
	var out map[string]string
	if ok {
		out = make(map[string]string, len(props))
		for k, v := range props {
			out[k] = v
		}
	}
	mc.mu.Unlock()

	if !ok {
		writeJSONBody(w, http.StatusNotFound, map[string]string{"status": "error", "message": "deal not found"})
		return
	}
	writeJSONBody(w, http.StatusOK, map[string]any{"id": dealID, "properties": out})
}

func (mc *MockCRM) handlePatchDeal(w http.ResponseWriter, r *http.Request) {
	if !mc.begin(w, r, "patchDeal") {
		return
	}

	var req struct {
		Properties map[string]string `json:"properties"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONBody(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "bad body"})
		return
	}

	dealID := r.PathValue("id")
	mc.mu.Lock()
	deal, ok := mc.deals[dealID]
	if ok {
		for k, v := range req.Properties {
			deal[k] = v
			if k == "dealstage" {
				mc.stageUpdates[dealID] = append(mc.stageUpdates[dealID], v)
			}
		}
	}
	mc.mu.Unlock()

	if !ok {
		writeJSONBody(w, http.StatusNotFound, map[string]string{"status": "error", "message": "deal not found"})
		return
	}
	writeJSONBody(w, http.StatusOK, map[string]any{"id": dealID, "properties": req.Properties})
}

func (mc *MockCRM) handleDealContacts(w http.ResponseWriter, r *http.Request) {
	if !mc.begin(w, r, "listDealContacts") {
		return
	}

	dealID := r.PathValue("id")
	mc.mu.Lock()
	_, ok := mc.deals[dealID]
	ids := append([]string(nil), mc.associations[dealID]...)
	mc.mu.Unlock()

	if !ok {
		writeJSONBody(w, http.StatusNotFound, map[string]string{"status": "error", "message": "deal not found"})
		return
	}

	results := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		results = append(results, map[string]string{"id": id, "type": "deal_to_contact"})
	}
	writeJSONBody(w, http.StatusOK, map[string]any{"results": results})
}

func (mc *MockCRM) handleBatchRead(w http.ResponseWriter, r *http.Request) {
	if !mc.begin(w, r, "batchReadContacts") {
		return
	}

	var req struct {
		Inputs []struct {
			ID string `json:"id"`
		} `json:"inputs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONBody(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "bad body"})
		return
	}

	mc.mu.Lock()
	results := make([]map[string]any, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		props, ok := mc.contacts[in.ID]
		if !ok {
			continue
		}
		cp := make(map[string]string, len(props))
		for k, v := range props {
			cp[k] = v
		}
		results = append(results, map[string]any{"id": in.ID, "properties": cp})
	}
	mc.mu.Unlock()

	writeJSONBody(w, http.StatusOK, map[string]any{"results": results})
}
