package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/mailpace/internal/campaign"
	"github.com/foxzi/mailpace/internal/clock"
	"github.com/foxzi/mailpace/internal/config"
	"github.com/foxzi/mailpace/internal/engine"
	"github.com/foxzi/mailpace/internal/smtp"
	"github.com/foxzi/mailpace/internal/store"
)

type defaulterFunc func(c *campaign.Campaign, maxRetriesSet bool)

func (f defaulterFunc) ApplyDefaults(c *campaign.Campaign, maxRetriesSet bool) {
	f(c, maxRetriesSet)
}

var testDefaults = defaulterFunc(func(c *campaign.Campaign, maxRetriesSet bool) {
	if c.SenderAddress == "" {
		c.SenderAddress = "news@example.com"
	}
})

type testServer struct {
	server  *Server
	manager *engine.Manager
	store   store.Store
}

func setupTestServer(t *testing.T, cfg *config.APIConfig) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "mailpace.db"))
	if err != nil {
		t.Fatalf("NewBoltStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	eng := engine.New(st, smtp.NewDryRun(logger), nil, engine.Config{
		Clock: clock.NewManual(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
	}, logger)
	mgr := engine.NewManager(eng, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})

	if cfg == nil {
		cfg = &config.APIConfig{}
	}
	return &testServer{
		server:  NewServer(mgr, cfg, testDefaults, "test", logger),
		manager: mgr,
		store:   st,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func (ts *testServer) create(t *testing.T, def map[string]interface{}) string {
	t.Helper()
	w := ts.do(t, "POST", "/api/v1/campaigns", def)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp CampaignResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp.ID
}

func (ts *testServer) wait(t *testing.T, id string) *engine.Summary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sum, err := ts.manager.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	return sum
}

func definition(rows ...map[string]string) map[string]interface{} {
	return map[string]interface{}{
		"name":             "spring",
		"subject_template": "Hello {{ name }}",
		"body_template":    "Hi {{ name }}, greetings from {{ company | default: \"us\" }}",
		"rate_per_minute":  600,
		"batch_size":       10,
		"recipients":       rows,
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t, &config.APIConfig{APIKey: "secret"})

	w := ts.do(t, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("unexpected health response: %+v", resp)
	}
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt failed: %v", err)
	}

	tests := []struct {
		name   string
		cfg    *config.APIConfig
		header string
		value  string
		want   int
	}{
		{"no key configured", &config.APIConfig{}, "", "", http.StatusOK},
		{"missing key", &config.APIConfig{APIKey: "secret"}, "", "", http.StatusUnauthorized},
		{"wrong key", &config.APIConfig{APIKey: "secret"}, "X-API-Key", "nope", http.StatusUnauthorized},
		{"bearer", &config.APIConfig{APIKey: "secret"}, "Authorization", "Bearer secret", http.StatusOK},
		{"x-api-key", &config.APIConfig{APIKey: "secret"}, "X-API-Key", "secret", http.StatusOK},
		{"bcrypt hash", &config.APIConfig{APIKeyHash: string(hash)}, "Authorization", "Bearer hashed-key", http.StatusOK},
		{"bcrypt mismatch", &config.APIConfig{APIKeyHash: string(hash)}, "X-API-Key", "secret", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := setupTestServer(t, tt.cfg)

			req := httptest.NewRequest("GET", "/api/v1/campaigns", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			ts.server.Handler().ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestCreateCampaign(t *testing.T) {
	ts := setupTestServer(t, nil)

	id := ts.create(t, definition(
		map[string]string{"email": "ann@example.com", "name": "Ann"},
		map[string]string{"email": "bob@example.com", "name": "Bob"},
	))

	w := ts.do(t, "GET", "/api/v1/campaigns/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp CampaignResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != campaign.StatusDraft {
		t.Errorf("Status = %s, want draft", resp.Status)
	}
	if resp.Counts.Total != 2 || resp.Counts.Pending != 2 {
		t.Errorf("unexpected counts: %+v", resp.Counts)
	}
	if resp.SenderAddress != "news@example.com" {
		t.Errorf("defaults not applied: sender = %q", resp.SenderAddress)
	}
	if resp.Active {
		t.Error("draft reported as active")
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	ts := setupTestServer(t, nil)

	tests := []struct {
		name      string
		modify    func(def map[string]interface{})
		wantField string
	}{
		{"no recipients", func(def map[string]interface{}) { def["recipients"] = nil }, ""},
		{"empty subject", func(def map[string]interface{}) { def["subject_template"] = "" }, "subject_template"},
		{"broken template", func(def map[string]interface{}) { def["body_template"] = "{% if name %}open" }, "body_template"},
		{"rate too high", func(def map[string]interface{}) { def["rate_per_minute"] = 5000 }, "rate_per_minute"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := definition(map[string]string{"email": "ann@example.com", "name": "Ann"})
			tt.modify(def)

			w := ts.do(t, "POST", "/api/v1/campaigns", def)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Status = %d, want 400, body = %s", w.Code, w.Body.String())
			}

			var resp ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if tt.wantField != "" && resp.Field != tt.wantField {
				t.Errorf("Field = %q, want %q (error %q)", resp.Field, tt.wantField, resp.Error)
			}
		})
	}

	w := ts.do(t, "GET", "/api/v1/campaigns", nil)
	var list ListCampaignsResponse
	json.NewDecoder(w.Body).Decode(&list)
	if len(list.Campaigns) != 0 {
		t.Errorf("invalid campaigns were stored: %d", len(list.Campaigns))
	}
}

func TestGetCampaignNotFound(t *testing.T) {
	ts := setupTestServer(t, nil)

	w := ts.do(t, "GET", "/api/v1/campaigns/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", w.Code)
	}
}

func TestUpdateCampaign(t *testing.T) {
	ts := setupTestServer(t, nil)
	id := ts.create(t, definition(map[string]string{"email": "ann@example.com", "name": "Ann"}))

	def := definition()
	delete(def, "recipients")
	def["name"] = "autumn"

	w := ts.do(t, "PUT", "/api/v1/campaigns/"+id, def)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp CampaignResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Name != "autumn" {
		t.Errorf("Name = %q, want autumn", resp.Name)
	}

	if w := ts.do(t, "POST", "/api/v1/campaigns/"+id+"/start", nil); w.Code != http.StatusAccepted {
		t.Fatalf("start: Status = %d, body = %s", w.Code, w.Body.String())
	}
	ts.wait(t, id)

	if w := ts.do(t, "PUT", "/api/v1/campaigns/"+id, def); w.Code != http.StatusConflict {
		t.Errorf("update after start: Status = %d, want 409", w.Code)
	}
}

func TestRunAndReport(t *testing.T) {
	ts := setupTestServer(t, nil)

	def := definition(
		map[string]string{"email": "ann@example.com", "name": "Ann"},
		map[string]string{"email": "bob@example.com"},
		map[string]string{"email": "cid@example.com", "name": "Cid"},
	)
	id := ts.create(t, def)

	if w := ts.do(t, "POST", "/api/v1/campaigns/"+id+"/start", nil); w.Code != http.StatusAccepted {
		t.Fatalf("start: Status = %d, body = %s", w.Code, w.Body.String())
	}
	sum := ts.wait(t, id)
	if sum.Status != campaign.StatusCompleted {
		t.Fatalf("run ended %s: %s", sum.Status, sum.Reason)
	}

	w := ts.do(t, "GET", "/api/v1/campaigns/"+id+"/recipients?status=permanently_failed", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("recipients: Status = %d", w.Code)
	}
	var recipients ListRecipientsResponse
	json.NewDecoder(w.Body).Decode(&recipients)
	if len(recipients.Recipients) != 1 || recipients.Recipients[0].Email != "bob@example.com" {
		t.Fatalf("unexpected failed recipients: %+v", recipients.Recipients)
	}
	bob := recipients.Recipients[0]
	if bob.LastErrorClass != campaign.ClassRendering {
		t.Errorf("LastErrorClass = %s, want rendering", bob.LastErrorClass)
	}

	w = ts.do(t, "GET", fmt.Sprintf("/api/v1/campaigns/%s/recipients/%d/attempts", id, bob.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("attempts: Status = %d", w.Code)
	}
	var attempts struct {
		Attempts []*campaign.SendAttempt `json:"attempts"`
	}
	json.NewDecoder(w.Body).Decode(&attempts)
	if len(attempts.Attempts) != 1 {
		t.Errorf("expected 1 attempt, got %d", len(attempts.Attempts))
	}

	w = ts.do(t, "GET", "/api/v1/campaigns/"+id+"/failed.csv", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("failed.csv: Status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "bob@example.com") {
		t.Errorf("unexpected csv: %q", w.Body.String())
	}

	if w := ts.do(t, "GET", "/api/v1/campaigns/"+id+"/recipients?status=bogus", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bogus status filter: Status = %d, want 400", w.Code)
	}
}

func TestPreview(t *testing.T) {
	ts := setupTestServer(t, nil)
	id := ts.create(t, definition(
		map[string]string{"email": "ann@example.com", "name": "Ann", "company": "Acme"},
		map[string]string{"email": "bob@example.com"},
	))

	w := ts.do(t, "POST", "/api/v1/campaigns/"+id+"/preview", PreviewRequest{Count: 2})
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Previews []struct {
			Email    string `json:"email"`
			Rendered *struct {
				Subject string
				Text    string
			} `json:"rendered"`
			Error string `json:"error"`
		} `json:"previews"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Previews) != 2 {
		t.Fatalf("expected 2 previews, got %d", len(resp.Previews))
	}
	if resp.Previews[0].Rendered == nil || resp.Previews[0].Rendered.Text != "Hi Ann, greetings from Acme" {
		t.Errorf("unexpected first preview: %+v", resp.Previews[0])
	}
	if resp.Previews[1].Error == "" {
		t.Error("missing name should surface as a preview error")
	}

	if w := ts.do(t, "POST", "/api/v1/campaigns/"+id+"/preview", PreviewRequest{Count: 500}); w.Code != http.StatusBadRequest {
		t.Errorf("oversized preview: Status = %d, want 400", w.Code)
	}
}

func TestControlConflicts(t *testing.T) {
	ts := setupTestServer(t, nil)
	id := ts.create(t, definition(map[string]string{"email": "ann@example.com", "name": "Ann"}))

	for _, action := range []string{"pause", "resume", "cancel"} {
		w := ts.do(t, "POST", "/api/v1/campaigns/"+id+"/"+action, nil)
		if w.Code != http.StatusConflict {
			t.Errorf("%s on draft: Status = %d, want 409", action, w.Code)
		}
	}

	if w := ts.do(t, "POST", "/api/v1/campaigns/missing/start", nil); w.Code != http.StatusNotFound {
		t.Errorf("start of missing campaign: Status = %d, want 404", w.Code)
	}
}

func TestResumeAfterCompletion(t *testing.T) {
	ts := setupTestServer(t, nil)
	id := ts.create(t, definition(map[string]string{"email": "ann@example.com", "name": "Ann"}))

	ts.do(t, "POST", "/api/v1/campaigns/"+id+"/start", nil)
	ts.wait(t, id)

	w := ts.do(t, "POST", "/api/v1/campaigns/"+id+"/resume", ResumeRequest{})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, body = %s", w.Code, w.Body.String())
	}
	sum := ts.wait(t, id)
	if sum.Attempts != 0 || sum.Counts.Sent != 1 {
		t.Errorf("resume of completed campaign resent: %+v", sum)
	}
}

func TestDeleteCampaign(t *testing.T) {
	ts := setupTestServer(t, nil)
	id := ts.create(t, definition(map[string]string{"email": "ann@example.com", "name": "Ann"}))

	if w := ts.do(t, "DELETE", "/api/v1/campaigns/"+id, nil); w.Code != http.StatusNoContent {
		t.Fatalf("Status = %d, want 204", w.Code)
	}
	if w := ts.do(t, "GET", "/api/v1/campaigns/"+id, nil); w.Code != http.StatusNotFound {
		t.Errorf("deleted campaign: Status = %d, want 404", w.Code)
	}
}
