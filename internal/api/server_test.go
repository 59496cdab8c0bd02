package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "OpenMCP-Nexus/internal/errors"
	"OpenMCP-Nexus/internal/intent"
	"OpenMCP-Nexus/internal/intervention"
	"OpenMCP-Nexus/internal/orchestrator"
)

type fakeScheduler struct {
	submitted []intent.Intent
	err       error
}

func (f *fakeScheduler) Submit(_ context.Context, in intent.Intent) (orchestrator.Receipt, error) {
	if f.err != nil {
		return orchestrator.Receipt{}, f.err
	}
	f.submitted = append(f.submitted, in)
	return orchestrator.Receipt{ID: "intent-1", Queued: true, Position: len(f.submitted)}, nil
}

func (f *fakeScheduler) Queue() []intent.Intent { return f.submitted }

func (f *fakeScheduler) Stats() orchestrator.Stats {
	return orchestrator.Stats{QueueDepth: len(f.submitted)}
}

type fakeInterventions struct {
	pending  []intervention.Request
	resolved map[string]string
}

func (f *fakeInterventions) Pending() []intervention.Request { return f.pending }

func (f *fakeInterventions) Resolve(id, value string) bool {
	for _, p := range f.pending {
		if p.ID == id {
			if f.resolved == nil {
				f.resolved = map[string]string{}
			}
			f.resolved[id] = value
			return true
		}
	}
	return false
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitIntent(t *testing.T) {
	sched := &fakeScheduler{}
	h := NewServer(":0", sched).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/intents", `{"description":"hello","priority":3,"origin":"ui"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusAccepted)
	}
	var receipt orchestrator.Receipt
	if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if receipt.ID != "intent-1" || !receipt.Queued {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if len(sched.submitted) != 1 {
		t.Fatalf("expected one submission, got %d", len(sched.submitted))
	}
	got := sched.submitted[0]
	if got.Origin != intent.OriginUI || got.Priority != 3 || got.Description != "hello" {
		t.Fatalf("unexpected intent: %+v", got)
	}
}

func TestSubmitCannotForgeInternalChain(t *testing.T) {
	sched := &fakeScheduler{}
	h := NewServer(":0", sched).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/intents", `{"description":"x","origin":"internal-chain"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	if sched.submitted[0].Origin != intent.OriginAPI {
		t.Fatalf("expected origin api, got %q", sched.submitted[0].Origin)
	}
}

func TestSubmitErrors(t *testing.T) {
	t.Run("malformed body", func(t *testing.T) {
		h := NewServer(":0", &fakeScheduler{}).Handler()
		rec := do(t, h, http.MethodPost, "/api/v1/intents", `{`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("validation", func(t *testing.T) {
		sched := &fakeScheduler{err: xerrors.New(xerrors.CodeIntentValidation, "empty")}
		rec := do(t, NewServer(":0", sched).Handler(), http.MethodPost, "/api/v1/intents", `{}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
		var resp ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Code != string(xerrors.CodeIntentValidation) {
			t.Fatalf("unexpected error code: %q", resp.Code)
		}
	})

	t.Run("recursion", func(t *testing.T) {
		sched := &fakeScheduler{err: xerrors.New(xerrors.CodeRecursionLimit, "deep")}
		rec := do(t, NewServer(":0", sched).Handler(), http.MethodPost, "/api/v1/intents", `{"description":"x"}`)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected status %d, got %d", http.StatusUnprocessableEntity, rec.Code)
		}
	})

	t.Run("invalid method", func(t *testing.T) {
		rec := do(t, NewServer(":0", &fakeScheduler{}).Handler(), http.MethodGet, "/api/v1/intents", "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})
}

func TestWebhookSubmitsWithSource(t *testing.T) {
	sched := &fakeScheduler{}
	h := NewServer(":0", sched).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/webhooks/github", `{"ref":"main"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	got := sched.submitted[0]
	if got.Origin != intent.OriginAPI {
		t.Fatalf("unexpected origin: %q", got.Origin)
	}
	if got.Payload["webhookSource"] != "github" || got.Payload["ref"] != "main" {
		t.Fatalf("unexpected payload: %+v", got.Payload)
	}
	if !strings.Contains(got.Description, "github") {
		t.Fatalf("unexpected description: %q", got.Description)
	}
}

func TestQueueSnapshot(t *testing.T) {
	sched := &fakeScheduler{submitted: []intent.Intent{{ID: "a", Description: "first"}}}
	rec := do(t, NewServer(":0", sched).Handler(), http.MethodGet, "/api/v1/queue", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var resp QueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].ID != "a" || resp.Stats.QueueDepth != 1 {
		t.Fatalf("unexpected queue response: %+v", resp)
	}
}

func TestInterventionEndpoints(t *testing.T) {
	iv := &fakeInterventions{pending: []intervention.Request{{ID: "req-1", Type: intervention.TypeErrorRecovery}}}
	h := NewServer(":0", &fakeScheduler{}, WithInterventions(iv)).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/interventions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var pending []intervention.Request
	if err := json.Unmarshal(rec.Body.Bytes(), &pending); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "req-1" {
		t.Fatalf("unexpected pending list: %+v", pending)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/interventions/resolve", `{"id":"req-1","value":"RETRY"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	if iv.resolved["req-1"] != "RETRY" {
		t.Fatalf("resolution not forwarded: %+v", iv.resolved)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/interventions/resolve", `{"id":"missing","value":"SKIP"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
	var resp ResolveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Found {
		t.Fatalf("expected found=false")
	}
}

func TestBearerToken(t *testing.T) {
	h := NewServer(":0", &fakeScheduler{}, WithAPIToken("s3cret")).Handler()

	if rec := do(t, h, http.MethodGet, "/api/v1/queue", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/queue", "", "Authorization", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/queue", "", "Authorization", "Bearer s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("health check should not require a token, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewServer(":0", &fakeScheduler{}).Handler()
	do(t, h, http.MethodGet, "/healthz", "")
	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "nexus_http_requests_total") {
		t.Fatalf("metrics output missing request counter")
	}
}
