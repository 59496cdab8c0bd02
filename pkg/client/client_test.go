package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmitSendsTokenAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/intents" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", got)
		}
		var sub Submission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			t.Errorf("unexpected body: %v", err)
		}
		if sub.Description != "hello" || sub.Priority != 2 {
			t.Errorf("unexpected submission: %+v", sub)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Receipt{ID: "intent-1", Queued: true, Position: 1})
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithHTTPClient(srv.Client()), WithToken("tok"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	receipt, err := c.Submit(context.Background(), Submission{Description: "hello", Priority: 2})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.ID != "intent-1" || !receipt.Queued {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestBaseURLWithPathPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/nexus/api/v1/queue" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Queue{Items: []QueuedIntent{{ID: "a"}}, Stats: Stats{QueueDepth: 1}})
	}))
	defer srv.Close()

	c, err := New(srv.URL+"/nexus", WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	q, err := c.Queue(context.Background())
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(q.Items) != 1 || q.Stats.QueueDepth != 1 {
		t.Fatalf("unexpected queue: %+v", q)
	}
}

func TestResolveNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"found":false}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := c.Resolve(context.Background(), "missing", "SKIP"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"empty intent","code":"INTENT_VALIDATION"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.Submit(context.Background(), Submission{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "INTENT_VALIDATION" || apiErr.Message != "empty intent" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestNewRejectsInvalidURL(t *testing.T) {
	if _, err := New("not a url"); err == nil {
		t.Fatal("expected error for invalid base url")
	}
}
