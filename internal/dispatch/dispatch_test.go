package dispatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testOffer() AssignmentOffer {
	return AssignmentOffer{
		AssignmentID: "a-1",
		RequestID:    "req-1",
		StationID:    "st-1",
		DistanceKm:   2.4,
		IsCOD:        true,
	}
}

func TestHTTPDispatcherPostsOffer(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := &HTTPDispatcher{Endpoint: srv.URL, Client: srv.Client()}
	if err := d.Offer("wrk-1", testOffer()); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if got["worker_id"] != "wrk-1" {
		t.Fatalf("worker_id = %v", got["worker_id"])
	}
	offer, ok := got["offer"].(map[string]any)
	if !ok || offer["assignment_id"] != "a-1" {
		t.Fatalf("offer payload = %v", got["offer"])
	}
}

func TestFCMDispatcherSetsBearerAndToken(t *testing.T) {
	var gotAuth string
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewFCMDispatcher(srv.URL, "server-key")
	d.Client = srv.Client()
	if err := d.Offer("device-token-1", testOffer()); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if gotAuth != "Bearer server-key" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	msg, ok := got["message"].(map[string]any)
	if !ok || msg["token"] != "device-token-1" {
		t.Fatalf("message payload = %v", got["message"])
	}
}

func TestPushDispatcherFallsBackWithoutSession(t *testing.T) {
	posted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posted = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// registry has no session for the worker, so the offer goes to the
	// provider endpoint
	d := NewPushDispatcher(srv.URL, NewWSRegistry())
	d.Client = srv.Client()
	if err := d.Offer("wrk-1", testOffer()); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if !posted {
		t.Fatal("offer never reached the fallback endpoint")
	}
}
