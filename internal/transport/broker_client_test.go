package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestBrokerClientMapsStatuses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/addresses":
			var payload claimRequestPayload
			_ = json.NewDecoder(r.Body).Decode(&payload)
			if payload.Address == "taken" {
				w.WriteHeader(http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(leaseResponsePayload{Address: payload.Address, Token: "tok", ExpiresIn: 30})
		case r.Method == http.MethodGet && r.URL.Path == "/addresses/alice":
			_ = json.NewEncoder(w).Encode(lookupResponsePayload{Address: "alice", Endpoint: "ws://alice/channel"})
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPut:
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(leaseResponsePayload{Address: "alice", Token: "tok-2", ExpiresIn: 30})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer server.Close()

	client, err := NewBrokerClient(BrokerClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	lease, err := client.Claim(ctx, "alice", "ws://alice/channel")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if lease.Token != "tok" || lease.ExpiresIn != 30*time.Second {
		t.Fatalf("unexpected lease %+v", lease)
	}
	if _, err := client.Claim(ctx, "taken", "ws://x"); !errors.Is(err, ErrAddressTaken) {
		t.Fatalf("expected ErrAddressTaken, got %v", err)
	}

	endpoint, err := client.Lookup(ctx, "alice")
	if err != nil || endpoint != "ws://alice/channel" {
		t.Fatalf("lookup: %q %v", endpoint, err)
	}
	if _, err := client.Lookup(ctx, "bob"); !errors.Is(err, ErrUnknownAddress) {
		t.Fatalf("expected ErrUnknownAddress, got %v", err)
	}

	refreshed, err := client.Refresh(ctx, lease)
	if err != nil || refreshed.Token != "tok-2" {
		t.Fatalf("refresh: %+v %v", refreshed, err)
	}
	if _, err := client.Refresh(ctx, Lease{Address: "alice", Token: "forged"}); !errors.Is(err, ErrLeaseRejected) {
		t.Fatalf("expected ErrLeaseRejected, got %v", err)
	}
	if err := client.Release(ctx, refreshed); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestBrokerClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(lookupResponsePayload{Address: "alice", Endpoint: "ws://alice/channel"})
	}))
	defer server.Close()

	client, err := NewBrokerClient(BrokerClientConfig{
		BaseURL:      server.URL,
		RetryMax:     3,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Lookup(context.Background(), "alice"); err != nil {
		t.Fatalf("expected lookup to succeed after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestNewBrokerClientRequiresURL(t *testing.T) {
	if _, err := NewBrokerClient(BrokerClientConfig{}); err == nil {
		t.Fatalf("expected error for missing url")
	}
}
