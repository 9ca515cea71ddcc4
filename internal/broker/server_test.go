package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/peer/internal/transport"
	"github.com/gin-gonic/gin"
)

func newTestServer(t *testing.T, ttl time.Duration) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	leases, err := NewLeaseIssuer(LeaseIssuerConfig{SigningSecret: []byte("broker-secret"), LeaseTTL: ttl})
	if err != nil {
		t.Fatalf("new lease issuer: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{Directory: NewDirectory(16, ttl), Leases: leases})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingDirectory) {
		t.Fatalf("expected errMissingDirectory, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Directory: NewDirectory(1, time.Second)}); !errors.Is(err, errMissingLeaseIssuer) {
		t.Fatalf("expected errMissingLeaseIssuer, got %v", err)
	}
}

func TestClaimRejectsTakenAddress(t *testing.T) {
	server := newTestServer(t, time.Minute)

	claim := func() *http.Response {
		body := strings.NewReader(`{"address":"alice","endpoint":"ws://127.0.0.1:7070/channel"}`)
		response, err := http.Post(server.URL+"/addresses", "application/json", body)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		return response
	}

	first := claim()
	defer first.Body.Close()
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.StatusCode)
	}
	var lease leaseResponsePayload
	if err := json.NewDecoder(first.Body).Decode(&lease); err != nil {
		t.Fatalf("decode lease: %v", err)
	}
	if lease.Token == "" || lease.ExpiresIn != 60 {
		t.Fatalf("unexpected lease %+v", lease)
	}

	second := claim()
	defer second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", second.StatusCode)
	}
}

func TestClaimValidatesPayload(t *testing.T) {
	server := newTestServer(t, time.Minute)
	testCases := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{`},
		{name: "missing address", body: `{"endpoint":"ws://x"}`},
		{name: "missing endpoint", body: `{"address":"alice"}`},
		{name: "oversized address", body: `{"address":"` + strings.Repeat("a", 191) + `","endpoint":"ws://x"}`},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			response, err := http.Post(server.URL+"/addresses", "application/json", strings.NewReader(testCase.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer response.Body.Close()
			if response.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", response.StatusCode)
			}
		})
	}
}

func TestLeaseLifecycleThroughClient(t *testing.T) {
	server := newTestServer(t, time.Minute)
	client, err := transport.NewBrokerClient(transport.BrokerClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	lease, err := client.Claim(ctx, "alice", "ws://127.0.0.1:7070/channel")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := client.Claim(ctx, "alice", "ws://elsewhere/channel"); !errors.Is(err, transport.ErrAddressTaken) {
		t.Fatalf("expected ErrAddressTaken, got %v", err)
	}

	endpoint, err := client.Lookup(ctx, "alice")
	if err != nil || endpoint != "ws://127.0.0.1:7070/channel" {
		t.Fatalf("lookup: %q %v", endpoint, err)
	}

	refreshed, err := client.Refresh(ctx, lease)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.Address != "alice" || refreshed.Token == "" {
		t.Fatalf("unexpected refreshed lease %+v", refreshed)
	}

	bogus := transport.Lease{Address: "alice", Token: "not-a-token"}
	if err := client.Release(ctx, bogus); !errors.Is(err, transport.ErrLeaseRejected) {
		t.Fatalf("expected ErrLeaseRejected, got %v", err)
	}

	if err := client.Release(ctx, refreshed); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := client.Lookup(ctx, "alice"); !errors.Is(err, transport.ErrUnknownAddress) {
		t.Fatalf("expected released address to be unknown, got %v", err)
	}
	if _, err := client.Claim(ctx, "alice", "ws://127.0.0.1:7071/channel"); err != nil {
		t.Fatalf("expected released address to be claimable: %v", err)
	}
}

func TestLeaseTokenBoundToAddress(t *testing.T) {
	server := newTestServer(t, time.Minute)
	client, err := transport.NewBrokerClient(transport.BrokerClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()
	aliceLease, err := client.Claim(ctx, "alice", "ws://a/channel")
	if err != nil {
		t.Fatalf("claim alice: %v", err)
	}
	if _, err := client.Claim(ctx, "bob", "ws://b/channel"); err != nil {
		t.Fatalf("claim bob: %v", err)
	}

	stolen := transport.Lease{Address: "bob", Token: aliceLease.Token}
	if err := client.Release(ctx, stolen); !errors.Is(err, transport.ErrLeaseRejected) {
		t.Fatalf("expected a token for alice to be rejected for bob, got %v", err)
	}
}

func TestDirectoryEntriesExpire(t *testing.T) {
	directory := NewDirectory(4, 50*time.Millisecond)
	registration, err := directory.Claim("alice", "ws://a/channel")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := directory.Claim("alice", "ws://b/channel"); !errors.Is(err, ErrAddressTaken) {
		t.Fatalf("expected ErrAddressTaken, got %v", err)
	}
	if _, err := directory.Refresh("alice", "other-lease"); !errors.Is(err, ErrLeaseMismatch) {
		t.Fatalf("expected ErrLeaseMismatch, got %v", err)
	}
	if _, err := directory.Refresh("alice", registration.LeaseID); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if _, err := directory.Lookup("alice"); !errors.Is(err, ErrUnknownAddress) {
		t.Fatalf("expected lease to expire, got %v", err)
	}
	if _, err := directory.Claim("alice", "ws://b/channel"); err != nil {
		t.Fatalf("expected expired address to be claimable: %v", err)
	}
}

func TestDirectoryRejectsClaimsAtCapacity(t *testing.T) {
	directory := NewDirectory(1, time.Minute)
	if _, err := directory.Claim("alice", "ws://a/channel"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := directory.Claim("bob", "ws://b/channel"); !errors.Is(err, ErrDirectoryFull) {
		t.Fatalf("expected ErrDirectoryFull, got %v", err)
	}
	registration, err := directory.Lookup("alice")
	if err != nil || registration.Endpoint != "ws://a/channel" {
		t.Fatalf("live lease must survive a rejected claim, got %+v (%v)", registration, err)
	}
	if err := directory.Release("alice", registration.LeaseID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := directory.Claim("bob", "ws://b/channel"); err != nil {
		t.Fatalf("expected a freed slot to be claimable: %v", err)
	}
}

func TestClaimAtCapacityReturnsServiceUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	leases, err := NewLeaseIssuer(LeaseIssuerConfig{SigningSecret: []byte("broker-secret"), LeaseTTL: time.Minute})
	if err != nil {
		t.Fatalf("new lease issuer: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{Directory: NewDirectory(1, time.Minute), Leases: leases})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	claim := func(address string) int {
		body := strings.NewReader(`{"address":"` + address + `","endpoint":"ws://127.0.0.1:7070/channel"}`)
		request := httptest.NewRequest(http.MethodPost, "/addresses", body)
		request.Header.Set("Content-Type", "application/json")
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		return recorder.Code
	}
	if status := claim("alice"); status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	if status := claim("bob"); status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 at capacity, got %d", status)
	}
}

func TestHealthz(t *testing.T) {
	server := newTestServer(t, time.Minute)
	response, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
}
