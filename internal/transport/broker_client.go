package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

var (
	// ErrLeaseRejected indicates that the broker refused a lease token.
	ErrLeaseRejected = errors.New("transport: lease rejected by broker")
	errMissingBroker = errors.New("transport: broker url is required")
)

// Lease proves ownership of a claimed address at the broker.
type Lease struct {
	Address   string
	Token     string
	ExpiresIn time.Duration
}

// Broker maps peer addresses to reachable channel endpoints.
type Broker interface {
	Claim(ctx context.Context, address, endpointURL string) (Lease, error)
	Lookup(ctx context.Context, address string) (string, error)
	Refresh(ctx context.Context, lease Lease) (Lease, error)
	Release(ctx context.Context, lease Lease) error
}

// BrokerClientConfig tunes the HTTP client used to talk to the broker.
type BrokerClientConfig struct {
	BaseURL      string
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       *zap.Logger
}

// BrokerClient talks to the address broker over HTTP with retries on
// transient failures. Conflict and not-found answers are never retried.
type BrokerClient struct {
	baseURL *url.URL
	client  *retryablehttp.Client
	logger  *zap.Logger
}

type claimRequestPayload struct {
	Address  string `json:"address"`
	Endpoint string `json:"endpoint"`
}

type leaseResponsePayload struct {
	Address   string `json:"address"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

type lookupResponsePayload struct {
	Address  string `json:"address"`
	Endpoint string `json:"endpoint"`
}

// NewBrokerClient validates the configuration and returns a client.
func NewBrokerClient(cfg BrokerClientConfig) (*BrokerClient, error) {
	if cfg.BaseURL == "" {
		return nil, errMissingBroker
	}
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing broker url: %w", err)
	}
	if baseURL.Scheme == "" {
		baseURL.Scheme = "http"
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	waitMin := cfg.RetryWaitMin
	if waitMin <= 0 {
		waitMin = 200 * time.Millisecond
	}
	waitMax := cfg.RetryWaitMax
	if waitMax < waitMin {
		waitMax = 2 * waitMin
	}

	client := &retryablehttp.Client{
		HTTPClient:   retryablehttp.NewClient().HTTPClient,
		Logger:       &retryableHTTPLogger{inner: logger},
		RetryMax:     cfg.RetryMax,
		RetryWaitMin: waitMin,
		RetryWaitMax: waitMax,
		Backoff:      retryablehttp.LinearJitterBackoff,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
	}

	return &BrokerClient{baseURL: baseURL, client: client, logger: logger}, nil
}

// Claim registers address with endpointURL. A taken address yields ErrAddressTaken.
func (c *BrokerClient) Claim(ctx context.Context, address, endpointURL string) (Lease, error) {
	var response leaseResponsePayload
	status, err := c.do(ctx, http.MethodPost, c.baseURL.JoinPath("addresses").String(), "",
		claimRequestPayload{Address: address, Endpoint: endpointURL}, &response)
	if err != nil {
		return Lease{}, err
	}
	switch status {
	case http.StatusCreated, http.StatusOK:
		return leaseFromPayload(response), nil
	case http.StatusConflict:
		return Lease{}, fmt.Errorf("%w: %s", ErrAddressTaken, address)
	default:
		return Lease{}, fmt.Errorf("broker claim: unexpected status %d", status)
	}
}

// Lookup returns the channel endpoint registered for address.
func (c *BrokerClient) Lookup(ctx context.Context, address string) (string, error) {
	var response lookupResponsePayload
	status, err := c.do(ctx, http.MethodGet, c.baseURL.JoinPath("addresses", address).String(), "", nil, &response)
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusOK:
		return response.Endpoint, nil
	case http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", ErrUnknownAddress, address)
	default:
		return "", fmt.Errorf("broker lookup: unexpected status %d", status)
	}
}

// Refresh extends the lease and returns its replacement.
func (c *BrokerClient) Refresh(ctx context.Context, lease Lease) (Lease, error) {
	var response leaseResponsePayload
	status, err := c.do(ctx, http.MethodPut, c.baseURL.JoinPath("addresses", lease.Address, "lease").String(), lease.Token, nil, &response)
	if err != nil {
		return Lease{}, err
	}
	switch status {
	case http.StatusOK:
		return leaseFromPayload(response), nil
	case http.StatusUnauthorized, http.StatusNotFound:
		return Lease{}, fmt.Errorf("%w: status %d", ErrLeaseRejected, status)
	default:
		return Lease{}, fmt.Errorf("broker refresh: unexpected status %d", status)
	}
}

// Release gives the address back to the broker.
func (c *BrokerClient) Release(ctx context.Context, lease Lease) error {
	status, err := c.do(ctx, http.MethodDelete, c.baseURL.JoinPath("addresses", lease.Address).String(), lease.Token, nil, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound:
		return nil
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: status %d", ErrLeaseRejected, status)
	default:
		return fmt.Errorf("broker release: unexpected status %d", status)
	}
}

func (c *BrokerClient) do(ctx context.Context, method, target, token string, body any, result any) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding broker request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := retryablehttp.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, fmt.Errorf("creating broker request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.client.Do(request)
	if err != nil {
		return 0, fmt.Errorf("broker request: %w", err)
	}
	defer response.Body.Close()

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return 0, fmt.Errorf("reading broker response: %w", err)
	}
	if response.StatusCode >= http.StatusBadRequest {
		c.logger.Debug("broker request rejected",
			zap.String("method", method),
			zap.String("url", target),
			zap.Int("status", response.StatusCode),
			zap.ByteString("body", data))
		return response.StatusCode, nil
	}
	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return 0, fmt.Errorf("decoding broker response: %w", err)
		}
	}
	return response.StatusCode, nil
}

func leaseFromPayload(payload leaseResponsePayload) Lease {
	return Lease{
		Address:   payload.Address,
		Token:     payload.Token,
		ExpiresIn: time.Duration(payload.ExpiresIn) * time.Second,
	}
}

// retryableHTTPLogger adapts zap to retryablehttp.LeveledLogger.
type retryableHTTPLogger struct {
	inner *zap.Logger
}

func (r *retryableHTTPLogger) Error(format string, args ...any) {
	r.inner.Sugar().Errorw(format, args...)
}

func (r *retryableHTTPLogger) Info(format string, args ...any) {
	r.inner.Sugar().Debugw(format, args...)
}

func (r *retryableHTTPLogger) Debug(format string, args ...any) {
	r.inner.Sugar().Debugw(format, args...)
}

func (r *retryableHTTPLogger) Warn(format string, args ...any) {
	r.inner.Sugar().Warnw(format, args...)
}
