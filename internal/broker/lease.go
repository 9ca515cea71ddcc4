package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultLeaseTTL = 60 * time.Second
	leaseIssuer     = "gravity-broker"
	leaseAudience   = "gravity-peer"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errMissingLeaseClaim    = errors.New("lease id claim must be provided")
)

// LeaseIssuerConfig configures the lease token issuer.
type LeaseIssuerConfig struct {
	SigningSecret []byte
	LeaseTTL      time.Duration
	Clock         func() time.Time
}

// LeaseIssuer signs tokens proving that the bearer holds an address lease.
type LeaseIssuer struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// NewLeaseIssuer constructs a LeaseIssuer with sane defaults.
func NewLeaseIssuer(cfg LeaseIssuerConfig) (*LeaseIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &LeaseIssuer{secret: cfg.SigningSecret, ttl: ttl, clock: clock}, nil
}

// TTL returns how long issued leases stay valid.
func (i *LeaseIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue produces a signed token and its expiry (seconds) for address and leaseID.
func (i *LeaseIssuer) Issue(address, leaseID string) (string, int64, error) {
	if address == "" {
		return "", 0, errMissingSubjectClaim
	}
	if leaseID == "" {
		return "", 0, errMissingLeaseClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl).UTC()
	registered := jwt.RegisteredClaims{
		Subject:   address,
		ID:        leaseID,
		Issuer:    leaseIssuer,
		Audience:  []string{leaseAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Validate ensures the token is well formed and returns its address and lease id.
func (i *LeaseIssuer) Validate(tokenString string) (string, string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.secret, nil
		},
		jwt.WithAudience(leaseAudience),
		jwt.WithIssuer(leaseIssuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", "", err
	}
	if claims.Subject == "" {
		return "", "", errMissingSubjectClaim
	}
	if claims.ID == "" {
		return "", "", errMissingLeaseClaim
	}
	return claims.Subject, claims.ID, nil
}
