package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/peer/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/transport"
	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// BootstrapError reports that no address could be claimed. The session cannot
// run without one.
type BootstrapError struct {
	Attempts int
	Err      error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("session: could not claim an address after %d attempts: %v", e.Attempts, e.Err)
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}

// candidateAddress returns base for the first attempt and base-N afterwards.
func candidateAddress(base notes.UserID, attempt int) string {
	if attempt == 0 {
		return base.String()
	}
	return fmt.Sprintf("%s-%d", base, attempt)
}

func (s *Session) bootstrap(ctx context.Context, base notes.UserID) (transport.Endpoint, error) {
	var endpoint transport.Endpoint
	attempt := 0
	err := retry.Do(
		func() error {
			address := candidateAddress(base, attempt)
			attempt++
			claimed, err := s.cfg.Substrate.Claim(ctx, address)
			if err != nil {
				return err
			}
			endpoint = claimed
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(s.cfg.ClaimAttempts),
		retry.Delay(s.cfg.ClaimDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, transport.ErrAddressTaken)
		}),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("address taken, trying a suffixed address",
				zap.Uint("attempt", n+1),
				zap.String("base", base.String()),
				zap.Error(err))
		}),
	)
	if err != nil {
		return nil, &BootstrapError{Attempts: attempt, Err: err}
	}
	return endpoint, nil
}
