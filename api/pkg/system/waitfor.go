package system

import (
	"context"
	"fmt"
	"time"

	"github.com/emufleet/emufleet/api/pkg/types"
)

// WaitFor polls predicate every interval until it returns true, it returns a
// hard error, or timeout elapses. It is the one bounded-retry loop shared by
// container boot wait, bridge ready wait, and proxy ready wait.
//
// A predicate error aborts the wait; returning (false, nil) keeps polling.
func WaitFor(ctx context.Context, what string, timeout, interval time.Duration, predicate func(ctx context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := predicate(ctx)
		if err != nil {
			return fmt.Errorf("waiting for %s: %w", what, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s after %s: %w", what, timeout, types.ErrTimeout)
		case <-ticker.C:
		}
	}
}
