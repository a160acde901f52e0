// Package lock implements the optimistic-lock runtime from §4.2:
// compare-and-swap with bounded exponential-backoff retry and an
// ALREADY_APPLIED short-circuit for idempotent retries.
package lock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/stacklok/protoreg/pkg/config"
	protoerrors "github.com/stacklok/protoreg/pkg/errors"
	"github.com/stacklok/protoreg/pkg/notify"
)

// Versioned pairs a value with its persisted version.
type Versioned[T any] struct {
	Version int
	Value   T
}

// ReadFunc loads the current versioned value for a resource.
type ReadFunc[T any] func() (Versioned[T], error)

// WriteFunc persists a new versioned value.
type WriteFunc[T any] func(Versioned[T]) error

// ComputeFunc derives the next value from the current one. When the
// requested change is already durably applied, compute returns
// alreadyApplied=true and CompareAndSwap returns the current value without
// writing again.
type ComputeFunc[T any] func(current T, attempt int) (next T, alreadyApplied bool, err error)

// RetryEvent is published on the shared notify.Bus for each CAS retry,
// exhaustion, or already-applied short-circuit, implementing §9's
// "observer stream of retry events" in place of onRetry/onSuccess/
// onExhausted callbacks.
type RetryEvent struct {
	ResourceID string
	Attempt    int
	Kind       string // "retry" | "exhausted" | "already_applied" | "success"
	Err        error
}

// Conflict is the retryable error raised when a version mismatch is
// observed between read and recheck.
type Conflict struct {
	ResourceID string
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("optimistic lock conflict on %q", c.ResourceID)
}

// CompareAndSwap runs the read → compute → recheck → write protocol
// described in §4.2, retrying on conflict with exponential backoff and
// jitter per cfg, and publishing RetryEvent values on bus (bus may be nil).
func CompareAndSwap[T any](
	ctx context.Context,
	read ReadFunc[T],
	write WriteFunc[T],
	compute ComputeFunc[T],
	resourceID string,
	cfg config.RetryConfig,
	bus *notify.Bus,
) (Versioned[T], error) {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Versioned[T]{}, protoerrors.NewInternalError("cancelled", err)
		}

		current, err := read()
		if err != nil {
			return Versioned[T]{}, err
		}

		next, alreadyApplied, err := compute(current.Value, attempt)
		if err != nil {
			return Versioned[T]{}, err
		}
		if alreadyApplied {
			publish(bus, resourceID, attempt, "already_applied", nil)
			return current, nil
		}

		recheck, err := read()
		if err != nil {
			return Versioned[T]{}, err
		}
		if recheck.Version != current.Version {
			lastErr = &Conflict{ResourceID: resourceID}
			publish(bus, resourceID, attempt, "retry", lastErr)
			if err := sleepBackoff(ctx, attempt, cfg); err != nil {
				return Versioned[T]{}, protoerrors.NewInternalError("cancelled", err)
			}
			continue
		}

		newVersioned := Versioned[T]{Version: current.Version + 1, Value: next}
		if err := write(newVersioned); err != nil {
			return Versioned[T]{}, err
		}

		publish(bus, resourceID, attempt, "success", nil)
		return newVersioned, nil
	}

	publish(bus, resourceID, cfg.MaxAttempts, "exhausted", lastErr)
	return Versioned[T]{}, protoerrors.NewConflictError("retry_exhausted", lastErr)
}

func publish(bus *notify.Bus, resourceID string, attempt int, kind string, err error) {
	if bus == nil {
		return
	}
	bus.Publish("cas."+kind, RetryEvent{ResourceID: resourceID, Attempt: attempt, Kind: kind, Err: err})
}

func sleepBackoff(ctx context.Context, attempt int, cfg config.RetryConfig) error {
	delay := cfg.BaseDelay << attempt
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}

	jitter := cfg.JitterFactor
	low := 1 - jitter
	high := 1 + jitter
	factor := low + rand.Float64()*(high-low) //nolint:gosec // jitter does not need a CSPRNG
	sleepFor := time.Duration(float64(delay) * factor)

	timer := time.NewTimer(sleepFor)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
