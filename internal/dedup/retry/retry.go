// Copyright (C) 2024 The dedup Authors

// Package retry reruns store operations that failed with transient
// contention. The policy is injected into the engine, so tests substitute a
// zero-delay bounded one while production keeps the fixed-delay loop.
package retry

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dedupdev/dedup/internal/dedup/metastore"
)

// Policy decides how contention is waited out. The zero value retries
// immediately and forever; that is valid but spins, so use Default() unless
// a test wants it.
type Policy struct {
	// Delay between attempts.
	Delay time.Duration

	// MaxAttempts caps the number of attempts. Zero means no cap, which
	// trades bounded latency for availability: the operation waits as
	// long as the store stays contended.
	MaxAttempts int
}

// Default returns the production policy, 100ms fixed delay with no cap.
func Default() Policy {
	return Policy{Delay: 100 * time.Millisecond}
}

// Do runs fn until it succeeds or fails with something other than
// metastore.ErrBusy. With a capped policy the last busy error is returned
// once the attempts are spent.
func (p Policy) Do(fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, metastore.ErrBusy) {
			return err
		}

		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return errors.Wrapf(err, "still busy after %d attempts", attempt)
		}

		log.Debug().Int("attempt", attempt).Msg("store busy, retrying")
		time.Sleep(p.Delay)
	}
}
