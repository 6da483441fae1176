// Package prober confirms a freshly launched worker is up and correctly
// identified before the supervisor starts using it.
package prober

import (
	"context"
	"fmt"
	"time"

	"github.com/psantana5/workerlink/pkg/models"
)

const (
	// DefaultRetries is the default number of probe attempts.
	DefaultRetries = 20

	// DefaultDelay is the fixed sleep between failed attempts.
	DefaultDelay = 1000 * time.Millisecond
)

// Check performs one identity-confirming round trip against the worker
// and reports whether it answered correctly.
type Check func(ctx context.Context) bool

// Probe invokes check up to retries times, sleeping delay between failed
// attempts. It returns nil on the first positive result and
// models.ErrStartupTimeout once the last attempt has failed.
//
// The loop is deliberately linear: fixed delay, no backoff, no jitter,
// so worst-case startup latency is exactly retries x delay.
func Probe(ctx context.Context, check Check, retries int, delay time.Duration) error {
	if retries <= 0 {
		retries = DefaultRetries
	}
	if delay <= 0 {
		delay = DefaultDelay
	}

	for attempt := 1; attempt <= retries; attempt++ {
		if check(ctx) {
			return nil
		}
		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", models.ErrStartupTimeout, ctx.Err())
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%w: %d attempts exhausted", models.ErrStartupTimeout, retries)
}
