// Package backoff provides the restart/retry timing primitives shared by
// the supervisor, tunnel, and headless session respawn loops.
package backoff

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// PermanentError wraps an error to signal that Do must not retry further,
// regardless of remaining attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retriable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Sequence is a fixed list of delays, repeated at the final value once
// exhausted, used for the supervisor restart backoff ({2,2,3,3,5,5,8,8,10,10}),
// the tunnel recovery backoff ({3,6,12}), and the headless respawn backoff
// ({1,2,4,8,15}) named in spec §4.1/§4.4.1/§4.7.
type Sequence struct {
	delays []time.Duration
}

// NewSequence builds a Sequence from delay values in seconds.
func NewSequence(secondsValues ...int) Sequence {
	delays := make([]time.Duration, len(secondsValues))
	for i, s := range secondsValues {
		delays[i] = time.Duration(s) * time.Second
	}
	return Sequence{delays: delays}
}

// Delay returns the delay for the given zero-based attempt number. Once the
// sequence is exhausted it holds at the final value ("then cap").
func (s Sequence) Delay(attempt int) time.Duration {
	if len(s.delays) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(s.delays) {
		return s.delays[len(s.delays)-1]
	}
	return s.delays[attempt]
}

// Len reports how many distinct steps the sequence defines before capping.
func (s Sequence) Len() int { return len(s.delays) }

// Config controls the jittered exponential backoff used by Do, for
// unbounded retry loops that have no fixed-sequence spec. The supervisor,
// tunnel and headless loops use Sequence, not Do.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxElapsed   time.Duration
	MaxAttempts  int
}

// DefaultConfig mirrors the teacher's callback-retry defaults.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		MaxElapsed:   5 * time.Minute,
		MaxAttempts:  0, // unbounded, bounded by MaxElapsed instead
	}
}

// Do runs fn with jittered exponential backoff until it succeeds, fn
// returns a *PermanentError, ctx is cancelled, or the elapsed/attempt
// bounds in cfg are exceeded.
func Do(ctx context.Context, cfg Config, operationName string, fn func(ctx context.Context) error) error {
	start := time.Now()
	delay := cfg.InitialDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	attempt := 0
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return err
		}
		if cfg.MaxElapsed > 0 && time.Since(start) >= cfg.MaxElapsed {
			return err
		}

		wait := jitter(delay)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

// jitter applies +/-20% randomisation to avoid thundering-herd retries.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := float64(d) * 0.2
	offset := (rand.Float64()*2 - 1) * spread
	result := float64(d) + offset
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}
