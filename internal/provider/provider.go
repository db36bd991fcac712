// Package provider defines the contracts shared by the STT, translation, and
// TTS adapters: a closed set of error kinds, a common capability surface, and
// the retry policy applied to transient failures.
package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Closed error set. Adapters map backend-specific failures onto these;
// pipelines convert them into state transitions.
var (
	ErrUnavailable         = errors.New("provider unavailable")
	ErrRateLimited         = errors.New("provider rate limited")
	ErrAuthFailure         = errors.New("provider auth failure")
	ErrLanguageUnsupported = errors.New("language unsupported")
	ErrVoiceUnavailable    = errors.New("voice unavailable")
	ErrInvalidInput        = errors.New("invalid input")
	ErrClosed              = errors.New("provider closed")
)

// Transient reports whether err is worth retrying inside the budget.
func Transient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited)
}

// Permanent reports whether err must fail the pipeline rather than drop the
// segment.
func Permanent(err error) bool {
	return errors.Is(err, ErrAuthFailure) ||
		errors.Is(err, ErrLanguageUnsupported) ||
		errors.Is(err, ErrVoiceUnavailable)
}

// Capabilities is the shared surface every adapter exposes alongside its
// streaming contract.
type Capabilities interface {
	Health(ctx context.Context) error
	Close() error
	Metrics() MetricsSnapshot
}

// MetricsSnapshot reports adapter-level counters.
type MetricsSnapshot struct {
	Requests  int64
	Failures  int64
	Retries   int64
	OpenConns int64
}

// Counters is embedded by adapters to track the shared metrics without
// locking; all fields are updated atomically.
type Counters struct {
	requests  atomic.Int64
	failures  atomic.Int64
	retries   atomic.Int64
	openConns atomic.Int64
}

func (c *Counters) RecordRequest() { c.requests.Add(1) }
func (c *Counters) RecordFailure() { c.failures.Add(1) }
func (c *Counters) RecordRetry()   { c.retries.Add(1) }
func (c *Counters) ConnOpened()    { c.openConns.Add(1) }
func (c *Counters) ConnClosed()    { c.openConns.Add(-1) }

func (c *Counters) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:  c.requests.Load(),
		Failures:  c.failures.Load(),
		Retries:   c.retries.Load(),
		OpenConns: c.openConns.Load(),
	}
}

// RetryPolicy bounds the transient-retry loop: at most MaxAttempts tries
// within Budget.
type RetryPolicy struct {
	MaxAttempts int
	Budget      time.Duration
}

// DefaultRetryPolicy matches the pipeline failure semantics: three attempts
// inside one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Budget: time.Second}
}

// Retry runs op under policy, retrying transient errors with exponential
// backoff. Permanent errors and context cancellation abort immediately. The
// counters, when non-nil, record each retry.
func Retry[T any](ctx context.Context, policy RetryPolicy, counters *Counters, op func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, policy.Budget)
	defer cancel()

	attempt := 0
	wrapped := func() (T, error) {
		attempt++
		v, err := op()
		if err == nil {
			return v, nil
		}
		if !Transient(err) {
			return v, backoff.Permanent(err)
		}
		if counters != nil && attempt < policy.MaxAttempts {
			counters.RecordRetry()
		}
		return v, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 400 * time.Millisecond

	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
	)
}
