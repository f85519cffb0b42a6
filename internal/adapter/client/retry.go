package client

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/metrics"
)

// RetryPolicy bounds how long a call may keep retrying connectivity failures.
// Delay before retry n (0-based) is BaseDelay * 2^n, capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// transportError marks a call that never got an answer from the service.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

type retrier struct {
	policy  RetryPolicy
	metrics *metrics.Registry
	logger  logrus.FieldLogger
}

// do runs call until it succeeds, fails with anything but a transportError, or
// the policy runs out. Exhausted retries surface as domain.ErrUnavailable.
func (r retrier) do(ctx context.Context, endpoint string, call func() error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := call()
		var te *transportError
		switch {
		case err == nil:
			r.metrics.RemoteAttempts.WithLabelValues(endpoint, "ok").Inc()
			return nil
		case errors.As(err, &te) && ctx.Err() == nil:
			r.metrics.RemoteAttempts.WithLabelValues(endpoint, "transport_error").Inc()
			return err
		default:
			r.metrics.RemoteAttempts.WithLabelValues(endpoint, "response_error").Inc()
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"endpoint": endpoint,
			"attempt":  attempt,
			"wait":     wait.String(),
		}).Warn("product service call failed, retrying")
	}

	err := backoff.RetryNotify(op, r.policy.backOff(ctx), notify)
	if err == nil {
		return nil
	}
	var te *transportError
	if errors.As(err, &te) {
		return errors.Wrapf(domain.ErrUnavailable, "product service %s after %d attempts: %v", endpoint, attempt, te.err)
	}
	if ctx.Err() != nil {
		return errors.Wrapf(domain.ErrUnavailable, "product service %s: %v", endpoint, ctx.Err())
	}
	return err
}
