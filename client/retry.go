package client

import (
	"context"
	"errors"
	"time"

	"chanrpc/registry"
	"chanrpc/transport"
)

// RetryForever makes Retry try until fn succeeds or ctx is done.
const RetryForever = -1

// RetryPolicy retries with a fixed delay between attempts.
type RetryPolicy struct {

	// MaxRetries counts the attempts after the first one, or RetryForever
	MaxRetries int
	Delay      time.Duration

	// Retryable decides whether an error is worth another attempt. Nil retries every error.
	Retryable func(err error) bool

	// OnError is called after every failed attempt, attempts counting from 1
	OnError func(attempt int, err error)
}

// Retry runs fn until it succeeds, the retries are spent, the error is not retryable or ctx
// is done. It returns fn's last error, or ctx's error when ctx ended the waiting.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if policy.OnError != nil {
			policy.OnError(attempt, err)
		}

		if policy.Retryable != nil && !policy.Retryable(err) {
			return err
		}
		if policy.MaxRetries != RetryForever && attempt > policy.MaxRetries {
			return err
		}

		if policy.Delay <= 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		timer := time.NewTimer(policy.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// IsRequestError reports whether err is a failed or timed out request, the errors worth
// retrying when the other side may simply not be up yet.
func IsRequestError(err error) bool {
	var requestError *transport.RequestError
	return errors.As(err, &requestError)
}

// IsUnavailable reports whether err may clear on a later attempt: a failed or timed out
// request, or a target missing from the allow-list because it has not registered yet.
func IsUnavailable(err error) bool {
	return IsRequestError(err) || errors.Is(err, registry.ErrServiceDoesNotExist)
}
