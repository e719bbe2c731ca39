package upload

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cloudsync/dbxuploader/internal/cloudapi"
)

// DefaultMaxAttempts is R_max, the maximum number of attempts for a single
// cloud-service call before retries are exhausted.
const DefaultMaxAttempts = 10

// RetryPolicy retries a single cloud-service call (start/append/finish/
// simple-upload) on transient failures, backing off linearly for the
// name-resolution/connection class and not at all for the timeout class.
//
// go-utils/retry.Times(n).Wait(d) (used elsewhere in this module by the
// session mirror's S3 push) applies the same fixed wait to every attempt;
// it has no hook for a wait that depends on the failure's class. That
// per-class distinction is spec-mandated here, so this policy is
// hand-rolled rather than layered on top of that helper.
type RetryPolicy struct {
	MaxAttempts int
}

// NewRetryPolicy creates a RetryPolicy with the default attempt cap.
func NewRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts}
}

// Do invokes fn until it succeeds, a non-transient error is returned, or
// the attempt cap is reached. fn must re-present a fresh read cursor over
// the same chunk bytes on every call; the byte view itself never changes
// between attempts, only the stream wrapper around it.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !cloudapi.IsKind(err, cloudapi.KindTransient) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		if delay := backoffFor(err, attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return fmt.Errorf("upload: retries exhausted after %d attempts: %w", maxAttempts, lastErr)
}

// backoffFor returns attempt seconds for the name-resolution/connection
// class, or zero delay for the request-timeout class.
func backoffFor(err error, attempt int) time.Duration {
	if isNameResolutionClass(err) {
		return time.Duration(attempt) * time.Second
	}
	return 0
}

func isNameResolutionClass(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}
