// Package truth holds the adapters to external systems of record: the
// payment processor, the disbursement rail, the fiscal authority, and the
// delivery-proof audit oracle. Webhooks in this package are the only inputs
// allowed to confirm money movement; everything else in the service treats
// their events as facts.
package truth

import "errors"

// ErrRetryable wraps failures worth re-attempting: connection errors,
// timeouts, 5xx responses. Callers park these on the durable retry queue.
var ErrRetryable = errors.New("retryable upstream failure")

// Retryable reports whether err should be re-attempted later.
func Retryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}
