// Package retrypolicy centralizes the exponential-backoff policy C6 and
// C8 apply to transient C1/C2 failures, per §7: "Retry with exponential
// backoff locally in C6 and C8; do not retry inside a websocket handler."
package retrypolicy

import (
	"context"
	"errors"
	"time"

	retry "github.com/avast/retry-go/v4"

	"github.com/captionsync/core/internal/apperr"
)

// Do calls fn up to five times with exponential backoff, but bails
// out immediately on a apperr.KindPermanent error since those are never
// retryable (e.g. 403/AccessDenied from C1).
func Do(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			return apperr.KindOf(err) != apperr.KindPermanent
		}),
		retry.LastErrorOnly(true),
	)
}

// ErrGiveUp marks a retryable-looking error as permanent for this attempt,
// useful when a caller has its own reason to stop retrying (e.g. lock
// contention observed mid-loop).
var ErrGiveUp = errors.New("retrypolicy: give up")
