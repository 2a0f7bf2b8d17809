package retrypolicy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/captionsync/core/internal/apperr"
)

func TestDo_RetriesTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return apperr.New(apperr.KindTransient, "not yet")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestDo_DoesNotRetryPermanentFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func() error {
		attempts++
		return apperr.New(apperr.KindPermanent, "access denied")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestDo_TreatsUntypedErrorsAsPermanent(t *testing.T) {
	// apperr.KindOf defaults untyped errors to KindPermanent, so an error
	// with no apperr.Kind attached must not be retried either.
	attempts := 0
	err := Do(context.Background(), func() error {
		attempts++
		return errors.New("plain error, no apperr.Kind")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}
