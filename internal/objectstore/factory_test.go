package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/captionsync/core/internal/config"
)

func TestNewFromConfig_FSDriver(t *testing.T) {
	gw, err := NewFromConfig(context.Background(), config.ObjectStore{
		Driver:    "fs",
		LocalPath: t.TempDir(),
	})
	require.NoError(t, err)
	require.NotNil(t, gw)
}

func TestNewFromConfig_UnknownDriverErrors(t *testing.T) {
	_, err := NewFromConfig(context.Background(), config.ObjectStore{Driver: "carrier-pigeon"})
	require.Error(t, err)
}
