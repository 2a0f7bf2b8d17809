package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDatabaseState_IsUnsaved(t *testing.T) {
	require.True(t, DatabaseState{ServerVersion: 5, WasabiVersion: 3}.IsUnsaved())
	require.False(t, DatabaseState{ServerVersion: 3, WasabiVersion: 3}.IsUnsaved())
	require.False(t, DatabaseState{ServerVersion: 2, WasabiVersion: 3}.IsUnsaved())
}

func TestCaption_Overlaps(t *testing.T) {
	c := Caption{StartFrameIndex: 100, EndFrameIndex: 200}

	require.True(t, c.Overlaps(150, 160), "fully contained range must overlap")
	require.True(t, c.Overlaps(50, 150), "left-overhang range must overlap")
	require.True(t, c.Overlaps(150, 250), "right-overhang range must overlap")
	require.True(t, c.Overlaps(50, 250), "straddling range must overlap")
	require.False(t, c.Overlaps(201, 300), "adjacent-after range must not overlap")
	require.False(t, c.Overlaps(0, 99), "adjacent-before range must not overlap")
}
