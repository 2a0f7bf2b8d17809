package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/captionsync/core/internal/types"
)

// newTestRegistry boots an in-memory sqlite database through gorm, mirroring
// the teacher's store_test.go AutoMigrate: true bootstrap so this package's
// tests never need a live Postgres.
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	r := New(db)
	require.NoError(t, r.AutoMigrate())
	return r
}

func TestGetOrCreate(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	state, err := r.GetOrCreate(ctx, "video-1", types.DatabaseCaptions, "tenant-1")
	require.NoError(t, err)
	require.Equal(t, types.LockNone, state.LockType)
	require.Equal(t, int64(0), state.ServerVersion)

	again, err := r.GetOrCreate(ctx, "video-1", types.DatabaseCaptions, "tenant-1")
	require.NoError(t, err)
	require.Equal(t, state.VideoID, again.VideoID)
}

func TestAcquireClientLock_GrantsWhenUnlocked(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	state, granted, err := r.AcquireClientLock(ctx, "video-2", types.DatabaseCaptions, "user-1", "conn-1", "tenant-1")
	require.NoError(t, err)
	require.True(t, granted)
	require.Equal(t, types.LockClient, state.LockType)
	require.Equal(t, "user-1", *state.LockHolderUserID)
	require.Equal(t, "conn-1", *state.ActiveConnectionID)
}

func TestAcquireClientLock_ReentrantForSameUser(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, granted, err := r.AcquireClientLock(ctx, "video-3", types.DatabaseCaptions, "user-1", "conn-1", "tenant-1")
	require.NoError(t, err)
	require.True(t, granted)

	state, granted, err := r.AcquireClientLock(ctx, "video-3", types.DatabaseCaptions, "user-1", "conn-2", "tenant-1")
	require.NoError(t, err)
	require.True(t, granted, "same user re-acquiring their own client lock must succeed")
	require.Equal(t, "conn-2", *state.ActiveConnectionID)
}

func TestAcquireClientLock_DeniedForDifferentUser(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, granted, err := r.AcquireClientLock(ctx, "video-4", types.DatabaseCaptions, "user-1", "conn-1", "tenant-1")
	require.NoError(t, err)
	require.True(t, granted)

	state, granted, err := r.AcquireClientLock(ctx, "video-4", types.DatabaseCaptions, "user-2", "conn-2", "tenant-1")
	require.NoError(t, err)
	require.False(t, granted)
	require.Equal(t, "user-1", *state.LockHolderUserID, "lock holder must be unchanged on a denied acquisition")
}

func TestAcquireServerLock_ConflictsWithClientLock(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, granted, err := r.AcquireClientLock(ctx, "video-5", types.DatabaseLayout, "user-1", "conn-1", "tenant-1")
	require.NoError(t, err)
	require.True(t, granted)

	ok, err := r.AcquireServerLock(ctx, "video-5", types.DatabaseLayout, nil)
	require.NoError(t, err)
	require.False(t, ok, "server lock must not be grantable while a client lock is held")
}

func TestAcquireServerLock_SucceedsWhenUnlocked(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, err := r.GetOrCreate(ctx, "video-6", types.DatabaseLayout, "tenant-1")
	require.NoError(t, err)

	ok, err := r.AcquireServerLock(ctx, "video-6", types.DatabaseLayout, nil)
	require.NoError(t, err)
	require.True(t, ok)

	state, err := r.Get(ctx, "video-6", types.DatabaseLayout)
	require.NoError(t, err)
	require.Equal(t, types.LockServer, state.LockType)
}

func TestReleaseLock_ClearsFields(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, _, err := r.AcquireClientLock(ctx, "video-7", types.DatabaseCaptions, "user-1", "conn-1", "tenant-1")
	require.NoError(t, err)

	require.NoError(t, r.ReleaseLock(ctx, "video-7", types.DatabaseCaptions))

	state, err := r.Get(ctx, "video-7", types.DatabaseCaptions)
	require.NoError(t, err)
	require.Equal(t, types.LockNone, state.LockType)
	require.Nil(t, state.LockHolderUserID)
	require.Nil(t, state.ActiveConnectionID)
}

func TestIncrementServerVersion(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, err := r.GetOrCreate(ctx, "video-8", types.DatabaseCaptions, "tenant-1")
	require.NoError(t, err)

	v, err := r.IncrementServerVersion(ctx, "video-8", types.DatabaseCaptions)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	v, err = r.IncrementServerVersion(ctx, "video-8", types.DatabaseCaptions)
	require.NoError(t, err)
	require.Equal(t, int64(2), v)
}

func TestAllocateFramesetVersion_IncrementsAcrossCalls(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	v1, err := r.AllocateFramesetVersion(ctx, "video-9", "tenant-1", "hash-a", types.CropBounds{Right: 100, Bottom: 100}, 29.97, nil, "run-1")
	require.NoError(t, err)
	require.Equal(t, uint32(1), v1.Version)
	require.Equal(t, types.FramesetPending, v1.Status)

	v2, err := r.AllocateFramesetVersion(ctx, "video-9", "tenant-1", "hash-b", types.CropBounds{Right: 200, Bottom: 200}, 29.97, nil, "run-2")
	require.NoError(t, err)
	require.Equal(t, uint32(2), v2.Version)
}

func TestActivateFramesetVersion_ArchivesPredecessor(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	require.NoError(t, r.db.Create(&types.Video{ID: "video-10", TenantID: "tenant-1"}).Error)

	v1, err := r.AllocateFramesetVersion(ctx, "video-10", "tenant-1", "hash-a", types.CropBounds{Right: 100, Bottom: 100}, 29.97, nil, "run-1")
	require.NoError(t, err)
	require.NoError(t, r.FinalizeFramesetVersion(ctx, "video-10", v1.Version, 4, 1024))
	require.NoError(t, r.ActivateFramesetVersion(ctx, "video-10", v1.Version))

	v2, err := r.AllocateFramesetVersion(ctx, "video-10", "tenant-1", "hash-b", types.CropBounds{Right: 200, Bottom: 200}, 29.97, nil, "run-2")
	require.NoError(t, err)
	require.NoError(t, r.ActivateFramesetVersion(ctx, "video-10", v2.Version))

	versions, err := r.ListFramesetVersions(ctx, "video-10")
	require.NoError(t, err)
	require.Len(t, versions, 2)

	byVersion := map[uint32]types.FramesetVersion{}
	for _, v := range versions {
		byVersion[v.Version] = v
	}
	require.Equal(t, types.FramesetArchived, byVersion[1].Status)
	require.Equal(t, types.FramesetActive, byVersion[2].Status)

	var video types.Video
	require.NoError(t, r.db.First(&video, "id = ?", "video-10").Error)
	require.NotNil(t, video.CurrentFramesetVersion)
	require.Equal(t, int64(2), *video.CurrentFramesetVersion)
}

func TestListPendingUploads_OnlyReturnsUnsavedAndIdle(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, err := r.GetOrCreate(ctx, "video-11", types.DatabaseCaptions, "tenant-1")
	require.NoError(t, err)
	_, err = r.IncrementServerVersion(ctx, "video-11", types.DatabaseCaptions)
	require.NoError(t, err)

	states, err := r.ListPendingUploads(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, "video-11", states[0].VideoID)

	require.NoError(t, r.AdvanceWasabiVersion(ctx, "video-11", types.DatabaseCaptions, 1, states[0].LastActivityAt))

	states, err = r.ListPendingUploads(ctx, 0, 0)
	require.NoError(t, err)
	require.Empty(t, states, "no row should be pending once wasabi_version catches up")
}
