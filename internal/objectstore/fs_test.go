package objectstore

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFSBackend_UploadDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFSBackend(t.TempDir())
	require.NoError(t, err)

	key := "tenant-1/server/videos/video-1/layout.db.gz"
	require.NoError(t, backend.Upload(ctx, key, bytes.NewReader([]byte("payload")), "application/octet-stream"))

	var buf bytes.Buffer
	require.NoError(t, backend.Download(ctx, key, &buf))
	require.Equal(t, "payload", buf.String())
}

func TestFSBackend_DownloadMissingKeyReturnsErrNotFound(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFSBackend(t.TempDir())
	require.NoError(t, err)

	var buf bytes.Buffer
	err = backend.Download(ctx, "nope", &buf)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestFSBackend_ExistsReflectsUploadState(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFSBackend(t.TempDir())
	require.NoError(t, err)

	ok, err := backend.Exists(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, backend.Upload(ctx, "present", bytes.NewReader([]byte("x")), ""))
	ok, err = backend.Exists(ctx, "present")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFSBackend_ListAndDeletePrefix(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFSBackend(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, backend.Upload(ctx, "t1/server/videos/v1/a.db.gz", bytes.NewReader([]byte("a")), ""))
	require.NoError(t, backend.Upload(ctx, "t1/server/videos/v1/b.db.gz", bytes.NewReader([]byte("b")), ""))
	require.NoError(t, backend.Upload(ctx, "t1/server/videos/v2/c.db.gz", bytes.NewReader([]byte("c")), ""))

	keys, err := backend.List(ctx, "t1/server/videos/v1/", 0)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	n, err := backend.DeletePrefix(ctx, "t1/server/videos/v1/")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	keys, err = backend.List(ctx, "t1/server/videos/v1/", 0)
	require.NoError(t, err)
	require.Empty(t, keys)

	keys, err = backend.List(ctx, "t1/server/videos/v2/", 0)
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestGateway_DownloadWrapsNotFound(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFSBackend(t.TempDir())
	require.NoError(t, err)
	gw := New(backend)

	var buf bytes.Buffer
	err = gw.Download(ctx, "missing", &buf)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not_found")
}

func TestBuildKey_JoinsSegmentsInOrder(t *testing.T) {
	key := BuildKey("tenant-1", ScopeServer, "video-1", "frameset", "v3", "chunk-0.bin")
	require.Equal(t, "tenant-1/server/videos/video-1/frameset/v3/chunk-0.bin", key)
}
