package objectstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSBackend stores blobs on the local filesystem. It exists for local
// development and integration tests where standing up S3/GCS is overkill,
// mirroring the role the teacher's filestore/fs.go plays for its FileStore
// abstraction.
type FSBackend struct {
	root string
}

func NewFSBackend(root string) (*FSBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FSBackend{root: root}, nil
}

func (b *FSBackend) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

func (b *FSBackend) Upload(_ context.Context, key string, r io.Reader, _ string) error {
	p := b.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

func (b *FSBackend) Download(_ context.Context, key string, w io.Writer) error {
	f, err := os.Open(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func (b *FSBackend) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(b.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (b *FSBackend) List(_ context.Context, prefix string, maxKeys int) ([]string, error) {
	var keys []string
	base := b.path(prefix)
	root := base
	if fi, err := os.Stat(base); err != nil || !fi.IsDir() {
		root = filepath.Dir(base)
	}
	_ = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	sort.Strings(keys)
	if maxKeys > 0 && len(keys) > maxKeys {
		keys = keys[:maxKeys]
	}
	return keys, nil
}

func (b *FSBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := b.List(ctx, prefix, 0)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := os.Remove(b.path(key)); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
