package objectstore

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSBackend is the secondary object-store backend, kept alive behind the
// same Backend interface the teacher's filestore.FileStore used for its
// GCS driver (filestore/gcs.go), selected via config.ObjectStore.Driver.
type GCSBackend struct {
	bucket *storage.BucketHandle
}

func NewGCSBackend(ctx context.Context, bucketName, serviceAccountKeyFile string) (*GCSBackend, error) {
	var opts []option.ClientOption
	if serviceAccountKeyFile != "" {
		opts = append(opts, option.WithCredentialsFile(serviceAccountKeyFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSBackend{bucket: client.Bucket(bucketName)}, nil
}

func (b *GCSBackend) Upload(ctx context.Context, key string, r io.Reader, contentType string) error {
	w := b.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs upload %s: close: %w", key, err)
	}
	return nil
}

func (b *GCSBackend) Download(ctx context.Context, key string, w io.Writer) error {
	r, err := b.bucket.Object(key).NewReader(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return ErrNotFound
		}
		return fmt.Errorf("gcs download %s: %w", key, err)
	}
	defer r.Close()
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("gcs download %s: %w", key, err)
	}
	return nil
}

func (b *GCSBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.bucket.Object(key).Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs attrs %s: %w", key, err)
	}
	return true, nil
}

func (b *GCSBackend) List(ctx context.Context, prefix string, maxKeys int) ([]string, error) {
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list %s: %w", prefix, err)
		}
		keys = append(keys, attrs.Name)
		if maxKeys > 0 && len(keys) >= maxKeys {
			break
		}
	}
	return keys, nil
}

func (b *GCSBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := b.List(ctx, prefix, 0)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, key := range keys {
		if err := b.bucket.Object(key).Delete(ctx); err != nil {
			return count, fmt.Errorf("gcs delete %s: %w", key, err)
		}
		count++
	}
	return count, nil
}
