// Package objectstore implements C1, the Object-Store Gateway: upload,
// download, existence-check, and prefix-delete of opaque blobs keyed by
// {tenant}/{scope}/videos/{video}/... (§6.5). Concrete backends (S3, GCS,
// local filesystem) live behind the Backend interface; the Gateway adds
// the deterministic key builder and error classification every caller
// relies on.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/captionsync/core/internal/apperr"
)

type Scope string

const (
	ScopeClient Scope = "client"
	ScopeServer Scope = "server"
)

// ErrNotFound is returned by a Backend's Download when the key has no object.
var ErrNotFound = errors.New("object not found")

// Backend is the minimal capability set a concrete object-store driver
// must implement. Backends never retry internally — callers (C6, C8) wrap
// calls with retrypolicy.
type Backend interface {
	Upload(ctx context.Context, key string, r io.Reader, contentType string) error
	Download(ctx context.Context, key string, w io.Writer) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string, maxKeys int) ([]string, error)
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Gateway is the public C1 surface used by the rest of the core.
type Gateway struct {
	backend Backend
}

func New(backend Backend) *Gateway {
	return &Gateway{backend: backend}
}

// BuildKey enforces the path shape {tenant}/{scope}/videos/{video}/...
// exactly as §6.5 specifies, joining any additional path segments.
func BuildKey(tenant string, scope Scope, video string, segments ...string) string {
	parts := append([]string{tenant, string(scope), "videos", video}, segments...)
	return path.Join(parts...)
}

func (g *Gateway) Upload(ctx context.Context, key string, r io.Reader, contentType string) error {
	if err := g.backend.Upload(ctx, key, r, contentType); err != nil {
		return classify(err)
	}
	return nil
}

// Download fails with apperr.KindNotFound if the key has no object.
func (g *Gateway) Download(ctx context.Context, key string, w io.Writer) error {
	err := g.backend.Download(ctx, key, w)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return apperr.Wrap(apperr.KindNotFound, fmt.Sprintf("object %q not found", key), err)
	}
	return classify(err)
}

func (g *Gateway) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := g.backend.Exists(ctx, key)
	if err != nil {
		return false, classify(err)
	}
	return ok, nil
}

func (g *Gateway) List(ctx context.Context, prefix string, maxKeys int) ([]string, error) {
	keys, err := g.backend.List(ctx, prefix, maxKeys)
	if err != nil {
		return nil, classify(err)
	}
	return keys, nil
}

func (g *Gateway) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	n, err := g.backend.DeletePrefix(ctx, prefix)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// classify maps a raw backend error to the Transient/Permanent split
// described in §7: access-denied style failures are never retried, network
// and I/O glitches are.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if isAccessDenied(err) {
		return apperr.Wrap(apperr.KindPermanent, "object store denied access", err)
	}
	return apperr.Wrap(apperr.KindTransient, "object store I/O error", err)
}
