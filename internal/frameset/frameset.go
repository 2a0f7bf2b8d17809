// Package frameset implements C8: the versioned frameset publication
// workflow. Each run acquires the server lock on the layout database,
// allocates the next version number, runs the external cropping job,
// uploads its output chunks, then atomically activates the new version and
// retires its predecessor before releasing the lock. The flow downloads no
// inputs itself (neither the video blob nor the layout working copy), and
// source_layout_hash is a SHA-256 over the crop bounds and frame rate, not
// over a layout file.
// Every step after version allocation is safe to retry: re-running it
// against the same version number either no-ops or overwrites identical
// output.
package frameset

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/captionsync/core/internal/apperr"
	"github.com/captionsync/core/internal/lockmanager"
	"github.com/captionsync/core/internal/objectstore"
	"github.com/captionsync/core/internal/registry"
	"github.com/captionsync/core/internal/retrypolicy"
	"github.com/captionsync/core/internal/system"
	"github.com/captionsync/core/internal/types"
	"github.com/captionsync/core/internal/workpool"
)

// Job produces cropped frame chunks for one version run. The concrete
// implementation (an external cropping/transcoding process) lives outside
// this package; Flow only needs to run it and read back what it wrote.
type Job interface {
	// Run executes the crop for the given layout hash and crop bounds,
	// returning the chunks it produced in coarsest-to-finest order so the
	// most useful preview data lands in the store first.
	Run(ctx context.Context, in JobInput) ([]Chunk, error)
}

type JobInput struct {
	VideoID          string
	SourceLayoutHash string
	CropBounds       types.CropBounds
	FrameRate        float64
}

// Chunk is one uploadable unit of cropped-frame output.
type Chunk struct {
	Key    string
	Reader io.Reader
	Bytes  int64
}

type Flow struct {
	registry    *registry.Registry
	lockManager *lockmanager.Manager
	gateway     *objectstore.Gateway
	pool        *workpool.Pool
	job         Job
	logger      zerolog.Logger
}

func New(reg *registry.Registry, lm *lockmanager.Manager, gw *objectstore.Gateway, job Job, maxParallelUploads int) *Flow {
	if maxParallelUploads < 1 {
		maxParallelUploads = 1
	}
	return &Flow{
		registry:    reg,
		lockManager: lm,
		gateway:     gw,
		pool:        workpool.New(maxParallelUploads, maxParallelUploads*4),
		job:         job,
		logger:      log.With().Str("component", "frameset_flow").Logger(),
	}
}

type PublishInput struct {
	VideoID           string
	TenantID          string
	CropBounds        types.CropBounds
	FrameRate         float64
	TriggeredByUserID *string
}

// Publish runs the full acquire-allocate-run-upload-activate flow
// and returns the version it published.
func (f *Flow) Publish(ctx context.Context, in PublishInput) (*types.FramesetVersion, error) {
	logger := f.logger.With().Str("video_id", in.VideoID).Logger()

	if err := f.lockManager.AcquireServerLock(ctx, in.VideoID, types.DatabaseLayout, in.TenantID, in.TriggeredByUserID); err != nil {
		return nil, fmt.Errorf("frameset: acquire server lock: %w", err)
	}
	defer func() {
		if err := f.lockManager.ReleaseServerLock(context.Background(), in.VideoID, types.DatabaseLayout); err != nil {
			logger.Error().Err(err).Msg("frameset: failed to release server lock")
		}
	}()

	layoutHash := hashLayout(in.CropBounds, in.FrameRate)
	runID := system.GenerateVersionRunID()

	version, err := f.allocateVersion(ctx, in, layoutHash, runID)
	if err != nil {
		return nil, err
	}

	chunks, err := f.job.Run(ctx, JobInput{
		VideoID:          in.VideoID,
		SourceLayoutHash: layoutHash,
		CropBounds:       in.CropBounds,
		FrameRate:        in.FrameRate,
	})
	if err != nil {
		f.markFailed(ctx, in.VideoID, version.Version)
		return nil, fmt.Errorf("frameset: crop job failed: %w", err)
	}

	totalBytes, err := f.uploadChunks(ctx, in.TenantID, in.VideoID, version.Version, chunks)
	if err != nil {
		f.markFailed(ctx, in.VideoID, version.Version)
		return nil, fmt.Errorf("frameset: chunk upload failed: %w", err)
	}

	if err := f.finalizeVersion(ctx, in.VideoID, version.Version, int64(len(chunks)), totalBytes); err != nil {
		return nil, err
	}

	if err := f.activateAndRetirePredecessor(ctx, in.VideoID, version.Version); err != nil {
		return nil, err
	}

	version.Status = types.FramesetActive
	version.ChunkCount = int64(len(chunks))
	version.TotalSizeBytes = totalBytes
	return version, nil
}

func hashLayout(bounds types.CropBounds, frameRate float64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d:%d:%d:%d:%f", bounds.Left, bounds.Top, bounds.Right, bounds.Bottom, frameRate)
	return hex.EncodeToString(h.Sum(nil))
}

func (f *Flow) allocateVersion(ctx context.Context, in PublishInput, layoutHash, runID string) (*types.FramesetVersion, error) {
	var next *types.FramesetVersion
	err := retrypolicy.Do(ctx, func() error {
		v, err := f.registry.AllocateFramesetVersion(ctx, in.VideoID, in.TenantID, layoutHash, in.CropBounds, in.FrameRate, in.TriggeredByUserID, runID)
		if err != nil {
			return err
		}
		next = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("frameset: allocate version: %w", err)
	}
	return next, nil
}

func (f *Flow) markFailed(ctx context.Context, videoID string, version uint32) {
	if err := f.registry.SetFramesetVersionStatus(context.Background(), videoID, version, types.FramesetFailed); err != nil {
		f.logger.Error().Err(err).Str("video_id", videoID).Uint32("version", version).Msg("frameset: failed to mark version failed")
	}
}

func (f *Flow) finalizeVersion(ctx context.Context, videoID string, version uint32, chunkCount, totalBytes int64) error {
	return retrypolicy.Do(ctx, func() error {
		return f.registry.FinalizeFramesetVersion(ctx, videoID, version, chunkCount, totalBytes)
	})
}

// uploadChunks uploads every chunk through the bounded pool, coarsest
// first per the order the Job returned them in, and returns the total
// bytes written.
func (f *Flow) uploadChunks(ctx context.Context, tenant, videoID string, version uint32, chunks []Chunk) (int64, error) {
	type outcome struct {
		bytes int64
		err   error
	}
	results := make(chan outcome, len(chunks))

	for _, chunk := range chunks {
		chunk := chunk
		submitted := f.pool.Submit(func() {
			if closer, ok := chunk.Reader.(io.Closer); ok {
				defer closer.Close()
			}
			// Buffer once up front: chunk.Reader is typically a one-shot HTTP
			// response body, and retrypolicy needs a fresh Reader per attempt.
			buf, err := io.ReadAll(chunk.Reader)
			if err != nil {
				results <- outcome{err: fmt.Errorf("read chunk %s: %w", chunk.Key, err)}
				return
			}
			key := objectstore.BuildKey(tenant, objectstore.ScopeServer, videoID, fmt.Sprintf("frameset/v%d", version), chunk.Key)
			err = retrypolicy.Do(ctx, func() error {
				return f.gateway.Upload(ctx, key, bytes.NewReader(buf), "application/octet-stream")
			})
			results <- outcome{bytes: chunk.Bytes, err: err}
		})
		if !submitted {
			results <- outcome{err: fmt.Errorf("upload pool saturated for chunk %s", chunk.Key)}
		}
	}

	var total int64
	var firstErr error
	for range chunks {
		o := <-results
		if o.err != nil && firstErr == nil {
			firstErr = o.err
			continue
		}
		total += o.bytes
	}
	if firstErr != nil {
		return 0, firstErr
	}
	return total, nil
}

func (f *Flow) activateAndRetirePredecessor(ctx context.Context, videoID string, version uint32) error {
	return retrypolicy.Do(ctx, func() error {
		return f.registry.ActivateFramesetVersion(ctx, videoID, version)
	})
}

// ApproveLayout is the manual entry point for §6.3's approve-layout
// action; webhook-triggered runs (§6.6) call Publish directly with the
// same input derived from the webhook payload.
func (f *Flow) ApproveLayout(ctx context.Context, in PublishInput) (*types.FramesetVersion, error) {
	if in.CropBounds == (types.CropBounds{}) {
		return nil, apperr.New(apperr.KindInvalidFormat, "crop bounds required to approve layout")
	}
	return f.Publish(ctx, in)
}
