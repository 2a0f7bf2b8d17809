// Package checkpointer implements C6: a periodic scan that flushes
// unsaved working copies to durable storage, bounded to a fixed pool of
// concurrent flushes and retrying transient C1/C2 failures with backoff
// (never inside a websocket handler — that rule belongs to C5).
package checkpointer

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/captionsync/core/internal/apperr"
	"github.com/captionsync/core/internal/lockmanager"
	"github.com/captionsync/core/internal/registry"
	"github.com/captionsync/core/internal/retrypolicy"
	"github.com/captionsync/core/internal/types"
	"github.com/captionsync/core/internal/workingcopy"
	"github.com/captionsync/core/internal/workpool"
)

type Config struct {
	ScanPeriod        time.Duration
	IdleMinutes       int
	CheckpointMinutes int
	MaxParallel       int
}

// Checkpointer owns the background ticker loop of §4.6.
type Checkpointer struct {
	cfg         Config
	registry    *registry.Registry
	lockManager *lockmanager.Manager
	workingCopy *workingcopy.Store
	pool        *workpool.Pool
	logger      zerolog.Logger

	stop chan struct{}
	done chan struct{}
}

func New(cfg Config, reg *registry.Registry, lm *lockmanager.Manager, wc *workingcopy.Store) *Checkpointer {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	return &Checkpointer{
		cfg:         cfg,
		registry:    reg,
		lockManager: lm,
		workingCopy: wc,
		pool:        workpool.New(cfg.MaxParallel, cfg.MaxParallel*4),
		logger:      log.With().Str("component", "checkpointer").Logger(),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run blocks, ticking every ScanPeriod, until Stop is called.
func (c *Checkpointer) Run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.ScanPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.scan(ctx)
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the scan loop to exit; it does not flush outstanding work.
// Callers that need a guaranteed final flush should call FlushAll after
// Stop returns.
func (c *Checkpointer) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Checkpointer) scan(ctx context.Context) {
	pending, err := c.registry.ListPendingUploads(ctx, c.cfg.IdleMinutes, c.cfg.CheckpointMinutes)
	if err != nil {
		c.logger.Error().Err(err).Msg("checkpointer: scan failed")
		return
	}

	for _, state := range pending {
		state := state
		submitted := c.pool.Submit(func() {
			c.flushOne(ctx, state)
		})
		if !submitted {
			c.logger.Warn().Str("video_id", state.VideoID).Msg("checkpointer: pool saturated, flush deferred to next scan")
		}
	}
}

// flushOne takes the server lock, uploads one working copy, advances its
// wasabi_version, and releases the lock. §4.6 step 2: a client or workflow
// actively holding the lock causes this flush to skip rather than race the
// single-writer discipline; it will be picked up on a later scan once the
// lock is free. Upload and version-advance are retried through retrypolicy
// since they cross into C1/C2, but the lock is held across both so a
// retried attempt never interleaves with a new writer.
func (c *Checkpointer) flushOne(ctx context.Context, state types.DatabaseState) {
	logger := c.logger.With().Str("video_id", state.VideoID).Str("database", string(state.DatabaseName)).Logger()

	if err := c.lockManager.AcquireServerLock(ctx, state.VideoID, state.DatabaseName, state.TenantID, nil); err != nil {
		if apperr.Is(err, apperr.KindLockContention) || apperr.Is(err, apperr.KindWorkflowLocked) {
			logger.Debug().Msg("checkpointer: skipping flush, a client or workflow holds the lock")
			return
		}
		logger.Error().Err(err).Msg("checkpointer: lock acquisition failed, will retry next scan")
		return
	}
	defer func() {
		if err := c.lockManager.ReleaseServerLock(context.Background(), state.VideoID, state.DatabaseName); err != nil {
			logger.Error().Err(err).Msg("checkpointer: failed to release lock after flush")
		}
	}()

	var newVersion int64
	err := retrypolicy.Do(ctx, func() error {
		v, err := c.workingCopy.UploadToStore(ctx, state.TenantID, state.VideoID, state.DatabaseName)
		if err != nil {
			return err
		}
		newVersion = v
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("checkpointer: upload failed, will retry next scan")
		return
	}

	err = retrypolicy.Do(ctx, func() error {
		return c.registry.AdvanceWasabiVersion(ctx, state.VideoID, state.DatabaseName, newVersion, time.Now())
	})
	if err != nil {
		logger.Error().Err(err).Msg("checkpointer: advancing wasabi version failed, will retry next scan")
		return
	}

	logger.Debug().Int64("wasabi_version", newVersion).Msg("checkpointer: flushed")
}

// FlushAll synchronously flushes every unsaved working copy, used during
// graceful shutdown (§9 teardown order: stop accepting sessions, drain
// websocket tasks, run final checkpoint, then shut down C1/C2 clients).
func (c *Checkpointer) FlushAll(ctx context.Context) error {
	unsaved, err := c.registry.ListUnsaved(ctx)
	if err != nil {
		return err
	}
	for _, state := range unsaved {
		c.flushOne(ctx, state)
	}
	return nil
}
