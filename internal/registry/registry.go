// Package registry implements C2, the State Registry: the coordination
// store backing one row per (video, database) with versions, lock
// holder/type, and activity timestamps. All lock acquisitions are
// conditional updates (CAS), safe under concurrent invocation from
// multiple API nodes, matching the teacher's gorm-backed PostgresStore
// (api/pkg/store) method-per-entity shape.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/captionsync/core/internal/types"
)

type Registry struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// AutoMigrate creates/updates the database_states, videos, and
// frameset_versions tables, mirroring store_test.go's AutoMigrate: true
// bootstrap pattern.
func (r *Registry) AutoMigrate() error {
	return r.db.AutoMigrate(&types.DatabaseState{}, &types.Video{}, &types.FramesetVersion{})
}

// Get returns nil, nil if no row exists — callers treat that as the zero
// state per §3.1.
func (r *Registry) Get(ctx context.Context, videoID string, db types.DatabaseName) (*types.DatabaseState, error) {
	var state types.DatabaseState
	err := r.db.WithContext(ctx).
		Where("video_id = ? AND database_name = ?", videoID, db).
		First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get database state: %w", err)
	}
	return &state, nil
}

// GetOrCreate creates a zero-version, unlocked row on first use.
func (r *Registry) GetOrCreate(ctx context.Context, videoID string, db types.DatabaseName, tenantID string) (*types.DatabaseState, error) {
	state := types.DatabaseState{
		VideoID:        videoID,
		DatabaseName:   db,
		TenantID:       tenantID,
		LockType:       types.LockNone,
		LastActivityAt: time.Now(),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "video_id"}, {Name: "database_name"}},
			DoNothing: true,
		}).
		Create(&state).Error
	if err != nil {
		return nil, fmt.Errorf("get_or_create database state: %w", err)
	}

	existing, err := r.Get(ctx, videoID, db)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// DoNothing raced with a concurrent delete; surface the attempted row.
		return &state, nil
	}
	return existing, nil
}

// AcquireClientLock is the session hand-off CAS: it succeeds iff the row
// is unlocked or already held by userID, and returns the post-state either
// way so the caller can tell whether the lock was actually granted.
func (r *Registry) AcquireClientLock(ctx context.Context, videoID string, db types.DatabaseName, userID, connectionID, tenantID string) (*types.DatabaseState, bool, error) {
	if _, err := r.GetOrCreate(ctx, videoID, db, tenantID); err != nil {
		return nil, false, err
	}

	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&types.DatabaseState{}).
		Where("video_id = ? AND database_name = ?", videoID, db).
		Where("lock_type = ? OR (lock_type = ? AND lock_holder_user_id = ?)", types.LockNone, types.LockClient, userID).
		Updates(map[string]any{
			"lock_type":            types.LockClient,
			"lock_holder_user_id":  userID,
			"active_connection_id": connectionID,
			"locked_at":            now,
			"last_activity_at":     now,
		})
	if result.Error != nil {
		return nil, false, fmt.Errorf("acquire client lock: %w", result.Error)
	}

	state, err := r.Get(ctx, videoID, db)
	if err != nil {
		return nil, false, err
	}
	granted := result.RowsAffected > 0
	return state, granted, nil
}

// AcquireServerLock succeeds iff lock_type = none.
func (r *Registry) AcquireServerLock(ctx context.Context, videoID string, db types.DatabaseName, userID *string) (bool, error) {
	now := time.Now()
	updates := map[string]any{
		"lock_type":        types.LockServer,
		"locked_at":        now,
		"last_activity_at": now,
	}
	updates["lock_holder_user_id"] = userID

	result := r.db.WithContext(ctx).
		Model(&types.DatabaseState{}).
		Where("video_id = ? AND database_name = ?", videoID, db).
		Where("lock_type = ?", types.LockNone).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("acquire server lock: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ReleaseLock clears lock fields unconditionally; callers only call it
// when they believe they hold the lock (workflow completion, checkpoint
// flush done).
func (r *Registry) ReleaseLock(ctx context.Context, videoID string, db types.DatabaseName) error {
	result := r.db.WithContext(ctx).
		Model(&types.DatabaseState{}).
		Where("video_id = ? AND database_name = ?", videoID, db).
		Updates(map[string]any{
			"lock_type":            types.LockNone,
			"lock_holder_user_id":  nil,
			"active_connection_id": nil,
			"locked_at":            nil,
		})
	if result.Error != nil {
		return fmt.Errorf("release lock: %w", result.Error)
	}
	return nil
}

// IncrementServerVersion bumps server_version atomically and returns the
// new value, updating last_activity_at in the same statement.
func (r *Registry) IncrementServerVersion(ctx context.Context, videoID string, db types.DatabaseName) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&types.DatabaseState{}).
		Where("video_id = ? AND database_name = ?", videoID, db).
		Updates(map[string]any{
			"server_version":   gorm.Expr("server_version + 1"),
			"last_activity_at": time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("increment server version: %w", result.Error)
	}
	state, err := r.Get(ctx, videoID, db)
	if err != nil {
		return 0, err
	}
	if state == nil {
		return 0, fmt.Errorf("increment server version: row disappeared for %s/%s", videoID, db)
	}
	return state.ServerVersion, nil
}

// TouchActivity updates last_activity_at without bumping server_version,
// used by ping handling and any accepted-but-non-mutating message.
func (r *Registry) TouchActivity(ctx context.Context, videoID string, db types.DatabaseName) error {
	return r.db.WithContext(ctx).
		Model(&types.DatabaseState{}).
		Where("video_id = ? AND database_name = ?", videoID, db).
		Update("last_activity_at", time.Now()).Error
}

// AdvanceWasabiVersion sets wasabi_version = max(wasabi_version, v).
func (r *Registry) AdvanceWasabiVersion(ctx context.Context, videoID string, db types.DatabaseName, v int64, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&types.DatabaseState{}).
		Where("video_id = ? AND database_name = ?", videoID, db).
		Where("wasabi_version < ?", v).
		Updates(map[string]any{
			"wasabi_version":   v,
			"wasabi_synced_at": at,
		})
	if result.Error != nil {
		return fmt.Errorf("advance wasabi version: %w", result.Error)
	}
	return nil
}

// ListPendingUploads returns rows past the idle or hard-checkpoint
// threshold with unsaved state, for the Checkpointer's scan tick (§4.6).
func (r *Registry) ListPendingUploads(ctx context.Context, idleMinutes, checkpointMinutes int) ([]types.DatabaseState, error) {
	var states []types.DatabaseState
	err := r.db.WithContext(ctx).
		Where("server_version > wasabi_version").
		Where(
			"last_activity_at <= ? OR wasabi_synced_at IS NULL OR wasabi_synced_at <= ?",
			time.Now().Add(-time.Duration(idleMinutes)*time.Minute),
			time.Now().Add(-time.Duration(checkpointMinutes)*time.Minute),
		).
		Find(&states).Error
	if err != nil {
		return nil, fmt.Errorf("list pending uploads: %w", err)
	}
	return states, nil
}

// ListUnsaved returns every row with unsaved state, used for the
// synchronous shutdown flush.
func (r *Registry) ListUnsaved(ctx context.Context) ([]types.DatabaseState, error) {
	var states []types.DatabaseState
	err := r.db.WithContext(ctx).
		Where("server_version > wasabi_version").
		Find(&states).Error
	if err != nil {
		return nil, fmt.Errorf("list unsaved: %w", err)
	}
	return states, nil
}

// ListFramesetVersions returns every version row for a video, newest
// first.
func (r *Registry) ListFramesetVersions(ctx context.Context, videoID string) ([]types.FramesetVersion, error) {
	var versions []types.FramesetVersion
	err := r.db.WithContext(ctx).
		Where("video_id = ?", videoID).
		Order("version DESC").
		Find(&versions).Error
	if err != nil {
		return nil, fmt.Errorf("list frameset versions: %w", err)
	}
	return versions, nil
}

// AllocateFramesetVersion creates the next pending version row for a
// video, computing the next version number from the current maximum
// inside the same transaction so concurrent runs never collide.
func (r *Registry) AllocateFramesetVersion(ctx context.Context, videoID, tenantID, layoutHash string, bounds types.CropBounds, frameRate float64, createdByUserID *string, flowRunID string) (*types.FramesetVersion, error) {
	var version types.FramesetVersion
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxVersion uint32
		err := tx.Model(&types.FramesetVersion{}).
			Where("video_id = ?", videoID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error
		if err != nil {
			return fmt.Errorf("compute next frameset version: %w", err)
		}

		version = types.FramesetVersion{
			VideoID:          videoID,
			Version:          maxVersion + 1,
			CropBounds:       bounds,
			FrameRate:        frameRate,
			SourceLayoutHash: layoutHash,
			Status:           types.FramesetPending,
			CreatedAt:        time.Now(),
			CreatedByUserID:  createdByUserID,
			FlowRunID:        &flowRunID,
		}
		return tx.Create(&version).Error
	})
	if err != nil {
		return nil, fmt.Errorf("allocate frameset version: %w", err)
	}
	return &version, nil
}

// SetFramesetVersionStatus is used to mark a run failed when the crop job
// or upload step errors out.
func (r *Registry) SetFramesetVersionStatus(ctx context.Context, videoID string, version uint32, status types.FramesetVersionStatus) error {
	err := r.db.WithContext(ctx).
		Model(&types.FramesetVersion{}).
		Where("video_id = ? AND version = ?", videoID, version).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("set frameset version status: %w", err)
	}
	return nil
}

// FinalizeFramesetVersion records the chunk layout a completed upload
// produced; it leaves status untouched (still pending) until
// ActivateFramesetVersion runs.
func (r *Registry) FinalizeFramesetVersion(ctx context.Context, videoID string, version uint32, chunkCount, totalSizeBytes int64) error {
	err := r.db.WithContext(ctx).
		Model(&types.FramesetVersion{}).
		Where("video_id = ? AND version = ?", videoID, version).
		Updates(map[string]any{
			"chunk_count":      chunkCount,
			"total_size_bytes": totalSizeBytes,
		}).Error
	if err != nil {
		return fmt.Errorf("finalize frameset version: %w", err)
	}
	return nil
}

// ActivateFramesetVersion makes version the active one for videoID,
// archives whatever version held that status before, and repoints the
// video's current_frameset_version. All three updates share a
// transaction so readers never observe two active versions at once.
func (r *Registry) ActivateFramesetVersion(ctx context.Context, videoID string, version uint32) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&types.FramesetVersion{}).
			Where("video_id = ? AND status = ?", videoID, types.FramesetActive).
			Update("status", types.FramesetArchived).Error; err != nil {
			return fmt.Errorf("archive predecessor: %w", err)
		}

		if err := tx.Model(&types.FramesetVersion{}).
			Where("video_id = ? AND version = ?", videoID, version).
			Update("status", types.FramesetActive).Error; err != nil {
			return fmt.Errorf("activate version: %w", err)
		}

		v := int64(version)
		if err := tx.Model(&types.Video{}).
			Where("id = ?", videoID).
			Update("current_frameset_version", v).Error; err != nil {
			return fmt.Errorf("repoint video current version: %w", err)
		}
		return nil
	})
}
