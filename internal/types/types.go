// Package types holds the core's explicit record types. Per the design
// notes, row deltas are never round-tripped through a domain type — they
// carry the CRDT wire shape verbatim and are opaque to everyone but the
// Working-Copy Store.
package types

import "time"

type DatabaseName string

const (
	DatabaseLayout   DatabaseName = "layout"
	DatabaseCaptions DatabaseName = "captions"
)

type LockType string

const (
	LockNone   LockType = "none"
	LockClient LockType = "client"
	LockServer LockType = "server"
)

// DatabaseState is the coordination-store row backing C2. A missing row is
// semantically equal to the zero value with LockType == LockNone.
type DatabaseState struct {
	VideoID            string       `gorm:"primaryKey;column:video_id"`
	DatabaseName       DatabaseName `gorm:"primaryKey;column:database_name"`
	TenantID           string       `gorm:"column:tenant_id"`
	ServerVersion      int64        `gorm:"column:server_version"`
	WasabiVersion      int64        `gorm:"column:wasabi_version"`
	LockHolderUserID   *string      `gorm:"column:lock_holder_user_id"`
	LockType           LockType     `gorm:"column:lock_type"`
	ActiveConnectionID *string      `gorm:"column:active_connection_id"`
	LockedAt           *time.Time   `gorm:"column:locked_at"`
	LastActivityAt     time.Time    `gorm:"column:last_activity_at"`
	WasabiSyncedAt     *time.Time   `gorm:"column:wasabi_synced_at"`
}

func (DatabaseState) TableName() string { return "database_states" }

// IsUnsaved reports whether server state has outrun the durable copy.
func (s DatabaseState) IsUnsaved() bool { return s.ServerVersion > s.WasabiVersion }

// Video is the external, mostly-read-only entity the core mutates only via
// its status, timing, and current active frameset version pointer.
type Video struct {
	ID                     string `gorm:"primaryKey;column:id"`
	TenantID               string `gorm:"column:tenant_id"`
	OriginalMediaKey       string `gorm:"column:original_media_key"`
	DurationFrames         int64  `gorm:"column:duration_frames"`
	Status                 string `gorm:"column:status"`
	CurrentFramesetVersion *int64 `gorm:"column:current_frameset_version"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (Video) TableName() string { return "videos" }

type CaptionFrameExtentsState string

const (
	CaptionPredicted CaptionFrameExtentsState = "predicted"
	CaptionConfirmed CaptionFrameExtentsState = "confirmed"
	CaptionGap       CaptionFrameExtentsState = "gap"
	CaptionIssue     CaptionFrameExtentsState = "issue"
)

// Caption is a row in the captions table of a video's captions working
// copy. It is addressed by C7 via direct SQL, not gorm, since it lives in
// the per-video CR-SQLite file rather than the coordination store.
type Caption struct {
	ID                           int64                    `json:"id"`
	StartFrameIndex              int64                    `json:"startFrameIndex"`
	EndFrameIndex                int64                    `json:"endFrameIndex"`
	CaptionFrameExtentsState     CaptionFrameExtentsState `json:"captionFrameExtentsState"`
	CaptionFrameExtentsPending   bool                     `json:"captionFrameExtentsPending"`
	CaptionFrameExtentsUpdatedAt *time.Time               `json:"captionFrameExtentsUpdatedAt,omitempty"`
	Text                         *string                  `json:"text,omitempty"`
	TextPending                  bool                     `json:"textPending"`
	TextStatus                   *string                  `json:"textStatus,omitempty"`
	TextNotes                    *string                  `json:"textNotes,omitempty"`
	TextUpdatedAt                *time.Time               `json:"textUpdatedAt,omitempty"`
	ImageNeedsRegen              bool                     `json:"imageNeedsRegen"`
	CaptionOCR                   *string                  `json:"captionOcr,omitempty"`
	CaptionOCRStatus             *string                  `json:"captionOcrStatus,omitempty"`
	CaptionOCRError              *string                  `json:"captionOcrError,omitempty"`
	CaptionOCRProcessedAt        *time.Time               `json:"captionOcrProcessedAt,omitempty"`
	CreatedAt                    *time.Time               `json:"createdAt,omitempty"`
}

// Overlaps reports whether the caption's interval intersects [start, end].
func (c Caption) Overlaps(start, end int64) bool {
	return !(c.EndFrameIndex < start || c.StartFrameIndex > end)
}

type FramesetVersionStatus string

const (
	FramesetPending  FramesetVersionStatus = "pending"
	FramesetActive   FramesetVersionStatus = "active"
	FramesetArchived FramesetVersionStatus = "archived"
	FramesetFailed   FramesetVersionStatus = "failed"
)

// CropBounds mirrors the crop_region wire shape of §6.3.
type CropBounds struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// FramesetVersion is a row in the cropped_frames_versions registry (C8).
type FramesetVersion struct {
	VideoID          string                `gorm:"primaryKey;column:video_id"`
	Version          uint32                `gorm:"primaryKey;column:version"`
	StoragePrefix    string                `gorm:"column:storage_prefix"`
	CropBounds       CropBounds            `gorm:"column:crop_bounds;serializer:json"`
	FrameRate        float64               `gorm:"column:frame_rate"`
	SourceLayoutHash string                `gorm:"column:source_layout_hash"`
	ChunkCount       int64                 `gorm:"column:chunk_count"`
	TotalFrames      int64                 `gorm:"column:total_frames"`
	TotalSizeBytes   int64                 `gorm:"column:total_size_bytes"`
	Status           FramesetVersionStatus `gorm:"column:status"`
	CreatedAt        time.Time             `gorm:"column:created_at"`
	CreatedByUserID  *string               `gorm:"column:created_by_user_id"`
	FlowRunID        *string               `gorm:"column:flow_run_id"`
}

func (FramesetVersion) TableName() string { return "frameset_versions" }

// RowDelta carries the CRDT wire shape verbatim. It is opaque outside C3:
// no other component may inspect or construct its fields beyond passing
// them through.
type RowDelta struct {
	Table         string `json:"table"`
	PrimaryKey    string `json:"primaryKey"`
	ColumnID      string `json:"columnId"`
	Value         any    `json:"value"`
	ColumnVersion int64  `json:"columnVersion"`
	DBVersion     int64  `json:"dbVersion"`
	SiteID        string `json:"siteId"`
	CausalLength  int64  `json:"causalLength"`
	Sequence      int64  `json:"sequence"`
}

// VersionVector maps a peer's per-site version watermark, used by
// pull_changes_since to compute the deltas a peer is missing.
type VersionVector map[string]int64
