// Package captions implements C7: the interval repository operating
// directly on the captions table of a video's captions working copy via
// the Handle C3 hands out. The overlap-resolution algorithm (contained,
// straddles, left-overhang, right-overhang, with adjacent-gap merging on
// backfill) is ported line-for-line in behavior from the original Python
// CaptionRepository; only the shape of the code is idiomatic Go.
package captions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/captionsync/core/internal/types"
	"github.com/captionsync/core/internal/workingcopy"
)

// querier is satisfied by both *sql.DB and *sql.Tx, letting the single-row
// operations below run either directly against the working copy or inside
// ApplyBatch's one transaction without duplicating their SQL.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository scopes caption operations to one video's captions.db.
type Repository struct {
	db *sql.DB
}

// Open binds a Repository to the working copy C3 hands out for this
// video, guaranteeing the caller never touches SQLite directly.
func Open(ctx context.Context, store *workingcopy.Store, tenant, video string) (*Repository, func(), error) {
	handle, release, err := store.OpenForRepo(ctx, tenant, video, types.DatabaseCaptions)
	if err != nil {
		return nil, nil, err
	}
	return &Repository{db: handle.DB}, release, nil
}

const captionColumns = `id, start_frame_index, end_frame_index, caption_frame_extents_state,
	caption_frame_extents_pending, caption_frame_extents_updated_at, text, text_pending,
	text_status, text_notes, text_updated_at, image_needs_regen, caption_ocr,
	caption_ocr_status, caption_ocr_error, caption_ocr_processed_at, created_at`

func scanCaption(row *sql.Row) (*types.Caption, error) {
	var c types.Caption
	err := row.Scan(
		&c.ID, &c.StartFrameIndex, &c.EndFrameIndex, &c.CaptionFrameExtentsState,
		&c.CaptionFrameExtentsPending, &c.CaptionFrameExtentsUpdatedAt, &c.Text, &c.TextPending,
		&c.TextStatus, &c.TextNotes, &c.TextUpdatedAt, &c.ImageNeedsRegen, &c.CaptionOCR,
		&c.CaptionOCRStatus, &c.CaptionOCRError, &c.CaptionOCRProcessedAt, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan caption: %w", err)
	}
	return &c, nil
}

func scanCaptionRows(rows *sql.Rows) (*types.Caption, error) {
	var c types.Caption
	err := rows.Scan(
		&c.ID, &c.StartFrameIndex, &c.EndFrameIndex, &c.CaptionFrameExtentsState,
		&c.CaptionFrameExtentsPending, &c.CaptionFrameExtentsUpdatedAt, &c.Text, &c.TextPending,
		&c.TextStatus, &c.TextNotes, &c.TextUpdatedAt, &c.ImageNeedsRegen, &c.CaptionOCR,
		&c.CaptionOCRStatus, &c.CaptionOCRError, &c.CaptionOCRProcessedAt, &c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan caption row: %w", err)
	}
	return &c, nil
}

// ListFilter narrows ListCaptions; a zero value lists every caption.
type ListFilter struct {
	HasFrameRange bool
	StartFrame    int64
	EndFrame      int64
	WorkableOnly  bool
	Limit         int
}

// ListCaptions returns captions ordered by start_frame_index, optionally
// restricted to a frame range and/or to gaps and pending captions.
func (r *Repository) ListCaptions(ctx context.Context, filter ListFilter) ([]types.Caption, error) {
	query := "SELECT " + captionColumns + " FROM captions"
	var conditions []string
	var args []any

	if filter.HasFrameRange {
		conditions = append(conditions, "end_frame_index >= ? AND start_frame_index <= ?")
		args = append(args, filter.StartFrame, filter.EndFrame)
	}
	if filter.WorkableOnly {
		conditions = append(conditions, "(caption_frame_extents_state = 'gap' OR caption_frame_extents_pending = 1)")
	}
	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE "
		} else {
			query += " AND "
		}
		query += cond
	}
	query += " ORDER BY start_frame_index"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list captions: %w", err)
	}
	defer rows.Close()

	var out []types.Caption
	for rows.Next() {
		c, err := scanCaptionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *Repository) GetCaption(ctx context.Context, id int64) (*types.Caption, error) {
	return getCaptionWith(ctx, r.db, id)
}

func getCaptionWith(ctx context.Context, q querier, id int64) (*types.Caption, error) {
	row := q.QueryRowContext(ctx, "SELECT "+captionColumns+" FROM captions WHERE id = ?", id)
	return scanCaption(row)
}

// CreateInput is the payload for CreateCaption; it performs no overlap
// resolution, matching create_caption in the original repository.
type CreateInput struct {
	StartFrameIndex            int64
	EndFrameIndex              int64
	CaptionFrameExtentsState   types.CaptionFrameExtentsState
	CaptionFrameExtentsPending bool
	Text                       *string
}

func (r *Repository) CreateCaption(ctx context.Context, in CreateInput) (*types.Caption, error) {
	return createCaptionWith(ctx, r.db, in)
}

func createCaptionWith(ctx context.Context, q querier, in CreateInput) (*types.Caption, error) {
	isGap := in.CaptionFrameExtentsState == types.CaptionGap
	needsImageRegen := 1
	if isGap || in.CaptionFrameExtentsPending {
		needsImageRegen = 0
	}

	result, err := q.ExecContext(ctx, `
		INSERT INTO captions (start_frame_index, end_frame_index, caption_frame_extents_state,
			caption_frame_extents_pending, text, image_needs_regen)
		VALUES (?, ?, ?, ?, ?, ?)
	`, in.StartFrameIndex, in.EndFrameIndex, in.CaptionFrameExtentsState, boolToInt(in.CaptionFrameExtentsPending), in.Text, needsImageRegen)
	if err != nil {
		return nil, fmt.Errorf("create caption: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return getCaptionWith(ctx, q, id)
}

// OverlapResolutionResult reports every side effect of an overlap-aware
// boundary update.
type OverlapResolutionResult struct {
	Caption          *types.Caption   `json:"caption"`
	DeletedCaptions  []int64          `json:"deletedCaptions"`
	ModifiedCaptions []types.Caption  `json:"modifiedCaptions"`
	CreatedGaps      []types.Caption  `json:"createdGaps"`
}

// UpdateWithOverlapResolution moves a caption's boundaries to
// [newStart, newEnd], resolving every caption whose interval intersects
// the new range: fully contained captions are deleted, captions that
// straddle the new range are split in two, and partial overhangs are
// trimmed. If the new range is narrower than the original, gap captions
// backfill the newly uncovered frames, merging with any gap already
// adjacent to the backfilled range.
func (r *Repository) UpdateWithOverlapResolution(ctx context.Context, id int64, newStart, newEnd int64, newState types.CaptionFrameExtentsState) (*OverlapResolutionResult, error) {
	original, err := r.GetCaption(ctx, id)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, fmt.Errorf("caption %d not found", id)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin overlap resolution: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	overlapping, err := detectOverlaps(ctx, tx, newStart, newEnd, &id)
	if err != nil {
		return nil, err
	}

	var deleted []int64
	var modified []types.Caption
	for _, overlap := range overlapping {
		d, m, err := resolveOverlap(ctx, tx, overlap, newStart, newEnd)
		if err != nil {
			return nil, err
		}
		deleted = append(deleted, d...)
		modified = append(modified, m...)
	}

	createdGaps, err := createGapCaptions(ctx, tx, *original, newStart, newEnd)
	if err != nil {
		return nil, err
	}

	boundariesChanged := newStart != original.StartFrameIndex || newEnd != original.EndFrameIndex

	if _, err := tx.ExecContext(ctx, `
		UPDATE captions
		SET start_frame_index = ?, end_frame_index = ?, caption_frame_extents_state = ?,
			caption_frame_extents_pending = 0, image_needs_regen = ?,
			caption_frame_extents_updated_at = datetime('now')
		WHERE id = ?
	`, newStart, newEnd, newState, boolToInt(boundariesChanged), id); err != nil {
		return nil, fmt.Errorf("update caption boundaries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit overlap resolution: %w", err)
	}

	updated, err := r.GetCaption(ctx, id)
	if err != nil {
		return nil, err
	}

	return &OverlapResolutionResult{
		Caption:          updated,
		DeletedCaptions:  deleted,
		ModifiedCaptions: modified,
		CreatedGaps:      createdGaps,
	}, nil
}

type TextUpdate struct {
	Text       *string
	TextStatus *string
	TextNotes  *string
}

func (r *Repository) UpdateCaptionText(ctx context.Context, id int64, in TextUpdate) (*types.Caption, error) {
	_, err := r.db.ExecContext(ctx, `
		UPDATE captions
		SET text = ?, text_status = ?, text_notes = ?, text_pending = 0,
			text_updated_at = datetime('now')
		WHERE id = ?
	`, in.Text, in.TextStatus, in.TextNotes, id)
	if err != nil {
		return nil, fmt.Errorf("update caption text: %w", err)
	}
	return r.GetCaption(ctx, id)
}

var simpleUpdateColumns = map[string]string{
	"startFrameIndex":          "start_frame_index",
	"endFrameIndex":            "end_frame_index",
	"captionFrameExtentsState": "caption_frame_extents_state",
	"text":                     "text",
	"textStatus":               "text_status",
	"textNotes":                "text_notes",
}

// UpdateCaptionSimple applies fields directly with no overlap resolution,
// for batch operations where the caller has already resolved overlaps
// client-side.
func (r *Repository) UpdateCaptionSimple(ctx context.Context, id int64, fields map[string]any) (bool, error) {
	return updateCaptionSimpleWith(ctx, r.db, id, fields)
}

func updateCaptionSimpleWith(ctx context.Context, q querier, id int64, fields map[string]any) (bool, error) {
	if len(fields) == 0 {
		return true, nil
	}

	var setParts []string
	var args []any
	for camel, value := range fields {
		column, ok := simpleUpdateColumns[camel]
		if !ok {
			continue
		}
		setParts = append(setParts, column+" = ?")
		args = append(args, value)
	}
	if len(setParts) == 0 {
		return true, nil
	}
	setParts = append(setParts, "caption_frame_extents_updated_at = datetime('now')")
	args = append(args, id)

	query := "UPDATE captions SET "
	for i, part := range setParts {
		if i > 0 {
			query += ", "
		}
		query += part
	}
	query += " WHERE id = ?"

	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update caption simple: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repository) DeleteCaption(ctx context.Context, id int64) (bool, error) {
	return deleteCaptionWith(ctx, r.db, id)
}

func deleteCaptionWith(ctx context.Context, q querier, id int64) (bool, error) {
	result, err := q.ExecContext(ctx, "DELETE FROM captions WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete caption: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// BatchOp is one of the three operations §4.7 allows inside a batch.
type BatchOp string

const (
	BatchCreate BatchOp = "create"
	BatchUpdate BatchOp = "update"
	BatchDelete BatchOp = "delete"
)

// BatchItem is one line of a batch request body.
type BatchItem struct {
	Op   BatchOp        `json:"op"`
	ID   *int64         `json:"id,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// BatchItemResult reports the outcome of one successfully applied item.
type BatchItemResult struct {
	Op BatchOp `json:"op"`
	ID int64   `json:"id"`
}

// BatchFailure is returned instead of results when any item in the batch
// fails; the whole batch rolls back, so index identifies which item broke
// a batch the caller believed was already self-consistent.
type BatchFailure struct {
	Index   int     `json:"index"`
	Op      BatchOp `json:"op"`
	Message string  `json:"message"`
}

// ApplyBatch applies every item in order inside one transaction, per
// §4.7: create and delete never trigger overlap resolution within a
// batch (the client is expected to submit an already-resolved batch), so
// update always takes the non-overlap-resolving UpdateCaptionSimple path
// rather than UpdateWithOverlapResolution. Any item failing rolls back
// the entire batch and returns a BatchFailure naming the offending index;
// a non-nil error instead means the transaction itself could not be
// opened or committed, a condition distinct from a rejected batch item.
func (r *Repository) ApplyBatch(ctx context.Context, items []BatchItem) ([]BatchItemResult, *BatchFailure, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	results := make([]BatchItemResult, 0, len(items))
	for i, item := range items {
		id, err := applyBatchItem(ctx, tx, item)
		if err != nil {
			return nil, &BatchFailure{Index: i, Op: item.Op, Message: err.Error()}, nil
		}
		results = append(results, BatchItemResult{Op: item.Op, ID: id})
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit batch: %w", err)
	}
	return results, nil, nil
}

func applyBatchItem(ctx context.Context, tx *sql.Tx, item BatchItem) (int64, error) {
	switch item.Op {
	case BatchCreate:
		in, err := decodeCreateInput(item.Data)
		if err != nil {
			return 0, err
		}
		c, err := createCaptionWith(ctx, tx, in)
		if err != nil {
			return 0, err
		}
		return c.ID, nil

	case BatchUpdate:
		if item.ID == nil {
			return 0, fmt.Errorf("id required")
		}
		ok, err := updateCaptionSimpleWith(ctx, tx, *item.ID, item.Data)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("caption %d not found", *item.ID)
		}
		return *item.ID, nil

	case BatchDelete:
		if item.ID == nil {
			return 0, fmt.Errorf("id required")
		}
		ok, err := deleteCaptionWith(ctx, tx, *item.ID)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("caption %d not found", *item.ID)
		}
		return *item.ID, nil

	default:
		return 0, fmt.Errorf("unknown op %q", item.Op)
	}
}

// decodeCreateInput round-trips a batch item's data map through JSON into
// CreateInput, relying on encoding/json's case-insensitive field matching
// the same way handleCreateCaption's direct body decode does.
func decodeCreateInput(data map[string]any) (CreateInput, error) {
	var in CreateInput
	raw, err := json.Marshal(data)
	if err != nil {
		return in, fmt.Errorf("invalid create data: %w", err)
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, fmt.Errorf("invalid create data: %w", err)
	}
	return in, nil
}

// ClearAllCaptions is an internal-only maintenance operation (not exposed
// over the external API) used when reseeding a video's captions from
// scratch.
func (r *Repository) ClearAllCaptions(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM captions")
	if err != nil {
		return 0, fmt.Errorf("clear all captions: %w", err)
	}
	return result.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
