package captions

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/captionsync/core/internal/types"
)

func detectOverlaps(ctx context.Context, tx *sql.Tx, start, end int64, excludeID *int64) ([]types.Caption, error) {
	query := "SELECT " + captionColumns + " FROM captions WHERE NOT (end_frame_index < ? OR start_frame_index > ?)"
	args := []any{start, end}
	if excludeID != nil {
		query = "SELECT " + captionColumns + " FROM captions WHERE id != ? AND NOT (end_frame_index < ? OR start_frame_index > ?)"
		args = []any{*excludeID, start, end}
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("detect overlaps: %w", err)
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

func getCaptionTx(ctx context.Context, tx *sql.Tx, id int64) (*types.Caption, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+captionColumns+" FROM captions WHERE id = ?", id)
	return scanCaption(row)
}

// resolveOverlap classifies one overlapping caption against [start, end]
// and applies the corresponding mutation:
//
//   - contained (overlap fully inside [start, end]): delete it.
//   - straddles (overlap fully surrounds [start, end]): split it into a
//     left remainder ending at start-1 and a new right remainder
//     beginning at end+1, both marked pending re-confirmation.
//   - left-overhang (overlap starts before start but ends within range):
//     trim its end to start-1.
//   - right-overhang (overlap starts within range but ends after end):
//     trim its start to end+1.
func resolveOverlap(ctx context.Context, tx *sql.Tx, overlap types.Caption, start, end int64) ([]int64, []types.Caption, error) {
	var deleted []int64
	var modified []types.Caption

	switch {
	case overlap.StartFrameIndex >= start && overlap.EndFrameIndex <= end:
		if _, err := tx.ExecContext(ctx, "DELETE FROM captions WHERE id = ?", overlap.ID); err != nil {
			return nil, nil, fmt.Errorf("delete contained overlap: %w", err)
		}
		deleted = append(deleted, overlap.ID)

	case overlap.StartFrameIndex < start && overlap.EndFrameIndex > end:
		if _, err := tx.ExecContext(ctx, `
			UPDATE captions SET end_frame_index = ?, caption_frame_extents_pending = 1 WHERE id = ?
		`, start-1, overlap.ID); err != nil {
			return nil, nil, fmt.Errorf("trim straddling overlap left part: %w", err)
		}
		if left, err := getCaptionTx(ctx, tx, overlap.ID); err != nil {
			return nil, nil, err
		} else if left != nil {
			modified = append(modified, *left)
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO captions (start_frame_index, end_frame_index, caption_frame_extents_state,
				caption_frame_extents_pending, text)
			VALUES (?, ?, ?, 1, ?)
		`, end+1, overlap.EndFrameIndex, overlap.CaptionFrameExtentsState, overlap.Text)
		if err != nil {
			return nil, nil, fmt.Errorf("create straddling overlap right part: %w", err)
		}
		rightID, err := result.LastInsertId()
		if err != nil {
			return nil, nil, err
		}
		if right, err := getCaptionTx(ctx, tx, rightID); err != nil {
			return nil, nil, err
		} else if right != nil {
			modified = append(modified, *right)
		}

	case overlap.StartFrameIndex < start:
		if _, err := tx.ExecContext(ctx, `
			UPDATE captions SET end_frame_index = ?, caption_frame_extents_pending = 1 WHERE id = ?
		`, start-1, overlap.ID); err != nil {
			return nil, nil, fmt.Errorf("trim left-overhang overlap: %w", err)
		}
		if cap, err := getCaptionTx(ctx, tx, overlap.ID); err != nil {
			return nil, nil, err
		} else if cap != nil {
			modified = append(modified, *cap)
		}

	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE captions SET start_frame_index = ?, caption_frame_extents_pending = 1 WHERE id = ?
		`, end+1, overlap.ID); err != nil {
			return nil, nil, fmt.Errorf("trim right-overhang overlap: %w", err)
		}
		if cap, err := getCaptionTx(ctx, tx, overlap.ID); err != nil {
			return nil, nil, err
		} else if cap != nil {
			modified = append(modified, *cap)
		}
	}

	return deleted, modified, nil
}

// createGapCaptions backfills frames the original interval covered but
// the new, narrower interval does not.
func createGapCaptions(ctx context.Context, tx *sql.Tx, original types.Caption, newStart, newEnd int64) ([]types.Caption, error) {
	var gaps []types.Caption

	if newStart > original.StartFrameIndex {
		gap, err := createOrMergeGap(ctx, tx, original.StartFrameIndex, newStart-1)
		if err != nil {
			return nil, err
		}
		if gap != nil {
			gaps = append(gaps, *gap)
		}
	}

	if newEnd < original.EndFrameIndex {
		gap, err := createOrMergeGap(ctx, tx, newEnd+1, original.EndFrameIndex)
		if err != nil {
			return nil, err
		}
		if gap != nil {
			gaps = append(gaps, *gap)
		}
	}

	return gaps, nil
}

// createOrMergeGap inserts a gap caption covering [gapStart, gapEnd],
// absorbing any gap caption immediately adjacent on either side so two
// neighboring gaps never remain as separate rows.
func createOrMergeGap(ctx context.Context, tx *sql.Tx, gapStart, gapEnd int64) (*types.Caption, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+captionColumns+` FROM captions
		WHERE caption_frame_extents_state = 'gap'
		AND (end_frame_index = ? - 1 OR start_frame_index = ? + 1)
		ORDER BY start_frame_index
	`, gapStart, gapEnd)
	if err != nil {
		return nil, fmt.Errorf("find adjacent gaps: %w", err)
	}
	var adjacent []types.Caption
	for rows.Next() {
		c, err := scanCaptionRows(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		adjacent = append(adjacent, *c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	mergedStart, mergedEnd := gapStart, gapEnd
	var toDelete []int64
	for _, gap := range adjacent {
		switch {
		case gap.EndFrameIndex == gapStart-1:
			mergedStart = gap.StartFrameIndex
			toDelete = append(toDelete, gap.ID)
		case gap.StartFrameIndex == gapEnd+1:
			mergedEnd = gap.EndFrameIndex
			toDelete = append(toDelete, gap.ID)
		}
	}

	for _, id := range toDelete {
		if _, err := tx.ExecContext(ctx, "DELETE FROM captions WHERE id = ?", id); err != nil {
			return nil, fmt.Errorf("delete adjacent gap %d: %w", id, err)
		}
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO captions (start_frame_index, end_frame_index, caption_frame_extents_state, caption_frame_extents_pending)
		VALUES (?, ?, 'gap', 0)
	`, mergedStart, mergedEnd)
	if err != nil {
		return nil, fmt.Errorf("insert merged gap: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return getCaptionTx(ctx, tx, id)
}
