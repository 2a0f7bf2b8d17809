package captions

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/captionsync/core/internal/types"
)

// newTestRepository opens an in-memory sqlite database with the same
// captions table shape workingcopy.ensureSchema creates for a captions
// working copy, so these tests exercise the real SQL the repository issues
// without needing a full Store/Gateway/Registry stack.
func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE captions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		start_frame_index INTEGER NOT NULL,
		end_frame_index INTEGER NOT NULL,
		caption_frame_extents_state TEXT NOT NULL DEFAULT 'predicted',
		caption_frame_extents_pending INTEGER NOT NULL DEFAULT 0,
		caption_frame_extents_updated_at TEXT,
		text TEXT,
		text_pending INTEGER NOT NULL DEFAULT 0,
		text_status TEXT,
		text_notes TEXT,
		text_updated_at TEXT,
		image_needs_regen INTEGER NOT NULL DEFAULT 0,
		caption_ocr TEXT,
		caption_ocr_status TEXT,
		caption_ocr_error TEXT,
		caption_ocr_processed_at TEXT,
		created_at TEXT DEFAULT (datetime('now'))
	)`)
	require.NoError(t, err)

	return &Repository{db: db}
}

func mustCreate(t *testing.T, r *Repository, start, end int64, state types.CaptionFrameExtentsState) *types.Caption {
	t.Helper()
	c, err := r.CreateCaption(context.Background(), CreateInput{
		StartFrameIndex:          start,
		EndFrameIndex:            end,
		CaptionFrameExtentsState: state,
	})
	require.NoError(t, err)
	return c
}

func TestCreateCaption_NeedsImageRegenUnlessGapOrPending(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	confirmed, err := r.CreateCaption(ctx, CreateInput{StartFrameIndex: 0, EndFrameIndex: 10, CaptionFrameExtentsState: types.CaptionConfirmed})
	require.NoError(t, err)
	require.True(t, confirmed.ImageNeedsRegen)

	gap, err := r.CreateCaption(ctx, CreateInput{StartFrameIndex: 11, EndFrameIndex: 20, CaptionFrameExtentsState: types.CaptionGap})
	require.NoError(t, err)
	require.False(t, gap.ImageNeedsRegen)

	pending, err := r.CreateCaption(ctx, CreateInput{StartFrameIndex: 21, EndFrameIndex: 30, CaptionFrameExtentsState: types.CaptionPredicted, CaptionFrameExtentsPending: true})
	require.NoError(t, err)
	require.False(t, pending.ImageNeedsRegen)
}

func TestListCaptions_OrdersByStartFrame(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	mustCreate(t, r, 100, 200, types.CaptionConfirmed)
	mustCreate(t, r, 0, 99, types.CaptionConfirmed)

	out, err := r.ListCaptions(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, int64(0), out[0].StartFrameIndex)
	require.Equal(t, int64(100), out[1].StartFrameIndex)
}

func TestListCaptions_FrameRangeFilter(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	mustCreate(t, r, 0, 50, types.CaptionConfirmed)
	mustCreate(t, r, 51, 100, types.CaptionConfirmed)
	mustCreate(t, r, 101, 150, types.CaptionConfirmed)

	out, err := r.ListCaptions(ctx, ListFilter{HasFrameRange: true, StartFrame: 60, EndFrame: 110})
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestListCaptions_WorkableOnlyFilter(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	mustCreate(t, r, 0, 50, types.CaptionConfirmed)
	mustCreate(t, r, 51, 100, types.CaptionGap)

	out, err := r.ListCaptions(ctx, ListFilter{WorkableOnly: true})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, types.CaptionGap, out[0].CaptionFrameExtentsState)
}

func TestUpdateWithOverlapResolution_ContainedCaptionIsDeleted(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	target := mustCreate(t, r, 0, 500, types.CaptionConfirmed)
	contained := mustCreate(t, r, 100, 150, types.CaptionConfirmed)

	result, err := r.UpdateWithOverlapResolution(ctx, target.ID, 90, 160, types.CaptionConfirmed)
	require.NoError(t, err)
	require.Contains(t, result.DeletedCaptions, contained.ID)

	gone, err := r.GetCaption(ctx, contained.ID)
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestUpdateWithOverlapResolution_StraddlingCaptionSplitsInTwo(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	target := mustCreate(t, r, 0, 500, types.CaptionConfirmed)
	straddler := mustCreate(t, r, 50, 250, types.CaptionConfirmed)

	result, err := r.UpdateWithOverlapResolution(ctx, target.ID, 100, 200, types.CaptionConfirmed)
	require.NoError(t, err)
	require.Len(t, result.ModifiedCaptions, 2, "a straddling caption must produce a left and right remainder")

	left, err := r.GetCaption(ctx, straddler.ID)
	require.NoError(t, err)
	require.Equal(t, int64(50), left.StartFrameIndex)
	require.Equal(t, int64(99), left.EndFrameIndex)
	require.True(t, left.CaptionFrameExtentsPending)

	all, err := r.ListCaptions(ctx, ListFilter{})
	require.NoError(t, err)
	var right *types.Caption
	for i := range all {
		if all[i].ID != straddler.ID && all[i].ID != target.ID && all[i].StartFrameIndex == 201 {
			right = &all[i]
		}
	}
	require.NotNil(t, right, "right remainder of the straddling caption must exist")
	require.Equal(t, int64(250), right.EndFrameIndex)
	require.True(t, right.CaptionFrameExtentsPending)
}

func TestUpdateWithOverlapResolution_LeftOverhangIsTrimmed(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	target := mustCreate(t, r, 0, 500, types.CaptionConfirmed)
	overhang := mustCreate(t, r, 50, 150, types.CaptionConfirmed)

	_, err := r.UpdateWithOverlapResolution(ctx, target.ID, 100, 300, types.CaptionConfirmed)
	require.NoError(t, err)

	trimmed, err := r.GetCaption(ctx, overhang.ID)
	require.NoError(t, err)
	require.Equal(t, int64(50), trimmed.StartFrameIndex)
	require.Equal(t, int64(99), trimmed.EndFrameIndex)
	require.True(t, trimmed.CaptionFrameExtentsPending)
}

func TestUpdateWithOverlapResolution_RightOverhangIsTrimmed(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	target := mustCreate(t, r, 0, 500, types.CaptionConfirmed)
	overhang := mustCreate(t, r, 250, 400, types.CaptionConfirmed)

	_, err := r.UpdateWithOverlapResolution(ctx, target.ID, 100, 300, types.CaptionConfirmed)
	require.NoError(t, err)

	trimmed, err := r.GetCaption(ctx, overhang.ID)
	require.NoError(t, err)
	require.Equal(t, int64(301), trimmed.StartFrameIndex)
	require.Equal(t, int64(400), trimmed.EndFrameIndex)
	require.True(t, trimmed.CaptionFrameExtentsPending)
}

func TestUpdateWithOverlapResolution_ShrinkingCreatesGap(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	target := mustCreate(t, r, 100, 300, types.CaptionConfirmed)

	result, err := r.UpdateWithOverlapResolution(ctx, target.ID, 150, 250, types.CaptionConfirmed)
	require.NoError(t, err)
	require.Len(t, result.CreatedGaps, 2, "shrinking on both sides must backfill two gaps")

	var starts, ends []int64
	for _, g := range result.CreatedGaps {
		starts = append(starts, g.StartFrameIndex)
		ends = append(ends, g.EndFrameIndex)
		require.Equal(t, types.CaptionGap, g.CaptionFrameExtentsState)
	}
	require.Contains(t, starts, int64(100))
	require.Contains(t, ends, int64(149))
	require.Contains(t, starts, int64(251))
	require.Contains(t, ends, int64(300))
}

func TestUpdateWithOverlapResolution_ShrinkMergesWithAdjacentGap(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	// Existing gap immediately to the left of the target caption.
	mustCreate(t, r, 0, 99, types.CaptionGap)
	target := mustCreate(t, r, 100, 300, types.CaptionConfirmed)

	result, err := r.UpdateWithOverlapResolution(ctx, target.ID, 150, 300, types.CaptionConfirmed)
	require.NoError(t, err)
	require.Len(t, result.CreatedGaps, 1)
	require.Equal(t, int64(0), result.CreatedGaps[0].StartFrameIndex, "merged gap must absorb the pre-existing adjacent gap's start")
	require.Equal(t, int64(149), result.CreatedGaps[0].EndFrameIndex)

	all, err := r.ListCaptions(ctx, ListFilter{})
	require.NoError(t, err)
	gapCount := 0
	for _, c := range all {
		if c.CaptionFrameExtentsState == types.CaptionGap {
			gapCount++
		}
	}
	require.Equal(t, 1, gapCount, "the old adjacent gap row must be deleted, not left alongside the new one")
}

func TestUpdateWithOverlapResolution_BoundaryUnchangedDoesNotFlagImageRegen(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	target := mustCreate(t, r, 100, 300, types.CaptionConfirmed)

	result, err := r.UpdateWithOverlapResolution(ctx, target.ID, 100, 300, types.CaptionConfirmed)
	require.NoError(t, err)
	require.False(t, result.Caption.ImageNeedsRegen)
	require.False(t, result.Caption.CaptionFrameExtentsPending)
}

func TestUpdateCaptionText(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	c := mustCreate(t, r, 0, 100, types.CaptionConfirmed)
	text := "hello world"
	status := "confirmed"

	updated, err := r.UpdateCaptionText(ctx, c.ID, TextUpdate{Text: &text, TextStatus: &status})
	require.NoError(t, err)
	require.Equal(t, text, *updated.Text)
	require.Equal(t, status, *updated.TextStatus)
	require.False(t, updated.TextPending)
}

func TestUpdateCaptionSimple_IgnoresUnknownFields(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	c := mustCreate(t, r, 0, 100, types.CaptionConfirmed)

	ok, err := r.UpdateCaptionSimple(ctx, c.ID, map[string]any{
		"startFrameIndex": int64(10),
		"notAColumn":      "ignored",
	})
	require.NoError(t, err)
	require.True(t, ok)

	updated, err := r.GetCaption(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), updated.StartFrameIndex)
}

func TestDeleteCaption(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	c := mustCreate(t, r, 0, 100, types.CaptionConfirmed)

	ok, err := r.DeleteCaption(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, ok)

	gone, err := r.GetCaption(ctx, c.ID)
	require.NoError(t, err)
	require.Nil(t, gone)

	ok, err = r.DeleteCaption(ctx, c.ID)
	require.NoError(t, err)
	require.False(t, ok, "deleting an already-deleted caption must report no rows affected")
}

func TestApplyBatch_CreateUpdateDeleteInOneTransaction(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	toDelete := mustCreate(t, r, 500, 600, types.CaptionConfirmed)
	toUpdate := mustCreate(t, r, 0, 100, types.CaptionConfirmed)

	results, failure, err := r.ApplyBatch(ctx, []BatchItem{
		{Op: BatchCreate, Data: map[string]any{
			"startFrameIndex":          int64(700),
			"endFrameIndex":            int64(800),
			"captionFrameExtentsState": string(types.CaptionConfirmed),
		}},
		{Op: BatchUpdate, ID: &toUpdate.ID, Data: map[string]any{"startFrameIndex": int64(10)}},
		{Op: BatchDelete, ID: &toDelete.ID},
	})
	require.NoError(t, err)
	require.Nil(t, failure)
	require.Len(t, results, 3)
	require.Equal(t, BatchCreate, results[0].Op)
	require.Equal(t, BatchUpdate, results[1].Op)
	require.Equal(t, toUpdate.ID, results[1].ID)
	require.Equal(t, BatchDelete, results[2].Op)
	require.Equal(t, toDelete.ID, results[2].ID)

	updated, err := r.GetCaption(ctx, toUpdate.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10), updated.StartFrameIndex)

	gone, err := r.GetCaption(ctx, toDelete.ID)
	require.NoError(t, err)
	require.Nil(t, gone)

	created, err := r.ListCaptions(ctx, ListFilter{HasFrameRange: true, StartFrame: 700, EndFrame: 800})
	require.NoError(t, err)
	require.Len(t, created, 1)
}

func TestApplyBatch_FailureRollsBackEntireBatch(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	c := mustCreate(t, r, 0, 100, types.CaptionConfirmed)
	missingID := c.ID + 999

	results, failure, err := r.ApplyBatch(ctx, []BatchItem{
		{Op: BatchUpdate, ID: &c.ID, Data: map[string]any{"startFrameIndex": int64(55)}},
		{Op: BatchUpdate, ID: &missingID, Data: map[string]any{"startFrameIndex": int64(1)}},
	})
	require.NoError(t, err)
	require.Nil(t, results)
	require.NotNil(t, failure)
	require.Equal(t, 1, failure.Index)
	require.Equal(t, BatchUpdate, failure.Op)

	// The first item's update must not have survived the rollback.
	unchanged, err := r.GetCaption(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), unchanged.StartFrameIndex)
}

func TestClearAllCaptions(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	mustCreate(t, r, 0, 100, types.CaptionConfirmed)
	mustCreate(t, r, 101, 200, types.CaptionConfirmed)

	n, err := r.ClearAllCaptions(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	out, err := r.ListCaptions(ctx, ListFilter{})
	require.NoError(t, err)
	require.Empty(t, out)
}
