package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/captionsync/core/internal/apperr"
	"github.com/captionsync/core/internal/captions"
	"github.com/captionsync/core/internal/types"
)

func parseCaptionID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["captionId"], 10, 64)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInvalidFormat, "invalid caption id", err)
	}
	return id, nil
}

func (s *Server) handleListCaptions(w http.ResponseWriter, r *http.Request) {
	videoID := mux.Vars(r)["videoId"]
	repo, release, err := capOpen(r, s, videoID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	var filter captions.ListFilter
	q := r.URL.Query()
	if start := q.Get("startFrame"); start != "" {
		if end := q.Get("endFrame"); end != "" {
			sv, serr := strconv.ParseInt(start, 10, 64)
			ev, eerr := strconv.ParseInt(end, 10, 64)
			if serr != nil || eerr != nil {
				writeError(w, apperr.New(apperr.KindInvalidFormat, "invalid frame range"))
				return
			}
			filter.HasFrameRange = true
			filter.StartFrame = sv
			filter.EndFrame = ev
		}
	}
	filter.WorkableOnly = q.Get("workableOnly") == "true"

	list, err := repo.ListCaptions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateCaption(w http.ResponseWriter, r *http.Request) {
	videoID := mux.Vars(r)["videoId"]
	repo, release, err := capOpen(r, s, videoID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	var in captions.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInvalidFormat, "invalid body", err))
		return
	}

	caption, err := repo.CreateCaption(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, caption)
}

type updateCaptionRequest struct {
	StartFrameIndex int64                           `json:"startFrameIndex"`
	EndFrameIndex   int64                           `json:"endFrameIndex"`
	State           types.CaptionFrameExtentsState `json:"captionFrameExtentsState"`
}

func (s *Server) handleUpdateCaption(w http.ResponseWriter, r *http.Request) {
	videoID := mux.Vars(r)["videoId"]
	id, err := parseCaptionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	repo, release, err := capOpen(r, s, videoID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	var in updateCaptionRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInvalidFormat, "invalid body", err))
		return
	}

	result, err := repo.UpdateWithOverlapResolution(r.Context(), id, in.StartFrameIndex, in.EndFrameIndex, in.State)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpdateCaptionText(w http.ResponseWriter, r *http.Request) {
	videoID := mux.Vars(r)["videoId"]
	id, err := parseCaptionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	repo, release, err := capOpen(r, s, videoID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	var in captions.TextUpdate
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInvalidFormat, "invalid body", err))
		return
	}

	caption, err := repo.UpdateCaptionText(r.Context(), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, caption)
}

type batchRequest struct {
	Operations []captions.BatchItem `json:"operations"`
}

type batchSuccessResponse struct {
	Success bool                      `json:"success"`
	Results []captions.BatchItemResult `json:"results"`
}

type batchFailureResponse struct {
	Success bool                  `json:"success"`
	Error   *captions.BatchFailure `json:"error"`
}

func (s *Server) handleBatchCaptions(w http.ResponseWriter, r *http.Request) {
	videoID := mux.Vars(r)["videoId"]
	repo, release, err := capOpen(r, s, videoID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInvalidFormat, "invalid body", err))
		return
	}

	results, failure, err := repo.ApplyBatch(r.Context(), req.Operations)
	if err != nil {
		writeError(w, err)
		return
	}
	if failure != nil {
		writeJSON(w, http.StatusOK, batchFailureResponse{Success: false, Error: failure})
		return
	}
	writeJSON(w, http.StatusOK, batchSuccessResponse{Success: true, Results: results})
}

func (s *Server) handleDeleteCaption(w http.ResponseWriter, r *http.Request) {
	videoID := mux.Vars(r)["videoId"]
	id, err := parseCaptionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	repo, release, err := capOpen(r, s, videoID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer release()

	ok, err := repo.DeleteCaption(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apperr.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
