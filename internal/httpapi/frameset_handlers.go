package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/captionsync/core/internal/apperr"
	"github.com/captionsync/core/internal/auth"
	"github.com/captionsync/core/internal/frameset"
	"github.com/captionsync/core/internal/system"
	"github.com/captionsync/core/internal/types"
)

func (s *Server) handleListFramesetVersions(w http.ResponseWriter, r *http.Request) {
	videoID := mux.Vars(r)["videoId"]
	versions, err := s.registry.ListFramesetVersions(r.Context(), videoID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

type approveLayoutRequest struct {
	CropBounds types.CropBounds `json:"cropBounds"`
	FrameRate  float64          `json:"frameRate"`
}

type approveLayoutResponse struct {
	JobID string `json:"jobId"`
}

// handleApproveLayout kicks off C8's publish flow asynchronously and
// hands the caller a jobId to poll elsewhere (§6.3); the flow itself runs
// to completion on a detached context so a client disconnect never
// aborts a layout approval already in flight.
func (s *Server) handleApproveLayout(w http.ResponseWriter, r *http.Request) {
	videoID := mux.Vars(r)["videoId"]
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindAuth, "missing principal", err))
		return
	}

	var in approveLayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInvalidFormat, "invalid body", err))
		return
	}
	if in.CropBounds == (types.CropBounds{}) {
		writeError(w, apperr.New(apperr.KindInvalidFormat, "crop bounds required to approve layout"))
		return
	}

	jobID := system.GenerateJobID()
	publishInput := frameset.PublishInput{
		VideoID:           videoID,
		TenantID:          principal.TenantID,
		CropBounds:        in.CropBounds,
		FrameRate:         in.FrameRate,
		TriggeredByUserID: &principal.UserID,
	}
	go func() {
		if _, err := s.flow.ApproveLayout(context.Background(), publishInput); err != nil {
			log.Error().Err(err).Str("job_id", jobID).Str("video_id", videoID).
				Msg("httpapi: approve-layout job failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, approveLayoutResponse{JobID: jobID})
}

// webhookEnvelope is the §6.6 object-store-change notification an
// external pipeline posts once a new video row lands; only an INSERT on
// the videos table triggers a publish.
type webhookEnvelope struct {
	Type   string        `json:"type"`
	Table  string        `json:"table"`
	Record webhookRecord `json:"record"`
}

type webhookRecord struct {
	VideoID    string           `json:"videoId"`
	TenantID   string           `json:"tenantId"`
	CropBounds types.CropBounds `json:"cropBounds"`
	FrameRate  float64          `json:"frameRate"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.verifier.VerifyWebhookBearer(r.Header.Get("Authorization")); err != nil {
		writeError(w, err)
		return
	}

	var in webhookEnvelope
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInvalidFormat, "invalid body", err))
		return
	}
	if in.Table != "videos" {
		writeError(w, apperr.New(apperr.KindInvalidFormat, "unsupported table "+in.Table))
		return
	}
	if in.Record.VideoID == "" || in.Record.TenantID == "" {
		writeError(w, apperr.New(apperr.KindInvalidFormat, "record missing videoId or tenantId"))
		return
	}

	if in.Type != "INSERT" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	jobID := system.GenerateJobID()
	publishInput := frameset.PublishInput{
		VideoID:    in.Record.VideoID,
		TenantID:   in.Record.TenantID,
		CropBounds: in.Record.CropBounds,
		FrameRate:  in.Record.FrameRate,
	}
	go func() {
		if _, err := s.flow.Publish(context.Background(), publishInput); err != nil {
			log.Error().Err(err).Str("job_id", jobID).Str("video_id", in.Record.VideoID).
				Msg("httpapi: webhook-triggered publish failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, approveLayoutResponse{JobID: jobID})
}
