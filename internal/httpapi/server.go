// Package httpapi wires the REST surface (§6.1-6.3, §6.6) and the
// websocket upgrade endpoint (§6.4) onto gorilla/mux, following the
// teacher's HelixAPIServer handler-method shape (api/pkg/server).
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/captionsync/core/internal/apperr"
	"github.com/captionsync/core/internal/auth"
	"github.com/captionsync/core/internal/captions"
	"github.com/captionsync/core/internal/frameset"
	"github.com/captionsync/core/internal/lockmanager"
	"github.com/captionsync/core/internal/pubsub"
	"github.com/captionsync/core/internal/registry"
	"github.com/captionsync/core/internal/syncsession"
	"github.com/captionsync/core/internal/system"
	"github.com/captionsync/core/internal/types"
	"github.com/captionsync/core/internal/workingcopy"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server holds every component the HTTP surface dispatches into.
type Server struct {
	verifier    *auth.Verifier
	registry    *registry.Registry
	lockManager *lockmanager.Manager
	workingCopy *workingcopy.Store
	flow        *frameset.Flow
	bus         *pubsub.Bus
}

func New(verifier *auth.Verifier, reg *registry.Registry, lm *lockmanager.Manager, wc *workingcopy.Store, flow *frameset.Flow, bus *pubsub.Bus) *Server {
	return &Server{verifier: verifier, registry: reg, lockManager: lm, workingCopy: wc, flow: flow, bus: bus}
}

// Router builds the full mux.Router for the service.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	authed := r.PathPrefix("/api/v1").Subrouter()
	authed.Use(s.verifier.Middleware)

	authed.HandleFunc("/videos/{videoId}/lock", s.handleLockStatus).Methods(http.MethodGet)
	authed.HandleFunc("/videos/{videoId}/lock", s.handleAcquireLock).Methods(http.MethodPost)
	authed.HandleFunc("/videos/{videoId}/lock", s.handleReleaseLock).Methods(http.MethodDelete)
	authed.HandleFunc("/videos/{videoId}/ensure-state", s.handleEnsureState).Methods(http.MethodPost)

	authed.HandleFunc("/videos/{videoId}/captions", s.handleListCaptions).Methods(http.MethodGet)
	authed.HandleFunc("/videos/{videoId}/captions", s.handleCreateCaption).Methods(http.MethodPost)
	authed.HandleFunc("/videos/{videoId}/captions/batch", s.handleBatchCaptions).Methods(http.MethodPost)
	authed.HandleFunc("/videos/{videoId}/captions/{captionId}", s.handleUpdateCaption).Methods(http.MethodPatch)
	authed.HandleFunc("/videos/{videoId}/captions/{captionId}/text", s.handleUpdateCaptionText).Methods(http.MethodPatch)
	authed.HandleFunc("/videos/{videoId}/captions/{captionId}", s.handleDeleteCaption).Methods(http.MethodDelete)

	authed.HandleFunc("/videos/{videoId}/frameset-versions", s.handleListFramesetVersions).Methods(http.MethodGet)
	authed.HandleFunc("/videos/{videoId}/frameset-versions/approve-layout", s.handleApproveLayout).Methods(http.MethodPost)

	r.HandleFunc("/api/v1/videos/{videoId}/sync/{database}", s.handleSyncWebsocket)
	r.HandleFunc("/webhooks/object-store/videos", s.handleWebhook).Methods(http.MethodPost)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("httpapi: failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := statusForKind(kind)
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindLockContention, apperr.KindWorkflowLocked:
		return http.StatusConflict
	case apperr.KindSessionTransferred:
		return http.StatusGone
	case apperr.KindInvalidFormat, apperr.KindUnknownType:
		return http.StatusBadRequest
	case apperr.KindInvariantViolation:
		return http.StatusUnprocessableEntity
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func databaseFromPath(raw string) (types.DatabaseName, error) {
	switch types.DatabaseName(raw) {
	case types.DatabaseLayout:
		return types.DatabaseLayout, nil
	case types.DatabaseCaptions:
		return types.DatabaseCaptions, nil
	default:
		return "", apperr.New(apperr.KindInvalidFormat, "unknown database name "+raw)
	}
}

// lockStateResponse is the §6.1 `GET .../state` / `POST .../ensure-state`
// DTO: a computed view over types.DatabaseState rather than a dump of its
// gorm-tagged fields, since the wire contract is snake_case and asks for
// derived values (wasabi_synced, lock_holder_is_you) the row doesn't carry
// directly.
type lockStateResponse struct {
	ServerVersion    int64          `json:"server_version"`
	WasabiVersion    int64          `json:"wasabi_version"`
	WasabiSynced     bool           `json:"wasabi_synced"`
	LockHolderUserID *string        `json:"lock_holder_user_id,omitempty"`
	LockHolderIsYou  bool           `json:"lock_holder_is_you"`
	LockType         types.LockType `json:"lock_type"`
}

func buildLockStateResponse(state *types.DatabaseState, requestingUserID string) lockStateResponse {
	if state == nil {
		return lockStateResponse{LockType: types.LockNone}
	}
	return lockStateResponse{
		ServerVersion:    state.ServerVersion,
		WasabiVersion:    state.WasabiVersion,
		WasabiSynced:     !state.IsUnsaved(),
		LockHolderUserID: state.LockHolderUserID,
		LockHolderIsYou:  state.LockHolderUserID != nil && *state.LockHolderUserID == requestingUserID,
		LockType:         state.LockType,
	}
}

func (s *Server) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	videoID := mux.Vars(r)["videoId"]
	db, err := databaseFromPath(r.URL.Query().Get("database"))
	if err != nil {
		writeError(w, err)
		return
	}
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindAuth, "missing principal", err))
		return
	}

	state, err := s.registry.Get(r.Context(), videoID, db)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buildLockStateResponse(state, principal.UserID))
}

func (s *Server) handleEnsureState(w http.ResponseWriter, r *http.Request) {
	videoID := mux.Vars(r)["videoId"]
	db, err := databaseFromPath(r.URL.Query().Get("database"))
	if err != nil {
		writeError(w, err)
		return
	}
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindAuth, "missing principal", err))
		return
	}

	state, err := s.registry.GetOrCreate(r.Context(), videoID, db, principal.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buildLockStateResponse(state, principal.UserID))
}

// acquireLockResponse matches §6.1's `POST .../lock` shape; a denied
// request still answers 200 with granted=false per §7's REST policy for
// LockContention, distinct from the workflow entry point which raises.
type acquireLockResponse struct {
	Granted          bool    `json:"granted"`
	WebsocketURL     string  `json:"websocket_url,omitempty"`
	ServerVersion    int64   `json:"server_version,omitempty"`
	WasabiVersion    int64   `json:"wasabi_version,omitempty"`
	NeedsDownload    bool    `json:"needs_download,omitempty"`
	LockHolderUserID *string `json:"lock_holder_user_id,omitempty"`
}

func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	videoID := mux.Vars(r)["videoId"]
	db, err := databaseFromPath(r.URL.Query().Get("database"))
	if err != nil {
		writeError(w, err)
		return
	}
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindAuth, "missing principal", err))
		return
	}

	connectionID := system.GenerateConnectionID()
	state, err := s.lockManager.AcquireClientLock(r.Context(), videoID, db, principal.UserID, connectionID, principal.TenantID, nil)
	if err != nil {
		if apperr.Is(err, apperr.KindLockContention) || apperr.Is(err, apperr.KindWorkflowLocked) {
			resp := acquireLockResponse{Granted: false}
			if current, gerr := s.registry.Get(r.Context(), videoID, db); gerr == nil && current != nil && current.LockType == types.LockClient {
				resp.LockHolderUserID = current.LockHolderUserID
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, acquireLockResponse{
		Granted:       true,
		WebsocketURL:  "/api/v1/videos/" + videoID + "/sync/" + string(db) + "?connectionId=" + connectionID,
		ServerVersion: state.ServerVersion,
		WasabiVersion: state.WasabiVersion,
		NeedsDownload: !s.workingCopy.HasWorkingCopy(principal.TenantID, videoID, db),
	})
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	videoID := mux.Vars(r)["videoId"]
	db, err := databaseFromPath(r.URL.Query().Get("database"))
	if err != nil {
		writeError(w, err)
		return
	}
	connectionID := r.URL.Query().Get("connectionId")
	if connectionID == "" {
		writeError(w, apperr.New(apperr.KindInvalidFormat, "connectionId required"))
		return
	}

	if err := s.lockManager.ReleaseClientLock(r.Context(), videoID, db, connectionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleSyncWebsocket(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	videoID := vars["videoId"]
	db, err := databaseFromPath(vars["database"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	principal, err := s.verifier.VerifyBearerToken(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// The acquire-lock REST call (§4.4) mints connectionId and registers it
	// against the state row before the client ever opens this socket; bind
	// to that same id so the registry's active_connection_id check below
	// lines up with what the client was told.
	connectionID := r.URL.Query().Get("connectionId")
	if connectionID == "" {
		http.Error(w, "connectionId required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("httpapi: websocket upgrade failed")
		return
	}

	session := syncsession.New(conn, s.lockManager, s.registry, s.workingCopy, principal.TenantID, videoID, db, principal.UserID, connectionID)
	go func() {
		if err := session.Run(r.Context()); err != nil {
			log.Debug().Err(err).Str("video_id", videoID).Msg("httpapi: sync session ended")
		}
	}()
}

func capOpen(r *http.Request, s *Server, videoID string) (*captions.Repository, func(), error) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindAuth, "missing principal", err)
	}
	return captions.Open(r.Context(), s.workingCopy, principal.TenantID, videoID)
}
