// Package syncsession implements C5: the per-connection websocket
// lifecycle that binds one client connection to one (video, database)
// lock for as long as it is open. Message handling follows strict FIFO
// order per socket; writes are serialized through a single send
// goroutine, the pattern the pack's desktop session registry
// (api/pkg/desktop/session_registry.go) uses for its connection writes.
package syncsession

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/captionsync/core/internal/apperr"
	"github.com/captionsync/core/internal/lockmanager"
	"github.com/captionsync/core/internal/registry"
	"github.com/captionsync/core/internal/types"
	"github.com/captionsync/core/internal/workingcopy"
)

type State int32

const (
	StateOpening State = iota
	StateBound
	StateDraining
	StateClosed
)

type MessageType string

const (
	MsgPing               MessageType = "ping"
	MsgPong               MessageType = "pong"
	MsgSync               MessageType = "sync"
	MsgAck                MessageType = "ack"
	MsgServerUpdate       MessageType = "server_update"
	MsgLockChanged        MessageType = "lock_changed"
	MsgSessionTransferred MessageType = "session_transferred"
	MsgError              MessageType = "error"
)

// Message is the wire envelope for every direction of traffic.
type Message struct {
	Type          MessageType      `json:"type"`
	RequestID     string           `json:"requestId,omitempty"`
	Deltas        []types.RowDelta `json:"deltas,omitempty"`
	VersionVector types.VersionVector `json:"versionVector,omitempty"`
	ServerVersion int64            `json:"serverVersion,omitempty"`
	ErrorKind     string           `json:"errorKind,omitempty"`
	ErrorMessage  string           `json:"errorMessage,omitempty"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	sendBufferSize = 64
)

// Session owns one websocket connection bound to one (video, database)
// client lock.
type Session struct {
	conn         *websocket.Conn
	manager      *lockmanager.Manager
	registry     *registry.Registry
	workingCopy  *workingcopy.Store
	logger       zerolog.Logger

	tenantID     string
	videoID      string
	db           types.DatabaseName
	userID       string
	connectionID string

	state     atomic.Int32
	send      chan Message
	closeOnce sync.Once
	done      chan struct{}
}

func New(conn *websocket.Conn, manager *lockmanager.Manager, reg *registry.Registry, wc *workingcopy.Store, tenantID, videoID string, db types.DatabaseName, userID, connectionID string) *Session {
	s := &Session{
		conn:         conn,
		manager:      manager,
		registry:     reg,
		workingCopy:  wc,
		logger:       log.With().Str("video_id", videoID).Str("database", string(db)).Str("connection_id", connectionID).Logger(),
		tenantID:     tenantID,
		videoID:      videoID,
		db:           db,
		userID:       userID,
		connectionID: connectionID,
		send:         make(chan Message, sendBufferSize),
		done:         make(chan struct{}),
	}
	s.state.Store(int32(StateOpening))
	return s
}

// NotifySessionTransferred implements lockmanager.Notifier.
func (s *Session) NotifySessionTransferred(newConnectionID string) {
	s.enqueueControl(Message{Type: MsgSessionTransferred})
	s.beginDrain()
}

// NotifyServerLockSeized implements lockmanager.Notifier.
func (s *Session) NotifyServerLockSeized() {
	s.enqueueControl(Message{Type: MsgLockChanged})
	s.beginDrain()
}

func (s *Session) enqueueControl(msg Message) {
	select {
	case s.send <- msg:
	default:
		s.logger.Warn().Str("type", string(msg.Type)).Msg("syncsession: send buffer full, dropping control message")
	}
}

func (s *Session) beginDrain() {
	s.state.CompareAndSwap(int32(StateBound), int32(StateDraining))
	s.closeOnce.Do(func() { close(s.done) })
}

// Run acquires the client lock, then pumps reads and writes until the
// connection closes, the lock is lost, or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	state, err := s.manager.AcquireClientLock(ctx, s.videoID, s.db, s.userID, s.connectionID, s.tenantID, s)
	if err != nil {
		s.writeError(err)
		s.conn.Close()
		return err
	}
	s.state.Store(int32(StateBound))

	s.send <- Message{Type: MsgServerUpdate, ServerVersion: state.ServerVersion}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump()
	}()
	go func() {
		defer wg.Done()
		s.readPump(ctx)
	}()

	select {
	case <-ctx.Done():
		s.beginDrain()
	case <-s.done:
	}
	wg.Wait()

	s.state.Store(int32(StateClosed))
	_ = s.manager.ReleaseClientLock(context.Background(), s.videoID, s.db, s.connectionID)
	s.manager.Forget(s.videoID, s.db)
	return nil
}

func (s *Session) readPump(ctx context.Context) {
	defer s.beginDrain()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("syncsession: read error")
			}
			return
		}
		// Messages are handled strictly in arrival order on this goroutine;
		// no handler may be dispatched concurrently with another for the
		// same socket.
		s.handle(ctx, msg)
	}
}

func (s *Session) handle(ctx context.Context, msg Message) {
	switch msg.Type {
	case MsgPing:
		s.send <- Message{Type: MsgPong, RequestID: msg.RequestID}
		_ = s.registry.TouchActivity(ctx, s.videoID, s.db)

	case MsgSync:
		// §4.5: sync is only handled while Bound, and even then the
		// registry — not this session's own belief about its state — is
		// the source of truth for whether this connection still holds the
		// client lock. Another API node may have transferred or seized it
		// since the last message on this socket.
		if s.State() != StateBound {
			return
		}

		state, err := s.registry.Get(ctx, s.videoID, s.db)
		if err != nil {
			s.writeErrorWithRequestID(msg.RequestID, err)
			return
		}
		if state == nil || state.ActiveConnectionID == nil || *state.ActiveConnectionID != s.connectionID {
			s.writeErrorWithRequestID(msg.RequestID, apperr.ErrSessionTransferred)
			s.beginDrain()
			return
		}
		if state.LockType != types.LockClient {
			s.writeErrorWithRequestID(msg.RequestID, apperr.ErrWorkflowLocked)
			s.beginDrain()
			return
		}

		newVersion, err := s.workingCopy.ApplyChanges(ctx, s.tenantID, s.videoID, s.db, msg.Deltas)
		if err != nil {
			s.writeErrorWithRequestID(msg.RequestID, err)
			return
		}
		s.send <- Message{Type: MsgAck, RequestID: msg.RequestID, ServerVersion: newVersion}
		_ = s.registry.TouchActivity(ctx, s.videoID, s.db)

	case MsgAck:
		// Client acknowledging a server_update; nothing further to do.

	default:
		s.send <- Message{
			Type:         MsgError,
			RequestID:    msg.RequestID,
			ErrorKind:    string(apperr.KindUnknownType),
			ErrorMessage: "unrecognized message type",
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Debug().Err(err).Msg("syncsession: write error")
				return
			}
			if (msg.Type == MsgSessionTransferred || msg.Type == MsgLockChanged) && s.State() == StateDraining {
				s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			// Drain whatever is already queued (e.g. the transfer/seizure
			// notice itself) before returning.
			for {
				select {
				case msg := <-s.send:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					s.conn.WriteJSON(msg) //nolint:errcheck
				default:
					return
				}
			}
		}
	}
}

func (s *Session) writeError(err error) {
	s.writeErrorWithRequestID("", err)
}

func (s *Session) writeErrorWithRequestID(requestID string, err error) {
	kind := apperr.KindOf(err)
	msg := Message{
		Type:         MsgError,
		RequestID:    requestID,
		ErrorKind:    string(kind),
		ErrorMessage: err.Error(),
	}
	select {
	case s.send <- msg:
	default:
		b, _ := json.Marshal(msg)
		s.logger.Warn().RawJSON("message", b).Msg("syncsession: send buffer full, writing error directly")
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.conn.WriteJSON(msg) //nolint:errcheck
	}
}

func (s *Session) State() State { return State(s.state.Load()) }
