// Package lockmanager implements C4: the single entry point for
// acquiring, transferring, and releasing the one lock a (video, database)
// pair may hold at a time (§3.1, §4.2). It depends only on the State
// Registry (C2); it never imports the Sync Session package (C5), breaking
// what would otherwise be a cyclic reference by talking to active sessions
// through the narrow Notifier interface instead.
package lockmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/captionsync/core/internal/apperr"
	"github.com/captionsync/core/internal/pubsub"
	"github.com/captionsync/core/internal/registry"
	"github.com/captionsync/core/internal/types"
)

// Notifier is the callback surface a live sync session registers with the
// Manager for the duration of its client lock. C5 implements this; C4
// never needs to know anything else about a session.
type Notifier interface {
	// NotifySessionTransferred tells a previously-holding session that a
	// newer connection for the same user now holds the lock. The session
	// must send a session_transferred message and close.
	NotifySessionTransferred(newConnectionID string)
	// NotifyServerLockSeized tells a holding session that a background
	// workflow has seized the lock out from under it. The session must
	// send a lock_changed message and close.
	NotifyServerLockSeized()
}

type sessionKey struct {
	videoID string
	db      types.DatabaseName
}

// Manager coordinates lock state held in the registry with the in-process
// set of live sync sessions that currently hold client locks.
type Manager struct {
	registry *registry.Registry
	bus      *pubsub.Bus

	mu       sync.Mutex
	sessions map[sessionKey]Notifier
}

func New(reg *registry.Registry) *Manager {
	return &Manager{
		registry: reg,
		sessions: make(map[sessionKey]Notifier),
	}
}

// SetBus attaches the cross-node fan-out bus. Safe to call once at
// startup before the manager serves any request; a nil bus (the default)
// disables cross-node fan-out and leaves lock safety to whichever single
// node holds the in-memory session map, which is correct for a
// single-node deployment.
func (m *Manager) SetBus(bus *pubsub.Bus) {
	m.bus = bus
}

// HandleRemoteEvent applies a lock event published by another API node to
// this node's local session map. A session this node has bound for
// (videoId, database) only exists here if some other node's acquisition
// raced ours, so this is a no-op in the common case; when it isn't, the
// local session is the one actually at risk of violating lock uniqueness
// and must be torn down exactly as if the seizure had happened locally.
func (m *Manager) HandleRemoteEvent(evt pubsub.Event) {
	key := sessionKey{videoID: evt.VideoID, db: evt.Database}
	m.mu.Lock()
	notifier, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if !ok || notifier == nil {
		return
	}

	switch evt.Type {
	case pubsub.EventSessionTransferred:
		notifier.NotifySessionTransferred(evt.NewConnectionID)
	case pubsub.EventLockChanged:
		notifier.NotifyServerLockSeized()
	}
}

func (m *Manager) publish(ctx context.Context, evt pubsub.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, evt); err != nil {
		log.Error().Err(err).Str("video_id", evt.VideoID).Msg("lockmanager: failed to publish lock event")
	}
}

// AcquireClientLock runs the acquisition protocol of §4.4 steps 1-5: it
// grants the lock if unlocked or already held by userID (same-user
// hand-off), evicting any prior session for that key via Notifier, and
// otherwise returns a typed conflict error.
func (m *Manager) AcquireClientLock(ctx context.Context, videoID string, db types.DatabaseName, userID, connectionID, tenantID string, notifier Notifier) (*types.DatabaseState, error) {
	state, granted, err := m.registry.AcquireClientLock(ctx, videoID, db, userID, connectionID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("lockmanager: acquire client lock: %w", err)
	}
	if !granted {
		if state != nil && state.LockType == types.LockServer {
			return nil, apperr.ErrWorkflowLocked
		}
		return nil, apperr.ErrLockContention
	}

	key := sessionKey{videoID: videoID, db: db}
	m.mu.Lock()
	prior, had := m.sessions[key]
	m.sessions[key] = notifier
	m.mu.Unlock()

	if had && prior != nil {
		prior.NotifySessionTransferred(connectionID)
	}
	// Published unconditionally: the prior holder's session may be bound
	// to a different API node than this one, so the local map having no
	// entry for key does not mean no session needs to be told.
	m.publish(ctx, pubsub.Event{Type: pubsub.EventSessionTransferred, VideoID: videoID, Database: db, NewConnectionID: connectionID})

	return state, nil
}

// ReleaseClientLock releases the lock iff connectionID is still the
// recorded active connection; a stale release (superseded by a later
// hand-off) is a no-op rather than an error.
func (m *Manager) ReleaseClientLock(ctx context.Context, videoID string, db types.DatabaseName, connectionID string) error {
	state, err := m.registry.Get(ctx, videoID, db)
	if err != nil {
		return err
	}
	if state == nil || state.ActiveConnectionID == nil || *state.ActiveConnectionID != connectionID {
		return nil
	}

	if err := m.registry.ReleaseLock(ctx, videoID, db); err != nil {
		return fmt.Errorf("lockmanager: release client lock: %w", err)
	}

	key := sessionKey{videoID: videoID, db: db}
	m.mu.Lock()
	if current, ok := m.sessions[key]; ok && current == nil {
		delete(m.sessions, key)
	}
	delete(m.sessions, key)
	m.mu.Unlock()

	return nil
}

// AcquireServerLock grants the lock to a background workflow (C8). Per
// §4.4 step 1, it never seizes a lock already held by a client session or
// another workflow — a failed CAS raises LockContention immediately, and
// the caller is expected to retry or wait. Any stray in-memory session
// entry for this key (left over from a session that has already released
// its client lock through the registry but not yet called Forget) is
// cleared so it cannot be notified against a lock it no longer holds.
func (m *Manager) AcquireServerLock(ctx context.Context, videoID string, db types.DatabaseName, tenantID string, userID *string) error {
	if _, err := m.registry.GetOrCreate(ctx, videoID, db, tenantID); err != nil {
		return fmt.Errorf("lockmanager: acquire server lock: %w", err)
	}

	granted, err := m.registry.AcquireServerLock(ctx, videoID, db, userID)
	if err != nil {
		return fmt.Errorf("lockmanager: acquire server lock: %w", err)
	}
	if !granted {
		return apperr.ErrLockContention
	}

	// §4.4 step 2: notify any session still registered for this key so it
	// stops accepting sync messages, then drop the stale registration.
	key := sessionKey{videoID: videoID, db: db}
	m.mu.Lock()
	victim, had := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()

	if had && victim != nil {
		victim.NotifyServerLockSeized()
	}
	// Published unconditionally for the same cross-node reason as the
	// client-lock hand-off above.
	m.publish(ctx, pubsub.Event{Type: pubsub.EventLockChanged, VideoID: videoID, Database: db})
	return nil
}

// ReleaseServerLock releases a workflow's lock on completion or failure.
func (m *Manager) ReleaseServerLock(ctx context.Context, videoID string, db types.DatabaseName) error {
	if err := m.registry.ReleaseLock(ctx, videoID, db); err != nil {
		return fmt.Errorf("lockmanager: release server lock: %w", err)
	}
	return nil
}

// Forget removes any session registration for (videoID, db) without
// touching registry state, used when a session closes on its own (normal
// disconnect, not hand-off or seizure) after it has already released its
// lock through ReleaseClientLock.
func (m *Manager) Forget(videoID string, db types.DatabaseName) {
	key := sessionKey{videoID: videoID, db: db}
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
}
