// Package pubsub fans lock and session-transfer notifications out across
// API nodes so a client whose websocket is bound to a different node than
// the one that granted a competing lock still gets evicted. Grounded on
// the teacher's NATS pubsub (api/pkg/pubsub/pubsub.go, nats.go), trimmed
// to plain publish/subscribe since this core has no need for JetStream's
// durable delivery — a missed notification just means the loser notices
// on its next activity touch instead of instantly.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/captionsync/core/internal/types"
)

// EventType distinguishes the two cross-node notifications C4 needs to
// broadcast.
type EventType string

const (
	EventLockChanged        EventType = "lock_changed"
	EventSessionTransferred EventType = "session_transferred"
)

// Event is the payload published to the lock-events subject.
type Event struct {
	Type             EventType          `json:"type"`
	VideoID          string             `json:"videoId"`
	Database         types.DatabaseName `json:"database"`
	NewConnectionID  string             `json:"newConnectionId,omitempty"`
	OriginNodeID     string             `json:"originNodeId"`
}

const lockEventsSubject = "captionsync.lock_events"

// Bus publishes and subscribes to cross-node lock events over NATS.
type Bus struct {
	conn   *nats.Conn
	nodeID string
}

func Connect(url, nodeID string) (*Bus, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("pubsub: connect to nats: %w", err)
	}
	return &Bus{conn: conn, nodeID: nodeID}, nil
}

func (b *Bus) Close() {
	b.conn.Close()
}

func (b *Bus) Publish(ctx context.Context, evt Event) error {
	evt.OriginNodeID = b.nodeID
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("pubsub: marshal event: %w", err)
	}
	if err := b.conn.Publish(lockEventsSubject, data); err != nil {
		return fmt.Errorf("pubsub: publish: %w", err)
	}
	return nil
}

// Subscribe delivers every lock event originating from another node;
// events this node published itself are filtered out since the
// in-process lockmanager.Manager already handled them synchronously.
func (b *Bus) Subscribe(handler func(Event)) (func() error, error) {
	sub, err := b.conn.Subscribe(lockEventsSubject, func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			log.Error().Err(err).Msg("pubsub: malformed lock event")
			return
		}
		if evt.OriginNodeID == b.nodeID {
			return
		}
		handler(evt)
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub: subscribe: %w", err)
	}
	return sub.Unsubscribe, nil
}
