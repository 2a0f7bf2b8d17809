package syncsession

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/captionsync/core/internal/lockmanager"
	"github.com/captionsync/core/internal/objectstore"
	"github.com/captionsync/core/internal/registry"
	"github.com/captionsync/core/internal/types"
	"github.com/captionsync/core/internal/workingcopy"
)

// newTestStack wires a real Manager/Registry/Store stack against an
// in-memory sqlite registry and a temp-dir filesystem object store, the same
// way cmd/captionsyncd/main.go wires the production stack, so Run exercises
// the real lock-acquire/apply-changes/release path over a live websocket.
func newTestStack(t *testing.T) (*lockmanager.Manager, *registry.Registry, *workingcopy.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	reg := registry.New(db)
	require.NoError(t, reg.AutoMigrate())

	backend, err := objectstore.NewFSBackend(t.TempDir())
	require.NoError(t, err)
	gw := objectstore.New(backend)

	wc := workingcopy.New(t.TempDir(), gw, reg)
	t.Cleanup(func() { wc.Close() })

	return lockmanager.New(reg), reg, wc
}

func startTestServer(t *testing.T, lm *lockmanager.Manager, reg *registry.Registry, wc *workingcopy.Store, videoID string, db types.DatabaseName) (*httptest.Server, func(connectionID string) *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connectionID := r.URL.Query().Get("connection_id")
		sess := New(conn, lm, reg, wc, "tenant-1", videoID, db, "user-1", connectionID)
		go sess.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	dial := func(connectionID string) *websocket.Conn {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?connection_id=" + connectionID
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		return conn
	}
	return srv, dial
}

func TestSession_SendsServerUpdateOnBind(t *testing.T) {
	lm, reg, wc := newTestStack(t)
	_, dial := startTestServer(t, lm, reg, wc, "video-1", types.DatabaseCaptions)

	conn := dial("conn-1")
	defer conn.Close()

	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, MsgServerUpdate, msg.Type)
	require.Equal(t, int64(0), msg.ServerVersion)
}

func TestSession_PingReceivesPong(t *testing.T) {
	lm, reg, wc := newTestStack(t)
	_, dial := startTestServer(t, lm, reg, wc, "video-2", types.DatabaseCaptions)

	conn := dial("conn-1")
	defer conn.Close()

	var initial Message
	require.NoError(t, conn.ReadJSON(&initial))

	require.NoError(t, conn.WriteJSON(Message{Type: MsgPing, RequestID: "req-1"}))

	var pong Message
	require.NoError(t, conn.ReadJSON(&pong))
	require.Equal(t, MsgPong, pong.Type)
	require.Equal(t, "req-1", pong.RequestID)
}

func TestSession_SyncMessageAppliesChangesAndAcks(t *testing.T) {
	lm, reg, wc := newTestStack(t)
	_, dial := startTestServer(t, lm, reg, wc, "video-3", types.DatabaseCaptions)

	conn := dial("conn-1")
	defer conn.Close()

	var initial Message
	require.NoError(t, conn.ReadJSON(&initial))

	delta := types.RowDelta{
		Table:      "captions",
		PrimaryKey: "1",
		ColumnID:   "text",
		Value:      "hello",
		DBVersion:  1,
		SiteID:     "site-a",
		Sequence:   1,
	}
	require.NoError(t, conn.WriteJSON(Message{Type: MsgSync, RequestID: "req-2", Deltas: []types.RowDelta{delta}}))

	var ack Message
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, MsgAck, ack.Type)
	require.Equal(t, "req-2", ack.RequestID)
	require.Equal(t, int64(1), ack.ServerVersion)
}

func TestSession_UnknownMessageTypeReturnsError(t *testing.T) {
	lm, reg, wc := newTestStack(t)
	_, dial := startTestServer(t, lm, reg, wc, "video-4", types.DatabaseCaptions)

	conn := dial("conn-1")
	defer conn.Close()

	var initial Message
	require.NoError(t, conn.ReadJSON(&initial))

	require.NoError(t, conn.WriteJSON(Message{Type: "not_a_real_type"}))

	var errMsg Message
	require.NoError(t, conn.ReadJSON(&errMsg))
	require.Equal(t, MsgError, errMsg.Type)
	require.Equal(t, "unknown_type", errMsg.ErrorKind)
}

// TestSession_SyncRejectedAfterForeignNodeTransfersLock models the
// multi-node race §4.5 steps 1-2 guard against: a second API node (its own
// Manager instance, sharing only the registry) hands the lock to another
// connection without this node's in-memory session map ever finding out.
// The first session must still reject further sync on the next message,
// because it rechecks the registry rather than trusting its own state.
func TestSession_SyncRejectedAfterForeignNodeTransfersLock(t *testing.T) {
	lm, reg, wc := newTestStack(t)
	_, dial := startTestServer(t, lm, reg, wc, "video-6", types.DatabaseCaptions)

	conn := dial("conn-1")
	defer conn.Close()
	var initial Message
	require.NoError(t, conn.ReadJSON(&initial))

	otherNode := lockmanager.New(reg)
	_, err := otherNode.AcquireClientLock(context.Background(), "video-6", types.DatabaseCaptions, "user-1", "conn-2", "tenant-1", nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(Message{Type: MsgSync, RequestID: "req-1", Deltas: []types.RowDelta{{
		Table: "captions", PrimaryKey: "1", ColumnID: "text", Value: "x", DBVersion: 1, SiteID: "site-a", Sequence: 1,
	}}}))

	var errMsg Message
	require.NoError(t, conn.ReadJSON(&errMsg))
	require.Equal(t, MsgError, errMsg.Type)
	require.Equal(t, "req-1", errMsg.RequestID)
	require.Equal(t, "session_transferred", errMsg.ErrorKind)
}

func TestSession_SecondConnectionSameUserTransfersFirst(t *testing.T) {
	lm, reg, wc := newTestStack(t)
	_, dial := startTestServer(t, lm, reg, wc, "video-5", types.DatabaseCaptions)

	first := dial("conn-1")
	defer first.Close()
	var initial Message
	require.NoError(t, first.ReadJSON(&initial))

	second := dial("conn-2")
	defer second.Close()
	require.NoError(t, second.ReadJSON(&initial))

	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	var transferred Message
	require.NoError(t, first.ReadJSON(&transferred))
	require.Equal(t, MsgSessionTransferred, transferred.Type)
}
