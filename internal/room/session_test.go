package room

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/require"

	"vtt/internal/api"
	"vtt/internal/server"
	"vtt/internal/table"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newBackend starts a real persistence backend on a temporary database
// and counts PATCH confirmations passing through it.
func newBackend(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	cfg := server.LoadConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "vtt.db")
	srv, err := server.New(cfg)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	var patches atomic.Int64
	router := srv.Router()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			patches.Add(1)
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts, &patches
}

func TestAuthoritativeSourceSwitch(t *testing.T) {
	client := api.New("http://127.0.0.1:1")
	sess := NewSession(client, 1, "ws://127.0.0.1:1/ws/tables/1", discardLogger())

	sess.fallback.Transact(func(tx *Tx) {
		tx.Put(table.Token{ID: "local", Name: "Fallback"})
	})
	require.Contains(t, sess.GetTokens(), "local")

	// As soon as the replicated document holds a token, reads must come
	// from it exclusively, even though the fallback still differs.
	sess.doc.Transact(func(tx *Tx) {
		tx.Put(table.Token{ID: "shared", Name: "Replicated"})
	})
	tokens := sess.GetTokens()
	require.Contains(t, tokens, "shared")
	require.NotContains(t, tokens, "local")
}

func TestOpenDegradesToEmptyOnSnapshotFailure(t *testing.T) {
	client := api.New("http://127.0.0.1:1")
	sess := NewSession(client, 1, "", discardLogger())
	defer sess.Close()

	sess.Open(context.Background())

	require.Empty(t, sess.GetTokens())
	// The document is hydrated (empty), not left unseeded.
	require.False(t, Hydrate(sess.state(), table.EmptySnapshot()))
}

func TestSessionEndToEnd(t *testing.T) {
	ts, patches := newBackend(t)
	client := api.New(ts.URL)

	tbl, err := client.CreateTable(context.Background(), "Dungeon")
	require.NoError(t, err)

	sess := NewSession(client, tbl.ID, "", discardLogger())
	defer sess.Close()
	sess.Open(context.Background())

	var tokenEvents atomic.Int64
	sess.OnTokensChange(func() { tokenEvents.Add(1) })

	tok, err := sess.Coordinator().CreateToken(context.Background(), "Goblin", 100, 100, "")
	require.NoError(t, err)
	require.NotEmpty(t, tok.ID)
	require.Contains(t, sess.GetTokens(), tok.ID)
	require.Equal(t, int64(1), tokenEvents.Load())

	// Drag to (150, 120) in five pointer moves inside the debounce
	// window; exactly one confirmation must reach the service, carrying
	// the final position.
	drag := sess.Drag()
	require.True(t, drag.PointerDown(tok.ID, 100, 100))
	drag.PointerMove(110, 104)
	drag.PointerMove(120, 108)
	drag.PointerMove(130, 112)
	drag.PointerMove(140, 116)
	drag.PointerMove(150, 120)
	drag.PointerUp()

	require.Eventually(t, func() bool { return patches.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	snap, err := client.Snapshot(context.Background(), tbl.ID)
	require.NoError(t, err)
	require.Equal(t, 150.0, snap.Tokens[tok.ID].X)
	require.Equal(t, 120.0, snap.Tokens[tok.ID].Y)

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, int64(1), patches.Load())
}

func TestSessionsConvergeOverRelay(t *testing.T) {
	ts, _ := newBackend(t)
	client := api.New(ts.URL)

	tbl, err := client.CreateTable(context.Background(), "Shared")
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/ws/tables/" + strconv.FormatInt(tbl.ID, 10)

	a := NewSession(client, tbl.ID, wsURL, discardLogger())
	defer a.Close()
	b := NewSession(client, tbl.ID, wsURL, discardLogger())
	defer b.Close()

	a.Open(context.Background())
	b.Open(context.Background())

	require.Eventually(t, func() bool { return a.IsConnected() && b.IsConnected() }, 3*time.Second, 10*time.Millisecond)

	tok, err := a.Coordinator().CreateToken(context.Background(), "Goblin", 10, 10, "red")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := b.GetToken(tok.ID)
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	a.Coordinator().MoveToken(tok.ID, 42, 24)
	require.Eventually(t, func() bool {
		got, ok := b.GetToken(tok.ID)
		return ok && got.X == 42 && got.Y == 24
	}, 3*time.Second, 10*time.Millisecond)
}

func TestReconnectResyncsMissedState(t *testing.T) {
	ts, _ := newBackend(t)
	client := api.New(ts.URL)

	tbl, err := client.CreateTable(context.Background(), "Flaky")
	require.NoError(t, err)
	tok, err := client.CreateToken(context.Background(), tbl.ID, "Goblin", 10, 10, "")
	require.NoError(t, err)

	sess := NewSession(client, tbl.ID, "ws://unused", discardLogger())
	defer sess.Close()

	// Coming up fetches the snapshot, so state written before the first
	// connect is picked up.
	sess.monitor.SetState(StateConnected)
	require.Eventually(t, func() bool {
		_, ok := sess.GetToken(tok.ID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// During an outage a peer moves the token; the relay delivers the
	// delta only to live connections, so this client never sees it.
	sess.monitor.SetState(StateDisconnected)
	x, y := 200.0, 300.0
	_, err = client.UpdateToken(context.Background(), tbl.ID, tok.ID, table.TokenUpdate{X: &x, Y: &y})
	require.NoError(t, err)

	sess.monitor.SetState(StateConnected)
	require.Eventually(t, func() bool {
		got, ok := sess.GetToken(tok.ID)
		return ok && got.X == 200 && got.Y == 300
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNonAuthoritativeMutationStaysSilent(t *testing.T) {
	client := api.New("http://127.0.0.1:1")
	sess := NewSession(client, 1, "ws://127.0.0.1:1/ws/tables/1", discardLogger())
	sess.doc.Transact(func(tx *Tx) {
		tx.Put(table.Token{ID: "shared"})
	})

	var events int
	sess.OnTokensChange(func() { events++ })

	// The replicated document is authoritative; a fallback write changes
	// nothing visible and must not trigger a render.
	sess.fallback.Transact(func(tx *Tx) {
		tx.Put(table.Token{ID: "local"})
	})
	require.Zero(t, events)

	sess.doc.Transact(func(tx *Tx) {
		tx.Put(table.Token{ID: "shared-2"})
	})
	require.Equal(t, 1, events)
}

func TestSourceSwitchNotifies(t *testing.T) {
	client := api.New("http://127.0.0.1:1")
	sess := NewSession(client, 1, "ws://127.0.0.1:1/ws/tables/1", discardLogger())
	sess.fallback.Transact(func(tx *Tx) {
		tx.Put(table.Token{ID: "local"})
	})

	var events int
	sess.OnTokensChange(func() { events++ })

	// First token in the replicated document flips the read source.
	sess.doc.Transact(func(tx *Tx) {
		tx.Put(table.Token{ID: "shared"})
	})
	require.Equal(t, 1, events)

	// Losing the last token flips it back, which is visible too.
	sess.doc.Transact(func(tx *Tx) {
		tx.Remove("shared")
	})
	require.Equal(t, 2, events)
}

func TestSessionRollAndChat(t *testing.T) {
	ts, _ := newBackend(t)
	client := api.New(ts.URL)

	tbl, err := client.CreateTable(context.Background(), "Chatty")
	require.NoError(t, err)

	sess := NewSession(client, tbl.ID, "", discardLogger())
	defer sess.Close()
	sess.Open(context.Background())

	var chatEvents atomic.Int64
	sess.OnChatChange(func() { chatEvents.Add(1) })

	roll, err := sess.Roll(context.Background(), "2d6", "gm")
	require.NoError(t, err)
	require.GreaterOrEqual(t, roll.Result, 2)
	require.LessOrEqual(t, roll.Result, 12)

	require.NoError(t, sess.SendMessage(context.Background(), "hello table", "gm"))

	chat := sess.GetChat()
	require.Len(t, chat, 2)
	require.Equal(t, table.KindRoll, chat[0].Kind)
	require.Equal(t, table.KindText, chat[1].Kind)
	require.Equal(t, int64(2), chatEvents.Load())

	// The backend has the same log, in the same order.
	stored, err := client.Chat(context.Background(), tbl.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.Equal(t, table.KindRoll, stored[0].Kind)
}
