package server

import (
	"net/http"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	relayWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	relayPongWait = 60 * time.Second

	// Send pings with this period. Must be less than relayPongWait.
	relayPingPeriod = (relayPongWait * 9) / 10

	// Maximum delta size accepted from a peer.
	relayMaxMessageSize = 256 << 10
)

// Relay fans opaque document deltas out to every other connection in the
// same table room. It does not inspect payloads; merge semantics live in
// the document layer on the clients.
type Relay struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[int64]map[*relayConn]struct{}
}

type relayConn struct {
	conn *websocket.Conn
	send chan []byte
}

func newRelay(logger *slog.Logger, checkOrigin func(*http.Request) bool) *Relay {
	return &Relay{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		rooms: make(map[int64]map[*relayConn]struct{}),
	}
}

func (rl *Relay) serve(w http.ResponseWriter, r *http.Request, tableID int64) {
	ws, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.logger.Error("websocket upgrade", slog.String("error", err.Error()))
		return
	}

	client := &relayConn{conn: ws, send: make(chan []byte, 64)}
	rl.register(tableID, client)
	defer rl.unregister(tableID, client)

	go client.writePump()
	rl.readLoop(tableID, client)
}

func (rl *Relay) register(tableID int64, c *relayConn) {
	rl.mu.Lock()
	if rl.rooms[tableID] == nil {
		rl.rooms[tableID] = make(map[*relayConn]struct{})
	}
	rl.rooms[tableID][c] = struct{}{}
	peers := len(rl.rooms[tableID])
	rl.mu.Unlock()

	rl.logger.Info("relay connected", slog.Int64("table", tableID), slog.Int("peers", peers))
}

func (rl *Relay) unregister(tableID int64, c *relayConn) {
	rl.mu.Lock()
	if peers, ok := rl.rooms[tableID]; ok {
		if _, present := peers[c]; present {
			delete(peers, c)
			close(c.send)
		}
		if len(peers) == 0 {
			delete(rl.rooms, tableID)
		}
	}
	remaining := len(rl.rooms[tableID])
	rl.mu.Unlock()

	rl.logger.Info("relay disconnected", slog.Int64("table", tableID), slog.Int("peers", remaining))
}

func (rl *Relay) readLoop(tableID int64, c *relayConn) {
	c.conn.SetReadLimit(relayMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				rl.logger.Warn("relay read", slog.String("error", err.Error()))
			}
			return
		}
		rl.broadcast(tableID, c, payload)
	}
}

// broadcast delivers a payload to every peer in the room except the
// sender. Slow peers get dropped rather than blocking the room.
func (rl *Relay) broadcast(tableID int64, from *relayConn, payload []byte) {
	rl.mu.Lock()
	conns := make([]*relayConn, 0, len(rl.rooms[tableID]))
	for peer := range rl.rooms[tableID] {
		if peer != from {
			conns = append(conns, peer)
		}
	}
	rl.mu.Unlock()

	for _, peer := range conns {
		select {
		case peer.send <- payload:
		default:
			rl.logger.Warn("relay peer too slow, dropping delta", slog.Int64("table", tableID))
		}
	}
}

func (c *relayConn) writePump() {
	ticker := time.NewTicker(relayPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
