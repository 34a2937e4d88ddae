package room

import (
	"encoding/json"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	reconnectMin = 500 * time.Millisecond
	reconnectMax = 10 * time.Second
)

// Transport carries document deltas over the per-table broadcast
// channel. Committed local transactions are pushed to the relay; deltas
// from other clients are merged into the document. The connection is
// re-established with backoff after any failure; divergence accumulated
// during an outage is reconciled by the document's own merge semantics,
// so no explicit resync happens on reconnect.
type Transport struct {
	url     string
	doc     *Document
	monitor *Monitor
	logger  *slog.Logger

	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewTransport wires a document to the relay at url (for example
// "ws://localhost:8080/ws/tables/1"). Call Start to begin connecting.
func NewTransport(url string, doc *Document, monitor *Monitor, logger *slog.Logger) *Transport {
	t := &Transport{
		url:     url,
		doc:     doc,
		monitor: monitor,
		logger:  logger,
		send:    make(chan []byte, 64),
		done:    make(chan struct{}),
	}

	doc.SetSink(func(delta Delta) {
		payload, err := json.Marshal(delta)
		if err != nil {
			logger.Error("marshal delta", slog.String("error", err.Error()))
			return
		}
		select {
		case t.send <- payload:
		default:
			logger.Warn("transport send buffer full, dropping delta")
		}
	})

	return t
}

// Start launches the connect/reconnect loop.
func (t *Transport) Start() {
	go t.run()
}

// Close stops the transport permanently.
func (t *Transport) Close() {
	t.once.Do(func() { close(t.done) })
}

func (t *Transport) run() {
	backoff := reconnectMin
	for {
		select {
		case <-t.done:
			return
		default:
		}

		t.monitor.SetState(StateConnecting)
		conn, _, err := websocket.DefaultDialer.Dial(t.url, nil)
		if err != nil {
			t.monitor.SetState(StateDisconnected)
			t.logger.Warn("transport dial", slog.String("url", t.url), slog.String("error", err.Error()))
			select {
			case <-t.done:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		backoff = reconnectMin
		t.monitor.SetState(StateConnected)
		t.serve(conn)
		t.monitor.SetState(StateDisconnected)
	}
}

// serve runs the read loop and a paired writer until either side fails.
func (t *Transport) serve(conn *websocket.Conn) {
	defer conn.Close()

	connDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case payload := <-t.send:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-connDone:
				return
			case <-t.done:
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}()
	defer close(connDone)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-t.done:
			return
		default:
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Warn("transport read", slog.String("error", err.Error()))
			}
			return
		}

		var delta Delta
		if err := json.Unmarshal(payload, &delta); err != nil {
			t.logger.Warn("transport decode delta", slog.String("error", err.Error()))
			continue
		}
		t.doc.ApplyDelta(delta)
	}
}
