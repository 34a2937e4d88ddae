package room

import (
	"context"
	"os"
	"sync"
	"time"

	"log/slog"

	"github.com/joho/godotenv"

	"vtt/internal/api"
	"vtt/internal/table"
)

// Config is the client-side configuration surface. WSURL may be empty:
// the session then runs in persistence-only mode, keeping all state in
// the local fallback document and never touching the broadcast channel.
type Config struct {
	ServiceURL string
	WSURL      string
}

// LoadConfig reads SERVICE_URL and WS_URL from the environment, loading
// a .env file first when present.
func LoadConfig() Config {
	_ = godotenv.Load()

	serviceURL := os.Getenv("SERVICE_URL")
	if serviceURL == "" {
		serviceURL = "http://localhost:8080"
	}
	return Config{
		ServiceURL: serviceURL,
		WSURL:      os.Getenv("WS_URL"),
	}
}

// Session composes hydration, the replicated document, connection
// status, the mutation coordinator and the drag machine into the single
// read/subscribe surface the rendering layer consumes.
//
// Reads resolve against exactly one source at a time: the replicated
// document whenever it holds at least one token, else the local
// fallback. The predicate lives here and nowhere else, so two divergent
// views are never rendered simultaneously.
type Session struct {
	client    *api.Client
	tableID   int64
	logger    *slog.Logger
	doc       *Document
	fallback  *Document
	docActive bool
	monitor   *Monitor
	transport *Transport
	coord     *Coordinator
	drag      *DragMachine

	mu       sync.Mutex
	viewport Viewport
}

// NewSession builds a session for one table. wsURL selects the broadcast
// relay endpoint; pass "" to degrade to persistence-only mode.
func NewSession(client *api.Client, tableID int64, wsURL string, logger *slog.Logger) *Session {
	s := &Session{
		client:    client,
		tableID:   tableID,
		logger:    logger,
		doc:       NewDocument(),
		fallback:  NewDocument(),
		docActive: wsURL != "",
		monitor:   NewMonitor(),
		viewport:  Viewport{Zoom: 1},
	}

	s.coord = NewCoordinator(client, tableID, s.state, logger, CoordinatorOptions{})
	s.drag = NewDragMachine(s.coord, s.GetToken, s.Viewport, nil, nil)

	if s.docActive {
		s.transport = NewTransport(wsURL, s.doc, s.monitor, logger)
		s.monitor.OnChange(func(connected bool) {
			if connected {
				go s.resync()
			}
		})
	}
	return s
}

// resync re-fetches the authoritative snapshot whenever the transport
// comes up, folding in writes that peers broadcast while this client was
// not connected. The relay delivers deltas only to live connections, so
// without this a client would stay divergent after an outage until the
// affected tokens happened to be written again.
func (s *Session) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	asOf := s.doc.Clock()
	snap, err := s.client.Snapshot(ctx, s.tableID)
	if err != nil {
		s.logger.Warn("resync snapshot fetch failed",
			slog.Int64("table", s.tableID), slog.String("error", err.Error()))
		return
	}
	s.doc.Resync(snap, asOf)
}

// Open fetches the table snapshot and hydrates the session's document,
// then starts the broadcast transport when one is configured. A failed
// snapshot fetch degrades to an empty snapshot rather than leaving the
// document unseeded: a session that cannot reach the service renders an
// empty room, which is indistinguishable from a room with no tokens yet.
func (s *Session) Open(ctx context.Context) {
	snap, err := s.client.Snapshot(ctx, s.tableID)
	if err != nil {
		s.logger.Warn("snapshot fetch failed, hydrating empty",
			slog.Int64("table", s.tableID), slog.String("error", err.Error()))
		snap = table.EmptySnapshot()
	}
	Hydrate(s.state(), snap)

	if s.transport != nil {
		s.transport.Start()
	}
}

// Close stops the transport and cancels pending confirmations.
func (s *Session) Close() {
	if s.transport != nil {
		s.transport.Close()
	}
	s.coord.Close()
}

// state is the write-authoritative document: the replicated one when
// replication is active, else the local fallback.
func (s *Session) state() *Document {
	if s.docActive {
		return s.doc
	}
	return s.fallback
}

// readState selects the read-authoritative source: the replicated
// document whenever it has at least one token entry, else the fallback.
func (s *Session) readState() *Document {
	if s.doc.HasTokens() {
		return s.doc
	}
	return s.fallback
}

// GetTokens returns the current token mapping.
func (s *Session) GetTokens() map[string]table.Token {
	return s.readState().Tokens()
}

// GetToken returns one token by id.
func (s *Session) GetToken(id string) (table.Token, bool) {
	return s.readState().Token(id)
}

// GetChat returns the chat log in insertion order.
func (s *Session) GetChat() []table.ChatMessage {
	return s.readState().Chat()
}

// authoritativeNotifier filters per-document change events down to the
// ones visible through the session's read surface: events from the
// current read source, plus any event that switched which source that
// is. A mutation of the non-authoritative document leaves GetTokens
// output unchanged and must not trigger a render.
func (s *Session) authoritativeNotifier(cb func()) func(src *Document) func() {
	var mu sync.Mutex
	last := s.readState()
	return func(src *Document) func() {
		return func() {
			mu.Lock()
			cur := s.readState()
			switched := cur != last
			last = cur
			mu.Unlock()
			if switched || cur == src {
				cb()
			}
		}
	}
}

// OnTokensChange fires cb once per atomic transaction that changed the
// visible token state. The returned function unsubscribes.
func (s *Session) OnTokensChange(cb func()) func() {
	notifier := s.authoritativeNotifier(cb)
	un1 := s.doc.OnTokensChange(notifier(s.doc))
	un2 := s.fallback.OnTokensChange(notifier(s.fallback))
	return func() {
		un1()
		un2()
	}
}

// OnChatChange fires cb once per atomic transaction that appended chat
// entries to the visible log. The returned function unsubscribes.
func (s *Session) OnChatChange(cb func()) func() {
	notifier := s.authoritativeNotifier(cb)
	un1 := s.doc.OnChatChange(notifier(s.doc))
	un2 := s.fallback.OnChatChange(notifier(s.fallback))
	return func() {
		un1()
		un2()
	}
}

// IsConnected reports the broadcast transport status. Mutations work
// regardless; the signal only drives the connection indicator.
func (s *Session) IsConnected() bool {
	return s.monitor.IsConnected()
}

// OnConnectionChange subscribes to flips of the connected signal.
func (s *Session) OnConnectionChange(cb func(bool)) func() {
	return s.monitor.OnChange(cb)
}

// Coordinator exposes the token write path.
func (s *Session) Coordinator() *Coordinator {
	return s.coord
}

// Drag exposes the pointer-event entry points.
func (s *Session) Drag() *DragMachine {
	return s.drag
}

// Viewport returns the current pan/zoom transform.
func (s *Session) Viewport() Viewport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport
}

// SetViewport records the transform the rendering layer is using.
func (s *Session) SetViewport(v Viewport) {
	s.mu.Lock()
	s.viewport = v
	s.mu.Unlock()
}

// Roll submits a dice expression to the service and appends the stored
// roll entry to the session chat, replicating it to other clients.
func (s *Session) Roll(ctx context.Context, expression, user string) (*table.DiceRoll, error) {
	msg, err := s.client.Roll(ctx, s.tableID, expression, user)
	if err != nil {
		return nil, err
	}
	s.state().Transact(func(tx *Tx) {
		tx.Append(*msg)
	})
	return msg.Roll, nil
}

// SendMessage appends a text message to the table chat via the service
// and replicates the stored entry.
func (s *Session) SendMessage(ctx context.Context, message, user string) error {
	msg, err := s.client.SendChat(ctx, s.tableID, message, user)
	if err != nil {
		return err
	}
	s.state().Transact(func(tx *Tx) {
		tx.Append(*msg)
	})
	return nil
}
