package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"vtt/internal/api"
	"vtt/internal/table"
)

// DefaultMoveDebounce is the quiet period after which a burst of move
// calls for one token collapses into a single service confirmation.
const DefaultMoveDebounce = 100 * time.Millisecond

// Service is the slice of the persistence API the coordinator confirms
// mutations against.
type Service interface {
	CreateToken(ctx context.Context, tableID int64, name string, x, y float64, color string) (*table.Token, error)
	UpdateToken(ctx context.Context, tableID int64, tokenID string, upd table.TokenUpdate) (*table.Token, error)
	DeleteToken(ctx context.Context, tableID int64, tokenID string) error
}

type position struct {
	x, y float64
}

// moveState is the debounce bookkeeping for one token: the latest
// unconfirmed position, the deadline the quiet period runs to, and the
// single timer that flushes it. The deadline, not the timer, is
// authoritative: a timer that fires early (it was armed before the most
// recent move) re-arms itself for the remainder instead of flushing.
type moveState struct {
	pos      position
	deadline time.Time
	timer    *time.Timer
}

// Coordinator is the dual-path write surface for tokens: every mutation
// lands in the authoritative document immediately for responsiveness,
// and is confirmed against the persistence service asynchronously. Move
// confirmations are debounced per token id (trailing edge, one live
// timer per id) so a drag burst produces one durable write carrying the
// final position.
//
// A confirmation that fails with not-found refers to a token another
// client already deleted, or one that was never durably created; that is
// an expected race, absorbed per the stale-entity policy, not an error.
type Coordinator struct {
	svc      Service
	tableID  int64
	state    func() *Document
	logger   *slog.Logger
	debounce time.Duration
	onError  func(error)

	mu     sync.Mutex
	moves  map[string]*moveState
	closed bool
}

// CoordinatorOptions tune a Coordinator. Zero values select defaults.
type CoordinatorOptions struct {
	// Debounce overrides DefaultMoveDebounce.
	Debounce time.Duration
	// OnError receives user-visible failures; defaults to logging.
	OnError func(error)
}

// NewCoordinator builds a coordinator writing to the document returned
// by state, which the session facade points at the replicated document
// or the local fallback.
func NewCoordinator(svc Service, tableID int64, state func() *Document, logger *slog.Logger, opts CoordinatorOptions) *Coordinator {
	c := &Coordinator{
		svc:      svc,
		tableID:  tableID,
		state:    state,
		logger:   logger,
		debounce: opts.Debounce,
		onError:  opts.OnError,
		moves:    make(map[string]*moveState),
	}
	if c.debounce <= 0 {
		c.debounce = DefaultMoveDebounce
	}
	if c.onError == nil {
		c.onError = func(err error) {
			logger.Error("token mutation failed", slog.String("error", err.Error()))
		}
	}
	return c
}

// Close cancels pending debounce timers. In-flight confirmations are not
// interrupted.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, st := range c.moves {
		st.timer.Stop()
		delete(c.moves, id)
	}
}

// CreateToken asks the service for a new token and, on success, inserts
// the server-assigned record into the authoritative state. No local
// placeholder is ever created: ids are minted by the service only, so a
// failed create leaves nothing to merge or roll back.
func (c *Coordinator) CreateToken(ctx context.Context, name string, x, y float64, color string) (*table.Token, error) {
	tok, err := c.svc.CreateToken(ctx, c.tableID, name, x, y, color)
	if err != nil {
		err = fmt.Errorf("create token %q: %w", name, err)
		c.onError(err)
		return nil, err
	}

	c.state().Transact(func(tx *Tx) {
		tx.Put(*tok)
	})
	return tok, nil
}

// MoveToken applies a position update optimistically and schedules its
// debounced confirmation. Repeated calls for the same id within the
// debounce window reset the timer and replace the pending position, so
// at most one confirmation is scheduled per token at a time.
func (c *Coordinator) MoveToken(id string, x, y float64) {
	doc := c.state()
	tok, ok := doc.Token(id)
	if !ok {
		return
	}
	tok.X = x
	tok.Y = y
	doc.Transact(func(tx *Tx) {
		tx.Put(tok)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	st, ok := c.moves[id]
	if !ok {
		st = &moveState{}
		st.timer = time.AfterFunc(c.debounce, func() {
			c.flushMove(id)
		})
		c.moves[id] = st
	}
	st.pos = position{x: x, y: y}
	st.deadline = time.Now().Add(c.debounce)
}

func (c *Coordinator) flushMove(id string) {
	c.mu.Lock()
	st, ok := c.moves[id]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}
	if remain := time.Until(st.deadline); remain > 0 {
		// A move landed between this timer firing and the lock; the
		// quiet period restarts from that move.
		st.timer.Reset(remain)
		c.mu.Unlock()
		return
	}
	pos := st.pos
	delete(c.moves, id)
	c.mu.Unlock()

	x, y := pos.x, pos.y
	_, err := c.svc.UpdateToken(context.Background(), c.tableID, id, table.TokenUpdate{X: &x, Y: &y})
	if api.IsNotFound(err) {
		c.logger.Debug("move confirmation for stale token", slog.String("token", id))
		return
	}
	if err != nil {
		c.onError(fmt.Errorf("confirm move of token %s: %w", id, err))
	}
}

// RenameToken applies a rename optimistically and confirms it.
func (c *Coordinator) RenameToken(ctx context.Context, id, name string) {
	doc := c.state()
	tok, ok := doc.Token(id)
	if !ok {
		return
	}
	tok.Name = name
	doc.Transact(func(tx *Tx) {
		tx.Put(tok)
	})

	go func() {
		_, err := c.svc.UpdateToken(ctx, c.tableID, id, table.TokenUpdate{Name: &name})
		if api.IsNotFound(err) {
			c.logger.Debug("rename confirmation for stale token", slog.String("token", id))
			return
		}
		if err != nil {
			c.onError(fmt.Errorf("confirm rename of token %s: %w", id, err))
		}
	}()
}

// ToggleLock flips a token's lock flag optimistically and confirms it.
// This is the one mutation that rolls back on failure: a flip the
// service refused would otherwise leave the token stuck, blocking all
// further interaction with it.
func (c *Coordinator) ToggleLock(ctx context.Context, id string) {
	doc := c.state()
	tok, ok := doc.Token(id)
	if !ok {
		return
	}
	prev := tok.Locked
	tok.Locked = !prev
	doc.Transact(func(tx *Tx) {
		tx.Put(tok)
	})

	locked := tok.Locked
	go func() {
		_, err := c.svc.UpdateToken(ctx, c.tableID, id, table.TokenUpdate{Locked: &locked})
		if err == nil {
			return
		}
		if api.IsNotFound(err) {
			// The service no longer knows this token; drop it locally
			// to match server truth.
			doc.Transact(func(tx *Tx) {
				tx.Remove(id)
			})
			c.logger.Debug("lock confirmation for stale token", slog.String("token", id))
			return
		}

		doc.Transact(func(tx *Tx) {
			if cur, ok := doc.Token(id); ok {
				cur.Locked = prev
				tx.Put(cur)
			}
		})
		c.onError(fmt.Errorf("confirm lock of token %s: %w", id, err))
	}()
}

// DeleteToken removes a token from the authoritative state immediately
// and issues the service delete in parallel. A not-found response means
// another client got there first, which is already the desired end
// state.
func (c *Coordinator) DeleteToken(ctx context.Context, id string) {
	doc := c.state()
	doc.Transact(func(tx *Tx) {
		tx.Remove(id)
	})

	go func() {
		err := c.svc.DeleteToken(ctx, c.tableID, id)
		if api.IsNotFound(err) {
			c.logger.Debug("delete confirmation for stale token", slog.String("token", id))
			return
		}
		if err != nil {
			c.onError(fmt.Errorf("confirm delete of token %s: %w", id, err))
		}
	}()
}
