// Package room implements the client-side synchronization engine for a
// shared tabletop session. It reconciles local optimistic state, the
// replicated room document shared with other clients, and the
// persistence service into one consistent read surface, and keeps them
// convergent across disconnects, out-of-order confirmations and
// concurrent editors.
package room

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"vtt/internal/table"
)

// version orders concurrent writes to the same token. Writes carry the
// writer's Lamport clock; ties break on actor id so every replica picks
// the same winner.
type version struct {
	Clock uint64 `json:"clock"`
	Actor string `json:"actor"`
}

func (v version) newer(o version) bool {
	if v.Clock != o.Clock {
		return v.Clock > o.Clock
	}
	return v.Actor > o.Actor
}

// Delta is the unit broadcast between replicas: every committed
// transaction becomes exactly one delta, and applying a delta is
// commutative and idempotent, so replicas converge regardless of
// delivery order or duplication.
type Delta struct {
	Actor string    `json:"actor"`
	Clock uint64    `json:"clock"`
	Ops   []DeltaOp `json:"ops"`
}

// DeltaOp is one mutation inside a delta.
type DeltaOp struct {
	Op    string             `json:"op"` // "put", "del" or "chat"
	Token *table.Token       `json:"token,omitempty"`
	ID    string             `json:"id,omitempty"`
	Msg   *table.ChatMessage `json:"msg,omitempty"`
}

// Document is a convergent replica of one table's shared state: a
// last-writer-wins mapping of token id to token, and an append-only,
// deduplicated chat sequence. All mutation goes through Transact;
// observers are notified once per committed transaction, never per key.
type Document struct {
	mu       sync.Mutex
	actor    string
	clock    uint64
	tokens   map[string]table.Token
	versions map[string]version
	deleted  map[string]bool
	chat     []table.ChatMessage
	chatSeen map[string]struct{}
	hydrated bool

	nextSub   int
	tokenSubs map[int]func()
	chatSubs  map[int]func()
	sink      func(Delta)
}

// NewDocument creates an empty replica with a fresh actor identity.
func NewDocument() *Document {
	return &Document{
		actor:     uuid.NewString(),
		tokens:    make(map[string]table.Token),
		versions:  make(map[string]version),
		deleted:   make(map[string]bool),
		chatSeen:  make(map[string]struct{}),
		tokenSubs: make(map[int]func()),
		chatSubs:  make(map[int]func()),
	}
}

// SetSink registers the transport hook that receives one delta per
// committed local transaction. Remote deltas never loop back through it.
func (d *Document) SetSink(sink func(Delta)) {
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
}

// Tx batches mutations so they commit, replicate and notify as one unit.
type Tx struct {
	doc   *Document
	ops   []DeltaOp
	clear bool
}

// Put inserts or replaces a token.
func (tx *Tx) Put(tok table.Token) {
	t := tok
	tx.ops = append(tx.ops, DeltaOp{Op: "put", Token: &t})
}

// Remove deletes a token by id.
func (tx *Tx) Remove(id string) {
	tx.ops = append(tx.ops, DeltaOp{Op: "del", ID: id})
}

// Append adds a chat entry to the end of the log.
func (tx *Tx) Append(msg table.ChatMessage) {
	m := msg
	tx.ops = append(tx.ops, DeltaOp{Op: "chat", Msg: &m})
}

// Clear drops all local token and chat entries. It is local-only (not
// replicated): the hydrator uses it to reset a replica before seeding,
// and last-writer-wins merging protects concurrent edits from other
// replicas that arrive afterwards.
func (tx *Tx) Clear() {
	tx.clear = true
}

// Transact runs fn against a transaction and commits it atomically.
// Observers see the document only before or after the whole transaction,
// and receive at most one tokens notification and one chat notification
// for it.
func (d *Document) Transact(fn func(*Tx)) {
	tx := &Tx{doc: d}
	fn(tx)
	if !tx.clear && len(tx.ops) == 0 {
		return
	}

	d.mu.Lock()
	d.clock++
	ver := version{Clock: d.clock, Actor: d.actor}

	tokensDirty := tx.clear
	chatDirty := tx.clear
	if tx.clear {
		d.tokens = make(map[string]table.Token)
		d.versions = make(map[string]version)
		d.deleted = make(map[string]bool)
		d.chat = nil
		d.chatSeen = make(map[string]struct{})
	}

	for i := range tx.ops {
		op := &tx.ops[i]
		switch op.Op {
		case "put":
			d.tokens[op.Token.ID] = *op.Token
			d.versions[op.Token.ID] = ver
			delete(d.deleted, op.Token.ID)
			tokensDirty = true
		case "del":
			delete(d.tokens, op.ID)
			d.versions[op.ID] = ver
			d.deleted[op.ID] = true
			tokensDirty = true
		case "chat":
			if op.Msg.ID == "" {
				op.Msg.ID = fmt.Sprintf("%s-%d-%d", d.actor, d.clock, i)
			}
			if _, seen := d.chatSeen[op.Msg.ID]; seen {
				continue
			}
			d.chat = append(d.chat, *op.Msg)
			d.chatSeen[op.Msg.ID] = struct{}{}
			chatDirty = true
		}
	}

	sink := d.sink
	delta := Delta{Actor: d.actor, Clock: d.clock, Ops: tx.ops}
	tokenSubs, chatSubs := d.snapshotSubs(tokensDirty, chatDirty)
	d.mu.Unlock()

	if sink != nil && len(tx.ops) > 0 {
		sink(delta)
	}
	notify(tokenSubs)
	notify(chatSubs)
}

// ApplyDelta merges a delta produced by another replica. Token puts and
// deletes are resolved per key by last-writer-wins; chat entries are
// appended once, keyed by message id.
func (d *Document) ApplyDelta(delta Delta) {
	d.mu.Lock()
	if delta.Actor == d.actor {
		d.mu.Unlock()
		return
	}
	if delta.Clock > d.clock {
		d.clock = delta.Clock
	}
	ver := version{Clock: delta.Clock, Actor: delta.Actor}

	var tokensDirty, chatDirty bool
	for _, op := range delta.Ops {
		switch op.Op {
		case "put":
			// Deltas arrive unvalidated off the wire; a peer sending a
			// put without a token must not take the replica down.
			if op.Token == nil || op.Token.ID == "" {
				continue
			}
			if cur, ok := d.versions[op.Token.ID]; ok && !ver.newer(cur) {
				continue
			}
			d.tokens[op.Token.ID] = *op.Token
			d.versions[op.Token.ID] = ver
			delete(d.deleted, op.Token.ID)
			tokensDirty = true
		case "del":
			if op.ID == "" {
				continue
			}
			if cur, ok := d.versions[op.ID]; ok && !ver.newer(cur) {
				continue
			}
			delete(d.tokens, op.ID)
			d.versions[op.ID] = ver
			d.deleted[op.ID] = true
			tokensDirty = true
		case "chat":
			if op.Msg == nil || op.Msg.ID == "" {
				continue
			}
			if _, seen := d.chatSeen[op.Msg.ID]; seen {
				continue
			}
			d.chat = append(d.chat, *op.Msg)
			d.chatSeen[op.Msg.ID] = struct{}{}
			chatDirty = true
		}
	}

	tokenSubs, chatSubs := d.snapshotSubs(tokensDirty, chatDirty)
	d.mu.Unlock()

	notify(tokenSubs)
	notify(chatSubs)
}

// Clock returns the current Lamport clock. Callers snapshot it before a
// fetch so Resync can tell concurrent local writes from stale state.
func (d *Document) Clock() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock
}

// Resync folds a fresh authoritative snapshot into a live replica after
// a transport outage, recovering writes that were broadcast while this
// client was not connected. asOf is the local clock observed before the
// snapshot was fetched: entries last written at or below it predate the
// fetch and are superseded by the snapshot, while entries written during
// the fetch keep their local value. Tokens the snapshot no longer
// contains were deleted server-side and are removed under the same rule;
// chat entries are backfilled by id.
func (d *Document) Resync(snap table.Snapshot, asOf uint64) {
	d.mu.Lock()
	ver := version{Clock: asOf}
	fresh := func(id string) bool {
		cur, ok := d.versions[id]
		return ok && cur.Clock > asOf
	}

	var tokensDirty, chatDirty bool
	for id, tok := range snap.Tokens {
		if fresh(id) {
			continue
		}
		if existing, ok := d.tokens[id]; !ok || existing != tok {
			tokensDirty = true
		}
		d.tokens[id] = tok
		d.versions[id] = ver
		delete(d.deleted, id)
	}
	for id := range d.tokens {
		if _, ok := snap.Tokens[id]; ok {
			continue
		}
		if fresh(id) {
			continue
		}
		delete(d.tokens, id)
		d.versions[id] = ver
		d.deleted[id] = true
		tokensDirty = true
	}
	for _, msg := range snap.Chat {
		if msg.ID == "" {
			continue
		}
		if _, seen := d.chatSeen[msg.ID]; seen {
			continue
		}
		d.chat = append(d.chat, msg)
		d.chatSeen[msg.ID] = struct{}{}
		chatDirty = true
	}

	tokenSubs, chatSubs := d.snapshotSubs(tokensDirty, chatDirty)
	d.mu.Unlock()

	notify(tokenSubs)
	notify(chatSubs)
}

// Tokens returns a copy of the current token mapping.
func (d *Document) Tokens() map[string]table.Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]table.Token, len(d.tokens))
	for id, tok := range d.tokens {
		out[id] = tok
	}
	return out
}

// Token returns a single token by id.
func (d *Document) Token(id string) (table.Token, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tok, ok := d.tokens[id]
	return tok, ok
}

// Chat returns a copy of the chat log in insertion order.
func (d *Document) Chat() []table.ChatMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]table.ChatMessage, len(d.chat))
	copy(out, d.chat)
	return out
}

// HasTokens reports whether the replica holds at least one token. The
// session facade uses it to pick the authoritative read source.
func (d *Document) HasTokens() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens) > 0
}

// OnTokensChange registers a callback fired once per transaction that
// touched the token mapping. The returned function unsubscribes.
func (d *Document) OnTokensChange(cb func()) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.tokenSubs[id] = cb
	return func() {
		d.mu.Lock()
		delete(d.tokenSubs, id)
		d.mu.Unlock()
	}
}

// OnChatChange registers a callback fired once per transaction that
// appended chat entries. The returned function unsubscribes.
func (d *Document) OnChatChange(cb func()) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.chatSubs[id] = cb
	return func() {
		d.mu.Lock()
		delete(d.chatSubs, id)
		d.mu.Unlock()
	}
}

func (d *Document) snapshotSubs(tokensDirty, chatDirty bool) ([]func(), []func()) {
	var tokenSubs, chatSubs []func()
	if tokensDirty {
		for _, cb := range d.tokenSubs {
			tokenSubs = append(tokenSubs, cb)
		}
	}
	if chatDirty {
		for _, cb := range d.chatSubs {
			chatSubs = append(chatSubs, cb)
		}
	}
	return tokenSubs, chatSubs
}

func notify(subs []func()) {
	for _, cb := range subs {
		cb()
	}
}
