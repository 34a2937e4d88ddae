package table

import "time"

// Token is a movable piece on a table. The id is assigned by the backend
// when the token is created and never changes afterwards; only name,
// position, color and the lock flag may be updated.
type Token struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Color  string  `json:"color,omitempty"`
	Locked bool    `json:"locked"`
}

// MessageKind discriminates chat log entries.
type MessageKind string

const (
	KindRoll MessageKind = "roll"
	KindText MessageKind = "msg"
)

// DiceRoll is the payload of a "roll" chat entry.
type DiceRoll struct {
	Expression string    `json:"expression"`
	Result     int       `json:"result"`
	Breakdown  string    `json:"breakdown"`
	Timestamp  time.Time `json:"timestamp"`
}

// TextMessage is the payload of a "msg" chat entry.
type TextMessage struct {
	Message string `json:"message"`
}

// ChatMessage is one entry in a table's append-only chat log. Entries are
// never mutated after insertion; their order is insertion order at the
// storage or document layer, not wall-clock order.
type ChatMessage struct {
	ID   string       `json:"id,omitempty"`
	Kind MessageKind  `json:"type"`
	Roll *DiceRoll    `json:"roll,omitempty"`
	Text *TextMessage `json:"text,omitempty"`
	At   time.Time    `json:"at"`
	User string       `json:"user,omitempty"`
}

// Table groups tokens and a chat log into one shared session.
type Table struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Snapshot is the complete authoritative state of a table, fetched once
// per session to seed the shared document.
type Snapshot struct {
	Tokens map[string]Token `json:"tokens"`
	Chat   []ChatMessage    `json:"chat"`
}

// EmptySnapshot returns a snapshot with no tokens and no chat. Callers
// substitute it when the snapshot fetch fails, so a session always starts
// from a hydrated document.
func EmptySnapshot() Snapshot {
	return Snapshot{Tokens: map[string]Token{}, Chat: []ChatMessage{}}
}

// TokenUpdate carries a partial field set for a token mutation. Nil
// fields are left untouched.
type TokenUpdate struct {
	Name   *string  `json:"name,omitempty"`
	X      *float64 `json:"x,omitempty"`
	Y      *float64 `json:"y,omitempty"`
	Color  *string  `json:"color,omitempty"`
	Locked *bool    `json:"locked,omitempty"`
}
