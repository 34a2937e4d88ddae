package room

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vtt/internal/table"
)

func snapshotWith(tokens ...table.Token) table.Snapshot {
	snap := table.EmptySnapshot()
	for _, tok := range tokens {
		snap.Tokens[tok.ID] = tok
	}
	return snap
}

func TestHydrateSeedsDocument(t *testing.T) {
	doc := NewDocument()
	snap := snapshotWith(
		table.Token{ID: "t1", Name: "Goblin", X: 100, Y: 100},
		table.Token{ID: "t2", Name: "Orc", X: 5, Y: 7},
	)
	snap.Chat = append(snap.Chat, table.ChatMessage{ID: "m1", Kind: table.KindText, Text: &table.TextMessage{Message: "welcome"}})

	require.True(t, Hydrate(doc, snap))
	require.Len(t, doc.Tokens(), 2)
	require.Len(t, doc.Chat(), 1)
}

func TestHydrateIsIdempotent(t *testing.T) {
	doc := NewDocument()
	first := snapshotWith(table.Token{ID: "t1", Name: "Goblin"})
	second := snapshotWith(table.Token{ID: "t2", Name: "Orc"})

	require.True(t, Hydrate(doc, first))
	require.False(t, Hydrate(doc, second))

	tokens := doc.Tokens()
	require.Contains(t, tokens, "t1")
	require.NotContains(t, tokens, "t2")
}

func TestHydrateNotifiesOnceForWholeSnapshot(t *testing.T) {
	doc := NewDocument()
	var events int
	doc.OnTokensChange(func() { events++ })

	snap := snapshotWith(
		table.Token{ID: "t1"},
		table.Token{ID: "t2"},
		table.Token{ID: "t3"},
		table.Token{ID: "t4"},
		table.Token{ID: "t5"},
	)
	Hydrate(doc, snap)

	require.Equal(t, 1, events)
}

func TestHydrateClearsPreexistingEntries(t *testing.T) {
	doc := NewDocument()
	doc.Transact(func(tx *Tx) { tx.Put(table.Token{ID: "stale"}) })

	Hydrate(doc, snapshotWith(table.Token{ID: "fresh"}))

	tokens := doc.Tokens()
	require.NotContains(t, tokens, "stale")
	require.Contains(t, tokens, "fresh")
}

func TestHydrateEmptySnapshotStillHydrates(t *testing.T) {
	doc := NewDocument()

	require.True(t, Hydrate(doc, table.EmptySnapshot()))
	require.False(t, Hydrate(doc, snapshotWith(table.Token{ID: "t1"})))
	require.Empty(t, doc.Tokens())
}
