package room

import (
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/require"

	"vtt/internal/table"
)

type dragFixture struct {
	doc      *Document
	svc      *fakeService
	drag     *DragMachine
	viewport Viewport
	attached int
	detached int
}

func newDragFixture(t *testing.T, tokens ...table.Token) *dragFixture {
	t.Helper()
	fx := &dragFixture{doc: NewDocument(), svc: &fakeService{}, viewport: Viewport{Zoom: 1}}
	fx.doc.Transact(func(tx *Tx) {
		for _, tok := range tokens {
			tx.Put(tok)
		}
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := NewCoordinator(fx.svc, 1, func() *Document { return fx.doc }, logger, CoordinatorOptions{Debounce: 10 * time.Millisecond})
	t.Cleanup(coord.Close)

	fx.drag = NewDragMachine(coord,
		fx.doc.Token,
		func() Viewport { return fx.viewport },
		func() { fx.attached++ },
		func() { fx.detached++ },
	)
	return fx
}

func TestDragMovesTokenWithoutJump(t *testing.T) {
	fx := newDragFixture(t, table.Token{ID: "t1", X: 100, Y: 100})

	// Grab the token slightly off-center; the offset must be preserved
	// so the token does not snap under the pointer.
	require.True(t, fx.drag.PointerDown("t1", 110, 105))
	fx.drag.PointerMove(160, 125)

	tok, _ := fx.doc.Token("t1")
	require.Equal(t, 150.0, tok.X)
	require.Equal(t, 120.0, tok.Y)
}

func TestDragInverseMapsThroughViewport(t *testing.T) {
	fx := newDragFixture(t, table.Token{ID: "t1", X: 10, Y: 10})
	fx.viewport = Viewport{OffsetX: 50, OffsetY: 20, Zoom: 2}

	// Token renders at device (70, 40); grab at (75, 45).
	require.True(t, fx.drag.PointerDown("t1", 75, 45))
	fx.drag.PointerMove(95, 65)

	tok, _ := fx.doc.Token("t1")
	require.Equal(t, 20.0, tok.X)
	require.Equal(t, 20.0, tok.Y)
}

func TestDragIgnoresLockedToken(t *testing.T) {
	fx := newDragFixture(t, table.Token{ID: "t1", Locked: true})

	require.False(t, fx.drag.PointerDown("t1", 0, 0))
	_, dragging := fx.drag.Dragging()
	require.False(t, dragging)
	require.Zero(t, fx.attached)
}

func TestDragIgnoresUnknownToken(t *testing.T) {
	fx := newDragFixture(t)

	require.False(t, fx.drag.PointerDown("ghost", 0, 0))
}

func TestDragIgnoresSecondPointerDown(t *testing.T) {
	fx := newDragFixture(t,
		table.Token{ID: "t1", X: 0, Y: 0},
		table.Token{ID: "t2", X: 50, Y: 50},
	)

	require.True(t, fx.drag.PointerDown("t1", 0, 0))
	require.False(t, fx.drag.PointerDown("t2", 50, 50))

	id, dragging := fx.drag.Dragging()
	require.True(t, dragging)
	require.Equal(t, "t1", id)
}

func TestDragListenersAttachOnlyWhileDragging(t *testing.T) {
	fx := newDragFixture(t, table.Token{ID: "t1"})

	fx.drag.PointerUp() // idle; no-op
	require.Zero(t, fx.detached)

	fx.drag.PointerDown("t1", 0, 0)
	require.Equal(t, 1, fx.attached)
	require.Zero(t, fx.detached)

	fx.drag.PointerUp()
	require.Equal(t, 1, fx.detached)

	_, dragging := fx.drag.Dragging()
	require.False(t, dragging)
}

func TestPointerMoveWhileIdleDoesNothing(t *testing.T) {
	fx := newDragFixture(t, table.Token{ID: "t1", X: 1, Y: 2})

	fx.drag.PointerMove(500, 500)

	tok, _ := fx.doc.Token("t1")
	require.Equal(t, 1.0, tok.X)
	require.Equal(t, 2.0, tok.Y)
}

func TestPointerUpSchedulesNoFurtherMutation(t *testing.T) {
	fx := newDragFixture(t, table.Token{ID: "t1"})

	fx.drag.PointerDown("t1", 0, 0)
	fx.drag.PointerMove(30, 40)
	fx.drag.PointerUp()

	require.Eventually(t, func() bool { return fx.svc.updateCount() == 1 }, time.Second, 5*time.Millisecond)
	last := fx.svc.lastUpdate()
	require.Equal(t, 30.0, *last.upd.X)
	require.Equal(t, 40.0, *last.upd.Y)
}
