package room

import "vtt/internal/table"

// Viewport is the pan/zoom mapping between device pointer coordinates
// and canvas-space coordinates.
type Viewport struct {
	OffsetX float64
	OffsetY float64
	Zoom    float64
}

// ToCanvas inverse-maps a device-space point into canvas space.
func (v Viewport) ToCanvas(deviceX, deviceY float64) (float64, float64) {
	zoom := v.Zoom
	if zoom == 0 {
		zoom = 1
	}
	return (deviceX - v.OffsetX) / zoom, (deviceY - v.OffsetY) / zoom
}

// ToDevice maps a canvas-space point into device space.
func (v Viewport) ToDevice(canvasX, canvasY float64) (float64, float64) {
	zoom := v.Zoom
	if zoom == 0 {
		zoom = 1
	}
	return canvasX*zoom + v.OffsetX, canvasY*zoom + v.OffsetY
}

// DragMachine translates low-level pointer events into canvas-space
// token moves fed to the mutation coordinator. It has two states: idle,
// and dragging one token with a captured pointer offset.
//
// The offset is the device-space vector between the pointer and the
// token's rendered position at drag start, so the token does not jump
// under the pointer when the drag begins.
type DragMachine struct {
	coord    *Coordinator
	lookup   func(id string) (table.Token, bool)
	viewport func() Viewport
	attach   func()
	detach   func()

	dragging bool
	tokenID  string
	offsetX  float64
	offsetY  float64
}

// NewDragMachine builds a drag machine. lookup resolves a token by id in
// the authoritative state; viewport returns the current pan/zoom
// transform; attach/detach are the host's hooks for binding and
// unbinding global pointer-move/up listeners (bound only while a drag is
// in progress, so handlers never leak). attach and detach may be nil.
func NewDragMachine(coord *Coordinator, lookup func(id string) (table.Token, bool), viewport func() Viewport, attach, detach func()) *DragMachine {
	return &DragMachine{
		coord:    coord,
		lookup:   lookup,
		viewport: viewport,
		attach:   attach,
		detach:   detach,
	}
}

// PointerDown starts a drag on an unlocked token. Pointer-down on a
// locked token, an unknown id, or while another drag is in progress is
// ignored. Returns whether a drag started.
func (d *DragMachine) PointerDown(id string, deviceX, deviceY float64) bool {
	if d.dragging {
		return false
	}
	tok, ok := d.lookup(id)
	if !ok || tok.Locked {
		return false
	}

	tokenDeviceX, tokenDeviceY := d.viewport().ToDevice(tok.X, tok.Y)
	d.dragging = true
	d.tokenID = id
	d.offsetX = deviceX - tokenDeviceX
	d.offsetY = deviceY - tokenDeviceY
	if d.attach != nil {
		d.attach()
	}
	return true
}

// PointerMove feeds a pointer position through the viewport transform
// and moves the dragged token. It is a no-op while idle.
func (d *DragMachine) PointerMove(deviceX, deviceY float64) {
	if !d.dragging {
		return
	}
	x, y := d.viewport().ToCanvas(deviceX-d.offsetX, deviceY-d.offsetY)
	d.coord.MoveToken(d.tokenID, x, y)
}

// PointerUp ends the drag. The last move already scheduled its debounced
// confirmation, so no further mutation is issued here.
func (d *DragMachine) PointerUp() {
	if !d.dragging {
		return
	}
	d.dragging = false
	d.tokenID = ""
	if d.detach != nil {
		d.detach()
	}
}

// Dragging returns the id of the token being dragged, if any.
func (d *DragMachine) Dragging() (string, bool) {
	return d.tokenID, d.dragging
}
