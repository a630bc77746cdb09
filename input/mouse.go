package input

import (
	"sync"

	"github.com/bobuhiro11/goguam/agent"
)

// Mouse control block layout, in words.
const (
	MouseCurrentX      = 0
	MouseCurrentY      = 1
	MouseCursorOffsetX = 2
	MouseCursorOffsetY = 3
	MouseNewValueX     = 4
	MouseNewValueY     = 5
	MouseCommand       = 6

	MouseFCBSize = 7
)

const (
	MouseCmdNone uint16 = iota
	MouseCmdSetPosition
	MouseCmdSetCursorPosition
)

type Button int

const (
	ButtonPoint Button = iota
	ButtonAdjust
	ButtonMenu
)

func (b Button) Key() Key {
	switch b {
	case ButtonAdjust:
		return KeyAdjust
	case ButtonMenu:
		return KeyMenu
	default:
		return KeyPoint
	}
}

// CursorWords is the height of the 16x16 cursor bitmap.
const CursorWords = 16

// Cursor is a cursor bitmap with the position of its hotspot.
type Cursor struct {
	Bits       [CursorWords]uint16
	HotX, HotY int
}

// CursorSink receives new cursor shapes.
type CursorSink interface {
	CursorChanged(c Cursor)
}

// Mouse reports the pointer position to the guest and lets the guest move
// it. Buttons are reported as keys through the keyboard.
type Mouse struct {
	sched agent.Scheduler
	fcb   agent.FCB
	kbd   *Keyboard
	ui    CursorSink

	mu    sync.Mutex
	x, y  uint16
	moved bool

	// set by the display agent, completed by the next cursor offset
	pattern *[CursorWords]uint16
}

func NewMouse(sched agent.Scheduler, kbd *Keyboard, ui CursorSink) *Mouse {
	return &Mouse{sched: sched, kbd: kbd, ui: ui}
}

func (m *Mouse) FCBSize() int {
	return MouseFCBSize
}

func (m *Mouse) Init(fcb agent.FCB) {
	m.fcb = fcb
}

// Moved records a new pointer position from the UI.
func (m *Mouse) Moved(x, y int) {
	m.mu.Lock()
	m.x, m.y = clamp(x), clamp(y)
	m.moved = true
	m.mu.Unlock()

	m.sched.RequestDataRefresh()
}

func clamp(v int) uint16 {
	switch {
	case v < 0:
		return 0
	case v > 0xFFFF:
		return 0xFFFF
	}

	return uint16(v)
}

func (m *Mouse) Button(b Button, down bool) {
	if down {
		m.kbd.KeyDown(b.Key())
	} else {
		m.kbd.KeyUp(b.Key())
	}
}

// Position returns the buffered pointer position.
func (m *Mouse) Position() (x, y int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return int(m.x), int(m.y)
}

// SetCursorPattern stages a new cursor bitmap. The UI gets it once the
// guest sets the cursor offset.
func (m *Mouse) SetCursorPattern(bits [CursorWords]uint16) {
	m.pattern = &bits
}

func (m *Mouse) Call() {
	nx, ny := m.fcb.Word(MouseNewValueX), m.fcb.Word(MouseNewValueY)

	switch m.fcb.Word(MouseCommand) {
	case MouseCmdSetPosition:
		m.mu.Lock()
		m.x, m.y = nx, ny
		m.moved = false
		m.mu.Unlock()

		m.fcb.SetWord(MouseCurrentX, nx)
		m.fcb.SetWord(MouseCurrentY, ny)
	case MouseCmdSetCursorPosition:
		m.fcb.SetWord(MouseCursorOffsetX, nx)
		m.fcb.SetWord(MouseCursorOffsetY, ny)

		if m.pattern != nil {
			m.ui.CursorChanged(Cursor{
				Bits: *m.pattern,
				HotX: -int(int16(nx)),
				HotY: -int(int16(ny)),
			})
			m.pattern = nil
		}
	}

	m.fcb.SetWord(MouseCommand, MouseCmdNone)
}

func (m *Mouse) Publish() {
	m.mu.Lock()
	if !m.moved {
		m.mu.Unlock()

		return
	}

	x, y := m.x, m.y
	m.moved = false
	m.mu.Unlock()

	m.fcb.SetWord(MouseCurrentX, x)
	m.fcb.SetWord(MouseCurrentY, y)
}

func (m *Mouse) Shutdown(*agent.Report) {}
