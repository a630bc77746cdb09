package input_test

import (
	"testing"

	"github.com/bobuhiro11/goguam/agent"
	"github.com/bobuhiro11/goguam/input"
	"github.com/bobuhiro11/goguam/memory"
)

type mockScheduler struct {
	refreshes int
}

func (m *mockScheduler) RaiseInterrupt(uint16) {}
func (m *mockScheduler) RequestDataRefresh()   { m.refreshes++ }
func (m *mockScheduler) RealPages() uint32     { return 0 }
func (m *mockScheduler) VirtualPages() uint32  { return 0 }

type mockUI struct {
	cursors []input.Cursor
}

func (m *mockUI) CursorChanged(c input.Cursor) { m.cursors = append(m.cursors, c) }

type rig struct {
	sched *mockScheduler
	ui    *mockUI
	kbd   *input.Keyboard
	mouse *input.Mouse
	kfcb  agent.FCB
	mfcb  agent.FCB
}

func newRig(t *testing.T) *rig {
	t.Helper()

	mem, err := memory.NewFlat(1)
	if err != nil {
		t.Fatal(err)
	}

	r := &rig{sched: &mockScheduler{}, ui: &mockUI{}}
	r.kbd = input.NewKeyboard(r.sched)
	r.mouse = input.NewMouse(r.sched, r.kbd, r.ui)
	r.kfcb = agent.NewFCB(mem, 0x10, r.kbd.FCBSize())
	r.mfcb = agent.NewFCB(mem, 0x20, r.mouse.FCBSize())
	r.kbd.Init(r.kfcb)
	r.mouse.Init(r.mfcb)

	return r
}

func TestKeyboardAllUp(t *testing.T) {
	t.Parallel()

	r := newRig(t)

	for i := 0; i < input.KeyWords; i++ {
		if v := r.kfcb.Word(i); v != 0xFFFF {
			t.Fatalf("word %d: expected: 0xffff, actual: %#x", i, v)
		}
	}
}

func TestKeyboardPublish(t *testing.T) {
	t.Parallel()

	r := newRig(t)

	r.kbd.KeyDown(17)

	if r.kfcb.Word(1) != 0xFFFF {
		t.Fatal("key state reached the guest before publish")
	}

	if r.sched.refreshes != 1 {
		t.Fatalf("expected: 1, actual: %d", r.sched.refreshes)
	}

	r.kbd.Publish()

	if v := r.kfcb.Word(1); v != 0xBFFF {
		t.Fatalf("expected: 0xbfff, actual: %#x", v)
	}

	r.kbd.KeyDown(17)

	if r.sched.refreshes != 1 {
		t.Fatal("repeated key down requested a refresh")
	}

	r.kbd.KeyUp(17)
	r.kbd.Publish()

	if v := r.kfcb.Word(1); v != 0xFFFF {
		t.Fatalf("expected: 0xffff, actual: %#x", v)
	}

	r.kbd.KeyDown(input.NumKeys)
	r.kbd.Publish()

	for i := 0; i < input.KeyWords; i++ {
		if r.kfcb.Word(i) != 0xFFFF {
			t.Fatal("out of range key changed the key bits")
		}
	}
}

func TestMouseButtonsAreKeys(t *testing.T) {
	t.Parallel()

	r := newRig(t)

	r.mouse.Button(input.ButtonMenu, true)

	if !r.kbd.Pressed(input.KeyMenu) {
		t.Fatal("menu button not pressed")
	}

	r.mouse.Button(input.ButtonMenu, false)

	if r.kbd.Pressed(input.KeyMenu) {
		t.Fatal("menu button still pressed")
	}
}

func TestMousePosition(t *testing.T) {
	t.Parallel()

	r := newRig(t)

	r.mouse.Moved(100, -5)

	if r.mfcb.Word(input.MouseCurrentX) != 0 {
		t.Fatal("position reached the guest before publish")
	}

	r.mouse.Publish()

	if x, y := r.mfcb.Word(input.MouseCurrentX), r.mfcb.Word(input.MouseCurrentY); x != 100 || y != 0 {
		t.Fatalf("expected: 100 0, actual: %d %d", x, y)
	}

	r.mfcb.SetWord(input.MouseNewValueX, 300)
	r.mfcb.SetWord(input.MouseNewValueY, 400)
	r.mfcb.SetWord(input.MouseCommand, input.MouseCmdSetPosition)
	r.mouse.Call()

	if x, y := r.mouse.Position(); x != 300 || y != 400 {
		t.Fatalf("expected: 300 400, actual: %d %d", x, y)
	}

	if r.mfcb.Word(input.MouseCommand) != input.MouseCmdNone {
		t.Fatal("command not acknowledged")
	}
}

func TestCursorNeedsHotspot(t *testing.T) {
	t.Parallel()

	r := newRig(t)

	var bits [input.CursorWords]uint16
	bits[0] = 0x8000

	r.mouse.SetCursorPattern(bits)

	if len(r.ui.cursors) != 0 {
		t.Fatal("cursor shown before its hotspot is known")
	}

	r.mfcb.SetWord(input.MouseNewValueX, 0xFFFE) // -2
	r.mfcb.SetWord(input.MouseNewValueY, 0xFFFD) // -3
	r.mfcb.SetWord(input.MouseCommand, input.MouseCmdSetCursorPosition)
	r.mouse.Call()

	if len(r.ui.cursors) != 1 {
		t.Fatalf("expected: 1, actual: %d", len(r.ui.cursors))
	}

	c := r.ui.cursors[0]
	if c.Bits != bits || c.HotX != 2 || c.HotY != 3 {
		t.Fatalf("unexpected cursor %+v", c)
	}

	r.mfcb.SetWord(input.MouseCommand, input.MouseCmdSetCursorPosition)
	r.mouse.Call()

	if len(r.ui.cursors) != 1 {
		t.Fatal("cursor delivered twice")
	}
}
