package machine_test

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bobuhiro11/goguam/agent"
	"github.com/bobuhiro11/goguam/disk"
	"github.com/bobuhiro11/goguam/floppy"
	"github.com/bobuhiro11/goguam/input"
	"github.com/bobuhiro11/goguam/machine"
	"github.com/bobuhiro11/goguam/memory"
	"github.com/bobuhiro11/goguam/timesvc"
)

type mockUI struct {
	changes int
}

func (m *mockUI) CursorChanged(input.Cursor)   {}
func (m *mockUI) DisplayChanged(int, []uint16) { m.changes++ }
func (m *mockUI) Beep(uint16)                  {}

func diskFile(t *testing.T, dir string) string {
	t.Helper()

	path := filepath.Join(dir, "disk.img")
	if err := os.WriteFile(path, make([]byte, 2*2*16*disk.PageBytes), 0o644); err != nil {
		t.Fatal(err)
	}

	return path
}

func floppyFile(t *testing.T, dir string) string {
	t.Helper()

	raw := make([]byte, floppy.ImageBytes)
	binary.BigEndian.PutUint16(raw, floppy.VolumeSeal)
	binary.BigEndian.PutUint16(raw[floppy.SectorBytes:], floppy.LabelVersion)

	path := filepath.Join(dir, "floppy.img")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	return path
}

func newMachine(t *testing.T, cfg machine.Config) (*machine.Machine, *memory.Flat, error) {
	t.Helper()

	mem, err := memory.NewFlat(machine.MinMemPages + 1)
	if err != nil {
		t.Fatal(err)
	}

	sched := machine.NewInterrupts(uint32(mem.Pages()), 1<<14)
	m, err := machine.New(context.Background(), cfg, mem, sched, &mockUI{})

	return m, mem, err
}

func TestNewLaysOutAgents(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	m, mem, err := newMachine(t, machine.Config{
		Disk:   disk.Config{Path: diskFile(t, dir), Heads: 2, Sectors: 16},
		Floppy: floppyFile(t, dir),
		Hub:    "no port here",
	})
	if err != nil {
		t.Fatal(err)
	}

	present := map[agent.Slot]bool{
		agent.SlotDisk: true, agent.SlotFloppy: true, agent.SlotNetwork: true,
		agent.SlotKeyboard: true, agent.SlotBeep: true, agent.SlotMouse: true,
		agent.SlotProcessor: true, agent.SlotDisplay: true,
	}

	for s := agent.Slot(0); s < agent.NumSlots; s++ {
		ptr := mem.ReadDblWord(machine.AgentBase + 2*uint32(s))
		if (ptr != 0) != present[s] {
			t.Fatalf("%v: unexpected control block pointer %#x", s, ptr)
		}
	}

	if _, ok := m.Transport().(*timesvc.Service); !ok {
		t.Fatalf("expected the time service, actual: %T", m.Transport())
	}

	fcb, _ := m.Registry().FCB(agent.SlotFloppy)
	if fcb.Bool(floppy.FCBDCB + floppy.DCBReady) {
		t.Fatal("floppy visible before publish")
	}

	m.PublishAll()

	if !fcb.Bool(floppy.FCBDCB + floppy.DCBReady) {
		t.Fatal("floppy not visible after publish")
	}

	if rep := m.Shutdown(); !rep.Empty() {
		t.Fatalf("unexpected report: %s", rep)
	}
}

func TestInputReachesGuest(t *testing.T) {
	t.Parallel()

	m, _, err := newMachine(t, machine.Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	m.KeyDown(0)
	m.MouseMoved(12, 34)
	m.MouseButton(input.ButtonPoint, true)
	m.PublishAll()

	kfcb, _ := m.Registry().FCB(agent.SlotKeyboard)
	if kfcb.Word(0) != 0x7FFF {
		t.Fatalf("expected: 0x7fff, actual: %#x", kfcb.Word(0))
	}

	w, mask := int(input.KeyPoint)/16, uint16(0x8000)>>(uint(input.KeyPoint)%16)
	if kfcb.Word(w)&mask != 0 {
		t.Fatal("point button not down")
	}

	mfcb, _ := m.Registry().FCB(agent.SlotMouse)
	if mfcb.Word(input.MouseCurrentX) != 12 || mfcb.Word(input.MouseCurrentY) != 34 {
		t.Fatal("mouse position not published")
	}

	m.FocusLost()
	m.PublishAll()

	for i := 0; i < input.KeyWords; i++ {
		if v := kfcb.Word(i); v != 0xFFFF {
			t.Fatalf("word %d: expected: 0xffff, actual: %#x", i, v)
		}
	}

	if _, ok := m.Registry().FCB(agent.SlotDisk); ok {
		t.Fatal("disk present without a disk image")
	}
}

func TestDispatchEmptySlotAborts(t *testing.T) {
	t.Parallel()

	m, _, err := newMachine(t, machine.Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	defer func() {
		var abort *memory.AbortError
		if p := recover(); p == nil || !errors.As(p.(error), &abort) {
			t.Fatalf("expected abort, actual: %v", p)
		}
	}()

	m.Dispatch(int(agent.SlotSerial))
}

func TestCorruptDelta(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := diskFile(t, dir)

	if err := os.WriteFile(path+disk.DeltaSuffix, []byte("not a delta file"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := machine.Config{Disk: disk.Config{Path: path, Heads: 2, Sectors: 16}}

	m, _, err := newMachine(t, cfg)
	if err != nil {
		t.Fatal(err)
	}

	if !errors.Is(m.DeltaError(), disk.ErrCorruptDelta) {
		t.Fatalf("expected: %v, actual: %v", disk.ErrCorruptDelta, m.DeltaError())
	}

	m.Shutdown()

	cfg.StrictDelta = true

	if _, _, err := newMachine(t, cfg); !errors.Is(err, disk.ErrCorruptDelta) {
		t.Fatalf("expected: %v, actual: %v", disk.ErrCorruptDelta, err)
	}
}

func TestInterruptsCoalesce(t *testing.T) {
	t.Parallel()

	i := machine.NewInterrupts(10, 20)

	i.RequestDataRefresh()
	i.RequestDataRefresh()

	select {
	case <-i.Refresh():
	default:
		t.Fatal("refresh not signalled")
	}

	select {
	case <-i.Refresh():
		t.Fatal("refresh requests not coalesced")
	default:
	}

	i.RaiseInterrupt(0x01)
	i.RaiseInterrupt(0x04)

	if p := i.Take(); p != 0x05 {
		t.Fatalf("expected: 0x5, actual: %#x", p)
	}

	if i.Take() != 0 || i.Raised() != 2 {
		t.Fatal("take must clear the selectors")
	}
}
