// Package agent defines the contract between the interpreter and the
// host-side device emulations, and the registry that lays out their control
// blocks in guest memory.
package agent

import (
	"fmt"

	"github.com/bobuhiro11/goguam/memory"
)

// Slot identifies a device position in the control block pointer vector.
// The order is fixed by the guest.
type Slot int

const (
	SlotNull Slot = iota
	SlotDisk
	SlotFloppy
	SlotNetwork
	SlotParallel
	SlotKeyboard
	SlotBeep
	SlotMouse
	SlotProcessor
	SlotStream
	SlotSerial
	SlotTTY
	SlotDisplay
	SlotReserved3
	SlotReserved2
	SlotReserved1

	NumSlots
)

var slotNames = [NumSlots]string{
	"null", "disk", "floppy", "network", "parallel", "keyboard", "beep", "mouse",
	"processor", "stream", "serial", "tty", "display", "reserved3", "reserved2", "reserved1",
}

func (s Slot) String() string {
	if s < 0 || s >= NumSlots {
		return fmt.Sprintf("slot(%d)", int(s))
	}

	return slotNames[s]
}

// Agent is implemented by every device emulation.
type Agent interface {
	// FCBSize is the control block size in words.
	FCBSize() int
	// Init is called once with the control block assigned by the registry.
	// Agents write their capability fields here.
	Init(fcb FCB)
	// Call handles the pending command(s) of the control block.
	Call()
	// Publish copies host side buffered state into guest memory. It runs on
	// the interpreter thread but never concurrently with Call.
	Publish()
	// Shutdown releases host resources, adding problems to r.
	Shutdown(r *Report)
}

// Scheduler is the part of the interrupt subsystem agents talk to.
type Scheduler interface {
	RaiseInterrupt(selector uint16)
	// RequestDataRefresh asks for a Publish pass soon. Repeated requests
	// before the pass coalesce.
	RequestDataRefresh()
	RealPages() uint32
	VirtualPages() uint32
}

// FCB is a bounds checked view of one control block.
type FCB struct {
	mem  memory.Memory
	addr uint32
	size int
}

func NewFCB(mem memory.Memory, addr uint32, size int) FCB {
	return FCB{mem: mem, addr: addr, size: size}
}

func (f FCB) Addr() uint32 {
	return f.addr
}

func (f FCB) Size() int {
	return f.size
}

func (f FCB) Mem() memory.Memory {
	return f.mem
}

func (f FCB) check(off, words int) {
	if off < 0 || off+words > f.size {
		f.mem.Abort(fmt.Errorf("control block at %#x: offset %d beyond size %d", f.addr, off, f.size))
	}
}

func (f FCB) Word(off int) uint16 {
	f.check(off, 1)

	return f.mem.ReadWord(f.addr + uint32(off))
}

func (f FCB) SetWord(off int, v uint16) {
	f.check(off, 1)
	f.mem.WriteWord(f.addr+uint32(off), v)
}

func (f FCB) Bool(off int) bool {
	return f.Word(off) != 0
}

func (f FCB) SetBool(off int, v bool) {
	if v {
		f.SetWord(off, 1)
	} else {
		f.SetWord(off, 0)
	}
}

func (f FCB) DblWord(off int) uint32 {
	f.check(off, 2)

	return f.mem.ReadDblWord(f.addr + uint32(off))
}

func (f FCB) SetDblWord(off int, v uint32) {
	f.check(off, 2)
	f.mem.WriteDblWord(f.addr+uint32(off), v)
}
