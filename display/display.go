// Package display emulates the monochrome bitmap display. The bitmap lives
// in guest memory; the agent reports which parts of it changed.
package display

import (
	"github.com/bobuhiro11/goguam/agent"
	"github.com/bobuhiro11/goguam/input"
	"github.com/bobuhiro11/goguam/memory"
)

// Control block layout, in words.
const (
	FCBCommand       = 0
	FCBStatus        = 1
	FCBCursorPattern = 2 // input.CursorWords words
	FCBBackground    = 18
	FCBMemory        = 19 // double word
	FCBWidth         = 21
	FCBHeight        = 22
	FCBCLTIndex      = 23
	FCBCLTColor      = 24 // double word
	FCBSize          = 26
)

const (
	CmdNone uint16 = iota
	CmdSetCLTEntry
	CmdGetCLTEntry
	CmdSetBackground
	CmdSetCursorPattern
	CmdUpdateRectangle
	CmdCopyRectangle
	CmdPatternFillRectangle
)

const (
	StatusSuccess uint16 = iota
	StatusGeneralFailure
	StatusInvalidCLTIndex
)

const cltEntries = 256

// UI receives the parts of the bitmap that changed, as word offsets into
// the bitmap.
type UI interface {
	DisplayChanged(offset int, words []uint16)
}

// CursorSetter takes new cursor bitmaps.
type CursorSetter interface {
	SetCursorPattern(bits [input.CursorWords]uint16)
}

type Config struct {
	Base          uint32 // word address of the bitmap
	Width, Height int    // pixels
}

// Words returns the size of the bitmap.
func (c Config) Words() int {
	return (c.Width + 15) / 16 * c.Height
}

type Agent struct {
	cfg    Config
	mem    memory.Memory
	flags  memory.PageFlags
	ui     UI
	cursor CursorSetter
	fcb    agent.FCB

	background uint16
	clt        [cltEntries]uint32
	full       bool
}

// NewAgent returns the display agent. Change reports need mem to track
// dirty pages; without that every publish reports the whole bitmap.
func NewAgent(cfg Config, mem memory.Memory, ui UI, cursor CursorSetter) *Agent {
	a := &Agent{cfg: cfg, mem: mem, ui: ui, cursor: cursor, full: true}
	a.flags, _ = mem.(memory.PageFlags)

	return a
}

func (a *Agent) FCBSize() int {
	return FCBSize
}

func (a *Agent) Init(fcb agent.FCB) {
	a.fcb = fcb

	fcb.SetDblWord(FCBMemory, a.cfg.Base)
	fcb.SetWord(FCBWidth, uint16(a.cfg.Width))
	fcb.SetWord(FCBHeight, uint16(a.cfg.Height))
}

func (a *Agent) Background() uint16 {
	return a.background
}

func (a *Agent) Call() {
	status := StatusSuccess

	switch a.fcb.Word(FCBCommand) {
	case CmdSetCLTEntry, CmdGetCLTEntry:
		i := int(a.fcb.Word(FCBCLTIndex))
		if i >= cltEntries {
			status = StatusInvalidCLTIndex

			break
		}

		if a.fcb.Word(FCBCommand) == CmdSetCLTEntry {
			a.clt[i] = a.fcb.DblWord(FCBCLTColor)
		} else {
			a.fcb.SetDblWord(FCBCLTColor, a.clt[i])
		}
	case CmdSetBackground:
		a.background = a.fcb.Word(FCBBackground)
		a.full = true
	case CmdSetCursorPattern:
		var bits [input.CursorWords]uint16
		for i := range bits {
			bits[i] = a.fcb.Word(FCBCursorPattern + i)
		}

		a.cursor.SetCursorPattern(bits)
	case CmdNone, CmdUpdateRectangle, CmdCopyRectangle, CmdPatternFillRectangle:
		// the bitmap itself is the display; nothing to do
	default:
		status = StatusGeneralFailure
	}

	a.fcb.SetWord(FCBStatus, status)
}

// Publish reports every run of changed bitmap pages to the UI.
func (a *Agent) Publish() {
	words := a.cfg.Words()
	if words == 0 {
		return
	}

	if a.full || a.flags == nil {
		for page := a.pageOf(0); page <= a.pageOf(words-1); page++ {
			if a.flags != nil {
				a.flags.TestAndClearDirty(page)
			}
		}

		a.full = false
		a.report(0, words)

		return
	}

	start := -1
	first, last := a.pageOf(0), a.pageOf(words-1)

	for page := first; page <= last+1; page++ {
		if page <= last && a.flags.TestAndClearDirty(page) {
			if start < 0 {
				start = page
			}

			continue
		}

		if start >= 0 {
			from := max(0, start*memory.PageWords-int(a.cfg.Base))
			to := min(words, page*memory.PageWords-int(a.cfg.Base))
			a.report(from, to-from)
			start = -1
		}
	}
}

func (a *Agent) pageOf(offset int) int {
	return (int(a.cfg.Base) + offset) / memory.PageWords
}

func (a *Agent) report(offset, n int) {
	buf := make([]uint16, n)
	for i := range buf {
		buf[i] = a.mem.ReadWord(a.cfg.Base + uint32(offset+i))
	}

	a.ui.DisplayChanged(offset, buf)
}

func (a *Agent) Shutdown(*agent.Report) {}
