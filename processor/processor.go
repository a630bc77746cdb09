// Package processor emulates the processor agent, which tells the guest
// about the machine and keeps its clock, and the beeper.
package processor

import (
	"log"
	"time"

	"github.com/bobuhiro11/goguam/agent"
	"github.com/bobuhiro11/goguam/timesvc"
)

// Control block layout, in words.
const (
	FCBProcessorID            = 0 // three words
	FCBMicrosecondsPerHundred = 3
	FCBRealMemoryPageCount    = 4 // double word
	FCBVirtualMemoryPageCount = 6 // double word
	FCBGMT                    = 8 // double word
	FCBCommand                = 10
	FCBStatus                 = 11
	FCBSize                   = 12
)

const (
	CmdNoOp uint16 = iota
	CmdReadGMT
	CmdWriteGMT
)

const (
	StatusInProgress uint16 = iota
	StatusSuccess
	StatusFailure
)

// DefaultMicrosecondsPerHundredPulses gives a one microsecond pulse.
const DefaultMicrosecondsPerHundredPulses = 100

type Config struct {
	ID                           [6]byte
	MicrosecondsPerHundredPulses uint16
}

// Agent reports the guest clock as host time plus a correction. Writing
// the clock changes only the correction.
type Agent struct {
	cfg   Config
	sched agent.Scheduler
	fcb   agent.FCB
	now   func() time.Time

	correction int64 // seconds
}

func NewAgent(cfg Config, sched agent.Scheduler) *Agent {
	if cfg.MicrosecondsPerHundredPulses == 0 {
		cfg.MicrosecondsPerHundredPulses = DefaultMicrosecondsPerHundredPulses
	}

	return &Agent{cfg: cfg, sched: sched, now: time.Now}
}

// SetClock replaces the host clock.
func (a *Agent) SetClock(now func() time.Time) {
	a.now = now
}

func (a *Agent) FCBSize() int {
	return FCBSize
}

func (a *Agent) Init(fcb agent.FCB) {
	a.fcb = fcb

	for i := 0; i < 3; i++ {
		fcb.SetWord(FCBProcessorID+i, uint16(a.cfg.ID[2*i])<<8|uint16(a.cfg.ID[2*i+1]))
	}

	fcb.SetWord(FCBMicrosecondsPerHundred, a.cfg.MicrosecondsPerHundredPulses)
	fcb.SetDblWord(FCBRealMemoryPageCount, a.sched.RealPages())
	fcb.SetDblWord(FCBVirtualMemoryPageCount, a.sched.VirtualPages())
	fcb.SetDblWord(FCBGMT, a.GMT())
}

// GMT returns the guest clock.
func (a *Agent) GMT() uint32 {
	return uint32(int64(timesvc.GuestTime(a.now())) + a.correction)
}

// Correction returns the seconds added to host time.
func (a *Agent) Correction() int64 {
	return a.correction
}

func (a *Agent) Call() {
	status := StatusSuccess

	switch a.fcb.Word(FCBCommand) {
	case CmdNoOp:
	case CmdReadGMT:
		a.fcb.SetDblWord(FCBGMT, a.GMT())
	case CmdWriteGMT:
		host := int64(timesvc.GuestTime(a.now()))
		a.correction = int64(a.fcb.DblWord(FCBGMT)) - host

		log.Printf("processor: clock set, correction %ds", a.correction)
	default:
		status = StatusFailure
	}

	a.fcb.SetWord(FCBStatus, status)
}

func (a *Agent) Publish() {}

func (a *Agent) Shutdown(*agent.Report) {}
