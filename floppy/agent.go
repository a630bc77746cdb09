package floppy

import (
	"log"
	"sync"

	"github.com/bobuhiro11/goguam/agent"
	"github.com/bobuhiro11/goguam/memory"
	"github.com/pkg/errors"
)

// Control block layout, in words.
const (
	FCBNextIOCB          = 0 // double word
	FCBInterruptSelector = 2
	FCBStopAgent         = 3
	FCBAgentStopped      = 4
	FCBNumberOfDCBs      = 5
	FCBDCB               = 6

	// device control block, relative to FCBDCB
	DCBDeviceType     = 0
	DCBCylinders      = 1
	DCBHeads          = 2
	DCBSectors        = 3
	DCBReady          = 4
	DCBDiskChanged    = 5
	DCBTwoSided       = 6
	DCBSuggestedTries = 7
	DCBWriteProtected = 8
	dcbSize           = 9

	FCBSize = FCBDCB + dcbSize
)

// IOCB layout, in words. Sectors are numbered from 1.
const (
	IOCBNext             = 0 // double word
	IOCBDataPtr          = 2 // double word
	IOCBIncrementDataPtr = 4
	IOCBCommand          = 5
	IOCBCylinder         = 6
	IOCBHead             = 7
	IOCBSector           = 8
	IOCBCount            = 9 // sectors, or tracks for CmdFormatTrack
	IOCBDeviceIndex      = 10
	IOCBStatus           = 11
	IOCBSize             = 12
)

const (
	CmdNoOp uint16 = iota
	CmdRead
	CmdWrite
	CmdVerify
	CmdFormatTrack
)

const (
	StatusInProgress uint16 = iota
	StatusGoodCompletion
	StatusDiskChange
	StatusNotReady
	StatusCylinderError
	StatusDeletedData
	StatusRecordNotFound
	StatusHeaderError
	StatusDataError
	StatusDataLost
	StatusWriteFault
	StatusMemoryError
	StatusInvalidOperation
	StatusAborted
	StatusOtherError
)

const (
	deviceType     = 2
	suggestedTries = 3
)

// Agent drives the floppy control block. The live medium only changes in
// Publish; Insert and Eject, called from the UI, just stage the change.
type Agent struct {
	mem     memory.Memory
	sched   agent.Scheduler
	fcb     agent.FCB
	chain   agent.Chain
	stopped bool

	medium        *Image
	mediumChanged bool

	mu      sync.Mutex
	pending bool
	staged  *Image
}

func NewAgent(mem memory.Memory, sched agent.Scheduler) *Agent {
	return &Agent{
		mem:     mem,
		sched:   sched,
		chain:   agent.NewChain(mem, IOCBNext, IOCBSize),
		stopped: true,
	}
}

func (a *Agent) FCBSize() int {
	return FCBSize
}

func (a *Agent) Init(fcb agent.FCB) {
	a.fcb = fcb

	fcb.SetBool(FCBStopAgent, true)
	fcb.SetBool(FCBAgentStopped, true)
	fcb.SetWord(FCBNumberOfDCBs, 1)
	fcb.SetWord(FCBDCB+DCBDeviceType, deviceType)
	fcb.SetWord(FCBDCB+DCBCylinders, Cylinders)
	fcb.SetWord(FCBDCB+DCBHeads, Heads)
	fcb.SetWord(FCBDCB+DCBSectors, Sectors)
	fcb.SetBool(FCBDCB+DCBTwoSided, Heads == 2)
	fcb.SetWord(FCBDCB+DCBSuggestedTries, suggestedTries)
	a.publishMedium()
}

// Insert stages img as the next medium. Any medium in the drive is saved
// and released when the swap happens.
func (a *Agent) Insert(img *Image) {
	a.stage(img)
}

// Eject stages an empty drive.
func (a *Agent) Eject() {
	a.stage(nil)
}

func (a *Agent) stage(img *Image) {
	a.mu.Lock()
	if a.pending && a.staged != nil {
		a.staged.Close()
	}

	a.staged = img
	a.pending = true
	a.mu.Unlock()

	a.sched.RequestDataRefresh()
}

// Publish swaps in a staged medium.
func (a *Agent) Publish() {
	a.mu.Lock()
	if !a.pending {
		a.mu.Unlock()

		return
	}

	next := a.staged
	a.staged = nil
	a.pending = false
	a.mu.Unlock()

	if a.medium != nil {
		if err := a.medium.Save(); err != nil {
			log.Printf("floppy: %v", err)
		}

		a.medium.Close()
	}

	a.medium = next
	a.mediumChanged = true

	if next != nil {
		log.Printf("floppy: inserted %s (read-only %v)", next.Path(), next.ReadOnly())
	} else {
		log.Printf("floppy: ejected")
	}

	a.publishMedium()
}

func (a *Agent) publishMedium() {
	a.fcb.SetBool(FCBDCB+DCBReady, a.medium != nil)
	a.fcb.SetBool(FCBDCB+DCBDiskChanged, a.mediumChanged)
	a.fcb.SetBool(FCBDCB+DCBWriteProtected, a.medium != nil && a.medium.ReadOnly())
}

// Medium returns the floppy in the drive, or nil.
func (a *Agent) Medium() *Image {
	return a.medium
}

func (a *Agent) Call() {
	if a.fcb.Bool(FCBStopAgent) {
		if !a.stopped {
			log.Printf("floppy: agent stopped")
		}

		a.stopped = true
		a.fcb.SetBool(FCBAgentStopped, true)

		return
	}

	if a.stopped {
		log.Printf("floppy: agent started")
	}

	a.stopped = false
	a.fcb.SetBool(FCBAgentStopped, false)

	a.chain.Walk(a.fcb.DblWord(FCBNextIOCB), func(iocb uint32) {
		a.mem.WriteWord(iocb+IOCBStatus, a.transfer(iocb))
	})

	// The guest has now seen the change once.
	if a.mediumChanged {
		a.mediumChanged = false
		a.publishMedium()
	}

	a.sched.RaiseInterrupt(a.fcb.Word(FCBInterruptSelector))
}

func linear(cyl, head, sector int) (int, bool) {
	if cyl < 0 || cyl >= Cylinders || head < 0 || head >= Heads ||
		sector < firstSectorNo || sector >= firstSectorNo+Sectors {
		return 0, false
	}

	return (cyl*Heads+head)*Sectors + sector - firstSectorNo, true
}

func (a *Agent) transfer(iocb uint32) uint16 {
	cmd := a.mem.ReadWord(iocb + IOCBCommand)

	if a.mem.ReadWord(iocb+IOCBDeviceIndex) != 0 || cmd > CmdFormatTrack {
		return StatusInvalidOperation
	}

	if cmd == CmdNoOp {
		return StatusGoodCompletion
	}

	if a.medium == nil {
		return StatusNotReady
	}

	if cmd == CmdWrite || cmd == CmdFormatTrack {
		if a.medium.ReadOnly() {
			return StatusWriteFault
		}

		if a.mediumChanged {
			return StatusDiskChange
		}
	}

	if cmd == CmdFormatTrack {
		return a.format(iocb)
	}

	count := a.mem.ReadWord(iocb + IOCBCount)
	ptr := a.mem.ReadDblWord(iocb + IOCBDataPtr)
	incr := a.mem.ReadWord(iocb+IOCBIncrementDataPtr) != 0
	cyl := int(a.mem.ReadWord(iocb + IOCBCylinder))
	head := int(a.mem.ReadWord(iocb + IOCBHead))
	sector := int(a.mem.ReadWord(iocb + IOCBSector))

	if count > 0 && ptr == 0 {
		return StatusMemoryError
	}

	for ; count > 0; count-- {
		n, ok := linear(cyl, head, sector)
		if !ok {
			return StatusRecordNotFound
		}

		if st := a.sector(cmd, n, ptr); st != StatusGoodCompletion {
			return st
		}

		if incr {
			ptr += SectorWords
		}

		// next sector in linear order
		if sector++; sector >= firstSectorNo+Sectors {
			sector = firstSectorNo

			if head++; head >= Heads {
				head = 0
				cyl++
			}
		}

		a.mem.WriteWord(iocb+IOCBCount, count-1)
		a.mem.WriteDblWord(iocb+IOCBDataPtr, ptr)
		a.mem.WriteWord(iocb+IOCBCylinder, uint16(cyl))
		a.mem.WriteWord(iocb+IOCBHead, uint16(head))
		a.mem.WriteWord(iocb+IOCBSector, uint16(sector))
	}

	return StatusGoodCompletion
}

func (a *Agent) sector(cmd uint16, n int, ptr uint32) uint16 {
	data := a.medium.Sector(n)

	switch cmd {
	case CmdRead:
		if !a.mem.IsWritable(ptr, SectorWords) {
			return StatusMemoryError
		}

		for i, v := range data {
			a.mem.WriteWord(ptr+uint32(i), v)
		}
	case CmdWrite:
		if !a.mem.IsReadable(ptr, SectorWords) {
			return StatusMemoryError
		}

		buf := make([]uint16, SectorWords)
		for i := range buf {
			buf[i] = a.mem.ReadWord(ptr + uint32(i))
		}

		a.medium.WriteSector(n, buf)
	case CmdVerify:
		if !a.mem.IsReadable(ptr, SectorWords) {
			return StatusMemoryError
		}

		for i, v := range data {
			if a.mem.ReadWord(ptr+uint32(i)) != v {
				return StatusDataError
			}
		}
	}

	return StatusGoodCompletion
}

// format zeroes whole tracks, moving to the next head or cylinder after
// each one.
func (a *Agent) format(iocb uint32) uint16 {
	count := a.mem.ReadWord(iocb + IOCBCount)
	cyl := int(a.mem.ReadWord(iocb + IOCBCylinder))
	head := int(a.mem.ReadWord(iocb + IOCBHead))
	zero := make([]uint16, SectorWords)

	for ; count > 0; count-- {
		first, ok := linear(cyl, head, firstSectorNo)
		if !ok {
			return StatusCylinderError
		}

		for s := 0; s < Sectors; s++ {
			a.medium.WriteSector(first+s, zero)
		}

		if head++; head >= Heads {
			head = 0
			cyl++
		}

		a.mem.WriteWord(iocb+IOCBCount, count-1)
		a.mem.WriteWord(iocb+IOCBCylinder, uint16(cyl))
		a.mem.WriteWord(iocb+IOCBHead, uint16(head))
	}

	return StatusGoodCompletion
}

// Shutdown saves and releases the medium in the drive and drops any staged
// one.
func (a *Agent) Shutdown(r *agent.Report) {
	a.mu.Lock()
	if a.staged != nil {
		a.staged.Close()
		a.staged = nil
	}
	a.pending = false
	a.mu.Unlock()

	if a.medium == nil {
		return
	}

	defer a.medium.Close()

	err := a.medium.Save()

	switch {
	case err == nil:
	case errors.Is(err, ErrReadOnly):
		r.Warnf("floppy: %v", err)
	default:
		r.Errorf("floppy: %v", err)
	}
}
