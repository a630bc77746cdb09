package disk

import (
	"log"

	"github.com/bobuhiro11/goguam/agent"
	"github.com/bobuhiro11/goguam/memory"
	"github.com/pkg/errors"
)

// Control block layout, in words.
const (
	FCBNextIOCB          = 0 // double word, head of the IOCB list
	FCBInterruptSelector = 2
	FCBStopAgent         = 3
	FCBAgentStopped      = 4
	FCBNumberOfDCBs      = 5
	FCBDCB               = 6

	// device control block, relative to FCBDCB
	DCBDeviceType = 0
	DCBCylinders  = 1
	DCBHeads      = 2
	DCBSectors    = 3
	DCBPages      = 4 // double word
	DCBReadOnly   = 6
	dcbSize       = 8

	FCBSize = FCBDCB + dcbSize
)

// IOCB layout, in words.
const (
	IOCBNext             = 0 // double word
	IOCBCylinder         = 2
	IOCBHeadSector       = 3 // head in the high byte, sector in the low byte
	IOCBDataPtr          = 4 // double word
	IOCBIncrementDataPtr = 6
	IOCBCommand          = 7
	IOCBPageCount        = 8
	IOCBDeviceIndex      = 9
	IOCBStatus           = 10
	IOCBSize             = 11
)

// Commands.
const (
	CmdNoOp uint16 = iota
	CmdRead
	CmdWrite
	CmdVerify
)

// Status values written into IOCBStatus.
const (
	StatusInProgress uint16 = iota
	StatusGoodCompletion
	StatusNotReady
	StatusRecalibrateError
	StatusSeekTimeout
	StatusHeaderCRCError
	StatusReserved6
	StatusDataCRCError
	StatusHeaderNotFound
	StatusReserved9
	StatusDataVerifyError
	StatusOverrunError
	StatusWriteFault
	StatusMemoryError
	StatusMemoryFault
	StatusClientError
	StatusOperationReset
	StatusOtherError
)

const deviceType = 1

// Agent drives one Image through the disk control block.
type Agent struct {
	img     *Image
	mem     memory.Memory
	sched   agent.Scheduler
	fcb     agent.FCB
	chain   agent.Chain
	stopped bool
}

func NewAgent(img *Image, mem memory.Memory, sched agent.Scheduler) *Agent {
	return &Agent{
		img:     img,
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
	fcb.SetWord(FCBDCB+DCBCylinders, uint16(a.img.Cylinders()))
	fcb.SetWord(FCBDCB+DCBHeads, uint16(a.img.Heads()))
	fcb.SetWord(FCBDCB+DCBSectors, uint16(a.img.Sectors()))
	fcb.SetDblWord(FCBDCB+DCBPages, uint32(a.img.Pages()))
	fcb.SetBool(FCBDCB+DCBReadOnly, a.img.ReadOnly())
}

// Call processes the IOCB list. Stop requests are honoured before any
// IOCB is looked at.
func (a *Agent) Call() {
	if a.fcb.Bool(FCBStopAgent) {
		if !a.stopped {
			log.Printf("disk: agent stopped")
		}

		a.stopped = true
		a.fcb.SetBool(FCBAgentStopped, true)

		return
	}

	if a.stopped {
		log.Printf("disk: agent started")
	}

	a.stopped = false
	a.fcb.SetBool(FCBAgentStopped, false)

	a.chain.Walk(a.fcb.DblWord(FCBNextIOCB), a.process)

	a.sched.RaiseInterrupt(a.fcb.Word(FCBInterruptSelector))
}

func (a *Agent) process(iocb uint32) {
	a.mem.WriteWord(iocb+IOCBStatus, a.transfer(iocb))
}

// transfer runs the pages of one IOCB, updating the data pointer, count and
// disk address in place after every page, and stops at the first failure.
func (a *Agent) transfer(iocb uint32) uint16 {
	cmd := a.mem.ReadWord(iocb + IOCBCommand)
	count := a.mem.ReadWord(iocb + IOCBPageCount)
	ptr := a.mem.ReadDblWord(iocb + IOCBDataPtr)
	incr := a.mem.ReadWord(iocb+IOCBIncrementDataPtr) != 0

	if a.mem.ReadWord(iocb+IOCBDeviceIndex) != 0 || cmd > CmdVerify {
		return StatusClientError
	}

	if cmd == CmdNoOp || count == 0 {
		return StatusGoodCompletion
	}

	if ptr == 0 {
		return StatusClientError
	}

	cyl := int(a.mem.ReadWord(iocb + IOCBCylinder))
	hs := a.mem.ReadWord(iocb + IOCBHeadSector)

	page, ok := a.img.PageOffset(cyl, int(hs>>8), int(hs&0xff))
	if !ok {
		return StatusHeaderNotFound
	}

	for count > 0 {
		if page >= a.img.Pages() {
			return StatusHeaderNotFound
		}

		if st := a.page(cmd, page, ptr); st != StatusGoodCompletion {
			return st
		}

		count--
		page++

		if incr {
			ptr += PageWords
		}

		a.mem.WriteWord(iocb+IOCBPageCount, count)
		a.mem.WriteDblWord(iocb+IOCBDataPtr, ptr)

		if page < a.img.Pages() {
			c, h, s := a.img.Address(page)
			a.mem.WriteWord(iocb+IOCBCylinder, uint16(c))
			a.mem.WriteWord(iocb+IOCBHeadSector, uint16(h)<<8|uint16(s))
		}
	}

	return StatusGoodCompletion
}

func (a *Agent) page(cmd uint16, page int, ptr uint32) uint16 {
	data := a.img.Page(page)

	switch cmd {
	case CmdRead:
		if !a.mem.IsWritable(ptr, PageWords) {
			return StatusMemoryFault
		}

		for i, v := range data {
			a.mem.WriteWord(ptr+uint32(i), v)
		}
	case CmdWrite:
		if !a.mem.IsReadable(ptr, PageWords) {
			return StatusMemoryFault
		}

		buf := make([]uint16, PageWords)
		for i := range buf {
			buf[i] = a.mem.ReadWord(ptr + uint32(i))
		}

		a.img.WritePage(page, buf)
	case CmdVerify:
		if !a.mem.IsReadable(ptr, PageWords) {
			return StatusMemoryFault
		}

		for i, v := range data {
			if a.mem.ReadWord(ptr+uint32(i)) != v {
				return StatusDataVerifyError
			}
		}
	}

	return StatusGoodCompletion
}

func (a *Agent) Publish() {}

// Shutdown saves the delta and releases the image.
func (a *Agent) Shutdown(r *agent.Report) {
	defer a.img.Close()

	err := a.img.Save()

	switch {
	case err == nil:
	case errors.Is(err, ErrReadOnly):
		r.Warnf("disk: %v", err)
	default:
		r.Errorf("disk: saving %s failed: %v", a.img.DeltaPath(), err)
	}
}
