package network

import (
	"log"

	"github.com/bobuhiro11/goguam/agent"
	"github.com/bobuhiro11/goguam/memory"
	"github.com/bobuhiro11/goguam/packet"
)

// Control block layout, in words.
const (
	FCBReceiveIOCB      = 0 // double word
	FCBTransmitIOCB     = 2 // double word
	FCBReceiveSelector  = 4
	FCBTransmitSelector = 5
	FCBStopAgent        = 6
	FCBReceiveStopped   = 7
	FCBTransmitStopped  = 8
	FCBHearSelf         = 9
	FCBProcessorID      = 10 // three words
	FCBPacketsMissed    = 13
	FCBSize             = 14

	processorIDWords = 3
)

// IOCB layout, in words. Lengths are in bytes.
const (
	IOCBBufferAddress = 0 // double word
	IOCBBufferLength  = 2
	IOCBActualLength  = 3
	IOCBReserved      = 4
	IOCBPacketType    = 5
	IOCBStatus        = 6
	IOCBRetries       = 7
	IOCBNext          = 8 // double word
	IOCBSize          = 10
)

// Status bits.
const (
	StatusInProgress        uint16 = 0x0001
	StatusCompletedOK       uint16 = 0x0002
	StatusTooManyCollisions uint16 = 0x0004
	StatusBadCRC            uint16 = 0x0008
	StatusAlignmentError    uint16 = 0x0010
	StatusPacketTooLong     uint16 = 0x0020
	StatusPacketTooShort    uint16 = 0x0040
	StatusMemoryError       uint16 = 0x0080
)

// Agent connects the guest's receive and transmit chains to a Transport.
type Agent struct {
	mem   memory.Memory
	sched agent.Scheduler
	fcb   agent.FCB
	tr    Transport
	id    [processorIDWords]uint16

	rcvChain agent.Chain
	xmtChain agent.Chain

	stopped bool
	pending []uint32 // receive IOCBs, oldest first
	self    [][]byte // own broadcasts heard back
	buf     []byte
}

// NewAgent returns a stopped agent using tr. id is the 48 bit host address
// reported to the guest.
func NewAgent(mem memory.Memory, sched agent.Scheduler, tr Transport, id [6]byte) *Agent {
	a := &Agent{
		mem:      mem,
		sched:    sched,
		tr:       tr,
		rcvChain: agent.NewChain(mem, IOCBNext, IOCBSize),
		xmtChain: agent.NewChain(mem, IOCBNext, IOCBSize),
		stopped:  true,
		buf:      make([]byte, packet.MaxSize),
	}

	for i := range a.id {
		a.id[i] = uint16(id[2*i])<<8 | uint16(id[2*i+1])
	}

	tr.SetNotifier(sched.RequestDataRefresh)

	return a
}

func (a *Agent) FCBSize() int {
	return FCBSize
}

func (a *Agent) Init(fcb agent.FCB) {
	a.fcb = fcb

	fcb.SetBool(FCBStopAgent, true)
	fcb.SetBool(FCBReceiveStopped, true)
	fcb.SetBool(FCBTransmitStopped, true)

	for i, w := range a.id {
		fcb.SetWord(FCBProcessorID+i, w)
	}
}

// Transport returns the transport the agent sends through.
func (a *Agent) Transport() Transport {
	return a.tr
}

// Pending returns the number of receive IOCBs waiting for a frame.
func (a *Agent) Pending() int {
	return len(a.pending)
}

func (a *Agent) Call() {
	if a.fcb.Bool(FCBStopAgent) {
		if !a.stopped {
			log.Printf("network: agent stopped (%d receive buffers dropped)", len(a.pending))
		}

		a.stopped = true
		a.pending = a.pending[:0]
		a.self = nil
		a.fcb.SetBool(FCBReceiveStopped, true)
		a.fcb.SetBool(FCBTransmitStopped, true)

		return
	}

	if a.stopped {
		log.Printf("network: agent started")
	}

	a.stopped = false
	a.fcb.SetBool(FCBReceiveStopped, false)
	a.fcb.SetBool(FCBTransmitStopped, false)

	a.rcvChain.Walk(a.fcb.DblWord(FCBReceiveIOCB), a.queueReceive)

	head := a.fcb.DblWord(FCBTransmitIOCB)
	if head == 0 {
		return
	}

	a.xmtChain.Walk(head, a.transmit)
	a.sched.RaiseInterrupt(a.fcb.Word(FCBTransmitSelector))
}

// queueReceive adds a receive IOCB to the FIFO. An IOCB for a buffer that
// is already queued takes the place of the queued one.
func (a *Agent) queueReceive(iocb uint32) {
	if a.mem.ReadWord(iocb+IOCBStatus) != StatusInProgress {
		return
	}

	addr := a.mem.ReadDblWord(iocb + IOCBBufferAddress)
	words := (int(a.mem.ReadWord(iocb+IOCBBufferLength)) + 1) / 2

	if addr == 0 || !a.mem.IsWritable(addr, words) {
		a.mem.WriteWord(iocb+IOCBActualLength, 0)
		a.mem.WriteWord(iocb+IOCBStatus, StatusMemoryError)

		return
	}

	for i, q := range a.pending {
		if a.mem.ReadDblWord(q+IOCBBufferAddress) == addr {
			a.pending[i] = iocb

			return
		}
	}

	a.pending = append(a.pending, iocb)
}

func (a *Agent) transmit(iocb uint32) {
	if a.mem.ReadWord(iocb+IOCBStatus) != StatusInProgress {
		return
	}

	n := int(a.mem.ReadWord(iocb + IOCBBufferLength))
	addr := a.mem.ReadDblWord(iocb + IOCBBufferAddress)

	switch {
	case n < packet.MinSize:
		a.finish(iocb, 0, StatusPacketTooShort)

		return
	case n > packet.MaxSize:
		a.finish(iocb, 0, StatusPacketTooLong)

		return
	case !a.mem.IsReadable(addr, (n+1)/2):
		a.finish(iocb, 0, StatusMemoryError)

		return
	}

	frame := make([]byte, n)
	for i := 0; i < n; i += 2 {
		w := a.mem.ReadWord(addr + uint32(i/2))
		frame[i] = byte(w >> 8)

		if i+1 < n {
			frame[i+1] = byte(w)
		}
	}

	a.tr.Enqueue(frame)

	if a.fcb.Bool(FCBHearSelf) && a.hears(frame) {
		a.self = append(a.self, frame)
		a.sched.RequestDataRefresh()
	}

	a.finish(iocb, n, StatusCompletedOK)
}

// hears reports whether frame is addressed to this host or broadcast.
func (a *Agent) hears(frame []byte) bool {
	bcast := true

	for i := 0; i < 6; i++ {
		if frame[i] != 0xFF {
			bcast = false
		}
	}

	if bcast {
		return true
	}

	for i, w := range a.id {
		if frame[2*i] != byte(w>>8) || frame[2*i+1] != byte(w) {
			return false
		}
	}

	return true
}

func (a *Agent) finish(iocb uint32, n int, status uint16) {
	a.mem.WriteWord(iocb+IOCBActualLength, uint16(n))
	a.mem.WriteWord(iocb+IOCBStatus, status)
}

// Publish delivers received frames to pending receive IOCBs and raises the
// receive interrupt once if any frame was delivered. A stopped agent
// discards whatever the transport received.
func (a *Agent) Publish() {
	if a.stopped {
		a.drain()

		return
	}

	delivered := 0

	for len(a.pending) > 0 {
		var (
			n  int
			ok bool
		)

		if len(a.self) > 0 {
			n = copy(a.buf, a.self[0])
			a.self = a.self[1:]
			ok = true
		} else {
			n, ok = a.tr.Dequeue(a.buf)
		}

		if !ok {
			break
		}

		iocb := a.pending[0]
		a.pending = a.pending[1:]
		a.deliver(iocb, a.buf[:min(n, len(a.buf))], n)
		delivered++
	}

	if delivered > 0 {
		a.sched.RaiseInterrupt(a.fcb.Word(FCBReceiveSelector))
	}
}

func (a *Agent) deliver(iocb uint32, frame []byte, n int) {
	addr := a.mem.ReadDblWord(iocb + IOCBBufferAddress)
	capacity := int(a.mem.ReadWord(iocb + IOCBBufferLength))
	status := StatusCompletedOK

	if n > capacity {
		frame = frame[:min(len(frame), capacity)]
		status |= StatusPacketTooLong
	}

	for i := 0; i < len(frame); i += 2 {
		w := uint16(frame[i]) << 8
		if i+1 < len(frame) {
			w |= uint16(frame[i+1])
		}

		a.mem.WriteWord(addr+uint32(i/2), w)
	}

	a.finish(iocb, len(frame), status)
}

func (a *Agent) drain() {
	missed := 0

	for {
		if _, ok := a.tr.Dequeue(a.buf); !ok {
			break
		}

		missed++
	}

	if missed > 0 {
		a.fcb.SetWord(FCBPacketsMissed, a.fcb.Word(FCBPacketsMissed)+uint16(missed))
	}
}

// Shutdown closes the transport.
func (a *Agent) Shutdown(r *agent.Report) {
	if err := a.tr.Close(); err != nil {
		r.Errorf("network: %v", err)
	}
}
