package network_test

import (
	"bytes"
	"testing"

	"github.com/bobuhiro11/goguam/agent"
	"github.com/bobuhiro11/goguam/memory"
	"github.com/bobuhiro11/goguam/network"
	"github.com/bobuhiro11/goguam/timesvc"
)

type mockScheduler struct {
	interrupts []uint16
	refreshes  int
}

func (m *mockScheduler) RaiseInterrupt(sel uint16) { m.interrupts = append(m.interrupts, sel) }
func (m *mockScheduler) RequestDataRefresh()       { m.refreshes++ }
func (m *mockScheduler) RealPages() uint32         { return 0 }
func (m *mockScheduler) VirtualPages() uint32      { return 0 }

type mockTransport struct {
	sent   [][]byte
	rx     [][]byte
	notify func()
	closed bool
}

func (m *mockTransport) Enqueue(frame []byte) bool {
	m.sent = append(m.sent, append([]byte(nil), frame...))

	return true
}

func (m *mockTransport) Dequeue(buf []byte) (int, bool) {
	if len(m.rx) == 0 {
		return 0, false
	}

	f := m.rx[0]
	m.rx = m.rx[1:]
	copy(buf, f)

	return len(f), true
}

func (m *mockTransport) SetNotifier(fn func()) { m.notify = fn }

func (m *mockTransport) Close() error {
	m.closed = true

	return nil
}

func (m *mockTransport) receive(f []byte) {
	m.rx = append(m.rx, f)
	if m.notify != nil {
		m.notify()
	}
}

const (
	fcbAddr     = 0x10
	rcvSelector = 0x11
	xmtSelector = 0x22
)

var hostID = [6]byte{0x00, 0x00, 0xAA, 0x01, 0x02, 0x03}

type rig struct {
	mem   *memory.Flat
	sched *mockScheduler
	tr    *mockTransport
	fcb   agent.FCB
	agent *network.Agent
}

func newRig(t *testing.T) *rig {
	t.Helper()

	mem, err := memory.NewFlat(16)
	if err != nil {
		t.Fatal(err)
	}

	r := &rig{mem: mem, sched: &mockScheduler{}, tr: &mockTransport{}}
	r.agent = network.NewAgent(mem, r.sched, r.tr, hostID)
	r.fcb = agent.NewFCB(mem, fcbAddr, r.agent.FCBSize())
	r.agent.Init(r.fcb)
	r.fcb.SetWord(network.FCBReceiveSelector, rcvSelector)
	r.fcb.SetWord(network.FCBTransmitSelector, xmtSelector)
	r.fcb.SetBool(network.FCBStopAgent, false)

	return r
}

func (r *rig) iocb(addr, buf uint32, length uint16, next uint32) {
	r.mem.WriteDblWord(addr+network.IOCBBufferAddress, buf)
	r.mem.WriteWord(addr+network.IOCBBufferLength, length)
	r.mem.WriteWord(addr+network.IOCBActualLength, 0)
	r.mem.WriteWord(addr+network.IOCBStatus, network.StatusInProgress)
	r.mem.WriteDblWord(addr+network.IOCBNext, next)
}

func frame(n int) []byte {
	f := make([]byte, n)
	for i := range f {
		f[i] = byte(i + 1)
	}

	return f
}

func (r *rig) readBuf(addr uint32, n int) []byte {
	b := make([]byte, n)
	for i := 0; i < n; i += 2 {
		w := r.mem.ReadWord(addr + uint32(i/2))
		b[i] = byte(w >> 8)

		if i+1 < n {
			b[i+1] = byte(w)
		}
	}

	return b
}

func TestInit(t *testing.T) {
	t.Parallel()

	r := newRig(t)

	for i, expected := range []uint16{0x0000, 0xAA01, 0x0203} {
		if v := r.fcb.Word(network.FCBProcessorID + i); v != expected {
			t.Fatalf("expected: %#x, actual: %#x", expected, v)
		}
	}

	if r.tr.notify == nil {
		t.Fatal("transport notifier not installed")
	}

	r.tr.receive(frame(20))

	if r.sched.refreshes != 1 {
		t.Fatalf("expected: 1, actual: %d", r.sched.refreshes)
	}
}

func TestTransmit(t *testing.T) {
	t.Parallel()

	r := newRig(t)

	// a good frame, one too short and one too long
	r.iocb(0x100, 0x400, 61, 0x110)
	r.iocb(0x110, 0x500, 13, 0x120)
	r.iocb(0x120, 0x500, 767, 0)

	want := frame(61)
	for i := 0; i < len(want); i += 2 {
		w := uint16(want[i]) << 8
		if i+1 < len(want) {
			w |= uint16(want[i+1])
		}

		r.mem.WriteWord(0x400+uint32(i/2), w)
	}

	r.fcb.SetDblWord(network.FCBTransmitIOCB, 0x100)
	r.agent.Call()

	if len(r.tr.sent) != 1 || !bytes.Equal(r.tr.sent[0], want) {
		t.Fatalf("expected one frame %v, actual: %v", want, r.tr.sent)
	}

	for _, tc := range []struct {
		iocb   uint32
		status uint16
		length uint16
	}{
		{0x100, network.StatusCompletedOK, 61},
		{0x110, network.StatusPacketTooShort, 0},
		{0x120, network.StatusPacketTooLong, 0},
	} {
		if st := r.mem.ReadWord(tc.iocb + network.IOCBStatus); st != tc.status {
			t.Fatalf("iocb %#x: expected: %#x, actual: %#x", tc.iocb, tc.status, st)
		}

		if n := r.mem.ReadWord(tc.iocb + network.IOCBActualLength); n != tc.length {
			t.Fatalf("iocb %#x: expected: %d, actual: %d", tc.iocb, tc.length, n)
		}
	}

	if len(r.sched.interrupts) != 1 || r.sched.interrupts[0] != xmtSelector {
		t.Fatalf("expected: [%#x], actual: %v", xmtSelector, r.sched.interrupts)
	}
}

func TestReceiveCoalescesInterrupt(t *testing.T) {
	t.Parallel()

	r := newRig(t)

	r.iocb(0x100, 0x400, 800, 0x110)
	r.iocb(0x110, 0x600, 800, 0x120)
	r.iocb(0x120, 0x800, 800, 0)
	r.fcb.SetDblWord(network.FCBReceiveIOCB, 0x100)
	r.agent.Call()

	if len(r.sched.interrupts) != 0 {
		t.Fatal("receive dispatch raised an interrupt")
	}

	r.agent.Publish()

	if len(r.sched.interrupts) != 0 {
		t.Fatal("interrupt without a delivered frame")
	}

	r.tr.receive(frame(30))
	r.tr.receive(frame(40))
	r.agent.Publish()

	if len(r.sched.interrupts) != 1 || r.sched.interrupts[0] != rcvSelector {
		t.Fatalf("expected: [%#x], actual: %v", rcvSelector, r.sched.interrupts)
	}

	if n := r.mem.ReadWord(0x110 + network.IOCBActualLength); n != 40 {
		t.Fatalf("expected: 40, actual: %d", n)
	}

	if !bytes.Equal(r.readBuf(0x400, 30), frame(30)) {
		t.Fatal("first frame not in the oldest buffer")
	}

	if st := r.mem.ReadWord(0x120 + network.IOCBStatus); st != network.StatusInProgress {
		t.Fatalf("expected: %#x, actual: %#x", network.StatusInProgress, st)
	}

	if r.agent.Pending() != 1 {
		t.Fatalf("expected: 1, actual: %d", r.agent.Pending())
	}
}

func TestReceiveReplacesSameBuffer(t *testing.T) {
	t.Parallel()

	r := newRig(t)

	r.iocb(0x100, 0x400, 100, 0)
	r.fcb.SetDblWord(network.FCBReceiveIOCB, 0x100)
	r.agent.Call()

	// same buffer, differing only in the retry count
	r.iocb(0x200, 0x400, 100, 0)
	r.mem.WriteWord(0x200+network.IOCBRetries, 1)
	r.fcb.SetDblWord(network.FCBReceiveIOCB, 0x200)
	r.agent.Call()

	if r.agent.Pending() != 1 {
		t.Fatalf("expected: 1, actual: %d", r.agent.Pending())
	}

	r.tr.receive(frame(50))
	r.tr.receive(frame(60))
	r.agent.Publish()

	if st := r.mem.ReadWord(0x200 + network.IOCBStatus); st != network.StatusCompletedOK {
		t.Fatalf("expected: %#x, actual: %#x", network.StatusCompletedOK, st)
	}

	if st := r.mem.ReadWord(0x100 + network.IOCBStatus); st != network.StatusInProgress {
		t.Fatal("stale IOCB received a frame")
	}

	if len(r.tr.rx) != 1 {
		t.Fatalf("expected one frame left in the transport, actual: %d", len(r.tr.rx))
	}
}

func TestReceiveTooLong(t *testing.T) {
	t.Parallel()

	r := newRig(t)

	r.mem.WriteWord(0x400+10, 0xBEEF)
	r.iocb(0x100, 0x400, 20, 0)
	r.fcb.SetDblWord(network.FCBReceiveIOCB, 0x100)
	r.agent.Call()

	r.tr.receive(frame(100))
	r.agent.Publish()

	if st := r.mem.ReadWord(0x100 + network.IOCBStatus); st != network.StatusCompletedOK|network.StatusPacketTooLong {
		t.Fatalf("expected: %#x, actual: %#x", network.StatusCompletedOK|network.StatusPacketTooLong, st)
	}

	if !bytes.Equal(r.readBuf(0x400, 20), frame(20)) {
		t.Fatal("truncated frame corrupted")
	}

	if r.mem.ReadWord(0x400+10) != 0xBEEF {
		t.Fatal("frame written past the buffer")
	}
}

func TestStoppedDrains(t *testing.T) {
	t.Parallel()

	r := newRig(t)

	r.iocb(0x100, 0x400, 100, 0)
	r.fcb.SetDblWord(network.FCBReceiveIOCB, 0x100)
	r.agent.Call()

	r.fcb.SetBool(network.FCBStopAgent, true)
	r.agent.Call()

	if !r.fcb.Bool(network.FCBReceiveStopped) || r.agent.Pending() != 0 {
		t.Fatal("stop must drop pending receive buffers")
	}

	r.tr.receive(frame(20))
	r.tr.receive(frame(20))
	r.agent.Publish()

	if len(r.tr.rx) != 0 {
		t.Fatal("stopped agent must drain the transport")
	}

	if n := r.fcb.Word(network.FCBPacketsMissed); n != 2 {
		t.Fatalf("expected: 2, actual: %d", n)
	}

	if len(r.sched.interrupts) != 0 {
		t.Fatal("stopped agent raised an interrupt")
	}
}

func TestHearSelf(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	r.fcb.SetBool(network.FCBHearSelf, true)

	r.iocb(0x100, 0x400, 100, 0)
	r.fcb.SetDblWord(network.FCBReceiveIOCB, 0x100)

	bcast := frame(20)
	copy(bcast, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})

	for i := 0; i < 20; i += 2 {
		r.mem.WriteWord(0x600+uint32(i/2), uint16(bcast[i])<<8|uint16(bcast[i+1]))
	}

	r.iocb(0x200, 0x600, 20, 0)
	r.fcb.SetDblWord(network.FCBTransmitIOCB, 0x200)
	r.agent.Call()
	r.agent.Publish()

	if !bytes.Equal(r.readBuf(0x400, 20), bcast) {
		t.Fatal("own broadcast not heard")
	}
}

func TestTimeServiceThroughAgent(t *testing.T) {
	t.Parallel()

	mem, err := memory.NewFlat(16)
	if err != nil {
		t.Fatal(err)
	}

	sched := &mockScheduler{}
	a := network.NewAgent(mem, sched, timesvc.New(90), hostID)
	fcb := agent.NewFCB(mem, fcbAddr, a.FCBSize())
	a.Init(fcb)
	fcb.SetBool(network.FCBStopAgent, false)

	req := timesvc.Request(hostID, 42)
	for i := 0; i < len(req); i += 2 {
		mem.WriteWord(0x600+uint32(i/2), uint16(req[i])<<8|uint16(req[i+1]))
	}

	r := &rig{mem: mem}
	r.iocb(0x100, 0x400, 200, 0)
	r.iocb(0x200, 0x600, uint16(len(req)), 0)
	fcb.SetDblWord(network.FCBReceiveIOCB, 0x100)
	fcb.SetDblWord(network.FCBTransmitIOCB, 0x200)
	a.Call()

	if sched.refreshes != 1 {
		t.Fatalf("expected: 1, actual: %d", sched.refreshes)
	}

	a.Publish()

	n := int(mem.ReadWord(0x100 + network.IOCBActualLength))

	reply, ok := timesvc.ParseReply(r.readBuf(0x400, n))
	if !ok || reply.ExchangeID != 42 || reply.OffsetHours != 1 || reply.OffsetMinutes != 30 {
		t.Fatalf("unexpected reply %+v (%v)", reply, ok)
	}
}
