package processor_test

import (
	"testing"
	"time"

	"github.com/bobuhiro11/goguam/agent"
	"github.com/bobuhiro11/goguam/memory"
	"github.com/bobuhiro11/goguam/processor"
	"github.com/bobuhiro11/goguam/timesvc"
)

type mockScheduler struct{}

func (mockScheduler) RaiseInterrupt(uint16) {}
func (mockScheduler) RequestDataRefresh()   {}
func (mockScheduler) RealPages() uint32     { return 4096 }
func (mockScheduler) VirtualPages() uint32  { return 16384 }

type mockBeeper struct {
	tones []uint16
}

func (m *mockBeeper) Beep(f uint16) { m.tones = append(m.tones, f) }

func newFCB(t *testing.T, size int) agent.FCB {
	t.Helper()

	mem, err := memory.NewFlat(1)
	if err != nil {
		t.Fatal(err)
	}

	return agent.NewFCB(mem, 0x10, size)
}

func TestInit(t *testing.T) {
	t.Parallel()

	a := processor.NewAgent(processor.Config{ID: [6]byte{0, 0, 0xAA, 1, 2, 3}}, mockScheduler{})
	fcb := newFCB(t, a.FCBSize())
	a.Init(fcb)

	for i, expected := range []uint16{0x0000, 0xAA01, 0x0203} {
		if v := fcb.Word(processor.FCBProcessorID + i); v != expected {
			t.Fatalf("expected: %#x, actual: %#x", expected, v)
		}
	}

	if fcb.Word(processor.FCBMicrosecondsPerHundred) != processor.DefaultMicrosecondsPerHundredPulses {
		t.Fatal("pulse rate not reported")
	}

	if fcb.DblWord(processor.FCBRealMemoryPageCount) != 4096 || fcb.DblWord(processor.FCBVirtualMemoryPageCount) != 16384 {
		t.Fatal("page counts not reported")
	}
}

func TestWriteGMTKeepsCorrection(t *testing.T) {
	t.Parallel()

	host := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	a := processor.NewAgent(processor.Config{}, mockScheduler{})
	a.SetClock(func() time.Time { return host })

	fcb := newFCB(t, a.FCBSize())
	a.Init(fcb)

	fcb.SetWord(processor.FCBCommand, processor.CmdReadGMT)
	a.Call()

	if gmt := fcb.DblWord(processor.FCBGMT); gmt != timesvc.GuestTime(host) {
		t.Fatalf("expected: %d, actual: %d", timesvc.GuestTime(host), gmt)
	}

	fcb.SetDblWord(processor.FCBGMT, timesvc.GuestTime(host)+3600)
	fcb.SetWord(processor.FCBCommand, processor.CmdWriteGMT)
	a.Call()

	if a.Correction() != 3600 {
		t.Fatalf("expected: 3600, actual: %d", a.Correction())
	}

	host = host.Add(10 * time.Second)

	fcb.SetWord(processor.FCBCommand, processor.CmdReadGMT)
	a.Call()

	if gmt := fcb.DblWord(processor.FCBGMT); gmt != timesvc.GuestTime(host)+3600 {
		t.Fatalf("expected: %d, actual: %d", timesvc.GuestTime(host)+3600, gmt)
	}

	if st := fcb.Word(processor.FCBStatus); st != processor.StatusSuccess {
		t.Fatalf("expected: %d, actual: %d", processor.StatusSuccess, st)
	}

	fcb.SetWord(processor.FCBCommand, 9)
	a.Call()

	if st := fcb.Word(processor.FCBStatus); st != processor.StatusFailure {
		t.Fatalf("expected: %d, actual: %d", processor.StatusFailure, st)
	}
}

func TestBeep(t *testing.T) {
	t.Parallel()

	ui := &mockBeeper{}
	b := processor.NewBeep(ui)
	fcb := newFCB(t, b.FCBSize())
	b.Init(fcb)

	fcb.SetWord(processor.BeepFCBFrequency, 440)
	b.Call()
	b.Shutdown(&agent.Report{})

	if len(ui.tones) != 2 || ui.tones[0] != 440 || ui.tones[1] != 0 {
		t.Fatalf("expected: [440 0], actual: %v", ui.tones)
	}
}
