package processor

import "github.com/bobuhiro11/goguam/agent"

const (
	BeepFCBFrequency = 0
	BeepFCBSize      = 1
)

// Beeper sounds a tone; frequency 0 turns it off.
type Beeper interface {
	Beep(frequency uint16)
}

type Beep struct {
	ui  Beeper
	fcb agent.FCB
	on  uint16
}

func NewBeep(ui Beeper) *Beep {
	return &Beep{ui: ui}
}

func (b *Beep) FCBSize() int {
	return BeepFCBSize
}

func (b *Beep) Init(fcb agent.FCB) {
	b.fcb = fcb
}

func (b *Beep) Call() {
	b.on = b.fcb.Word(BeepFCBFrequency)
	b.ui.Beep(b.on)
}

func (b *Beep) Publish() {}

// Shutdown silences a beep left on.
func (b *Beep) Shutdown(*agent.Report) {
	if b.on != 0 {
		b.ui.Beep(0)
		b.on = 0
	}
}
