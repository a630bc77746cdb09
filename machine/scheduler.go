package machine

import (
	"sync"
	"sync/atomic"
)

// Interrupts is a Scheduler for an interpreter loop. Raised selectors are
// or-ed together until taken; refresh requests collapse into one pending
// signal.
type Interrupts struct {
	realPages, virtualPages uint32

	mu      sync.Mutex
	pending uint16

	refresh chan struct{}
	raised  atomic.Uint64
}

func NewInterrupts(realPages, virtualPages uint32) *Interrupts {
	return &Interrupts{
		realPages:    realPages,
		virtualPages: virtualPages,
		refresh:      make(chan struct{}, 1),
	}
}

func (i *Interrupts) RaiseInterrupt(selector uint16) {
	i.mu.Lock()
	i.pending |= selector
	i.mu.Unlock()

	i.raised.Add(1)
}

// Take returns and clears the raised selectors.
func (i *Interrupts) Take() uint16 {
	i.mu.Lock()
	defer i.mu.Unlock()

	p := i.pending
	i.pending = 0

	return p
}

// Raised counts RaiseInterrupt calls.
func (i *Interrupts) Raised() uint64 {
	return i.raised.Load()
}

// RequestDataRefresh may be called from any goroutine.
func (i *Interrupts) RequestDataRefresh() {
	select {
	case i.refresh <- struct{}{}:
	default:
	}
}

// Refresh is ready whenever a publish pass was requested since the last
// receive from it.
func (i *Interrupts) Refresh() <-chan struct{} {
	return i.refresh
}

func (i *Interrupts) RealPages() uint32    { return i.realPages }
func (i *Interrupts) VirtualPages() uint32 { return i.virtualPages }
