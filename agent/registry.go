package agent

import (
	"errors"
	"fmt"
	"log"

	"github.com/bobuhiro11/goguam/memory"
)

var (
	errBadDispatch   = errors.New("dispatch to invalid agent index")
	errEmptyDispatch = errors.New("dispatch to unpopulated agent slot")
)

// Registry owns the agents of one machine.
//
// Guest layout starting at base:
//
//	base + 2*slot   double word pointer to the slot's control block, 0 if absent
//	base + 2*NumSlots ...  control blocks, double word aligned, in slot order
type Registry struct {
	mem    memory.Memory
	agents [NumSlots]Agent
	fcbs   [NumSlots]FCB
	space  *memory.AddressSpace
}

// NewRegistry lays out the control blocks of agents in the size words of
// guest memory at base and initializes every agent.
func NewRegistry(mem memory.Memory, base, size uint32, agents map[Slot]Agent) (*Registry, error) {
	r := &Registry{
		mem:   mem,
		space: memory.NewAddressSpace("agent control blocks", base, size),
	}

	if _, err := r.space.Alloc(2 * int(NumSlots)); err != nil {
		return nil, err
	}

	for s, a := range agents {
		if s < 0 || s >= NumSlots {
			return nil, fmt.Errorf("%v: %w", s, errBadDispatch)
		}

		r.agents[s] = a
	}

	for s := Slot(0); s < NumSlots; s++ {
		a := r.agents[s]
		if a == nil {
			mem.WriteDblWord(base+2*uint32(s), 0)

			continue
		}

		addr, err := r.space.Alloc(a.FCBSize())
		if err != nil {
			return nil, fmt.Errorf("%v: %w", s, err)
		}

		for i := 0; i < a.FCBSize(); i++ {
			mem.WriteWord(addr+uint32(i), 0)
		}

		mem.WriteDblWord(base+2*uint32(s), addr)
		r.fcbs[s] = NewFCB(mem, addr, a.FCBSize())
	}

	// Agents may look at each other's state during Init, so only start once
	// the whole layout is written.
	for s := Slot(0); s < NumSlots; s++ {
		if r.agents[s] != nil {
			r.agents[s].Init(r.fcbs[s])
		}
	}

	log.Printf("agents: %d words of control blocks at %#x", r.space.Used(), base)

	return r, nil
}

// Dispatch runs the agent addressed by index. An invalid index aborts the
// machine like the hardware trap would.
func (r *Registry) Dispatch(index int) {
	if index < 0 || index >= int(NumSlots) {
		r.mem.Abort(fmt.Errorf("%d: %w", index, errBadDispatch))

		return
	}

	a := r.agents[index]
	if a == nil {
		r.mem.Abort(fmt.Errorf("%v: %w", Slot(index), errEmptyDispatch))

		return
	}

	a.Call()
}

// PublishAll lets every agent copy buffered host state into guest memory,
// in slot order.
func (r *Registry) PublishAll() {
	for _, a := range r.agents {
		if a != nil {
			a.Publish()
		}
	}
}

// Shutdown shuts every agent down and returns what they reported.
func (r *Registry) Shutdown() *Report {
	rep := &Report{}

	for s, a := range r.agents {
		if a == nil {
			continue
		}

		func() {
			defer func() {
				if p := recover(); p != nil {
					rep.Errorf("%v: shutdown panicked: %v", Slot(s), p)
				}
			}()

			a.Shutdown(rep)
		}()
	}

	return rep
}

// FCB returns the control block of slot. ok is false for absent slots.
func (r *Registry) FCB(s Slot) (fcb FCB, ok bool) {
	if s < 0 || s >= NumSlots || r.agents[s] == nil {
		return FCB{}, false
	}

	return r.fcbs[s], true
}

// Agent returns the agent in slot, or nil.
func (r *Registry) Agent(s Slot) Agent {
	if s < 0 || s >= NumSlots {
		return nil
	}

	return r.agents[s]
}
