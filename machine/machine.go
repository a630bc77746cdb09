// Package machine puts the device agents of one workstation together.
package machine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/bobuhiro11/goguam/agent"
	"github.com/bobuhiro11/goguam/disk"
	"github.com/bobuhiro11/goguam/display"
	"github.com/bobuhiro11/goguam/floppy"
	"github.com/bobuhiro11/goguam/hub"
	"github.com/bobuhiro11/goguam/input"
	"github.com/bobuhiro11/goguam/memory"
	"github.com/bobuhiro11/goguam/network"
	"github.com/bobuhiro11/goguam/processor"
	"github.com/bobuhiro11/goguam/timesvc"
)

var errNoMemory = errors.New("machine needs a guest memory")

type Config struct {
	// Disk.Path empty means no hard disk.
	Disk disk.Config
	// StrictDelta refuses to start on a corrupt disk delta.
	StrictDelta bool

	Floppy         string
	FloppyReadOnly bool

	// Hub is host:port. Empty or unusable selects the internal time service.
	Hub              string
	GMTOffsetMinutes int

	// ProcessorID zero selects a default.
	ProcessorID [6]byte

	// Display zero selects the default display.
	Display display.Config
}

// UI is what the machine needs from the user interface.
type UI interface {
	input.CursorSink
	display.UI
	processor.Beeper
}

type Machine struct {
	cfg Config
	mem memory.Memory
	reg *agent.Registry

	disk      *disk.Agent
	floppy    *floppy.Agent
	network   *network.Agent
	keyboard  *input.Keyboard
	mouse     *input.Mouse
	display   *display.Agent
	processor *processor.Agent

	deltaErr error
}

// New attaches the configured media, picks a network transport and lays out
// every agent in mem. A corrupt disk delta is logged and kept in DeltaError
// unless cfg.StrictDelta is set.
func New(ctx context.Context, cfg Config, mem memory.Memory, sched agent.Scheduler, ui UI) (*Machine, error) {
	if mem == nil {
		return nil, errNoMemory
	}

	if cfg.ProcessorID == ([6]byte{}) {
		cfg.ProcessorID = defaultProcessorID
	}

	if cfg.Display == (display.Config{}) {
		cfg.Display = display.Config{Base: DisplayBase, Width: DisplayWidth, Height: DisplayHeight}
	}

	m := &Machine{cfg: cfg, mem: mem}
	agents := map[agent.Slot]agent.Agent{}

	if cfg.Disk.Path != "" {
		img, err := disk.Open(cfg.Disk)

		switch {
		case errors.Is(err, disk.ErrCorruptDelta) && !cfg.StrictDelta:
			log.Printf("machine: %v", err)
			m.deltaErr = err
		case err != nil:
			if img != nil {
				img.Close()
			}

			return nil, fmt.Errorf("attach disk: %w", err)
		}

		m.disk = disk.NewAgent(img, mem, sched)
		agents[agent.SlotDisk] = m.disk
	}

	m.floppy = floppy.NewAgent(mem, sched)
	agents[agent.SlotFloppy] = m.floppy

	if cfg.Floppy != "" {
		if err := m.InsertFloppy(cfg.Floppy, cfg.FloppyReadOnly); err != nil {
			m.closeMedia()

			return nil, err
		}
	}

	m.network = network.NewAgent(mem, sched, newTransport(ctx, cfg), cfg.ProcessorID)
	agents[agent.SlotNetwork] = m.network

	m.keyboard = input.NewKeyboard(sched)
	m.mouse = input.NewMouse(sched, m.keyboard, ui)
	m.display = display.NewAgent(cfg.Display, mem, ui, m.mouse)
	m.processor = processor.NewAgent(processor.Config{ID: cfg.ProcessorID}, sched)

	agents[agent.SlotKeyboard] = m.keyboard
	agents[agent.SlotBeep] = processor.NewBeep(ui)
	agents[agent.SlotMouse] = m.mouse
	agents[agent.SlotProcessor] = m.processor
	agents[agent.SlotDisplay] = m.display

	reg, err := agent.NewRegistry(mem, AgentBase, AgentArea, agents)
	if err != nil {
		m.closeMedia()
		m.network.Transport().Close()

		return nil, fmt.Errorf("agent layout: %w", err)
	}

	m.reg = reg

	return m, nil
}

// newTransport connects to the hub when one is configured and falls back to
// the internal time service otherwise.
func newTransport(ctx context.Context, cfg Config) network.Transport {
	if cfg.Hub != "" {
		c, err := hub.Dial(ctx, cfg.Hub, hub.Options{})
		if err == nil {
			log.Printf("machine: network through hub %s", cfg.Hub)

			return c
		}

		log.Printf("machine: %v, using internal time service", err)
	}

	return timesvc.New(cfg.GMTOffsetMinutes)
}

func (m *Machine) closeMedia() {
	rep := &agent.Report{}

	if m.disk != nil {
		m.disk.Shutdown(rep)
	}

	m.floppy.Shutdown(rep)

	if !rep.Empty() {
		log.Printf("machine: %v", rep)
	}
}

// DeltaError returns the delta problem found while attaching the disk.
func (m *Machine) DeltaError() error {
	return m.deltaErr
}

func (m *Machine) Registry() *agent.Registry {
	return m.reg
}

// Transport returns the network transport in use.
func (m *Machine) Transport() network.Transport {
	return m.network.Transport()
}

// Dispatch runs the agent with the given index on the interpreter thread.
func (m *Machine) Dispatch(index int) {
	m.reg.Dispatch(index)
}

// PublishAll runs once per interpreter quantum.
func (m *Machine) PublishAll() {
	m.reg.PublishAll()
}

// Shutdown saves media and stops the transport.
func (m *Machine) Shutdown() *agent.Report {
	return m.reg.Shutdown()
}

// InsertFloppy loads the image at path. The guest sees it after the next
// publish.
func (m *Machine) InsertFloppy(path string, readOnly bool) error {
	img, err := floppy.Load(path, readOnly)
	if err != nil {
		return fmt.Errorf("insert floppy: %w", err)
	}

	m.floppy.Insert(img)

	return nil
}

func (m *Machine) EjectFloppy() {
	m.floppy.Eject()
}

func (m *Machine) KeyDown(k input.Key) {
	m.keyboard.KeyDown(k)
}

func (m *Machine) KeyUp(k input.Key) {
	m.keyboard.KeyUp(k)
}

// FocusLost releases every key, since the UI will not see their key ups.
func (m *Machine) FocusLost() {
	m.keyboard.ReleaseAll()
}

func (m *Machine) MouseMoved(x, y int) {
	m.mouse.Moved(x, y)
}

func (m *Machine) MouseButton(b input.Button, down bool) {
	m.mouse.Button(b, down)
}
