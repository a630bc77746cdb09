// Package input emulates the keyboard and the mouse. Host events arrive on
// UI goroutines and are buffered under a lock; the guest only sees them
// after the next publish.
package input

import (
	"sync"

	"github.com/bobuhiro11/goguam/agent"
)

const (
	KeyWords = 8
	NumKeys  = KeyWords * 16

	KeyboardFCBSize = KeyWords
)

// Key identifies one key of the guest keyboard. The mapping from host
// scancodes is done by the UI.
type Key uint8

// Key identifiers of the mouse buttons.
const (
	KeyPoint  Key = 73
	KeyAdjust Key = 74
	KeyMenu   Key = 75
)

func (k Key) bit() (word int, mask uint16) {
	return int(k) / 16, 0x8000 >> (uint(k) % 16)
}

// Keyboard keeps one bit per key, set while the key is up.
type Keyboard struct {
	sched agent.Scheduler
	fcb   agent.FCB

	mu      sync.Mutex
	keys    [KeyWords]uint16
	changed bool
}

func NewKeyboard(sched agent.Scheduler) *Keyboard {
	k := &Keyboard{sched: sched}
	for i := range k.keys {
		k.keys[i] = 0xFFFF
	}

	return k
}

func (k *Keyboard) FCBSize() int {
	return KeyboardFCBSize
}

func (k *Keyboard) Init(fcb agent.FCB) {
	k.fcb = fcb

	k.mu.Lock()
	k.changed = true
	k.mu.Unlock()

	k.Publish()
}

func (k *Keyboard) KeyDown(key Key) {
	k.set(key, false)
}

func (k *Keyboard) KeyUp(key Key) {
	k.set(key, true)
}

func (k *Keyboard) set(key Key, up bool) {
	if int(key) >= NumKeys {
		return
	}

	w, m := key.bit()

	k.mu.Lock()
	old := k.keys[w]

	if up {
		k.keys[w] |= m
	} else {
		k.keys[w] &^= m
	}

	changed := k.keys[w] != old
	k.changed = k.changed || changed
	k.mu.Unlock()

	if changed {
		k.sched.RequestDataRefresh()
	}
}

// Pressed reports the buffered state of key.
func (k *Keyboard) Pressed(key Key) bool {
	w, m := key.bit()

	k.mu.Lock()
	defer k.mu.Unlock()

	return k.keys[w]&m == 0
}

// ReleaseAll marks every key up, as when the UI loses focus.
func (k *Keyboard) ReleaseAll() {
	k.mu.Lock()
	for i := range k.keys {
		k.keys[i] = 0xFFFF
	}
	k.changed = true
	k.mu.Unlock()

	k.sched.RequestDataRefresh()
}

func (k *Keyboard) Call() {}

func (k *Keyboard) Publish() {
	k.mu.Lock()
	if !k.changed {
		k.mu.Unlock()

		return
	}

	keys := k.keys
	k.changed = false
	k.mu.Unlock()

	for i, w := range keys {
		k.fcb.SetWord(i, w)
	}
}

func (k *Keyboard) Shutdown(*agent.Report) {}
