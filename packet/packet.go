// Package packet holds raw network frames on their way between the network
// agent and a transport.
package packet

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
)

// Frame size limits in bytes.
const (
	MinSize = 14
	MaxSize = 766

	prefixBytes = 2
)

var (
	ErrTooShort = errors.New("frame too short")
	ErrTooLong  = errors.New("frame too long")
)

// Check reports whether a frame of n bytes may travel on the wire.
func Check(n int) error {
	switch {
	case n < MinSize:
		return errors.Wrapf(ErrTooShort, "%d bytes (minimum %d)", n, MinSize)
	case n > MaxSize:
		return errors.Wrapf(ErrTooLong, "%d bytes (maximum %d)", n, MaxSize)
	}

	return nil
}

// Packet is one frame preceded by its big-endian 16-bit length, laid out
// exactly as it travels to the hub.
type Packet struct {
	buf [prefixBytes + MaxSize]byte
}

func (p *Packet) Len() int {
	return int(binary.BigEndian.Uint16(p.buf[:prefixBytes]))
}

// SetLen fixes the frame length after Payload was filled in place.
func (p *Packet) SetLen(n int) {
	binary.BigEndian.PutUint16(p.buf[:prefixBytes], uint16(n))
}

// Bytes returns the frame without its length prefix.
func (p *Packet) Bytes() []byte {
	return p.buf[prefixBytes : prefixBytes+p.Len()]
}

// Wire returns the frame with its length prefix.
func (p *Packet) Wire() []byte {
	return p.buf[:prefixBytes+p.Len()]
}

// Payload returns the whole payload area regardless of the current length.
func (p *Packet) Payload() []byte {
	return p.buf[prefixBytes:]
}

// Set copies frame into p.
func (p *Packet) Set(frame []byte) error {
	if len(frame) > MaxSize {
		return errors.Wrapf(ErrTooLong, "%d bytes (maximum %d)", len(frame), MaxSize)
	}

	copy(p.buf[prefixBytes:], frame)
	p.SetLen(len(frame))

	return nil
}

// Pool is a free list of packets. The zero value is ready to use.
type Pool struct {
	mu   sync.Mutex
	free []*Packet
}

func (pl *Pool) Get() *Packet {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if n := len(pl.free); n > 0 {
		p := pl.free[n-1]
		pl.free = pl.free[:n-1]

		return p
	}

	return &Packet{}
}

func (pl *Pool) Put(p *Packet) {
	p.SetLen(0)

	pl.mu.Lock()
	pl.free = append(pl.free, p)
	pl.mu.Unlock()
}

// Free returns the number of idle packets.
func (pl *Pool) Free() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	return len(pl.free)
}
