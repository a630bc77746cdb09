package memory

import (
	"errors"
	"fmt"
)

var errAddrSpaceExhausted = errors.New("address space exhausted")

// AddressSpace hands out double-word aligned blocks from a bounded region of
// guest memory. Blocks are never freed.
type AddressSpace struct {
	Name  string
	Start uint32
	Size  uint32
	next  uint32
}

func NewAddressSpace(name string, start, size uint32) *AddressSpace {
	return &AddressSpace{
		Name:  name,
		Start: start,
		Size:  size,
		next:  start,
	}
}

// Alloc reserves words words and returns the block address.
func (a *AddressSpace) Alloc(words int) (uint32, error) {
	addr := (a.next + 1) &^ 1

	if words < 0 || uint64(addr)+uint64(words) > uint64(a.Start)+uint64(a.Size) {
		return 0, fmt.Errorf("%s: %d words at %#x: %w", a.Name, words, addr, errAddrSpaceExhausted)
	}

	a.next = addr + uint32(words)

	return addr, nil
}

// Used returns the number of words consumed including alignment padding.
func (a *AddressSpace) Used() uint32 {
	return a.next - a.Start
}
