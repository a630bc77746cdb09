package agent

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/goguam/memory"
)

// MaxChainLength bounds an IOCB list walk. A longer list is taken to be
// cyclic.
const MaxChainLength = 4096

var errChainTooLong = errors.New("IOCB chain too long or cyclic")

// Chain walks a guest built singly linked list of IOCBs. nextOff is the
// word offset of the double word link in each node; a zero link ends the
// list.
type Chain struct {
	mem     memory.Memory
	nextOff uint32
	words   int
}

// NewChain returns a walker for nodes of the given size whose link field is
// at nextOff.
func NewChain(mem memory.Memory, nextOff, words int) Chain {
	return Chain{mem: mem, nextOff: uint32(nextOff), words: words}
}

// Walk calls fn for every node starting at head, in list order. The link is
// read after fn returns, so fn may not rely on relinking. A node that is not
// readable aborts the machine, as does a list longer than MaxChainLength.
func (c Chain) Walk(head uint32, fn func(iocb uint32)) {
	for n := 0; head != 0; n++ {
		if n >= MaxChainLength {
			c.mem.Abort(fmt.Errorf("at %#x: %w", head, errChainTooLong))

			return
		}

		if !c.mem.IsReadable(head, c.words) {
			c.mem.Abort(fmt.Errorf("IOCB at %#x not readable", head))

			return
		}

		fn(head)
		head = c.mem.ReadDblWord(head + c.nextOff)
	}
}
