// Package memory provides the guest address space seen by device agents.
//
// Addresses are word addresses. A word is 16 bits; a double word is two
// consecutive words stored high word first.
package memory

import (
	"errors"
	"fmt"
)

const (
	// PageWords is the number of words in one guest page.
	PageWords = 256

	pageShift = 8
)

var (
	errNoPages = errors.New("memory must have at least one page")
)

// Memory is the interface agents use to reach guest memory. Implementations
// are only ever called from the interpreter thread.
type Memory interface {
	ReadWord(addr uint32) uint16
	WriteWord(addr uint32, v uint16)
	ReadDblWord(addr uint32) uint32
	WriteDblWord(addr uint32, v uint32)
	// IsReadable reports whether words [addr, addr+words) may be read.
	IsReadable(addr uint32, words int) bool
	// IsWritable reports whether words [addr, addr+words) may be written.
	IsWritable(addr uint32, words int) bool
	// Abort stops the machine on a protocol violation. It does not return
	// normally.
	Abort(err error)
}

// PageFlags is implemented by memories that track per-page usage.
type PageFlags interface {
	TestAndClearDirty(page int) bool
	Referenced(page int) bool
}

// AbortError is the panic value raised by Flat.Abort.
type AbortError struct {
	Err error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("machine aborted: %v", e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

type pageState uint8

const (
	pageMapped pageState = 1 << iota
	pageReadOnly
	pageDirty
	pageReferenced
)

// Flat is a word-addressed memory backed by a single slice. All pages start
// mapped and writable.
type Flat struct {
	words []uint16
	pages []pageState
}

// NewFlat allocates a memory of the given number of pages.
func NewFlat(pages int) (*Flat, error) {
	if pages <= 0 {
		return nil, errNoPages
	}

	f := &Flat{
		words: make([]uint16, pages*PageWords),
		pages: make([]pageState, pages),
	}

	for i := range f.pages {
		f.pages[i] = pageMapped
	}

	return f, nil
}

// Pages returns the number of pages.
func (f *Flat) Pages() int {
	return len(f.pages)
}

// Words exposes the backing store. Callers must not retain it across
// interpreter quanta.
func (f *Flat) Words() []uint16 {
	return f.words
}

func (f *Flat) page(addr uint32) int {
	return int(addr >> pageShift)
}

func (f *Flat) check(addr uint32, write bool) {
	p := f.page(addr)
	if p >= len(f.pages) || f.pages[p]&pageMapped == 0 {
		f.Abort(fmt.Errorf("access to unmapped address %#x", addr))
	}

	if write && f.pages[p]&pageReadOnly != 0 {
		f.Abort(fmt.Errorf("write to read-only address %#x", addr))
	}
}

func (f *Flat) ReadWord(addr uint32) uint16 {
	f.check(addr, false)
	f.pages[f.page(addr)] |= pageReferenced

	return f.words[addr]
}

func (f *Flat) WriteWord(addr uint32, v uint16) {
	f.check(addr, true)
	f.pages[f.page(addr)] |= pageReferenced | pageDirty
	f.words[addr] = v
}

func (f *Flat) ReadDblWord(addr uint32) uint32 {
	return uint32(f.ReadWord(addr))<<16 | uint32(f.ReadWord(addr+1))
}

func (f *Flat) WriteDblWord(addr uint32, v uint32) {
	f.WriteWord(addr, uint16(v>>16))
	f.WriteWord(addr+1, uint16(v))
}

func (f *Flat) rangeOK(addr uint32, words int, mask pageState, want pageState) bool {
	if words <= 0 {
		return true
	}

	end := uint64(addr) + uint64(words)
	if end > uint64(len(f.words)) {
		return false
	}

	for p := f.page(addr); p <= int((end-1)>>pageShift); p++ {
		if f.pages[p]&mask != want {
			return false
		}
	}

	return true
}

func (f *Flat) IsReadable(addr uint32, words int) bool {
	return f.rangeOK(addr, words, pageMapped, pageMapped)
}

func (f *Flat) IsWritable(addr uint32, words int) bool {
	return f.rangeOK(addr, words, pageMapped|pageReadOnly, pageMapped)
}

// Abort panics with an *AbortError.
func (f *Flat) Abort(err error) {
	panic(&AbortError{Err: err})
}

// Protect marks a page read-only or writable.
func (f *Flat) Protect(page int, readOnly bool) {
	if readOnly {
		f.pages[page] |= pageReadOnly
	} else {
		f.pages[page] &^= pageReadOnly
	}
}

// Unmap removes a page from the address space.
func (f *Flat) Unmap(page int) {
	f.pages[page] &^= pageMapped
}

func (f *Flat) TestAndClearDirty(page int) bool {
	if page < 0 || page >= len(f.pages) {
		return false
	}

	dirty := f.pages[page]&pageDirty != 0
	f.pages[page] &^= pageDirty

	return dirty
}

func (f *Flat) Referenced(page int) bool {
	if page < 0 || page >= len(f.pages) {
		return false
	}

	return f.pages[page]&pageReferenced != 0
}
