// Package disk emulates the single hard disk of the machine.
//
// The whole raw image is kept in memory for the life of the process. Writes
// only touch the in-memory copy; they are persisted at shutdown as a delta
// file next to the image holding every page of every chunk written since the
// base image was created.
package disk

import (
	"encoding/binary"
	"log"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	PageWords = 256
	PageBytes = PageWords * 2

	// ChunkPages is the number of pages sharing one dirty bit.
	ChunkPages = 16

	// DeltaSuffix is appended to the image file name to name its delta.
	DeltaSuffix = ".delta"
)

var (
	// ErrCorruptDelta is returned by Open when the delta file is damaged.
	// The image is returned as well; it holds whatever was merged before the
	// damage was detected.
	ErrCorruptDelta = errors.New("corrupt delta file")

	// ErrReadOnly is returned by Save when changes cannot be persisted.
	ErrReadOnly = errors.New("disk opened read-only, changes not saved")

	errBadGeometry = errors.New("image size does not match disk geometry")
	errLocked      = errors.New("image is in use by another process")
)

// Config describes how to attach an image.
type Config struct {
	Path    string
	Heads   int
	Sectors int
	// ByteOrder of the words in the image file. Defaults to big endian.
	ByteOrder binary.ByteOrder
	// ReadOnly images accept writes in memory but never save them.
	ReadOnly bool
	// Retain is the number of historical delta files kept. Negative keeps
	// all of them.
	Retain int
}

// Image is the in-memory copy of a disk.
type Image struct {
	cfg       Config
	deltaPath string
	lock      *os.File

	words     []uint16
	cylinders int
	pages     int

	// mu guards dirty and changed, which a background save may read while
	// the interpreter keeps writing.
	mu      sync.Mutex
	dirty   []uint16 // per chunk mask of pages written, never cleared
	changed bool
}

// Open loads the image at cfg.Path and merges its delta file, if any.
//
// A damaged delta yields both a usable *Image and an error wrapping
// ErrCorruptDelta; the caller decides whether to continue.
func Open(cfg Config) (*Image, error) {
	if cfg.ByteOrder == nil {
		cfg.ByteOrder = binary.BigEndian
	}

	if cfg.Heads <= 0 || cfg.Sectors <= 0 {
		return nil, errors.Wrapf(errBadGeometry, "%s: heads %d sectors %d", cfg.Path, cfg.Heads, cfg.Sectors)
	}

	img := &Image{
		cfg:       cfg,
		deltaPath: cfg.Path + DeltaSuffix,
	}

	if err := img.acquire(); err != nil {
		return nil, err
	}

	if err := img.load(); err != nil {
		img.release()

		return nil, err
	}

	if err := img.mergeDelta(); err != nil {
		return img, err
	}

	log.Printf("disk: %s attached, %d cylinders %d heads %d sectors (%d pages)",
		cfg.Path, img.cylinders, cfg.Heads, cfg.Sectors, img.pages)

	return img, nil
}

func (img *Image) acquire() error {
	flags := os.O_RDWR
	how := unix.LOCK_EX

	if img.cfg.ReadOnly {
		flags = os.O_RDONLY
		how = unix.LOCK_SH
	}

	f, err := os.OpenFile(img.cfg.Path, flags, 0)
	if err != nil {
		return errors.Wrap(err, "open disk image")
	}

	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		f.Close()

		return errors.Wrapf(errLocked, "%s: %v", img.cfg.Path, err)
	}

	img.lock = f

	return nil
}

func (img *Image) release() {
	if img.lock == nil {
		return
	}

	_ = unix.Flock(int(img.lock.Fd()), unix.LOCK_UN)
	img.lock.Close()
	img.lock = nil
}

func (img *Image) load() error {
	raw, err := os.ReadFile(img.cfg.Path)
	if err != nil {
		return errors.Wrap(err, "read disk image")
	}

	pagesPerCylinder := img.cfg.Heads * img.cfg.Sectors

	if len(raw)%PageBytes != 0 || len(raw)/PageBytes%pagesPerCylinder != 0 || len(raw) == 0 {
		return errors.Wrapf(errBadGeometry, "%s: %d bytes is not a multiple of %d bytes per cylinder",
			img.cfg.Path, len(raw), pagesPerCylinder*PageBytes)
	}

	img.pages = len(raw) / PageBytes
	img.cylinders = img.pages / pagesPerCylinder
	img.words = make([]uint16, len(raw)/2)

	for i := range img.words {
		img.words[i] = img.cfg.ByteOrder.Uint16(raw[2*i:])
	}

	img.dirty = make([]uint16, img.Chunks())

	return nil
}

func (img *Image) Cylinders() int { return img.cylinders }
func (img *Image) Heads() int     { return img.cfg.Heads }
func (img *Image) Sectors() int   { return img.cfg.Sectors }
func (img *Image) Pages() int     { return img.pages }
func (img *Image) ReadOnly() bool { return img.cfg.ReadOnly }
func (img *Image) Path() string   { return img.cfg.Path }

// DeltaPath is the path of the current delta file.
func (img *Image) DeltaPath() string { return img.deltaPath }

// Chunks is the number of dirty tracking chunks; the last may be partial.
func (img *Image) Chunks() int {
	return (img.pages + ChunkPages - 1) / ChunkPages
}

// PageOffset converts a disk address into a page number.
func (img *Image) PageOffset(cylinder, head, sector int) (int, bool) {
	if cylinder < 0 || cylinder >= img.cylinders ||
		head < 0 || head >= img.cfg.Heads ||
		sector < 0 || sector >= img.cfg.Sectors {
		return 0, false
	}

	return (cylinder*img.cfg.Heads+head)*img.cfg.Sectors + sector, true
}

// Address converts a page number back into a disk address.
func (img *Image) Address(page int) (cylinder, head, sector int) {
	sector = page % img.cfg.Sectors
	track := page / img.cfg.Sectors

	return track / img.cfg.Heads, track % img.cfg.Heads, sector
}

// Page returns the words of page n. The slice aliases the cache.
func (img *Image) Page(n int) []uint16 {
	return img.words[n*PageWords : (n+1)*PageWords]
}

// WritePage replaces page n and marks it for the next delta.
func (img *Image) WritePage(n int, src []uint16) {
	copy(img.Page(n), src)
	img.markDirty(n)
}

func (img *Image) markDirty(n int) {
	img.mu.Lock()
	img.dirty[n/ChunkPages] |= 1 << (n % ChunkPages)
	img.changed = true
	img.mu.Unlock()
}

// ChunkDirty reports whether chunk c will be part of the next delta.
func (img *Image) ChunkDirty(c int) bool {
	img.mu.Lock()
	defer img.mu.Unlock()

	return img.dirty[c] != 0
}

// DirtyPages counts the pages the next delta would hold.
func (img *Image) DirtyPages() int {
	img.mu.Lock()
	defer img.mu.Unlock()

	return img.dirtyPagesLocked()
}

// DirtyChunks counts the chunks the next delta would hold.
func (img *Image) DirtyChunks() int {
	img.mu.Lock()
	defer img.mu.Unlock()

	n := 0

	for _, m := range img.dirty {
		if m != 0 {
			n++
		}
	}

	return n
}

// Changed reports whether anything was written since attach or the last
// successful save.
func (img *Image) Changed() bool {
	img.mu.Lock()
	defer img.mu.Unlock()

	return img.changed
}

// Close releases the image file lock without saving.
func (img *Image) Close() {
	img.release()
}
