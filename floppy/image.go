// Package floppy emulates the removable media drive.
package floppy

import (
	"encoding/binary"
	"log"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// The only supported medium: double sided, 77 cylinders of 15 sectors of
// 256 words per side.
const (
	Cylinders     = 77
	Heads         = 2
	Sectors       = 15
	SectorWords   = 256
	SectorBytes   = SectorWords * 2
	TotalSectors  = Cylinders * Heads * Sectors
	ImageBytes    = TotalSectors * SectorBytes
	firstSectorNo = 1
)

// A formatted medium starts with the volume seal in sector 0 and the label
// version in sector 1. Reading both in the right byte order identifies the
// order of the whole image.
const (
	VolumeSeal   = 0x6D3B
	LabelVersion = 0x0001
)

var (
	// ErrReadOnly is returned by Save on a write protected medium.
	ErrReadOnly = errors.New("floppy is write protected")

	errImageSize = errors.New("floppy image has wrong size")
	errLocked    = errors.New("floppy image is in use by another process")
)

// Image is one floppy held in memory.
type Image struct {
	path     string
	readOnly bool
	order    binary.ByteOrder
	detected bool
	file     *os.File
	words    []uint16
	changed  bool
}

// Load reads the floppy image at path and works out its byte order.
func Load(path string, readOnly bool) (*Image, error) {
	flags, how := os.O_RDWR, unix.LOCK_EX
	if readOnly {
		flags, how = os.O_RDONLY, unix.LOCK_SH
	}

	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open floppy image")
	}

	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		f.Close()

		return nil, errors.Wrapf(errLocked, "%s: %v", path, err)
	}

	raw := make([]byte, ImageBytes+1)

	n, err := f.ReadAt(raw, 0)
	if n != ImageBytes {
		f.Close()

		return nil, errors.Wrapf(errImageSize, "%s: read %d bytes, want %d (%v)", path, n, ImageBytes, err)
	}

	img := &Image{
		path:     path,
		readOnly: readOnly,
		file:     f,
		words:    make([]uint16, TotalSectors*SectorWords),
	}

	img.order, img.detected = DetectByteOrder(raw)
	if !img.detected {
		log.Printf("floppy: %s has no volume label, assuming big endian", path)
	}

	for i := range img.words {
		img.words[i] = img.order.Uint16(raw[2*i:])
	}

	return img, nil
}

// DetectByteOrder looks for the volume seal and label version in the first
// two sectors of raw. ok is false when neither order matches.
func DetectByteOrder(raw []byte) (order binary.ByteOrder, ok bool) {
	if len(raw) < 2*SectorBytes {
		return binary.BigEndian, false
	}

	for _, o := range []binary.ByteOrder{binary.BigEndian, binary.LittleEndian} {
		if o.Uint16(raw) == VolumeSeal && o.Uint16(raw[SectorBytes:]) == LabelVersion {
			return o, true
		}
	}

	return binary.BigEndian, false
}

func (img *Image) Path() string                { return img.path }
func (img *Image) ReadOnly() bool              { return img.readOnly }
func (img *Image) ByteOrder() binary.ByteOrder { return img.order }
func (img *Image) Changed() bool               { return img.changed }

// Sector returns the words of linear sector n, aliasing the image.
func (img *Image) Sector(n int) []uint16 {
	return img.words[n*SectorWords : (n+1)*SectorWords]
}

func (img *Image) WriteSector(n int, src []uint16) {
	copy(img.Sector(n), src)
	img.changed = true
}

// Save writes the whole image back in its original byte order.
func (img *Image) Save() error {
	if !img.changed {
		return nil
	}

	if img.readOnly {
		return errors.Wrap(ErrReadOnly, img.path)
	}

	raw := make([]byte, ImageBytes)
	for i, v := range img.words {
		img.order.PutUint16(raw[2*i:], v)
	}

	if _, err := img.file.WriteAt(raw, 0); err != nil {
		return errors.Wrapf(err, "write floppy %s", img.path)
	}

	if err := img.file.Sync(); err != nil {
		return errors.Wrapf(err, "sync floppy %s", img.path)
	}

	img.changed = false

	log.Printf("floppy: saved %s", img.path)

	return nil
}

// Close releases the image file without saving.
func (img *Image) Close() {
	if img.file == nil {
		return
	}

	_ = unix.Flock(int(img.file.Fd()), unix.LOCK_UN)
	img.file.Close()
	img.file = nil
}
