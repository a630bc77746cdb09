package disk

import (
	"bufio"
	"encoding/binary"
	"io"
	"log"
	"os"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// Delta file layout. The header is stored as is, everything after it is a
// snappy stream:
//
//	header   "GDLT" version
//	records  chunk pages [page data ...]   one per dirty chunk, ascending
//	         0xFFFFFFFF 0                  end of records
//	trailer  totalPages totalChunks
//
// pages is the mask of the pages of the chunk present in the record; their
// data follows in bit order, 256 big-endian words each. The trailer counts
// exist only to detect damage.
const (
	deltaSignature = "GDLT"
	deltaVersion   = 1
	endOfChunks    = 0xFFFFFFFF
)

type deltaHeader struct {
	Signature string `struc:"[4]byte"`
	Version   uint16
}

type chunkRecord struct {
	Chunk uint32
	Pages uint16
}

type deltaTrailer struct {
	TotalPages  uint32
	TotalChunks uint32
}

func corrupt(path, format string, args ...interface{}) error {
	return errors.Wrapf(errors.WithMessagef(ErrCorruptDelta, format, args...),
		"%s (disk content possibly unusable)", path)
}

func (img *Image) mergeDelta() error {
	f, err := os.Open(img.deltaPath)
	if os.IsNotExist(err) {
		return nil
	}

	if err != nil {
		return errors.Wrap(err, "open delta")
	}
	defer f.Close()

	pages, chunks, err := img.readDelta(f)
	if err != nil {
		return err
	}

	log.Printf("disk: merged %d pages in %d chunks from %s", pages, chunks, img.deltaPath)

	return nil
}

// readDelta merges the delta from r into the cache. Pages merged before a
// problem is found stay merged.
func (img *Image) readDelta(r io.Reader) (pages, chunks int, err error) {
	return decodeDelta(r, img.deltaPath, img.pages,
		func(page int, words []uint16) {
			copy(img.Page(page), words)
		},
		func(chunk int, mask uint16) {
			img.mu.Lock()
			img.dirty[chunk] |= mask
			img.mu.Unlock()
		})
}

// decodeDelta validates a delta against a disk of diskPages pages, calling
// onPage for every page and onChunk after every complete record.
func decodeDelta(r io.Reader, path string, diskPages int,
	onPage func(page int, words []uint16), onChunk func(chunk int, mask uint16),
) (pages, chunks int, err error) {
	var hdr deltaHeader
	if err := struc.Unpack(r, &hdr); err != nil {
		return 0, 0, corrupt(path, "header: %v", err)
	}

	if hdr.Signature != deltaSignature {
		return 0, 0, corrupt(path, "bad signature %q", hdr.Signature)
	}

	if hdr.Version != deltaVersion {
		return 0, 0, corrupt(path, "unsupported version %d", hdr.Version)
	}

	diskChunks := (diskPages + ChunkPages - 1) / ChunkPages
	zr := snappy.NewReader(r)
	buf := make([]byte, PageBytes)
	words := make([]uint16, PageWords)
	lastChunk := -1

	for {
		var rec chunkRecord
		if err := struc.Unpack(zr, &rec); err != nil {
			return pages, chunks, corrupt(path, "record %d: %v", chunks, err)
		}

		if rec.Chunk == endOfChunks {
			break
		}

		if int64(rec.Chunk) >= int64(diskChunks) || int64(rec.Chunk) <= int64(lastChunk) {
			return pages, chunks, corrupt(path, "chunk %d out of range (disk has %d chunks)",
				rec.Chunk, diskChunks)
		}

		lastChunk = int(rec.Chunk)

		for bit := 0; bit < ChunkPages; bit++ {
			if rec.Pages&(1<<bit) == 0 {
				continue
			}

			page := int(rec.Chunk)*ChunkPages + bit
			if page >= diskPages {
				return pages, chunks, corrupt(path, "page %d beyond disk end (%d pages)", page, diskPages)
			}

			if _, err := io.ReadFull(zr, buf); err != nil {
				return pages, chunks, corrupt(path, "page %d: %v", page, err)
			}

			for i := range words {
				words[i] = binary.BigEndian.Uint16(buf[2*i:])
			}

			onPage(page, words)
			pages++
		}

		onChunk(int(rec.Chunk), rec.Pages)
		chunks++
	}

	var tr deltaTrailer
	if err := struc.Unpack(zr, &tr); err != nil {
		return pages, chunks, corrupt(path, "trailer: %v", err)
	}

	if int(tr.TotalPages) != pages || int(tr.TotalChunks) != chunks {
		return pages, chunks, corrupt(path, "trailer says %d pages %d chunks, read %d pages %d chunks",
			tr.TotalPages, tr.TotalChunks, pages, chunks)
	}

	return pages, chunks, nil
}

// DeltaChunk is one record of a delta file.
type DeltaChunk struct {
	Chunk int
	Pages uint16
}

// DeltaInfo summarizes a delta file.
type DeltaInfo struct {
	Chunks []DeltaChunk
	Pages  map[int][]uint16
}

// InspectDelta decodes the delta at path for a disk of diskPages pages
// without touching any image.
func InspectDelta(path string, diskPages int) (*DeltaInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open delta")
	}
	defer f.Close()

	info := &DeltaInfo{Pages: map[int][]uint16{}}

	_, _, err = decodeDelta(f, path, diskPages,
		func(page int, words []uint16) {
			info.Pages[page] = append([]uint16(nil), words...)
		},
		func(chunk int, mask uint16) {
			info.Chunks = append(info.Chunks, DeltaChunk{Chunk: chunk, Pages: mask})
		})

	return info, err
}

// writeDelta writes every page of every dirty chunk to w.
func (img *Image) writeDelta(w io.Writer, dirty []uint16) error {
	hdr := &deltaHeader{Signature: deltaSignature, Version: deltaVersion}
	if err := struc.Pack(w, hdr); err != nil {
		return errors.Wrap(err, "failed to pack delta header")
	}

	zw := snappy.NewBufferedWriter(w)
	bw := bufio.NewWriter(zw)
	buf := make([]byte, PageBytes)
	tr := deltaTrailer{}

	for c, mask := range dirty {
		if mask == 0 {
			continue
		}

		if err := struc.Pack(bw, &chunkRecord{Chunk: uint32(c), Pages: mask}); err != nil {
			return errors.Wrapf(err, "chunk %d", c)
		}

		for bit := 0; bit < ChunkPages; bit++ {
			if mask&(1<<bit) == 0 {
				continue
			}

			for i, v := range img.Page(c*ChunkPages + bit) {
				binary.BigEndian.PutUint16(buf[2*i:], v)
			}

			if _, err := bw.Write(buf); err != nil {
				return errors.Wrapf(err, "chunk %d page %d", c, bit)
			}

			tr.TotalPages++
		}

		tr.TotalChunks++
	}

	if err := struc.Pack(bw, &chunkRecord{Chunk: endOfChunks}); err != nil {
		return errors.Wrap(err, "end of chunks")
	}

	if err := struc.Pack(bw, &tr); err != nil {
		return errors.Wrap(err, "trailer")
	}

	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "flush delta")
	}

	return errors.Wrap(zw.Close(), "close delta stream")
}
