// Package hub connects the network agent to a hub, a separate process that
// relays raw frames between emulated machines over TCP.
//
// Wire format for each frame:
//
//	[2-byte big-endian payload length][payload bytes]
//
// Payloads are 14 to 766 bytes. There is no other framing.
package hub

import (
	"encoding/binary"
	"io"

	"github.com/bobuhiro11/goguam/packet"
	"github.com/pkg/errors"
)

// ErrFrameSize is returned for a frame outside the allowed size range. On
// the receiving side it means the stream lost synchronization.
var ErrFrameSize = errors.New("bad frame size")

// FrameWriter writes framed packets to an underlying writer (typically a
// TCP conn).
type FrameWriter struct {
	w io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter { return &FrameWriter{w: w} }

// WritePacket sends p with its length prefix in a single write.
func (fw *FrameWriter) WritePacket(p *packet.Packet) error {
	if err := packet.Check(p.Len()); err != nil {
		return errors.WithMessage(ErrFrameSize, err.Error())
	}

	if _, err := fw.w.Write(p.Wire()); err != nil {
		return errors.Wrap(err, "send frame")
	}

	return nil
}

// WriteFrame sends one frame.
func (fw *FrameWriter) WriteFrame(frame []byte) error {
	var p packet.Packet
	if err := p.Set(frame); err != nil {
		return errors.WithMessage(ErrFrameSize, err.Error())
	}

	return fw.WritePacket(&p)
}

// FrameReader reads framed packets from an underlying reader.
type FrameReader struct {
	r   io.Reader
	hdr [2]byte
}

func NewFrameReader(r io.Reader) *FrameReader { return &FrameReader{r: r} }

// ReadPacket reads the next frame into p.
func (fr *FrameReader) ReadPacket(p *packet.Packet) error {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		return errors.Wrap(err, "read frame header")
	}

	length := int(binary.BigEndian.Uint16(fr.hdr[:]))
	if err := packet.Check(length); err != nil {
		return errors.WithMessage(ErrFrameSize, err.Error())
	}

	if _, err := io.ReadFull(fr.r, p.Payload()[:length]); err != nil {
		return errors.Wrapf(err, "read frame payload (len=%d)", length)
	}

	p.SetLen(length)

	return nil
}
