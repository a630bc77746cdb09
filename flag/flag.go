package flag

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/goguam/disk"
)

// MaxGMTOffset bounds the offset accepted for the time service, in minutes.
const MaxGMTOffset = 14 * 60

type CLI struct {
	Config  kong.ConfigFlag `help:"Load flags from a JSON file." placeholder:"FILE"`
	Profile string          `help:"Profile the command into the current directory." enum:"none,cpu,mem" default:"none"`

	Check     CheckCMD     `cmd:"" help:"Attach a disk image and report its state."`
	Timequery TimeQueryCMD `cmd:"" help:"Ask the network time service for the time."`
}

// DiskFlags describe a hard disk image.
type DiskFlags struct {
	Disk         string `help:"Disk image file." type:"existingfile" required:""`
	Heads        int    `help:"Heads of the disk." default:"2"`
	Sectors      int    `help:"Sectors per track." default:"16"`
	LittleEndian bool   `help:"Words in the image are little endian."`
	Retain       int    `help:"Number of old delta files kept, negative keeps all." default:"5"`
	ReadOnly     bool   `help:"Never write the delta file."`
}

func (d *DiskFlags) DiskConfig() disk.Config {
	cfg := disk.Config{
		Path:      d.Disk,
		Heads:     d.Heads,
		Sectors:   d.Sectors,
		ByteOrder: binary.BigEndian,
		ReadOnly:  d.ReadOnly,
		Retain:    d.Retain,
	}

	if d.LittleEndian {
		cfg.ByteOrder = binary.LittleEndian
	}

	return cfg
}

type CheckCMD struct {
	DiskFlags `embed:""`

	Chunks bool `help:"List every chunk recorded in the delta."`
}

type TimeQueryCMD struct {
	Hub         string        `help:"Hub address as host:port. Empty asks the internal time service."`
	GMTOffset   string        `help:"Offset of the internal time service, as +hh:mm or minutes." name:"gmt-offset" default:"0"`
	ProcessorID string        `help:"Source address of the request." name:"processor-id" default:"02:00:00:00:00:01"`
	Timeout     time.Duration `help:"How long to wait for the reply." default:"5s"`
}

// ParseGMTOffset parses an offset from GMT as [+-]hh:mm or as [+-]minutes
// and returns it in minutes, east positive.
func ParseGMTOffset(s string) (int, error) {
	v := strings.TrimSpace(s)
	sign := 1

	switch {
	case strings.HasPrefix(v, "+"):
		v = v[1:]
	case strings.HasPrefix(v, "-"):
		sign = -1
		v = v[1:]
	}

	var minutes int

	if h, m, ok := strings.Cut(v, ":"); ok {
		hours, err := strconv.ParseUint(h, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("%q: can't parse hours: %w", s, strconv.ErrSyntax)
		}

		mins, err := strconv.ParseUint(m, 10, 8)
		if err != nil || len(m) != 2 || mins >= 60 {
			return 0, fmt.Errorf("%q: can't parse minutes: %w", s, strconv.ErrSyntax)
		}

		minutes = int(hours)*60 + int(mins)
	} else {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("%q: can't parse as [+-]hh:mm or minutes: %w", s, strconv.ErrSyntax)
		}

		minutes = int(n)
	}

	if minutes > MaxGMTOffset {
		return 0, fmt.Errorf("%q: more than %d minutes: %w", s, MaxGMTOffset, strconv.ErrRange)
	}

	return sign * minutes, nil
}

// ParseProcessorID parses a 48-bit address written as six colon separated
// hex bytes.
func ParseProcessorID(s string) ([6]byte, error) {
	var id [6]byte

	hw, err := net.ParseMAC(s)
	if err != nil {
		return id, fmt.Errorf("processor id: %w", err)
	}

	if len(hw) != len(id) {
		return id, fmt.Errorf("processor id %q: want 6 bytes, got %d", s, len(hw))
	}

	copy(id[:], hw)

	return id, nil
}
