// Package timesvc answers the guest's broadcast time request when no hub is
// configured. Every other transmitted frame is dropped.
package timesvc

import (
	"encoding/binary"
	"sync"
	"time"
)

// EpochOffset is the number of seconds between the guest epoch
// (1901-01-01) and the Unix epoch.
const EpochOffset = 2114294400

// GuestTime converts t to guest seconds.
func GuestTime(t time.Time) uint32 {
	return uint32(t.Unix() + EpochOffset)
}

// Frame layout, byte offsets. Ethernet header, then an IDP header, a packet
// exchange header and the time protocol body.
const (
	offEthDst     = 0
	offEthSrc     = 6
	offEtherType  = 12
	offChecksum   = 14
	offLength     = 16
	offTransport  = 18
	offPacketType = 19
	offDstNet     = 20
	offDstHost    = 24
	offDstSocket  = 30
	offSrcNet     = 32
	offSrcHost    = 36
	offSrcSocket  = 42
	offExchangeID = 44
	offClientType = 48
	offVersion    = 50
	offTimeType   = 52

	// response body
	offTime          = 54
	offDirection     = 58
	offOffsetHours   = 60
	offOffsetMinutes = 62
	offDSTStart      = 64
	offDSTEnd        = 66
	offToleranceType = 68
	offTolerance     = 70

	requestSize = 54
	replySize   = 74
	idpStart    = offChecksum
)

const (
	etherTypeIDP     = 0x0600
	packetTypePEX    = 4
	socketTime       = 8
	clientTypeTime   = 1
	timeVersion      = 2
	timeRequest      = 1
	timeResponse     = 2
	noChecksum       = 0xFFFF
	toleranceInMsecs = 1
)

// Direction of the local time zone relative to Greenwich.
const (
	West = 0
	East = 1
)

var serviceHost = [6]byte{0x02, 0x00, 0x00, 0x00, 0x71, 0x3E}

// Service implements the network transport contract without a network.
type Service struct {
	offsetMinutes int
	now           func() time.Time

	mu     sync.Mutex
	reply  []byte
	notify func()
}

// Option changes a Service created by New.
type Option func(*Service)

// WithClock replaces the host clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a time service reporting a local time zone offsetMinutes east
// of Greenwich (negative for west).
func New(offsetMinutes int, opts ...Option) *Service {
	s := &Service{offsetMinutes: offsetMinutes, now: time.Now}

	for _, o := range opts {
		o(s)
	}

	return s
}

func (s *Service) SetNotifier(fn func()) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// IsTimeRequest reports whether frame is a broadcast time request.
func IsTimeRequest(frame []byte) bool {
	if len(frame) < requestSize {
		return false
	}

	be := binary.BigEndian

	for _, b := range frame[offDstHost : offDstHost+6] {
		if b != 0xFF {
			return false
		}
	}

	return be.Uint16(frame[offEtherType:]) == etherTypeIDP &&
		frame[offPacketType] == packetTypePEX &&
		be.Uint16(frame[offDstSocket:]) == socketTime &&
		be.Uint16(frame[offClientType:]) == clientTypeTime &&
		be.Uint16(frame[offVersion:]) == timeVersion &&
		be.Uint16(frame[offTimeType:]) == timeRequest
}

// Enqueue looks at one transmitted frame. A time request replaces any reply
// not yet picked up.
func (s *Service) Enqueue(frame []byte) bool {
	if !IsTimeRequest(frame) {
		return true
	}

	reply := s.Reply(frame)

	s.mu.Lock()
	s.reply = reply
	fn := s.notify
	s.mu.Unlock()

	if fn != nil {
		fn()
	}

	return true
}

// Dequeue hands out the pending reply, if any.
func (s *Service) Dequeue(buf []byte) (int, bool) {
	s.mu.Lock()
	reply := s.reply
	s.reply = nil
	s.mu.Unlock()

	if reply == nil {
		return 0, false
	}

	copy(buf, reply)

	return len(reply), true
}

func (s *Service) Close() error {
	return nil
}

// Reply builds the answer to the time request req.
func (s *Service) Reply(req []byte) []byte {
	be := binary.BigEndian
	now := s.now()
	r := make([]byte, replySize)

	copy(r[offEthDst:], req[offEthSrc:offEthSrc+6])
	copy(r[offEthSrc:], serviceHost[:])
	be.PutUint16(r[offEtherType:], etherTypeIDP)

	be.PutUint16(r[offChecksum:], noChecksum)
	be.PutUint16(r[offLength:], replySize-idpStart)
	r[offTransport] = 0
	r[offPacketType] = packetTypePEX
	copy(r[offDstNet:], req[offSrcNet:offSrcNet+4])
	copy(r[offDstHost:], req[offSrcHost:offSrcHost+6])
	copy(r[offDstSocket:], req[offSrcSocket:offSrcSocket+2])
	copy(r[offSrcNet:], req[offSrcNet:offSrcNet+4])
	copy(r[offSrcHost:], serviceHost[:])
	be.PutUint16(r[offSrcSocket:], socketTime)

	copy(r[offExchangeID:], req[offExchangeID:offExchangeID+4])
	be.PutUint16(r[offClientType:], clientTypeTime)

	be.PutUint16(r[offVersion:], timeVersion)
	be.PutUint16(r[offTimeType:], timeResponse)
	be.PutUint32(r[offTime:], GuestTime(now))

	dir, mins := uint16(East), s.offsetMinutes
	if mins < 0 {
		dir, mins = West, -mins
	}

	be.PutUint16(r[offDirection:], dir)
	be.PutUint16(r[offOffsetHours:], uint16(mins/60))
	be.PutUint16(r[offOffsetMinutes:], uint16(mins%60))
	be.PutUint16(r[offDSTStart:], 0)
	be.PutUint16(r[offDSTEnd:], 0)
	be.PutUint16(r[offToleranceType:], toleranceInMsecs)
	be.PutUint32(r[offTolerance:], uint32(now.Nanosecond()/int(time.Millisecond)))

	return r
}

// Request builds a broadcast time request from host src. It is what the
// guest sends; the command line uses it to query a time server.
func Request(src [6]byte, exchangeID uint32) []byte {
	be := binary.BigEndian
	r := make([]byte, requestSize)

	for i := 0; i < 6; i++ {
		r[offEthDst+i] = 0xFF
		r[offDstHost+i] = 0xFF
	}

	copy(r[offEthSrc:], src[:])
	be.PutUint16(r[offEtherType:], etherTypeIDP)
	be.PutUint16(r[offChecksum:], noChecksum)
	be.PutUint16(r[offLength:], requestSize-idpStart)
	r[offPacketType] = packetTypePEX
	be.PutUint16(r[offDstSocket:], socketTime)
	copy(r[offSrcHost:], src[:])
	be.PutUint16(r[offSrcSocket:], socketTime)
	be.PutUint32(r[offExchangeID:], exchangeID)
	be.PutUint16(r[offClientType:], clientTypeTime)
	be.PutUint16(r[offVersion:], timeVersion)
	be.PutUint16(r[offTimeType:], timeRequest)

	return r
}

// Answer is a decoded time response.
type Answer struct {
	ExchangeID    uint32
	Time          time.Time
	East          bool
	OffsetHours   int
	OffsetMinutes int
	Tolerance     time.Duration
}

// ParseReply decodes a time response. ok is false for any other frame.
func ParseReply(frame []byte) (a Answer, ok bool) {
	be := binary.BigEndian

	if len(frame) < replySize ||
		be.Uint16(frame[offEtherType:]) != etherTypeIDP ||
		frame[offPacketType] != packetTypePEX ||
		be.Uint16(frame[offClientType:]) != clientTypeTime ||
		be.Uint16(frame[offVersion:]) != timeVersion ||
		be.Uint16(frame[offTimeType:]) != timeResponse {
		return a, false
	}

	a.ExchangeID = be.Uint32(frame[offExchangeID:])
	a.Time = time.Unix(int64(be.Uint32(frame[offTime:]))-EpochOffset, 0)
	a.East = be.Uint16(frame[offDirection:]) == East
	a.OffsetHours = int(be.Uint16(frame[offOffsetHours:]))
	a.OffsetMinutes = int(be.Uint16(frame[offOffsetMinutes:]))

	if be.Uint16(frame[offToleranceType:]) == toleranceInMsecs {
		a.Tolerance = time.Duration(be.Uint32(frame[offTolerance:])) * time.Millisecond
	}

	return a, true
}
