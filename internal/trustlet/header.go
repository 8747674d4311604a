package trustlet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MCLF v2 header layout. All fields are little-endian.
const (
	offMagic          = 0
	offVersion        = 4
	offFlags          = 8
	offMemType        = 12
	offServiceType    = 16
	offNumInstances   = 20
	offUUID           = 24
	offDriverID       = 40
	offNumThreads     = 44
	offTextStart      = 48
	offTextLen        = 52
	offDataStart      = 56
	offDataLen        = 60
	offBSSLen         = 64
	offEntry          = 68
	offServiceVersion = 72

	// HeaderSize is the size of an MCLF v2 header.
	HeaderSize = 76
)

// Magic is "MCLF" read as a little-endian word.
const Magic = 0x464c434d

// ErrInvalidHeader is returned for images without a valid MCLF header.
var ErrInvalidHeader = errors.New("invalid MCLF header")

// Segment is a loadable region of the image.
type Segment struct {
	Start  uint32
	Length uint32
}

// Header is a parsed MCLF v2 header.
type Header struct {
	Version        uint32
	Flags          uint32
	MemType        uint32
	ServiceType    uint32
	NumInstances   uint32
	UUID           UUID
	DriverID       uint32
	NumThreads     uint32
	Text           Segment
	Data           Segment
	BSSLength      uint32
	Entry          uint32
	ServiceVersion uint32
}

// VersionMajor returns the header format's major version.
func (h Header) VersionMajor() uint32 { return h.Version >> 16 }

// ParseHeader reads the header at the start of an image.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("%w: %d bytes, need %d", ErrInvalidHeader, len(b), HeaderSize)
	}

	le := binary.LittleEndian
	if magic := le.Uint32(b[offMagic:]); magic != Magic {
		return h, fmt.Errorf("%w: bad magic %#08x", ErrInvalidHeader, magic)
	}

	h.Version = le.Uint32(b[offVersion:])
	h.Flags = le.Uint32(b[offFlags:])
	h.MemType = le.Uint32(b[offMemType:])
	h.ServiceType = le.Uint32(b[offServiceType:])
	h.NumInstances = le.Uint32(b[offNumInstances:])
	copy(h.UUID[:], b[offUUID:offUUID+16])
	h.DriverID = le.Uint32(b[offDriverID:])
	h.NumThreads = le.Uint32(b[offNumThreads:])
	h.Text = Segment{Start: le.Uint32(b[offTextStart:]), Length: le.Uint32(b[offTextLen:])}
	h.Data = Segment{Start: le.Uint32(b[offDataStart:]), Length: le.Uint32(b[offDataLen:])}
	h.BSSLength = le.Uint32(b[offBSSLen:])
	h.Entry = le.Uint32(b[offEntry:])
	h.ServiceVersion = le.Uint32(b[offServiceVersion:])

	if h.VersionMajor() != 2 {
		return h, fmt.Errorf("%w: unsupported version %d", ErrInvalidHeader, h.VersionMajor())
	}
	return h, nil
}

// MarshalBinary encodes h as an MCLF v2 header. Used to build images for
// tests and tooling.
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	le := binary.LittleEndian
	le.PutUint32(b[offMagic:], Magic)
	le.PutUint32(b[offVersion:], h.Version)
	le.PutUint32(b[offFlags:], h.Flags)
	le.PutUint32(b[offMemType:], h.MemType)
	le.PutUint32(b[offServiceType:], h.ServiceType)
	le.PutUint32(b[offNumInstances:], h.NumInstances)
	copy(b[offUUID:], h.UUID[:])
	le.PutUint32(b[offDriverID:], h.DriverID)
	le.PutUint32(b[offNumThreads:], h.NumThreads)
	le.PutUint32(b[offTextStart:], h.Text.Start)
	le.PutUint32(b[offTextLen:], h.Text.Length)
	le.PutUint32(b[offDataStart:], h.Data.Start)
	le.PutUint32(b[offDataLen:], h.Data.Length)
	le.PutUint32(b[offBSSLen:], h.BSSLength)
	le.PutUint32(b[offEntry:], h.Entry)
	le.PutUint32(b[offServiceVersion:], h.ServiceVersion)
	return b, nil
}
