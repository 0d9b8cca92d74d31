// Package protocol implements bit-exact codecs for the four ProDJ Link
// packet families: keepalive (UDP 50000), beat (UDP 50001), status
// (UDP 50002) and the TCP database protocol, plus the beatgrid blob
// returned by beatgrid queries.
//
// Decoded packets are tagged unions: a Kind discriminant selects exactly
// one non-nil variant pointer. Decode functions validate the magic and the
// fields they interpret; unknown and reserved fields are either skipped or
// carried opaquely so re-encoding stays interoperable. Decode errors are
// typed core errors and never panic on truncated input.
package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/prodjlink/prolink/internal/core"
)

// Magic is the fixed prefix of every UDP packet on ports 50000-50002.
const Magic = "Qspt1WmJOL"

// The three UDP ports every link member binds.
const (
	PortKeepalive = 50000
	PortBeat      = 50001
	PortStatus    = 50002
)

// DeviceType tells players and mixers apart in keepalive packets.
type DeviceType uint8

const (
	DeviceDJM       DeviceType = 1
	DeviceCDJ       DeviceType = 2
	DeviceRekordbox DeviceType = 3 // also used by the CDJ-3000
)

func (d DeviceType) String() string {
	switch d {
	case DeviceDJM:
		return "djm"
	case DeviceCDJ:
		return "cdj"
	case DeviceRekordbox:
		return "rekordbox"
	}
	return fmt.Sprintf("device(%d)", uint8(d))
}

// TrackAnalyzeType reports what kind of track a player has loaded.
type TrackAnalyzeType uint8

const (
	TrackUnanalyzed TrackAnalyzeType = 0
	TrackRekordbox  TrackAnalyzeType = 1
	TrackFile       TrackAnalyzeType = 2
	TrackCD         TrackAnalyzeType = 5
)

// Pitch values on the wire are 32-bit fixed point, 0x100000 == 1.0.
func pitchFromWire(v uint32) float64 { return float64(v) / 0x100000 }
func pitchToWire(p float64) uint32   { return uint32(p * 0x100000) }

// BPMUnknown is the normalized value for the 0xffff wire sentinel ("no
// track or not analyzed"). Zero is not used since 0.00 is a valid tempo.
const BPMUnknown = float64(-1)

func bpmFromWire(v uint16) float64 {
	if v == 0xffff {
		return BPMUnknown
	}
	return float64(v) / 100
}

func bpmToWire(b float64) uint16 {
	if b == BPMUnknown {
		return 0xffff
	}
	return uint16(b * 100)
}

// reader is a cursor over a received packet with a sticky truncation
// error, so decode code can read fields unconditionally and check once.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = core.ErrTruncated
	}
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) skip(n int) {
	if r.remaining() < n {
		r.off = len(r.buf)
		r.fail()
		return
	}
	r.off += n
}

func (r *reader) bytes(n int) []byte {
	if r.remaining() < n {
		r.off = len(r.buf)
		r.fail()
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// cstr reads a fixed-size field holding a null-terminated ASCII string.
func (r *reader) cstr(n int) string {
	b := r.bytes(n)
	if b == nil {
		return ""
	}
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// utf16be reads a fixed-size field holding a null-padded UTF-16BE string.
func (r *reader) utf16be(n int) string {
	b := r.bytes(n)
	if b == nil {
		return ""
	}
	return decodeUTF16BE(b)
}

func decodeUTF16BE(b []byte) string {
	u := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		c := binary.BigEndian.Uint16(b[i:])
		if c == 0 {
			break
		}
		u = append(u, c)
	}
	return string(utf16.Decode(u))
}

func encodeUTF16BE(s string) []byte {
	u := utf16.Encode([]rune(s))
	b := make([]byte, 2*len(u))
	for i, c := range u {
		binary.BigEndian.PutUint16(b[2*i:], c)
	}
	return b
}

// writer builds packets. Append-only; fixed-size string fields are
// null-padded or truncated to size.
type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *writer) bytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) zeros(n int) {
	w.buf = append(w.buf, make([]byte, n)...)
}

func (w *writer) cstr(s string, n int) {
	b := make([]byte, n)
	copy(b, s)
	if len(s) >= n {
		b[n-1] = 0
	}
	w.buf = append(w.buf, b...)
}

func (w *writer) utf16be(s string, n int) {
	b := make([]byte, n)
	copy(b, encodeUTF16BE(s))
	w.buf = append(w.buf, b...)
}

func checkMagic(r *reader) error {
	b := r.bytes(len(Magic))
	if b == nil {
		return core.ErrTruncated
	}
	if string(b) != Magic {
		return core.ErrBadMagic
	}
	return nil
}
