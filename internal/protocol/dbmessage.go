package protocol

import (
	"encoding/binary"

	"github.com/prodjlink/prolink/internal/core"
)

// The remote database protocol exchanges messages made of self-describing
// fields. Every value on the wire, including the message header itself, is
// a field: a one-byte type tag followed by the payload.

// FieldKind is the wire type tag of a field.
type FieldKind uint8

const (
	FieldInt8   FieldKind = 0x0f
	FieldInt16  FieldKind = 0x10
	FieldInt32  FieldKind = 0x11
	FieldBinary FieldKind = 0x14
	FieldString FieldKind = 0x26
)

func (k FieldKind) String() string {
	switch k {
	case FieldInt8:
		return "int8"
	case FieldInt16:
		return "int16"
	case FieldInt32:
		return "int32"
	case FieldBinary:
		return "binary"
	case FieldString:
		return "string"
	}
	return "field(?)"
}

// Field is one tagged value. Number holds int8/int16/int32 payloads,
// Binary and String the other two kinds.
type Field struct {
	Kind   FieldKind
	Number uint32
	Binary []byte
	String string
}

func Int8Field(v uint8) Field    { return Field{Kind: FieldInt8, Number: uint32(v)} }
func Int16Field(v uint16) Field  { return Field{Kind: FieldInt16, Number: uint32(v)} }
func Int32Field(v uint32) Field  { return Field{Kind: FieldInt32, Number: v} }
func BinaryField(b []byte) Field { return Field{Kind: FieldBinary, Binary: b} }
func StringField(s string) Field { return Field{Kind: FieldString, String: s} }

func decodeField(r *reader) Field {
	k := FieldKind(r.u8())
	switch k {
	case FieldInt8:
		return Field{Kind: k, Number: uint32(r.u8())}
	case FieldInt16:
		return Field{Kind: k, Number: uint32(r.u16())}
	case FieldInt32:
		return Field{Kind: k, Number: r.u32()}
	case FieldBinary:
		n := r.u32()
		return Field{Kind: k, Binary: r.bytes(int(n))}
	case FieldString:
		// The length field counts UTF-16 code units plus one; a two
		// byte terminator follows the payload.
		n := r.u32()
		if n == 0 {
			return Field{Kind: k}
		}
		b := r.bytes(int(n-1) * 2)
		r.skip(2)
		return Field{Kind: k, String: decodeUTF16BE(b)}
	default:
		if r.err == nil {
			r.err = core.ErrBadField
		}
		return Field{}
	}
}

func appendField(w *writer, f Field) error {
	w.u8(uint8(f.Kind))
	switch f.Kind {
	case FieldInt8:
		w.u8(uint8(f.Number))
	case FieldInt16:
		w.u16(uint16(f.Number))
	case FieldInt32:
		w.u32(f.Number)
	case FieldBinary:
		w.u32(uint32(len(f.Binary)))
		w.bytes(f.Binary)
	case FieldString:
		b := encodeUTF16BE(f.String)
		w.u32(uint32(len(b)/2 + 1))
		w.bytes(b)
		w.zeros(2)
	default:
		return core.ErrBadField
	}
	return nil
}

// Encode serializes a single field, as exchanged during the connection
// handshake.
func (f Field) Encode() ([]byte, error) {
	w := &writer{}
	if err := appendField(w, f); err != nil {
		return nil, err
	}
	return w.buf, nil
}

// DecodeField decodes one field from the front of buf.
func DecodeField(buf []byte) (Field, error) {
	r := &reader{buf: buf}
	f := decodeField(r)
	return f, r.err
}

// argTypeCode is the per-argument type byte in the 12-byte argument type
// vector of the message header. The codes differ from the field tags.
func argTypeCode(k FieldKind) uint8 {
	switch k {
	case FieldInt8:
		return 0x04
	case FieldInt16:
		return 0x05
	case FieldInt32:
		return 0x06
	case FieldBinary:
		return 0x03
	case FieldString:
		return 0x02
	}
	return 0
}

// MessageKind identifies a database request or reply.
type MessageKind uint16

const (
	MsgSetup    MessageKind = 0
	MsgInvalid  MessageKind = 1
	MsgInvalid2 MessageKind = 0x100

	// List requests cascade by appending id arguments.
	MsgRootMenuRequest                MessageKind = 0x1000
	MsgGenreRequest                   MessageKind = 0x1001
	MsgArtistRequest                  MessageKind = 0x1002
	MsgAlbumRequest                   MessageKind = 0x1003
	MsgTitleRequest                   MessageKind = 0x1004
	MsgBPMRequest                     MessageKind = 0x1006
	MsgRatingRequest                  MessageKind = 0x1007
	MsgCenturyRequest                 MessageKind = 0x1008
	MsgLabelRequest                   MessageKind = 0x100a
	MsgColorRequest                   MessageKind = 0x100d
	MsgDurationRequest                MessageKind = 0x1010
	MsgBitrateRequest                 MessageKind = 0x1011
	MsgHistoryRequest                 MessageKind = 0x1012
	MsgFilenameRequest                MessageKind = 0x1013
	MsgArtistByGenreRequest           MessageKind = 0x1101
	MsgAlbumByArtistRequest           MessageKind = 0x1102
	MsgTitleByAlbumRequest            MessageKind = 0x1103
	MsgPlaylistRequest                MessageKind = 0x1105
	MsgYearByCenturyRequest           MessageKind = 0x1108
	MsgArtistByLabelRequest           MessageKind = 0x110a
	MsgTitleByColorRequest            MessageKind = 0x110d
	MsgTitleByDurationRequest         MessageKind = 0x1110
	MsgTitleByBitrateRequest          MessageKind = 0x1111
	MsgTitleByHistoryRequest          MessageKind = 0x1112
	MsgAlbumByGenreArtistRequest      MessageKind = 0x1201
	MsgTitleByArtistAlbumRequest      MessageKind = 0x1202
	MsgTitleByBPMRequest              MessageKind = 0x1206
	MsgTitleByCenturyYearRequest      MessageKind = 0x1208
	MsgAlbumByLabelArtistRequest      MessageKind = 0x120a
	MsgTitleByGenreArtistAlbumRequest MessageKind = 0x1301
	MsgOriginalArtistRequest          MessageKind = 0x1302
	MsgTitleByLabelArtistAlbumRequest MessageKind = 0x130a
	MsgAlbumByOriginalArtistRequest   MessageKind = 0x1402
	MsgTitleByOriginalArtistAlbum     MessageKind = 0x1502
	MsgRemixerRequest                 MessageKind = 0x1602
	MsgAlbumByRemixerRequest          MessageKind = 0x1702
	MsgTitleByRemixerAlbumRequest     MessageKind = 0x1802

	// Track specific requests.
	MsgHotCueBankRequest      MessageKind = 0x2001
	MsgMetadataRequest        MessageKind = 0x2002
	MsgArtworkRequest         MessageKind = 0x2003
	MsgPreviewWaveformRequest MessageKind = 0x2004
	MsgFolderRequest          MessageKind = 0x2006
	MsgMountInfoRequest       MessageKind = 0x2102
	MsgCuesRequest            MessageKind = 0x2104
	MsgTrackInfoRequest       MessageKind = 0x2202
	MsgBeatgridRequest        MessageKind = 0x2204
	MsgUnknown1Request        MessageKind = 0x2504
	MsgWaveformRequest        MessageKind = 0x2904
	MsgUnknown2Request        MessageKind = 0x2b04
	MsgNxs2ExtRequest         MessageKind = 0x2c04
	MsgRender                 MessageKind = 0x3000
	MsgUnknown3Request        MessageKind = 0x3100

	// Replies.
	MsgSuccess         MessageKind = 0x4000
	MsgMenuHeader      MessageKind = 0x4001
	MsgArtwork         MessageKind = 0x4002
	MsgInvalidRequest  MessageKind = 0x4003
	MsgMenuItem        MessageKind = 0x4101
	MsgMenuFooter      MessageKind = 0x4201
	MsgPreviewWaveform MessageKind = 0x4402
	MsgUnknown1        MessageKind = 0x4502
	MsgBeatgrid        MessageKind = 0x4602
	MsgCues            MessageKind = 0x4702
	MsgWaveform        MessageKind = 0x4a02
	MsgUnknown2        MessageKind = 0x4e02
	MsgNxs2Ext         MessageKind = 0x4f02
)

const messageMagic = 0x872349ae

// Message is one request or reply of the remote database protocol.
type Message struct {
	TransactionID uint32
	Kind          MessageKind
	Args          []Field
}

// Arg returns argument i, or a zero field when out of range.
func (m *Message) Arg(i int) Field {
	if i < 0 || i >= len(m.Args) {
		return Field{}
	}
	return m.Args[i]
}

func fixedField(r *reader, want FieldKind) uint32 {
	f := decodeField(r)
	if r.err == nil && f.Kind != want {
		r.err = core.ErrBadField
	}
	return f.Number
}

// ParseMessage decodes one message from the front of buf and reports how
// many bytes it consumed. core.ErrTruncated means buf holds a partial
// message and more data should be read.
func ParseMessage(buf []byte) (*Message, int, error) {
	r := &reader{buf: buf}
	if magic := fixedField(r, FieldInt32); r.err == nil && magic != messageMagic {
		return nil, 0, core.ErrBadMagic
	}
	m := &Message{}
	m.TransactionID = fixedField(r, FieldInt32)
	m.Kind = MessageKind(fixedField(r, FieldInt16))
	argc := int(fixedField(r, FieldInt8))
	argTypes := decodeField(r)
	if r.err == nil && (argTypes.Kind != FieldBinary || len(argTypes.Binary) != 12) {
		r.err = core.ErrBadField
	}
	for i := 0; i < argc && r.err == nil; i++ {
		m.Args = append(m.Args, decodeField(r))
	}
	if r.err != nil {
		return nil, 0, r.err
	}
	return m, r.off, nil
}

// ParseSequence decodes consecutive messages until buf is exhausted.
// A partial trailing message yields core.ErrTruncated; callers
// accumulate more data and reparse.
func ParseSequence(buf []byte) ([]*Message, error) {
	var msgs []*Message
	for len(buf) > 0 {
		m, n, err := ParseMessage(buf)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
		buf = buf[n:]
	}
	return msgs, nil
}

// Encode serializes the message, rebuilding the argument count and the
// argument type vector from Args.
func (m *Message) Encode() ([]byte, error) {
	if len(m.Args) > 12 {
		return nil, core.ErrBadField
	}
	w := &writer{}
	appendField(w, Int32Field(messageMagic))
	appendField(w, Int32Field(m.TransactionID))
	appendField(w, Int16Field(uint16(m.Kind)))
	appendField(w, Int8Field(uint8(len(m.Args))))
	types := make([]byte, 12)
	for i, a := range m.Args {
		c := argTypeCode(a.Kind)
		if c == 0 {
			return nil, core.ErrBadField
		}
		types[i] = c
	}
	appendField(w, BinaryField(types))
	for _, a := range m.Args {
		if err := appendField(w, a); err != nil {
			return nil, err
		}
	}
	return w.buf, nil
}

// DBServerQueryPort is the TCP port answering remote database port
// queries on every player.
const DBServerQueryPort = 12523

var portQuery = append([]byte{0, 0, 0, 0x0f}, []byte("RemoteDBServer\x00")...)

// EncodePortQuery returns the payload sent to DBServerQueryPort to learn
// the player's database service port.
func EncodePortQuery() []byte {
	out := make([]byte, len(portQuery))
	copy(out, portQuery)
	return out
}

// ParsePortReply decodes the two byte reply to a port query.
func ParsePortReply(buf []byte) (uint16, error) {
	if len(buf) < 2 {
		return 0, core.ErrTruncated
	}
	return binary.BigEndian.Uint16(buf), nil
}
