package protocol

import (
	"net"

	"github.com/prodjlink/prolink/internal/core"
)

// StatusKind selects the variant of a status packet.
type StatusKind uint8

const (
	StatusCDJ            StatusKind = 0x0a
	StatusDJM            StatusKind = 0x29
	StatusLoadCmd        StatusKind = 0x19 // "load track into player X"
	StatusLoadCmdReply   StatusKind = 0x1a
	StatusLinkQuery      StatusKind = 0x05 // storage info query
	StatusLinkReply      StatusKind = 0x06
	StatusRekordboxHello StatusKind = 0x10
	StatusRekordboxReply StatusKind = 0x11
)

// StateFlags is the on_air/sync/master/play bitmask of a status packet.
// Two extra bits are always set on the wire; they are OR'd in on encode
// and masked out on decode.
type StateFlags uint16

const (
	StateOnAir  StateFlags = 8
	StateSync   StateFlags = 16
	StateMaster StateFlags = 32
	StatePlay   StateFlags = 64

	stateAlwaysSet = 0x84
)

func (s StateFlags) OnAir() bool  { return s&StateOnAir != 0 }
func (s StateFlags) Sync() bool   { return s&StateSync != 0 }
func (s StateFlags) Master() bool { return s&StateMaster != 0 }
func (s StateFlags) Play() bool   { return s&StatePlay != 0 }

// StorageState reports whether media is mounted in a slot. Announcing
// "loaded" is what makes other players try to mount the slot over NFS.
type StorageState uint32

const (
	StorageLoaded     StorageState = 0
	StorageStopping   StorageState = 2
	StorageUnmounting StorageState = 3
	StorageNotLoaded  StorageState = 4
)

func (s StorageState) String() string {
	switch s {
	case StorageLoaded:
		return "loaded"
	case StorageStopping:
		return "stopping"
	case StorageUnmounting:
		return "unmounting"
	case StorageNotLoaded:
		return "not_loaded"
	}
	return "storage(?)"
}

// CueDistanceUnknown is the normalized value for the 0x1ff wire sentinel
// meaning "no next cue".
const CueDistanceUnknown = int32(-1)

// Status is a decoded packet from UDP port 50002. Exactly one variant
// pointer matching Kind is non-nil (LoadCmdReply and RekordboxHello carry
// no payload worth decoding and have none).
type Status struct {
	Kind         StatusKind
	Model        string
	PlayerNumber uint8

	CDJ       *CDJStatusBody
	DJM       *DJMStatusBody
	LoadCmd   *LoadCmdBody
	LinkQuery *LinkQueryBody
	LinkReply *LinkReplyBody
}

// CDJ3000Extension is the trailing block present when the length marker
// announces the extended CDJ-3000 packet size.
type CDJ3000Extension struct {
	Key      uint32
	KeyShift int64

	// Loop region; multiply the ms values by 0.65536 for real time.
	LoopStart       uint32
	LoopEnd         uint32
	WholeLoopLength uint16 // whole beats in the loop, minimum 1
}

// CDJStatusBody is the player state body. BPM, Beat, BeatCount and
// CueDistance are normalized on decode: wire sentinels become BPMUnknown,
// 0, 0 and CueDistanceUnknown respectively.
type CDJStatusBody struct {
	Activity           uint16
	LoadedPlayerNumber uint8
	LoadedSlot         core.PlayerSlot
	TrackAnalyzeType   TrackAnalyzeType
	TrackID            uint32
	TrackNumber        uint32

	USBActive bool
	SDActive  bool
	USBState  StorageState
	SDState   StorageState

	LinkAvailable uint32
	PlayState     core.PlayState
	Firmware      string

	TempoMasterCount uint32
	State            StateFlags

	// PhysicalPitch is the pitch slider position; ActualPitch is the
	// pitch the player is really playing at (they differ while the
	// slider moves or sync adjusts).
	PhysicalPitch float64
	ActualPitch   float64

	BPMState uint16
	BPM      float64

	BeatCount   uint32
	CueDistance int32
	Beat        uint8

	PhysicalPitch2 float64
	ActualPitch2   float64
	PacketCount    uint32
	IsNexus        uint8

	Extension *CDJ3000Extension
}

type DJMStatusBody struct {
	State         StateFlags
	PhysicalPitch float64
	BPM           float64
	Beat          uint8
}

type LoadCmdBody struct {
	LoadPlayerNumber uint8
	LoadSlot         core.PlayerSlot
	LoadTrackID      uint32
}

type LinkQueryBody struct {
	SourceIP           net.IP
	RemotePlayerNumber uint8
	Slot               core.PlayerSlot
}

// LinkReplyBody is the storage info reply for one slot.
type LinkReplyBody struct {
	SourcePlayerNumber uint8
	Slot               core.PlayerSlot
	Name               string
	Date               string
	U5                 string
	TrackCount         uint32
	PlaylistCount      uint32
	BytesTotal         uint64
	BytesFree          uint64
}

const (
	cdjExtendedSize = 0x438
	cdjBodySize     = 246 // bytes following the 38-byte prefix at 0xf8 length marker
)

// DecodeStatus parses a packet received on UDP port 50002.
func DecodeStatus(buf []byte) (*Status, error) {
	r := &reader{buf: buf}
	if err := checkMagic(r); err != nil {
		return nil, err
	}
	p := &Status{Kind: StatusKind(r.u8())}
	p.Model = r.cstr(20)
	r.skip(2) // u1 const 1, u2 revision
	p.PlayerNumber = r.u8()

	var remaining uint16
	switch p.Kind {
	case StatusLinkQuery:
		remaining = r.u16()
		_ = remaining
		q := &LinkQueryBody{}
		if v := r.bytes(4); v != nil {
			q.SourceIP = ip4(v)
		}
		r.skip(3)
		q.RemotePlayerNumber = r.u8()
		r.skip(3)
		q.Slot = core.PlayerSlot(r.u8())
		p.LinkQuery = q
	case StatusLinkReply:
		r.skip(2) // payload size, always 0x9c
		b := &LinkReplyBody{}
		r.skip(3)
		b.SourcePlayerNumber = r.u8()
		r.skip(3)
		b.Slot = core.PlayerSlot(r.u8())
		b.Name = r.utf16be(64)
		b.Date = r.utf16be(24)
		b.U5 = r.utf16be(32)
		b.TrackCount = r.u32()
		r.skip(4) // u6, u7
		b.PlaylistCount = r.u32()
		b.BytesTotal = r.u64()
		b.BytesFree = r.u64()
		p.LinkReply = b
	case StatusRekordboxHello, StatusRekordboxReply:
		// Tolerated but not interpreted.
		r.skip(2)
	case StatusLoadCmdReply:
		r.skip(4) // remaining, player_number2, u4
		r.skip(2)
	case StatusLoadCmd:
		r.skip(4)
		b := &LoadCmdBody{}
		r.skip(2)
		b.LoadPlayerNumber = r.u8()
		b.LoadSlot = core.PlayerSlot(r.u8())
		r.skip(2) // const 0x100
		b.LoadTrackID = r.u32()
		p.LoadCmd = b
	case StatusDJM:
		r.skip(4)
		b := &DJMStatusBody{}
		b.State = StateFlags(r.u16()) &^ stateAlwaysSet
		b.PhysicalPitch = pitchFromWire(r.u32())
		r.skip(2) // u5, usually 0x8000
		b.BPM = bpmFromWire(r.u16())
		r.skip(7)
		b.Beat = r.u8()
		p.DJM = b
	case StatusCDJ:
		remaining = r.u16()
		r.skip(2) // player_number2, u4
		b, err := decodeCDJBody(r, remaining)
		if err != nil {
			return nil, err
		}
		p.CDJ = b
	default:
		return nil, core.ErrUnknownType
	}
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

func decodeCDJBody(r *reader, remaining uint16) (*CDJStatusBody, error) {
	b := &CDJStatusBody{}
	b.Activity = r.u16()
	b.LoadedPlayerNumber = r.u8()
	b.LoadedSlot = core.PlayerSlot(r.u8())
	b.TrackAnalyzeType = TrackAnalyzeType(r.u8())
	r.skip(1)
	b.TrackID = r.u32()
	b.TrackNumber = r.u32()
	r.skip(12) // u5, u6, u7
	r.skip(4)
	r.skip(4)  // u8
	r.skip(32) // a lot of zero fields
	r.skip(2)  // 0x100 xdj1000 / 0x300 cdj2000nxs
	b.USBActive = r.u8() == 6
	b.SDActive = r.u8() == 6
	b.USBState = StorageState(r.u32())
	b.SDState = StorageState(r.u32())
	b.LinkAvailable = r.u32()
	b.PlayState = core.PlayState(r.u32())
	b.Firmware = r.cstr(4)
	r.skip(4)
	b.TempoMasterCount = r.u32()
	b.State = StateFlags(r.u16()) &^ stateAlwaysSet
	r.skip(2) // u9, play_state2
	b.PhysicalPitch = pitchFromWire(r.u32())
	b.BPMState = r.u16()
	b.BPM = bpmFromWire(r.u16())
	r.skip(4) // u13
	b.ActualPitch = pitchFromWire(r.u32())
	r.skip(2) // play_state3
	r.skip(2) // u10 + 0xff
	if c := r.u32(); c != 0xffffffff {
		b.BeatCount = c
	}
	if d := r.u16(); d != 0x1ff {
		b.CueDistance = int32(d)
	} else {
		b.CueDistance = CueDistanceUnknown
	}
	if bt := r.u8(); bt != 0xff {
		b.Beat = bt
	}
	r.skip(15)
	r.skip(2) // u11
	r.skip(8)
	b.PhysicalPitch2 = pitchFromWire(r.u32())
	b.ActualPitch2 = pitchFromWire(r.u32())
	b.PacketCount = r.u32()
	b.IsNexus = r.u8()
	if r.err != nil {
		return nil, r.err
	}

	if remaining == cdjExtendedSize {
		ext := &CDJ3000Extension{}
		r.skip(143)
		ext.Key = r.u32()
		r.skip(4)
		ext.KeyShift = int64(r.u64())
		r.skip(76)
		ext.LoopStart = r.u32()
		r.skip(4)
		ext.LoopEnd = r.u32()
		r.skip(4)
		ext.WholeLoopLength = r.u16()
		if r.err != nil {
			return nil, r.err
		}
		b.Extension = ext
	}
	return b, nil
}

// Encode serializes the status packet. The variant matching Kind must be
// set. CDJ bodies are written at the standard (non CDJ-3000) size.
func (p *Status) Encode() ([]byte, error) {
	w := &writer{}
	w.bytes([]byte(Magic))
	w.u8(uint8(p.Kind))
	w.cstr(p.Model, 20)
	w.u8(1)
	w.u8(4)
	w.u8(p.PlayerNumber)

	switch p.Kind {
	case StatusLinkQuery:
		q := p.LinkQuery
		if q == nil || len(q.SourceIP.To4()) != 4 {
			return nil, core.ErrBadField
		}
		w.u16(0x0c)
		w.bytes(q.SourceIP.To4())
		w.zeros(3)
		w.u8(q.RemotePlayerNumber)
		w.zeros(3)
		w.u8(uint8(q.Slot))
	case StatusLinkReply:
		b := p.LinkReply
		if b == nil {
			return nil, core.ErrBadField
		}
		w.u16(0x9c)
		w.zeros(3)
		w.u8(b.SourcePlayerNumber)
		w.zeros(3)
		w.u8(uint8(b.Slot))
		w.utf16be(b.Name, 64)
		w.utf16be(b.Date, 24)
		w.utf16be(b.U5, 32)
		w.u32(b.TrackCount)
		w.u16(0)
		w.u16(0x101)
		w.u32(b.PlaylistCount)
		w.u64(b.BytesTotal)
		w.u64(b.BytesFree)
	case StatusLoadCmd:
		b := p.LoadCmd
		if b == nil {
			return nil, core.ErrBadField
		}
		w.u16(0x34)
		w.u8(p.PlayerNumber)
		w.u8(0)
		w.zeros(2)
		w.u8(b.LoadPlayerNumber)
		w.u8(uint8(b.LoadSlot))
		w.u16(0x100)
		w.u32(b.LoadTrackID)
		w.u32(0x32)
		w.zeros(16)
		w.zeros(12) // u7, u8, u9
		w.zeros(8)
	case StatusLoadCmdReply:
		w.u16(0x04)
		w.u8(p.PlayerNumber)
		w.u8(0)
		w.zeros(2)
	case StatusDJM:
		b := p.DJM
		if b == nil {
			return nil, core.ErrBadField
		}
		w.u16(0x14)
		w.u8(p.PlayerNumber)
		w.u8(0)
		w.u16(uint16(b.State) | stateAlwaysSet)
		w.u32(pitchToWire(b.PhysicalPitch))
		w.u16(0x8000)
		w.u16(bpmToWire(b.BPM))
		w.zeros(7)
		w.u8(b.Beat)
	case StatusCDJ:
		b := p.CDJ
		if b == nil {
			return nil, core.ErrBadField
		}
		w.u16(0xf8)
		w.u8(p.PlayerNumber)
		w.u8(0)
		encodeCDJBody(w, b)
	default:
		return nil, core.ErrUnknownType
	}
	return w.buf, nil
}

func encodeCDJBody(w *writer, b *CDJStatusBody) {
	start := len(w.buf)
	w.u16(b.Activity)
	w.u8(b.LoadedPlayerNumber)
	w.u8(uint8(b.LoadedSlot))
	w.u8(uint8(b.TrackAnalyzeType))
	w.u8(0)
	w.u32(b.TrackID)
	w.u32(b.TrackNumber)
	w.zeros(12) // u5, u6, u7
	w.zeros(4)
	w.zeros(4) // u8
	w.zeros(32)
	w.u16(0x100)
	w.u8(activityByte(b.USBActive))
	w.u8(activityByte(b.SDActive))
	w.u32(uint32(b.USBState))
	w.u32(uint32(b.SDState))
	w.u32(b.LinkAvailable)
	w.u32(uint32(b.PlayState))
	w.cstr(b.Firmware, 4)
	w.zeros(4)
	w.u32(b.TempoMasterCount)
	w.u16(uint16(b.State) | stateAlwaysSet)
	w.u8(0xff) // u9
	w.u8(0)    // play_state2
	w.u32(pitchToWire(b.PhysicalPitch))
	w.u16(b.BPMState)
	w.u16(bpmToWire(b.BPM))
	w.u32(0x7fffffff)
	w.u32(pitchToWire(b.ActualPitch))
	w.u16(0) // play_state3
	w.u8(1)  // u10
	w.u8(0xff)
	w.u32(b.BeatCount)
	if b.CueDistance == CueDistanceUnknown {
		w.u16(0x1ff)
	} else {
		w.u16(uint16(b.CueDistance))
	}
	w.u8(b.Beat)
	w.zeros(15)
	w.u16(0x1000)
	w.zeros(8)
	w.u32(pitchToWire(b.PhysicalPitch2))
	w.u32(pitchToWire(b.ActualPitch2))
	w.u32(b.PacketCount)
	w.u8(b.IsNexus)
	// Pad out to the size the 0xf8 length marker promises.
	if n := cdjBodySize - (len(w.buf) - start); n > 0 {
		w.zeros(n)
	}
}

func activityByte(active bool) uint8 {
	if active {
		return 6
	}
	return 4
}
