package protocol

import "github.com/prodjlink/prolink/internal/core"

// BeatKind selects the variant of a beat packet.
type BeatKind uint8

const (
	BeatBeat             BeatKind = 0x28 // the standard beat info packet
	BeatAbsolutePosition BeatKind = 0x0b // precise playhead, CDJ-3000 only
	BeatMixer            BeatKind = 0x03 // mixer on-air channel bitmap
	BeatMixerHello       BeatKind = 0x04 // unknown djm900nxs2 packet
	BeatFaderStart       BeatKind = 0x02 // start/stop players via fader
)

func (k BeatKind) subtype() uint8 {
	switch k {
	case BeatBeat:
		return 0x3c
	case BeatMixer:
		return 0x09
	case BeatMixerHello:
		return 0x40
	case BeatFaderStart:
		return 0x04
	}
	return 0
}

// FaderStartCommand is the per-channel command in a fader start packet.
type FaderStartCommand uint8

const (
	FaderStart  FaderStartCommand = 0
	FaderStop   FaderStartCommand = 1
	FaderIgnore FaderStartCommand = 2
)

// Beat is a decoded packet from UDP port 50001. Exactly one variant
// pointer matching Kind is non-nil.
type Beat struct {
	Kind         BeatKind
	Model        string
	PlayerNumber uint8

	Info       *BeatInfoBody
	Position   *BeatPositionBody
	Mixer      *BeatMixerBody
	FaderStart *BeatFaderStartBody
}

// BeatInfoBody carries the millisecond distances to the upcoming beats
// and the current tempo.
type BeatInfoBody struct {
	// Distances to the next beat, 2nd next beat, next bar, 4th beat, 2nd
	// bar and 8th beat, each in ms.
	NextBeat, SecondBeat, NextBar, FourthBeat, SecondBar, EighthBeat uint32

	Pitch float64
	BPM   float64
	// Beat is the beat within the measure, 1..4.
	Beat          uint8
	PlayerNumber2 uint8
}

// BeatPositionBody is the CDJ-3000 absolute position payload.
type BeatPositionBody struct {
	TrackLen uint32 // seconds, rounded
	Playhead uint32 // ms
	Pitch    uint32 // pitch * 100
	BPM      uint32 // bpm * 10
}

// BeatMixerBody is the 4-channel on-air bitmap broadcast by nxs mixers.
type BeatMixerBody struct {
	ChannelsOnAir [4]uint8
}

type BeatFaderStartBody struct {
	Commands [4]FaderStartCommand
}

// DecodeBeat parses a packet received on UDP port 50001.
func DecodeBeat(buf []byte) (*Beat, error) {
	r := &reader{buf: buf}
	if err := checkMagic(r); err != nil {
		return nil, err
	}
	p := &Beat{Kind: BeatKind(r.u8())}
	p.Model = r.cstr(20)
	r.skip(2) // u1, 256 for cdjs
	p.PlayerNumber = r.u8()
	r.skip(2) // zero + subtype

	switch p.Kind {
	case BeatBeat:
		b := &BeatInfoBody{
			NextBeat:   r.u32(),
			SecondBeat: r.u32(),
			NextBar:    r.u32(),
			FourthBeat: r.u32(),
			SecondBar:  r.u32(),
			EighthBeat: r.u32(),
		}
		r.skip(24)
		b.Pitch = pitchFromWire(r.u32())
		r.skip(2) // always 0 except when scratching
		b.BPM = bpmFromWire(r.u16())
		b.Beat = r.u8()
		r.skip(2)
		b.PlayerNumber2 = r.u8()
		p.Info = b
	case BeatAbsolutePosition:
		b := &BeatPositionBody{
			TrackLen: r.u32(),
			Playhead: r.u32(),
			Pitch:    r.u32(),
		}
		r.skip(8)
		b.BPM = r.u32()
		p.Position = b
	case BeatMixer:
		b := &BeatMixerBody{}
		for i := range b.ChannelsOnAir {
			b.ChannelsOnAir[i] = r.u8()
		}
		p.Mixer = b
	case BeatMixerHello:
		r.skip(2)
	case BeatFaderStart:
		b := &BeatFaderStartBody{}
		for i := range b.Commands {
			b.Commands[i] = FaderStartCommand(r.u8())
		}
		p.FaderStart = b
	default:
		return nil, core.ErrUnknownType
	}
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// Encode serializes the beat packet. The variant matching Kind must be
// set, except for BeatMixerHello which carries no decoded payload.
func (p *Beat) Encode() ([]byte, error) {
	w := &writer{}
	w.bytes([]byte(Magic))
	w.u8(uint8(p.Kind))
	w.cstr(p.Model, 20)
	w.u16(256)
	w.u8(p.PlayerNumber)
	w.u8(0)
	w.u8(p.Kind.subtype())

	switch p.Kind {
	case BeatBeat:
		b := p.Info
		if b == nil {
			return nil, core.ErrBadField
		}
		w.u32(b.NextBeat)
		w.u32(b.SecondBeat)
		w.u32(b.NextBar)
		w.u32(b.FourthBeat)
		w.u32(b.SecondBar)
		w.u32(b.EighthBeat)
		w.zeros(24)
		w.u32(pitchToWire(b.Pitch))
		w.zeros(2)
		w.u16(bpmToWire(b.BPM))
		w.u8(b.Beat)
		w.zeros(2)
		w.u8(b.PlayerNumber2)
	case BeatAbsolutePosition:
		b := p.Position
		if b == nil {
			return nil, core.ErrBadField
		}
		w.u32(b.TrackLen)
		w.u32(b.Playhead)
		w.u32(b.Pitch)
		w.zeros(8)
		w.u32(b.BPM)
	case BeatMixer:
		if p.Mixer == nil {
			return nil, core.ErrBadField
		}
		w.bytes(p.Mixer.ChannelsOnAir[:])
	case BeatMixerHello:
		w.zeros(2)
	case BeatFaderStart:
		if p.FaderStart == nil {
			return nil, core.ErrBadField
		}
		for _, c := range p.FaderStart.Commands {
			w.u8(uint8(c))
		}
	default:
		return nil, core.ErrUnknownType
	}
	return w.buf, nil
}
