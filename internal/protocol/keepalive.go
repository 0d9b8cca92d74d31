package protocol

import (
	"net"

	"github.com/prodjlink/prolink/internal/core"
)

// KeepaliveKind selects the variant of a keepalive packet. The wire values
// pair with a fixed subtype byte each; both are written on encode but only
// the type byte selects the variant on decode.
type KeepaliveKind uint8

const (
	KeepaliveHello  KeepaliveKind = 0x0a // request for a player number proposal
	KeepaliveNumber KeepaliveKind = 0x04 // proposing a player number, iterations 1..3
	KeepaliveMac    KeepaliveKind = 0x00 // publishing the mac address
	KeepaliveIP     KeepaliveKind = 0x02 // publishing ip + mac
	KeepaliveStatus KeepaliveKind = 0x06 // the standard periodic keepalive
	KeepaliveChange KeepaliveKind = 0x08 // announcing a player number change
)

func (k KeepaliveKind) subtype() uint8 {
	switch k {
	case KeepaliveHello:
		return 0x25
	case KeepaliveNumber:
		return 0x26
	case KeepaliveMac:
		return 0x2c
	case KeepaliveIP:
		return 0x32
	case KeepaliveStatus:
		return 0x36
	case KeepaliveChange:
		return 0x29
	}
	return 0
}

// Keepalive is a decoded packet from UDP port 50000. Exactly one variant
// pointer matching Kind is non-nil.
type Keepalive struct {
	Kind       KeepaliveKind
	Model      string
	DeviceType DeviceType

	Hello  *KeepaliveHelloBody
	Number *KeepaliveNumberBody
	Mac    *KeepaliveMacBody
	IP     *KeepaliveIPBody
	Status *KeepaliveStatusBody
	Change *KeepaliveChangeBody
}

type KeepaliveHelloBody struct {
	U2 uint8 // cdjs send 1, the djm900nxs sends 3
}

type KeepaliveNumberBody struct {
	ProposedPlayerNumber uint8
	Iteration            uint8
}

type KeepaliveMacBody struct {
	Iteration uint8
	Flags     uint8
	MacAddr   net.HardwareAddr
}

type KeepaliveIPBody struct {
	IPAddr       net.IP
	MacAddr      net.HardwareAddr
	PlayerNumber uint8
	Iteration    uint8
	Flags        uint8
	Assignment   uint8 // 1 auto, 2 manual
}

type KeepaliveStatusBody struct {
	PlayerNumber uint8
	U2           uint8
	MacAddr      net.HardwareAddr
	IPAddr       net.IP
	DeviceCount  uint8
	Flags        uint8
	U4           uint8
}

type KeepaliveChangeBody struct {
	OldPlayerNumber uint8
	IPAddr          net.IP
}

func ip4(b []byte) net.IP {
	return net.IPv4(b[0], b[1], b[2], b[3]).To4()
}

// DecodeKeepalive parses a packet received on UDP port 50000.
func DecodeKeepalive(buf []byte) (*Keepalive, error) {
	r := &reader{buf: buf}
	if err := checkMagic(r); err != nil {
		return nil, err
	}
	p := &Keepalive{Kind: KeepaliveKind(r.u8())}
	r.skip(1)
	p.Model = r.cstr(20)
	r.skip(1) // always 1
	p.DeviceType = DeviceType(r.u8())
	r.skip(2) // padding + subtype

	switch p.Kind {
	case KeepaliveHello:
		p.Hello = &KeepaliveHelloBody{U2: r.u8()}
	case KeepaliveNumber:
		p.Number = &KeepaliveNumberBody{
			ProposedPlayerNumber: r.u8(),
			Iteration:            r.u8(),
		}
	case KeepaliveMac:
		b := &KeepaliveMacBody{Iteration: r.u8(), Flags: r.u8()}
		if m := r.bytes(6); m != nil {
			b.MacAddr = net.HardwareAddr(append([]byte(nil), m...))
		}
		p.Mac = b
	case KeepaliveIP:
		b := &KeepaliveIPBody{}
		if v := r.bytes(4); v != nil {
			b.IPAddr = ip4(v)
		}
		if m := r.bytes(6); m != nil {
			b.MacAddr = net.HardwareAddr(append([]byte(nil), m...))
		}
		b.PlayerNumber = r.u8()
		b.Iteration = r.u8()
		b.Flags = r.u8()
		b.Assignment = r.u8()
		p.IP = b
	case KeepaliveStatus:
		b := &KeepaliveStatusBody{PlayerNumber: r.u8(), U2: r.u8()}
		if m := r.bytes(6); m != nil {
			b.MacAddr = net.HardwareAddr(append([]byte(nil), m...))
		}
		if v := r.bytes(4); v != nil {
			b.IPAddr = ip4(v)
		}
		b.DeviceCount = r.u8()
		r.skip(3)
		b.Flags = r.u8()
		b.U4 = r.u8()
		p.Status = b
	case KeepaliveChange:
		b := &KeepaliveChangeBody{OldPlayerNumber: r.u8()}
		if v := r.bytes(4); v != nil {
			b.IPAddr = ip4(v)
		}
		p.Change = b
	default:
		return nil, core.ErrUnknownType
	}
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// Encode serializes the keepalive. The variant matching Kind must be set.
func (p *Keepalive) Encode() ([]byte, error) {
	w := &writer{}
	w.bytes([]byte(Magic))
	w.u8(uint8(p.Kind))
	w.u8(0)
	w.cstr(p.Model, 20)
	w.u8(1)
	dt := p.DeviceType
	if dt == 0 {
		dt = DeviceCDJ
	}
	w.u8(uint8(dt))
	w.u8(0)
	w.u8(p.Kind.subtype())

	switch p.Kind {
	case KeepaliveHello:
		if p.Hello == nil {
			return nil, core.ErrBadField
		}
		w.u8(p.Hello.U2)
	case KeepaliveNumber:
		if p.Number == nil {
			return nil, core.ErrBadField
		}
		w.u8(p.Number.ProposedPlayerNumber)
		w.u8(p.Number.Iteration)
	case KeepaliveMac:
		if p.Mac == nil || len(p.Mac.MacAddr) != 6 {
			return nil, core.ErrBadField
		}
		w.u8(p.Mac.Iteration)
		w.u8(p.Mac.Flags)
		w.bytes(p.Mac.MacAddr)
	case KeepaliveIP:
		b := p.IP
		if b == nil || len(b.IPAddr.To4()) != 4 || len(b.MacAddr) != 6 {
			return nil, core.ErrBadField
		}
		w.bytes(b.IPAddr.To4())
		w.bytes(b.MacAddr)
		w.u8(b.PlayerNumber)
		w.u8(b.Iteration)
		w.u8(b.Flags)
		w.u8(b.Assignment)
	case KeepaliveStatus:
		b := p.Status
		if b == nil || len(b.IPAddr.To4()) != 4 || len(b.MacAddr) != 6 {
			return nil, core.ErrBadField
		}
		w.u8(b.PlayerNumber)
		w.u8(b.U2)
		w.bytes(b.MacAddr)
		w.bytes(b.IPAddr.To4())
		w.u8(b.DeviceCount)
		w.zeros(3)
		w.u8(b.Flags)
		w.u8(b.U4)
	case KeepaliveChange:
		b := p.Change
		if b == nil || len(b.IPAddr.To4()) != 4 {
			return nil, core.ErrBadField
		}
		w.u8(b.OldPlayerNumber)
		w.bytes(b.IPAddr.To4())
	default:
		return nil, core.ErrUnknownType
	}
	return w.buf, nil
}
