package vcdj

import (
	"net"
	"sync"
	"testing"

	"github.com/prodjlink/prolink/internal/core"
	"github.com/prodjlink/prolink/internal/protocol"
	"github.com/prodjlink/prolink/internal/registry"
)

type sentPacket struct {
	sock string
	buf  []byte
	addr *net.UDPAddr
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentPacket
}

func (f *fakeSender) record(sock string, buf []byte, addr *net.UDPAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPacket{sock, append([]byte(nil), buf...), addr})
	return nil
}

func (f *fakeSender) SendKeepalive(buf []byte, addr *net.UDPAddr) error {
	return f.record("keepalive", buf, addr)
}

func (f *fakeSender) SendBeat(buf []byte, addr *net.UDPAddr) error {
	return f.record("beat", buf, addr)
}

func (f *fakeSender) SendStatus(buf []byte, addr *net.UDPAddr) error {
	return f.record("status", buf, addr)
}

func (f *fakeSender) last(t *testing.T) sentPacket {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no packet sent")
	}
	return f.sent[len(f.sent)-1]
}

type fakePlayers map[uint8]registry.Player

func (f fakePlayers) Player(number uint8) (registry.Player, bool) {
	p, ok := f[number]
	return p, ok
}

func newTestVCDJ() (*VCDJ, *fakeSender) {
	sender := &fakeSender{}
	players := fakePlayers{
		2: {PlayerNumber: 2, IPAddr: net.IPv4(10, 0, 0, 2).To4()},
	}
	v := New(sender, players)
	v.SetInterface(
		net.IPv4(10, 0, 0, 17),
		net.IPv4Mask(255, 255, 255, 0),
		net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0x00, 0x17},
	)
	return v, sender
}

func TestAnnounce(t *testing.T) {
	v, sender := newTestVCDJ()
	if err := v.Announce(); err != nil {
		t.Fatalf("Announce: %s", err)
	}
	got := sender.last(t)
	if got.sock != "keepalive" {
		t.Errorf("sent on %s socket, expected keepalive", got.sock)
	}
	if want := "10.0.0.255"; got.addr.IP.String() != want || got.addr.Port != protocol.PortKeepalive {
		t.Errorf("sent to %v, expected %s:%d", got.addr, want, protocol.PortKeepalive)
	}
	pkt, err := protocol.DecodeKeepalive(got.buf)
	if err != nil {
		t.Fatalf("decoding announcement: %s", err)
	}
	if pkt.Kind != protocol.KeepaliveStatus || pkt.Status == nil {
		t.Fatalf("announced kind %#x, expected status", pkt.Kind)
	}
	if pkt.Status.PlayerNumber != DefaultPlayerNumber {
		t.Errorf("announced player %d, expected %d", pkt.Status.PlayerNumber, DefaultPlayerNumber)
	}
	if pkt.Model != "Virtual CDJ" {
		t.Errorf("announced model %q", pkt.Model)
	}
	if !pkt.Status.IPAddr.Equal(net.IPv4(10, 0, 0, 17)) {
		t.Errorf("announced ip %v", pkt.Status.IPAddr)
	}
}

func TestAnnounceWithoutInterface(t *testing.T) {
	sender := &fakeSender{}
	v := New(sender, fakePlayers{})
	if err := v.Announce(); err != nil {
		t.Fatalf("Announce: %s", err)
	}
	if len(sender.sent) != 0 {
		t.Errorf("sent %d packets without interface data", len(sender.sent))
	}
}

func TestQueryLinkInfo(t *testing.T) {
	v, sender := newTestVCDJ()
	if err := v.QueryLinkInfo(2, core.SlotUSB); err != nil {
		t.Fatalf("QueryLinkInfo: %s", err)
	}
	got := sender.last(t)
	if got.sock != "status" {
		t.Errorf("sent on %s socket, expected status", got.sock)
	}
	if want := "10.0.0.2"; got.addr.IP.String() != want || got.addr.Port != protocol.PortStatus {
		t.Errorf("sent to %v, expected %s:%d", got.addr, want, protocol.PortStatus)
	}
	pkt, err := protocol.DecodeStatus(got.buf)
	if err != nil {
		t.Fatalf("decoding query: %s", err)
	}
	if pkt.Kind != protocol.StatusLinkQuery || pkt.LinkQuery == nil {
		t.Fatalf("sent kind %#x, expected link query", pkt.Kind)
	}
	q := pkt.LinkQuery
	if q.RemotePlayerNumber != 2 || q.Slot != core.SlotUSB {
		t.Errorf("query names player %d slot %s", q.RemotePlayerNumber, q.Slot)
	}
	if !q.SourceIP.Equal(net.IPv4(10, 0, 0, 17)) {
		t.Errorf("query source ip %v", q.SourceIP)
	}
}

func TestQueryLinkInfoUnknownPlayer(t *testing.T) {
	v, sender := newTestVCDJ()
	if err := v.QueryLinkInfo(3, core.SlotUSB); err != core.ErrNoSuchPlayer {
		t.Fatalf("QueryLinkInfo: %s, expected ErrNoSuchPlayer", err)
	}
	if len(sender.sent) != 0 {
		t.Errorf("sent %d packets for unknown player", len(sender.sent))
	}
}

func TestLoadTrack(t *testing.T) {
	v, sender := newTestVCDJ()
	if err := v.LoadTrack(2, 3, core.SlotSD, 842); err != nil {
		t.Fatalf("LoadTrack: %s", err)
	}
	got := sender.last(t)
	pkt, err := protocol.DecodeStatus(got.buf)
	if err != nil {
		t.Fatalf("decoding command: %s", err)
	}
	if pkt.Kind != protocol.StatusLoadCmd || pkt.LoadCmd == nil {
		t.Fatalf("sent kind %#x, expected load command", pkt.Kind)
	}
	if pkt.PlayerNumber != DefaultPlayerNumber {
		t.Errorf("command from player %d, expected %d", pkt.PlayerNumber, DefaultPlayerNumber)
	}
	b := pkt.LoadCmd
	if b.LoadPlayerNumber != 3 || b.LoadSlot != core.SlotSD || b.LoadTrackID != 842 {
		t.Errorf("command loads track %d from player %d %s", b.LoadTrackID, b.LoadPlayerNumber, b.LoadSlot)
	}
}

func TestFaderStartSingle(t *testing.T) {
	v, sender := newTestVCDJ()
	if err := v.FaderStartSingle(3, true); err != nil {
		t.Fatalf("FaderStartSingle: %s", err)
	}
	got := sender.last(t)
	if got.sock != "beat" {
		t.Errorf("sent on %s socket, expected beat", got.sock)
	}
	if got.addr.Port != protocol.PortBeat {
		t.Errorf("sent to port %d, expected %d", got.addr.Port, protocol.PortBeat)
	}
	pkt, err := protocol.DecodeBeat(got.buf)
	if err != nil {
		t.Fatalf("decoding fader start: %s", err)
	}
	if pkt.Kind != protocol.BeatFaderStart || pkt.FaderStart == nil {
		t.Fatalf("sent kind %#x, expected fader start", pkt.Kind)
	}
	want := [4]protocol.FaderStartCommand{
		protocol.FaderIgnore, protocol.FaderIgnore,
		protocol.FaderStart, protocol.FaderIgnore,
	}
	if pkt.FaderStart.Commands != want {
		t.Errorf("commands %v, expected %v", pkt.FaderStart.Commands, want)
	}

	if err := v.FaderStartSingle(0, true); err != core.ErrInvalidRequest {
		t.Errorf("FaderStartSingle(0): %s, expected ErrInvalidRequest", err)
	}
}
