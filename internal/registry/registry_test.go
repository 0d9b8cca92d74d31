package registry

import (
	"net"
	"testing"
	"time"

	"github.com/prodjlink/prolink/internal/core"
	"github.com/prodjlink/prolink/internal/protocol"
)

func keepalive(number uint8, ip string) *protocol.Keepalive {
	return &protocol.Keepalive{
		Kind:  protocol.KeepaliveStatus,
		Model: "CDJ-2000nexus",
		Status: &protocol.KeepaliveStatusBody{
			PlayerNumber: number,
			MacAddr:      net.HardwareAddr{0, 1, 2, 3, 4, number},
			IPAddr:       net.ParseIP(ip).To4(),
		},
	}
}

func drain(r *Registry) []Event {
	var out []Event
	for {
		select {
		case e := <-r.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestKeepaliveRegistersPlayer(t *testing.T) {
	r := New(nil)
	r.IngestKeepalive(keepalive(1, "192.168.1.11"))
	p, ok := r.Player(1)
	if !ok {
		t.Fatal("player 1 not registered")
	}
	if p.Model != "CDJ-2000nexus" || !p.IPAddr.Equal(net.ParseIP("192.168.1.11")) {
		t.Errorf("bad player: %+v", p)
	}
	if p.BPM != protocol.BPMUnknown {
		t.Errorf("fresh player bpm = %v, want unknown", p.BPM)
	}
	evs := drain(r)
	if len(evs) != 1 || evs[0].Kind != PlayerSeen || evs[0].PlayerNumber != 1 {
		t.Errorf("unexpected events: %+v", evs)
	}
}

func TestKeepaliveNumberConflict(t *testing.T) {
	r := New(nil)
	r.IngestKeepalive(keepalive(1, "192.168.1.11"))
	drain(r)
	// A different device claiming the same number must not displace the
	// current owner.
	r.IngestKeepalive(keepalive(1, "192.168.1.12"))
	if evs := drain(r); len(evs) != 0 {
		t.Errorf("conflicting keepalive emitted events: %+v", evs)
	}
	p, _ := r.Player(1)
	if !p.IPAddr.Equal(net.ParseIP("192.168.1.11")) {
		t.Errorf("player 1 reassigned to %s", p.IPAddr)
	}
	if len(r.Players()) != 1 {
		t.Errorf("expected 1 player, have %d", len(r.Players()))
	}
}

func TestKeepaliveRenumber(t *testing.T) {
	r := New(nil)
	r.IngestKeepalive(keepalive(1, "192.168.1.11"))
	drain(r)
	r.IngestKeepalive(keepalive(3, "192.168.1.11"))
	if _, ok := r.Player(1); ok {
		t.Error("old number still registered")
	}
	if _, ok := r.Player(3); !ok {
		t.Fatal("new number not registered")
	}
	// Listeners must hear about both the vacated and the taken number.
	seen := map[uint8]bool{}
	for _, e := range drain(r) {
		seen[e.PlayerNumber] = true
	}
	if !seen[1] || !seen[3] {
		t.Errorf("renumber events incomplete: %v", seen)
	}
}

func TestKeepaliveIPVariantRegisters(t *testing.T) {
	r := New(nil)
	// A device still auto-numbering announces through ip packets before
	// its first status-kind keepalive.
	r.IngestKeepalive(&protocol.Keepalive{
		Kind:  protocol.KeepaliveIP,
		Model: "CDJ-2000nexus",
		IP: &protocol.KeepaliveIPBody{
			IPAddr:       net.ParseIP("192.168.1.13").To4(),
			MacAddr:      net.HardwareAddr{0, 1, 2, 3, 4, 13},
			PlayerNumber: 3,
			Assignment:   1,
		},
	})
	p, ok := r.Player(3)
	if !ok {
		t.Fatal("ip keepalive did not register player 3")
	}
	if !p.IPAddr.Equal(net.ParseIP("192.168.1.13")) {
		t.Errorf("bad player: %+v", p)
	}
	evs := drain(r)
	if len(evs) != 1 || evs[0].Kind != PlayerSeen {
		t.Errorf("unexpected events: %+v", evs)
	}
}

func TestKeepaliveChangeRefreshesTTL(t *testing.T) {
	r := New(nil)
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }
	r.IngestKeepalive(keepalive(1, "192.168.1.11"))
	drain(r)

	// A renumbering device announces only change packets for a while;
	// they must keep it alive without touching its number.
	now = now.Add(4 * time.Second)
	r.IngestKeepalive(&protocol.Keepalive{
		Kind:  protocol.KeepaliveChange,
		Model: "CDJ-2000nexus",
		Change: &protocol.KeepaliveChangeBody{
			OldPlayerNumber: 1,
			IPAddr:          net.ParseIP("192.168.1.11").To4(),
		},
	})
	now = now.Add(4 * time.Second)
	r.GC()
	if _, ok := r.Player(1); !ok {
		t.Fatal("renumbering player dropped by gc")
	}
	if evs := drain(r); len(evs) != 0 {
		t.Errorf("change keepalive emitted events: %+v", evs)
	}
}

func cdjStatus(number uint8, b protocol.CDJStatusBody) *protocol.Status {
	return &protocol.Status{
		Kind:         protocol.StatusCDJ,
		Model:        "CDJ-2000nexus",
		PlayerNumber: number,
		CDJ:          &b,
	}
}

func TestBeatIgnoredAfterStatus(t *testing.T) {
	r := New(nil)
	r.IngestKeepalive(keepalive(1, "192.168.1.11"))
	beat := &protocol.Beat{
		Kind:         protocol.BeatBeat,
		Model:        "CDJ-2000nexus",
		PlayerNumber: 1,
		Info:         &protocol.BeatInfoBody{Pitch: 1, BPM: 120, Beat: 1},
	}
	r.IngestBeat(beat)
	if p, _ := r.Player(1); p.BPM != 120 {
		t.Errorf("beat packet not applied before status, bpm = %v", p.BPM)
	}

	r.IngestStatus(cdjStatus(1, protocol.CDJStatusBody{BPM: 128, PhysicalPitch: 1}))
	beat.Info.BPM = 90
	r.IngestBeat(beat)
	if p, _ := r.Player(1); p.BPM != 128 {
		t.Errorf("beat packet overrode status, bpm = %v", p.BPM)
	}
}

func TestBeatIgnoredAfterLinkReply(t *testing.T) {
	r := New(nil)
	r.IngestKeepalive(keepalive(1, "192.168.1.11"))
	// A link reply on the status port already proves the device
	// broadcasts status, so beat packets stop driving its tempo.
	r.IngestStatus(&protocol.Status{
		Kind:         protocol.StatusLinkReply,
		Model:        "CDJ-2000nexus",
		PlayerNumber: 1,
		LinkReply:    &protocol.LinkReplyBody{Slot: core.SlotUSB, Name: "STICK"},
	})
	r.IngestBeat(&protocol.Beat{
		Kind:         protocol.BeatBeat,
		Model:        "CDJ-2000nexus",
		PlayerNumber: 1,
		Info:         &protocol.BeatInfoBody{Pitch: 1, BPM: 90, Beat: 1},
	})
	if p, _ := r.Player(1); p.BPM != protocol.BPMUnknown {
		t.Errorf("beat packet applied after a link reply, bpm = %v", p.BPM)
	}
}

func TestBeatAppliedForCDJ2000(t *testing.T) {
	// The original CDJ-2000 reports no usable tempo in status packets,
	// so beat packets stay authoritative.
	r := New(nil)
	ka := keepalive(1, "192.168.1.11")
	ka.Model = "CDJ-2000"
	r.IngestKeepalive(ka)
	r.IngestStatus(&protocol.Status{
		Kind:         protocol.StatusCDJ,
		Model:        "CDJ-2000",
		PlayerNumber: 1,
		CDJ:          &protocol.CDJStatusBody{BPM: protocol.BPMUnknown},
	})
	r.IngestBeat(&protocol.Beat{
		Kind:         protocol.BeatBeat,
		Model:        "CDJ-2000",
		PlayerNumber: 1,
		Info:         &protocol.BeatInfoBody{Pitch: 1, BPM: 140, Beat: 2},
	})
	if p, _ := r.Player(1); p.BPM != 140 {
		t.Errorf("beat packet ignored for CDJ-2000, bpm = %v", p.BPM)
	}
}

func TestTrackChangeEvent(t *testing.T) {
	r := New(nil)
	r.IngestKeepalive(keepalive(1, "192.168.1.11"))
	drain(r)
	r.IngestStatus(cdjStatus(1, protocol.CDJStatusBody{
		LoadedPlayerNumber: 2,
		LoadedSlot:         core.SlotUSB,
		TrackAnalyzeType:   protocol.TrackRekordbox,
		TrackID:            42,
	}))
	var tc *Event
	for _, e := range drain(r) {
		if e.Kind == TrackChanged {
			e := e
			tc = &e
		}
	}
	if tc == nil {
		t.Fatal("no TrackChanged event")
	}
	if tc.LoadedPlayerNumber != 2 || tc.LoadedSlot != core.SlotUSB || tc.TrackID != 42 {
		t.Errorf("bad track event: %+v", tc)
	}
}

func TestMediaChangeEvent(t *testing.T) {
	r := New(nil)
	r.IngestKeepalive(keepalive(1, "192.168.1.11"))
	drain(r)
	r.IngestStatus(cdjStatus(1, protocol.CDJStatusBody{
		USBState: protocol.StorageLoaded,
		SDState:  protocol.StorageNotLoaded,
	}))
	var media []Event
	for _, e := range drain(r) {
		if e.Kind == MediaChanged {
			media = append(media, e)
		}
	}
	// Both slots change relative to the zero value; only USB matters
	// here.
	found := false
	for _, e := range media {
		if e.Slot == core.SlotUSB {
			found = true
		}
	}
	if !found {
		t.Errorf("no usb MediaChanged event: %+v", media)
	}
}

func fixedGrid() BeatgridLookup {
	grid := make(core.Beatgrid, 32)
	for i := range grid {
		grid[i] = core.Beat{
			Number: uint16(i%4 + 1),
			BPM100: 12800,
			Time:   uint32(i) * 523, // ms
		}
	}
	return func(uint8, core.PlayerSlot, uint32) (core.Beatgrid, bool) {
		return grid, true
	}
}

// loadTrack delivers the status packet announcing a freshly loaded
// track. Loading resets the position, so tests pin it with a later
// packet.
func loadTrack(r *Registry, number uint8, trackID uint32) {
	r.IngestStatus(cdjStatus(number, protocol.CDJStatusBody{TrackID: trackID}))
}

func TestPositionFromBeatgrid(t *testing.T) {
	r := New(fixedGrid())
	r.IngestKeepalive(keepalive(1, "192.168.1.11"))
	loadTrack(r, 1, 42)
	drain(r)
	// The announced beat count is one past the playing beat: count 11
	// means grid entry 10.
	r.IngestStatus(cdjStatus(1, protocol.CDJStatusBody{
		TrackID:   42,
		PlayState: core.PlayStatePlaying,
		BeatCount: 11,
	}))
	p, _ := r.Player(1)
	pos, ok := p.Position()
	if !ok {
		t.Fatal("position unknown")
	}
	if want := 5.230; pos != want {
		t.Errorf("position = %v, want %v", pos, want)
	}
	changed := 0
	for _, e := range drain(r) {
		if e.Kind == PlayerChanged {
			changed++
		}
	}
	if changed != 1 {
		t.Errorf("position update emitted %d changed events, want 1", changed)
	}
}

func TestPositionUnknownWithoutBeatgrid(t *testing.T) {
	r := New(nil)
	r.IngestKeepalive(keepalive(1, "192.168.1.11"))
	r.IngestStatus(cdjStatus(1, protocol.CDJStatusBody{
		TrackID:   42,
		PlayState: core.PlayStatePlaying,
		BeatCount: 11,
	}))
	p, _ := r.Player(1)
	if _, ok := p.Position(); ok {
		t.Error("position reported without a beatgrid")
	}
}

func TestPositionAdvancesByPitch(t *testing.T) {
	r := New(fixedGrid())
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }
	r.IngestKeepalive(keepalive(1, "192.168.1.11"))
	loadTrack(r, 1, 42)
	r.IngestStatus(cdjStatus(1, protocol.CDJStatusBody{
		TrackID:       42,
		PlayState:     core.PlayStatePlaying,
		BeatCount:     11,
		ActualPitch:   1.5,
		PhysicalPitch: 1.5,
	}))
	now = now.Add(2 * time.Second)
	// Same beat count and play state: interpolate instead of pinning.
	r.IngestStatus(cdjStatus(1, protocol.CDJStatusBody{
		TrackID:       42,
		PlayState:     core.PlayStatePlaying,
		BeatCount:     11,
		ActualPitch:   1.5,
		PhysicalPitch: 1.5,
	}))
	p, _ := r.Player(1)
	pos, ok := p.Position()
	if !ok {
		t.Fatal("position unknown")
	}
	if want := 5.230 + 2*1.5; pos != want {
		t.Errorf("position = %v, want %v", pos, want)
	}
}

func TestCueTransitionKeepsPosition(t *testing.T) {
	r := New(fixedGrid())
	r.IngestKeepalive(keepalive(1, "192.168.1.11"))
	loadTrack(r, 1, 42)
	r.IngestStatus(cdjStatus(1, protocol.CDJStatusBody{
		TrackID:   42,
		PlayState: core.PlayStateCued,
		BeatCount: 11,
	}))
	p, _ := r.Player(1)
	before, _ := p.Position()
	// The beat count sent along the cued to cueing transition refers to
	// the old position and must not move the playhead.
	r.IngestStatus(cdjStatus(1, protocol.CDJStatusBody{
		TrackID:   42,
		PlayState: core.PlayStateCueing,
		BeatCount: 13,
	}))
	p, _ = r.Player(1)
	after, _ := p.Position()
	if before != after {
		t.Errorf("position moved on cue transition: %v -> %v", before, after)
	}
}

func TestGC(t *testing.T) {
	r := New(nil)
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }
	r.IngestKeepalive(keepalive(1, "192.168.1.11"))
	r.IngestKeepalive(keepalive(2, "192.168.1.12"))
	drain(r)

	now = now.Add(3 * time.Second)
	r.IngestKeepalive(keepalive(2, "192.168.1.12"))
	now = now.Add(3 * time.Second)
	r.GC()

	if _, ok := r.Player(1); ok {
		t.Error("expired player 1 still present")
	}
	if _, ok := r.Player(2); !ok {
		t.Error("live player 2 dropped")
	}
	evs := drain(r)
	if len(evs) != 1 || evs[0].Kind != PlayerGone || evs[0].PlayerNumber != 1 {
		t.Errorf("unexpected gc events: %+v", evs)
	}
}
