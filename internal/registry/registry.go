// Package registry tracks the devices present on a ProDJ Link network.
//
// The registry is fed decoded keepalive, beat and status packets and
// maintains one Player per device: identity from keepalives, tempo and
// play state from status packets, with beat packets as a fallback for
// devices that do not broadcast status. Devices expire five seconds
// after their last keepalive.
//
// State changes are published on an event channel owned by the caller
// of Events; accessors return copies so callers never share memory with
// the ingest path.
package registry

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/prodjlink/prolink/internal/core"
	"github.com/prodjlink/prolink/internal/protocol"
)

// EventKind classifies registry events.
type EventKind int

const (
	// PlayerSeen fires when a device appears or takes over a player
	// number.
	PlayerSeen EventKind = iota
	// PlayerChanged fires when tempo, play state or loaded track change.
	PlayerChanged
	// PlayerGone fires when a device expires.
	PlayerGone
	// TrackChanged fires when a player loads a different track. The
	// event carries the track location.
	TrackChanged
	// MediaChanged fires when media is inserted or removed from a slot.
	MediaChanged
)

func (k EventKind) String() string {
	switch k {
	case PlayerSeen:
		return "player_seen"
	case PlayerChanged:
		return "player_changed"
	case PlayerGone:
		return "player_gone"
	case TrackChanged:
		return "track_changed"
	case MediaChanged:
		return "media_changed"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one registry state change.
type Event struct {
	Kind         EventKind
	PlayerNumber uint8

	// Slot is set for MediaChanged.
	Slot core.PlayerSlot

	// Track location, set for TrackChanged.
	LoadedPlayerNumber uint8
	LoadedSlot         core.PlayerSlot
	TrackID            uint32
	TrackAnalyzeType   protocol.TrackAnalyzeType
}

// MediaInfo is the storage slot summary learned from link replies.
type MediaInfo struct {
	Name          string
	Date          string
	TrackCount    uint32
	PlaylistCount uint32
	BytesTotal    uint64
	BytesFree     uint64
}

// Player is a snapshot of one tracked device.
type Player struct {
	Model        string
	Firmware     string
	IPAddr       net.IP
	MacAddr      net.HardwareAddr
	PlayerNumber uint8
	Kind         protocol.StatusKind // StatusCDJ or StatusDJM, zero before first status

	BPM         float64 // protocol.BPMUnknown when not known
	Pitch       float64
	ActualPitch float64
	Beat        uint8
	BeatCount   uint32
	CueDistance int32
	PlayState   core.PlayState
	State       protocol.StateFlags
	OnAir       bool

	USBState protocol.StorageState
	SDState  protocol.StorageState
	USBInfo  *MediaInfo
	SDInfo   *MediaInfo

	LoadedPlayerNumber uint8
	LoadedSlot         core.PlayerSlot
	TrackAnalyzeType   protocol.TrackAnalyzeType
	TrackNumber        uint32
	TrackID            uint32

	// Metadata is the loaded track's description once the data layer
	// has resolved it.
	Metadata *core.TrackMetadata

	position     float64
	positionOK   bool
	positionTime time.Time

	statusReceived bool
	lastSeen       time.Time
}

// Position returns the playhead in seconds from track start. ok is false
// when no beatgrid is available for the loaded track, which is distinct
// from a known position of zero.
func (p *Player) Position() (float64, bool) {
	return p.position, p.positionOK
}

// TTL is how long a device stays tracked without keepalives.
const TTL = 5 * time.Second

// BeatgridLookup resolves the beatgrid of a track if one is already
// known. Position tracking degrades to "unknown" without one.
type BeatgridLookup func(playerNumber uint8, slot core.PlayerSlot, trackID uint32) (core.Beatgrid, bool)

// Registry tracks all devices on the network.
type Registry struct {
	mu      sync.Mutex
	players []*Player
	grids   BeatgridLookup
	events  chan Event
	dropped int
	now     func() time.Time
}

// New creates a registry. lookup may be nil, disabling position
// tracking.
func New(lookup BeatgridLookup) *Registry {
	return &Registry{
		grids:  lookup,
		events: make(chan Event, 64),
		now:    time.Now,
	}
}

// Events returns the channel state changes are published on. The caller
// owns draining it; events are dropped, not blocked on, when the caller
// falls behind.
func (r *Registry) Events() <-chan Event {
	return r.events
}

func (r *Registry) emit(e Event) {
	select {
	case r.events <- e:
	default:
		r.dropped++
		if r.dropped%100 == 1 {
			log.Warningf("event channel full, dropped %d events so far", r.dropped)
		}
	}
}

// Player returns a snapshot of the device using the given player number.
func (r *Registry) Player(number uint8) (Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.byNumber(number); p != nil {
		return r.snapshot(p), true
	}
	return Player{}, false
}

// Players returns snapshots of all tracked devices ordered by player
// number.
func (r *Registry) Players() []Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, r.snapshot(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerNumber < out[j].PlayerNumber })
	return out
}

// IPs returns the addresses of all tracked devices.
func (r *Registry) IPs() []net.IP {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]net.IP, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, p.IPAddr)
	}
	return out
}

func (r *Registry) snapshot(p *Player) Player {
	c := *p
	if p.USBInfo != nil {
		v := *p.USBInfo
		c.USBInfo = &v
	}
	if p.SDInfo != nil {
		v := *p.SDInfo
		c.SDInfo = &v
	}
	return c
}

func (r *Registry) byNumber(number uint8) *Player {
	for _, p := range r.players {
		if p.PlayerNumber == number {
			return p
		}
	}
	return nil
}

func (r *Registry) byIP(ip net.IP) *Player {
	for _, p := range r.players {
		if p.IPAddr.Equal(ip) {
			return p
		}
	}
	return nil
}

// IngestKeepalive registers the sender or refreshes its TTL. The status
// and ip variants both carry the full identity and register the device;
// the change variant, sent while a device renumbers itself, only
// refreshes the TTL. A keepalive claiming a player number already used
// by a different address is ignored; the number stays with its current
// owner until that expires.
func (r *Registry) IngestKeepalive(pkt *protocol.Keepalive) {
	var ip net.IP
	var mac net.HardwareAddr
	var number uint8
	switch {
	case pkt.Kind == protocol.KeepaliveStatus && pkt.Status != nil:
		ip, mac, number = pkt.Status.IPAddr, pkt.Status.MacAddr, pkt.Status.PlayerNumber
	case pkt.Kind == protocol.KeepaliveIP && pkt.IP != nil:
		ip, mac, number = pkt.IP.IPAddr, pkt.IP.MacAddr, pkt.IP.PlayerNumber
	case pkt.Kind == protocol.KeepaliveChange && pkt.Change != nil:
		r.mu.Lock()
		defer r.mu.Unlock()
		if p := r.byIP(pkt.Change.IPAddr); p != nil {
			p.lastSeen = r.now()
		}
		return
	default:
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.byIP(ip)
	if p == nil {
		if other := r.byNumber(number); other != nil {
			log.Warningf("new player %d (%s) conflicts with %s, ignoring keepalive",
				number, ip, other.IPAddr)
			return
		}
		p = &Player{
			Model:        pkt.Model,
			IPAddr:       ip,
			MacAddr:      mac,
			PlayerNumber: number,
			BPM:          protocol.BPMUnknown,
			Pitch:        1,
			ActualPitch:  1,
			CueDistance:  protocol.CueDistanceUnknown,
			USBState:     protocol.StorageNotLoaded,
			SDState:      protocol.StorageNotLoaded,
		}
		r.players = append(r.players, p)
		log.Infof("new player %d: %s, %s, %s", p.PlayerNumber, p.Model, p.IPAddr, p.MacAddr)
		r.emit(Event{Kind: PlayerSeen, PlayerNumber: p.PlayerNumber})
	} else if p.PlayerNumber != number {
		log.Infof("player %s changed number from %d to %d", p.IPAddr, p.PlayerNumber, number)
		old := p.PlayerNumber
		p.PlayerNumber = number
		r.emit(Event{Kind: PlayerSeen, PlayerNumber: old})
		r.emit(Event{Kind: PlayerChanged, PlayerNumber: old})
		r.emit(Event{Kind: PlayerSeen, PlayerNumber: number})
		r.emit(Event{Kind: PlayerChanged, PlayerNumber: number})
	}
	p.lastSeen = r.now()
}

// IngestBeat updates tempo from a beat packet. Beat packets only count
// for devices that never sent a status packet, except the original
// CDJ-2000 whose status packets carry no usable tempo.
func (r *Registry) IngestBeat(pkt *protocol.Beat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.byNumber(pkt.PlayerNumber)
	if p == nil {
		return
	}
	p.lastSeen = r.now()
	changed := false
	switch {
	case pkt.Kind == protocol.BeatMixer && pkt.Mixer != nil:
		for ch, v := range pkt.Mixer.ChannelsOnAir {
			if q := r.byNumber(uint8(ch + 1)); q != nil {
				onAir := v == 1
				if q.OnAir != onAir {
					q.OnAir = onAir
					r.emit(Event{Kind: PlayerChanged, PlayerNumber: q.PlayerNumber})
				}
			}
		}
		return
	case pkt.Kind == protocol.BeatBeat && pkt.Info != nil &&
		(!p.statusReceived || p.Model == "CDJ-2000"):
		b := pkt.Info
		if p.ActualPitch != b.Pitch {
			p.ActualPitch = b.Pitch
			changed = true
		}
		if p.BPM != b.BPM {
			p.BPM = b.BPM
			changed = true
		}
		if p.Beat != b.Beat {
			p.Beat = b.Beat
			changed = true
		}
	}
	if changed {
		r.emit(Event{Kind: PlayerChanged, PlayerNumber: p.PlayerNumber})
	}
}

// IngestStatus updates the full play state from a status packet. CDJ,
// DJM and link reply packets are interpreted; other kinds are ignored.
func (r *Registry) IngestStatus(pkt *protocol.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.byNumber(pkt.PlayerNumber)
	if p == nil {
		return
	}
	// Any packet on the status port proves the device broadcasts status,
	// so beat packets stop driving its tempo from here on.
	p.statusReceived = true
	switch pkt.Kind {
	case protocol.StatusLinkReply:
		r.ingestLinkReply(p, pkt.LinkReply)
		return
	case protocol.StatusCDJ, protocol.StatusDJM:
	default:
		log.V(1).Infof("ignoring status kind %#x from player %d", uint8(pkt.Kind), pkt.PlayerNumber)
		return
	}
	p.Kind = pkt.Kind
	changed := false

	var bpm, pitch float64
	var beat uint8
	var state protocol.StateFlags
	if pkt.Kind == protocol.StatusDJM {
		b := pkt.DJM
		if b == nil {
			return
		}
		bpm, pitch, beat, state = b.BPM, b.PhysicalPitch, b.Beat, b.State
	} else {
		b := pkt.CDJ
		if b == nil {
			return
		}
		bpm, pitch, beat, state = b.BPM, b.PhysicalPitch, b.Beat, b.State
	}
	if p.BPM != bpm {
		p.BPM = bpm
		changed = true
	}
	if p.Pitch != pitch {
		p.Pitch = pitch
		changed = true
	}
	if p.Beat != beat && beat != 0 {
		p.Beat = beat
		changed = true
	}
	if p.State != state {
		p.State = state
		p.OnAir = state.OnAir()
		changed = true
	}
	if pkt.Kind == protocol.StatusCDJ {
		changed = r.ingestCDJ(p, pkt.CDJ) || changed
	}
	p.lastSeen = r.now()
	if changed {
		r.emit(Event{Kind: PlayerChanged, PlayerNumber: p.PlayerNumber})
	}
}

func (r *Registry) ingestCDJ(p *Player, b *protocol.CDJStatusBody) bool {
	changed := false
	if b.BeatCount != p.BeatCount || b.PlayState != p.PlayState {
		r.updatePositionByBeat(p, b.BeatCount, b.PlayState)
	} else {
		r.updatePositionByPitch(p)
	}
	if p.BeatCount != b.BeatCount {
		p.BeatCount = b.BeatCount
		changed = true
	}
	if p.PlayState != b.PlayState {
		p.PlayState = b.PlayState
		changed = true
	}
	p.Firmware = b.Firmware
	if p.ActualPitch != b.ActualPitch {
		p.ActualPitch = b.ActualPitch
		changed = true
	}
	if p.CueDistance != b.CueDistance {
		p.CueDistance = b.CueDistance
		changed = true
	}
	if p.USBState != b.USBState {
		p.USBState = b.USBState
		if b.USBState != protocol.StorageLoaded {
			p.USBInfo = nil
		}
		r.emit(Event{Kind: MediaChanged, PlayerNumber: p.PlayerNumber, Slot: core.SlotUSB})
	}
	if p.SDState != b.SDState {
		p.SDState = b.SDState
		if b.SDState != protocol.StorageLoaded {
			p.SDInfo = nil
		}
		r.emit(Event{Kind: MediaChanged, PlayerNumber: p.PlayerNumber, Slot: core.SlotSD})
	}
	p.TrackNumber = b.TrackNumber
	p.LoadedPlayerNumber = b.LoadedPlayerNumber
	p.LoadedSlot = b.LoadedSlot
	p.TrackAnalyzeType = b.TrackAnalyzeType
	if p.TrackID != b.TrackID {
		p.TrackID = b.TrackID
		p.position, p.positionOK = 0, false
		p.Metadata = nil
		changed = true
		r.emit(Event{
			Kind:               TrackChanged,
			PlayerNumber:       p.PlayerNumber,
			LoadedPlayerNumber: b.LoadedPlayerNumber,
			LoadedSlot:         b.LoadedSlot,
			TrackID:            b.TrackID,
			TrackAnalyzeType:   b.TrackAnalyzeType,
		})
	}
	return changed
}

func (r *Registry) ingestLinkReply(p *Player, b *protocol.LinkReplyBody) {
	if b == nil {
		return
	}
	info := &MediaInfo{
		Name:          b.Name,
		Date:          b.Date,
		TrackCount:    b.TrackCount,
		PlaylistCount: b.PlaylistCount,
		BytesTotal:    b.BytesTotal,
		BytesFree:     b.BytesFree,
	}
	switch b.Slot {
	case core.SlotUSB:
		p.USBInfo = info
	case core.SlotSD:
		p.SDInfo = info
	default:
		log.Warningf("link info for slot %s not supported", b.Slot)
		return
	}
	log.Infof("player %d media %s: %q, %d tracks, %d playlists, %d/%dMB free",
		p.PlayerNumber, b.Slot, info.Name, info.TrackCount, info.PlaylistCount,
		info.BytesFree/1024/1024, info.BytesTotal/1024/1024)
	r.emit(Event{Kind: MediaChanged, PlayerNumber: p.PlayerNumber, Slot: b.Slot})
}

// updatePositionByBeat pins the position to the beatgrid entry of the
// announced beat count. Beat counts are one past the playing beat except
// right after a cue scratch release, and the count sent on some play
// state transitions refers to the previous position and is skipped.
func (r *Registry) updatePositionByBeat(p *Player, beatCount uint32, state core.PlayState) {
	defer func() { p.positionTime = r.now() }()
	var grid core.Beatgrid
	if r.grids != nil {
		grid, _ = r.grids(p.LoadedPlayerNumber, p.LoadedSlot, p.TrackID)
	}
	if grid == nil {
		p.position, p.positionOK = 0, false
		return
	}
	if beatCount == 0 {
		p.position, p.positionOK = 0, true
		return
	}
	if (p.PlayState == core.PlayStateCued && state == core.PlayStateCueing) ||
		(p.PlayState == core.PlayStatePlaying && state == core.PlayStatePaused) ||
		(p.PlayState == core.PlayStatePaused && state == core.PlayStatePlaying) {
		return
	}
	if state != core.PlayStateCued {
		beatCount--
	}
	if int(beatCount) < len(grid) {
		p.position, p.positionOK = float64(grid[beatCount].Time)/1000, true
	}
}

// updatePositionByPitch advances the position by elapsed wall time scaled
// with the actual pitch.
func (r *Registry) updatePositionByPitch(p *Player) {
	if !p.positionOK || p.ActualPitch == 0 {
		return
	}
	pitch := p.ActualPitch
	if p.PlayState == core.PlayStateCued {
		pitch = 0
	}
	now := r.now()
	p.position += pitch * now.Sub(p.positionTime).Seconds()
	p.positionTime = now
}

// StoreTrackMetadata attaches resolved metadata to every player whose
// loaded track matches the given source location.
func (r *Registry) StoreTrackMetadata(loadedPlayer uint8, loadedSlot core.PlayerSlot, trackID uint32, md *core.TrackMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.players {
		if p.LoadedPlayerNumber == loadedPlayer && p.LoadedSlot == loadedSlot && p.TrackID == trackID {
			p.Metadata = md
		}
	}
}

// GC drops devices whose TTL expired.
func (r *Registry) GC() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	kept := r.players[:0]
	for _, p := range r.players {
		if now.Sub(p.lastSeen) <= TTL {
			kept = append(kept, p)
			continue
		}
		log.Infof("player %d dropped due to timeout", p.PlayerNumber)
		r.emit(Event{Kind: PlayerGone, PlayerNumber: p.PlayerNumber})
	}
	r.players = kept
}
