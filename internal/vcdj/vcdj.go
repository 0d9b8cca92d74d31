// Package vcdj impersonates a CDJ on the link. Announcing ourselves with
// periodic keepalives is what makes real players accept our link-info
// queries, NFS mounts and load-track commands.
package vcdj

import (
	"net"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/prodjlink/prolink/internal/core"
	"github.com/prodjlink/prolink/internal/protocol"
	"github.com/prodjlink/prolink/internal/registry"
)

const (
	// DefaultPlayerNumber is safe alongside four real players.
	DefaultPlayerNumber = 5

	model            = "Virtual CDJ"
	announceInterval = 1500 * time.Millisecond
)

// Sender transmits raw packets on the session's three UDP sockets. Replies
// to our packets come back on those sockets, so we must not open our own.
type Sender interface {
	SendKeepalive(buf []byte, addr *net.UDPAddr) error
	SendBeat(buf []byte, addr *net.UDPAddr) error
	SendStatus(buf []byte, addr *net.UDPAddr) error
}

// PlayerSource resolves player numbers to their last seen state.
type PlayerSource interface {
	Player(number uint8) (registry.Player, bool)
}

// VCDJ is the virtual player. Announcements only start once an interface
// has been set; commands to specific players work without one.
type VCDJ struct {
	sender  Sender
	players PlayerSource

	mu        sync.Mutex
	number    uint8
	ip        net.IP
	mac       net.HardwareAddr
	broadcast net.IP

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(sender Sender, players PlayerSource) *VCDJ {
	return &VCDJ{
		sender:  sender,
		players: players,
		number:  DefaultPlayerNumber,
	}
}

// SetPlayerNumber changes the announced player number. Only meaningful
// before other players have learned us under the old number.
func (v *VCDJ) SetPlayerNumber(number uint8) {
	v.mu.Lock()
	defer v.mu.Unlock()
	log.Infof("vcdj: player number set to %d", number)
	v.number = number
}

// SetInterface records the local address data announced in keepalives.
// The broadcast address is derived from ip and mask.
func (v *VCDJ) SetInterface(ip net.IP, mask net.IPMask, mac net.HardwareAddr) {
	ip4 := ip.To4()
	if len(ip4) != 4 || len(mask) != 4 || len(mac) != 6 {
		log.Errorf("vcdj: rejecting interface data ip=%v mask=%v mac=%v", ip, mask, mac)
		return
	}
	bcast := make(net.IP, 4)
	for i := range bcast {
		bcast[i] = ip4[i] | ^mask[i]
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ip = ip4
	v.mac = mac
	v.broadcast = bcast
	log.Infof("vcdj: interface ip %v mac %v broadcast %v", ip4, mac, bcast)
}

// Start begins the periodic keepalive announcements.
func (v *VCDJ) Start() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stop != nil {
		return
	}
	log.Infof("vcdj: starting with player number %d", v.number)
	v.stop = make(chan struct{})
	v.wg.Add(1)
	go v.announceLoop(v.stop)
}

// Stop ends the announcements. Other players drop us from their device
// lists a few seconds later.
func (v *VCDJ) Stop() {
	v.mu.Lock()
	stop := v.stop
	v.stop = nil
	v.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	v.wg.Wait()
}

func (v *VCDJ) announceLoop(stop chan struct{}) {
	defer v.wg.Done()
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := v.Announce(); err != nil {
				log.Warningf("vcdj: keepalive send failed: %s", err)
			}
		}
	}
}

// Announce broadcasts one keepalive. A no-op until SetInterface has been
// called, so the loop can run before the interface is known.
func (v *VCDJ) Announce() error {
	v.mu.Lock()
	number, ip, mac, bcast := v.number, v.ip, v.mac, v.broadcast
	v.mu.Unlock()
	if ip == nil {
		return nil
	}
	pkt := &protocol.Keepalive{
		Kind:       protocol.KeepaliveStatus,
		Model:      model,
		DeviceType: protocol.DeviceCDJ,
		Status: &protocol.KeepaliveStatusBody{
			PlayerNumber: number,
			U2:           1,
			MacAddr:      mac,
			IPAddr:       ip,
			DeviceCount:  2,
			Flags:        1,
			U4:           0x64,
		},
	}
	buf, err := pkt.Encode()
	if err != nil {
		return err
	}
	return v.sender.SendKeepalive(buf, &net.UDPAddr{IP: bcast, Port: protocol.PortKeepalive})
}

// QueryLinkInfo asks a player for the storage info of one of its slots.
// The answer arrives as a link reply status packet and is ingested by the
// registry like any other packet.
func (v *VCDJ) QueryLinkInfo(player uint8, slot core.PlayerSlot) error {
	v.mu.Lock()
	number, ip := v.number, v.ip
	v.mu.Unlock()
	if ip == nil {
		return core.ErrUnavailable
	}
	p, ok := v.players.Player(player)
	if !ok {
		log.Warningf("vcdj: link query for unknown player %d", player)
		return core.ErrNoSuchPlayer
	}
	pkt := &protocol.Status{
		Kind:         protocol.StatusLinkQuery,
		Model:        model,
		PlayerNumber: number,
		LinkQuery: &protocol.LinkQueryBody{
			SourceIP:           ip,
			RemotePlayerNumber: player,
			Slot:               slot,
		},
	}
	buf, err := pkt.Encode()
	if err != nil {
		return err
	}
	log.V(1).Infof("vcdj: querying link info of player %d slot %s", player, slot)
	return v.sender.SendStatus(buf, &net.UDPAddr{IP: p.IPAddr, Port: protocol.PortStatus})
}

// LoadTrack tells player to load a track from loadPlayer's slot. The
// command names our own player number so the confirmation reply reaches
// us.
func (v *VCDJ) LoadTrack(player, loadPlayer uint8, slot core.PlayerSlot, trackID uint32) error {
	v.mu.Lock()
	number := v.number
	v.mu.Unlock()
	p, ok := v.players.Player(player)
	if !ok {
		log.Warningf("vcdj: load command for unknown player %d", player)
		return core.ErrNoSuchPlayer
	}
	pkt := &protocol.Status{
		Kind:         protocol.StatusLoadCmd,
		Model:        model,
		PlayerNumber: number,
		LoadCmd: &protocol.LoadCmdBody{
			LoadPlayerNumber: loadPlayer,
			LoadSlot:         slot,
			LoadTrackID:      trackID,
		},
	}
	buf, err := pkt.Encode()
	if err != nil {
		return err
	}
	log.Infof("vcdj: loading track %d from player %d %s into player %d",
		trackID, loadPlayer, slot, player)
	return v.sender.SendStatus(buf, &net.UDPAddr{IP: p.IPAddr, Port: protocol.PortStatus})
}

// FaderStart broadcasts one start/stop/ignore command per channel.
func (v *VCDJ) FaderStart(commands [4]protocol.FaderStartCommand) error {
	v.mu.Lock()
	number, bcast := v.number, v.broadcast
	v.mu.Unlock()
	if bcast == nil {
		return core.ErrUnavailable
	}
	pkt := &protocol.Beat{
		Kind:         protocol.BeatFaderStart,
		Model:        model,
		PlayerNumber: number,
		FaderStart:   &protocol.BeatFaderStartBody{Commands: commands},
	}
	buf, err := pkt.Encode()
	if err != nil {
		return err
	}
	return v.sender.SendBeat(buf, &net.UDPAddr{IP: bcast, Port: protocol.PortBeat})
}

// FaderStartSingle starts or stops one player, leaving the rest alone.
func (v *VCDJ) FaderStartSingle(player uint8, start bool) error {
	if player < 1 || player > 4 {
		return core.ErrInvalidRequest
	}
	commands := [4]protocol.FaderStartCommand{
		protocol.FaderIgnore, protocol.FaderIgnore,
		protocol.FaderIgnore, protocol.FaderIgnore,
	}
	if start {
		commands[player-1] = protocol.FaderStart
	} else {
		commands[player-1] = protocol.FaderStop
	}
	return v.FaderStart(commands)
}
