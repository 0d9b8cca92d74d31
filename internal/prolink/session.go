// Package prolink ties the whole client together: it owns the three UDP
// sockets of the link, feeds received packets into the registry, reacts
// to registry events (cache invalidation, link-info queries, history
// logging) and exposes the data provider and virtual player to callers.
package prolink

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/prodjlink/prolink/internal/core"
	"github.com/prodjlink/prolink/internal/data"
	"github.com/prodjlink/prolink/internal/dbserver"
	"github.com/prodjlink/prolink/internal/history"
	"github.com/prodjlink/prolink/internal/nfs"
	"github.com/prodjlink/prolink/internal/protocol"
	"github.com/prodjlink/prolink/internal/registry"
	"github.com/prodjlink/prolink/internal/vcdj"
)

// Largest packet on any of the three ports, the CDJ-3000 status packet.
const maxPacketSize = 1500

const gcInterval = time.Second

// Config selects the optional parts of a session. The zero value is a
// listen-only client caching downloads under the default directory.
type Config struct {
	// PlayerNumber is announced by the virtual player. 0 means
	// vcdj.DefaultPlayerNumber.
	PlayerNumber uint8

	// Announce starts the virtual player's keepalive broadcasts on
	// Start. Without them real players will not answer database or NFS
	// requests, so leave it off only for pure monitoring.
	Announce bool

	// CacheDir holds downloaded rekordbox exports. Empty means a
	// directory under os.TempDir.
	CacheDir string

	// HistoryPath is the played-track log database. Empty disables
	// history logging.
	HistoryPath string

	// NoBeatgridQuery disables the automatic beatgrid fetch when a
	// player loads a rekordbox track. Position tracking needs the grid,
	// so leave this off unless queries must be kept to a minimum.
	NoBeatgridQuery bool
}

type sockKind int

const (
	sockKeepalive sockKind = iota
	sockBeat
	sockStatus
)

type inbound struct {
	sock sockKind
	buf  []byte
	addr *net.UDPAddr
}

// Session is one attachment to a ProDJ Link network.
type Session struct {
	Registry *registry.Registry
	Data     *data.Provider
	VCDJ     *vcdj.VCDJ
	History  *history.History // nil unless Config.HistoryPath is set

	cfg Config
	nfs *nfs.Client

	mu         sync.Mutex
	conns      [3]*net.UDPConn
	ownIP      net.IP
	subs       []chan registry.Event
	started    bool
	onRaw      func(sock string, buf []byte, addr *net.UDPAddr)
	inbound    chan inbound
	stop       chan struct{}
	wg         sync.WaitGroup
	subDropped int

	queryBeatgrid func(player uint8, slot core.PlayerSlot, trackID uint32) <-chan data.Reply
}

// New builds a session. Sockets are not opened until Start.
func New(cfg Config) (*Session, error) {
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(os.TempDir(), "prolink-cache")
	}
	if err := os.MkdirAll(cfg.CacheDir, 0700); err != nil {
		log.Errorf("Failed to create cache dir %q: %s", cfg.CacheDir, err)
		return nil, core.ErrUnavailable
	}

	s := &Session{cfg: cfg}

	// The registry needs a beatgrid lookup before the data provider
	// exists; no packets flow until Start, so the late assignment below
	// is safe.
	s.Registry = registry.New(func(player uint8, slot core.PlayerSlot, trackID uint32) (core.Beatgrid, bool) {
		return s.Data.BeatgridLookup()(player, slot, trackID)
	})

	nfsc, err := nfs.NewClient()
	if err != nil {
		return nil, err
	}
	s.nfs = nfsc

	pp := data.NewPDBProvider(s.Registry, nfsc, cfg.CacheDir)
	dbc := dbserver.New(s.Registry)
	s.Data = data.NewProvider(s.Registry, pp, dbc)
	s.queryBeatgrid = s.Data.Beatgrid

	s.VCDJ = vcdj.New(s, s.Registry)
	if cfg.PlayerNumber != 0 {
		s.VCDJ.SetPlayerNumber(cfg.PlayerNumber)
	}

	if cfg.HistoryPath != "" {
		h, err := history.Open(cfg.HistoryPath)
		if err != nil {
			nfsc.Close()
			return nil, err
		}
		s.History = h
	}
	return s, nil
}

// SetRawPacketFunc installs a hook called with every received packet
// before decoding. Set before Start.
func (s *Session) SetRawPacketFunc(fn func(sock string, buf []byte, addr *net.UDPAddr)) {
	s.onRaw = fn
}

// Subscribe returns a channel of registry events. Events are dropped,
// not blocked on, when the subscriber falls behind.
func (s *Session) Subscribe() <-chan registry.Event {
	ch := make(chan registry.Event, 64)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Start binds the three link ports and begins ingesting packets.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	ports := [3]int{protocol.PortKeepalive, protocol.PortBeat, protocol.PortStatus}
	for i, port := range ports {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
		if err != nil {
			log.Errorf("Failed to bind udp port %d: %s", port, err)
			s.closeConnsLocked()
			return core.ErrConnect
		}
		if err := enableBroadcast(conn); err != nil {
			log.Errorf("Failed to enable broadcast on port %d: %s", port, err)
			conn.Close()
			s.closeConnsLocked()
			return core.ErrConnect
		}
		log.Infof("Listening on udp port %d", port)
		s.conns[i] = conn
	}

	s.inbound = make(chan inbound, 64)
	s.stop = make(chan struct{})
	s.started = true

	for i := range s.conns {
		s.wg.Add(1)
		go s.receiveLoop(sockKind(i), s.conns[i])
	}
	s.wg.Add(2)
	go s.ingestLoop()
	go s.eventLoop()

	s.Data.Start()
	if s.cfg.Announce {
		s.VCDJ.Start()
	}
	return nil
}

// Stop detaches from the network and releases everything.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	s.closeConnsLocked()
	s.mu.Unlock()

	s.VCDJ.Stop()
	s.wg.Wait()
	s.Data.Stop()
	s.nfs.Close()
	if s.History != nil {
		s.History.Close()
	}

	s.mu.Lock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.mu.Unlock()
}

func (s *Session) closeConnsLocked() {
	for i, conn := range s.conns {
		if conn != nil {
			conn.Close()
			s.conns[i] = nil
		}
	}
}

// Sending on the session's own sockets keeps the source ports right, so
// replies come back to us. These implement vcdj.Sender.

func (s *Session) SendKeepalive(buf []byte, addr *net.UDPAddr) error {
	return s.send(sockKeepalive, buf, addr)
}

func (s *Session) SendBeat(buf []byte, addr *net.UDPAddr) error {
	return s.send(sockBeat, buf, addr)
}

func (s *Session) SendStatus(buf []byte, addr *net.UDPAddr) error {
	return s.send(sockStatus, buf, addr)
}

func (s *Session) send(sock sockKind, buf []byte, addr *net.UDPAddr) error {
	s.mu.Lock()
	conn := s.conns[sock]
	s.mu.Unlock()
	if conn == nil {
		return core.ErrUnavailable
	}
	if _, err := conn.WriteToUDP(buf, addr); err != nil {
		log.Warningf("udp send to %v failed: %s", addr, err)
		return core.ErrConnectionLost
	}
	return nil
}

func (s *Session) receiveLoop(sock sockKind, conn *net.UDPConn) {
	defer s.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			log.Warningf("udp receive failed: %s", err)
			continue
		}
		pkt := inbound{sock: sock, buf: append([]byte(nil), buf[:n]...), addr: addr}
		select {
		case s.inbound <- pkt:
		case <-s.stop:
			return
		}
	}
}

func (s *Session) ingestLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Registry.GC()
		case pkt := <-s.inbound:
			s.ingest(pkt)
		}
	}
}

func (s *Session) ingest(pkt inbound) {
	if s.onRaw != nil {
		s.onRaw(sockName(pkt.sock), pkt.buf, pkt.addr)
	}

	s.mu.Lock()
	own := s.ownIP
	s.mu.Unlock()
	// Our own broadcasts come back on the same sockets; tracking the
	// virtual player would only confuse callers.
	if own != nil && own.Equal(pkt.addr.IP) {
		return
	}

	switch pkt.sock {
	case sockKeepalive:
		p, err := protocol.DecodeKeepalive(pkt.buf)
		if err != nil {
			log.Warningf("Bad keepalive packet from %v, %d bytes: %s", pkt.addr, len(pkt.buf), err)
			return
		}
		s.Registry.IngestKeepalive(p)
		if own == nil {
			s.guessOwnInterface()
		}
	case sockBeat:
		p, err := protocol.DecodeBeat(pkt.buf)
		if err != nil {
			log.Warningf("Bad beat packet from %v, %d bytes: %s", pkt.addr, len(pkt.buf), err)
			return
		}
		s.Registry.IngestBeat(p)
	case sockStatus:
		p, err := protocol.DecodeStatus(pkt.buf)
		if err != nil {
			log.Warningf("Bad status packet from %v, %d bytes: %s", pkt.addr, len(pkt.buf), err)
			return
		}
		s.Registry.IngestStatus(p)
	}
}

// guessOwnInterface finds the local interface sharing a subnet with an
// observed player and hands its address data to the virtual player.
func (s *Session) guessOwnInterface() {
	playerIPs := s.Registry.IPs()
	if len(playerIPs) == 0 {
		return
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		log.Warningf("Failed to list interfaces: %s", err)
		return
	}
	for _, iface := range ifaces {
		if len(iface.HardwareAddr) != 6 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if ok && matchesAny(ipnet, playerIPs) {
				ip := ipnet.IP.To4()
				log.Infof("Guessed own interface %s ip %v mac %v", iface.Name, ip, iface.HardwareAddr)
				s.mu.Lock()
				s.ownIP = ip
				s.mu.Unlock()
				s.VCDJ.SetInterface(ip, ipnet.Mask, iface.HardwareAddr)
				return
			}
		}
	}
}

func matchesAny(ipnet *net.IPNet, ips []net.IP) bool {
	if ipnet.IP.To4() == nil {
		return false
	}
	for _, ip := range ips {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Session) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case e := <-s.Registry.Events():
			s.handleEvent(e)
		}
	}
}

func (s *Session) handleEvent(e registry.Event) {
	switch e.Kind {
	case registry.MediaChanged:
		s.Data.RemoveByPlayerSlot(e.PlayerNumber, e.Slot)
		s.maybeQueryLinkInfo(e.PlayerNumber, e.Slot)
	case registry.TrackChanged:
		if trackQueryable(e) {
			if !s.cfg.NoBeatgridQuery {
				s.queryBeatgrid(e.LoadedPlayerNumber, e.LoadedSlot, e.TrackID)
			}
			s.wg.Add(1)
			go s.logPlayedTrack(e)
		}
	}

	s.mu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
			s.subDropped++
			if s.subDropped%100 == 1 {
				log.Warningf("subscriber channel full, dropped %d events so far", s.subDropped)
			}
		}
	}
	s.mu.Unlock()
}

// trackQueryable reports whether a loaded track can answer metadata and
// beatgrid queries: only rekordbox-analyzed tracks on removable media
// can.
func trackQueryable(e registry.Event) bool {
	return e.TrackID != 0 && e.TrackAnalyzeType == protocol.TrackRekordbox &&
		(e.LoadedSlot == core.SlotUSB || e.LoadedSlot == core.SlotSD)
}

func (s *Session) maybeQueryLinkInfo(player uint8, slot core.PlayerSlot) {
	p, ok := s.Registry.Player(player)
	if !ok {
		return
	}
	var mounted bool
	switch slot {
	case core.SlotUSB:
		mounted = p.USBState == protocol.StorageLoaded && p.USBInfo == nil
	case core.SlotSD:
		mounted = p.SDState == protocol.StorageLoaded && p.SDInfo == nil
	}
	if !mounted {
		return
	}
	if err := s.VCDJ.QueryLinkInfo(player, slot); err != nil && err != core.ErrUnavailable {
		log.Warningf("link info query for player %d %s failed: %s", player, slot, err)
	}
}

// logPlayedTrack resolves the new track's metadata, warming the cache
// and the registry's Metadata field, and appends it to the history log
// when one is configured.
func (s *Session) logPlayedTrack(e registry.Event) {
	defer s.wg.Done()
	reply := <-s.Data.Metadata(e.LoadedPlayerNumber, e.LoadedSlot, e.TrackID)
	if reply.Err != nil {
		log.Warningf("history: no metadata for track %d on player %d %s: %s",
			e.TrackID, e.LoadedPlayerNumber, e.LoadedSlot, reply.Err)
		return
	}
	if s.History == nil {
		return
	}
	md := reply.Metadata
	err := s.History.Append(history.Record{
		Player:  e.PlayerNumber,
		Slot:    e.LoadedSlot,
		TrackID: e.TrackID,
		Artist:  md.Artist,
		Title:   md.Title,
		Album:   md.Album,
	})
	if err != nil {
		log.Warningf("history: append failed: %s", err)
	}
}

// Download fetches a file from a player's media over NFS into dstPath.
func (s *Session) Download(ctx context.Context, player uint8, slot core.PlayerSlot, srcPath, dstPath string) error {
	p, ok := s.Registry.Player(player)
	if !ok {
		return core.ErrNoSuchPlayer
	}
	return s.nfs.DownloadToFile(ctx, p.IPAddr, slot, srcPath, dstPath)
}

func sockName(sock sockKind) string {
	switch sock {
	case sockKeepalive:
		return "keepalive"
	case sockBeat:
		return "beat"
	case sockStatus:
		return "status"
	}
	return "?"
}

// Pioneer gear talks to the 255-broadcast address, so the sockets need
// SO_BROADCAST to answer in kind.
func enableBroadcast(conn *net.UDPConn) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	if err := rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return serr
}
