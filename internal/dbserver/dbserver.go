// Package dbserver queries the remote database service of networked
// players over TCP.
//
// Every player runs a database server whose port is discovered through a
// fixed query port. Connections are kept per player in idle-expiring
// sessions. List queries are two-phase: a request announcing what to
// list, then a render request streaming menu item rows. Blob queries
// (artwork, waveforms, beatgrids) return binary payloads in one round
// trip.
package dbserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/prodjlink/prolink/internal/anlz"
	"github.com/prodjlink/prolink/internal/core"
	"github.com/prodjlink/prolink/internal/metric"
	"github.com/prodjlink/prolink/internal/protocol"
	"github.com/prodjlink/prolink/internal/registry"
	"github.com/prodjlink/prolink/pkg/retry"
)

var queryMetric = metric.NewOpMetric("prolink_db_queries", "kind")

const (
	// sessionTTL is the number of gc sweeps an idle session survives.
	// Use of a session resets it.
	sessionTTL = 30

	// Render replies arrive fragmented. Accumulate-and-reparse is
	// bounded by these two budgets.
	maxParseErrors     = 40
	maxReceiveTimeouts = 3

	receiveTimeout = time.Second
	dialTimeout    = 3 * time.Second

	setupTransactionID = 0xfffffffe
)

// PlayerSource resolves player numbers to their tracked state.
type PlayerSource interface {
	Player(number uint8) (registry.Player, bool)
}

type session struct {
	conn net.Conn
	ttl  int
	txn  uint32
}

// Client multiplexes database queries over per-player TCP sessions.
// Safe for concurrent use; queries to the same player serialize.
type Client struct {
	players PlayerSource

	// Queries claim player number 0, which works with up to three real
	// players and avoids disturbing rendering on their screens.
	ownPlayerNumber uint8

	mu       sync.Mutex
	sessions map[uint8]*session
	ports    map[uint8]string
}

// New creates a client resolving players through src.
func New(src PlayerSource) *Client {
	return &Client{
		players:  src,
		sessions: make(map[uint8]*session),
		ports:    make(map[uint8]string),
	}
}

// The query port of a freshly booted player refuses connections for a
// short while, so port discovery backs off and retries.
var connectRetrier = retry.Retrier{
	MinSleep:      100 * time.Millisecond,
	MaxSleep:      time.Second,
	MaxNumRetries: 3,
}

// serverAddr discovers and caches the database port of a player.
func (c *Client) serverAddr(number uint8) (string, error) {
	if addr, ok := c.ports[number]; ok {
		return addr, nil
	}
	p, ok := c.players.Player(number)
	if !ok {
		return "", core.ErrNoSuchPlayer
	}
	var port uint16
	var err error
	if success, _ := connectRetrier.Do(context.Background(), func(int) bool {
		port, err = queryDBPort(p.IPAddr)
		return err == nil
	}); !success {
		log.Warningf("db port query to player %d failed: %s", number, err)
		return "", err
	}
	addr := net.JoinHostPort(p.IPAddr.String(), fmt.Sprint(port))
	c.ports[number] = addr
	log.Infof("db server of player %d at %s", number, addr)
	return addr, nil
}

func queryDBPort(ip net.IP) (uint16, error) {
	conn, err := net.DialTimeout("tcp",
		net.JoinHostPort(ip.String(), fmt.Sprint(protocol.DBServerQueryPort)), dialTimeout)
	if err != nil {
		return 0, core.ErrConnect
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(receiveTimeout))
	if _, err := conn.Write(protocol.EncodePortQuery()); err != nil {
		return 0, core.ErrConnect
	}
	buf := make([]byte, 2)
	if _, err := conn.Read(buf); err != nil {
		return 0, core.ErrConnect
	}
	return protocol.ParsePortReply(buf)
}

// getSession returns an established session, dialing and handshaking on
// first use. Callers hold c.mu.
func (c *Client) getSession(number uint8) (*session, error) {
	if s, ok := c.sessions[number]; ok {
		s.ttl = sessionTTL
		return s, nil
	}
	addr, err := c.serverAddr(number)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		log.Warningf("connecting to db server of player %d failed: %s", number, err)
		return nil, core.ErrConnect
	}
	s := &session{conn: conn, ttl: sessionTTL, txn: 1}
	if err := c.handshake(s, number); err != nil {
		conn.Close()
		return nil, err
	}
	c.sessions[number] = s
	return s, nil
}

func (c *Client) handshake(s *session, number uint8) error {
	// A bare int32 field of value 1 opens the dialog; the reply mirrors
	// it and is not interpreted.
	hello, _ := protocol.Int32Field(1).Encode()
	if _, err := s.conn.Write(hello); err != nil {
		return core.ErrConnect
	}
	buf := make([]byte, 16)
	s.conn.SetReadDeadline(time.Now().Add(receiveTimeout))
	if _, err := s.conn.Read(buf); err != nil {
		log.Warningf("no handshake reply from player %d, ignoring", number)
	}

	setup := &protocol.Message{
		TransactionID: setupTransactionID,
		Kind:          protocol.MsgSetup,
		Args:          []protocol.Field{protocol.Int32Field(uint32(c.ownPlayerNumber))},
	}
	reply, err := c.roundTrip(s, setup)
	if err != nil {
		return err
	}
	log.Infof("connected to db server of player %d", reply.Arg(1).Number)
	return nil
}

func (c *Client) closeSession(number uint8) {
	if s, ok := c.sessions[number]; ok {
		s.conn.Close()
		delete(c.sessions, number)
	}
}

// send writes a message; a broken connection tears the session down and
// reports a retryable loss.
func (c *Client) send(s *session, number uint8, m *protocol.Message) error {
	buf, err := m.Encode()
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(buf); err != nil {
		log.Warningf("connection to player %d lost: %s", number, err)
		c.closeSession(number)
		return core.ErrConnectionLost
	}
	return nil
}

// receiveMessage reads until one complete message parses, bounded by the
// parse and timeout budgets.
func (c *Client) receiveMessage(s *session) (*protocol.Message, error) {
	var data []byte
	buf := make([]byte, 4096)
	parseErrors, timeouts := 0, 0
	for parseErrors < maxParseErrors && timeouts < maxReceiveTimeouts {
		s.conn.SetReadDeadline(time.Now().Add(receiveTimeout))
		n, err := s.conn.Read(buf)
		if n == 0 {
			if err != nil {
				timeouts++
			}
			continue
		}
		data = append(data, buf[:n]...)
		m, _, err := protocol.ParseMessage(data)
		if err == core.ErrTruncated {
			parseErrors++
			continue
		}
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	log.Warningf("no complete db reply after %d parse errors, %d timeouts", parseErrors, timeouts)
	return nil, core.ErrTimeout
}

func (c *Client) roundTrip(s *session, m *protocol.Message) (*protocol.Message, error) {
	buf, err := m.Encode()
	if err != nil {
		return nil, err
	}
	if _, err := s.conn.Write(buf); err != nil {
		return nil, core.ErrConnectionLost
	}
	return c.receiveMessage(s)
}

func (s *session) nextTxn() uint32 {
	t := s.txn
	s.txn++
	return t
}

// addressWord packs the requester identity and the queried location into
// the first argument of every query.
func (c *Client) addressWord(location uint8, slot core.PlayerSlot) uint32 {
	return uint32(c.ownPlayerNumber)<<24 | uint32(location)<<16 | uint32(slot)<<8 | 1
}

// ensureReady defers queries known to hang while the target player is
// loading or in a degraded state.
func (c *Client) ensureReady(number uint8, critical bool) error {
	p, ok := c.players.Player(number)
	if !ok {
		return core.ErrNoSuchPlayer
	}
	if critical && p.PlayState.NotReadyForQueries() {
		log.V(1).Infof("delaying query to player %d in state %s", number, p.PlayState)
		return core.ErrPlayerNotReady
	}
	return nil
}

// List performs a two-phase list query: request, then render. ids
// parameterize cascaded requests (artist by genre, title by artist and
// album, ...). A zero id means "all".
func (c *Client) List(number uint8, slot core.PlayerSlot, kind protocol.MessageKind, sort SortMode, ids []uint32) ([]MenuEntry, error) {
	msgs, err := c.queryList(number, slot, kind, sort, ids)
	if err != nil {
		return nil, err
	}
	return parseList(msgs), nil
}

func (c *Client) queryList(number uint8, slot core.PlayerSlot, kind protocol.MessageKind, sort SortMode, ids []uint32) (msgs []*protocol.Message, err error) {
	op := queryMetric.Start("list")
	defer func() { op.EndWithError(err) }()

	if err := c.ensureReady(number, kind == protocol.MsgMetadataRequest); err != nil {
		return nil, err
	}
	sortID, ok := sortModes[sort]
	if sort != "" && !ok {
		log.Warningf("unknown sort mode %q", sort)
		return nil, core.ErrInvalidRequest
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.getSession(number)
	if err != nil {
		return nil, err
	}

	query := &protocol.Message{
		TransactionID: s.nextTxn(),
		Kind:          kind,
		Args:          []protocol.Field{protocol.Int32Field(c.addressWord(1, slot))},
	}
	switch kind {
	case protocol.MsgRootMenuRequest:
		query.Args = append(query.Args, protocol.Int32Field(0), protocol.Int32Field(0xffffff))
	case protocol.MsgMetadataRequest, protocol.MsgMountInfoRequest, protocol.MsgTrackInfoRequest:
		query.Args = append(query.Args, protocol.Int32Field(first(ids)))
	case protocol.MsgPlaylistRequest:
		// ids are (folder id, playlist id); the trailing flag selects
		// folder listing over playlist rendering.
		folder, playlist := first(ids), second(ids)
		query.Args = append(query.Args, protocol.Int32Field(sortID))
		if playlist > 0 {
			query.Args = append(query.Args, protocol.Int32Field(playlist), protocol.Int32Field(0))
		} else {
			query.Args = append(query.Args, protocol.Int32Field(folder), protocol.Int32Field(1))
		}
	default:
		query.Args = append(query.Args, protocol.Int32Field(sortID))
		for _, id := range ids {
			if id == 0 {
				id = 0xffffffff
			}
			query.Args = append(query.Args, protocol.Int32Field(id))
		}
	}

	if err := c.send(s, number, query); err != nil {
		return nil, err
	}
	reply, err := c.receiveMessage(s)
	if err != nil {
		return nil, err
	}
	if reply.Kind != protocol.MsgSuccess {
		log.Errorf("list query %#x to player %d failed, got %#x", uint16(kind), number, uint16(reply.Kind))
		return nil, core.ErrQueryFailed
	}
	count := reply.Arg(1).Number
	if count == 0 || count == 0xffffffff {
		log.Warningf("list query %#x returned %d entries", uint16(kind), count)
		return nil, core.ErrQueryFailed
	}

	render := &protocol.Message{
		TransactionID: s.nextTxn(),
		Kind:          protocol.MsgRender,
		Args: []protocol.Field{
			protocol.Int32Field(c.addressWord(1, slot)),
			protocol.Int32Field(0), // entry offset
			protocol.Int32Field(count),
			protocol.Int32Field(0),
			protocol.Int32Field(count),
			protocol.Int32Field(0),
		},
	}
	if err := c.send(s, number, render); err != nil {
		return nil, err
	}
	return c.receiveSequence(s, number)
}

// receiveSequence accumulates render output until the stream ends with a
// menu footer.
func (c *Client) receiveSequence(s *session, number uint8) ([]*protocol.Message, error) {
	var data []byte
	buf := make([]byte, 4096)
	parseErrors, timeouts := 0, 0
	for parseErrors < maxParseErrors && timeouts < maxReceiveTimeouts {
		s.conn.SetReadDeadline(time.Now().Add(receiveTimeout))
		n, err := s.conn.Read(buf)
		if n == 0 {
			if err != nil {
				timeouts++
			}
			continue
		}
		data = append(data, buf[:n]...)
		msgs, err := protocol.ParseSequence(data)
		if err == core.ErrTruncated {
			parseErrors++
			continue
		}
		if err != nil {
			return nil, err
		}
		if msgs[len(msgs)-1].Kind != protocol.MsgMenuFooter {
			parseErrors++
			continue
		}
		return msgs, nil
	}
	log.Errorf("render reply from player %d incomplete after %d parse errors, %d timeouts",
		number, parseErrors, timeouts)
	return nil, core.ErrQueryFailed
}

func parseList(msgs []*protocol.Message) []MenuEntry {
	var entries []MenuEntry
	for _, m := range msgs {
		switch m.Kind {
		case protocol.MsgMenuHeader:
			continue
		case protocol.MsgMenuFooter:
			return entries
		case protocol.MsgMenuItem:
			if e := parseMenuItem(m); e != nil {
				entries = append(entries, *e)
			}
		default:
			log.Warningf("unexpected %#x in render output", uint16(m.Kind))
		}
	}
	return entries
}

func parseMetadata(msgs []*protocol.Message) *core.TrackMetadata {
	md := &core.TrackMetadata{}
	for _, m := range msgs {
		if m.Kind == protocol.MsgMenuFooter {
			break
		}
		if m.Kind == protocol.MsgMenuItem {
			mergeEntry(md, parseMenuItem(m))
		}
	}
	return md
}

// queryBlob performs a single-phase binary query. location distinguishes
// menu-context (8) from waveform-context (1) requests.
func (c *Client) queryBlob(number uint8, slot core.PlayerSlot, kind protocol.MessageKind, id uint32, location uint8, critical bool) (blob []byte, err error) {
	op := queryMetric.Start("blob")
	defer func() { op.EndWithError(err) }()

	if err := c.ensureReady(number, critical); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.getSession(number)
	if err != nil {
		return nil, err
	}
	query := &protocol.Message{
		TransactionID: s.nextTxn(),
		Kind:          kind,
		Args: []protocol.Field{
			protocol.Int32Field(c.addressWord(location, slot)),
			protocol.Int32Field(id),
		},
	}
	switch kind {
	case protocol.MsgWaveformRequest:
		query.Args = append(query.Args, protocol.Int32Field(0))
	case protocol.MsgPreviewWaveformRequest:
		query.Args = append(query.Args[:1],
			append([]protocol.Field{protocol.Int32Field(4)}, query.Args[1:]...)...)
		query.Args = append(query.Args, protocol.Int32Field(0))
	}
	if err := c.send(s, number, query); err != nil {
		return nil, err
	}
	reply, err := c.receiveMessage(s)
	if err != nil {
		return nil, err
	}
	if reply.Kind == protocol.MsgInvalidRequest || len(reply.Args) < 4 || reply.Arg(2).Number == 0 {
		log.Errorf("blob query %#x to player %d failed, got %#x", uint16(kind), number, uint16(reply.Kind))
		return nil, core.ErrQueryFailed
	}
	blob = reply.Arg(3).Binary
	log.V(1).Infof("received %d byte blob from player %d", len(blob), number)
	return blob, nil
}

// nxs2Blob requests an extended (nxs2) blob identified by a four-char
// sub-id, such as the color waveforms.
func (c *Client) nxs2Blob(number uint8, slot core.PlayerSlot, id uint32, reqID uint32, location uint8) ([]byte, error) {
	if err := c.ensureReady(number, true); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.getSession(number)
	if err != nil {
		return nil, err
	}
	query := &protocol.Message{
		TransactionID: s.nextTxn(),
		Kind:          protocol.MsgNxs2ExtRequest,
		Args: []protocol.Field{
			protocol.Int32Field(c.addressWord(location, slot)),
			protocol.Int32Field(id),
			protocol.Int32Field(reqID),
			protocol.Int32Field(nxs2SubIDEXT),
		},
	}
	if err := c.send(s, number, query); err != nil {
		return nil, err
	}
	reply, err := c.receiveMessage(s)
	if err != nil {
		return nil, err
	}
	if reply.Kind == protocol.MsgInvalidRequest || len(reply.Args) < 4 || reply.Arg(2).Number == 0 {
		return nil, core.ErrQueryFailed
	}
	return reply.Arg(3).Binary, nil
}

// Sub-ids of nxs2 extended requests.
const (
	nxs2ColorPreview = 0x34565750 // "4VWP"
	nxs2ColorBig     = 0x35565750 // "5VWP"
	nxs2SubIDEXT     = 0x00545845 // "TXE"
)

// Metadata fetches and merges the track metadata rows.
func (c *Client) Metadata(number uint8, slot core.PlayerSlot, trackID uint32) (*core.TrackMetadata, error) {
	msgs, err := c.queryList(number, slot, protocol.MsgMetadataRequest, "", []uint32{trackID})
	if err != nil {
		return nil, err
	}
	return parseMetadata(msgs), nil
}

// MountInfo resolves the absolute storage path of a track, used to drive
// NFS downloads.
func (c *Client) MountInfo(number uint8, slot core.PlayerSlot, trackID uint32) (*core.TrackMetadata, error) {
	msgs, err := c.queryList(number, slot, protocol.MsgMountInfoRequest, "", []uint32{trackID})
	if err != nil {
		return nil, err
	}
	return parseMetadata(msgs), nil
}

// TrackInfo fetches metadata of unanalyzed tracks (CD or folder view).
func (c *Client) TrackInfo(number uint8, slot core.PlayerSlot, trackID uint32) (*core.TrackMetadata, error) {
	msgs, err := c.queryList(number, slot, protocol.MsgTrackInfoRequest, "", []uint32{trackID})
	if err != nil {
		return nil, err
	}
	return parseMetadata(msgs), nil
}

// RootMenu lists the top-level browse categories of a slot.
func (c *Client) RootMenu(number uint8, slot core.PlayerSlot) ([]MenuEntry, error) {
	return c.List(number, slot, protocol.MsgRootMenuRequest, "", nil)
}

// PlaylistFolder lists the contents of a playlist folder; folder id 0 is
// the root.
func (c *Client) PlaylistFolder(number uint8, slot core.PlayerSlot, folderID uint32) ([]MenuEntry, error) {
	return c.List(number, slot, protocol.MsgPlaylistRequest, "", []uint32{folderID, 0})
}

// Playlist lists the tracks of a playlist.
func (c *Client) Playlist(number uint8, slot core.PlayerSlot, sort SortMode, playlistID uint32) ([]MenuEntry, error) {
	return c.List(number, slot, protocol.MsgPlaylistRequest, sort, []uint32{0, playlistID})
}

// Artwork fetches the JPEG artwork blob of a track.
func (c *Client) Artwork(number uint8, slot core.PlayerSlot, artworkID uint32) ([]byte, error) {
	return c.queryBlob(number, slot, protocol.MsgArtworkRequest, artworkID, 8, true)
}

// Waveform fetches the monochrome full waveform. The reply carries a 20
// byte header that file-sourced waveforms do not, which is stripped so
// both sources look alike.
func (c *Client) Waveform(number uint8, slot core.PlayerSlot, trackID uint32) ([]byte, error) {
	blob, err := c.queryBlob(number, slot, protocol.MsgWaveformRequest, trackID, 1, true)
	if err != nil {
		return nil, err
	}
	if len(blob) < 20 {
		return nil, core.ErrTruncated
	}
	return blob[20:], nil
}

// PreviewWaveform fetches the monochrome preview waveform.
func (c *Client) PreviewWaveform(number uint8, slot core.PlayerSlot, trackID uint32) ([]byte, error) {
	return c.queryBlob(number, slot, protocol.MsgPreviewWaveformRequest, trackID, 8, true)
}

// ColorWaveform fetches the nxs2 color waveform and parses the wrapped
// tag.
func (c *Client) ColorWaveform(number uint8, slot core.PlayerSlot, trackID uint32) (*anlz.ColorWaveform, error) {
	blob, err := c.nxs2Blob(number, slot, trackID, nxs2ColorBig, 1)
	if err != nil {
		return nil, err
	}
	if len(blob) < 4 {
		return nil, core.ErrTruncated
	}
	return anlz.ParseColorWaveform(blob[4:])
}

// ColorPreviewWaveform fetches the nxs2 color preview waveform.
func (c *Client) ColorPreviewWaveform(number uint8, slot core.PlayerSlot, trackID uint32) (*anlz.ColorWaveform, error) {
	blob, err := c.nxs2Blob(number, slot, trackID, nxs2ColorPreview, 8)
	if err != nil {
		return nil, err
	}
	if len(blob) < 4 {
		return nil, core.ErrTruncated
	}
	return anlz.ParseColorWaveform(blob[4:])
}

// Beatgrid fetches and parses the beatgrid of a track.
func (c *Client) Beatgrid(number uint8, slot core.PlayerSlot, trackID uint32) (core.Beatgrid, error) {
	blob, err := c.queryBlob(number, slot, protocol.MsgBeatgridRequest, trackID, 8, true)
	if err != nil {
		return nil, err
	}
	return protocol.ParseBeatgrid(blob)
}

// GC expires idle sessions. Call once per second.
func (c *Client) GC() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for number, s := range c.sessions {
		if s.ttl <= 0 {
			log.Infof("closing idle db session of player %d", number)
			c.closeSession(number)
			continue
		}
		s.ttl--
	}
}

// Close tears down all sessions.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for number := range c.sessions {
		c.closeSession(number)
	}
}

func first(ids []uint32) uint32 {
	if len(ids) > 0 {
		return ids[0]
	}
	return 0
}

func second(ids []uint32) uint32 {
	if len(ids) > 1 {
		return ids[1]
	}
	return 0
}
