package nfs

import (
	"context"
	"net"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/prodjlink/prolink/internal/core"
)

const (
	// requestTimeout bounds how long a single RPC call may stay pending
	// before its future is failed.
	requestTimeout = 10 * time.Second

	// sweepInterval is how often pending calls are checked for expiry.
	sweepInterval = time.Second

	recvBufferSize = 8192
)

// Exports maps a media slot to the mount export the players publish it
// under.
var exports = map[core.PlayerSlot]string{
	core.SlotSD:  "/B/",
	core.SlotUSB: "/C/",
}

// ExportForSlot returns the NFS export path for a media slot.
func ExportForSlot(slot core.PlayerSlot) (string, bool) {
	e, ok := exports[slot]
	return e, ok
}

type pendingCall struct {
	reply    chan []byte
	deadline time.Time
}

// Client is an asynchronous ONC-RPC client speaking portmap, mount and
// NFS v2 to players. One UDP socket serves all calls; replies are
// demultiplexed by transaction id and delivered to per-call futures.
type Client struct {
	conn *net.UDPConn

	mu      sync.Mutex
	xid     uint32
	pending map[uint32]*pendingCall
	closed  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewClient opens the shared UDP socket and starts the receive and
// timeout-sweep goroutines.
func NewClient() (*Client, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		log.Errorf("nfs: failed to open rpc socket: %s", err)
		return nil, core.ErrConnect
	}
	c := &Client{
		conn:    conn,
		xid:     1,
		pending: make(map[uint32]*pendingCall),
		stop:    make(chan struct{}),
	}
	c.wg.Add(2)
	go c.receiveLoop()
	go c.sweepLoop()
	return c, nil
}

// Close shuts the socket down and fails every pending call.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for xid, p := range c.pending {
		close(p.reply)
		delete(c.pending, xid)
	}
	c.mu.Unlock()

	close(c.stop)
	c.conn.Close()
	c.wg.Wait()
}

func (c *Client) receiveLoop() {
	defer c.wg.Done()
	buf := make([]byte, recvBufferSize)
	for {
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.stop:
				return
			default:
			}
			log.Warningf("nfs: receive error: %s", err)
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		c.dispatch(pkt)
	}
}

func (c *Client) dispatch(pkt []byte) {
	xid, payload, err := decodeReply(pkt)
	if err != nil {
		log.Warningf("nfs: dropping bad rpc reply xid %d: %s", xid, err)
		return
	}
	c.mu.Lock()
	p, ok := c.pending[xid]
	if ok {
		delete(c.pending, xid)
	}
	c.mu.Unlock()
	if !ok {
		log.Warningf("nfs: reply for unknown xid %d", xid)
		return
	}
	p.reply <- payload
}

func (c *Client) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for xid, p := range c.pending {
				if now.After(p.deadline) {
					log.Warningf("nfs: request xid %d timed out", xid)
					close(p.reply)
					delete(c.pending, xid)
				}
			}
			c.mu.Unlock()
		}
	}
}

// call sends one RPC request and waits for its reply or expiry. The
// returned payload is the accepted reply body after the RPC header.
func (c *Client) call(ctx context.Context, addr *net.UDPAddr, prog, vers, proc uint32, payload []byte) ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, core.ErrConnectionLost
	}
	xid := c.xid
	c.xid++
	p := &pendingCall{
		reply:    make(chan []byte, 1),
		deadline: time.Now().Add(requestTimeout),
	}
	c.pending[xid] = p
	c.mu.Unlock()

	pkt := encodeCall(xid, prog, vers, proc, payload)
	if _, err := c.conn.WriteToUDP(pkt, addr); err != nil {
		c.mu.Lock()
		delete(c.pending, xid)
		c.mu.Unlock()
		log.Errorf("nfs: send to %s failed: %s", addr, err)
		return nil, core.ErrConnectionLost
	}

	select {
	case reply, ok := <-p.reply:
		if !ok {
			return nil, core.ErrTimeout
		}
		return reply, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, xid)
		c.mu.Unlock()
		return nil, core.ErrCanceled
	}
}

// PortmapGetPort asks the portmapper on ip which UDP port serves the
// given program and version. An unregistered program yields
// ErrUnavailable.
func (c *Client) PortmapGetPort(ctx context.Context, ip net.IP, prog, vers uint32) (int, error) {
	addr := &net.UDPAddr{IP: ip, Port: PortmapPort}
	reply, err := c.call(ctx, addr, ProgPortmap, PortmapVersion, procGetport,
		encodePortmapGetport(prog, vers))
	if err != nil {
		return 0, err
	}
	if len(reply) < 4 {
		return 0, core.ErrTruncated
	}
	port := int(be32(reply))
	if port == 0 {
		log.Warningf("nfs: portmap on %s has no program %d", ip, prog)
		return 0, core.ErrUnavailable
	}
	return port, nil
}

// MountMnt mounts an export and returns its root file handle.
func (c *Client) MountMnt(ctx context.Context, ip net.IP, port int, export string) ([]byte, error) {
	addr := &net.UDPAddr{IP: ip, Port: port}
	reply, err := c.call(ctx, addr, ProgMount, MountVersion, procMnt,
		encodeMountMnt(export))
	if err != nil {
		return nil, err
	}
	return parseMountMntReply(reply)
}

// Lookup resolves one name inside a directory file handle.
func (c *Client) Lookup(ctx context.Context, ip net.IP, port int, fhandle []byte, name string) ([]byte, Fattr, error) {
	addr := &net.UDPAddr{IP: ip, Port: port}
	reply, err := c.call(ctx, addr, ProgNFS, NFSVersion, procLookup,
		encodeLookup(fhandle, name))
	if err != nil {
		return nil, Fattr{}, err
	}
	return parseLookupReply(reply)
}

// LookupPath walks a slash-separated path from the export root and
// returns the file handle and attributes of its final component.
func (c *Client) LookupPath(ctx context.Context, ip net.IP, port int, root []byte, path string) ([]byte, Fattr, error) {
	fhandle := root
	var attrs Fattr
	start := 0
	for start < len(path) {
		for start < len(path) && path[start] == '/' {
			start++
		}
		end := start
		for end < len(path) && path[end] != '/' {
			end++
		}
		if end == start {
			break
		}
		name := path[start:end]
		var err error
		fhandle, attrs, err = c.Lookup(ctx, ip, port, fhandle, name)
		if err != nil {
			log.V(2).Infof("nfs: lookup of %q in %q failed: %s", name, path, err)
			return nil, Fattr{}, err
		}
		start = end
	}
	return fhandle, attrs, nil
}

// Read fetches up to count bytes at offset from a file handle.
func (c *Client) Read(ctx context.Context, ip net.IP, port int, fhandle []byte, offset, count uint32) ([]byte, error) {
	addr := &net.UDPAddr{IP: ip, Port: port}
	reply, err := c.call(ctx, addr, ProgNFS, NFSVersion, procRead,
		encodeRead(fhandle, offset, count))
	if err != nil {
		return nil, err
	}
	return parseReadReply(reply)
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
