package nfs

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"

	"github.com/prodjlink/prolink/internal/core"
)

// rpcPayloadStart is where the procedure payload begins in an encoded
// call: 24 bytes of header, 28 of unix cred, 8 of null verf.
const rpcPayloadStart = 60

func TestEncodeCall(t *testing.T) {
	pkt := encodeCall(7, ProgNFS, NFSVersion, procRead, []byte{1, 2, 3})
	u := func(i int) uint32 { return binary.BigEndian.Uint32(pkt[i:]) }
	if u(0) != 7 {
		t.Errorf("xid = %d, want 7", u(0))
	}
	if u(4) != msgCall || u(8) != rpcVersion {
		t.Errorf("bad call header: %x", pkt[:12])
	}
	if u(12) != ProgNFS || u(16) != NFSVersion || u(20) != procRead {
		t.Errorf("bad target: %x", pkt[12:24])
	}
	if u(24) != authUnix || u(28) != 20 || u(32) != authStamp {
		t.Errorf("bad cred: %x", pkt[24:36])
	}
	if u(52) != authNull || u(56) != 0 {
		t.Errorf("bad verf: %x", pkt[52:60])
	}
	if len(pkt) != rpcPayloadStart+4 {
		t.Errorf("payload not aligned, len = %d", len(pkt))
	}
	if !bytes.Equal(pkt[rpcPayloadStart:rpcPayloadStart+3], []byte{1, 2, 3}) {
		t.Errorf("payload = %x", pkt[rpcPayloadStart:])
	}
}

// fakeReply builds an accepted RPC reply carrying payload.
func fakeReply(xid uint32, payload []byte) []byte {
	w := &rpcWriter{}
	w.u32(xid)
	w.u32(msgReply)
	w.u32(replyAccepted)
	w.u32(authNull)
	w.u32(0)
	w.u32(acceptSuccess)
	w.bytes(payload)
	return w.buf
}

func TestDecodeReply(t *testing.T) {
	xid, payload, err := decodeReply(fakeReply(42, []byte{0xaa, 0xbb}))
	if err != nil {
		t.Fatalf("decodeReply: %s", err)
	}
	if xid != 42 || !bytes.Equal(payload, []byte{0xaa, 0xbb}) {
		t.Errorf("got xid %d payload %x", xid, payload)
	}

	denied := fakeReply(42, nil)
	binary.BigEndian.PutUint32(denied[8:], 1)
	if _, _, err := decodeReply(denied); err != core.ErrRPC {
		t.Errorf("denied reply: got %v, want %v", err, core.ErrRPC)
	}
}

func TestUTF16LEName(t *testing.T) {
	w := &rpcWriter{}
	w.utf16leName("AB")
	want := []byte{0, 0, 0, 4, 'A', 0, 'B', 0}
	if !bytes.Equal(w.buf, want) {
		t.Errorf("got %x, want %x", w.buf, want)
	}
}

func TestParseReadReply(t *testing.T) {
	w := &rpcWriter{}
	w.u32(0) // status ok
	for i := 0; i < 17; i++ {
		w.u32(0) // fattr
	}
	w.u32(3)
	w.bytes([]byte{9, 8, 7, 0}) // data plus pad
	data, err := parseReadReply(w.buf)
	if err != nil {
		t.Fatalf("parseReadReply: %s", err)
	}
	if !bytes.Equal(data, []byte{9, 8, 7}) {
		t.Errorf("data = %x", data)
	}

	bad := []byte{0, 0, 0, 2}
	if _, err := parseReadReply(bad); err != core.ErrNFS {
		t.Errorf("error status: got %v, want %v", err, core.ErrNFS)
	}
}

// fakeServer answers RPC calls on an ephemeral UDP port through handle,
// which maps a received call to reply payloads (one datagram each).
type fakeServer struct {
	conn *net.UDPConn
	port int
}

func newFakeServer(t *testing.T, handle func(proc uint32, payload []byte) [][]byte) *fakeServer {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %s", err)
	}
	s := &fakeServer{conn: conn, port: conn.LocalAddr().(*net.UDPAddr).Port}
	go func() {
		buf := make([]byte, recvBufferSize)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if n < rpcPayloadStart {
				continue
			}
			xid := binary.BigEndian.Uint32(buf)
			proc := binary.BigEndian.Uint32(buf[20:])
			for _, payload := range handle(proc, append([]byte(nil), buf[rpcPayloadStart:n]...)) {
				conn.WriteToUDP(fakeReply(xid, payload), addr)
			}
		}
	}()
	return s
}

func (s *fakeServer) close() { s.conn.Close() }

func okFattr(size uint32) []byte {
	w := &rpcWriter{}
	w.u32(1) // type regular
	w.u32(0644)
	w.u32(1)
	w.u32(0)
	w.u32(0)
	w.u32(size)
	for i := 0; i < 11; i++ {
		w.u32(0)
	}
	return w.buf
}

func TestLookupAndRead(t *testing.T) {
	content := []byte("analyze this")
	fhandle := bytes.Repeat([]byte{0x5a}, fhandleSize)

	srv := newFakeServer(t, func(proc uint32, payload []byte) [][]byte {
		w := &rpcWriter{}
		switch proc {
		case procLookup:
			w.u32(0)
			w.bytes(fhandle)
			w.bytes(okFattr(uint32(len(content))))
		case procRead:
			offset := binary.BigEndian.Uint32(payload[fhandleSize:])
			count := binary.BigEndian.Uint32(payload[fhandleSize+4:])
			end := offset + count
			if end > uint32(len(content)) {
				end = uint32(len(content))
			}
			w.u32(0)
			w.bytes(okFattr(uint32(len(content))))
			w.opaque(content[offset:end])
		default:
			t.Errorf("unexpected proc %d", proc)
			return nil
		}
		return [][]byte{w.buf}
	})
	defer srv.close()

	c, err := NewClient()
	if err != nil {
		t.Fatalf("NewClient: %s", err)
	}
	defer c.Close()

	ip := net.IPv4(127, 0, 0, 1)
	ctx := context.Background()

	fh, attrs, err := c.LookupPath(ctx, ip, srv.port, bytes.Repeat([]byte{1}, fhandleSize), "/PIONEER/file.dat")
	if err != nil {
		t.Fatalf("LookupPath: %s", err)
	}
	if !bytes.Equal(fh, fhandle) || attrs.Size != uint32(len(content)) {
		t.Errorf("got fh %x size %d", fh, attrs.Size)
	}

	data, err := c.Read(ctx, ip, srv.port, fh, 8, 4)
	if err != nil {
		t.Fatalf("Read: %s", err)
	}
	if string(data) != "this" {
		t.Errorf("data = %q", data)
	}
}

// TestPipelineReassembly holds back read replies until every chunk has
// been requested, then answers in reverse order. The writer must still
// receive bytes strictly in offset order.
func TestPipelineReassembly(t *testing.T) {
	content := make([]byte, 2*chunkSize+300)
	for i := range content {
		content[i] = byte(i)
	}

	type call struct {
		xid    uint32
		addr   *net.UDPAddr
		offset uint32
		count  uint32
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %s", err)
	}
	defer conn.Close()
	go func() {
		var held []call
		buf := make([]byte, recvBufferSize)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if n < rpcPayloadStart+fhandleSize+8 {
				continue
			}
			held = append(held, call{
				xid:    binary.BigEndian.Uint32(buf),
				addr:   addr,
				offset: binary.BigEndian.Uint32(buf[rpcPayloadStart+fhandleSize:]),
				count:  binary.BigEndian.Uint32(buf[rpcPayloadStart+fhandleSize+4:]),
			})
			if len(held) < 3 {
				continue
			}
			for i := len(held) - 1; i >= 0; i-- {
				cl := held[i]
				w := &rpcWriter{}
				w.u32(0)
				w.bytes(okFattr(uint32(len(content))))
				w.opaque(content[cl.offset : cl.offset+cl.count])
				conn.WriteToUDP(fakeReply(cl.xid, w.buf), cl.addr)
			}
			held = held[:0]
		}
	}()

	c, err := NewClient()
	if err != nil {
		t.Fatalf("NewClient: %s", err)
	}
	defer c.Close()

	var out bytes.Buffer
	port := conn.LocalAddr().(*net.UDPAddr).Port
	err = c.readPipeline(context.Background(), net.IPv4(127, 0, 0, 1), port,
		bytes.Repeat([]byte{2}, fhandleSize), uint32(len(content)), "test", &out)
	if err != nil {
		t.Fatalf("readPipeline: %s", err)
	}
	if !bytes.Equal(out.Bytes(), content) {
		t.Errorf("reassembled content does not match source")
	}
}

func TestPipelineCanceled(t *testing.T) {
	// No server listening, cancel before the first reply can arrive.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, err := NewClient()
	if err != nil {
		t.Fatalf("NewClient: %s", err)
	}
	defer c.Close()

	var out bytes.Buffer
	err = c.readPipeline(ctx, net.IPv4(127, 0, 0, 1), 59999,
		bytes.Repeat([]byte{2}, fhandleSize), 5000, "test", &out)
	if err != core.ErrCanceled {
		t.Errorf("got %v, want %v", err, core.ErrCanceled)
	}
}

func TestExportForSlot(t *testing.T) {
	if e, ok := ExportForSlot(core.SlotUSB); !ok || e != "/C/" {
		t.Errorf("usb export = %q, %v", e, ok)
	}
	if _, ok := ExportForSlot(core.SlotCD); ok {
		t.Errorf("cd slot should have no export")
	}
}
