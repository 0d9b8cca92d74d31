package nfs

import (
	"encoding/binary"

	"github.com/prodjlink/prolink/internal/core"
)

// ONC-RPC over UDP, big-endian throughout. Only the slice of RPC, mount
// v1 and NFS v2 the players implement is covered: portmap getport, mount
// mnt, and NFS lookup, getattr and read.

const (
	rpcVersion = 2

	msgCall  = 0
	msgReply = 1

	replyAccepted = 0

	acceptSuccess = 0

	authNull = 0
	authUnix = 1

	// authStamp is an arbitrary fixed credential stamp.
	authStamp = 0xdeadbeef
)

// RPC program numbers.
const (
	ProgPortmap = 100000
	ProgNFS     = 100003
	ProgMount   = 100005
)

// Program versions spoken by players.
const (
	PortmapVersion = 2
	NFSVersion     = 2
	MountVersion   = 1
)

// PortmapPort is the fixed port of the portmap service.
const PortmapPort = 111

// Portmap procedures.
const procGetport = 3

// Mount procedures.
const procMnt = 1

// NFS procedures.
const (
	procLookup = 4
	procRead   = 6
)

const protoUDP = 17

// fhandleSize is the fixed NFS v2 file handle size.
const fhandleSize = 32

// Fattr is the NFS v2 file attribute block. Only Size is consumed, the
// rest is carried for completeness.
type Fattr struct {
	Type      uint32
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Size      uint32
	Blocksize uint32
	Rdev      uint32
	Blocks    uint32
	FSID      uint32
	FileID    uint32
}

const fattrSize = 17 * 4 // fixed fields plus three 8-byte timestamps

func parseFattr(b []byte) (Fattr, error) {
	if len(b) < fattrSize {
		return Fattr{}, core.ErrTruncated
	}
	u := func(i int) uint32 { return binary.BigEndian.Uint32(b[i*4:]) }
	return Fattr{
		Type: u(0), Mode: u(1), Nlink: u(2), UID: u(3), GID: u(4),
		Size: u(5), Blocksize: u(6), Rdev: u(7), Blocks: u(8),
		FSID: u(9), FileID: u(10),
	}, nil
}

type rpcWriter struct {
	buf []byte
}

func (w *rpcWriter) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *rpcWriter) bytes(b []byte) { w.buf = append(w.buf, b...) }

// opaque writes a length-prefixed byte string padded to 4 bytes.
func (w *rpcWriter) opaque(b []byte) {
	w.u32(uint32(len(b)))
	w.bytes(b)
	w.align()
}

func (w *rpcWriter) align() {
	for len(w.buf)%4 != 0 {
		w.buf = append(w.buf, 0)
	}
}

// utf16leName writes a length-prefixed UTF-16LE string, the encoding
// players expect for mount and lookup names.
func (w *rpcWriter) utf16leName(s string) {
	enc := make([]byte, 0, 2*len(s))
	for _, r := range s {
		enc = binary.LittleEndian.AppendUint16(enc, uint16(r))
	}
	w.opaque(enc)
}

// encodeCall builds an RPC call header with unix credentials followed by
// the procedure payload.
func encodeCall(xid, prog, vers, proc uint32, payload []byte) []byte {
	w := &rpcWriter{}
	w.u32(xid)
	w.u32(msgCall)
	w.u32(rpcVersion)
	w.u32(prog)
	w.u32(vers)
	w.u32(proc)
	// cred: auth unix with an empty machine name.
	w.u32(authUnix)
	w.u32(20)
	w.u32(authStamp)
	w.u32(0) // machine name
	w.u32(0) // uid
	w.u32(0) // gid
	w.u32(0) // gids
	// verf: auth null.
	w.u32(authNull)
	w.u32(0)
	w.bytes(payload)
	w.align()
	return w.buf
}

// decodeReply validates an RPC reply and returns its xid and result
// payload.
func decodeReply(buf []byte) (xid uint32, payload []byte, err error) {
	if len(buf) < 12 {
		return 0, nil, core.ErrTruncated
	}
	xid = binary.BigEndian.Uint32(buf)
	if binary.BigEndian.Uint32(buf[4:]) != msgReply {
		return xid, nil, core.ErrRPC
	}
	if binary.BigEndian.Uint32(buf[8:]) != replyAccepted {
		return xid, nil, core.ErrRPC
	}
	rest := buf[12:]
	// verf opaque auth.
	if len(rest) < 8 {
		return xid, nil, core.ErrTruncated
	}
	verfLen := binary.BigEndian.Uint32(rest[4:])
	skip := 8 + int(verfLen+3)&^3
	if len(rest) < skip+4 {
		return xid, nil, core.ErrTruncated
	}
	if binary.BigEndian.Uint32(rest[skip:]) != acceptSuccess {
		return xid, nil, core.ErrRPC
	}
	return xid, rest[skip+4:], nil
}

func encodePortmapGetport(prog, vers uint32) []byte {
	w := &rpcWriter{}
	w.u32(prog)
	w.u32(vers)
	w.u32(protoUDP)
	w.u32(0)
	return w.buf
}

func encodeMountMnt(path string) []byte {
	w := &rpcWriter{}
	w.utf16leName(path)
	return w.buf
}

func encodeLookup(fhandle []byte, name string) []byte {
	w := &rpcWriter{}
	w.bytes(fhandle)
	w.utf16leName(name)
	return w.buf
}

func encodeRead(fhandle []byte, offset, count uint32) []byte {
	w := &rpcWriter{}
	w.bytes(fhandle)
	w.u32(offset)
	w.u32(count)
	w.u32(0) // totalcount, unused
	return w.buf
}

// nfsStatus converts an NFS status word into an error.
func nfsStatus(v uint32) error {
	if v == 0 {
		return nil
	}
	return core.ErrNFS
}

func parseMountMntReply(buf []byte) ([]byte, error) {
	if len(buf) < 4 {
		return nil, core.ErrTruncated
	}
	if err := nfsStatus(binary.BigEndian.Uint32(buf)); err != nil {
		return nil, err
	}
	if len(buf) < 4+fhandleSize {
		return nil, core.ErrTruncated
	}
	return buf[4 : 4+fhandleSize], nil
}

func parseLookupReply(buf []byte) (fhandle []byte, attrs Fattr, err error) {
	if len(buf) < 4 {
		return nil, Fattr{}, core.ErrTruncated
	}
	if err := nfsStatus(binary.BigEndian.Uint32(buf)); err != nil {
		return nil, Fattr{}, err
	}
	if len(buf) < 4+fhandleSize {
		return nil, Fattr{}, core.ErrTruncated
	}
	fhandle = buf[4 : 4+fhandleSize]
	attrs, err = parseFattr(buf[4+fhandleSize:])
	return fhandle, attrs, err
}

func parseReadReply(buf []byte) ([]byte, error) {
	if len(buf) < 4 {
		return nil, core.ErrTruncated
	}
	if err := nfsStatus(binary.BigEndian.Uint32(buf)); err != nil {
		return nil, err
	}
	rest := buf[4:]
	if len(rest) < fattrSize+4 {
		return nil, core.ErrTruncated
	}
	n := binary.BigEndian.Uint32(rest[fattrSize:])
	data := rest[fattrSize+4:]
	if int(n) > len(data) {
		return nil, core.ErrTruncated
	}
	return data[:n], nil
}
