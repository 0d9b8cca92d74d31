package data

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/prodjlink/prolink/internal/core"
	"github.com/prodjlink/prolink/internal/pdb"
	"github.com/prodjlink/prolink/internal/registry"
)

func TestStoreLRUEviction(t *testing.T) {
	s := NewStore(2)
	k1 := Key{Player: 1, Slot: core.SlotUSB, ID: 1}
	k2 := Key{Player: 1, Slot: core.SlotUSB, ID: 2}
	k3 := Key{Player: 2, Slot: core.SlotSD, ID: 3}
	s.Put(k1, "a")
	s.Put(k2, "b")
	s.Put(k3, "c")
	if _, ok := s.Get(k1); ok {
		t.Errorf("oldest entry should have been evicted")
	}
	if v, ok := s.Get(k2); !ok || v.(string) != "b" {
		t.Errorf("k2 = %v, %v", v, ok)
	}
	if s.Len() != 2 {
		t.Errorf("len = %d, want 2", s.Len())
	}
}

func TestStoreRemoveByPlayerSlot(t *testing.T) {
	s := NewStore(10)
	s.Put(Key{Player: 1, Slot: core.SlotUSB, ID: 1}, "a")
	s.Put(Key{Player: 1, Slot: core.SlotSD, ID: 2}, "b")
	s.Put(Key{Player: 2, Slot: core.SlotUSB, ID: 3}, "c")
	s.RemoveByPlayerSlot(1, core.SlotUSB)
	if _, ok := s.Get(Key{Player: 1, Slot: core.SlotUSB, ID: 1}); ok {
		t.Errorf("player 1 usb entry should be gone")
	}
	if _, ok := s.Get(Key{Player: 1, Slot: core.SlotSD, ID: 2}); !ok {
		t.Errorf("player 1 sd entry should survive")
	}
	if _, ok := s.Get(Key{Player: 2, Slot: core.SlotUSB, ID: 3}); !ok {
		t.Errorf("player 2 usb entry should survive")
	}
}

// exportWith builds a minimal export database with one track, its
// artist and genre.
func exportWith(t *testing.T) *pdb.Database {
	t.Helper()
	db, err := pdb.Load(testExportFile())
	if err != nil {
		t.Fatalf("pdb.Load: %s", err)
	}
	return db
}

func newTestProvider(db *pdb.Database) (*Provider, *PDBProvider) {
	reg := registry.New(nil)
	pp := NewPDBProvider(reg, nil, "")
	pp.dbs.Put(Key{Player: 1, Slot: core.SlotUSB}, db)
	p := NewProvider(reg, pp, nil)
	return p, pp
}

func TestProviderInvalidPlayer(t *testing.T) {
	p := NewProvider(registry.New(nil), nil, nil)
	reply := <-p.Metadata(0, core.SlotUSB, 1)
	if reply.Err != core.ErrInvalidRequest {
		t.Errorf("got %v, want %v", reply.Err, core.ErrInvalidRequest)
	}
	reply = <-p.Metadata(5, core.SlotUSB, 1)
	if reply.Err != core.ErrInvalidRequest {
		t.Errorf("got %v, want %v", reply.Err, core.ErrInvalidRequest)
	}
}

func TestProviderStoreHit(t *testing.T) {
	p := NewProvider(registry.New(nil), nil, nil)
	want := Reply{Metadata: &core.TrackMetadata{Title: "cached"}}
	p.metadata.Put(Key{Player: 1, Slot: core.SlotUSB, ID: 7}, want)
	p.Start()
	defer p.Stop()
	reply := <-p.Metadata(1, core.SlotUSB, 7)
	if reply.Err != nil || reply.Metadata.Title != "cached" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestProviderNoBackends(t *testing.T) {
	p := NewProvider(registry.New(nil), nil, nil)
	p.Start()
	defer p.Stop()
	reply := <-p.Waveform(1, core.SlotUSB, 7)
	if reply.Err != core.ErrUnavailable {
		t.Errorf("got %v, want %v", reply.Err, core.ErrUnavailable)
	}
}

func TestProviderMetadataFromPDB(t *testing.T) {
	p, pp := newTestProvider(exportWith(t))
	p.Start()
	defer p.Stop()

	reply := <-p.Metadata(1, core.SlotUSB, 17)
	if reply.Err != nil {
		t.Fatalf("Metadata: %s", reply.Err)
	}
	md := reply.Metadata
	if md.Title != "Strobe" || md.Artist != "deadmau5" || md.Genre != "Progressive" {
		t.Errorf("metadata = %+v", md)
	}
	if md.BPM != 128 || md.Duration != 245 {
		t.Errorf("bpm %v duration %d", md.BPM, md.Duration)
	}

	// second fetch must come from the cache even with the parsed
	// database dropped
	pp.RemoveByPlayerSlot(1, core.SlotUSB)
	reply = <-p.Metadata(1, core.SlotUSB, 17)
	if reply.Err != nil || reply.Metadata.Title != "Strobe" {
		t.Errorf("cached reply = %+v", reply)
	}
}

func TestProviderTitlesFromPDB(t *testing.T) {
	p, _ := newTestProvider(exportWith(t))
	p.Start()
	defer p.Stop()

	reply := <-p.Titles(1, core.SlotUSB, "default")
	if reply.Err != nil {
		t.Fatalf("Titles: %s", reply.Err)
	}
	if len(reply.Menu) != 2 {
		t.Fatalf("menu has %d rows, want 2", len(reply.Menu))
	}
	// default falls back to title order
	if reply.Menu[0].Name != "Ghosts" || reply.Menu[1].Name != "Strobe" {
		t.Errorf("order = %q, %q", reply.Menu[0].Name, reply.Menu[1].Name)
	}
	if reply.Menu[0].Second == nil || reply.Menu[0].Second.Name != "deadmau5" {
		t.Errorf("second column = %+v", reply.Menu[0].Second)
	}
}

func TestProviderMountInfoFromPDB(t *testing.T) {
	p, _ := newTestProvider(exportWith(t))
	p.Start()
	defer p.Stop()

	reply := <-p.MountInfo(1, core.SlotUSB, 17)
	if reply.Err != nil {
		t.Fatalf("MountInfo: %s", reply.Err)
	}
	if reply.Metadata.MountPath != "/Contents/strobe.mp3" {
		t.Errorf("mount path = %q", reply.Metadata.MountPath)
	}
}

func TestRetryDowngradesColorWaveform(t *testing.T) {
	p := NewProvider(registry.New(nil), nil, nil)
	req := &request{
		kind:    reqColorWaveform,
		player:  1,
		slot:    core.SlotUSB,
		id:      7,
		out:     make(chan Reply, 1),
		retries: 1,
	}
	start := time.Now()
	p.retry(req, core.ErrTimeout)
	if time.Since(start) < retryDelay {
		t.Errorf("retry did not pause")
	}
	if req.kind != reqWaveform {
		t.Errorf("kind = %s, want waveform", req.kind)
	}
	select {
	case got := <-p.reqs:
		if got != req || got.retries != 0 {
			t.Errorf("requeued %+v", got)
		}
	default:
		t.Errorf("request was not requeued")
	}
}

func TestRetryGivesUpOnFatal(t *testing.T) {
	p := NewProvider(registry.New(nil), nil, nil)
	req := &request{kind: reqMetadata, player: 1, out: make(chan Reply, 1), retries: 3}
	p.retry(req, core.ErrQueryFailed)
	reply := <-req.out
	if reply.Err != core.ErrQueryFailed {
		t.Errorf("got %v, want %v", reply.Err, core.ErrQueryFailed)
	}
	select {
	case <-p.reqs:
		t.Errorf("fatal error must not requeue")
	default:
	}
}

// Builders for a synthetic export database file.

type lew struct{ buf []byte }

func (w *lew) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *lew) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *lew) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *lew) str(s string) {
	w.u8(uint8((len(s)+1)*2 + 1))
	w.buf = append(w.buf, s...)
}

func testTrackRow(id, artistID, genreID, bpm100 uint32, duration uint16, title, path string) []byte {
	var w lew
	w.u16(0x24) // track row magic
	w.u16(0)
	w.u32(0)
	w.u32(44100)
	w.u32(0)
	w.u32(0)
	w.u32(0)
	w.u16(0)
	w.u16(0)
	w.u32(0) // artwork
	w.u32(0) // key
	w.u32(0) // original artist
	w.u32(0) // label
	w.u32(0) // remixer
	w.u32(320)
	w.u32(1)
	w.u32(bpm100)
	w.u32(genreID)
	w.u32(0) // album
	w.u32(artistID)
	w.u32(id)
	w.u16(1)
	w.u16(0)
	w.u16(2020)
	w.u16(16)
	w.u16(duration)
	w.u16(41)
	w.u8(0)
	w.u8(0)
	for i := 0; i < 23; i++ {
		w.u16(0)
	}
	for i := 0; i < 21; i++ {
		switch i {
		case 17:
			w.str(title)
		case 20:
			w.str(path)
		default:
			w.str("")
		}
	}
	return w.buf
}

func testPage(index uint32, pt pdb.PageType, rows [][]byte) []byte {
	buf := make([]byte, 4096)
	binary.LittleEndian.PutUint32(buf[4:], index)
	binary.LittleEndian.PutUint32(buf[8:], uint32(pt))
	buf[24] = uint8(len(rows))
	buf[27] = 0x24
	binary.LittleEndian.PutUint16(buf[36:], 1)
	off := 40
	offsets := make([]uint16, len(rows))
	for i, row := range rows {
		copy(buf[off:], row)
		offsets[i] = uint16(off - 40)
		off += (len(row) + 3) &^ 3
	}
	n := len(rows)
	start := 4096 - 4 - 2*n
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[start+2*i:], offsets[i])
	}
	binary.LittleEndian.PutUint16(buf[4092:], ^uint16(0))
	return buf
}

func testExportFile() []byte {
	var artist, genre lew
	artist.u16(0x60)
	artist.u16(0)
	artist.u32(9)
	artist.u8(0x03)
	artist.u8(10)
	artist.str("deadmau5")
	genre.u32(3)
	genre.str("Progressive")

	header := make([]byte, 4096)
	binary.LittleEndian.PutUint32(header[4:], 4096)
	out := header
	out = append(out, testPage(1, pdb.PageTracks, [][]byte{
		testTrackRow(17, 9, 3, 12800, 245, "Strobe", "/Contents/strobe.mp3"),
		testTrackRow(18, 9, 3, 17400, 190, "Ghosts", "/Contents/ghosts.mp3"),
	})...)
	out = append(out, testPage(2, pdb.PageArtists, [][]byte{artist.buf})...)
	out = append(out, testPage(3, pdb.PageGenres, [][]byte{genre.buf})...)
	return out
}
