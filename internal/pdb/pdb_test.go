package pdb

import (
	"encoding/binary"
	"testing"
)

type leWriter struct {
	buf []byte
}

func (w *leWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *leWriter) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *leWriter) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

func (w *leWriter) pioShort(s string) {
	w.u8(uint8((len(s)+1)*2 + 1))
	w.buf = append(w.buf, s...)
}

func (w *leWriter) pioLong(s string) {
	w.u8(0x40)
	w.u16(uint16(len(s) + 4))
	w.u8(0)
	w.buf = append(w.buf, s...)
}

func (w *leWriter) pioUTF16(s string) {
	w.u8(0x90)
	runes := []rune(s)
	w.u16(uint16(2*len(runes) + 4))
	for _, r := range runes {
		w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(r))
	}
}

func TestPioStringVariants(t *testing.T) {
	var w leWriter
	w.pioShort("ON")
	w.pioLong("a long ascii string")
	w.pioUTF16("Füchse")

	r := &rowReader{buf: w.buf}
	if s := r.string(); s != "ON" {
		t.Errorf("short = %q", s)
	}
	if s := r.string(); s != "a long ascii string" {
		t.Errorf("long = %q", s)
	}
	if s := r.string(); s != "Füchse" {
		t.Errorf("utf16 = %q", s)
	}
	if r.err != nil {
		t.Errorf("reader error: %s", r.err)
	}
}

// trackRow builds a minimal track row. Unused strings are empty.
func trackRow(id, artistID, albumID, bpm100 uint32, duration uint16, title, path string) []byte {
	var w leWriter
	w.u16(trackRowMagic)
	w.u16(0)          // index shift
	w.u32(0)          // bitmask
	w.u32(44100)      // sample rate
	w.u32(0)          // composer
	w.u32(1 << 20)    // file size
	w.u32(0)          // unknown
	w.u16(19048)      // constants seen in real exports
	w.u16(30967)
	w.u32(0)          // artwork
	w.u32(0)          // key
	w.u32(0)          // original artist
	w.u32(0)          // label
	w.u32(0)          // remixer
	w.u32(320)        // bitrate
	w.u32(1)          // track number
	w.u32(bpm100)
	w.u32(0)          // genre
	w.u32(albumID)
	w.u32(artistID)
	w.u32(id)
	w.u16(1)          // disc
	w.u16(0)          // play count
	w.u16(2020)       // year
	w.u16(16)         // sample depth
	w.u16(duration)
	w.u16(41)
	w.u8(0) // color
	w.u8(0) // rating
	for i := 0; i < 23; i++ {
		w.u16(0)
	}
	strings := []string{
		"", "", "", "", "", "", "", "ON", "", "",
		"2020-05-01", "", "", "", "/PIONEER/USBANLZ/P001/ANLZ0000.DAT", "", "", title, "", "", path,
	}
	// a track row carries 21 strings, index 17 is the title
	for _, s := range strings {
		w.pioShort(s)
	}
	return w.buf
}

func TestParseTrackRow(t *testing.T) {
	row := trackRow(17, 3, 5, 12800, 245, "Strobe", "/Contents/track.mp3")
	tr, err := parseTrack(row)
	if err != nil {
		t.Fatalf("parseTrack: %s", err)
	}
	if tr.ID != 17 || tr.ArtistID != 3 || tr.AlbumID != 5 {
		t.Errorf("ids = %d/%d/%d", tr.ID, tr.ArtistID, tr.AlbumID)
	}
	if tr.BPM100 != 12800 || tr.Duration != 245 {
		t.Errorf("bpm %d duration %d", tr.BPM100, tr.Duration)
	}
	if tr.Title != "Strobe" {
		t.Errorf("title = %q", tr.Title)
	}
	if tr.AnalyzePath != "/PIONEER/USBANLZ/P001/ANLZ0000.DAT" {
		t.Errorf("analyze path = %q", tr.AnalyzePath)
	}
	if tr.DateAdded != "2020-05-01" {
		t.Errorf("date added = %q", tr.DateAdded)
	}
}

func artistRow(id uint32, name string) []byte {
	var w leWriter
	w.u16(artistRowMagic)
	w.u16(0)
	w.u32(id)
	w.u8(0x03)
	w.u8(10) // name offset, fixed header is 10 bytes
	w.pioShort(name)
	return w.buf
}

func TestParseArtistRow(t *testing.T) {
	a, err := parseArtist(artistRow(9, "deadmau5"))
	if err != nil {
		t.Fatalf("parseArtist: %s", err)
	}
	if a.ID != 9 || a.Name != "deadmau5" {
		t.Errorf("got %d %q", a.ID, a.Name)
	}
}

// buildPage lays rows into a 4096-byte page and writes the reverse
// index blocks. enabledMask bit (n-1-i) clears row i when unset; pass
// ^uint16(0) to enable all.
func buildPage(index uint32, pt PageType, rows [][]byte, enabledMask uint16) []byte {
	buf := make([]byte, pageSize)
	binary.LittleEndian.PutUint32(buf[4:], index)
	binary.LittleEndian.PutUint32(buf[8:], uint32(pt))
	buf[24] = uint8(len(rows)) // entry_count_small
	buf[27] = 0x24             // u5
	binary.LittleEndian.PutUint16(buf[36:], 1) // u9, marks page non-empty

	off := pageHeaderSize
	offsets := make([]uint16, len(rows))
	for i, row := range rows {
		copy(buf[off:], row)
		offsets[i] = uint16(off - pageHeaderSize)
		off += len(row)
		for off%4 != 0 {
			off++
		}
	}

	for b := 0; 16*b < len(rows); b++ {
		n := len(rows) - 16*b
		if n > 16 {
			n = 16
		}
		blockEnd := pageSize - footerBlockSize*b
		start := blockEnd - 4 - 2*n
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(buf[start+2*i:], offsets[16*b+i])
		}
		binary.LittleEndian.PutUint16(buf[blockEnd-4:], enabledMask)
	}
	return buf
}

func buildFile(pages ...[]byte) []byte {
	header := make([]byte, pageSize)
	binary.LittleEndian.PutUint32(header[4:], pageSize)
	out := header
	for _, p := range pages {
		out = append(out, p...)
	}
	return out
}

func TestLoadDatabase(t *testing.T) {
	var pl1, pl2, pm1, pm2, pm3 leWriter
	// two playlists in the root folder, deliberately out of sort order
	pl1.u32(0)
	pl1.u32(0)
	pl1.u32(2) // sort order
	pl1.u32(20)
	pl1.u32(0)
	pl1.pioShort("Warmup")
	pl2.u32(0)
	pl2.u32(0)
	pl2.u32(1)
	pl2.u32(21)
	pl2.u32(0)
	pl2.pioShort("Peak")
	// playlist 20 holds tracks 17 then 18, map rows out of order
	pm1.u32(2)
	pm1.u32(18)
	pm1.u32(20)
	pm2.u32(1)
	pm2.u32(17)
	pm2.u32(20)
	pm3.u32(1)
	pm3.u32(99) // dangling track reference
	pm3.u32(21)

	file := buildFile(
		buildPage(1, PageTracks, [][]byte{
			trackRow(17, 9, 0, 12800, 245, "Strobe", "/a.mp3"),
			trackRow(18, 9, 0, 17400, 190, "Ghosts", "/b.mp3"),
		}, ^uint16(0)),
		buildPage(2, PageArtists, [][]byte{artistRow(9, "deadmau5")}, ^uint16(0)),
		buildPage(3, PagePlaylists, [][]byte{pl1.buf, pl2.buf}, ^uint16(0)),
		buildPage(4, PagePlaylistMap, [][]byte{pm1.buf, pm2.buf, pm3.buf}, ^uint16(0)),
	)

	db, err := Load(file)
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if db.Tracks() != 2 {
		t.Fatalf("tracks = %d, want 2", db.Tracks())
	}
	if tr, ok := db.Track(18); !ok || tr.Title != "Ghosts" {
		t.Errorf("track 18 = %+v, %v", tr, ok)
	}
	if a, ok := db.Artist(9); !ok || a.Name != "deadmau5" {
		t.Errorf("artist 9 = %+v, %v", a, ok)
	} else if a.EntryOffset != pageHeaderSize {
		// The artist row is the first row of its page.
		t.Errorf("artist entry offset = %d, want %d", a.EntryOffset, pageHeaderSize)
	}
	if _, ok := db.Track(99); ok {
		t.Errorf("track 99 should be missing")
	}

	folder := db.PlaylistFolder(0)
	if len(folder) != 2 || folder[0].Name != "Peak" || folder[1].Name != "Warmup" {
		t.Errorf("folder order wrong: %+v", folder)
	}

	tracks := db.PlaylistTracks(20)
	if len(tracks) != 2 || tracks[0].ID != 17 || tracks[1].ID != 18 {
		t.Errorf("playlist order wrong: %+v", tracks)
	}
	// the dangling entry in playlist 21 is dropped
	if got := db.PlaylistTracks(21); len(got) != 0 {
		t.Errorf("playlist 21 = %+v", got)
	}
}

func TestDisabledRowSkipped(t *testing.T) {
	rows := [][]byte{
		trackRow(1, 0, 0, 0, 0, "one", "/1.mp3"),
		trackRow(2, 0, 0, 0, 0, "two", "/2.mp3"),
	}
	// enabled bit (n-1-i): keep row 1, drop row 0
	file := buildFile(buildPage(1, PageTracks, rows, 0b01))
	db, err := Load(file)
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if _, ok := db.Track(1); ok {
		t.Errorf("disabled row 0 should be dropped")
	}
	if _, ok := db.Track(2); !ok {
		t.Errorf("row 1 should survive")
	}
}

func TestStrangePageSkipped(t *testing.T) {
	p := buildPage(5, PageTracks, [][]byte{trackRow(1, 0, 0, 0, 0, "x", "/x")}, ^uint16(0))
	p[27] = 0x44 // u5 strange bit
	db, err := Load(buildFile(p))
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if db.Tracks() != 0 {
		t.Errorf("strange page rows must be ignored, got %d", db.Tracks())
	}
}

func TestEntryCountLargeWins(t *testing.T) {
	rows := [][]byte{
		trackRow(1, 0, 0, 0, 0, "one", "/1.mp3"),
		trackRow(2, 0, 0, 0, 0, "two", "/2.mp3"),
		trackRow(3, 0, 0, 0, 0, "three", "/3.mp3"),
	}
	p := buildPage(1, PageTracks, rows, ^uint16(0))
	p[24] = 1                                  // entry_count_small lies
	binary.LittleEndian.PutUint16(p[34:], 3)   // entry_count_large is right
	db, err := Load(buildFile(p))
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if db.Tracks() != 3 {
		t.Errorf("tracks = %d, want 3", db.Tracks())
	}
}
