package pdb

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/prodjlink/prolink/internal/core"
)

// Row structures of the rekordbox export database. All integers are
// little-endian, strings are DeviceSQL strings (see readString).

// PageType discriminates what rows a page carries.
type PageType uint32

const (
	PageTracks      PageType = 0
	PageGenres      PageType = 1
	PageArtists     PageType = 2
	PageAlbums      PageType = 3
	PageLabels      PageType = 4
	PageKeys        PageType = 5
	PageColors      PageType = 6
	PagePlaylists   PageType = 7
	PagePlaylistMap PageType = 8
	PageArtwork     PageType = 13
	PageColumns     PageType = 16
	PageSyncHistory PageType = 19
)

const (
	trackRowMagic      = 0x24
	artistRowMagic     = 0x60
	artistRowMagicLong = 0x64
	albumRowMagic      = 0x80
)

type rowReader struct {
	buf []byte
	off int
	err error
}

func (r *rowReader) fail() {
	if r.err == nil {
		r.err = core.ErrTruncated
	}
}

func (r *rowReader) u8() uint8 {
	if r.err != nil || r.off+1 > len(r.buf) {
		r.fail()
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *rowReader) u16() uint16 {
	if r.err != nil || r.off+2 > len(r.buf) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *rowReader) u32() uint32 {
	if r.err != nil || r.off+4 > len(r.buf) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *rowReader) skip(n int) {
	if r.err != nil || r.off+n > len(r.buf) {
		r.fail()
		return
	}
	r.off += n
}

// string reads a DeviceSQL string. The leading byte selects the flavor:
// 0x40 is long ascii with a 16-bit length (stored as length+4, one pad
// byte before the text), 0x90 is UTF-16BE with a 16-bit length, any
// other value is short inline ascii whose text length is (flag-1)/2-1.
func (r *rowReader) string() string {
	flag := r.u8()
	switch flag {
	case 0x40:
		n := int(r.u16()) - 4
		r.skip(1)
		return r.text(n)
	case 0x90:
		n := int(r.u16()) - 4
		return r.utf16be(n)
	default:
		n := (int(flag)-1)/2 - 1
		return r.text(n)
	}
}

func (r *rowReader) text(n int) string {
	if n < 0 {
		r.fail()
	}
	if r.err != nil || r.off+n > len(r.buf) {
		r.fail()
		return ""
	}
	s := r.buf[r.off : r.off+n]
	r.off += n
	// Trim a trailing NUL some writers include.
	for len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return string(s)
}

func (r *rowReader) utf16be(n int) string {
	if n < 0 || n%2 != 0 {
		r.fail()
	}
	if r.err != nil || r.off+n > len(r.buf) {
		r.fail()
		return ""
	}
	units := make([]uint16, n/2)
	for i := range units {
		units[i] = binary.BigEndian.Uint16(r.buf[r.off+2*i:])
	}
	r.off += n
	for len(units) > 0 && units[len(units)-1] == 0 {
		units = units[:len(units)-1]
	}
	return string(utf16.Decode(units))
}

// Track is one row of the track table.
type Track struct {
	ID               uint32
	SampleRate       uint32
	ComposerID       uint32
	FileSize         uint32
	ArtworkID        uint32
	KeyID            uint32
	OriginalArtistID uint32
	LabelID          uint32
	RemixerID        uint32
	Bitrate          uint32
	TrackNumber      uint32
	BPM100           uint32
	GenreID          uint32
	AlbumID          uint32
	ArtistID         uint32
	DiscNumber       uint16
	PlayCount        uint16
	Year             uint16
	SampleDepth      uint16
	Duration         uint16
	ColorID          uint8
	Rating           uint8

	AutoloadHotcues string
	DateAdded       string
	ReleaseDate     string
	MixName         string
	AnalyzePath     string
	AnalyzeDate     string
	Comment         string
	Title           string
	Filename        string
	Path            string
}

func parseTrack(buf []byte) (Track, error) {
	r := &rowReader{buf: buf}
	if r.u16() != trackRowMagic {
		return Track{}, core.ErrBadField
	}
	r.u16() // index shift
	r.u32() // bitmask
	var t Track
	t.SampleRate = r.u32()
	t.ComposerID = r.u32()
	t.FileSize = r.u32()
	r.u32() // unknown id
	r.u16()
	r.u16()
	t.ArtworkID = r.u32()
	t.KeyID = r.u32()
	t.OriginalArtistID = r.u32()
	t.LabelID = r.u32()
	t.RemixerID = r.u32()
	t.Bitrate = r.u32()
	t.TrackNumber = r.u32()
	t.BPM100 = r.u32()
	t.GenreID = r.u32()
	t.AlbumID = r.u32()
	t.ArtistID = r.u32()
	t.ID = r.u32()
	t.DiscNumber = r.u16()
	t.PlayCount = r.u16()
	t.Year = r.u16()
	t.SampleDepth = r.u16()
	t.Duration = r.u16()
	r.u16()
	t.ColorID = r.u8()
	t.Rating = r.u8()
	r.skip(23 * 2)
	r.string() // empty
	r.string() // texter
	r.string()
	r.string()
	r.string()
	r.string() // message
	r.string() // kuvo public flag
	t.AutoloadHotcues = r.string()
	r.string()
	r.string()
	t.DateAdded = r.string()
	t.ReleaseDate = r.string()
	t.MixName = r.string()
	r.string()
	t.AnalyzePath = r.string()
	t.AnalyzeDate = r.string()
	t.Comment = r.string()
	t.Title = r.string()
	r.string()
	t.Filename = r.string()
	t.Path = r.string()
	return t, r.err
}

// Artist is one row of the artist table. The long variant widens the
// name offset fields to 16 bits. EntryOffset is the row's byte offset
// within its page, filled in by the database loader.
type Artist struct {
	ID          uint32
	Name        string
	EntryOffset int
}

func parseArtist(buf []byte) (Artist, error) {
	r := &rowReader{buf: buf}
	magic := r.u16()
	if magic != artistRowMagic && magic != artistRowMagicLong {
		return Artist{}, core.ErrBadField
	}
	r.u16() // index shift
	var a Artist
	a.ID = r.u32()
	var nameOff int
	if magic == artistRowMagicLong {
		r.u16()
		nameOff = int(r.u16())
	} else {
		r.u8()
		nameOff = int(r.u8())
	}
	if r.err != nil {
		return Artist{}, r.err
	}
	if nameOff >= len(buf) {
		return Artist{}, core.ErrTruncated
	}
	nr := &rowReader{buf: buf, off: nameOff}
	a.Name = nr.string()
	return a, nr.err
}

type Album struct {
	ID            uint32
	AlbumArtistID uint32
	Name          string
}

func parseAlbum(buf []byte) (Album, error) {
	r := &rowReader{buf: buf}
	if r.u16() != albumRowMagic {
		return Album{}, core.ErrBadField
	}
	r.u16() // index shift
	r.u32()
	var a Album
	a.AlbumArtistID = r.u32()
	a.ID = r.u32()
	r.u32()
	r.u16()
	a.Name = r.string()
	return a, r.err
}

type Playlist struct {
	ID        uint32
	FolderID  uint32
	SortOrder uint32
	IsFolder  bool
	Name      string
}

func parsePlaylist(buf []byte) (Playlist, error) {
	r := &rowReader{buf: buf}
	var p Playlist
	p.FolderID = r.u32()
	r.skip(4)
	p.SortOrder = r.u32()
	p.ID = r.u32()
	p.IsFolder = r.u32() == 1
	p.Name = r.string()
	return p, r.err
}

// PlaylistEntry maps one track into one playlist at a position.
type PlaylistEntry struct {
	EntryIndex uint32
	TrackID    uint32
	PlaylistID uint32
}

func parsePlaylistEntry(buf []byte) (PlaylistEntry, error) {
	r := &rowReader{buf: buf}
	var e PlaylistEntry
	e.EntryIndex = r.u32()
	e.TrackID = r.u32()
	e.PlaylistID = r.u32()
	return e, r.err
}

type Artwork struct {
	ID   uint32
	Path string
}

func parseArtwork(buf []byte) (Artwork, error) {
	r := &rowReader{buf: buf}
	var a Artwork
	a.ID = r.u32()
	a.Path = r.string()
	return a, r.err
}

type Color struct {
	ID   uint8
	Name string
}

func parseColor(buf []byte) (Color, error) {
	r := &rowReader{buf: buf}
	r.skip(4)
	r.u8() // duplicate of id on some databases
	var c Color
	c.ID = r.u8()
	r.skip(2)
	c.Name = r.string()
	return c, r.err
}

type Genre struct {
	ID   uint32
	Name string
}

func parseGenre(buf []byte) (Genre, error) {
	r := &rowReader{buf: buf}
	var g Genre
	g.ID = r.u32()
	g.Name = r.string()
	return g, r.err
}

type Key struct {
	ID   uint32
	Name string
}

func parseKey(buf []byte) (Key, error) {
	r := &rowReader{buf: buf}
	var k Key
	k.ID = r.u32()
	r.u32() // duplicate of id
	k.Name = r.string()
	return k, r.err
}

type Label struct {
	ID   uint32
	Name string
}

func parseLabel(buf []byte) (Label, error) {
	r := &rowReader{buf: buf}
	var l Label
	l.ID = r.u32()
	l.Name = r.string()
	return l, r.err
}
