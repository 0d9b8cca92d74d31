package pdb

import (
	"os"
	"sort"

	log "github.com/golang/glog"

	"github.com/prodjlink/prolink/internal/core"
)

// Database holds a fully indexed rekordbox export. Lookups are
// tolerant: a missing or unparseable row yields ok=false rather than
// failing the load.
type Database struct {
	tracks    map[uint32]Track
	artists   map[uint32]Artist
	albums    map[uint32]Album
	genres    map[uint32]Genre
	keys      map[uint32]Key
	labels    map[uint32]Label
	colors    map[uint8]Color
	artwork   map[uint32]Artwork
	playlists []Playlist
	entries   []PlaylistEntry
}

// Load parses a raw export database.
func Load(buf []byte) (*Database, error) {
	pages, err := parseFile(buf)
	if err != nil {
		return nil, err
	}
	db := &Database{
		tracks:  make(map[uint32]Track),
		artists: make(map[uint32]Artist),
		albums:  make(map[uint32]Album),
		genres:  make(map[uint32]Genre),
		keys:    make(map[uint32]Key),
		labels:  make(map[uint32]Label),
		colors:  make(map[uint8]Color),
		artwork: make(map[uint32]Artwork),
	}
	badRows := 0
	for _, p := range pages {
		for _, row := range p.rows {
			if err := db.addRow(p.pageType, row); err != nil {
				badRows++
			}
		}
	}
	if badRows > 0 {
		log.Warningf("pdb: skipped %d unparseable rows", badRows)
	}
	log.Infof("pdb: loaded %d tracks, %d artists, %d playlists",
		len(db.tracks), len(db.artists), len(db.playlists))
	return db, nil
}

// LoadFile parses an export database from disk.
func LoadFile(path string) (*Database, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		log.Errorf("pdb: cannot read %s: %s", path, err)
		return nil, core.ErrUnavailable
	}
	return Load(buf)
}

func (db *Database) addRow(t PageType, row pageRow) error {
	switch t {
	case PageTracks:
		v, err := parseTrack(row.buf)
		if err != nil {
			return err
		}
		db.tracks[v.ID] = v
	case PageArtists:
		v, err := parseArtist(row.buf)
		if err != nil {
			return err
		}
		v.EntryOffset = row.off
		db.artists[v.ID] = v
	case PageAlbums:
		v, err := parseAlbum(row.buf)
		if err != nil {
			return err
		}
		db.albums[v.ID] = v
	case PageGenres:
		v, err := parseGenre(row.buf)
		if err != nil {
			return err
		}
		db.genres[v.ID] = v
	case PageKeys:
		v, err := parseKey(row.buf)
		if err != nil {
			return err
		}
		db.keys[v.ID] = v
	case PageLabels:
		v, err := parseLabel(row.buf)
		if err != nil {
			return err
		}
		db.labels[v.ID] = v
	case PageColors:
		v, err := parseColor(row.buf)
		if err != nil {
			return err
		}
		db.colors[v.ID] = v
	case PageArtwork:
		v, err := parseArtwork(row.buf)
		if err != nil {
			return err
		}
		db.artwork[v.ID] = v
	case PagePlaylists:
		v, err := parsePlaylist(row.buf)
		if err != nil {
			return err
		}
		db.playlists = append(db.playlists, v)
	case PagePlaylistMap:
		v, err := parsePlaylistEntry(row.buf)
		if err != nil {
			return err
		}
		db.entries = append(db.entries, v)
	}
	return nil
}

func (db *Database) Track(id uint32) (Track, bool) {
	v, ok := db.tracks[id]
	return v, ok
}

func (db *Database) Artist(id uint32) (Artist, bool) {
	v, ok := db.artists[id]
	return v, ok
}

func (db *Database) Album(id uint32) (Album, bool) {
	v, ok := db.albums[id]
	return v, ok
}

func (db *Database) Genre(id uint32) (Genre, bool) {
	v, ok := db.genres[id]
	return v, ok
}

func (db *Database) Key(id uint32) (Key, bool) {
	v, ok := db.keys[id]
	return v, ok
}

func (db *Database) Label(id uint32) (Label, bool) {
	v, ok := db.labels[id]
	return v, ok
}

func (db *Database) Color(id uint8) (Color, bool) {
	v, ok := db.colors[id]
	return v, ok
}

func (db *Database) Artwork(id uint32) (Artwork, bool) {
	v, ok := db.artwork[id]
	return v, ok
}

// PlaylistFolder lists the playlists and folders inside a folder, in
// the user's sort order. Folder 0 is the root.
func (db *Database) PlaylistFolder(folderID uint32) []Playlist {
	var out []Playlist
	for _, p := range db.playlists {
		if p.FolderID == folderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out
}

// PlaylistTracks lists a playlist's tracks in playlist order. Entries
// whose track row is missing are dropped.
func (db *Database) PlaylistTracks(playlistID uint32) []Track {
	var ents []PlaylistEntry
	for _, e := range db.entries {
		if e.PlaylistID == playlistID {
			ents = append(ents, e)
		}
	}
	sort.Slice(ents, func(i, j int) bool { return ents[i].EntryIndex < ents[j].EntryIndex })
	out := make([]Track, 0, len(ents))
	for _, e := range ents {
		if t, ok := db.tracks[e.TrackID]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Tracks returns the number of tracks loaded.
func (db *Database) Tracks() int {
	return len(db.tracks)
}

func (db *Database) AllTracks() []Track {
	out := make([]Track, 0, len(db.tracks))
	for _, t := range db.tracks {
		out = append(out, t)
	}
	return out
}

func (db *Database) AllArtists() []Artist {
	out := make([]Artist, 0, len(db.artists))
	for _, a := range db.artists {
		out = append(out, a)
	}
	return out
}

func (db *Database) AllAlbums() []Album {
	out := make([]Album, 0, len(db.albums))
	for _, a := range db.albums {
		out = append(out, a)
	}
	return out
}

func (db *Database) AllGenres() []Genre {
	out := make([]Genre, 0, len(db.genres))
	for _, g := range db.genres {
		out = append(out, g)
	}
	return out
}

// ArtistHasGenre reports whether any track by the artist carries the
// genre.
func (db *Database) ArtistHasGenre(artistID, genreID uint32) bool {
	for _, t := range db.tracks {
		if t.ArtistID == artistID && t.GenreID == genreID {
			return true
		}
	}
	return false
}

// AlbumMatches reports whether any track on the album matches the
// given genre and artist filters. A zero id matches anything.
func (db *Database) AlbumMatches(albumID, genreID, artistID uint32) bool {
	for _, t := range db.tracks {
		if t.AlbumID != albumID {
			continue
		}
		if genreID != 0 && t.GenreID != genreID {
			continue
		}
		if artistID != 0 && t.ArtistID != artistID {
			continue
		}
		return true
	}
	return false
}
