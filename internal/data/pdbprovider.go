package data

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/golang/glog"

	"github.com/prodjlink/prolink/internal/anlz"
	"github.com/prodjlink/prolink/internal/core"
	"github.com/prodjlink/prolink/internal/dbserver"
	"github.com/prodjlink/prolink/internal/nfs"
	"github.com/prodjlink/prolink/internal/pdb"
	"github.com/prodjlink/prolink/internal/registry"
)

// Paths of the export database on player media. Exports written on
// MacOS hide the directory.
const (
	exportPath       = "/PIONEER/rekordbox/export.pdb"
	exportPathHidden = "/.PIONEER/rekordbox/export.pdb"
)

// colorNames maps a track's color id to the name rekordbox shows.
var colorNames = []string{"", "pink", "red", "orange", "yellow", "green", "aqua", "blue", "purple"}

// PlayerSource resolves player numbers to their last known state.
type PlayerSource interface {
	Player(number uint8) (registry.Player, bool)
}

// PDBProvider serves queries from rekordbox export databases downloaded
// over NFS, avoiding the database server entirely once a database is
// cached.
type PDBProvider struct {
	players PlayerSource
	nfs     *nfs.Client
	dir     string

	dbs   *Store // Key{player, slot, 0} -> *pdb.Database or a load failure
	grids *Store // Key{player, slot, track} -> *anlz.Database
}

// loadFailure is cached in place of a database so repeated queries do
// not retrigger a download that already failed.
type loadFailure struct {
	err error
}

func NewPDBProvider(players PlayerSource, n *nfs.Client, dir string) *PDBProvider {
	return &PDBProvider{
		players: players,
		nfs:     n,
		dir:     dir,
		dbs:     NewStore(defaultStoreSize),
		grids:   NewStore(defaultStoreSize),
	}
}

// RemoveByPlayerSlot drops cached databases after a media change.
func (p *PDBProvider) RemoveByPlayerSlot(player uint8, slot core.PlayerSlot) {
	p.dbs.RemoveByPlayerSlot(player, slot)
	p.grids.RemoveByPlayerSlot(player, slot)
}

func (p *PDBProvider) playerIP(number uint8) (registry.Player, error) {
	pl, ok := p.players.Player(number)
	if !ok {
		return registry.Player{}, core.ErrNoSuchPlayer
	}
	return pl, nil
}

func (p *PDBProvider) downloadDB(ctx context.Context, number uint8, slot core.PlayerSlot) (string, error) {
	pl, err := p.playerIP(number)
	if err != nil {
		return "", err
	}
	filename := filepath.Join(p.dir, fmt.Sprintf("player-%d-%s.pdb", number, slot))
	os.Remove(filename)
	err = p.nfs.DownloadToFile(ctx, pl.IPAddr, slot, exportPath, filename)
	if err == core.ErrNFS {
		log.V(1).Infof("data: default export path missing on player %d, trying hidden path", number)
		err = p.nfs.DownloadToFile(ctx, pl.IPAddr, slot, exportPathHidden, filename)
	}
	if err != nil {
		return "", err
	}
	return filename, nil
}

// db returns the cached export database for a medium, downloading and
// parsing it on first use. A failed load is cached too.
func (p *PDBProvider) db(ctx context.Context, number uint8, slot core.PlayerSlot) (*pdb.Database, error) {
	key := Key{Player: number, Slot: slot}
	if v, ok := p.dbs.Get(key); ok {
		if f, bad := v.(*loadFailure); bad {
			return nil, f.err
		}
		return v.(*pdb.Database), nil
	}
	filename, err := p.downloadDB(ctx, number, slot)
	if err != nil {
		log.Warningf("data: export database download from player %d failed: %s", number, err)
		p.dbs.Put(key, &loadFailure{err: err})
		return nil, err
	}
	db, err := pdb.LoadFile(filename)
	if err != nil {
		log.Warningf("data: export database from player %d unparseable: %s", number, err)
		p.dbs.Put(key, &loadFailure{err: err})
		return nil, err
	}
	p.dbs.Put(key, db)
	return db, nil
}

// analyze returns the cached ANLZ data for a track, downloading the DAT
// and EXT files on first use. A missing EXT file degrades to DAT-only
// data rather than failing.
func (p *PDBProvider) analyze(ctx context.Context, number uint8, slot core.PlayerSlot, trackID uint32) (*anlz.Database, error) {
	key := Key{Player: number, Slot: slot, ID: trackID}
	if v, ok := p.grids.Get(key); ok {
		return v.(*anlz.Database), nil
	}
	db, err := p.db(ctx, number, slot)
	if err != nil {
		return nil, err
	}
	track, ok := db.Track(trackID)
	if !ok {
		return nil, core.ErrUnavailable
	}
	pl, err := p.playerIP(number)
	if err != nil {
		return nil, err
	}
	dat, err := p.nfs.DownloadToBuffer(ctx, pl.IPAddr, slot, track.AnalyzePath)
	if err != nil {
		return nil, err
	}
	a := &anlz.Database{}
	if err := a.LoadDAT(dat); err != nil {
		return nil, err
	}
	extPath := strings.ReplaceAll(track.AnalyzePath, "DAT", "EXT")
	if ext, err := p.nfs.DownloadToBuffer(ctx, pl.IPAddr, slot, extPath); err != nil {
		log.Warningf("data: no EXT analysis for track %d on player %d: %s", trackID, number, err)
	} else if err := a.LoadEXT(ext); err != nil {
		log.Warningf("data: EXT analysis for track %d unparseable: %s", trackID, err)
	}
	p.grids.Put(key, a)
	return a, nil
}

func nameOrPlaceholder(name string, ok bool, id uint32) string {
	if id == 0 {
		return ""
	}
	if !ok {
		log.Warningf("data: broken database reference id %d", id)
		return "?"
	}
	return name
}

// Metadata assembles track metadata from the export database.
func (p *PDBProvider) Metadata(ctx context.Context, number uint8, slot core.PlayerSlot, trackID uint32) (*core.TrackMetadata, error) {
	db, err := p.db(ctx, number, slot)
	if err != nil {
		return nil, err
	}
	track, ok := db.Track(trackID)
	if !ok {
		return nil, core.ErrUnavailable
	}
	artist, ok1 := db.Artist(track.ArtistID)
	album, ok2 := db.Album(track.AlbumID)
	key, ok3 := db.Key(track.KeyID)
	genre, ok4 := db.Genre(track.GenreID)
	color, ok5 := db.Color(track.ColorID)

	colorName := ""
	if int(track.ColorID) < len(colorNames) {
		colorName = colorNames[track.ColorID]
	}

	return &core.TrackMetadata{
		TrackID:   track.ID,
		Title:     track.Title,
		ArtistID:  track.ArtistID,
		Artist:    nameOrPlaceholder(artist.Name, ok1, track.ArtistID),
		AlbumID:   track.AlbumID,
		Album:     nameOrPlaceholder(album.Name, ok2, track.AlbumID),
		KeyID:     track.KeyID,
		Key:       nameOrPlaceholder(key.Name, ok3, track.KeyID),
		GenreID:   track.GenreID,
		Genre:     nameOrPlaceholder(genre.Name, ok4, track.GenreID),
		Duration:  uint32(track.Duration),
		Comment:   track.Comment,
		DateAdded: track.DateAdded,
		Color:     colorName,
		ColorText: nameOrPlaceholder(color.Name, ok5, uint32(track.ColorID)),
		Rating:    uint32(track.Rating),
		ArtworkID: track.ArtworkID,
		BPM:       float64(track.BPM100) / 100,
	}, nil
}

// MountInfo mimics the database server's mount info reply from export
// data.
func (p *PDBProvider) MountInfo(ctx context.Context, number uint8, slot core.PlayerSlot, trackID uint32) (*core.TrackMetadata, error) {
	db, err := p.db(ctx, number, slot)
	if err != nil {
		return nil, err
	}
	track, ok := db.Track(trackID)
	if !ok {
		return nil, core.ErrUnavailable
	}
	return &core.TrackMetadata{
		TrackID:   track.ID,
		Duration:  uint32(track.Duration),
		BPM:       float64(track.BPM100) / 100,
		MountPath: track.Path,
	}, nil
}

func (p *PDBProvider) Artwork(ctx context.Context, number uint8, slot core.PlayerSlot, artworkID uint32) ([]byte, error) {
	db, err := p.db(ctx, number, slot)
	if err != nil {
		return nil, err
	}
	art, ok := db.Artwork(artworkID)
	if !ok {
		log.Warningf("data: no artwork %d on player %d", artworkID, number)
		return nil, core.ErrUnavailable
	}
	pl, err := p.playerIP(number)
	if err != nil {
		return nil, err
	}
	return p.nfs.DownloadToBuffer(ctx, pl.IPAddr, slot, art.Path)
}

func (p *PDBProvider) Waveform(ctx context.Context, number uint8, slot core.PlayerSlot, trackID uint32) ([]byte, error) {
	a, err := p.analyze(ctx, number, slot, trackID)
	if err != nil {
		return nil, err
	}
	return a.Waveform()
}

// PreviewWaveform spreads each analysis byte into the height/whiteness
// pair the database server delivers, so both sources render alike.
func (p *PDBProvider) PreviewWaveform(ctx context.Context, number uint8, slot core.PlayerSlot, trackID uint32) ([]byte, error) {
	a, err := p.analyze(ctx, number, slot, trackID)
	if err != nil {
		return nil, err
	}
	lines, err := a.PreviewWaveform()
	if err != nil {
		return nil, err
	}
	spread := make([]byte, 0, 2*len(lines))
	for _, line := range lines {
		spread = append(spread, line&0x1f, line>>5)
	}
	return spread, nil
}

func (p *PDBProvider) ColorWaveform(ctx context.Context, number uint8, slot core.PlayerSlot, trackID uint32) (*anlz.ColorWaveform, error) {
	a, err := p.analyze(ctx, number, slot, trackID)
	if err != nil {
		return nil, err
	}
	return a.ColorWaveform()
}

func (p *PDBProvider) ColorPreviewWaveform(ctx context.Context, number uint8, slot core.PlayerSlot, trackID uint32) (*anlz.ColorWaveform, error) {
	a, err := p.analyze(ctx, number, slot, trackID)
	if err != nil {
		return nil, err
	}
	return a.ColorPreviewWaveform()
}

func (p *PDBProvider) Beatgrid(ctx context.Context, number uint8, slot core.PlayerSlot, trackID uint32) (core.Beatgrid, error) {
	a, err := p.analyze(ctx, number, slot, trackID)
	if err != nil {
		return nil, err
	}
	return a.Beatgrid()
}

// RootMenu lists the browse categories an export database supports.
func (p *PDBProvider) RootMenu() []dbserver.MenuEntry {
	names := []struct {
		name string
		id   uint32
	}{
		{"TRACK", 4}, {"ARTIST", 2}, {"ALBUM", 3}, {"GENRE", 1},
		{"KEY", 12}, {"PLAYLIST", 5}, {"HISTORY", 22}, {"SEARCH", 18},
		{"FOLDER", 17},
	}
	out := make([]dbserver.MenuEntry, len(names))
	for i, n := range names {
		out[i] = dbserver.MenuEntry{
			Label: "root_" + strings.ToLower(n.name),
			Name:  "￺" + n.name + "￻",
			ID:    n.id,
		}
	}
	return out
}

// titleEntry builds a two-column title row like the database server
// renders, with the second column chosen by the sort mode.
func titleEntry(db *pdb.Database, t pdb.Track, sortMode dbserver.SortMode) dbserver.MenuEntry {
	e := dbserver.MenuEntry{
		Label:     "title",
		Name:      t.Title,
		ID:        t.ID,
		TrackID:   t.ID,
		ArtistID:  t.ArtistID,
		ArtworkID: t.ArtworkID,
	}
	second := dbserver.MenuEntry{Label: string(sortMode)}
	lookupName := func(name string, ok bool, id uint32) string {
		return nameOrPlaceholder(name, ok, id)
	}
	switch sortMode {
	case "default", "title", "artist":
		a, ok := db.Artist(t.ArtistID)
		second.Label = "artist"
		second.Name = lookupName(a.Name, ok, t.ArtistID)
	case "album":
		a, ok := db.Album(t.AlbumID)
		second.Name = lookupName(a.Name, ok, t.AlbumID)
	case "genre":
		g, ok := db.Genre(t.GenreID)
		second.Name = lookupName(g.Name, ok, t.GenreID)
	case "label":
		l, ok := db.Label(t.LabelID)
		second.Name = lookupName(l.Name, ok, t.LabelID)
	case "original_artist":
		a, ok := db.Artist(t.OriginalArtistID)
		second.Name = lookupName(a.Name, ok, t.OriginalArtistID)
	case "remixer":
		a, ok := db.Artist(t.RemixerID)
		second.Name = lookupName(a.Name, ok, t.RemixerID)
	case "key":
		k, ok := db.Key(t.KeyID)
		second.Name = lookupName(k.Name, ok, t.KeyID)
	case "bpm":
		second.BPM = float64(t.BPM100) / 100
	case "rating":
		second.Number = uint32(t.Rating)
	case "duration":
		second.Number = uint32(t.Duration)
	case "bitrate":
		second.Number = t.Bitrate
	case "play_count":
		second.Number = uint32(t.PlayCount)
	case "comment":
		second.Name = t.Comment
	}
	e.Second = &second
	return e
}

func sortTitleEntries(entries []dbserver.MenuEntry, sortMode dbserver.SortMode) {
	if sortMode == "default" {
		return
	}
	less := func(i, j int) bool {
		a, b := entries[i].Second, entries[j].Second
		switch sortMode {
		case "bpm":
			return a.BPM < b.BPM
		case "rating":
			return a.Number > b.Number // best rated first
		case "duration", "bitrate", "play_count":
			return a.Number < b.Number
		case "title":
			return entries[i].Name < entries[j].Name
		default:
			return a.Name < b.Name
		}
	}
	sort.SliceStable(entries, less)
}

// Titles lists tracks, optionally filtered. ids narrows the selection:
// one id filters by album, two by artist and album, three by genre,
// artist and album. A zero id matches anything.
func (p *PDBProvider) Titles(ctx context.Context, number uint8, slot core.PlayerSlot, sortMode dbserver.SortMode, ids []uint32) ([]dbserver.MenuEntry, error) {
	db, err := p.db(ctx, number, slot)
	if err != nil {
		return nil, err
	}
	match := func(t pdb.Track) bool {
		switch len(ids) {
		case 3:
			return (ids[0] == 0 || t.GenreID == ids[0]) &&
				(ids[1] == 0 || t.ArtistID == ids[1]) &&
				(ids[2] == 0 || t.AlbumID == ids[2])
		case 2:
			return t.ArtistID == ids[0] && (ids[1] == 0 || t.AlbumID == ids[1])
		case 1:
			return t.AlbumID == ids[0]
		default:
			return true
		}
	}
	if sortMode == "default" {
		sortMode = "title"
	}
	var out []dbserver.MenuEntry
	for _, t := range db.AllTracks() {
		if match(t) {
			out = append(out, titleEntry(db, t, sortMode))
		}
	}
	sortTitleEntries(out, sortMode)
	return out, nil
}

// Artists lists artists, optionally restricted to one genre.
func (p *PDBProvider) Artists(ctx context.Context, number uint8, slot core.PlayerSlot, ids []uint32) ([]dbserver.MenuEntry, error) {
	db, err := p.db(ctx, number, slot)
	if err != nil {
		return nil, err
	}
	var out []dbserver.MenuEntry
	for _, a := range db.AllArtists() {
		if len(ids) == 1 && !db.ArtistHasGenre(a.ID, ids[0]) {
			continue
		}
		out = append(out, dbserver.MenuEntry{Label: "artist", Name: a.Name, ID: a.ID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if len(ids) == 1 {
		out = append([]dbserver.MenuEntry{{Label: "all", Name: " ALL "}}, out...)
	}
	return out, nil
}

// Albums lists albums, optionally restricted by artist and genre.
func (p *PDBProvider) Albums(ctx context.Context, number uint8, slot core.PlayerSlot, ids []uint32) ([]dbserver.MenuEntry, error) {
	db, err := p.db(ctx, number, slot)
	if err != nil {
		return nil, err
	}
	var genreID, artistID uint32
	switch len(ids) {
	case 2:
		genreID, artistID = ids[0], ids[1]
	case 1:
		artistID = ids[0]
	}
	var out []dbserver.MenuEntry
	for _, a := range db.AllAlbums() {
		if (genreID != 0 || artistID != 0) && !db.AlbumMatches(a.ID, genreID, artistID) {
			continue
		}
		out = append(out, dbserver.MenuEntry{Label: "album", Name: a.Name, ID: a.ID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if len(ids) > 0 {
		out = append([]dbserver.MenuEntry{{Label: "all", Name: " ALL "}}, out...)
	}
	return out, nil
}

func (p *PDBProvider) Genres(ctx context.Context, number uint8, slot core.PlayerSlot) ([]dbserver.MenuEntry, error) {
	db, err := p.db(ctx, number, slot)
	if err != nil {
		return nil, err
	}
	var out []dbserver.MenuEntry
	for _, g := range db.AllGenres() {
		out = append(out, dbserver.MenuEntry{Label: "genre", Name: g.Name, ID: g.ID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PlaylistFolder lists the playlists and folders inside a folder.
func (p *PDBProvider) PlaylistFolder(ctx context.Context, number uint8, slot core.PlayerSlot, folderID uint32) ([]dbserver.MenuEntry, error) {
	db, err := p.db(ctx, number, slot)
	if err != nil {
		return nil, err
	}
	var out []dbserver.MenuEntry
	for _, pl := range db.PlaylistFolder(folderID) {
		label := "playlist"
		if pl.IsFolder {
			label = "folder"
		}
		out = append(out, dbserver.MenuEntry{
			Label:    label,
			Name:     pl.Name,
			ID:       pl.ID,
			ParentID: pl.FolderID,
		})
	}
	return out, nil
}

// Playlist lists a playlist's tracks as title rows.
func (p *PDBProvider) Playlist(ctx context.Context, number uint8, slot core.PlayerSlot, sortMode dbserver.SortMode, playlistID uint32) ([]dbserver.MenuEntry, error) {
	db, err := p.db(ctx, number, slot)
	if err != nil {
		return nil, err
	}
	if sortMode == "" {
		sortMode = "default"
	}
	var out []dbserver.MenuEntry
	for _, t := range db.PlaylistTracks(playlistID) {
		mode := sortMode
		if mode == "default" {
			mode = "title"
		}
		e := titleEntry(db, t, mode)
		out = append(out, e)
	}
	if sortMode != "default" {
		sortTitleEntries(out, sortMode)
	}
	return out, nil
}
