package dbserver

import (
	log "github.com/golang/glog"

	"github.com/prodjlink/prolink/internal/core"
	"github.com/prodjlink/prolink/internal/protocol"
)

// Menu item rows carry a 16-bit code identifying the column they
// represent. Codes >= 0x80 below 0x100 are root menu entries; codes of
// the form 0xXX04 are two-column title rows whose high byte names the
// second column.
const (
	codeMountPath      = 0x0000
	codeFolder         = 0x0001
	codeAlbum          = 0x0002
	codeDisc           = 0x0003
	codeTitle          = 0x0004
	codeGenre          = 0x0006
	codeArtist         = 0x0007
	codePlaylist       = 0x0008
	codeRating         = 0x000a
	codeDuration       = 0x000b
	codeBPM            = 0x000d
	codeLabel          = 0x000e
	codeKey            = 0x000f
	codeBitrate        = 0x0010
	codeYear           = 0x0011
	codeComment        = 0x0023
	codeOriginalArtist = 0x0028
	codeRemixer        = 0x0029
	codePlayCount      = 0x002a
	codeDateAdded      = 0x002e
	codeAll            = 0x00a0
)

var metadataLabels = map[uint16]string{
	codeMountPath:      "mount_path",
	codeFolder:         "folder",
	codeAlbum:          "album",
	codeDisc:           "disc",
	codeTitle:          "title",
	codeGenre:          "genre",
	codeArtist:         "artist",
	codePlaylist:       "playlist",
	codeRating:         "rating",
	codeDuration:       "duration",
	codeBPM:            "bpm",
	codeLabel:          "label",
	codeKey:            "key",
	codeBitrate:        "bitrate",
	codeYear:           "year",
	0x0013:             "color_none",
	0x0014:             "color_pink",
	0x0015:             "color_red",
	0x0016:             "color_orange",
	0x0017:             "color_yellow",
	0x0018:             "color_green",
	0x0019:             "color_aqua",
	0x001a:             "color_blue",
	0x001b:             "color_purple",
	codeComment:        "comment",
	codeOriginalArtist: "original_artist",
	codeRemixer:        "remixer",
	codePlayCount:      "play_count",
	codeDateAdded:      "date_added",
	0x002f:             "unknown1",
	0x0080:             "root_genre",
	0x0081:             "root_artist",
	0x0082:             "root_album",
	0x0083:             "root_track",
	0x0084:             "root_playlist",
	0x0085:             "root_bpm",
	0x0086:             "root_rating",
	0x0087:             "root_time",
	0x0088:             "root_remixer",
	0x0089:             "root_label",
	0x008a:             "root_original_artist",
	0x008b:             "root_key",
	0x008e:             "root_color",
	0x0090:             "root_folder",
	0x0091:             "root_search",
	0x0092:             "root_time",
	0x0093:             "root_bitrate",
	0x0094:             "root_filename",
	0x0095:             "root_history",
	0x0098:             "root_hot_cue_bank",
	codeAll:            "all",
}

// SortMode selects the second column of title list replies.
type SortMode string

var sortModes = map[SortMode]uint32{
	"default":         0x00,
	"title":           0x01,
	"artist":          0x02,
	"album":           0x03,
	"bpm":             0x04,
	"rating":          0x05,
	"genre":           0x06,
	"comment":         0x07,
	"duration":        0x08,
	"remixer":         0x09,
	"original_artist": 0x0b,
	"key":             0x0c,
	"bitrate":         0x0d,
	"play_count":      0x10,
	"label":           0x11,
}

// MenuEntry is one parsed menu item row.
type MenuEntry struct {
	// Code is the raw column code, Label its decoded name (also
	// "color_*", "root_*" and "title_and_*" forms).
	Code  uint16
	Label string

	// Name and ID are the primary column: track title and id, artist
	// name and id, playlist name and id, root menu name and menu id.
	Name string
	ID   uint32

	ParentID  uint32 // playlist rows: parent folder
	TrackID   uint32 // title rows
	ArtistID  uint32 // title rows
	ArtworkID uint32 // title rows

	// Number holds plain numeric columns (duration, rating, year, ...).
	Number uint32
	BPM    float64

	// Second is the extra column of two-column title rows.
	Second *MenuEntry
}

// parseMenuItem extracts a MenuEntry from a menu_item reply. Rows with
// unknown codes are dropped with a warning.
func parseMenuItem(m *protocol.Message) *MenuEntry {
	id1 := m.Arg(0).Number
	id2 := m.Arg(1).Number
	str1 := m.Arg(3).String
	str2 := m.Arg(5).String
	code := uint16(m.Arg(6).Number)
	id3 := m.Arg(8).Number
	return parseEntry(code, id1, id2, id3, str1, str2)
}

func parseEntry(code uint16, id1, id2, id3 uint32, str1, str2 string) *MenuEntry {
	label, ok := metadataLabels[code]
	secondCode := uint16(0)
	if !ok {
		// 0xXX04 rows are "title and X" two-column rows.
		if code&0xff == 0x04 {
			if second, ok := metadataLabels[code>>8]; ok {
				label = "title_and_" + second
				secondCode = code >> 8
			}
		}
		if label == "" {
			log.Warningf("menu item code %#x unknown", code)
			return nil
		}
	}
	e := &MenuEntry{Code: code, Label: label}
	switch {
	case code == codeTitle || secondCode != 0:
		e.Name = str1
		e.TrackID = id2
		e.ID = id2
		e.ArtistID = id1
		e.ArtworkID = id3
		if secondCode != 0 {
			// The second column reuses the string slot and shares the
			// artwork id; its own ids are not transmitted.
			e.Second = parseEntry(secondCode, id1, id1, id3, str2, "")
		}
	case code == codeDuration || code == codeRating || code == codeDisc ||
		code == codePlayCount || code == codeBitrate || code == codeYear:
		e.Number = id2
	case code == codeBPM:
		e.BPM = float64(id2) / 100
	case code >= 0x13 && code <= 0x1b: // colors
		e.Name = str1
	case code == codePlaylist:
		e.Name = str1
		e.ID = id2
		e.ParentID = id1
	case code == codeDateAdded || code == codeComment || code == codeMountPath || code == codeAll:
		e.Name = str1
	case code >= 0x80 && code < 0x100: // root menu entries
		e.Name = str1
		e.ID = id2
	default: // artist, album, genre, key, label, folder, remixer, ...
		e.Name = str1
		e.ID = id2
	}
	return e
}

// mergeEntry folds one menu row into the aggregate.
func mergeEntry(md *core.TrackMetadata, e *MenuEntry) {
	if e == nil {
		return
	}
	switch {
	case e.Code == codeTitle:
		md.Title = e.Name
		md.TrackID = e.TrackID
		md.ArtistID = e.ArtistID
		md.ArtworkID = e.ArtworkID
	case e.Code == codeArtist:
		md.Artist = e.Name
		md.ArtistID = e.ID
	case e.Code == codeAlbum:
		md.Album = e.Name
		md.AlbumID = e.ID
	case e.Code == codeGenre:
		md.Genre = e.Name
		md.GenreID = e.ID
	case e.Code == codeLabel:
		md.Label = e.Name
		md.LabelID = e.ID
	case e.Code == codeKey:
		md.Key = e.Name
		md.KeyID = e.ID
	case e.Code == codeRemixer:
		md.Remixer = e.Name
	case e.Code == codeOriginalArtist:
		md.OriginalArtist = e.Name
	case e.Code == codeDuration:
		md.Duration = e.Number
	case e.Code == codeRating:
		md.Rating = e.Number
	case e.Code == codeDisc:
		md.Disc = e.Number
	case e.Code == codePlayCount:
		md.PlayCount = e.Number
	case e.Code == codeBitrate:
		md.Bitrate = e.Number
	case e.Code == codeYear:
		md.Year = e.Number
	case e.Code == codeBPM:
		md.BPM = e.BPM
	case e.Code >= 0x13 && e.Code <= 0x1b:
		md.Color = e.Label[len("color_"):]
		md.ColorText = e.Name
	case e.Code == codeComment:
		md.Comment = e.Name
	case e.Code == codeDateAdded:
		md.DateAdded = e.Name
	case e.Code == codeMountPath:
		md.MountPath = e.Name
	}
	if e.Second != nil {
		mergeEntry(md, e.Second)
	}
}
