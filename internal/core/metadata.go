package core

// TrackMetadata is the merged description of one loaded track,
// assembled either from database-server menu rows or from a parsed
// rekordbox export.
type TrackMetadata struct {
	Title     string
	TrackID   uint32
	ArtistID  uint32
	ArtworkID uint32

	Artist         string
	Album          string
	AlbumID        uint32
	Genre          string
	GenreID        uint32
	Label          string
	LabelID        uint32
	Key            string
	KeyID          uint32
	Remixer        string
	OriginalArtist string

	Duration  uint32 // seconds
	Rating    uint32
	Disc      uint32
	PlayCount uint32
	Bitrate   uint32
	Year      uint32
	BPM       float64

	Color     string
	ColorText string
	Comment   string
	DateAdded string

	// MountPath is set by mount info queries only.
	MountPath string
}
