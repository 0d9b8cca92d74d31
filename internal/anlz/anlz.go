// Package anlz parses rekordbox track analysis files (ANLZnnnn.DAT and
// the extended .EXT variant).
//
// An analysis file is a "PMAI" header followed by tagged sections. Each
// tag starts with a four character code, a head size and a total size,
// so unknown tags can be skipped. DAT files carry the beatgrid, cue
// points and the preview waveform; EXT files carry the big waveform and
// the nxs2 color waveforms.
package anlz

import (
	"encoding/binary"
	"os"

	log "github.com/golang/glog"

	"github.com/prodjlink/prolink/internal/core"
)

// Tag codes.
const (
	tagPath         = "PPTH"
	tagVBR          = "PVBR"
	tagBeatgrid     = "PQTZ"
	tagWaveform     = "PWAV"
	tagWaveform2    = "PWV2"
	tagBigWaveform  = "PWV3"
	tagColorPreview = "PWV4"
	tagColorBig     = "PWV5"
	tagCues         = "PCOB"
	tagCues2        = "PCO2"
)

// ColorWaveform is an nxs2 color waveform. Entries are kept raw; the
// entry size distinguishes the six byte big waveform rows from the two
// byte preview rows.
type ColorWaveform struct {
	EntrySize  uint32
	EntryCount uint32
	Data       []byte
}

// Tag is one parsed section. Exactly one payload field matching Kind is
// set; tags the parser does not interpret carry only their Kind.
type Tag struct {
	Kind string

	Path            string
	Beatgrid        core.Beatgrid
	Waveform        []byte // PWAV, PWV2: one byte per entry
	BigWaveform     []byte // PWV3
	Color           *ColorWaveform
	Cues            []core.CuePoint // PCOB
	ExtCues         []core.CuePoint // PCO2
	CueObjectKind   uint32          // 0 memory, 1 hotcue
	CueMemoryCount  uint32
}

// File is a parsed analysis file.
type File struct {
	Tags []Tag
}

// Tag returns the first tag of the given kind.
func (f *File) Tag(kind string) *Tag {
	for i := range f.Tags {
		if f.Tags[i].Kind == kind {
			return &f.Tags[i]
		}
	}
	return nil
}

const fileMagic = "PMAI"

// Parse decodes an analysis file from a buffer.
func Parse(buf []byte) (*File, error) {
	if len(buf) < 28 {
		return nil, core.ErrTruncated
	}
	if string(buf[:4]) != fileMagic {
		return nil, core.ErrBadMagic
	}
	headSize := binary.BigEndian.Uint32(buf[4:])
	fileSize := binary.BigEndian.Uint32(buf[8:])
	if headSize < 28 || int(headSize) > len(buf) {
		return nil, core.ErrBadField
	}
	if int(fileSize) < len(buf) {
		buf = buf[:fileSize]
	}
	f := &File{}
	rest := buf[headSize:]
	for len(rest) > 0 {
		tag, size, err := parseTag(rest)
		if err != nil {
			// A damaged tag header loses only the rest of the walk;
			// everything parsed before it stays usable.
			log.Warningf("analysis tag walk stopped early: %s", err)
			break
		}
		f.Tags = append(f.Tags, *tag)
		rest = rest[size:]
	}
	return f, nil
}

// ParseFile decodes an analysis file from disk.
func ParseFile(path string) (*File, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(buf)
}

// parseTag decodes one tag from the front of buf and returns its total
// size.
func parseTag(buf []byte) (*Tag, int, error) {
	if len(buf) < 12 {
		return nil, 0, core.ErrTruncated
	}
	kind := string(buf[:4])
	headSize := binary.BigEndian.Uint32(buf[4:])
	tagSize := binary.BigEndian.Uint32(buf[8:])
	if tagSize < 12 || int(tagSize) > len(buf) || headSize > tagSize {
		return nil, 0, core.ErrTruncated
	}
	tag := &Tag{Kind: kind}
	body := buf[12:tagSize]
	var err error
	switch kind {
	case tagPath:
		err = tag.parsePath(body)
	case tagBeatgrid:
		err = tag.parseBeatgrid(body)
	case tagWaveform, tagWaveform2:
		err = tag.parseWaveform(body)
	case tagBigWaveform:
		err = tag.parseBigWaveform(body)
	case tagColorPreview, tagColorBig:
		tag.Color, err = parseColorBody(body)
	case tagCues:
		err = tag.parseCues(body)
	case tagCues2:
		err = tag.parseCues2(body)
	default:
		// Unknown tags are skipped by their declared size.
		log.V(2).Infof("skipping unhandled tag %q (%d bytes)", kind, tagSize)
	}
	if err != nil {
		// The declared size is intact, so the walk can step over a
		// tag whose body does not parse.
		log.Warningf("skipping damaged %q tag: %s", kind, err)
		return &Tag{Kind: kind}, int(tagSize), nil
	}
	return tag, int(tagSize), nil
}

func (t *Tag) parsePath(body []byte) error {
	if len(body) < 4 {
		return core.ErrTruncated
	}
	size := binary.BigEndian.Uint32(body)
	if size < 2 || int(size) > len(body)-4 {
		return core.ErrTruncated
	}
	t.Path = utf16be(body[4 : 4+size-2])
	return nil
}

func (t *Tag) parseBeatgrid(body []byte) error {
	// pad4, constant, entry count, then 8 byte entries.
	if len(body) < 12 {
		return core.ErrTruncated
	}
	count := int(binary.BigEndian.Uint32(body[8:]))
	if len(body) < 12+count*8 {
		return core.ErrTruncated
	}
	grid := make(core.Beatgrid, count)
	for i := 0; i < count; i++ {
		e := body[12+i*8:]
		grid[i] = core.Beat{
			Number: binary.BigEndian.Uint16(e),
			BPM100: binary.BigEndian.Uint16(e[2:]),
			Time:   binary.BigEndian.Uint32(e[4:]),
		}
	}
	t.Beatgrid = grid
	return nil
}

func (t *Tag) parseWaveform(body []byte) error {
	if len(body) < 8 {
		return core.ErrTruncated
	}
	size := int(binary.BigEndian.Uint32(body))
	if len(body) < 8+size {
		return core.ErrTruncated
	}
	t.Waveform = body[8 : 8+size]
	return nil
}

func (t *Tag) parseBigWaveform(body []byte) error {
	if len(body) < 12 {
		return core.ErrTruncated
	}
	size := int(binary.BigEndian.Uint32(body[4:]))
	if len(body) < 12+size {
		return core.ErrTruncated
	}
	t.BigWaveform = body[12 : 12+size]
	return nil
}

func parseColorBody(body []byte) (*ColorWaveform, error) {
	if len(body) < 12 {
		return nil, core.ErrTruncated
	}
	w := &ColorWaveform{
		EntrySize:  binary.BigEndian.Uint32(body),
		EntryCount: binary.BigEndian.Uint32(body[4:]),
	}
	data := body[12:]
	if n := int(w.EntrySize * w.EntryCount); n <= len(data) {
		data = data[:n]
	}
	w.Data = data
	return w, nil
}

// ParseColorWaveform decodes a standalone color waveform tag, as
// returned by nxs2 extended database queries.
func ParseColorWaveform(buf []byte) (*ColorWaveform, error) {
	if len(buf) < 12 {
		return nil, core.ErrTruncated
	}
	kind := string(buf[:4])
	if kind != tagColorPreview && kind != tagColorBig {
		return nil, core.ErrUnknownType
	}
	tagSize := binary.BigEndian.Uint32(buf[8:])
	if tagSize < 12 || int(tagSize) > len(buf) {
		return nil, core.ErrTruncated
	}
	return parseColorBody(buf[12:tagSize])
}

func (t *Tag) parseCues(body []byte) error {
	if len(body) < 12 {
		return core.ErrTruncated
	}
	t.CueObjectKind = binary.BigEndian.Uint32(body)
	count := int(binary.BigEndian.Uint32(body[4:]))
	t.CueMemoryCount = binary.BigEndian.Uint32(body[8:])
	rest := body[12:]
	for i := 0; i < count; i++ {
		if len(rest) < 12 || string(rest[:4]) != "PCPT" {
			return core.ErrBadField
		}
		size := binary.BigEndian.Uint32(rest[8:])
		if size < 12 || int(size) > len(rest) {
			return core.ErrTruncated
		}
		e := rest[12:size]
		if len(e) < 28 {
			return core.ErrTruncated
		}
		t.Cues = append(t.Cues, core.CuePoint{
			Hotcue:  binary.BigEndian.Uint32(e),
			Enabled: binary.BigEndian.Uint32(e[4:]) == 4,
			Kind:    core.CuePointKind(e[16]),
			Time:    binary.BigEndian.Uint32(e[20:]),
			End:     binary.BigEndian.Uint32(e[24:]),
		})
		rest = rest[size:]
	}
	return nil
}

func (t *Tag) parseCues2(body []byte) error {
	if len(body) < 8 {
		return core.ErrTruncated
	}
	t.CueObjectKind = binary.BigEndian.Uint32(body)
	count := int(binary.BigEndian.Uint16(body[4:]))
	rest := body[8:]
	for i := 0; i < count; i++ {
		if len(rest) < 12 || string(rest[:4]) != "PCP2" {
			return core.ErrBadField
		}
		size := binary.BigEndian.Uint32(rest[8:])
		if size < 12 || int(size) > len(rest) {
			return core.ErrTruncated
		}
		e := rest[12:size]
		if len(e) < 16 {
			return core.ErrTruncated
		}
		cue := core.CuePoint{
			Hotcue:  binary.BigEndian.Uint32(e),
			Enabled: true,
			Time:    binary.BigEndian.Uint32(e[8:]),
			End:     binary.BigEndian.Uint32(e[12:]),
		}
		if cue.End != 0xffffffff {
			cue.Kind = core.CueLoop
		} else {
			cue.Kind = core.CueSingle
		}
		t.ExtCues = append(t.ExtCues, cue)
		rest = rest[size:]
	}
	return nil
}

func utf16be(b []byte) string {
	u := make([]rune, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		c := rune(binary.BigEndian.Uint16(b[i:]))
		if c == 0 {
			break
		}
		u = append(u, c)
	}
	return string(u)
}
