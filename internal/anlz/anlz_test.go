package anlz

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/prodjlink/prolink/internal/core"
)

func be16(v uint16) []byte { b := make([]byte, 2); binary.BigEndian.PutUint16(b, v); return b }
func be32(v uint32) []byte { b := make([]byte, 4); binary.BigEndian.PutUint32(b, v); return b }

// tag assembles one tag with correct head and total sizes.
func tag(kind string, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(kind)
	buf.Write(be32(12))
	buf.Write(be32(uint32(12 + len(body))))
	buf.Write(body)
	return buf.Bytes()
}

// anlzFile assembles a PMAI container around tags.
func anlzFile(tags ...[]byte) []byte {
	var body bytes.Buffer
	for _, t := range tags {
		body.Write(t)
	}
	var buf bytes.Buffer
	buf.WriteString("PMAI")
	buf.Write(be32(28))
	buf.Write(be32(uint32(28 + body.Len())))
	buf.Write(make([]byte, 16)) // four unknown words
	buf.Write(body.Bytes())
	return buf.Bytes()
}

func beatgridTag(beats ...core.Beat) []byte {
	var body bytes.Buffer
	body.Write(make([]byte, 4))
	body.Write(be32(0x80000))
	body.Write(be32(uint32(len(beats))))
	for _, b := range beats {
		body.Write(be16(b.Number))
		body.Write(be16(b.BPM100))
		body.Write(be32(b.Time))
	}
	return tag("PQTZ", body.Bytes())
}

func pathTag(path string) []byte {
	var enc bytes.Buffer
	for _, r := range path {
		enc.Write(be16(uint16(r)))
	}
	var body bytes.Buffer
	body.Write(be32(uint32(enc.Len() + 2)))
	body.Write(enc.Bytes())
	body.Write(make([]byte, 2))
	return tag("PPTH", body.Bytes())
}

func waveformTag(kind string, data []byte) []byte {
	var body bytes.Buffer
	body.Write(be32(uint32(len(data))))
	body.Write(be32(0x10000))
	body.Write(data)
	return tag(kind, body.Bytes())
}

func bigWaveformTag(data []byte) []byte {
	var body bytes.Buffer
	body.Write(be32(1))
	body.Write(be32(uint32(len(data))))
	body.Write(be32(0x960000))
	body.Write(data)
	return tag("PWV3", body.Bytes())
}

func colorWaveformTag(kind string, entrySize uint32, data []byte) []byte {
	var body bytes.Buffer
	body.Write(be32(entrySize))
	body.Write(be32(uint32(len(data)) / entrySize))
	body.Write(be32(0))
	body.Write(data)
	return tag(kind, body.Bytes())
}

func cuePoint(hotcue uint32, kind core.CuePointKind, time, end uint32, enabled bool) []byte {
	var e bytes.Buffer
	e.WriteString("PCPT")
	e.Write(be32(12))
	e.Write(be32(12 + 44))
	e.Write(be32(hotcue))
	status := uint32(0)
	if enabled {
		status = 4
	}
	e.Write(be32(status))
	e.Write(be32(0x10000))
	e.Write(be16(0xffff)) // order first
	e.Write(be16(1))      // order last
	e.WriteByte(byte(kind))
	e.WriteByte(0)
	e.Write(be16(1000))
	e.Write(be32(time))
	e.Write(be32(end))
	e.Write(make([]byte, 16))
	return e.Bytes()
}

func cuesTag(cues ...[]byte) []byte {
	var body bytes.Buffer
	body.Write(be32(0)) // memory
	body.Write(be32(uint32(len(cues))))
	body.Write(be32(uint32(len(cues))))
	for _, c := range cues {
		body.Write(c)
	}
	return tag("PCOB", body.Bytes())
}

func TestParseDAT(t *testing.T) {
	buf := anlzFile(
		pathTag("/PIONEER/USBANLZ/P016/0000875E/ANLZ0000.DAT"),
		tag("PXXX", []byte{1, 2, 3, 4}), // unknown, must be skipped
		beatgridTag(
			core.Beat{Number: 1, BPM100: 12800, Time: 460},
			core.Beat{Number: 2, BPM100: 12800, Time: 920},
		),
		waveformTag("PWAV", []byte{0x11, 0x22, 0x33}),
		cuesTag(cuePoint(0, core.CueSingle, 4000, 0xffffffff, true)),
	)
	f, err := Parse(buf)
	if err != nil {
		t.Fatalf("parse failed: %s", err)
	}
	if len(f.Tags) != 5 {
		t.Fatalf("parsed %d tags, want 5", len(f.Tags))
	}
	if p := f.Tag("PPTH"); p == nil || p.Path != "/PIONEER/USBANLZ/P016/0000875E/ANLZ0000.DAT" {
		t.Errorf("bad path tag: %+v", p)
	}
	grid := f.Tag("PQTZ")
	if grid == nil || len(grid.Beatgrid) != 2 || grid.Beatgrid[1].Time != 920 {
		t.Errorf("bad beatgrid: %+v", grid)
	}
	if w := f.Tag("PWAV"); w == nil || !bytes.Equal(w.Waveform, []byte{0x11, 0x22, 0x33}) {
		t.Errorf("bad waveform: %+v", w)
	}
	cues := f.Tag("PCOB")
	if cues == nil || len(cues.Cues) != 1 {
		t.Fatalf("bad cues: %+v", cues)
	}
	c := cues.Cues[0]
	if c.Kind != core.CueSingle || !c.Enabled || c.Time != 4000 {
		t.Errorf("bad cue point: %+v", c)
	}
}

func TestParseBadMagic(t *testing.T) {
	buf := anlzFile()
	copy(buf, "XXXX")
	if _, err := Parse(buf); err != core.ErrBadMagic {
		t.Errorf("expected ErrBadMagic, got %v", err)
	}
	if _, err := Parse(buf[:10]); err != core.ErrTruncated {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}

func TestParseTruncatedTag(t *testing.T) {
	buf := anlzFile(
		beatgridTag(
			core.Beat{Number: 1, BPM100: 12800, Time: 460},
			core.Beat{Number: 2, BPM100: 12800, Time: 920},
		),
		waveformTag("PWAV", []byte{1, 2, 3}),
	)
	// A tag truncated at the end of the file loses only itself.
	f, err := Parse(buf[:len(buf)-2])
	if err != nil {
		t.Fatalf("parse failed: %s", err)
	}
	grid := f.Tag("PQTZ")
	if grid == nil || len(grid.Beatgrid) != 2 {
		t.Fatalf("beatgrid lost: %+v", grid)
	}
	if f.Tag("PWAV") != nil {
		t.Errorf("truncated trailing tag should be dropped")
	}
}

func TestParseDamagedTagBody(t *testing.T) {
	// The waveform declares more data than its body holds; the walk
	// must step over it and still reach the beatgrid behind it.
	bad := tag("PWAV", be32(100))
	buf := anlzFile(bad, beatgridTag(core.Beat{Number: 1, BPM100: 12800, Time: 460}))
	f, err := Parse(buf)
	if err != nil {
		t.Fatalf("parse failed: %s", err)
	}
	if w := f.Tag("PWAV"); w == nil || w.Waveform != nil {
		t.Errorf("damaged tag should be kept empty: %+v", w)
	}
	grid := f.Tag("PQTZ")
	if grid == nil || len(grid.Beatgrid) != 1 {
		t.Errorf("beatgrid lost behind damaged tag: %+v", grid)
	}
}

func TestParseColorWaveform(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	blob := colorWaveformTag("PWV5", 2, data)
	w, err := ParseColorWaveform(blob)
	if err != nil {
		t.Fatalf("parse failed: %s", err)
	}
	if w.EntrySize != 2 || w.EntryCount != 6 || !bytes.Equal(w.Data, data) {
		t.Errorf("bad color waveform: %+v", w)
	}
	if _, err := ParseColorWaveform(tag("PWAV", nil)); err != core.ErrUnknownType {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

func TestDatabaseDegradesWithoutEXT(t *testing.T) {
	var d Database
	err := d.LoadDAT(anlzFile(
		beatgridTag(core.Beat{Number: 1, BPM100: 12800, Time: 460}),
		waveformTag("PWAV", []byte{1, 2}),
		cuesTag(),
	))
	if err != nil {
		t.Fatalf("load failed: %s", err)
	}
	if _, err := d.Beatgrid(); err != nil {
		t.Errorf("beatgrid unavailable: %s", err)
	}
	if _, err := d.PreviewWaveform(); err != nil {
		t.Errorf("preview waveform unavailable: %s", err)
	}
	// EXT-sourced queries must degrade, not fail the DAT data.
	if _, err := d.Waveform(); err != core.ErrUnavailable {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if _, err := d.ColorWaveform(); err != core.ErrUnavailable {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestDatabaseWithEXT(t *testing.T) {
	var d Database
	if err := d.LoadDAT(anlzFile(beatgridTag())); err != nil {
		t.Fatalf("dat load failed: %s", err)
	}
	err := d.LoadEXT(anlzFile(
		bigWaveformTag([]byte{9, 8, 7}),
		colorWaveformTag("PWV4", 2, []byte{1, 2, 3, 4}),
		colorWaveformTag("PWV5", 6, []byte{1, 2, 3, 4, 5, 6}),
	))
	if err != nil {
		t.Fatalf("ext load failed: %s", err)
	}
	if w, err := d.Waveform(); err != nil || !bytes.Equal(w, []byte{9, 8, 7}) {
		t.Errorf("bad waveform: %v, %v", w, err)
	}
	if w, err := d.ColorPreviewWaveform(); err != nil || w.EntryCount != 2 {
		t.Errorf("bad color preview: %+v, %v", w, err)
	}
	if w, err := d.ColorWaveform(); err != nil || w.EntryCount != 1 {
		t.Errorf("bad color waveform: %+v, %v", w, err)
	}
}
