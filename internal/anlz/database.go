package anlz

import (
	log "github.com/golang/glog"

	"github.com/prodjlink/prolink/internal/core"
)

// Database collects the analysis results of one track from its DAT and
// EXT file pair. A missing EXT file only degrades the queries sourced
// from it; the DAT data stays answerable.
type Database struct {
	beatgrid        core.Beatgrid
	cues            []core.CuePoint
	previewWaveform []byte
	waveform        []byte
	colorPreview    *ColorWaveform
	colorWaveform   *ColorWaveform
}

// LoadDAT parses a DAT buffer and keeps its beatgrid, cue points and
// preview waveform.
func (d *Database) LoadDAT(buf []byte) error {
	f, err := Parse(buf)
	if err != nil {
		return err
	}
	log.V(1).Infof("loaded DAT with %d tags", len(f.Tags))
	if t := f.Tag(tagBeatgrid); t != nil {
		d.beatgrid = t.Beatgrid
	} else {
		log.Warningf("no beatgrid tag in DAT file")
	}
	if t := f.Tag(tagCues); t != nil {
		d.cues = t.Cues
	}
	if t := f.Tag(tagWaveform); t != nil {
		d.previewWaveform = t.Waveform
	}
	return nil
}

// LoadEXT parses an EXT buffer and keeps its big waveform and color
// waveforms.
func (d *Database) LoadEXT(buf []byte) error {
	f, err := Parse(buf)
	if err != nil {
		return err
	}
	log.V(1).Infof("loaded EXT with %d tags", len(f.Tags))
	if t := f.Tag(tagBigWaveform); t != nil {
		d.waveform = t.BigWaveform
	}
	if t := f.Tag(tagColorPreview); t != nil {
		d.colorPreview = t.Color
	}
	if t := f.Tag(tagColorBig); t != nil {
		d.colorWaveform = t.Color
	}
	return nil
}

// LoadDATFile is LoadDAT for a file on disk.
func (d *Database) LoadDATFile(path string) error {
	f, err := ParseFile(path)
	if err != nil {
		return err
	}
	log.V(1).Infof("loaded DAT file %q with %d tags", path, len(f.Tags))
	if t := f.Tag(tagBeatgrid); t != nil {
		d.beatgrid = t.Beatgrid
	}
	if t := f.Tag(tagCues); t != nil {
		d.cues = t.Cues
	}
	if t := f.Tag(tagWaveform); t != nil {
		d.previewWaveform = t.Waveform
	}
	return nil
}

// Beatgrid returns the beatgrid, or ErrUnavailable when the DAT carried
// none.
func (d *Database) Beatgrid() (core.Beatgrid, error) {
	if d.beatgrid == nil {
		return nil, core.ErrUnavailable
	}
	return d.beatgrid, nil
}

// CuePoints returns the memory and hot cues.
func (d *Database) CuePoints() ([]core.CuePoint, error) {
	if d.cues == nil {
		return nil, core.ErrUnavailable
	}
	return d.cues, nil
}

// PreviewWaveform returns the monochrome preview waveform.
func (d *Database) PreviewWaveform() ([]byte, error) {
	if d.previewWaveform == nil {
		return nil, core.ErrUnavailable
	}
	return d.previewWaveform, nil
}

// Waveform returns the monochrome full waveform from the EXT file.
func (d *Database) Waveform() ([]byte, error) {
	if d.waveform == nil {
		return nil, core.ErrUnavailable
	}
	return d.waveform, nil
}

// ColorPreviewWaveform returns the nxs2 color preview waveform.
func (d *Database) ColorPreviewWaveform() (*ColorWaveform, error) {
	if d.colorPreview == nil {
		return nil, core.ErrUnavailable
	}
	return d.colorPreview, nil
}

// ColorWaveform returns the nxs2 color full waveform.
func (d *Database) ColorWaveform() (*ColorWaveform, error) {
	if d.colorWaveform == nil {
		return nil, core.ErrUnavailable
	}
	return d.colorWaveform, nil
}
