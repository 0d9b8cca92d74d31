package protocol

import (
	"encoding/binary"

	"github.com/prodjlink/prolink/internal/core"
)

// Beatgrid blobs returned by beatgrid queries are little-endian, unlike
// everything else on the wire: a 20-byte header followed by 16-byte
// entries.
const (
	beatgridHeaderSize = 20
	beatgridEntrySize  = 16
)

// ParseBeatgrid decodes a beatgrid blob into beat entries ordered by
// time. The declared beat count must fit in the blob.
func ParseBeatgrid(blob []byte) (core.Beatgrid, error) {
	if len(blob) < beatgridHeaderSize {
		return nil, core.ErrTruncated
	}
	count := int(binary.LittleEndian.Uint32(blob[4:]))
	if len(blob) < beatgridHeaderSize+count*beatgridEntrySize {
		return nil, core.ErrTruncated
	}
	grid := make(core.Beatgrid, count)
	for i := 0; i < count; i++ {
		e := blob[beatgridHeaderSize+i*beatgridEntrySize:]
		grid[i] = core.Beat{
			Number: binary.LittleEndian.Uint16(e),
			BPM100: binary.LittleEndian.Uint16(e[2:]),
			Time:   binary.LittleEndian.Uint32(e[4:]),
		}
	}
	return grid, nil
}
