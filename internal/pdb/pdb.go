package pdb

import (
	"encoding/binary"

	log "github.com/golang/glog"

	"github.com/prodjlink/prolink/internal/core"
)

const (
	pageSize = 4096

	// pageHeaderSize is where row data starts; entry offsets in the
	// page footer are relative to this position.
	pageHeaderSize = 40

	// footerBlockSize is the stride between reverse-index blocks walked
	// backwards from the page end. A full block holds 16 row offsets
	// plus the enabled and override masks.
	footerBlockSize = 36

	// countInvalid marks an entry_count_large value that must be
	// ignored.
	countInvalid = 8191
)

type page struct {
	index    uint32
	pageType PageType
	rows     []pageRow
}

// pageRow is one enabled row with its byte offset within the page.
type pageRow struct {
	off int
	buf []byte
}

// parseFile cuts a raw export database into pages with their enabled
// rows. Unparseable pages are skipped with a warning so one corrupt
// page does not lose the whole database.
func parseFile(buf []byte) ([]page, error) {
	if len(buf) < pageSize {
		return nil, core.ErrTruncated
	}
	if binary.LittleEndian.Uint32(buf[4:]) != pageSize {
		return nil, core.ErrBadField
	}

	var pages []page
	for off := pageSize; off+pageSize <= len(buf); off += pageSize {
		p, ok := parsePage(buf[off : off+pageSize])
		if ok {
			pages = append(pages, p)
		}
	}
	return pages, nil
}

func parsePage(buf []byte) (page, bool) {
	u16 := func(i int) uint16 { return binary.LittleEndian.Uint16(buf[i:]) }
	u32 := func(i int) uint32 { return binary.LittleEndian.Uint32(buf[i:]) }

	p := page{
		index:    u32(4),
		pageType: PageType(u32(8)),
	}
	countSmall := int(buf[24])
	u5 := buf[27]
	countLarge := int(u16(34))
	u9 := u16(36)

	strange := p.index != 0 && u5&0x40 != 0
	empty := p.index == 0 && u9 == 0
	if strange || empty {
		return page{}, false
	}

	count := countSmall
	if countSmall < countLarge && countLarge != countInvalid {
		count = countLarge
	}
	if count == 0 {
		return p, true
	}

	// The reverse index grows backwards from the page end in blocks of
	// up to 16 entries. Block b covers rows 16*b .. 16*b+n-1; its
	// offsets sit just below the previous block's mask words.
	for b := 0; 16*b < count; b++ {
		n := count - 16*b
		if n > 16 {
			n = 16
		}
		blockEnd := pageSize - footerBlockSize*b
		start := blockEnd - 4 - 2*n
		if start < pageHeaderSize {
			log.Warningf("pdb: page %d footer overlaps rows, keeping %d of %d entries",
				p.index, len(p.rows), count)
			break
		}
		enabled := binary.LittleEndian.Uint16(buf[blockEnd-4:])
		for i := 0; i < n; i++ {
			if enabled>>(n-1-i)&1 == 0 {
				continue
			}
			rowOff := pageHeaderSize + int(binary.LittleEndian.Uint16(buf[start+2*i:]))
			if rowOff >= len(buf) {
				log.Warningf("pdb: page %d row %d offset out of range", p.index, 16*b+i)
				continue
			}
			p.rows = append(p.rows, pageRow{off: rowOff, buf: buf[rowOff:]})
		}
	}
	return p, true
}
