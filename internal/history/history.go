// Package history keeps a persistent log of played tracks. Records are
// appended when a player's loaded track has been resolved to metadata and
// survive restarts, so a whole night's tracklist can be recalled later.
package history

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"time"

	log "github.com/golang/glog"

	"github.com/boltdb/bolt"

	"github.com/prodjlink/prolink/internal/core"
)

var (
	mode         = 0600
	playedBucket = []byte("played")
)

// Record is one played track.
type Record struct {
	PlayedAt time.Time       `json:"played_at"`
	Player   uint8           `json:"player"`
	Slot     core.PlayerSlot `json:"slot"`
	TrackID  uint32          `json:"track_id"`
	Artist   string          `json:"artist"`
	Title    string          `json:"title"`
	Album    string          `json:"album"`
}

// History is the on-disk log, backed by boltdb. Keys are the bucket
// sequence number so iteration order is append order.
type History struct {
	db *bolt.DB
}

// Open opens the log at path, creating it if missing.
func Open(path string) (*History, error) {
	db, err := bolt.Open(path, os.FileMode(mode), &bolt.Options{Timeout: time.Second})
	if err != nil {
		log.Errorf("Failed to open history db %q: %s", path, err)
		return nil, core.ErrUnavailable
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(playedBucket)
		return e
	})
	if err != nil {
		db.Close()
		log.Errorf("Failed to create history bucket: %s", err)
		return nil, core.ErrUnavailable
	}
	return &History{db: db}, nil
}

// Close closes the underlying database.
func (h *History) Close() error {
	return h.db.Close()
}

// Append writes one record. A zero PlayedAt is filled with the current
// time.
func (h *History) Append(rec Record) error {
	if rec.PlayedAt.IsZero() {
		rec.PlayedAt = time.Now()
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = h.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(playedBucket)
		seq, e := b.NextSequence()
		if e != nil {
			return e
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], val)
	})
	if err != nil {
		log.Errorf("Failed to append history record: %s", err)
		return core.ErrUnavailable
	}
	log.V(1).Infof("history: %s - %s (%s)", rec.Artist, rec.Title, rec.Album)
	return nil
}

// List returns the most recent records in play order, oldest first. A
// limit of 0 returns everything.
func (h *History) List(limit int) ([]Record, error) {
	var out []Record
	err := h.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(playedBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec Record
			if e := json.Unmarshal(v, &rec); e != nil {
				log.Warningf("Skipping bad history record %x: %s", k, e)
				continue
			}
			out = append(out, rec)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		log.Errorf("Failed to read history: %s", err)
		return nil, core.ErrUnavailable
	}
	// Walked backwards to honor the limit; flip to play order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
