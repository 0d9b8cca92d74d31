package data

import (
	"sync"

	log "github.com/golang/glog"
	"github.com/golang/groupcache/lru"

	"github.com/prodjlink/prolink/internal/core"
)

// defaultStoreSize bounds each per-kind cache. Waveforms and parsed
// databases are large, so the caches stay intentionally small.
const defaultStoreSize = 15

// Key addresses one cached object by its source location.
type Key struct {
	Player uint8
	Slot   core.PlayerSlot
	ID     uint32 // track id or artwork id depending on the store
}

// Store is a small LRU cache with a secondary index by player and slot
// so a media change can drop everything loaded from that medium.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache
	keys  map[Key]struct{}
}

func NewStore(maxEntries int) *Store {
	s := &Store{
		cache: lru.New(maxEntries),
		keys:  make(map[Key]struct{}),
	}
	s.cache.OnEvicted = func(k lru.Key, _ interface{}) {
		delete(s.keys, k.(Key))
	}
	return s
}

func (s *Store) Get(k Key) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Get(k)
}

func (s *Store) Put(k Key, v interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(k, v)
	s.keys[k] = struct{}{}
}

// RemoveByPlayerSlot drops every entry loaded from the given medium.
func (s *Store) RemoveByPlayerSlot(player uint8, slot core.PlayerSlot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k := range s.keys {
		if k.Player == player && k.Slot == slot {
			s.cache.Remove(k)
			removed++
		}
	}
	if removed > 0 {
		log.V(1).Infof("data: dropped %d cached objects for player %d slot %s", removed, player, slot)
	}
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
