package ulog

import (
	"container/list"
	"sort"
	"sync"
)

// KeyIndexEntry records where the latest known version of a document lives.
// Entries carry their own backing LogFile rather than a generation carrying
// one collectively: during replay, entries for the same generation can
// legitimately point at different log files (the old log being replayed, a
// buffer log being drained, or the live active tlog), so the reference has
// to travel with the entry.
type KeyIndexEntry struct {
	Log        *LogFile
	Offset     int64
	Version    int64
	PrevOffset int64 // -1 if this hop has no predecessor
}

// KeyIndex maps document id to its most recent KeyIndexEntry. UpdateLog keeps
// three generations of KeyIndex (current, prev, prev2), rotating them on
// every hard commit so recently-committed entries stay reachable without
// pinning arbitrarily old log files.
type KeyIndex struct {
	mu      sync.RWMutex
	entries map[string]KeyIndexEntry
}

func newKeyIndex() *KeyIndex {
	return &KeyIndex{entries: make(map[string]KeyIndexEntry)}
}

// Put records (or overwrites) the entry for id.
func (k *KeyIndex) Put(id []byte, e KeyIndexEntry) {
	k.mu.Lock()
	k.entries[string(id)] = e
	k.mu.Unlock()
}

// Get returns the entry for id, if any.
func (k *KeyIndex) Get(id []byte) (KeyIndexEntry, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.entries[string(id)]
	return e, ok
}

// Len reports the number of tracked ids.
func (k *KeyIndex) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.entries)
}

// OldDeletes is a bounded, insertion-ordered map from document id to the
// |version| of its most recent delete. It exists because once an id falls out
// of all three live KeyIndex generations, the index alone cannot distinguish
// "never seen" from "deleted"; OldDeletes preserves that fact for a bounded
// window. Capacity defaults to 1000 and evicts the oldest entry by
// insertion order (LRU by insertion, not by access).
type OldDeletes struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	elems    map[string]*list.Element
}

type oldDeleteEntry struct {
	id      string
	version int64
}

func newOldDeletes(capacity int) *OldDeletes {
	if capacity <= 0 {
		capacity = oldDeletesCapacity
	}
	return &OldDeletes{
		capacity: capacity,
		order:    list.New(),
		elems:    make(map[string]*list.Element),
	}
}

// Put records id as deleted at |version|, evicting the oldest entry if the
// map is at capacity.
func (d *OldDeletes) Put(id []byte, version int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := string(id)
	if el, ok := d.elems[key]; ok {
		d.order.Remove(el)
		delete(d.elems, key)
	}
	el := d.order.PushBack(&oldDeleteEntry{id: key, version: version})
	d.elems[key] = el
	for d.order.Len() > d.capacity {
		front := d.order.Front()
		d.order.Remove(front)
		delete(d.elems, front.Value.(*oldDeleteEntry).id)
	}
}

// Get returns the recorded delete version for id, if still tracked.
func (d *OldDeletes) Get(id []byte) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	el, ok := d.elems[string(id)]
	if !ok {
		return 0, false
	}
	return el.Value.(*oldDeleteEntry).version, true
}

// Len reports the number of tracked deletes.
func (d *OldDeletes) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}

// DBQEntry is one recent delete-by-query record, as kept for peer sync.
type DBQEntry struct {
	Query   string
	Version int64 // |version| of the DBQ, always non-negative
}

// DBQList is the sorted, deduplicated, capped deque of recent
// delete-by-query records: ordered by descending |version|, deduplicated on
// (version, query), capped at 100 entries.
type DBQList struct {
	mu       sync.Mutex
	capacity int
	entries  []DBQEntry
}

func newDBQList(capacity int) *DBQList {
	if capacity <= 0 {
		capacity = dbqCapacity
	}
	return &DBQList{capacity: capacity}
}

func absVersion(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Insert adds (query, |version|) in descending-version sorted position,
// dropping the oldest (smallest version) entry if the list is over capacity,
// and is a no-op if the exact (version, query) pair is already present.
func (d *DBQList) Insert(query string, version int64) {
	v := absVersion(version)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.entries {
		if e.Version == v && e.Query == query {
			return
		}
	}
	idx := sort.Search(len(d.entries), func(i int) bool { return d.entries[i].Version <= v })
	d.entries = append(d.entries, DBQEntry{})
	copy(d.entries[idx+1:], d.entries[idx:])
	d.entries[idx] = DBQEntry{Query: query, Version: v}
	if len(d.entries) > d.capacity {
		d.entries = d.entries[:d.capacity]
	}
}

// Snapshot returns a copy of the current deque, newest (highest version)
// first.
func (d *DBQList) Snapshot() []DBQEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DBQEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Len reports the number of tracked delete-by-query entries.
func (d *DBQList) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
