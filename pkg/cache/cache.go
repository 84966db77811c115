// Package cache provides the process-wide second-level record cache.
//
// Entries are keyed by record id and hold a payload snapshot plus the
// version it was read at. The cache is not transactional: a reader may see
// the previous version of a record while another transaction is committing
// it, until that commit refreshes or evicts the entry.
//
// Readers that fill the cache from the store take a Generation first and
// install with PutIfGeneration. Every eviction and authoritative Put marks
// the id, so a fill that read the store before a commit invalidated the
// record is dropped instead of resurrecting the old version.
package cache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"entitytx/pkg/logging"
	"entitytx/pkg/primitives"
	"entitytx/pkg/record"
)

// Policy decides what a commit does to the entries of the records it wrote.
type Policy int

const (
	// PolicyRefresh puts the committed version.
	PolicyRefresh Policy = iota
	// PolicyInvalidate evicts the entry; the next read reloads it.
	PolicyInvalidate
)

func (p Policy) String() string {
	switch p {
	case PolicyRefresh:
		return "refresh"
	case PolicyInvalidate:
		return "invalidate"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a configuration value to a Policy. Empty means refresh.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "refresh":
		return PolicyRefresh, nil
	case "invalidate":
		return PolicyInvalidate, nil
	default:
		return 0, fmt.Errorf("unknown cache policy %q", s)
	}
}

// Options configures a Cache.
type Options struct {
	// Kinds lists the cacheable entity kinds. Every other kind always misses.
	Kinds []primitives.EntityKind

	Policy Policy

	// Capacity bounds the number of entries; the least recently used entry
	// is evicted to make room. Zero or less means unbounded.
	Capacity int

	// TTL expires entries that old. Zero disables expiry.
	TTL time.Duration

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Entry is a cached record snapshot.
type Entry struct {
	ID       primitives.RecordID
	Payload  record.Payload
	Version  primitives.Version
	CachedAt time.Time
}

// Record converts the entry back into a record.
func (e Entry) Record() record.Record {
	return record.Record{ID: e.ID, Payload: e.Payload.Clone(), Version: e.Version}
}

type Stats struct {
	Hits      uint64
	Misses    uint64
	Puts      uint64
	Rejected  uint64 // puts older than the cached version or invalidated in flight
	Evictions uint64 // explicit, expired and LRU evictions
	Entries   int
}

// node represents a single node in the doubly linked list
type node struct {
	entry Entry
	prev  *node
	next  *node
}

// maxMarks bounds the per-id invalidation marks. Past it the marks are
// dropped and the floor is raised, which rejects every fill in flight.
const maxMarks = 4096

// Cache is an LRU record cache with per-kind enablement and optional TTL.
//
// It uses a doubly linked list combined with a hash map so that every
// operation is O(1) except EvictKind, which walks the entries.
type Cache struct {
	kinds    map[primitives.EntityKind]bool
	policy   Policy
	capacity int
	ttl      time.Duration
	now      func() time.Time

	entries map[primitives.RecordID]*node
	head    *node // dummy head node (most recently used end)
	tail    *node // dummy tail node (least recently used end)
	stats   Stats

	generation uint64
	marks      map[primitives.RecordID]uint64 // generation of the last invalidation per id
	kindMarks  map[primitives.EntityKind]uint64
	floor      uint64 // fills taken before this generation are rejected

	mutex sync.Mutex
}

func New(opts Options) *Cache {
	head := &node{}
	tail := &node{}
	head.next = tail
	tail.prev = head

	kinds := make(map[primitives.EntityKind]bool, len(opts.Kinds))
	for _, k := range opts.Kinds {
		kinds[k] = true
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	return &Cache{
		kinds:    kinds,
		policy:   opts.Policy,
		capacity: opts.Capacity,
		ttl:      opts.TTL,
		now:      now,
		entries:   make(map[primitives.RecordID]*node),
		head:      head,
		tail:      tail,
		marks:     make(map[primitives.RecordID]uint64),
		kindMarks: make(map[primitives.EntityKind]uint64),
	}
}

// Enabled reports whether records of kind are cached at all.
func (c *Cache) Enabled(kind primitives.EntityKind) bool {
	return c.kinds[kind]
}

func (c *Cache) Policy() Policy {
	return c.policy
}

func (c *Cache) addToFront(n *node) {
	n.prev = c.head
	n.next = c.head.next
	c.head.next.prev = n
	c.head.next = n
}

func (c *Cache) removeNode(n *node) {
	n.prev.next = n.next
	n.next.prev = n.prev
}

func (c *Cache) moveToFront(n *node) {
	c.removeNode(n)
	c.addToFront(n)
}

func (c *Cache) drop(n *node) {
	delete(c.entries, n.entry.ID)
	c.removeNode(n)
	c.stats.Evictions++
}

func (c *Cache) expired(n *node) bool {
	return c.ttl > 0 && c.now().Sub(n.entry.CachedAt) >= c.ttl
}

// lookup returns the live node for id, dropping it if it has expired.
// Caller holds c.mutex.
func (c *Cache) lookup(id primitives.RecordID) *node {
	n, ok := c.entries[id]
	if !ok {
		return nil
	}
	if c.expired(n) {
		c.drop(n)
		logging.WithRecord(id).Debug("cache entry expired", "component", "cache", "version", n.entry.Version)
		return nil
	}
	return n
}

// Get returns a copy of the cached entry for id and marks it recently used.
func (c *Cache) Get(id primitives.RecordID) (Entry, bool) {
	if !c.Enabled(id.Kind) {
		return Entry{}, false
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	n := c.lookup(id)
	if n == nil {
		c.stats.Misses++
		return Entry{}, false
	}
	c.moveToFront(n)
	c.stats.Hits++

	e := n.entry
	e.Payload = e.Payload.Clone()
	return e, true
}

// Generation returns the token a reader takes before loading a record from
// the store and hands back to PutIfGeneration.
func (c *Cache) Generation() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.generation
}

// mark records that id was invalidated. Caller holds c.mutex.
func (c *Cache) mark(id primitives.RecordID) {
	c.generation++
	if len(c.marks) >= maxMarks {
		clear(c.marks)
		c.floor = c.generation
	}
	c.marks[id] = c.generation
}

// stale reports whether id was invalidated after gen. Caller holds c.mutex.
func (c *Cache) stale(id primitives.RecordID, gen uint64) bool {
	return gen < c.floor || c.marks[id] > gen || c.kindMarks[id.Kind] > gen
}

// Put caches the authoritative payload at version, as produced by a commit,
// and reports whether it was stored. A put older than the cached version is
// rejected; kinds that are not cacheable are ignored.
func (c *Cache) Put(id primitives.RecordID, payload record.Payload, version primitives.Version) bool {
	if !c.Enabled(id.Kind) || !version.IsValid() {
		return false
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	stored := c.put(id, payload, version)
	c.mark(id)
	return stored
}

// PutIfGeneration caches a record read from the store after gen was taken.
// It is rejected if the id was evicted or put since gen, because the store
// read may predate that write.
func (c *Cache) PutIfGeneration(id primitives.RecordID, payload record.Payload, version primitives.Version, gen uint64) bool {
	if !c.Enabled(id.Kind) || !version.IsValid() {
		return false
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.stale(id, gen) {
		c.stats.Rejected++
		logging.WithRecord(id).Debug("cache fill rejected", "component", "cache", "version", version)
		return false
	}
	return c.put(id, payload, version)
}

// put installs the entry. Caller holds c.mutex.
func (c *Cache) put(id primitives.RecordID, payload record.Payload, version primitives.Version) bool {
	entry := Entry{ID: id, Payload: payload.Clone(), Version: version, CachedAt: c.now()}

	if n := c.lookup(id); n != nil {
		if version < n.entry.Version {
			c.stats.Rejected++
			return false
		}
		n.entry = entry
		c.moveToFront(n)
		c.stats.Puts++
		return true
	}

	if c.capacity > 0 && len(c.entries) >= c.capacity {
		lru := c.tail.prev
		c.drop(lru)
		logging.WithRecord(lru.entry.ID).Debug("cache entry evicted", "component", "cache", "reason", "capacity")
	}

	n := &node{entry: entry}
	c.entries[id] = n
	c.addToFront(n)
	c.stats.Puts++
	return true
}

// Contains reports whether a live entry exists for id without touching
// recency or hit counters.
func (c *Cache) Contains(id primitives.RecordID) bool {
	if !c.Enabled(id.Kind) {
		return false
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.lookup(id) != nil
}

// Evict removes the entry for id, if any, and rejects fills of id that
// started before the eviction.
func (c *Cache) Evict(id primitives.RecordID) {
	if !c.Enabled(id.Kind) {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if n, ok := c.entries[id]; ok {
		c.drop(n)
	}
	c.mark(id)
}

// EvictKind removes every entry of kind and returns how many were removed.
func (c *Cache) EvictKind(kind primitives.EntityKind) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.generation++
	c.kindMarks[kind] = c.generation

	removed := 0
	for id, n := range c.entries {
		if id.Kind == kind {
			c.drop(n)
			removed++
		}
	}
	if removed > 0 {
		logging.WithComponent("cache").Debug("evicted kind", "kind", kind, "count", removed)
	}
	return removed
}

// EvictAll empties the cache.
func (c *Cache) EvictAll() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.stats.Evictions += uint64(len(c.entries))
	c.generation++
	c.floor = c.generation
	clear(c.marks)
	clear(c.kindMarks)
	c.entries = make(map[primitives.RecordID]*node)
	c.head.next = c.tail
	c.tail.prev = c.head
}

// Len returns the number of entries, expired ones included until touched.
func (c *Cache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries)
}

// Keys returns the cached ids, least recently used first.
func (c *Cache) Keys() []primitives.RecordID {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	ids := make([]primitives.RecordID, 0, len(c.entries))
	for n := c.tail.prev; n != c.head; n = n.prev {
		ids = append(ids, n.entry.ID)
	}
	return ids
}

func (c *Cache) Stats() Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	s := c.stats
	s.Entries = len(c.entries)
	return s
}
