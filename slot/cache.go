// Package slot is the bounded read cache of entity snapshots.
//
// Entries are keyed by slot key ("@E001" once an address is assigned, "#<id>"
// before). The cache never reads the entity table itself: on a miss the caller
// fetches the authoritative record and calls Refresh.
//
// Eviction policy is LRU: when the cache holds more than its capacity, the
// entries with the oldest access (or refresh) go first.
//
// Lock order: id stripe, then key shard. The eviction heap lock is taken
// before a key shard and never while an id stripe is held.
package slot

import (
	"hash/maphash"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/trees/binaryheap"
	"go.uber.org/zap"

	"github.com/teranos/nodereg/entity"
	"github.com/teranos/nodereg/logger"
	"github.com/teranos/nodereg/telemetry"
)

const shardCount = 16

// Snapshot is an immutable copy of an entity taken at refresh time
type Snapshot struct {
	Entity      entity.Entity
	RefreshedAt time.Time
}

// Entry describes a cached slot without touching its recency
type Entry struct {
	Key            string
	EntityID       string
	Version        int64
	AccessCount    int64
	LastAccessedAt time.Time
}

type entry struct {
	key      string
	entityID string
	snap     atomic.Pointer[Snapshot]
	dead     atomic.Bool // set once the entry leaves its shard

	accessCount atomic.Int64
	lastTick    atomic.Uint64 // global access order, higher is more recent
	lastAccess  atomic.Int64  // unix nanos
}

// heapItem is an entry as of tick. Reads do not touch the heap, so an item
// whose tick is behind its entry is pushed back on pop instead of evicted.
type heapItem struct {
	e    *entry
	tick uint64
}

func byTick(a, b interface{}) int {
	ta, tb := a.(heapItem).tick, b.(heapItem).tick
	switch {
	case ta < tb:
		return -1
	case ta > tb:
		return 1
	}
	return 0
}

type keyShard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// idStripe serializes refreshes of one entity and remembers the key it was
// last cached under. The key is a hint: it is checked against the entry.
type idStripe struct {
	mu   sync.Mutex
	keys map[string]string
}

// Stats reports cache occupancy and traffic
type Stats struct {
	Len       int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Cache is a bounded LRU snapshot cache.
//
// Get read-locks one key shard; access bookkeeping is done with atomics on
// the entry. Refresh write-locks only the shards of the keys it touches.
// Eviction pops the least recent entry from a heap in O(log n).
type Cache struct {
	seed    maphash.Seed
	shards  [shardCount]keyShard
	stripes [shardCount]idStripe

	size     atomic.Int64
	capacity atomic.Int64

	heapMu sync.Mutex
	lru    *binaryheap.Heap

	tick      atomic.Uint64
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	sink   telemetry.Sink
	now    func() time.Time
	logger *zap.SugaredLogger
}

// Option configures a Cache
type Option func(*Cache)

// WithSink reports evictions to sink
func WithSink(sink telemetry.Sink) Option {
	return func(c *Cache) { c.sink = telemetry.OrNop(sink) }
}

// WithClock overrides time.Now (tests)
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache holding at most capacity snapshots. Capacity 0 caches nothing.
func New(capacity int, opts ...Option) *Cache {
	c := &Cache{
		seed:   maphash.MakeSeed(),
		lru:    binaryheap.NewWith(byTick),
		sink:   telemetry.Nop{},
		now:    time.Now,
		logger: logger.AddSlotSymbol(logger.ComponentLogger("slot")),
	}
	c.capacity.Store(int64(max(capacity, 0)))
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*entry)
		c.stripes[i].keys = make(map[string]string)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) shard(key string) *keyShard {
	return &c.shards[maphash.String(c.seed, key)%shardCount]
}

func (c *Cache) stripe(id string) *idStripe {
	return &c.stripes[maphash.String(c.seed, id)%shardCount]
}

// touch marks e as the most recently accessed entry
func (c *Cache) touch(e *entry) {
	e.lastTick.Store(c.tick.Add(1))
	e.lastAccess.Store(c.now().UnixNano())
}

func (c *Cache) lookup(key string) *entry {
	s := c.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key]
}

// Get returns the snapshot cached under key. A hit bumps the access count and recency.
func (c *Cache) Get(key string) (Snapshot, bool) {
	return c.hit(c.lookup(key))
}

// GetEntity returns the snapshot of entity id under whichever key it is
// cached, so "#<id>" still hits after the entity gained an address.
func (c *Cache) GetEntity(id string) (Snapshot, bool) {
	st := c.stripe(id)
	st.mu.Lock()
	key, ok := st.keys[id]
	st.mu.Unlock()
	if !ok {
		return c.hit(nil)
	}
	e := c.lookup(key)
	if e != nil && e.entityID != id {
		e = nil
	}
	return c.hit(e)
}

func (c *Cache) hit(e *entry) (Snapshot, bool) {
	if e == nil {
		c.misses.Add(1)
		return Snapshot{}, false
	}

	snap := e.snap.Load()
	e.accessCount.Add(1)
	c.touch(e)
	c.hits.Add(1)

	return Snapshot{Entity: snap.Entity.Clone(), RefreshedAt: snap.RefreshedAt}, true
}

// Peek returns entry metadata for key without counting as an access
func (c *Cache) Peek(key string) (Entry, bool) {
	e := c.lookup(key)
	if e == nil {
		return Entry{}, false
	}
	return describe(e), true
}

func describe(e *entry) Entry {
	return Entry{
		Key:            e.key,
		EntityID:       e.entityID,
		Version:        e.snap.Load().Entity.Version,
		AccessCount:    e.accessCount.Load(),
		LastAccessedAt: time.Unix(0, e.lastAccess.Load()),
	}
}

// Refresh stores a fresh snapshot of ent under its current slot key.
//
// The entry's recency is reset and its access count preserved. When ent has
// gained an address since the last refresh, the old "#id" entry is replaced by
// the "@address" one. A snapshot older than the cached one is ignored.
func (c *Cache) Refresh(ent entity.Entity) {
	if c.capacity.Load() == 0 {
		return
	}
	key := ent.SlotKey()
	snap := &Snapshot{Entity: ent.Clone(), RefreshedAt: c.now()}

	st := c.stripe(ent.ID)
	st.mu.Lock()
	var carried int64
	if oldKey, ok := st.keys[ent.ID]; ok {
		if old := c.lookup(oldKey); old != nil && old.entityID == ent.ID {
			if old.snap.Load().Entity.Version > ent.Version {
				st.mu.Unlock()
				return
			}
			if oldKey != key && c.detach(old) {
				carried = old.accessCount.Load()
			}
		}
	}
	e, added := c.install(key, ent.ID, carried, snap)
	st.keys[ent.ID] = key
	st.mu.Unlock()

	if added {
		c.track(e)
	}
	c.report(c.evictOver())
}

// install puts snap under key, reusing the entry when it already caches the
// same entity. Reports whether a new entry was created.
func (c *Cache) install(key, id string, carried int64, snap *Snapshot) (*entry, bool) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if ok && e.entityID == id {
		e.snap.Store(snap)
		c.touch(e)
		return e, false
	}
	if ok {
		// Address reused after its previous holder was deleted
		e.dead.Store(true)
		c.size.Add(-1)
	}
	e = &entry{key: key, entityID: id}
	e.accessCount.Store(carried)
	e.snap.Store(snap)
	c.touch(e)
	s.entries[key] = e
	c.size.Add(1)
	return e, true
}

// detach removes e from its shard if it is still the entry under its key
func (c *Cache) detach(e *entry) bool {
	s := c.shard(e.key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[e.key] != e {
		return false
	}
	delete(s.entries, e.key)
	e.dead.Store(true)
	c.size.Add(-1)
	return true
}

// forget drops the id hint when it still points at key and no live entry
// for id has been installed there since
func (c *Cache) forget(id, key string) {
	st := c.stripe(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.keys[id] != key {
		return
	}
	if cur := c.lookup(key); cur != nil && cur.entityID == id {
		return
	}
	delete(st.keys, id)
}

// track adds a new entry to the eviction heap. Items of dead entries are
// dropped lazily; the heap is rebuilt when they outnumber live ones.
func (c *Cache) track(e *entry) {
	c.heapMu.Lock()
	defer c.heapMu.Unlock()

	c.lru.Push(heapItem{e: e, tick: e.lastTick.Load()})
	if c.lru.Size() <= 2*int(c.size.Load())+64 {
		return
	}
	c.lru.Clear()
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		for _, live := range s.entries {
			c.lru.Push(heapItem{e: live, tick: live.lastTick.Load()})
		}
		s.mu.RUnlock()
	}
}

// Remove drops the entry under key
func (c *Cache) Remove(key string) bool {
	e := c.lookup(key)
	if e == nil || !c.detach(e) {
		return false
	}
	c.forget(e.entityID, key)
	return true
}

// Invalidate drops whatever entry currently caches entity id
func (c *Cache) Invalidate(id string) bool {
	st := c.stripe(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	key, ok := st.keys[id]
	if !ok {
		return false
	}
	delete(st.keys, id)
	e := c.lookup(key)
	return e != nil && e.entityID == id && c.detach(e)
}

// EvictToCapacity evicts least-recently-accessed entries until the cache is
// at or under capacity and returns how many were evicted.
func (c *Cache) EvictToCapacity() int {
	evicted := c.evictOver()
	c.report(evicted)
	return len(evicted)
}

// SetCapacity changes the capacity and evicts down to it
func (c *Cache) SetCapacity(n int) {
	n = max(n, 0)
	c.capacity.Store(int64(n))
	evicted := c.evictOver()

	c.logger.Infow("Slot cache capacity changed",
		logger.FieldCapacity, n,
		logger.FieldCount, len(evicted))
	c.report(evicted)
}

// evictOver pops least recent entries until the cache fits its capacity.
// An entry read since it was pushed goes back with its current tick; the
// first item whose tick is current is the least recent live entry.
func (c *Cache) evictOver() []*entry {
	if c.size.Load() <= c.capacity.Load() {
		return nil
	}

	var victims []*entry
	c.heapMu.Lock()
	for c.size.Load() > c.capacity.Load() {
		v, ok := c.lru.Pop()
		if !ok {
			break
		}
		it := v.(heapItem)
		if it.e.dead.Load() {
			continue
		}
		if cur := it.e.lastTick.Load(); cur != it.tick {
			c.lru.Push(heapItem{e: it.e, tick: cur})
			continue
		}
		if c.detach(it.e) {
			victims = append(victims, it.e)
		}
	}
	c.heapMu.Unlock()

	for _, e := range victims {
		c.forget(e.entityID, e.key)
	}
	c.evictions.Add(uint64(len(victims)))
	return victims
}

// report emits one telemetry event per evicted entry, outside the lock
func (c *Cache) report(evicted []*entry) {
	if len(evicted) == 0 {
		return
	}
	now := c.now()
	for _, e := range evicted {
		last := time.Unix(0, e.lastAccess.Load())
		c.sink.CacheEviction(telemetry.CacheEviction{
			Key:         e.key,
			EntityID:    e.entityID,
			AccessCount: e.accessCount.Load(),
			Age:         now.Sub(last),
			At:          now,
		})
		c.logger.Debugw("Evicted slot",
			logger.FieldSlotKey, e.key,
			logger.FieldEntityID, e.entityID)
	}
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	return int(c.size.Load())
}

// Capacity returns the current capacity
func (c *Cache) Capacity() int {
	return int(c.capacity.Load())
}

// Entries lists cached slots from most to least recently accessed
func (c *Cache) Entries() []Entry {
	type ranked struct {
		Entry
		tick uint64
	}
	var all []ranked
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		for _, e := range s.entries {
			all = append(all, ranked{describe(e), e.lastTick.Load()})
		}
		s.mu.RUnlock()
	}

	slices.SortFunc(all, func(a, b ranked) int {
		switch {
		case a.tick > b.tick:
			return -1
		case a.tick < b.tick:
			return 1
		}
		return 0
	})
	out := make([]Entry, len(all))
	for i, r := range all {
		out[i] = r.Entry
	}
	return out
}

// Stats returns occupancy and hit/miss counters
func (c *Cache) Stats() Stats {
	return Stats{
		Len:       c.Len(),
		Capacity:  c.Capacity(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
