package entity

import (
	"hash/maphash"
	"slices"
	"strings"
	"sync"

	vanity "github.com/teranos/vanity-id"

	"github.com/teranos/nodereg/errors"
)

const (
	shardCount = 32
	lockCount  = 128
)

// IDPrefix marks node interview ids
const IDPrefix = "NI"

type shard struct {
	mu      sync.RWMutex
	records map[string]*Entity // values are never mutated after publication
}

// Table owns the canonical entity records.
//
// Reads go through sharded read locks and return copies. Writers must hold
// Lock(id) for the id they write; Put and Remove publish a fully built record
// in a single map assignment, so a reader sees either the old or the new
// record and never a partial one.
type Table struct {
	seed   maphash.Seed
	shards [shardCount]shard
	locks  [lockCount]sync.Mutex

	tombMu     sync.RWMutex
	tombstones map[string]struct{}
}

// NewTable creates an empty table
func NewTable() *Table {
	t := &Table{
		seed:       maphash.MakeSeed(),
		tombstones: make(map[string]struct{}),
	}
	for i := range t.shards {
		t.shards[i].records = make(map[string]*Entity)
	}
	return t
}

func (t *Table) hash(id string) uint64 {
	return maphash.String(t.seed, id)
}

func (t *Table) shard(id string) *shard {
	return &t.shards[t.hash(id)%shardCount]
}

// Lock serializes writers of id and returns the unlock function.
// Distinct ids usually map to distinct stripes and proceed concurrently.
func (t *Table) Lock(id string) func() {
	m := &t.locks[t.hash(id)%lockCount]
	m.Lock()
	return m.Unlock
}

// LockMany locks the writers of every id at once. Stripes are taken in
// ascending order so two callers locking overlapping sets cannot deadlock.
func (t *Table) LockMany(ids ...string) func() {
	stripes := make([]int, 0, len(ids))
	for _, id := range ids {
		stripes = append(stripes, int(t.hash(id)%lockCount))
	}
	slices.Sort(stripes)
	stripes = slices.Compact(stripes)

	for _, s := range stripes {
		t.locks[s].Lock()
	}
	return func() {
		for i := len(stripes) - 1; i >= 0; i-- {
			t.locks[stripes[i]].Unlock()
		}
	}
}

// NewID generates a fresh node interview id that has never been used by this
// table, live or deleted.
func (t *Table) NewID(cat string, p Payload) (string, error) {
	subject := strings.Fields(p.Identity)
	first := "node"
	if len(subject) > 0 {
		first = subject[0]
	}
	newID, err := vanity.GenerateASIDWithPrefixAndRetry(IDPrefix, first, cat, "interview", "", t.Known)
	if err != nil {
		return "", errors.Wrap(err, "failed to generate entity id")
	}
	if t.Known(newID) {
		return "", errors.NewConflictError("generated id %s collides with an existing entity", newID)
	}
	return newID, nil
}

// Get returns a copy of the current record for id
func (t *Table) Get(id string) (Entity, error) {
	s := t.shard(id)
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return Entity{}, errors.NewNotFoundError("entity %s", id)
	}
	return rec.Clone(), nil
}

// Exists reports whether id is a live entity
func (t *Table) Exists(id string) bool {
	s := t.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok
}

// Known reports whether id is live or was ever deleted. Known ids are never reissued.
func (t *Table) Known(id string) bool {
	if t.Exists(id) {
		return true
	}
	t.tombMu.RLock()
	defer t.tombMu.RUnlock()
	_, ok := t.tombstones[id]
	return ok
}

// Put publishes e. The caller must hold Lock(e.ID).
//
// Inserting a tombstoned id fails with ErrConflict. Replacing a record with
// a version that does not increase is an invariant violation.
func (t *Table) Put(e Entity) error {
	if e.ID == "" {
		return errors.NewInvalidRequestError("entity without id")
	}
	if e.Version < 1 {
		return errors.NewInvariantViolation("entity %s has version %d", e.ID, e.Version)
	}

	s := t.shard(e.ID)
	s.mu.RLock()
	current, exists := s.records[e.ID]
	s.mu.RUnlock()

	if exists {
		if e.Version <= current.Version {
			return errors.NewInvariantViolation("entity %s version would go from %d to %d",
				e.ID, current.Version, e.Version)
		}
	} else {
		t.tombMu.RLock()
		_, dead := t.tombstones[e.ID]
		t.tombMu.RUnlock()
		if dead {
			return errors.NewConflictError("entity id %s was deleted and cannot be reused", e.ID)
		}
	}

	rec := e.Clone()
	s.mu.Lock()
	s.records[e.ID] = &rec
	s.mu.Unlock()
	return nil
}

// Remove deletes id and tombstones it. The caller must hold Lock(id).
func (t *Table) Remove(id string) (Entity, error) {
	s := t.shard(id)
	s.mu.Lock()
	rec, ok := s.records[id]
	if ok {
		delete(s.records, id)
	}
	s.mu.Unlock()
	if !ok {
		return Entity{}, errors.NewNotFoundError("entity %s", id)
	}

	t.tombMu.Lock()
	t.tombstones[id] = struct{}{}
	t.tombMu.Unlock()
	return *rec, nil
}

// Tombstone records id as deleted without a live record (snapshot restore)
func (t *Table) Tombstone(id string) {
	t.tombMu.Lock()
	defer t.tombMu.Unlock()
	t.tombstones[id] = struct{}{}
}

// Tombstones returns every deleted id, sorted
func (t *Table) Tombstones() []string {
	t.tombMu.RLock()
	defer t.tombMu.RUnlock()
	ids := make([]string, 0, len(t.tombstones))
	for id := range t.tombstones {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// List returns copies of every live entity ordered by creation time, then id
func (t *Table) List() []Entity {
	var out []Entity
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, rec := range s.records {
			out = append(out, rec.Clone())
		}
		s.mu.RUnlock()
	}
	slices.SortFunc(out, func(a, b Entity) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Len returns the number of live entities
func (t *Table) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		n += len(s.records)
		s.mu.RUnlock()
	}
	return n
}
