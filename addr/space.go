package addr

import (
	"fmt"
	"sync"

	"github.com/emirpasic/gods/sets/treeset"
	"go.uber.org/zap"

	"github.com/teranos/nodereg/errors"
	"github.com/teranos/nodereg/logger"
	"github.com/teranos/nodereg/telemetry"
)

// partition owns one category's sub-range. All fields below mu are guarded by it.
type partition struct {
	cat Category

	mu       sync.Mutex
	bounds   Range
	free     *treeset.Set // available addresses as ints, ordered
	holders  map[Address]string
	byHolder map[string]Address
}

func newPartition(cat Category, r Range) *partition {
	p := &partition{
		cat:      cat,
		bounds:   r,
		free:     treeset.NewWithIntComparator(),
		holders:  make(map[Address]string),
		byHolder: make(map[string]Address),
	}
	for a := r.Lo; a <= r.Hi; a++ {
		p.free.Add(int(a))
	}
	return p
}

// lowestFree returns the smallest available address. Caller holds mu.
func (p *partition) lowestFree() (Address, bool) {
	it := p.free.Iterator()
	if !it.First() {
		return 0, false
	}
	return Address(it.Value().(int)), true
}

// take marks a as allocated to holder. Caller holds mu and has checked a is free.
func (p *partition) take(a Address, holder string) {
	p.free.Remove(int(a))
	p.holders[a] = holder
	if holder != "" {
		p.byHolder[holder] = a
	}
}

// Space is a partitioned symbolic address space.
// Allocation and release are atomic per category; different categories never contend.
type Space struct {
	space Range

	// mu guards partition bounds for lookups and Grow. Allocation only needs the partition lock.
	mu         sync.RWMutex
	partitions map[Category]*partition
	ordered    []*partition

	sink   telemetry.Sink
	logger *zap.SugaredLogger
}

// Option configures a Space
type Option func(*Space)

// WithSink reports partition exhaustion to sink
func WithSink(sink telemetry.Sink) Option {
	return func(s *Space) { s.sink = telemetry.OrNop(sink) }
}

// New creates a Space from a validated layout with every address available
func New(layout Layout, opts ...Option) (*Space, error) {
	if err := layout.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid address layout")
	}

	s := &Space{
		space:      layout.Space,
		partitions: make(map[Category]*partition, len(layout.Partitions)),
		sink:       telemetry.Nop{},
		logger:     logger.AddAddrSymbol(logger.ComponentLogger("addr")),
	}
	for _, cat := range layout.sortedCategories() {
		p := newPartition(cat, layout.Partitions[cat])
		s.partitions[cat] = p
		s.ordered = append(s.ordered, p)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Space) partition(cat Category) (*partition, error) {
	p, ok := s.partitions[cat]
	if !ok {
		return nil, errors.NewInvalidRequestError("no partition for category %q", cat)
	}
	return p, nil
}

// locate finds the partition whose current bounds contain a
func (s *Space) locate(a Address) (*partition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.ordered {
		if p.bounds.Contains(a) {
			return p, nil
		}
	}
	return nil, errors.NewNotFoundError("address %s is outside every partition", a)
}

// Allocate reserves the lowest available address of cat without binding a holder.
// Returns ErrExhausted when the partition is full.
func (s *Space) Allocate(cat Category) (Address, error) {
	return s.AllocateFor(cat, "")
}

// AllocateFor reserves the lowest available address of cat and binds it to holder
// in the same critical section.
func (s *Space) AllocateFor(cat Category, holder string) (Address, error) {
	p, err := s.partition(cat)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if holder != "" {
		if existing, ok := p.byHolder[holder]; ok {
			return 0, errors.NewInvariantViolation("holder %s already holds address %s", holder, existing)
		}
	}

	a, ok := p.lowestFree()
	if !ok {
		s.sink.AddressExhausted(string(cat))
		err := errors.Wrapf(errors.ErrExhausted, "category %s", cat)
		err = errors.WithDetail(err, fmt.Sprintf("Partition: %s", p.bounds))
		err = errors.WithDetail(err, fmt.Sprintf("Allocated: %d", len(p.holders)))
		return 0, errors.WithHint(err, "grow the partition or retry after a release")
	}

	p.take(a, holder)
	s.logger.Debugw("Allocated address",
		logger.FieldCategory, cat,
		logger.FieldAddress, a.String(),
		logger.FieldEntityID, holder)
	return a, nil
}

// Claim reserves a specific address for holder. Used when restoring a snapshot.
// Returns ErrConflict if the address is already allocated.
func (s *Space) Claim(a Address, holder string) (Category, error) {
	p, err := s.locate(a)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.free.Contains(int(a)) {
		return "", errors.NewConflictError("address %s is already allocated", a)
	}
	if holder != "" {
		if existing, ok := p.byHolder[holder]; ok {
			return "", errors.NewInvariantViolation("holder %s already holds address %s", holder, existing)
		}
	}
	p.take(a, holder)
	return p.cat, nil
}

// Bind records holder for an address obtained from Allocate.
// Rebinding the same holder is a no-op; binding a different holder breaks the
// address/holder bijection and is refused with ErrInvariantViolation.
func (s *Space) Bind(a Address, holder string) error {
	if holder == "" {
		return errors.NewInvalidRequestError("empty holder")
	}
	p, err := s.locate(a)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current, allocated := p.holders[a]
	if !allocated {
		return errors.NewConflictError("address %s is not allocated", a)
	}
	if current == holder {
		return nil
	}
	if current != "" {
		return errors.NewInvariantViolation("address %s is held by %s, refusing to bind %s", a, current, holder)
	}
	if other, ok := p.byHolder[holder]; ok {
		return errors.NewInvariantViolation("holder %s already holds address %s", holder, other)
	}
	p.holders[a] = holder
	p.byHolder[holder] = a
	return nil
}

// Release returns an allocated address to its partition.
//
// Releasing an address outside every partition returns ErrNotFound. Releasing an
// address that is currently available (never allocated or already released)
// returns ErrConflict; it is never a silent no-op.
func (s *Space) Release(a Address) error {
	p, err := s.locate(a)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	holder, allocated := p.holders[a]
	if !allocated {
		return errors.NewConflictError("address %s is not allocated", a)
	}
	delete(p.holders, a)
	if holder != "" {
		delete(p.byHolder, holder)
	}
	p.free.Add(int(a))

	s.logger.Debugw("Released address",
		logger.FieldCategory, p.cat,
		logger.FieldAddress, a.String(),
		logger.FieldEntityID, holder)
	return nil
}

// Lookup returns the category whose partition contains a
func (s *Space) Lookup(a Address) (Category, error) {
	p, err := s.locate(a)
	if err != nil {
		return "", err
	}
	return p.cat, nil
}

// Holder returns the holder bound to a. The boolean is false when a is not allocated.
// An allocated but unbound address reports ("", true).
func (s *Space) Holder(a Address) (string, bool) {
	p, err := s.locate(a)
	if err != nil {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	holder, ok := p.holders[a]
	return holder, ok
}

// Grow extends cat's partition upward by n addresses. The new bound must stay
// inside the space and must not reach the next partition.
func (s *Space) Grow(cat Category, n int) error {
	if n <= 0 {
		return errors.NewInvalidRequestError("grow by %d: n must be positive", n)
	}
	p, err := s.partition(cat)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()

	newHi := p.bounds.Hi + Address(n)
	if newHi > s.space.Hi || newHi < p.bounds.Hi {
		return errors.NewInvalidRequestError("grow %s by %d exceeds address space %s", cat, n, s.space)
	}
	grown := Range{Lo: p.bounds.Hi + 1, Hi: newHi}
	for _, other := range s.ordered {
		if other != p && other.bounds.overlaps(grown) {
			return errors.NewConflictError("grow %s to %s would overlap partition %s (%s)",
				cat, newHi, other.cat, other.bounds)
		}
	}

	for a := grown.Lo; a <= grown.Hi; a++ {
		p.free.Add(int(a))
	}
	p.bounds.Hi = newHi

	s.logger.Infow("Grew address partition",
		logger.FieldCategory, cat,
		logger.FieldCount, n,
		"range", p.bounds.String())
	return nil
}

// PartitionStats summarizes one partition
type PartitionStats struct {
	Category  Category
	Range     Range
	Allocated int
	Available int
}

// Stats returns per-partition occupancy in partition order
func (s *Space) Stats() []PartitionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make([]PartitionStats, 0, len(s.ordered))
	for _, p := range s.ordered {
		p.mu.Lock()
		stats = append(stats, PartitionStats{
			Category:  p.cat,
			Range:     p.bounds,
			Allocated: len(p.holders),
			Available: p.free.Size(),
		})
		p.mu.Unlock()
	}
	return stats
}
