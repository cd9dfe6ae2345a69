package registry

import (
	"context"
	"fmt"

	"github.com/teranos/nodereg/addr"
	"github.com/teranos/nodereg/entity"
	"github.com/teranos/nodereg/errors"
	"github.com/teranos/nodereg/graph"
	"github.com/teranos/nodereg/logger"
	"github.com/teranos/nodereg/pulse/pipeline"
)

// State is everything needed to rebuild a registry. The slot cache is not
// part of it; it warms again on first read.
type State struct {
	Partitions []addr.PartitionStats
	Entities   []entity.Entity   // oldest first
	Tombstones []string
	Edges      []graph.Edge      // creation order
	Tickets    []pipeline.Ticket // creation order
}

// State captures the registry. Components are read one after another, so
// callers wanting a consistent state must quiesce writers first (the CLI
// saves after its command finishes).
func (r *Registry) State(ctx context.Context) (State, error) {
	if err := r.check(ctx); err != nil {
		return State{}, err
	}
	s := State{
		Partitions: r.space.Stats(),
		Entities:   r.table.List(),
		Tombstones: r.table.Tombstones(),
		Edges:      r.graph.All(),
	}
	for _, t := range r.pipeline.List("") {
		s.Tickets = append(s.Tickets, *t)
	}
	return s, nil
}

// Restore loads s into an empty registry.
//
// Partitions saved larger than the configured layout are grown to match.
// Stored hashes are verified against the payload; a mismatch is an invariant
// violation and aborts the restore.
func (r *Registry) Restore(ctx context.Context, s State) error {
	if err := r.check(ctx); err != nil {
		return err
	}
	if r.table.Len() > 0 || len(r.table.Tombstones()) > 0 || r.graph.Len() > 0 {
		return errors.NewConflictError("restore into a registry that is not empty")
	}

	current := make(map[addr.Category]addr.Range)
	for _, p := range r.space.Stats() {
		current[p.Category] = p.Range
	}
	for _, p := range s.Partitions {
		have, ok := current[p.Category]
		if !ok {
			return errors.NewInvalidRequestError("snapshot has unknown partition %s", p.Category)
		}
		if p.Range.Lo != have.Lo {
			return errors.NewConflictError("partition %s starts at %s in the snapshot but %s in the layout",
				p.Category, p.Range.Lo, have.Lo)
		}
		if grow := int(p.Range.Hi) - int(have.Hi); grow > 0 {
			if err := r.space.Grow(p.Category, grow); err != nil {
				return errors.Wrapf(err, "failed to grow partition %s to %s", p.Category, p.Range)
			}
		}
	}

	for _, e := range s.Entities {
		if err := r.restoreEntity(e); err != nil {
			return err
		}
	}
	for _, id := range s.Tombstones {
		if r.table.Exists(id) {
			return errors.NewInvariantViolation("entity %s is both live and deleted", id)
		}
		r.table.Tombstone(id)
	}
	for _, e := range s.Edges {
		if !r.table.Exists(e.Source) || !r.table.Exists(e.Target) {
			return errors.Wrapf(errors.ErrInvalidEndpoint, "edge %s references a missing entity", e.ID)
		}
		if err := r.graph.Restore(e); err != nil {
			return err
		}
	}
	for _, t := range s.Tickets {
		if t.Open() && !r.table.Exists(t.EntityID) {
			return errors.NewInvariantViolation("open ticket %s for missing entity %s", t.ID, t.EntityID)
		}
		if err := r.pipeline.Restore(t); err != nil {
			return err
		}
	}

	r.logger.Infow("Registry restored",
		"entities", len(s.Entities),
		"tombstones", len(s.Tombstones),
		"edges", len(s.Edges),
		"tickets", len(s.Tickets))
	return nil
}

func (r *Registry) restoreEntity(e entity.Entity) error {
	check := e.Clone()
	check.Rehash()
	if check.ContentHash != e.ContentHash || check.SemanticHash != e.SemanticHash {
		err := errors.NewInvariantViolation("entity %s hash does not match its payload", e.ID)
		return errors.WithDetail(err, fmt.Sprintf("Stored: %s, computed: %s", e.ContentHash, check.ContentHash))
	}

	unlock := r.table.Lock(e.ID)
	defer unlock()

	if e.Address != nil {
		cat, err := r.space.Claim(*e.Address, e.ID)
		if err != nil {
			return errors.Wrapf(err, "failed to claim address for %s", e.ID)
		}
		if cat != e.Category {
			return errors.NewInvariantViolation("entity %s of category %s holds %s address %s",
				e.ID, e.Category, cat, e.Address)
		}
	}
	if err := r.table.Put(e); err != nil {
		return errors.Wrapf(err, "failed to restore entity %s", e.ID)
	}
	r.logger.Debugw("Restored entity",
		logger.FieldEntityID, e.ID,
		logger.FieldAddress, addressString(e.Address))
	return nil
}
