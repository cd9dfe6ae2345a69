// Package snapshot persists registry state to SQLite.
//
// The registry itself never does I/O. The CLI loads a snapshot into a fresh
// registry before a command and saves the result afterwards; Save replaces
// the previous snapshot in a single transaction.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/nodereg/addr"
	"github.com/teranos/nodereg/db"
	"github.com/teranos/nodereg/entity"
	"github.com/teranos/nodereg/errors"
	"github.com/teranos/nodereg/graph"
	"github.com/teranos/nodereg/logger"
	"github.com/teranos/nodereg/pulse/pipeline"
	"github.com/teranos/nodereg/registry"
)

// Tables in the order Save clears them. Edges go before entities for the
// foreign keys.
var tables = []string{"edges", "tickets", "entities", "tombstones", "partitions"}

// Store reads and writes registry snapshots
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates a store over a migrated database
func NewStore(sqlDB *sql.DB) *Store {
	return &Store{
		db:     sqlDB,
		logger: logger.AddDBSymbol(logger.ComponentLogger("snapshot")),
	}
}

// Save captures reg and writes it
func Save(ctx context.Context, sqlDB *sql.DB, reg *registry.Registry) error {
	st, err := reg.State(ctx)
	if err != nil {
		return err
	}
	return NewStore(sqlDB).Save(ctx, st)
}

// Load reads the stored snapshot into an empty reg
func Load(ctx context.Context, sqlDB *sql.DB, reg *registry.Registry) error {
	st, err := NewStore(sqlDB).Load(ctx)
	if err != nil {
		return err
	}
	return reg.Restore(ctx, st)
}

// Save replaces the stored snapshot with st
func (s *Store) Save(ctx context.Context, st registry.State) (err error) {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(err, "begin snapshot transaction")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, table := range tables {
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return s.wrap(err, "clear "+table)
		}
	}

	if err = insertAll(ctx, tx, "INSERT INTO partitions (category, lo, hi) VALUES (?, ?, ?)",
		st.Partitions, func(p addr.PartitionStats) []any {
			return []any{string(p.Category), int64(p.Range.Lo), int64(p.Range.Hi)}
		}); err != nil {
		return s.wrap(err, "save partitions")
	}

	var encodeErr error
	if err = insertAll(ctx, tx, `INSERT INTO entities
		(id, category, address, content_hash, semantic_hash, payload, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.Entities, func(e entity.Entity) []any {
			payload, err := json.Marshal(e.Payload)
			if err != nil && encodeErr == nil {
				encodeErr = errors.Wrapf(err, "encode payload of %s", e.ID)
			}
			var address sql.NullInt64
			if e.Address != nil {
				address = sql.NullInt64{Int64: int64(*e.Address), Valid: true}
			}
			return []any{e.ID, string(e.Category), address, e.ContentHash, e.SemanticHash,
				string(payload), e.Version, e.CreatedAt, e.UpdatedAt}
		}); err != nil {
		return s.wrap(err, "save entities")
	}
	if encodeErr != nil {
		err = encodeErr
		return err
	}

	if err = insertAll(ctx, tx, "INSERT INTO tombstones (id) VALUES (?)",
		st.Tombstones, func(id string) []any { return []any{id} }); err != nil {
		return s.wrap(err, "save tombstones")
	}

	seq := 0
	if err = insertAll(ctx, tx, `INSERT INTO edges
		(id, source_id, target_id, relation_type, strength, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		st.Edges, func(e graph.Edge) []any {
			seq++
			return []any{string(e.ID), e.Source, e.Target, string(e.Type), e.Strength, e.CreatedAt, seq}
		}); err != nil {
		return s.wrap(err, "save edges")
	}

	seq = 0
	if err = insertAll(ctx, tx, `INSERT INTO tickets
		(id, entity_id, priority, stage, reason, attempts, version, seq, created_at, started_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.Tickets, func(t pipeline.Ticket) []any {
			seq++
			return []any{t.ID, t.EntityID, t.Priority, string(t.Stage), t.Reason, t.Attempts, t.Version, seq,
				t.CreatedAt, nullTime(t.StartedAt), nullTime(t.FinishedAt), t.UpdatedAt}
		}); err != nil {
		return s.wrap(err, "save tickets")
	}

	if err = tx.Commit(); err != nil {
		return s.wrap(err, "commit snapshot")
	}

	s.logger.Infow("Snapshot saved",
		"entities", len(st.Entities),
		"edges", len(st.Edges),
		"tickets", len(st.Tickets),
		logger.FieldDurationMS, time.Since(start).Milliseconds())
	return nil
}

// insertAll runs one prepared insert per item
func insertAll[T any](ctx context.Context, tx *sql.Tx, query string, items []T, args func(T) []any) error {
	if len(items) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return errors.Wrap(err, "prepare insert")
	}
	defer stmt.Close()
	for _, item := range items {
		if _, err := stmt.ExecContext(ctx, args(item)...); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the stored snapshot. Each table is read by its own goroutine.
func (s *Store) Load(ctx context.Context) (registry.State, error) {
	var st registry.State
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		st.Partitions, err = s.loadPartitions(gctx)
		return err
	})
	g.Go(func() (err error) {
		st.Entities, err = s.loadEntities(gctx)
		return err
	})
	g.Go(func() (err error) {
		st.Tombstones, err = s.loadTombstones(gctx)
		return err
	})
	g.Go(func() (err error) {
		st.Edges, err = s.loadEdges(gctx)
		return err
	})
	g.Go(func() (err error) {
		st.Tickets, err = s.loadTickets(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		return registry.State{}, err
	}
	s.logger.Debugw("Snapshot loaded",
		"entities", len(st.Entities),
		"edges", len(st.Edges),
		"tickets", len(st.Tickets))
	return st, nil
}

func (s *Store) loadPartitions(ctx context.Context) ([]addr.PartitionStats, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT category, lo, hi FROM partitions ORDER BY lo")
	if err != nil {
		return nil, s.wrap(err, "query partitions")
	}
	defer rows.Close()

	var out []addr.PartitionStats
	for rows.Next() {
		var cat string
		var lo, hi int64
		if err := rows.Scan(&cat, &lo, &hi); err != nil {
			return nil, s.wrap(err, "scan partition")
		}
		out = append(out, addr.PartitionStats{
			Category: addr.Category(cat),
			Range:    addr.Range{Lo: addr.Address(lo), Hi: addr.Address(hi)},
		})
	}
	return out, s.wrap(rows.Err(), "iterate partitions")
}

func (s *Store) loadEntities(ctx context.Context) ([]entity.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, category, address, content_hash, semantic_hash,
		payload, version, created_at, updated_at FROM entities ORDER BY rowid`)
	if err != nil {
		return nil, s.wrap(err, "query entities")
	}
	defer rows.Close()

	var out []entity.Entity
	for rows.Next() {
		var e entity.Entity
		var cat, payload string
		var address sql.NullInt64
		if err := rows.Scan(&e.ID, &cat, &address, &e.ContentHash, &e.SemanticHash,
			&payload, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, s.wrap(err, "scan entity")
		}
		e.Category = addr.Category(cat)
		if address.Valid {
			a := addr.Address(address.Int64)
			e.Address = &a
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, errors.Wrapf(err, "decode payload of %s", e.ID)
		}
		out = append(out, e)
	}
	return out, s.wrap(rows.Err(), "iterate entities")
}

func (s *Store) loadTombstones(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM tombstones ORDER BY id")
	if err != nil {
		return nil, s.wrap(err, "query tombstones")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, s.wrap(err, "scan tombstone")
		}
		out = append(out, id)
	}
	return out, s.wrap(rows.Err(), "iterate tombstones")
}

func (s *Store) loadEdges(ctx context.Context) ([]graph.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, source_id, target_id, relation_type, strength, created_at
		FROM edges ORDER BY seq`)
	if err != nil {
		return nil, s.wrap(err, "query edges")
	}
	defer rows.Close()

	var out []graph.Edge
	for rows.Next() {
		var e graph.Edge
		var id, rel string
		if err := rows.Scan(&id, &e.Source, &e.Target, &rel, &e.Strength, &e.CreatedAt); err != nil {
			return nil, s.wrap(err, "scan edge")
		}
		e.ID = graph.EdgeID(id)
		e.Type = graph.RelationType(rel)
		out = append(out, e)
	}
	return out, s.wrap(rows.Err(), "iterate edges")
}

func (s *Store) loadTickets(ctx context.Context) ([]pipeline.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, entity_id, priority, stage, reason, attempts, version,
		created_at, started_at, finished_at, updated_at FROM tickets ORDER BY seq`)
	if err != nil {
		return nil, s.wrap(err, "query tickets")
	}
	defer rows.Close()

	var out []pipeline.Ticket
	for rows.Next() {
		var t pipeline.Ticket
		var stage string
		var started, finished sql.NullTime
		if err := rows.Scan(&t.ID, &t.EntityID, &t.Priority, &stage, &t.Reason, &t.Attempts, &t.Version,
			&t.CreatedAt, &started, &finished, &t.UpdatedAt); err != nil {
			return nil, s.wrap(err, "scan ticket")
		}
		t.Stage = pipeline.Stage(stage)
		if started.Valid {
			t.StartedAt = &started.Time
		}
		if finished.Valid {
			t.FinishedAt = &finished.Time
		}
		out = append(out, t)
	}
	return out, s.wrap(rows.Err(), "iterate tickets")
}

// Counts returns the number of stored rows per table
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, len(tables))
	for _, table := range tables {
		var n int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, s.wrap(err, "count "+table)
		}
		counts[table] = n
	}
	return counts, nil
}

// wrap adds context and marks closed-connection errors so callers can test
// for db.ErrDatabaseClosed. A nil err stays nil.
func (s *Store) wrap(err error, what string) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrapf(err, "snapshot: %s", what)
	if db.IsDatabaseClosed(err) {
		wrapped = errors.Mark(wrapped, db.ErrDatabaseClosed)
	}
	return wrapped
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
