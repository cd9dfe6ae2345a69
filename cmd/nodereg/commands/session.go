package commands

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/teranos/nodereg/am"
	"github.com/teranos/nodereg/db"
	"github.com/teranos/nodereg/errors"
	"github.com/teranos/nodereg/logger"
	"github.com/teranos/nodereg/registry"
	"github.com/teranos/nodereg/snapshot"
)

// session is one CLI invocation's registry, rebuilt from the snapshot database
type session struct {
	ctx context.Context
	cfg *am.Config
	db  *sql.DB
	reg *registry.Registry
}

// openSession loads config, opens and migrates the database, and restores the
// last saved registry state into a fresh registry.
func openSession(ctx context.Context, opts ...registry.Option) (*session, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	reg, err := registry.NewFromConfig(cfg, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build registry")
	}

	path, err := am.GetDatabasePath()
	if err != nil {
		reg.Close()
		return nil, err
	}
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		reg.Close()
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}

	if err := snapshot.Load(ctx, database, reg); err != nil {
		reg.Close()
		database.Close()
		return nil, errors.Wrapf(err, "failed to load registry from %s", path)
	}

	return &session{ctx: ctx, cfg: cfg, db: database, reg: reg}, nil
}

// save persists the registry. Read-only commands skip it.
func (s *session) save(ctx context.Context) error {
	if err := snapshot.Save(ctx, s.db, s.reg); err != nil {
		return errors.Wrap(err, "failed to save registry")
	}
	logger.DBInfow("Registry saved", append(logger.FieldsFromContext(ctx), "stats", s.reg.Stats().String())...)
	return nil
}

func (s *session) close() {
	log := logger.LoggerFromContext(s.ctx)
	if err := s.reg.Close(); err != nil {
		log.Warnw("Failed to close registry", logger.FieldError, err)
	}
	if err := s.db.Close(); err != nil {
		log.Warnw("Failed to close database", logger.FieldError, err)
	}
}

// withSession runs fn against a restored registry and saves afterwards when mutate is set
func withSession(ctx context.Context, mutate bool, fn func(*session) error) error {
	return withSessionOptions(ctx, mutate, nil, fn)
}

// withSessionOptions is withSession with registry options that override the config.
// Each invocation gets its own request id in every registry log line.
func withSessionOptions(ctx context.Context, mutate bool, opts []registry.Option, fn func(*session) error) error {
	ctx = logger.WithRequestID(logger.WithComponent(ctx, "cli"), uuid.NewString())
	s, err := openSession(ctx, opts...)
	if err != nil {
		return err
	}
	defer s.close()

	if err := fn(s); err != nil {
		return err
	}
	if mutate {
		return s.save(s.ctx)
	}
	return nil
}
