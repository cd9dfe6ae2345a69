package db

import (
	"database/sql"
	"embed"
	"path"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/nodereg/errors"
	"github.com/teranos/nodereg/logger"
	"github.com/teranos/nodereg/sym"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

// migrationFiles lists the embedded migrations in apply order
func migrationFiles() ([]string, error) {
	entries, err := migrations.ReadDir("sqlite/migrations")
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	// 000_create_schema_migrations.sql sorts first
	slices.Sort(files)
	return files, nil
}

// appliedVersions reads schema_migrations. A database that has never been
// migrated has no table yet and yields an empty set.
func appliedVersions(db *sql.DB) (map[string]bool, error) {
	var tables int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'").Scan(&tables)
	if err != nil {
		if IsDatabaseClosed(err) {
			return nil, errors.Mark(errors.Wrap(err, "check migrations"), ErrDatabaseClosed)
		}
		return nil, errors.Wrap(err, "check migrations")
	}
	applied := make(map[string]bool)
	if tables == 0 {
		return applied, nil
	}

	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, errors.Wrap(err, "list applied migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan migration version")
		}
		applied[v] = true
	}
	return applied, errors.Wrap(rows.Err(), "list applied migrations")
}

// applyMigration runs one file and records its version in the same
// transaction. 000 creates schema_migrations before recording itself.
func applyMigration(db *sql.DB, filename, version string) error {
	body, err := migrations.ReadFile(path.Join("sqlite/migrations", filename))
	if err != nil {
		return errors.Wrapf(err, "read %s", filename)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", filename)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return errors.Wrapf(err, "execute %s", filename)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		return errors.Wrapf(err, "record %s", filename)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", filename)
}

// Migrate applies every embedded migration not yet recorded. A nil log
// migrates silently.
func Migrate(db *sql.DB, log *zap.SugaredLogger) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	files, err := migrationFiles()
	if err != nil {
		return err
	}
	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}
	if len(applied) == 0 && len(files) > 0 && !strings.HasPrefix(files[0], "000_") {
		return errors.Newf("first migration must create schema_migrations, got %s", files[0])
	}

	count := 0
	for _, filename := range files {
		version, _, _ := strings.Cut(filename, "_")
		if applied[version] {
			log.Debugw("Skipping migration (already applied)", "migration", filename)
			continue
		}
		log.Infow("Applying migration", "migration", filename, logger.FieldVersion, version)
		if err := applyMigration(db, filename, version); err != nil {
			return err
		}
		count++
	}

	log.Infow("Migrations complete",
		logger.FieldSymbol, sym.DB,
		"total_migrations", len(files),
		"applied", count,
	)
	return nil
}

// SchemaVersion returns the newest applied migration version, "" for an empty database
func SchemaVersion(db *sql.DB) (string, error) {
	var version sql.NullString
	if err := db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		return "", errors.Wrap(err, "read schema version")
	}
	return version.String, nil
}
