// Package dbmigrate applies the Postgres schema with golang-migrate. The
// schema is embedded; a directory can be given instead for local edits.
package dbmigrate

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/example/momento/migrations"
)

type Migrator struct {
	m *migrate.Migrate
}

// Open connects to dsn and prepares migrations from dir, or from the embedded
// schema when dir is empty.
func Open(dsn, dir string) (*Migrator, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating migrate driver: %w", err)
	}

	var m *migrate.Migrate
	if dir != "" {
		m, err = migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	} else {
		src, serr := iofs.New(migrations.FS, ".")
		if serr != nil {
			db.Close()
			return nil, fmt.Errorf("reading embedded migrations: %w", serr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", driver)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return &Migrator{m: m}, nil
}

func (g *Migrator) Close() error {
	srcErr, dbErr := g.m.Close()
	return errors.Join(srcErr, dbErr)
}

// Version returns 0, false when no migration has been applied yet.
func (g *Migrator) Version() (uint, bool, error) {
	version, dirty, err := g.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Up applies every pending migration. A dirty database is refused.
func (g *Migrator) Up() error {
	_, dirty, err := g.Version()
	if err != nil {
		return fmt.Errorf("checking migration version: %w", err)
	}
	if dirty {
		return errors.New("database is in a dirty state, manual intervention required")
	}
	if err := g.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func (g *Migrator) Down() error {
	if err := g.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rolling back migrations: %w", err)
	}
	return nil
}

// Steps migrates n steps up, or down when n is negative.
func (g *Migrator) Steps(n int) error {
	if err := g.m.Steps(n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

func (g *Migrator) Force(version int) error {
	if err := g.m.Force(version); err != nil {
		return fmt.Errorf("forcing version: %w", err)
	}
	return nil
}

// Apply brings the database at dsn up to date and logs the version change.
func Apply(dsn, dir string, log logrus.FieldLogger) error {
	g, err := Open(dsn, dir)
	if err != nil {
		return err
	}
	defer func() {
		if err := g.Close(); err != nil {
			log.WithError(err).Warn("closing migrator")
		}
	}()

	before, _, err := g.Version()
	if err != nil {
		return fmt.Errorf("checking migration version: %w", err)
	}
	if err := g.Up(); err != nil {
		return err
	}
	after, _, _ := g.Version()
	if after != before {
		log.WithFields(logrus.Fields{"from": before, "to": after}).Info("database migrated")
	} else {
		log.WithField("version", after).Info("database is up to date")
	}
	return nil
}
