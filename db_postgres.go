package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	cfg "github.com/example/momento/internal/config"
	"github.com/example/momento/internal/dbmigrate"
)

// openPostgres applies pending migrations and then opens the pool the
// stores share.
func openPostgres(ctx context.Context, c *cfg.Config, log logrus.FieldLogger) (*sqlx.DB, error) {
	dsn, err := c.BuildPostgresDSN()
	if err != nil {
		return nil, fmt.Errorf("postgres config error: %w", err)
	}

	log.Info("applying database migrations")
	if err := dbmigrate.Apply(dsn, c.MigrationsDir, log); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}
