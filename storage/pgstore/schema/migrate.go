// Copyright (C) 2025 Pulselog Authors.
// See LICENSE for copying information.

package schema

import (
	"database/sql"
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PrepareDB applies schema migrations as necessary to the given database to
// get it up to date. An already up-to-date database is not an error.
func PrepareDB(db *sql.DB) error {
	srcDriver, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "pulselog db", dbDriver)
	if err != nil {
		return err
	}
	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		err = nil
	}
	return err
}
