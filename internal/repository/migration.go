// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/nodeweave/meshplane/pkg/log"
)

//go:embed migrations/*
var migrationFiles embed.FS

// MigrateDB applies every pending migration for driver/dsn. Safe to
// call on every startup: golang-migrate no-ops once the schema is
// current.
func MigrateDB(driver string, dsn string) error {
	if driver != "sqlite3" {
		return fmt.Errorf("repository: unsupported migration driver %q", driver)
	}

	d, err := iofs.New(migrationFiles, "migrations/sqlite3")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, fmt.Sprintf("sqlite3://%s?_foreign_keys=on", dsn))
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	v, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return err
	}
	log.Infof("repository: audit schema at version %d (dirty=%v)", v, dirty)
	return nil
}
