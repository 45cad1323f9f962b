// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package repository is the audit-trail side-store: every dispatched
// ChannelConfig and Command is written here for later inspection, in
// addition to (never instead of) the process-local decision state the
// optimizer and controller keep in memory. Losing this store never
// changes a decision outcome.
package repository

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/nodeweave/meshplane/pkg/log"
)

var (
	dbConnOnce     sync.Once
	dbConnInstance *DBConnection
)

// DBConnection wraps the audit store's *sqlx.DB.
type DBConnection struct {
	DB     *sqlx.DB
	Driver string
}

// Connect opens the audit database on first call; subsequent calls
// with different arguments are ignored.
func Connect(driver string, dsn string) error {
	var err error
	var dbHandle *sqlx.DB
	opened := false

	dbConnOnce.Do(func() {
		opened = true
		switch driver {
		case "sqlite3":
			sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &Hooks{}))
			dbHandle, err = sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on", dsn))
			if err != nil {
				return
			}
			// sqlite does not multiplex writers; one connection avoids
			// lock-wait churn under concurrent audit writes.
			dbHandle.SetMaxOpenConns(1)
		default:
			err = fmt.Errorf("repository: unsupported database driver %q", driver)
			return
		}

		dbConnInstance = &DBConnection{DB: dbHandle, Driver: driver}
	})
	if err != nil {
		return err
	}
	if !opened {
		return nil
	}
	if err := MigrateDB(driver, dsn); err != nil {
		return fmt.Errorf("repository: migrate: %w", err)
	}
	log.Infof("repository: audit store connected (%s)", driver)
	return nil
}

// GetConnection returns the singleton connection opened by Connect.
func GetConnection() *DBConnection {
	if dbConnInstance == nil {
		log.Fatal("repository: Connect was never called")
	}
	return dbConnInstance
}
