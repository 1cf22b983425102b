// Copyright 2022 The objtalk Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/objtalk/common"
	"github.com/apex/log"

	// sqlite3 registers the "sqlite3" database/sql driver
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS objects (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	last_modified TEXT NOT NULL
)`

// sqliteBackend implements Backend against a SQLite database file, one row
// per object.
type sqliteBackend struct {
	goutils.Component
	db *sql.DB
}

// GetSqliteBackend define a new SQLite storage backend. Opens or creates the
// database file and applies the schema.
func GetSqliteBackend(config common.SqliteConfig) (Backend, error) {
	logTags := log.Fields{
		"module": "storage", "component": "sqlite-backend", "instance": config.Filename,
	}

	db, err := sql.Open("sqlite3", config.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time, and the broker worker is the only
	// caller anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log.WithFields(logTags).Info("Opened SQLite storage backend")
	return &sqliteBackend{
		Component: goutils.Component{LogTags: logTags}, db: db,
	}, nil
}

// LoadAll fetch every persisted object
func (b *sqliteBackend) LoadAll(ctxt context.Context) ([]common.Object, error) {
	rows, err := b.db.QueryContext(
		ctxt, "SELECT name, value, last_modified FROM objects",
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := []common.Object{}
	for rows.Next() {
		var object common.Object
		var value, lastModified string
		if err := rows.Scan(&object.Name, &value, &lastModified); err != nil {
			return nil, err
		}
		object.Value = []byte(value)
		object.LastModified, err = time.Parse(time.RFC3339Nano, lastModified)
		if err != nil {
			return nil, fmt.Errorf("corrupt last_modified for '%s': %w", object.Name, err)
		}
		result = append(result, object)
	}
	return result, rows.Err()
}

// Upsert persist an object write
func (b *sqliteBackend) Upsert(ctxt context.Context, object common.Object) error {
	_, err := b.db.ExecContext(
		ctxt,
		"REPLACE INTO objects (name, value, last_modified) VALUES (?, ?, ?)",
		object.Name,
		string(object.Value),
		object.LastModified.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Delete remove a persisted object, reporting whether it existed
func (b *sqliteBackend) Delete(ctxt context.Context, name string) (bool, error) {
	result, err := b.db.ExecContext(ctxt, "DELETE FROM objects WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Close release backend resources
func (b *sqliteBackend) Close() error {
	log.WithFields(b.LogTags).Info("Closing SQLite storage backend")
	return b.db.Close()
}
