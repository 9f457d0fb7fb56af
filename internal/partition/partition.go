/*
Copyright 2024 Haven Storage Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package partition manages the physical sqlite files backing named stores.
// Every store lives in its own file, so a write is atomic within one store
// but never across stores. Cross-store atomicity is the transaction log's
// job, one level up.
package partition

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"

	"github.com/havenstore/haven/internal/storeerr"
)

var storeNamePattern = regexp.MustCompile(`^_?[a-zA-Z][a-zA-Z0-9_]*$`)

// physicalSchema creates the records table inside each partition file. This
// is the file-level schema, distinct from the logical record schema the
// migration runner manages.
var physicalSchema = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "001-create-records",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS records (
					key TEXT PRIMARY KEY,
					type_id INTEGER NOT NULL,
					payload BLOB NOT NULL,
					key_version INTEGER NOT NULL DEFAULT 1,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				)`,
			},
			Down: []string{`DROP TABLE records`},
		},
	},
}

// Manager opens and caches one sqlite handle per named store.
type Manager struct {
	dataDir string
	mu      sync.Mutex
	dbs     map[string]*sql.DB
}

// NewManager creates a partition manager rooted at dataDir, creating the
// directory if necessary.
func NewManager(dataDir string) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "creating data dir")
	}
	return &Manager{dataDir: dataDir, dbs: make(map[string]*sql.DB)}, nil
}

// Path returns the filesystem path of a store's partition file.
func (m *Manager) Path(store string) string {
	return filepath.Join(m.dataDir, store+".db")
}

// DB returns the open handle for a store, opening and bootstrapping the
// partition file on first use.
//
// Parameters:
// - store string: The store name. Must match the allowed name pattern.
//
// Returns:
// - *sql.DB: The open handle.
// - error: A typed StorageError if the store cannot be opened.
func (m *Manager) DB(store string) (*sql.DB, error) {
	if !storeNamePattern.MatchString(store) {
		return nil, storeerr.Newf(storeerr.ErrStoreUnavailable, "invalid store name %q", store)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if db, ok := m.dbs[store]; ok {
		return db, nil
	}

	db, err := sql.Open("sqlite3", m.Path(store)+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.ErrStoreUnavailable, "opening partition "+store)
	}
	// sqlite serializes writers per file; a single connection keeps the
	// cooperative single-writer assumption honest.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, ClassifyError(err, store)
	}

	if _, err := migrate.Exec(db, "sqlite3", physicalSchema, migrate.Up); err != nil {
		_ = db.Close()
		return nil, ClassifyError(err, store)
	}

	m.dbs[store] = db
	return db, nil
}

// CloseStore closes and evicts a single store handle. Used before replacing
// a partition file during restore or repair.
func (m *Manager) CloseStore(store string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.dbs[store]
	if !ok {
		return nil
	}
	delete(m.dbs, store)
	return db.Close()
}

// Close closes every open partition handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, db := range m.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "closing partition %s", name)
		}
		delete(m.dbs, name)
	}
	return firstErr
}

// List returns the names of every store with a partition file on disk.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		return nil, errors.Wrap(err, "listing partitions")
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".db" {
			continue
		}
		names = append(names, name[:len(name)-3])
	}
	return names, nil
}

// ClassifyError maps a sqlite-level failure to the engine error taxonomy.
// Corruption must surface as a typed error, never a panic: the repair layer
// acts on it while sibling stores keep working.
func ClassifyError(err error, store string) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			logrus.WithField("store", store).Error("partition file is corrupt")
			return storeerr.Wrap(err, storeerr.ErrStoreCorrupt, fmt.Sprintf("partition %s is corrupt", store))
		case sqlite3.ErrCantOpen, sqlite3.ErrBusy, sqlite3.ErrLocked:
			return storeerr.Wrap(err, storeerr.ErrStoreUnavailable, fmt.Sprintf("partition %s is unavailable", store))
		}
	}
	return storeerr.Wrap(err, storeerr.ErrStoreUnavailable, fmt.Sprintf("partition %s failed", store))
}
