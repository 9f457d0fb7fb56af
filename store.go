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

package haven

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/havenstore/haven/internal/crypt"
	"github.com/havenstore/haven/internal/partition"
	"github.com/havenstore/haven/internal/storeerr"
	"github.com/havenstore/haven/model"
)

// Reserved partitions the engine owns. Callers may use any other name.
const (
	metaStore         = "_meta"
	txLogStore        = "_txlog"
	queuePendingStore = "_queue_pending"
	queueIndexStore   = "_queue_index"
	queueFailedStore  = "_queue_failed"
	auditStore        = "_audit"
)

// EncryptedStore is the byte-level encrypted partition layer every other
// component writes through. It is the only shared mutable resource in the
// engine; nothing above it touches partition files directly.
type EncryptedStore struct {
	partitions *partition.Manager
	cipher     *crypt.CipherService

	// failpoint, when set, runs before every durable write. Tests use it to
	// simulate a crash at an exact write boundary.
	failpoint func(event string) error
}

// NewEncryptedStore creates the store layer over the given partition manager
// and cipher service.
func NewEncryptedStore(partitions *partition.Manager, cipher *crypt.CipherService) *EncryptedStore {
	return &EncryptedStore{partitions: partitions, cipher: cipher}
}

func (s *EncryptedStore) checkFailpoint(event string) error {
	if s.failpoint != nil {
		return s.failpoint(event)
	}
	return nil
}

// Get fetches and decrypts a single record.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - store string: The store name.
// - key string: The record key.
//
// Returns:
// - *model.Record: The decrypted record.
// - error: KEY_NOT_FOUND if absent, or a typed storage error.
func (s *EncryptedStore) Get(ctx context.Context, store, key string) (*model.Record, error) {
	db, err := s.partitions.DB(store)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx,
		`SELECT key, type_id, payload, key_version, created_at, updated_at FROM records WHERE key = ?`, key)

	var rec model.Record
	var payload []byte
	var keyVersion int
	err = row.Scan(&rec.Key, &rec.TypeID, &payload, &keyVersion, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeerr.Newf(storeerr.ErrKeyNotFound, "key %s not found in store %s", key, store)
	}
	if err != nil {
		return nil, partition.ClassifyError(err, store)
	}

	rec.Data, err = s.cipher.Open(store, keyVersion, payload)
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.ErrStoreCorrupt, "record failed decryption in store "+store)
	}
	return &rec, nil
}

// Put encrypts and upserts a single record. Repeating a put with identical
// contents is safe, which is what makes transaction replay idempotent.
func (s *EncryptedStore) Put(ctx context.Context, store string, rec *model.Record) error {
	return s.PutAll(ctx, store, []*model.Record{rec})
}

// PutAll encrypts and upserts a batch of records inside a single sqlite
// transaction: one durability barrier for the whole batch instead of one
// per record. Prefer this over looped Put for bulk writes.
func (s *EncryptedStore) PutAll(ctx context.Context, store string, records []*model.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.checkFailpoint("put:" + store); err != nil {
		return err
	}

	db, err := s.partitions.DB(store)
	if err != nil {
		return err
	}

	keyVersion := s.cipher.CurrentKeyVersion()
	now := time.Now()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return partition.ClassifyError(err, store)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (key, type_id, payload, key_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			type_id = excluded.type_id,
			payload = excluded.payload,
			key_version = excluded.key_version,
			updated_at = excluded.updated_at`)
	if err != nil {
		return partition.ClassifyError(err, store)
	}
	defer stmt.Close()

	for _, rec := range records {
		sealed, err := s.cipher.Seal(store, keyVersion, rec.Data)
		if err != nil {
			return errors.Wrap(err, "sealing record payload")
		}
		createdAt := rec.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := stmt.ExecContext(ctx, rec.Key, rec.TypeID, sealed, keyVersion, createdAt, now); err != nil {
			return partition.ClassifyError(err, store)
		}
	}

	if err := tx.Commit(); err != nil {
		return partition.ClassifyError(err, store)
	}
	return nil
}

// Delete removes a record. Deleting an absent key is a no-op so that replay
// of a committed transaction stays idempotent.
func (s *EncryptedStore) Delete(ctx context.Context, store, key string) error {
	if err := s.checkFailpoint("delete:" + store); err != nil {
		return err
	}
	db, err := s.partitions.DB(store)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
		return partition.ClassifyError(err, store)
	}
	return nil
}

// Cursor is a lazy, finite scan over records in key order. It is not
// restartable mid-scan; re-issue the scan to start over.
type Cursor struct {
	rows   *sql.Rows
	store  string
	cipher *crypt.CipherService
}

// Next returns the next record, or (nil, nil) when the scan is exhausted.
func (c *Cursor) Next() (*model.Record, error) {
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return nil, partition.ClassifyError(err, c.store)
		}
		return nil, nil
	}
	var rec model.Record
	var payload []byte
	var keyVersion int
	if err := c.rows.Scan(&rec.Key, &rec.TypeID, &payload, &keyVersion, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, partition.ClassifyError(err, c.store)
	}
	var err error
	rec.Data, err = c.cipher.Open(c.store, keyVersion, payload)
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.ErrStoreCorrupt, "record failed decryption in store "+c.store)
	}
	return &rec, nil
}

// Close releases the underlying statement. Always call it.
func (c *Cursor) Close() error {
	return c.rows.Close()
}

// ScanPrefix returns a cursor over every record whose key starts with
// prefix, in ascending key order. An empty prefix scans the whole store.
func (s *EncryptedStore) ScanPrefix(ctx context.Context, store, prefix string) (*Cursor, error) {
	db, err := s.partitions.DB(store)
	if err != nil {
		return nil, err
	}

	pattern := escapeLike(prefix) + "%"
	rows, err := db.QueryContext(ctx,
		`SELECT key, type_id, payload, key_version, created_at, updated_at
		 FROM records WHERE key LIKE ? ESCAPE '\' ORDER BY key ASC`, pattern)
	if err != nil {
		return nil, partition.ClassifyError(err, store)
	}
	return &Cursor{rows: rows, store: store, cipher: s.cipher}, nil
}

// Count returns the number of records in a store.
func (s *EncryptedStore) Count(ctx context.Context, store string) (int64, error) {
	db, err := s.partitions.DB(store)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, partition.ClassifyError(err, store)
	}
	return n, nil
}

// Wipe removes every record in a store. Used when restoring a partition
// from a backup section.
func (s *EncryptedStore) Wipe(ctx context.Context, store string) error {
	if err := s.checkFailpoint("wipe:" + store); err != nil {
		return err
	}
	db, err := s.partitions.DB(store)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return partition.ClassifyError(err, store)
	}
	return nil
}

// RotateStore re-encrypts every record carrying an old key version with the
// current key. Progress is the key_version column itself, so an interrupted
// rotation resumes where it stopped instead of starting over.
//
// Returns:
// - int: The number of records re-encrypted.
// - error: A typed storage error on failure.
func (s *EncryptedStore) RotateStore(ctx context.Context, store string) (int, error) {
	db, err := s.partitions.DB(store)
	if err != nil {
		return 0, err
	}

	current := s.cipher.CurrentKeyVersion()
	rotated := 0

	for {
		rows, err := db.QueryContext(ctx,
			`SELECT key, payload, key_version FROM records WHERE key_version < ? ORDER BY key LIMIT 100`, current)
		if err != nil {
			return rotated, partition.ClassifyError(err, store)
		}

		type stale struct {
			key     string
			payload []byte
			version int
		}
		var batch []stale
		for rows.Next() {
			var item stale
			if err := rows.Scan(&item.key, &item.payload, &item.version); err != nil {
				_ = rows.Close()
				return rotated, partition.ClassifyError(err, store)
			}
			batch = append(batch, item)
		}
		if err := rows.Close(); err != nil {
			return rotated, partition.ClassifyError(err, store)
		}
		if len(batch) == 0 {
			return rotated, nil
		}

		if err := s.checkFailpoint("rotate:" + store); err != nil {
			return rotated, err
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return rotated, partition.ClassifyError(err, store)
		}
		for _, item := range batch {
			plain, err := s.cipher.Open(store, item.version, item.payload)
			if err != nil {
				_ = tx.Rollback()
				return rotated, storeerr.Wrap(err, storeerr.ErrStoreCorrupt, "record failed decryption during rotation")
			}
			sealed, err := s.cipher.Seal(store, current, plain)
			if err != nil {
				_ = tx.Rollback()
				return rotated, errors.Wrap(err, "resealing record")
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE records SET payload = ?, key_version = ?, updated_at = ? WHERE key = ?`,
				sealed, current, time.Now(), item.key); err != nil {
				_ = tx.Rollback()
				return rotated, partition.ClassifyError(err, store)
			}
		}
		if err := tx.Commit(); err != nil {
			return rotated, partition.ClassifyError(err, store)
		}
		rotated += len(batch)
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
