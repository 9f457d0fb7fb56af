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
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/havenstore/haven/internal/storeerr"
	"github.com/havenstore/haven/internal/telemetry"
	"github.com/havenstore/haven/model"
)

const (
	typeIDMetaValue uint32 = 6

	metaSchemaVersionKey  = "schema_version"
	metaMigrationStateKey = "migration_state"
)

// readMeta loads a JSON value from the metadata store into target. Returns
// false when the key does not exist.
func readMeta(ctx context.Context, store *EncryptedStore, key string, target interface{}) (bool, error) {
	rec, err := store.Get(ctx, metaStore, key)
	if storeerr.Is(err, storeerr.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(rec.Data, target); err != nil {
		return false, storeerr.Wrap(err, storeerr.ErrStoreCorrupt, "undecodable metadata value "+key)
	}
	return true, nil
}

// writeMeta stores a JSON value in the metadata store.
func writeMeta(ctx context.Context, store *EncryptedStore, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return store.Put(ctx, metaStore, &model.Record{Key: key, TypeID: typeIDMetaValue, Data: data})
}

// MigrationContext is the store view handed to a migration's Apply and
// Verify functions. In dry-run mode every write is validated and counted
// but suppressed, so the migration's logic runs against real data without
// touching it.
type MigrationContext struct {
	store         *EncryptedStore
	dryRun        bool
	writesSkipped int
}

func (c *MigrationContext) Get(ctx context.Context, store, key string) (*model.Record, error) {
	return c.store.Get(ctx, store, key)
}

func (c *MigrationContext) ScanPrefix(ctx context.Context, store, prefix string) (*Cursor, error) {
	return c.store.ScanPrefix(ctx, store, prefix)
}

func (c *MigrationContext) Put(ctx context.Context, store string, rec *model.Record) error {
	return c.PutAll(ctx, store, []*model.Record{rec})
}

func (c *MigrationContext) PutAll(ctx context.Context, store string, records []*model.Record) error {
	if c.dryRun {
		c.writesSkipped += len(records)
		return nil
	}
	return c.store.PutAll(ctx, store, records)
}

func (c *MigrationContext) Delete(ctx context.Context, store, key string) error {
	if c.dryRun {
		c.writesSkipped++
		return nil
	}
	return c.store.Delete(ctx, store, key)
}

// RegisteredMigration couples the stateless descriptor with its executable
// steps. Apply must be idempotent; Verify checks post-conditions on the
// migrated data.
type RegisteredMigration struct {
	model.Migration
	Apply  func(ctx context.Context, mctx *MigrationContext) error
	Verify func(ctx context.Context, mctx *MigrationContext) error
}

// MigrationRunner applies ordered schema migrations with pre-migration
// backup, dry-run validation and rollback on verification failure. The
// schema version never advances without a passed verification.
type MigrationRunner struct {
	store      *EncryptedStore
	backup     *BackupService
	metrics    *telemetry.Metrics
	backupDir  string
	migrations []*RegisteredMigration
}

// NewMigrationRunner creates the runner. Migrations are registered
// afterwards and sorted by FromVersion.
func NewMigrationRunner(store *EncryptedStore, backup *BackupService, metrics *telemetry.Metrics, backupDir string) *MigrationRunner {
	return &MigrationRunner{store: store, backup: backup, metrics: metrics, backupDir: backupDir}
}

// Register adds a migration. Chains must be contiguous; gaps surface when
// Run finds no migration for the current version.
func (r *MigrationRunner) Register(m *RegisteredMigration) {
	r.migrations = append(r.migrations, m)
	sort.Slice(r.migrations, func(i, j int) bool {
		return r.migrations[i].FromVersion < r.migrations[j].FromVersion
	})
}

// SchemaVersion reads the current schema version from metadata; a fresh
// engine is version 0.
func (r *MigrationRunner) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if _, err := readMeta(ctx, r.store, metaSchemaVersionKey, &version); err != nil {
		return 0, err
	}
	return version, nil
}

func (r *MigrationRunner) setSchemaVersion(ctx context.Context, version int) error {
	return writeMeta(ctx, r.store, metaSchemaVersionKey, version)
}

func (r *MigrationRunner) saveState(ctx context.Context, state *model.MigrationState) error {
	return writeMeta(ctx, r.store, metaMigrationStateKey, state)
}

func (r *MigrationRunner) clearState(ctx context.Context) error {
	return r.store.Delete(ctx, metaStore, metaMigrationStateKey)
}

// ResumeIfInterrupted must run before anything else on startup: a persisted
// migration state means a previous run crashed mid-migration. Any phase
// short of committed rolls back to the pre-migration backup, so the schema
// version is never left ambiguous.
//
// Returns:
// - bool: Whether an interrupted migration was rolled back.
// - error: A typed storage error.
func (r *MigrationRunner) ResumeIfInterrupted(ctx context.Context) (bool, error) {
	var state model.MigrationState
	found, err := readMeta(ctx, r.store, metaMigrationStateKey, &state)
	if err != nil {
		return false, err
	}
	if !found || state.Phase == model.PhaseCommitted {
		if found {
			return false, r.clearState(ctx)
		}
		return false, nil
	}

	logrus.WithFields(logrus.Fields{
		"migration_id": state.MigrationID,
		"phase":        state.Phase,
	}).Warn("interrupted migration detected, rolling back from backup")

	if _, err := r.backup.Import(ctx, state.BackupPath, state.FromVersion); err != nil {
		return false, errors.Wrap(err, "restoring pre-migration backup")
	}
	if err := r.setSchemaVersion(ctx, state.FromVersion); err != nil {
		return false, err
	}
	return true, r.clearState(ctx)
}

// Run applies every pending migration in order. The whole run aborts on the
// first failure; schema state is restored from the just-created backup, so
// there is no partial advancement.
func (r *MigrationRunner) Run(ctx context.Context) error {
	current, err := r.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for {
		next := r.migrationFrom(current)
		if next == nil {
			return nil
		}
		if err := r.runOne(ctx, next); err != nil {
			return err
		}
		current = next.ToVersion
	}
}

func (r *MigrationRunner) migrationFrom(version int) *RegisteredMigration {
	for _, m := range r.migrations {
		if m.FromVersion == version {
			return m
		}
	}
	return nil
}

func (r *MigrationRunner) runOne(ctx context.Context, m *RegisteredMigration) error {
	started := time.Now()
	log := logrus.WithFields(logrus.Fields{
		"migration_id": m.MigrationID,
		"from":         m.FromVersion,
		"to":           m.ToVersion,
	})
	log.Info("starting migration")

	backupPath := filepath.Join(r.backupDir,
		fmt.Sprintf("pre-migration-%s-%d.hvnbak", m.MigrationID, started.UnixNano()))

	state := &model.MigrationState{
		MigrationID: m.MigrationID,
		FromVersion: m.FromVersion,
		ToVersion:   m.ToVersion,
		BackupPath:  backupPath,
		StartedAt:   started,
	}

	// Phase 1: snapshot the affected stores before anything changes.
	if err := r.backup.Export(ctx, backupPath, m.AffectedStores, m.FromVersion); err != nil {
		return errors.Wrap(err, "creating pre-migration backup")
	}
	state.Phase = model.PhaseBackupCreated
	if err := r.saveState(ctx, state); err != nil {
		return err
	}

	// Phase 2: dry run with writes suppressed, against the real data.
	dry := &MigrationContext{store: r.store, dryRun: true}
	if err := m.Apply(ctx, dry); err != nil {
		_ = r.clearState(ctx)
		return storeerr.Wrap(err, storeerr.ErrDryRunFailed,
			fmt.Sprintf("migration %s failed dry run", m.MigrationID))
	}
	state.Phase = model.PhaseDryRunPassed
	if err := r.saveState(ctx, state); err != nil {
		return err
	}

	// Phase 3: the real apply.
	state.Phase = model.PhaseMigrating
	if err := r.saveState(ctx, state); err != nil {
		return err
	}
	real := &MigrationContext{store: r.store}
	applyErr := m.Apply(ctx, real)

	// Phase 4: verify post-conditions.
	if applyErr == nil {
		state.Phase = model.PhaseVerifying
		if err := r.saveState(ctx, state); err != nil {
			return err
		}
		if m.Verify != nil {
			applyErr = m.Verify(ctx, real)
		}
	}

	if applyErr != nil {
		log.WithError(applyErr).Error("migration failed, restoring from backup")
		if _, rerr := r.backup.Import(ctx, backupPath, m.FromVersion); rerr != nil {
			return errors.Wrap(rerr, "restoring pre-migration backup after failure")
		}
		if err := r.setSchemaVersion(ctx, m.FromVersion); err != nil {
			return err
		}
		if err := r.clearState(ctx); err != nil {
			return err
		}
		return storeerr.Wrap(applyErr, storeerr.ErrVerificationFailed,
			fmt.Sprintf("migration %s rolled back", m.MigrationID))
	}

	// Phase 5: advance the schema version, then drop the progress record.
	if err := r.setSchemaVersion(ctx, m.ToVersion); err != nil {
		return err
	}
	state.Phase = model.PhaseCommitted
	if err := r.saveState(ctx, state); err != nil {
		return err
	}
	if err := r.clearState(ctx); err != nil {
		return err
	}

	r.metrics.MigrationTook(ctx, time.Since(started).Seconds())
	log.WithField("took", time.Since(started).String()).Info("migration committed")
	return nil
}
