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

// Package haven is a local-first transactional persistence engine: an
// embedded, encrypted key-value store with crash-consistent multi-partition
// transactions, a durable idempotent operation queue, versioned schema
// migrations and deterministic conflict resolution against a remote mirror.
package haven

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/havenstore/haven/config"
	"github.com/havenstore/haven/internal/crypt"
	advlock "github.com/havenstore/haven/internal/lock"
	"github.com/havenstore/haven/internal/partition"
	"github.com/havenstore/haven/internal/telemetry"
	"github.com/havenstore/haven/model"
)

const queueProcessorLock = "queue-processor"

// Haven is the engine. Every collaborator is injected at construction; there
// is no ambient global lookup.
type Haven struct {
	cnf        *config.Configuration
	partitions *partition.Manager
	cipher     *crypt.CipherService
	store      *EncryptedStore
	codecs     *CodecRegistry
	txlog      *TransactionLog
	queue      *PendingQueue
	processor  *QueueProcessor
	migrations *MigrationRunner
	audit      *AuditLog
	backup     *BackupService
	metrics    *telemetry.Metrics
}

// New constructs the engine and runs startup recovery: interrupted
// migrations are rolled back from their backups, then committed-but-
// unapplied transactions are replayed.
//
// Parameters:
// - keys crypt.KeySource: The master key provider (platform secure storage).
// - codecs *CodecRegistry: The fully registered codec registry. Codec
//   collisions must already have aborted startup before New is called.
// - consumer SyncConsumer: The delivery collaborator for the remote mirror.
//
// Returns:
// - *Haven: The ready engine.
// - error: An error if any initialization or recovery step fails.
func New(keys crypt.KeySource, codecs *CodecRegistry, consumer SyncConsumer) (*Haven, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	if codecs == nil {
		return nil, errors.New("codec registry is required")
	}

	metrics, err := telemetry.New()
	if err != nil {
		return nil, errors.Wrap(err, "initializing telemetry")
	}

	partitions, err := partition.NewManager(cnf.DataDir)
	if err != nil {
		return nil, err
	}

	cipher := crypt.NewCipherService(keys)
	store := NewEncryptedStore(partitions, cipher)
	txlog := NewTransactionLog(store, metrics)
	queue := NewPendingQueue(store, txlog, metrics)
	audit := NewAuditLog(store, cnf.Audit.SensitiveKeys)
	backup := NewBackupService(store, partitions, cipher, cnf.AppIdentifier)
	migrations := NewMigrationRunner(store, backup, metrics, cnf.BackupDir)

	locker := advlock.NewLocker(&lockBackend{store: store}, queueProcessorLock, model.GenerateUUIDWithPrefix("holder"))
	processor := NewQueueProcessor(queue, consumer, locker, metrics)

	h := &Haven{
		cnf:        cnf,
		partitions: partitions,
		cipher:     cipher,
		store:      store,
		codecs:     codecs,
		txlog:      txlog,
		queue:      queue,
		processor:  processor,
		migrations: migrations,
		audit:      audit,
		backup:     backup,
		metrics:    metrics,
	}

	if err := h.recover(context.Background()); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Haven) recover(ctx context.Context) error {
	rolledBack, err := h.migrations.ResumeIfInterrupted(ctx)
	if err != nil {
		return errors.Wrap(err, "resuming interrupted migration")
	}
	if rolledBack {
		logrus.Warn("interrupted migration rolled back during startup")
	}

	replayed, err := h.txlog.Recover(ctx,
		time.Duration(h.cnf.Transaction.AppliedRetentionMin)*time.Minute,
		time.Duration(h.cnf.Transaction.FailedRetentionHrs)*time.Hour)
	if err != nil {
		return errors.Wrap(err, "transaction log recovery")
	}
	if replayed > 0 {
		logrus.WithField("replayed", replayed).Info("startup recovery complete")
	}
	return nil
}

// Store returns the encrypted store layer.
func (h *Haven) Store() *EncryptedStore { return h.store }

// Codecs returns the codec registry.
func (h *Haven) Codecs() *CodecRegistry { return h.codecs }

// Queue returns the pending operation queue.
func (h *Haven) Queue() *PendingQueue { return h.queue }

// Processor returns the background queue processor.
func (h *Haven) Processor() *QueueProcessor { return h.processor }

// Migrations returns the migration runner.
func (h *Haven) Migrations() *MigrationRunner { return h.migrations }

// Audit returns the audit log.
func (h *Haven) Audit() *AuditLog { return h.audit }

// Backup returns the backup service.
func (h *Haven) Backup() *BackupService { return h.backup }

// Begin opens the engine-wide transaction.
func (h *Haven) Begin(ctx context.Context) (*Transaction, error) {
	return h.txlog.Begin(ctx)
}

// Close stops the processor and closes every partition handle.
func (h *Haven) Close(ctx context.Context) error {
	h.processor.Stop(ctx)
	return h.partitions.Close()
}

// --- Admin surface -------------------------------------------------------
//
// Thin, synchronous entry points for an external admin tool. Each one is
// individually crash-safe.

// RebuildIndex reconstructs the queue's FIFO index from the pending store.
func (h *Haven) RebuildIndex(ctx context.Context) error {
	return h.queue.RebuildIndex(ctx)
}

// ProcessQueueOnce runs a single queue pass without starting the background
// processor.
func (h *Haven) ProcessQueueOnce(ctx context.Context) (int, error) {
	return h.processor.ProcessOnce(ctx)
}

// PauseQueue suspends background delivery, typically while the host knows
// the network is down. The advisory lock stays held.
func (h *Haven) PauseQueue() {
	h.processor.Pause()
}

// ResumeQueue continues background delivery after PauseQueue.
func (h *Haven) ResumeQueue() {
	h.processor.Resume()
}

// ExportBackup writes a full encrypted backup to path.
func (h *Haven) ExportBackup(ctx context.Context, path string) error {
	version, err := h.migrations.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if err := h.backup.Export(ctx, path, nil, version); err != nil {
		return err
	}
	return h.audit.Append(ctx, &model.AuditEntry{
		Type:    "backup_exported",
		ActorID: "admin",
		Payload: map[string]interface{}{"path": path, "schema_version": version},
	})
}

// ImportBackup restores from a backup file, then runs pending migrations if
// the backup was older than the engine schema.
func (h *Haven) ImportBackup(ctx context.Context, path string) error {
	version, err := h.migrations.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	imported, err := h.backup.Import(ctx, path, version)
	if err != nil {
		return err
	}
	if err := h.migrations.setSchemaVersion(ctx, imported); err != nil {
		return err
	}
	if imported < version {
		logrus.WithFields(logrus.Fields{
			"backup_version": imported,
			"engine_version": version,
		}).Info("imported older backup, running migrations")
		if err := h.migrations.Run(ctx); err != nil {
			return err
		}
	}
	return h.audit.Append(ctx, &model.AuditEntry{
		Type:     "backup_imported",
		ActorID:  "admin",
		Severity: model.SeverityWarning,
		Payload:  map[string]interface{}{"path": path, "backup_version": imported},
	})
}

// AuditTail returns the n most recent audit entries.
func (h *Haven) AuditTail(ctx context.Context, n int) ([]*model.AuditEntry, error) {
	return h.audit.Tail(ctx, n)
}

// RetryFailedOperation re-enqueues a quarantined operation.
func (h *Haven) RetryFailedOperation(ctx context.Context, failedID string) (*model.PendingOperation, error) {
	op, err := h.queue.RetryFailed(ctx, failedID)
	if err != nil {
		return nil, err
	}
	if err := h.audit.Append(ctx, &model.AuditEntry{
		Type:    "failed_operation_retried",
		ActorID: "admin",
		Payload: map[string]interface{}{"failed_id": failedID, "operation_id": op.OperationID},
	}); err != nil {
		return nil, err
	}
	return op, nil
}

// RotateEncryptionKey re-encrypts every partition with the key source's
// current version. Progress lives in each record's key version, so an
// interrupted rotation resumes instead of restarting; re-running after
// completion is a no-op.
func (h *Haven) RotateEncryptionKey(ctx context.Context) (int, error) {
	stores, err := h.partitions.List()
	if err != nil {
		return 0, err
	}

	total := 0
	for _, name := range stores {
		rotated, err := h.store.RotateStore(ctx, name)
		total += rotated
		if err != nil {
			return total, errors.Wrapf(err, "rotating store %s", name)
		}
	}

	if err := h.audit.Append(ctx, &model.AuditEntry{
		Type:     "encryption_key_rotated",
		ActorID:  "admin",
		Severity: model.SeverityCritical,
		Payload:  map[string]interface{}{"records": total, "key_version": h.cipher.CurrentKeyVersion()},
	}); err != nil {
		return total, err
	}
	return total, nil
}

// lockBackend stores advisory lock records in the metadata partition.
type lockBackend struct {
	store *EncryptedStore
}

func (b *lockBackend) GetLock(ctx context.Context, name string) (*model.LockRecord, error) {
	var rec model.LockRecord
	found, err := readMeta(ctx, b.store, "lock_"+name, &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (b *lockBackend) PutLock(ctx context.Context, record *model.LockRecord) error {
	return writeMeta(ctx, b.store, "lock_"+record.LockName, record)
}

func (b *lockBackend) DeleteLock(ctx context.Context, name string) error {
	return b.store.Delete(ctx, metaStore, "lock_"+name)
}
