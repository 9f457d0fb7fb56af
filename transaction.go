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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/havenstore/haven/internal/storeerr"
	"github.com/havenstore/haven/internal/telemetry"
	"github.com/havenstore/haven/model"
)

const typeIDTransactionRecord uint32 = 1

// TransactionLog turns one logical operation spanning several partitions
// into a single atomic write followed by idempotent replay. A store-level
// put is atomic only within its own partition file; the log's committed
// record is the cross-partition atomicity boundary. Crash before commit:
// nothing happened. Crash after commit: everything eventually happens.
type TransactionLog struct {
	store   *EncryptedStore
	metrics *telemetry.Metrics

	mu   sync.Mutex
	open bool
}

// NewTransactionLog creates the log over the given store layer.
func NewTransactionLog(store *EncryptedStore, metrics *telemetry.Metrics) *TransactionLog {
	return &TransactionLog{store: store, metrics: metrics}
}

// Transaction is the explicit handle for the single in-flight transaction.
// It exists only in memory until Commit; Rollback before Commit never
// touches a partition.
type Transaction struct {
	log    *TransactionLog
	record *model.TransactionRecord
	done   bool
}

// Begin opens a transaction. Only one may be open engine-wide at a time.
// That single open slot is the engine's serialization point; it keeps the
// atomicity argument simple at a small latency cost.
//
// Returns:
// - *Transaction: The staging handle.
// - error: TRANSACTION_IN_PROGRESS if another transaction is open.
func (l *TransactionLog) Begin(_ context.Context) (*Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open {
		return nil, storeerr.New(storeerr.ErrTransactionInProgress, "another transaction is already open")
	}
	l.open = true
	return &Transaction{log: l, record: model.NewTransactionRecord()}, nil
}

func (l *TransactionLog) release() {
	l.mu.Lock()
	l.open = false
	l.mu.Unlock()
}

// ID returns the transaction's identifier.
func (t *Transaction) ID() string {
	return t.record.TransactionID
}

// StageStoreWrite stages an upsert of (store, key). Nothing is written until
// Commit.
func (t *Transaction) StageStoreWrite(store, key string, typeID uint32, data []byte) {
	changes, ok := t.record.StoreChanges[store]
	if !ok {
		changes = make(map[string]model.StoreChange)
		t.record.StoreChanges[store] = changes
	}
	changes[key] = model.StoreChange{TypeID: typeID, Data: data}
}

// StageStoreDelete stages a delete of (store, key).
func (t *Transaction) StageStoreDelete(store, key string) {
	changes, ok := t.record.StoreChanges[store]
	if !ok {
		changes = make(map[string]model.StoreChange)
		t.record.StoreChanges[store] = changes
	}
	changes[key] = model.StoreChange{Delete: true}
}

// StageQueueEnqueue stages the enqueue of one pending operation. At most one
// operation may ride in a transaction; the FIFO index entry is staged with
// it so both land atomically.
func (t *Transaction) StageQueueEnqueue(op *model.PendingOperation) error {
	if t.record.QueueChanges != nil {
		return storeerr.New(storeerr.ErrTransactionInProgress, "transaction already stages a queue enqueue")
	}
	if err := op.Validate(); err != nil {
		return err
	}
	if op.IndexKey == "" {
		op.IndexKey = fifoIndexKey(op.EnqueuedAt, op.OperationID)
	}
	t.record.QueueChanges = op
	return nil
}

// StageIndexAppend stages marker entries in a FIFO index store.
func (t *Transaction) StageIndexAppend(index string, keys ...string) {
	t.record.IndexChanges[index] = append(t.record.IndexChanges[index], keys...)
}

// Rollback discards the in-memory record. Safe at any point before Commit;
// no partition write ever happened.
func (t *Transaction) Rollback(ctx context.Context) error {
	if t.done {
		return storeerr.New(storeerr.ErrTransactionInProgress, "transaction already finished")
	}
	t.done = true
	t.log.release()
	t.log.metrics.TxRolledBack(ctx)
	return nil
}

// Commit persists the full record in committed state, then applies every
// staged change and marks the record applied. That first durable write is
// the atomicity boundary. There is no cancellation once Commit starts;
// an interruption mid-apply is finished by crash recovery, not undone.
//
// Returns:
// - error: COMMIT_FAILED if the boundary write failed (nothing applied, the
//   caller decides whether to retry); REPLAY_FAILED if applying staged
//   changes failed after the commit point (recovery will retry the apply).
func (t *Transaction) Commit(ctx context.Context) error {
	if t.done {
		return storeerr.New(storeerr.ErrTransactionInProgress, "transaction already finished")
	}
	t.done = true
	defer t.log.release()

	now := time.Now()
	t.record.State = model.TxCommitted
	t.record.CommittedAt = &now

	if err := t.log.persist(ctx, t.record); err != nil {
		// Nothing was applied; the caller sees the pre-transaction state.
		return storeerr.Wrap(err, storeerr.ErrCommitFailed, "persisting committed transaction record")
	}
	t.log.metrics.TxCommitted(ctx)

	if err := t.log.apply(ctx, t.record); err != nil {
		logrus.WithFields(logrus.Fields{
			"transaction_id": t.record.TransactionID,
		}).WithError(err).Error("transaction apply failed after commit, recovery will replay")
		return storeerr.Wrap(err, storeerr.ErrReplayFailed, "applying committed transaction")
	}

	return t.log.markApplied(ctx, t.record)
}

func (l *TransactionLog) persist(ctx context.Context, record *model.TransactionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return l.store.Put(ctx, txLogStore, &model.Record{
		Key:    record.TransactionID,
		TypeID: typeIDTransactionRecord,
		Data:   data,
	})
}

// apply replays every staged change to its target partition. Each step is
// idempotent (upserts and no-op deletes), so replaying a partially applied
// record converges on the same final state.
func (l *TransactionLog) apply(ctx context.Context, record *model.TransactionRecord) error {
	for store, changes := range record.StoreChanges {
		var puts []*model.Record
		for key, change := range changes {
			if change.Delete {
				if err := l.store.Delete(ctx, store, key); err != nil {
					return err
				}
				continue
			}
			puts = append(puts, &model.Record{Key: key, TypeID: change.TypeID, Data: change.Data})
		}
		if err := l.store.PutAll(ctx, store, puts); err != nil {
			return err
		}
	}

	if record.QueueChanges != nil {
		if err := applyEnqueue(ctx, l.store, record.QueueChanges); err != nil {
			return err
		}
	}

	for index, keys := range record.IndexChanges {
		var puts []*model.Record
		for _, key := range keys {
			puts = append(puts, &model.Record{Key: key, TypeID: typeIDIndexEntry, Data: []byte(key)})
		}
		if err := l.store.PutAll(ctx, index, puts); err != nil {
			return err
		}
	}

	return nil
}

func (l *TransactionLog) markApplied(ctx context.Context, record *model.TransactionRecord) error {
	now := time.Now()
	record.State = model.TxApplied
	record.AppliedAt = &now
	return l.persist(ctx, record)
}

// Recover scans the log on startup and finishes what a crash interrupted.
// Committed-but-not-applied records are replayed; pending records were never
// durable by protocol and are discarded defensively if ever found; stale
// applied and failed records are purged per the retention windows.
//
// Returns:
// - int: The number of records replayed.
// - error: A typed storage error if the log itself cannot be read.
func (l *TransactionLog) Recover(ctx context.Context, appliedRetention, failedRetention time.Duration) (int, error) {
	cursor, err := l.store.ScanPrefix(ctx, txLogStore, "")
	if err != nil {
		return 0, err
	}

	var replay []*model.TransactionRecord
	var purge []string
	now := time.Now()

	for {
		rec, err := cursor.Next()
		if err != nil {
			_ = cursor.Close()
			return 0, err
		}
		if rec == nil {
			break
		}

		var record model.TransactionRecord
		if err := json.Unmarshal(rec.Data, &record); err != nil {
			logrus.WithField("key", rec.Key).WithError(err).Error("undecodable transaction record, purging")
			purge = append(purge, rec.Key)
			continue
		}

		switch record.State {
		case model.TxPending:
			purge = append(purge, record.TransactionID)
		case model.TxCommitted:
			replay = append(replay, &record)
		case model.TxApplied:
			if record.AppliedAt != nil && now.Sub(*record.AppliedAt) > appliedRetention {
				purge = append(purge, record.TransactionID)
			}
		case model.TxFailed:
			if record.CommittedAt != nil && now.Sub(*record.CommittedAt) > failedRetention {
				purge = append(purge, record.TransactionID)
			}
		}
	}
	if err := cursor.Close(); err != nil {
		return 0, err
	}

	replayed := 0
	for _, record := range replay {
		if err := l.apply(ctx, record); err != nil {
			logrus.WithFields(logrus.Fields{
				"transaction_id": record.TransactionID,
			}).WithError(err).Error("replay failed, marking transaction failed")
			record.State = model.TxFailed
			record.ErrorMessage = err.Error()
			if perr := l.persist(ctx, record); perr != nil {
				return replayed, perr
			}
			continue
		}
		if err := l.markApplied(ctx, record); err != nil {
			return replayed, err
		}
		replayed++
		l.metrics.RecoveryApplied(ctx)
	}

	for _, key := range purge {
		if err := l.store.Delete(ctx, txLogStore, key); err != nil {
			return replayed, err
		}
	}

	if replayed > 0 {
		logrus.WithField("count", replayed).Info("recovery replayed committed transactions")
	}
	return replayed, nil
}
