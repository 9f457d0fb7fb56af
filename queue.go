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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/havenstore/haven/config"
	"github.com/havenstore/haven/internal/storeerr"
	"github.com/havenstore/haven/internal/telemetry"
	"github.com/havenstore/haven/model"
)

const (
	typeIDPendingOperation uint32 = 2
	typeIDIndexEntry       uint32 = 3
	typeIDFailedOperation  uint32 = 4
)

// fifoIndexKey builds the FIFO index entry key for an operation: zero-padded
// enqueue nanos plus the operation id, so lexicographic order is enqueue
// order and keys never collide.
func fifoIndexKey(enqueuedAt time.Time, operationID string) string {
	return fmt.Sprintf("%020d_%s", enqueuedAt.UnixNano(), operationID)
}

// applyEnqueue writes an operation and its FIFO index entry. Called from
// transaction apply, so it must be idempotent: both writes are upserts.
func applyEnqueue(ctx context.Context, store *EncryptedStore, op *model.PendingOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	if err := store.Put(ctx, queuePendingStore, &model.Record{
		Key:    op.OperationID,
		TypeID: typeIDPendingOperation,
		Data:   data,
	}); err != nil {
		return err
	}
	return store.Put(ctx, queueIndexStore, &model.Record{
		Key:    op.IndexKey,
		TypeID: typeIDIndexEntry,
		Data:   []byte(op.OperationID),
	})
}

// PendingQueue is the durable FIFO queue of outbound operations awaiting
// delivery to the remote mirror.
type PendingQueue struct {
	store   *EncryptedStore
	txlog   *TransactionLog
	metrics *telemetry.Metrics
}

// NewPendingQueue creates the queue over the store layer and transaction log.
func NewPendingQueue(store *EncryptedStore, txlog *TransactionLog, metrics *telemetry.Metrics) *PendingQueue {
	return &PendingQueue{store: store, txlog: txlog, metrics: metrics}
}

// BackoffDelay is the deterministic retry delay, a pure function of the
// attempt count: min(base * 2^n, ceiling). Monotonically non-decreasing and
// capped for all n.
func BackoffDelay(n int, base, ceiling time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	// Beyond 30 doublings the shift would overflow long before any sane
	// ceiling is reached.
	if n > 30 {
		return ceiling
	}
	d := base << uint(n)
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

// Enqueue durably adds an operation in its own transaction: the pending
// record and its FIFO index entry land atomically.
func (q *PendingQueue) Enqueue(ctx context.Context, op *model.PendingOperation) error {
	txn, err := q.txlog.Begin(ctx)
	if err != nil {
		return err
	}
	if err := txn.StageQueueEnqueue(op); err != nil {
		_ = txn.Rollback(ctx)
		return err
	}
	return txn.Commit(ctx)
}

func (q *PendingQueue) loadOp(ctx context.Context, operationID string) (*model.PendingOperation, error) {
	rec, err := q.store.Get(ctx, queuePendingStore, operationID)
	if err != nil {
		return nil, err
	}
	var op model.PendingOperation
	if err := json.Unmarshal(rec.Data, &op); err != nil {
		return nil, storeerr.Wrap(err, storeerr.ErrStoreCorrupt, "undecodable pending operation "+operationID)
	}
	return &op, nil
}

func (q *PendingQueue) saveOp(ctx context.Context, op *model.PendingOperation) error {
	op.UpdatedAt = time.Now()
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return q.store.Put(ctx, queuePendingStore, &model.Record{
		Key:    op.OperationID,
		TypeID: typeIDPendingOperation,
		Data:   data,
	})
}

// DequeueEligible walks the FIFO index in enqueue order and returns up to
// limit operations that are eligible now. Operations in backoff are skipped,
// never reordered ahead of older eligible ones. The walk overfetches so a
// run of ineligible entries does not starve the batch without busy-waiting.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - limit int: The maximum number of operations to return.
//
// Returns:
// - []*model.PendingOperation: Eligible operations in enqueue order.
// - error: A typed storage error.
func (q *PendingQueue) DequeueEligible(ctx context.Context, limit int) ([]*model.PendingOperation, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	overfetch := limit * cfg.Queue.OverfetchFactor

	cursor, err := q.store.ScanPrefix(ctx, queueIndexStore, "")
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var eligible []*model.PendingOperation
	var dangling []string
	scanned := 0

	for len(eligible) < limit && scanned < overfetch {
		entry, err := cursor.Next()
		if err != nil {
			_ = cursor.Close()
			return nil, err
		}
		if entry == nil {
			break
		}
		scanned++

		op, err := q.loadOp(ctx, string(entry.Data))
		if storeerr.Is(err, storeerr.ErrKeyNotFound) {
			// Index entry without a pending record: leftover from a crash
			// between the success deletes. Clean it up out of band.
			dangling = append(dangling, entry.Key)
			continue
		}
		if err != nil {
			_ = cursor.Close()
			return nil, err
		}
		if op.Eligible(now) {
			eligible = append(eligible, op)
		}
	}

	// The index partition holds a single connection; release it before the
	// dangling deletes run against the same store.
	if err := cursor.Close(); err != nil {
		return nil, err
	}

	for _, key := range dangling {
		if err := q.store.Delete(ctx, queueIndexStore, key); err != nil {
			logrus.WithField("index_key", key).WithError(err).Warn("failed to drop dangling index entry")
		}
	}

	return eligible, nil
}

// MarkProcessing records that an operation has been handed to the sync
// consumer this pass.
func (q *PendingQueue) MarkProcessing(ctx context.Context, operationID string) error {
	op, err := q.loadOp(ctx, operationID)
	if err != nil {
		return err
	}
	op.Status = model.StatusProcessing
	return q.saveOp(ctx, op)
}

// MarkSuccess removes a delivered operation from the pending store and its
// index entry. A crash between the two deletes leaves a dangling index
// entry, which DequeueEligible drops on its next pass.
func (q *PendingQueue) MarkSuccess(ctx context.Context, operationID string) error {
	op, err := q.loadOp(ctx, operationID)
	if err != nil {
		return err
	}
	if err := q.store.Delete(ctx, queuePendingStore, op.OperationID); err != nil {
		return err
	}
	return q.store.Delete(ctx, queueIndexStore, op.IndexKey)
}

// MarkFailed records a delivery failure: the attempt counter only ever
// increases, and the next eligibility time is derived from it through the
// deterministic backoff function. Once attempts reach the quarantine
// threshold the operation is converted to a FailedOperation.
//
// Returns:
// - error: POISON_THRESHOLD_EXCEEDED (wrapped) when the conversion happened,
//   nil for an ordinary retry scheduling, or a typed storage error.
func (q *PendingQueue) MarkFailed(ctx context.Context, operationID string, deliveryErr error) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	op, err := q.loadOp(ctx, operationID)
	if err != nil {
		return err
	}

	op.Attempts++
	op.Status = model.StatusFailed
	op.LastError = deliveryErr.Error()

	if op.Attempts >= cfg.Queue.MaxAttempts {
		return q.convertToPoison(ctx, op, "retry_exhausted", deliveryErr.Error())
	}

	delay := BackoffDelay(op.Attempts-1,
		time.Duration(cfg.Queue.BackoffBaseSec)*time.Second,
		time.Duration(cfg.Queue.BackoffCeilingSec)*time.Second)
	next := time.Now().Add(delay)
	op.NextEligibleAt = &next
	op.Status = model.StatusPending

	logrus.WithFields(logrus.Fields{
		"operation_id": op.OperationID,
		"attempts":     op.Attempts,
		"retry_in":     delay.String(),
	}).Info("operation delivery failed, scheduling retry")

	return q.saveOp(ctx, op)
}

// ForcePoison quarantines an operation immediately, bypassing the retry
// budget. Used for permanent failures the conflict resolver identifies.
func (q *PendingQueue) ForcePoison(ctx context.Context, operationID, errorCode, errorMessage string) error {
	op, err := q.loadOp(ctx, operationID)
	if err != nil {
		return err
	}
	return q.convertToPoison(ctx, op, errorCode, errorMessage)
}

// convertToPoison moves an operation from the pending store (and its index)
// into the failed store in one transaction, so a crash mid-conversion leaves
// either the old state or the new state, never half of each.
func (q *PendingQueue) convertToPoison(ctx context.Context, op *model.PendingOperation, errorCode, errorMessage string) error {
	failed := model.NewFailedOperation(op, errorCode, errorMessage)
	data, err := json.Marshal(failed)
	if err != nil {
		return err
	}

	txn, err := q.txlog.Begin(ctx)
	if err != nil {
		return err
	}
	txn.StageStoreDelete(queuePendingStore, op.OperationID)
	txn.StageStoreDelete(queueIndexStore, op.IndexKey)
	txn.StageStoreWrite(queueFailedStore, failed.FailedID, typeIDFailedOperation, data)

	if err := txn.Commit(ctx); err != nil {
		return err
	}

	q.metrics.PoisonConverted(ctx)
	logrus.WithFields(logrus.Fields{
		"operation_id": op.OperationID,
		"failed_id":    failed.FailedID,
		"attempts":     op.Attempts,
		"error_code":   errorCode,
	}).Warn("operation quarantined")

	return storeerr.Newf(storeerr.ErrPoisonThresholdExceeded,
		"operation %s quarantined after %d attempts", op.OperationID, op.Attempts)
}

// ListFailed returns quarantined operations, optionally including archived
// ones.
func (q *PendingQueue) ListFailed(ctx context.Context, includeArchived bool) ([]*model.FailedOperation, error) {
	cursor, err := q.store.ScanPrefix(ctx, queueFailedStore, "")
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var out []*model.FailedOperation
	for {
		rec, err := cursor.Next()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		var failed model.FailedOperation
		if err := json.Unmarshal(rec.Data, &failed); err != nil {
			return nil, storeerr.Wrap(err, storeerr.ErrStoreCorrupt, "undecodable failed operation "+rec.Key)
		}
		if failed.Archived && !includeArchived {
			continue
		}
		out = append(out, &failed)
	}
	return out, nil
}

func (q *PendingQueue) loadFailed(ctx context.Context, failedID string) (*model.FailedOperation, error) {
	rec, err := q.store.Get(ctx, queueFailedStore, failedID)
	if err != nil {
		return nil, err
	}
	var failed model.FailedOperation
	if err := json.Unmarshal(rec.Data, &failed); err != nil {
		return nil, storeerr.Wrap(err, storeerr.ErrStoreCorrupt, "undecodable failed operation "+failedID)
	}
	return &failed, nil
}

// RetryFailed re-enqueues a quarantined operation as a fresh pending
// operation. The idempotency key is carried over unchanged so the remote
// can still deduplicate; the failed record is removed in the same
// transaction as the new enqueue.
func (q *PendingQueue) RetryFailed(ctx context.Context, failedID string) (*model.PendingOperation, error) {
	failed, err := q.loadFailed(ctx, failedID)
	if err != nil {
		return nil, err
	}

	op := model.NewPendingOperation(failed.OpType, failed.EntityKey, failed.Payload)
	op.IdempotencyKey = failed.IdempotencyKey

	txn, err := q.txlog.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if err := txn.StageQueueEnqueue(op); err != nil {
		_ = txn.Rollback(ctx)
		return nil, err
	}
	txn.StageStoreDelete(queueFailedStore, failedID)

	if err := txn.Commit(ctx); err != nil {
		return nil, err
	}
	return op, nil
}

// ReplacePayload swaps an operation's payload after a rebase and makes it
// immediately eligible again. Identity, idempotency key and the attempt
// counter are untouched.
func (q *PendingQueue) ReplacePayload(ctx context.Context, operationID string, payload map[string]interface{}) error {
	op, err := q.loadOp(ctx, operationID)
	if err != nil {
		return err
	}
	op.Payload = payload
	op.NextEligibleAt = nil
	op.Status = model.StatusPending
	return q.saveOp(ctx, op)
}

// ArchiveFailed flags a quarantined operation as archived.
func (q *PendingQueue) ArchiveFailed(ctx context.Context, failedID string) error {
	failed, err := q.loadFailed(ctx, failedID)
	if err != nil {
		return err
	}
	failed.Archived = true
	data, err := json.Marshal(failed)
	if err != nil {
		return err
	}
	return q.store.Put(ctx, queueFailedStore, &model.Record{
		Key:    failedID,
		TypeID: typeIDFailedOperation,
		Data:   data,
	})
}

// PurgeFailed deletes archived quarantine records older than the retention
// window.
func (q *PendingQueue) PurgeFailed(ctx context.Context, retention time.Duration) (int, error) {
	all, err := q.ListFailed(ctx, true)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-retention)
	purged := 0
	for _, failed := range all {
		if failed.Archived && failed.CreatedAt.Before(cutoff) {
			if err := q.store.Delete(ctx, queueFailedStore, failed.FailedID); err != nil {
				return purged, err
			}
			purged++
		}
	}
	return purged, nil
}

// Depth returns the number of pending operations.
func (q *PendingQueue) Depth(ctx context.Context) (int64, error) {
	return q.store.Count(ctx, queuePendingStore)
}

// PoisonCount returns the number of quarantined operations.
func (q *PendingQueue) PoisonCount(ctx context.Context) (int64, error) {
	return q.store.Count(ctx, queueFailedStore)
}

// RebuildIndex reconstructs the FIFO index from the pending store: every
// pending operation gets its index entry re-put, and entries pointing at no
// operation are dropped. Safe to run at any time; every step is an upsert
// or delete.
func (q *PendingQueue) RebuildIndex(ctx context.Context) error {
	cursor, err := q.store.ScanPrefix(ctx, queuePendingStore, "")
	if err != nil {
		return err
	}

	valid := make(map[string]string)
	var puts []*model.Record
	for {
		rec, err := cursor.Next()
		if err != nil {
			_ = cursor.Close()
			return err
		}
		if rec == nil {
			break
		}
		var op model.PendingOperation
		if err := json.Unmarshal(rec.Data, &op); err != nil {
			_ = cursor.Close()
			return storeerr.Wrap(err, storeerr.ErrStoreCorrupt, "undecodable pending operation "+rec.Key)
		}
		if op.IndexKey == "" {
			op.IndexKey = fifoIndexKey(op.EnqueuedAt, op.OperationID)
		}
		valid[op.IndexKey] = op.OperationID
		puts = append(puts, &model.Record{Key: op.IndexKey, TypeID: typeIDIndexEntry, Data: []byte(op.OperationID)})
	}
	if err := cursor.Close(); err != nil {
		return err
	}

	if err := q.store.PutAll(ctx, queueIndexStore, puts); err != nil {
		return err
	}

	idxCursor, err := q.store.ScanPrefix(ctx, queueIndexStore, "")
	if err != nil {
		return err
	}
	var stale []string
	for {
		rec, err := idxCursor.Next()
		if err != nil {
			_ = idxCursor.Close()
			return err
		}
		if rec == nil {
			break
		}
		if _, ok := valid[rec.Key]; !ok {
			stale = append(stale, rec.Key)
		}
	}
	if err := idxCursor.Close(); err != nil {
		return err
	}

	for _, key := range stale {
		if err := q.store.Delete(ctx, queueIndexStore, key); err != nil {
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"entries": len(valid),
		"dropped": len(stale),
	}).Info("queue index rebuilt")
	return nil
}
