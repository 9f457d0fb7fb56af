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
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenstore/haven/internal/storeerr"
	"github.com/havenstore/haven/model"
)

func TestTransactionCommitAppliesAllChanges(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Put(ctx, "tasks", &model.Record{Key: "stale", TypeID: 1, Data: []byte("x")}))

	txn, err := f.txlog.Begin(ctx)
	require.NoError(t, err)
	txn.StageStoreWrite("notes", "note_1", 1, []byte("note body"))
	txn.StageStoreWrite("tasks", "task_1", 1, []byte("task body"))
	txn.StageStoreDelete("tasks", "stale")
	require.NoError(t, txn.Commit(ctx))

	note, err := f.store.Get(ctx, "notes", "note_1")
	require.NoError(t, err)
	assert.Equal(t, []byte("note body"), note.Data)

	task, err := f.store.Get(ctx, "tasks", "task_1")
	require.NoError(t, err)
	assert.Equal(t, []byte("task body"), task.Data)

	_, err = f.store.Get(ctx, "tasks", "stale")
	assert.True(t, storeerr.Is(err, storeerr.ErrKeyNotFound))
}

func TestTransactionRollbackLeavesNoTrace(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	txn, err := f.txlog.Begin(ctx)
	require.NoError(t, err)
	txn.StageStoreWrite("notes", "note_1", 1, []byte("never lands"))
	require.NoError(t, txn.Rollback(ctx))

	_, err = f.store.Get(ctx, "notes", "note_1")
	assert.True(t, storeerr.Is(err, storeerr.ErrKeyNotFound))

	n, err := f.store.Count(ctx, txLogStore)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "rollback must not touch the transaction log")
}

func TestTransactionSingleOpenHandle(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	txn, err := f.txlog.Begin(ctx)
	require.NoError(t, err)

	_, err = f.txlog.Begin(ctx)
	require.Error(t, err)
	assert.True(t, storeerr.Is(err, storeerr.ErrTransactionInProgress))

	require.NoError(t, txn.Rollback(ctx))

	next, err := f.txlog.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, next.Rollback(ctx))
}

func TestTransactionFinishedHandleRejected(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	txn, err := f.txlog.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))

	assert.Error(t, txn.Commit(ctx))
	assert.Error(t, txn.Rollback(ctx))
}

func TestTransactionStagesAtMostOneEnqueue(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	txn, err := f.txlog.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = txn.Rollback(ctx) }()

	require.NoError(t, txn.StageQueueEnqueue(model.NewPendingOperation(model.OpCreate, "", nil)))
	err = txn.StageQueueEnqueue(model.NewPendingOperation(model.OpCreate, "", nil))
	assert.Error(t, err)
}

func TestTransactionCommitFailureAppliesNothing(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	f.store.failpoint = func(event string) error {
		if event == "put:"+txLogStore {
			return errors.New("simulated crash before commit point")
		}
		return nil
	}

	txn, err := f.txlog.Begin(ctx)
	require.NoError(t, err)
	txn.StageStoreWrite("notes", "note_1", 1, []byte("never lands"))

	err = txn.Commit(ctx)
	require.Error(t, err)
	assert.True(t, storeerr.Is(err, storeerr.ErrCommitFailed))

	f.store.failpoint = nil
	_, err = f.store.Get(ctx, "notes", "note_1")
	assert.True(t, storeerr.Is(err, storeerr.ErrKeyNotFound))
}

func TestTransactionCrashAfterCommitIsReplayed(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	// The commit point succeeds, then the apply to the target partition
	// dies. Recovery must finish the work.
	f.store.failpoint = func(event string) error {
		if event == "put:notes" {
			return errors.New("simulated crash during apply")
		}
		return nil
	}

	txn, err := f.txlog.Begin(ctx)
	require.NoError(t, err)
	txn.StageStoreWrite("notes", "note_1", 1, []byte("note body"))

	err = txn.Commit(ctx)
	require.Error(t, err)
	assert.True(t, storeerr.Is(err, storeerr.ErrReplayFailed))

	f.store.failpoint = nil
	replayed, err := f.txlog.Recover(ctx, time.Hour, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)

	note, err := f.store.Get(ctx, "notes", "note_1")
	require.NoError(t, err)
	assert.Equal(t, []byte("note body"), note.Data)

	// A second recovery finds nothing left to do.
	replayed, err = f.txlog.Recover(ctx, time.Hour, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, replayed)
}

func TestTransactionEnqueueCrashAfterCommitReplaysOnce(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	// Commit lands, then the pending-store write dies before the operation
	// becomes visible. Recovery must materialize it exactly once.
	f.store.failpoint = func(event string) error {
		if event == "put:"+queuePendingStore {
			return errors.New("simulated crash before queue apply")
		}
		return nil
	}

	op := model.NewPendingOperation(model.OpCreate, "note_1", map[string]interface{}{"title": "draft"})
	txn, err := f.txlog.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.StageQueueEnqueue(op))

	err = txn.Commit(ctx)
	require.Error(t, err)
	assert.True(t, storeerr.Is(err, storeerr.ErrReplayFailed))

	f.store.failpoint = nil
	replayed, err := f.txlog.Recover(ctx, time.Hour, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)

	pending, err := f.store.Count(ctx, queuePendingStore)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)

	index, err := f.store.Count(ctx, queueIndexStore)
	require.NoError(t, err)
	assert.EqualValues(t, 1, index)

	rec, err := f.store.Get(ctx, queuePendingStore, op.OperationID)
	require.NoError(t, err)
	var stored model.PendingOperation
	require.NoError(t, json.Unmarshal(rec.Data, &stored))
	assert.Equal(t, op.IdempotencyKey, stored.IdempotencyKey)

	// Nothing left to replay, and no duplicate appears.
	replayed, err = f.txlog.Recover(ctx, time.Hour, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, replayed)

	pending, err = f.store.Count(ctx, queuePendingStore)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestTransactionReplayIsIdempotent(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	txn, err := f.txlog.Begin(ctx)
	require.NoError(t, err)
	txn.StageStoreWrite("notes", "note_1", 1, []byte("note body"))
	txn.StageStoreDelete("notes", "gone")
	require.NoError(t, txn.Commit(ctx))

	// Re-applying a fully applied record converges on the same state.
	rec, err := f.store.Get(ctx, txLogStore, txn.ID())
	require.NoError(t, err)
	var record model.TransactionRecord
	require.NoError(t, json.Unmarshal(rec.Data, &record))
	require.NoError(t, f.txlog.apply(ctx, &record))

	note, err := f.store.Get(ctx, "notes", "note_1")
	require.NoError(t, err)
	assert.Equal(t, []byte("note body"), note.Data)

	n, err := f.store.Count(ctx, "notes")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRecoverPurgesExpiredRecords(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	txn, err := f.txlog.Begin(ctx)
	require.NoError(t, err)
	txn.StageStoreWrite("notes", "note_1", 1, []byte("x"))
	require.NoError(t, txn.Commit(ctx))

	n, err := f.store.Count(ctx, txLogStore)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// Zero retention expires the applied record immediately.
	_, err = f.txlog.Recover(ctx, 0, 0)
	require.NoError(t, err)

	n, err = f.store.Count(ctx, txLogStore)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}
