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
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenstore/haven/config"
	"github.com/havenstore/haven/internal/crypt"
	"github.com/havenstore/haven/model"
)

func testKeySource() crypt.KeySource {
	return crypt.NewStaticKeySource(1, map[int][]byte{1: testMasterKey()})
}

func newTestEngine(t *testing.T, dataDir string, consumer SyncConsumer) *Haven {
	t.Helper()
	config.MockConfig(&config.Configuration{AppIdentifier: "haven-test", DataDir: dataDir})

	engine, err := New(testKeySource(), NewCodecRegistry(), consumer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(context.Background()) })
	return engine
}

func TestEngineEndToEnd(t *testing.T) {
	ctx := context.Background()
	consumer := newScriptedConsumer(SyncResult{Status: SyncSuccess})
	engine := newTestEngine(t, t.TempDir(), consumer)

	// One local write and its outbound operation land atomically.
	op := model.NewPendingOperation(model.OpCreate, "note:1", map[string]interface{}{"title": "groceries"})
	txn, err := engine.Begin(ctx)
	require.NoError(t, err)
	txn.StageStoreWrite("notes", "note_1", 1, []byte(`{"title":"groceries"}`))
	require.NoError(t, txn.StageQueueEnqueue(op))
	require.NoError(t, txn.Commit(ctx))

	rec, err := engine.Store().Get(ctx, "notes", "note_1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"title":"groceries"}`), rec.Data)

	depth, err := engine.Queue().Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	attempted, err := engine.ProcessQueueOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)
	assert.Equal(t, []string{op.OperationID}, consumer.deliveredIDs())

	depth, err = engine.Queue().Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth)
}

func TestEngineStartupRecoveryReplaysCommitted(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()

	// First life: crash after the commit point, before the apply finishes.
	f := newTestFixtureWith(t, func(cnf *config.Configuration) { cnf.DataDir = dataDir })
	f.store.failpoint = func(event string) error {
		if event == "put:notes" {
			return errors.New("simulated crash")
		}
		return nil
	}
	txn, err := f.txlog.Begin(ctx)
	require.NoError(t, err)
	txn.StageStoreWrite("notes", "note_1", 1, []byte("survives the crash"))
	require.Error(t, txn.Commit(ctx))
	require.NoError(t, f.parts.Close())

	// Second life: construction replays the committed record.
	engine := newTestEngine(t, dataDir, newScriptedConsumer(SyncResult{Status: SyncSuccess}))

	rec, err := engine.Store().Get(ctx, "notes", "note_1")
	require.NoError(t, err)
	assert.Equal(t, []byte("survives the crash"), rec.Data)
}

func TestEngineBackupExportImport(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, t.TempDir(), newScriptedConsumer(SyncResult{Status: SyncSuccess}))

	require.NoError(t, engine.Store().Put(ctx, "notes", &model.Record{Key: "n1", TypeID: 1, Data: []byte("keep me")}))

	path := filepath.Join(t.TempDir(), "engine.hvnbak")
	require.NoError(t, engine.ExportBackup(ctx, path))

	entries, err := engine.AuditTail(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "backup_exported", entries[len(entries)-1].Type)

	require.NoError(t, engine.Store().Wipe(ctx, "notes"))
	require.NoError(t, engine.ImportBackup(ctx, path))

	rec, err := engine.Store().Get(ctx, "notes", "n1")
	require.NoError(t, err)
	assert.Equal(t, []byte("keep me"), rec.Data)

	// The restore rewinds the audit partition to the backup's state, then
	// the import itself is recorded on top.
	entries, err = engine.AuditTail(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "backup_imported", entries[len(entries)-1].Type)
}

func TestEngineRetryFailedOperationIsAudited(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, t.TempDir(), newScriptedConsumer(SyncResult{Status: SyncSuccess}))

	op := model.NewPendingOperation(model.OpCreate, "note:1", map[string]interface{}{"x": 1})
	require.NoError(t, engine.Queue().Enqueue(ctx, op))
	_ = engine.Queue().ForcePoison(ctx, op.OperationID, "permanent_failure", "rejected")

	failed, err := engine.Queue().ListFailed(ctx, false)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	retried, err := engine.RetryFailedOperation(ctx, failed[0].FailedID)
	require.NoError(t, err)
	assert.Equal(t, op.IdempotencyKey, retried.IdempotencyKey)

	entries, err := engine.AuditTail(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "failed_operation_retried", entries[len(entries)-1].Type)
}

func TestEngineRotateEncryptionKey(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()

	// Seed records under key version 1.
	f := newTestFixtureWith(t, func(cnf *config.Configuration) { cnf.DataDir = dataDir })
	require.NoError(t, f.store.Put(ctx, "notes", &model.Record{Key: "n1", TypeID: 1, Data: []byte("old key")}))
	require.NoError(t, f.parts.Close())

	// Reopen with version 2 current and rotate everything.
	config.MockConfig(&config.Configuration{AppIdentifier: "haven-test", DataDir: dataDir})
	newKey := make([]byte, 32)
	for i := range newKey {
		newKey[i] = byte(100 + i)
	}
	keys := crypt.NewStaticKeySource(2, map[int][]byte{1: testMasterKey(), 2: newKey})

	engine, err := New(keys, NewCodecRegistry(), newScriptedConsumer(SyncResult{Status: SyncSuccess}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close(context.Background()) })

	rotated, err := engine.RotateEncryptionKey(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rotated, 1)

	rec, err := engine.Store().Get(ctx, "notes", "n1")
	require.NoError(t, err)
	assert.Equal(t, []byte("old key"), rec.Data)

	entries, err := engine.AuditTail(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "encryption_key_rotated", entries[0].Type)
	assert.Equal(t, model.SeverityCritical, entries[0].Severity)

	// A second rotation finds nothing stale.
	rotated, err = engine.RotateEncryptionKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rotated)
}

func TestEngineCloseStopsCleanly(t *testing.T) {
	ctx := context.Background()
	consumer := newScriptedConsumer(SyncResult{Status: SyncSuccess})
	engine := newTestEngine(t, t.TempDir(), consumer)

	require.NoError(t, engine.Processor().Start(ctx))
	require.Eventually(t, func() bool {
		return engine.Processor().State() == StateProcessing
	}, time.Second, 10*time.Millisecond)

	engine.PauseQueue()
	assert.Equal(t, StatePaused, engine.Processor().State())
	engine.ResumeQueue()
	assert.Equal(t, StateProcessing, engine.Processor().State())

	require.NoError(t, engine.Close(ctx))
	assert.Equal(t, StateIdle, engine.Processor().State())
}
