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
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"

	"github.com/havenstore/haven/config"
	"github.com/havenstore/haven/internal/crypt"
	"github.com/havenstore/haven/internal/partition"
	"github.com/havenstore/haven/internal/telemetry"
	"github.com/havenstore/haven/model"
)

// testFixture wires the storage stack over a throwaway data dir.
type testFixture struct {
	store  *EncryptedStore
	txlog  *TransactionLog
	queue  *PendingQueue
	cipher *crypt.CipherService
	parts  *partition.Manager
	cnf    *config.Configuration
}

func testMasterKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	return newTestFixtureWith(t, nil)
}

// newTestFixtureWith lets a test tighten the config (smaller retry budget,
// shorter retention) before the stack is built.
func newTestFixtureWith(t *testing.T, mutate func(cnf *config.Configuration)) *testFixture {
	t.Helper()

	cnf := &config.Configuration{
		AppIdentifier: "haven-test",
		DataDir:       t.TempDir(),
	}
	if mutate != nil {
		mutate(cnf)
	}
	config.MockConfig(cnf)

	loaded, err := config.Fetch()
	require.NoError(t, err)

	parts, err := partition.NewManager(loaded.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = parts.Close() })

	metrics, err := telemetry.New()
	require.NoError(t, err)

	cipher := crypt.NewCipherService(crypt.NewStaticKeySource(1, map[int][]byte{1: testMasterKey()}))
	store := NewEncryptedStore(parts, cipher)
	txlog := NewTransactionLog(store, metrics)
	queue := NewPendingQueue(store, txlog, metrics)

	return &testFixture{
		store:  store,
		txlog:  txlog,
		queue:  queue,
		cipher: cipher,
		parts:  parts,
		cnf:    loaded,
	}
}

// enqueueOp enqueues a fresh operation whose enqueue time is nudged apart
// from its siblings so FIFO index keys are strictly ordered.
func (f *testFixture) enqueueOp(t *testing.T, opType model.OpType, entityKey string, seq int) *model.PendingOperation {
	t.Helper()
	op := model.NewPendingOperation(opType, entityKey, map[string]interface{}{
		"seq":   seq,
		"title": gofakeit.BookTitle(),
	})
	op.EnqueuedAt = time.Now().Add(time.Duration(seq) * time.Millisecond)
	require.NoError(t, f.queue.Enqueue(context.Background(), op))
	return op
}
