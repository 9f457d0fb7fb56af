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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenstore/haven/model"
)

func newTestAuditLog(f *testFixture) *AuditLog {
	return NewAuditLog(f.store, []string{"password", "token", "email"})
}

func TestAuditAppendAndTail(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	audit := newTestAuditLog(f)

	base := time.Now().Add(-time.Minute)
	for i, typ := range []string{"key_rotated", "backup_exported", "failed_retry"} {
		require.NoError(t, audit.Append(ctx, &model.AuditEntry{
			Type:      typ,
			ActorID:   "admin",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	entries, err := audit.Tail(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "backup_exported", entries[0].Type)
	assert.Equal(t, "failed_retry", entries[1].Type)

	all, err := audit.Tail(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := audit.Tail(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	none, err = audit.Tail(ctx, -5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAuditAppendFillsDefaults(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	audit := newTestAuditLog(f)

	require.NoError(t, audit.Append(ctx, &model.AuditEntry{Type: "backup_exported", ActorID: "admin"}))

	entries, err := audit.Tail(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].AuditID)
	assert.False(t, entries[0].Timestamp.IsZero())
	assert.Equal(t, model.SeverityInfo, entries[0].Severity)
}

func TestAuditExportRedacted(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	audit := newTestAuditLog(f)

	stamp := time.Date(2024, 6, 12, 15, 30, 0, 0, time.UTC)
	require.NoError(t, audit.Append(ctx, &model.AuditEntry{
		Type:      "profile_changed",
		ActorID:   "user_8f14e45fceea167a",
		Timestamp: stamp,
		Payload: map[string]interface{}{
			"display_name": "casey",
			"user_email":   "casey@example.com",
			"auth_token":   "tok_abc",
		},
	}))

	entries, err := audit.ExportRedacted(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, "user_8f1***", entry.ActorID)
	assert.True(t, entry.Timestamp.Equal(stamp.Truncate(24*time.Hour)), "timestamp should be day-granular")
	assert.Equal(t, "casey", entry.Payload["display_name"])
	assert.NotContains(t, entry.Payload, "user_email")
	assert.NotContains(t, entry.Payload, "auth_token")
}

func TestAuditExportSinceFilter(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	audit := newTestAuditLog(f)

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now().Add(-time.Hour)
	require.NoError(t, audit.Append(ctx, &model.AuditEntry{Type: "old_event", ActorID: "a", Timestamp: old}))
	require.NoError(t, audit.Append(ctx, &model.AuditEntry{Type: "new_event", ActorID: "a", Timestamp: recent}))

	entries, err := audit.ExportRedacted(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new_event", entries[0].Type)
}

func TestAuditExportDoesNotMutateStoredEntries(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()
	audit := newTestAuditLog(f)

	require.NoError(t, audit.Append(ctx, &model.AuditEntry{
		Type:    "profile_changed",
		ActorID: "user_8f14e45fceea167a",
		Payload: map[string]interface{}{"auth_token": "tok_abc"},
	}))

	_, err := audit.ExportRedacted(ctx, time.Time{})
	require.NoError(t, err)

	entries, err := audit.Tail(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "user_8f14e45fceea167a", entries[0].ActorID)
	assert.Equal(t, "tok_abc", entries[0].Payload["auth_token"])
}
