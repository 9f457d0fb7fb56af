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
	"strings"
	"time"

	"github.com/havenstore/haven/internal/storeerr"
	"github.com/havenstore/haven/model"
)

const typeIDAuditEntry uint32 = 5

const actorMaskLength = 8

// AuditLog is the append-only trail of sensitive operations. Append is the
// only mutation path; redaction happens exclusively at export time so the
// unredacted trail stays available for internal incident response while
// exports are always safe to share.
type AuditLog struct {
	store         *EncryptedStore
	sensitiveKeys []string
}

// NewAuditLog creates the audit log. sensitiveKeys is the denylist of
// payload field names stripped from redacted exports.
func NewAuditLog(store *EncryptedStore, sensitiveKeys []string) *AuditLog {
	return &AuditLog{store: store, sensitiveKeys: sensitiveKeys}
}

// Append writes one entry. Entries are keyed by timestamp so scans return
// them in chronological order.
func (a *AuditLog) Append(ctx context.Context, entry *model.AuditEntry) error {
	if entry.AuditID == "" {
		entry.AuditID = model.GenerateUUIDWithPrefix("adt")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Severity == "" {
		entry.Severity = model.SeverityInfo
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%020d_%s", entry.Timestamp.UnixNano(), entry.AuditID)
	return a.store.Put(ctx, auditStore, &model.Record{
		Key:    key,
		TypeID: typeIDAuditEntry,
		Data:   data,
	})
}

func (a *AuditLog) scan(ctx context.Context) ([]*model.AuditEntry, error) {
	cursor, err := a.store.ScanPrefix(ctx, auditStore, "")
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var entries []*model.AuditEntry
	for {
		rec, err := cursor.Next()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		var entry model.AuditEntry
		if err := json.Unmarshal(rec.Data, &entry); err != nil {
			return nil, storeerr.Wrap(err, storeerr.ErrStoreCorrupt, "undecodable audit entry "+rec.Key)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// Tail returns the most recent n entries, oldest first. A non-positive n
// yields no entries.
func (a *AuditLog) Tail(ctx context.Context, n int) ([]*model.AuditEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	entries, err := a.scan(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// ExportRedacted returns every entry at or after since with actor
// identifiers masked to a fixed-length prefix, timestamps truncated to day
// granularity, and any payload field on the sensitive-key denylist removed.
func (a *AuditLog) ExportRedacted(ctx context.Context, since time.Time) ([]*model.AuditEntry, error) {
	entries, err := a.scan(ctx)
	if err != nil {
		return nil, err
	}

	var out []*model.AuditEntry
	for _, entry := range entries {
		if entry.Timestamp.Before(since) {
			continue
		}
		out = append(out, a.redact(entry))
	}
	return out, nil
}

func (a *AuditLog) redact(entry *model.AuditEntry) *model.AuditEntry {
	redacted := &model.AuditEntry{
		AuditID:   entry.AuditID,
		Type:      entry.Type,
		ActorID:   maskActor(entry.ActorID),
		Severity:  entry.Severity,
		Timestamp: entry.Timestamp.Truncate(24 * time.Hour),
	}
	if entry.Payload != nil {
		redacted.Payload = make(map[string]interface{}, len(entry.Payload))
		for k, v := range entry.Payload {
			if a.sensitive(k) {
				continue
			}
			redacted.Payload[k] = v
		}
	}
	return redacted
}

func (a *AuditLog) sensitive(field string) bool {
	lower := strings.ToLower(field)
	for _, deny := range a.sensitiveKeys {
		if strings.Contains(lower, strings.ToLower(deny)) {
			return true
		}
	}
	return false
}

func maskActor(actorID string) string {
	if len(actorID) <= actorMaskLength {
		return actorID
	}
	return actorID[:actorMaskLength] + "***"
}
