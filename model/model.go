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

package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateUUIDWithPrefix generates a UUID with a given module name as a prefix.
// This is useful for creating unique identifiers with context-specific prefixes.
func GenerateUUIDWithPrefix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// Record is the unit of storage: an opaque, codec-tagged payload identified
// by its key within a named store.
type Record struct {
	Key       string    `json:"key"`
	TypeID    uint32    `json:"type_id"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LockRecord is the advisory lock mediating cross-process mutual exclusion
// for the queue processor. A record whose heartbeat is older than the
// heartbeat timeout is stale and may be taken over.
type LockRecord struct {
	LockName      string    `json:"lock_name"`
	HolderID      string    `json:"holder_id"`
	AcquiredAt    time.Time `json:"acquired_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Stale reports whether the lock heartbeat is older than timeout.
func (l *LockRecord) Stale(now time.Time, timeout time.Duration) bool {
	return now.Sub(l.LastHeartbeat) > timeout
}
