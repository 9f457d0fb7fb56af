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

import "time"

// TransactionState is the lifecycle state of a logged transaction. A record
// moves pending -> committed -> applied monotonically; failed is terminal.
type TransactionState string

const (
	TxPending   TransactionState = "pending"
	TxCommitted TransactionState = "committed"
	TxApplied   TransactionState = "applied"
	TxFailed    TransactionState = "failed"
)

// StoreChange is one staged mutation of a single key. Delete wins over Data.
type StoreChange struct {
	TypeID uint32 `json:"type_id"`
	Data   []byte `json:"data,omitempty"`
	Delete bool   `json:"delete,omitempty"`
}

// TransactionRecord is the durable unit of the write-ahead log. The single
// write that persists it in committed state is the atomicity boundary for
// every staged change it carries.
type TransactionRecord struct {
	TransactionID string                            `json:"transaction_id"`
	State         TransactionState                  `json:"state"`
	StoreChanges  map[string]map[string]StoreChange `json:"store_changes,omitempty"`
	QueueChanges  *PendingOperation                 `json:"queue_changes,omitempty"`
	IndexChanges  map[string][]string               `json:"index_changes,omitempty"`
	CreatedAt     time.Time                         `json:"created_at"`
	CommittedAt   *time.Time                        `json:"committed_at,omitempty"`
	AppliedAt     *time.Time                        `json:"applied_at,omitempty"`
	ErrorMessage  string                            `json:"error_message,omitempty"`
}

// NewTransactionRecord allocates an empty pending record.
func NewTransactionRecord() *TransactionRecord {
	return &TransactionRecord{
		TransactionID: GenerateUUIDWithPrefix("txn"),
		State:         TxPending,
		StoreChanges:  make(map[string]map[string]StoreChange),
		IndexChanges:  make(map[string][]string),
		CreatedAt:     time.Now(),
	}
}

// Empty reports whether the transaction stages no changes at all.
func (t *TransactionRecord) Empty() bool {
	return len(t.StoreChanges) == 0 && t.QueueChanges == nil && len(t.IndexChanges) == 0
}
