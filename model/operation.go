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
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// OpType is the kind of outbound operation. The set is closed: the sync
// consumer and conflict resolver both switch on it.
type OpType string

const (
	OpCreate  OpType = "create"
	OpUpdate  OpType = "update"
	OpDelete  OpType = "delete"
	OpControl OpType = "control"
)

// OpStatus is the lifecycle state of a pending operation.
type OpStatus string

const (
	StatusPending    OpStatus = "pending"
	StatusProcessing OpStatus = "processing"
	StatusSuccess    OpStatus = "success"
	StatusFailed     OpStatus = "failed"
)

// PendingOperation is a durable, queued unit of outbound work awaiting
// delivery to the remote mirror.
//
// The idempotency key is generated once when the operation is created and
// is never regenerated, so retries, crash replays and poison re-enqueues
// all present the same key to the remote.
type PendingOperation struct {
	OperationID    string                 `json:"operation_id"`
	OpType         OpType                 `json:"op_type"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Payload        map[string]interface{} `json:"payload"`
	EntityKey      string                 `json:"entity_key,omitempty"`
	Attempts       int                    `json:"attempts"`
	Status         OpStatus               `json:"status"`
	LastError      string                 `json:"last_error,omitempty"`
	NextEligibleAt *time.Time             `json:"next_eligible_at,omitempty"`
	EnqueuedAt     time.Time              `json:"enqueued_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	IndexKey       string                 `json:"index_key"`
}

// NewPendingOperation constructs a pending operation with a fresh id and
// idempotency key.
//
// Parameters:
// - opType OpType: The kind of operation.
// - entityKey string: Optional "type:id" key for per-entity ordering.
// - payload map[string]interface{}: The opaque operation payload.
//
// Returns:
// - *PendingOperation: The new operation in pending state with zero attempts.
func NewPendingOperation(opType OpType, entityKey string, payload map[string]interface{}) *PendingOperation {
	now := time.Now()
	return &PendingOperation{
		OperationID:    GenerateUUIDWithPrefix("op"),
		OpType:         opType,
		IdempotencyKey: GenerateUUIDWithPrefix("idem"),
		Payload:        payload,
		EntityKey:      entityKey,
		Attempts:       0,
		Status:         StatusPending,
		EnqueuedAt:     now,
		UpdatedAt:      now,
	}
}

// Eligible reports whether the operation may be handed to the sync consumer.
func (op *PendingOperation) Eligible(now time.Time) bool {
	return op.NextEligibleAt == nil || !now.Before(*op.NextEligibleAt)
}

// Validate enforces the structural invariants of a pending operation.
func (op *PendingOperation) Validate() error {
	return validation.ValidateStruct(op,
		validation.Field(&op.OperationID, validation.Required),
		validation.Field(&op.OpType, validation.Required, validation.In(OpCreate, OpUpdate, OpDelete, OpControl)),
		validation.Field(&op.IdempotencyKey, validation.Required),
		validation.Field(&op.Attempts, validation.Min(0)),
		validation.Field(&op.Status, validation.Required, validation.In(StatusPending, StatusProcessing, StatusSuccess, StatusFailed)),
	)
}

// FailedOperation is the quarantined snapshot of a pending operation that
// exceeded the retry ceiling. The payload and idempotency key are preserved
// so the operation can be re-enqueued without creating a duplicate at the
// remote.
type FailedOperation struct {
	FailedID          string                 `json:"failed_id"`
	SourceOperationID string                 `json:"source_operation_id"`
	OpType            OpType                 `json:"op_type"`
	EntityKey         string                 `json:"entity_key,omitempty"`
	Payload           map[string]interface{} `json:"payload"`
	Attempts          int                    `json:"attempts"`
	ErrorCode         string                 `json:"error_code"`
	ErrorMessage      string                 `json:"error_message"`
	IdempotencyKey    string                 `json:"idempotency_key"`
	Archived          bool                   `json:"archived"`
	CreatedAt         time.Time              `json:"created_at"`
}

// NewFailedOperation snapshots op into a quarantine record.
func NewFailedOperation(op *PendingOperation, errorCode, errorMessage string) *FailedOperation {
	return &FailedOperation{
		FailedID:          GenerateUUIDWithPrefix("fail"),
		SourceOperationID: op.OperationID,
		OpType:            op.OpType,
		EntityKey:         op.EntityKey,
		Payload:           op.Payload,
		Attempts:          op.Attempts,
		ErrorCode:         errorCode,
		ErrorMessage:      errorMessage,
		IdempotencyKey:    op.IdempotencyKey,
		Archived:          false,
		CreatedAt:         time.Now(),
	}
}
