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

package storeerr

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	// Storage errors
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrStoreCorrupt     ErrorCode = "STORE_CORRUPT"
	ErrKeyNotFound      ErrorCode = "KEY_NOT_FOUND"

	// Transaction errors
	ErrTransactionInProgress ErrorCode = "TRANSACTION_IN_PROGRESS"
	ErrCommitFailed          ErrorCode = "COMMIT_FAILED"
	ErrReplayFailed          ErrorCode = "REPLAY_FAILED"

	// Queue errors
	ErrPoisonThresholdExceeded ErrorCode = "POISON_THRESHOLD_EXCEEDED"

	// Migration errors
	ErrDryRunFailed        ErrorCode = "DRY_RUN_FAILED"
	ErrVerificationFailed  ErrorCode = "VERIFICATION_FAILED"
	ErrSchemaIncompatible  ErrorCode = "SCHEMA_INCOMPATIBLE"

	// Codec errors
	ErrDuplicateTypeID ErrorCode = "DUPLICATE_TYPE_ID"
	ErrUnknownType     ErrorCode = "UNKNOWN_TYPE"

	// Conflict errors
	ErrConflict ErrorCode = "CONFLICT"
)

// FailureClass tells the caller whether retrying an operation can help.
type FailureClass int

const (
	ClassTransient FailureClass = iota // retry automatically
	ClassPermanent                     // retry is pointless
	ClassManual                        // needs manual intervention
)

func (c FailureClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassManual:
		return "manual"
	default:
		return "permanent"
	}
}

type StoreError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// New creates a StoreError with the given code and message.
func New(code ErrorCode, message string) *StoreError {
	return &StoreError{Code: code, Message: message}
}

// Newf creates a StoreError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *StoreError {
	return &StoreError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code ErrorCode, message string) *StoreError {
	return &StoreError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the ErrorCode from err, or empty string if err is not a
// StoreError anywhere in its chain.
func CodeOf(err error) ErrorCode {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// ClassOf maps an error to its failure class per the propagation policy:
// storage unavailability and commit failures are retryable by the caller,
// corruption and verification failures need a human, everything terminal
// (poison threshold, unknown type, schema mismatch) is permanent.
func ClassOf(err error) FailureClass {
	switch CodeOf(err) {
	case ErrStoreUnavailable, ErrCommitFailed, ErrTransactionInProgress:
		return ClassTransient
	case ErrStoreCorrupt, ErrVerificationFailed, ErrConflict:
		return ClassManual
	default:
		return ClassPermanent
	}
}
