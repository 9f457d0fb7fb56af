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

import "github.com/havenstore/haven/model"

// ConflictKind classifies a remote rejection. The remote mirror is
// authoritative for version numbers and deletion state; the local operation
// is authoritative for intent until the remote says otherwise.
type ConflictKind string

const (
	// ConflictVersionMismatch: the remote holds a newer version than the
	// one the local operation was based on.
	ConflictVersionMismatch ConflictKind = "version_mismatch"
	// ConflictAlreadyDeleted: the target no longer exists at the remote.
	ConflictAlreadyDeleted ConflictKind = "already_deleted"
	// ConflictDuplicateCreate: a create was rejected because the target
	// already exists at the remote.
	ConflictDuplicateCreate ConflictKind = "duplicate_create"
	// ConflictSemantic: a business-rule conflict with no safe automatic
	// resolution.
	ConflictSemantic ConflictKind = "semantic"
)

// RemoteRejection is what the sync consumer reports back when the remote
// mirror refuses an operation.
type RemoteRejection struct {
	Kind ConflictKind
	// RemoteVersion is the version the remote currently holds, when known.
	RemoteVersion int64
	// ContentMatches is set for duplicate creates when the remote copy is
	// byte-equal to what the local create would have produced.
	ContentMatches bool
	Reason         string
}

// ResolutionAction is what the queue processor must do with the operation.
type ResolutionAction string

const (
	// ActionRebase: fetch remote state, rebase the local operation on top,
	// re-enqueue. Transient.
	ActionRebase ResolutionAction = "rebase_and_reenqueue"
	// ActionTreatSuccess: the operation's goal is already achieved.
	ActionTreatSuccess ResolutionAction = "treat_success"
	// ActionPoison: permanent failure, quarantine the operation.
	ActionPoison ResolutionAction = "poison"
	// ActionManualReview: terminal, kept inspectable for a human. Never
	// silently dropped and never guessed at.
	ActionManualReview ResolutionAction = "manual_review"
)

// Resolution is the resolver's verdict.
type Resolution struct {
	Action ResolutionAction
	Code   string
	Reason string
}

// ResolveConflict maps a remote rejection of a pending operation to a
// deterministic resolution. No heuristics: every (kind, op type) pair has
// exactly one outcome.
//
// Parameters:
// - op *model.PendingOperation: The locally intended operation.
// - rejection RemoteRejection: The remote's refusal.
//
// Returns:
// - Resolution: The action the processor must take.
func ResolveConflict(op *model.PendingOperation, rejection RemoteRejection) Resolution {
	switch rejection.Kind {
	case ConflictVersionMismatch:
		return Resolution{
			Action: ActionRebase,
			Code:   "version_mismatch",
			Reason: "remote holds a newer version, rebase local intent on top",
		}

	case ConflictAlreadyDeleted:
		if op.OpType == model.OpDelete {
			// The goal was deletion and the target is gone.
			return Resolution{
				Action: ActionTreatSuccess,
				Code:   "delete_already_applied",
				Reason: "target already deleted remotely",
			}
		}
		return Resolution{
			Action: ActionPoison,
			Code:   "target_deleted",
			Reason: "cannot " + string(op.OpType) + " a remotely deleted target",
		}

	case ConflictDuplicateCreate:
		if op.OpType == model.OpCreate && rejection.ContentMatches {
			return Resolution{
				Action: ActionTreatSuccess,
				Code:   "duplicate_create_identical",
				Reason: "remote already holds identical content",
			}
		}
		return Resolution{
			Action: ActionManualReview,
			Code:   "duplicate_create_diverged",
			Reason: "remote holds different content for the same key",
		}

	case ConflictSemantic:
		return Resolution{
			Action: ActionManualReview,
			Code:   "semantic_conflict",
			Reason: rejection.Reason,
		}

	default:
		// Unknown kinds are never guessed at.
		return Resolution{
			Action: ActionManualReview,
			Code:   "unclassified_conflict",
			Reason: rejection.Reason,
		}
	}
}
