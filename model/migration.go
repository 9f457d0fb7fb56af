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

// Migration is the stateless descriptor of one schema step. Execution state
// lives in the metadata partition, never on the descriptor.
type Migration struct {
	MigrationID    string   `json:"migration_id"`
	FromVersion    int      `json:"from_version"`
	ToVersion      int      `json:"to_version"`
	Description    string   `json:"description"`
	AffectedStores []string `json:"affected_stores"`
}

// MigrationPhase tracks how far a migration run has progressed. Persisted
// before each phase starts so a crash mid-run is detectable on restart.
type MigrationPhase string

const (
	PhaseBackupCreated MigrationPhase = "backupCreated"
	PhaseDryRunPassed  MigrationPhase = "dryRunPassed"
	PhaseMigrating     MigrationPhase = "migrating"
	PhaseVerifying     MigrationPhase = "verifying"
	PhaseCommitted     MigrationPhase = "committed"
)

// MigrationState is the persisted progress record for an in-flight migration.
type MigrationState struct {
	MigrationID string         `json:"migration_id"`
	FromVersion int            `json:"from_version"`
	ToVersion   int            `json:"to_version"`
	Phase       MigrationPhase `json:"phase"`
	BackupPath  string         `json:"backup_path"`
	StartedAt   time.Time      `json:"started_at"`
}
