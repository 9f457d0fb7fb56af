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

// AuditSeverity grades audit entries for retention and export policies.
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityCritical AuditSeverity = "critical"
)

// AuditEntry is one append-only record of a sensitive operation. Entries are
// never mutated; redaction happens only when exporting.
type AuditEntry struct {
	AuditID   string                 `json:"audit_id"`
	Type      string                 `json:"type"`
	ActorID   string                 `json:"actor_id"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Severity  AuditSeverity          `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
}
