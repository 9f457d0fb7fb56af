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

// Package telemetry exposes the engine's counters and gauges through the
// OpenTelemetry metric API. The host application decides the exporter; with
// no SDK installed every instrument is a no-op.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/havenstore/haven"

type Metrics struct {
	txCommits         metric.Int64Counter
	txRollbacks       metric.Int64Counter
	recoveryApplied   metric.Int64Counter
	poisonConverted   metric.Int64Counter
	queueDepth        metric.Int64Gauge
	poisonCount       metric.Int64Gauge
	migrationDuration metric.Float64Histogram
}

// New builds the engine instrument set against the global meter provider.
func New() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.txCommits, err = meter.Int64Counter("haven.transaction.commits"); err != nil {
		return nil, err
	}
	if m.txRollbacks, err = meter.Int64Counter("haven.transaction.rollbacks"); err != nil {
		return nil, err
	}
	if m.recoveryApplied, err = meter.Int64Counter("haven.recovery.applied"); err != nil {
		return nil, err
	}
	if m.poisonConverted, err = meter.Int64Counter("haven.queue.poison_converted"); err != nil {
		return nil, err
	}
	if m.queueDepth, err = meter.Int64Gauge("haven.queue.depth"); err != nil {
		return nil, err
	}
	if m.poisonCount, err = meter.Int64Gauge("haven.queue.poison_count"); err != nil {
		return nil, err
	}
	if m.migrationDuration, err = meter.Float64Histogram("haven.migration.duration_seconds"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) TxCommitted(ctx context.Context)     { m.txCommits.Add(ctx, 1) }
func (m *Metrics) TxRolledBack(ctx context.Context)    { m.txRollbacks.Add(ctx, 1) }
func (m *Metrics) RecoveryApplied(ctx context.Context) { m.recoveryApplied.Add(ctx, 1) }
func (m *Metrics) PoisonConverted(ctx context.Context) { m.poisonConverted.Add(ctx, 1) }

func (m *Metrics) SetQueueDepth(ctx context.Context, n int64)  { m.queueDepth.Record(ctx, n) }
func (m *Metrics) SetPoisonCount(ctx context.Context, n int64) { m.poisonCount.Record(ctx, n) }
func (m *Metrics) MigrationTook(ctx context.Context, secs float64) {
	m.migrationDuration.Record(ctx, secs)
}
