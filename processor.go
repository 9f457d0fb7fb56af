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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/havenstore/haven/config"
	advlock "github.com/havenstore/haven/internal/lock"
	"github.com/havenstore/haven/internal/storeerr"
	"github.com/havenstore/haven/internal/telemetry"
	"github.com/havenstore/haven/model"
)

// SyncStatus is the outcome category a sync consumer reports per delivery.
type SyncStatus string

const (
	SyncSuccess          SyncStatus = "success"
	SyncTransientFailure SyncStatus = "transient_failure"
	SyncConflict         SyncStatus = "conflict"
	SyncPermanentFailure SyncStatus = "permanent_failure"
)

// SyncResult is the sync consumer's report for one delivery attempt.
type SyncResult struct {
	Status    SyncStatus
	RemoteID  string
	Reason    string
	Rejection *RemoteRejection
}

// SyncConsumer delivers pending operations to the remote mirror. The engine
// calls Deliver once per eligible operation per processing pass. Rebase is
// called when the conflict resolver decides the local intent must be
// replayed on top of newer remote state.
type SyncConsumer interface {
	Deliver(ctx context.Context, op *model.PendingOperation) SyncResult
	Rebase(ctx context.Context, op *model.PendingOperation) (map[string]interface{}, error)
}

// EntityOrderingService grants at most one outstanding lease per entity key,
// so two operations against the same logical entity are never in flight
// concurrently and cannot reorder at the remote mirror.
type EntityOrderingService struct {
	mu     sync.Mutex
	leases map[string]string
}

func NewEntityOrderingService() *EntityOrderingService {
	return &EntityOrderingService{leases: make(map[string]string)}
}

// Acquire takes the lease for entityKey on behalf of operationID. An empty
// entity key never contends.
func (s *EntityOrderingService) Acquire(entityKey, operationID string) bool {
	if entityKey == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.leases[entityKey]; held {
		return false
	}
	s.leases[entityKey] = operationID
	return true
}

// Release returns the lease for entityKey.
func (s *EntityOrderingService) Release(entityKey string) {
	if entityKey == "" {
		return
	}
	s.mu.Lock()
	delete(s.leases, entityKey)
	s.mu.Unlock()
}

// ProcessorState is the queue processor's lifecycle state.
type ProcessorState string

const (
	StateIdle       ProcessorState = "idle"
	StateProcessing ProcessorState = "processing"
	StateBlocked    ProcessorState = "blocked"
	StatePaused     ProcessorState = "paused"
)

// QueueProcessor drains the pending queue in the background: dequeue
// eligible operations, hand each to the sync consumer, route the outcome
// through backoff, poison conversion or the conflict resolver. It suspends
// between batches rather than busy-looping.
type QueueProcessor struct {
	queue    *PendingQueue
	consumer SyncConsumer
	locker   *advlock.Locker
	ordering *EntityOrderingService
	metrics  *telemetry.Metrics

	mu     sync.Mutex
	state  ProcessorState
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewQueueProcessor wires the processor. The advisory locker mediates which
// OS process may run it when both a background task and the foreground app
// could.
func NewQueueProcessor(queue *PendingQueue, consumer SyncConsumer, locker *advlock.Locker, metrics *telemetry.Metrics) *QueueProcessor {
	return &QueueProcessor{
		queue:    queue,
		consumer: consumer,
		locker:   locker,
		ordering: NewEntityOrderingService(),
		metrics:  metrics,
		state:    StateIdle,
	}
}

// State returns the current lifecycle state.
func (p *QueueProcessor) State() ProcessorState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start acquires the advisory lock and launches the background loop.
// Re-entrant Start while already processing is rejected, not queued. If
// another process holds the lock the processor parks in blocked state.
func (p *QueueProcessor) Start(ctx context.Context) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}
	heartbeatTimeout := time.Duration(cfg.Lock.HeartbeatTimeoutSec) * time.Second
	heartbeatInterval := time.Duration(cfg.Lock.HeartbeatIntervalSec) * time.Second

	p.mu.Lock()
	if p.state == StateProcessing || p.state == StatePaused {
		p.mu.Unlock()
		return errors.Errorf("queue processor already started (state %s)", p.state)
	}

	if err := p.locker.Lock(ctx, heartbeatTimeout); err != nil {
		p.state = StateBlocked
		p.mu.Unlock()
		return errors.Wrap(err, "advisory lock held elsewhere")
	}

	p.state = StateProcessing
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, heartbeatInterval)
	}()

	logrus.Info("queue processor started")
	return nil
}

// Stop halts the loop, waits for the in-flight pass, and releases the lock.
func (p *QueueProcessor) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.state != StateProcessing && p.state != StatePaused {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()

	if err := p.locker.Unlock(ctx); err != nil {
		logrus.WithError(err).Warn("releasing advisory lock")
	}

	p.mu.Lock()
	p.state = StateIdle
	p.mu.Unlock()
	logrus.Info("queue processor stopped")
}

// Pause suspends processing without releasing the lock. Used by the host
// when the network is known to be down.
func (p *QueueProcessor) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateProcessing {
		p.state = StatePaused
	}
}

// Resume continues processing after a Pause.
func (p *QueueProcessor) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StatePaused {
		p.state = StateProcessing
	}
}

func (p *QueueProcessor) run(ctx context.Context, heartbeatInterval time.Duration) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	// Idle polling backs off exponentially while the queue is empty and
	// resets as soon as a pass does work.
	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = 500 * time.Millisecond
	idle.MaxInterval = 30 * time.Second
	idle.MaxElapsedTime = 0

	wait := time.NewTimer(idle.NextBackOff())
	defer wait.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-heartbeat.C:
			if err := p.locker.Heartbeat(ctx); err != nil {
				logrus.WithError(err).Error("lost advisory lock, stopping processor loop")
				p.mu.Lock()
				p.state = StateBlocked
				p.mu.Unlock()
				return
			}
		case <-wait.C:
			if p.State() == StatePaused {
				wait.Reset(idle.NextBackOff())
				continue
			}
			processed, err := p.ProcessOnce(ctx)
			if err != nil {
				logrus.WithError(err).Error("queue pass failed")
			}
			if processed > 0 {
				idle.Reset()
			}
			wait.Reset(idle.NextBackOff())
		}
	}
}

// ProcessOnce runs a single processing pass: one batch of eligible
// operations, in enqueue order, each delivered at most once. Operations
// whose entity key is already leased are skipped this round and picked up
// on a later pass, never reordered ahead of older eligible work.
//
// Returns:
// - int: The number of operations whose delivery was attempted.
// - error: A typed storage error if the pass could not read the queue.
func (p *QueueProcessor) ProcessOnce(ctx context.Context) (int, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return 0, err
	}

	ops, err := p.queue.DequeueEligible(ctx, cfg.Queue.BatchSize)
	if err != nil {
		return 0, err
	}

	attempted := 0
	for _, op := range ops {
		if !p.ordering.Acquire(op.EntityKey, op.OperationID) {
			// Another operation for this entity is in flight; deferred, not
			// backed off.
			continue
		}
		p.deliverOne(ctx, op)
		p.ordering.Release(op.EntityKey)
		attempted++
	}

	p.publishGauges(ctx)
	return attempted, nil
}

func (p *QueueProcessor) deliverOne(ctx context.Context, op *model.PendingOperation) {
	if err := p.queue.MarkProcessing(ctx, op.OperationID); err != nil {
		logrus.WithField("operation_id", op.OperationID).WithError(err).Error("marking operation processing")
		return
	}

	result := p.consumer.Deliver(ctx, op)

	var err error
	switch result.Status {
	case SyncSuccess:
		err = p.queue.MarkSuccess(ctx, op.OperationID)

	case SyncTransientFailure:
		err = p.queue.MarkFailed(ctx, op.OperationID, errors.New(result.Reason))

	case SyncPermanentFailure:
		err = p.queue.ForcePoison(ctx, op.OperationID, "permanent_failure", result.Reason)

	case SyncConflict:
		var rejection RemoteRejection
		if result.Rejection != nil {
			rejection = *result.Rejection
		}
		err = p.resolve(ctx, op, rejection)

	default:
		err = p.queue.MarkFailed(ctx, op.OperationID, errors.Errorf("unknown sync status %q", result.Status))
	}

	if err != nil && !isPoisonNotice(err) {
		logrus.WithFields(logrus.Fields{
			"operation_id":  op.OperationID,
			"status":        result.Status,
			"failure_class": storeerr.ClassOf(err).String(),
		}).WithError(err).Error("recording delivery outcome")
	}
}

func (p *QueueProcessor) resolve(ctx context.Context, op *model.PendingOperation, rejection RemoteRejection) error {
	resolution := ResolveConflict(op, rejection)

	logrus.WithFields(logrus.Fields{
		"operation_id": op.OperationID,
		"kind":         rejection.Kind,
		"action":       resolution.Action,
	}).Info("conflict resolved")

	switch resolution.Action {
	case ActionTreatSuccess:
		return p.queue.MarkSuccess(ctx, op.OperationID)

	case ActionRebase:
		payload, err := p.consumer.Rebase(ctx, op)
		if err != nil {
			return p.queue.MarkFailed(ctx, op.OperationID, errors.Wrap(err, "rebase failed"))
		}
		return p.queue.ReplacePayload(ctx, op.OperationID, payload)

	case ActionPoison, ActionManualReview:
		return p.queue.ForcePoison(ctx, op.OperationID, resolution.Code, resolution.Reason)

	default:
		return p.queue.ForcePoison(ctx, op.OperationID, "unclassified_conflict", resolution.Reason)
	}
}

// isPoisonNotice filters the expected quarantine notice out of error logs;
// the conversion itself already logged at Warn.
func isPoisonNotice(err error) bool {
	return storeerr.Is(err, storeerr.ErrPoisonThresholdExceeded)
}

func (p *QueueProcessor) publishGauges(ctx context.Context) {
	if depth, err := p.queue.Depth(ctx); err == nil {
		p.metrics.SetQueueDepth(ctx, depth)
	}
	if poison, err := p.queue.PoisonCount(ctx); err == nil {
		p.metrics.SetPoisonCount(ctx, poison)
	}
}
