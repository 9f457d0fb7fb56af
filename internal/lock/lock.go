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

// Package advlock implements the cooperative advisory lock that mediates
// which process may run the queue processor. The lock is a record in the
// metadata store; a holder proves liveness by heartbeating, and a lock whose
// heartbeat has gone stale may be taken over.
package advlock

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/havenstore/haven/model"
)

// Backend is the slice of the metadata store the locker needs.
type Backend interface {
	GetLock(ctx context.Context, name string) (*model.LockRecord, error)
	PutLock(ctx context.Context, record *model.LockRecord) error
	DeleteLock(ctx context.Context, name string) error
}

type Locker struct {
	backend  Backend
	name     string
	holderID string // Used for ensuring that only the lock holder can unlock or heartbeat the lock
}

func NewLocker(backend Backend, name, holderID string) *Locker {
	return &Locker{
		backend:  backend,
		name:     name,
		holderID: holderID,
	}
}

// Lock acquires the advisory lock. A lock held by another process is only
// taken over when its heartbeat is older than heartbeatTimeout.
func (l *Locker) Lock(ctx context.Context, heartbeatTimeout time.Duration) error {
	now := time.Now()
	current, err := l.backend.GetLock(ctx, l.name)
	if err != nil {
		return err
	}
	if current != nil && current.HolderID != l.holderID && !current.Stale(now, heartbeatTimeout) {
		return fmt.Errorf("lock %s is already held by %s", l.name, current.HolderID)
	}
	if current != nil && current.HolderID != l.holderID {
		logrus.WithFields(logrus.Fields{
			"lock":        l.name,
			"stale_owner": current.HolderID,
		}).Warn("taking over stale advisory lock")
	}

	return l.backend.PutLock(ctx, &model.LockRecord{
		LockName:      l.name,
		HolderID:      l.holderID,
		AcquiredAt:    now,
		LastHeartbeat: now,
	})
}

// Heartbeat refreshes the holder's liveness timestamp.
func (l *Locker) Heartbeat(ctx context.Context) error {
	current, err := l.backend.GetLock(ctx, l.name)
	if err != nil {
		return err
	}
	if current == nil || current.HolderID != l.holderID {
		return fmt.Errorf("heartbeat failed, lock %s is no longer held by %s", l.name, l.holderID)
	}
	current.LastHeartbeat = time.Now()
	return l.backend.PutLock(ctx, current)
}

// Unlock releases the lock if this holder still owns it.
func (l *Locker) Unlock(ctx context.Context) error {
	current, err := l.backend.GetLock(ctx, l.name)
	if err != nil {
		return err
	}
	if current == nil || current.HolderID != l.holderID {
		return fmt.Errorf("unlock failed, either lock expired or you're not the lock holder for %s", l.name)
	}
	return l.backend.DeleteLock(ctx, l.name)
}

// WaitLock retries acquisition with exponential backoff until waitTimeout.
func (l *Locker) WaitLock(ctx context.Context, heartbeatTimeout, waitTimeout time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = waitTimeout

	return backoff.Retry(func() error {
		return l.Lock(ctx, heartbeatTimeout)
	}, backoff.WithContext(policy, ctx))
}
