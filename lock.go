/*
Copyright 2024 Blnk Finance Authors.

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

package disburse

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/blnkfinance/disburse/model"
	"github.com/sirupsen/logrus"
)

const reconcileLockTTL = 5 * time.Minute

func reconcileLockKey(batchID int64) string {
	return fmt.Sprintf("reconcile:%d", batchID)
}

// lockHolder names the owner of a lock so only that owner can release it.
func lockHolder(prefix string) string {
	return model.GenerateUUIDWithSuffix(prefix)
}

// releaseLock always runs, even when the caller's context is already cancelled.
func (d *Disburse) releaseLock(ctx context.Context, key, holder string) {
	if err := d.locker.ReleaseLock(context.WithoutCancel(ctx), key, holder); err != nil {
		logrus.WithFields(logrus.Fields{"lock_key": key, "holder": holder}).WithError(err).Warn("failed to release advisory lock")
	}
}

// withLock runs fn while holding key. Contention is returned as *model.LockHeldError
// without running fn.
func (d *Disburse) withLock(ctx context.Context, key, holder string, ttl time.Duration, fn func() error) error {
	if _, err := d.locker.AcquireLock(ctx, key, holder, ttl); err != nil {
		return err
	}
	defer d.releaseLock(ctx, key, holder)
	return fn()
}

// ActiveLocks lists the live advisory locks with the time they have left.
func (d *Disburse) ActiveLocks(ctx context.Context) ([]model.LockStatus, error) {
	locks, err := d.locker.GetActiveAdvisoryLocks(ctx)
	if err != nil {
		return nil, err
	}
	now := d.clock()
	statuses := make([]model.LockStatus, 0, len(locks))
	for _, l := range locks {
		remaining := l.Remaining(now)
		if remaining <= 0 {
			continue
		}
		statuses = append(statuses, model.LockStatus{
			Key:              l.Key,
			Holder:           l.Holder,
			ExpiresAt:        l.ExpiresAt,
			RemainingSeconds: retryAfterSeconds(remaining),
		})
	}
	return statuses, nil
}

func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
