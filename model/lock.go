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

package model

import (
	"fmt"
	"time"
)

// AdvisoryLock is a TTL bounded mutual exclusion record keyed by cycle.
type AdvisoryLock struct {
	Key        string    `json:"key"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Remaining is the time left before the lock expires, measured from now.
func (l AdvisoryLock) Remaining(now time.Time) time.Duration {
	if now.After(l.ExpiresAt) {
		return 0
	}
	return l.ExpiresAt.Sub(now)
}

// LockHeldError is returned when another holder owns a live lock for the key.
type LockHeldError struct {
	Key       string
	Holder    string
	Remaining time.Duration
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("lock for key %s is already held, try again in %s", e.Key, e.Remaining.Round(time.Second))
}

// DisbursementLockKey is the advisory lock key guarding one cycle.
func DisbursementLockKey(cycleSettingID int64) string {
	return fmt.Sprintf("disbursement:%d", cycleSettingID)
}
