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

package redlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blnkfinance/disburse/model"
	"github.com/redis/go-redis/v9"
)

const (
	unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"

	DefaultPrefix = "disburse:lock:"
)

// Locker guards a single key. value identifies the holder so only it can unlock or renew.
type Locker struct {
	client redis.UniversalClient
	key    string
	value  string
}

func NewLocker(client redis.UniversalClient, key, value string) *Locker {
	return &Locker{
		client: client,
		key:    key,
		value:  value,
	}
}

// Lock takes the key without waiting. When another holder owns it the returned
// error is a *model.LockHeldError carrying the remaining TTL.
func (l *Locker) Lock(ctx context.Context, timeout time.Duration) error {
	success, err := l.client.SetNX(ctx, l.key, l.value, timeout).Result()
	if err != nil {
		return err
	}
	if success {
		return nil
	}
	return l.heldError(ctx)
}

func (l *Locker) heldError(ctx context.Context) error {
	held := &model.LockHeldError{Key: l.key}
	holder, err := l.client.Get(ctx, l.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	held.Holder = holder
	remaining, err := l.client.PTTL(ctx, l.key).Result()
	if err != nil {
		return err
	}
	if remaining > 0 {
		held.Remaining = remaining
	}
	return held
}

func (l *Locker) Unlock(ctx context.Context) error {
	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("unlock failed, either lock expired or you're not the lock holder for key %s", l.key)
	}
	return nil
}

func (l *Locker) ExtendLock(ctx context.Context, extension time.Duration) error {
	result, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.value, fmt.Sprintf("%d", extension.Milliseconds())).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("lock extension failed for key %s, either lock expired or you're not the holder", l.key)
	}
	return nil
}

// AdvisoryLocks hands out per-key Lockers under a common prefix so live locks can be listed.
type AdvisoryLocks struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewAdvisoryLocks(client redis.UniversalClient) *AdvisoryLocks {
	return &AdvisoryLocks{client: client, prefix: DefaultPrefix, now: time.Now}
}

func (a *AdvisoryLocks) redisKey(key string) string {
	return a.prefix + key
}

func (a *AdvisoryLocks) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (*model.AdvisoryLock, error) {
	now := a.now()
	err := NewLocker(a.client, a.redisKey(key), holder).Lock(ctx, ttl)
	if err != nil {
		var held *model.LockHeldError
		if errors.As(err, &held) {
			held.Key = key
		}
		return nil, err
	}
	return &model.AdvisoryLock{Key: key, Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl)}, nil
}

func (a *AdvisoryLocks) ReleaseLock(ctx context.Context, key, holder string) error {
	return NewLocker(a.client, a.redisKey(key), holder).Unlock(ctx)
}

// GetActiveAdvisoryLocks scans the prefix. AcquiredAt is not tracked in Redis and is left zero.
func (a *AdvisoryLocks) GetActiveAdvisoryLocks(ctx context.Context) ([]model.AdvisoryLock, error) {
	var (
		cursor uint64
		locks  []model.AdvisoryLock
	)
	now := a.now()
	for {
		keys, next, err := a.client.Scan(ctx, cursor, a.prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			holder, err := a.client.Get(ctx, k).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, err
			}
			ttl, err := a.client.PTTL(ctx, k).Result()
			if err != nil {
				return nil, err
			}
			if ttl <= 0 {
				continue
			}
			locks = append(locks, model.AdvisoryLock{
				Key:       strings.TrimPrefix(k, a.prefix),
				Holder:    holder,
				ExpiresAt: now.Add(ttl),
			})
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return locks, nil
}
