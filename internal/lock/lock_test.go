package redlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blnkfinance/disburse/model"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocker_Lock_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "test-key", "test-value")

	mock.ExpectSetNX("test-key", "test-value", 5*time.Second).SetVal(true)

	err := locker.Lock(context.Background(), 5*time.Second)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Lock_Held(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "test-key", "test-value")

	mock.ExpectSetNX("test-key", "test-value", 5*time.Second).SetVal(false)
	mock.ExpectGet("test-key").SetVal("other-holder")
	mock.ExpectPTTL("test-key").SetVal(3 * time.Second)

	err := locker.Lock(context.Background(), 5*time.Second)
	var held *model.LockHeldError
	require.True(t, errors.As(err, &held))
	assert.Equal(t, "other-holder", held.Holder)
	assert.Equal(t, 3*time.Second, held.Remaining)
	assert.EqualError(t, err, "lock for key test-key is already held, try again in 3s")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Unlock_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "test-key", "test-value")

	mock.ExpectEval(unlockScript, []string{"test-key"}, "test-value").SetVal(int64(1))

	err := locker.Unlock(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Unlock_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "test-key", "test-value")

	mock.ExpectEval(unlockScript, []string{"test-key"}, "test-value").SetVal(int64(0))

	err := locker.Unlock(context.Background())
	assert.EqualError(t, err, "unlock failed, either lock expired or you're not the lock holder for key test-key")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_ExtendLock(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "test-key", "test-value")

	mock.ExpectEval(extendScript, []string{"test-key"}, "test-value", "5000").SetVal(int64(1))
	assert.NoError(t, locker.ExtendLock(context.Background(), 5*time.Second))

	mock.ExpectEval(extendScript, []string{"test-key"}, "test-value", "5000").SetVal(int64(0))
	err := locker.ExtendLock(context.Background(), 5*time.Second)
	assert.EqualError(t, err, "lock extension failed for key test-key, either lock expired or you're not the holder")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryLocks_AcquireAndRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locks := NewAdvisoryLocks(client)
	ctx := context.Background()

	lock, err := locks.AcquireLock(ctx, "disbursement:18", "holder-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "disbursement:18", lock.Key)
	assert.Equal(t, time.Minute, lock.ExpiresAt.Sub(lock.AcquiredAt))

	_, err = locks.AcquireLock(ctx, "disbursement:18", "holder-b", time.Minute)
	var held *model.LockHeldError
	require.True(t, errors.As(err, &held))
	assert.Equal(t, "disbursement:18", held.Key)
	assert.Equal(t, "holder-a", held.Holder)
	assert.True(t, held.Remaining > 0)

	// only the holder may release
	assert.Error(t, locks.ReleaseLock(ctx, "disbursement:18", "holder-b"))
	require.NoError(t, locks.ReleaseLock(ctx, "disbursement:18", "holder-a"))

	_, err = locks.AcquireLock(ctx, "disbursement:18", "holder-b", time.Minute)
	assert.NoError(t, err)
}

func TestAdvisoryLocks_ExpiredLockCanBeTaken(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locks := NewAdvisoryLocks(client)
	ctx := context.Background()

	_, err := locks.AcquireLock(ctx, "disbursement:7", "crashed", 10*time.Second)
	require.NoError(t, err)
	mr.FastForward(11 * time.Second)

	_, err = locks.AcquireLock(ctx, "disbursement:7", "next", 10*time.Second)
	assert.NoError(t, err)
}

func TestAdvisoryLocks_GetActive(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locks := NewAdvisoryLocks(client)
	ctx := context.Background()

	_, err := locks.AcquireLock(ctx, "disbursement:1", "a", time.Minute)
	require.NoError(t, err)
	_, err = locks.AcquireLock(ctx, "disbursement:2", "b", 2*time.Minute)
	require.NoError(t, err)
	require.NoError(t, client.Set(ctx, "unrelated", "x", 0).Err())

	active, err := locks.GetActiveAdvisoryLocks(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	holders := map[string]string{}
	for _, l := range active {
		holders[l.Key] = l.Holder
	}
	assert.Equal(t, map[string]string{"disbursement:1": "a", "disbursement:2": "b"}, holders)
}

func TestAdvisoryLocks_MutualExclusion(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locks := NewAdvisoryLocks(client)

	var (
		wg       sync.WaitGroup
		acquired int32
		rejected int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := locks.AcquireLock(context.Background(), "disbursement:42", model.GenerateUUIDWithSuffix("holder"), time.Minute)
			if err == nil {
				atomic.AddInt32(&acquired, 1)
				return
			}
			var held *model.LockHeldError
			if errors.As(err, &held) {
				atomic.AddInt32(&rejected, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), acquired)
	assert.Equal(t, int32(9), rejected)
}
