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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/disburse/internal/apierror"
	"github.com/blnkfinance/disburse/model"
	"go.opentelemetry.io/otel"
)

// AcquireLock takes key when it is free or its previous holder's TTL has run out.
// The insert and the expiry check are a single statement, so two callers can never both win.
func (d Datasource) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (*model.AdvisoryLock, error) {
	ctx, span := otel.Tracer("Advisory lock").Start(ctx, "Acquiring advisory lock")
	defer span.End()

	now := time.Now().UTC()
	lock := &model.AdvisoryLock{Key: key, Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl)}

	var acquiredKey string
	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO disburse.advisory_locks (lock_key, holder, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (lock_key) DO UPDATE
			SET holder = EXCLUDED.holder, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
			WHERE disburse.advisory_locks.expires_at <= EXCLUDED.acquired_at
		RETURNING lock_key`,
		key, holder, lock.AcquiredAt, lock.ExpiresAt,
	).Scan(&acquiredKey)
	if err == nil {
		return lock, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to acquire advisory lock", err)
	}

	held := &model.LockHeldError{Key: key}
	var expiresAt time.Time
	err = d.Conn.QueryRowContext(ctx,
		`SELECT holder, expires_at FROM disburse.advisory_locks WHERE lock_key = $1`, key,
	).Scan(&held.Holder, &expiresAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read advisory lock", err)
	}
	if err == nil {
		held.Remaining = model.AdvisoryLock{ExpiresAt: expiresAt}.Remaining(now)
	}
	return nil, held
}

// ReleaseLock only removes the row when holder still owns it.
func (d Datasource) ReleaseLock(ctx context.Context, key, holder string) error {
	ctx, span := otel.Tracer("Advisory lock").Start(ctx, "Releasing advisory lock")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `DELETE FROM disburse.advisory_locks WHERE lock_key = $1 AND holder = $2`, key, holder)
	if err != nil {
		span.RecordError(err)
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release advisory lock", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release advisory lock", err)
	}
	if affected == 0 {
		return fmt.Errorf("unlock failed, either lock expired or you're not the lock holder for key %s", key)
	}
	return nil
}

func (d Datasource) GetActiveAdvisoryLocks(ctx context.Context) ([]model.AdvisoryLock, error) {
	ctx, span := otel.Tracer("Advisory lock").Start(ctx, "Fetching active advisory locks")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx,
		`SELECT lock_key, holder, acquired_at, expires_at FROM disburse.advisory_locks WHERE expires_at > $1 ORDER BY acquired_at`,
		time.Now().UTC())
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve advisory locks", err)
	}
	defer rows.Close()

	locks := []model.AdvisoryLock{}
	for rows.Next() {
		var l model.AdvisoryLock
		if err := rows.Scan(&l.Key, &l.Holder, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan advisory lock", err)
		}
		locks = append(locks, l)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve advisory locks", err)
	}
	return locks, nil
}
