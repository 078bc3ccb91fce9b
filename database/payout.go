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
	"strings"

	"github.com/blnkfinance/disburse/internal/apierror"
	"github.com/blnkfinance/disburse/model"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

const batchColumns = `id, cycle_setting_id, sender_batch_id, request_checksum, status, paypal_batch_id,
	total_amount, total_recipients, currency, admin_id, retry_count, last_retry_at, last_retry_error,
	requires_reconciliation, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBatch(row rowScanner) (*model.PayoutBatch, error) {
	batch := &model.PayoutBatch{}
	var (
		paypalBatchID  sql.NullString
		lastRetryAt    sql.NullTime
		lastRetryError sql.NullString
	)
	err := row.Scan(
		&batch.ID, &batch.CycleSettingID, &batch.SenderBatchID, &batch.RequestChecksum, &batch.Status, &paypalBatchID,
		&batch.TotalAmount, &batch.TotalRecipients, &batch.Currency, &batch.AdminID, &batch.RetryCount, &lastRetryAt, &lastRetryError,
		&batch.RequiresReconciliation, &batch.CreatedAt, &batch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if paypalBatchID.Valid {
		batch.PaypalBatchID = &paypalBatchID.String
	}
	if lastRetryAt.Valid {
		batch.LastRetryAt = &lastRetryAt.Time
	}
	if lastRetryError.Valid {
		batch.LastRetryError = &lastRetryError.String
	}
	return batch, nil
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func insertPayoutBatch(ctx context.Context, q queryRower, batch *model.PayoutBatch) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO disburse.payout_batches (
			cycle_setting_id, sender_batch_id, request_checksum, status, total_amount,
			total_recipients, currency, admin_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`,
		batch.CycleSettingID, batch.SenderBatchID, batch.RequestChecksum, batch.Status, batch.TotalAmount,
		batch.TotalRecipients, batch.Currency, batch.AdminID,
	).Scan(&batch.ID, &batch.CreatedAt, &batch.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.NewAPIError(apierror.ErrConflict, "a payout batch with this sender batch id already exists", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create payout batch", err)
	}
	return nil
}

// CreatePayoutBatchWithItems records a batch and all of its items in one transaction.
func (d Datasource) CreatePayoutBatchWithItems(ctx context.Context, batch *model.PayoutBatch, items []*model.PayoutBatchItem) (*model.PayoutBatch, []*model.PayoutBatchItem, error) {
	ctx, span := otel.Tracer("Payout batch").Start(ctx, "Saving payout batch with items to db")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		if err != nil {
			span.RecordError(err)
			_ = tx.Rollback()
		}
	}()

	if err = insertPayoutBatch(ctx, tx, batch); err != nil {
		return nil, nil, err
	}
	if err = insertPayoutBatchItems(ctx, tx, batch.ID, items); err != nil {
		return nil, nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit payout batch", err)
	}
	return batch, items, nil
}

func (d Datasource) GetPayoutBatchByID(ctx context.Context, id int64) (*model.PayoutBatch, error) {
	ctx, span := otel.Tracer("Payout batch").Start(ctx, "Fetching payout batch by id")
	defer span.End()

	batch, err := scanBatch(d.Conn.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM disburse.payout_batches WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Payout batch with ID '%d' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payout batch", err)
	}
	return batch, nil
}

// findOne returns nil, nil when no row matches.
func (d Datasource) findOne(ctx context.Context, where string, args ...interface{}) (*model.PayoutBatch, error) {
	batch, err := scanBatch(d.Conn.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM disburse.payout_batches WHERE `+where+` ORDER BY created_at DESC, id DESC LIMIT 1`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payout batch", err)
	}
	return batch, nil
}

func (d Datasource) GetPayoutBatchByChecksum(ctx context.Context, checksum string) (*model.PayoutBatch, error) {
	ctx, span := otel.Tracer("Payout batch").Start(ctx, "Fetching payout batch by checksum")
	defer span.End()
	return d.findOne(ctx, "request_checksum = $1", checksum)
}

func (d Datasource) GetPayoutBatchByPaypalBatchID(ctx context.Context, paypalBatchID string) (*model.PayoutBatch, error) {
	ctx, span := otel.Tracer("Payout batch").Start(ctx, "Fetching payout batch by paypal batch id")
	defer span.End()
	return d.findOne(ctx, "paypal_batch_id = $1", paypalBatchID)
}

// CheckExistingBatch returns the most recent batch sharing either idempotency field.
func (d Datasource) CheckExistingBatch(ctx context.Context, senderBatchID, checksum string) (*model.PayoutBatch, error) {
	ctx, span := otel.Tracer("Payout batch").Start(ctx, "Checking for existing payout batch")
	defer span.End()
	return d.findOne(ctx, "(sender_batch_id = $1 OR request_checksum = $2)", senderBatchID, checksum)
}

func (d Datasource) UpdatePayoutBatch(ctx context.Context, id int64, patch model.PayoutBatchPatch) error {
	ctx, span := otel.Tracer("Payout batch").Start(ctx, "Updating payout batch")
	defer span.End()

	if patch.IsEmpty() {
		return nil
	}

	var (
		sets []string
		args []interface{}
	)
	set := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Status != nil {
		set("status", *patch.Status)
	}
	if patch.PaypalBatchID != nil {
		set("paypal_batch_id", *patch.PaypalBatchID)
	}
	if patch.RetryCount != nil {
		set("retry_count", *patch.RetryCount)
	}
	if patch.LastRetryAt != nil {
		set("last_retry_at", *patch.LastRetryAt)
	}
	if patch.LastRetryError != nil {
		set("last_retry_error", *patch.LastRetryError)
	}
	if patch.RequiresReconciliation != nil {
		set("requires_reconciliation", *patch.RequiresReconciliation)
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE disburse.payout_batches SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	result, err := d.Conn.ExecContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update payout batch", err)
	}
	return expectAffected(result, fmt.Sprintf("Payout batch with ID '%d' not found", id))
}

// DeletePayoutBatch removes a batch. Items must be deleted first.
func (d Datasource) DeletePayoutBatch(ctx context.Context, id int64) error {
	ctx, span := otel.Tracer("Payout batch").Start(ctx, "Deleting payout batch")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `DELETE FROM disburse.payout_batches WHERE id = $1`, id)
	if err != nil {
		span.RecordError(err)
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete payout batch", err)
	}
	return nil
}

func (d Datasource) queryBatches(ctx context.Context, query string, args ...interface{}) ([]*model.PayoutBatch, error) {
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payout batches", err)
	}
	defer rows.Close()

	batches := []*model.PayoutBatch{}
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan payout batch", err)
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payout batches", err)
	}
	return batches, nil
}

func (d Datasource) GetPayoutBatchesByCycle(ctx context.Context, cycleID int64) ([]*model.PayoutBatch, error) {
	ctx, span := otel.Tracer("Payout batch").Start(ctx, "Fetching payout batches by cycle")
	defer span.End()
	return d.queryBatches(ctx,
		`SELECT `+batchColumns+` FROM disburse.payout_batches WHERE cycle_setting_id = $1 ORDER BY created_at DESC, id DESC`, cycleID)
}

func (d Datasource) GetPayoutBatchesByStatus(ctx context.Context, statuses []string, limit int) ([]*model.PayoutBatch, error) {
	ctx, span := otel.Tracer("Payout batch").Start(ctx, "Fetching payout batches by status")
	defer span.End()
	return d.queryBatches(ctx,
		`SELECT `+batchColumns+` FROM disburse.payout_batches WHERE status = ANY($1) ORDER BY updated_at ASC, id ASC LIMIT $2`,
		pq.Array(statuses), limit)
}

func (d Datasource) GetPayoutBatchSummary(ctx context.Context) (*model.PayoutSummary, error) {
	ctx, span := otel.Tracer("Payout batch").Start(ctx, "Summarizing payout batches")
	defer span.End()

	summary := &model.PayoutSummary{CountsByStatus: map[string]int{}}
	rows, err := d.Conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM disburse.payout_batches GROUP BY status`)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to summarize payout batches", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to summarize payout batches", err)
		}
		summary.CountsByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to summarize payout batches", err)
	}

	err = d.Conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COALESCE(SUM(amount), 0) FROM disburse.payout_batch_items WHERE status = 'success'),
			(SELECT COUNT(*) FROM disburse.payout_batches WHERE requires_reconciliation),
			(SELECT COUNT(DISTINCT b.id) FROM disburse.payout_batches b
				JOIN disburse.payout_batch_items i ON i.batch_id = b.id
				WHERE b.status IN ('completed', 'partially_completed') AND i.status = 'failed')`,
	).Scan(&summary.TotalPaidOut, &summary.RequiresReconciliation, &summary.RetryableBatches)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to summarize payout batches", err)
	}
	return summary, nil
}

func expectAffected(result sql.Result, notFound string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, notFound, nil)
	}
	return nil
}
