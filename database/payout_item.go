package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/blnkfinance/disburse/internal/apierror"
	"github.com/blnkfinance/disburse/model"
	"go.opentelemetry.io/otel"
)

const itemColumns = `id, batch_id, cycle_winner_selection_id, user_id, paypal_email, amount, currency, status,
	paypal_item_id, error_code, error_message, processed_at`

func scanItem(row rowScanner) (*model.PayoutBatchItem, error) {
	item := &model.PayoutBatchItem{}
	var (
		paypalItemID sql.NullString
		errorCode    sql.NullString
		errorMessage sql.NullString
		processedAt  sql.NullTime
	)
	err := row.Scan(&item.ID, &item.BatchID, &item.CycleWinnerSelectionID, &item.UserID, &item.PaypalEmail, &item.Amount,
		&item.Currency, &item.Status, &paypalItemID, &errorCode, &errorMessage, &processedAt)
	if err != nil {
		return nil, err
	}
	if paypalItemID.Valid {
		item.PaypalItemID = &paypalItemID.String
	}
	if errorCode.Valid {
		item.ErrorCode = &errorCode.String
	}
	if errorMessage.Valid {
		item.ErrorMessage = &errorMessage.String
	}
	if processedAt.Valid {
		item.ProcessedAt = &processedAt.Time
	}
	return item, nil
}

func insertPayoutBatchItems(ctx context.Context, q queryRower, batchID int64, items []*model.PayoutBatchItem) error {
	for _, item := range items {
		item.BatchID = batchID
		err := q.QueryRowContext(ctx, `
			INSERT INTO disburse.payout_batch_items (
				batch_id, cycle_winner_selection_id, user_id, paypal_email, amount, currency, status
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			batchID, item.CycleWinnerSelectionID, item.UserID, item.PaypalEmail, item.Amount, item.Currency, item.Status,
		).Scan(&item.ID)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create payout batch item", err)
		}
	}
	return nil
}

func (d Datasource) GetPayoutBatchItemsByBatchID(ctx context.Context, batchID int64) ([]*model.PayoutBatchItem, error) {
	ctx, span := otel.Tracer("Payout batch item").Start(ctx, "Fetching payout batch items")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `SELECT `+itemColumns+` FROM disburse.payout_batch_items WHERE batch_id = $1 ORDER BY id`, batchID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payout batch items", err)
	}
	defer rows.Close()

	items := []*model.PayoutBatchItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan payout batch item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve payout batch items", err)
	}
	return items, nil
}

func (d Datasource) UpdatePayoutBatchItem(ctx context.Context, id int64, patch model.PayoutBatchItemPatch) error {
	ctx, span := otel.Tracer("Payout batch item").Start(ctx, "Updating payout batch item")
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
	if patch.PaypalItemID != nil {
		set("paypal_item_id", *patch.PaypalItemID)
	}
	if patch.ErrorCode != nil {
		set("error_code", *patch.ErrorCode)
	}
	if patch.ErrorMessage != nil {
		set("error_message", *patch.ErrorMessage)
	}
	if patch.ProcessedAt != nil {
		set("processed_at", *patch.ProcessedAt)
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE disburse.payout_batch_items SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	result, err := d.Conn.ExecContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update payout batch item", err)
	}
	return expectAffected(result, fmt.Sprintf("Payout batch item with ID '%d' not found", id))
}

func (d Datasource) DeletePayoutBatchItems(ctx context.Context, batchID int64) error {
	ctx, span := otel.Tracer("Payout batch item").Start(ctx, "Deleting payout batch items")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `DELETE FROM disburse.payout_batch_items WHERE batch_id = $1`, batchID)
	if err != nil {
		span.RecordError(err)
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete payout batch items", err)
	}
	return nil
}
