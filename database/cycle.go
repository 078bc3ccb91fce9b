package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/blnkfinance/disburse/internal/apierror"
	"github.com/blnkfinance/disburse/model"
	"go.opentelemetry.io/otel"
)

func (d Datasource) GetCycleByID(ctx context.Context, id int64) (*model.Cycle, error) {
	ctx, span := otel.Tracer("Cycle").Start(ctx, "Fetching cycle by id")
	defer span.End()

	c := &model.Cycle{}
	var completedAt sql.NullTime
	err := d.Conn.QueryRowContext(ctx,
		`SELECT id, name, status, completed_at FROM disburse.cycle_settings WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Status, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Cycle with ID '%d' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve cycle", err)
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return c, nil
}

// MarkCycleAsCompleted is a no-op for cycles that are already completed.
func (d Datasource) MarkCycleAsCompleted(ctx context.Context, id int64) error {
	ctx, span := otel.Tracer("Cycle").Start(ctx, "Marking cycle as completed")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx,
		`UPDATE disburse.cycle_settings SET status = 'completed', completed_at = NOW() WHERE id = $1 AND status <> 'completed'`, id)
	if err != nil {
		span.RecordError(err)
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark cycle as completed", err)
	}
	return nil
}

// CreateUserRewards writes one reward per winner selection; rewards already present are skipped.
func (d Datasource) CreateUserRewards(ctx context.Context, rewards []*model.UserReward) (int, error) {
	ctx, span := otel.Tracer("Cycle").Start(ctx, "Saving user rewards")
	defer span.End()

	if len(rewards) == 0 {
		return 0, nil
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	inserted := 0
	for _, r := range rewards {
		var result sql.Result
		result, err = tx.ExecContext(ctx, `
			INSERT INTO disburse.user_rewards (
				user_id, cycle_setting_id, cycle_winner_selection_id, payout_batch_item_id, amount, currency
			) VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (cycle_winner_selection_id) DO NOTHING`,
			r.UserID, r.CycleSettingID, r.CycleWinnerSelectionID, r.PayoutBatchItemID, r.Amount, r.Currency)
		if err != nil {
			span.RecordError(err)
			return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create user reward", err)
		}
		var n int64
		n, err = result.RowsAffected()
		if err != nil {
			return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
		}
		inserted += int(n)
	}

	if err = tx.Commit(); err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit user rewards", err)
	}
	return inserted, nil
}
