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

	"github.com/blnkfinance/disburse/internal/apierror"
	"github.com/blnkfinance/disburse/model"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
)

const winnerColumns = `id, cycle_setting_id, user_id, paypal_email, payout_status, payout_override, payout_final,
	is_sealed, notification_displayed, updated_at`

func scanWinner(row rowScanner) (*model.WinnerSelection, error) {
	w := &model.WinnerSelection{}
	var override decimal.NullDecimal
	err := row.Scan(&w.ID, &w.CycleSettingID, &w.UserID, &w.PaypalEmail, &w.PayoutStatus, &override, &w.PayoutFinal,
		&w.IsSealed, &w.NotificationDisplayed, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if override.Valid {
		w.PayoutOverride = &override.Decimal
	}
	return w, nil
}

func (d Datasource) GetWinnerSelectionByID(ctx context.Context, id int64) (*model.WinnerSelection, error) {
	ctx, span := otel.Tracer("Winner selection").Start(ctx, "Fetching winner selection by id")
	defer span.End()

	w, err := scanWinner(d.Conn.QueryRowContext(ctx, `SELECT `+winnerColumns+` FROM disburse.cycle_winner_selections WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Winner selection with ID '%d' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve winner selection", err)
	}
	return w, nil
}

func (d Datasource) queryWinners(ctx context.Context, query string, args ...interface{}) ([]*model.WinnerSelection, error) {
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve winner selections", err)
	}
	defer rows.Close()

	winners := []*model.WinnerSelection{}
	for rows.Next() {
		w, err := scanWinner(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan winner selection", err)
		}
		winners = append(winners, w)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve winner selections", err)
	}
	return winners, nil
}

// GetWinnerSelectionsByIDs only returns winners that belong to the cycle.
func (d Datasource) GetWinnerSelectionsByIDs(ctx context.Context, cycleID int64, ids []int64) ([]*model.WinnerSelection, error) {
	ctx, span := otel.Tracer("Winner selection").Start(ctx, "Fetching winner selections by ids")
	defer span.End()
	return d.queryWinners(ctx,
		`SELECT `+winnerColumns+` FROM disburse.cycle_winner_selections WHERE cycle_setting_id = $1 AND id = ANY($2) ORDER BY id`,
		cycleID, pq.Array(ids))
}

// GetEligibleWinnerSelections narrows in SQL; amount eligibility is checked by the caller.
func (d Datasource) GetEligibleWinnerSelections(ctx context.Context, cycleID int64) ([]*model.WinnerSelection, error) {
	ctx, span := otel.Tracer("Winner selection").Start(ctx, "Fetching eligible winner selections")
	defer span.End()
	return d.queryWinners(ctx, `SELECT `+winnerColumns+` FROM disburse.cycle_winner_selections
		WHERE cycle_setting_id = $1 AND is_sealed AND payout_status IN ('not_started', 'failed') AND paypal_email <> ''
		ORDER BY id`, cycleID)
}

func (d Datasource) UpdateWinnerPayoutStatus(ctx context.Context, id int64, status string) error {
	ctx, span := otel.Tracer("Winner selection").Start(ctx, "Updating winner payout status")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx,
		`UPDATE disburse.cycle_winner_selections SET payout_status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		span.RecordError(err)
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update winner payout status", err)
	}
	return expectAffected(result, fmt.Sprintf("Winner selection with ID '%d' not found", id))
}
