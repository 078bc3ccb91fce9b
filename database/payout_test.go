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
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/blnkfinance/disburse/internal/apierror"
	"github.com/blnkfinance/disburse/model"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"
)

var batchRowColumns = []string{"id", "cycle_setting_id", "sender_batch_id", "request_checksum", "status", "paypal_batch_id",
	"total_amount", "total_recipients", "currency", "admin_id", "retry_count", "last_retry_at", "last_retry_error",
	"requires_reconciliation", "created_at", "updated_at"}

func batchRow(rows *sqlmock.Rows, id int64, status string, paypalBatchID interface{}) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(id, 18, "cycle_18_abcdef0123456789", "checksum", status, paypalBatchID,
		8000, 2, "USD", 1, 0, nil, nil, false, now, now)
}

func TestInsertPayoutBatch_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	batch := &model.PayoutBatch{
		CycleSettingID: 18, SenderBatchID: "cycle_18_abcdef0123456789", RequestChecksum: "checksum",
		Status: model.BatchStatusIntent, TotalAmount: 8000, TotalRecipients: 2, Currency: "USD", AdminID: 1,
	}
	now := time.Now()

	mock.ExpectQuery("INSERT INTO disburse.payout_batches").
		WithArgs(batch.CycleSettingID, batch.SenderBatchID, batch.RequestChecksum, batch.Status, batch.TotalAmount,
			batch.TotalRecipients, batch.Currency, batch.AdminID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(42, now, now))

	require.NoError(t, insertPayoutBatch(context.Background(), db, batch))
	assert.Equal(t, int64(42), batch.ID)
	assert.Equal(t, now, batch.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPayoutBatch_Conflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("INSERT INTO disburse.payout_batches").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

	err = insertPayoutBatch(context.Background(), db, &model.PayoutBatch{})
	require.Error(t, err)
	assert.Equal(t, apierror.ErrConflict, err.(apierror.APIError).Code)
}

func TestInsertPayoutBatch_Fail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("INSERT INTO disburse.payout_batches").WillReturnError(fmt.Errorf("connection refused"))

	err = insertPayoutBatch(context.Background(), db, &model.PayoutBatch{})
	require.Error(t, err)
	assert.Equal(t, apierror.ErrInternalServer, err.(apierror.APIError).Code)
}

func TestCreatePayoutBatchWithItems_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO disburse.payout_batches").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(42, now, now))
	mock.ExpectQuery("INSERT INTO disburse.payout_batch_items").
		WithArgs(int64(42), int64(101), int64(1), "a@example.com", int64(5000), "USD", model.ItemStatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO disburse.payout_batch_items").
		WithArgs(int64(42), int64(102), int64(2), "b@example.com", int64(3000), "USD", model.ItemStatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectCommit()

	batch, items, err := ds.CreatePayoutBatchWithItems(context.Background(),
		&model.PayoutBatch{CycleSettingID: 18, SenderBatchID: "cycle_18_abcdef0123456789", Status: model.BatchStatusIntent}, testItems())
	require.NoError(t, err)
	assert.Equal(t, int64(42), batch.ID)
	require.Len(t, items, 2)
	assert.Equal(t, int64(42), items[0].BatchID)
	assert.Equal(t, int64(2), items[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePayoutBatchWithItems_ItemFailureLeavesNoBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO disburse.payout_batches").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(42, now, now))
	mock.ExpectQuery("INSERT INTO disburse.payout_batch_items").WillReturnError(fmt.Errorf("check constraint violated"))
	mock.ExpectRollback()

	batch, items, err := ds.CreatePayoutBatchWithItems(context.Background(), &model.PayoutBatch{}, testItems())
	require.Error(t, err)
	assert.Nil(t, batch)
	assert.Nil(t, items)
	assert.Equal(t, apierror.ErrInternalServer, err.(apierror.APIError).Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePayoutBatchWithItems_Conflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO disburse.payout_batches").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	_, _, err = ds.CreatePayoutBatchWithItems(context.Background(), &model.PayoutBatch{}, testItems())
	require.Error(t, err)
	assert.Equal(t, apierror.ErrConflict, err.(apierror.APIError).Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPayoutBatchByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("SELECT (.+) FROM disburse.payout_batches WHERE id =").
		WithArgs(int64(42)).
		WillReturnRows(batchRow(sqlmock.NewRows(batchRowColumns), 42, model.BatchStatusCompleted, "PB-1"))

	batch, err := ds.GetPayoutBatchByID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), batch.ID)
	assert.Equal(t, model.BatchStatusCompleted, batch.Status)
	require.NotNil(t, batch.PaypalBatchID)
	assert.Equal(t, "PB-1", *batch.PaypalBatchID)
	assert.Nil(t, batch.LastRetryAt)
}

func TestGetPayoutBatchByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("SELECT (.+) FROM disburse.payout_batches WHERE id =").
		WithArgs(int64(7)).
		WillReturnError(sql.ErrNoRows)

	_, err = ds.GetPayoutBatchByID(context.Background(), 7)
	require.Error(t, err)
	assert.Equal(t, apierror.ErrNotFound, err.(apierror.APIError).Code)
}

func TestCheckExistingBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery(`WHERE \(sender_batch_id = \$1 OR request_checksum = \$2\) ORDER BY created_at DESC`).
		WithArgs("cycle_18_abcdef0123456789", "checksum").
		WillReturnRows(batchRow(sqlmock.NewRows(batchRowColumns), 3, model.BatchStatusProcessing, nil))

	batch, err := ds.CheckExistingBatch(context.Background(), "cycle_18_abcdef0123456789", "checksum")
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, int64(3), batch.ID)
	assert.Nil(t, batch.PaypalBatchID)
}

func TestCheckExistingBatch_None(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("SELECT (.+) FROM disburse.payout_batches WHERE").
		WillReturnRows(sqlmock.NewRows(batchRowColumns))

	batch, err := ds.CheckExistingBatch(context.Background(), "x", "y")
	assert.NoError(t, err)
	assert.Nil(t, batch)
}

func TestGetPayoutBatchByPaypalBatchID_None(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("WHERE paypal_batch_id =").WithArgs("PB-404").WillReturnRows(sqlmock.NewRows(batchRowColumns))

	batch, err := ds.GetPayoutBatchByPaypalBatchID(context.Background(), "PB-404")
	assert.NoError(t, err)
	assert.Nil(t, batch)
}

func TestUpdatePayoutBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec(`UPDATE disburse.payout_batches SET status = \$1, paypal_batch_id = \$2, requires_reconciliation = \$3, updated_at = NOW\(\) WHERE id = \$4`).
		WithArgs(model.BatchStatusFailed, "PB-9", true, int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.UpdatePayoutBatch(context.Background(), 9, model.PayoutBatchPatch{
		Status:                 ptr.String(model.BatchStatusFailed),
		PaypalBatchID:          ptr.String("PB-9"),
		RequiresReconciliation: ptr.Bool(true),
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePayoutBatch_EmptyPatchSkipsQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	assert.NoError(t, ds.UpdatePayoutBatch(context.Background(), 9, model.PayoutBatchPatch{}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePayoutBatch_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec("UPDATE disburse.payout_batches").WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.UpdatePayoutBatch(context.Background(), 9, model.PayoutBatchPatch{Status: ptr.String(model.BatchStatusProcessing)})
	require.Error(t, err)
	assert.Equal(t, apierror.ErrNotFound, err.(apierror.APIError).Code)
}

func TestDeletePayoutBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectExec("DELETE FROM disburse.payout_batches WHERE id =").WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, ds.DeletePayoutBatch(context.Background(), 5))

	mock.ExpectExec("DELETE FROM disburse.payout_batches WHERE id =").WithArgs(int64(6)).WillReturnError(fmt.Errorf("fk violation"))
	err = ds.DeletePayoutBatch(context.Background(), 6)
	require.Error(t, err)
	assert.Equal(t, apierror.ErrInternalServer, err.(apierror.APIError).Code)
}

func TestGetPayoutBatchesByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	rows := sqlmock.NewRows(batchRowColumns)
	batchRow(rows, 1, model.BatchStatusPartiallyCompleted, "PB-1")
	batchRow(rows, 2, model.BatchStatusPartiallyCompleted, "PB-2")
	mock.ExpectQuery("WHERE status = ANY").WithArgs(sqlmock.AnyArg(), 50).WillReturnRows(rows)

	batches, err := ds.GetPayoutBatchesByStatus(context.Background(), []string{model.BatchStatusPartiallyCompleted}, 50)
	require.NoError(t, err)
	assert.Len(t, batches, 2)
}

func TestGetPayoutBatchesByCycle(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("WHERE cycle_setting_id =").WithArgs(int64(18)).WillReturnRows(sqlmock.NewRows(batchRowColumns))

	batches, err := ds.GetPayoutBatchesByCycle(context.Background(), 18)
	require.NoError(t, err)
	assert.NotNil(t, batches)
	assert.Empty(t, batches)
}

func TestGetPayoutBatchSummary(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("SELECT status, COUNT").WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
		AddRow(model.BatchStatusCompleted, 4).
		AddRow(model.BatchStatusFailed, 1))
	mock.ExpectQuery("SELECT(.+)COALESCE").WillReturnRows(sqlmock.NewRows([]string{"paid", "reconcile", "retryable"}).AddRow(125000, 1, 2))

	summary, err := ds.GetPayoutBatchSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, summary.CountsByStatus[model.BatchStatusCompleted])
	assert.Equal(t, 1, summary.CountsByStatus[model.BatchStatusFailed])
	assert.Equal(t, int64(125000), summary.TotalPaidOut)
	assert.Equal(t, 1, summary.RequiresReconciliation)
	assert.Equal(t, 2, summary.RetryableBatches)
}
