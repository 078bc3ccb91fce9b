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

package mocks

import (
	"context"
	"time"

	"github.com/blnkfinance/disburse/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

func batchOrNil(v interface{}) *model.PayoutBatch {
	if v == nil {
		return nil
	}
	return v.(*model.PayoutBatch)
}

// Payout batch methods

func (m *MockDataSource) CreatePayoutBatchWithItems(ctx context.Context, batch *model.PayoutBatch, items []*model.PayoutBatchItem) (*model.PayoutBatch, []*model.PayoutBatchItem, error) {
	args := m.Called(ctx, batch, items)
	created, _ := args.Get(1).([]*model.PayoutBatchItem)
	return batchOrNil(args.Get(0)), created, args.Error(2)
}

func (m *MockDataSource) GetPayoutBatchByID(ctx context.Context, id int64) (*model.PayoutBatch, error) {
	args := m.Called(ctx, id)
	return batchOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) GetPayoutBatchByChecksum(ctx context.Context, checksum string) (*model.PayoutBatch, error) {
	args := m.Called(ctx, checksum)
	return batchOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) GetPayoutBatchByPaypalBatchID(ctx context.Context, paypalBatchID string) (*model.PayoutBatch, error) {
	args := m.Called(ctx, paypalBatchID)
	return batchOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) CheckExistingBatch(ctx context.Context, senderBatchID, checksum string) (*model.PayoutBatch, error) {
	args := m.Called(ctx, senderBatchID, checksum)
	return batchOrNil(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) UpdatePayoutBatch(ctx context.Context, id int64, patch model.PayoutBatchPatch) error {
	args := m.Called(ctx, id, patch)
	return args.Error(0)
}

func (m *MockDataSource) DeletePayoutBatch(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDataSource) GetPayoutBatchesByCycle(ctx context.Context, cycleID int64) ([]*model.PayoutBatch, error) {
	args := m.Called(ctx, cycleID)
	batches, _ := args.Get(0).([]*model.PayoutBatch)
	return batches, args.Error(1)
}

func (m *MockDataSource) GetPayoutBatchesByStatus(ctx context.Context, statuses []string, limit int) ([]*model.PayoutBatch, error) {
	args := m.Called(ctx, statuses, limit)
	batches, _ := args.Get(0).([]*model.PayoutBatch)
	return batches, args.Error(1)
}

func (m *MockDataSource) GetPayoutBatchSummary(ctx context.Context) (*model.PayoutSummary, error) {
	args := m.Called(ctx)
	summary, _ := args.Get(0).(*model.PayoutSummary)
	return summary, args.Error(1)
}

// Payout batch item methods

func (m *MockDataSource) GetPayoutBatchItemsByBatchID(ctx context.Context, batchID int64) ([]*model.PayoutBatchItem, error) {
	args := m.Called(ctx, batchID)
	items, _ := args.Get(0).([]*model.PayoutBatchItem)
	return items, args.Error(1)
}

func (m *MockDataSource) UpdatePayoutBatchItem(ctx context.Context, id int64, patch model.PayoutBatchItemPatch) error {
	args := m.Called(ctx, id, patch)
	return args.Error(0)
}

func (m *MockDataSource) DeletePayoutBatchItems(ctx context.Context, batchID int64) error {
	args := m.Called(ctx, batchID)
	return args.Error(0)
}

// Winner selection methods

func (m *MockDataSource) GetWinnerSelectionByID(ctx context.Context, id int64) (*model.WinnerSelection, error) {
	args := m.Called(ctx, id)
	w, _ := args.Get(0).(*model.WinnerSelection)
	return w, args.Error(1)
}

func (m *MockDataSource) GetWinnerSelectionsByIDs(ctx context.Context, cycleID int64, ids []int64) ([]*model.WinnerSelection, error) {
	args := m.Called(ctx, cycleID, ids)
	winners, _ := args.Get(0).([]*model.WinnerSelection)
	return winners, args.Error(1)
}

func (m *MockDataSource) GetEligibleWinnerSelections(ctx context.Context, cycleID int64) ([]*model.WinnerSelection, error) {
	args := m.Called(ctx, cycleID)
	winners, _ := args.Get(0).([]*model.WinnerSelection)
	return winners, args.Error(1)
}

func (m *MockDataSource) UpdateWinnerPayoutStatus(ctx context.Context, id int64, status string) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

// Cycle methods

func (m *MockDataSource) GetCycleByID(ctx context.Context, id int64) (*model.Cycle, error) {
	args := m.Called(ctx, id)
	c, _ := args.Get(0).(*model.Cycle)
	return c, args.Error(1)
}

func (m *MockDataSource) MarkCycleAsCompleted(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDataSource) CreateUserRewards(ctx context.Context, rewards []*model.UserReward) (int, error) {
	args := m.Called(ctx, rewards)
	return args.Int(0), args.Error(1)
}

// Advisory lock methods

func (m *MockDataSource) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (*model.AdvisoryLock, error) {
	args := m.Called(ctx, key, holder, ttl)
	l, _ := args.Get(0).(*model.AdvisoryLock)
	return l, args.Error(1)
}

func (m *MockDataSource) ReleaseLock(ctx context.Context, key, holder string) error {
	args := m.Called(ctx, key, holder)
	return args.Error(0)
}

func (m *MockDataSource) GetActiveAdvisoryLocks(ctx context.Context) ([]model.AdvisoryLock, error) {
	args := m.Called(ctx)
	locks, _ := args.Get(0).([]model.AdvisoryLock)
	return locks, args.Error(1)
}
