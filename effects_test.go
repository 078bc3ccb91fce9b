package disburse

import (
	"context"
	"errors"
	"testing"

	"github.com/blnkfinance/disburse/database/mocks"
	"github.com/blnkfinance/disburse/internal/metrics"
	"github.com/blnkfinance/disburse/model"
	"github.com/stretchr/testify/mock"
)

func effectsBatch(status string) (*model.PayoutBatch, []*model.PayoutBatchItem) {
	batch := &model.PayoutBatch{ID: 9, CycleSettingID: 18, Status: status, Currency: "USD"}
	items := []*model.PayoutBatchItem{
		{ID: 1, BatchID: 9, CycleWinnerSelectionID: 101, UserID: 1, Amount: 5000, Currency: "USD", Status: model.ItemStatusSuccess},
		{ID: 2, BatchID: 9, CycleWinnerSelectionID: 102, UserID: 2, Amount: 3000, Currency: "USD", Status: model.ItemStatusFailed},
	}
	return batch, items
}

func TestApplyDownstreamEffects_ResolvedBatch(t *testing.T) {
	ds := new(mocks.MockDataSource)
	batch, items := effectsBatch(model.BatchStatusCompleted)

	ds.On("UpdateWinnerPayoutStatus", mock.Anything, int64(101), model.ItemStatusSuccess).Return(nil)
	ds.On("UpdateWinnerPayoutStatus", mock.Anything, int64(102), model.ItemStatusFailed).Return(nil)
	ds.On("CreateUserRewards", mock.Anything, mock.MatchedBy(func(rewards []*model.UserReward) bool {
		return len(rewards) == 1 && rewards[0].CycleWinnerSelectionID == 101 &&
			rewards[0].PayoutBatchItemID == 1 && rewards[0].Amount == 5000 && rewards[0].CycleSettingID == 18
	})).Return(1, nil)
	ds.On("MarkCycleAsCompleted", mock.Anything, int64(18)).Return(nil)

	d := &Disburse{datasource: ds, metrics: metrics.NewCollector(nil)}
	d.applyDownstreamEffects(context.Background(), batch, items, true)

	ds.AssertExpectations(t)
}

func TestApplyDownstreamEffects_FailuresDoNotStopTheRest(t *testing.T) {
	ds := new(mocks.MockDataSource)
	batch, items := effectsBatch(model.BatchStatusCompleted)

	ds.On("UpdateWinnerPayoutStatus", mock.Anything, int64(101), mock.Anything).Return(errors.New("winner row locked"))
	ds.On("UpdateWinnerPayoutStatus", mock.Anything, int64(102), mock.Anything).Return(nil)
	ds.On("CreateUserRewards", mock.Anything, mock.Anything).Return(0, errors.New("rewards table missing"))
	ds.On("MarkCycleAsCompleted", mock.Anything, int64(18)).Return(nil)

	d := &Disburse{datasource: ds, metrics: metrics.NewCollector(nil)}
	d.applyDownstreamEffects(context.Background(), batch, items, true)

	ds.AssertExpectations(t)
}

func TestApplyDownstreamEffects_UnresolvedOrFailedBatchKeepsCycleOpen(t *testing.T) {
	for _, tc := range []struct {
		name   string
		status string
		second string
	}{
		{"pending item", model.BatchStatusPartiallyCompleted, model.ItemStatusPending},
		{"failed batch", model.BatchStatusFailed, model.ItemStatusFailed},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ds := new(mocks.MockDataSource)
			batch, items := effectsBatch(tc.status)
			items[1].Status = tc.second

			ds.On("UpdateWinnerPayoutStatus", mock.Anything, mock.Anything, mock.Anything).Return(nil)
			ds.On("CreateUserRewards", mock.Anything, mock.Anything).Return(1, nil)

			d := &Disburse{datasource: ds, metrics: metrics.NewCollector(nil)}
			d.applyDownstreamEffects(context.Background(), batch, items, false)

			ds.AssertNotCalled(t, "MarkCycleAsCompleted", mock.Anything, mock.Anything)
			ds.AssertNumberOfCalls(t, "UpdateWinnerPayoutStatus", 2)
		})
	}
}

func TestApplyDownstreamEffects_NoSuccessfulItemsNoRewards(t *testing.T) {
	ds := new(mocks.MockDataSource)
	batch, items := effectsBatch(model.BatchStatusCompleted)
	items[0].Status = model.ItemStatusFailed
	items[0].CycleWinnerSelectionID = model.UnresolvedWinnerSelectionID

	ds.On("UpdateWinnerPayoutStatus", mock.Anything, int64(102), model.ItemStatusFailed).Return(nil)
	ds.On("MarkCycleAsCompleted", mock.Anything, int64(18)).Return(nil)

	d := &Disburse{datasource: ds, metrics: metrics.NewCollector(nil)}
	d.applyDownstreamEffects(context.Background(), batch, items, true)

	ds.AssertExpectations(t)
	ds.AssertNotCalled(t, "CreateUserRewards", mock.Anything, mock.Anything)
	ds.AssertNumberOfCalls(t, "UpdateWinnerPayoutStatus", 1)
}
