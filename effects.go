package disburse

import (
	"context"
	"errors"
	"fmt"

	"github.com/blnkfinance/disburse/internal/notification"
	"github.com/blnkfinance/disburse/model"
	"github.com/sirupsen/logrus"
)

// applyDownstreamEffects brings the rest of the system in line with a batch's items:
// winner payout statuses, user rewards for paid items, cycle completion and the batch
// webhook. It runs after the batch itself is persisted and never changes its outcome;
// failures are reported for an operator.
func (d *Disburse) applyDownstreamEffects(ctx context.Context, batch *model.PayoutBatch, items []*model.PayoutBatchItem, scheduleReconcile bool) {
	log := logrus.WithFields(logrus.Fields{"batch_id": batch.ID, "cycle_id": batch.CycleSettingID})
	var errs []error

	var rewards []*model.UserReward
	for _, item := range items {
		if item.CycleWinnerSelectionID > 0 {
			if err := d.datasource.UpdateWinnerPayoutStatus(ctx, item.CycleWinnerSelectionID, item.Status); err != nil {
				errs = append(errs, fmt.Errorf("winner %d: %w", item.CycleWinnerSelectionID, err))
			}
		}
		if item.Status == model.ItemStatusSuccess {
			rewards = append(rewards, &model.UserReward{
				UserID:                 item.UserID,
				CycleSettingID:         batch.CycleSettingID,
				CycleWinnerSelectionID: item.CycleWinnerSelectionID,
				PayoutBatchItemID:      item.ID,
				Amount:                 item.Amount,
				Currency:               item.Currency,
			})
		}
	}
	if len(rewards) > 0 {
		inserted, err := d.datasource.CreateUserRewards(ctx, rewards)
		if err != nil {
			errs = append(errs, fmt.Errorf("user rewards: %w", err))
		} else if inserted > 0 {
			log.WithField("rewards", inserted).Info("user rewards recorded")
		}
	}

	counts := model.CountItems(items)
	if counts.Unresolved() == 0 && batch.Status != model.BatchStatusFailed {
		if err := d.datasource.MarkCycleAsCompleted(ctx, batch.CycleSettingID); err != nil {
			errs = append(errs, fmt.Errorf("complete cycle %d: %w", batch.CycleSettingID, err))
		} else {
			d.forgetCycle(ctx, batch.CycleSettingID)
		}
	}

	if len(errs) > 0 {
		err := fmt.Errorf("downstream updates for payout batch %d: %w", batch.ID, errors.Join(errs...))
		notification.NotifyErrorWithFields(err, logrus.Fields{"batch_id": batch.ID, "cycle_id": batch.CycleSettingID})
	}

	if err := d.queue.EnqueueWebhook(ctx, NewWebhook{Event: batchEvent(batch.Status), Payload: newBatchWebhookPayload(batch, counts)}); err != nil {
		log.WithError(err).Warn("failed to enqueue batch webhook")
	}
	if scheduleReconcile && counts.Unresolved() > 0 {
		if err := d.queue.EnqueueReconcile(ctx, batch.ID, d.reconcileDelay); err != nil {
			log.WithError(err).Warn("failed to schedule batch reconciliation")
		}
	}
}
