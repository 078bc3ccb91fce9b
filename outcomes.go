package disburse

import (
	"context"
	"fmt"
	"time"

	"github.com/blnkfinance/disburse/database"
	"github.com/blnkfinance/disburse/gateway"
	"github.com/blnkfinance/disburse/model"
	"github.com/sirupsen/logrus"
)

// matchOutcomes pairs gateway item outcomes with local items. The winner selection id
// is tried first, then the user id, then the receiver email; each outcome and each
// item is used at most once. The result is keyed by item index.
func matchOutcomes(items []*model.PayoutBatchItem, outcomes []gateway.ItemResult) map[int]gateway.ItemResult {
	matched := make(map[int]gateway.ItemResult, len(items))
	used := make([]bool, len(outcomes))

	pass := func(same func(item *model.PayoutBatchItem, outcome gateway.ItemResult) bool) {
		for i, item := range items {
			if _, ok := matched[i]; ok {
				continue
			}
			for j, outcome := range outcomes {
				if used[j] || !same(item, outcome) {
					continue
				}
				matched[i] = outcome
				used[j] = true
				break
			}
		}
	}

	pass(func(item *model.PayoutBatchItem, o gateway.ItemResult) bool {
		return o.CycleWinnerSelectionID > 0 && o.CycleWinnerSelectionID == item.CycleWinnerSelectionID
	})
	pass(func(item *model.PayoutBatchItem, o gateway.ItemResult) bool {
		return o.CycleWinnerSelectionID <= 0 && o.UserID > 0 && o.UserID == item.UserID
	})
	pass(func(item *model.PayoutBatchItem, o gateway.ItemResult) bool {
		return o.CycleWinnerSelectionID <= 0 && o.Receiver != "" &&
			model.NormalizeEmail(o.Receiver) == model.NormalizeEmail(item.PaypalEmail)
	})

	for j, outcome := range outcomes {
		if !used[j] {
			logrus.WithFields(logrus.Fields{
				"paypal_item_id": outcome.PaypalItemID,
				"winner_id":      outcome.CycleWinnerSelectionID,
				"user_id":        outcome.UserID,
				"annotation":     outcome.Annotation,
			}).Warn("gateway item outcome matches no local payout item")
		}
	}
	return matched
}

// itemPatch builds the update an outcome implies for an item. ok is false when the
// outcome would move the item backward or changes nothing.
func itemPatch(item *model.PayoutBatchItem, outcome gateway.ItemResult, now time.Time) (patch model.PayoutBatchItemPatch, ok bool) {
	if !model.CanTransitionItem(item.Status, outcome.Status) {
		return patch, false
	}
	if outcome.Status != item.Status {
		status := outcome.Status
		patch.Status = &status
	}
	if outcome.PaypalItemID != "" && (item.PaypalItemID == nil || *item.PaypalItemID != outcome.PaypalItemID) {
		id := outcome.PaypalItemID
		patch.PaypalItemID = &id
	}
	if outcome.ErrorCode != "" && (item.ErrorCode == nil || *item.ErrorCode != outcome.ErrorCode) {
		code := outcome.ErrorCode
		patch.ErrorCode = &code
	}
	if outcome.ErrorMessage != "" && (item.ErrorMessage == nil || *item.ErrorMessage != outcome.ErrorMessage) {
		msg := outcome.ErrorMessage
		patch.ErrorMessage = &msg
	}
	if model.IsResolved(outcome.Status) && item.ProcessedAt == nil {
		at := now
		patch.ProcessedAt = &at
	}
	return patch, !patch.IsEmpty()
}

func applyItemPatch(item *model.PayoutBatchItem, patch model.PayoutBatchItemPatch) {
	if patch.Status != nil {
		item.Status = *patch.Status
	}
	if patch.PaypalItemID != nil {
		item.PaypalItemID = patch.PaypalItemID
	}
	if patch.ErrorCode != nil {
		item.ErrorCode = patch.ErrorCode
	}
	if patch.ErrorMessage != nil {
		item.ErrorMessage = patch.ErrorMessage
	}
	if patch.ProcessedAt != nil {
		item.ProcessedAt = patch.ProcessedAt
	}
}

// applyOutcomes writes gateway outcomes onto the matching items, in place. Items never
// move backward. It stops at the first write that fails.
func applyOutcomes(ctx context.Context, ds database.IDataSource, items []*model.PayoutBatchItem, outcomes []gateway.ItemResult, now time.Time) (int, error) {
	matched := matchOutcomes(items, outcomes)
	updated := 0
	for i, item := range items {
		outcome, ok := matched[i]
		if !ok {
			continue
		}
		patch, ok := itemPatch(item, outcome, now)
		if !ok {
			continue
		}
		if err := ds.UpdatePayoutBatchItem(ctx, item.ID, patch); err != nil {
			return updated, fmt.Errorf("update payout item %d: %w", item.ID, err)
		}
		applyItemPatch(item, patch)
		updated++
	}
	return updated, nil
}
