package disburse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/blnkfinance/disburse/internal/apierror"
	"github.com/blnkfinance/disburse/model"
	"github.com/sirupsen/logrus"
)

// ErrNoEligibleWinners is returned when a cycle has nobody left to pay.
var ErrNoEligibleWinners = errors.New("no eligible winners to pay")

// IneligibleWinnersError lists selected winners that cannot be paid.
type IneligibleWinnersError struct {
	Missing    []int64
	Ineligible []int64
}

func (e *IneligibleWinnersError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("winners %v do not belong to the cycle", e.Missing))
	}
	if len(e.Ineligible) > 0 {
		parts = append(parts, fmt.Sprintf("winners %v are not eligible for payout", e.Ineligible))
	}
	return strings.Join(parts, "; ")
}

func cycleCacheKey(id int64) string {
	return fmt.Sprintf("cycle:%d", id)
}

// GetCycle reads a cycle through the cache.
func (d *Disburse) GetCycle(ctx context.Context, id int64) (*model.Cycle, error) {
	if d.cache == nil {
		return d.datasource.GetCycleByID(ctx, id)
	}
	var cycle model.Cycle
	err := d.cache.Once(ctx, cycleCacheKey(id), &cycle, d.cycleCacheTTL, func() (interface{}, error) {
		return d.datasource.GetCycleByID(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return &cycle, nil
}

func (d *Disburse) forgetCycle(ctx context.Context, id int64) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Delete(ctx, cycleCacheKey(id)); err != nil {
		logrus.WithField("cycle_id", id).WithError(err).Warn("failed to evict cycle from cache")
	}
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// ResolveRecipients turns a cycle's winners into recipients. With processAll every
// eligible winner is paid; otherwise each selected id must belong to the cycle and be
// eligible.
func (d *Disburse) ResolveRecipients(ctx context.Context, cycleID int64, processAll bool, selected []int64) ([]model.Recipient, error) {
	var (
		winners []*model.WinnerSelection
		err     error
	)
	if processAll {
		winners, err = d.datasource.GetEligibleWinnerSelections(ctx, cycleID)
	} else {
		selected = uniqueIDs(selected)
		winners, err = d.datasource.GetWinnerSelectionsByIDs(ctx, cycleID, selected)
	}
	if err != nil {
		return nil, err
	}

	if !processAll {
		found := make(map[int64]*model.WinnerSelection, len(winners))
		for _, w := range winners {
			found[w.ID] = w
		}
		var bad IneligibleWinnersError
		for _, id := range selected {
			w, ok := found[id]
			switch {
			case !ok:
				bad.Missing = append(bad.Missing, id)
			case !w.IsEligible():
				bad.Ineligible = append(bad.Ineligible, id)
			}
		}
		if len(bad.Missing) > 0 || len(bad.Ineligible) > 0 {
			return nil, &bad
		}
	}
	return d.recipientsFor(winners)
}

func (d *Disburse) recipientsFor(winners []*model.WinnerSelection) ([]model.Recipient, error) {
	recipients := make([]model.Recipient, 0, len(winners))
	for _, w := range winners {
		if !w.IsEligible() {
			continue
		}
		recipients = append(recipients, model.Recipient{
			CycleWinnerSelectionID: w.ID,
			UserID:                 w.UserID,
			PaypalEmail:            strings.TrimSpace(w.PaypalEmail),
			Amount:                 w.PayoutCents(),
			Currency:               d.currency,
		})
	}
	if len(recipients) == 0 {
		return nil, ErrNoEligibleWinners
	}
	sort.Slice(recipients, func(i, j int) bool {
		return recipients[i].CycleWinnerSelectionID < recipients[j].CycleWinnerSelectionID
	})
	return recipients, nil
}

func newTransactionContext(cycleID, adminID int64, requestID string, recipients []model.Recipient) model.TransactionContext {
	tc := model.TransactionContext{
		CycleSettingID: cycleID,
		AdminID:        adminID,
		Recipients:     recipients,
		RequestID:      requestID,
	}
	tc.TotalAmount = tc.SumRecipients()
	return tc
}

// refuse builds the result for a request turned away before the orchestrator ran.
func (d *Disburse) refuse(class model.ErrorClass, action model.ActionRequired, userMessage string, cause error) (*model.DisbursementResult, error) {
	result := &model.DisbursementResult{
		State:          model.StateNotStarted,
		ErrorClass:     class,
		ActionRequired: action,
		UserMessage:    userMessage,
		Error:          cause.Error(),
	}
	d.metrics.RecordDisbursement(result.State)
	return result, &DisbursementError{Class: class, Message: userMessage, Err: cause}
}

// refuseSettled refuses a request for winners that are already paid or in flight,
// pointing at the cycle's latest batch when there is one.
func (d *Disburse) refuseSettled(ctx context.Context, cycle *model.Cycle, cause error) (*model.DisbursementResult, error) {
	batches, err := d.datasource.GetPayoutBatchesByCycle(ctx, cycle.ID)
	if err != nil {
		logrus.WithField("cycle_id", cycle.ID).WithError(err).Warn("failed to load the batch history of the cycle")
	}

	var bad *IneligibleWinnersError
	if len(batches) == 0 {
		msg := "Some winners cannot be paid: " + cause.Error()
		if cycle.Status == model.CycleStatusCompleted && !errors.As(cause, &bad) {
			msg = "This cycle has already been paid out."
		}
		return d.refuse(model.ErrorClassValidation, model.ActionFixRequest, msg, cause)
	}

	latest := batches[0]
	class, action := model.ErrorClassDuplicate, model.ActionFixRequest
	msg := fmt.Sprintf("Every eligible winner of this cycle was already sent in batch %d. Retry its failed items instead of resubmitting.", latest.ID)
	if errors.As(cause, &bad) {
		class = model.ErrorClassValidation
		msg = fmt.Sprintf("Some winners cannot be paid: %s. The latest batch of this cycle is %d.", cause.Error(), latest.ID)
	}
	if latest.RequiresReconciliation {
		action = model.ActionManualReconciliation
	}
	result, err := d.refuse(class, action, msg, cause)
	result.ExistingBatchID = latest.ID
	result.BatchStatus = latest.Status
	if latest.PaypalBatchID != nil {
		result.PaypalBatchID = *latest.PaypalBatchID
	}
	return result, err
}

// DisburseCycle pays a cycle's winners: all eligible ones, or a selection. A completed
// cycle still pays winners whose earlier payout failed.
func (d *Disburse) DisburseCycle(ctx context.Context, req model.DisbursementRequest) (*model.DisbursementResult, error) {
	ctx, span := tracer.Start(ctx, "Disburse cycle")
	defer span.End()

	if req.ProcessAll == (len(req.SelectedWinnerIDs) > 0) {
		return d.refuse(model.ErrorClassValidation, model.ActionFixRequest,
			"Set either processAll or selectedWinnerIds, not both.", errors.New("exactly one of processAll and selectedWinnerIds is required"))
	}
	cycle, err := d.GetCycle(ctx, req.CycleSettingID)
	if err != nil {
		if apierror.IsNotFound(err) {
			return d.refuse(model.ErrorClassValidation, model.ActionFixRequest, "Cycle not found", err)
		}
		return d.refuse(model.ErrorClassPreGatewayStorage, model.ActionResubmit, "Could not load the cycle. Nothing was sent; please resubmit.", err)
	}

	recipients, err := d.ResolveRecipients(ctx, cycle.ID, req.ProcessAll, req.SelectedWinnerIDs)
	if err != nil {
		var bad *IneligibleWinnersError
		if errors.Is(err, ErrNoEligibleWinners) || errors.As(err, &bad) {
			return d.refuseSettled(ctx, cycle, err)
		}
		return d.refuse(model.ErrorClassPreGatewayStorage, model.ActionResubmit, "Could not load the cycle winners. Nothing was sent; please resubmit.", err)
	}
	return d.ProcessDisbursement(ctx, newTransactionContext(cycle.ID, req.AdminID, req.RequestID, recipients))
}

// RetryFailedItems pays the failed items of a settled batch again in a new batch.
// Batches flagged for reconciliation are refused.
func (d *Disburse) RetryFailedItems(ctx context.Context, batchID, adminID int64) (*model.DisbursementResult, error) {
	ctx, span := tracer.Start(ctx, "Retry failed items")
	defer span.End()

	batch, err := d.datasource.GetPayoutBatchByID(ctx, batchID)
	if err != nil {
		if apierror.IsNotFound(err) {
			return d.refuse(model.ErrorClassValidation, model.ActionFixRequest, "Batch not found", err)
		}
		return d.refuse(model.ErrorClassPreGatewayStorage, model.ActionResubmit, "Could not load the batch. Nothing was sent; please resubmit.", err)
	}
	if batch.RequiresReconciliation {
		return d.refuse(model.ErrorClassValidation, model.ActionManualReconciliation,
			fmt.Sprintf("Batch %d needs manual reconciliation before its items can be retried.", batch.ID),
			fmt.Errorf("batch %d requires reconciliation", batch.ID))
	}
	if !model.IsTerminalBatchStatus(batch.Status) {
		return d.refuse(model.ErrorClassValidation, model.ActionWaitAndRetry,
			fmt.Sprintf("Batch %d is still being processed.", batch.ID), fmt.Errorf("batch %d is %s", batch.ID, batch.Status))
	}

	items, err := d.datasource.GetPayoutBatchItemsByBatchID(ctx, batch.ID)
	if err != nil {
		return d.refuse(model.ErrorClassPreGatewayStorage, model.ActionResubmit, "Could not load the batch items. Nothing was sent; please resubmit.", err)
	}
	var failed []int64
	for _, item := range items {
		if item.Status == model.ItemStatusFailed && item.CycleWinnerSelectionID > 0 {
			failed = append(failed, item.CycleWinnerSelectionID)
		}
	}
	if len(failed) == 0 {
		return d.refuse(model.ErrorClassValidation, model.ActionFixRequest,
			fmt.Sprintf("Batch %d has no failed items to retry.", batch.ID), fmt.Errorf("batch %d has no failed items", batch.ID))
	}

	winners, err := d.datasource.GetWinnerSelectionsByIDs(ctx, batch.CycleSettingID, failed)
	if err != nil {
		return d.refuse(model.ErrorClassPreGatewayStorage, model.ActionResubmit, "Could not load the cycle winners. Nothing was sent; please resubmit.", err)
	}
	recipients, err := d.recipientsFor(winners)
	if err != nil {
		return d.refuse(model.ErrorClassValidation, model.ActionFixRequest,
			fmt.Sprintf("None of the failed items of batch %d can be paid again.", batch.ID), err)
	}
	return d.ProcessDisbursement(ctx, newTransactionContext(batch.CycleSettingID, adminID, fmt.Sprintf("retry:%d", batch.ID), recipients))
}
