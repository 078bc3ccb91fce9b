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

package disburse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blnkfinance/disburse/gateway"
	"github.com/blnkfinance/disburse/internal/apierror"
	"github.com/blnkfinance/disburse/internal/notification"
	"github.com/blnkfinance/disburse/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
	"go.opentelemetry.io/otel/attribute"
)

// DisbursementError is returned alongside a failed DisbursementResult.
type DisbursementError struct {
	Class   model.ErrorClass
	Message string
	Err     error
}

func (e *DisbursementError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *DisbursementError) Unwrap() error {
	return e.Err
}

// disbursement carries the state of one ProcessDisbursement run.
type disbursement struct {
	d      *Disburse
	tc     model.TransactionContext
	idem   model.IdempotencyData
	batch  *model.PayoutBatch
	items  []*model.PayoutBatchItem
	raw    []byte
	parsed *gateway.PayoutResult
	// submitted is set once the gateway accepted the batch. From then on nothing
	// created in phase 1 may be deleted.
	submitted bool
	result    *model.DisbursementResult
	log       *logrus.Entry
}

// ProcessDisbursement runs one disbursement through the two phase protocol: records
// are written locally first, then the batch is submitted to the gateway and the
// outcome reconciled. A result is returned on every path; failures also return a
// *DisbursementError whose class tells whether the gateway may have been reached.
//
// Once the gateway is called the run is not cancelled with ctx.
func (d *Disburse) ProcessDisbursement(ctx context.Context, tc model.TransactionContext) (*model.DisbursementResult, error) {
	ctx, span := tracer.Start(ctx, "Process disbursement")
	defer span.End()

	run := &disbursement{
		d:      d,
		tc:     d.normalizeContext(tc),
		result: &model.DisbursementResult{State: model.StateNotStarted},
	}
	run.log = logrus.WithFields(logrus.Fields{
		"cycle_id":   run.tc.CycleSettingID,
		"admin_id":   run.tc.AdminID,
		"request_id": run.tc.RequestID,
	})

	err := run.execute(context.WithoutCancel(ctx))
	span.SetAttributes(
		attribute.String("disbursement.state", string(run.result.State)),
		attribute.Int64("disbursement.batch_id", run.result.BatchID),
	)
	if err != nil {
		span.RecordError(err)
	}
	d.metrics.RecordDisbursement(run.result.State)
	return run.result, err
}

func (d *Disburse) normalizeContext(tc model.TransactionContext) model.TransactionContext {
	recipients := make([]model.Recipient, len(tc.Recipients))
	for i, r := range tc.Recipients {
		r.PaypalEmail = strings.TrimSpace(r.PaypalEmail)
		r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
		if r.Currency == "" {
			r.Currency = d.currency
		}
		recipients[i] = r
	}
	tc.Recipients = recipients
	if tc.RequestID == "" {
		tc.RequestID = DefaultRequestID(tc.CycleSettingID)
	}
	return tc
}

// validateContext checks a transaction context before anything is locked or written.
func validateContext(tc model.TransactionContext) error {
	err := validation.ValidateStruct(&tc,
		validation.Field(&tc.CycleSettingID, validation.Required, validation.Min(int64(1))),
		validation.Field(&tc.TotalAmount, validation.Required, validation.Min(int64(1))),
		validation.Field(&tc.Recipients, validation.Required.Error("at least one recipient is required")),
	)
	if err != nil {
		return err
	}

	errs := validation.Errors{}
	seen := make(map[int64]bool, len(tc.Recipients))
	currency := tc.Recipients[0].Currency
	for i, r := range tc.Recipients {
		key := fmt.Sprintf("recipients[%d]", i)
		if rErr := validation.ValidateStruct(&r,
			validation.Field(&r.CycleWinnerSelectionID, validation.Required),
			validation.Field(&r.UserID, validation.Required),
			validation.Field(&r.PaypalEmail, validation.Required, is.EmailFormat),
			validation.Field(&r.Amount, validation.Required, validation.Min(int64(1))),
			validation.Field(&r.Currency, validation.Required, validation.In(currency).Error("all recipients must use the same currency")),
		); rErr != nil {
			errs[key] = rErr
			continue
		}
		if seen[r.CycleWinnerSelectionID] {
			errs[key] = fmt.Errorf("winner selection %d appears more than once", r.CycleWinnerSelectionID)
		}
		seen[r.CycleWinnerSelectionID] = true
	}
	if sum := tc.SumRecipients(); sum != tc.TotalAmount {
		errs["totalAmount"] = fmt.Errorf("total amount %d does not match the recipients sum %d", tc.TotalAmount, sum)
	}
	return errs.Filter()
}

func (r *disbursement) execute(ctx context.Context) error {
	if err := validateContext(r.tc); err != nil {
		return r.fail(model.ErrorClassValidation, model.ActionFixRequest, "The disbursement request is invalid: "+err.Error(), err)
	}

	r.transition(model.StateLockAcquiring)
	key := model.DisbursementLockKey(r.tc.CycleSettingID)
	holder := lockHolder(fmt.Sprintf("admin_%d", r.tc.AdminID))
	if _, err := r.d.locker.AcquireLock(ctx, key, holder, r.d.lockTTL); err != nil {
		return r.lockFailed(err)
	}
	defer r.d.releaseLock(ctx, key, holder)

	r.transition(model.StatePhase1Preparing)
	if err := r.prepare(ctx); err != nil {
		return err
	}

	r.transition(model.StatePhase2Submitting)
	if err := r.submit(ctx); err != nil {
		return err
	}

	r.transition(model.StateReconciling)
	return r.reconcile(ctx)
}

func (r *disbursement) transition(state model.State) {
	r.log.WithFields(logrus.Fields{"from": r.result.State, "to": state}).Debug("disbursement state change")
	r.result.State = state
}

// fail records a failure on the result and returns the matching error.
func (r *disbursement) fail(class model.ErrorClass, action model.ActionRequired, userMessage string, cause error) error {
	r.result.Success = false
	r.result.ErrorClass = class
	r.result.ActionRequired = action
	r.result.UserMessage = userMessage
	if cause != nil {
		r.result.Error = cause.Error()
	}
	return &DisbursementError{Class: class, Message: userMessage, Err: cause}
}

func (r *disbursement) lockFailed(err error) error {
	var held *model.LockHeldError
	if errors.As(err, &held) {
		r.d.metrics.RecordLockContention()
		wait := retryAfterSeconds(held.Remaining)
		if wait < 1 {
			wait = 1
		}
		r.result.RetryAfterSeconds = wait
		r.log.WithField("holder", held.Holder).Info("disbursement lock is held")
		return r.fail(model.ErrorClassLockHeld, model.ActionWaitAndRetry,
			fmt.Sprintf("Another disbursement for this cycle is in progress. Try again in %d seconds.", wait), err)
	}
	return r.fail(model.ErrorClassPreGatewayStorage, model.ActionResubmit,
		"Could not lock the cycle for disbursement. Nothing was sent; please resubmit.", err)
}

// isDuplicate reports whether an earlier batch blocks a new attempt. Only batches the
// gateway refused outright, and which nobody flagged, may be attempted again.
func isDuplicate(existing *model.PayoutBatch) bool {
	return existing.Status != model.BatchStatusFailed || existing.RequiresReconciliation
}

func (r *disbursement) duplicate(existing *model.PayoutBatch) error {
	r.result.ExistingBatchID = existing.ID
	r.result.BatchStatus = existing.Status
	if existing.PaypalBatchID != nil {
		r.result.PaypalBatchID = *existing.PaypalBatchID
	}

	action := model.ActionFixRequest
	msg := fmt.Sprintf("This request was already disbursed as batch %d. Retry its failed items instead of resubmitting.", existing.ID)
	switch {
	case existing.RequiresReconciliation:
		action = model.ActionManualReconciliation
		msg = fmt.Sprintf("Batch %d for this request needs manual reconciliation before anything else is sent.", existing.ID)
	}
	r.log.WithFields(logrus.Fields{"existing_batch_id": existing.ID, "existing_status": existing.Status}).Info("duplicate disbursement refused")
	return r.fail(model.ErrorClassDuplicate, action, msg, fmt.Errorf("duplicate of payout batch %d", existing.ID))
}

// existingBatch finds the batch an earlier attempt left for this request. The cycle
// lock is held, so a batch still in intent or processing has no live run behind it.
func (r *disbursement) existingBatch(ctx context.Context) (*model.PayoutBatch, error) {
	ds := r.d.datasource
	for {
		existing, err := ds.CheckExistingBatch(ctx, r.idem.SenderBatchID, r.idem.RequestChecksum)
		if err != nil || existing == nil {
			return existing, err
		}
		switch {
		case existing.Status == model.BatchStatusIntent:
			if err := r.discardAbandoned(ctx, existing); err != nil {
				return nil, err
			}
			continue
		case existing.Status == model.BatchStatusProcessing && !existing.RequiresReconciliation:
			if err := r.flagStale(ctx, existing); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}
}

// discardAbandoned removes an intent batch. Nothing reaches the gateway before a
// batch is processing, so its records can go. Items go before the batch.
func (r *disbursement) discardAbandoned(ctx context.Context, batch *model.PayoutBatch) error {
	r.log.WithField("abandoned_batch_id", batch.ID).Warn("discarding payout batch abandoned before submission")
	if err := r.d.datasource.DeletePayoutBatchItems(ctx, batch.ID); err != nil {
		return err
	}
	return r.d.datasource.DeletePayoutBatch(ctx, batch.ID)
}

// flagStale marks a processing batch with no live run for manual reconciliation:
// its submission may have reached the gateway.
func (r *disbursement) flagStale(ctx context.Context, batch *model.PayoutBatch) error {
	patch := model.PayoutBatchPatch{
		RequiresReconciliation: ptr.Bool(true),
		LastRetryError:         ptr.String("run ended while the batch was being submitted"),
	}
	if err := r.d.datasource.UpdatePayoutBatch(ctx, batch.ID, patch); err != nil {
		return err
	}
	batch.RequiresReconciliation = true
	err := fmt.Errorf("payout batch %d was left processing by an earlier run", batch.ID)
	notification.NotifyErrorWithFields(err, logrus.Fields{
		"batch_id":        batch.ID,
		"cycle_id":        batch.CycleSettingID,
		"sender_batch_id": batch.SenderBatchID,
	})
	return nil
}

// prepare is phase 1: the idempotency check and the local batch and item records.
func (r *disbursement) prepare(ctx context.Context) error {
	r.idem = GenerateIdempotencyData(r.tc)

	existing, err := r.existingBatch(ctx)
	if err != nil {
		return r.fail(model.ErrorClassPreGatewayStorage, model.ActionResubmit,
			"Could not check for an earlier payout batch. Nothing was sent; please resubmit.", err)
	}
	if existing != nil {
		if isDuplicate(existing) {
			return r.duplicate(existing)
		}
		r.idem.SenderBatchID = fmt.Sprintf("%s_r%d", r.idem.SenderBatchID, existing.ID)
		r.log.WithField("failed_batch_id", existing.ID).Info("earlier batch was refused by the gateway, submitting a new attempt")
	}
	r.result.SenderBatchID = r.idem.SenderBatchID
	r.log = r.log.WithField("sender_batch_id", r.idem.SenderBatchID)

	items := make([]*model.PayoutBatchItem, len(r.tc.Recipients))
	for i, rc := range r.tc.Recipients {
		items[i] = &model.PayoutBatchItem{
			CycleWinnerSelectionID: rc.CycleWinnerSelectionID,
			UserID:                 rc.UserID,
			PaypalEmail:            rc.PaypalEmail,
			Amount:                 rc.Amount,
			Currency:               rc.Currency,
			Status:                 model.ItemStatusPending,
		}
	}
	batch, created, err := r.d.datasource.CreatePayoutBatchWithItems(ctx, &model.PayoutBatch{
		CycleSettingID:  r.tc.CycleSettingID,
		SenderBatchID:   r.idem.SenderBatchID,
		RequestChecksum: r.idem.RequestChecksum,
		Status:          model.BatchStatusIntent,
		TotalAmount:     r.tc.TotalAmount,
		TotalRecipients: len(r.tc.Recipients),
		Currency:        r.tc.Recipients[0].Currency,
		AdminID:         r.tc.AdminID,
	}, items)
	if err != nil {
		var apiErr apierror.APIError
		if errors.As(err, &apiErr) && apiErr.Code == apierror.ErrConflict {
			return r.fail(model.ErrorClassDuplicate, model.ActionWaitAndRetry,
				"A payout batch with the same identifier was created concurrently.", err)
		}
		return r.rollback(ctx, err, model.ErrorClassPreGatewayStorage, model.ActionResubmit,
			"Could not record the payout batch. Nothing was sent; please resubmit.")
	}
	r.batch = batch
	r.items = created
	r.result.BatchID = batch.ID
	r.result.BatchStatus = batch.Status
	r.result.ApplyCounts(model.CountItems(created))
	r.log = r.log.WithField("batch_id", batch.ID)
	return nil
}

// submit is phase 2: the batch moves to processing and is sent to the gateway.
func (r *disbursement) submit(ctx context.Context) error {
	processing := model.BatchStatusProcessing
	if err := r.d.datasource.UpdatePayoutBatch(ctx, r.batch.ID, model.PayoutBatchPatch{Status: &processing}); err != nil {
		return r.rollback(ctx, err, model.ErrorClassPreGatewayStorage, model.ActionResubmit,
			"Could not start the payout batch. Nothing was sent; please resubmit.")
	}
	r.batch.Status = processing
	r.result.BatchStatus = processing

	started := time.Now()
	attempts, err := r.d.retry.Do(ctx, func(attempt int) error {
		callCtx, span := tracer.Start(ctx, "Submit payout batch")
		defer span.End()
		span.SetAttributes(attribute.Int("attempt", attempt))

		raw, callErr := r.d.gateway.CreatePayout(callCtx, r.idem.SenderBatchID, r.tc.Recipients)
		r.d.metrics.RecordGatewayAttempt(gateway.Signature(callErr))
		if callErr != nil {
			span.RecordError(callErr)
			return callErr
		}
		r.raw = raw
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		r.log.WithFields(logrus.Fields{
			"attempt":   attempt,
			"signature": gateway.Signature(err),
			"wait":      wait.String(),
		}).WithError(err).Warn("payout submission failed, retrying")
		r.recordRetry(ctx, attempt, err)
	})
	r.d.metrics.ObservePhase2(time.Since(started))
	if err != nil {
		return r.gatewayFailed(ctx, err, attempts)
	}
	r.submitted = true
	r.log.WithField("attempts", attempts).Info("payout batch accepted by the gateway")
	return nil
}

// recordRetry saves retry bookkeeping on the batch. It never fails the run.
func (r *disbursement) recordRetry(ctx context.Context, attempt int, cause error) {
	now := r.d.clock()
	patch := model.PayoutBatchPatch{
		RetryCount:     ptr.Int(attempt),
		LastRetryAt:    &now,
		LastRetryError: ptr.String(cause.Error()),
	}
	if err := r.d.datasource.UpdatePayoutBatch(ctx, r.batch.ID, patch); err != nil {
		r.log.WithError(err).Warn("failed to record payout retry")
		return
	}
	r.batch.RetryCount = attempt
}

func (r *disbursement) gatewayFailed(ctx context.Context, err error, attempts int) error {
	sig := gateway.Signature(err)
	r.log.WithFields(logrus.Fields{"signature": sig, "attempts": attempts}).WithError(err).Warn("payout submission failed")

	if sig == gateway.SignatureDuplicateBatch {
		r.submitted = true
		return r.flagForReconciliation(ctx, err, "gateway already holds this sender batch id",
			fmt.Sprintf("The payment gateway already holds %s from an earlier attempt. Money may have moved: do not resubmit, reconcile batch %d manually.",
				r.idem.SenderBatchID, r.batch.ID))
	}

	if r.d.retry.IsRetryable(err) {
		return r.rollback(ctx, err, model.ErrorClassGatewayTransient, model.ActionWaitAndRetry,
			fmt.Sprintf("The payment gateway did not respond after %d attempts. Nothing was sent; wait a moment and retry.", attempts))
	}

	switch sig {
	case gateway.SignatureInsufficientFunds:
		return r.rollback(ctx, err, model.ErrorClassGatewayRejected, model.ActionContactSupport,
			"The payout account has insufficient funds. Nothing was sent; top up the account and retry.")
	case gateway.SignatureAuthentication:
		return r.rollback(ctx, err, model.ErrorClassGatewayRejected, model.ActionContactSupport,
			"The payment gateway rejected our credentials. Nothing was sent; contact support.")
	default:
		return r.rollback(ctx, err, model.ErrorClassGatewayRejected, model.ActionFixRequest,
			"The payment gateway rejected the batch. Nothing was sent; review the request and retry.")
	}
}

// rollback is the only place phase 1 records are removed. Items go before the batch.
// Once the gateway accepted the batch it refuses and takes the post-gateway path.
func (r *disbursement) rollback(ctx context.Context, cause error, class model.ErrorClass, action model.ActionRequired, userMessage string) error {
	if r.submitted {
		return r.postGatewayFailure(ctx, cause, "rollback requested after the gateway accepted the batch")
	}
	if r.batch != nil {
		r.log.WithError(cause).Warn("rolling back payout batch")
		if err := r.d.datasource.DeletePayoutBatchItems(ctx, r.batch.ID); err != nil {
			return r.rollbackFailed(cause, err)
		}
		if err := r.d.datasource.DeletePayoutBatch(ctx, r.batch.ID); err != nil {
			return r.rollbackFailed(cause, err)
		}
		r.d.metrics.RecordRollback(true)
	}
	r.transition(model.StateFailedRolledBack)
	r.result.BatchID = 0
	r.result.BatchStatus = ""
	r.result.ApplyCounts(model.ItemCounts{})
	return r.fail(class, action, userMessage, cause)
}

func (r *disbursement) rollbackFailed(cause, rbErr error) error {
	r.d.metrics.RecordRollback(false)
	r.transition(model.StateFailedUnrecoverable)
	err := fmt.Errorf("rollback of payout batch %d failed: %w (cause: %v)", r.batch.ID, rbErr, cause)
	notification.NotifyErrorWithFields(err, r.fields())
	return r.fail(model.ErrorClassRollbackFailed, model.ActionContactSupport,
		fmt.Sprintf("Nothing was sent, but batch %d could not be cleaned up. Contact support before retrying.", r.batch.ID), err)
}

// postGatewayFailure handles any failure after the gateway accepted the batch.
func (r *disbursement) postGatewayFailure(ctx context.Context, cause error, what string) error {
	return r.flagForReconciliation(ctx, cause, what,
		fmt.Sprintf("The payment gateway accepted batch %d but its results could not be saved. Money may have moved: do not resubmit, reconcile the batch manually.", r.batch.ID))
}

// flagForReconciliation keeps the batch, marks it failed and flags it for manual
// reconciliation.
func (r *disbursement) flagForReconciliation(ctx context.Context, cause error, what, userMessage string) error {
	failed := model.BatchStatusFailed
	patch := model.PayoutBatchPatch{
		RequiresReconciliation: ptr.Bool(true),
		LastRetryError:         ptr.String(cause.Error()),
	}
	if model.CanTransitionBatch(r.batch.Status, failed) {
		patch.Status = &failed
	}
	if r.result.PaypalBatchID != "" && r.batch.PaypalBatchID == nil {
		patch.PaypalBatchID = ptr.String(r.result.PaypalBatchID)
	}
	if err := r.d.datasource.UpdatePayoutBatch(ctx, r.batch.ID, patch); err != nil {
		r.log.WithError(err).Error("failed to flag payout batch for reconciliation")
	} else {
		r.batch.RequiresReconciliation = true
		if patch.Status != nil {
			r.batch.Status = failed
		}
	}

	r.transition(model.StateFailedUnrecoverable)
	r.result.BatchStatus = r.batch.Status
	r.result.ApplyCounts(model.CountItems(r.items))

	err := fmt.Errorf("payout batch %d: %s: %w", r.batch.ID, what, cause)
	notification.NotifyErrorWithFields(err, r.fields())
	return r.fail(model.ErrorClassPostGatewayPersistence, model.ActionManualReconciliation, userMessage, err)
}

// fields carries enough context to rebuild the batch state by hand.
func (r *disbursement) fields() logrus.Fields {
	fields := logrus.Fields{
		"cycle_id":        r.tc.CycleSettingID,
		"admin_id":        r.tc.AdminID,
		"request_id":      r.tc.RequestID,
		"sender_batch_id": r.idem.SenderBatchID,
	}
	if r.batch != nil {
		fields["batch_id"] = r.batch.ID
	}
	if r.result.PaypalBatchID != "" {
		fields["paypal_batch_id"] = r.result.PaypalBatchID
	}
	if r.parsed != nil {
		if outcomes, err := json.Marshal(r.parsed.Items); err == nil {
			fields["gateway_items"] = string(outcomes)
		}
	} else if len(r.raw) > 0 {
		fields["gateway_response"] = string(r.raw)
	}
	return fields
}

// reconcile persists what the gateway reported for a freshly submitted batch.
func (r *disbursement) reconcile(ctx context.Context) error {
	parsed, err := r.d.gateway.ParsePayoutResponse(r.raw)
	if err != nil {
		return r.postGatewayFailure(ctx, err, "gateway response could not be parsed")
	}
	r.parsed = parsed
	r.result.PaypalBatchID = parsed.PaypalBatchID
	r.log = r.log.WithField("paypal_batch_id", parsed.PaypalBatchID)

	ds := r.d.datasource
	if err := ds.UpdatePayoutBatch(ctx, r.batch.ID, model.PayoutBatchPatch{PaypalBatchID: ptr.String(parsed.PaypalBatchID)}); err != nil {
		return r.postGatewayFailure(ctx, err, "gateway batch id could not be saved")
	}
	r.batch.PaypalBatchID = ptr.String(parsed.PaypalBatchID)

	outcomes := parsed.Items
	if parsed.IsBatchRejected() {
		outcomes = rejectedOutcomes(r.items, parsed)
	}
	if _, err := applyOutcomes(ctx, ds, r.items, outcomes, r.d.clock()); err != nil {
		return r.postGatewayFailure(ctx, err, "item outcomes could not be saved")
	}
	counts := model.CountItems(r.items)
	r.result.ApplyCounts(counts)
	r.d.metrics.RecordItems(counts)

	if parsed.IsBatchRejected() {
		return r.batchRejected(ctx, parsed)
	}

	status := model.BatchStatusFromCounts(counts)
	if err := ds.UpdatePayoutBatch(ctx, r.batch.ID, model.PayoutBatchPatch{Status: &status}); err != nil {
		return r.postGatewayFailure(ctx, err, "final batch status could not be saved")
	}
	r.batch.Status = status
	r.result.BatchStatus = status
	r.result.Success = true
	if status == model.BatchStatusCompleted {
		r.transition(model.StateCompleted)
	} else {
		r.transition(model.StatePartiallyCompleted)
	}
	r.result.UserMessage = fmt.Sprintf("Batch %d sent: %d paid, %d failed, %d pending, %d unclaimed.",
		r.batch.ID, counts.Successful, counts.Failed, counts.Pending, counts.Unclaimed)
	r.log.WithFields(logrus.Fields{
		"status":     status,
		"successful": counts.Successful,
		"failed":     counts.Failed,
		"pending":    counts.Pending,
		"unclaimed":  counts.Unclaimed,
	}).Info("payout batch processed")

	r.d.applyDownstreamEffects(ctx, r.batch, r.items, true)
	return nil
}

// batchRejected handles a batch the gateway accepted for review and then denied.
// No money moved, so the batch is failed without a reconciliation flag and the same
// request may be submitted again.
func (r *disbursement) batchRejected(ctx context.Context, parsed *gateway.PayoutResult) error {
	failed := model.BatchStatusFailed
	if err := r.d.datasource.UpdatePayoutBatch(ctx, r.batch.ID, model.PayoutBatchPatch{Status: &failed}); err != nil {
		return r.postGatewayFailure(ctx, err, "denied batch status could not be saved")
	}
	r.batch.Status = failed
	r.result.BatchStatus = failed
	r.transition(model.StateFailedUnrecoverable)
	r.log.WithField("gateway_status", parsed.BatchStatus).Warn("payout batch denied by the gateway")

	r.d.applyDownstreamEffects(ctx, r.batch, r.items, false)
	return r.fail(model.ErrorClassGatewayRejected, model.ActionContactSupport,
		fmt.Sprintf("The payment gateway %s batch %d. No money moved; the winners can be included in a new disbursement.",
			strings.ToLower(parsed.BatchStatus), r.batch.ID),
		fmt.Errorf("gateway batch %s is %s", parsed.PaypalBatchID, parsed.BatchStatus))
}

// rejectedOutcomes fails every item of a denied batch the gateway did not report as paid.
func rejectedOutcomes(items []*model.PayoutBatchItem, parsed *gateway.PayoutResult) []gateway.ItemResult {
	reported := matchOutcomes(items, parsed.Items)
	outcomes := make([]gateway.ItemResult, 0, len(items))
	for i, item := range items {
		outcome := reported[i]
		outcome.CycleWinnerSelectionID = item.CycleWinnerSelectionID
		outcome.UserID = item.UserID
		if outcome.Status != model.ItemStatusSuccess {
			outcome.Status = model.ItemStatusFailed
			if outcome.ErrorCode == "" {
				outcome.ErrorCode = "BATCH_" + strings.ToUpper(parsed.BatchStatus)
			}
			if outcome.ErrorMessage == "" {
				outcome.ErrorMessage = "payout batch was " + strings.ToLower(parsed.BatchStatus)
			}
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}
