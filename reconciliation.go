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
	"github.com/blnkfinance/disburse/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Reconciliation results recorded in metrics.
const (
	reconcileUpdated   = "updated"
	reconcileUnchanged = "unchanged"
	reconcileSkipped   = "skipped"
	reconcileError     = "error"
)

// GetTransactionStatus returns a batch with its items and their tallies.
func (d *Disburse) GetTransactionStatus(ctx context.Context, batchID int64) (*model.TransactionStatus, error) {
	ctx, span := tracer.Start(ctx, "Get transaction status")
	defer span.End()

	batch, err := d.datasource.GetPayoutBatchByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	items, err := d.datasource.GetPayoutBatchItemsByBatchID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	status := &model.TransactionStatus{
		BatchID:                batch.ID,
		CycleSettingID:         batch.CycleSettingID,
		Status:                 batch.Status,
		SenderBatchID:          batch.SenderBatchID,
		TotalAmount:            batch.TotalAmount,
		TotalRecipients:        batch.TotalRecipients,
		RequiresReconciliation: batch.RequiresReconciliation,
		RetryCount:             batch.RetryCount,
		Counts:                 model.CountItems(items),
		Items:                  items,
		CreatedAt:              batch.CreatedAt,
		UpdatedAt:              batch.UpdatedAt,
	}
	if batch.PaypalBatchID != nil {
		status.PaypalBatchID = *batch.PaypalBatchID
	}
	return status, nil
}

// GetCycleBatches lists every batch created for a cycle, newest first.
func (d *Disburse) GetCycleBatches(ctx context.Context, cycleID int64) ([]*model.PayoutBatch, error) {
	return d.datasource.GetPayoutBatchesByCycle(ctx, cycleID)
}

// Reconcile asks the gateway for the current state of a batch and applies it. Items
// only move forward and a flagged batch keeps both its status and its flag, so the
// same batch can be reconciled any number of times. Concurrent reconciliations of one
// batch are skipped rather than queued.
func (d *Disburse) Reconcile(ctx context.Context, batchID int64) (*model.ReconcileReport, error) {
	ctx, span := tracer.Start(ctx, "Reconcile payout batch")
	defer span.End()
	span.SetAttributes(attribute.Int64("batch_id", batchID))

	var report *model.ReconcileReport
	err := d.withLock(ctx, reconcileLockKey(batchID), lockHolder("reconcile"), reconcileLockTTL, func() error {
		var err error
		report, err = d.reconcileBatch(ctx, batchID)
		return err
	})

	var held *model.LockHeldError
	switch {
	case errors.As(err, &held):
		d.metrics.RecordReconciliation(reconcileSkipped)
		return &model.ReconcileReport{BatchID: batchID, Skipped: true, Reason: "another reconciliation of this batch is running"}, nil
	case err != nil:
		span.RecordError(err)
		d.metrics.RecordReconciliation(reconcileError)
		return nil, err
	case report.Skipped:
		d.metrics.RecordReconciliation(reconcileSkipped)
	case report.ItemsUpdated > 0 || report.Status != report.PreviousStatus:
		d.metrics.RecordReconciliation(reconcileUpdated)
	default:
		d.metrics.RecordReconciliation(reconcileUnchanged)
	}
	return report, nil
}

func (d *Disburse) reconcileBatch(ctx context.Context, batchID int64) (*model.ReconcileReport, error) {
	batch, err := d.datasource.GetPayoutBatchByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	items, err := d.datasource.GetPayoutBatchItemsByBatchID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	report := &model.ReconcileReport{
		BatchID:        batch.ID,
		PreviousStatus: batch.Status,
		Status:         batch.Status,
		Counts:         model.CountItems(items),
	}
	if batch.PaypalBatchID == nil || *batch.PaypalBatchID == "" {
		report.Skipped = true
		report.Reason = "batch was never accepted by the gateway"
		return report, nil
	}
	report.PaypalBatchID = *batch.PaypalBatchID
	if report.Counts.Unresolved() == 0 && batch.Status != model.BatchStatusProcessing {
		report.Skipped = true
		report.Reason = "every item is already resolved"
		return report, nil
	}

	log := logrus.WithFields(logrus.Fields{"batch_id": batch.ID, "paypal_batch_id": report.PaypalBatchID})
	var result *gateway.PayoutResult
	_, err = d.retry.Do(ctx, func(int) error {
		var callErr error
		result, callErr = d.gateway.GetPayoutStatus(ctx, report.PaypalBatchID)
		return callErr
	}, func(attempt int, err error, wait time.Duration) {
		log.WithFields(logrus.Fields{"attempt": attempt, "wait": wait.String()}).WithError(err).Warn("payout status lookup failed, retrying")
	})
	if err != nil {
		return nil, fmt.Errorf("fetch payout %s: %w", report.PaypalBatchID, err)
	}

	outcomes := result.Items
	if result.IsBatchRejected() {
		outcomes = rejectedOutcomes(items, result)
	}
	updated, err := applyOutcomes(ctx, d.datasource, items, outcomes, d.clock())
	report.ItemsUpdated = updated
	if err != nil {
		return nil, err
	}
	counts := model.CountItems(items)
	report.Counts = counts

	next := batch.Status
	switch {
	case result.IsBatchRejected():
		next = model.BatchStatusFailed
	case batch.Status == model.BatchStatusProcessing, batch.Status == model.BatchStatusPartiallyCompleted:
		next = model.BatchStatusFromCounts(counts)
	}
	if next != batch.Status && model.CanTransitionBatch(batch.Status, next) {
		if err := d.datasource.UpdatePayoutBatch(ctx, batch.ID, model.PayoutBatchPatch{Status: &next}); err != nil {
			return nil, err
		}
		batch.Status = next
	}
	report.Status = batch.Status

	if updated > 0 || report.Status != report.PreviousStatus {
		d.metrics.RecordItems(counts)
		d.applyDownstreamEffects(ctx, batch, items, false)
	}
	log.WithFields(logrus.Fields{
		"status":        report.Status,
		"items_updated": updated,
		"unresolved":    counts.Unresolved(),
	}).Info("payout batch reconciled")
	return report, nil
}

// ReconcilePending reconciles partially completed batches, oldest update first. A
// batch that fails to reconcile is logged and left for the next sweep.
func (d *Disburse) ReconcilePending(ctx context.Context, limit int) ([]*model.ReconcileReport, error) {
	batches, err := d.datasource.GetPayoutBatchesByStatus(ctx, []string{model.BatchStatusPartiallyCompleted}, limit)
	if err != nil {
		return nil, err
	}
	reports := make([]*model.ReconcileReport, 0, len(batches))
	for _, batch := range batches {
		report, err := d.Reconcile(ctx, batch.ID)
		if err != nil {
			logrus.WithField("batch_id", batch.ID).WithError(err).Warn("reconciliation failed")
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Dashboard summarizes batches and the locks currently held.
func (d *Disburse) Dashboard(ctx context.Context) (*model.Dashboard, error) {
	summary, err := d.datasource.GetPayoutBatchSummary(ctx)
	if err != nil {
		return nil, err
	}
	locks, err := d.ActiveLocks(ctx)
	if err != nil {
		return nil, err
	}
	return &model.Dashboard{
		ActiveBatches:             summary.CountsByStatus[model.BatchStatusIntent] + summary.CountsByStatus[model.BatchStatusProcessing],
		CompletedBatches:          summary.CountsByStatus[model.BatchStatusCompleted],
		PartiallyCompletedBatches: summary.CountsByStatus[model.BatchStatusPartiallyCompleted],
		FailedBatches:             summary.CountsByStatus[model.BatchStatusFailed],
		RequiresReconciliation:    summary.RequiresReconciliation,
		RetryableBatches:          summary.RetryableBatches,
		TotalPaidOut:              summary.TotalPaidOut,
		ActiveLocks:               locks,
		GeneratedAt:               d.clock(),
	}, nil
}

// GatewayEvent is a webhook notification sent by the payment gateway.
type GatewayEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

// PaypalBatchID extracts the gateway batch id from batch and item events.
func (e GatewayEvent) PaypalBatchID() string {
	var resource struct {
		PayoutBatchID string `json:"payout_batch_id"`
		BatchHeader   *struct {
			PayoutBatchID string `json:"payout_batch_id"`
		} `json:"batch_header"`
	}
	if err := json.Unmarshal(e.Resource, &resource); err != nil {
		return ""
	}
	if resource.BatchHeader != nil && resource.BatchHeader.PayoutBatchID != "" {
		return resource.BatchHeader.PayoutBatchID
	}
	return resource.PayoutBatchID
}

// HandleGatewayEvent reconciles the batch a gateway webhook refers to. Events for
// unknown batches or other event types are skipped.
func (d *Disburse) HandleGatewayEvent(ctx context.Context, event GatewayEvent) (*model.ReconcileReport, error) {
	if !strings.HasPrefix(event.EventType, "PAYMENT.PAYOUTSBATCH.") && !strings.HasPrefix(event.EventType, "PAYMENT.PAYOUTS-ITEM.") {
		return &model.ReconcileReport{Skipped: true, Reason: fmt.Sprintf("event type %s is not handled", event.EventType)}, nil
	}
	paypalID := event.PaypalBatchID()
	if paypalID == "" {
		return &model.ReconcileReport{Skipped: true, Reason: "event carries no payout batch id"}, nil
	}
	batch, err := d.datasource.GetPayoutBatchByPaypalBatchID(ctx, paypalID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return &model.ReconcileReport{PaypalBatchID: paypalID, Skipped: true, Reason: "no local batch for this payout batch id"}, nil
	}
	logrus.WithFields(logrus.Fields{"event_id": event.ID, "event_type": event.EventType, "batch_id": batch.ID}).Info("gateway event received")
	return d.Reconcile(ctx, batch.ID)
}
