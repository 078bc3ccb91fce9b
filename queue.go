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
	"time"

	"github.com/blnkfinance/disburse/config"
	"github.com/blnkfinance/disburse/internal/apierror"
	redis_db "github.com/blnkfinance/disburse/internal/redis-db"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Queue represents a queue for handling background reconciliation and webhooks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	conf      config.QueueConfig
}

// ReconcilePayload asks a worker to reconcile one batch.
type ReconcilePayload struct {
	BatchID int64 `json:"batchId"`
}

// SweepPayload asks a worker to reconcile every partially completed batch.
type SweepPayload struct {
	Limit int `json:"limit"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := redis_db.AsynqClientOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Queue{
		Client:    asynq.NewClient(opt),
		Inspector: asynq.NewInspector(opt),
		conf:      conf.Queue,
	}, nil
}

func reconcileTaskID(batchID int64) string {
	return fmt.Sprintf("reconcile_%d", batchID)
}

// EnqueueReconcile schedules a reconciliation of batchID after delay. At most one
// reconciliation per batch waits in the queue at a time.
func (q *Queue) EnqueueReconcile(ctx context.Context, batchID int64, delay time.Duration) error {
	if q == nil {
		return nil
	}
	ctx, span := tracer.Start(ctx, "Enqueue batch reconciliation")
	defer span.End()

	payload, err := json.Marshal(ReconcilePayload{BatchID: batchID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(q.conf.ReconcileQueue, payload,
		asynq.TaskID(reconcileTaskID(batchID)),
		asynq.Queue(q.conf.ReconcileQueue),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(5),
	)
	info, err := q.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	logrus.WithFields(logrus.Fields{"batch_id": batchID, "task_id": info.ID, "process_at": info.NextProcessAt}).Info("batch reconciliation scheduled")
	return nil
}

// NewSweepTask builds the periodic task that reconciles unfinished batches.
func NewSweepTask(conf config.QueueConfig) (*asynq.Task, error) {
	payload, err := json.Marshal(SweepPayload{Limit: conf.SweepBatchSize})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(conf.SweepQueue, payload, asynq.Queue(conf.SweepQueue), asynq.MaxRetry(0)), nil
}

// ProcessReconcileTask is the worker handler for reconciliation tasks.
func (d *Disburse) ProcessReconcileTask(ctx context.Context, task *asynq.Task) error {
	var payload ReconcilePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode reconcile payload: %v: %w", err, asynq.SkipRetry)
	}
	report, err := d.Reconcile(ctx, payload.BatchID)
	if err != nil {
		if apierror.IsNotFound(err) {
			return fmt.Errorf("reconcile batch %d: %v: %w", payload.BatchID, err, asynq.SkipRetry)
		}
		return err
	}
	logrus.WithFields(logrus.Fields{
		"batch_id":      report.BatchID,
		"status":        report.Status,
		"items_updated": report.ItemsUpdated,
		"skipped":       report.Skipped,
	}).Info("batch reconciled")
	return nil
}

// ProcessSweepTask is the worker handler for the periodic sweep.
func (d *Disburse) ProcessSweepTask(ctx context.Context, task *asynq.Task) error {
	var payload SweepPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode sweep payload: %v: %w", err, asynq.SkipRetry)
	}
	reports, err := d.ReconcilePending(ctx, payload.Limit)
	if err != nil {
		return err
	}
	logrus.WithField("batches", len(reports)).Info("reconciliation sweep finished")
	return nil
}
