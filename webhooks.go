/*
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
	"fmt"
	"net/http"

	"github.com/blnkfinance/disburse/config"
	"github.com/blnkfinance/disburse/internal/request"
	"github.com/blnkfinance/disburse/model"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Batch webhook events.
const (
	EventBatchCompleted          = "payout.batch.completed"
	EventBatchPartiallyCompleted = "payout.batch.partially_completed"
	EventBatchFailed             = "payout.batch.failed"
	EventBatchUnknown            = "payout.batch.unknown"
)

// NewWebhook represents the structure of a webhook notification.
// It includes an event type and associated payload data.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the webhook.
	Payload interface{} `json:"data"`  // The data associated with the event.
}

// batchWebhookPayload is the data sent with batch events.
type batchWebhookPayload struct {
	BatchID                int64            `json:"batchId"`
	CycleSettingID         int64            `json:"cycleSettingId"`
	Status                 string           `json:"status"`
	PaypalBatchID          string           `json:"paypalBatchId,omitempty"`
	SenderBatchID          string           `json:"senderBatchId"`
	TotalAmount            int64            `json:"totalAmount"`
	Currency               string           `json:"currency"`
	RequiresReconciliation bool             `json:"requiresReconciliation"`
	Counts                 model.ItemCounts `json:"counts"`
}

func newBatchWebhookPayload(batch *model.PayoutBatch, counts model.ItemCounts) batchWebhookPayload {
	p := batchWebhookPayload{
		BatchID:                batch.ID,
		CycleSettingID:         batch.CycleSettingID,
		Status:                 batch.Status,
		SenderBatchID:          batch.SenderBatchID,
		TotalAmount:            batch.TotalAmount,
		Currency:               batch.Currency,
		RequiresReconciliation: batch.RequiresReconciliation,
		Counts:                 counts,
	}
	if batch.PaypalBatchID != nil {
		p.PaypalBatchID = *batch.PaypalBatchID
	}
	return p
}

// batchEvent maps a batch status to its webhook event.
func batchEvent(status string) string {
	switch status {
	case model.BatchStatusCompleted:
		return EventBatchCompleted
	case model.BatchStatusPartiallyCompleted:
		return EventBatchPartiallyCompleted
	case model.BatchStatusFailed:
		return EventBatchFailed
	default:
		return EventBatchUnknown
	}
}

// EnqueueWebhook queues a webhook notification. Nothing is queued when no webhook
// url is configured.
func (q *Queue) EnqueueWebhook(ctx context.Context, hook NewWebhook) error {
	if q == nil {
		return nil
	}
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	payload, err := json.Marshal(hook)
	if err != nil {
		return err
	}
	task := asynq.NewTask(q.conf.WebhookQueue, payload, asynq.Queue(q.conf.WebhookQueue), asynq.MaxRetry(10))
	if _, err := q.Client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue webhook %s: %w", hook.Event, err)
	}
	return nil
}

// ProcessWebhook processes a webhook notification task from the queue.
func ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	var hook NewWebhook
	if err := json.Unmarshal(task.Payload(), &hook); err != nil {
		return fmt.Errorf("decode webhook payload: %v: %w", err, asynq.SkipRetry)
	}
	body, err := request.ToJsonReq(hook)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conf.Notification.Webhook.Url, body)
	if err != nil {
		return err
	}
	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}

	if _, err := request.Call(req, nil); err != nil {
		logrus.WithField("event", hook.Event).WithError(err).Warn("webhook delivery failed")
		return err
	}
	logrus.WithField("event", hook.Event).Info("webhook delivered")
	return nil
}
