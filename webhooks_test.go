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
	"net/http"
	"testing"

	"github.com/blnkfinance/disburse/config"
	"github.com/blnkfinance/disburse/model"
	"github.com/hibiken/asynq"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"
)

const testWebhookURL = "https://hooks.example.test/disburse"

func TestEnqueueWebhook(t *testing.T) {
	q, conf := newTestQueue(t)
	conf.Notification.Webhook = config.WebhookConfig{Url: testWebhookURL}
	config.MockConfig(conf)

	batch := &model.PayoutBatch{ID: 3, CycleSettingID: 18, Status: model.BatchStatusCompleted, PaypalBatchID: ptr.String("PB-3")}
	hook := NewWebhook{Event: batchEvent(batch.Status), Payload: newBatchWebhookPayload(batch, model.ItemCounts{Successful: 2})}
	require.NoError(t, q.EnqueueWebhook(context.Background(), hook))

	pending, err := q.Inspector.ListPendingTasks(conf.Queue.WebhookQueue)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	var queued struct {
		Event string              `json:"event"`
		Data  batchWebhookPayload `json:"data"`
	}
	require.NoError(t, json.Unmarshal(pending[0].Payload, &queued))
	assert.Equal(t, EventBatchCompleted, queued.Event)
	assert.Equal(t, "PB-3", queued.Data.PaypalBatchID)
	assert.Equal(t, 2, queued.Data.Counts.Successful)
}

func TestEnqueueWebhook_NoURL(t *testing.T) {
	q, conf := newTestQueue(t)
	config.MockConfig(conf)

	require.NoError(t, q.EnqueueWebhook(context.Background(), NewWebhook{Event: EventBatchFailed}))
	pending, err := q.Inspector.ListPendingTasks(conf.Queue.WebhookQueue)
	if err == nil {
		assert.Empty(t, pending)
	}
}

func TestProcessWebhook(t *testing.T) {
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)

	config.MockConfig(&config.Configuration{Notification: config.Notification{Webhook: config.WebhookConfig{
		Url:     testWebhookURL,
		Headers: map[string]string{"X-Signature": "secret"},
	}}})

	var received NewWebhook
	httpmock.RegisterResponder(http.MethodPost, testWebhookURL, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "secret", req.Header.Get("X-Signature"))
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		if err := json.NewDecoder(req.Body).Decode(&received); err != nil {
			return httpmock.NewStringResponse(http.StatusBadRequest, ""), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, `{"ok": true}`), nil
	})

	payload, err := json.Marshal(NewWebhook{Event: EventBatchPartiallyCompleted, Payload: map[string]int{"batchId": 4}})
	require.NoError(t, err)
	require.NoError(t, ProcessWebhook(context.Background(), asynq.NewTask("webhooks", payload)))
	assert.Equal(t, EventBatchPartiallyCompleted, received.Event)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestProcessWebhook_Failures(t *testing.T) {
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)
	config.MockConfig(&config.Configuration{Notification: config.Notification{Webhook: config.WebhookConfig{Url: testWebhookURL}}})
	httpmock.RegisterResponder(http.MethodPost, testWebhookURL, httpmock.NewStringResponder(http.StatusBadGateway, "down"))

	payload, _ := json.Marshal(NewWebhook{Event: EventBatchFailed})
	err := ProcessWebhook(context.Background(), asynq.NewTask("webhooks", payload))
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry), "delivery failures are retried")

	err = ProcessWebhook(context.Background(), asynq.NewTask("webhooks", []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestBatchEvent(t *testing.T) {
	assert.Equal(t, EventBatchCompleted, batchEvent(model.BatchStatusCompleted))
	assert.Equal(t, EventBatchPartiallyCompleted, batchEvent(model.BatchStatusPartiallyCompleted))
	assert.Equal(t, EventBatchFailed, batchEvent(model.BatchStatusFailed))
	assert.Equal(t, EventBatchUnknown, batchEvent(model.BatchStatusProcessing))
}
