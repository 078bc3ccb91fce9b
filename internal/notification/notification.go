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

package notification

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blnkfinance/disburse/config"
	"github.com/blnkfinance/disburse/internal/request"
	"github.com/sirupsen/logrus"
)

// ErrorEvent is the outgoing webhook event raised for operator-facing failures.
const ErrorEvent = "system.error"

// WebhookSender delivers an event to the configured webhook endpoint.
type WebhookSender func(event string, payload interface{}) error

var (
	senderMu      sync.RWMutex
	webhookSender WebhookSender
)

// RegisterWebhookSender lets the service route error notifications through its webhook queue.
func RegisterWebhookSender(sender WebhookSender) {
	senderMu.Lock()
	defer senderMu.Unlock()
	webhookSender = sender
}

func currentSender() WebhookSender {
	senderMu.RLock()
	defer senderMu.RUnlock()
	return webhookSender
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

func buildSlackMessage(systemError error, fields logrus.Fields, at time.Time) slackMessage {
	msg := slackMessage{Blocks: []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: "Payout disbursement error", Emoji: true}},
		{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Error:*\n%v", systemError)}}},
	}}
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("%s: %v", k, fields[k]))
		}
		msg.Blocks = append(msg.Blocks, slackBlock{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: "*Context:*\n" + strings.Join(lines, "\n")}}})
	}
	msg.Blocks = append(msg.Blocks, slackBlock{Type: "section", Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%v", at.Format(time.RFC822))}}})
	return msg
}

// SlackNotification posts the error and its context to a Slack incoming webhook.
func SlackNotification(webhookURL string, systemError error, fields logrus.Fields) error {
	payload, err := request.ToJsonReq(buildSlackMessage(systemError, fields, time.Now()))
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, webhookURL, payload)
	if err != nil {
		return err
	}
	_, err = request.Call(req, nil)
	return err
}

func notify(systemError error, fields logrus.Fields) {
	logrus.WithFields(fields).Error(systemError)

	conf, err := config.Fetch()
	if err != nil {
		logrus.Error(err)
		return
	}

	if conf.Notification.Slack.WebhookUrl != "" {
		if err := SlackNotification(conf.Notification.Slack.WebhookUrl, systemError, fields); err != nil {
			logrus.WithError(err).Warn("failed to send slack notification")
		}
	}

	if sender := currentSender(); sender != nil {
		payload := map[string]interface{}{"error": systemError.Error(), "context": fields}
		if err := sender(ErrorEvent, payload); err != nil {
			logrus.WithError(err).Warn("failed to send error webhook")
		}
	}
}

// NotifyError reports a failure that needs an operator, without blocking the caller.
func NotifyError(systemError error) {
	go notify(systemError, nil)
}

// NotifyErrorWithFields is NotifyError carrying the identifiers needed to rebuild state.
func NotifyErrorWithFields(systemError error, fields logrus.Fields) {
	go notify(systemError, fields)
}
