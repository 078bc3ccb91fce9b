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

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/blnkfinance/disburse/config"
	"github.com/blnkfinance/disburse/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Client talks to the PayPal Payouts REST API.
type Client struct {
	baseURL      string
	currency     string
	emailSubject string
	emailMessage string
	webhookID    string
	httpClient   *http.Client
}

// NewClient builds a client whose requests carry an OAuth2 client-credentials token.
func NewClient(cfg config.GatewayConfig) *Client {
	creds := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.BaseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	base := &http.Client{Timeout: cfg.Timeout()}
	httpClient := creds.Client(context.WithValue(context.Background(), oauth2.HTTPClient, base))
	httpClient.Timeout = cfg.Timeout()

	return &Client{
		baseURL:      cfg.BaseURL,
		currency:     cfg.Currency,
		emailSubject: cfg.EmailSubject,
		emailMessage: cfg.EmailMessage,
		webhookID:    cfg.WebhookID,
		httpClient:   httpClient,
	}
}

type senderBatchHeader struct {
	SenderBatchID string `json:"sender_batch_id"`
	RecipientType string `json:"recipient_type"`
	EmailSubject  string `json:"email_subject,omitempty"`
	EmailMessage  string `json:"email_message,omitempty"`
}

type createItem struct {
	RecipientType string `json:"recipient_type"`
	Amount        money  `json:"amount"`
	Receiver      string `json:"receiver"`
	SenderItemID  string `json:"sender_item_id"`
	Note          string `json:"note,omitempty"`
}

type createPayoutRequest struct {
	SenderBatchHeader senderBatchHeader `json:"sender_batch_header"`
	Items             []createItem      `json:"items"`
}

func (c *Client) buildCreateRequest(senderBatchID string, recipients []model.Recipient) createPayoutRequest {
	req := createPayoutRequest{
		SenderBatchHeader: senderBatchHeader{
			SenderBatchID: senderBatchID,
			RecipientType: "EMAIL",
			EmailSubject:  c.emailSubject,
			EmailMessage:  c.emailMessage,
		},
		Items: make([]createItem, 0, len(recipients)),
	}
	for _, r := range recipients {
		currency := r.Currency
		if currency == "" {
			currency = c.currency
		}
		req.Items = append(req.Items, createItem{
			RecipientType: "EMAIL",
			Amount:        money{Value: model.CentsToDecimal(r.Amount).StringFixed(2), Currency: currency},
			Receiver:      r.PaypalEmail,
			SenderItemID:  model.SenderItemID(r.CycleWinnerSelectionID, r.UserID),
		})
	}
	return req
}

// CreatePayout submits a payout batch and returns the raw response body. senderBatchID
// is the gateway's idempotency key.
func (c *Client) CreatePayout(ctx context.Context, senderBatchID string, recipients []model.Recipient) ([]byte, error) {
	ctx, span := otel.Tracer("PayPal").Start(ctx, "Create payout", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("sender_batch_id", senderBatchID), attribute.Int("recipients", len(recipients)))

	payload, err := json.Marshal(c.buildCreateRequest(senderBatchID, recipients))
	if err != nil {
		return nil, errors.Wrap(err, "marshal payout request")
	}

	raw, err := c.do(ctx, http.MethodPost, "/v1/payments/payouts", payload)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrapf(err, "create payout %s", senderBatchID)
	}

	logrus.WithFields(logrus.Fields{
		"sender_batch_id": senderBatchID,
		"recipients":      len(recipients),
	}).Info("payout batch submitted to paypal")
	return raw, nil
}

// ParsePayoutResponse decodes a raw payout response.
func (c *Client) ParsePayoutResponse(raw []byte) (*PayoutResult, error) {
	return ParsePayoutResponse(raw)
}

// GetPayoutStatus fetches the current state of a payout batch and its items.
func (c *Client) GetPayoutStatus(ctx context.Context, paypalBatchID string) (*PayoutResult, error) {
	ctx, span := otel.Tracer("PayPal").Start(ctx, "Get payout status", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("paypal_batch_id", paypalBatchID))

	path := fmt.Sprintf("/v1/payments/payouts/%s?page_size=1000", url.PathEscape(paypalBatchID))
	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrapf(err, "get payout %s", paypalBatchID)
	}
	return ParsePayoutResponse(raw)
}

type verifyWebhookRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

// VerifyWebhookSignature asks PayPal to confirm a webhook delivery. It is a no-op
// when no webhook id is configured.
func (c *Client) VerifyWebhookSignature(ctx context.Context, headers http.Header, body []byte) error {
	if c.webhookID == "" {
		return nil
	}
	payload, err := json.Marshal(verifyWebhookRequest{
		AuthAlgo:         headers.Get("Paypal-Auth-Algo"),
		CertURL:          headers.Get("Paypal-Cert-Url"),
		TransmissionID:   headers.Get("Paypal-Transmission-Id"),
		TransmissionSig:  headers.Get("Paypal-Transmission-Sig"),
		TransmissionTime: headers.Get("Paypal-Transmission-Time"),
		WebhookID:        c.webhookID,
		WebhookEvent:     body,
	})
	if err != nil {
		return errors.Wrap(err, "marshal webhook verification")
	}

	raw, err := c.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", payload)
	if err != nil {
		return errors.Wrap(err, "verify webhook signature")
	}
	var resp struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return errors.Wrap(err, "decode webhook verification")
	}
	if resp.VerificationStatus != "SUCCESS" {
		return fmt.Errorf("webhook signature verification returned %s", resp.VerificationStatus)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(raw, apiErr); jsonErr != nil || apiErr.Name == "" {
			apiErr.Name = http.StatusText(resp.StatusCode)
			apiErr.Message = string(raw)
		}
		return nil, apiErr
	}
	return raw, nil
}
