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
	"encoding/json"
	"strings"

	"github.com/blnkfinance/disburse/model"
	"github.com/shopspring/decimal"
)

// Gateway batch statuses that reject the whole batch.
const (
	BatchStatusDenied   = "DENIED"
	BatchStatusCanceled = "CANCELED"
)

// PayoutResult is a parsed payout batch as the gateway reports it.
type PayoutResult struct {
	BatchStatus   string       `json:"batchStatus"`
	PaypalBatchID string       `json:"paypalBatchId"`
	SenderBatchID string       `json:"senderBatchId,omitempty"`
	Items         []ItemResult `json:"items"`
}

// ItemResult is the outcome of one recipient line.
type ItemResult struct {
	PaypalItemID           string      `json:"paypalItemId,omitempty"`
	TransactionStatus      string      `json:"transactionStatus"`
	Status                 string      `json:"status"`
	Recipient              RecipientID `json:"-"`
	CycleWinnerSelectionID int64       `json:"cycleWinnerSelectionId"`
	UserID                 int64       `json:"userId"`
	Receiver               string      `json:"receiver,omitempty"`
	Amount                 int64       `json:"amount"`
	Currency               string      `json:"currency,omitempty"`
	ErrorCode              string      `json:"errorCode,omitempty"`
	ErrorMessage           string      `json:"errorMessage,omitempty"`
	Annotation             string      `json:"annotation,omitempty"`
}

// IsBatchRejected reports whether the gateway refused the batch as a whole.
func (r *PayoutResult) IsBatchRejected() bool {
	switch strings.ToUpper(r.BatchStatus) {
	case BatchStatusDenied, BatchStatusCanceled:
		return true
	}
	return false
}

// MapItemStatus converts a gateway transaction_status to an item status.
func MapItemStatus(transactionStatus string) string {
	switch strings.ToUpper(strings.TrimSpace(transactionStatus)) {
	case "SUCCESS":
		return model.ItemStatusSuccess
	case "FAILED", "RETURNED", "BLOCKED", "REFUNDED", "REVERSED", "DENIED":
		return model.ItemStatusFailed
	case "UNCLAIMED":
		return model.ItemStatusUnclaimed
	default:
		return model.ItemStatusPending
	}
}

type money struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type itemErrors struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

type payoutItem struct {
	SenderItemID string `json:"sender_item_id"`
	Receiver     string `json:"receiver"`
	Amount       money  `json:"amount"`
}

type rawItem struct {
	PayoutItemID      string      `json:"payout_item_id"`
	TransactionStatus string      `json:"transaction_status"`
	PayoutItem        *payoutItem `json:"payout_item"`
	Errors            *itemErrors `json:"errors"`

	// flattened legacy shape
	SenderItemID string `json:"sender_item_id"`
	Receiver     string `json:"receiver"`
	Amount       *money `json:"amount"`
	Status       string `json:"status"`
	ErrorName    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type batchHeader struct {
	PayoutBatchID     string `json:"payout_batch_id"`
	BatchStatus       string `json:"batch_status"`
	SenderBatchHeader struct {
		SenderBatchID string `json:"sender_batch_id"`
	} `json:"sender_batch_header"`
}

type rawResponse struct {
	BatchHeader *batchHeader `json:"batch_header"`
	Items       []rawItem    `json:"items"`

	// flattened legacy shape
	PayoutBatchID string    `json:"payout_batch_id"`
	BatchStatus   string    `json:"batch_status"`
	SenderBatchID string    `json:"sender_batch_id"`
	PayoutItems   []rawItem `json:"payout_items"`
}

// ParsePayoutResponse decodes a payout create or get response. Both the batch_header
// shape and the older flattened shape are accepted; recipient identifiers that do not
// decode are annotated rather than rejected.
func ParsePayoutResponse(raw []byte) (*PayoutResult, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &ParseError{Code: ParseUnrecognizedFormat, Field: "body"}
	}

	var resp rawResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, &ParseError{Code: ParseUnrecognizedFormat, Field: "body", Err: err}
	}

	result := &PayoutResult{}
	items := resp.Items
	switch {
	case resp.BatchHeader != nil:
		result.PaypalBatchID = resp.BatchHeader.PayoutBatchID
		result.BatchStatus = resp.BatchHeader.BatchStatus
		result.SenderBatchID = resp.BatchHeader.SenderBatchHeader.SenderBatchID
	case resp.PayoutBatchID != "" || resp.BatchStatus != "":
		result.PaypalBatchID = resp.PayoutBatchID
		result.BatchStatus = resp.BatchStatus
		result.SenderBatchID = resp.SenderBatchID
		if len(items) == 0 {
			items = resp.PayoutItems
		}
	default:
		return nil, &ParseError{Code: ParseUnrecognizedFormat, Field: "batch_header"}
	}

	if result.PaypalBatchID == "" {
		return nil, &ParseError{Code: ParseMissingRequiredField, Field: "payout_batch_id"}
	}
	if result.BatchStatus == "" {
		return nil, &ParseError{Code: ParseMissingRequiredField, Field: "batch_status"}
	}
	result.BatchStatus = strings.ToUpper(result.BatchStatus)

	result.Items = make([]ItemResult, 0, len(items))
	for _, ri := range items {
		item, err := parseItem(ri)
		if err != nil {
			return nil, err
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}

func parseItem(ri rawItem) (ItemResult, error) {
	senderItemID, receiver, amount := ri.SenderItemID, ri.Receiver, ri.Amount
	if ri.PayoutItem != nil {
		senderItemID, receiver, amount = ri.PayoutItem.SenderItemID, ri.PayoutItem.Receiver, &ri.PayoutItem.Amount
	}

	txStatus := ri.TransactionStatus
	if txStatus == "" {
		txStatus = ri.Status
	}
	item := ItemResult{
		PaypalItemID:      ri.PayoutItemID,
		TransactionStatus: strings.ToUpper(txStatus),
		Status:            MapItemStatus(txStatus),
		Receiver:          receiver,
		ErrorCode:         ri.ErrorName,
		ErrorMessage:      ri.ErrorMessage,
	}
	if ri.Errors != nil {
		item.ErrorCode = ri.Errors.Name
		item.ErrorMessage = ri.Errors.Message
	}

	if amount != nil && amount.Value != "" {
		value, err := decimal.NewFromString(amount.Value)
		if err != nil {
			return ItemResult{}, &ParseError{Code: ParseUnrecognizedFormat, Field: "amount.value", Err: err}
		}
		item.Amount = model.DollarsToCents(value)
		item.Currency = amount.Currency
	}

	item.Recipient = ParseSenderItemID(senderItemID)
	item.CycleWinnerSelectionID, item.UserID, item.Annotation = Resolve(item.Recipient)
	if item.Annotation != "" && item.ErrorMessage == "" {
		item.ErrorMessage = item.Annotation
	}
	return item, nil
}
