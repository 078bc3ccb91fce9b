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

package model

import (
	"time"
)

// Batch statuses. A batch moves intent -> processing -> one of the terminal
// statuses; partially_completed may still settle into completed or failed.
const (
	BatchStatusIntent             = "intent"
	BatchStatusProcessing         = "processing"
	BatchStatusCompleted          = "completed"
	BatchStatusPartiallyCompleted = "partially_completed"
	BatchStatusFailed             = "failed"
)

// Item statuses.
const (
	ItemStatusPending   = "pending"
	ItemStatusSuccess   = "success"
	ItemStatusFailed    = "failed"
	ItemStatusUnclaimed = "unclaimed"
)

// UnresolvedWinnerSelectionID marks an item outcome whose winner selection
// could not be recovered from the gateway's recipient identifier.
const UnresolvedWinnerSelectionID int64 = -1

type PayoutBatch struct {
	ID                     int64      `json:"id"`
	CycleSettingID         int64      `json:"cycleSettingId"`
	SenderBatchID          string     `json:"senderBatchId"`
	RequestChecksum        string     `json:"requestChecksum"`
	Status                 string     `json:"status"`
	PaypalBatchID          *string    `json:"paypalBatchId,omitempty"`
	TotalAmount            int64      `json:"totalAmount"`
	TotalRecipients        int        `json:"totalRecipients"`
	Currency               string     `json:"currency"`
	AdminID                int64      `json:"adminId"`
	RetryCount             int        `json:"retryCount"`
	LastRetryAt            *time.Time `json:"lastRetryAt,omitempty"`
	LastRetryError         *string    `json:"lastRetryError,omitempty"`
	RequiresReconciliation bool       `json:"requiresReconciliation"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

type PayoutBatchItem struct {
	ID                     int64      `json:"id"`
	BatchID                int64      `json:"batchId"`
	CycleWinnerSelectionID int64      `json:"cycleWinnerSelectionId"`
	UserID                 int64      `json:"userId"`
	PaypalEmail            string     `json:"paypalEmail"`
	Amount                 int64      `json:"amount"`
	Currency               string     `json:"currency"`
	Status                 string     `json:"status"`
	PaypalItemID           *string    `json:"paypalItemId,omitempty"`
	ErrorCode              *string    `json:"errorCode,omitempty"`
	ErrorMessage           *string    `json:"errorMessage,omitempty"`
	ProcessedAt            *time.Time `json:"processedAt,omitempty"`
}

// PayoutBatchPatch carries the columns an update touches; nil fields are left alone.
type PayoutBatchPatch struct {
	Status                 *string
	PaypalBatchID          *string
	RetryCount             *int
	LastRetryAt            *time.Time
	LastRetryError         *string
	RequiresReconciliation *bool
}

// IsEmpty reports whether the patch would not change anything.
func (p PayoutBatchPatch) IsEmpty() bool {
	return p.Status == nil && p.PaypalBatchID == nil && p.RetryCount == nil &&
		p.LastRetryAt == nil && p.LastRetryError == nil && p.RequiresReconciliation == nil
}

type PayoutBatchItemPatch struct {
	Status       *string
	PaypalItemID *string
	ErrorCode    *string
	ErrorMessage *string
	ProcessedAt  *time.Time
}

func (p PayoutBatchItemPatch) IsEmpty() bool {
	return p.Status == nil && p.PaypalItemID == nil && p.ErrorCode == nil &&
		p.ErrorMessage == nil && p.ProcessedAt == nil
}

var batchTransitions = map[string][]string{
	BatchStatusIntent:             {BatchStatusProcessing},
	BatchStatusProcessing:         {BatchStatusCompleted, BatchStatusPartiallyCompleted, BatchStatusFailed},
	BatchStatusPartiallyCompleted: {BatchStatusCompleted, BatchStatusFailed},
}

// CanTransitionBatch reports whether a batch may move from one status to another.
// Batches never move backward.
func CanTransitionBatch(from, to string) bool {
	for _, next := range batchTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionItem reports whether an item may move between statuses. Success and
// failed are final; unclaimed may only settle.
func CanTransitionItem(from, to string) bool {
	switch from {
	case ItemStatusPending:
		return true
	case ItemStatusUnclaimed:
		return to == ItemStatusSuccess || to == ItemStatusFailed || to == ItemStatusUnclaimed
	default:
		return false
	}
}

// IsResolved reports whether an item status is final.
func IsResolved(status string) bool {
	return status == ItemStatusSuccess || status == ItemStatusFailed
}

// IsTerminalBatchStatus reports whether a batch has left the pre-gateway states.
func IsTerminalBatchStatus(status string) bool {
	return status == BatchStatusCompleted || status == BatchStatusPartiallyCompleted || status == BatchStatusFailed
}

// ItemCounts tallies items by status.
type ItemCounts struct {
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
	Unclaimed  int `json:"unclaimed"`
}

func (c ItemCounts) Total() int {
	return c.Successful + c.Failed + c.Pending + c.Unclaimed
}

// Unresolved is the number of items still waiting on the gateway.
func (c ItemCounts) Unresolved() int {
	return c.Pending + c.Unclaimed
}

func CountItems(items []*PayoutBatchItem) ItemCounts {
	var c ItemCounts
	for _, item := range items {
		switch item.Status {
		case ItemStatusSuccess:
			c.Successful++
		case ItemStatusFailed:
			c.Failed++
		case ItemStatusUnclaimed:
			c.Unclaimed++
		default:
			c.Pending++
		}
	}
	return c
}

// BatchStatusFromCounts derives the terminal status of a batch the gateway accepted.
func BatchStatusFromCounts(c ItemCounts) string {
	if c.Unresolved() > 0 {
		return BatchStatusPartiallyCompleted
	}
	return BatchStatusCompleted
}
