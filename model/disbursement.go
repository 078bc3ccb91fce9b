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

import "time"

// Recipient is one line of a disbursement request. Amount is in cents.
type Recipient struct {
	CycleWinnerSelectionID int64  `json:"cycleWinnerSelectionId"`
	UserID                 int64  `json:"userId"`
	PaypalEmail            string `json:"paypalEmail"`
	Amount                 int64  `json:"amount"`
	Currency               string `json:"currency"`
}

// TransactionContext is everything the orchestrator needs to run one disbursement.
type TransactionContext struct {
	CycleSettingID int64       `json:"cycleSettingId"`
	AdminID        int64       `json:"adminId"`
	TotalAmount    int64       `json:"totalAmount"`
	Recipients     []Recipient `json:"recipients"`
	RequestID      string      `json:"requestId"`
	// SenderBatchID may be supplied by the caller; it is derived when empty.
	SenderBatchID string `json:"senderBatchId,omitempty"`
}

// SumRecipients adds up recipient amounts.
func (tc *TransactionContext) SumRecipients() int64 {
	var total int64
	for _, r := range tc.Recipients {
		total += r.Amount
	}
	return total
}

type IdempotencyData struct {
	SenderBatchID   string `json:"senderBatchId"`
	RequestChecksum string `json:"requestChecksum"`
}

// State is a step of the disbursement state machine.
type State string

const (
	StateNotStarted          State = "NOT_STARTED"
	StateLockAcquiring       State = "LOCK_ACQUIRING"
	StatePhase1Preparing     State = "PHASE1_PREPARING"
	StatePhase2Submitting    State = "PHASE2_SUBMITTING"
	StateReconciling         State = "RECONCILING"
	StateCompleted           State = "COMPLETED"
	StatePartiallyCompleted  State = "PARTIALLY_COMPLETED"
	StateFailedRolledBack    State = "FAILED_ROLLED_BACK"
	StateFailedUnrecoverable State = "FAILED_UNRECOVERABLE"
)

func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StatePartiallyCompleted, StateFailedRolledBack, StateFailedUnrecoverable:
		return true
	}
	return false
}

// ErrorClass labels why a disbursement did not go through.
type ErrorClass string

const (
	ErrorClassValidation             ErrorClass = "validation"
	ErrorClassDuplicate              ErrorClass = "duplicate"
	ErrorClassLockHeld               ErrorClass = "lock_held"
	ErrorClassPreGatewayStorage      ErrorClass = "pre_gateway_storage"
	ErrorClassGatewayTransient       ErrorClass = "gateway_transient"
	ErrorClassGatewayRejected        ErrorClass = "gateway_rejected"
	ErrorClassPostGatewayPersistence ErrorClass = "post_gateway_persistence"
	ErrorClassRollbackFailed         ErrorClass = "rollback_failed"
	ErrorClassRateLimited            ErrorClass = "rate_limited"
)

// ActionRequired tells the operator what to do next.
type ActionRequired string

const (
	ActionFixRequest           ActionRequired = "fix_request"
	ActionWaitAndRetry         ActionRequired = "wait_and_retry"
	ActionResubmit             ActionRequired = "resubmit"
	ActionContactSupport       ActionRequired = "contact_support"
	ActionManualReconciliation ActionRequired = "manual_reconciliation"
)

// DisbursementResult is returned from every orchestration path, including failures.
type DisbursementResult struct {
	Success           bool           `json:"success"`
	State             State          `json:"state"`
	BatchID           int64          `json:"batchId,omitempty"`
	PaypalBatchID     string         `json:"paypalBatchId,omitempty"`
	SenderBatchID     string         `json:"senderBatchId,omitempty"`
	BatchStatus       string         `json:"batchStatus,omitempty"`
	SuccessfulItems   int            `json:"successfulItems"`
	FailedItems       int            `json:"failedItems"`
	PendingItems      int            `json:"pendingItems"`
	UnclaimedItems    int            `json:"unclaimedItems"`
	ErrorClass        ErrorClass     `json:"errorClass,omitempty"`
	Error             string         `json:"error,omitempty"`
	UserMessage       string         `json:"userMessage,omitempty"`
	ActionRequired    ActionRequired `json:"actionRequired,omitempty"`
	ExistingBatchID   int64          `json:"existingBatchId,omitempty"`
	RetryAfterSeconds int            `json:"retryAfterSeconds,omitempty"`
}

// ApplyCounts copies item tallies onto the result.
func (r *DisbursementResult) ApplyCounts(c ItemCounts) {
	r.SuccessfulItems = c.Successful
	r.FailedItems = c.Failed
	r.PendingItems = c.Pending
	r.UnclaimedItems = c.Unclaimed
}

// TransactionStatus is a read-only view of one batch.
type TransactionStatus struct {
	BatchID                int64              `json:"batchId"`
	CycleSettingID         int64              `json:"cycleSettingId"`
	Status                 string             `json:"status"`
	PaypalBatchID          string             `json:"paypalBatchId,omitempty"`
	SenderBatchID          string             `json:"senderBatchId"`
	TotalAmount            int64              `json:"totalAmount"`
	TotalRecipients        int                `json:"totalRecipients"`
	RequiresReconciliation bool               `json:"requiresReconciliation"`
	RetryCount             int                `json:"retryCount"`
	Counts                 ItemCounts         `json:"counts"`
	Items                  []*PayoutBatchItem `json:"items"`
	CreatedAt              time.Time          `json:"createdAt"`
	UpdatedAt              time.Time          `json:"updatedAt"`
}

// ReconcileReport summarizes what a reconciliation pass changed.
type ReconcileReport struct {
	BatchID        int64      `json:"batchId"`
	PaypalBatchID  string     `json:"paypalBatchId,omitempty"`
	PreviousStatus string     `json:"previousStatus"`
	Status         string     `json:"status"`
	ItemsUpdated   int        `json:"itemsUpdated"`
	Counts         ItemCounts `json:"counts"`
	Skipped        bool       `json:"skipped"`
	Reason         string     `json:"reason,omitempty"`
}

// PayoutSummary is the aggregate the store computes for the dashboard.
type PayoutSummary struct {
	CountsByStatus         map[string]int `json:"countsByStatus"`
	TotalPaidOut           int64          `json:"totalPaidOut"`
	RetryableBatches       int            `json:"retryableBatches"`
	RequiresReconciliation int            `json:"requiresReconciliation"`
}

type LockStatus struct {
	Key              string    `json:"key"`
	Holder           string    `json:"holder"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RemainingSeconds int       `json:"remainingSeconds"`
}

type Dashboard struct {
	ActiveBatches             int          `json:"activeBatches"`
	CompletedBatches          int          `json:"completedBatches"`
	PartiallyCompletedBatches int          `json:"partiallyCompletedBatches"`
	FailedBatches             int          `json:"failedBatches"`
	RequiresReconciliation    int          `json:"requiresReconciliation"`
	RetryableBatches          int          `json:"retryableBatches"`
	TotalPaidOut              int64        `json:"totalPaidOut"`
	ActiveLocks               []LockStatus `json:"activeLocks"`
	GeneratedAt               time.Time    `json:"generatedAt"`
}

// DisbursementRequest is an admin's request to pay a cycle's winners. Exactly one of
// ProcessAll and SelectedWinnerIDs is set.
type DisbursementRequest struct {
	CycleSettingID    int64   `json:"cycleSettingId"`
	AdminID           int64   `json:"adminId"`
	ProcessAll        bool    `json:"processAll"`
	SelectedWinnerIDs []int64 `json:"selectedWinnerIds,omitempty"`
	RequestID         string  `json:"requestId,omitempty"`
}
