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

	"github.com/shopspring/decimal"
)

// Winner payout statuses. Besides not_started they mirror the latest batch item status.
const (
	WinnerPayoutNotStarted = "not_started"
)

const (
	CycleStatusActive    = "active"
	CycleStatusCompleted = "completed"
)

// Cycle is the reward period a disbursement pays out.
type Cycle struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// WinnerSelection records that a user won a cash amount in a cycle. It is owned by
// the reward system; disbursement only reads it and moves PayoutStatus.
type WinnerSelection struct {
	ID                    int64            `json:"id"`
	CycleSettingID        int64            `json:"cycleSettingId"`
	UserID                int64            `json:"userId"`
	PaypalEmail           string           `json:"paypalEmail"`
	PayoutStatus          string           `json:"payoutStatus"`
	PayoutOverride        *decimal.Decimal `json:"payoutOverride,omitempty"`
	PayoutFinal           decimal.Decimal  `json:"payoutFinal"`
	IsSealed              bool             `json:"isSealed"`
	NotificationDisplayed bool             `json:"notificationDisplayed"`
	UpdatedAt             time.Time        `json:"updatedAt"`
}

// PayoutAmount is the dollar amount owed; an admin override wins over the computed amount.
func (w *WinnerSelection) PayoutAmount() decimal.Decimal {
	if w.PayoutOverride != nil {
		return *w.PayoutOverride
	}
	return w.PayoutFinal
}

// PayoutCents is PayoutAmount rounded to cents.
func (w *WinnerSelection) PayoutCents() int64 {
	return DollarsToCents(w.PayoutAmount())
}

// IsEligible reports whether the winner can be included in a new disbursement.
func (w *WinnerSelection) IsEligible() bool {
	if !w.IsSealed || w.PaypalEmail == "" || w.PayoutCents() <= 0 {
		return false
	}
	return w.PayoutStatus == "" || w.PayoutStatus == WinnerPayoutNotStarted || w.PayoutStatus == ItemStatusFailed
}

// UserReward is the per-winner record created once a payout succeeded.
type UserReward struct {
	ID                     int64     `json:"id"`
	UserID                 int64     `json:"userId"`
	CycleSettingID         int64     `json:"cycleSettingId"`
	CycleWinnerSelectionID int64     `json:"cycleWinnerSelectionId"`
	PayoutBatchItemID      int64     `json:"payoutBatchItemId"`
	Amount                 int64     `json:"amount"`
	Currency               string    `json:"currency"`
	CreatedAt              time.Time `json:"createdAt"`
}

// DollarsToCents rounds a dollar amount to whole cents.
func DollarsToCents(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}

// CentsToDecimal renders cents back as dollars.
func CentsToDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
