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

package database

import (
	"context"
	"time"

	"github.com/blnkfinance/disburse/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	payoutBatch     // Interface for batch operations
	payoutBatchItem // Interface for batch item operations
	winnerSelection // Interface for winner selection operations
	cycle           // Interface for cycle and reward operations
	advisoryLock    // Interface for advisory lock operations
}

// payoutBatch defines methods for handling payout batches.
type payoutBatch interface {
	// Inserts a batch and its items in one transaction
	CreatePayoutBatchWithItems(ctx context.Context, batch *model.PayoutBatch, items []*model.PayoutBatchItem) (*model.PayoutBatch, []*model.PayoutBatchItem, error)

	GetPayoutBatchByID(ctx context.Context, id int64) (*model.PayoutBatch, error)                             // Retrieves a batch by ID
	GetPayoutBatchByChecksum(ctx context.Context, checksum string) (*model.PayoutBatch, error)                // Retrieves the latest batch with a checksum, nil when none
	GetPayoutBatchByPaypalBatchID(ctx context.Context, paypalBatchID string) (*model.PayoutBatch, error)      // Retrieves a batch by gateway batch id, nil when none
	CheckExistingBatch(ctx context.Context, senderBatchID, checksum string) (*model.PayoutBatch, error)       // Latest batch matching either idempotency field, nil when none
	UpdatePayoutBatch(ctx context.Context, id int64, patch model.PayoutBatchPatch) error                      // Applies a partial update
	DeletePayoutBatch(ctx context.Context, id int64) error                                                    // Deletes a batch, rollback only
	GetPayoutBatchesByCycle(ctx context.Context, cycleID int64) ([]*model.PayoutBatch, error)                 // Batch history for a cycle
	GetPayoutBatchesByStatus(ctx context.Context, statuses []string, limit int) ([]*model.PayoutBatch, error) // Batches in any of the statuses, oldest update first
	GetPayoutBatchSummary(ctx context.Context) (*model.PayoutSummary, error)                                  // Aggregates for the dashboard
}

// payoutBatchItem defines methods for handling batch items.
type payoutBatchItem interface {
	GetPayoutBatchItemsByBatchID(ctx context.Context, batchID int64) ([]*model.PayoutBatchItem, error) // Retrieves the items of a batch
	UpdatePayoutBatchItem(ctx context.Context, id int64, patch model.PayoutBatchItemPatch) error       // Applies a partial update
	DeletePayoutBatchItems(ctx context.Context, batchID int64) error                                   // Deletes every item of a batch, rollback only
}

// winnerSelection defines methods for reading winners and mirroring payout status.
type winnerSelection interface {
	GetWinnerSelectionByID(ctx context.Context, id int64) (*model.WinnerSelection, error)
	GetWinnerSelectionsByIDs(ctx context.Context, cycleID int64, ids []int64) ([]*model.WinnerSelection, error)
	GetEligibleWinnerSelections(ctx context.Context, cycleID int64) ([]*model.WinnerSelection, error)
	UpdateWinnerPayoutStatus(ctx context.Context, id int64, status string) error
}

// cycle defines methods for cycles and the records created once payouts land.
type cycle interface {
	GetCycleByID(ctx context.Context, id int64) (*model.Cycle, error)
	MarkCycleAsCompleted(ctx context.Context, id int64) error
	CreateUserRewards(ctx context.Context, rewards []*model.UserReward) (int, error) // Idempotent per winner selection, returns rows inserted
}

// advisoryLock defines the TTL lock table.
type advisoryLock interface {
	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (*model.AdvisoryLock, error)
	ReleaseLock(ctx context.Context, key, holder string) error
	GetActiveAdvisoryLocks(ctx context.Context) ([]model.AdvisoryLock, error)
}
