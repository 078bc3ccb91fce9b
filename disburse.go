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
	"embed"
	"time"

	"github.com/blnkfinance/disburse/config"
	"github.com/blnkfinance/disburse/database"
	"github.com/blnkfinance/disburse/gateway"
	"github.com/blnkfinance/disburse/internal/cache"
	redlock "github.com/blnkfinance/disburse/internal/lock"
	"github.com/blnkfinance/disburse/internal/metrics"
	"github.com/blnkfinance/disburse/internal/notification"
	redis_db "github.com/blnkfinance/disburse/internal/redis-db"
	"github.com/blnkfinance/disburse/model"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("disburse")

//go:embed sql/*.sql
var SQLFiles embed.FS

// Gateway is the payout API the orchestrator submits batches to.
type Gateway interface {
	CreatePayout(ctx context.Context, senderBatchID string, recipients []model.Recipient) ([]byte, error)
	ParsePayoutResponse(raw []byte) (*gateway.PayoutResult, error)
	GetPayoutStatus(ctx context.Context, paypalBatchID string) (*gateway.PayoutResult, error)
}

// AdvisoryLocker hands out TTL bound, non-blocking locks keyed by string.
type AdvisoryLocker interface {
	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (*model.AdvisoryLock, error)
	ReleaseLock(ctx context.Context, key, holder string) error
	GetActiveAdvisoryLocks(ctx context.Context) ([]model.AdvisoryLock, error)
}

// Disburse is the payout disbursement service.
type Disburse struct {
	datasource database.IDataSource
	gateway    Gateway
	locker     AdvisoryLocker
	queue      *Queue
	redis      redis.UniversalClient
	cache      cache.Cache
	metrics    *metrics.Collector
	retry      RetryPolicy

	currency       string
	lockTTL        time.Duration
	reconcileDelay time.Duration
	cycleCacheTTL  time.Duration
	now            func() time.Time
}

// NewDisburse wires the service from the current configuration. The advisory lock
// backend is chosen by disbursement.lock_backend.
func NewDisburse(db database.IDataSource, gw Gateway, collector *metrics.Collector) (*Disburse, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{configuration.Redis.Dns}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	newQueue, err := NewQueue(configuration)
	if err != nil {
		return nil, err
	}

	var locker AdvisoryLocker = db
	if configuration.Disbursement.LockBackend == config.LockBackendRedis {
		locker = redlock.NewAdvisoryLocks(redisClient.Client())
	}

	d := &Disburse{
		datasource:     db,
		gateway:        gw,
		locker:         locker,
		queue:          newQueue,
		redis:          redisClient.Client(),
		cache:          cache.NewCache(redisClient.Client()),
		metrics:        collector,
		retry:          RetryPolicyFromConfig(configuration.Disbursement.Retry),
		currency:       configuration.Gateway.Currency,
		lockTTL:        configuration.Disbursement.LockTTL(),
		reconcileDelay: configuration.Disbursement.ReconcileDelay(),
		cycleCacheTTL:  configuration.Disbursement.CycleCacheTTL(),
		now:            time.Now,
	}

	notification.RegisterWebhookSender(func(event string, payload interface{}) error {
		return d.queue.EnqueueWebhook(context.Background(), NewWebhook{Event: event, Payload: payload})
	})
	return d, nil
}

// Redis exposes the shared client, used by the dispatch layer's cooldown.
func (d *Disburse) Redis() redis.UniversalClient {
	return d.redis
}

// Metrics returns the collector the service records into.
func (d *Disburse) Metrics() *metrics.Collector {
	return d.metrics
}

func (d *Disburse) clock() time.Time {
	if d.now == nil {
		return time.Now()
	}
	return d.now()
}
