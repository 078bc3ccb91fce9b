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
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/blnkfinance/disburse"
	"github.com/blnkfinance/disburse/api/middleware"
	"github.com/blnkfinance/disburse/config"
	"github.com/blnkfinance/disburse/internal/metrics"
	"github.com/blnkfinance/disburse/model"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Service is the part of the disbursement service the HTTP layer drives.
type Service interface {
	DisburseCycle(ctx context.Context, req model.DisbursementRequest) (*model.DisbursementResult, error)
	RetryFailedItems(ctx context.Context, batchID, adminID int64) (*model.DisbursementResult, error)
	GetTransactionStatus(ctx context.Context, batchID int64) (*model.TransactionStatus, error)
	Reconcile(ctx context.Context, batchID int64) (*model.ReconcileReport, error)
	GetCycleBatches(ctx context.Context, cycleID int64) ([]*model.PayoutBatch, error)
	Dashboard(ctx context.Context) (*model.Dashboard, error)
	ActiveLocks(ctx context.Context) ([]model.LockStatus, error)
	HandleGatewayEvent(ctx context.Context, event disburse.GatewayEvent) (*model.ReconcileReport, error)
	Redis() redis.UniversalClient
	Metrics() *metrics.Collector
}

// WebhookVerifier confirms that a gateway callback is authentic.
type WebhookVerifier interface {
	VerifyWebhookSignature(ctx context.Context, headers http.Header, body []byte) error
}

type Api struct {
	service  Service
	verifier WebhookVerifier
	cooldown *middleware.CycleCooldown
	router   *gin.Engine
}

const (
	AdminIDHeader        = "X-Admin-Id"
	IdempotencyKeyHeader = "Idempotency-Key"
)

func (a Api) Router() *gin.Engine {
	router := a.router

	disbursements := router.Group("/disbursements")
	disbursements.GET("/dashboard", a.GetDashboard)
	disbursements.GET("/locks", a.GetActiveLocks)
	disbursements.GET("/batches/:id", a.GetBatchStatus)
	disbursements.POST("/batches/:id/retry-failed", a.RetryFailedItems)
	disbursements.POST("/batches/:id/reconcile", a.ReconcileBatch)
	disbursements.GET("/cycles/:cycleId/batches", a.GetCycleBatches)
	disbursements.POST("/:cycleId", a.cooldown.Handler(), a.DisburseCycle)

	router.POST("/webhooks/paypal", a.PaypalWebhook)
	router.GET("/metrics", gin.WrapH(a.service.Metrics().Handler()))
	return a.router
}

func NewAPI(service Service, verifier WebhookVerifier) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(conf.ProjectName))
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware("/", "/webhooks/paypal", "/metrics"))
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "route not found"})
	})

	window := conf.Disbursement.Cooldown()
	if window <= 0 {
		window = time.Minute
	}
	return &Api{
		service:  service,
		verifier: verifier,
		cooldown: middleware.NewCycleCooldown(service.Redis(), window, "cycleId"),
		router:   r,
	}
}
