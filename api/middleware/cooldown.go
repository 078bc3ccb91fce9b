package middleware

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/blnkfinance/disburse/model"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// BatchIDKey is the gin context key under which a handler reports the batch an
// admitted request produced or was refused in favour of.
const BatchIDKey = "disbursement_batch_id"

// pendingValue marks a window whose request has not reported a batch yet.
const pendingValue = "pending"

// CycleCooldown admits one disbursement attempt per cycle per window. A request
// rejected as malformed or for an unknown cycle gives its window back.
type CycleCooldown struct {
	client redis.UniversalClient
	window time.Duration
	param  string
}

func NewCycleCooldown(client redis.UniversalClient, window time.Duration, param string) *CycleCooldown {
	return &CycleCooldown{client: client, window: window, param: param}
}

func cooldownKey(cycleID string) string {
	return "disbursement_cooldown:" + cycleID
}

func (cc *CycleCooldown) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cycleID := c.Param(cc.param)
		if cc.client == nil || cc.window <= 0 || cycleID == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		key := cooldownKey(cycleID)
		log := logrus.WithField("cycle_id", cycleID)
		admitted, err := cc.client.SetNX(ctx, key, pendingValue, cc.window).Result()
		if err != nil {
			// the advisory lock still serializes the cycle
			log.WithError(err).Warn("cooldown check failed, admitting request")
			c.Next()
			return
		}
		if admitted {
			c.Next()
			cc.settle(c, key, log)
			return
		}
		cc.reject(c, key, cycleID)
	}
}

// settle releases the window of a refused request or records the batch it produced.
func (cc *CycleCooldown) settle(c *gin.Context, key string, log *logrus.Entry) {
	ctx := c.Request.Context()
	switch c.Writer.Status() {
	case http.StatusBadRequest, http.StatusNotFound:
		if err := cc.client.Del(ctx, key).Err(); err != nil {
			log.WithError(err).Warn("failed to release the cooldown window")
		}
		return
	}
	batchID := c.GetInt64(BatchIDKey)
	if batchID <= 0 {
		return
	}
	err := cc.client.SetArgs(ctx, key, strconv.FormatInt(batchID, 10), redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		log.WithError(err).Warn("failed to record the batch of the cooldown window")
	}
}

func (cc *CycleCooldown) reject(c *gin.Context, key, cycleID string) {
	ctx := c.Request.Context()
	retryAfter := 1
	if ttl, err := cc.client.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
		retryAfter = int(math.Ceil(ttl.Seconds()))
	}
	result := &model.DisbursementResult{
		Success:           false,
		State:             model.StateNotStarted,
		ErrorClass:        model.ErrorClassRateLimited,
		Error:             fmt.Sprintf("cycle %s is in its disbursement cooldown", cycleID),
		UserMessage:       fmt.Sprintf("A disbursement for this cycle was started moments ago. Wait %d seconds before trying again.", retryAfter),
		ActionRequired:    model.ActionWaitAndRetry,
		RetryAfterSeconds: retryAfter,
	}
	if raw, err := cc.client.Get(ctx, key).Result(); err == nil {
		if batchID, err := strconv.ParseInt(raw, 10, 64); err == nil && batchID > 0 {
			result.ExistingBatchID = batchID
			result.UserMessage = fmt.Sprintf("Batch %d for this cycle was started moments ago. Wait %d seconds before trying again.", batchID, retryAfter)
		}
	}
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, result)
}
