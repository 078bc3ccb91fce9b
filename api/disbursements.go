package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/blnkfinance/disburse"
	"github.com/blnkfinance/disburse/api/middleware"
	model2 "github.com/blnkfinance/disburse/api/model"
	"github.com/blnkfinance/disburse/internal/apierror"
	"github.com/blnkfinance/disburse/model"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func idParam(c *gin.Context, name string) (int64, bool) {
	raw := c.Param(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, fmt.Sprintf("%s must be a positive integer, got %q", name, raw))
		return 0, false
	}
	return id, true
}

func dispatchHeaders(c *gin.Context) (model2.DispatchHeaders, error) {
	var h model2.DispatchHeaders
	if raw := c.GetHeader(AdminIDHeader); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return h, fmt.Errorf("%s must be numeric", AdminIDHeader)
		}
		h.AdminID = id
	}
	h.RequestID = c.GetHeader(IdempotencyKeyHeader)
	return h, h.ValidateDispatchHeaders()
}

// respondError writes the generic error body used by the read endpoints.
func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "error": message})
}

func respondServiceError(c *gin.Context, err error) {
	status := apierror.MapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logrus.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	var apiErr apierror.APIError
	if errors.As(err, &apiErr) {
		respondError(c, status, apiErr.Message)
		return
	}
	respondError(c, status, err.Error())
}

func invalidRequest(err error) *model.DisbursementResult {
	return &model.DisbursementResult{
		State:          model.StateNotStarted,
		ErrorClass:     model.ErrorClassValidation,
		Error:          err.Error(),
		UserMessage:    err.Error(),
		ActionRequired: model.ActionFixRequest,
	}
}

// resultStatus maps an orchestration outcome to its HTTP status.
func resultStatus(result *model.DisbursementResult, err error) int {
	if err == nil {
		return http.StatusOK
	}
	if apierror.IsNotFound(err) {
		return http.StatusNotFound
	}
	class := result.ErrorClass
	var derr *disburse.DisbursementError
	if class == "" && errors.As(err, &derr) {
		class = derr.Class
	}
	switch class {
	case model.ErrorClassValidation:
		return http.StatusBadRequest
	case model.ErrorClassDuplicate:
		return http.StatusConflict
	case model.ErrorClassLockHeld:
		return http.StatusLocked
	case model.ErrorClassRateLimited:
		return http.StatusTooManyRequests
	case model.ErrorClassGatewayTransient, model.ErrorClassGatewayRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeResult always answers with a structured body, including on failure.
func writeResult(c *gin.Context, result *model.DisbursementResult, err error) {
	if result == nil {
		result = &model.DisbursementResult{
			State:          model.StateNotStarted,
			ActionRequired: model.ActionContactSupport,
			UserMessage:    "The disbursement could not be processed. Contact support with the time of this request.",
		}
		if err == nil {
			err = errors.New("no result returned")
		}
	}
	status := resultStatus(result, err)
	if err != nil {
		result.Success = false
		if result.Error == "" {
			result.Error = err.Error()
		}
		if status == http.StatusNotFound && result.UserMessage != "" {
			result.Error = result.UserMessage
		}
	}
	if result.RetryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.Itoa(result.RetryAfterSeconds))
	}
	if status >= http.StatusInternalServerError {
		logrus.WithFields(logrus.Fields{
			"batch_id":        result.BatchID,
			"error_class":     result.ErrorClass,
			"action_required": result.ActionRequired,
		}).WithError(err).Error("disbursement failed")
	}
	c.JSON(status, result)
}

// DisburseCycle pays the winners of a cycle, either every eligible winner or a
// selection.
func (a Api) DisburseCycle(c *gin.Context) {
	cycleID, ok := idParam(c, "cycleId")
	if !ok {
		return
	}
	headers, err := dispatchHeaders(c)
	if err != nil {
		writeResult(c, invalidRequest(err), err)
		return
	}

	var body model2.DisburseCycle
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		writeResult(c, invalidRequest(err), err)
		return
	}
	if err := body.ValidateDisburseCycle(); err != nil {
		writeResult(c, invalidRequest(err), err)
		return
	}

	result, err := a.service.DisburseCycle(c.Request.Context(), body.ToDisbursementRequest(cycleID, headers))
	if result != nil {
		if id := result.BatchID; id > 0 {
			c.Set(middleware.BatchIDKey, id)
		} else if id := result.ExistingBatchID; id > 0 {
			c.Set(middleware.BatchIDKey, id)
		}
	}
	writeResult(c, result, err)
}

// RetryFailedItems pays the failed items of a batch again as a new batch.
func (a Api) RetryFailedItems(c *gin.Context) {
	batchID, ok := idParam(c, "id")
	if !ok {
		return
	}
	headers, err := dispatchHeaders(c)
	if err != nil {
		writeResult(c, invalidRequest(err), err)
		return
	}
	result, err := a.service.RetryFailedItems(c.Request.Context(), batchID, headers.AdminID)
	writeResult(c, result, err)
}

func (a Api) GetBatchStatus(c *gin.Context) {
	batchID, ok := idParam(c, "id")
	if !ok {
		return
	}
	status, err := a.service.GetTransactionStatus(c.Request.Context(), batchID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (a Api) ReconcileBatch(c *gin.Context) {
	batchID, ok := idParam(c, "id")
	if !ok {
		return
	}
	report, err := a.service.Reconcile(c.Request.Context(), batchID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a Api) GetCycleBatches(c *gin.Context) {
	cycleID, ok := idParam(c, "cycleId")
	if !ok {
		return
	}
	batches, err := a.service.GetCycleBatches(c.Request.Context(), cycleID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if batches == nil {
		batches = []*model.PayoutBatch{}
	}
	c.JSON(http.StatusOK, batches)
}

func (a Api) GetDashboard(c *gin.Context) {
	dashboard, err := a.service.Dashboard(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, dashboard)
}

func (a Api) GetActiveLocks(c *gin.Context) {
	locks, err := a.service.ActiveLocks(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if locks == nil {
		locks = []model.LockStatus{}
	}
	c.JSON(http.StatusOK, locks)
}
