package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/blnkfinance/disburse"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// maxWebhookBody bounds the callback body read into memory.
const maxWebhookBody = 1 << 20

// PaypalWebhook receives gateway callbacks. The callback only names the batch; its
// state is read back from the gateway by reconciliation.
func (a Api) PaypalWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		respondError(c, http.StatusBadRequest, "unreadable webhook body")
		return
	}
	if a.verifier != nil {
		if err := a.verifier.VerifyWebhookSignature(c.Request.Context(), c.Request.Header, body); err != nil {
			logrus.WithError(err).Warn("rejected paypal webhook")
			respondError(c, http.StatusBadRequest, "webhook signature could not be verified")
			return
		}
	}

	var event disburse.GatewayEvent
	if err := json.Unmarshal(body, &event); err != nil {
		respondError(c, http.StatusBadRequest, "webhook body is not a gateway event")
		return
	}

	log := logrus.WithFields(logrus.Fields{"event_id": event.ID, "event_type": event.EventType})
	report, err := a.service.HandleGatewayEvent(c.Request.Context(), event)
	if err != nil {
		// a non 2xx answer makes the gateway deliver the event again
		log.WithError(err).Error("webhook handling failed")
		respondError(c, http.StatusInternalServerError, "webhook could not be processed")
		return
	}
	if report != nil && report.Skipped {
		log.WithField("reason", report.Reason).Info("webhook skipped")
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "report": report})
}
