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
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"golang.org/x/oauth2"
)

// Error signatures used by retry classification.
const (
	SignatureTimeout           = "timeout"
	SignatureConnectionReset   = "connection_reset"
	SignatureRateLimit         = "rate_limit"
	SignatureServerError       = "server_error"
	SignatureAuthentication    = "authentication"
	SignatureInvalidRequest    = "invalid_request"
	SignatureInsufficientFunds = "insufficient_funds"
	SignatureDuplicateBatch    = "duplicate_batch"
	SignatureUnknown           = "unknown"
)

// Error is a non-2xx answer from the payout API.
type Error struct {
	StatusCode int    `json:"-"`
	Name       string `json:"name"`
	Message    string `json:"message"`
	DebugID    string `json:"debug_id"`
}

func (e *Error) Error() string {
	if e.DebugID != "" {
		return fmt.Sprintf("paypal error %d %s: %s (debug_id %s)", e.StatusCode, e.Name, e.Message, e.DebugID)
	}
	return fmt.Sprintf("paypal error %d %s: %s", e.StatusCode, e.Name, e.Message)
}

// Signature classifies an error returned by the client into one of the Signature* values.
func Signature(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		if isDuplicateBatch(apiErr) {
			return SignatureDuplicateBatch
		}
		return apiSignature(apiErr.StatusCode, apiErr.Name)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= http.StatusInternalServerError {
			return SignatureServerError
		}
		return SignatureAuthentication
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return SignatureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return SignatureTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return SignatureConnectionReset
	}
	if strings.Contains(err.Error(), "connection reset") {
		return SignatureConnectionReset
	}
	return SignatureUnknown
}

// isDuplicateBatch reports whether the gateway already holds a batch with the
// submitted sender_batch_id.
func isDuplicateBatch(e *Error) bool {
	switch e.Name {
	case "DUPLICATE_REQUEST_ID", "SENDER_BATCH_ID_ALREADY_USED":
		return true
	case "USER_BUSINESS_ERROR":
		msg := strings.ToLower(e.Message)
		return strings.Contains(msg, "sender_batch_id") &&
			(strings.Contains(msg, "already") || strings.Contains(msg, "duplicate"))
	}
	return false
}

func apiSignature(status int, name string) string {
	switch name {
	case "INSUFFICIENT_FUNDS":
		return SignatureInsufficientFunds
	case "RATE_LIMIT_REACHED":
		return SignatureRateLimit
	case "AUTHENTICATION_FAILURE", "PERMISSION_DENIED", "NOT_AUTHORIZED":
		return SignatureAuthentication
	}
	switch {
	case status == http.StatusTooManyRequests:
		return SignatureRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return SignatureTimeout
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return SignatureAuthentication
	case status >= http.StatusInternalServerError:
		return SignatureServerError
	case status >= http.StatusBadRequest:
		return SignatureInvalidRequest
	}
	return SignatureUnknown
}

// Parse failure codes.
const (
	ParseMissingRequiredField = "MISSING_REQUIRED_FIELD"
	ParseUnrecognizedFormat   = "UNRECOGNIZED_FORMAT"
)

// ParseError is returned when a payout response cannot be turned into a PayoutResult.
type ParseError struct {
	Code  string
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("parse payout response: %s", e.Code)
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
