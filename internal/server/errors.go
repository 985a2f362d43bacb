// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"querygate/server/internal/errors"
	"querygate/server/internal/logging"
)

// StatusFor maps an error kind to an HTTP status code.
func StatusFor(kind errors.Kind) int {
	switch kind {
	case errors.KindInvalidRequest:
		return http.StatusBadRequest
	case errors.KindRateLimited:
		return http.StatusTooManyRequests
	case errors.KindShuttingDown, errors.KindQueueFull, errors.KindPoolExhausted, errors.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case errors.KindExpired:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error     errorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
}

type errorDetail struct {
	Kind    errors.Kind `json:"kind"`
	Message string      `json:"message"`
}

func newErrorBody(err error, requestID string) errorBody {
	kind := errors.KindOf(err)
	if kind == "" {
		kind = errors.KindExecutionFailed
	}
	return errorBody{
		Error:     errorDetail{Kind: kind, Message: logging.Mask(errors.MessageOf(err))},
		RequestID: requestID,
	}
}

// abortWithError writes err as JSON with the status its kind maps to.
func abortWithError(c *gin.Context, err error) {
	body := newErrorBody(err, c.GetString(requestIDKey))
	if body.Error.Kind == errors.KindQueueFull {
		c.Header("Retry-After", "1")
	}
	c.AbortWithStatusJSON(StatusFor(body.Error.Kind), body)
}
