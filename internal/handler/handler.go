// Package handler exposes the fleet services over HTTP with gin.
package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/rs/zerolog/log"

	"github.com/shuttleops/fleet-api/internal/service"
)

// Pagination bounds for list endpoints.
const (
	defaultLimit = 50
	maxLimit     = 200
)

func init() {
	// Request bodies with unknown fields are rejected.
	binding.EnableDecoderDisallowUnknownFields = true
}

// writeError maps service errors to HTTP responses. Anything unrecognised is
// logged and answered with a 500.
//
//	*service.ValidationError          400 validation
//	*service.ReferenceError           404 not_found
//	*service.InvalidTransitionError   409 invalid_transition (+ current_status)
//	*service.CapacityViolationError   409 capacity_violation
//	*service.PreconditionError        422 precondition_failed
func writeError(c *gin.Context, err error) {
	var (
		validation *service.ValidationError
		reference  *service.ReferenceError
		transition *service.InvalidTransitionError
		capacity   *service.CapacityViolationError
		pre        *service.PreconditionError
	)

	switch {
	case errors.As(err, &validation):
		body := gin.H{"error": validation.Error(), "code": "validation"}
		if validation.Field != "" {
			body["field"] = validation.Field
		}
		c.JSON(http.StatusBadRequest, body)
	case errors.As(err, &reference):
		c.JSON(http.StatusNotFound, gin.H{"error": reference.Error(), "code": "not_found"})
	case errors.As(err, &transition):
		c.JSON(http.StatusConflict, gin.H{
			"error":          transition.Error(),
			"code":           "invalid_transition",
			"current_status": transition.Current,
		})
	case errors.As(err, &capacity):
		c.JSON(http.StatusConflict, gin.H{
			"error":              capacity.Error(),
			"code":               "capacity_violation",
			"current_passengers": capacity.Current,
			"max_capacity":       capacity.Max,
		})
	case errors.As(err, &pre):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": pre.Error(), "code": "precondition_failed"})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request timed out", "code": "timeout"})
	default:
		log.Error().Err(err).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Msg("handler: internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
	}
	_ = c.Error(err) //nolint:errcheck // recorded for the request logger
}

// badRequest answers a request whose body or query could not be decoded.
func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": "invalid_request"})
}

// notFound answers a lookup that found nothing.
func notFound(c *gin.Context, entity string) {
	c.JSON(http.StatusNotFound, gin.H{"error": entity + " not found", "code": "not_found"})
}

// bindJSON decodes the request body into dst and answers 400 on failure.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		badRequest(c, err.Error())
		return false
	}
	return true
}

// bindOptionalJSON is bindJSON for bodies that may be omitted entirely,
// including empty chunked bodies of unknown length.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return false
	}
	return true
}

// parsePage reads limit and offset query parameters.
func parsePage(c *gin.Context) (limit, offset int, ok bool) {
	limit = defaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxLimit {
			badRequest(c, "limit must be an integer between 1 and "+strconv.Itoa(maxLimit))
			return 0, 0, false
		}
		limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

// page returns the [offset, offset+limit) window of items.
func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
