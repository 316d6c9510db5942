package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ErrRequestTimeout is attached to the gin context when a request exceeds its
// deadline without writing a response.
var ErrRequestTimeout = errors.New("request deadline exceeded")

// Timeout bounds every request with a deadline of d. The chain still runs on
// the request goroutine: handlers stop early only because storage, cache and
// routing calls honour the request context.
//
// When the deadline expires before anything was written the client gets a 503
// with code "timeout". A client that disconnects gets nothing.
func Timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if c.Writer.Written() || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return
		}
		log.Warn().
			Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Dur("timeout", d).
			Msg("request deadline exceeded")
		_ = c.Error(ErrRequestTimeout) //nolint:errcheck
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error": "request timed out",
			"code":  "timeout",
		})
	}
}
