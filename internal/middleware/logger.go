package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Logger returns a Gin middleware that writes one structured line per request
// to logger. 4xx responses are logged at warn level and 5xx at error level.
func Logger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		code := c.Writer.Status()
		reqLogger := logger.With().
			Int("status", code).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("ip", c.ClientIP()).
			Dur("latency", time.Since(start)).
			Str("user-agent", c.Request.UserAgent()).
			Logger()

		msg := "HTTP Request"
		if len(c.Errors) > 0 {
			msg = c.Errors.String()
		}
		if tenant := TenantID(c); tenant != "" {
			reqLogger = reqLogger.With().Str("tenant_id", tenant).Logger()
		}

		switch {
		case code >= http.StatusBadRequest && code < http.StatusInternalServerError:
			reqLogger.Warn().Msg(msg)
		case code >= http.StatusInternalServerError:
			reqLogger.Error().Msg(msg)
		default:
			reqLogger.Info().Msg(msg)
		}
	}
}
