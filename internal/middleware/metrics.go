package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
)

// RequestObserver records request latency. *metrics.Collector implements it.
type RequestObserver interface {
	ObserveRequest(method, route string, status int, d time.Duration)
}

// Metrics returns a Gin middleware that reports every request to obs,
// labelled with the matched route template.
func Metrics(obs RequestObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		obs.ObserveRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}
