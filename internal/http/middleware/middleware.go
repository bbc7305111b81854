// Package middleware holds the gin middleware chain shared by all
// routes: panic recovery, request logging and caller identification.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"crossquery.app/conductor/common/logger"
)

// CallerIDHeader identifies the caller on every API request. Sessions
// are partitioned by this value.
const CallerIDHeader = "X-Caller-Id"

const callerIDKey = "caller_id"

// Recovery converts panics into 500 responses with a structured log
// line instead of gin's default stack dump.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(c.Request.Context(), "panic recovered in handler",
					"panic", r,
					"path", c.Request.URL.Path,
					"method", c.Request.Method)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}

// Logger emits one line per request after the handler chain completes.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		ctx := c.Request.Context()
		switch {
		case status >= 500:
			slog.ErrorContext(ctx, "request completed", attrs...)
		case status >= 400:
			slog.WarnContext(ctx, "request completed", attrs...)
		default:
			slog.InfoContext(ctx, "request completed", attrs...)
		}
	}
}

// RequireCallerID rejects requests without the caller header and
// threads the id through the request context for logging.
func RequireCallerID() gin.HandlerFunc {
	return func(c *gin.Context) {
		callerID := c.GetHeader(CallerIDHeader)
		if callerID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": CallerIDHeader + " header is required",
			})
			return
		}

		c.Set(callerIDKey, callerID)
		ctx := logger.WithLogFields(c.Request.Context(), logger.LogFields{
			CallerID: logger.Ptr(callerID),
		})
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// CallerID returns the caller id attached by RequireCallerID.
func CallerID(c *gin.Context) string {
	return c.GetString(callerIDKey)
}
