package daemon

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ginLogger logs every request through logrus. Client errors are warnings
// and server errors are errors; everything else is debug.
func ginLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Handlers may rewrite the path.
		path := c.Request.URL.Path
		start := time.Now()
		c.Next()
		latency := time.Since(start).Round(time.Millisecond)
		statusCode := c.Writer.Status()
		dataLength := max(c.Writer.Size(), 0)

		entry := logger.WithFields(logrus.Fields{
			"statusCode": statusCode,
			"latency":    latency.String(),
			"method":     c.Request.Method,
			"path":       path,
			"dataLength": dataLength,
		})

		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			entry.Warn(errs.String())
			return
		}

		msg := fmt.Sprintf("%s %s %d (%s)", c.Request.Method, path, statusCode, latency)
		switch {
		case statusCode >= http.StatusInternalServerError:
			entry.Error(msg)
		case statusCode >= http.StatusBadRequest:
			entry.Warn(msg)
		default:
			entry.Debug(msg)
		}
	}
}
