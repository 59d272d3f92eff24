package daemon

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// quietPaths are polled often enough that successful requests are logged at
// trace level only.
var quietPaths = map[string]bool{
	"/status":  true,
	"/metrics": true,
	"/version": true,
}

// requestLogger logs every request through logger, at a level chosen by
// the response status.
func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		status := c.Writer.Status()
		entry := logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    path,
			"status":  status,
			"latency": elapsed.Round(time.Millisecond).String(),
			"bytes":   max(c.Writer.Size(), 0),
		})

		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			entry = entry.WithField("error", errs.String())
		}

		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("request failed")
		case status >= http.StatusBadRequest:
			entry.Warn("request rejected")
		case quietPaths[path]:
			entry.Trace("request served")
		default:
			entry.Debug("request served")
		}
	}
}

// abort writes err as the JSON body and records it on the context.
func abort(c *gin.Context, code int, err error) {
	c.IndentedJSON(code, err.Error())
	_ = c.AbortWithError(code, err)
}
