package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/config"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/session"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/version"
)

// SetpointsRequest is the body of PUT /setpoints.
type SetpointsRequest struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

func getStatus(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, sess.Status())
}

func postConnect(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), connectTimeout)
	defer cancel()

	err := sess.Connect(ctx)
	switch {
	case errors.Is(err, session.ErrAlreadyRunning):
		abort(c, http.StatusConflict, err)
		return
	case err != nil:
		logrus.Errorf("connect failed: %v", err)
		abort(c, http.StatusServiceUnavailable, err)
		return
	}

	c.IndentedJSON(http.StatusOK, sess.Status())
}

func postStartCycling(c *gin.Context) {
	var req StartRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			abort(c, http.StatusBadRequest, err)
			return
		}
	}

	if err := runConfig(req).Validate(); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	err := startCycling(req)
	switch {
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrAlreadyRunning):
		abort(c, http.StatusConflict, err)
		return
	case err != nil:
		abort(c, http.StatusInternalServerError, err)
		return
	}

	c.IndentedJSON(http.StatusCreated, "cycling started")
}

func postStopCycling(c *gin.Context) {
	if !sess.Running() {
		c.IndentedJSON(http.StatusOK, "cycling is not running")
		return
	}
	sess.StopCycling()
	c.IndentedJSON(http.StatusAccepted, "stop requested, the chamber will be turned off")
}

func postResetCycleCount(c *gin.Context) {
	prev := sess.CycleCount()
	sess.ResetCycleCount()
	c.IndentedJSON(http.StatusOK, fmt.Sprintf("cycle count reset (was %d)", prev))
}

func getTransitions(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, sess.Transitions())
}

func getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(conf)
	if err != nil {
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func setSetpoints(c *gin.Context) {
	var req SetpointsRequest
	if err := c.BindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := conf.SetSetpoints(req.Low, req.High); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if !saveConfig(c) {
		return
	}

	logrus.Infof("set setpoints to %g/%g", req.Low, req.High)
	c.IndentedJSON(http.StatusCreated, appliesToNextRun(fmt.Sprintf("setpoints set to %g/%g", req.Low, req.High)))
}

func setHold(c *gin.Context) {
	var seconds int
	if err := c.BindJSON(&seconds); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	hold := time.Duration(seconds) * time.Second
	if err := conf.SetHold(hold); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if !saveConfig(c) {
		return
	}

	logrus.Infof("set hold time to %s", hold)
	c.IndentedJSON(http.StatusCreated, appliesToNextRun(fmt.Sprintf("hold time set to %s", hold)))
}

func setTolerance(c *gin.Context) {
	var tol float64
	if err := c.BindJSON(&tol); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := conf.SetTolerance(tol); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if !saveConfig(c) {
		return
	}

	logrus.Infof("set tolerance to %g", tol)
	c.IndentedJSON(http.StatusCreated, appliesToNextRun(fmt.Sprintf("tolerance set to %g", tol)))
}

func getSchedule(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, scheduleStatus())
}

func setSchedule(c *gin.Context) {
	var expr string
	if err := c.BindJSON(&expr); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}

	st, err := schedule(expr)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	c.IndentedJSON(http.StatusCreated, st)
}

func postPostponeSchedule(c *gin.Context) {
	var seconds int
	if err := c.BindJSON(&seconds); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := postpone(time.Duration(seconds) * time.Second); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	c.IndentedJSON(http.StatusOK, scheduleStatus())
}

func postSkipSchedule(c *gin.Context) {
	if err := skipNextSchedule(); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	c.IndentedJSON(http.StatusOK, scheduleStatus())
}

// streamEvents streams hub events as SSE. The optional events query
// parameter is a comma separated list of event names to receive.
func streamEvents(c *gin.Context) {
	var names []string
	if q := c.Query("events"); q != "" {
		for _, n := range strings.Split(q, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	}
	sub := sseHub.Subscribe(names...)
	defer sseHub.Unsubscribe(sub)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Content-Type", "text/event-stream")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, ev.Data)
			return true
		}
	})
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}

func saveConfig(c *gin.Context) bool {
	if err := conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		abort(c, http.StatusInternalServerError, err)
		return false
	}
	return true
}

func appliesToNextRun(msg string) string {
	if sess.Running() {
		return msg + ". The running cycle keeps its settings, the change applies to the next run."
	}
	return msg
}
