package daemon

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/events"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/session"
)

// StartRequest optionally overrides the configured run parameters.
type StartRequest struct {
	Low         *float64 `json:"low,omitempty"`
	High        *float64 `json:"high,omitempty"`
	HoldSeconds *int     `json:"holdSeconds,omitempty"`
	Tolerance   *float64 `json:"tolerance,omitempty"`
}

// runConfig applies req on top of the configured run parameters.
func runConfig(req StartRequest) session.Config {
	cfg := conf.SessionConfig()
	if req.Low != nil {
		cfg.Low = *req.Low
	}
	if req.High != nil {
		cfg.High = *req.High
	}
	if req.HoldSeconds != nil {
		cfg.Hold = time.Duration(*req.HoldSeconds) * time.Second
	}
	if req.Tolerance != nil {
		cfg.Tolerance = *req.Tolerance
	}
	return cfg
}

func startCycling(req StartRequest) error {
	cfg := runConfig(req)
	if err := sess.StartCycling(cfg); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"low":       cfg.Low,
		"high":      cfg.High,
		"hold":      cfg.Hold,
		"tolerance": cfg.Tolerance,
	}).Info("temperature cycling started")
	return nil
}

func scheduledStart() error {
	err := startCycling(StartRequest{})
	if errors.Is(err, session.ErrAlreadyRunning) {
		logrus.Info("scheduled run skipped, cycling is already running")
		return nil
	}
	return err
}

func scheduledPreCheck() error {
	if !sess.Connected() {
		return session.ErrNotConnected
	}
	return nil
}

func notifyUpcoming(runAt time.Time) {
	sseHub.Publish(events.ScheduleAction, events.ScheduleActionEvent{
		Action:  events.ActionScheduleUpcoming,
		Message: fmt.Sprintf("Cycling starts at %s", runAt.Format("Jan _2 15:04")),
		NextRun: runAt.Unix(),
		Ts:      time.Now().Unix(),
	})
}

func notifyScheduleError(err error) {
	logrus.WithError(err).Warn("scheduled run")
	sseHub.Publish(events.ScheduleAction, events.ScheduleActionEvent{
		Action:  events.ActionScheduleError,
		Message: err.Error(),
		Ts:      time.Now().Unix(),
	})
}

// ScheduleStatus describes the cycling schedule.
type ScheduleStatus struct {
	Expression string      `json:"expression,omitempty"`
	NextRuns   []time.Time `json:"nextRuns,omitempty"`
}

func scheduleStatus() ScheduleStatus {
	next, expr, _ := scheduler.Status()
	st := ScheduleStatus{Expression: expr}
	if expr == "" || next.IsZero() {
		return st
	}
	st.NextRuns = []time.Time{next}
	if sh, err := ParseSchedule(expr); err == nil {
		st.NextRuns = append(st.NextRuns, NextRuns(sh, next, 2)...)
	}
	return st
}

// schedule sets the cron expression for scheduled runs and persists it.
// An empty expression disables scheduling.
func schedule(cronExpr string) (ScheduleStatus, error) {
	if cronExpr == "" {
		if conf.Schedule() == "" {
			return ScheduleStatus{}, nil
		}
		conf.SetSchedule("")
		if err := conf.Save(); err != nil {
			logrus.WithError(err).Error("failed to save config")
			return ScheduleStatus{}, fmt.Errorf("failed to save config: %w", err)
		}
		if err := scheduler.Schedule(""); err != nil {
			return ScheduleStatus{}, err
		}
		sseHub.Publish(events.ScheduleAction, events.ScheduleActionEvent{
			Action:  events.ActionScheduleDisable,
			Message: "Cycling schedule disabled",
			Ts:      time.Now().Unix(),
		})
		return ScheduleStatus{}, nil
	}

	if _, err := ParseSchedule(cronExpr); err != nil {
		return ScheduleStatus{}, err
	}

	conf.SetSchedule(cronExpr)
	if err := conf.Save(); err != nil {
		logrus.WithError(err).Error("failed to save config")
		return ScheduleStatus{}, fmt.Errorf("failed to save config: %w", err)
	}
	if err := scheduler.Schedule(cronExpr); err != nil {
		return ScheduleStatus{}, err
	}

	st := scheduleStatus()
	ev := events.ScheduleActionEvent{
		Action: events.ActionSchedule,
		Ts:     time.Now().Unix(),
	}
	if len(st.NextRuns) > 0 {
		ev.Message = fmt.Sprintf("Cycling scheduled at %s", st.NextRuns[0].Format("Jan _2 15:04"))
		ev.NextRun = st.NextRuns[0].Unix()
	}
	sseHub.Publish(events.ScheduleAction, ev)
	return st, nil
}

func postpone(d time.Duration) error {
	if err := scheduler.Postpone(d); err != nil {
		return err
	}
	sseHub.Publish(events.ScheduleAction, events.ScheduleActionEvent{
		Action:  events.ActionSchedulePostpone,
		Message: fmt.Sprintf("Scheduled run postponed by %s", d),
		Ts:      time.Now().Unix(),
	})
	return nil
}

func skipNextSchedule() error {
	if err := scheduler.Skip(); err != nil {
		return err
	}
	sseHub.Publish(events.ScheduleAction, events.ScheduleActionEvent{
		Action:  events.ActionScheduleSkip,
		Message: "Next scheduled run skipped",
		Ts:      time.Now().Unix(),
	})
	return nil
}
