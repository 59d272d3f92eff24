package client

import (
	"encoding/json"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/config"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/cycling"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/daemon"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/session"
)

func (c *Client) GetStatus() (*session.Status, error) {
	ret, err := c.Get("/status")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get status")
	}

	var st session.Status
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal status")
	}
	return &st, nil
}

func (c *Client) Connect() (*session.Status, error) {
	ret, err := c.Post("/connect", "")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to connect to the chamber")
	}

	var st session.Status
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal status")
	}
	return &st, nil
}

func (c *Client) StartCycling(req daemon.StartRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	ret, err := c.Post("/cycling/start", string(payload))
	return unquote(ret), err
}

func (c *Client) StopCycling() (string, error) {
	ret, err := c.Post("/cycling/stop", "")
	return unquote(ret), err
}

func (c *Client) ResetCycleCount() (string, error) {
	ret, err := c.Post("/cycle-count/reset", "")
	return unquote(ret), err
}

func (c *Client) GetTransitions() (map[cycling.Direction][]cycling.TransitionRecord, error) {
	ret, err := c.Get("/transitions")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get transitions")
	}

	var tr map[cycling.Direction][]cycling.TransitionRecord
	if err := json.Unmarshal([]byte(ret), &tr); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal transitions")
	}
	return tr, nil
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}

	var conf config.RawFileConfig
	if err := json.Unmarshal([]byte(ret), &conf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal config")
	}

	return &conf, nil
}

func (c *Client) SetSetpoints(low, high float64) (string, error) {
	payload, err := json.Marshal(daemon.SetpointsRequest{Low: low, High: high})
	if err != nil {
		return "", err
	}
	ret, err := c.Put("/setpoints", string(payload))
	return unquote(ret), err
}

func (c *Client) SetHold(d time.Duration) (string, error) {
	ret, err := c.Put("/hold", strconv.Itoa(int(d/time.Second)))
	return unquote(ret), err
}

func (c *Client) SetTolerance(v float64) (string, error) {
	ret, err := c.Put("/tolerance", strconv.FormatFloat(v, 'g', -1, 64))
	return unquote(ret), err
}

func (c *Client) GetSchedule() (*daemon.ScheduleStatus, error) {
	ret, err := c.Get("/schedule")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get schedule")
	}
	return decodeSchedule(ret)
}

// SetSchedule sets the cron expression; an empty one disables scheduling.
func (c *Client) SetSchedule(expr string) (*daemon.ScheduleStatus, error) {
	payload, err := json.Marshal(expr)
	if err != nil {
		return nil, err
	}
	ret, err := c.Put("/schedule", string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set schedule")
	}
	return decodeSchedule(ret)
}

func (c *Client) PostponeSchedule(d time.Duration) (*daemon.ScheduleStatus, error) {
	ret, err := c.Post("/schedule/postpone", strconv.Itoa(int(d/time.Second)))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to postpone scheduled run")
	}
	return decodeSchedule(ret)
}

func (c *Client) SkipSchedule() (*daemon.ScheduleStatus, error) {
	ret, err := c.Post("/schedule/skip", "")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to skip scheduled run")
	}
	return decodeSchedule(ret)
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	return unquote(ret), nil
}

func decodeSchedule(ret string) (*daemon.ScheduleStatus, error) {
	var st daemon.ScheduleStatus
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal schedule")
	}
	return &st, nil
}
