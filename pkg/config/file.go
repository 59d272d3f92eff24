package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/bus"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/session"
	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		Resource: ptr.To("GPIB0::4::INSTR"),
		Controller: &RawController{
			Kind:     ptr.To(bus.KindSerial),
			Address:  ptr.To("/dev/ttyUSB0"),
			BaudRate: ptr.To(bus.DefaultBaudRate),
		},
		LowSetpoint:               ptr.To(32.0),
		HighSetpoint:              ptr.To(140.0),
		Tolerance:                 ptr.To(2.5),
		HoldSeconds:               ptr.To(600),
		Retries:                   ptr.To(3),
		TimeoutMs:                 ptr.To(5000),
		ExtendedTimeoutMultiplier: ptr.To(3.0),
		FailureThreshold:          ptr.To(5),
		PollIntervalMs:            ptr.To(2000),
		StatusIntervalMs:          ptr.To(2000),
		ProgressIntervalSeconds:   ptr.To(30),
		Schedule:                  ptr.To(""),
		MetricsAddress:            ptr.To(""),
		AllowNonRootAccess:        ptr.To(false),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

// Path returns the file the config is loaded from and saved to.
func (f *File) Path() string {
	return f.filepath
}

// RawFileConfig is the on-disk form. Nil fields fall back to defaults.
type RawFileConfig struct {
	Resource                  *string        `json:"resource,omitempty" yaml:"resource,omitempty"`
	Controller                *RawController `json:"controller,omitempty" yaml:"controller,omitempty"`
	LowSetpoint               *float64       `json:"lowSetpoint,omitempty" yaml:"lowSetpoint,omitempty"`
	HighSetpoint              *float64       `json:"highSetpoint,omitempty" yaml:"highSetpoint,omitempty"`
	Tolerance                 *float64       `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
	HoldSeconds               *int           `json:"holdSeconds,omitempty" yaml:"holdSeconds,omitempty"`
	Retries                   *int           `json:"retries,omitempty" yaml:"retries,omitempty"`
	TimeoutMs                 *int           `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	ExtendedTimeoutMultiplier *float64       `json:"extendedTimeoutMultiplier,omitempty" yaml:"extendedTimeoutMultiplier,omitempty"`
	FailureThreshold          *int           `json:"failureThreshold,omitempty" yaml:"failureThreshold,omitempty"`
	PollIntervalMs            *int           `json:"pollIntervalMs,omitempty" yaml:"pollIntervalMs,omitempty"`
	StatusIntervalMs          *int           `json:"statusIntervalMs,omitempty" yaml:"statusIntervalMs,omitempty"`
	ProgressIntervalSeconds   *int           `json:"progressIntervalSeconds,omitempty" yaml:"progressIntervalSeconds,omitempty"`
	Schedule                  *string        `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	MetricsAddress            *string        `json:"metricsAddress,omitempty" yaml:"metricsAddress,omitempty"`
	AllowNonRootAccess        *bool          `json:"allowNonRootAccess,omitempty" yaml:"allowNonRootAccess,omitempty"`
}

// RawController is the on-disk controller section.
type RawController struct {
	Kind     *string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Address  *string `json:"address,omitempty" yaml:"address,omitempty"`
	BaudRate *int    `json:"baudRate,omitempty" yaml:"baudRate,omitempty"`
}

// get reads one field under the read lock, falling back to the default.
func get[T any](f *File, pick func(*RawFileConfig) *T) T {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if v := pick(f.c); v != nil {
		return *v
	}
	return *pick(defaultFileConfig)
}

func (f *File) Resource() string {
	return get(f, func(c *RawFileConfig) *string { return c.Resource })
}

func (f *File) Controller() Controller {
	pick := func(field func(*RawController) *string) func(*RawFileConfig) *string {
		return func(c *RawFileConfig) *string {
			if c.Controller == nil {
				return nil
			}
			return field(c.Controller)
		}
	}
	return Controller{
		Kind:    get(f, pick(func(c *RawController) *string { return c.Kind })),
		Address: get(f, pick(func(c *RawController) *string { return c.Address })),
		BaudRate: get(f, func(c *RawFileConfig) *int {
			if c.Controller == nil {
				return nil
			}
			return c.Controller.BaudRate
		}),
	}
}

func (f *File) LowSetpoint() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.LowSetpoint })
}

func (f *File) HighSetpoint() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.HighSetpoint })
}

func (f *File) Tolerance() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.Tolerance })
}

func (f *File) Hold() time.Duration {
	return time.Duration(get(f, func(c *RawFileConfig) *int { return c.HoldSeconds })) * time.Second
}

func (f *File) Retries() int {
	return get(f, func(c *RawFileConfig) *int { return c.Retries })
}

func (f *File) Timeout() time.Duration {
	return time.Duration(get(f, func(c *RawFileConfig) *int { return c.TimeoutMs })) * time.Millisecond
}

func (f *File) ExtendedTimeoutMultiplier() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.ExtendedTimeoutMultiplier })
}

func (f *File) FailureThreshold() int {
	return get(f, func(c *RawFileConfig) *int { return c.FailureThreshold })
}

func (f *File) PollInterval() time.Duration {
	return time.Duration(get(f, func(c *RawFileConfig) *int { return c.PollIntervalMs })) * time.Millisecond
}

func (f *File) StatusInterval() time.Duration {
	return time.Duration(get(f, func(c *RawFileConfig) *int { return c.StatusIntervalMs })) * time.Millisecond
}

func (f *File) ProgressInterval() time.Duration {
	return time.Duration(get(f, func(c *RawFileConfig) *int { return c.ProgressIntervalSeconds })) * time.Second
}

func (f *File) Schedule() string {
	return get(f, func(c *RawFileConfig) *string { return c.Schedule })
}

func (f *File) MetricsAddress() string {
	return get(f, func(c *RawFileConfig) *string { return c.MetricsAddress })
}

func (f *File) AllowNonRootAccess() bool {
	return get(f, func(c *RawFileConfig) *bool { return c.AllowNonRootAccess })
}

func (f *File) SetSetpoints(low, high float64) error {
	if f.c == nil {
		panic("config is nil")
	}
	if low >= high {
		return pkgerrors.Errorf("low setpoint %g must be below high setpoint %g", low, high)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.LowSetpoint = &low
	f.c.HighSetpoint = &high
	return nil
}

func (f *File) SetHold(d time.Duration) error {
	if f.c == nil {
		panic("config is nil")
	}
	if d < 0 {
		return pkgerrors.Errorf("hold duration must not be negative, got %s", d)
	}

	secs := int(d / time.Second)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.HoldSeconds = &secs
	return nil
}

func (f *File) SetTolerance(v float64) error {
	if f.c == nil {
		panic("config is nil")
	}
	if v <= 0 {
		return pkgerrors.Errorf("tolerance must be positive, got %g", v)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Tolerance = &v
	return nil
}

func (f *File) SetSchedule(s string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.Schedule = &s
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.AllowNonRootAccess = &b
}

func (f *File) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.Low = f.LowSetpoint()
	cfg.High = f.HighSetpoint()
	cfg.Tolerance = f.Tolerance()
	cfg.Hold = f.Hold()
	cfg.PollInterval = f.PollInterval()
	cfg.FailureBackoff = 2 * cfg.PollInterval
	cfg.FailureThreshold = f.FailureThreshold()
	cfg.ProgressInterval = f.ProgressInterval()
	cfg.Retries = f.Retries()
	cfg.Timeout = f.Timeout()
	cfg.ExtendedTimeoutMultiplier = f.ExtendedTimeoutMultiplier()
	return cfg
}

// Validate checks the loaded values.
func (f *File) Validate() error {
	if err := f.SessionConfig().Validate(); err != nil {
		return pkgerrors.Wrapf(err, "invalid config %s", f.filepath)
	}
	if _, err := bus.ParseResource(f.Resource()); err != nil {
		return pkgerrors.Wrapf(err, "invalid config %s", f.filepath)
	}
	switch k := f.Controller().Kind; k {
	case bus.KindSerial, bus.KindTCP, bus.KindSimulator:
	default:
		return pkgerrors.Errorf("invalid config %s: unknown controller kind %q", f.filepath, k)
	}
	if f.StatusInterval() <= 0 {
		return pkgerrors.Errorf("invalid config %s: statusIntervalMs must be positive", f.filepath)
	}
	return nil
}

func (f *File) isYAML() bool {
	switch strings.ToLower(filepath.Ext(f.filepath)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if len(bytes.TrimSpace(b)) == 0 {
		// If the file is empty, return the empty config.
		// Do not make f.c a nil.
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	if f.isYAML() {
		err = yaml.Unmarshal(b, &conf)
	} else {
		err = json.Unmarshal(b, &conf)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	var b []byte
	var err error
	if f.isYAML() {
		b, err = yaml.Marshal(f.c)
	} else {
		b, err = json.MarshalIndent(f.c, "", "  ")
		b = append(b, '\n')
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config for file %s", f.filepath)
	}

	if err := os.WriteFile(f.filepath, b, 0644); err != nil {
		return pkgerrors.Wrapf(err, "failed to write file %s", f.filepath)
	}
	logrus.WithField("path", f.filepath).Debug("config saved")

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	ctrl := f.Controller()
	return logrus.Fields{
		"resource":           f.Resource(),
		"controller":         fmt.Sprintf("%s:%s", ctrl.Kind, ctrl.Address),
		"lowSetpoint":        f.LowSetpoint(),
		"highSetpoint":       f.HighSetpoint(),
		"tolerance":          f.Tolerance(),
		"hold":               f.Hold(),
		"retries":            f.Retries(),
		"timeout":            f.Timeout(),
		"failureThreshold":   f.FailureThreshold(),
		"schedule":           f.Schedule(),
		"metricsAddress":     f.MetricsAddress(),
		"allowNonRootAccess": f.AllowNonRootAccess(),
	}
}

// NewRawFileConfigFromConfig resolves every field of c, defaults included.
func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	ctrl := c.Controller()
	return &RawFileConfig{
		Resource: ptr.To(c.Resource()),
		Controller: &RawController{
			Kind:     ptr.To(ctrl.Kind),
			Address:  ptr.To(ctrl.Address),
			BaudRate: ptr.To(ctrl.BaudRate),
		},
		LowSetpoint:               ptr.To(c.LowSetpoint()),
		HighSetpoint:              ptr.To(c.HighSetpoint()),
		Tolerance:                 ptr.To(c.Tolerance()),
		HoldSeconds:               ptr.To(int(c.Hold() / time.Second)),
		Retries:                   ptr.To(c.Retries()),
		TimeoutMs:                 ptr.To(int(c.Timeout() / time.Millisecond)),
		ExtendedTimeoutMultiplier: ptr.To(c.ExtendedTimeoutMultiplier()),
		FailureThreshold:          ptr.To(c.FailureThreshold()),
		PollIntervalMs:            ptr.To(int(c.PollInterval() / time.Millisecond)),
		StatusIntervalMs:          ptr.To(int(c.StatusInterval() / time.Millisecond)),
		ProgressIntervalSeconds:   ptr.To(int(c.ProgressInterval() / time.Second)),
		Schedule:                  ptr.To(c.Schedule()),
		MetricsAddress:            ptr.To(c.MetricsAddress()),
		AllowNonRootAccess:        ptr.To(c.AllowNonRootAccess()),
	}, nil
}

// BusConfig maps the controller section onto a channel configuration.
func BusConfig(c Config) bus.ControllerConfig {
	ctrl := c.Controller()
	return bus.ControllerConfig{
		Kind:     ctrl.Kind,
		Address:  ctrl.Address,
		BaudRate: ctrl.BaudRate,
	}
}
