package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Austin-Circuit-Design/TTX-Temp-Test/pkg/utils/ptr"
)

func TestDefaults(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, "GPIB0::4::INSTR", f.Resource())
	assert.Equal(t, Controller{Kind: "serial", Address: "/dev/ttyUSB0", BaudRate: 115200}, f.Controller())
	assert.Equal(t, 32.0, f.LowSetpoint())
	assert.Equal(t, 140.0, f.HighSetpoint())
	assert.Equal(t, 2.5, f.Tolerance())
	assert.Equal(t, 10*time.Minute, f.Hold())
	assert.Equal(t, 3, f.Retries())
	assert.Equal(t, 5*time.Second, f.Timeout())
	assert.Equal(t, 5, f.FailureThreshold())
	assert.Equal(t, 2*time.Second, f.PollInterval())
	assert.Equal(t, 30*time.Second, f.ProgressInterval())
	assert.Empty(t, f.Schedule())
	assert.NoError(t, f.Validate())

	cfg := f.SessionConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 3.0, cfg.ExtendedTimeoutMultiplier)
	assert.Equal(t, 4*time.Second, cfg.FailureBackoff)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ttx.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "controller": {"kind": "tcp", "address": "10.0.0.9"},
  "lowSetpoint": -40,
  "holdSeconds": 60
}`), 0644))

	f, err := NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, Controller{Kind: "tcp", Address: "10.0.0.9", BaudRate: 115200}, f.Controller())
	assert.Equal(t, -40.0, f.LowSetpoint())
	assert.Equal(t, time.Minute, f.Hold())
	assert.Equal(t, 140.0, f.HighSetpoint())
}

func TestLoadYAMLAndSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ttx.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
resource: GPIB0::7::INSTR
controller:
  kind: sim
tolerance: 1.5
schedule: "0 8 * * 1-5"
`), 0644))

	f, err := NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, "GPIB0::7::INSTR", f.Resource())
	assert.Equal(t, "sim", f.Controller().Kind)
	assert.Equal(t, 1.5, f.Tolerance())
	assert.Equal(t, "0 8 * * 1-5", f.Schedule())

	require.NoError(t, f.SetSetpoints(0, 100))
	require.NoError(t, f.Save())

	again, err := NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0.0, again.LowSetpoint())
	assert.Equal(t, 100.0, again.HighSetpoint())
	assert.Equal(t, "GPIB0::7::INSTR", again.Resource())
}

func TestEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ttx.json")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0644))

	f, err := NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, 32.0, f.LowSetpoint())
}

func TestMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ttx.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))

	_, err := NewFile(path)
	assert.Error(t, err)
}

func TestSetters(t *testing.T) {
	f := NewFileFromConfig(nil, filepath.Join(t.TempDir(), "ttx.json"))

	assert.Error(t, f.SetSetpoints(140, 32))
	assert.Error(t, f.SetTolerance(0))
	assert.Error(t, f.SetHold(-time.Second))

	require.NoError(t, f.SetHold(90*time.Second))
	require.NoError(t, f.SetTolerance(1))
	f.SetSchedule("@daily")
	f.SetAllowNonRootAccess(true)

	assert.Equal(t, 90*time.Second, f.Hold())
	assert.Equal(t, 1.0, f.Tolerance())
	assert.Equal(t, "@daily", f.Schedule())
	assert.True(t, f.AllowNonRootAccess())
	assert.Contains(t, f.LogrusFields(), "schedule")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		raw  *RawFileConfig
	}{
		{"retries", &RawFileConfig{Retries: ptr.To(0)}},
		{"inverted setpoints", &RawFileConfig{LowSetpoint: ptr.To(150.0)}},
		{"resource", &RawFileConfig{Resource: ptr.To("COM3")}},
		{"controller", &RawFileConfig{Controller: &RawController{Kind: ptr.To("usbtmc")}}},
		{"multiplier", &RawFileConfig{ExtendedTimeoutMultiplier: ptr.To(0.5)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFileFromConfig(tt.raw, "ttx.json")
			assert.Error(t, f.Validate())
		})
	}
}

func TestRawFileConfigFromConfig(t *testing.T) {
	f := NewFileFromConfig(&RawFileConfig{HoldSeconds: ptr.To(45)}, "ttx.json")

	raw, err := NewRawFileConfigFromConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 45, *raw.HoldSeconds)
	assert.Equal(t, 32.0, *raw.LowSetpoint)
	assert.Equal(t, "serial", *raw.Controller.Kind)

	again := NewFileFromConfig(raw, "")
	assert.Equal(t, f.SessionConfig(), again.SessionConfig())

	bc := BusConfig(f)
	assert.Equal(t, "/dev/ttyUSB0", bc.Address)
	assert.Equal(t, 115200, bc.BaudRate)

	_, err = NewRawFileConfigFromConfig(nil)
	assert.Error(t, err)
}
