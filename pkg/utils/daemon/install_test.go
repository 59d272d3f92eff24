package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func fakeSystemctl(t *testing.T) *[]string {
	t.Helper()
	var calls []string
	prevPath, prevCtl := unitPath, systemctl
	unitPath = filepath.Join(t.TempDir(), "system", unitName)
	systemctl = func(args ...string) error {
		calls = append(calls, strings.Join(args, " "))
		return nil
	}
	t.Cleanup(func() { unitPath, systemctl = prevPath, prevCtl })
	return &calls
}

func TestUnit(t *testing.T) {
	u := Unit("/usr/local/bin/ttx", "/etc/ttx.yaml", "/var/run/ttx.sock")
	want := "ExecStart=/usr/local/bin/ttx daemon --config=/etc/ttx.yaml --daemon-socket=/var/run/ttx.sock"
	if !strings.Contains(u, want) {
		t.Fatalf("unit does not contain %q:\n%s", want, u)
	}
	if strings.Contains(u, "/path/to") {
		t.Fatalf("unit still has placeholders:\n%s", u)
	}
}

func TestInstallUninstall(t *testing.T) {
	calls := fakeSystemctl(t)

	if err := Install("/etc/ttx.yaml", "/var/run/ttx.sock"); err != nil {
		t.Fatalf("Install returned error: %v", err)
	}
	b, err := os.ReadFile(unitPath)
	if err != nil {
		t.Fatalf("unit not written: %v", err)
	}
	if !strings.Contains(string(b), "--config=/etc/ttx.yaml") {
		t.Fatalf("unexpected unit:\n%s", b)
	}

	if err := Uninstall(); err != nil {
		t.Fatalf("Uninstall returned error: %v", err)
	}
	if _, err := os.Stat(unitPath); !os.IsNotExist(err) {
		t.Fatalf("unit should be removed, stat err: %v", err)
	}

	want := []string{"daemon-reload", "enable --now ttx.service", "disable --now ttx.service", "daemon-reload"}
	if strings.Join(*calls, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected systemctl calls %v, want %v", *calls, want)
	}

	// Uninstalling twice is a no-op.
	if err := Uninstall(); err != nil {
		t.Fatalf("second Uninstall returned error: %v", err)
	}
}
