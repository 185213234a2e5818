package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/hwm-core/internal/driver"
	"github.com/nerrad567/hwm-core/internal/driver/fake"
	"github.com/nerrad567/hwm-core/internal/driver/hamlib"
	"github.com/nerrad567/hwm-core/internal/driver/remote"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("HWM_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("HWM_CONFIG", "")
	assert.Equal(t, defaultConfigPath, getConfigPath())

	t.Setenv("HWM_CONFIG", "/etc/hwm/config.yaml")
	assert.Equal(t, "/etc/hwm/config.yaml", getConfigPath())
}

func TestNewDriverRegistry_WithoutMQTT(t *testing.T) {
	registry, err := newDriverRegistry(nil)
	require.NoError(t, err)

	kinds := registry.Kinds()
	assert.Contains(t, kinds, fake.Kind)
	assert.Contains(t, kinds, hamlib.KindRig)
	assert.Contains(t, kinds, hamlib.KindRotator)
	assert.False(t, slices.Contains(kinds, remote.Kind), "remote drivers need MQTT")
}

type recordingSink struct{ got []string }

func (r *recordingSink) PublishTelemetry(deviceID, stream string, _ any) {
	r.got = append(r.got, deviceID+"/"+stream)
}

func TestFanouts(t *testing.T) {
	var seen []string
	statuses := statusFanout{
		func(id string, s driver.Status) { seen = append(seen, "a:"+id+":"+string(s)) },
		func(id string, s driver.Status) { seen = append(seen, "b:"+id+":"+string(s)) },
	}
	statuses.DeviceStatusChanged("radio-1", driver.StatusBusy)
	assert.Equal(t, []string{"a:radio-1:busy", "b:radio-1:busy"}, seen)

	a, b := &recordingSink{}, &recordingSink{}
	telemetryFanout{a, b}.PublishTelemetry("radio-1", "iq", 1)
	assert.Equal(t, []string{"radio-1/iq"}, a.got)
	assert.Equal(t, []string{"radio-1/iq"}, b.got)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// TestRun_Lifecycle starts the daemon with a fake station and no external
// services, waits for the API, then shuts it down.
func TestRun_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)

	stationFile := filepath.Join(dir, "stations.yaml")
	require.NoError(t, os.WriteFile(stationFile, []byte(`
devices:
  - id: radio-1
    driver: fake
  - id: ghost
    driver: no-such-driver
pipelines:
  - id: uhf
    devices: [radio-1]
`), 0o600))

	grantsFile := filepath.Join(dir, "permissions.json")
	require.NoError(t, os.WriteFile(grantsFile, []byte(`[
  {"user_id": "alice", "generated_at": 0, "permitted_commands": [{"command": "*", "device_id": "*"}]}
]`), 0o600))

	configFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(fmt.Sprintf(`
station:
  id: gs-test
  devices_file: %q
database:
  path: %q
api:
  host: 127.0.0.1
  port: %d
permissions:
  file: %q
logging:
  level: error
  format: text
  output: stderr
metrics:
  enabled: true
security:
  jwt:
    secret: "test-secret-at-least-32-characters-long"
`, stationFile, filepath.Join(dir, "hwm.db"), port, grantsFile)), 0o600))
	t.Setenv("HWM_CONFIG", configFile)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/api/v1/health", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL) //nolint:noctx // test poll
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", port)) //nolint:noctx // test
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
