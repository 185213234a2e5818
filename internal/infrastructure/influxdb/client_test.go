package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/hwm-core/internal/infrastructure/config"
	"github.com/nerrad567/hwm-core/internal/infrastructure/influxdb"
)

// fakeInflux answers /ping and records line protocol posted to /api/v2/write.
type fakeInflux struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping":
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body) //nolint:errcheck // test server
		f.mu.Lock()
		for _, l := range strings.Split(strings.TrimSpace(string(body)), "\n") {
			if l != "" {
				f.lines = append(f.lines, l)
			}
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeInflux) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func connect(t *testing.T) (*influxdb.Client, *fakeInflux) {
	t.Helper()
	fake := &fakeInflux{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := influxdb.Connect(config.InfluxDBConfig{
		Enabled:       true,
		URL:           srv.URL,
		Token:         "test-token",
		Org:           "hwm",
		Bucket:        "metrics",
		BatchSize:     100,
		FlushInterval: 60,
	}, "gs-1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, fake
}

func TestConnect_Disabled(t *testing.T) {
	_, err := influxdb.Connect(config.InfluxDBConfig{Enabled: false}, "gs-1")
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := influxdb.Connect(config.InfluxDBConfig{Enabled: true, URL: url}, "gs-1")
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestWrites(t *testing.T) {
	client, fake := connect(t)
	at := time.Unix(1772366400, 0)

	client.WriteSessionTransition("P1", "active", "", 10*time.Second, at)
	client.WriteSessionTransition("P1", "cancelled", "activation_failed", 0, at)
	client.WriteCommand("radio-1", "tune", "okay", "", 1500*time.Microsecond, at)
	client.WriteCommand("", "station_time", "error", "permission_denied", time.Millisecond, at)
	client.WriteDeviceStatus("radio-1", "faulted", at)
	client.Flush()

	lines := fake.written()
	if len(lines) != 5 {
		t.Fatalf("wrote %d lines, want 5: %q", len(lines), lines)
	}

	wantPrefixes := []string{
		"hwm_session,pipeline_id=P1,state=active,station=gs-1 count=1i,window_seconds=10 1772366400000000000",
		"hwm_session,pipeline_id=P1,reason=activation_failed,state=cancelled,station=gs-1 count=1i 1772366400000000000",
		"hwm_command,device_id=radio-1,station=gs-1,status=okay,verb=tune latency_ms=1.5 1772366400000000000",
		"hwm_command,code=permission_denied,device_id=system,station=gs-1,status=error,verb=station_time latency_ms=1 1772366400000000000",
		`hwm_device,device_id=radio-1,station=gs-1 status="faulted" 1772366400000000000`,
	}
	for i, want := range wantPrefixes {
		if lines[i] != want {
			t.Errorf("line %d = %q\nwant      %q", i, lines[i], want)
		}
	}
}

func TestHealthCheck(t *testing.T) {
	client, _ := connect(t)
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	_ = client.Close()
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
}

func TestCloseTwice(t *testing.T) {
	client, _ := connect(t)
	client.WriteDeviceStatus("radio-1", "ready", time.Now())

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// connect's cleanup closes a third time.
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	client.Flush()
}

func TestWriteAfterCloseIsDropped(t *testing.T) {
	client, fake := connect(t)
	_ = client.Close()

	client.WriteDeviceStatus("radio-1", "ready", time.Now())
	client.Flush()

	if got := fake.written(); len(got) != 0 {
		t.Errorf("wrote %q after Close", got)
	}
}
