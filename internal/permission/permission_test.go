package permission

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const grantsDoc = `[
  {
    "user_id": "alice",
    "generated_at": 1772366400,
    "permitted_commands": [
      {"command": "tune", "device_id": "radio-1"},
      {"command": "*", "device_id": "rotator-1", "pipeline_id": "uplink"},
      {"command": "station_time", "system_command_handler": "station"}
    ]
  },
  {
    "user_id": "ops",
    "generated_at": 1772366400.5,
    "ignore_session_protections": true,
    "permitted_commands": [
      {"command": "*", "device_id": "*"},
      {"command": "*", "system_command_handler": "*"}
    ]
  }
]`

func TestGrantAllows(t *testing.T) {
	grants, err := Parse([]byte(grantsDoc))
	require.NoError(t, err)
	alice := grants[0]

	tests := []struct {
		name   string
		target Target
		verb   string
		want   bool
	}{
		{"exact device rule", Target{PipelineID: "downlink", DeviceID: "radio-1"}, "tune", true},
		{"other verb on device", Target{PipelineID: "downlink", DeviceID: "radio-1"}, "transmit", false},
		{"other device", Target{PipelineID: "downlink", DeviceID: "radio-2"}, "tune", false},
		{"wildcard verb in pipeline", Target{PipelineID: "uplink", DeviceID: "rotator-1"}, "point", true},
		{"wildcard verb wrong pipeline", Target{PipelineID: "downlink", DeviceID: "rotator-1"}, "point", false},
		{"system handler", Target{SystemHandler: "station"}, "station_time", true},
		{"system verb against device", Target{PipelineID: "uplink", DeviceID: "radio-1"}, "station_time", false},
		{"device verb against handler", Target{SystemHandler: "station"}, "tune", false},
		{"unknown handler", Target{SystemHandler: "other"}, "station_time", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, alice.Allows(tt.target, tt.verb))
		})
	}
}

func TestGrantAllows_Empty(t *testing.T) {
	var g Grant
	assert.False(t, g.Allows(Target{DeviceID: "radio-1"}, "tune"))
	assert.False(t, g.Allows(Target{SystemHandler: "station"}, "station_time"))
}

func TestGrantGenerated(t *testing.T) {
	g := Grant{GeneratedAt: 1772366400.5}
	want := time.Unix(1772366400, int64(500*time.Millisecond))
	assert.True(t, g.Generated().Equal(want), "got %v", g.Generated())
}

func TestStore(t *testing.T) {
	grants, err := Parse([]byte(grantsDoc))
	require.NoError(t, err)

	s := NewStore()
	assert.False(t, s.Authorize("alice", Target{DeviceID: "radio-1"}, "tune"), "empty store denies")

	s.Replace(grants)
	assert.Equal(t, []string{"alice", "ops"}, s.Users())
	assert.True(t, s.Authorize("alice", Target{DeviceID: "radio-1"}, "tune"))
	assert.False(t, s.Authorize("mallory", Target{DeviceID: "radio-1"}, "tune"))
	assert.True(t, s.Authorize("ops", Target{PipelineID: "p", DeviceID: "anything"}, "reboot"))
	assert.True(t, s.IgnoresSessionProtections("ops"))
	assert.False(t, s.IgnoresSessionProtections("alice"))
	assert.False(t, s.IgnoresSessionProtections("mallory"))

	// Changing a grant applies to the very next check.
	s.Set(Grant{UserID: "alice", PermittedCommands: []Rule{{Command: "transmit", DeviceID: "radio-1"}}})
	assert.False(t, s.Authorize("alice", Target{DeviceID: "radio-1"}, "tune"))
	assert.True(t, s.Authorize("alice", Target{DeviceID: "radio-1"}, "transmit"))

	g, ok := s.Get("alice")
	require.True(t, ok)
	assert.Len(t, g.PermittedCommands, 1)

	assert.True(t, s.Remove("alice"))
	assert.False(t, s.Remove("alice"))
	assert.Equal(t, []string{"ops"}, s.Users())
}

func TestStorePurge(t *testing.T) {
	now := time.Unix(1772366400, 0)
	s := NewStore()
	s.now = func() time.Time { return now }

	s.Replace([]Grant{
		{UserID: "fresh", GeneratedAt: float64(now.Add(-time.Minute).Unix())},
		{UserID: "edge", GeneratedAt: float64(now.Add(-time.Hour).Unix())},
		{UserID: "stale", GeneratedAt: float64(now.Add(-2 * time.Hour).Unix())},
	})

	assert.Equal(t, 2, s.Purge(time.Hour))
	assert.Equal(t, []string{"fresh"}, s.Users())
	assert.Equal(t, 0, s.Purge(time.Hour))
}

func TestParse(t *testing.T) {
	grants, err := Parse([]byte(grantsDoc))
	require.NoError(t, err)

	want := []Grant{
		{
			UserID:      "alice",
			GeneratedAt: 1772366400,
			PermittedCommands: []Rule{
				{Command: "tune", DeviceID: "radio-1"},
				{Command: "*", DeviceID: "rotator-1", PipelineID: "uplink"},
				{Command: "station_time", SystemHandler: "station"},
			},
		},
		{
			UserID:                   "ops",
			GeneratedAt:              1772366400.5,
			IgnoreSessionProtections: true,
			PermittedCommands: []Rule{
				{Command: "*", DeviceID: "*"},
				{Command: "*", SystemHandler: "*"},
			},
		},
	}
	if diff := cmp.Diff(want, grants); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"object instead of array", `{"user_id": "alice"}`},
		{"missing user_id", `[{"generated_at": 1, "permitted_commands": []}]`},
		{"missing generated_at", `[{"user_id": "alice", "permitted_commands": []}]`},
		{"string timestamp", `[{"user_id": "alice", "generated_at": "now", "permitted_commands": []}]`},
		{"rule without command", `[{"user_id": "alice", "generated_at": 1, "permitted_commands": [{"device_id": "radio-1"}]}]`},
		{"empty user_id", `[{"user_id": "", "generated_at": 1, "permitted_commands": []}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidSchema)
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grants.json")
	require.NoError(t, os.WriteFile(path, []byte(grantsDoc), 0o600))

	grants, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, grants, 2)

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, ErrLoadFailed)
}

func TestLoadURL(t *testing.T) {
	var gotUser, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.URL.Query().Get("user_id")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(grantsDoc))
	}))
	defer srv.Close()

	grants, err := LoadURL(context.Background(), srv.Client(), srv.URL+"/grants?station=gs1", "alice")
	require.NoError(t, err)
	assert.Len(t, grants, 2)
	assert.Equal(t, "alice", gotUser)
	assert.Equal(t, "application/json", gotAccept)
}

func TestLoadURL_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			_, _ = w.Write([]byte(`[{"user_id": 7}]`))
			return
		}
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := LoadURL(context.Background(), srv.Client(), srv.URL+"/denied", "")
	assert.ErrorIs(t, err, ErrLoadFailed)

	_, err = LoadURL(context.Background(), srv.Client(), srv.URL+"/bad", "")
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestSyncer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grants.json")
	require.NoError(t, os.WriteFile(path, []byte(grantsDoc), 0o600))

	store := NewStore()
	s := NewSyncer(store, SyncerConfig{File: path})

	n, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"alice", "ops"}, store.Users())

	// A broken document keeps the previous grants.
	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o600))
	_, err = s.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrInvalidSchema)
	assert.Equal(t, []string{"alice", "ops"}, store.Users())
}

func TestSyncer_NoSource(t *testing.T) {
	_, err := NewSyncer(NewStore(), SyncerConfig{}).Refresh(context.Background())
	assert.Error(t, err)
}

func TestSyncerRun(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(grantsDoc))
	}))
	defer srv.Close()

	store := NewStore()
	s := NewSyncer(store, SyncerConfig{
		URL:             srv.URL,
		Client:          srv.Client(),
		RefreshInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(store.Users()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Positive(t, hits.Load())
}
