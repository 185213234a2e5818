package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nerrad567/hwm-core/internal/infrastructure/config"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "hwm-test",
		},
		QoS:         1,
		TopicPrefix: "gs",
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func TestTopicBuilders(t *testing.T) {
	topics := NewTopics("gs")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"SystemStatus", topics.SystemStatus(), "gs/system/status"},
		{"SessionEvent", topics.SessionEvent("ses-1"), "gs/session/ses-1/event"},
		{"AllSessionEvents", topics.AllSessionEvents(), "gs/session/+/event"},
		{"SessionOutput", topics.SessionOutput("ses-1"), "gs/session/ses-1/output"},
		{"StreamInput", topics.StreamInput("alice", "ses-1"), "gs/stream/alice/ses-1"},
		{"AllStreamInputs", topics.AllStreamInputs(), "gs/stream/+/+"},
		{"DeviceStatus", topics.DeviceStatus("radio-1"), "gs/device/radio-1/status"},
		{"Telemetry", topics.Telemetry("radio-1", "frequency"), "gs/telemetry/radio-1/frequency"},
		{"AllTelemetry", topics.AllTelemetry(), "gs/telemetry/#"},
		{"Command", topics.Command("alice"), "gs/command/alice"},
		{"AllCommands", topics.AllCommands(), "gs/command/+"},
		{"CommandResponse", topics.CommandResponse("alice"), "gs/response/alice"},
		{"DriverRequest", topics.DriverRequest("modem-1"), "gs/driver/modem-1/request"},
		{"DriverResponse", topics.DriverResponse("modem-1"), "gs/driver/modem-1/response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestNewTopics_Prefix(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "hwm"},
		{"/gs-north/", "gs-north"},
		{"site/a", "site/a"},
	}
	for _, tt := range tests {
		if got := NewTopics(tt.in).Prefix(); got != tt.want {
			t.Errorf("NewTopics(%q).Prefix() = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := (Topics{}).SystemStatus(); got != "hwm/system/status" {
		t.Errorf("zero Topics SystemStatus() = %q", got)
	}
}

func TestLastSegment(t *testing.T) {
	if got := LastSegment("gs/command/alice"); got != "alice" {
		t.Errorf("LastSegment() = %q", got)
	}
	if got := LastSegment("bare"); got != "bare" {
		t.Errorf("LastSegment() = %q", got)
	}
}

func TestLastSegments(t *testing.T) {
	got := LastSegments("gs/stream/alice/ses-1", 2)
	if len(got) != 2 || got[0] != "alice" || got[1] != "ses-1" {
		t.Errorf("LastSegments() = %q", got)
	}
	if got := LastSegments("ses-1", 2); got != nil {
		t.Errorf("LastSegments(short) = %q, want nil", got)
	}
}

func TestClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "station"
	cfg.Auth.Password = "secret"
	cfg.Broker.TLS = true

	opts := clientOptions(cfg)
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v", opts.Servers)
	}
	if opts.ClientID != "hwm-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "station" || opts.Password != "secret" {
		t.Error("credentials not applied")
	}
	if opts.TLSConfig == nil {
		t.Error("TLS config not set")
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect not enabled")
	}
}

func TestPresenceWill(t *testing.T) {
	opts := clientOptions(testConfig())
	setPresenceWill(opts, NewTopics("gs"), "hwm-test")

	if !opts.WillEnabled || opts.WillTopic != "gs/system/status" || !opts.WillRetained {
		t.Errorf("will = enabled:%v topic:%q retained:%v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}
	var p Presence
	if err := json.Unmarshal(opts.WillPayload, &p); err != nil {
		t.Fatalf("WillPayload %s: %v", opts.WillPayload, err)
	}
	if p.Status != PresenceOffline || p.Reason != ReasonCrashed || p.ClientID != "hwm-test" {
		t.Errorf("will presence = %+v", p)
	}
}

func TestPresencePayload(t *testing.T) {
	var p Presence
	if err := json.Unmarshal(presencePayload("hwm-test", PresenceOnline, ""), &p); err != nil {
		t.Fatal(err)
	}
	if p.Status != PresenceOnline || p.Reason != "" || p.Timestamp.IsZero() {
		t.Errorf("online presence = %+v", p)
	}
}

func TestUnconnectedClient(t *testing.T) {
	c := &Client{cfg: testConfig(), topics: NewTopics("gs"), subscriptions: map[string]subscription{}}

	if c.IsConnected() {
		t.Fatal("IsConnected() = true for unconnected client")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v", err)
	}

	noop := func(string, []byte) error { return nil }
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"publish empty topic", c.Publish("", nil, 0, false), ErrInvalidTopic},
		{"publish bad qos", c.Publish("gs/x", nil, 3, false), ErrInvalidQoS},
		{"publish oversize", c.Publish("gs/x", make([]byte, maxPayloadSize+1), 0, false), ErrPublishFailed},
		{"publish disconnected", c.Publish("gs/x", []byte("{}"), 0, false), ErrNotConnected},
		{"publish json disconnected", c.PublishJSON("gs/x", map[string]int{"a": 1}, false), ErrNotConnected},
		{"publish json unencodable", c.PublishJSON("gs/x", make(chan int), false), ErrPublishFailed},
		{"subscribe empty topic", c.Subscribe("", 0, noop), ErrInvalidTopic},
		{"subscribe bad qos", c.Subscribe("gs/x", 3, noop), ErrInvalidQoS},
		{"subscribe nil handler", c.Subscribe("gs/x", 0, nil), ErrSubscribeFailed},
		{"subscribe disconnected", c.Subscribe("gs/x", 0, noop), ErrNotConnected},
		{"unsubscribe empty", c.Unsubscribe(""), ErrInvalidTopic},
		{"unsubscribe disconnected", c.Unsubscribe("gs/x"), ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("error = %v, want %v", tt.err, tt.want)
			}
		})
	}

	if c.SubscriptionCount() != 0 || c.HasSubscription("gs/x") {
		t.Error("failed subscribe should not be tracked")
	}
}

type recordingLogger struct {
	errors, warns []string
}

func (l *recordingLogger) Error(msg string, _ ...any) { l.errors = append(l.errors, msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.warns = append(l.warns, msg) }

func TestDispatch_RecoversAndLogs(t *testing.T) {
	c := &Client{}
	log := &recordingLogger{}
	c.SetLogger(log)

	c.dispatch(func(string, []byte) error { panic("boom") }, "gs/x", nil)
	c.dispatch(func(string, []byte) error { return errors.New("bad payload") }, "gs/x", nil)
	c.dispatch(func(string, []byte) error { return nil }, "gs/x", nil)

	if len(log.errors) != 1 || len(log.warns) != 1 {
		t.Errorf("errors=%v warns=%v", log.errors, log.warns)
	}
}

func TestHandleConnectionCallbacks(t *testing.T) {
	c := &Client{}
	var lost error
	c.SetOnDisconnect(func(err error) { lost = err })

	c.handleDisconnect(errors.New("EOF"))
	if lost == nil || lost.Error() != "EOF" {
		t.Errorf("onDisconnect got %v", lost)
	}
}
