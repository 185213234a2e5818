//go:build integration

package mqtt

import (
	"sync"
	"testing"
	"time"
)

// These tests require a running MQTT broker at 127.0.0.1:1883.
//
//	go test -tags=integration ./internal/infrastructure/mqtt/...

func TestPublishSubscribeRoundtrip(t *testing.T) {
	client, err := Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	var (
		mu       sync.Mutex
		received []string
		done     = make(chan struct{}, 1)
	)
	topic := client.Topics().SessionEvent("ses-roundtrip")
	err = client.Subscribe(client.Topics().AllSessionEvents(), 1, func(tp string, payload []byte) error {
		mu.Lock()
		received = append(received, tp+"="+string(payload))
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := client.PublishJSON(topic, map[string]string{"state": "active"}, false); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if received[0] != topic+`={"state":"active"}` {
		t.Errorf("received %q", received[0])
	}
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	client, err := Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if err := client.Subscribe(client.Topics().AllCommands(), 1, func(string, []byte) error { return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	client.handleConnect()
	if !client.HasSubscription(client.Topics().AllCommands()) {
		t.Error("subscription lost after reconnect")
	}
}
