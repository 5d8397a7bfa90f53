//go:build integration

package mqtt

import (
	"errors"
	"testing"
	"time"

	"github.com/icecap85/vdcd/internal/infrastructure/config"
)

// These tests need a broker at 127.0.0.1:1883.
//
//	go test -tags=integration -count=1 ./internal/infrastructure/mqtt/...

func integrationConfig(clientID string) config.MQTTConfig {
	cfg := testConfig()
	cfg.Broker.ClientID = clientID
	return cfg
}

func TestIntegration_Connect(t *testing.T) {
	client, err := Connect(integrationConfig("vdcd-int-connect"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
}

func TestIntegration_ConnectRefused(t *testing.T) {
	cfg := integrationConfig("vdcd-int-refused")
	cfg.Broker.Port = 19999

	_, err := Connect(cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestIntegration_CommandRoundtrip(t *testing.T) {
	pub, err := Connect(integrationConfig("vdcd-int-pub"))
	if err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pub.Close()

	sub, err := Connect(integrationConfig("vdcd-int-sub"))
	if err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer sub.Close()

	received := make(chan string, 4)
	err = sub.Subscribe(Topics{}.BridgeCommands("dali"), 1, func(topic string, _ []byte) error {
		received <- AddressFromTopic(topic)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	for _, addr := range []string{"light-1", "light-2"} {
		if err := pub.Publish(Topics{}.BridgeCommand("dali", addr), []byte(`{"command":"on"}`), 1, false); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	for _, want := range []string{"light-1", "light-2"} {
		select {
		case got := <-received:
			if got != want {
				t.Errorf("received address %q, want %q", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}
