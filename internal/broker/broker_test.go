package broker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/scenescape/tracker/internal/config"
	"github.com/scenescape/tracker/internal/observability"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := &config.AppConfig{
		MQTTHost:                "localhost",
		MQTTPort:                1883,
		MQTTInsecure:            true,
		MQTTMaxReconnectDelayS:  30,
		ServiceName:             "tracker-test",
	}
	metrics, err := observability.NewMetricsManager(otel.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsManager: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(cfg, logger, metrics)
}

func TestPublish_ReturnsErrBrokerUnavailableWhenDisconnected(t *testing.T) {
	c := newTestClient(t)

	err := c.Publish(context.Background(), "scenescape/data/scene/scene1/thing", []byte(`{}`))
	if err == nil {
		t.Fatal("expected an error publishing while disconnected")
	}
	if err != ErrBrokerUnavailable {
		t.Fatalf("expected ErrBrokerUnavailable, got %v", err)
	}
}

func TestSubscribe_RemembersSubscriptionBeforeConnect(t *testing.T) {
	c := newTestClient(t)

	called := false
	err := c.Subscribe("scenescape/data/camera/+", func(string, []byte) { called = true })
	if err != nil {
		t.Fatalf("Subscribe before connect should not error, got %v", err)
	}

	c.mu.Lock()
	_, remembered := c.subscriptions["scenescape/data/camera/+"]
	c.mu.Unlock()
	if !remembered {
		t.Fatal("expected subscription to be remembered for replay on connect")
	}
	if called {
		t.Fatal("handler must not be invoked before a message actually arrives")
	}
}

func TestBuildTLSConfig_DefaultsToSkipVerifyWhenVerifyServerFalse(t *testing.T) {
	c := newTestClient(t)
	c.cfg.MQTTVerifyServer = false

	tlsConfig, err := c.buildTLSConfig()
	if err != nil {
		t.Fatalf("buildTLSConfig: %v", err)
	}
	if !tlsConfig.InsecureSkipVerify {
		t.Fatal("expected InsecureSkipVerify to track MQTTVerifyServer=false")
	}
}

func TestIsConnectedAndIsSubscribed_FalseBeforeConnect(t *testing.T) {
	c := newTestClient(t)
	if c.IsConnected() {
		t.Fatal("expected IsConnected() false before Connect is called")
	}
	if c.IsSubscribed() {
		t.Fatal("expected IsSubscribed() false before Connect is called")
	}
}

func TestDisconnect_IsSafeWhenNeverConnected(t *testing.T) {
	c := newTestClient(t)
	c.Disconnect(10 * time.Millisecond)
	if c.IsConnected() {
		t.Fatal("expected IsConnected() false after Disconnect")
	}
}
