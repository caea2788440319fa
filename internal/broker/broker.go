// Package broker wraps an MQTT client with the reconnect, TLS, and
// subscription-replay behavior the tracking service demands (spec §4.1).
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/scenescape/tracker/internal/config"
	"github.com/scenescape/tracker/internal/observability"
)

// ErrBrokerUnavailable is returned by Publish when the client is not
// currently connected; callers map this to the broker_unavailable drop reason.
var ErrBrokerUnavailable = errors.New("broker: not connected")

// MessageHandler is invoked on an arbitrary client-internal goroutine for
// every arriving message. Per spec §4.1 it must be reentrant and cheap:
// parse + buffer insert only, no tracking work on this goroutine.
type MessageHandler func(topic string, payload []byte)

// Client maintains a single long-lived MQTT connection, re-applying
// remembered subscriptions on every reconnect and auto-reconnecting with
// exponential backoff (initial 1s, doubling, capped at
// cfg.MQTTMaxReconnectDelayS) rather than paho's own fixed-interval retry,
// so the behavior matches spec §4.1 exactly.
type Client struct {
	cfg     *config.AppConfig
	logger  *slog.Logger
	metrics *observability.MetricsManager

	client mqtt.Client

	connected  atomic.Bool
	subscribed atomic.Bool

	mu            sync.Mutex
	subscriptions map[string]MessageHandler

	lost chan struct{}
}

func NewClient(cfg *config.AppConfig, logger *slog.Logger, metrics *observability.MetricsManager) *Client {
	return &Client{
		cfg:           cfg,
		logger:        logger,
		metrics:       metrics,
		subscriptions: make(map[string]MessageHandler),
		lost:          make(chan struct{}, 1),
	}
}

// Connect starts the connect-and-reconnect loop in its own goroutine.
// It is non-blocking; success is observed via IsConnected becoming true.
func (c *Client) Connect(ctx context.Context) {
	go c.connectLoop(ctx)
}

func (c *Client) connectLoop(ctx context.Context) {
	for ctx.Err() == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.Multiplier = 2
		b.MaxInterval = c.cfg.MaxReconnectDelay()
		b.MaxElapsedTime = 0 // retry until ctx is canceled

		err := backoff.Retry(func() error {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return c.dial(ctx)
		}, backoff.WithContext(b, ctx))
		if err != nil {
			return // context canceled while retrying
		}

		c.metrics.IncrementBrokerReconnects(ctx)

		select {
		case <-c.lost:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if !c.cfg.MQTTInsecure {
		scheme = "ssl"
		tlsConfig, err := c.buildTLSConfig()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build TLS config: %w", err))
		}
		opts.SetTLSConfig(tlsConfig)
	}
	opts.AddBroker(fmt.Sprintf("%s://%s", scheme, c.cfg.MQTTAddress()))
	opts.SetClientID(fmt.Sprintf("%s-%d", c.cfg.ServiceName, time.Now().UnixNano()))
	opts.SetAutoReconnect(false) // we drive reconnect ourselves with cenkalti/backoff
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.connected.Store(true)
		if err := c.resubscribeAll(); err != nil {
			c.logger.Error("failed to re-apply subscriptions after connect, forcing reconnect", "error", err)
			c.connected.Store(false)
			c.metrics.IncrementBrokerConnectionErrors(context.Background())
			// A connected-but-unsubscribed client would otherwise sit idle
			// until the next unrelated connection loss; force-disconnect so
			// connectLoop redials and retries the subscription on the next
			// backoff cycle (spec §4.1).
			client.Disconnect(0)
			select {
			case c.lost <- struct{}{}:
			default:
			}
			return
		}
		c.subscribed.Store(true)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.connected.Store(false)
		c.subscribed.Store(false)
		c.metrics.IncrementBrokerConnectionErrors(context.Background())
		c.logger.Warn("broker connection lost", "error", err)
		select {
		case c.lost <- struct{}{}:
		default:
		}
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return fmt.Errorf("connect timed out")
	}
	if err := token.Error(); err != nil {
		c.metrics.IncrementBrokerConnectionErrors(ctx)
		return err
	}

	c.client = client
	return nil
}

func (c *Client) buildTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: !c.cfg.MQTTVerifyServer,
	}

	if c.cfg.MQTTCACertPath != "" {
		caCert, err := os.ReadFile(c.cfg.MQTTCACertPath)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("parse CA cert %s", c.cfg.MQTTCACertPath)
		}
		tlsConfig.RootCAs = pool
	}

	if c.cfg.MQTTClientCertPath != "" && c.cfg.MQTTClientKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(c.cfg.MQTTClientCertPath, c.cfg.MQTTClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Subscribe registers handler for topicFilter (single-level wildcards
// supported, e.g. "scenescape/data/camera/+"). The subscription is
// remembered and re-applied on every reconnect.
func (c *Client) Subscribe(topicFilter string, handler MessageHandler) error {
	c.mu.Lock()
	c.subscriptions[topicFilter] = handler
	c.mu.Unlock()

	if !c.connected.Load() {
		return nil // applied once connect succeeds
	}
	return c.subscribeOne(topicFilter, handler)
}

func (c *Client) subscribeOne(topicFilter string, handler MessageHandler) error {
	token := c.client.Subscribe(topicFilter, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (c *Client) resubscribeAll() error {
	c.mu.Lock()
	subs := make(map[string]MessageHandler, len(c.subscriptions))
	for k, v := range c.subscriptions {
		subs[k] = v
	}
	c.mu.Unlock()

	for topicFilter, handler := range subs {
		if err := c.subscribeOne(topicFilter, handler); err != nil {
			return fmt.Errorf("resubscribe %s: %w", topicFilter, err)
		}
	}
	return nil
}

// Publish is fire-and-forget at QoS 1 ("at-least-once"). It never blocks
// the caller on network I/O: a publish that is still in flight after a
// zero-duration wait is treated as accepted.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.connected.Load() {
		return ErrBrokerUnavailable
	}

	start := time.Now()
	token := c.client.Publish(topic, 1, false, payload)
	if token.WaitTimeout(0) {
		if err := token.Error(); err != nil {
			return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
		}
	}
	c.metrics.RecordBrokerPublishDuration(ctx, topic, time.Since(start))
	return nil
}

// Disconnect stops accepting inbound traffic and flushes pending publishes
// within drainTimeout before closing the connection.
func (c *Client) Disconnect(drainTimeout time.Duration) {
	c.connected.Store(false)
	c.subscribed.Store(false)
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(uint(drainTimeout.Milliseconds()))
	}
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) IsSubscribed() bool {
	return c.subscribed.Load()
}
