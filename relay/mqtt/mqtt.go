// Package mqtt connects the relay to an MQTT broker.
//
// Game-state broadcasts arrive on a single fan-out topic that every relay
// subscribes to. Outbound messages are published to one topic per
// destination.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/kabili207/beetlelink/relay"
	"github.com/kabili207/beetlelink/transport"
)

// Compile-time interface checks.
var (
	_ relay.Publisher = (*Client)(nil)
	_ relay.Source    = (*Client)(nil)
)

const (
	// DefaultUpdateTopic carries game-state broadcasts.
	DefaultUpdateTopic = "update_everyone"
	// DefaultSampleTopic receives IMU batches.
	DefaultSampleTopic = "ai_queue"
	// DefaultEventTopic receives peripheral actions and connectivity.
	DefaultEventTopic = "update_ge_queue"
	// DefaultQoS is exactly-once delivery.
	DefaultQoS = 2
)

// ErrNotConnected is returned by Publish while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt: not connected")

// Config holds the configuration for an MQTT client.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// UpdateTopic is subscribed for game-state broadcasts (default: "update_everyone").
	UpdateTopic string
	// SampleTopic receives IMU batches (default: "ai_queue").
	SampleTopic string
	// EventTopic receives actions and connectivity (default: "update_ge_queue").
	EventTopic string
	// QoS for both directions (default: 2).
	QoS byte
	// OnStateChange is called on broker connection changes. Optional.
	OnStateChange func(event transport.Event)
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client publishes relay messages and consumes game-state broadcasts.
type Client struct {
	cfg       Config
	client    paho.Client
	log       *slog.Logger
	mu        sync.RWMutex
	connected bool
	handler   func(body []byte)
}

// New creates a new MQTT client with the given configuration.
func New(cfg Config) *Client {
	if cfg.UpdateTopic == "" {
		cfg.UpdateTopic = DefaultUpdateTopic
	}
	if cfg.SampleTopic == "" {
		cfg.SampleTopic = DefaultSampleTopic
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = DefaultEventTopic
	}
	if cfg.QoS == 0 || cfg.QoS > 2 {
		cfg.QoS = DefaultQoS
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		cfg: cfg,
		log: cfg.Logger.WithGroup("mqtt"),
	}
}

// Start connects to the MQTT broker.
func (c *Client) Start(ctx context.Context) error {
	if c.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}

	clientID := c.cfg.ClientID
	if clientID == "" {
		clientID = "beetlelink-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetOnConnectHandler(c.onConnected).
		SetConnectionLostHandler(c.onConnectionLost).
		SetReconnectingHandler(c.onReconnecting)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
	}
	if c.cfg.Password != "" {
		opts.SetPassword(c.cfg.Password)
	}
	if c.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	c.mu.Lock()
	c.client = paho.NewClient(opts)
	client := c.client
	c.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}
	return nil
}

// Stop gracefully disconnects from the MQTT broker.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Disconnect(1000)
		c.connected = false
	}
	return nil
}

// IsConnected returns true if the client is connected to the broker.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// Publish sends body to the topic for dest.
func (c *Client) Publish(ctx context.Context, dest relay.Destination, body []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	topic, err := c.topicFor(dest)
	if err != nil {
		return err
	}

	token := c.client.Publish(topic, c.cfg.QoS, false, body)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return errors.New("timeout publishing to MQTT")
	}
}

// Consume delivers every game-state broadcast to handle until ctx is
// cancelled. The subscription is renewed on every reconnect.
func (c *Client) Consume(ctx context.Context, handle func(body []byte)) error {
	c.mu.Lock()
	c.handler = handle
	subscribe := c.connected
	c.mu.Unlock()

	if subscribe {
		c.subscribe()
	}

	<-ctx.Done()

	c.mu.Lock()
	c.handler = nil
	client, connected := c.client, c.connected
	c.mu.Unlock()
	if client != nil && connected {
		client.Unsubscribe(c.cfg.UpdateTopic)
	}
	return ctx.Err()
}

func (c *Client) topicFor(dest relay.Destination) (string, error) {
	switch dest {
	case relay.DestSamples:
		return c.cfg.SampleTopic, nil
	case relay.DestEvents, relay.DestStatus:
		return c.cfg.EventTopic, nil
	default:
		return "", fmt.Errorf("mqtt: no topic for destination %s", dest)
	}
}

func (c *Client) subscribe() {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return
	}
	client.Subscribe(c.cfg.UpdateTopic, c.cfg.QoS, c.handleMessage)
	c.log.Debug("subscribed to update topic", "topic", c.cfg.UpdateTopic)
}

func (c *Client) handleMessage(_ paho.Client, message paho.Message) {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()

	if handler == nil {
		return
	}
	handler(message.Payload())
}

func (c *Client) onConnected(_ paho.Client) {
	c.mu.Lock()
	c.connected = true
	consuming := c.handler != nil
	c.mu.Unlock()

	if consuming {
		c.subscribe()
	}
	c.log.Info("connected to MQTT broker", "broker", c.cfg.Broker)
	c.fire(transport.EventConnected)
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.log.Error("MQTT connection lost", "error", err)
	c.fire(transport.EventDisconnected)
}

func (c *Client) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	c.log.Info("reconnecting to MQTT broker")
	c.fire(transport.EventReconnecting)
}

func (c *Client) fire(ev transport.Event) {
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(ev)
	}
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
