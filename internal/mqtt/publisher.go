package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/toolbridge/internal/config"
)

const (
	// publishLimit is the most messages sent per second.
	publishLimit = 200

	// connectWait bounds how long Start waits for the first connection.
	connectWait = 30 * time.Second
)

// ErrNotStarted is returned by Publish before Start.
var ErrNotStarted = errors.New("mqtt publisher not started")

// ErrRateLimited is returned when a message is shed by the limiter.
var ErrRateLimited = errors.New("mqtt publish rate limit exceeded")

// Publisher manages the MQTT connection and publishes messages below a
// configured base topic.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	logger     *slog.Logger
	limiter    *rateLimiter

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		logger:     logger,
		limiter:    newRateLimiter(publishLimit, time.Second, logger),
	}
}

// Start connects to the MQTT broker. It returns once the first
// connection is up or after a bounded wait; autopaho keeps retrying in
// the background until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	go p.limiter.start(ctx)

	connCtx, connCancel := context.WithTimeout(ctx, connectWait)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail; autopaho will keep retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
// ctx controls how long to wait for both.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// Publish sends payload to subtopic below the base topic with QoS 1.
func (p *Publisher) Publish(ctx context.Context, subtopic string, payload []byte) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return ErrNotStarted
	}
	if !p.limiter.allow() {
		return ErrRateLimited
	}

	topic := p.topic(subtopic)
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return nil
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return strings.TrimSuffix(p.cfg.Topic, "/")
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

// topic joins subtopic to the base topic. MQTT wildcards and empty
// levels are not valid in a publish topic and are replaced.
func (p *Publisher) topic(subtopic string) string {
	levels := strings.Split(strings.Trim(subtopic, "/"), "/")
	for i, l := range levels {
		l = strings.NewReplacer("+", "_", "#", "_").Replace(l)
		if l == "" {
			l = "_"
		}
		levels[i] = l
	}
	return p.baseTopic() + "/" + strings.Join(levels, "/")
}

// clientID is the configured client ID qualified by the instance, so
// that two instances sharing a config do not evict each other.
func (p *Publisher) clientID() string {
	if p.instanceID == "" {
		return p.cfg.ClientID
	}
	short := p.instanceID
	if len(short) > 8 {
		short = short[len(short)-8:]
	}
	return p.cfg.ClientID + "-" + short
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}
