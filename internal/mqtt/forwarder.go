package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/deckforge/internal/config"
	"github.com/nugget/deckforge/internal/events"
)

const (
	subscriberBuffer = 256
	// maxEventsPerSecond bounds outbound event publishes.
	maxEventsPerSecond = 200
	connectWait        = 10 * time.Second
)

// Forwarder relays bus events to an MQTT broker.
type Forwarder struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	logger     *slog.Logger
	counters   *Counters
	limiter    *rateLimiter

	cm     *autopaho.ConnectionManager
	sub    <-chan events.Event
	done   chan struct{}
	cancel context.CancelFunc
}

// New creates a Forwarder but does not connect. Call [Forwarder.Start]
// to connect and begin forwarding.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		logger:     logger,
		counters:   NewCounters(),
		limiter:    newRateLimiter(maxEventsPerSecond, time.Second, logger),
	}
}

// Start connects to the broker, subscribes to the bus and forwards
// events in the background until [Forwarder.Stop]. A broker that is not
// reachable yet is not an error: autopaho keeps retrying and events
// published meanwhile are dropped.
func (f *Forwarder) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(f.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: f.cfg.Username,
		ConnectPassword: []byte(f.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   f.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			f.logger.Info("mqtt connected to broker", "broker", f.cfg.Broker)
			f.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			f.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: f.cfg.ClientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	cm, err := autopaho.NewConnection(runCtx, pahoCfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	f.cm = cm
	f.cancel = cancel

	connCtx, connCancel := context.WithTimeout(ctx, connectWait)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		f.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go f.limiter.start(runCtx)

	f.sub = f.bus.Subscribe(subscriberBuffer)
	f.done = make(chan struct{})
	go f.forward(runCtx)
	return nil
}

// Stop drains events already queued, publishes final stats and an
// "offline" availability message, then disconnects. The provided
// context bounds the whole sequence.
func (f *Forwarder) Stop(ctx context.Context) error {
	if f.cm == nil {
		return nil
	}

	// Unsubscribe closes the channel; forward exits once it is drained.
	f.bus.Unsubscribe(f.sub)
	select {
	case <-f.done:
	case <-ctx.Done():
		f.logger.Warn("mqtt forwarder did not drain before shutdown deadline")
	}

	f.publishStats(ctx)
	f.publishAvailability(ctx, f.cm, "offline")
	err := f.cm.Disconnect(ctx)
	f.cancel()
	return err
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (f *Forwarder) AwaitConnection(ctx context.Context) error {
	if f.cm == nil {
		return fmt.Errorf("mqtt forwarder not started")
	}
	return f.cm.AwaitConnection(ctx)
}

func (f *Forwarder) forward(ctx context.Context) {
	defer close(f.done)
	for e := range f.sub {
		f.counters.Observe(e.Kind, e.Data)
		f.publishEvent(ctx, e)
		if e.Kind == events.KindRunComplete {
			f.publishStats(ctx)
		}
	}
}

// --- Topic helpers ---

func (f *Forwarder) availabilityTopic() string {
	return f.cfg.TopicPrefix + "/availability"
}

func (f *Forwarder) statsTopic() string {
	return f.cfg.TopicPrefix + "/stats"
}

func (f *Forwarder) eventTopic(e events.Event) string {
	return f.cfg.TopicPrefix + "/events/" + e.Source + "/" + e.Kind
}

// --- Payloads ---

type eventPayload struct {
	Timestamp string         `json:"ts"`
	Instance  string         `json:"instance"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

func (f *Forwarder) encodeEvent(e events.Event) ([]byte, error) {
	return json.Marshal(eventPayload{
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Instance:  f.instanceID,
		Source:    e.Source,
		Kind:      e.Kind,
		Data:      e.Data,
	})
}

func (f *Forwarder) publishEvent(ctx context.Context, e events.Event) {
	if !f.limiter.allow() {
		return
	}
	payload, err := f.encodeEvent(e)
	if err != nil {
		f.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	topic := f.eventTopic(e)
	if _, err := f.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		f.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
	}
}

func (f *Forwarder) publishStats(ctx context.Context) {
	payload, err := json.Marshal(f.counters.Snapshot())
	if err != nil {
		f.logger.Error("mqtt marshal stats", "error", err)
		return
	}
	if _, err := f.cm.Publish(ctx, &paho.Publish{
		Topic:   f.statsTopic(),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		f.logger.Debug("mqtt stats publish failed", "error", err)
	}
}

func (f *Forwarder) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   f.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		f.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		f.logger.Info("mqtt availability published", "status", status)
	}
}
