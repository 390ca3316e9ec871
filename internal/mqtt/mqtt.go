package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"ambientweather2sqlite/internal/config"
	"ambientweather2sqlite/internal/store"
)

// Observation is the JSON payload accepted on the observation topic:
//
//	{"ts": "2025-06-27T14:05:00Z", "fields": {"outTemp": 72.1, "windgust": null}}
//
// ts is optional; without it the database stamps the row.
type Observation struct {
	TS     *time.Time          `json:"ts,omitempty"`
	Fields map[string]*float64 `json:"fields"`
}

// Sink stores decoded observations.
type Sink interface {
	InsertAt(ctx context.Context, ts time.Time, fields map[string]*float64) error
	LogError(ctx context.Context, kind, message string) error
}

type Subscriber struct {
	client    mqtt.Client
	cfg       config.Config
	logger    *slog.Logger
	sink      Sink
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewSubscriber(cfg config.Config, sink Sink, logger *slog.Logger) *Subscriber {
	s := &Subscriber{
		cfg:    cfg,
		logger: logger,
		sink:   sink,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Subscribing from the connect handler restores the subscription after
	// every automatic reconnect.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
		if err := s.subscribe(c); err != nil {
			logger.Error("mqtt subscribe failed", "topic", cfg.MQTTTopic, "error", err)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	s.client = mqtt.NewClient(opts)
	return s
}

// Connect waits for the first connection to the broker. The topic is
// subscribed by the connect handler.
func (s *Subscriber) Connect(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return fmt.Errorf("subscriber stopped")
	default:
	}
	if s.IsConnected() {
		return nil
	}

	token := s.client.Connect()
	const poll = 200 * time.Millisecond
	for !token.WaitTimeout(poll) {
		select {
		case <-ctx.Done():
			s.client.Disconnect(0)
			return ctx.Err()
		case <-s.stopCh:
			s.client.Disconnect(0)
			return fmt.Errorf("subscriber stopped")
		default:
		}
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (s *Subscriber) subscribe(c mqtt.Client) error {
	topic := s.cfg.MQTTTopic
	const qos = byte(1)

	token := c.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		s.handleMessage(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	s.logger.Info("subscribed to mqtt topic", "topic", topic, "qos", qos)
	return nil
}

func (s *Subscriber) handleMessage(topic string, payload []byte) {
	s.logger.Debug("received mqtt message", "topic", topic, "size", len(payload))

	obs, err := decodeObservation(payload)
	if err != nil {
		s.logger.Warn("invalid observation message", "topic", topic, "error", err, "payload", string(payload))
		return
	}

	var ts time.Time
	if obs.TS != nil {
		ts = *obs.TS
	}
	ctx := context.Background()
	if err := s.sink.InsertAt(ctx, ts, obs.Fields); err != nil {
		kind := store.KindOf(err).String()
		s.logger.Error("store mqtt observation", "topic", topic, "kind", kind, "error", err)
		if logErr := s.sink.LogError(ctx, kind, err.Error()); logErr != nil {
			s.logger.Warn("record mqtt failure", "error", logErr)
		}
		return
	}
	s.logger.Debug("stored mqtt observation", "topic", topic, "fields", len(obs.Fields))
}

func decodeObservation(payload []byte) (Observation, error) {
	var obs Observation
	if err := json.Unmarshal(payload, &obs); err != nil {
		return obs, fmt.Errorf("decode: %w", err)
	}
	if len(obs.Fields) == 0 {
		return obs, fmt.Errorf("fields is required")
	}
	if obs.TS != nil && obs.TS.IsZero() {
		return obs, fmt.Errorf("ts must not be the zero time")
	}
	return obs, nil
}

func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	return connected && s.client.IsConnected()
}

// Disconnect stops the subscriber. Safe to call more than once.
func (s *Subscriber) Disconnect() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	if s.IsConnected() {
		s.client.Unsubscribe(s.cfg.MQTTTopic).WaitTimeout(2 * time.Second)
	}
	s.client.Disconnect(250)
	s.setConnected(false)
	s.logger.Info("mqtt subscriber disconnected")
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
