package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MQTTConfig struct {
	// Broker is a URL such as tcp://localhost:1883. Empty disables MQTT.
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Interval limits how often snapshots are sent. Defaults to 1s.
	Interval time.Duration `yaml:"interval"`
}

// MQTTPublisher sends the latest snapshot as JSON to a retained topic.
type MQTTPublisher struct {
	client   mqtt.Client
	topic    string
	interval time.Duration
	logger   *slog.Logger
}

func NewMQTTPublisher(cfg MQTTConfig, logger *slog.Logger) *MQTTPublisher {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})
	return newMQTTPublisher(mqtt.NewClient(opts), cfg, logger)
}

func newMQTTPublisher(client mqtt.Client, cfg MQTTConfig, logger *slog.Logger) *MQTTPublisher {
	p := &MQTTPublisher{
		client:   client,
		topic:    cfg.Topic,
		interval: cfg.Interval,
		logger:   logger,
	}
	if p.topic == "" {
		p.topic = "antenna/status"
	}
	if p.interval == 0 {
		p.interval = time.Second
	}
	return p
}

// Run connects and publishes snapshots from hub until ctx is done.
func (p *MQTTPublisher) Run(ctx context.Context, hub *Hub) error {
	defer p.client.Disconnect(250)

	// With ConnectRetry the token only completes once connected.
	token := p.client.Connect()
	for !token.WaitTimeout(200 * time.Millisecond) {
		if ctx.Err() != nil {
			return nil
		}
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	var last uint64
	for {
		changed := hub.Changed()
		if s := hub.Latest(); s.Sequence != last {
			last = s.Sequence
			if err := p.publish(s); err != nil {
				p.logger.Warn("publishing telemetry", "topic", p.topic, "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.interval):
		}
	}
}

func (p *MQTTPublisher) publish(s *Snapshot) error {
	if !p.client.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	token := p.client.Publish(p.topic, 0, true, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for topic %s", p.topic)
	}
	return token.Error()
}
