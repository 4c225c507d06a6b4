package telemetry

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cjeanneret/DriveGo/internal/config"
	"github.com/cjeanneret/DriveGo/internal/debug"
	"github.com/cjeanneret/DriveGo/internal/logic/control"
)

// Sample is one control tick as published on the wire.
type Sample struct {
	Time  time.Time `json:"time"`
	Tick  int       `json:"tick"`
	X     float64   `json:"x"`
	Y     float64   `json:"y"`
	Left  float64   `json:"left"`
	Right float64   `json:"right"`
}

// SampleFromTick converts a control tick to a Sample.
func SampleFromTick(t control.Tick) Sample {
	return Sample{
		Time:  t.Time,
		Tick:  t.N,
		X:     t.X,
		Y:     t.Y,
		Left:  t.Mix.Left,
		Right: t.Mix.Right,
	}
}

// Publisher is a control.Observer that can be shut down.
type Publisher interface {
	control.Observer
	Close()
}

// Nop discards every sample. Used when no broker is configured.
type Nop struct{}

func (Nop) Observe(control.Tick) {}
func (Nop) Close() {}

// publisher is the subset of mqtt.Client used for sending samples.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher sends one JSON Sample per tick, QoS 0, not retained.
// Observe never waits for the broker.
type MQTTPublisher struct {
	client     publisher
	topic      string
	disconnect func()
	published  atomic.Int64
}

var _ Publisher = (*MQTTPublisher)(nil)

// New returns an MQTT publisher for cfg, or Nop when no broker is set.
func New(cfg config.TelemetryConfig, connectTimeout time.Duration) (Publisher, error) {
	if cfg.MQTTBroker == "" {
		debug.Verbose("Telemetry disabled (no mqtt_broker)")
		return Nop{}, nil
	}
	return Dial(cfg, connectTimeout)
}

// Dial connects to the configured broker. If the broker is not reachable
// within connectTimeout the client keeps retrying in the background and
// samples published meanwhile are lost.
func Dial(cfg config.TelemetryConfig, connectTimeout time.Duration) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTTBroker)
	opts.SetClientID(cfg.MQTTClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		debug.Info("Connected to MQTT broker %s", cfg.MQTTBroker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		debug.Error(fmt.Errorf("mqtt connection lost: %w", err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		debug.Info("MQTT broker %s not reachable yet, retrying in background", cfg.MQTTBroker)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.MQTTBroker, err)
	}

	p := newPublisher(client, cfg.MQTTTopic)
	p.disconnect = func() { client.Disconnect(250) }
	return p, nil
}

func newPublisher(client publisher, topic string) *MQTTPublisher {
	return &MQTTPublisher{client: client, topic: topic}
}

// Observe publishes the tick as a Sample.
func (p *MQTTPublisher) Observe(t control.Tick) {
	payload, err := json.Marshal(SampleFromTick(t))
	if err != nil {
		debug.Error(fmt.Errorf("marshal telemetry sample: %w", err))
		return
	}
	p.client.Publish(p.topic, 0, false, payload)
	p.published.Add(1)
	debug.Trace("Telemetry: %s <- %s", p.topic, payload)
}

// Published returns the number of samples handed to the client.
func (p *MQTTPublisher) Published() int64 {
	return p.published.Load()
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	if p.disconnect != nil {
		p.disconnect()
	}
}
