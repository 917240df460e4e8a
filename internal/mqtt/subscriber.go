// Package mqtt ingests sensor samples published as JSON on an MQTT topic.
package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"fallwatch/internal/sample"
)

type Config struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Message is one published reading set. A payload holds a single Message or
// a JSON array of them.
//
//	{"device":"phone-1","t_ms":1250.5,"acc":[0,0,9.8],"gyro":[0,0,0],"mag":[20,0,-40]}
//
// t_ms is the sender's own clock; it is anchored per device to the local
// receive time. When device is empty the topic identifies the sender. Only
// one sender feeds the sink at a time; others are rejected until it has been
// silent for senderIdle.
type Message struct {
	Device string      `json:"device,omitempty"`
	TimeMs *float64    `json:"t_ms,omitempty"`
	Acc    *[3]float32 `json:"acc,omitempty"`
	Gyro   *[3]float32 `json:"gyro,omitempty"`
	Mag    *[3]float32 `json:"mag,omitempty"`
}

type Stats struct {
	Broker        string
	Topic         string
	Connected     bool
	Messages      uint64
	Samples       uint64
	Rejected      uint64
	Senders       int
	Sender        string
	LastMessageAt time.Time
	LastError     string
}

const (
	connectTimeout = 5 * time.Second
	maxSkew        = time.Second
	senderIdle     = 5 * time.Second
	anchorIdle     = time.Minute
)

type Subscriber struct {
	cfg  Config
	sink sample.Sink
	now  func() time.Time

	mu      sync.Mutex
	client  paho.Client
	latch   sample.Latch
	anchors *sample.Anchors
	stats   Stats
}

func NewSubscriber(cfg Config, sink sample.Sink) *Subscriber {
	return &Subscriber{
		cfg:     cfg,
		sink:    sink,
		now:     time.Now,
		latch:   sample.Latch{Idle: senderIdle},
		anchors: sample.NewAnchors(maxSkew, anchorIdle),
		stats:   Stats{Broker: cfg.Broker, Topic: cfg.Topic},
	}
}

// Start connects to the broker. An unreachable broker is not fatal: the
// client keeps retrying in the background and subscribes on every connect.
func (s *Subscriber) Start(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}

	client := paho.NewClient(opts)
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	token := client.Connect()
	if token.WaitTimeout(connectTimeout) && token.Error() != nil {
		return fmt.Errorf("mqtt: connect %s: %w", s.cfg.Broker, token.Error())
	}
	if !client.IsConnected() {
		log.Printf("mqtt: broker %s not reachable yet, retrying in background", s.cfg.Broker)
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return nil
}

func (s *Subscriber) Close() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.stats.Connected = false
	s.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
}

func (s *Subscriber) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Senders = s.anchors.Len()
	st.Sender = s.latch.Current()
	return st
}

func (s *Subscriber) onConnect(c paho.Client) {
	token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.onMessage)
	if token.Wait() && token.Error() != nil {
		log.Printf("mqtt: subscribe %s: %v", s.cfg.Topic, token.Error())
		s.setErr(token.Error())
		return
	}
	s.mu.Lock()
	s.stats.Connected = true
	s.mu.Unlock()
	log.Printf("mqtt: subscribed to %s on %s", s.cfg.Topic, s.cfg.Broker)
}

func (s *Subscriber) onConnectionLost(_ paho.Client, err error) {
	log.Printf("mqtt: connection lost: %v", err)
	s.mu.Lock()
	s.stats.Connected = false
	s.stats.LastError = err.Error()
	s.mu.Unlock()
}

func (s *Subscriber) onMessage(_ paho.Client, msg paho.Message) {
	s.HandlePayload(msg.Topic(), msg.Payload(), s.now())
}

// HandlePayload decodes one published payload and forwards its samples.
func (s *Subscriber) HandlePayload(topic string, payload []byte, recvAt time.Time) {
	msgs, err := ParsePayload(payload)

	s.mu.Lock()
	s.stats.Messages++
	s.stats.LastMessageAt = recvAt
	if err != nil {
		s.stats.Rejected++
		s.stats.LastError = err.Error()
		s.mu.Unlock()
		log.Printf("mqtt: %s: %v", topic, err)
		return
	}
	var out []sample.Sample
	for _, m := range msgs {
		sender := m.Device
		if sender == "" {
			sender = topic
		}
		ok, prev, switched := s.latch.Admit(sender, recvAt)
		if !ok {
			s.stats.Rejected++
			s.stats.LastError = fmt.Sprintf("ignoring sender %s while %s is active", sender, s.latch.Current())
			continue
		}
		if switched {
			s.anchors.Forget(prev)
			log.Printf("mqtt: sender %s went quiet, now reading %s", prev, sender)
		}
		at := recvAt
		if m.TimeMs != nil {
			dev, _ := sample.Millis(*m.TimeMs)
			at = s.anchors.Stamp(sender, dev, recvAt)
		}
		out = append(out, m.samples(at)...)
	}
	s.stats.Samples += uint64(len(out))
	s.mu.Unlock()

	for _, smp := range out {
		s.sink.Ingest(smp)
	}
}

func (s *Subscriber) setErr(err error) {
	s.mu.Lock()
	s.stats.LastError = err.Error()
	s.mu.Unlock()
}

// ParsePayload accepts a single Message object or an array of them.
func ParsePayload(b []byte) ([]Message, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	var msgs []Message
	if b[0] == '[' {
		if err := json.Unmarshal(b, &msgs); err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
	} else {
		var m Message
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
		msgs = []Message{m}
	}
	for i, m := range msgs {
		if m.Acc == nil && m.Gyro == nil && m.Mag == nil {
			return nil, fmt.Errorf("message %d carries no sensor reading", i)
		}
		if m.TimeMs != nil {
			if _, err := sample.Millis(*m.TimeMs); err != nil {
				return nil, fmt.Errorf("message %d: t_ms: %w", i, err)
			}
		}
	}
	return msgs, nil
}

// samples orders the readings magnetometer, gyroscope, accelerometer so the
// acceleration sample sees the field it is evaluated against.
func (m Message) samples(at time.Time) []sample.Sample {
	var out []sample.Sample
	if m.Mag != nil {
		out = append(out, sample.Sample{Axis: sample.Magnetometer, Values: *m.Mag, At: at})
	}
	if m.Gyro != nil {
		out = append(out, sample.Sample{Axis: sample.Gyroscope, Values: *m.Gyro, At: at})
	}
	if m.Acc != nil {
		out = append(out, sample.Sample{Axis: sample.Accelerometer, Values: *m.Acc, At: at})
	}
	return out
}
