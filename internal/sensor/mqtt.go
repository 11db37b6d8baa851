package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/agsys/zone-controller/internal/config"
)

// Feed topics, relative to the configured prefix:
//
//	<prefix>/zone/<n>/raw   {"raw": 337}  or a bare integer
//	<prefix>/ambient        {"temperature": 71.5, "humidity": 40}
const (
	zoneTopicFmt = "%s/zone/+/raw"
	ambientTopic = "%s/ambient"
)

type ambientPayload struct {
	Temperature *float64 `json:"temperature"`
	Humidity    float64  `json:"humidity"`
}

type rawPayload struct {
	Raw *uint16 `json:"raw"`
}

type stamped[T any] struct {
	v  T
	at time.Time
}

// MQTTFeed is an Adapter fed by sensor nodes publishing over MQTT. Values
// older than maxAge are reported invalid.
type MQTTFeed struct {
	client paho.Client
	prefix string
	maxAge time.Duration
	log    *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	zones   [config.MaxZones]stamped[uint16]
	ambient stamped[ambientPayload]
}

// NewMQTTFeed connects to broker and subscribes to the sensor topics under prefix.
func NewMQTTFeed(broker, clientID, prefix string, maxAge time.Duration, log *zap.Logger) (*MQTTFeed, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	f := newFeed(prefix, maxAge, log)
	// Resubscribe on every (re)connect.
	opts.SetOnConnectHandler(func(c paho.Client) {
		if err := f.subscribe(c); err != nil {
			f.log.Error("failed to subscribe to sensor topics", zap.Error(err))
		}
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("failed to connect to broker %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to broker %s: %w", broker, err)
	}
	f.client = client
	return f, nil
}

func newFeed(prefix string, maxAge time.Duration, log *zap.Logger) *MQTTFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &MQTTFeed{
		prefix: strings.TrimSuffix(prefix, "/"),
		maxAge: maxAge,
		log:    log.Named("sensor-feed"),
		now:    time.Now,
	}
}

func (f *MQTTFeed) subscribe(c paho.Client) error {
	filters := map[string]byte{
		fmt.Sprintf(zoneTopicFmt, f.prefix): 0,
		fmt.Sprintf(ambientTopic, f.prefix): 0,
	}
	token := c.SubscribeMultiple(filters, func(_ paho.Client, msg paho.Message) {
		if err := f.handle(msg.Topic(), msg.Payload()); err != nil {
			f.log.Warn("dropping sensor message", zap.String("topic", msg.Topic()), zap.Error(err))
		}
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout")
	}
	return token.Error()
}

func (f *MQTTFeed) handle(topic string, payload []byte) error {
	rest := strings.TrimPrefix(topic, f.prefix+"/")
	if rest == topic {
		return fmt.Errorf("unexpected topic")
	}
	now := f.now()

	if rest == "ambient" {
		var p ambientPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("failed to decode ambient payload: %w", err)
		}
		if p.Temperature == nil {
			return fmt.Errorf("ambient payload without temperature")
		}
		f.mu.Lock()
		f.ambient = stamped[ambientPayload]{v: p, at: now}
		f.mu.Unlock()
		return nil
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] != "zone" || parts[2] != "raw" {
		return fmt.Errorf("unexpected topic")
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil || n < 1 || n > config.MaxZones {
		return fmt.Errorf("zone %q out of range", parts[1])
	}
	raw, err := parseRaw(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.zones[n-1] = stamped[uint16]{v: raw, at: now}
	f.mu.Unlock()
	return nil
}

func parseRaw(payload []byte) (uint16, error) {
	s := strings.TrimSpace(string(payload))
	if v, err := strconv.ParseUint(s, 10, 16); err == nil {
		return uint16(v), nil
	}
	var p rawPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return 0, fmt.Errorf("failed to decode raw payload: %w", err)
	}
	if p.Raw == nil {
		return 0, fmt.Errorf("raw payload without value")
	}
	return *p.Raw, nil
}

// Sample returns the latest value of every channel that is not stale.
func (f *MQTTFeed) Sample(_ context.Context) (Sample, error) {
	now := f.now()
	fresh := func(at time.Time) bool {
		return !at.IsZero() && (f.maxAge <= 0 || now.Sub(at) <= f.maxAge)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var s Sample
	got := false
	for i, z := range f.zones {
		if fresh(z.at) {
			s.Raw[i] = z.v
			s.RawValid[i] = true
			got = true
		}
	}
	if fresh(f.ambient.at) {
		s.Temperature = *f.ambient.v.Temperature
		s.Humidity = f.ambient.v.Humidity
		s.AmbientValid = true
		got = true
	}
	if !got {
		return s, fmt.Errorf("no sensor data within %s", f.maxAge)
	}
	return s, nil
}

// Close disconnects from the broker.
func (f *MQTTFeed) Close() error {
	if f.client != nil {
		f.client.Disconnect(250)
	}
	return nil
}
