// Package publisher forwards polled register values to an MQTT broker.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/config"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/holder"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/registers"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"

	publishTimeout = 5 * time.Second
	timeLayout     = "2006-01-02 15:04:05"
)

// client is the part of mqtt.Client the publisher needs
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Publisher struct {
	cfg    config.MQTTConfig
	client client
	conn   mqtt.Client
	logger *zap.Logger

	catalog *registers.Catalog
	devices []string
}

// New prepares a broker connection. catalog and devices feed Home Assistant
// discovery, which is announced on every (re)connect when enabled.
func New(cfg config.MQTTConfig, catalog *registers.Catalog, devices []string, logger *zap.Logger) *Publisher {
	p := &Publisher{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "mqtt")),
		catalog: catalog,
		devices: devices,
	}

	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetWriteTimeout(publishTimeout)
	opts.SetWill(p.statusTopic(), statusOffline, cfg.QoS, true)

	opts.OnConnect = func(c mqtt.Client) {
		p.logger.Info("Connected to MQTT broker", zap.String("broker", cfg.Broker))
		c.Publish(p.statusTopic(), cfg.QoS, true, statusOnline)
		if cfg.Discovery {
			if err := p.PublishDiscovery(); err != nil {
				p.logger.Warn("Failed to publish discovery config", zap.Error(err))
			}
		}
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		p.logger.Warn("MQTT connection lost", zap.Error(err))
	}

	p.conn = mqtt.NewClient(opts)
	p.client = p.conn
	return p
}

func newWithClient(cfg config.MQTTConfig, c client, logger *zap.Logger) *Publisher {
	return &Publisher{cfg: cfg, client: c, logger: logger}
}

func (p *Publisher) Connect(ctx context.Context) error {
	token := p.conn.Connect()
	if err := wait(ctx, token); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker %s: %w", p.cfg.Broker, err)
	}
	return nil
}

// Close announces offline and disconnects
func (p *Publisher) Close() {
	if p.conn == nil || !p.conn.IsConnected() {
		return
	}
	p.conn.Publish(p.statusTopic(), p.cfg.QoS, true, statusOffline).WaitTimeout(time.Second)
	p.conn.Disconnect(250)
	p.logger.Info("Disconnected from MQTT broker")
}

// Publish sends every value of the snapshot as <prefix>/<device>/<register>
func (p *Publisher) Publish(ctx context.Context, snap holder.Snapshot) error {
	var err error
	published := 0

	for _, device := range sortedKeys(snap.Values) {
		values := snap.Values[device]
		for _, name := range sortedKeys(values) {
			token := p.client.Publish(Topic(p.cfg.TopicPrefix, device, name), p.cfg.QoS, p.cfg.Retained, FormatValue(values[name]))
			if werr := wait(ctx, token); werr != nil {
				err = multierr.Append(err, fmt.Errorf("%s/%s: %w", device, name, werr))
				continue
			}
			published++
		}
	}

	p.logger.Debug("Snapshot published",
		zap.Int("values", published),
		zap.Int("failed", len(multierr.Errors(err))))

	return err
}

type discoveryConfig struct {
	Name              string `json:"name"`
	UniqueID          string `json:"unique_id"`
	StateTopic        string `json:"state_topic"`
	AvailabilityTopic string `json:"availability_topic"`
	Unit              string `json:"unit_of_measurement,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
}

// PublishDiscovery announces every numeric register of every set as a Home
// Assistant sensor
func (p *Publisher) PublishDiscovery() error {
	if p.catalog == nil {
		return nil
	}

	var err error
	for _, device := range p.devices {
		for _, r := range p.catalog.All() {
			if !r.Kind.Numeric() {
				continue
			}

			id := strings.Join([]string{p.cfg.TopicPrefix, device, r.Name}, "_")
			cfg := discoveryConfig{
				Name:              fmt.Sprintf("%s %s", device, r.Description),
				UniqueID:          id,
				StateTopic:        Topic(p.cfg.TopicPrefix, device, r.Name),
				AvailabilityTopic: p.statusTopic(),
				Unit:              r.Suffix,
			}
			cfg.DeviceClass, cfg.StateClass = classify(r)

			payload, merr := json.Marshal(cfg)
			if merr != nil {
				err = multierr.Append(err, merr)
				continue
			}

			topic := fmt.Sprintf("%s/sensor/%s/config", p.cfg.DiscoveryPrefix, id)
			token := p.client.Publish(topic, p.cfg.QoS, true, string(payload))
			err = multierr.Append(err, wait(context.Background(), token))
		}
	}
	return err
}

func classify(r *registers.Register) (deviceClass, stateClass string) {
	switch r.Suffix {
	case "W":
		return "power", "measurement"
	case "V":
		return "voltage", "measurement"
	case "A":
		return "current", "measurement"
	case "Hz":
		return "frequency", "measurement"
	case "°C":
		return "temperature", "measurement"
	case "kWh":
		return "energy", "total_increasing"
	case "%":
		if strings.HasPrefix(r.Name, "battery_") {
			return "battery", "measurement"
		}
	}
	return "", ""
}

func (p *Publisher) statusTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

func Topic(prefix, device, register string) string {
	return prefix + "/" + device + "/" + register
}

// FormatValue renders a register value as MQTT payload text
func FormatValue(v any) string {
	switch val := v.(type) {
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case registers.EnumValue:
		return val.Name
	case time.Time:
		return val.Format(timeLayout)
	}
	return fmt.Sprint(v)
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishTimeout):
		return fmt.Errorf("mqtt operation timed out after %s", publishTimeout)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
