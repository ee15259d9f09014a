package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/ericogr/kinect-to-mqtt/pkg/config"
	"github.com/ericogr/kinect-to-mqtt/pkg/nui"
	"github.com/ericogr/kinect-to-mqtt/pkg/output"
	"github.com/ericogr/kinect-to-mqtt/pkg/sensor"
)

const (
	// defaults
	DefaultTopic     = "kinect"
	commandSuffix    = "/set"
	disconnectQuiesc = 250
	// discovery payload keys/values
	keyName               = "name"
	keyStateTopic         = "state_topic"
	keyCommandTopic       = "command_topic"
	keyUnitOfMeasurement  = "unit_of_measurement"
	keyStateClass         = "state_class"
	keyValueTemplate      = "value_template"
	keyUniqueID           = "unique_id"
	keyMin                = "min"
	keyMax                = "max"
	keyStep               = "step"
	keyDevice             = "device"
	unitDegrees           = "°"
	stateClassMeasurement = "measurement"
	valueTemplateDegrees  = "{{ value_json.degrees }}"
)

type MQTTOutput struct {
	client mqtt.Client
	topic  string
	ports  map[sensor.Port]bool
	target *sensor.InPort[int]
	logger *zap.SugaredLogger
}

// NewMQTT connects to the broker, subscribes to the elevation command topic
// and publishes discovery payloads when configured.
func NewMQTT(cfg config.MQTTConfig, target *sensor.InPort[int], profile sensor.Profile, logger *zap.SugaredLogger) (output.Output, error) {
	m := newOutput(cfg, target, logger)

	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	// subscriptions are lost on reconnect, so (re)subscribe on every connect
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if err := m.subscribe(c); err != nil {
			logger.Errorw("mqtt subscribe failed", "topic", m.commandTopic(), "error", err)
		}
	})
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	m.client = client

	if cfg.DiscoveryPrefix != "" {
		for topic, payload := range discoveryPayloads(cfg, m.topic, profile) {
			if err := publishJSON(client, topic, true, payload); err != nil {
				logger.Warnw("mqtt discovery publish error", "topic", topic, "error", err)
			}
		}
	}
	return m, nil
}

func newOutput(cfg config.MQTTConfig, target *sensor.InPort[int], logger *zap.SugaredLogger) *MQTTOutput {
	topic := strings.TrimSuffix(cfg.Topic, "/")
	if topic == "" {
		topic = DefaultTopic
	}
	ports := make(map[sensor.Port]bool, len(cfg.Ports))
	for _, p := range cfg.Ports {
		ports[sensor.Port(p)] = true
	}
	return &MQTTOutput{topic: topic, ports: ports, target: target, logger: logger}
}

func (m *MQTTOutput) stateTopic(p sensor.Port) string { return m.topic + "/" + string(p) }

func (m *MQTTOutput) commandTopic() string {
	return m.stateTopic(sensor.PortTargetElevation) + commandSuffix
}

func (m *MQTTOutput) subscribe(c mqtt.Client) error {
	token := c.Subscribe(m.commandTopic(), 1, func(_ mqtt.Client, msg mqtt.Message) {
		m.handleCommand(msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (m *MQTTOutput) handleCommand(payload []byte) {
	deg, err := parseElevationCommand(payload)
	if err != nil {
		m.logger.Warnw("ignoring elevation command", "payload", string(payload), "error", err)
		return
	}
	m.target.Write(deg)
}

// parseElevationCommand accepts a bare integer or {"angle": n}.
func parseElevationCommand(payload []byte) (int, error) {
	s := strings.TrimSpace(string(payload))
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	var cmd struct {
		Angle *float64 `json:"angle"`
	}
	if err := json.Unmarshal([]byte(s), &cmd); err != nil {
		return 0, fmt.Errorf("parse elevation: %w", err)
	}
	if cmd.Angle == nil {
		return 0, fmt.Errorf("parse elevation: missing angle")
	}
	return int(*cmd.Angle), nil
}

// encode returns the wire payload for a sample: JSON for small ports and
// CBOR for image buffers.
func encode(s sensor.Sample) ([]byte, error) {
	switch s.Port {
	case sensor.PortImage, sensor.PortDepth:
		return cbor.Marshal(s)
	case sensor.PortCurrentElevation:
		return json.Marshal(s.Elevation)
	default:
		return json.Marshal(s)
	}
}

func (m *MQTTOutput) Publish(samples []sensor.Sample) error {
	for _, s := range samples {
		if !m.ports[s.Port] {
			continue
		}
		b, err := encode(s)
		if err != nil {
			return fmt.Errorf("encode %s: %w", s.Port, err)
		}
		token := m.client.Publish(m.stateTopic(s.Port), 0, false, b)
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
	}
	return nil
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Unsubscribe(m.commandTopic())
		m.client.Disconnect(disconnectQuiesc)
	}
	return nil
}

// helper: build a human-friendly discovery name with an entity suffix
func discoveryName(cfg config.MQTTConfig, entity string) string {
	name := cfg.DiscoveryName
	if name == "" {
		name = fmt.Sprintf("Kinect %s", cfg.ClientID)
	}
	return fmt.Sprintf("%s %s", name, entity)
}

// helper: build a unique id for discovery with an entity suffix
func discoveryUniqueID(cfg config.MQTTConfig, entity string) string {
	uid := cfg.ClientID
	if uid == "" {
		uid = DefaultTopic
	}
	return fmt.Sprintf("%s_%s", uid, entity)
}

// helper: base discovery payload map common to all entries
func baseDiscoveryPayload(name, uniqueID string, profile sensor.Profile) map[string]interface{} {
	return map[string]interface{}{
		keyName:              name,
		keyUniqueID:          uniqueID,
		keyUnitOfMeasurement: unitDegrees,
		keyDevice: map[string]interface{}{
			"identifiers":  []string{uniqueID},
			"name":         profile.TypeName,
			"model":        profile.Description,
			"manufacturer": profile.Vendor,
			"sw_version":   profile.Version,
		},
	}
}

// discoveryPayloads returns the Home Assistant entities keyed by config
// topic: a sensor for the current elevation and a number for the target.
func discoveryPayloads(cfg config.MQTTConfig, base string, profile sensor.Profile) map[string]map[string]interface{} {
	prefix := strings.TrimSuffix(cfg.DiscoveryPrefix, "/")
	out := map[string]map[string]interface{}{}

	current := discoveryUniqueID(cfg, "elevation")
	p := baseDiscoveryPayload(discoveryName(cfg, "elevation"), current, profile)
	p[keyStateTopic] = base + "/" + string(sensor.PortCurrentElevation)
	p[keyStateClass] = stateClassMeasurement
	p[keyValueTemplate] = valueTemplateDegrees
	out[fmt.Sprintf("%s/sensor/%s/config", prefix, current)] = p

	target := discoveryUniqueID(cfg, "target_elevation")
	p = baseDiscoveryPayload(discoveryName(cfg, "target elevation"), target, profile)
	p[keyCommandTopic] = base + "/" + string(sensor.PortTargetElevation) + commandSuffix
	p[keyStateTopic] = base + "/" + string(sensor.PortCurrentElevation)
	p[keyValueTemplate] = valueTemplateDegrees
	p[keyMin] = nui.MinElevation
	p[keyMax] = nui.MaxElevation
	p[keyStep] = 1
	out[fmt.Sprintf("%s/number/%s/config", prefix, target)] = p
	return out
}

// helper: marshal and publish JSON payload
func publishJSON(client mqtt.Client, topic string, retained bool, payload map[string]interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := client.Publish(topic, 0, retained, b)
	token.Wait()
	return token.Error()
}
