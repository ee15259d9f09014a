package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	SensorReal       = "real"
	SensorSimulation = "simulation"

	OutputConsole   = "console"
	OutputMQTT      = "mqtt"
	OutputWebsocket = "websocket"
	OutputRecorder  = "recorder"
	OutputSQLite    = "sqlite"

	TiltSensor = "sensor"
	TiltServo  = "servo"
)

// Switch is a boolean option that also accepts the string forms used by
// component configuration files ("true", "false", "0", "1").
type Switch bool

func (s *Switch) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		b = []byte(str)
	}
	v, err := strconv.ParseBool(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid switch value %s", string(b))
	}
	*s = Switch(v)
	return nil
}

type MQTTConfig struct {
	Server   string `json:"server"`
	Username string `json:"username"`
	Password string `json:"password"`
	ClientID string `json:"client_id"`
	// Topic is the base topic; port data goes to <topic>/<port>.
	Topic string   `json:"topic"`
	Ports []string `json:"ports,omitempty"`
	// DiscoveryPrefix enables Home Assistant discovery when set
	// (usually "homeassistant").
	DiscoveryPrefix string `json:"discovery_prefix,omitempty"`
	DiscoveryName   string `json:"discovery_name,omitempty"`
}

type WebsocketConfig struct {
	Listen string `json:"listen"`
}

type RecorderConfig struct {
	Dir    string `json:"dir"`
	Prefix string `json:"prefix,omitempty"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

type OutputConfig struct {
	Type       string           `json:"type"`
	IntervalMs int              `json:"interval_ms,omitempty"`
	MQTT       *MQTTConfig      `json:"mqtt,omitempty"`
	Websocket  *WebsocketConfig `json:"websocket,omitempty"`
	Recorder   *RecorderConfig  `json:"recorder,omitempty"`
	SQLite     *SQLiteConfig    `json:"sqlite,omitempty"`
}

// TiltConfig selects what moves the sensor. "sensor" uses the built-in
// motor; "servo" drives an external mount on a PWM pin.
type TiltConfig struct {
	Type       string `json:"type"`
	Pin        string `json:"pin,omitempty"`
	MinPulseUs int    `json:"min_pulse_us,omitempty"`
	MaxPulseUs int    `json:"max_pulse_us,omitempty"`
}

type Config struct {
	Debug          Switch         `json:"debug"`
	SensorType     string         `json:"sensor_type"`
	KinectIndex    int            `json:"kinect_index"`
	EnableCamera   Switch         `json:"enable_camera"`
	EnableDepth    Switch         `json:"enable_depth"`
	EnableSkeleton Switch         `json:"enable_skeleton"`
	ImageSize      string         `json:"image_size"`
	DepthSize      string         `json:"depth_size"`
	PlayerIndex    Switch         `json:"player_index"`
	RateHz         float64        `json:"rate_hz"`
	FrameTimeoutMs int            `json:"frame_timeout_ms"`
	StartupDelayMs int            `json:"startup_delay_ms"`
	Tilt           TiltConfig     `json:"tilt"`
	Outputs        []OutputConfig `json:"outputs"`
}

// DefaultOutputIntervalMs is the publish interval of outputs created from
// flags. Zero publishes every cycle.
const DefaultOutputIntervalMs = 1000

func DefaultConfig() Config {
	return Config{
		Debug:          false,
		SensorType:     SensorReal,
		KinectIndex:    0,
		EnableCamera:   true,
		EnableDepth:    true,
		EnableSkeleton: true,
		ImageSize:      "640x480",
		DepthSize:      "320x240",
		PlayerIndex:    false,
		RateHz:         30,
		FrameTimeoutMs: 100,
		StartupDelayMs: 3000,
		Tilt:           TiltConfig{Type: TiltSensor},
		Outputs:        []OutputConfig{{Type: OutputConsole, IntervalMs: DefaultOutputIntervalMs}},
	}
}

func (c Config) FrameTimeout() time.Duration {
	return time.Duration(c.FrameTimeoutMs) * time.Millisecond
}

func (c Config) StartupDelay() time.Duration {
	return time.Duration(c.StartupDelayMs) * time.Millisecond
}

// Period is the execution period derived from RateHz.
func (c Config) Period() time.Duration {
	if c.RateHz <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / c.RateHz)
}

// Validate checks option values that can be verified without a sensor.
func (c Config) Validate() error {
	if c.RateHz <= 0 {
		return errors.New("rate-hz must be > 0")
	}
	if c.FrameTimeoutMs <= 0 {
		return errors.New("frame-timeout-ms must be > 0")
	}
	if c.StartupDelayMs < 0 {
		return errors.New("startup-delay-ms must be >= 0")
	}
	switch c.SensorType {
	case SensorReal, SensorSimulation:
	default:
		return fmt.Errorf("unknown sensor type %q", c.SensorType)
	}
	if _, err := c.ResolveImageSize(); err != nil {
		return fmt.Errorf("image-size: %w", err)
	}
	if _, err := c.ResolveDepthSize(); err != nil {
		return fmt.Errorf("depth-size: %w", err)
	}
	switch c.Tilt.Type {
	case TiltSensor:
	case TiltServo:
		if c.Tilt.Pin == "" {
			return errors.New("tilt servo requires a pin")
		}
		if c.Tilt.MinPulseUs >= c.Tilt.MaxPulseUs {
			return fmt.Errorf("tilt pulse range %d..%d is empty", c.Tilt.MinPulseUs, c.Tilt.MaxPulseUs)
		}
	default:
		return fmt.Errorf("unknown tilt type %q", c.Tilt.Type)
	}
	for _, o := range c.Outputs {
		switch o.Type {
		case OutputConsole, OutputMQTT, OutputWebsocket, OutputRecorder, OutputSQLite:
		default:
			return fmt.Errorf("unknown output type %q", o.Type)
		}
		if o.IntervalMs < 0 {
			return fmt.Errorf("output %s: interval must be >= 0", o.Type)
		}
	}
	return nil
}

// applyDefaults fills per-output settings left empty by the file and flags.
func (c *Config) applyDefaults() {
	if c.Tilt.Type == "" {
		c.Tilt.Type = TiltSensor
	}
	if c.Tilt.Type == TiltServo {
		if c.Tilt.MinPulseUs == 0 {
			c.Tilt.MinPulseUs = 1000
		}
		if c.Tilt.MaxPulseUs == 0 {
			c.Tilt.MaxPulseUs = 2000
		}
	}
	for i := range c.Outputs {
		o := &c.Outputs[i]
		o.Type = strings.ToLower(strings.TrimSpace(o.Type))
		switch o.Type {
		case OutputMQTT:
			if o.MQTT == nil {
				o.MQTT = &MQTTConfig{}
			}
			if o.MQTT.Server == "" {
				o.MQTT.Server = "tcp://localhost:1883"
			}
			if o.MQTT.ClientID == "" {
				o.MQTT.ClientID = "kinect-client"
			}
			if o.MQTT.Topic == "" {
				o.MQTT.Topic = "kinect"
			}
			if len(o.MQTT.Ports) == 0 {
				o.MQTT.Ports = []string{"currentElevation", "skeleton"}
			}
		case OutputWebsocket:
			if o.Websocket == nil {
				o.Websocket = &WebsocketConfig{}
			}
			if o.Websocket.Listen == "" {
				o.Websocket.Listen = ":8090"
			}
		case OutputRecorder:
			if o.Recorder == nil {
				o.Recorder = &RecorderConfig{}
			}
			if o.Recorder.Dir == "" {
				o.Recorder.Dir = "recordings"
			}
			if o.Recorder.Prefix == "" {
				o.Recorder.Prefix = "kinect"
			}
		case OutputSQLite:
			if o.SQLite == nil {
				o.SQLite = &SQLiteConfig{}
			}
			if o.SQLite.Path == "" {
				o.SQLite.Path = "kinect.db"
			}
		}
	}
}

// Flags holds the command line options registered by RegisterFlags.
type Flags struct {
	fs *pflag.FlagSet

	path            string
	debug           bool
	sensorType      string
	kinectIndex     int
	enableCamera    bool
	enableDepth     bool
	enableSkeleton  bool
	imageSize       string
	depthSize       string
	playerIndex     bool
	rateHz          float64
	frameTimeoutMs  int
	startupDelayMs  int
	tilt            string
	tiltPin         string
	outputs         string
	outputIntervals string
	mqttServer      string
	mqttUser        string
	mqttPass        string
	mqttClientID    string
	mqttTopic       string
	mqttPorts       string
	mqttDiscovery   string
	wsListen        string
	recordDir       string
	sqlitePath      string
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	d := DefaultConfig()
	f := &Flags{fs: fs}
	fs.StringVar(&f.path, "config", "", "Path to JSON config file")
	fs.BoolVar(&f.debug, "debug", bool(d.Debug), "Enable debug logging")
	fs.StringVar(&f.sensorType, "sensor-type", d.SensorType, "sensor type: real|simulation")
	fs.IntVar(&f.kinectIndex, "kinect-index", d.KinectIndex, "Index of the sensor to open")
	fs.BoolVar(&f.enableCamera, "enable-camera", bool(d.EnableCamera), "Publish the colour image")
	fs.BoolVar(&f.enableDepth, "enable-depth", bool(d.EnableDepth), "Publish the depth image")
	fs.BoolVar(&f.enableSkeleton, "enable-skeleton", bool(d.EnableSkeleton), "Publish skeleton frames")
	fs.StringVar(&f.imageSize, "image-size", d.ImageSize, "Colour image size (80x60,320x240,640x480,1280x960)")
	fs.StringVar(&f.depthSize, "depth-size", d.DepthSize, "Depth image size (320x240,640x480)")
	fs.BoolVar(&f.playerIndex, "player-index", bool(d.PlayerIndex), "Enable player index detection (depth limited to 320x240)")
	fs.Float64Var(&f.rateHz, "rate-hz", d.RateHz, "Execution rate in Hz")
	fs.IntVar(&f.frameTimeoutMs, "frame-timeout-ms", d.FrameTimeoutMs, "Frame wait timeout in ms")
	fs.IntVar(&f.startupDelayMs, "startup-delay-ms", d.StartupDelayMs, "Delay after opening streams in ms")
	fs.StringVar(&f.tilt, "tilt", d.Tilt.Type, "Tilt actuator: sensor|servo")
	fs.StringVar(&f.tiltPin, "tilt-pin", "", "GPIO pin driving the tilt servo (e.g. GPIO18)")
	fs.StringVar(&f.outputs, "outputs", "", "Comma-separated outputs (console,mqtt,websocket,recorder,sqlite), each publishing every 1000 ms unless set by --output-intervals")
	fs.StringVar(&f.outputIntervals, "output-intervals", "", "Comma-separated output intervals e.g. console=1000,mqtt=200")
	fs.StringVar(&f.mqttServer, "mqtt-server", "", "MQTT server (tcp://host:port)")
	fs.StringVar(&f.mqttUser, "mqtt-user", "", "MQTT username")
	fs.StringVar(&f.mqttPass, "mqtt-pass", "", "MQTT password")
	fs.StringVar(&f.mqttClientID, "mqtt-client-id", "", "MQTT client id")
	fs.StringVar(&f.mqttTopic, "mqtt-topic", "", "MQTT topic base")
	fs.StringVar(&f.mqttPorts, "mqtt-ports", "", "Comma-separated ports published over MQTT")
	fs.StringVar(&f.mqttDiscovery, "mqtt-discovery-prefix", "", "Home Assistant discovery prefix")
	fs.StringVar(&f.wsListen, "ws-listen", "", "Websocket listen address (e.g. :8090)")
	fs.StringVar(&f.recordDir, "record-dir", "", "Directory for CBOR recordings")
	fs.StringVar(&f.sqlitePath, "sqlite-path", "", "SQLite database path")
	return f
}

// Load reads the JSON file (optional) and applies the flags explicitly set on
// the command line. Flags override values present in the JSON file.
func (f *Flags) Load() (Config, error) {
	cfg := DefaultConfig()

	if f.path != "" {
		b, err := os.ReadFile(f.path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	set := f.fs.Changed
	if set("debug") {
		cfg.Debug = Switch(f.debug)
	}
	if set("sensor-type") {
		cfg.SensorType = f.sensorType
	}
	if set("kinect-index") {
		cfg.KinectIndex = f.kinectIndex
	}
	if set("enable-camera") {
		cfg.EnableCamera = Switch(f.enableCamera)
	}
	if set("enable-depth") {
		cfg.EnableDepth = Switch(f.enableDepth)
	}
	if set("enable-skeleton") {
		cfg.EnableSkeleton = Switch(f.enableSkeleton)
	}
	if set("image-size") {
		cfg.ImageSize = f.imageSize
	}
	if set("depth-size") {
		cfg.DepthSize = f.depthSize
	}
	if set("player-index") {
		cfg.PlayerIndex = Switch(f.playerIndex)
	}
	if set("rate-hz") {
		cfg.RateHz = f.rateHz
	}
	if set("frame-timeout-ms") {
		cfg.FrameTimeoutMs = f.frameTimeoutMs
	}
	if set("startup-delay-ms") {
		cfg.StartupDelayMs = f.startupDelayMs
	}
	if set("tilt") {
		cfg.Tilt.Type = f.tilt
	}
	if set("tilt-pin") {
		cfg.Tilt.Pin = f.tiltPin
	}
	if set("outputs") {
		// convert simple CSV of types into structured OutputConfig entries
		parts := parseCSV(f.outputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: strings.ToLower(p), IntervalMs: DefaultOutputIntervalMs})
		}
		cfg.Outputs = outs
	}
	if set("output-intervals") {
		intervals, err := parseKeyIntMap(f.outputIntervals)
		if err != nil {
			return cfg, fmt.Errorf("output-intervals: %w", err)
		}
		for i := range cfg.Outputs {
			if v, ok := intervals[cfg.Outputs[i].Type]; ok {
				cfg.Outputs[i].IntervalMs = v
			}
		}
	}

	if set("mqtt-server") || set("mqtt-user") || set("mqtt-pass") || set("mqtt-client-id") || set("mqtt-topic") || set("mqtt-ports") || set("mqtt-discovery-prefix") {
		for _, o := range ensureOutput(&cfg, OutputMQTT) {
			if o.MQTT == nil {
				o.MQTT = &MQTTConfig{}
			}
			if set("mqtt-server") {
				o.MQTT.Server = f.mqttServer
			}
			if set("mqtt-user") {
				o.MQTT.Username = f.mqttUser
			}
			if set("mqtt-pass") {
				o.MQTT.Password = f.mqttPass
			}
			if set("mqtt-client-id") {
				o.MQTT.ClientID = f.mqttClientID
			}
			if set("mqtt-topic") {
				o.MQTT.Topic = f.mqttTopic
			}
			if set("mqtt-ports") {
				o.MQTT.Ports = parseCSV(f.mqttPorts)
			}
			if set("mqtt-discovery-prefix") {
				o.MQTT.DiscoveryPrefix = f.mqttDiscovery
			}
		}
	}
	if set("ws-listen") {
		for _, o := range ensureOutput(&cfg, OutputWebsocket) {
			o.Websocket = &WebsocketConfig{Listen: f.wsListen}
		}
	}
	if set("record-dir") {
		for _, o := range ensureOutput(&cfg, OutputRecorder) {
			if o.Recorder == nil {
				o.Recorder = &RecorderConfig{}
			}
			o.Recorder.Dir = f.recordDir
		}
	}
	if set("sqlite-path") {
		for _, o := range ensureOutput(&cfg, OutputSQLite) {
			o.SQLite = &SQLiteConfig{Path: f.sqlitePath}
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ensureOutput returns pointers to every output of type t, appending one if
// none exists.
func ensureOutput(cfg *Config, t string) []*OutputConfig {
	var out []*OutputConfig
	for i := range cfg.Outputs {
		if strings.ToLower(cfg.Outputs[i].Type) == t {
			out = append(out, &cfg.Outputs[i])
		}
	}
	if len(out) == 0 {
		cfg.Outputs = append(cfg.Outputs, OutputConfig{Type: t, IntervalMs: DefaultOutputIntervalMs})
		out = append(out, &cfg.Outputs[len(cfg.Outputs)-1])
	}
	return out
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parseKeyIntMap parses "a=1,b=2" into a map.
func parseKeyIntMap(s string) (map[string]int, error) {
	out := map[string]int{}
	for _, p := range parseCSV(s) {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid entry %q, want key=value", p)
		}
		v, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid value in %q: %w", p, err)
		}
		out[strings.TrimSpace(kv[0])] = v
	}
	return out, nil
}
