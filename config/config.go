// Package config loads the antennad configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/w1xm/antenna_control/position"
	"github.com/w1xm/antenna_control/safety"
	"github.com/w1xm/antenna_control/sensors"
	"github.com/w1xm/antenna_control/telemetry"
	"github.com/w1xm/antenna_control/tracker"
)

// Protocols a rotator driver exists for.
const (
	ProtocolEasyComm = "easycomm"
	ProtocolCarryout = "carryout"
)

type Serial struct {
	// Protocol is easycomm or carryout.
	Protocol string `yaml:"protocol"`
	Device   string `yaml:"device"`
	// Baud of zero uses the protocol's default, 9600 for EasyComm and
	// 57600 for the Carryout.
	Baud    int           `yaml:"baud"`
	Timeout time.Duration `yaml:"timeout"`
}

// Offset is added to measured positions and subtracted from commanded ones.
type Offset struct {
	Azimuth   float64 `yaml:"azimuth"`
	Elevation float64 `yaml:"elevation"`
}

type Park struct {
	Azimuth   float64 `yaml:"azimuth"`
	Elevation float64 `yaml:"elevation"`
}

type Log struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

type Config struct {
	Serial  Serial            `yaml:"serial"`
	Limits  position.Limits   `yaml:"limits"`
	Park    Park              `yaml:"park"`
	Offset  Offset            `yaml:"offset"`
	Safety  safety.Thresholds `yaml:"safety"`
	Tracker tracker.Config    `yaml:"tracker"`

	RotctldAddr string `yaml:"rotctld_addr"`
	HTTPAddr    string `yaml:"http_addr"`

	// Sensors is optional; the board is not used if neither port nor url
	// is set.
	Sensors sensors.Config `yaml:"sensors"`
	// MQTT is optional; telemetry is not published without a broker.
	MQTT telemetry.MQTTConfig `yaml:"mqtt"`

	Log Log `yaml:"log"`
}

func Default() Config {
	return Config{
		Serial: Serial{
			Protocol: ProtocolEasyComm,
			Device:   "/dev/ttyUSB0",
			Timeout:  2 * time.Second,
		},
		Limits:      position.DefaultLimits(),
		Park:        Park{Azimuth: 0, Elevation: 90},
		Safety:      safety.DefaultThresholds(),
		Tracker:     tracker.DefaultConfig(),
		RotctldAddr: ":4533",
		HTTPAddr:    ":8080",
		Log:         Log{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := Parse(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data into cfg, which should already hold the defaults.
// Unknown keys are an error.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if err := c.Limits.Check(); err != nil {
		errs = append(errs, fmt.Errorf("limits: %w", err))
	} else if _, err := c.Limits.Validate(c.ParkPosition()); err != nil {
		errs = append(errs, fmt.Errorf("park: %w", err))
	}
	switch c.Serial.Protocol {
	case ProtocolEasyComm, ProtocolCarryout:
	default:
		errs = append(errs, fmt.Errorf("serial.protocol must be %s or %s, got %q", ProtocolEasyComm, ProtocolCarryout, c.Serial.Protocol))
	}
	if c.Serial.Baud < 0 {
		errs = append(errs, fmt.Errorf("serial.baud must not be negative, got %d", c.Serial.Baud))
	}
	if c.Serial.Timeout <= 0 {
		errs = append(errs, errors.New("serial.timeout must be positive"))
	}
	if c.Tracker.Period <= 0 {
		errs = append(errs, errors.New("tracker.period must be positive"))
	}
	if c.Tracker.CallTimeout <= 0 {
		errs = append(errs, errors.New("tracker.call_timeout must be positive"))
	}
	if c.Tracker.Tolerance <= 0 {
		errs = append(errs, errors.New("tracker.tolerance must be positive"))
	}
	r := c.Tracker.Retry
	if r.InitialInterval <= 0 || r.MaxInterval < r.InitialInterval || r.Multiplier < 1 || r.Jitter < 0 || r.Jitter > 1 || r.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("tracker.retry: invalid policy %+v", r))
	}
	s := c.Safety
	if s.PositionTolerance < 0 {
		errs = append(errs, errors.New("safety.position_tolerance must not be negative"))
	}
	if s.MaxTemperature > 0 && s.WarnTemperature > s.MaxTemperature {
		errs = append(errs, errors.New("safety.warn_temperature is above max_temperature"))
	}
	if s.MaxWindSpeed > 0 && s.WarnWindSpeed > s.MaxWindSpeed {
		errs = append(errs, errors.New("safety.warn_wind_speed is above max_wind_speed"))
	}
	if c.RotctldAddr == "" {
		errs = append(errs, errors.New("rotctld_addr is required"))
	}
	if c.Sensors.Port != "" && c.Sensors.URL != "" {
		errs = append(errs, errors.New("sensors: set only one of port and url"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (c Config) ParkPosition() position.Position {
	return position.Position{Azimuth: c.Park.Azimuth, Elevation: c.Park.Elevation}
}

// SensorsEnabled reports whether a sensor board is configured.
func (c Config) SensorsEnabled() bool {
	return c.Sensors.Port != "" || c.Sensors.URL != ""
}
