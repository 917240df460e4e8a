package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fallwatch/internal/fall"
)

type Config struct {
	Detector DetectorConfig `yaml:"detector"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Record   RecordConfig   `yaml:"record"`
	Web      WebConfig      `yaml:"web"`
	Log      LogConfig      `yaml:"log"`
}

// DetectorConfig mirrors fall.Config. Zero values take the fall defaults.
type DetectorConfig struct {
	FreeFallThreshold             float32       `yaml:"free_fall_threshold"`
	ImpactThreshold               float32       `yaml:"impact_threshold"`
	PostImpactStationaryThreshold float32       `yaml:"post_impact_stationary_threshold"`
	OrientationChangeThreshold    float32       `yaml:"orientation_change_threshold"`
	FreeFallDuration              time.Duration `yaml:"free_fall_duration"`
	ImpactWindow                  time.Duration `yaml:"impact_window"`
	StationaryDuration            time.Duration `yaml:"stationary_duration"`
	BufferSize                    int           `yaml:"buffer_size"`
	LowPassAlpha                  float32       `yaml:"low_pass_alpha"`
}

type IngestConfig struct {
	IMU    IMUConfig    `yaml:"imu"`
	UDP    UDPConfig    `yaml:"udp"`
	TCP    TCPConfig    `yaml:"tcp"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	Replay ReplayConfig `yaml:"replay"`
}

type IMUConfig struct {
	Enable  bool   `yaml:"enable"`
	I2CBus  string `yaml:"i2c_bus"`
	Address uint16 `yaml:"address"`
	RateHz  int    `yaml:"rate_hz"`

	// Data-ready pacing. Without it the service polls at RateHz.
	DRDYEnable bool   `yaml:"drdy_enable"`
	DRDYChip   string `yaml:"drdy_chip"`
	DRDYLine   int    `yaml:"drdy_line"`
}

type UDPConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

// TCPConfig dials a sensor streamer that serves sample lines over TCP.
type TCPConfig struct {
	Enable bool   `yaml:"enable"`
	Addr   string `yaml:"addr"`
}

type MQTTConfig struct {
	Enable   bool   `yaml:"enable"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

type ReplayConfig struct {
	Enable bool    `yaml:"enable"`
	Path   string  `yaml:"path"`
	Speed  float64 `yaml:"speed"`
	Loop   bool    `yaml:"loop"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
	// StreamInterval paces telemetry frames on /api/stream.
	StreamInterval time.Duration `yaml:"stream_interval"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills defaults in place and rejects inconsistent settings.
func DefaultAndValidate(cfg *Config) error {
	if err := defaultDetector(&cfg.Detector); err != nil {
		return err
	}

	in := &cfg.Ingest
	if in.IMU.Enable {
		if in.IMU.I2CBus == "" {
			in.IMU.I2CBus = "/dev/i2c-1"
		}
		if in.IMU.Address == 0 {
			in.IMU.Address = 0x68
		}
		if in.IMU.Address > 0x7F {
			return fmt.Errorf("ingest.imu.address must be a 7-bit address")
		}
		if in.IMU.RateHz == 0 {
			in.IMU.RateHz = 100
		}
		if in.IMU.RateHz < 0 || in.IMU.RateHz > 1000 {
			return fmt.Errorf("ingest.imu.rate_hz must be in 1..1000")
		}
		if in.IMU.DRDYEnable {
			if in.IMU.DRDYChip == "" {
				in.IMU.DRDYChip = "gpiochip0"
			}
			if in.IMU.DRDYLine < 0 {
				return fmt.Errorf("ingest.imu.drdy_line must be >= 0")
			}
		}
	}

	if in.UDP.Enable {
		if in.UDP.Listen == "" {
			in.UDP.Listen = ":5555"
		}
		if _, _, err := net.SplitHostPort(in.UDP.Listen); err != nil {
			return fmt.Errorf("ingest.udp.listen invalid: %w", err)
		}
	}

	if in.TCP.Enable {
		if strings.TrimSpace(in.TCP.Addr) == "" {
			return fmt.Errorf("ingest.tcp.addr is required when ingest.tcp.enable is true")
		}
		if _, _, err := net.SplitHostPort(in.TCP.Addr); err != nil {
			return fmt.Errorf("ingest.tcp.addr invalid: %w", err)
		}
	}

	if in.MQTT.Enable {
		if strings.TrimSpace(in.MQTT.Broker) == "" {
			return fmt.Errorf("ingest.mqtt.broker is required when ingest.mqtt.enable is true")
		}
		if in.MQTT.Topic == "" {
			in.MQTT.Topic = "fallwatch/samples"
		}
		if in.MQTT.ClientID == "" {
			in.MQTT.ClientID = "fallwatch"
		}
		if in.MQTT.QoS > 2 {
			return fmt.Errorf("ingest.mqtt.qos must be 0, 1 or 2")
		}
	}

	if in.Replay.Enable {
		if in.Replay.Path == "" {
			return fmt.Errorf("ingest.replay.path is required when ingest.replay.enable is true")
		}
		if in.Replay.Speed == 0 {
			in.Replay.Speed = 1
		}
		if in.Replay.Speed < 0 {
			return fmt.Errorf("ingest.replay.speed must be > 0")
		}
		if in.IMU.Enable || in.UDP.Enable || in.TCP.Enable || in.MQTT.Enable {
			return fmt.Errorf("ingest.replay cannot be combined with live ingest sources")
		}
	}

	// One detector serves one device; live sources are not merged.
	live := 0
	for _, on := range []bool{in.IMU.Enable, in.UDP.Enable, in.TCP.Enable, in.MQTT.Enable} {
		if on {
			live++
		}
	}
	if live > 1 {
		return fmt.Errorf("only one of ingest.imu, ingest.udp, ingest.tcp, ingest.mqtt may be enabled")
	}

	if !in.IMU.Enable && !in.UDP.Enable && !in.TCP.Enable && !in.MQTT.Enable && !in.Replay.Enable {
		return fmt.Errorf("at least one of ingest.imu, ingest.udp, ingest.tcp, ingest.mqtt, ingest.replay must be enabled")
	}

	if cfg.Record.Enable {
		if cfg.Record.Path == "" {
			return fmt.Errorf("record.path is required when record.enable is true")
		}
		if in.Replay.Enable {
			return fmt.Errorf("record and ingest.replay cannot both be enabled")
		}
	}

	if cfg.Web.Enable && cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}
	if cfg.Web.StreamInterval <= 0 {
		cfg.Web.StreamInterval = 200 * time.Millisecond
	}

	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB <= 0 {
			cfg.Log.MaxSizeMB = 10
		}
		if cfg.Log.MaxBackups < 0 {
			return fmt.Errorf("log.max_backups must be >= 0")
		}
		if cfg.Log.MaxAgeDays < 0 {
			return fmt.Errorf("log.max_age_days must be >= 0")
		}
	}
	return nil
}

func defaultDetector(d *DetectorConfig) error {
	def := fall.DefaultConfig()
	if d.FreeFallThreshold == 0 {
		d.FreeFallThreshold = def.FreeFallThreshold
	}
	if d.ImpactThreshold == 0 {
		d.ImpactThreshold = def.ImpactThreshold
	}
	if d.PostImpactStationaryThreshold == 0 {
		d.PostImpactStationaryThreshold = def.PostImpactStationaryThreshold
	}
	if d.OrientationChangeThreshold == 0 {
		d.OrientationChangeThreshold = def.OrientationChangeThreshold
	}
	if d.FreeFallDuration == 0 {
		d.FreeFallDuration = def.FreeFallDuration
	}
	if d.ImpactWindow == 0 {
		d.ImpactWindow = def.ImpactWindow
	}
	if d.StationaryDuration == 0 {
		d.StationaryDuration = def.StationaryDuration
	}
	if d.BufferSize == 0 {
		d.BufferSize = def.BufferSize
	}
	if d.LowPassAlpha == 0 {
		d.LowPassAlpha = def.LowPassAlpha
	}

	if d.BufferSize < 0 {
		return fmt.Errorf("detector.buffer_size must be > 0")
	}
	if d.LowPassAlpha < 0 || d.LowPassAlpha >= 1 {
		return fmt.Errorf("detector.low_pass_alpha must be in [0,1)")
	}
	if d.ImpactThreshold <= d.FreeFallThreshold {
		return fmt.Errorf("detector.impact_threshold must exceed detector.free_fall_threshold")
	}
	if err := d.Fall().Validate(); err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	return nil
}

// Fall converts the YAML section into the detector configuration.
func (d DetectorConfig) Fall() fall.Config {
	return fall.Config{
		FreeFallThreshold:             d.FreeFallThreshold,
		ImpactThreshold:               d.ImpactThreshold,
		PostImpactStationaryThreshold: d.PostImpactStationaryThreshold,
		OrientationChangeThreshold:    d.OrientationChangeThreshold,
		FreeFallDuration:              d.FreeFallDuration,
		ImpactWindow:                  d.ImpactWindow,
		StationaryDuration:            d.StationaryDuration,
		BufferSize:                    d.BufferSize,
		LowPassAlpha:                  d.LowPassAlpha,
	}
}
