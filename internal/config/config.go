// Package config loads node configuration from a YAML file, a .env file and
// NETSYNC_* environment variables, in that order of precedence (lowest first).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/transport"
	"github.com/zeusync/netsync/internal/core/wire"
	"github.com/zeusync/netsync/internal/node"
)

// EnvConfigPath names the variable consulted when Load gets no path.
const EnvConfigPath = "NETSYNC_CONFIG"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Log           LogConfig           `yaml:"log"`
	Remote        RemoteConfig        `yaml:"remote"`
	Listen        ListenConfig        `yaml:"listen"`
	Transport     TransportConfig     `yaml:"transport"`
	Inbound       InboundConfig       `yaml:"inbound"`
	Serialization SerializationConfig `yaml:"serialization"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// RemoteConfig is the peer this node sends to.
type RemoteConfig struct {
	Host    string `yaml:"host" validate:"required"`
	TCPPort int    `yaml:"tcp_port" validate:"min=1,max=65535"`
	UDPPort int    `yaml:"udp_port" validate:"min=1,max=65535"`
}

// ListenConfig holds local bind addresses. Empty reliable disables the
// reliable listener.
type ListenConfig struct {
	Reliable   string `yaml:"reliable" validate:"omitempty,tcp_addr"`
	Unreliable string `yaml:"unreliable" validate:"omitempty,udp_addr"`
}

type TransportConfig struct {
	Reliable      string        `yaml:"reliable" validate:"oneof=tcp quic websocket"`
	DialTimeout   time.Duration `yaml:"dial_timeout" validate:"gt=0"`
	WriteTimeout  time.Duration `yaml:"write_timeout" validate:"gt=0"`
	MaxFrameSize  uint64        `yaml:"max_frame_size" validate:"min=1"`
	WebsocketPath string        `yaml:"websocket_path" validate:"startswith=/"`
}

type InboundConfig struct {
	Mode            string        `yaml:"mode" validate:"oneof=queued direct"`
	QueueSize       int           `yaml:"queue_size" validate:"min=1"`
	MinMatchScore   float64       `yaml:"min_match_score" validate:"min=0,max=1"`
	AutoSyncShadows bool          `yaml:"auto_sync_shadows"`
	TickInterval    time.Duration `yaml:"tick_interval" validate:"gt=0"`
}

type SerializationConfig struct {
	TypeTags      bool     `yaml:"type_tags"`
	ExcludeFields []string `yaml:"exclude_fields"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,tcp_addr"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	tc := transport.DefaultConfig()
	nc := node.DefaultConfig()

	return Config{
		Log: LogConfig{Level: "info"},
		Remote: RemoteConfig{
			Host:    tc.Remote.Host,
			TCPPort: tc.Remote.TCPPort,
			UDPPort: tc.Remote.UDPPort,
		},
		Transport: TransportConfig{
			Reliable:      string(tc.Reliable),
			DialTimeout:   tc.DialTimeout,
			WriteTimeout:  tc.WriteTimeout,
			MaxFrameSize:  tc.MaxFrameSize,
			WebsocketPath: tc.WebsocketPath,
		},
		Inbound: InboundConfig{
			Mode:          string(nc.Mode),
			QueueSize:     nc.QueueSize,
			MinMatchScore: nc.MinMatchScore,
			TickInterval:  50 * time.Millisecond,
		},
		Serialization: SerializationConfig{TypeTags: nc.TypeTags},
	}
}

// Load reads the YAML file at path (or $NETSYNC_CONFIG) over the defaults,
// loads envFiles into the environment, applies NETSYNC_* overrides and
// validates the result. Missing .env files are not an error.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if err := loadEnvFiles(envFiles...); err != nil {
		return cfg, err
	}

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err = decode(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func loadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

type override struct {
	key   string
	apply func(cfg *Config, v string) error
}

var overrides = []override{
	{"NETSYNC_LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"NETSYNC_REMOTE_HOST", func(c *Config, v string) error { c.Remote.Host = v; return nil }},
	{"NETSYNC_REMOTE_TCP_PORT", func(c *Config, v string) error { return setInt(&c.Remote.TCPPort, v) }},
	{"NETSYNC_REMOTE_UDP_PORT", func(c *Config, v string) error { return setInt(&c.Remote.UDPPort, v) }},
	{"NETSYNC_LISTEN_RELIABLE", func(c *Config, v string) error { c.Listen.Reliable = v; return nil }},
	{"NETSYNC_LISTEN_UNRELIABLE", func(c *Config, v string) error { c.Listen.Unreliable = v; return nil }},
	{"NETSYNC_TRANSPORT", func(c *Config, v string) error { c.Transport.Reliable = v; return nil }},
	{"NETSYNC_INBOUND_MODE", func(c *Config, v string) error { c.Inbound.Mode = v; return nil }},
	{"NETSYNC_QUEUE_SIZE", func(c *Config, v string) error { return setInt(&c.Inbound.QueueSize, v) }},
	{"NETSYNC_TYPE_TAGS", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Serialization.TypeTags = b
		return nil
	}},
	{"NETSYNC_METRICS_ADDR", func(c *Config, v string) error { c.Metrics.Addr = v; return nil }},
}

func applyEnv(cfg *Config) error {
	for _, o := range overrides {
		v, ok := os.LookupEnv(o.key)
		if !ok {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalid, o.key, v, err)
		}
	}
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// LogLevel converts the configured level.
func (c Config) LogLevel() log.Level {
	return log.ParseLevel(c.Log.Level)
}

// Node converts the file layout into the node's runtime configuration.
func (c Config) Node() node.Config {
	nc := node.DefaultConfig()

	nc.Transport.Remote = transport.Endpoint{
		Host:    c.Remote.Host,
		TCPPort: c.Remote.TCPPort,
		UDPPort: c.Remote.UDPPort,
	}
	nc.Transport.Reliable = transport.Kind(c.Transport.Reliable)
	nc.Transport.ListenReliable = c.Listen.Reliable
	nc.Transport.ListenUnreliable = c.Listen.Unreliable
	nc.Transport.DialTimeout = c.Transport.DialTimeout
	nc.Transport.WriteTimeout = c.Transport.WriteTimeout
	nc.Transport.MaxFrameSize = c.Transport.MaxFrameSize
	nc.Transport.WebsocketPath = c.Transport.WebsocketPath

	nc.Mode = node.Mode(c.Inbound.Mode)
	nc.QueueSize = c.Inbound.QueueSize
	nc.MinMatchScore = c.Inbound.MinMatchScore
	nc.AutoSyncShadows = c.Inbound.AutoSyncShadows

	nc.TypeTags = c.Serialization.TypeTags
	nc.Exclusions = wire.Exclusions{Fields: c.Serialization.ExcludeFields}

	return nc
}
