// Package config holds the relay configuration.
//
// Values are layered: DefaultConfig, then an optional YAML file, then the
// environment, then command line flags.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// FrameSizeCap is the hard limit on a video frame payload. MaxFrameSize can
// only lower it.
const FrameSizeCap = 4000000

type Config struct {
	// Listeners
	Host          string `yaml:"host"`
	TelemetryPort int    `yaml:"telemetry_port"`
	VideoPort     int    `yaml:"video_port"`
	HTTPPort      int    `yaml:"http_port"`

	// RTSP republishing of the video streams
	RTSPEnabled bool `yaml:"rtsp_enabled"`
	RTSPPort    int  `yaml:"rtsp_port"`

	// Pilot
	SecretLength int `yaml:"secret_length"`

	// WebSocket gateway
	StatusInterval  time.Duration `yaml:"status_interval"`
	CommandInterval time.Duration `yaml:"command_interval"`
	PingPeriod      time.Duration `yaml:"ping_period"`
	PongWait        time.Duration `yaml:"pong_wait"`
	WriteWait       time.Duration `yaml:"write_wait"`

	// Vehicle links
	TelemetryReadTimeout time.Duration `yaml:"telemetry_read_timeout"`
	VideoReadTimeout     time.Duration `yaml:"video_read_timeout"`
	PreambleTimeout      time.Duration `yaml:"preamble_timeout"`
	MaxFrameSize         int           `yaml:"max_frame_size"`

	// HTTP
	EnableCORS       bool          `yaml:"enable_cors"`
	RateLimitEnabled bool          `yaml:"rate_limit_enabled"`
	RateLimitRPS     float64       `yaml:"rate_limit_rps"`
	RateLimitBurst   int           `yaml:"rate_limit_burst"`
	MaxConnections   int           `yaml:"max_connections"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func DefaultConfig() *Config {
	return &Config{
		Host:          "0.0.0.0",
		TelemetryPort: 7000,
		VideoPort:     1337,
		HTTPPort:      8000,

		RTSPEnabled: false,
		RTSPPort:    8560,

		SecretLength: 30,

		StatusInterval:  20 * time.Millisecond,
		CommandInterval: 20 * time.Millisecond,
		PingPeriod:      5 * time.Second,
		PongWait:        15 * time.Second,
		WriteWait:       time.Second,

		TelemetryReadTimeout: 5 * time.Second,
		VideoReadTimeout:     10 * time.Second,
		PreambleTimeout:      5 * time.Second,
		MaxFrameSize:         FrameSizeCap,

		EnableCORS:       true,
		RateLimitEnabled: true,
		RateLimitRPS:     50,
		RateLimitBurst:   100,
		MaxConnections:   1000,
		ReadTimeout:      30 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  10 * time.Second,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load builds the configuration from DefaultConfig, the YAML file named by
// --config/-c or RC_PROXY_CONFIG, the RC_PROXY_* environment and finally the
// flags in args, each layer overriding the previous one. The flags are
// registered on fs.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	cfg := DefaultConfig()

	// The file has to be read before fs is populated so that its values
	// become the flag defaults.
	pre := pflag.NewFlagSet("pre", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.SetOutput(io.Discard)
	pre.Usage = func() {}
	configPath := pre.StringP("config", "c", os.Getenv("RC_PROXY_CONFIG"), "")
	_ = pre.Parse(args)

	if *configPath != "" {
		if err := LoadConfigPath(cfg, *configPath); err != nil {
			return nil, err
		}
	}
	LoadConfigFromEnv(cfg)

	fs.StringP("config", "c", *configPath, "YAML configuration file")
	RegisterFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile overlays the YAML document read from r onto cfg. Keys that
// are absent keep their current value.
func LoadConfigFile(cfg *Config, r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return errors.Wrap(err, "unable to parse configuration file")
	}
	return nil
}

// LoadConfigPath is LoadConfigFile for a path on disk.
func LoadConfigPath(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "unable to open configuration file %s", path)
	}
	defer f.Close()
	return LoadConfigFile(cfg, f)
}

// LoadConfigFromEnv reads RC_PROXY_* variables. Malformed values are logged
// and ignored.
func LoadConfigFromEnv(cfg *Config) {
	envString("RC_PROXY_HOST", &cfg.Host)
	envInt("RC_PROXY_TELEMETRY_PORT", &cfg.TelemetryPort)
	envInt("RC_PROXY_VIDEO_PORT", &cfg.VideoPort)
	envInt("RC_PROXY_HTTP_PORT", &cfg.HTTPPort)
	envBool("RC_PROXY_RTSP_ENABLED", &cfg.RTSPEnabled)
	envInt("RC_PROXY_RTSP_PORT", &cfg.RTSPPort)
	envInt("RC_PROXY_SECRET_LENGTH", &cfg.SecretLength)
	envDuration("RC_PROXY_STATUS_INTERVAL", &cfg.StatusInterval)
	envDuration("RC_PROXY_COMMAND_INTERVAL", &cfg.CommandInterval)
	envDuration("RC_PROXY_TELEMETRY_READ_TIMEOUT", &cfg.TelemetryReadTimeout)
	envDuration("RC_PROXY_VIDEO_READ_TIMEOUT", &cfg.VideoReadTimeout)
	envBool("RC_PROXY_ENABLE_CORS", &cfg.EnableCORS)
	envBool("RC_PROXY_RATE_LIMIT_ENABLED", &cfg.RateLimitEnabled)
	envFloat("RC_PROXY_RATE_LIMIT_RPS", &cfg.RateLimitRPS)
	envInt("RC_PROXY_MAX_CONNECTIONS", &cfg.MaxConnections)
	envString("RC_PROXY_LOG_LEVEL", &cfg.LogLevel)
	envString("RC_PROXY_LOG_FORMAT", &cfg.LogFormat)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if _, err := fmt.Sscanf(v, "%d", dst); err != nil {
			log.WithField("var", key).WithField("value", v).Warn("ignoring malformed integer")
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if _, err := fmt.Sscanf(v, "%f", dst); err != nil {
			log.WithField("var", key).WithField("value", v).Warn("ignoring malformed number")
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.WithField("var", key).WithField("value", v).Warn("ignoring malformed duration")
			return
		}
		*dst = d
	}
}

// RegisterFlags binds command line flags to cfg. Call it after the file and
// environment have been applied so the current values become the defaults.
func RegisterFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Host, "host", cfg.Host, "address to bind every listener to")
	fs.IntVar(&cfg.TelemetryPort, "telemetry-port", cfg.TelemetryPort, "vehicle telemetry TCP port")
	fs.IntVar(&cfg.VideoPort, "video-port", cfg.VideoPort, "JPEG ingest TCP port")
	fs.IntVar(&cfg.HTTPPort, "port", cfg.HTTPPort, "HTTP/WebSocket port")
	fs.BoolVar(&cfg.RTSPEnabled, "rtsp", cfg.RTSPEnabled, "republish video streams over RTSP")
	fs.IntVar(&cfg.RTSPPort, "rtsp-port", cfg.RTSPPort, "RTSP server port")
	fs.IntVar(&cfg.SecretLength, "secret-length", cfg.SecretLength, "length of the generated pilot secret")
	fs.DurationVar(&cfg.StatusInterval, "status-interval", cfg.StatusInterval, "WebSocket status push interval")
	fs.DurationVar(&cfg.TelemetryReadTimeout, "telemetry-timeout", cfg.TelemetryReadTimeout, "vehicle read timeout (0 disables)")
	fs.DurationVar(&cfg.VideoReadTimeout, "video-timeout", cfg.VideoReadTimeout, "video producer read timeout (0 disables)")
	fs.BoolVar(&cfg.RateLimitEnabled, "rate-limit", cfg.RateLimitEnabled, "enable per-IP HTTP rate limiting")
	fs.Float64Var(&cfg.RateLimitRPS, "rate-limit-rps", cfg.RateLimitRPS, "rate limit requests per second")
	fs.IntVar(&cfg.MaxConnections, "max-conn", cfg.MaxConnections, "maximum concurrent HTTP connections")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
}

func (c *Config) Validate() error {
	ports := map[string]int{
		"telemetry_port": c.TelemetryPort,
		"video_port":     c.VideoPort,
		"http_port":      c.HTTPPort,
		"rtsp_port":      c.RTSPPort,
	}
	for name, port := range ports {
		if port < 0 || port > 65535 {
			return errors.Errorf("%s out of range: %d", name, port)
		}
	}
	if c.SecretLength < 8 {
		return errors.Errorf("secret_length must be at least 8, got %d", c.SecretLength)
	}
	if c.StatusInterval <= 0 || c.CommandInterval <= 0 {
		return errors.New("status_interval and command_interval must be positive")
	}
	if c.PingPeriod <= 0 || c.PongWait <= c.PingPeriod {
		return errors.New("pong_wait must be longer than a positive ping_period")
	}
	if c.MaxFrameSize <= 4 || c.MaxFrameSize > FrameSizeCap {
		return errors.Errorf("max_frame_size must be in (4, %d], got %d", FrameSizeCap, c.MaxFrameSize)
	}
	if c.TelemetryReadTimeout < 0 || c.VideoReadTimeout < 0 || c.PreambleTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "invalid log_level")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return errors.Errorf("invalid log_format %q", c.LogFormat)
	}
	return nil
}

// ConfigureLogging applies the log level and format to the standard logrus logger.
func (c *Config) ConfigureLogging() {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if strings.ToLower(c.LogFormat) == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// Addr joins Host and port.
func (c *Config) Addr(port int) string {
	return fmt.Sprintf("%s:%d", c.Host, port)
}
