package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode      string          `mapstructure:"mode"`
	LogLevel  string          `mapstructure:"log_level"`
	Server    ServerConfig    `mapstructure:"server"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	WebRTC    WebRTCConfig    `mapstructure:"webrtc"`
	Media     MediaConfig     `mapstructure:"media"`
}

// ServerConfig is read by cmd/directory only.
type ServerConfig struct {
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	SendBuffer int           `mapstructure:"send_buffer"`
	RateLimit  float64       `mapstructure:"rate_limit"`
	RateBurst  int           `mapstructure:"rate_burst"`
	// MaxDrops > 0 tolerates that many dropped feed frames per connection before disconnecting.
	MaxDrops         int           `mapstructure:"max_drops"`
	MaxSubscriptions int           `mapstructure:"max_subscriptions"`
	ShutdownFor      time.Duration `mapstructure:"shutdown_timeout"`
}

type DirectoryConfig struct {
	// Backend is one of memory, sqlite, mongodb, remote.
	Backend       string        `mapstructure:"backend"`
	URL           string        `mapstructure:"url"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	MongoURI      string        `mapstructure:"mongo_uri"`
	MongoDatabase string        `mapstructure:"mongo_database"`
}

// SessionsConfig controls the stale-session janitor. A zero TTL disables it.
type SessionsConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type WebRTCConfig struct {
	ICEServers          []string      `mapstructure:"ice_servers"`
	PortMin             uint16        `mapstructure:"port_min"`
	PortMax             uint16        `mapstructure:"port_max"`
	NAT1To1IPs          []string      `mapstructure:"nat_1to1_ips"`
	DisconnectedTimeout time.Duration `mapstructure:"disconnected_timeout"`
	FailedTimeout       time.Duration `mapstructure:"failed_timeout"`
	KeepAliveInterval   time.Duration `mapstructure:"keepalive_interval"`
}

type MediaConfig struct {
	// Source is one of synthetic, file, devices.
	Source    string `mapstructure:"source"`
	Video     bool   `mapstructure:"video"`
	Audio     bool   `mapstructure:"audio"`
	VideoFile string `mapstructure:"video_file"`
	AudioFile string `mapstructure:"audio_file"`
	RecordDir string `mapstructure:"record_dir"`
}

var DefaultICEServers = []string{
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"mode":       "mode",
	"log-level":  "log_level",
	"port":       "server.port",
	"backend":    "directory.backend",
	"directory":  "directory.url",
	"sqlite":     "directory.sqlite_path",
	"mongo-uri":  "directory.mongo_uri",
	"media":      "media.source",
	"video-file": "media.video_file",
	"audio-file": "media.audio_file",
	"record-dir": "media.record_dir",
	"ice-server": "webrtc.ice_servers",
}

// RegisterFlags adds the flags understood by Load to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("mode", "", "release or debug")
	fs.String("log-level", "", "zerolog level (debug, info, warn, error)")
	fs.Int("port", 0, "directory server listen port")
	fs.String("backend", "", "directory backend: memory, sqlite, mongodb, remote")
	fs.String("directory", "", "directory server base URL for the remote backend")
	fs.String("sqlite", "", "sqlite directory file")
	fs.String("mongo-uri", "", "MongoDB connection URI")
	fs.String("media", "", "local media source: synthetic, file, devices")
	fs.String("video-file", "", "IVF file for the file media source")
	fs.String("audio-file", "", "Ogg/Opus file for the file media source")
	fs.String("record-dir", "", "write remote media to this directory")
	fs.StringSlice("ice-server", nil, "ICE server URL (repeatable)")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_limit", 65536)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("server.secret", "peercall-dev-secret")
	v.SetDefault("server.send_buffer", 64)
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("server.max_drops", 0)
	v.SetDefault("server.max_subscriptions", 256)
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("directory.backend", "remote")
	v.SetDefault("directory.url", "http://localhost:8080")
	v.SetDefault("directory.sqlite_path", "./data/directory.db")
	v.SetDefault("directory.poll_interval", "100ms")
	v.SetDefault("directory.mongo_uri", "mongodb://localhost:27017/?replicaSet=rs0")
	v.SetDefault("directory.mongo_database", "peercall")

	v.SetDefault("sessions.ttl", "0s")
	v.SetDefault("sessions.sweep_interval", "1m")

	v.SetDefault("webrtc.ice_servers", DefaultICEServers)
	v.SetDefault("webrtc.port_min", 0)
	v.SetDefault("webrtc.port_max", 0)
	v.SetDefault("webrtc.nat_1to1_ips", []string{})
	v.SetDefault("webrtc.disconnected_timeout", "5s")
	v.SetDefault("webrtc.failed_timeout", "25s")
	v.SetDefault("webrtc.keepalive_interval", "2s")

	v.SetDefault("media.source", "synthetic")
	v.SetDefault("media.video", true)
	v.SetDefault("media.audio", true)
	v.SetDefault("media.video_file", "")
	v.SetDefault("media.audio_file", "")
	v.SetDefault("media.record_dir", "")
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults, then PEERCALL_* environment variables, then
// any flags in fs that were set explicitly. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("PEERCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Str("backend", cfg.Directory.Backend).
		Str("media", cfg.Media.Source).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Directory.Backend {
	case "memory", "sqlite", "mongodb", "remote":
	default:
		errs = append(errs, fmt.Errorf("directory.backend: unknown backend %q", c.Directory.Backend))
	}
	switch c.Media.Source {
	case "synthetic", "file", "devices":
	default:
		errs = append(errs, fmt.Errorf("media.source: unknown source %q", c.Media.Source))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}
	if c.WebRTC.PortMax != 0 && c.WebRTC.PortMin > c.WebRTC.PortMax {
		errs = append(errs, fmt.Errorf("webrtc: port_min %d above port_max %d", c.WebRTC.PortMin, c.WebRTC.PortMax))
	}
	if c.Sessions.TTL < 0 {
		errs = append(errs, errors.New("sessions.ttl must not be negative"))
	}
	return errors.Join(errs...)
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
