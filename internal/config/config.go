package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	DB     DBConfig     `mapstructure:"db"`
	Match  MatchConfig  `mapstructure:"match"`
	Signal SignalConfig `mapstructure:"signal"`
	Call   CallConfig   `mapstructure:"call"`
	WebRTC WebRTCConfig `mapstructure:"webrtc"`
	Peer   PeerConfig   `mapstructure:"peer"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type MatchConfig struct {
	ScanWindow         int           `mapstructure:"scan_window"`
	InitialDelay       time.Duration `mapstructure:"initial_delay"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	MaxConflictRetries int           `mapstructure:"max_conflict_retries"`
	ConflictBackoff    time.Duration `mapstructure:"conflict_backoff"`
	RateLimit          int           `mapstructure:"rate_limit"`
	RateInterval       time.Duration `mapstructure:"rate_interval"`
}

type SignalConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type CallConfig struct {
	EndedReset         time.Duration `mapstructure:"ended_reset"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
}

type WebRTCConfig struct {
	ICEServers []string `mapstructure:"ice_servers"`
}

// PeerConfig drives cmd/peer.
type PeerConfig struct {
	Server       string        `mapstructure:"server"`
	Name         string        `mapstructure:"name"`
	Role         string        `mapstructure:"role"`
	Company      string        `mapstructure:"company"`
	Skills       []string      `mapstructure:"skills"`
	Roles        []string      `mapstructure:"roles"`
	SkipPrevious bool          `mapstructure:"skip_previous"`
	Audio        bool          `mapstructure:"audio"`
	Video        bool          `mapstructure:"video"`
	CallDuration time.Duration `mapstructure:"call_duration"`
}

// Load reads config/config.<CONFIG_ENV>.yaml relative to the working
// directory.
func Load() (*Config, error) {
	return LoadFrom("config")
}

// LoadFrom reads config.<CONFIG_ENV>.yaml from dir. Missing files fall back
// to defaults; PEERMATCH_* variables override both, e.g.
// PEERMATCH_MATCH_POLL_INTERVAL=1s.
func LoadFrom(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := filepath.Join(dir, fmt.Sprintf("config.%s.yaml", env))
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("PEERMATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("db", cfg.DB.Driver).Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "peermatch-dev-secret")
	v.SetDefault("log_level", "info")

	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "data/peermatch.db")

	v.SetDefault("match.scan_window", 20)
	v.SetDefault("match.initial_delay", "2s")
	v.SetDefault("match.poll_interval", "3s")
	v.SetDefault("match.max_conflict_retries", 5)
	v.SetDefault("match.conflict_backoff", "250ms")
	v.SetDefault("match.rate_limit", 30)
	v.SetDefault("match.rate_interval", "1m")

	v.SetDefault("signal.poll_interval", "500ms")

	v.SetDefault("call.ended_reset", "2s")
	v.SetDefault("call.negotiation_timeout", "30s")

	v.SetDefault("webrtc.ice_servers", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	})

	v.SetDefault("peer.server", "http://localhost:8080")
	v.SetDefault("peer.name", "peer")
	v.SetDefault("peer.role", "member")
	v.SetDefault("peer.company", "")
	v.SetDefault("peer.skills", []string{})
	v.SetDefault("peer.roles", []string{})
	v.SetDefault("peer.skip_previous", true)
	v.SetDefault("peer.audio", true)
	v.SetDefault("peer.video", true)
	v.SetDefault("peer.call_duration", "30s")
}

func (c *Config) validate() error {
	switch c.DB.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported db.driver %q", c.DB.Driver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.Match.PollInterval <= 0 {
		return fmt.Errorf("config: match.poll_interval must be positive")
	}
	return nil
}
