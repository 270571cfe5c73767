package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/VoiceCall/internal/core"
)

type ServerConfig struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`
}

type ProviderConfig struct {
	// Kind is loopback or sfu.
	Kind        string        `mapstructure:"kind"`
	Mode        string        `mapstructure:"mode"`
	Codec       string        `mapstructure:"codec"`
	SignalURL   string        `mapstructure:"signal_url"`
	ICEServers  []string      `mapstructure:"ice_servers"`
	JoinTimeout time.Duration `mapstructure:"join_timeout"`
}

func (p ProviderConfig) Client() core.ClientConfig {
	return core.ClientConfig{Mode: p.Mode, Codec: p.Codec}
}

type CallConfig struct {
	AppID             string        `mapstructure:"app_id"`
	Channel           string        `mapstructure:"channel"`
	Token             string        `mapstructure:"token"`
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	VolumeInterval    time.Duration `mapstructure:"volume_interval"`
	SpeakingThreshold float64       `mapstructure:"speaking_threshold"`
	PublishVideo      bool          `mapstructure:"publish_video"`
}

type PlaybackConfig struct {
	RecordDir string `mapstructure:"record_dir"`
}

type LimitsConfig struct {
	JoinRate   int           `mapstructure:"join_rate"`
	JoinWindow time.Duration `mapstructure:"join_window"`
	MaxDropped int           `mapstructure:"max_dropped"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Provider ProviderConfig `mapstructure:"provider"`
	Call     CallConfig     `mapstructure:"call"`
	Playback PlaybackConfig `mapstructure:"playback"`
	Limits   LimitsConfig   `mapstructure:"limits"`

	v *viper.Viper
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.static_path", "./web")
	v.SetDefault("server.read_limit", 32768)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("server.secret", "")
	v.SetDefault("server.log_level", "info")

	v.SetDefault("provider.kind", "loopback")
	v.SetDefault("provider.mode", "rtc")
	v.SetDefault("provider.codec", "vp8")
	v.SetDefault("provider.signal_url", "")
	v.SetDefault("provider.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("provider.join_timeout", "10s")

	v.SetDefault("call.app_id", "")
	v.SetDefault("call.channel", "")
	v.SetDefault("call.token", "")
	v.SetDefault("call.tick_interval", "1s")
	v.SetDefault("call.volume_interval", "100ms")
	v.SetDefault("call.speaking_threshold", 10)
	v.SetDefault("call.publish_video", false)

	v.SetDefault("playback.record_dir", "")

	v.SetDefault("limits.join_rate", 5)
	v.SetDefault("limits.join_window", "1m")
	v.SetDefault("limits.max_dropped", 50)
}

// Load reads config/config.<CONFIG_ENV>.yaml. Every key can be
// overridden from the environment, e.g. VOICECALL_SERVER_PORT.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile is Load for an explicit path. A missing file is not an error.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix("VOICECALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(fileName); statErr == nil {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Str("provider", cfg.Provider.Kind).
		Msg("config ready")
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.v = v
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Provider.Kind {
	case "loopback":
	case "sfu":
		if c.Provider.SignalURL == "" {
			return fmt.Errorf("config: provider.signal_url is required for the sfu provider")
		}
	default:
		return fmt.Errorf("config: unknown provider.kind %q", c.Provider.Kind)
	}
	if _, err := zerolog.ParseLevel(c.Server.LogLevel); err != nil {
		return fmt.Errorf("config: server.log_level: %w", err)
	}
	return nil
}

// Level is the configured log level, info when unparsable.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.Server.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Watch re-reads the file on every change and hands the new config to
// fn. Invalid edits are logged and skipped.
func (c *Config) Watch(fn func(*Config)) {
	if c.v == nil {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decode(c.v)
		if err != nil {
			log.Error().Str("module", "config").Str("file", e.Name).Err(err).Msg("config reload rejected")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Str("op", e.Op.String()).Msg("config reloaded")
		fn(next)
	})
	c.v.WatchConfig()
}
