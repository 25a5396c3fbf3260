package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/CanvasShare/internal/app"
	"github.com/dkeye/CanvasShare/internal/app/reconnect"
	"github.com/dkeye/CanvasShare/internal/domain"
)

const EnvPrefix = "CANVASSHARE"

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Hub         app.HubConfig `mapstructure:"hub"`
	PublishRate RateConfig    `mapstructure:"publish_rate"`
	Share       ShareConfig   `mapstructure:"share"`
}

// RateConfig bounds publishes per session inside a sliding window.
type RateConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

// ShareConfig is the client side used by sharectl.
type ShareConfig struct {
	RelayURL         string           `mapstructure:"relay_url"`
	ShareBaseURL     string           `mapstructure:"share_base_url"`
	HandshakeTimeout time.Duration    `mapstructure:"handshake_timeout"`
	JoinTimeout      time.Duration    `mapstructure:"join_timeout"`
	QualityInterval  time.Duration    `mapstructure:"quality_interval"`
	MaxPayloadBytes  int              `mapstructure:"max_payload_bytes"`
	Settings         domain.Settings  `mapstructure:"settings"`
	Reconnect        reconnect.Config `mapstructure:"reconnect"`
}

func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 4096)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "canvasshare-dev-secret")
	v.SetDefault("log_level", "info")

	hub := app.DefaultHubConfig()
	v.SetDefault("hub.viewer_ttl", hub.ViewerTTL)
	v.SetDefault("hub.session_ttl", hub.SessionTTL)
	v.SetDefault("hub.tombstone_ttl", hub.TombstoneTTL)
	v.SetDefault("hub.janitor_interval", hub.JanitorInterval)
	v.SetDefault("hub.max_payload_bytes", hub.MaxPayloadBytes)
	v.SetDefault("hub.max_viewers", hub.MaxViewers)

	v.SetDefault("publish_rate.limit", 50)
	v.SetDefault("publish_rate.interval", "1s")

	settings := domain.DefaultSettings()
	rc := reconnect.DefaultConfig()
	v.SetDefault("share.relay_url", "http://localhost:8080")
	v.SetDefault("share.share_base_url", "http://localhost:8080")
	v.SetDefault("share.handshake_timeout", "10s")
	v.SetDefault("share.join_timeout", "10s")
	v.SetDefault("share.quality_interval", "30s")
	v.SetDefault("share.max_payload_bytes", 4<<20)
	v.SetDefault("share.settings.max_viewers", settings.MaxViewers)
	v.SetDefault("share.settings.auto_reconnect", settings.AutoReconnect)
	v.SetDefault("share.settings.compression_enabled", settings.CompressionEnabled)
	v.SetDefault("share.settings.update_throttle_ms", settings.UpdateThrottleMs)
	v.SetDefault("share.settings.quality_adaptive", settings.QualityAdaptive)
	v.SetDefault("share.reconnect.base_delay", rc.BaseDelay)
	v.SetDefault("share.reconnect.max_delay", rc.MaxDelay)
	v.SetDefault("share.reconnect.max_attempts", rc.MaxAttempts)
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev when unset).
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName on top of the defaults. A missing file is not an
// error; CANVASSHARE_* variables override both.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	l := log.With().Str("module", "config").Str("file", fileName).Logger()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		l.Warn().Msg("config file not found, using defaults")
	} else {
		l.Info().Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l.Info().Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("config: %w: port %d", domain.ErrInvalidInput, c.Port)
	case c.PingPeriod <= 0:
		return fmt.Errorf("config: %w: ping_period must be positive", domain.ErrInvalidInput)
	case c.PublishRate.Limit <= 0 || c.PublishRate.Interval <= 0:
		return fmt.Errorf("config: %w: publish_rate needs a positive limit and interval", domain.ErrInvalidInput)
	case c.Hub.MaxPayloadBytes <= 0:
		return fmt.Errorf("config: %w: hub.max_payload_bytes must be positive", domain.ErrInvalidInput)
	}
	return nil
}
