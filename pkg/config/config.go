// Package config loads chatline settings from the YAML config file, CHATLINE_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatline/pkg/eventbus"
	"github.com/go-go-golems/chatline/pkg/i18n"
	"github.com/go-go-golems/chatline/pkg/logging"
)

const (
	AppName   = "chatline"
	EnvPrefix = "CHATLINE"
)

type ServerSettings struct {
	BaseURL string `mapstructure:"base-url" yaml:"base-url"`
	// Cookie is forwarded verbatim, e.g. "JSESSIONID=...".
	Cookie string `mapstructure:"cookie" yaml:"cookie"`
}

type HTTPSettings struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type RealtimeSettings struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout" yaml:"handshake-timeout"`
	HeartBeat        time.Duration `mapstructure:"heart-beat" yaml:"heart-beat"`
	// RetryBase and RetryMax bound the exponential backoff of the
	// notification feed connection.
	RetryBase time.Duration `mapstructure:"retry-base" yaml:"retry-base"`
	RetryMax  time.Duration `mapstructure:"retry-max" yaml:"retry-max"`
}

type ChatbotSettings struct {
	RetryDelay time.Duration `mapstructure:"retry-delay" yaml:"retry-delay"`
}

type StateSettings struct {
	// Path of the SQLite state file. Empty means the user config dir.
	Path string `mapstructure:"path" yaml:"path"`
}

type MetricsSettings struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type Config struct {
	Server   ServerSettings         `mapstructure:"server" yaml:"server"`
	Username string                 `mapstructure:"username" yaml:"username"`
	GroupID  string                 `mapstructure:"group-id" yaml:"group-id"`
	Lang     string                 `mapstructure:"lang" yaml:"lang"`
	HTTP     HTTPSettings           `mapstructure:"http" yaml:"http"`
	Realtime RealtimeSettings       `mapstructure:"realtime" yaml:"realtime"`
	Chatbot  ChatbotSettings        `mapstructure:"chatbot" yaml:"chatbot"`
	State    StateSettings          `mapstructure:"state" yaml:"state"`
	Metrics  MetricsSettings        `mapstructure:"metrics" yaml:"metrics"`
	Logging  logging.Settings       `mapstructure:"logging" yaml:"logging"`
	Redis    eventbus.RedisSettings `mapstructure:"redis" yaml:"redis"`
}

func Default() Config {
	return Config{
		Server:   ServerSettings{BaseURL: "http://localhost:8080"},
		Lang:     i18n.DefaultLang,
		Realtime: RealtimeSettings{
			HandshakeTimeout: 10 * time.Second,
			HeartBeat:        10 * time.Second,
			RetryBase:        time.Second,
			RetryMax:         30 * time.Second,
		},
		Chatbot: ChatbotSettings{RetryDelay: 3 * time.Second},
		Logging: logging.DefaultSettings(),
		Redis:   eventbus.DefaultRedisSettings(),
	}
}

// FlagKeys maps persistent flag names to config keys.
var FlagKeys = map[string]string{
	"base-url":     "server.base-url",
	"cookie":       "server.cookie",
	"username":     "username",
	"group-id":     "group-id",
	"lang":         "lang",
	"http-timeout": "http.timeout",
	"state-path":   "state.path",
	"metrics-addr": "metrics.addr",
	"log-level":    "logging.level",
	"log-format":   "logging.format",
	"log-file":     "logging.file",
	"with-caller":  "logging.with-caller",
	"redis-addr":   "redis.addr",
	"redis":        "redis.enabled",
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.base-url", d.Server.BaseURL)
	v.SetDefault("server.cookie", d.Server.Cookie)
	v.SetDefault("username", d.Username)
	v.SetDefault("group-id", d.GroupID)
	v.SetDefault("lang", d.Lang)
	v.SetDefault("http.timeout", d.HTTP.Timeout)
	v.SetDefault("realtime.handshake-timeout", d.Realtime.HandshakeTimeout)
	v.SetDefault("realtime.heart-beat", d.Realtime.HeartBeat)
	v.SetDefault("realtime.retry-base", d.Realtime.RetryBase)
	v.SetDefault("realtime.retry-max", d.Realtime.RetryMax)
	v.SetDefault("chatbot.retry-delay", d.Chatbot.RetryDelay)
	v.SetDefault("state.path", d.State.Path)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.with-caller", d.Logging.WithCaller)
	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.stream-prefix", d.Redis.StreamPrefix)
	v.SetDefault("redis.group", d.Redis.Group)
	v.SetDefault("redis.consumer", d.Redis.Consumer)
}

// Init prepares v: defaults, environment, the config file and the flags
// listed in FlagKeys. A missing config file is not an error.
func Init(v *viper.Viper, flags *pflag.FlagSet, configFile string) error {
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(configFile != "" && os.IsNotExist(err)) {
			return errors.Wrap(err, "read config file")
		}
		log.Debug().Str("component", "config").Msg("no config file found")
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return errors.Wrapf(err, "bind flag %s", name)
				}
			}
		}
	}
	return nil
}

// Load decodes v into a Config.
func Load(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if c.Lang != "" && !i18n.AllowedLangs[c.Lang] {
		return Config{}, errors.Errorf("unsupported lang %q", c.Lang)
	}
	return c, nil
}

// Dir is ~/.config/chatline (or the platform equivalent).
func Dir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "could not get config dir")
	}
	return filepath.Join(configDir, AppName), nil
}

func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
