package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/samber/lo"
	"github.com/spf13/viper"

	"github.com/xdimtech/go-wsprobe/pkg/keys"
)

const EnvPrefix = "WSPROBE"

type SessionConf struct {
	URL                string            `yaml:"url" json:"url"`
	Transport          string            `yaml:"transport" json:"transport"`
	BufferSize         int               `yaml:"buffer_size" json:"buffer_size"`
	ReceiveTimeoutMs   int               `yaml:"receive_timeout_ms" json:"receive_timeout_ms"`
	CloseTimeoutMs     int               `yaml:"close_timeout_ms" json:"close_timeout_ms"`
	HandshakeTimeoutMs int               `yaml:"handshake_timeout_ms" json:"handshake_timeout_ms"`
	ReconnectDelayMs   int               `yaml:"reconnect_delay_ms" json:"reconnect_delay_ms"`
	ReadLimit          int64             `yaml:"read_limit" json:"read_limit"`
	Greeting           string            `yaml:"greeting" json:"greeting"`
	Headers            map[string]string `yaml:"headers" json:"headers"`
}

func (c *SessionConf) ReceiveTimeout() time.Duration {
	return time.Duration(c.ReceiveTimeoutMs) * time.Millisecond
}

func (c *SessionConf) CloseTimeout() time.Duration {
	return time.Duration(c.CloseTimeoutMs) * time.Millisecond
}

func (c *SessionConf) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

func (c *SessionConf) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

// TogglesConf presets the interactive toggles. A nil value means the operator
// is asked at startup.
type TogglesConf struct {
	ContinueWithoutDisconnect *bool `yaml:"continue_without_disconnect" json:"continue_without_disconnect"`
	AutoReconnect             *bool `yaml:"auto_reconnect" json:"auto_reconnect"`
}

type KeysConf struct {
	Cancel   string `yaml:"cancel" json:"cancel"`
	Continue string `yaml:"continue" json:"continue"`
	Yes      string `yaml:"yes" json:"yes"`
	No       string `yaml:"no" json:"no"`
	Quit     string `yaml:"quit" json:"quit"`
}

type ServerConf struct {
	Addr            string `yaml:"addr" json:"addr"`
	Path            string `yaml:"path" json:"path"`
	PushIntervalMs  int    `yaml:"push_interval_ms" json:"push_interval_ms"`
	PayloadBytes    int    `yaml:"payload_bytes" json:"payload_bytes"`
	IdleTimeoutMs   int    `yaml:"idle_timeout_ms" json:"idle_timeout_ms"`
	ReadBufferSize  int    `yaml:"read_buffer_size" json:"read_buffer_size"`
	WriteBufferSize int    `yaml:"write_buffer_size" json:"write_buffer_size"`
}

func (c *ServerConf) PushInterval() time.Duration {
	return time.Duration(c.PushIntervalMs) * time.Millisecond
}

func (c *ServerConf) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

type LogConf struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type Conf struct {
	Session SessionConf `yaml:"session" json:"session"`
	Toggles TogglesConf `yaml:"toggles" json:"toggles"`
	Keys    KeysConf    `yaml:"keys" json:"keys"`
	Server  ServerConf  `yaml:"server" json:"server"`
	Log     LogConf     `yaml:"log" json:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("session.url", "ws://127.0.0.1:8000/probe")
	v.SetDefault("session.transport", "gorilla")
	v.SetDefault("session.buffer_size", 4096)
	v.SetDefault("session.receive_timeout_ms", 5000)
	v.SetDefault("session.close_timeout_ms", 1000)
	v.SetDefault("session.handshake_timeout_ms", 10000)
	v.SetDefault("session.reconnect_delay_ms", 1000)
	v.SetDefault("session.read_limit", 0)
	v.SetDefault("session.greeting", "")

	v.SetDefault("keys.cancel", "esc")
	v.SetDefault("keys.continue", "space")
	v.SetDefault("keys.yes", "y")
	v.SetDefault("keys.no", "n")
	v.SetDefault("keys.quit", "ctrl+c")

	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.path", "/probe")
	v.SetDefault("server.push_interval_ms", 0)
	v.SetDefault("server.payload_bytes", 1024)
	v.SetDefault("server.idle_timeout_ms", 60000)
	v.SetDefault("server.read_buffer_size", 4096)
	v.SetDefault("server.write_buffer_size", 4096)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads wsprobe.yaml from conf/ or the working directory, or from path
// when given. A missing default file is not an error; environment variables
// prefixed with WSPROBE_ override file values.
func Load(path string) (*Conf, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("wsprobe")
		v.SetConfigType("yaml")
		v.AddConfigPath("conf")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// toggles have no default, bind them so the environment can still set them
	_ = v.BindEnv("toggles.continue_without_disconnect")
	_ = v.BindEnv("toggles.auto_reconnect")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	conf := &Conf{}
	if decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           conf,
		TagName:          "yaml",
	}); err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	} else if err = decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

var (
	transports = []string{"gorilla", "coder"}
	levels     = []string{"debug", "info", "warn", "error"}
	formats    = []string{"text", "json"}
)

func (c *Conf) Validate() error {
	if c.Session.URL == "" {
		return fmt.Errorf("session.url is required")
	}
	if !lo.Contains(transports, c.Session.Transport) {
		return fmt.Errorf("session.transport must be one of %v, got %q", transports, c.Session.Transport)
	}
	if c.Session.BufferSize <= 0 {
		return fmt.Errorf("session.buffer_size must be positive")
	}
	if c.Session.ReceiveTimeoutMs < 0 {
		return fmt.Errorf("session.receive_timeout_ms must not be negative")
	}
	if c.Session.CloseTimeoutMs <= 0 {
		return fmt.Errorf("session.close_timeout_ms must be positive")
	}
	if c.Server.Path == "" || !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /")
	}
	if c.Server.PayloadBytes < 0 {
		return fmt.Errorf("server.payload_bytes must not be negative")
	}
	if !lo.Contains(levels, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("log.level must be one of %v", levels)
	}
	if !lo.Contains(formats, strings.ToLower(c.Log.Format)) {
		return fmt.Errorf("log.format must be one of %v", formats)
	}
	return c.Keys.validate()
}

// validate compares the keys the way the listener will see them, so
// "Y" and "y" or "esc" and "escape" count as the same binding.
func (k KeysConf) validate() error {
	names := []string{"cancel", "continue", "yes", "no", "quit"}
	bound := lo.Map([]string{k.Cancel, k.Continue, k.Yes, k.No, k.Quit}, func(name string, _ int) keys.Key {
		return keys.Parse(name)
	})
	for i, key := range bound {
		if key == keys.KeyUnknown {
			return fmt.Errorf("keys.%s must be set", names[i])
		}
		if j := lo.IndexOf(bound[:i], key); j >= 0 {
			return fmt.Errorf("keys.%s and keys.%s must differ, both are %q", names[j], names[i], key)
		}
	}
	return nil
}
