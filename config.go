package netcore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// Config types
// ============================================================================

// Duration is a time.Duration that reads "10s" style strings from TOML and
// YAML. A bare integer is taken as seconds.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the file form of the layer's settings.
type Config struct {
	HTTP     HTTPConfig    `toml:"http" yaml:"http"`
	Realtime RealtimeFile  `toml:"realtime" yaml:"realtime"`
	Auth     AuthConfig    `toml:"auth" yaml:"auth"`
	Log      LogConfig     `toml:"log" yaml:"log"`
	Metrics  MetricsConfig `toml:"metrics" yaml:"metrics"`
}

type HTTPConfig struct {
	BaseURL      string   `toml:"base_url" yaml:"base_url"`
	Timeout      Duration `toml:"timeout" yaml:"timeout"`
	Origin       string   `toml:"origin" yaml:"origin"`
	LoginPath    string   `toml:"login_path" yaml:"login_path"`
	SecretHeader string   `toml:"secret_header" yaml:"secret_header"`
	SecretKey    string   `toml:"secret_key" yaml:"secret_key"`
}

type RealtimeFile struct {
	URL             string            `toml:"url" yaml:"url"`
	AutoReconnect   bool              `toml:"auto_reconnect" yaml:"auto_reconnect"`
	LogLevel        string            `toml:"log_level" yaml:"log_level"`
	Transport       string            `toml:"transport" yaml:"transport"`
	ReconnectDelays []Duration        `toml:"reconnect_delays" yaml:"reconnect_delays"`
	SkipNegotiation bool              `toml:"skip_negotiation" yaml:"skip_negotiation"`
	Headers         map[string]string `toml:"headers" yaml:"headers"`
}

// AuthConfig holds static credentials for tools; the app supplies its own
// CredentialProvider.
type AuthConfig struct {
	Token    string `toml:"token" yaml:"token"`
	DeviceID string `toml:"device_id" yaml:"device_id"`
}

type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
}

type MetricsConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// ============================================================================
// Loading
// ============================================================================

// LoadConfig reads a comma-separated list of TOML or YAML files, later files
// overriding earlier ones, then fills defaults.
func LoadConfig(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. config.toml or common.yml,dev.yml)")
	}
	var c Config
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
		if err := DecodeConfig(p, data, &c); err != nil {
			return nil, err
		}
	}
	c.ApplyDefaults()
	return &c, nil
}

// DecodeConfig decodes data into c, choosing the format from path's extension.
func DecodeConfig(path string, data []byte, c *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("cannot parse %s: %w", path, err)
		}
	case ".toml", "":
		if err := toml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("cannot parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

// EncodeConfig renders c in the format implied by path's extension.
func EncodeConfig(path string, c *Config) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Marshal(c)
	default:
		return toml.Marshal(c)
	}
}

func (c *Config) ApplyDefaults() {
	if c.HTTP.Timeout <= 0 {
		c.HTTP.Timeout = Duration(DefaultTimeout)
	}
	if c.HTTP.Origin == "" {
		c.HTTP.Origin = DefaultOrigin
	}
	if c.HTTP.LoginPath == "" {
		c.HTTP.LoginPath = DefaultLoginPath
	}
	if c.HTTP.SecretHeader == "" {
		c.HTTP.SecretHeader = DefaultSecretHeader
	}
	if c.Realtime.Transport == "" {
		c.Realtime.Transport = string(TransportWebSockets)
	}
	if len(c.Realtime.ReconnectDelays) == 0 {
		for _, d := range DefaultReconnectDelays {
			c.Realtime.ReconnectDelays = append(c.Realtime.ReconnectDelays, Duration(d))
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// ============================================================================
// Conversions
// ============================================================================

// TransportOptions turns the HTTP section into client options.
func (c *Config) TransportOptions() []TransportOption {
	opts := []TransportOption{
		WithTimeout(time.Duration(c.HTTP.Timeout)),
		WithOrigin(c.HTTP.Origin),
		WithLoginPath(c.HTTP.LoginPath),
		WithSharedSecret(c.HTTP.SecretHeader, c.HTTP.SecretKey),
	}
	if c.HTTP.BaseURL != "" {
		opts = append(opts, WithBaseURL(c.HTTP.BaseURL))
	}
	return opts
}

// RealtimeConfig converts the realtime section for Manager.Initialize.
func (c *Config) RealtimeConfig() RealtimeConfig {
	rc := RealtimeConfig{
		URL:             c.Realtime.URL,
		AutoReconnect:   c.Realtime.AutoReconnect,
		LogLevel:        c.Realtime.LogLevel,
		Transport:       normalizeTransport(c.Realtime.Transport),
		SkipNegotiation: c.Realtime.SkipNegotiation,
		Headers:         cloneHeaders(c.Realtime.Headers),
	}
	if rc.Headers == nil {
		rc.Headers = map[string]string{}
	}
	if _, ok := rc.Headers["origin"]; !ok && c.HTTP.Origin != "" {
		rc.Headers["origin"] = c.HTTP.Origin
	}
	for _, d := range c.Realtime.ReconnectDelays {
		rc.ReconnectDelays = append(rc.ReconnectDelays, time.Duration(d))
	}
	return rc
}

func (c *Config) Credentials() StaticCredentials {
	return StaticCredentials{AccessToken: c.Auth.Token, Device: c.Auth.DeviceID}
}
