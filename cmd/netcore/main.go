package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opsdesk/netcore"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config helpers
// ============================================================================

var (
	flagConfig   string
	flagLogLevel string
)

// configDir returns the path to ~/.netcore, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".netcore")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the file list to load: --config if given, else
// ~/.netcore/config.toml.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// writablePath is the last file of the list; config set writes there.
func writablePath() (string, error) {
	paths, err := configPath()
	if err != nil {
		return "", err
	}
	list := strings.Split(paths, ",")
	return strings.TrimSpace(list[len(list)-1]), nil
}

// loadConfig reads the config files. A missing default file yields defaults.
func loadConfig() (*netcore.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := netcore.LoadConfig(path)
	switch {
	case err == nil:
	case flagConfig == "" && errors.Is(err, os.ErrNotExist):
		cfg = &netcore.Config{}
		cfg.ApplyDefaults()
	default:
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	return cfg, nil
}

// saveConfig writes the config back to disk.
func saveConfig(cfg *netcore.Config) error {
	path, err := writablePath()
	if err != nil {
		return err
	}
	data, err := netcore.EncodeConfig(path, cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "http.base_url").
func setConfigValue(cfg *netcore.Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. http.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "http":
		switch field {
		case "base_url":
			cfg.HTTP.BaseURL = value
		case "timeout":
			return cfg.HTTP.Timeout.UnmarshalText([]byte(value))
		case "origin":
			cfg.HTTP.Origin = value
		case "login_path":
			cfg.HTTP.LoginPath = value
		case "secret_header":
			cfg.HTTP.SecretHeader = value
		case "secret_key":
			cfg.HTTP.SecretKey = value
		default:
			return fmt.Errorf("unknown field %q in section [http]", field)
		}
	case "realtime":
		switch field {
		case "url":
			cfg.Realtime.URL = value
		case "auto_reconnect", "skip_negotiation":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%s must be true or false", key)
			}
			if field == "auto_reconnect" {
				cfg.Realtime.AutoReconnect = b
			} else {
				cfg.Realtime.SkipNegotiation = b
			}
		case "log_level":
			cfg.Realtime.LogLevel = value
		case "transport":
			cfg.Realtime.Transport = value
		case "reconnect_delays":
			var delays []netcore.Duration
			for _, s := range strings.Split(value, ",") {
				var d netcore.Duration
				if err := d.UnmarshalText([]byte(s)); err != nil {
					return err
				}
				delays = append(delays, d)
			}
			cfg.Realtime.ReconnectDelays = delays
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "device_id":
			cfg.Auth.DeviceID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "log":
		if field != "level" {
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
		cfg.Log.Level = value
	case "metrics":
		if field != "addr" {
			return fmt.Errorf("unknown field %q in section [metrics]", field)
		}
		cfg.Metrics.Addr = value
	default:
		return fmt.Errorf("unknown config section %q (valid: http, realtime, auth, log, metrics)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "netcore",
	Short:        "Network layer CLI",
	Long:         "Command-line interface for the app's network layer.\nSend deduplicated API requests and talk to the realtime hub.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file(s), comma-separated (default ~/.netcore/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level override (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
