package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opsdesk/netcore"
	"github.com/spf13/cobra"
)

func init() {
	statusCmd.Flags().Bool("check", false, "probe the API and the realtime hub")
	statusCmd.Flags().String("path", "/", "API path to probe with --check")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connectivity",
	Long:  "Display the effective configuration and, with --check, probe the API and realtime hub.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStack()
		if err != nil {
			return err
		}
		defer s.close()
		cfg := s.cfg

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.HTTP.BaseURL, "(not set)"))
		fmt.Printf("  Timeout:     %s\n", time.Duration(cfg.HTTP.Timeout))
		fmt.Printf("  Origin:      %s\n", cfg.HTTP.Origin)
		fmt.Printf("  Hub URL:     %s\n", valueOrDefault(cfg.Realtime.URL, "(not set)"))
		fmt.Printf("  Transport:   %s\n", cfg.Realtime.Transport)
		fmt.Printf("  Reconnect:   %v\n", cfg.Realtime.AutoReconnect)

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Device ID:   %s\n", valueOrDefault(cfg.Auth.DeviceID, "(not set)"))

		check, _ := cmd.Flags().GetBool("check")
		if !check {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Duration(cfg.HTTP.Timeout))
		defer cancel()

		path, _ := cmd.Flags().GetString("path")
		resp, err := s.dedup.Execute(ctx, "GET", path, nil, nil)
		fmt.Printf("  API:         %s\n", describeHTTP(resp, err))

		if cfg.Realtime.URL == "" {
			fmt.Println("  Hub:         (not configured)")
			return nil
		}
		if err := s.realtime.Initialize(ctx, cfg.RealtimeConfig()); err != nil {
			fmt.Printf("  Hub:         %v\n", err)
			return nil
		}
		if err := s.realtime.Connect(ctx); err != nil {
			fmt.Printf("  Hub:         %v\n", err)
			return nil
		}
		fmt.Printf("  Hub:         connected (id %s)\n", valueOrDefault(s.realtime.ConnectionID(), "n/a"))
		return s.realtime.Disconnect()
	},
}

func describeHTTP(resp *netcore.Response, err error) string {
	var (
		authErr *netcore.AuthError
		httpErr *netcore.HTTPError
		appErr  *netcore.ApplicationError
	)
	switch {
	case err == nil:
		return fmt.Sprintf("ok (%d in %s)", resp.StatusCode, resp.Duration.Round(time.Millisecond))
	case errors.As(err, &authErr):
		return "unauthorized (token rejected)"
	case errors.As(err, &httpErr):
		return fmt.Sprintf("reachable, status %d", httpErr.StatusCode)
	case errors.As(err, &appErr):
		return fmt.Sprintf("reachable, application error: %s", appErr.Message)
	default:
		return fmt.Sprintf("unreachable: %v", err)
	}
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 10 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
