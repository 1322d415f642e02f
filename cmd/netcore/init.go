package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	initCmd.Flags().String("hub", "", "realtime hub url (default <base-url>/hubs/notification)")
	initCmd.Flags().String("device-id", "", "device id sent with every call")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> [token]",
	Short: "Store API endpoint and credentials in ~/.netcore/config.toml",
	Long:  "Initialize the CLI by storing the API base URL, the realtime hub URL and an access token in the local configuration file.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.HTTP.BaseURL = strings.TrimRight(args[0], "/")
		if len(args) == 2 {
			cfg.Auth.Token = args[1]
		}
		hub, _ := cmd.Flags().GetString("hub")
		if hub == "" && cfg.Realtime.URL == "" {
			hub = cfg.HTTP.BaseURL + "/hubs/notification"
		}
		if hub != "" {
			cfg.Realtime.URL = hub
		}
		if id, _ := cmd.Flags().GetString("device-id"); id != "" {
			cfg.Auth.DeviceID = id
		}
		cfg.Realtime.AutoReconnect = true

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := writablePath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
