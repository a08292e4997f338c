package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	appconfig "github.com/SShadowS/mcp-router/internal/config"
)

// Version is injected at build time.
var Version = "dev"

func rootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "mcp-router",
		Short:         "Local aggregating broker for MCP servers",
		Long:          "mcp-router supervises many MCP servers (stdio children and remote HTTP/SSE endpoints)\nand exposes them as one filtered, token-authenticated surface.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "config file path")
	cmd.PersistentFlags().String("data-dir", "", "override the user-data directory")
	cmd.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")
	_ = v.BindPFlag("config", cmd.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("data_dir", cmd.PersistentFlags().Lookup("data-dir"))
	_ = v.BindPFlag("logging.level", cmd.PersistentFlags().Lookup("log-level"))

	v.SetEnvPrefix("MCPROUTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	cmd.AddCommand(serveCmd(v))
	cmd.AddCommand(importCmd(v))
	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

// loadConfig merges defaults, the optional config file, env, and flags.
func loadConfig(v *viper.Viper) (*appconfig.Config, error) {
	cfg := appconfig.DefaultConfig()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	return cfg, nil
}
