package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/MatusOllah/slogcolor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kabili207/meshmapper/pkg/config"
)

var (
	cfgFile string
	v       *viper.Viper
	rootCmd = &cobra.Command{
		Use:   "meshmapper",
		Short: "Meshtastic position ingester",
		Long: `Subscribes to Meshtastic MQTT traffic, decodes position reports,
indexes them onto H3 cells and records them in append-only logs and PostgreSQL.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			v, err = config.New(cfgFile)
			if err != nil {
				return err
			}
			for key, flag := range map[string]string{"log.level": "log-level", "log.format": "log-format"} {
				if err := v.BindPFlag(key, cmd.Root().PersistentFlags().Lookup(flag)); err != nil {
					return fmt.Errorf("failed to bind %s flag: %w", flag, err)
				}
			}
			return nil
		},
	}
)

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or /etc/meshmapper/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

func loadConfig() (*config.Configuration, error) {
	return config.Load(v)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// newLogger writes colored text to stderr, or JSON when the format says so.
func newLogger(cfg config.LogConfig) *slog.Logger {
	level := parseLevel(cfg.Level)
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	opts := *slogcolor.DefaultOptions
	opts.Level = level
	return slog.New(slogcolor.NewHandler(os.Stderr, &opts))
}
