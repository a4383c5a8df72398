package main

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/howard-nolan/llmgateway/internal/catalog"
	"github.com/howard-nolan/llmgateway/internal/config"
)

const defaultConfigPath = "config.yaml"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "llmgateway",
		Short:        "OpenAI-compatible gateway in front of many LLM providers",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to config.yaml")

	root.AddCommand(
		newServeCmd(),
		newCatalogCmd(),
		newHealCmd(),
		newCostCmd(),
	)
	return root
}

// loadConfig loads the file named by --config. The default path is
// optional so the gateway can run from environment variables alone.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

// loadCatalog returns the configured catalog, or the embedded one.
func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.Catalog.Path == "" {
		return catalog.Default()
	}
	return catalog.Load(cfg.Catalog.Path)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
