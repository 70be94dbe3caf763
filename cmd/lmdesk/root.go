package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/lmdesk/internal/config"
	"github.com/kalambet/lmdesk/internal/inference"
)

var (
	noColor  bool
	cfgFile  string
	logLevel string

	// Populated by the root pre-run for every subcommand.
	store *config.Store
	cfg   config.Config
)

var newStore = func() *config.Store {
	if cfgFile != "" {
		return config.NewStore(cfgFile)
	}
	return config.DefaultStore()
}

var rootCmd = &cobra.Command{
	Use:   "lmdesk",
	Short: "Chat with and run OCR through a self-hosted model server",
	Long: `lmdesk talks to an OpenAI-compatible inference server (vLLM, Ollama or
LM Studio) for streamed chat and table extraction from images.

Examples:
  lmdesk models --detect
  lmdesk chat --model llama3.1
  lmdesk ocr ./scans --xlsx tables.xlsx
  lmdesk serve`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("no-color") && !isTerminal(os.Stderr) {
			noColor = true
		}

		store = newStore()
		c, err := store.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}
		cfg = c
		slog.SetDefault(newLogger(os.Stderr, cfg.Log))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the lmdesk version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "lmdesk version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable coloured output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "settings file (default $XDG_CONFIG_HOME/lmdesk/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(chatCmd, ocrCmd, modelsCmd, serveCmd, configCmd, versionCmd)
}

func newLogger(w io.Writer, lc config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newInferenceClient() *inference.Client {
	return inference.New(inference.WithLogger(slog.Default()))
}
