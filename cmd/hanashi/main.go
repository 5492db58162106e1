package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/bdobrica/Hanashi/common/version"
	"github.com/bdobrica/Hanashi/internal/hanashi/app"
	"github.com/bdobrica/Hanashi/internal/hanashi/config"
	"github.com/bdobrica/Hanashi/internal/hanashi/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		envFile     string
		showVersion bool
		checkOnly   bool
	)
	flagSet := pflag.NewFlagSet("hanashi", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("HANASHI_CONFIG"), "path to the YAML configuration file (env: HANASHI_CONFIG)")
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the configuration, if present")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolVar(&checkOnly, "check", false, "validate the configuration and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("Hanashi %s\n", version.Info())
		return nil
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if checkOnly {
		fmt.Printf("configuration OK (context window %d tokens, %d reserved for the reply)\n",
			cfg.Context.MaxContextTokens, cfg.Context.ReservedForReply)
		return nil
	}

	observability.Setup(cfg.Log.Level, cfg.Log.Format)
	slog.Info("Hanashi starting",
		"version", version.Info(),
		"homeserver", cfg.Matrix.Homeserver,
		"user_id", cfg.Matrix.UserID,
		"access_token", observability.Mask(cfg.Matrix.AccessToken),
		"llm_base_url", cfg.LLM.BaseURL,
		"llm_model", cfg.LLM.Model,
		"llm_api_key", observability.Mask(cfg.LLM.APIKey),
		"estimator", cfg.Estimator.Kind,
	)

	hanashi, err := app.New(cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer func() {
		if err := hanashi.Close(); err != nil {
			slog.Warn("shutdown", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return hanashi.Run(ctx)
}
