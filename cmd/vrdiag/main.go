package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"vrdiag/internal/app"
	"vrdiag/internal/config"
	"vrdiag/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		logrus.WithError(err).Fatal("vrdiag exited")
	}
}

type options struct {
	configPath string
	envFile    string
}

func parseFlags(args []string) (*options, error) {
	flags := flag.NewFlagSet("vrdiag", flag.ContinueOnError)
	opts := &options{}
	flags.StringVar(&opts.configPath, "config", "", "path to a JSON config file (default $VRDIAG_CONFIG_FILE)")
	flags.StringVar(&opts.envFile, "env", ".env", "dotenv file loaded before reading VRDIAG_* variables")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// loadEnv applies a dotenv file. A missing file is not an error.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func loadConfig(args []string) (*config.Config, error) {
	opts, err := parseFlags(args)
	if err != nil {
		return nil, err
	}
	if err := loadEnv(opts.envFile); err != nil {
		return nil, err
	}
	if opts.configPath == "" {
		opts.configPath = os.Getenv("VRDIAG_CONFIG_FILE")
	}
	return config.LoadConfigWithPrecedence(opts.configPath)
}

func run(args []string) error {
	// STEP 1: configuration (file > env > defaults)
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return fmt.Errorf("invalid log configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// STEP 2: component graph
	application, err := app.NewApplication(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	// STEP 3: serve until a signal arrives
	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return fmt.Errorf("application error: %w", err)
	}

	sig := <-signalCh
	logger.WithField("signal", sig.String()).Info("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
