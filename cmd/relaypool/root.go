package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"relaypool/internal/config"
	"relaypool/internal/pool"
	"relaypool/internal/server"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "relaypool",
	Short: "Talk to many nostr relays at once",
	Long:  `relaypool keeps connections to a set of nostr relays, streams deduplicated events from them and publishes events to them.`,
	Example: `
  relaypool stream --relay relay.damus.io --relay nos.lol --kind 1 --limit 20
  relaypool publish --sec $NOSTR_SECRET --content "hello"
  relaypool relays --config relays.yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		flags := cmd.Flags()
		if flags.Changed("log-level") {
			cfg.LogLevel, _ = flags.GetString("log-level")
		}
		if flags.Changed("log-file") {
			cfg.LogFile, _ = flags.GetString("log-file")
		}
		if flags.Changed("metrics-addr") {
			cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
		}
		if flags.Changed("verify") {
			cfg.VerifySignatures, _ = flags.GetBool("verify")
		}
		if flags.Changed("relay") {
			urls, _ := flags.GetStringSlice("relay")
			for _, u := range urls {
				cfg.Relays = append(cfg.Relays, config.RelayConfig{URL: u})
			}
		}
		if err := config.Validate(cfg); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger = setupLogger(cfg)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringSliceP("relay", "r", nil, "relay url, repeatable; added to the configured relays")
	rootCmd.PersistentFlags().String("log-level", config.DefaultLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "write JSON logs to this rotating file instead of stderr")
	rootCmd.PersistentFlags().String("metrics-addr", "", "serve /metrics, /healthz and /relays on this address")
	rootCmd.PersistentFlags().Bool("verify", false, "drop events with an invalid id or signature")

	rootCmd.AddCommand(streamCmd, publishCmd, relaysCmd, versionCmd)
}

// setupLogger configures the zerolog logger
func setupLogger(cfg *config.Config) zerolog.Logger {
	var logLevel zerolog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		return zerolog.New(file).With().Timestamp().Logger()
	}

	// stdout carries command output
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}

// session is a connected pool plus the optional observability server
type session struct {
	pool   *pool.Pool
	server *server.Server
}

func openSession(ctx context.Context, opts ...pool.Option) (*session, error) {
	if len(cfg.Relays) == 0 {
		return nil, errors.New("no relays configured; pass --relay or set relays in the config file")
	}

	p, err := pool.NewFromConfig(cfg, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	s := &session{pool: p}

	if cfg.MetricsAddr != "" {
		s.server = server.New(cfg.MetricsAddr, p, logger)
		if err := s.server.Start(); err != nil {
			p.Close()
			return nil, err
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.GetDialTimeoutDuration())
	defer cancel()
	if err := p.WaitForConnection(waitCtx); err != nil {
		logger.Warn().Err(err).Msg("no relay connected yet, continuing")
	}
	return s, nil
}

func (s *session) Close() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("error during shutdown")
		}
	}
	s.pool.Close()
}
