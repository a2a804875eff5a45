package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"astral-proxy/internal/infra/config"
	"astral-proxy/internal/infra/logger"
	"astral-proxy/internal/infra/tracer"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// cli carries the global flags shared by every subcommand.
type cli struct {
	cfgFile string
}

// configPath resolves --config, then ASTRAL_CONFIG, then ./config.yaml.
func (c *cli) configPath() string {
	if c.cfgFile != "" {
		return c.cfgFile
	}
	if p := os.Getenv("ASTRAL_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "astral",
		Short: "Tag and stats proxy for the Astral backend",
		Long: `astral keeps one authenticated connection to the Astral backend, serves
player tags, ping and stats from a TTL cache, and exposes a local control
surface for status and lookups.

Environment: ASTRAL_* variables override config values; secrets prefixed
"enc:" are decrypted with ASTRAL_CONFIG_KEY. Send SIGHUP to reload the
credential and tag settings from disk.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(c.configPath())
		},
	}
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default $ASTRAL_CONFIG or ./config.yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Connect and serve (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(c.configPath())
			},
		},
		&cobra.Command{
			Use:   "lookup <player-uuid>",
			Short: "Print tags, ping and stats for one player",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runLookup(cmd.Context(), c.configPath(), args[0], cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "users",
			Short: "List the users in the current channel",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runUsers(cmd.Context(), c.configPath(), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "encrypt <value>",
			Short: "Encrypt a secret for config.yaml (needs ASTRAL_CONFIG_KEY)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runEncrypt(args[0], cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "doctor",
			Short: "Run health checks on your setup",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runDoctor(c.configPath(), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show the astral version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "astral version %s\n", version)
			},
		},
	)
	return root
}

func run(cfgPath string) error {
	// 1. Config
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Components
	a, err := newApp(cfgPath, cfg, log, appOptions{Scheduler: true, Control: true})
	if err != nil {
		return err
	}

	log.Info("astral starting", "version", version, "link", cfg.Link.URL, "control", cfg.Control.Enabled)
	a.start(ctx)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			a.close(shutdownCtx)
			cancel()
			return nil
		case <-hup:
			if err := a.reload(ctx, true); err != nil {
				log.Error("reload failed", "error", err)
				continue
			}
			log.Info("config reloaded")
		}
	}
}

// startOneShot builds a quiet app for a single CLI command and waits until
// the link is ready.
func startOneShot(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Link.Credential == "" {
		return nil, errors.New("link.credential is not set")
	}
	logCfg := cfg.Logger
	logCfg.Output = "stderr"
	if logCfg.Level == "info" || logCfg.Level == "" {
		logCfg.Level = "warn"
	}
	log, _, err := logger.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	a, err := newApp(cfgPath, cfg, log, appOptions{})
	if err != nil {
		return nil, err
	}
	a.start(ctx)
	if err := a.waitReady(ctx); err != nil {
		a.close(context.Background())
		return nil, err
	}
	return a, nil
}
