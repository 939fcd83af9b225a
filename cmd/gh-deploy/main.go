package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/kehao95/gh-deploy/internal/client"
	"github.com/kehao95/gh-deploy/internal/config"
	"github.com/kehao95/gh-deploy/internal/deploy"
	"github.com/kehao95/gh-deploy/internal/eventlog"
	"github.com/kehao95/gh-deploy/internal/server"
	"github.com/kehao95/gh-deploy/internal/webhook"
)

type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit with code %d", e.code)
}

func (e exitError) ExitCode() int {
	return e.code
}

func runWithSignals(run func(context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx)
	}()

	select {
	case sig := <-sigCh:
		cancel()
		_ = <-errCh
		if sig == os.Interrupt {
			return exitError{code: 130}
		}
		return exitError{code: 143}
	case err := <-errCh:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

type serveFlags struct {
	port          int
	repoPath      string
	branch        string
	logFile       string
	deployTimeout time.Duration
}

func (f *serveFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.IntVar(&f.port, "port", config.DefaultPort, "Port to listen on (env PORT)")
	flags.StringVar(&f.repoPath, "repo-path", config.DefaultRepoPath, "Repository to update (env REPO_PATH)")
	flags.StringVar(&f.branch, "branch", config.DefaultDeployBranch, "Branch whose pushes deploy (env DEPLOY_BRANCH)")
	flags.StringVar(&f.logFile, "log-file", config.DefaultLogFile, "Audit log file (env LOG_FILE)")
	flags.DurationVar(&f.deployTimeout, "deploy-timeout", config.DefaultDeployTimeout, "Deploy time limit (env DEPLOY_TIMEOUT)")
}

// apply overrides cfg with the flags given on the command line.
func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = f.port
	}
	if flags.Changed("repo-path") {
		cfg.RepoPath = f.repoPath
	}
	if flags.Changed("branch") {
		cfg.DeployBranch = f.branch
	}
	if flags.Changed("log-file") {
		cfg.LogFile = f.logFile
	}
	if flags.Changed("deploy-timeout") {
		cfg.DeployTimeout = f.deployTimeout
	}
}

// resolveConfig layers flags over the environment and validates the result.
func (f *serveFlags) resolveConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	f.apply(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.InsecureSecret() {
		logger.Warn("GITHUB_WEBHOOK_SECRET is unset; using the insecure default secret")
	}

	events, err := eventlog.Open(cfg.LogFile, logger)
	if err != nil {
		return err
	}
	defer events.Close()

	executor := deploy.NewExecutor(deploy.Config{
		Remote:  cfg.DeployRemote,
		Branch:  cfg.DeployBranch,
		Timeout: cfg.DeployTimeout,
		Logger:  logger,
	})
	handler := webhook.NewHandler(webhook.Options{
		Secret:       cfg.WebhookSecret,
		DeployBranch: cfg.DeployBranch,
		RepoPath:     cfg.RepoPath,
		Logger:       logger,
	}, executor, events)

	srv := server.New(handler, events, server.Options{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		// Let a running deploy finish before the process exits.
		ShutdownTimeout: cfg.DeployTimeout + server.DefaultShutdownTimeout,
		Logger:          logger,
	})

	logger.Info("starting webhook receiver",
		"port", cfg.Port, "repo_path", cfg.RepoPath, "branch", cfg.DeployBranch, "log_file", cfg.LogFile)
	return srv.Run(ctx)
}

func main() {
	var verbose bool
	logger := slog.Default()

	rootCmd := &cobra.Command{
		Use:           "gh-deploy",
		Short:         "Deploy a repository on authenticated GitHub push webhooks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.DateTime}))
			slog.SetDefault(logger)
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	var sf serveFlags
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := sf.resolveConfig(cmd)
			if err != nil {
				return err
			}

			return runWithSignals(func(ctx context.Context) error {
				return serve(ctx, cfg, logger)
			})
		},
	}
	sf.register(serveCmd)

	var tail client.Config
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the audit log of a running receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			tail.Out = cmd.OutOrStdout()
			tail.Logger = logger
			return runWithSignals(func(ctx context.Context) error {
				return client.Run(ctx, tail)
			})
		},
	}
	tailCmd.Flags().StringVar(&tail.ServerURL, "server", fmt.Sprintf("ws://localhost:%d/ws", config.DefaultPort), "WebSocket stream URL")
	tailCmd.Flags().StringArrayVar(&tail.Events, "event", nil, "Only show entries for these GitHub event types")
	tailCmd.Flags().BoolVar(&tail.JSON, "json", false, "Print raw JSON messages")
	tailCmd.Flags().StringVar(&tail.Until, "until", "", "Exit 0 at the first line containing this text")
	tailCmd.Flags().StringVar(&tail.FailOn, "fail-on", "", "Exit 1 at the first line containing this text")
	tailCmd.Flags().DurationVar(&tail.Timeout, "timeout", 0, "Exit 124 after this long")

	rootCmd.AddCommand(serveCmd, tailCmd)

	if err := rootCmd.Execute(); err != nil {
		var exitErr interface{ ExitCode() int }
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		logger.Error("command failed", "err", err)
		os.Exit(1)
	}
}
