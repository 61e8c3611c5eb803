// Peerconnection signaling server.
//
// Serves the sign_in / sign_out / wait / message long-polling protocol the
// WebRTC test page and pkg/peerconnection.Client speak. The browser tests
// expect it on :8888.
//
// Usage:
//
//	go run ./cmd/peerconnection-server
//	go run ./cmd/peerconnection-server --addr 127.0.0.1:9000 --log-level debug
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/thesyncim/browserfunc/internal/config"
	"github.com/thesyncim/browserfunc/internal/observability"
	"github.com/thesyncim/browserfunc/pkg/peerconnection"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	var v *viper.Viper

	cmd := &cobra.Command{
		Use:           "peerconnection-server",
		Short:         "Run the peerconnection signaling server used by the WebRTC tests.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			v, err = config.New(cfgFile)
			if err != nil {
				return err
			}
			return bindFlags(v, cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := observability.NewLogger(cfg.Logger)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return run(cmd.Context(), cfg.ServerConfig(), logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default is ./browserfunc.yaml)")
	flags.String("addr", peerconnection.DefaultAddr, "listen address")
	flags.Duration("wait-timeout", peerconnection.DefaultConfig().WaitTimeout, "how long a wait request is held open")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.String("log-format", "console", "console or json")
	return cmd
}

// bindFlags lets explicitly set flags win over the environment and the
// config file.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for key, flag := range map[string]string{
		"signaling.addr":         "addr",
		"signaling.wait_timeout": "wait-timeout",
		"logger.level":           "log-level",
		"logger.format":          "log-format",
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}
	return nil
}

func run(ctx context.Context, cfg peerconnection.Config, logger *zap.Logger) error {
	srv, err := peerconnection.NewServer(cfg, peerconnection.WithLogger(logger.Named("signaling")))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	addr, err := srv.Start()
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	logger.Info("peerconnection server listening", zap.String("addr", addr))

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("peerconnection server stopped")
	return nil
}
