package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/fuguesync/internal/httpapi"
	"github.com/agentworkforce/fuguesync/internal/tui"
)

const shutdownTimeout = 10 * time.Second

func newRunCommand(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync session and serve the control API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if addr != "" {
				cfg.HTTP.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := buildComponents(cfg, logger, false)
			if err != nil {
				return err
			}
			defer func() {
				if err := c.close(); err != nil {
					logger.Warn("close components", zap.Error(err))
				}
			}()
			if err := c.start(ctx); err != nil {
				return err
			}

			server := &http.Server{
				Addr: cfg.HTTP.Addr,
				Handler: httpapi.NewServerWithConfig(c.session, httpapi.ServerConfig{
					JWTSecret:       cfg.HTTP.JWTSecret,
					RateLimitMax:    cfg.HTTP.RateLimitMax,
					RateLimitWindow: cfg.HTTP.RateLimitWindow,
					MaxBodyBytes:    cfg.HTTP.MaxBodyBytes,
					Logger:          logger.Named("httpapi"),
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go pushLoop{
				target:   c.session,
				interval: cfg.Push.Interval,
				jitter:   cfg.Push.Jitter,
				timeout:  shutdownTimeout,
				logger:   logger.Named("push"),
			}.run(ctx)

			serveErr := make(chan error, 1)
			go func() {
				logger.Info("fugue-sync listening", zap.String("addr", cfg.HTTP.Addr), zap.String("clientId", c.session.ClientID()))
				serveErr <- server.ListenAndServe()
			}()

			select {
			case err := <-serveErr:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("serve control api: %w", err)
				}
				return nil
			case <-ctx.Done():
				logger.Info("shutting down", zap.Error(context.Cause(ctx)))
			case <-c.session.Done():
				logger.Info("session ended")
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "control API listen address (default from config)")
	return cmd
}

func newTUICommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Show sync status and resolve conflicts in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := root.load()
			if err != nil {
				return err
			}
			// The alternate screen owns stderr, so logs go to a file.
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return err
			}
			_, logger, err := root.load(filepath.Join(cfg.DataDir, "tui.log"))
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := buildComponents(cfg, logger, false)
			if err != nil {
				return err
			}
			defer func() {
				if err := c.close(); err != nil {
					logger.Warn("close components", zap.Error(err))
				}
			}()
			if err := c.start(ctx); err != nil {
				return err
			}
			return tui.Run(ctx, c.session)
		},
	}
}

func newPushCommand(root *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push writes left pending by a previous session and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			c, err := buildComponents(cfg, logger, true)
			if err != nil {
				return err
			}
			defer func() {
				if err := c.close(); err != nil {
					logger.Warn("close components", zap.Error(err))
				}
			}()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := c.start(ctx); err != nil {
				return err
			}
			result, pushErr := c.session.ForcePush(ctx)
			out := map[string]any{
				"result": result,
				"state":  c.session.State(),
			}
			if pushErr != nil {
				out["error"] = pushErr.Error()
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if pushErr != nil {
				return fmt.Errorf("push pending writes: %w", pushErr)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall push timeout")
	return cmd
}
