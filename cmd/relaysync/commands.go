package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/agentworkforce/relaysync/internal/localstore"
	"github.com/agentworkforce/relaysync/internal/outbox"
	"github.com/spf13/cobra"
)

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			a, err := loadApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			passCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
			defer cancel()
			if err := a.engine.SyncNow(passCtx); err != nil {
				return err
			}
			return printStatus(passCtx, cmd.OutOrStdout(), a)
		},
	}
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background sync loop and the local HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			a, err := loadApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			server := &http.Server{
				Addr: a.cfg.HTTPAddr,
				Handler: httpapi.NewServer(a.engine, httpapi.ServerConfig{
					JWTSecret:       a.cfg.JWTSecret,
					RateLimitMax:    a.cfg.RateLimitMax,
					RateLimitWindow: a.cfg.RateLimitWindow,
					MaxBodyBytes:    a.cfg.MaxBodyBytes,
					ExposeMetrics:   a.cfg.MetricsAddr == "",
					OriginPatterns:  a.cfg.AllowedOrigins,
					Logger:          a.logger,
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}
			serverErr := make(chan error, 1)
			go func() {
				a.logger.Info().Str("addr", a.cfg.HTTPAddr).Msg("relaysync api listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
				close(serverErr)
			}()

			loopDone := make(chan struct{})
			go func() {
				defer close(loopDone)
				_ = a.engine.Run(ctx, a.cfg.Interval, a.cfg.IntervalJitter)
			}()

			var runErr error
			select {
			case <-ctx.Done():
			case runErr = <-serverErr:
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
			stop()
			<-loopDone
			return runErr
		},
	}
	cmd.Flags().String(flagName(config.KeyHTTPAddr), "", "listen address for the local API")
	cmd.Flags().Duration(flagName(config.KeyInterval), 0, "sync interval")
	cmd.Flags().Float64(flagName(config.KeyIntervalJitter), 0, "sync interval jitter ratio (0.0-1.0)")
	return cmd
}

func newEnqueueCommand(opts *rootOptions) *cobra.Command {
	var syncAfter bool
	cmd := &cobra.Command{
		Use:   "enqueue <kind> <json>",
		Short: "Queue a local mutation",
		Long: `Queue a mutation, apply it to the local store and optionally commit it.

Kinds: device.rename, device.retire, device.sync, group.addMember, group.removeMember

Example:
  relaysync enqueue device.rename '{"deviceId":"d1","deviceName":"kiosk-7"}' --sync`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			a, err := loadApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			m, err := a.engine.Enqueue(ctx, outbox.Kind(args[0]), json.RawMessage(args[1]))
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), m); err != nil {
				return err
			}
			if !syncAfter {
				return nil
			}
			passCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
			defer cancel()
			return a.engine.SyncNow(passCtx)
		},
	}
	cmd.Flags().BoolVar(&syncAfter, "sync", false, "run a sync pass after queueing")
	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print operation progress and pending mutations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close(context.Background())
			return printStatus(cmd.Context(), cmd.OutOrStdout(), a)
		},
	}
}

func newLoginCommand(opts *rootOptions) *cobra.Command {
	var (
		accessToken string
		expiresIn   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a remote access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if accessToken == "" {
				return errors.New("--access-token is required")
			}
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close(context.Background())
			cred := localstore.Credential{AccessToken: accessToken}
			if expiresIn > 0 {
				cred.ExpiresAt = time.Now().Add(expiresIn).Unix()
			}
			if err := localstore.PutKV(cmd.Context(), a.engine.Store(), localstore.KeyCredential, cred); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "credential stored")
			return nil
		},
	}
	cmd.Flags().StringVar(&accessToken, "access-token", "", "bearer token for the remote API")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "token lifetime, informational")
	return cmd
}

func newLogoutCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored credential and profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.close(context.Background())
			if err := a.engine.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the local API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.v)
			if err != nil {
				return err
			}
			token, err := httpapi.IssueToken(cfg.JWTSecret, subject, scopes, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-ui", "token subject, used for rate limiting")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{httpapi.ScopeRead, httpapi.ScopeWrite}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func printStatus(ctx context.Context, out io.Writer, a *app) error {
	status, err := a.engine.Status(ctx)
	if err != nil {
		return err
	}
	return writeJSON(out, status)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
