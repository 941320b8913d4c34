package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qpoint/qpmsg/internal/client/api"
	"github.com/qpoint/qpmsg/internal/client/chat"
	"github.com/qpoint/qpmsg/internal/client/config"
	"github.com/qpoint/qpmsg/internal/client/debug"
	"github.com/qpoint/qpmsg/internal/client/identity"
	"github.com/qpoint/qpmsg/internal/client/metrics"
	"github.com/qpoint/qpmsg/internal/client/push"
	"github.com/qpoint/qpmsg/internal/client/session"
	"github.com/qpoint/qpmsg/internal/client/tui"
)

// bindConfig registers the flags that override environment configuration.
func bindConfig(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.PersistentFlags()
	f.StringVar(&cfg.APIURL, "api", cfg.APIURL, "message store origin")
	f.StringVar(&cfg.PushPath, "push-path", cfg.PushPath, "push endpoint path on the api origin")
	f.StringVar(&cfg.Profile, "profile", cfg.Profile, "session profile")
	f.BoolVar(&cfg.Debug, "debug", cfg.Debug, "write a debug log")
	f.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "debug log path")
	f.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "per-request REST timeout")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve prometheus metrics on this address")
}

var cfg = config.Load()

// RootCmd runs the interactive client.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qpmsg",
		Short: "Terminal client for private messaging",
		Long: `qpmsg shows your conversations and lets you chat with other users.
New messages arrive live over the push channel.

Run "qpmsg login --token <jwt>" once to store a credential.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return debug.Init(debug.Config{Enabled: cfg.Debug, Path: cfg.LogFile, Level: cfg.LogLevel})
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = debug.Sync()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd)
		},
	}
	bindConfig(cmd, cfg)
	return cmd
}

// apiURL prefers an explicit --api or QPMSG_API_URL over the origin stored with the session.
func apiURL(cmd *cobra.Command, s *session.Session) string {
	if cmd.Flags().Changed("api") || os.Getenv("QPMSG_API_URL") != "" || s == nil || s.APIURL == "" {
		return cfg.APIURL
	}
	return s.APIURL
}

func run(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := debug.L()

	s, err := session.Load(cfg.Profile)
	if err != nil {
		return err
	}
	cfg.APIURL = apiURL(cmd, s)

	store := api.New(cfg.APIURL, s.Token, api.WithTimeout(cfg.RequestTimeout), api.WithLogger(logger))

	resolveCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	principal, err := identity.Resolve(resolveCtx, s.Token, store)
	cancel()
	if err != nil {
		if api.Unauthorized(err) {
			return fmt.Errorf("stored credential was rejected, run `qpmsg login` again: %w", err)
		}
		return fmt.Errorf("resolve identity: %w", err)
	}
	logger.Info("signed in", zap.Int64("user_id", principal.ID), zap.String("username", principal.Username))

	pushURL, err := cfg.PushURL()
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	messenger := chat.NewMessenger(chat.MessengerOptions{
		Principal: principal,
		Store:     store,
		Push: push.New(push.Options{
			URL:              pushURL,
			Token:            s.Token,
			HandshakeTimeout: cfg.RequestTimeout,
			Logger:           logger,
		}),
		Logger: logger,
	})
	messenger.Start(ctx)
	defer messenger.Close()

	p := tea.NewProgram(tui.New(ctx, messenger), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}

// LoginCmd stores a credential for the active profile.
func LoginCmd() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an access token for this profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return errors.New("--token is required")
			}
			ctx, cancel := context.WithTimeout(contextOf(cmd), cfg.RequestTimeout)
			defer cancel()

			store := api.New(cfg.APIURL, token, api.WithTimeout(cfg.RequestTimeout), api.WithLogger(debug.L()))
			principal, err := identity.Resolve(ctx, token, store)
			if err != nil {
				return fmt.Errorf("token rejected: %w", err)
			}
			if err := session.Save(cfg.Profile, session.Session{APIURL: cfg.APIURL, Token: token}); err != nil {
				return fmt.Errorf("save session: %w", err)
			}
			fmt.Printf("Logged in as %s (profile %s)\n", principal.Name(), cfg.Profile)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token issued by the message store")
	return cmd
}

// LogoutCmd removes the stored credential.
func LogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := session.Clear(cfg.Profile); err != nil {
				return err
			}
			fmt.Printf("Logged out of profile %s\n", cfg.Profile)
			return nil
		},
	}
}

// WhoamiCmd prints the identity behind the stored credential.
func WhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := session.Load(cfg.Profile)
			if err != nil {
				return err
			}
			origin := apiURL(cmd, s)
			ctx, cancel := context.WithTimeout(contextOf(cmd), cfg.RequestTimeout)
			defer cancel()

			store := api.New(origin, s.Token, api.WithTimeout(cfg.RequestTimeout))
			principal, err := identity.Resolve(ctx, s.Token, store)
			if err != nil {
				return err
			}
			fmt.Printf("%s (id %d, @%s) on %s\n", principal.Name(), principal.ID, principal.Username, origin)
			if claims, err := identity.ParseClaims(s.Token); err == nil && claims.ExpiresAt != nil {
				fmt.Printf("token expires %s\n", claims.ExpiresAt.Time.Local().Format(time.RFC1123))
			}
			return nil
		},
	}
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
