package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qpoint/qpmsg/internal/devserver"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func rootCmd() *cobra.Command {
	var (
		port     string
		dbURL    string
		secret   string
		tokenTTL time.Duration
		maxConns int
		logins   int
		seed     bool
	)

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Development message store for qpmsg",
		Long: `devserver serves the REST API and the STOMP push channel the qpmsg client talks to.
It keeps data in memory unless a PostgreSQL connection string is given.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var store devserver.Store
			if dbURL != "" {
				pg, err := devserver.NewPostgresStore(ctx, dbURL)
				if err != nil {
					return fmt.Errorf("connect database: %w", err)
				}
				logger.Info("Connected to PostgreSQL")
				store = pg
			} else {
				logger.Info("Using in-memory store")
				store = devserver.NewMemoryStore()
			}

			srv := devserver.New(devserver.Options{
				Store:           store,
				Secret:          secret,
				TokenTTL:        tokenTTL,
				MaxConnsPerIP:   maxConns,
				LoginsPerMinute: logins,
				Logger:          logger,
			})
			defer srv.Close()

			if seed {
				if _, err := devserver.Seed(ctx, store, devserver.DefaultSeed); err != nil {
					logger.Warn("seeding skipped", zap.Error(err))
				}
				printTokens(ctx, srv)
			}

			httpSrv := &http.Server{
				Addr:              ":" + port,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("Server starting", zap.String("port", port))
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&port, "port", envString("PORT", "8080"), "listen port")
	f.StringVar(&dbURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string; memory store when empty")
	f.StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "token signing secret")
	f.DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of issued tokens")
	f.IntVar(&maxConns, "max-conns-per-ip", envInt("MAX_CONNECTIONS_PER_IP", 10), "concurrent push connections per client ip")
	f.IntVar(&logins, "logins-per-minute", envInt("AUTH_ATTEMPTS_PER_MIN", 5), "login attempts per client ip per minute")
	f.BoolVar(&seed, "seed", true, "create the alice/bob/carol fixture accounts and print their tokens")
	return cmd
}

func printTokens(ctx context.Context, srv *devserver.Server) {
	fmt.Println("Development accounts:")
	for _, su := range devserver.DefaultSeed {
		u, err := srv.Store().UserByUsername(ctx, su.Username)
		if err != nil {
			continue
		}
		tok, err := srv.Auth().Issue(u)
		if err != nil {
			continue
		}
		fmt.Printf("  %-6s id=%d\n    qpmsg login --token %s\n", u.Username, u.ID, tok)
	}
}
