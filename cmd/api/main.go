// UCP Engine
//
// This is the main entry point for the commerce protocol service.
// It wires up all dependencies and starts the HTTP server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/itayshmool/ucp-engine/config"
	"github.com/itayshmool/ucp-engine/internal/api"
	"github.com/itayshmool/ucp-engine/internal/logging"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "ucp-engine",
		Short:   "UCP commerce transaction engine",
		Version: Version,
		RunE:    runServe,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(handlersCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		RunE:  runServe,
	}
}

func profileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Print the business capability profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			return printJSON(map[string]any{
				"name":         a.profile.Name,
				"capabilities": a.caps.List(),
			})
		},
	}
}

func handlersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handlers",
		Short: "Print the payment handler catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			return printJSON(a.handlers.List(!all))
		},
	}
	cmd.Flags().BoolP("all", "a", false, "Include disabled handlers")
	return cmd
}

func loadApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	log := logging.New("error", cfg.Log.Format)
	if ctx == nil {
		ctx = context.Background()
	}
	return buildApp(ctx, cfg, log)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg := config.Load()
	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	log.WithField("version", Version).Info("Starting UCP engine...")

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if cfg.Security.PlatformJWTSecret == "" {
		log.Warn("PLATFORM_JWT_SECRET not set, platform authentication disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()
	if a.sweeper != nil {
		a.sweeper.Start()
	}

	router := api.SetupRouter(a.handler, api.RouterConfig{
		GinMode:           cfg.Server.GinMode,
		PlatformJWTSecret: cfg.Security.PlatformJWTSecret,
		RateLimitRPS:      cfg.Security.RateLimitRPS,
		RateLimitBurst:    cfg.Security.RateLimitBurst,
		Metrics:           a.metrics,
		Log:               log,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("Server stopped")
	return nil
}
