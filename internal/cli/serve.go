package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/food-classifier/internal/config"
	"github.com/Brownie44l1/food-classifier/internal/handlers"
	"github.com/Brownie44l1/food-classifier/internal/logger"
	"github.com/Brownie44l1/food-classifier/internal/service"
)

func NewServeCommand(root *RootCommand) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the REST API server.

The model is loaded before the server starts listening. If loading fails
the server still starts and answers predictions with 503.`,
		Example: `  # Serve with the settings from a config file
  food-classifier serve --config food.toml

  # Serve on another address
  food-classifier serve --addr :7860`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), root.Config(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")

	return cmd
}

func newService(cfg *config.Config) (*service.Service, error) {
	load, err := cfg.LoadOptions()
	if err != nil {
		return nil, err
	}
	return service.New(service.Config{
		Load:      load,
		Defaults:  cfg.PredictOptions(),
		CacheSize: cfg.Model.CacheSize,
	})
}

func runServe(ctx context.Context, cfg *config.Config, addr string) error {
	listenAddr := cfg.API.ListenAddr
	if addr != "" {
		listenAddr = addr
	}

	svc, err := newService(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Init(ctx); err != nil {
		logger.Warn("starting without a model", "error", err)
	}

	router, err := handlers.NewHandler(svc, cfg.API.MaxUploadMB, handlers.WithMaxPixels(cfg.API.MaxImagePixels)).Router(handlers.RouterOptions{
		EnableCORS: cfg.API.EnableCORS,
		RateLimit:  cfg.API.RateLimit,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         listenAddr,
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeoutD,
		WriteTimeout: cfg.API.WriteTimeoutD,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", listenAddr, "version", cliVersion, "classes", len(svc.ListClasses()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
