package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/claimpilot/claimpilot/internal/config"
	"github.com/claimpilot/claimpilot/internal/feedback"
	"github.com/claimpilot/claimpilot/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ClaimPilot HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}

	pipe, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}

	store, err := openFeedback(cfg)
	if err != nil {
		return fmt.Errorf("opening feedback store: %w", err)
	}
	defer store.Close()

	sweeper, err := feedback.NewSweeper(store, cfg.RetentionCron, cfg.FeedbackRetentionDays)
	if err != nil {
		return fmt.Errorf("scheduling feedback retention: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	srv := server.New(server.Config{
		Manager:   pipe.manager,
		Feedback:  store,
		Publisher: pipe.publisher,
		Version:   resolvedVersion(),
	})
	limiter := server.NewRateLimiter(cfg.GlobalRPM, cfg.CallerRPM)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("server_listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("server_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
