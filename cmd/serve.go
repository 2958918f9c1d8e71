package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/CrowderSoup/boardsync/database"
	"github.com/CrowderSoup/boardsync/handlers"
	"github.com/CrowderSoup/boardsync/services"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference records backend",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address")
	serveCmd.Flags().String("db", "", "SQLite database path")
	serveCmd.Flags().Bool("no-seed", false, "do not seed an empty database with demo data")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("server.db_path", serveCmd.Flags().Lookup("db"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if noSeed, _ := cmd.Flags().GetBool("no-seed"); noSeed {
		cfg.Server.Seed = false
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret must be set (BOARDSYNC_AUTH_JWT_SECRET)")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := database.Open(cfg.Server.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Server.Seed {
		if _, err := store.SeedDemo(ctx); err != nil {
			return err
		}
	}

	authService, err := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	hub := services.NewHub(logger)
	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	boardHandler := handlers.NewBoardHandler(store, hub, cfg.Server.AllowedOrigins, logger)
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handlers.NewRouter(authService, boardHandler, cfg.Server.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Server.Addr).Info("Server starting")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		stop()
		<-hubDone
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	<-hubDone
	return err
}
