package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tasksync/internal/db"
	"tasksync/internal/engine"
	"tasksync/internal/migrate"
	"tasksync/internal/server"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference hub (REST API and websocket relay)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if log.GetLevel() < log.InfoLevel {
				log.SetLevel(log.InfoLevel)
			}
			logger := log.WithField("component", "serve")
			ctx := cmd.Context()

			conn, err := db.Open(db.Config{Path: cfg.Server.Database})
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.Migrate(ctx, conn)
			if err != nil {
				return err
			}
			logger.WithField("schema", version).Debug("database ready")

			var broker server.Broker = server.NewLocalBroker()
			if cfg.Server.RedisURL != "" {
				rb, err := server.NewRedisBroker(cfg.Server.RedisURL, cfg.Server.BrokerChannel, logger)
				if err != nil {
					return err
				}
				broker = rb
			}
			defer broker.Close()

			eng := engine.New(conn)
			hub := server.NewHub(eng, broker, logger)
			if err := hub.Start(ctx); err != nil {
				return err
			}
			defer hub.Close()

			handler, err := server.New(server.Config{
				Engine: eng,
				Hub:    hub,
				Auth:   server.AuthConfig{JWTSecret: cfg.Server.JWTSecret, Logger: logger},
				Logger: logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			logger.WithFields(log.Fields{"addr": cfg.Server.Addr, "redis": cfg.Server.RedisURL != ""}).Info("hub listening")

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			logger.Info("shutting down")
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
