package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kite-server/internal/config"
	"kite-server/internal/events"
	"kite-server/internal/group"
	"kite-server/internal/handlers"
	"kite-server/internal/logging"
	"kite-server/internal/metrics"
	"kite-server/internal/middleware"
	"kite-server/internal/websocket"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		log, err := logging.New(conf.LogLevel, conf.LogFormat)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, conf, log)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		log, err := logging.New(conf.LogLevel, conf.LogFormat)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		b, err := openBackend(cmd.Context(), conf.Database, log)
		if err != nil {
			return err
		}
		b.close()
		log.Info("schema is up to date", zap.String("driver", conf.Database.Driver))
		return nil
	},
}

func serve(ctx context.Context, conf config.ServerConfig, log *zap.Logger) error {
	b, err := openBackend(ctx, conf.Database, log)
	if err != nil {
		return err
	}
	defer b.close()

	hub := websocket.NewHub(log.Named("ws"), conf.CORSOrigins...)
	go hub.Run(ctx)

	var notifier group.Notifier = hub
	if conf.Redis.Addr != "" {
		client, err := events.Connect(ctx, conf.Redis.Addr, conf.Redis.Password, conf.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()

		relay := events.NewRedisRelay(client, conf.Redis.Channel, hub, log.Named("relay"))
		if err := relay.Start(ctx); err != nil {
			return err
		}
		notifier = relay
	}

	svc := group.NewService(b.store,
		group.WithLogger(log.Named("group")),
		group.WithNotifier(notifier),
		group.WithMetrics(metrics.Recorder{}),
	)

	limits := middleware.NewRateLimitStore(conf.RateLimit.RequestsPerMinute, conf.RateLimit.Burst)
	go limits.Run(ctx.Done())

	srv := &http.Server{
		Addr: conf.Port,
		Handler: handlers.NewRouter(handlers.RouterConfig{
			Service:     svc,
			Hub:         hub,
			Auth:        middleware.NewAuthenticator(conf.Auth.JWTSecret, conf.Auth.Issuer),
			RateLimit:   limits,
			Log:         log.Named("http"),
			CORSOrigins: conf.CORSOrigins,
			Ping:        b.ping,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logConnectionInfo(log, conf)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func logConnectionInfo(log *zap.Logger, conf config.ServerConfig) {
	port := strings.TrimPrefix(conf.Port, ":")
	if i := strings.LastIndex(port, ":"); i >= 0 {
		port = port[i+1:]
	}

	urls := []string{"http://localhost:" + port}
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				urls = append(urls, "http://"+ipnet.IP.String()+":"+port)
			}
		}
	}
	log.Info("server listening",
		zap.String("name", conf.Name),
		zap.String("addr", conf.Port),
		zap.Strings("urls", urls),
		zap.Bool("redis_relay", conf.Redis.Addr != ""),
	)
}
