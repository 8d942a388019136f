package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/uptrace/bun"
	"google.golang.org/grpc"

	"salonavail/backend/internal/buffer"
	"salonavail/backend/internal/config"
	"salonavail/backend/internal/feed"
	"salonavail/backend/internal/service/availability"
	"salonavail/backend/internal/store"
	"salonavail/backend/internal/store/memory"
	"salonavail/backend/internal/store/postgres"
	grpcTransport "salonavail/backend/internal/transport/grpc"
	"salonavail/backend/internal/transport/rest"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With(
		slog.String("service", "salonavail-server"),
	)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})).With(
		slog.String("service", "salonavail-server"),
	)
	slog.SetDefault(log)

	log.Info("starting",
		slog.String("grpc_addr", cfg.GRPCAddr()),
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("store", string(cfg.StoreDriver)),
		slog.String("buffer_mode", string(cfg.BufferMode)),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		calendar  store.Calendar
		bufferOpt []buffer.Option
		db        *bun.DB
	)
	switch cfg.StoreDriver {
	case config.StorePostgres:
		log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
		openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		db, err = postgres.Open(openCtx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
		cancel()
		if err != nil {
			args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
			log.Error("database connection failed", args...)
			os.Exit(1)
		}
		calendar = postgres.NewAppointmentRepo(db)
		bufferOpt = append(bufferOpt, buffer.WithPersister(postgres.NewBufferPolicyRepo(db)))
	default:
		calendar = memory.NewIndex()
	}
	defer func() {
		if err := postgres.Close(db); err != nil {
			log.Warn("database close failed", slog.Any("err", err))
		}
	}()

	policies, err := buffer.NewStore(buffer.Minutes{Before: cfg.BufferBefore, After: cfg.BufferAfter}, cfg.BufferMode, bufferOpt...)
	if err != nil {
		log.Error("buffer policy init failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := policies.Load(ctx); err != nil {
		log.Error("buffer policy load failed", slog.Any("err", err))
		os.Exit(1)
	}

	svc := availability.NewService(calendar, policies,
		availability.WithLockTimeout(cfg.LockTimeout),
		availability.WithLogger(log),
	)

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(defaultRequestTimeoutInterceptor(cfg.GRPCRequestTimeout)),
	)
	grpcTransport.RegisterAvailabilityServiceServer(grpcServer, grpcTransport.NewAvailabilityServer(svc, log))

	lis, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		log.Error("grpc listen failed", slog.Any("err", err), slog.String("grpc_addr", cfg.GRPCAddr()))
		os.Exit(1)
	}

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: rest.NewRouter(svc, log, rest.RouterConfig{
			RateLimit: cfg.HTTPRateLimit,
			RateBurst: cfg.HTTPRateBurst,
		}),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info("grpc server started", slog.String("grpc_addr", cfg.GRPCAddr()))
	log.Info("http server started", slog.String("http_addr", cfg.HTTPAddr))

	var feedWG sync.WaitGroup
	if cfg.FeedEnabled() {
		consumer := feed.New(feed.Config{
			Brokers: cfg.FeedBrokers,
			Topic:   cfg.FeedTopic,
			GroupID: cfg.FeedGroupID,
		}, svc, log)
		feedWG.Add(1)
		go func() {
			defer feedWG.Done()
			consumer.Run(ctx)
		}()
		log.Info("status feed consumer started", slog.String("topic", cfg.FeedTopic), slog.Int("brokers", len(cfg.FeedBrokers)))
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("server stopped with error", slog.Any("err", err))
			exitCode = 1
		}
	}
	stop()

	shutdown(log, grpcServer, httpServer, cfg.ShutdownTimeout)
	feedWG.Wait()

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func defaultRequestTimeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ctx.Deadline(); ok {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(ctx, req)
	}
}

func shutdown(log *slog.Logger, s *grpc.Server, h *http.Server, timeout time.Duration) {
	log.Info("shutting down servers", slog.Duration("timeout", timeout))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := h.Shutdown(ctx); err != nil {
		log.Warn("http graceful shutdown failed", slog.Any("err", err))
	}

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("grpc server stopped")
	case <-ctx.Done():
		log.Warn("grpc graceful shutdown timed out; forcing stop")
		s.Stop()
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func databaseLogArgs(databaseURL string) []any {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return []any{slog.String("db_url", "invalid")}
	}
	name := strings.TrimPrefix(u.Path, "/")
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "default"
	}
	if host == "" {
		host = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return []any{
		slog.String("db_host", host),
		slog.String("db_port", port),
		slog.String("db_name", name),
	}
}
