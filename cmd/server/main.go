package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/rl1809/lot-ledger/internal/adapter/handler"
	"github.com/rl1809/lot-ledger/internal/adapter/storage"
	"github.com/rl1809/lot-ledger/internal/config"
	"github.com/rl1809/lot-ledger/internal/core/service"
	"github.com/rl1809/lot-ledger/internal/metrics"
	"github.com/rl1809/lot-ledger/internal/port"
)

// ledgerStore is what every storage driver provides to the server.
type ledgerStore interface {
	port.TxManager
	port.ProductCatalog
	CreateProduct(ctx context.Context, name string) (int64, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	log := config.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.StorageDriver, err)
	}
	log.WithField("driver", cfg.StorageDriver).Info("storage ready")

	// Initialize metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(metrics.New(reg)),
	}

	// Initialize Redis
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
		log.WithField("addr", cfg.RedisAddr).Info("connected to redis")

		redisAdapter := storage.NewRedisAdapter(rdb, cfg.LockTTL)
		opts = append(opts, service.WithKeyLocker(redisAdapter), service.WithIdempotency(redisAdapter))
	} else {
		log.Warn("REDIS_ADDR not set: using in-process lot locks, request ids are not deduplicated")
		opts = append(opts, service.WithKeyLocker(storage.NewLocalLocker()))
	}

	// Initialize service
	stockService := service.NewStockService(store, store, opts...)

	if cfg.SeedDemo {
		if err := seedDemo(ctx, store, stockService); err != nil {
			log.Fatalf("failed to seed demo data: %v", err)
		}
	}

	// Initialize gRPC server
	grpcServer := grpc.NewServer()
	handler.RegisterStockServiceServer(grpcServer, handler.NewGRPCHandler(stockService, log))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}

	go func() {
		log.Infof("gRPC server listening on %s", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Errorf("gRPC server error: %v", err)
		}
	}()

	// Initialize HTTP server
	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.Mount("/", handler.NewHTTPHandler(stockService, log).Routes())

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("HTTP server error: %v", err)
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	log.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP shutdown: %v", err)
	}
	log.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	log.Info("gRPC server stopped")

	// Close connections
	if rdb != nil {
		rdb.Close()
	}
	if err := closeStore(); err != nil {
		log.Errorf("close store: %v", err)
	}
	log.Info("connections closed")
}

func openStore(ctx context.Context, cfg config.Config) (ledgerStore, func() error, error) {
	switch cfg.StorageDriver {
	case config.DriverMySQL:
		store, err := storage.OpenMySQL(ctx, cfg.MySQLDSN, storage.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: 5 * time.Minute,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.DB().Close()
			return nil, nil, err
		}
		return store, store.DB().Close, nil

	case config.DriverSQLite:
		store, err := storage.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, store.DB().Close, nil

	default:
		return storage.NewMemoryAdapter(), func() error { return nil }, nil
	}
}

// seedDemo mirrors a fresh install: two products with 100 non-expiring units
// each. Skipped once the catalog has its first product.
func seedDemo(ctx context.Context, store ledgerStore, stocks *service.StockService) error {
	exists, err := store.ProductExists(ctx, 1)
	if err != nil || exists {
		return err
	}

	for _, name := range []string{"Product A", "Product B"} {
		id, err := store.CreateProduct(ctx, name)
		if err != nil {
			return err
		}
		if _, err := stocks.Inbound(ctx, service.InboundRequest{ProductID: id, Quantity: 100}); err != nil {
			return err
		}
	}
	return nil
}
