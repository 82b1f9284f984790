package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/lot-ledger/internal/adapter/storage"
	"github.com/rl1809/lot-ledger/internal/config"
	"github.com/rl1809/lot-ledger/internal/core/domain"
	"github.com/rl1809/lot-ledger/internal/core/service"
	"github.com/rl1809/lot-ledger/internal/port"
)

type ledgerStore interface {
	port.TxManager
	port.ProductCatalog
	CreateProduct(ctx context.Context, name string) (int64, error)
}

func main() {
	lots := flag.Int("lots", 4, "number of dated lots to stock")
	perLot := flag.Int("per-lot", 5, "units per lot")
	totalRequests := flag.Int("requests", 50, "concurrent outbound requests of one unit")
	maxAttempts := flag.Int("attempts", 10, "attempts per request on concurrent modification")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := config.NewLogger(cfg.LogLevel)
	ctx := context.Background()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.StorageDriver, err)
	}
	defer cleanup()

	opts := []service.Option{service.WithLogger(log)}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
		defer rdb.Close()
		redisAdapter := storage.NewRedisAdapter(rdb, cfg.LockTTL)
		opts = append(opts, service.WithKeyLocker(redisAdapter), service.WithIdempotency(redisAdapter))
	} else {
		opts = append(opts, service.WithKeyLocker(storage.NewLocalLocker()))
	}
	stockService := service.NewStockService(store, store, opts...)

	productID, err := store.CreateProduct(ctx, "stress-"+uuid.NewString())
	if err != nil {
		log.Fatalf("failed to create product: %v", err)
	}

	initialStock := 0
	for i := 0; i < *lots; i++ {
		exp := domain.DateOf(time.Now().UTC().AddDate(0, i+1, 0))
		if _, err := stockService.Inbound(ctx, service.InboundRequest{
			ProductID: productID, Quantity: *perLot, ExpirationDate: &exp,
		}); err != nil {
			log.Fatalf("failed to stock lot: %v", err)
		}
		initialStock += *perLot
	}

	// Counters
	var successCount, soldOutCount, conflictCount, errorCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			req := service.OutboundRequest{ProductID: productID, Quantity: 1, RequestID: uuid.NewString()}
			for attempt := 1; ; attempt++ {
				_, err := stockService.Outbound(ctx, req)
				switch {
				case err == nil:
					successCount.Add(1)
					return
				case errors.Is(err, service.ErrInsufficientStock):
					soldOutCount.Add(1)
					return
				case service.IsRetryable(err) && attempt < *maxAttempts:
					conflictCount.Add(1)
					continue
				default:
					errorCount.Add(1)
					log.WithError(err).Warn("outbound gave up")
					return
				}
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := int(successCount.Load())
	soldOut := int(soldOutCount.Load())
	expectedSuccess := min(initialStock, *totalRequests)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Storage:          %s\n", cfg.StorageDriver)
	fmt.Printf("Initial Stock:    %d (%d lots)\n", initialStock, *lots)
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Sold Out:         %d\n", soldOut)
	fmt.Printf("Conflict Retries: %d\n", conflictCount.Load())
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	failed := false
	if success == expectedSuccess && soldOut == *totalRequests-expectedSuccess {
		fmt.Printf("PASS: Exactly %d outbounds succeeded, %d sold out\n", success, soldOut)
	} else {
		fmt.Printf("FAIL: Expected %d success/%d sold out, got %d/%d\n",
			expectedSuccess, *totalRequests-expectedSuccess, success, soldOut)
		failed = true
	}

	// Verify final quantities
	page, err := stockService.PagedStock(ctx, productID, 1, 100)
	if err != nil {
		log.Fatalf("failed to read lots: %v", err)
	}
	remaining := 0
	for _, lot := range page.Data {
		remaining += lot.Quantity
	}
	fmt.Printf("Final Stock: %d\n", remaining)

	if remaining == initialStock-success {
		fmt.Printf("PASS: Stock went from %d to %d\n", initialStock, remaining)
	} else {
		fmt.Printf("FAIL: Expected stock %d, got %d\n", initialStock-success, remaining)
		failed = true
	}

	// Verify ledger
	reports, err := stockService.Reconcile(ctx, productID)
	if err != nil {
		log.Fatalf("failed to reconcile: %v", err)
	}
	for _, r := range reports {
		if !r.Consistent {
			fmt.Printf("FAIL: lot %s quantity %d, ledger %d\n", r.LotID, r.Quantity, r.In-r.Out)
			failed = true
		}
	}
	if !failed {
		fmt.Println("PASS: Every lot matches its movement ledger")
		return
	}
	cleanup()
	os.Exit(1)
}

// openStore falls back to a throwaway SQLite file when STORAGE_DRIVER is not mysql.
func openStore(ctx context.Context, cfg config.Config) (ledgerStore, func(), error) {
	switch cfg.StorageDriver {
	case config.DriverMySQL:
		store, err := storage.OpenMySQL(ctx, cfg.MySQLDSN, storage.PoolConfig{
			MaxOpenConns: cfg.DBMaxOpenConns,
			MaxIdleConns: cfg.DBMaxIdleConns,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		return store, func() { store.DB().Close() }, nil

	case config.DriverMemory:
		return storage.NewMemoryAdapter(), func() {}, nil

	default:
		dir, err := os.MkdirTemp("", "lotledger-stress")
		if err != nil {
			return nil, nil, err
		}
		store, err := storage.OpenSQLite(ctx, filepath.Join(dir, "stress.db"))
		if err != nil {
			os.RemoveAll(dir)
			return nil, nil, err
		}
		return store, func() {
			store.DB().Close()
			os.RemoveAll(dir)
		}, nil
	}
}
