package service_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/lot-ledger/internal/adapter/storage"
	"github.com/rl1809/lot-ledger/internal/core/domain"
	"github.com/rl1809/lot-ledger/internal/core/service"
)

type testEnv struct {
	redis   *redis.Client
	cache   *storage.RedisAdapter
	db      *storage.SQLAdapter
	cleanup func()
}

func setupTestEnv(t *testing.T) *testEnv {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/lotledger"
	}

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	db, err := storage.OpenMySQL(ctx, mysqlDSN, storage.PoolConfig{MaxOpenConns: 20})
	if err != nil {
		rdb.Close()
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema setup failed: %v", err)
	}

	return &testEnv{
		redis: rdb,
		cache: storage.NewRedisAdapter(rdb, 5*time.Second),
		db:    db,
		cleanup: func() {
			rdb.Close()
			db.DB().Close()
		},
	}
}

func (e *testEnv) service() *service.StockService {
	return service.NewStockService(e.db, e.db,
		service.WithKeyLocker(e.cache),
		service.WithIdempotency(e.cache),
	)
}

func TestIntegration_ConcurrentOutboundDrainsLots(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	svc := env.service()

	productID, err := env.db.CreateProduct(ctx, "integration-"+uuid.NewString())
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	soon := domain.DateOf(time.Now().UTC().AddDate(0, 1, 0))
	later := domain.DateOf(time.Now().UTC().AddDate(0, 6, 0))
	for _, in := range []service.InboundRequest{
		{ProductID: productID, Quantity: 4, ExpirationDate: &soon},
		{ProductID: productID, Quantity: 3, ExpirationDate: &later},
		{ProductID: productID, Quantity: 3},
	} {
		if _, err := svc.Inbound(ctx, in); err != nil {
			t.Fatalf("inbound failed: %v", err)
		}
	}

	var successCount atomic.Int32
	var wg sync.WaitGroup
	totalRequests := 20

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := service.OutboundRequest{ProductID: productID, Quantity: 1, RequestID: uuid.NewString()}
			for attempt := 0; attempt < 20; attempt++ {
				_, err := svc.Outbound(ctx, req)
				if err == nil {
					successCount.Add(1)
					return
				}
				if !service.IsRetryable(err) {
					if !errors.Is(err, service.ErrInsufficientStock) {
						t.Errorf("outbound failed: %v", err)
					}
					return
				}
			}
		}()
	}
	wg.Wait()

	if successCount.Load() != 10 {
		t.Errorf("expected 10 successful outbounds, got %d", successCount.Load())
	}

	page, err := svc.PagedStock(ctx, productID, 1, 10)
	if err != nil {
		t.Fatalf("paged stock: %v", err)
	}
	for _, lot := range page.Data {
		if lot.Quantity != 0 {
			t.Errorf("lot %s: expected quantity 0, got %d", lot.ID, lot.Quantity)
		}
	}

	reports, err := svc.Reconcile(ctx, productID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	for _, r := range reports {
		if !r.Consistent {
			t.Errorf("lot %s: quantity %d does not match ledger %d", r.LotID, r.Quantity, r.In-r.Out)
		}
	}
}

func TestIntegration_ConcurrentInboundSameKey(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	svc := env.service()

	productID, err := env.db.CreateProduct(ctx, "integration-"+uuid.NewString())
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Inbound(ctx, service.InboundRequest{ProductID: productID, Quantity: 2}); err != nil {
				t.Errorf("inbound failed: %v", err)
			}
		}()
	}
	wg.Wait()

	page, err := svc.PagedStock(ctx, productID, 1, 10)
	if err != nil {
		t.Fatalf("paged stock: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected 1 lot, got %d", page.Total)
	}
	if page.Data[0].Quantity != 20 {
		t.Errorf("expected quantity 20, got %d", page.Data[0].Quantity)
	}
}

func TestIntegration_IdempotencyPreventsDoubleOutbound(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	ctx := context.Background()
	svc := env.service()
	requestID := "same-request-id-" + uuid.NewString()

	productID, err := env.db.CreateProduct(ctx, "integration-"+uuid.NewString())
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if _, err := svc.Inbound(ctx, service.InboundRequest{ProductID: productID, Quantity: 10}); err != nil {
		t.Fatalf("inbound failed: %v", err)
	}

	// First call
	if _, err := svc.Outbound(ctx, service.OutboundRequest{ProductID: productID, Quantity: 1, RequestID: requestID}); err != nil {
		t.Fatalf("first outbound failed: %v", err)
	}

	// Second call with same requestID
	_, err = svc.Outbound(ctx, service.OutboundRequest{ProductID: productID, Quantity: 1, RequestID: requestID})
	if !errors.Is(err, service.ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest, got: %v", err)
	}

	page, err := svc.PagedStock(ctx, productID, 1, 10)
	if err != nil {
		t.Fatalf("paged stock: %v", err)
	}
	if page.Data[0].Quantity != 9 {
		t.Errorf("expected quantity 9, got %d", page.Data[0].Quantity)
	}
}
