package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/lot-ledger/internal/core/domain"
	"github.com/rl1809/lot-ledger/internal/metrics"
	"github.com/rl1809/lot-ledger/internal/port"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
)

var tracer = otel.Tracer("github.com/rl1809/lot-ledger/internal/core/service")

type InboundRequest struct {
	ProductID      int64
	Quantity       int
	ExpirationDate *domain.Date
	RequestID      string // optional idempotency key
}

type OutboundRequest struct {
	ProductID int64
	Quantity  int
	RequestID string
}

// Allocation is the share of an outbound request taken from one lot.
type Allocation struct {
	LotID          string       `json:"lotId"`
	ExpirationDate *domain.Date `json:"expirationDate"`
	Quantity       int          `json:"quantity"`
}

type OutboundResult struct {
	Success     bool         `json:"success"`
	Allocations []Allocation `json:"allocations"`
}

// ReconcileReport compares a lot's quantity with the sum of its movements.
type ReconcileReport struct {
	LotID      string `json:"lotId"`
	Quantity   int    `json:"quantity"`
	In         int    `json:"in"`
	Out        int    `json:"out"`
	Consistent bool   `json:"consistent"`
}

// StockService owns every quantity change on lots. Each mutating call runs
// as one transaction that writes the lot rows and their movements together.
type StockService struct {
	catalog     port.ProductCatalog
	tx          port.TxManager
	locker      port.KeyLocker
	idempotency port.IdempotencyStore
	metrics     *metrics.Metrics
	log         logrus.FieldLogger
	now         func() time.Time
}

type Option func(*StockService)

// WithKeyLocker serializes inbound find-or-create per (product, expiration).
// Without one, a lost race surfaces as ErrLotKeyConflict.
func WithKeyLocker(l port.KeyLocker) Option {
	return func(s *StockService) { s.locker = l }
}

func WithIdempotency(store port.IdempotencyStore) Option {
	return func(s *StockService) { s.idempotency = store }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *StockService) { s.metrics = m }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *StockService) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the time source used for "today" and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *StockService) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStockService(catalog port.ProductCatalog, tx port.TxManager, opts ...Option) *StockService {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	s := &StockService{
		catalog: catalog,
		tx:      tx,
		log:     discard,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Inbound adds quantity to the lot keyed by (product, expiration), creating
// the lot on first receipt, and records an IN movement.
func (s *StockService) Inbound(ctx context.Context, req InboundRequest) (lot domain.Lot, err error) {
	ctx, span := tracer.Start(ctx, "StockService.Inbound", trace.WithAttributes(
		attribute.Int64("product.id", req.ProductID),
		attribute.Int("quantity", req.Quantity),
	))
	defer endSpan(span, &err)
	defer s.observe("inbound", time.Now())

	if req.Quantity <= 0 || req.Quantity > domain.MaxQuantity {
		return domain.Lot{}, ErrInvalidQuantity
	}
	if err := s.requireProduct(ctx, req.ProductID); err != nil {
		return domain.Lot{}, err
	}
	if req.ExpirationDate != nil && req.ExpirationDate.Before(s.today()) {
		return domain.Lot{}, fmt.Errorf("%w: %s", ErrExpiredLotRejected, req.ExpirationDate)
	}

	release, err := s.claimRequest(ctx, "in", req.RequestID)
	if err != nil {
		return domain.Lot{}, err
	}
	defer func() { release(err) }()

	key := domain.LotKey{ProductID: req.ProductID, Expiration: domain.ExpirationKey(req.ExpirationDate)}
	unlock, err := s.lockKey(ctx, key)
	if err != nil {
		return domain.Lot{}, err
	}
	defer unlock()

	err = s.tx.WithinTx(ctx, func(tx port.Tx) error {
		now := s.now().UTC()

		existing, err := tx.Lots().FindByKey(ctx, req.ProductID, req.ExpirationDate)
		if err != nil {
			return fmt.Errorf("find lot: %w", err)
		}

		if existing != nil {
			updated, err := tx.Lots().Increment(ctx, existing.ID, req.Quantity, now)
			if errors.Is(err, port.ErrQuantityOverflow) {
				return fmt.Errorf("%w: lot %s would exceed %d", ErrInvalidQuantity, existing.ID, domain.MaxQuantity)
			}
			if err != nil {
				return fmt.Errorf("increment lot %s: %w", existing.ID, err)
			}
			lot = *updated
		} else {
			lot = domain.Lot{
				ID:             uuid.NewString(),
				ProductID:      req.ProductID,
				ExpirationDate: req.ExpirationDate,
				Quantity:       req.Quantity,
				Version:        0,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.Lots().Create(ctx, lot); err != nil {
				if errors.Is(err, port.ErrDuplicateKey) {
					return ErrLotKeyConflict
				}
				return fmt.Errorf("create lot: %w", err)
			}
		}

		return s.record(ctx, tx, lot.ID, domain.MovementIn, req.Quantity, now)
	})
	if err != nil {
		s.logFailure("inbound", req.ProductID, req.Quantity, req.RequestID, err)
		return domain.Lot{}, err
	}

	s.metrics.ObserveMovement(string(domain.MovementIn), req.Quantity)
	s.log.WithFields(logrus.Fields{
		"product_id": req.ProductID,
		"lot_id":     lot.ID,
		"quantity":   req.Quantity,
		"expiration": domain.ExpirationKey(lot.ExpirationDate),
		"version":    lot.Version,
	}).Info("inbound committed")

	return lot, nil
}

// Outbound allocates quantity across the product's eligible lots in FEFO
// order. Either the full quantity is allocated or nothing is committed.
// Conflicts are returned, never retried here.
func (s *StockService) Outbound(ctx context.Context, req OutboundRequest) (result OutboundResult, err error) {
	ctx, span := tracer.Start(ctx, "StockService.Outbound", trace.WithAttributes(
		attribute.Int64("product.id", req.ProductID),
		attribute.Int("quantity", req.Quantity),
	))
	defer endSpan(span, &err)
	defer s.observe("outbound", time.Now())

	if req.Quantity <= 0 || req.Quantity > domain.MaxQuantity {
		return OutboundResult{}, ErrInvalidQuantity
	}
	if err := s.requireProduct(ctx, req.ProductID); err != nil {
		return OutboundResult{}, err
	}

	release, err := s.claimRequest(ctx, "out", req.RequestID)
	if err != nil {
		return OutboundResult{}, err
	}
	defer func() { release(err) }()

	var allocations []Allocation
	err = s.tx.WithinTx(ctx, func(tx port.Tx) error {
		allocations = allocations[:0]
		now := s.now().UTC()
		today := domain.DateOf(now)

		candidates, err := tx.Lots().ListAvailable(ctx, req.ProductID, today)
		if err != nil {
			return fmt.Errorf("list available lots: %w", err)
		}
		domain.SortFEFO(candidates)

		remaining := req.Quantity
		for _, selected := range candidates {
			if !selected.Eligible(today) {
				continue
			}
			used := min(remaining, selected.Quantity)

			current, err := tx.Lots().Get(ctx, selected.ID)
			if err != nil {
				return fmt.Errorf("reload lot %s: %w", selected.ID, err)
			}
			if current == nil || current.Version != selected.Version {
				return &ConflictError{LotID: selected.ID, Version: selected.Version}
			}

			next := *current
			next.Quantity -= used
			next.UpdatedAt = now
			if err := tx.Lots().CompareAndSwap(ctx, next, selected.Version); err != nil {
				if errors.Is(err, port.ErrOptimisticLock) {
					return &ConflictError{LotID: selected.ID, Version: selected.Version}
				}
				return fmt.Errorf("update lot %s: %w", selected.ID, err)
			}

			if err := s.record(ctx, tx, selected.ID, domain.MovementOut, used, now); err != nil {
				return err
			}
			allocations = append(allocations, Allocation{
				LotID:          selected.ID,
				ExpirationDate: selected.ExpirationDate,
				Quantity:       used,
			})

			remaining -= used
			if remaining == 0 {
				break
			}
		}

		if remaining > 0 {
			return &InsufficientStockError{
				ProductID: req.ProductID,
				Requested: req.Quantity,
				Available: req.Quantity - remaining,
			}
		}
		return nil
	})
	if err != nil {
		s.metrics.IncrementOutbound(outboundOutcome(err))
		s.logFailure("outbound", req.ProductID, req.Quantity, req.RequestID, err)
		return OutboundResult{}, err
	}

	s.metrics.IncrementOutbound("success")
	for _, a := range allocations {
		s.metrics.ObserveMovement(string(domain.MovementOut), a.Quantity)
	}
	s.log.WithFields(logrus.Fields{
		"product_id": req.ProductID,
		"quantity":   req.Quantity,
		"lots":       len(allocations),
	}).Info("outbound committed")

	return OutboundResult{Success: true, Allocations: allocations}, nil
}

// History returns the product's committed movements, most recent first.
func (s *StockService) History(ctx context.Context, productID int64) ([]domain.MovementView, error) {
	var views []domain.MovementView
	err := s.tx.WithinTx(ctx, func(tx port.Tx) error {
		var err error
		views, err = tx.Movements().ListByProduct(ctx, productID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return views, nil
}

// PagedStock lists one product's lots, soonest expiration first.
func (s *StockService) PagedStock(ctx context.Context, productID int64, page, limit int) (domain.Page[domain.Lot], error) {
	return s.paged(ctx, &productID, page, limit)
}

// PagedStocks lists lots across all products, soonest expiration first.
func (s *StockService) PagedStocks(ctx context.Context, page, limit int) (domain.Page[domain.Lot], error) {
	return s.paged(ctx, nil, page, limit)
}

func (s *StockService) paged(ctx context.Context, productID *int64, page, limit int) (domain.Page[domain.Lot], error) {
	page, limit = normalizePage(page, limit)

	var result domain.Page[domain.Lot]
	err := s.tx.WithinTx(ctx, func(tx port.Tx) error {
		lots, total, err := tx.Lots().ListPaged(ctx, productID, (page-1)*limit, limit)
		if err != nil {
			return err
		}
		result = domain.Page[domain.Lot]{Data: lots, Total: total}
		return nil
	})
	if err != nil {
		return domain.Page[domain.Lot]{}, fmt.Errorf("list lots: %w", err)
	}
	if result.Data == nil {
		result.Data = []domain.Lot{}
	}
	return result, nil
}

func (s *StockService) GetLot(ctx context.Context, lotID string) (domain.Lot, error) {
	var lot *domain.Lot
	err := s.tx.WithinTx(ctx, func(tx port.Tx) error {
		var err error
		lot, err = tx.Lots().Get(ctx, lotID)
		return err
	})
	if err != nil {
		return domain.Lot{}, fmt.Errorf("get lot: %w", err)
	}
	if lot == nil {
		return domain.Lot{}, ErrLotNotFound
	}
	return *lot, nil
}

// Reconcile recomputes every lot's balance from its movements and reports
// whether it matches the stored quantity.
func (s *StockService) Reconcile(ctx context.Context, productID int64) ([]ReconcileReport, error) {
	var reports []ReconcileReport
	err := s.tx.WithinTx(ctx, func(tx port.Tx) error {
		balances, err := tx.Movements().SumByLot(ctx, productID)
		if err != nil {
			return fmt.Errorf("sum movements: %w", err)
		}
		byLot := make(map[string]domain.LotBalance, len(balances))
		for _, b := range balances {
			byLot[b.LotID] = b
		}

		for offset := 0; ; offset += maxPageLimit {
			lots, total, err := tx.Lots().ListPaged(ctx, &productID, offset, maxPageLimit)
			if err != nil {
				return fmt.Errorf("list lots: %w", err)
			}
			for _, lot := range lots {
				b := byLot[lot.ID]
				reports = append(reports, ReconcileReport{
					LotID:      lot.ID,
					Quantity:   lot.Quantity,
					In:         b.In,
					Out:        b.Out,
					Consistent: b.Net() == lot.Quantity && lot.Quantity >= 0,
				})
			}
			if len(lots) == 0 || offset+len(lots) >= total {
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}

	for _, r := range reports {
		if !r.Consistent {
			s.log.WithFields(logrus.Fields{
				"product_id": productID,
				"lot_id":     r.LotID,
				"quantity":   r.Quantity,
				"ledger":     r.In - r.Out,
			}).Error("lot quantity does not match ledger")
		}
	}
	return reports, nil
}

func (s *StockService) record(ctx context.Context, tx port.Tx, lotID string, t domain.MovementType, quantity int, at time.Time) error {
	m := domain.Movement{
		ID:        uuid.NewString(),
		LotID:     lotID,
		Type:      t,
		Quantity:  quantity,
		CreatedAt: at,
	}
	if err := tx.Movements().Insert(ctx, m); err != nil {
		return fmt.Errorf("insert movement: %w", err)
	}
	return nil
}

func (s *StockService) requireProduct(ctx context.Context, productID int64) error {
	ok, err := s.catalog.ProductExists(ctx, productID)
	if err != nil {
		return fmt.Errorf("product lookup failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrProductNotFound, productID)
	}
	return nil
}

// claimRequest marks requestID as in flight. The returned func releases the
// claim when the operation fails so the caller may retry with the same id.
func (s *StockService) claimRequest(ctx context.Context, op, requestID string) (func(error), error) {
	if s.idempotency == nil || requestID == "" {
		return func(error) {}, nil
	}

	key := fmt.Sprintf("stock:%s:%s", op, requestID)
	ok, err := s.idempotency.SetIdempotency(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !ok {
		return nil, ErrDuplicateRequest
	}

	return func(opErr error) {
		if opErr == nil {
			return
		}
		if err := s.idempotency.ReleaseIdempotency(context.WithoutCancel(ctx), key); err != nil {
			s.log.WithError(err).WithField("request_id", requestID).Error("release idempotency key")
		}
	}, nil
}

func (s *StockService) lockKey(ctx context.Context, key domain.LotKey) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}

	name := fmt.Sprintf("lot:%d:%s", key.ProductID, key.Expiration)
	unlock, err := s.locker.Lock(ctx, name)
	if errors.Is(err, port.ErrLockNotObtained) {
		return nil, fmt.Errorf("lock %s: %w: %w", name, ErrConcurrentModification, err)
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	return func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.log.WithError(err).WithField("lock", name).Warn("release lot key lock")
		}
	}, nil
}

func (s *StockService) today() domain.Date {
	return domain.DateOf(s.now().UTC())
}

func (s *StockService) observe(op string, start time.Time) {
	s.metrics.ObserveLatency(op, time.Since(start))
}

func (s *StockService) logFailure(op string, productID int64, quantity int, requestID string, err error) {
	entry := s.log.WithFields(logrus.Fields{
		"op":         op,
		"product_id": productID,
		"quantity":   quantity,
		"request_id": requestID,
	}).WithError(err)

	switch {
	case IsRetryable(err), IsClientError(err):
		entry.Warn("stock movement rejected")
	default:
		entry.Error("stock movement failed")
	}
}

func outboundOutcome(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	default:
		return "error"
	}
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return page, limit
}

func endSpan(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}
