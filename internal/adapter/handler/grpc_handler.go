package handler

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/lot-ledger/internal/core/domain"
	"github.com/rl1809/lot-ledger/internal/core/service"
)

type GRPCHandler struct {
	stocks StockService
	log    logrus.FieldLogger
}

var _ StockServiceServer = (*GRPCHandler)(nil)

func NewGRPCHandler(stocks StockService, log logrus.FieldLogger) *GRPCHandler {
	return &GRPCHandler{stocks: stocks, log: log}
}

func (h *GRPCHandler) Inbound(ctx context.Context, req *InboundRequest) (*InboundResponse, error) {
	if req.GetProductId() <= 0 {
		return nil, status.Error(codes.InvalidArgument, "product_id is required")
	}

	in := service.InboundRequest{
		ProductID: req.GetProductId(),
		Quantity:  int(req.GetQuantity()),
		RequestID: req.GetRequestId(),
	}
	if req.GetExpirationDate() != "" {
		exp, err := domain.ParseDate(req.GetExpirationDate())
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "expiration_date must be YYYY-MM-DD")
		}
		in.ExpirationDate = &exp
	}

	lot, err := h.stocks.Inbound(ctx, in)
	if err != nil {
		return nil, h.statusError(err)
	}
	return &InboundResponse{Lot: lot}, nil
}

func (h *GRPCHandler) Outbound(ctx context.Context, req *OutboundRequest) (*OutboundResponse, error) {
	if req.GetProductId() <= 0 {
		return nil, status.Error(codes.InvalidArgument, "product_id is required")
	}

	result, err := h.stocks.Outbound(ctx, service.OutboundRequest{
		ProductID: req.GetProductId(),
		Quantity:  int(req.GetQuantity()),
		RequestID: req.GetRequestId(),
	})
	if err != nil {
		return nil, h.statusError(err)
	}
	return &OutboundResponse{Success: result.Success, Allocations: result.Allocations}, nil
}

func (h *GRPCHandler) History(ctx context.Context, req *HistoryRequest) (*HistoryResponse, error) {
	if req.GetProductId() <= 0 {
		return nil, status.Error(codes.InvalidArgument, "product_id is required")
	}

	history, err := h.stocks.History(ctx, req.GetProductId())
	if err != nil {
		return nil, h.statusError(err)
	}
	if history == nil {
		history = []domain.MovementView{}
	}
	return &HistoryResponse{Movements: history}, nil
}

func (h *GRPCHandler) statusError(err error) error {
	switch {
	case service.IsNotFound(err):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, service.ErrInvalidQuantity), errors.Is(err, service.ErrExpiredLotRejected):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrDuplicateRequest):
		return status.Error(codes.AlreadyExists, err.Error())
	case service.IsRetryable(err):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, service.ErrInsufficientStock):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		h.log.WithError(err).Error("grpc request failed")
		return status.Error(codes.Internal, "internal error")
	}
}
