package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/lot-ledger/internal/core/domain"
	"github.com/rl1809/lot-ledger/internal/core/service"
)

// StockService is the slice of the core the transports call.
type StockService interface {
	Inbound(ctx context.Context, req service.InboundRequest) (domain.Lot, error)
	Outbound(ctx context.Context, req service.OutboundRequest) (service.OutboundResult, error)
	History(ctx context.Context, productID int64) ([]domain.MovementView, error)
	PagedStock(ctx context.Context, productID int64, page, limit int) (domain.Page[domain.Lot], error)
	PagedStocks(ctx context.Context, page, limit int) (domain.Page[domain.Lot], error)
	GetLot(ctx context.Context, lotID string) (domain.Lot, error)
	Reconcile(ctx context.Context, productID int64) ([]service.ReconcileReport, error)
}

type HTTPHandler struct {
	stocks   StockService
	validate *validator.Validate
	log      logrus.FieldLogger
}

type InboundHTTPRequest struct {
	RequestID      string `json:"requestId" validate:"omitempty,max=64"`
	ProductID      int64  `json:"productId" validate:"required,gt=0"`
	Quantity       int    `json:"quantity" validate:"required,gt=0,max=2147483647"`
	ExpirationDate string `json:"expirationDate" validate:"omitempty,datetime=2006-01-02"`
}

type OutboundHTTPRequest struct {
	RequestID string `json:"requestId" validate:"omitempty,max=64"`
	ProductID int64  `json:"productId" validate:"required,gt=0"`
	Quantity  int    `json:"quantity" validate:"required,gt=0,max=2147483647"`
}

type HTTPResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type HTTPErrorResponse struct {
	Success    bool              `json:"success"`
	Message    string            `json:"message"`
	StatusCode int               `json:"statusCode"`
	Fields     map[string]string `json:"fields,omitempty"`
}

func NewHTTPHandler(stocks StockService, log logrus.FieldLogger) *HTTPHandler {
	return &HTTPHandler{
		stocks:   stocks,
		validate: validator.New(),
		log:      log,
	}
}

// Routes mounts the stock API on a chi router. /metrics is added by the caller.
func (h *HTTPHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: h.log, NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "Idempotency-Key"},
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/stocks", func(r chi.Router) {
			r.Post("/in", h.Inbound)
			r.Post("/out", h.Outbound)
			r.Get("/history", h.History)
			r.Get("/", h.PagedStock)
			r.Get("/all", h.PagedStocks)
			r.Get("/reconcile", h.Reconcile)
		})
		r.Get("/lots/{id}", h.GetLot)
	})

	return r
}

func (h *HTTPHandler) Inbound(w http.ResponseWriter, r *http.Request) {
	var req InboundHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := service.InboundRequest{
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		RequestID: requestID(r, req.RequestID),
	}
	if req.ExpirationDate != "" {
		exp, err := domain.ParseDate(req.ExpirationDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid expirationDate", nil)
			return
		}
		in.ExpirationDate = &exp
	}

	lot, err := h.stocks.Inbound(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, HTTPResponse{
		Success: true,
		Message: "stock received",
		Data:    lot,
	})
}

func (h *HTTPHandler) Outbound(w http.ResponseWriter, r *http.Request) {
	var req OutboundHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.stocks.Outbound(r.Context(), service.OutboundRequest{
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		RequestID: requestID(r, req.RequestID),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, HTTPResponse{
		Success: result.Success,
		Message: "stock released",
		Data:    result,
	})
}

func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}

	history, err := h.stocks.History(r.Context(), productID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if history == nil {
		history = []domain.MovementView{}
	}

	writeJSON(w, http.StatusOK, HTTPResponse{Success: true, Data: history})
}

func (h *HTTPHandler) PagedStock(w http.ResponseWriter, r *http.Request) {
	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}
	page, limit := pageParams(r)

	result, err := h.stocks.PagedStock(r.Context(), productID, page, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, HTTPResponse{Success: true, Data: result})
}

func (h *HTTPHandler) PagedStocks(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r)

	result, err := h.stocks.PagedStocks(r.Context(), page, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, HTTPResponse{Success: true, Data: result})
}

func (h *HTTPHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}

	reports, err := h.stocks.Reconcile(r.Context(), productID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if reports == nil {
		reports = []service.ReconcileReport{}
	}

	consistent := true
	for _, report := range reports {
		consistent = consistent && report.Consistent
	}
	writeJSON(w, http.StatusOK, HTTPResponse{Success: consistent, Data: reports})
}

func (h *HTTPHandler) GetLot(w http.ResponseWriter, r *http.Request) {
	lot, err := h.stocks.GetLot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, HTTPResponse{Success: true, Data: lot})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			writeError(w, http.StatusBadRequest, "missing or invalid fields", fields)
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return false
	}
	return true
}

func (h *HTTPHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	message := err.Error()

	if status == http.StatusInternalServerError {
		h.log.WithError(err).WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).Error("request failed")
		message = "internal error"
	}

	writeError(w, status, message, nil)
}

func httpStatus(err error) int {
	switch {
	case service.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidQuantity), errors.Is(err, service.ErrExpiredLotRejected):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrDuplicateRequest), service.IsRetryable(err):
		return http.StatusConflict
	case errors.Is(err, service.ErrInsufficientStock):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// requestID prefers the body field and falls back to the Idempotency-Key header.
func requestID(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return r.Header.Get("Idempotency-Key")
}

func productIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get("productId"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "productId must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

// pageParams leaves malformed values at zero; the service applies defaults.
func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return page, limit
}

func writeError(w http.ResponseWriter, status int, message string, fields map[string]string) {
	writeJSON(w, status, HTTPErrorResponse{
		Success:    false,
		Message:    message,
		StatusCode: status,
		Fields:     fields,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
