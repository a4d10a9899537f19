package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/checkout"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/metrics"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/orders"
	"github.com/MMH576/Transactional-Order-Payment-Processing-System/internal/redisx"
)

type CheckoutHandler struct {
	Service *checkout.Service
	Repo    *orders.Repo
	Redis   *redis.Client
	Metrics *metrics.Metrics
	Log     *zap.Logger
	// Bound for the whole checkout call, locks included.
	Timeout time.Duration
}

type CheckoutReq struct {
	UserID string            `json:"user_id"`
	Items  []orders.CartItem `json:"items"`
}

func (h *CheckoutHandler) Register(r *chi.Mux) {
	r.Post("/checkout", h.checkout)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getOrderStatus)
	r.Get("/orders", h.listOrders)
	r.Get("/products", h.listProducts)
	r.Get("/inventory/{productID}", h.getInventory)
}

func (h *CheckoutHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutReq
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	started := time.Now()
	res, err := h.Service.Checkout(ctx, req.UserID, middleware.GetReqID(r.Context()), req.Items)
	if err != nil {
		h.writeCheckoutError(w, res, err, started)
		return
	}
	h.Metrics.ObserveCheckout("success", time.Since(started))

	// Seed the status cache; DB stays the source of truth.
	statusKey := fmt.Sprintf(redisx.KeyOrderStatus, res.OrderID)
	_ = h.Redis.Set(ctx, statusKey, `{"status":"PAYMENT_PENDING"}`, redisx.TTLStatusCache).Err()

	writeJSON(w, http.StatusCreated, res)
}

func (h *CheckoutHandler) writeCheckoutError(w http.ResponseWriter, res checkout.Result, err error, started time.Time) {
	var stockErr *orders.InsufficientStockError
	switch {
	case errors.As(err, &stockErr):
		h.Metrics.ObserveCheckout("insufficient_stock", time.Since(started))
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "insufficient stock",
			"product_id": stockErr.ProductID,
			"requested":  stockErr.Requested,
			"available":  stockErr.Available,
		})
	case errors.Is(err, orders.ErrInsufficientStock):
		// The reserve guard tripped without the typed error, e.g. a cart
		// whose duplicate lines pass per-line validation but overdraw on
		// reserve. Same outcome for the caller.
		h.Metrics.ObserveCheckout("insufficient_stock", time.Since(started))
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orders.ErrProductNotFound),
		errors.Is(err, orders.ErrEmptyCart),
		errors.Is(err, orders.ErrInvalidQuantity),
		errors.Is(err, checkout.ErrMissingUser):
		h.Metrics.ObserveCheckout("rejected", time.Since(started))
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, checkout.ErrIntentFailed):
		// The reservation is committed; the sweeper will retry the intent.
		h.Metrics.ObserveCheckout("intent_failed", time.Since(started))
		h.Log.Error("checkout intent failed", zap.String("order_id", res.OrderID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":       "payment intent could not be created, order will be retried",
			"order_id":    res.OrderID,
			"total_cents": res.TotalCents,
		})
	case errors.Is(err, context.DeadlineExceeded):
		h.Metrics.ObserveCheckout("timeout", time.Since(started))
		writeError(w, http.StatusServiceUnavailable, "checkout timed out, retry the request")
	default:
		h.Metrics.ObserveCheckout("error", time.Since(started))
		h.Log.Error("checkout failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *CheckoutHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	order, items, err := h.Repo.GetOrder(ctx, orderID)
	if errors.Is(err, orders.ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order, "items": items})
}

func (h *CheckoutHandler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(s))
		return
	}

	status, err := h.Repo.GetOrderStatus(ctx, orderID)
	if errors.Is(err, orders.ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	body := fmt.Sprintf(`{"status":%q}`, status)
	_ = h.Redis.Set(ctx, key, body, redisx.TTLStatusCache).Err()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func (h *CheckoutHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	out, err := h.Repo.ListOrdersByUser(ctx, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *CheckoutHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Repo.ListProducts(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *CheckoutHandler) getInventory(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	inv, err := h.Repo.GetInventory(ctx, productID)
	if errors.Is(err, orders.ErrProductNotFound) {
		writeError(w, http.StatusNotFound, "product not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, inv)
}
