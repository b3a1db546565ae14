package httpx

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-order-reconciler/internal/domain"
	"github.com/ariefcatur/go-order-reconciler/internal/events"
	"github.com/ariefcatur/go-order-reconciler/internal/logging"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"github.com/ariefcatur/go-order-reconciler/internal/redisx"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// StatusCache serves GET /orders/{id}/status without touching the store.
type StatusCache interface {
	Get(ctx context.Context, orderID string) (redisx.OrderView, bool, error)
	Set(ctx context.Context, v redisx.OrderView) error
}

type ReviewLister interface {
	List(ctx context.Context, limit int64) ([]events.ReviewPayload, error)
}

type OrdersHandler struct {
	Orders  *orders.Service
	Cache   StatusCache
	Reviews ReviewLister
}

type checkoutReq struct {
	ShippingAddress string `json:"shipping_address"`
}

type shippingReq struct {
	ShippingAddress string `json:"shipping_address"`
}

// Register mounts the order routes. r must already carry Authenticate.
func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/products", h.listProducts)
	r.Post("/checkout", h.checkout)
	r.Get("/orders", h.listMine)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Patch("/orders/{id}/shipping", h.updateShipping)
	r.Post("/orders/{id}/cancel", h.cancel)
	r.Post("/orders/{id}/deliver", h.deliver)
	r.Delete("/orders/{id}", h.deleteOrder)
	r.Get("/admin/orders", h.listAll)
	r.Get("/admin/reviews", h.listReviews)
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Orders.Products(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]productView, 0, len(ps))
	for _, p := range ps {
		out = append(out, toProductView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.CreateFromCart(ctx, principalFrom(ctx), req.ShippingAddress)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderView(o))
}

func (h *OrdersHandler) listMine(w http.ResponseWriter, r *http.Request) {
	os, err := h.Orders.ListMine(r.Context(), principalFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderViews(os))
}

func (h *OrdersHandler) listAll(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	os, err := h.Orders.ListAll(r.Context(), principalFrom(r.Context()), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderViews(os))
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Get(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderView(o))
}

// getStatus tries the cache first, falls back to the store and refills.
func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	p := principalFrom(ctx)
	orderID := chi.URLParam(r, "id")
	log := logging.From(ctx, nil)

	if h.Cache != nil {
		v, ok, err := h.Cache.Get(ctx, orderID)
		if err != nil {
			log.Warn("status cache read failed", zap.Error(err))
		}
		if ok && p.CanAccess(v.UserID) {
			writeJSON(w, http.StatusOK, v)
			return
		}
	}

	o, err := h.Orders.Get(ctx, p, orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	v := redisx.OrderView{OrderID: o.ID, UserID: o.UserID, Status: o.Status.String(), UpdatedAt: o.UpdatedAt}
	if h.Cache != nil {
		if err := h.Cache.Set(ctx, v); err != nil {
			log.Warn("status cache write failed", zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *OrdersHandler) updateShipping(w http.ResponseWriter, r *http.Request) {
	var req shippingReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.Orders.UpdateShippingAddress(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"), req.ShippingAddress)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderView(o))
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Cancel(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderView(o))
}

func (h *OrdersHandler) deliver(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.MarkDelivered(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderView(o))
}

func (h *OrdersHandler) deleteOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.Orders.Delete(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrdersHandler) listReviews(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if !p.IsAdmin() {
		writeError(w, r, domain.E(domain.KindForbidden, "admin role required"))
		return
	}
	if h.Reviews == nil {
		writeJSON(w, http.StatusOK, []events.ReviewPayload{})
		return
	}
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	out, err := h.Reviews.List(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
