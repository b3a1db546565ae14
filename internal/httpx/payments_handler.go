package httpx

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/ariefcatur/go-order-reconciler/internal/domain"
	"github.com/ariefcatur/go-order-reconciler/internal/payments"
	"github.com/ariefcatur/go-order-reconciler/internal/webhook"
	"github.com/go-chi/chi/v5"
)

type PaymentsHandler struct {
	Payments *payments.Service
}

type createPaymentReq struct {
	OrderID  string `json:"order_id"`
	Provider string `json:"provider,omitempty"`
}

// Register mounts the payment routes. r must already carry Authenticate.
func (h *PaymentsHandler) Register(r chi.Router) {
	r.Post("/payments", h.create)
	r.Get("/orders/{id}/payments", h.list)
	r.Get("/orders/{id}/payments/latest", h.latest)
}

func (h *PaymentsHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createPaymentReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.OrderID == "" {
		writeError(w, r, domain.E(domain.KindInvalidInput, "order_id is required"))
		return
	}
	// covers the gateway's own timeout and retries
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	a, err := h.Payments.CreateAttempt(ctx, principalFrom(ctx), req.OrderID, req.Provider)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAttemptView(a))
}

func (h *PaymentsHandler) list(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Payments.List(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]paymentView, 0, len(ps))
	for _, p := range ps {
		out = append(out, toPaymentView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *PaymentsHandler) latest(w http.ResponseWriter, r *http.Request) {
	p, err := h.Payments.Latest(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentView(p))
}

type WebhookHandler struct {
	Webhooks *webhook.Service
}

// Register mounts the gateway callback. It is public; the body signature
// is the only authentication.
func (h *WebhookHandler) Register(r chi.Router) {
	r.Post("/webhooks/gateway", h.ingest)
}

func (h *WebhookHandler) ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, r, domain.Wrap(domain.KindInvalidInput, err, "read body"))
		return
	}
	res, err := h.Webhooks.Ingest(r.Context(), body, r.Header.Get(HeaderSignature))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
