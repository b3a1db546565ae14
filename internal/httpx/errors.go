package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/go-order-reconciler/internal/domain"
	"github.com/ariefcatur/go-order-reconciler/internal/logging"
	"go.uber.org/zap"
)

type errorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	ProductID string `json:"product_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusOf(k domain.Kind) int {
	switch k {
	case domain.KindInvalidInput, domain.KindEmptyCart, domain.KindInvalidSignature:
		return http.StatusBadRequest
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInsufficientStock, domain.KindInvalidStateTransition, domain.KindConflict, domain.KindOptimisticConflict:
		return http.StatusConflict
	case domain.KindGatewayRejected, domain.KindGatewayProtocolError:
		return http.StatusBadGateway
	case domain.KindGatewayNotConfigured, domain.KindGatewayUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	code := statusOf(kind)
	body := errorBody{Kind: kind.String(), Message: err.Error()}

	var de *domain.Error
	if errors.As(err, &de) {
		body.ProductID = de.ProductID
	}
	log := logging.From(r.Context(), nil)
	if code >= 500 {
		log.Error("request failed", zap.String("kind", body.Kind), zap.Error(err))
		if kind == domain.KindInternal {
			body.Message = "internal error"
		}
	} else {
		log.Info("request rejected", zap.String("kind", body.Kind), zap.String("reason", err.Error()))
	}
	writeJSON(w, code, map[string]errorBody{"error": body})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Wrap(domain.KindInvalidInput, err, "invalid json")
	}
	return nil
}
