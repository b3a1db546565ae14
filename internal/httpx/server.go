package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-order-reconciler/internal/domain"
	"github.com/ariefcatur/go-order-reconciler/internal/logging"
	"github.com/ariefcatur/go-order-reconciler/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const (
	HeaderUserID    = "X-User-ID"
	HeaderUserRole  = "X-User-Role"
	HeaderSignature = "X-Razorpay-Signature"
)

func NewRouter(log *zap.Logger, m *metrics.Metrics) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(requestLogger(log, m))
	r.Use(middleware.Timeout(15 * time.Second))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	return r
}

// requestLogger puts a request-scoped logger on the context and records
// one log line and one latency sample per request.
func requestLogger(log *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			reqLog := log.With(zap.String("request_id", middleware.GetReqID(r.Context())))
			next.ServeHTTP(ww, r.WithContext(logging.With(r.Context(), reqLog)))

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			m.HTTPRequest(route, r.Method, status, elapsed)
			reqLog.Info("http request",
				zap.String("method", r.Method), zap.String("route", route),
				zap.Int("status", status), zap.Duration("duration", elapsed))
		})
	}
}

type principalKey struct{}

// Authenticate reads the identity forwarded by the upstream auth gateway.
// Requests without a user id get 401.
func Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := domain.Principal{
			UserID: r.Header.Get(HeaderUserID),
			Role:   domain.ParseRole(r.Header.Get(HeaderUserRole)),
		}
		if !p.Authenticated() {
			writeError(w, r, domain.E(domain.KindUnauthorized, "missing %s header", HeaderUserID))
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, p)
		ctx = logging.With(ctx, logging.From(ctx, nil).With(zap.String("user_id", p.UserID)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(ctx context.Context) domain.Principal {
	p, _ := ctx.Value(principalKey{}).(domain.Principal)
	return p
}

// NewAPI assembles the full router: public health, metrics and webhook
// routes, everything else behind Authenticate.
func NewAPI(log *zap.Logger, m *metrics.Metrics, oh *OrdersHandler, ph *PaymentsHandler, wh *WebhookHandler) *chi.Mux {
	r := NewRouter(log, m)
	wh.Register(r)
	r.Group(func(r chi.Router) {
		r.Use(Authenticate)
		oh.Register(r)
		ph.Register(r)
	})
	return r
}
