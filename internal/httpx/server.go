// Package httpx exposes the fulfilment operations over HTTP.
package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/safar/storefront-fulfilment/internal/apperr"
	"github.com/safar/storefront-fulfilment/internal/auth"
	"github.com/safar/storefront-fulfilment/internal/idempotency"
	"github.com/safar/storefront-fulfilment/internal/metrics"
	"github.com/safar/storefront-fulfilment/internal/models"
	"github.com/safar/storefront-fulfilment/internal/orders"
	"github.com/safar/storefront-fulfilment/internal/payment"
	"github.com/safar/storefront-fulfilment/internal/store"
	"go.uber.org/zap"
)

const (
	headerIdempotencyKey   = "Idempotency-Key"
	headerIdempotentReplay = "Idempotent-Replayed"
	headerWebhookSignature = "X-Payment-Signature"
)

// Catalog is the read-only product view.
type Catalog interface {
	GetProduct(ctx context.Context, productID int64) (*models.Product, error)
	ListProducts(ctx context.Context, page, pageSize int) (*store.OffsetPage, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Builder       *orders.Builder
	Lifecycle     *orders.Lifecycle
	Reconciler    *payment.Reconciler
	Catalog       Catalog
	Health        Pinger
	Idempotency   idempotency.Store
	Authenticator auth.Authenticator
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
	// RequestTimeout bounds each request; zero means 15s.
	RequestTimeout time.Duration
}

type Server struct {
	builder    *orders.Builder
	lifecycle  *orders.Lifecycle
	reconciler *payment.Reconciler
	catalog    Catalog
	health     Pinger
	idem       idempotency.Store
	authn      auth.Authenticator
	metrics    *metrics.Metrics
	logger     *zap.Logger
	schemas    schemas
	timeout    time.Duration
}

func NewServer(d Deps) (*Server, error) {
	sch, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	idem := d.Idempotency
	if idem == nil {
		idem = idempotency.NewMemoryStore(24 * time.Hour)
	}
	return &Server{
		builder:    d.Builder,
		lifecycle:  d.Lifecycle,
		reconciler: d.Reconciler,
		catalog:    d.Catalog,
		health:     d.Health,
		idem:       idem,
		authn:      d.Authenticator,
		metrics:    d.Metrics,
		logger:     d.Logger.Named("http"),
		schemas:    sch,
		timeout:    timeout,
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	r.Use(s.requestLogger, s.httpMetrics)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Get("/products", s.handleListProducts)
	r.Get("/products/{id}", s.handleGetProduct)

	// The webhook authenticates by body signature, not by user.
	r.Post("/payments/webhook", s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.authn, s.rejectCredentials))

		r.Post("/orders", s.handleCreateOrder)
		r.Get("/orders", s.handleListOrders)
		r.Get("/orders/{id}", s.handleGetOrder)
		r.Post("/orders/{id}/cancel", s.handleCancelOrder)
		r.Post("/payments/verify", s.handleVerifyPayment)

		r.Route("/admin/orders", func(r chi.Router) {
			r.Get("/", s.handleListAllOrders)
			r.Patch("/{id}", s.handleUpdateStatus)
			r.Get("/{id}/shortfalls", s.handleShortfalls)
		})
	})

	return r
}

func (s *Server) rejectCredentials(w http.ResponseWriter, r *http.Request, err error) {
	s.respondError(w, r, apperr.Wrap(apperr.KindUnauthenticated, "invalid credentials", err))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			logFrom(r, s.logger).Warn("health check failed", zap.Error(err))
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
