package httpx

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/safar/storefront-fulfilment/internal/apperr"
	"github.com/safar/storefront-fulfilment/internal/auth"
	"github.com/safar/storefront-fulfilment/internal/idempotency"
	"github.com/safar/storefront-fulfilment/internal/logging"
	"github.com/safar/storefront-fulfilment/internal/models"
	"github.com/safar/storefront-fulfilment/internal/orders"
	"go.uber.org/zap"
)

func logFrom(r *http.Request, fallback *zap.Logger) *zap.Logger {
	return logging.FromContext(r.Context(), fallback)
}

// requireActor writes 401 for anonymous requests.
func (s *Server) requireActor(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	actor := auth.ActorFrom(r.Context())
	if actor.UserID == "" {
		s.respondError(w, r, apperr.New(apperr.KindUnauthenticated, "authentication required"))
		return models.Actor{}, false
	}
	return actor, true
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.New(apperr.KindInvalidRequest, "invalid id")
	}
	return id, nil
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	product, err := s.catalog.GetProduct(r.Context(), id)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindProductNotFound {
			err = apperr.ProductNotFound(id)
		}
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, product)
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page")
	if page < 1 {
		page = 1
	}
	pageSize := queryInt(r, "page_size")
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	result, err := s.catalog.ListProducts(r.Context(), page, pageSize)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleCreateOrder honours an optional Idempotency-Key: a retried request
// with the same key gets the first response back instead of a new order.
func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	var in orders.CreateOrderInput
	if err := s.schemas.decode(r, "create_order", &in); err != nil {
		s.respondError(w, r, err)
		return
	}

	clientKey := r.Header.Get(headerIdempotencyKey)
	if clientKey == "" {
		checkout, err := s.builder.CreateOrder(r.Context(), actor, in)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusCreated, checkout)
		return
	}

	key := idempotency.Key(actor.UserID, clientKey)
	stored, err := s.idem.Begin(r.Context(), key)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if stored != nil {
		w.Header().Set(headerIdempotentReplay, "true")
		respondJSON(w, http.StatusCreated, json.RawMessage(stored))
		return
	}

	checkout, err := s.builder.CreateOrder(r.Context(), actor, in)
	if err != nil {
		if abortErr := s.idem.Abort(r.Context(), key); abortErr != nil {
			logFrom(r, s.logger).Warn("release idempotency key", zap.Error(abortErr))
		}
		s.respondError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(checkout); err == nil {
		if err := s.idem.Complete(r.Context(), key, bytes.TrimSpace(buf.Bytes())); err != nil {
			logFrom(r, s.logger).Warn("store idempotent response", zap.Error(err))
		}
	}
	respondJSON(w, http.StatusCreated, checkout)
}

func (s *Server) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireActor(w, r); !ok {
		return
	}

	var conf models.PaymentConfirmation
	if err := s.schemas.decode(r, "verify_payment", &conf); err != nil {
		s.respondError(w, r, err)
		return
	}

	res, err := s.reconciler.VerifyAndApply(r.Context(), conf)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	outcome, err := s.reconciler.HandleWebhook(r.Context(), body, r.Header.Get(headerWebhookSignature))
	if err != nil {
		// The payment is on record and flagged for refund; retrying the
		// delivery cannot change that.
		if apperr.KindOf(err) == apperr.KindIllegalTransition {
			respondJSON(w, http.StatusOK, map[string]any{"ignored": true, "reason": apperr.Message(err)})
			return
		}
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	order, err := s.lifecycle.Get(r.Context(), id, actor)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	page, err := s.lifecycle.ListForUser(r.Context(), auth.ActorFrom(r.Context()), r.URL.Query().Get("cursor"), queryInt(r, "limit"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (s *Server) handleListAllOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	page, err := s.lifecycle.ListAll(r.Context(), actor, r.URL.Query().Get("cursor"), queryInt(r, "limit"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	order, err := s.lifecycle.Cancel(r.Context(), id, actor)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	var patch orders.StatusPatch
	if err := s.schemas.decode(r, "status_patch", &patch); err != nil {
		s.respondError(w, r, err)
		return
	}

	order, err := s.lifecycle.UpdateStatus(r.Context(), id, patch, actor)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (s *Server) handleShortfalls(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	rows, err := s.lifecycle.Shortfalls(r.Context(), id, actor)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"order_id": id, "shortfalls": rows})
}
