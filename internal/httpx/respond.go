package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/safar/storefront-fulfilment/internal/apperr"
	"github.com/safar/storefront-fulfilment/internal/logging"
	"go.uber.org/zap"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind      apperr.Kind `json:"kind"`
	Message   string      `json:"message"`
	ProductID int64       `json:"product_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	log := logging.FromContext(r.Context(), s.logger)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
	} else {
		log.Debug("request rejected", zap.String("kind", string(kind)), zap.Error(err))
	}

	detail := errorDetail{Kind: kind, Message: apperr.Message(err)}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		detail.ProductID = appErr.ProductID
	}
	respondJSON(w, status, errorBody{Error: detail})
}
