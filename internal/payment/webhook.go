package payment

import (
	"context"
	"encoding/json"

	"github.com/safar/storefront-fulfilment/internal/apperr"
	"github.com/safar/storefront-fulfilment/internal/models"
	"go.uber.org/zap"
)

const (
	WebhookPaymentCaptured = "payment.captured"
	WebhookPaymentFailed   = "payment.failed"
)

type WebhookEvent struct {
	Event   string         `json:"event"`
	Payload WebhookPayment `json:"payload"`
}

type WebhookPayment struct {
	ExternalOrderID   string `json:"external_order_id"`
	ExternalPaymentID string `json:"external_payment_id"`
	Reason            string `json:"reason,omitempty"`
}

// WebhookOutcome is what a webhook delivery did. Ignored deliveries are
// acknowledged so the provider stops retrying them.
type WebhookOutcome struct {
	Event   string        `json:"event"`
	Ignored bool          `json:"ignored,omitempty"`
	Result  *Result       `json:"result,omitempty"`
	Order   *models.Order `json:"order,omitempty"`
}

// HandleWebhook authenticates a provider delivery by the HMAC of its raw
// body. A captured payment goes through the same path as a client
// confirmation, minus the client signature.
func (r *Reconciler) HandleWebhook(ctx context.Context, body []byte, signature string) (*WebhookOutcome, error) {
	if !r.webhook.VerifyBody(body, signature) {
		r.metrics.PaymentsVerified.WithLabelValues("invalid_webhook_signature").Inc()
		return nil, apperr.New(apperr.KindInvalidSignature, "webhook signature does not match")
	}

	var evt WebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, "malformed webhook body", err)
	}

	if evt.Payload.ExternalOrderID == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "webhook payload has no external_order_id")
	}

	conf := models.PaymentConfirmation{
		ExternalOrderID:   evt.Payload.ExternalOrderID,
		ExternalPaymentID: evt.Payload.ExternalPaymentID,
	}

	switch evt.Event {
	case WebhookPaymentCaptured:
		if conf.ExternalPaymentID == "" {
			return nil, apperr.New(apperr.KindInvalidRequest, "captured payment has no external_payment_id")
		}
		res, err := r.apply(ctx, conf)
		if err != nil {
			return nil, err
		}
		return &WebhookOutcome{Event: evt.Event, Result: res}, nil
	case WebhookPaymentFailed:
		order, err := r.ApplyFailure(ctx, conf)
		if err != nil {
			return nil, err
		}
		return &WebhookOutcome{Event: evt.Event, Order: order}, nil
	default:
		r.logger.Debug("ignoring webhook event", zap.String("event", evt.Event))
		return &WebhookOutcome{Event: evt.Event, Ignored: true}, nil
	}
}
