package rails

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/jobescrow/internal/payment"
	"github.com/mbd888/jobescrow/internal/retry"
)

// MaxWebhookBodyBytes caps the size of a webhook request body.
const MaxWebhookBodyBytes = 65536

// PaymentIDMetadataKey is the PaymentIntent metadata key carrying our
// payment id.
const PaymentIDMetadataKey = "payment_id"

// Capturer is the part of payment.Service the webhook drives.
type Capturer interface {
	Get(ctx context.Context, id string) (*payment.Payment, error)
	OnFundsCaptured(ctx context.Context, id, txID string) (*payment.Payment, error)
}

// StripeHandler receives Stripe webhooks and escrows card payments when
// their PaymentIntent succeeds.
type StripeHandler struct {
	payments Capturer
	secret   string
	logger   *slog.Logger
}

// NewStripeHandler creates a webhook handler verifying signatures with secret.
func NewStripeHandler(payments Capturer, secret string, logger *slog.Logger) *StripeHandler {
	return &StripeHandler{payments: payments, secret: secret, logger: logger}
}

// RegisterRoutes sets up the webhook route. Stripe authenticates with the
// signature header, so this sits outside API key auth.
func (h *StripeHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.HandleWebhook)
}

// HandleWebhook handles POST /webhooks/stripe
func (h *StripeHandler) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "payload_too_large",
			"message": "Webhook body exceeds limit",
		})
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("stripe webhook signature rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	if event.Type != stripe.EventTypePaymentIntentSucceeded {
		c.JSON(http.StatusOK, gin.H{"received": true, "handled": false})
		return
	}

	var pi stripe.PaymentIntent
	if event.Data == nil || json.Unmarshal(event.Data.Raw, &pi) != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "Could not decode payment intent",
		})
		return
	}

	paymentID := pi.Metadata[PaymentIDMetadataKey]
	if paymentID == "" {
		h.logger.Info("stripe payment intent without payment id", "intent", pi.ID, "event", event.ID)
		c.JSON(http.StatusOK, gin.H{"received": true, "handled": false})
		return
	}

	ctx := c.Request.Context()
	p, err := h.payments.Get(ctx, paymentID)
	if err != nil {
		h.writeError(c, paymentID, err)
		return
	}
	if msg := mismatch(p, &pi); msg != "" {
		h.logger.Error("stripe capture does not match payment",
			"payment_id", paymentID, "intent", pi.ID, "reason", msg)
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "capture_mismatch",
			"message": msg,
		})
		return
	}

	err = retry.DoWhen(ctx, retry.Conflict, isConflict, func(ctx context.Context) error {
		var captureErr error
		p, captureErr = h.payments.OnFundsCaptured(ctx, paymentID, pi.ID)
		return captureErr
	})
	if err != nil {
		h.writeError(c, paymentID, err)
		return
	}

	h.logger.Info("stripe capture escrowed payment",
		"payment_id", paymentID, "intent", pi.ID, "event", event.ID)
	c.JSON(http.StatusOK, gin.H{"received": true, "handled": true, "status": p.Status})
}

// mismatch reports a capture that does not fund the payment as priced.
// XOF and XAF are zero-decimal currencies on Stripe, so amounts compare
// directly.
func mismatch(p *payment.Payment, pi *stripe.PaymentIntent) string {
	if pi.Currency != "" && !strings.EqualFold(string(pi.Currency), p.Currency) {
		return "currency " + string(pi.Currency) + " does not match " + p.Currency
	}
	if pi.AmountReceived != 0 && pi.AmountReceived != p.GrossAmount {
		return "amount received does not match gross amount"
	}
	return ""
}

func isConflict(err error) bool {
	return errors.Is(err, payment.ErrConcurrentModification)
}

func (h *StripeHandler) writeError(c *gin.Context, paymentID string, err error) {
	switch {
	case errors.Is(err, payment.ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, payment.ErrIllegalTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "illegal_transition",
			"message": err.Error(),
		})
	case errors.Is(err, payment.ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{
			"error":     "concurrent_modification",
			"message":   err.Error(),
			"retryable": true,
		})
	default:
		h.logger.Error("stripe webhook failed", "payment_id", paymentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to process webhook",
		})
	}
}
