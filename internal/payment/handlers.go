package payment

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/jobescrow/internal/fees"
	"github.com/mbd888/jobescrow/internal/milestone"
	"github.com/mbd888/jobescrow/internal/validation"
)

// Handler provides HTTP endpoints for payment operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ids := validation.IDParamMiddleware("id", "partyId")
	r.GET("/payments/:id", ids, h.GetPayment)
	r.GET("/payments/:id/events", ids, h.ListEvents)
	r.GET("/parties/:partyId/payments", ids, h.ListByParty)
}

// RegisterProtectedRoutes sets up the routes that drive transitions.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	ids := validation.IDParamMiddleware("id", "mid")
	r.POST("/payments", h.CreatePayment)
	r.POST("/payments/:id/capture", ids, h.Capture)
	r.POST("/payments/:id/dispute", ids, h.Dispute)
	r.POST("/payments/:id/release", ids, h.Release)
	r.POST("/payments/:id/refund", ids, h.Refund)
	r.POST("/payments/:id/cancel", ids, h.Cancel)
	r.POST("/payments/:id/milestones/:mid/complete", ids, h.CompleteMilestone)
	r.POST("/payments/:id/milestones/:mid/approve", ids, h.ApproveMilestone)
	r.POST("/payments/:id/milestones/:mid/pay", ids, h.PayMilestone)
}

// RegisterAdminRoutes sets up arbitration routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/payments/:id/resolve", validation.IDParamMiddleware("id"), h.Resolve)
}

// CaptureRequest confirms funds capture on the rail.
type CaptureRequest struct {
	TransactionID string `json:"transactionId" binding:"required"`
}

// ReasonRequest carries a free-text reason (dispute, refund, cancel).
type ReasonRequest struct {
	Reason string `json:"reason"`
}

func bindReason(c *gin.Context) string {
	var req ReasonRequest
	_ = c.ShouldBindJSON(&req)
	return validation.SanitizeReason(req.Reason)
}

// ResolveRequest carries an arbitration outcome.
type ResolveRequest struct {
	Outcome Outcome `json:"outcome" binding:"required"`
}

// CreatePayment handles POST /v1/payments
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("jobId", req.JobID),
		validation.ValidID("jobId", req.JobID),
		validation.ValidID("employerId", req.EmployerID),
		validation.ValidID("workerId", req.WorkerID),
		validation.ValidID("region", req.Region),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	p, err := h.service.OnJobMarkedForPayment(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// ListEvents handles GET /v1/payments/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	events, err := h.service.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// ListByParty handles GET /v1/parties/:partyId/payments?role=worker|employer
func (h *Handler) ListByParty(c *gin.Context) {
	role, err := ParseRole(c.DefaultQuery("role", string(RoleWorker)))
	if err != nil {
		writeError(c, err)
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	payments, err := h.service.ListByParty(c.Request.Context(), c.Param("partyId"), role, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payments": payments,
		"count":    len(payments),
	})
}

// Capture handles POST /v1/payments/:id/capture
func (h *Handler) Capture(c *gin.Context) {
	var req CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "transactionId is required",
		})
		return
	}
	h.transition(c, func(ctx context.Context, id string) (*Payment, error) {
		return h.service.OnFundsCaptured(ctx, id, req.TransactionID)
	})
}

// Dispute handles POST /v1/payments/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	reason := bindReason(c)
	h.transition(c, func(ctx context.Context, id string) (*Payment, error) {
		return h.service.OnDisputeRaised(ctx, id, reason)
	})
}

// Release handles POST /v1/payments/:id/release
func (h *Handler) Release(c *gin.Context) {
	h.transition(c, h.service.Release)
}

// Refund handles POST /v1/payments/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	reason := bindReason(c)
	h.transition(c, func(ctx context.Context, id string) (*Payment, error) {
		return h.service.Refund(ctx, id, reason)
	})
}

// Cancel handles POST /v1/payments/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	reason := bindReason(c)
	h.transition(c, func(ctx context.Context, id string) (*Payment, error) {
		return h.service.Cancel(ctx, id, reason)
	})
}

// Resolve handles POST /v1/payments/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome is required",
		})
		return
	}
	h.transition(c, func(ctx context.Context, id string) (*Payment, error) {
		return h.service.OnDisputeResolved(ctx, id, req.Outcome)
	})
}

// CompleteMilestone handles POST /v1/payments/:id/milestones/:mid/complete
func (h *Handler) CompleteMilestone(c *gin.Context) {
	mid := c.Param("mid")
	h.transition(c, func(ctx context.Context, id string) (*Payment, error) {
		return h.service.CompleteMilestone(ctx, id, mid)
	})
}

// ApproveMilestone handles POST /v1/payments/:id/milestones/:mid/approve
func (h *Handler) ApproveMilestone(c *gin.Context) {
	mid := c.Param("mid")
	h.transition(c, func(ctx context.Context, id string) (*Payment, error) {
		return h.service.ApproveMilestone(ctx, id, mid)
	})
}

// PayMilestone handles POST /v1/payments/:id/milestones/:mid/pay
func (h *Handler) PayMilestone(c *gin.Context) {
	mid := c.Param("mid")
	h.transition(c, func(ctx context.Context, id string) (*Payment, error) {
		return h.service.PayMilestone(ctx, id, mid)
	})
}

func (h *Handler) transition(c *gin.Context, fn func(ctx context.Context, id string) (*Payment, error)) {
	p, err := fn(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// writeError maps domain errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, milestone.ErrNotFound):
		status, code = http.StatusNotFound, "milestone_not_found"
	case errors.Is(err, ErrConcurrentModification):
		status, code = http.StatusConflict, "concurrent_modification"
	case errors.Is(err, ErrDuplicatePayment):
		status, code = http.StatusConflict, "duplicate_payment"
	case errors.Is(err, ErrIllegalTransition):
		status, code = http.StatusConflict, "illegal_transition"
	case errors.Is(err, fees.ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, fees.ErrUnsupportedMethod):
		status, code = http.StatusBadRequest, "unsupported_method"
	case errors.Is(err, fees.ErrUnknownRegion):
		status, code = http.StatusBadRequest, "unknown_region"
	case errors.Is(err, milestone.ErrInvalidMilestoneSet):
		status, code = http.StatusBadRequest, "invalid_milestones"
	case errors.Is(err, ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status, code = http.StatusServiceUnavailable, "timeout"
	}

	body := gin.H{"error": code, "message": err.Error()}
	var illegal *IllegalTransitionError
	if errors.As(err, &illegal) {
		body["currentStatus"] = illegal.From
		body["intent"] = illegal.Intent
	}
	if status == http.StatusConflict && code == "concurrent_modification" {
		body["retryable"] = true
	}
	c.JSON(status, body)
}
