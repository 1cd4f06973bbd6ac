package ledger

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/jobescrow/internal/payment"
)

// Handler provides HTTP endpoints for ledger reports.
type Handler struct {
	service *Service
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only report routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/stats/:scopeId", h.GetStats)
}

// RegisterAdminRoutes sets up admin-only report routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconcile", h.Reconcile)
}

// GetStats handles GET /stats/:scopeId?role=worker|employer
func (h *Handler) GetStats(c *gin.Context) {
	role, err := payment.ParseRole(c.DefaultQuery("role", string(payment.RoleWorker)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_role",
			"message": err.Error(),
		})
		return
	}

	stats, err := h.service.Stats(c.Request.Context(), c.Param("scopeId"), role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "stats_error",
			"message": "Failed to compute payment statistics",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// Reconcile handles GET /admin/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.service.Reconcile(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"report": report,
		"ok":     report.OK(),
	})
}
