package fees

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler serves fee previews so clients can show the net payout before a
// payment is created.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new fee handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes sets up the public fee routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/fees/quote", h.Quote)
	r.GET("/fees/policies", h.ListPolicies)
}

// Quote handles GET /v1/fees/quote?amount=100000&method=mobile_money&currency=XOF&region=
func (h *Handler) Quote(c *gin.Context) {
	amount, err := strconv.ParseInt(c.Query("amount"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount must be an integer",
		})
		return
	}

	calc, region, err := h.registry.For(c.Query("region"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_region", "message": err.Error()})
		return
	}

	currency := c.DefaultQuery("currency", "XOF")
	quote, err := calc.Compute(amount, Method(c.Query("method")), currency)
	if err != nil {
		code := "internal_error"
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrInvalidAmount):
			code, status = "invalid_amount", http.StatusBadRequest
		case errors.Is(err, ErrUnsupportedMethod):
			code, status = "unsupported_method", http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"quote": quote, "region": region})
}

// ListPolicies handles GET /v1/fees/policies
func (h *Handler) ListPolicies(c *gin.Context) {
	policies := make(map[string]Policy)
	for _, region := range h.registry.Regions() {
		calc, _, _ := h.registry.For(region)
		policies[region] = calc.Policy()
	}
	c.JSON(http.StatusOK, gin.H{
		"defaultRegion": h.registry.DefaultRegionName(),
		"policies":      policies,
	})
}
