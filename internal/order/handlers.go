package order

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chainvoice/internal/inventory"
	"github.com/mbd888/chainvoice/internal/invoice"
	"github.com/mbd888/chainvoice/internal/validation"
)

// Handler provides HTTP endpoints for orders and subscriptions.
type Handler struct {
	service  *Service
	invoices invoice.Store
}

// NewHandler creates a new order handler.
func NewHandler(service *Service, invoices invoice.Store) *Handler {
	return &Handler{service: service, invoices: invoices}
}

// RegisterRoutes sets up order and subscription routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders/:id", h.GetOrder)
	r.POST("/orders/:id/cancel", h.CancelOrder)
	r.POST("/subscriptions", h.CreateSubscription)
	r.GET("/subscriptions/:id", h.GetSubscription)
	r.GET("/invoices/:id", h.GetInvoice)
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("chain", string(req.Chain)),
		validation.ValidChain("chain", string(req.Chain)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	o, inv, err := h.service.CreateOrder(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "order_failed"
		switch {
		case errors.Is(err, inventory.ErrProductNotFound):
			status = http.StatusNotFound
			code = "product_not_found"
		case errors.Is(err, inventory.ErrOutOfStock):
			status = http.StatusConflict
			code = "out_of_stock"
		case errors.Is(err, ErrEmptyOrder), errors.Is(err, ErrCurrencyMismatch),
			errors.Is(err, inventory.ErrInvalidQuantity):
			status = http.StatusBadRequest
			code = "invalid_request"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": o, "invoice": inv})
}

// GetOrder handles GET /v1/orders/:id. Buyers poll this for payment state.
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	resp := gin.H{"order": o}
	if o.InvoiceID != "" {
		if inv, err := h.invoices.Get(c.Request.Context(), o.InvoiceID); err == nil {
			resp["invoice"] = inv
		}
	}
	c.JSON(http.StatusOK, resp)
}

// CancelOrder handles POST /v1/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	err := h.service.CancelOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrStateConflict):
			status = http.StatusConflict
			code = "invalid_state"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// CreateSubscription handles POST /v1/subscriptions
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("planId", req.PlanID),
		validation.Required("chain", string(req.Chain)),
		validation.ValidChain("chain", string(req.Chain)),
		validation.ValidAmount("price", req.Chain, req.Price),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	sub, inv, err := h.service.CreateSubscription(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "subscription_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"subscription": sub, "invoice": inv})
}

// GetSubscription handles GET /v1/subscriptions/:id
func (h *Handler) GetSubscription(c *gin.Context) {
	sub, err := h.service.GetSubscription(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Subscription not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// GetInvoice handles GET /v1/invoices/:id
func (h *Handler) GetInvoice(c *gin.Context) {
	inv, err := h.invoices.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, invoice.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Invoice not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}
