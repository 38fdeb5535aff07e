package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/health"
	"fulfillment-service/internal/inventory"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/platform"
	"fulfillment-service/internal/queue"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	queue     *queue.Queue
	inventory *inventory.Inventory
	catalog   *platform.CatalogCache
	health    *health.Aggregator
}

// NewHandler creates a new HTTP handler
func NewHandler(q *queue.Queue, inv *inventory.Inventory, catalog *platform.CatalogCache, h *health.Aggregator) *Handler {
	return &Handler{
		queue:     q,
		inventory: inv,
		catalog:   catalog,
		health:    h,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:number", h.getOrder)
		v1.POST("/pickup/verify", h.verifyPickup)

		v1.GET("/shelves", h.listShelves)
		v1.GET("/shelves/:number", h.getShelf)
		v1.PUT("/shelves/:number", h.assignShelf)
		v1.POST("/shelves/:number/restock", h.restockShelf)
		v1.DELETE("/shelves/:number", h.clearShelf)

		v1.POST("/catalog/sync", h.syncCatalog)
	}
}

// healthCheck serves the aggregator snapshot
func (h *Handler) healthCheck(c *gin.Context) {
	snap := h.health.Snapshot(c.Request.Context())

	status := http.StatusOK
	if !h.health.Healthy(snap) {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, snap)
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type createOrderRequest struct {
	OrderType string            `json:"order_type"`
	Items     []models.LineItem `json:"items"`
	TestOrder bool              `json:"test_order"`
}

// createOrder handles kiosk order intake
func (h *Handler) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.OrderType == "" {
		req.OrderType = models.OrderTypeKiosk
	}

	order, err := h.queue.Enqueue(c.Request.Context(), queue.EnqueueRequest{
		OrderType: req.OrderType,
		Items:     req.Items,
		TestOrder: req.TestOrder,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"order_number": order.OrderNumber,
		"status":       order.Status,
		"created_at":   order.CreatedAt,
	})
}

// getOrder handles get order by number
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.queue.GetOrder(c.Request.Context(), c.Param("number"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// listOrders returns recent orders, optionally filtered by status
func (h *Handler) listOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	orders, err := h.queue.ListOrders(c.Request.Context(), c.Query("status"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

type verifyPickupRequest struct {
	PickupCode string `json:"pickup_code"`
}

// verifyPickup releases a held pickup order for dispensing
func (h *Handler) verifyPickup(c *gin.Context) {
	var req verifyPickupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.queue.VerifyPickup(c.Request.Context(), req.PickupCode)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_number": order.OrderNumber,
		"status":       order.Status,
	})
}

// listShelves returns all configured shelf slots
func (h *Handler) listShelves(c *gin.Context) {
	slots, err := h.inventory.ListSlots(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"shelves": slots, "count": len(slots)})
}

// getShelf returns one shelf slot
func (h *Handler) getShelf(c *gin.Context) {
	number, ok := shelfParam(c)
	if !ok {
		return
	}
	slot, err := h.inventory.GetSlot(c.Request.Context(), number)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, slot)
}

type assignShelfRequest struct {
	SKU         string `json:"sku"`
	ProductName string `json:"product_name"`
	Capacity    int    `json:"capacity"`
	BoxSize     string `json:"box_size"`
}

// assignShelf binds a SKU to a shelf slot
func (h *Handler) assignShelf(c *gin.Context) {
	number, ok := shelfParam(c)
	if !ok {
		return
	}

	var req assignShelfRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	slot, err := h.inventory.AssignSlot(c.Request.Context(), number, req.SKU, req.ProductName, req.Capacity, req.BoxSize)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, slot)
}

type restockRequest struct {
	Quantity int `json:"quantity"`
}

// restockShelf adds stock after a physical refill
func (h *Handler) restockShelf(c *gin.Context) {
	number, ok := shelfParam(c)
	if !ok {
		return
	}

	var req restockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	slot, err := h.inventory.Restock(c.Request.Context(), number, req.Quantity)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, slot)
}

// clearShelf removes a slot assignment
func (h *Handler) clearShelf(c *gin.Context) {
	number, ok := shelfParam(c)
	if !ok {
		return
	}
	if err := h.inventory.ClearSlot(c.Request.Context(), number); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"shelf_number": number, "cleared": true})
}

// syncCatalog forces a full catalog refresh
func (h *Handler) syncCatalog(c *gin.Context) {
	count, err := h.catalog.ForceSync(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"synced": count})
}

func shelfParam(c *gin.Context) (int, bool) {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid shelf number"})
		return 0, false
	}
	return number, true
}

// respondError maps domain errors onto HTTP statuses
func respondError(c *gin.Context, err error) {
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Validation failed",
			"field":   ve.Field,
			"details": ve.Reason,
		})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, models.ErrUnknownSKU):
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown SKU", "details": err.Error()})
	case errors.Is(err, models.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "Conflicting order state", "details": err.Error()})
	case errors.Is(err, models.ErrInsufficientStock):
		c.JSON(http.StatusConflict, gin.H{"error": "Insufficient stock", "details": err.Error()})
	case models.IsTransientSync(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Platform unavailable", "details": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error", "details": err.Error()})
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
