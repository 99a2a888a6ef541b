package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"farm-ledger/internal/ledger"
	"farm-ledger/internal/models"
	"farm-ledger/internal/network"
	"farm-ledger/internal/service"
	"farm-ledger/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// EventSource is the node side of the event endpoints
type EventSource interface {
	EventsSince(after uint64, limit int) []models.LedgerEvent
	Subscribe(buffer int) *ledger.Subscription
	Height() uint64
}

// Journal is the projected event history
type Journal interface {
	ListEvents(ctx context.Context, after uint64, limit int) ([]models.JournalEntry, error)
}

// Handler contains HTTP handlers
type Handler struct {
	client   *service.MarketplaceClient
	events   EventSource
	journal  Journal
	currency network.Currency
	checks   map[string]func(context.Context) error
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// HandlerOption configures a Handler
type HandlerOption func(*Handler)

// WithJournal serves /api/v1/events from the projected journal
func WithJournal(j Journal) HandlerOption {
	return func(h *Handler) { h.journal = j }
}

// WithReadinessCheck adds a dependency probed by /ready
func WithReadinessCheck(name string, check func(context.Context) error) HandlerOption {
	return func(h *Handler) { h.checks[name] = check }
}

// NewHandler creates a new HTTP handler
func NewHandler(client *service.MarketplaceClient, events EventSource, currency network.Currency, opts ...HandlerOption) *Handler {
	h := &Handler{
		client:   client,
		events:   events,
		currency: currency,
		checks:   make(map[string]func(context.Context) error),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: util.GetLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(idempotencyMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws/events", h.streamEvents)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/session", h.getSession)
		v1.POST("/session", h.connect)
		v1.DELETE("/session", h.disconnect)

		v1.POST("/farmers", h.ensureFarmer)
		v1.GET("/farmers/:address", h.getFarmer)
		v1.GET("/farmers/:address/products", h.getFarmerProducts)

		v1.POST("/products", h.addProduct)
		v1.GET("/products/:id", h.getProduct)
		v1.PUT("/products/:id/stock", h.updateStock)
		v1.PUT("/products/:id/price", h.increasePrice)
		v1.POST("/products/:id/purchase", h.buyProduct)

		v1.GET("/balance", h.getBalance)
		v1.POST("/balance/withdraw", h.withdraw)

		v1.GET("/transactions/:hash", h.getTransaction)
		v1.GET("/events", h.listEvents)
	}
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"height": h.events.Height(),
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports not ready while any registered dependency fails
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
		})
		return
	}

	_, connected := h.client.Connection()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"connected": connected,
		"time":      time.Now().Unix(),
	})
}

// idempotencyMiddleware moves the Idempotency-Key header into the request context
func idempotencyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader("Idempotency-Key"); key != "" {
			c.Request = c.Request.WithContext(service.WithIdempotencyKey(c.Request.Context(), key))
		}
		c.Next()
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
