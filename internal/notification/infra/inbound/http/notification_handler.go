package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davicafu/ordernotify/internal/notification/application"
	"github.com/davicafu/ordernotify/internal/notification/domain"
	"github.com/davicafu/ordernotify/internal/shared/infra/platform/store"
	"github.com/davicafu/ordernotify/internal/shared/infra/resilience"
	"github.com/davicafu/ordernotify/pkg/utils"
)

// IdempotencyHeader deduplica confirmaciones reenviadas por el servicio de pagos.
const IdempotencyHeader = "Idempotency-Key"

// NotificationService es lo que los handlers necesitan del servicio.
type NotificationService interface {
	NotifyConfirmedOrderOnce(ctx context.Context, idempotencyKey string, data domain.OrderConfirmed) (bool, error)
	NotifyOrderShared(ctx context.Context, data domain.OrderShared) error
	RemoveOrder(ctx context.Context, orderID string) error
	GetActiveOrders(ctx context.Context) ([]domain.ActiveOrder, error)
	GetStats(ctx context.Context) (application.Stats, error)
	GetDeadLetterItems(ctx context.Context, limit int) ([]domain.DeadLetterItem, error)
	RetryDeadLetterItem(ctx context.Context, id string) (bool, error)
	Breaker() resilience.Snapshot
}

// NotificationHandler encapsula los endpoints HTTP de productores y admins
type NotificationHandler struct {
	service NotificationService
	sub     store.Subscriber
	log     *zap.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// NewNotificationHandler crea un nuevo NotificationHandler. sub puede ser nil
// si el stream SSE no está disponible.
func NewNotificationHandler(service NotificationService, sub store.Subscriber, log *zap.Logger) *NotificationHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &NotificationHandler{service: service, sub: sub, log: log, closing: make(chan struct{})}
}

// CloseStreams termina los streams SSE abiertos y rechaza los nuevos. Se
// registra en http.Server.RegisterOnShutdown: Shutdown no cancela peticiones
// de larga duración.
func (h *NotificationHandler) CloseStreams() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// ---------------- Productores ----------------

// OrderConfirmed endpoint POST /orders/:id/confirmed
func (h *NotificationHandler) OrderConfirmed(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}

	var req struct {
		PaymentReference string  `json:"payment_reference" binding:"required"`
		Amount           float64 `json:"amount" binding:"gte=0"`
		PhoneNumber      string  `json:"phone_number"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}

	data := domain.OrderConfirmed{ID: id, PaymentReference: req.PaymentReference, Amount: req.Amount, PhoneNumber: req.PhoneNumber}
	first, err := h.service.NotifyConfirmedOrderOnce(c.Request.Context(), c.GetHeader(IdempotencyHeader), data)
	if err != nil {
		h.fail(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusAccepted, gin.H{"order_id": id, "duplicate": !first})
}

// OrderShared endpoint POST /orders/:id/shared
func (h *NotificationHandler) OrderShared(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}

	var req struct {
		PaymentReference string `json:"payment_reference"`
		SharedBy         string `json:"shared_by" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}

	if err := h.service.NotifyOrderShared(c.Request.Context(), domain.OrderShared{
		ID: id, PaymentReference: req.PaymentReference, SharedBy: req.SharedBy,
	}); err != nil {
		h.fail(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusAccepted, gin.H{"order_id": id})
}

// RemoveOrder endpoint DELETE /orders/:id
func (h *NotificationHandler) RemoveOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	if err := h.service.RemoveOrder(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusAccepted, gin.H{"order_id": id})
}

// ---------------- Admin ----------------

// ListActiveOrders endpoint GET /admin/orders
func (h *NotificationHandler) ListActiveOrders(c *gin.Context) {
	orders, err := h.service.GetActiveOrders(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, orders)
}

// Stats endpoint GET /admin/stats
func (h *NotificationHandler) Stats(c *gin.Context) {
	stats, err := h.service.GetStats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, stats)
}

// ListDeadLetter endpoint GET /admin/dead-letter?limit=
func (h *NotificationHandler) ListDeadLetter(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			utils.SendBadRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	items, err := h.service.GetDeadLetterItems(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, items)
}

// RetryDeadLetter endpoint POST /admin/dead-letter/:id/retry
func (h *NotificationHandler) RetryDeadLetter(c *gin.Context) {
	id := c.Param("id")
	found, err := h.service.RetryDeadLetterItem(c.Request.Context(), id)
	switch {
	case errors.Is(err, application.ErrDeadLetterRace):
		utils.SendConflict(c, err.Error())
		return
	case err != nil:
		h.fail(c, err)
		return
	case !found:
		utils.SendNotFound(c, "dead-letter item not found")
		return
	}
	utils.SendSuccess(c, http.StatusOK, gin.H{"id": id, "requeued": true})
}

// Stream endpoint GET /admin/notifications/stream (Server-Sent Events)
func (h *NotificationHandler) Stream(c *gin.Context) {
	if h.sub == nil || h.streamsClosed() {
		utils.SendServiceUnavailable(c, "notification stream unavailable")
		return
	}

	ctx := c.Request.Context()
	sub, err := h.sub.Subscribe(ctx, domain.NotificationsChannel)
	if err != nil {
		h.log.Warn("⚠️ No se pudo abrir el stream de notificaciones", zap.Error(err))
		utils.SendServiceUnavailable(c, "notification stream unavailable")
		return
	}
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	// Las cabeceras salen ya: el cliente no debe esperar al primer evento.
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-h.closing:
			return false
		case raw, ok := <-sub.Messages():
			if !ok {
				return false
			}
			msg, err := domain.DecodeChannelMessage(raw)
			if err != nil {
				h.log.Warn("Mensaje del canal no válido", zap.Error(err))
				return true
			}
			c.SSEvent(string(msg.Action), msg)
			return true
		}
	})
}

func (h *NotificationHandler) streamsClosed() bool {
	select {
	case <-h.closing:
		return true
	default:
		return false
	}
}

// Health endpoint GET /health
func (h *NotificationHandler) Health(c *gin.Context) {
	snap := h.service.Breaker()
	status := http.StatusOK
	state := "ok"
	if snap.State == resilience.StateOpen {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "breaker": snap})
}

// ---------------- Helpers ----------------

// orderID valida que el id del pedido sea un UUID.
func orderID(c *gin.Context) (string, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.SendBadRequest(c, "invalid order id")
		return "", false
	}
	return id.String(), true
}

func (h *NotificationHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidNotification):
		utils.SendBadRequest(c, err.Error())
	case errors.Is(err, resilience.ErrCircuitOpen):
		utils.SendServiceUnavailable(c, err.Error())
	default:
		h.log.Error("❌ Error en endpoint", zap.String("path", c.FullPath()), zap.Error(err))
		utils.SendInternalServerError(c, err.Error())
	}
}
