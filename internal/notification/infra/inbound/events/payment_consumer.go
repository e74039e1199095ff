package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/davicafu/ordernotify/internal/notification/domain"
	sharedEvents "github.com/davicafu/ordernotify/internal/shared/events"
	sharedUtils "github.com/davicafu/ordernotify/internal/shared/infra/utils"
)

// Notifier es la parte del servicio de notificaciones que usa el consumidor.
type Notifier interface {
	NotifyConfirmedOrderOnce(ctx context.Context, idempotencyKey string, data domain.OrderConfirmed) (bool, error)
	RemoveOrder(ctx context.Context, orderID string) error
}

// PaymentConsumer traduce los eventos del servicio de pagos a notificaciones.
type PaymentConsumer struct {
	service Notifier
	timeout time.Duration
	log     *zap.Logger
}

func NewPaymentConsumer(service Notifier, logger *zap.Logger) *PaymentConsumer {
	return &PaymentConsumer{service: service, timeout: 30 * time.Second, log: logger}
}

func (c *PaymentConsumer) HandleMessage(ctx context.Context, key string, payload []byte) {
	var base sharedEvents.IntegrationEvent
	if err := json.Unmarshal(payload, &base); err != nil {
		c.log.Warn("Failed to unmarshal integration event", zap.String("key", key), zap.Error(err))
		return
	}

	switch base.Type {
	case sharedEvents.PaymentConfirmedType:
		sharedUtils.HandleEvent(c.log, base, func(evt sharedEvents.PaymentConfirmed) {
			// La clave de idempotencia es el checkout request id; si no viene, la clave del mensaje.
			idem := evt.CheckoutRequestID
			if idem == "" {
				idem = key
			}
			c.withContext(ctx, evt.OrderID, func(ctx context.Context) error {
				first, err := c.service.NotifyConfirmedOrderOnce(ctx, idem, domain.OrderConfirmed{
					ID:               evt.OrderID,
					PaymentReference: evt.PaymentReference,
					Amount:           evt.Amount,
					PhoneNumber:      evt.PhoneNumber,
				})
				if err == nil && !first {
					c.log.Info("Evento 'payment.confirmed' duplicado ignorado", zap.String("order_id", evt.OrderID))
				}
				return err
			}, "Pedido confirmado vía evento")
		})

	case sharedEvents.OrderResolvedType:
		sharedUtils.HandleEvent(c.log, base, func(evt sharedEvents.OrderResolved) {
			c.withContext(ctx, evt.OrderID, func(ctx context.Context) error {
				return c.service.RemoveOrder(ctx, evt.OrderID)
			}, "Pedido resuelto vía evento")
		})

	default:
		c.log.Warn("Unknown event type", zap.String("type", base.Type))
	}
}

// Helper para ejecutar acción con contexto limitado y log
func (c *PaymentConsumer) withContext(ctx context.Context, orderID string, action func(ctx context.Context) error, successMsg string) {
	ctxOrder, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := action(ctxOrder); err != nil {
		c.log.Warn("Failed to process payment event", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	c.log.Info(successMsg, zap.String("order_id", orderID))
}
