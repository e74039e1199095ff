package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/davicafu/ordernotify/internal/notification/domain"
	sharedBus "github.com/davicafu/ordernotify/internal/shared/infra/platform/bus"
	"github.com/davicafu/ordernotify/internal/shared/infra/platform/store"
)

// KafkaBridge reenvía al bus cada mensaje del canal de notificaciones del
// admin, para consumidores que no hablan Redis. El canal es fire-and-forget:
// lo que se publique mientras el bridge no está suscrito se pierde.
type KafkaBridge struct {
	sub       store.Subscriber
	publisher sharedBus.EventBus
	channel   string
	log       *zap.Logger
}

func NewKafkaBridge(sub store.Subscriber, publisher sharedBus.EventBus, log *zap.Logger) *KafkaBridge {
	return &KafkaBridge{sub: sub, publisher: publisher, channel: domain.NotificationsChannel, log: log}
}

// Run bloquea hasta que ctx se cancela o se cierra la suscripción.
func (b *KafkaBridge) Run(ctx context.Context) error {
	subscription, err := b.sub.Subscribe(ctx, b.channel)
	if err != nil {
		return err
	}
	defer subscription.Close()

	b.log.Info("🌉 Bridge a Kafka suscrito", zap.String("channel", b.channel))
	for {
		select {
		case <-ctx.Done():
			b.log.Info("🛑 Bridge a Kafka detenido.")
			return nil
		case raw, ok := <-subscription.Messages():
			if !ok {
				return store.ErrClosed
			}
			b.forward(ctx, raw)
		}
	}
}

func (b *KafkaBridge) forward(ctx context.Context, raw string) {
	msg, err := domain.DecodeChannelMessage(raw)
	if err != nil {
		b.log.Warn("Mensaje del canal no válido, no se reenvía", zap.Error(err))
		return
	}
	if err := b.publisher.Publish(ctx, msg); err != nil {
		b.log.Warn("⚠️ No se pudo reenviar a Kafka",
			zap.String("order_id", msg.OrderID),
			zap.String("action", string(msg.Action)),
			zap.Error(err),
		)
	}
}
