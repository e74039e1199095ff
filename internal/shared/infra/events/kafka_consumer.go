package events

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageHandler define la interfaz que debe cumplir cualquier consumidor de eventos (como PaymentConsumer).
type MessageHandler interface {
	HandleMessage(ctx context.Context, key string, payload []byte)
}

// MessageReader es la parte de *kafka.Reader que usa el adapter.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// DefaultReadRetryDelay es la pausa tras un error de lectura que no viene del contexto.
const DefaultReadRetryDelay = time.Second

// ConsumerAdapter es el "oído" que escucha en Kafka.
type ConsumerAdapter struct {
	reader     MessageReader
	handler    MessageHandler
	topic      string
	retryDelay time.Duration
	log        *zap.Logger
}

// ConsumerOption configura el adapter.
type ConsumerOption func(*ConsumerAdapter)

// WithReadRetryDelay cambia la pausa entre lecturas fallidas.
func WithReadRetryDelay(d time.Duration) ConsumerOption {
	return func(c *ConsumerAdapter) { c.retryDelay = d }
}

func NewConsumerAdapter(reader MessageReader, topic string, handler MessageHandler, log *zap.Logger, opts ...ConsumerOption) *ConsumerAdapter {
	c := &ConsumerAdapter{
		reader:     reader,
		handler:    handler,
		topic:      topic,
		retryDelay: DefaultReadRetryDelay,
		log:        log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start inicia el bucle de consumo de mensajes en una goroutine.
func (c *ConsumerAdapter) Start(ctx context.Context) {
	go c.Run(ctx)
}

// Run consume hasta que ctx se cancela.
func (c *ConsumerAdapter) Run(ctx context.Context) {
	c.log.Info("🎧 Iniciando consumidor de Kafka...", zap.String("topic", c.topic))

	for {
		// ReadMessage es una llamada bloqueante.
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			// Si el contexto se cancela, el error es normal y salimos limpiamente.
			if ctx.Err() != nil {
				c.log.Info("Consumidor de Kafka detenido.", zap.String("topic", c.topic))
				return
			}
			c.log.Error("Error al leer mensaje de Kafka", zap.Error(err), zap.Duration("retry_in", c.retryDelay))
			if !c.wait(ctx) {
				c.log.Info("Consumidor de Kafka detenido.", zap.String("topic", c.topic))
				return
			}
			continue
		}

		c.handler.HandleMessage(ctx, string(msg.Key), msg.Value)
	}
}

// wait pausa antes de reintentar la lectura; false si ctx se canceló.
func (c *ConsumerAdapter) wait(ctx context.Context) bool {
	if c.retryDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(c.retryDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

var _ MessageReader = (*kafka.Reader)(nil)
