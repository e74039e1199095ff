package bus

import "context"

// Keyer lo implementan los eventos que deben ir siempre a la misma partición,
// p. ej. los mensajes de un mismo pedido.
type Keyer interface {
	PartitionKey() string
}

// EventBus publica un evento hacia fuera del proceso. El topic y la
// codificación los decide cada adapter; el publicador de Kafka acepta []byte
// ya codificados o cualquier valor serializable a JSON.
type EventBus interface {
	Publish(ctx context.Context, event interface{}) error
}
