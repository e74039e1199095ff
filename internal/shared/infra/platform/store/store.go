package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrWrongType se devuelve al operar sobre una clave que guarda otro tipo de valor.
	ErrWrongType = errors.New("store: operation against a key holding the wrong kind of value")
	// ErrClosed se devuelve al usar una suscripción ya cerrada.
	ErrClosed = errors.New("store: subscription closed")
)

// KeyValueStore define el contrato mínimo que el núcleo necesita de un store
// clave-valor remoto. Todos los valores son texto UTF-8; la serialización JSON
// es responsabilidad del llamante. Las implementaciones pueden fallar de forma
// transitoria (timeouts, rate limits) y el llamante debe asumirlo.
type KeyValueStore interface {
	// Get devuelve (valor, true, nil) en hit y ("", false, nil) en miss.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set guarda el valor; ttl <= 0 significa sin expiración.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// TTL devuelve -1 si la clave no expira y -2 si no existe, como Redis.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)

	RPush(ctx context.Context, key string, values ...string) (int64, error)
	// LPop devuelve ("", false, nil) si la lista está vacía.
	LPop(ctx context.Context, key string) (string, bool, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key string, count int64, value string) (int64, error)

	Publish(ctx context.Context, channel, message string) (int64, error)

	// SetNX escribe solo si la clave no existe, con expiración atómica.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// Subscription entrega los mensajes de un canal hasta que se cierra.
type Subscription interface {
	Messages() <-chan string
	Close() error
}

// Subscriber es la parte pub/sub del store que usan los consumidores del canal.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}
