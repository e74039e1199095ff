package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const sentinel = "1"

// ErrInvalidTTL: sin TTL la clave no expiraría nunca y el lock quedaría tomado.
var ErrInvalidTTL = errors.New("lock ttl must be positive")

// LockStore es la parte del store que necesita el lock.
type LockStore interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Locker es un lock distribuido best-effort sobre SET NX con TTL. No guarda
// identidad del dueño ni fencing tokens: sirve para secciones críticas cortas
// e idempotentes, como los jobs periódicos.
type Locker struct {
	store LockStore
	log   *zap.Logger
}

func NewLocker(store LockStore, log *zap.Logger) *Locker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Locker{store: store, log: log}
}

// WithLock ejecuta fn solo si consigue el lock y devuelve acquired=false, sin
// error, si otro proceso lo tiene. fn recibe un contexto que vence con el TTL
// del lock: si fn lo sobrepasa, el lock ya no le protege, así que no se borra
// la clave (podría pertenecer a otro dueño) y se devuelve context.DeadlineExceeded
// si fn lo propaga.
func WithLock[T any](ctx context.Context, l *Locker, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (result T, acquired bool, err error) {
	if ttl <= 0 {
		return result, false, fmt.Errorf("%w: %s got %s", ErrInvalidTTL, key, ttl)
	}

	ok, err := l.store.SetNX(ctx, key, sentinel, ttl)
	if err != nil {
		return result, false, err
	}
	if !ok {
		remaining, _ := l.store.TTL(ctx, key)
		l.log.Info("🔒 Lock ocupado, se omite la ejecución",
			zap.String("lock", key),
			zap.Duration("remaining", remaining),
		)
		return result, false, nil
	}

	fnCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	defer func() {
		if errors.Is(fnCtx.Err(), context.DeadlineExceeded) {
			l.log.Warn("⏰ La sección crítica superó el TTL del lock, no se libera",
				zap.String("lock", key),
				zap.Duration("ttl", ttl),
			)
			return
		}
		releaseCtx, cancelRelease := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancelRelease()
		if derr := l.store.Del(releaseCtx, key); derr != nil {
			l.log.Warn("⚠️ No se pudo liberar el lock", zap.String("lock", key), zap.Error(derr))
		}
	}()

	result, err = fn(fnCtx)
	if err != nil {
		l.log.Error("❌ Error mientras se tenía el lock", zap.String("lock", key), zap.Error(err))
	}
	return result, true, err
}

// Run es WithLock para funciones sin resultado.
func (l *Locker) Run(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	_, acquired, err := WithLock(ctx, l, key, ttl, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return acquired, err
}
