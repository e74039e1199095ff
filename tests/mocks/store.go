package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/davicafu/ordernotify/internal/shared/infra/platform/store"
)

// ErrStoreDown es el error que devuelve FlakyStore mientras está caído.
var ErrStoreDown = errors.New("store unavailable")

// FlakyStore envuelve un KeyValueStore real y permite simular caídas, ya sea
// de forma indefinida (Down/Up) o para las próximas N llamadas (FailNext).
// Si Only tiene operaciones, solo esas fallan.
type FlakyStore struct {
	store.KeyValueStore

	mu       sync.Mutex
	down     bool
	failNext int
	only     map[string]bool
	calls    map[string]int
}

// Verificación estática
var _ store.KeyValueStore = (*FlakyStore)(nil)

func NewFlakyStore(inner store.KeyValueStore) *FlakyStore {
	return &FlakyStore{KeyValueStore: inner, calls: make(map[string]int)}
}

func (f *FlakyStore) Down() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = true
}

func (f *FlakyStore) Up() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = false
	f.failNext = 0
	f.only = nil
}

// FailNext hace fallar las próximas n llamadas.
func (f *FlakyStore) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

// Only restringe los fallos a las operaciones indicadas ("hset", "publish", ...).
func (f *FlakyStore) Only(ops ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.only = make(map[string]bool, len(ops))
	for _, op := range ops {
		f.only[op] = true
	}
}

// Calls devuelve cuántas veces se llamó a una operación.
func (f *FlakyStore) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FlakyStore) fail(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.only != nil && !f.only[op] {
		return nil
	}
	if f.down {
		return ErrStoreDown
	}
	if f.failNext > 0 {
		f.failNext--
		return ErrStoreDown
	}
	return nil
}

func (f *FlakyStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := f.fail("get"); err != nil {
		return "", false, err
	}
	return f.KeyValueStore.Get(ctx, key)
}

func (f *FlakyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := f.fail("set"); err != nil {
		return err
	}
	return f.KeyValueStore.Set(ctx, key, value, ttl)
}

func (f *FlakyStore) Del(ctx context.Context, keys ...string) error {
	if err := f.fail("del"); err != nil {
		return err
	}
	return f.KeyValueStore.Del(ctx, keys...)
}

func (f *FlakyStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := f.fail("ttl"); err != nil {
		return 0, err
	}
	return f.KeyValueStore.TTL(ctx, key)
}

func (f *FlakyStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := f.fail("expire"); err != nil {
		return false, err
	}
	return f.KeyValueStore.Expire(ctx, key, ttl)
}

func (f *FlakyStore) Incr(ctx context.Context, key string) (int64, error) {
	if err := f.fail("incr"); err != nil {
		return 0, err
	}
	return f.KeyValueStore.Incr(ctx, key)
}

func (f *FlakyStore) HSet(ctx context.Context, key, field, value string) error {
	if err := f.fail("hset"); err != nil {
		return err
	}
	return f.KeyValueStore.HSet(ctx, key, field, value)
}

func (f *FlakyStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	if err := f.fail("hget"); err != nil {
		return "", false, err
	}
	return f.KeyValueStore.HGet(ctx, key, field)
}

func (f *FlakyStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := f.fail("hgetall"); err != nil {
		return nil, err
	}
	return f.KeyValueStore.HGetAll(ctx, key)
}

func (f *FlakyStore) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	if err := f.fail("hdel"); err != nil {
		return 0, err
	}
	return f.KeyValueStore.HDel(ctx, key, fields...)
}

func (f *FlakyStore) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	if err := f.fail("rpush"); err != nil {
		return 0, err
	}
	return f.KeyValueStore.RPush(ctx, key, values...)
}

func (f *FlakyStore) LPop(ctx context.Context, key string) (string, bool, error) {
	if err := f.fail("lpop"); err != nil {
		return "", false, err
	}
	return f.KeyValueStore.LPop(ctx, key)
}

func (f *FlakyStore) LLen(ctx context.Context, key string) (int64, error) {
	if err := f.fail("llen"); err != nil {
		return 0, err
	}
	return f.KeyValueStore.LLen(ctx, key)
}

func (f *FlakyStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := f.fail("lrange"); err != nil {
		return nil, err
	}
	return f.KeyValueStore.LRange(ctx, key, start, stop)
}

func (f *FlakyStore) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	if err := f.fail("lrem"); err != nil {
		return 0, err
	}
	return f.KeyValueStore.LRem(ctx, key, count, value)
}

func (f *FlakyStore) Publish(ctx context.Context, channel, message string) (int64, error) {
	if err := f.fail("publish"); err != nil {
		return 0, err
	}
	return f.KeyValueStore.Publish(ctx, channel, message)
}

func (f *FlakyStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := f.fail("setnx"); err != nil {
		return false, err
	}
	return f.KeyValueStore.SetNX(ctx, key, value, ttl)
}
