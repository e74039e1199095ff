package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type entryKind int

const (
	kindString entryKind = iota
	kindHash
	kindList
)

// entry guarda el valor y el instante de expiración (cero = no expira).
type entry struct {
	kind      entryKind
	str       string
	hash      map[string]string
	list      []string
	expiresAt time.Time
}

// InMemoryStore implementa KeyValueStore con mapas en memoria. Sirve de
// fallback local cuando Redis no está disponible y como store de tests.
type InMemoryStore struct {
	mu          sync.RWMutex // RWMutex permite múltiples lectores o un solo escritor.
	data        map[string]*entry
	subscribers map[string][]chan string
	now         func() time.Time
	stopChan    chan struct{}
	stopOnce    sync.Once
}

// Verificación estática
var (
	_ KeyValueStore = (*InMemoryStore)(nil)
	_ Subscriber    = (*InMemoryStore)(nil)
)

// InMemoryOption configura el store en memoria.
type InMemoryOption func(*InMemoryStore)

// WithClock inyecta el reloj usado para las expiraciones.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryStore) { s.now = now }
}

// NewInMemoryStore crea el store. Si cleanupInterval > 0 arranca una goroutine
// que elimina claves expiradas periódicamente; llama a Stop al apagar.
func NewInMemoryStore(cleanupInterval time.Duration, opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		data:        make(map[string]*entry),
		subscribers: make(map[string][]chan string),
		now:         time.Now,
		stopChan:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}
	return s
}

// Stop detiene la goroutine de limpieza.
func (s *InMemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *InMemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			for key, e := range s.data {
				if s.expired(e) {
					delete(s.data, key)
				}
			}
			s.mu.Unlock()
		case <-s.stopChan:
			return
		}
	}
}

func (s *InMemoryStore) expired(e *entry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}

// lookup devuelve la entrada viva de la clave. Requiere el lock tomado.
func (s *InMemoryStore) lookup(key string) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if s.expired(e) {
		delete(s.data, key)
		return nil
	}
	return e
}

// typed devuelve la entrada si es del tipo esperado, nil si no existe.
func (s *InMemoryStore) typed(key string, kind entryKind) (*entry, error) {
	e := s.lookup(key)
	if e == nil {
		return nil, nil
	}
	if e.kind != kind {
		return nil, ErrWrongType
	}
	return e, nil
}

func (s *InMemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *InMemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.typed(key, kindString)
	if err != nil || e == nil {
		return "", false, err
	}
	return e.str, true, nil
}

func (s *InMemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = &entry{kind: kindString, str: value, expiresAt: s.deadline(ttl)}
	return nil
}

func (s *InMemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *InMemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	switch {
	case e == nil:
		return -2, nil
	case e.expiresAt.IsZero():
		return -1, nil
	}
	return e.expiresAt.Sub(s.now()), nil
}

func (s *InMemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		return false, nil
	}
	if ttl <= 0 {
		delete(s.data, key)
		return true, nil
	}
	e.expiresAt = s.now().Add(ttl)
	return true, nil
}

func (s *InMemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.typed(key, kindString)
	if err != nil {
		return 0, err
	}
	if e == nil {
		s.data[key] = &entry{kind: kindString, str: "1"}
		return 1, nil
	}
	n, err := strconv.ParseInt(e.str, 10, 64)
	if err != nil {
		return 0, ErrWrongType
	}
	n++
	e.str = strconv.FormatInt(n, 10)
	return n, nil
}

func (s *InMemoryStore) HSet(ctx context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.typed(key, kindHash)
	if err != nil {
		return err
	}
	if e == nil {
		e = &entry{kind: kindHash, hash: make(map[string]string)}
		s.data[key] = e
	}
	e.hash[field] = value
	return nil
}

func (s *InMemoryStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.typed(key, kindHash)
	if err != nil || e == nil {
		return "", false, err
	}
	v, ok := e.hash[field]
	return v, ok, nil
}

func (s *InMemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)
	e, err := s.typed(key, kindHash)
	if err != nil || e == nil {
		return out, err
	}
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

func (s *InMemoryStore) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.typed(key, kindHash)
	if err != nil || e == nil {
		return 0, err
	}
	var removed int64
	for _, f := range fields {
		if _, ok := e.hash[f]; ok {
			delete(e.hash, f)
			removed++
		}
	}
	if len(e.hash) == 0 {
		delete(s.data, key)
	}
	return removed, nil
}

func (s *InMemoryStore) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.typed(key, kindList)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = &entry{kind: kindList}
		s.data[key] = e
	}
	e.list = append(e.list, values...)
	return int64(len(e.list)), nil
}

func (s *InMemoryStore) LPop(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.typed(key, kindList)
	if err != nil || e == nil || len(e.list) == 0 {
		return "", false, err
	}
	v := e.list[0]
	e.list = e.list[1:]
	if len(e.list) == 0 {
		delete(s.data, key)
	}
	return v, true, nil
}

func (s *InMemoryStore) LLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.typed(key, kindList)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.list)), nil
}

// LRange sigue la semántica de Redis: índices inclusivos, negativos desde el final.
func (s *InMemoryStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.typed(key, kindList)
	if err != nil || e == nil {
		return []string{}, err
	}

	n := int64(len(e.list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return []string{}, nil
	}

	out := make([]string, stop-start+1)
	copy(out, e.list[start:stop+1])
	return out, nil
}

// LRem elimina hasta count apariciones de value; count 0 elimina todas y un
// count negativo recorre desde el final.
func (s *InMemoryStore) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.typed(key, kindList)
	if err != nil || e == nil {
		return 0, err
	}

	limit := count
	if limit < 0 {
		limit = -limit
	}
	removeAt := make(map[int]bool)
	matches := func(i int) bool {
		if e.list[i] != value || (limit > 0 && int64(len(removeAt)) >= limit) {
			return false
		}
		removeAt[i] = true
		return true
	}
	if count >= 0 {
		for i := 0; i < len(e.list); i++ {
			matches(i)
		}
	} else {
		for i := len(e.list) - 1; i >= 0; i-- {
			matches(i)
		}
	}

	kept := e.list[:0:0]
	for i, v := range e.list {
		if !removeAt[i] {
			kept = append(kept, v)
		}
	}
	e.list = kept
	if len(e.list) == 0 {
		delete(s.data, key)
	}
	return int64(len(removeAt)), nil
}

func (s *InMemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookup(key) != nil {
		return false, nil
	}
	s.data[key] = &entry{kind: kindString, str: value, expiresAt: s.deadline(ttl)}
	return true, nil
}

// Publish entrega el mensaje a los suscriptores del canal sin bloquear; un
// suscriptor con el buffer lleno pierde el mensaje, como en Redis pub/sub.
func (s *InMemoryStore) Publish(ctx context.Context, channel, message string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var delivered int64
	for _, sub := range s.subscribers[channel] {
		select {
		case sub <- message:
			delivered++
		default:
		}
	}
	return delivered, nil
}

func (s *InMemoryStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan string, 64)
	s.subscribers[channel] = append(s.subscribers[channel], ch)
	return &memorySubscription{store: s, channel: channel, ch: ch}, nil
}

func (s *InMemoryStore) unsubscribe(channel string, ch chan string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscribers[channel]
	for i, c := range subs {
		if c == ch {
			s.subscribers[channel] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

type memorySubscription struct {
	store   *InMemoryStore
	channel string
	ch      chan string
	once    sync.Once
}

func (m *memorySubscription) Messages() <-chan string { return m.ch }

func (m *memorySubscription) Close() error {
	m.once.Do(func() { m.store.unsubscribe(m.channel, m.ch) })
	return nil
}
