package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State del circuit breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

const (
	DefaultThreshold = 3
	DefaultCooldown  = 10 * time.Second
)

// CircuitBreaker cuenta fallos consecutivos contra el store y corta los
// intentos durante un cooldown al superar el umbral. El estado es local al
// proceso: cada worker tiene el suyo.
type CircuitBreaker struct {
	mu            sync.Mutex
	threshold     int
	cooldown      time.Duration
	failureCount  int
	state         State
	nextAttemptAt time.Time
	probing       bool
	now           func() time.Time
	log           *zap.Logger
}

// BreakerOption configura el breaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock inyecta el reloj (tests).
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) { b.now = now }
}

// NewCircuitBreaker crea un breaker cerrado. Valores <= 0 usan los defaults.
func NewCircuitBreaker(threshold int, cooldown time.Duration, log *zap.Logger, opts ...BreakerOption) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if log == nil {
		log = zap.NewNop()
	}
	b := &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		now:       time.Now,
		log:       log,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CanAttempt devuelve false mientras el circuito está abierto y no ha vencido
// el cooldown. Al vencer pasa a half-open y deja pasar una única sonda hasta
// que se registre su resultado.
func (b *CircuitBreaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Before(b.nextAttemptAt) {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		b.log.Info("🟡 Circuit breaker en half-open, enviando sonda")
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return true
}

// Success cierra el circuito y reinicia el contador.
func (b *CircuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.log.Info("✅ Circuit breaker cerrado")
	}
	b.failureCount = 0
	b.state = StateClosed
	b.probing = false
}

// Fail registra un fallo y abre el circuito al alcanzar el umbral.
func (b *CircuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.probing = false
	if b.failureCount >= b.threshold {
		b.state = StateOpen
		b.nextAttemptAt = b.now().Add(b.cooldown)
		b.log.Warn("🚨 Circuit breaker abierto",
			zap.Int("failures", b.failureCount),
			zap.Duration("cooldown", b.cooldown),
		)
	}
}

// Snapshot es una copia del estado para estadísticas.
type Snapshot struct {
	State         State     `json:"state"`
	FailureCount  int       `json:"failure_count"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

func (b *CircuitBreaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{State: b.state, FailureCount: b.failureCount}
	if b.state != StateClosed {
		s.NextAttemptAt = b.nextAttemptAt
	}
	return s
}
