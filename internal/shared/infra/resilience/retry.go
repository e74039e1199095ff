package resilience

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen se devuelve sin tocar el store cuando el breaker no admite intentos.
var ErrCircuitOpen = errors.New("circuit breaker: store temporarily disabled")

const maxJitter = time.Second

// RetryOptions controla el backoff exponencial.
type RetryOptions struct {
	Attempts     int
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultRetryOptions: 5 intentos, 200ms inicial, factor 2, tope 10s, con jitter.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		Attempts:     5,
		InitialDelay: 200 * time.Millisecond,
		Factor:       2,
		MaxDelay:     10 * time.Second,
		Jitter:       true,
	}
}

func (o RetryOptions) withDefaults() RetryOptions {
	d := DefaultRetryOptions()
	if o.Attempts <= 0 {
		o.Attempts = d.Attempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = d.InitialDelay
	}
	if o.Factor < 1 {
		o.Factor = d.Factor
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	return o
}

// Executor ejecuta operaciones contra el store con reintentos, protegido por
// un CircuitBreaker. Las operaciones deben ser idempotentes o seguras de repetir.
type Executor struct {
	breaker *CircuitBreaker
	opts    RetryOptions
	log     *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand
}

// ExecutorOption configura el executor.
type ExecutorOption func(*Executor)

// WithSleep sustituye la espera entre intentos (tests).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) { e.sleep = sleep }
}

// WithRand fija la fuente aleatoria del jitter.
func WithRand(rng *rand.Rand) ExecutorOption {
	return func(e *Executor) { e.rng = rng }
}

func NewExecutor(breaker *CircuitBreaker, opts RetryOptions, log *zap.Logger, extra ...ExecutorOption) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Executor{
		breaker: breaker,
		opts:    opts.withDefaults(),
		log:     log,
		sleep:   sleepContext,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range extra {
		opt(e)
	}
	return e
}

func (e *Executor) Breaker() *CircuitBreaker { return e.breaker }

// Run ejecuta fn con reintentos. Ver Do.
func (e *Executor) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, e, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do consulta el breaker antes del primer intento; si está abierto falla con
// ErrCircuitOpen. Cada fallo se registra en el breaker y, si quedan intentos,
// espera min(tope, inicial*factor^(n-1)) más un jitter en [0, min(1s, delay)).
// Al agotar los intentos devuelve el último error.
func Do[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !e.breaker.CanAttempt() {
		return zero, ErrCircuitOpen
	}

	delay := e.opts.InitialDelay
	for attempt := 1; ; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			e.breaker.Success()
			return res, nil
		}

		e.breaker.Fail()
		if attempt >= e.opts.Attempts {
			return zero, err
		}

		wait := e.backoff(delay)
		e.log.Warn("⚠️ Operación contra el store falló, reintentando",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if serr := e.sleep(ctx, wait); serr != nil {
			return zero, err
		}
		delay = e.nextDelay(delay)
	}
}

// backoff devuelve la espera para el delay actual, con jitter acotado a 1s.
func (e *Executor) backoff(delay time.Duration) time.Duration {
	wait := delay
	if wait > e.opts.MaxDelay {
		wait = e.opts.MaxDelay
	}
	if !e.opts.Jitter {
		return wait
	}
	bound := delay
	if bound > maxJitter {
		bound = maxJitter
	}
	if bound <= 0 {
		return wait
	}
	e.rngMu.Lock()
	j := time.Duration(e.rng.Int63n(int64(bound)))
	e.rngMu.Unlock()
	return wait + j
}

func (e *Executor) nextDelay(delay time.Duration) time.Duration {
	next := time.Duration(float64(delay) * e.opts.Factor)
	if next > e.opts.MaxDelay {
		next = e.opts.MaxDelay
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
