package application

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davicafu/ordernotify/internal/notification/domain"
	"github.com/davicafu/ordernotify/internal/shared/infra/platform/lock"
	"github.com/davicafu/ordernotify/internal/shared/infra/platform/store"
	"github.com/davicafu/ordernotify/internal/shared/infra/resilience"
)

// Options agrupa los límites del ciclo de vida outbox / dead-letter.
type Options struct {
	MaxRetries               int
	MaxOutboxAge             time.Duration
	BatchSize                int
	CleanupMaxAge            time.Duration
	DeadLetterLimit          int
	DeadLetterAlertThreshold int64
	IdempotencyTTL           time.Duration
	RebuildLimit             int

	DrainLockTTL       time.Duration
	CleanupLockTTL     time.Duration
	MaintenanceLockTTL time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:               5,
		MaxOutboxAge:             24 * time.Hour,
		BatchSize:                20,
		CleanupMaxAge:            12 * time.Hour,
		DeadLetterLimit:          50,
		DeadLetterAlertThreshold: 10,
		IdempotencyTTL:           24 * time.Hour,
		RebuildLimit:             500,
		DrainLockTTL:             2 * time.Minute,
		CleanupLockTTL:           10 * time.Minute,
		MaintenanceLockTTL:       10 * time.Minute,
	}
}

// NotificationService orquesta la publicación de eventos de pedidos, la
// proyección de pedidos activos y el ciclo de vida del outbox.
type NotificationService struct {
	store  store.KeyValueStore
	retry  *resilience.Executor
	locker *lock.Locker
	orders domain.OrderSource
	opts   Options
	now    func() time.Time
	log    *zap.Logger
	tracer trace.Tracer
}

// ServiceOption configura dependencias opcionales del servicio.
type ServiceOption func(*NotificationService)

// WithClock inyecta el reloj (tests).
func WithClock(now func() time.Time) ServiceOption {
	return func(s *NotificationService) { s.now = now }
}

// WithOrderSource habilita la reconstrucción de la proyección desde la tabla de pedidos.
func WithOrderSource(src domain.OrderSource) ServiceOption {
	return func(s *NotificationService) { s.orders = src }
}

// NewNotificationService constructor
func NewNotificationService(
	st store.KeyValueStore,
	retry *resilience.Executor,
	locker *lock.Locker,
	opts Options,
	log *zap.Logger,
	extra ...ServiceOption,
) *NotificationService {
	if log == nil {
		log = zap.NewNop()
	}
	s := &NotificationService{
		store:  st,
		retry:  retry,
		locker: locker,
		opts:   opts,
		now:    time.Now,
		log:    log,
		tracer: otel.Tracer("ordernotify"),
	}
	for _, opt := range extra {
		opt(s)
	}
	return s
}

// ---------------- Productores ----------------

// NotifyConfirmedOrder añade el pedido a la proyección y lo publica. Si el
// store no responde tras los reintentos, el evento queda en el outbox. Solo
// devuelve error si los datos de entrada son inválidos.
func (s *NotificationService) NotifyConfirmedOrder(ctx context.Context, data domain.OrderConfirmed) error {
	if err := data.Validate(); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	n := domain.NewNotification(data, s.now())

	s.dispatch(ctx, n, func(ctx context.Context) error {
		return s.putActive(ctx, domain.ActiveOrder{Notification: n})
	})
	return nil
}

// NotifyConfirmedOrderOnce es NotifyConfirmedOrder deduplicado por una clave
// de idempotencia (p. ej. el checkout request id del pago). Devuelve false si
// la clave ya se había visto. Si el store falla al comprobar la clave se
// notifica igualmente: se prefiere duplicar a perder.
func (s *NotificationService) NotifyConfirmedOrderOnce(ctx context.Context, idempotencyKey string, data domain.OrderConfirmed) (bool, error) {
	if err := data.Validate(); err != nil {
		return false, err
	}
	if idempotencyKey == "" {
		return true, s.NotifyConfirmedOrder(ctx, data)
	}

	first, err := s.store.SetNX(ctx, domain.IdempotencyKey("confirmed", idempotencyKey), data.ID, s.opts.IdempotencyTTL)
	if err != nil {
		s.log.Warn("⚠️ No se pudo comprobar la idempotencia, se notifica igualmente",
			zap.String("order_id", data.ID),
			zap.String("idempotency_key", idempotencyKey),
			zap.Error(err),
		)
		first = true
	}
	if !first {
		s.log.Info("Evento de confirmación duplicado ignorado",
			zap.String("order_id", data.ID),
			zap.String("idempotency_key", idempotencyKey),
		)
		return false, nil
	}
	return true, s.NotifyConfirmedOrder(ctx, data)
}

// NotifyOrderShared marca el pedido como compartido con un rider y lo publica
// para que todos los admins lo vean en gris. Si el pedido no está en la
// proyección solo se publica.
func (s *NotificationService) NotifyOrderShared(ctx context.Context, data domain.OrderShared) error {
	if err := data.Validate(); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	n := domain.NewNotification(data, s.now())

	s.dispatch(ctx, n, func(ctx context.Context) error {
		return s.markShared(ctx, data, n.Timestamp)
	})
	return nil
}

// RemoveOrder elimina el pedido de la proyección cuando el admin lo acepta o rechaza.
func (s *NotificationService) RemoveOrder(ctx context.Context, orderID string) error {
	data := domain.OrderRemoved{ID: orderID}
	if err := data.Validate(); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	n := domain.NewNotification(data, s.now())

	s.dispatch(ctx, n, func(ctx context.Context) error {
		return s.deleteActive(ctx, orderID)
	})
	return nil
}

// dispatch aplica la proyección y publica; ante fallo persistente encola en el outbox.
func (s *NotificationService) dispatch(ctx context.Context, n domain.Notification, project func(ctx context.Context) error) {
	err := project(ctx)
	if err == nil {
		err = s.publish(ctx, domain.NotificationsChannel, n)
	}
	if err != nil {
		s.log.Error("❌ Falló la notificación directa, se encola en el outbox",
			zap.String("order_id", n.OrderID()),
			zap.String("type", string(n.Kind())),
			zap.Error(err),
		)
		item, ierr := domain.NewOutboxItem(n, domain.NotificationsChannel, s.now())
		if ierr != nil {
			s.log.Error("❌ No se pudo construir el item de outbox", zap.Error(ierr))
			return
		}
		s.addToOutbox(ctx, item)
		return
	}

	s.log.Info("📢 Notificación guardada y publicada",
		zap.String("order_id", n.OrderID()),
		zap.String("type", string(n.Kind())),
	)
}

// ---------------- Operaciones sobre el store ----------------

func (s *NotificationService) putActive(ctx context.Context, order domain.ActiveOrder) error {
	raw, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return s.retry.Run(ctx, "hset", func(ctx context.Context) error {
		return s.store.HSet(ctx, domain.ActiveOrdersKey, order.OrderID(), string(raw))
	})
}

func (s *NotificationService) deleteActive(ctx context.Context, orderID string) error {
	return s.retry.Run(ctx, "hdel", func(ctx context.Context) error {
		_, err := s.store.HDel(ctx, domain.ActiveOrdersKey, orderID)
		return err
	})
}

type lookup struct {
	value string
	found bool
}

func (s *NotificationService) getActiveRaw(ctx context.Context, orderID string) (string, bool, error) {
	res, err := resilience.Do(ctx, s.retry, "hget", func(ctx context.Context) (lookup, error) {
		v, ok, err := s.store.HGet(ctx, domain.ActiveOrdersKey, orderID)
		return lookup{value: v, found: ok}, err
	})
	return res.value, res.found, err
}

// markShared lee la entrada, fusiona los campos de compartido y la reescribe.
// La lectura y la escritura no son atómicas: una actualización concurrente
// del mismo pedido puede perderse.
func (s *NotificationService) markShared(ctx context.Context, data domain.OrderShared, at time.Time) error {
	raw, found, err := s.getActiveRaw(ctx, data.ID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	order, err := domain.DecodeActiveOrder(raw)
	if err != nil {
		s.log.Warn("🧹 Entrada de la proyección corrupta, no se fusiona el share",
			zap.String("order_id", data.ID),
			zap.Error(err),
		)
		return nil
	}
	order.MarkShared(data.SharedBy, at)
	return s.putActive(ctx, order)
}

func (s *NotificationService) publish(ctx context.Context, channel string, n domain.Notification) error {
	msg, err := domain.NewChannelMessage(n)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if channel == "" {
		channel = domain.NotificationsChannel
	}
	return s.retry.Run(ctx, "publish", func(ctx context.Context) error {
		_, err := s.store.Publish(ctx, channel, string(raw))
		return err
	})
}

// addToOutbox escribe directamente en el store, sin pasar por el breaker: si
// el circuito está abierto es justo cuando más falta hace el outbox.
func (s *NotificationService) addToOutbox(ctx context.Context, item domain.OutboxItem) bool {
	raw, err := json.Marshal(item)
	if err != nil {
		s.log.Error("❌ CRITICAL: item de outbox no serializable", zap.String("item_id", item.ID), zap.Error(err))
		return false
	}
	if _, err := s.store.RPush(ctx, domain.OutboxKey, string(raw)); err != nil {
		s.log.Error("❌ CRITICAL: no se pudo añadir al outbox", zap.String("item_id", item.ID), zap.Error(err))
		return false
	}
	s.log.Info("📥 Añadido al outbox", zap.String("item_id", item.ID))
	return true
}

// ---------------- Lectura ----------------

// GetActiveOrders devuelve la proyección completa; las entradas corruptas se
// omiten y se registran.
func (s *NotificationService) GetActiveOrders(ctx context.Context) ([]domain.ActiveOrder, error) {
	entries, err := s.activeEntries(ctx)
	if err != nil {
		return nil, err
	}

	orders := make([]domain.ActiveOrder, 0, len(entries))
	for id, raw := range entries {
		order, err := domain.DecodeActiveOrder(raw)
		if err != nil {
			s.log.Warn("Entrada corrupta en la proyección", zap.String("order_id", id), zap.Error(err))
			continue
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (s *NotificationService) activeEntries(ctx context.Context) (map[string]string, error) {
	return resilience.Do(ctx, s.retry, "hgetall", func(ctx context.Context) (map[string]string, error) {
		return s.store.HGetAll(ctx, domain.ActiveOrdersKey)
	})
}

// Breaker expone el estado del circuit breaker para estadísticas.
func (s *NotificationService) Breaker() resilience.Snapshot {
	return s.retry.Breaker().Snapshot()
}

// isCircuitOpen permite cortar un lote cuando el breaker no admite intentos.
func isCircuitOpen(err error) bool {
	return errors.Is(err, resilience.ErrCircuitOpen)
}
