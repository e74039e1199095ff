package application

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/davicafu/ordernotify/internal/notification/domain"
	"github.com/davicafu/ordernotify/internal/shared/infra/resilience"
)

// ErrNoOrderSource se devuelve al reconstruir sin fuente de pedidos configurada.
var ErrNoOrderSource = errors.New("order source not configured")

// Stats es la foto operativa del sistema de notificaciones.
type Stats struct {
	ActiveOrders      int                 `json:"activeOrders"`
	OutboxSize        int64               `json:"outboxSize"`
	DeadLetterSize    int64               `json:"deadLetterSize"`
	OldestOrderAge    time.Duration       `json:"-"`
	OldestOrderLabel  string              `json:"oldestOrderAge,omitempty"`
	DeadLetteredToday int64               `json:"deadLetteredToday"`
	LastDrainAt       *time.Time          `json:"lastDrainAt,omitempty"`
	Breaker           resilience.Snapshot `json:"breaker"`
}

// CleanupOldOrders barre la proyección y borra las entradas más antiguas que
// maxAge o que no se puedan decodificar. No toca outbox ni dead-letter.
func (s *NotificationService) CleanupOldOrders(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = s.opts.CleanupMaxAge
	}

	entries, err := s.activeEntries(ctx)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		s.log.Info("✅ No hay pedidos que limpiar")
		return 0, nil
	}

	now := s.now()
	cleaned := 0
	for id, raw := range entries {
		order, derr := domain.DecodeActiveOrder(raw)
		if derr == nil {
			age := now.Sub(order.Timestamp)
			if age <= maxAge {
				continue
			}
			s.log.Info("🧹 Pedido obsoleto eliminado", zap.String("order_id", id), zap.String("age", formatHours(age)))
		} else {
			s.log.Info("🧹 Entrada corrupta eliminada", zap.String("order_id", id), zap.Error(derr))
		}

		if err := s.deleteActive(ctx, id); err != nil {
			return cleaned, err
		}
		cleaned++
	}

	if cleaned > 0 {
		s.log.Info("✅ Limpieza completada", zap.Int("removed", cleaned))
	}
	return cleaned, nil
}

// GetStats es de solo lectura.
func (s *NotificationService) GetStats(ctx context.Context) (Stats, error) {
	active, err := s.GetActiveOrders(ctx)
	if err != nil {
		return Stats{}, err
	}
	outboxSize, err := s.listLen(ctx, domain.OutboxKey)
	if err != nil {
		return Stats{}, err
	}
	deadLetterSize, err := s.listLen(ctx, domain.DeadLetterKey)
	if err != nil {
		return Stats{}, err
	}

	now := s.now()
	stats := Stats{
		ActiveOrders:   len(active),
		OutboxSize:     outboxSize,
		DeadLetterSize: deadLetterSize,
		Breaker:        s.Breaker(),
	}

	if len(active) > 0 {
		oldest := active[0].Timestamp
		for _, o := range active[1:] {
			if o.Timestamp.Before(oldest) {
				oldest = o.Timestamp
			}
		}
		stats.OldestOrderAge = now.Sub(oldest)
		stats.OldestOrderLabel = formatHours(stats.OldestOrderAge)
	}

	// Los contadores auxiliares son informativos: un fallo no invalida la foto.
	if v, ok, err := s.store.Get(ctx, domain.DeadLetterDailyKey(now.UTC().Format("2006-01-02"))); err == nil && ok {
		stats.DeadLetteredToday = parseInt64(v)
	}
	if v, ok, err := s.store.Get(ctx, domain.JobLastRunKey(JobOutboxDrain)); err == nil && ok {
		if t, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
			stats.LastDrainAt = &t
		}
	}

	return stats, nil
}

func (s *NotificationService) listLen(ctx context.Context, key string) (int64, error) {
	return resilience.Do(ctx, s.retry, "llen", func(ctx context.Context) (int64, error) {
		return s.store.LLen(ctx, key)
	})
}

// RebuildActiveOrders repuebla la proyección desde la tabla de pedidos con
// los pedidos pendientes que falten en el hash. No publica nada: la
// proyección es un modelo de lectura.
func (s *NotificationService) RebuildActiveOrders(ctx context.Context) (int, error) {
	if s.orders == nil {
		return 0, ErrNoOrderSource
	}

	pending, err := s.orders.ListAwaitingAdmin(ctx, s.opts.RebuildLimit)
	if err != nil {
		return 0, err
	}
	existing, err := s.activeEntries(ctx)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, p := range pending {
		if _, ok := existing[p.ID]; ok {
			continue
		}
		ts := p.ConfirmedAt
		if ts.IsZero() {
			ts = s.now()
		}
		order := domain.ActiveOrder{Notification: domain.NewNotification(p.OrderConfirmed, ts)}
		if err := s.putActive(ctx, order); err != nil {
			return added, err
		}
		added++
	}

	s.log.Info("🔁 Proyección reconstruida", zap.Int("pending", len(pending)), zap.Int("added", added))
	return added, nil
}
