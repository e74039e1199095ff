package application

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/davicafu/ordernotify/internal/notification/domain"
)

// Nombres de los jobs periódicos.
const (
	JobOutboxDrain       = "outbox-drain"
	JobOrderCleanup      = "order-cleanup"
	JobOutboxMaintenance = "outbox-maintenance"
	JobStatsReport       = "stats-report"
	JobProjectionRebuild = "projection-rebuild"
)

const lastRunTTL = 7 * 24 * time.Hour

// WithLock ejecuta fn bajo el lock distribuido key. Devuelve false si otro
// proceso lo tenía.
func (s *NotificationService) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	return s.locker.Run(ctx, key, ttl, fn)
}

// RunOutboxDrain procesa un lote del outbox bajo lock:outbox.
func (s *NotificationService) RunOutboxDrain(ctx context.Context) error {
	_, err := s.WithLock(ctx, domain.OutboxDrainLock, s.opts.DrainLockTTL, func(ctx context.Context) error {
		res, err := s.ProcessOutboxBatch(ctx, s.opts.BatchSize)
		if !res.Empty() {
			s.log.Info("📤 Lote de outbox procesado",
				zap.Int("processed", res.Processed),
				zap.Int("failed", res.Failed),
				zap.Int("dead_lettered", res.MovedToDeadLetter),
			)
		}
		s.markRun(ctx, JobOutboxDrain)
		return err
	})
	return err
}

// RunOrderCleanup elimina de la proyección los pedidos con más de CleanupMaxAge.
func (s *NotificationService) RunOrderCleanup(ctx context.Context) error {
	_, err := s.WithLock(ctx, domain.OrderCleanupLock, s.opts.CleanupLockTTL, func(ctx context.Context) error {
		_, err := s.CleanupOldOrders(ctx, s.opts.CleanupMaxAge)
		if err == nil {
			s.markRun(ctx, JobOrderCleanup)
		}
		return err
	})
	return err
}

// RunOutboxMaintenance mueve al dead-letter lo que ya no debe seguir en el outbox.
func (s *NotificationService) RunOutboxMaintenance(ctx context.Context) error {
	_, err := s.WithLock(ctx, domain.OutboxCleanupLock, s.opts.MaintenanceLockTTL, func(ctx context.Context) error {
		res, err := s.CleanupOutbox(ctx)
		if err != nil {
			return err
		}
		if res.DeadLettered > 0 || res.Discarded > 0 {
			s.log.Info("🧽 Mantenimiento del outbox",
				zap.Int("retained", res.Retained),
				zap.Int("dead_lettered", res.DeadLettered),
				zap.Int("discarded", res.Discarded),
			)
		}
		s.markRun(ctx, JobOutboxMaintenance)
		return nil
	})
	return err
}

// RunStatsReport registra las estadísticas y avisa si el dead-letter crece
// por encima del umbral. No necesita lock: es de solo lectura.
func (s *NotificationService) RunStatsReport(ctx context.Context) error {
	stats, err := s.GetStats(ctx)
	if err != nil {
		return err
	}
	s.log.Info("📊 Estadísticas de notificaciones",
		zap.Int("active_orders", stats.ActiveOrders),
		zap.Int64("outbox_size", stats.OutboxSize),
		zap.Int64("dead_letter_size", stats.DeadLetterSize),
		zap.Int64("dead_lettered_today", stats.DeadLetteredToday),
		zap.String("oldest_order_age", stats.OldestOrderLabel),
		zap.String("breaker", string(stats.Breaker.State)),
	)
	if stats.DeadLetterSize > s.opts.DeadLetterAlertThreshold {
		s.log.Warn("🚨 El dead-letter supera el umbral, requiere revisión manual",
			zap.Int64("dead_letter_size", stats.DeadLetterSize),
			zap.Int64("threshold", s.opts.DeadLetterAlertThreshold),
		)
	}
	return nil
}

// RunProjectionRebuild reconstruye la proyección si hay fuente de pedidos.
func (s *NotificationService) RunProjectionRebuild(ctx context.Context) error {
	if s.orders == nil {
		return nil
	}
	_, err := s.WithLock(ctx, domain.ProjectionSyncLock, s.opts.MaintenanceLockTTL, func(ctx context.Context) error {
		_, err := s.RebuildActiveOrders(ctx)
		if err == nil {
			s.markRun(ctx, JobProjectionRebuild)
		}
		return err
	})
	return err
}

func (s *NotificationService) markRun(ctx context.Context, job string) {
	at := s.now().UTC().Format(time.RFC3339Nano)
	if err := s.store.Set(context.WithoutCancel(ctx), domain.JobLastRunKey(job), at, lastRunTTL); err != nil {
		s.log.Debug("No se pudo registrar la última ejecución", zap.String("job", job), zap.Error(err))
	}
}

// LastRun devuelve la última ejecución registrada de un job.
func (s *NotificationService) LastRun(ctx context.Context, job string) (time.Time, bool) {
	v, ok, err := s.store.Get(ctx, domain.JobLastRunKey(job))
	if err != nil || !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func parseInt64(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
