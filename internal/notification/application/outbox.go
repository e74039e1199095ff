package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davicafu/ordernotify/internal/notification/domain"
	"github.com/davicafu/ordernotify/internal/shared/infra/resilience"
)

const deadLetterCounterTTL = 48 * time.Hour

// BatchResult resume una pasada de ProcessOutboxBatch.
type BatchResult struct {
	Processed         int `json:"processed"`
	Failed            int `json:"failed"`
	MovedToDeadLetter int `json:"movedToDeadLetter"`
}

func (r BatchResult) Empty() bool {
	return r.Processed == 0 && r.Failed == 0 && r.MovedToDeadLetter == 0
}

// CleanupResult resume una pasada de CleanupOutbox.
type CleanupResult struct {
	Retained     int `json:"retained"`
	DeadLettered int `json:"deadLettered"`
	Discarded    int `json:"discarded"`
}

// ProcessOutboxBatch saca hasta maxItems items del outbox (FIFO) y los trata
// uno a uno: los corruptos se descartan, los expirados o sin reintentos van al
// dead-letter, el resto se intenta entregar y, si falla, vuelve al final de la
// lista con retryCount+1 (o al dead-letter si con ese fallo agota los
// reintentos). Ningún item sacado queda sin persistir salvo que el propio
// store falle al reencolarlo.
func (s *NotificationService) ProcessOutboxBatch(ctx context.Context, maxItems int) (BatchResult, error) {
	if maxItems <= 0 {
		maxItems = s.opts.BatchSize
	}

	ctx, span := s.tracer.Start(ctx, "ProcessOutboxBatch", trace.WithAttributes(
		attribute.Int("outbox.max_items", maxItems),
	))
	defer span.End()

	var res BatchResult
	for i := 0; i < maxItems; i++ {
		raw, ok, err := s.popOutbox(ctx)
		if err != nil {
			if !isCircuitOpen(err) {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			s.annotate(span, res)
			return res, fmt.Errorf("outbox pop: %w", err)
		}
		if !ok {
			break
		}

		item, err := domain.DecodeOutboxItem(raw)
		if err != nil {
			s.log.Error("❌ Item inválido en el outbox, se descarta", zap.String("raw", truncate(raw, 256)), zap.Error(err))
			span.AddEvent("discarded", trace.WithAttributes(attribute.String("error", err.Error())))
			res.Failed++
			continue
		}

		now := s.now()
		if age := item.Age(now); age > s.opts.MaxOutboxAge {
			s.log.Warn("⏰ Item del outbox expirado",
				zap.String("item_id", item.ID),
				zap.String("age", formatHours(age)),
			)
			s.moveToDeadLetter(ctx, item, domain.ReasonExpired)
			res.MovedToDeadLetter++
			continue
		}

		if item.RetryCount >= s.opts.MaxRetries {
			s.log.Warn("🚫 Reintentos agotados", zap.String("item_id", item.ID), zap.Int("retry_count", item.RetryCount))
			s.moveToDeadLetter(ctx, item, domain.ReasonMaxRetries)
			res.MovedToDeadLetter++
			continue
		}

		if err := s.deliver(ctx, item); err != nil {
			s.log.Error("❌ Falló la entrega desde el outbox", zap.String("item_id", item.ID), zap.Error(err))
			span.AddEvent("delivery_failed", trace.WithAttributes(
				attribute.String("item.id", item.ID),
				attribute.Int("item.retry_count", item.RetryCount),
			))

			item.RetryCount++
			item.LastError = err.Error()
			if item.RetryCount >= s.opts.MaxRetries {
				s.moveToDeadLetter(ctx, item, domain.ReasonMaxRetries)
				res.MovedToDeadLetter++
				continue
			}
			s.addToOutbox(ctx, item)
			res.Failed++
			continue
		}

		res.Processed++
		s.log.Info("✅ Outbox: item entregado", zap.String("item_id", item.ID), zap.Int("attempt", item.RetryCount+1))
	}

	s.annotate(span, res)
	return res, nil
}

func (s *NotificationService) annotate(span trace.Span, res BatchResult) {
	span.SetAttributes(
		attribute.Int("outbox.processed", res.Processed),
		attribute.Int("outbox.failed", res.Failed),
		attribute.Int("outbox.dead_lettered", res.MovedToDeadLetter),
	)
}

func (s *NotificationService) popOutbox(ctx context.Context) (string, bool, error) {
	res, err := resilience.Do(ctx, s.retry, "lpop", func(ctx context.Context) (lookup, error) {
		v, ok, err := s.store.LPop(ctx, domain.OutboxKey)
		return lookup{value: v, found: ok}, err
	})
	return res.value, res.found, err
}

// deliver reaplica la proyección que corresponde a la acción y publica.
func (s *NotificationService) deliver(ctx context.Context, item domain.OutboxItem) error {
	switch item.Action {
	case domain.ActionNew:
		if err := s.putActive(ctx, domain.ActiveOrder{Notification: item.Payload}); err != nil {
			return err
		}
	case domain.ActionRemoved:
		if err := s.deleteActive(ctx, item.Payload.OrderID()); err != nil {
			return err
		}
	case domain.ActionShared:
		// Solo se publica: la fusión sobre la proyección no se reintenta.
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownAction, item.Action)
	}
	return s.publish(ctx, item.Channel, item.Payload)
}

// moveToDeadLetter escribe sin breaker por la misma razón que addToOutbox.
func (s *NotificationService) moveToDeadLetter(ctx context.Context, item domain.OutboxItem, reason string) {
	now := s.now()
	dl := domain.NewDeadLetterItem(item, reason, now)
	raw, err := json.Marshal(dl)
	if err != nil {
		s.log.Error("❌ Item de dead-letter no serializable", zap.String("item_id", item.ID), zap.Error(err))
		return
	}
	if _, err := s.store.RPush(ctx, domain.DeadLetterKey, string(raw)); err != nil {
		s.log.Error("❌ No se pudo mover al dead-letter", zap.String("item_id", item.ID), zap.Error(err))
		return
	}
	s.log.Warn("☠️ Movido al dead-letter", zap.String("item_id", item.ID), zap.String("reason", reason))
	s.countDeadLettered(ctx, now)
}

// countDeadLettered mantiene un contador diario que caduca solo.
func (s *NotificationService) countDeadLettered(ctx context.Context, now time.Time) {
	key := domain.DeadLetterDailyKey(now.UTC().Format("2006-01-02"))
	n, err := s.store.Incr(ctx, key)
	if err != nil {
		s.log.Debug("No se pudo actualizar el contador de dead-letter", zap.Error(err))
		return
	}
	if n == 1 {
		if _, err := s.store.Expire(ctx, key, deadLetterCounterTTL); err != nil {
			s.log.Debug("No se pudo fijar la expiración del contador", zap.Error(err))
		}
	}
}

// CleanupOutbox es la válvula de seguridad: no entrega nada. Vacía la lista
// y vuelve a añadir solo los items vigentes; los expirados o sin reintentos
// van al dead-letter y los corruptos se descartan. Un item añadido por otro
// proceso entre la lectura y el borrado se pierde.
func (s *NotificationService) CleanupOutbox(ctx context.Context) (CleanupResult, error) {
	ctx, span := s.tracer.Start(ctx, "CleanupOutbox")
	defer span.End()

	var res CleanupResult
	items, err := resilience.Do(ctx, s.retry, "lrange", func(ctx context.Context) ([]string, error) {
		return s.store.LRange(ctx, domain.OutboxKey, 0, -1)
	})
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("outbox read: %w", err)
	}
	if len(items) == 0 {
		s.log.Info("✅ Outbox vacío")
		return res, nil
	}

	if err := s.retry.Run(ctx, "del", func(ctx context.Context) error {
		return s.store.Del(ctx, domain.OutboxKey)
	}); err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("outbox swap: %w", err)
	}

	now := s.now()
	for _, raw := range items {
		if raw == "" {
			continue
		}
		item, err := domain.DecodeOutboxItem(raw)
		if err != nil {
			s.log.Warn("🧹 Item corrupto descartado del outbox", zap.Error(err))
			res.Discarded++
			continue
		}

		age := item.Age(now)
		if age <= s.opts.MaxOutboxAge && item.RetryCount < s.opts.MaxRetries {
			if _, err := s.store.RPush(ctx, domain.OutboxKey, raw); err != nil {
				s.log.Error("❌ CRITICAL: no se pudo reinsertar en el outbox", zap.String("item_id", item.ID), zap.Error(err))
				continue
			}
			res.Retained++
			continue
		}

		reason := domain.ReasonMaxRetries
		if age > s.opts.MaxOutboxAge {
			reason = domain.ReasonExpired
		}
		s.moveToDeadLetter(ctx, item, reason)
		res.DeadLettered++
	}

	span.SetAttributes(
		attribute.Int("outbox.retained", res.Retained),
		attribute.Int("outbox.dead_lettered", res.DeadLettered),
		attribute.Int("outbox.discarded", res.Discarded),
	)
	s.log.Info("🧹 Limpieza del outbox completada",
		zap.Int("retained", res.Retained),
		zap.Int("dead_lettered", res.DeadLettered),
		zap.Int("discarded", res.Discarded),
	)
	return res, nil
}

// ---------------- Dead-letter ----------------

// GetDeadLetterItems devuelve hasta limit items del dead-letter para inspección.
func (s *NotificationService) GetDeadLetterItems(ctx context.Context, limit int) ([]domain.DeadLetterItem, error) {
	if limit <= 0 {
		limit = s.opts.DeadLetterLimit
	}
	raws, err := resilience.Do(ctx, s.retry, "lrange", func(ctx context.Context) ([]string, error) {
		return s.store.LRange(ctx, domain.DeadLetterKey, 0, int64(limit-1))
	})
	if err != nil {
		return nil, err
	}

	items := make([]domain.DeadLetterItem, 0, len(raws))
	for _, raw := range raws {
		item, err := domain.DecodeDeadLetterItem(raw)
		if err != nil {
			s.log.Warn("Item corrupto en el dead-letter", zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// ErrDeadLetterRace indica que el item desapareció entre la lectura y el borrado.
var ErrDeadLetterRace = errors.New("dead-letter item removed concurrently")

// RetryDeadLetterItem busca el item por id, lo saca del dead-letter y lo
// devuelve al outbox como nuevo. Devuelve false si no existe.
func (s *NotificationService) RetryDeadLetterItem(ctx context.Context, id string) (bool, error) {
	raws, err := resilience.Do(ctx, s.retry, "lrange", func(ctx context.Context) ([]string, error) {
		return s.store.LRange(ctx, domain.DeadLetterKey, 0, -1)
	})
	if err != nil {
		return false, err
	}

	for _, raw := range raws {
		item, err := domain.DecodeDeadLetterItem(raw)
		if err != nil || item.ID != id {
			continue
		}

		removed, err := resilience.Do(ctx, s.retry, "lrem", func(ctx context.Context) (int64, error) {
			return s.store.LRem(ctx, domain.DeadLetterKey, 1, raw)
		})
		if err != nil {
			return false, err
		}
		if removed == 0 {
			return false, ErrDeadLetterRace
		}

		if !s.addToOutbox(ctx, item.Requeue(s.now())) {
			// Se devuelve al dead-letter para no perderlo.
			if _, err := s.store.RPush(ctx, domain.DeadLetterKey, raw); err != nil {
				s.log.Error("❌ CRITICAL: item perdido, no se pudo devolver al dead-letter",
					zap.String("item_id", id),
					zap.String("payload", truncate(raw, 500)),
					zap.Error(err),
				)
				return false, fmt.Errorf("requeue %s: outbox write failed, dead-letter restore failed: %w", id, err)
			}
			return false, fmt.Errorf("requeue %s: outbox write failed", id)
		}
		s.log.Info("🔄 Item devuelto del dead-letter al outbox", zap.String("item_id", id))
		return true, nil
	}
	return false, nil
}

func formatHours(d time.Duration) string {
	return fmt.Sprintf("%.1fh", d.Hours())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
