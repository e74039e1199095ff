package application

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/davicafu/ordernotify/internal/notification/domain"
	"github.com/davicafu/ordernotify/internal/shared/infra/platform/lock"
	"github.com/davicafu/ordernotify/internal/shared/infra/platform/store"
	"github.com/davicafu/ordernotify/internal/shared/infra/resilience"
	"github.com/davicafu/ordernotify/tests/mocks"
)

var t0 = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	clock *fakeClock
	mem   *store.InMemoryStore
	flaky *mocks.FlakyStore
	svc   *NotificationService
	logs  *observer.ObservedLogs
}

// newFixture monta el servicio sobre un store en memoria con fallos
// inyectables, sin esperas reales entre reintentos.
func newFixture(t *testing.T, threshold int, extra ...ServiceOption) *fixture {
	t.Helper()
	clock := &fakeClock{t: t0}
	mem := store.NewInMemoryStore(0, store.WithClock(clock.Now))
	flaky := mocks.NewFlakyStore(mem)

	breaker := resilience.NewCircuitBreaker(threshold, 10*time.Second, zap.NewNop(), resilience.WithBreakerClock(clock.Now))
	exec := resilience.NewExecutor(breaker, resilience.DefaultRetryOptions(), zap.NewNop(),
		resilience.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	locker := lock.NewLocker(flaky, zap.NewNop())

	opts := append([]ServiceOption{WithClock(clock.Now)}, extra...)
	core, logs := observer.New(zap.InfoLevel)
	svc := NewNotificationService(flaky, exec, locker, DefaultOptions(), zap.New(core), opts...)
	return &fixture{clock: clock, mem: mem, flaky: flaky, svc: svc, logs: logs}
}

func confirmed(id string) domain.OrderConfirmed {
	return domain.OrderConfirmed{ID: id, PaymentReference: "QK7" + id, Amount: 1250, PhoneNumber: "254700000000"}
}

func (f *fixture) pushOutbox(t *testing.T, item domain.OutboxItem) {
	t.Helper()
	raw, err := json.Marshal(item)
	require.NoError(t, err)
	_, err = f.mem.RPush(context.Background(), domain.OutboxKey, string(raw))
	require.NoError(t, err)
}

func (f *fixture) outbox(t *testing.T) []domain.OutboxItem {
	t.Helper()
	raws, err := f.mem.LRange(context.Background(), domain.OutboxKey, 0, -1)
	require.NoError(t, err)
	items := make([]domain.OutboxItem, 0, len(raws))
	for _, raw := range raws {
		item, err := domain.DecodeOutboxItem(raw)
		require.NoError(t, err)
		items = append(items, item)
	}
	return items
}

func outboxItem(t *testing.T, data domain.Payload, createdAt time.Time, retries int) domain.OutboxItem {
	t.Helper()
	item, err := domain.NewOutboxItem(domain.NewNotification(data, createdAt), domain.NotificationsChannel, createdAt)
	require.NoError(t, err)
	item.RetryCount = retries
	return item
}

// ---------------- Productores ----------------

func TestNotifyConfirmedOrder_ProjectsAndPublishes(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	sub, err := f.mem.Subscribe(ctx, domain.NotificationsChannel)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, f.svc.NotifyConfirmedOrder(ctx, confirmed("o-1")))

	orders, err := f.svc.GetActiveOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "o-1", orders[0].OrderID())
	assert.Equal(t, t0, orders[0].Timestamp)
	assert.False(t, orders[0].SharedWithRider)

	select {
	case raw := <-sub.Messages():
		msg, err := domain.DecodeChannelMessage(raw)
		require.NoError(t, err)
		assert.Equal(t, domain.ActionNew, msg.Action)
		assert.Equal(t, "o-1", msg.OrderID)
		c, ok := msg.Notification.Confirmed()
		require.True(t, ok)
		assert.Equal(t, 1250.0, c.Amount)
	case <-time.After(time.Second):
		t.Fatal("no message published")
	}
}

func TestNotifyConfirmedOrder_OneEntryPerOrder(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	for _, id := range []string{"o-1", "o-2", "o-3", "o-2"} {
		require.NoError(t, f.svc.NotifyConfirmedOrder(ctx, confirmed(id)))
	}

	orders, err := f.svc.GetActiveOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, orders, 3)
}

func TestNotifyConfirmedOrder_InvalidInput(t *testing.T) {
	f := newFixture(t, 3)

	err := f.svc.NotifyConfirmedOrder(context.Background(), domain.OrderConfirmed{Amount: 10})
	assert.ErrorIs(t, err, domain.ErrInvalidNotification)
	assert.Zero(t, f.flaky.Calls("hset"))
	assert.Empty(t, f.outbox(t))
}

func TestNotifyConfirmedOrder_StoreDownFallsBackToOutbox(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.flaky.Only("hset")
	f.flaky.Down()

	require.NoError(t, f.svc.NotifyConfirmedOrder(ctx, confirmed("o-1")))

	assert.Equal(t, 5, f.flaky.Calls("hset"), "five attempts before giving up")
	assert.Zero(t, f.flaky.Calls("publish"))

	items := f.outbox(t)
	require.Len(t, items, 1)
	assert.Equal(t, domain.ActionNew, items[0].Action)
	assert.Equal(t, "o-1-1741944600000", items[0].ID)
	assert.Equal(t, 0, items[0].RetryCount)
	assert.Equal(t, resilience.StateOpen, f.svc.Breaker().State)
}

func TestNotifyConfirmedOrder_CircuitOpenGoesStraightToOutbox(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.flaky.Only("hset")
	f.flaky.Down()
	require.NoError(t, f.svc.NotifyConfirmedOrder(ctx, confirmed("o-1")))
	require.Equal(t, 5, f.flaky.Calls("hset"))

	require.NoError(t, f.svc.NotifyConfirmedOrder(ctx, confirmed("o-2")))
	assert.Equal(t, 5, f.flaky.Calls("hset"), "breaker open: no new attempts")
	assert.Len(t, f.outbox(t), 2)
}

func TestRemoveOrder_DoesNotResurrect(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	require.NoError(t, f.svc.NotifyConfirmedOrder(ctx, confirmed("o-1")))
	require.NoError(t, f.svc.RemoveOrder(ctx, "o-1"))

	res, err := f.svc.ProcessOutboxBatch(ctx, 10)
	require.NoError(t, err)
	assert.True(t, res.Empty())

	orders, err := f.svc.GetActiveOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestRemoveOrder_EmptyID(t *testing.T) {
	f := newFixture(t, 3)
	assert.ErrorIs(t, f.svc.RemoveOrder(context.Background(), " "), domain.ErrInvalidNotification)
}

func TestNotifyOrderShared_MergesIntoProjection(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	require.NoError(t, f.svc.NotifyConfirmedOrder(ctx, confirmed("o-1")))
	f.clock.Advance(time.Minute)
	require.NoError(t, f.svc.NotifyOrderShared(ctx, domain.OrderShared{ID: "o-1", PaymentReference: "QK7o-1", SharedBy: "admin-7"}))

	orders, err := f.svc.GetActiveOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	o := orders[0]
	assert.True(t, o.SharedWithRider)
	assert.Equal(t, "admin-7", o.SharedBy)
	require.NotNil(t, o.SharedAt)
	assert.Equal(t, t0.Add(time.Minute), *o.SharedAt)
	assert.Equal(t, t0, o.Timestamp, "original confirmation is kept")
	assert.Equal(t, 2, f.flaky.Calls("publish"))
}

func TestNotifyOrderShared_UnknownOrderOnlyPublishes(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	require.NoError(t, f.svc.NotifyOrderShared(ctx, domain.OrderShared{ID: "ghost", SharedBy: "admin-1"}))

	orders, err := f.svc.GetActiveOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Equal(t, 1, f.flaky.Calls("publish"))
	assert.Zero(t, f.flaky.Calls("hset"))
}

func TestNotifyConfirmedOrderOnce(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	first, err := f.svc.NotifyConfirmedOrderOnce(ctx, "ws_CO_1403", confirmed("o-1"))
	require.NoError(t, err)
	assert.True(t, first)

	again, err := f.svc.NotifyConfirmedOrderOnce(ctx, "ws_CO_1403", confirmed("o-1"))
	require.NoError(t, err)
	assert.False(t, again)

	assert.Equal(t, 1, f.flaky.Calls("publish"))

	ttl, err := f.mem.TTL(ctx, domain.IdempotencyKey("confirmed", "ws_CO_1403"))
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, ttl)
}

func TestNotifyConfirmedOrderOnce_GuardFailureStillNotifies(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.flaky.Only("setnx")
	f.flaky.Down()

	first, err := f.svc.NotifyConfirmedOrderOnce(ctx, "ws_CO_1403", confirmed("o-1"))
	require.NoError(t, err)
	assert.True(t, first)

	orders, err := f.svc.GetActiveOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

// ---------------- Outbox ----------------

func TestProcessOutboxBatch_Empty(t *testing.T) {
	f := newFixture(t, 3)

	res, err := f.svc.ProcessOutboxBatch(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{}, res)
}

func TestOutbox_RoundTripAfterRecovery(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.flaky.Only("hset")
	f.flaky.Down()
	require.NoError(t, f.svc.NotifyConfirmedOrder(ctx, confirmed("o-1")))
	require.Len(t, f.outbox(t), 1)

	f.flaky.Up()
	f.clock.Advance(11 * time.Second)

	res, err := f.svc.ProcessOutboxBatch(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Processed: 1}, res)
	assert.Empty(t, f.outbox(t))
	assert.Equal(t, resilience.StateClosed, f.svc.Breaker().State)

	orders, err := f.svc.GetActiveOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "o-1", orders[0].OrderID())
}

func TestProcessOutboxBatch_RemovedDeletesProjection(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	require.NoError(t, f.svc.NotifyConfirmedOrder(ctx, confirmed("o-1")))
	f.pushOutbox(t, outboxItem(t, domain.OrderRemoved{ID: "o-1"}, t0, 0))

	res, err := f.svc.ProcessOutboxBatch(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	orders, err := f.svc.GetActiveOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestProcessOutboxBatch_FailedDeliveryRequeuedAtTail(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	f.pushOutbox(t, outboxItem(t, confirmed("o-1"), t0, 0))
	f.pushOutbox(t, outboxItem(t, confirmed("o-2"), t0, 0))

	f.flaky.Only("publish")
	f.flaky.FailNext(5)

	res, err := f.svc.ProcessOutboxBatch(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Processed: 1, Failed: 1}, res)

	items := f.outbox(t)
	require.Len(t, items, 1)
	assert.Equal(t, "o-1", items[0].Payload.OrderID())
	assert.Equal(t, 1, items[0].RetryCount)
	assert.Equal(t, mocks.ErrStoreDown.Error(), items[0].LastError)
}

func TestProcessOutboxBatch_DeadLetterBoundary(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	max := DefaultOptions().MaxRetries

	f.pushOutbox(t, outboxItem(t, confirmed("o-1"), t0, max-1))
	f.flaky.Only("hset")
	f.flaky.Down()

	res, err := f.svc.ProcessOutboxBatch(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{MovedToDeadLetter: 1}, res)
	assert.Empty(t, f.outbox(t))

	dl, err := f.svc.GetDeadLetterItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dl, 1)
	assert.Equal(t, domain.ReasonMaxRetries, dl[0].Reason)
	assert.Equal(t, max, dl[0].RetryCount)
	assert.NotEmpty(t, dl[0].LastError)
	assert.Equal(t, t0.UnixMilli(), dl[0].MovedAt)
}

func TestProcessOutboxBatch_ExhaustedItemSkipsDelivery(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.pushOutbox(t, outboxItem(t, confirmed("o-1"), t0, DefaultOptions().MaxRetries))

	res, err := f.svc.ProcessOutboxBatch(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{MovedToDeadLetter: 1}, res)
	assert.Zero(t, f.flaky.Calls("hset"))
}

func TestProcessOutboxBatch_ExpiryBoundary(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.pushOutbox(t, outboxItem(t, confirmed("stale"), t0.Add(-24*time.Hour-time.Millisecond), 0))
	f.pushOutbox(t, outboxItem(t, confirmed("edge"), t0.Add(-24*time.Hour), 0))

	res, err := f.svc.ProcessOutboxBatch(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Processed: 1, MovedToDeadLetter: 1}, res)

	dl, err := f.svc.GetDeadLetterItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dl, 1)
	assert.Equal(t, "stale", dl[0].Payload.OrderID())
	assert.Equal(t, domain.ReasonExpired, dl[0].Reason)

	daily, ok, err := f.mem.Get(ctx, domain.DeadLetterDailyKey("2025-03-14"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", daily)
}

func TestProcessOutboxBatch_CorruptItemDiscarded(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, err := f.mem.RPush(ctx, domain.OutboxKey, "{not json")
	require.NoError(t, err)

	res, err := f.svc.ProcessOutboxBatch(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Failed: 1}, res)

	n, _ := f.mem.LLen(ctx, domain.OutboxKey)
	assert.Zero(t, n)
	n, _ = f.mem.LLen(ctx, domain.DeadLetterKey)
	assert.Zero(t, n)
}

func TestProcessOutboxBatch_StoreDownStopsBatch(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.pushOutbox(t, outboxItem(t, confirmed("o-1"), t0, 0))
	f.flaky.Down()

	_, err := f.svc.ProcessOutboxBatch(ctx, 20)
	assert.ErrorIs(t, err, mocks.ErrStoreDown)
	calls := f.flaky.Calls("lpop")

	_, err = f.svc.ProcessOutboxBatch(ctx, 20)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, calls, f.flaky.Calls("lpop"), "open circuit skips the store")

	f.flaky.Up()
	assert.Len(t, f.outbox(t), 1, "nothing popped while the store was down")
}

func TestCleanupOutbox(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.pushOutbox(t, outboxItem(t, confirmed("fresh"), t0.Add(-time.Hour), 1))
	f.pushOutbox(t, outboxItem(t, confirmed("expired"), t0.Add(-25*time.Hour), 0))
	f.pushOutbox(t, outboxItem(t, confirmed("maxed"), t0, DefaultOptions().MaxRetries))
	_, err := f.mem.RPush(ctx, domain.OutboxKey, `{"id":"x"}`)
	require.NoError(t, err)

	res, err := f.svc.CleanupOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{Retained: 1, DeadLettered: 2, Discarded: 1}, res)

	items := f.outbox(t)
	require.Len(t, items, 1)
	assert.Equal(t, "fresh", items[0].Payload.OrderID())
	assert.Equal(t, 1, items[0].RetryCount)

	dl, err := f.svc.GetDeadLetterItems(ctx, 10)
	require.NoError(t, err)
	reasons := map[string]string{}
	for _, d := range dl {
		reasons[d.Payload.OrderID()] = d.Reason
	}
	assert.Equal(t, map[string]string{"expired": domain.ReasonExpired, "maxed": domain.ReasonMaxRetries}, reasons)
	assert.Len(t, f.outbox(t), 1, "cleanup never delivers")
}

// ---------------- Dead-letter ----------------

func TestRetryDeadLetterItem(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	found, err := f.svc.RetryDeadLetterItem(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	item := outboxItem(t, confirmed("o-1"), t0.Add(-30*time.Hour), 0)
	f.pushOutbox(t, item)
	res, err := f.svc.ProcessOutboxBatch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, res.MovedToDeadLetter)

	f.clock.Advance(time.Hour)
	found, err = f.svc.RetryDeadLetterItem(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, found)

	dl, err := f.svc.GetDeadLetterItems(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dl)

	items := f.outbox(t)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)
	assert.Equal(t, 0, items[0].RetryCount)
	assert.Empty(t, items[0].LastError)
	assert.Equal(t, t0.Add(time.Hour).UnixMilli(), items[0].CreatedAt)

	res, err = f.svc.ProcessOutboxBatch(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed, "requeued item is deliverable again")
}

func TestRetryDeadLetterItem_OutboxWriteFails(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	item := outboxItem(t, confirmed("o-1"), t0.Add(-30*time.Hour), 0)
	f.pushOutbox(t, item)
	_, err := f.svc.ProcessOutboxBatch(ctx, 1)
	require.NoError(t, err)

	// Falla el rpush al outbox: el item vuelve al dead-letter.
	f.flaky.Only("rpush")
	f.flaky.FailNext(1)
	found, err := f.svc.RetryDeadLetterItem(ctx, item.ID)
	require.Error(t, err)
	assert.False(t, found)

	dl, err := f.svc.GetDeadLetterItems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dl, 1)
	assert.Equal(t, item.ID, dl[0].ID)
	assert.Zero(t, f.logs.FilterMessageSnippet("item perdido").Len())

	// Fallan el outbox y la devolución: se registra como crítico.
	f.flaky.FailNext(2)
	found, err = f.svc.RetryDeadLetterItem(ctx, item.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, mocks.ErrStoreDown)
	assert.False(t, found)

	lost := f.logs.FilterMessageSnippet("CRITICAL: item perdido").All()
	require.Len(t, lost, 1)
	assert.Equal(t, zap.ErrorLevel, lost[0].Level)
	assert.Equal(t, item.ID, lost[0].ContextMap()["item_id"])
}

// ---------------- Mantenimiento ----------------

func TestCleanupOldOrders(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	require.NoError(t, f.svc.NotifyConfirmedOrder(ctx, confirmed("old")))
	f.clock.Advance(13 * time.Hour)
	require.NoError(t, f.svc.NotifyConfirmedOrder(ctx, confirmed("new")))
	require.NoError(t, f.mem.HSet(ctx, domain.ActiveOrdersKey, "broken", "{"))

	removed, err := f.svc.CleanupOldOrders(ctx, 12*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	left, err := f.mem.HGetAll(ctx, domain.ActiveOrdersKey)
	require.NoError(t, err)
	assert.Len(t, left, 1)
	assert.Contains(t, left, "new")
}

func TestGetStats(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	require.NoError(t, f.svc.NotifyConfirmedOrder(ctx, confirmed("o-1")))
	f.clock.Advance(90 * time.Minute)
	require.NoError(t, f.svc.NotifyConfirmedOrder(ctx, confirmed("o-2")))
	f.pushOutbox(t, outboxItem(t, confirmed("o-3"), f.clock.Now(), 0))
	f.pushOutbox(t, outboxItem(t, confirmed("o-4"), t0.Add(-48*time.Hour), 0))
	_, err := f.svc.CleanupOutbox(ctx)
	require.NoError(t, err)

	require.NoError(t, f.svc.RunOutboxDrain(ctx))

	stats, err := f.svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.ActiveOrders)
	assert.Equal(t, int64(0), stats.OutboxSize)
	assert.Equal(t, int64(1), stats.DeadLetterSize)
	assert.Equal(t, int64(1), stats.DeadLetteredToday)
	assert.Equal(t, "1.5h", stats.OldestOrderLabel)
	require.NotNil(t, stats.LastDrainAt)
	assert.True(t, stats.LastDrainAt.Equal(f.clock.Now()))
	assert.Equal(t, resilience.StateClosed, stats.Breaker.State)

	raw, err := json.Marshal(stats)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"oldestOrderAge":"1.5h"`)
}

func TestRunOutboxDrain_SkipsWhenLocked(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.pushOutbox(t, outboxItem(t, confirmed("o-1"), t0, 0))
	ok, err := f.mem.SetNX(ctx, domain.OutboxDrainLock, "other", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.svc.RunOutboxDrain(ctx))
	assert.Len(t, f.outbox(t), 1)
	assert.Zero(t, f.flaky.Calls("lpop"))
}

func TestRunOutboxDrain_ConcurrentWorkersDrainOnce(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.pushOutbox(t, outboxItem(t, confirmed("o-"+string(rune('a'+i))), t0, 0))
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.svc.RunOutboxDrain(ctx))
		}()
	}
	wg.Wait()

	assert.Empty(t, f.outbox(t))
	orders, err := f.svc.GetActiveOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, orders, 5)
}

func TestRunStatsReport(t *testing.T) {
	f := newFixture(t, 3)
	require.NoError(t, f.svc.RunStatsReport(context.Background()))
}

func TestRebuildActiveOrders(t *testing.T) {
	src := new(mocks.MockOrderSource)
	f := newFixture(t, 3, WithOrderSource(src))
	ctx := context.Background()

	require.NoError(t, f.svc.NotifyConfirmedOrder(ctx, confirmed("o-1")))
	publishes := f.flaky.Calls("publish")

	src.On("ListAwaitingAdmin", ctx, 500).Return([]domain.PendingOrder{
		{OrderConfirmed: confirmed("o-1"), ConfirmedAt: t0.Add(-time.Hour)},
		{OrderConfirmed: confirmed("o-2"), ConfirmedAt: t0.Add(-2 * time.Hour)},
	}, nil)

	added, err := f.svc.RebuildActiveOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, publishes, f.flaky.Calls("publish"), "rebuild does not publish")

	raw, ok, err := f.mem.HGet(ctx, domain.ActiveOrdersKey, "o-2")
	require.NoError(t, err)
	require.True(t, ok)
	order, err := domain.DecodeActiveOrder(raw)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(-2*time.Hour), order.Timestamp)

	raw, _, _ = f.mem.HGet(ctx, domain.ActiveOrdersKey, "o-1")
	order, err = domain.DecodeActiveOrder(raw)
	require.NoError(t, err)
	assert.Equal(t, t0, order.Timestamp, "existing entries are left alone")
	src.AssertExpectations(t)
}

func TestRebuildActiveOrders_NoSource(t *testing.T) {
	f := newFixture(t, 3)

	_, err := f.svc.RebuildActiveOrders(context.Background())
	assert.ErrorIs(t, err, ErrNoOrderSource)
	assert.NoError(t, f.svc.RunProjectionRebuild(context.Background()))
}
