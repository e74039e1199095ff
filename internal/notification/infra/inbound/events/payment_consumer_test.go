package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davicafu/ordernotify/internal/notification/domain"
	sharedEvents "github.com/davicafu/ordernotify/internal/shared/events"
)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyConfirmedOrderOnce(ctx context.Context, key string, data domain.OrderConfirmed) (bool, error) {
	args := m.Called(ctx, key, data)
	return args.Bool(0), args.Error(1)
}

func (m *MockNotifier) RemoveOrder(ctx context.Context, orderID string) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

func event(t *testing.T, eventType string, data interface{}) []byte {
	t.Helper()
	evt, err := sharedEvents.NewIntegrationEvent(eventType, data, time.Now())
	require.NoError(t, err)
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	return raw
}

func TestPaymentConsumer_PaymentConfirmed(t *testing.T) {
	svc := new(MockNotifier)
	consumer := NewPaymentConsumer(svc, zap.NewNop())

	want := domain.OrderConfirmed{ID: "o-1", PaymentReference: "QK7", Amount: 1250, PhoneNumber: "254700000000"}
	svc.On("NotifyConfirmedOrderOnce", mock.Anything, "ws_CO_1", want).Return(true, nil).Once()

	consumer.HandleMessage(context.Background(), "o-1", event(t, sharedEvents.PaymentConfirmedType, sharedEvents.PaymentConfirmed{
		OrderID: "o-1", PaymentReference: "QK7", Amount: 1250, PhoneNumber: "254700000000", CheckoutRequestID: "ws_CO_1",
	}))

	svc.AssertExpectations(t)
}

func TestPaymentConsumer_FallsBackToMessageKey(t *testing.T) {
	svc := new(MockNotifier)
	consumer := NewPaymentConsumer(svc, zap.NewNop())

	svc.On("NotifyConfirmedOrderOnce", mock.Anything, "msg-key", mock.Anything).Return(false, nil).Once()

	consumer.HandleMessage(context.Background(), "msg-key", event(t, sharedEvents.PaymentConfirmedType, sharedEvents.PaymentConfirmed{OrderID: "o-1"}))

	svc.AssertExpectations(t)
}

func TestPaymentConsumer_OrderResolved(t *testing.T) {
	svc := new(MockNotifier)
	consumer := NewPaymentConsumer(svc, zap.NewNop())

	svc.On("RemoveOrder", mock.Anything, "o-1").Return(nil).Once()

	consumer.HandleMessage(context.Background(), "o-1", event(t, sharedEvents.OrderResolvedType, sharedEvents.OrderResolved{OrderID: "o-1", Status: "accepted"}))

	svc.AssertExpectations(t)
}

func TestPaymentConsumer_IgnoresGarbage(t *testing.T) {
	svc := new(MockNotifier)
	consumer := NewPaymentConsumer(svc, zap.NewNop())

	consumer.HandleMessage(context.Background(), "", []byte("{"))
	consumer.HandleMessage(context.Background(), "", event(t, "user.created", map[string]string{"id": "x"}))

	svc.AssertNotCalled(t, "NotifyConfirmedOrderOnce", mock.Anything, mock.Anything, mock.Anything)
	svc.AssertNotCalled(t, "RemoveOrder", mock.Anything, mock.Anything)
	assert.Empty(t, svc.Calls)
}
