package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/davicafu/ordernotify/internal/notification/domain"
)

// MockOrderSource simula la tabla de pedidos
type MockOrderSource struct {
	mock.Mock
}

func (m *MockOrderSource) ListAwaitingAdmin(ctx context.Context, limit int) ([]domain.PendingOrder, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]domain.PendingOrder), args.Error(1)
}

// MockPublisher simula un publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event interface{}) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}
