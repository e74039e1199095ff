package domain

import (
	"context"
	"time"
)

// ---------- Interfaces (Ports) ----------

// PendingOrder es un pedido confirmado y pagado que espera acción del admin.
type PendingOrder struct {
	OrderConfirmed
	ConfirmedAt time.Time
}

// OrderSource es la fuente de verdad de pedidos (tabla orders). Solo se usa
// para reconstruir la proyección de pedidos activos.
type OrderSource interface {
	// ListAwaitingAdmin devuelve como máximo limit pedidos, del más antiguo al más reciente.
	ListAwaitingAdmin(ctx context.Context, limit int) ([]PendingOrder, error)
}
