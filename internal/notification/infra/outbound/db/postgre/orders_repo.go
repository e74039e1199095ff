package postgre

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/davicafu/ordernotify/internal/notification/domain"
)

// OrdersRepoPostgres implementa domain.OrderSource sobre la base de producción.
type OrdersRepoPostgres struct {
	db *sql.DB
}

func NewOrdersRepoPostgres(db *sql.DB) *OrdersRepoPostgres {
	return &OrdersRepoPostgres{db: db}
}

var _ domain.OrderSource = (*OrdersRepoPostgres)(nil)

func (r *OrdersRepoPostgres) ListAwaitingAdmin(ctx context.Context, limit int) ([]domain.PendingOrder, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, COALESCE(payment_reference, ''), total_amount, COALESCE(mpesa_phone, ''), created_at
		 FROM orders WHERE status='confirmed' AND payment_status='paid' ORDER BY created_at LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.PendingOrder
	for rows.Next() {
		var o domain.PendingOrder
		if err := rows.Scan(&o.ID, &o.PaymentReference, &o.Amount, &o.PhoneNumber, &o.ConfirmedAt); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
