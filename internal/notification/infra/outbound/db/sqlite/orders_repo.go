package sqlite

import (
	"context"
	"database/sql"
	"time"

	// _ "github.com/mattn/go-sqlite3" // better performance but requires gcc
	_ "modernc.org/sqlite"

	"github.com/davicafu/ordernotify/internal/notification/domain"
)

// OrdersRepoSQLite lee la tabla de pedidos, fuente de verdad de la proyección.
type OrdersRepoSQLite struct {
	db *sql.DB
}

func NewOrdersRepoSQLite(db *sql.DB) *OrdersRepoSQLite {
	return &OrdersRepoSQLite{db: db}
}

var _ domain.OrderSource = (*OrdersRepoSQLite)(nil)

// ListAwaitingAdmin devuelve los pedidos pagados que ningún admin ha resuelto aún.
func (r *OrdersRepoSQLite) ListAwaitingAdmin(ctx context.Context, limit int) ([]domain.PendingOrder, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, COALESCE(payment_reference, ''), total_amount, COALESCE(mpesa_phone, ''), created_at
         FROM orders
         WHERE status = 'confirmed' AND payment_status = 'paid'
         ORDER BY created_at
         LIMIT ?`, limit,
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

// InsertOrder se usa para sembrar la base local (dev, tests).
func (r *OrdersRepoSQLite) InsertOrder(ctx context.Context, o domain.PendingOrder, status, paymentStatus string) error {
	createdAt := o.ConfirmedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO orders (id, status, payment_status, payment_reference, mpesa_phone, total_amount, created_at)
		 VALUES (?,?,?,?,?,?,?)`,
		o.ID, status, paymentStatus, o.PaymentReference, o.PhoneNumber, o.Amount, createdAt,
	)
	return err
}

// InitSQLite crea la tabla orders si no existe
func InitSQLite(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS orders (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            payment_status TEXT NOT NULL,
            payment_reference TEXT,
            mpesa_phone TEXT,
            total_amount REAL NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL
        )
    `)
	return err
}
