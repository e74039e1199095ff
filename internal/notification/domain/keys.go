package domain

import "strings"

// Namespace agrupa las claves de una colección lógica del store para evitar
// colisiones entre colecciones.
type Namespace string

const (
	NamespaceAdmin       Namespace = "admin"
	NamespaceOutbox      Namespace = "outbox"
	NamespaceLock        Namespace = "lock"
	NamespaceIdempotency Namespace = "idem"
	NamespaceJobs        Namespace = "jobs"
)

// Key forma una clave "<namespace>:<part>:<part>...".
func (n Namespace) Key(parts ...string) string {
	return strings.Join(append([]string{string(n)}, parts...), ":")
}

var (
	ActiveOrdersKey      = NamespaceAdmin.Key("active_orders")
	NotificationsChannel = NamespaceAdmin.Key("notifications")
	OutboxKey            = NamespaceOutbox.Key("notifications")
	DeadLetterKey        = NamespaceOutbox.Key("dead_letter")

	OutboxDrainLock    = NamespaceLock.Key("outbox")
	OrderCleanupLock   = NamespaceLock.Key("cleanup")
	OutboxCleanupLock  = NamespaceLock.Key("outbox-cleanup")
	ProjectionSyncLock = NamespaceLock.Key("rebuild")
)

// IdempotencyKey forma la clave de deduplicación de un evento de producción.
func IdempotencyKey(scope, key string) string {
	return NamespaceIdempotency.Key(scope, key)
}

// JobLastRunKey guarda el instante de la última ejecución de un job periódico.
func JobLastRunKey(job string) string {
	return NamespaceJobs.Key("last_run", job)
}

// DeadLetterDailyKey es el contador diario de promociones al dead-letter.
func DeadLetterDailyKey(day string) string {
	return NamespaceOutbox.Key("dead_lettered", day)
}
