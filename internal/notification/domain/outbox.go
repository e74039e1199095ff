package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Action describe qué hacer con el evento al entregarlo.
type Action string

const (
	ActionNew     Action = "new"
	ActionShared  Action = "shared"
	ActionRemoved Action = "removed"
)

// Motivos de promoción al dead-letter.
const (
	ReasonExpired    = "Expired"
	ReasonMaxRetries = "Max retries exceeded"
)

// ActionFor devuelve la acción asociada a cada variante de notificación.
func ActionFor(k Kind) (Action, error) {
	switch k {
	case KindOrderConfirmed:
		return ActionNew, nil
	case KindOrderShared:
		return ActionShared, nil
	case KindOrderRemoved:
		return ActionRemoved, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, k)
}

// ChannelMessage es lo que se publica en el canal de notificaciones del admin.
type ChannelMessage struct {
	Action       Action       `json:"action"`
	OrderID      string       `json:"order_id"`
	Notification Notification `json:"notification"`
}

func NewChannelMessage(n Notification) (ChannelMessage, error) {
	action, err := ActionFor(n.Kind())
	if err != nil {
		return ChannelMessage{}, err
	}
	return ChannelMessage{Action: action, OrderID: n.OrderID(), Notification: n}, nil
}

// DecodeChannelMessage se usa en los consumidores del canal (SSE, Kafka).
func DecodeChannelMessage(raw string) (ChannelMessage, error) {
	var m ChannelMessage
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return ChannelMessage{}, asCorrupted(err)
	}
	return m, nil
}

// OutboxItem es un evento que no pudo entregarse por la vía directa.
// CreatedAt está en milisegundos desde epoch.
type OutboxItem struct {
	ID         string       `json:"id"`
	Action     Action       `json:"action"`
	Payload    Notification `json:"payload"`
	Channel    string       `json:"channel"`
	CreatedAt  int64        `json:"createdAt"`
	RetryCount int          `json:"retryCount"`
	LastError  string       `json:"lastError,omitempty"`
}

// NewOutboxItem crea el item con un id único derivado del pedido y del instante.
func NewOutboxItem(n Notification, channel string, now time.Time) (OutboxItem, error) {
	action, err := ActionFor(n.Kind())
	if err != nil {
		return OutboxItem{}, err
	}
	ms := now.UnixMilli()

	var id string
	switch action {
	case ActionShared:
		id = fmt.Sprintf("shared-%s-%d", n.OrderID(), ms)
	case ActionRemoved:
		id = fmt.Sprintf("remove-%s-%d", n.OrderID(), ms)
	default:
		id = fmt.Sprintf("%s-%d", n.OrderID(), ms)
	}

	return OutboxItem{
		ID:        id,
		Action:    action,
		Payload:   n,
		Channel:   channel,
		CreatedAt: ms,
	}, nil
}

// Age es el tiempo transcurrido desde que el item entró al outbox.
func (i OutboxItem) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(i.CreatedAt))
}

func (i OutboxItem) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return fmt.Errorf("%w: outbox item without id", ErrCorruptedPayload)
	}
	expected, err := ActionFor(i.Payload.Kind())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptedPayload, err)
	}
	if i.Action != expected {
		return fmt.Errorf("%w: action %q does not match payload %q", ErrCorruptedPayload, i.Action, i.Payload.Kind())
	}
	if i.CreatedAt <= 0 {
		return fmt.Errorf("%w: outbox item without createdAt", ErrCorruptedPayload)
	}
	return nil
}

// DecodeOutboxItem decodifica y valida un elemento crudo de la lista outbox.
func DecodeOutboxItem(raw string) (OutboxItem, error) {
	var item OutboxItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return OutboxItem{}, asCorrupted(err)
	}
	if err := item.Validate(); err != nil {
		return OutboxItem{}, err
	}
	return item, nil
}

// DeadLetterItem es terminal: solo sale de la lista por un reintento manual.
type DeadLetterItem struct {
	OutboxItem
	MovedAt int64  `json:"movedAt"`
	Reason  string `json:"reason"`
}

func NewDeadLetterItem(item OutboxItem, reason string, now time.Time) DeadLetterItem {
	return DeadLetterItem{OutboxItem: item, MovedAt: now.UnixMilli(), Reason: reason}
}

// Requeue convierte el item en un OutboxItem nuevo con la contabilidad de
// reintentos reiniciada.
func (d DeadLetterItem) Requeue(now time.Time) OutboxItem {
	item := d.OutboxItem
	item.RetryCount = 0
	item.LastError = ""
	item.CreatedAt = now.UnixMilli()
	return item
}

func DecodeDeadLetterItem(raw string) (DeadLetterItem, error) {
	var item DeadLetterItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return DeadLetterItem{}, asCorrupted(err)
	}
	if err := item.OutboxItem.Validate(); err != nil {
		return DeadLetterItem{}, err
	}
	return item, nil
}

// PartitionKey mantiene en orden los eventos de un mismo pedido en el bus.
func (m ChannelMessage) PartitionKey() string { return m.OrderID }
