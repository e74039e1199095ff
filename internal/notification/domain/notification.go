package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ---------- Errores de dominio ----------
var (
	ErrInvalidNotification = errors.New("invalid notification")
	ErrCorruptedPayload    = errors.New("corrupted payload")
	ErrUnknownAction       = errors.New("unknown outbox action")
)

// Kind es la etiqueta que discrimina la variante de una Notification.
type Kind string

const (
	KindOrderConfirmed Kind = "ORDER_CONFIRMED"
	KindOrderShared    Kind = "ORDER_SHARED"
	KindOrderRemoved   Kind = "ORDER_REMOVED"
)

// Payload lo implementan únicamente las tres variantes de este paquete.
type Payload interface {
	Kind() Kind
	OrderID() string
	Validate() error
}

// OrderConfirmed se emite cuando el pago de un pedido queda confirmado.
type OrderConfirmed struct {
	ID               string  `json:"id"`
	PaymentReference string  `json:"payment_reference"`
	Amount           float64 `json:"amount"`
	PhoneNumber      string  `json:"phone_number"`
}

func (o OrderConfirmed) Kind() Kind      { return KindOrderConfirmed }
func (o OrderConfirmed) OrderID() string { return o.ID }

func (o OrderConfirmed) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidNotification)
	}
	if o.Amount < 0 {
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidNotification)
	}
	return nil
}

// OrderShared se emite cuando un admin comparte el pedido con un rider.
type OrderShared struct {
	ID               string `json:"id"`
	PaymentReference string `json:"payment_reference"`
	SharedBy         string `json:"shared_by"`
}

func (o OrderShared) Kind() Kind      { return KindOrderShared }
func (o OrderShared) OrderID() string { return o.ID }

func (o OrderShared) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidNotification)
	}
	if strings.TrimSpace(o.SharedBy) == "" {
		return fmt.Errorf("%w: shared_by is required", ErrInvalidNotification)
	}
	return nil
}

// OrderRemoved se emite cuando el pedido se acepta o rechaza y deja de estar pendiente.
type OrderRemoved struct {
	ID string `json:"id"`
}

func (o OrderRemoved) Kind() Kind      { return KindOrderRemoved }
func (o OrderRemoved) OrderID() string { return o.ID }

func (o OrderRemoved) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidNotification)
	}
	return nil
}

// Notification es la unión etiquetada que viaja por el canal y el outbox.
// Hay que discriminar con Kind (o Confirmed/Shared/Removed) antes de leer campos.
type Notification struct {
	Payload   Payload
	Timestamp time.Time
}

// NewNotification construye una notificación con timestamp UTC.
func NewNotification(p Payload, now time.Time) Notification {
	return Notification{Payload: p, Timestamp: now.UTC()}
}

func (n Notification) Kind() Kind {
	if n.Payload == nil {
		return ""
	}
	return n.Payload.Kind()
}

func (n Notification) OrderID() string {
	if n.Payload == nil {
		return ""
	}
	return n.Payload.OrderID()
}

func (n Notification) Validate() error {
	if n.Payload == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidNotification)
	}
	if n.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidNotification)
	}
	return n.Payload.Validate()
}

func (n Notification) Confirmed() (OrderConfirmed, bool) {
	v, ok := n.Payload.(OrderConfirmed)
	return v, ok
}

func (n Notification) Shared() (OrderShared, bool) {
	v, ok := n.Payload.(OrderShared)
	return v, ok
}

func (n Notification) Removed() (OrderRemoved, bool) {
	v, ok := n.Payload.(OrderRemoved)
	return v, ok
}

// envelope es la forma en el cable: {"type", "data", "timestamp"} más los
// campos opcionales que añade el marcado de "compartido" en la proyección.
type envelope struct {
	Type            Kind            `json:"type"`
	Data            json.RawMessage `json:"data"`
	Timestamp       time.Time       `json:"timestamp"`
	SharedWithRider bool            `json:"shared_with_rider,omitempty"`
	SharedBy        string          `json:"shared_by,omitempty"`
	SharedAt        *time.Time      `json:"shared_at,omitempty"`
}

func (n Notification) toEnvelope() (envelope, error) {
	if n.Payload == nil {
		return envelope{}, fmt.Errorf("%w: missing payload", ErrInvalidNotification)
	}
	data, err := json.Marshal(n.Payload)
	if err != nil {
		return envelope{}, err
	}
	return envelope{Type: n.Payload.Kind(), Data: data, Timestamp: n.Timestamp.UTC()}, nil
}

func (e envelope) toNotification() (Notification, error) {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return Notification{}, fmt.Errorf("%w: missing data", ErrCorruptedPayload)
	}

	var (
		p   Payload
		err error
	)
	switch e.Type {
	case KindOrderConfirmed:
		var v OrderConfirmed
		err = json.Unmarshal(e.Data, &v)
		p = v
	case KindOrderShared:
		var v OrderShared
		err = json.Unmarshal(e.Data, &v)
		p = v
	case KindOrderRemoved:
		var v OrderRemoved
		err = json.Unmarshal(e.Data, &v)
		p = v
	default:
		return Notification{}, fmt.Errorf("%w: unknown notification type %q", ErrCorruptedPayload, e.Type)
	}
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrCorruptedPayload, err)
	}

	n := Notification{Payload: p, Timestamp: e.Timestamp.UTC()}
	if err := n.Validate(); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrCorruptedPayload, err)
	}
	return n, nil
}

func (n Notification) MarshalJSON() ([]byte, error) {
	env, err := n.toEnvelope()
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (n *Notification) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptedPayload, err)
	}
	decoded, err := env.toNotification()
	if err != nil {
		return err
	}
	*n = decoded
	return nil
}

// DecodeNotification decodifica y valida una notificación leída del store.
func DecodeNotification(raw string) (Notification, error) {
	var n Notification
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return Notification{}, asCorrupted(err)
	}
	return n, nil
}

// asCorrupted garantiza que cualquier fallo de decodificación sea ErrCorruptedPayload.
func asCorrupted(err error) error {
	if errors.Is(err, ErrCorruptedPayload) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrCorruptedPayload, err)
}
