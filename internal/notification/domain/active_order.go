package domain

import (
	"encoding/json"
	"time"
)

// ActiveOrder es una entrada de la proyección de pedidos pendientes de acción
// del admin. Es un modelo de lectura reconstruible desde la tabla de pedidos.
type ActiveOrder struct {
	Notification
	SharedWithRider bool
	SharedBy        string
	SharedAt        *time.Time
}

// MarkShared fusiona los campos de "compartido" sobre la entrada existente.
func (a *ActiveOrder) MarkShared(by string, at time.Time) {
	at = at.UTC()
	a.SharedWithRider = true
	a.SharedBy = by
	a.SharedAt = &at
}

func (a ActiveOrder) MarshalJSON() ([]byte, error) {
	env, err := a.Notification.toEnvelope()
	if err != nil {
		return nil, err
	}
	env.SharedWithRider = a.SharedWithRider
	env.SharedBy = a.SharedBy
	env.SharedAt = a.SharedAt
	return json.Marshal(env)
}

func (a *ActiveOrder) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return asCorrupted(err)
	}
	n, err := env.toNotification()
	if err != nil {
		return err
	}
	*a = ActiveOrder{
		Notification:    n,
		SharedWithRider: env.SharedWithRider,
		SharedBy:        env.SharedBy,
		SharedAt:        env.SharedAt,
	}
	return nil
}

// DecodeActiveOrder decodifica un campo del hash de la proyección.
func DecodeActiveOrder(raw string) (ActiveOrder, error) {
	var a ActiveOrder
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return ActiveOrder{}, asCorrupted(err)
	}
	return a, nil
}
