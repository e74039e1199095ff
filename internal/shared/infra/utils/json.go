package utils

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	sharedEvents "github.com/davicafu/ordernotify/internal/shared/events"
)

var errEmptyEventData = errors.New("integration event without data")

// HandleEvent decodifica evt.Data como T y llama a handler. Un payload vacío o
// que no encaja en T se registra y se descarta; devuelve si se llamó a handler.
func HandleEvent[T any](log *zap.Logger, evt sharedEvents.IntegrationEvent, handler func(T)) bool {
	if len(evt.Data) == 0 || string(evt.Data) == "null" {
		log.Warn("Evento sin datos, se descarta", zap.String("type", evt.Type), zap.Error(errEmptyEventData))
		return false
	}

	var data T
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		log.Warn("Datos del evento no válidos, se descarta", zap.String("type", evt.Type), zap.Error(err))
		return false
	}
	handler(data)
	return true
}
