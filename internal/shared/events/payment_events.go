package events

// Tipos de evento que publica el servicio de pagos.
const (
	PaymentConfirmedType = "payment.confirmed"
	OrderResolvedType    = "order.resolved"
)

// Estos son contratos de integración, NO entidades del dominio
// Se definen planos para intercambio entre contextos.
type PaymentConfirmed struct {
	OrderID           string  `json:"order_id"`
	PaymentReference  string  `json:"payment_reference"`
	Amount            float64 `json:"amount"`
	PhoneNumber       string  `json:"phone_number"`
	CheckoutRequestID string  `json:"checkout_request_id"`
}

// OrderResolved llega cuando un admin acepta o rechaza el pedido.
type OrderResolved struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}
