package order

import (
	"encoding/json"

	"github.com/hanar3/trading-sim/pkg/wire"
)

// PlaceOrderRequest is the transport shape of POST /orders. Numbers are kept
// as their JSON literal so nothing is rounded before normalization.
type PlaceOrderRequest struct {
	UserID   json.Number `json:"user_id,omitempty"`
	Side     string      `json:"side"`
	Quantity json.Number `json:"quantity"`
	Price    json.Number `json:"price"`
}

// CancelOrderRequest is the transport shape of POST /orders/cancel.
type CancelOrderRequest struct {
	OrderID json.Number `json:"order_id"`
}

// Order is a normalized limit order. Quantity and Price are positive; Side is
// Buy or Sell. UserID 0 means anonymous.
type Order struct {
	UserID   int64
	Side     wire.Side
	Quantity int64
	Price    int64
}

// Cancel is a normalized cancel request.
type Cancel struct {
	OrderID int64
}

// Encode wraps o into a WireMessage.place_limit_order envelope.
func Encode(o Order) ([]byte, error) {
	return wire.Marshal(&wire.Envelope{Payload: &wire.PlaceLimitOrder{
		UserID:   o.UserID,
		Side:     o.Side,
		Price:    o.Price,
		Quantity: o.Quantity,
	}})
}

// EncodeCancel wraps c into a WireMessage.cancel_order envelope.
func EncodeCancel(c Cancel) ([]byte, error) {
	return wire.Marshal(&wire.Envelope{Payload: &wire.CancelOrder{OrderID: c.OrderID}})
}
