// Package wire implements the binary order envelope exchanged between the
// gateway, the matching engine and the persistor.
//
// The encoding is standard protobuf (see proto/trading.proto). Messages are
// written field by field with protowire so output is byte-for-byte
// deterministic and does not depend on generated code.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// SchemaVersion identifies the enveloped schema (WireMessage with a payload
// oneof, Side BUY=1/SELL=2). Version 1 (flat Order, Buy=0/Sell=1) is not
// wire compatible and is not supported.
const SchemaVersion = 2

// Side is the order side. Values are frozen.
type Side int32

const (
	SideUnspecified Side = 0
	SideBuy         Side = 1
	SideSell        Side = 2
)

// ParseSide maps a transport label ("Buy", "Sell") to a Side.
func ParseSide(label string) (Side, bool) {
	switch label {
	case "Buy":
		return SideBuy, true
	case "Sell":
		return SideSell, true
	}
	return SideUnspecified, false
}

// Valid reports whether s is Buy or Sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

func (s Side) String() string {
	switch s {
	case SideUnspecified:
		return "SIDE_UNSPECIFIED"
	case SideBuy:
		return "SIDE_BUY"
	case SideSell:
		return "SIDE_SELL"
	}
	return fmt.Sprintf("Side(%d)", int32(s))
}

// Oneof member field numbers of WireMessage.payload.
const (
	FieldPlaceLimitOrder protowire.Number = 1
	FieldCancelOrder     protowire.Number = 2
	FieldOrderAccepted   protowire.Number = 3
	FieldTradeOccurred   protowire.Number = 4
	FieldOrderCancelled  protowire.Number = 5
)

var ErrMissingPayload = errors.New("wire: envelope has no payload")

// EncodingError reports an envelope that cannot be serialized because a
// required field is unset or invalid.
type EncodingError struct {
	Variant string
	Field   string
	Reason  string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("wire: cannot encode %s: %s %s", e.Variant, e.Field, e.Reason)
}

// Envelope is a WireMessage: exactly one populated payload variant.
type Envelope struct {
	Payload Payload
}

// Payload is one member of the WireMessage oneof.
type Payload interface {
	// Field is the oneof field number the payload is written under.
	Field() protowire.Number
	// Name is the protobuf message name of the variant.
	Name() string

	validate() error
	appendFields(b []byte) []byte
	consumeField(num protowire.Number, v uint64) bool
	retain(raw []byte)
}

// unknownFields keeps variant fields this build does not decode. They are
// written back after the known fields.
type unknownFields struct {
	unknown []byte
}

func (u *unknownFields) retain(raw []byte) { u.unknown = append(u.unknown, raw...) }

// PlaceLimitOrder asks the engine to rest or match a limit order.
type PlaceLimitOrder struct {
	unknownFields

	UserID   int64
	Side     Side
	Price    int64
	Quantity int64
}

func (*PlaceLimitOrder) Field() protowire.Number { return FieldPlaceLimitOrder }
func (*PlaceLimitOrder) Name() string            { return "PlaceLimitOrder" }

func (m *PlaceLimitOrder) validate() error {
	if !m.Side.Valid() {
		return &EncodingError{Variant: m.Name(), Field: "side", Reason: "must be SIDE_BUY or SIDE_SELL, got " + m.Side.String()}
	}
	if m.Price <= 0 {
		return &EncodingError{Variant: m.Name(), Field: "price", Reason: "must be positive"}
	}
	if m.Quantity <= 0 {
		return &EncodingError{Variant: m.Name(), Field: "quantity", Reason: "must be positive"}
	}
	if m.UserID < 0 {
		return &EncodingError{Variant: m.Name(), Field: "user_id", Reason: "must not be negative"}
	}
	return nil
}

func (m *PlaceLimitOrder) appendFields(b []byte) []byte {
	b = appendVarint(b, 1, uint64(m.UserID))
	b = appendVarint(b, 2, uint64(int64(m.Side)))
	b = appendVarint(b, 3, uint64(m.Price))
	b = appendVarint(b, 4, uint64(m.Quantity))
	return append(b, m.unknown...)
}

func (m *PlaceLimitOrder) consumeField(num protowire.Number, v uint64) bool {
	switch num {
	case 1:
		m.UserID = int64(v)
	case 2:
		m.Side = Side(int32(v))
	case 3:
		m.Price = int64(v)
	case 4:
		m.Quantity = int64(v)
	default:
		return false
	}
	return true
}

// CancelOrder asks the engine to remove a resting order.
type CancelOrder struct {
	unknownFields

	OrderID int64
}

func (*CancelOrder) Field() protowire.Number { return FieldCancelOrder }
func (*CancelOrder) Name() string            { return "CancelOrder" }

func (m *CancelOrder) validate() error {
	if m.OrderID <= 0 {
		return &EncodingError{Variant: m.Name(), Field: "order_id", Reason: "must be positive"}
	}
	return nil
}

func (m *CancelOrder) appendFields(b []byte) []byte {
	b = appendVarint(b, 1, uint64(m.OrderID))
	return append(b, m.unknown...)
}

func (m *CancelOrder) consumeField(num protowire.Number, v uint64) bool {
	if num != 1 {
		return false
	}
	m.OrderID = int64(v)
	return true
}

// OrderAccepted is emitted by the engine once an order enters the book.
type OrderAccepted struct {
	unknownFields

	OrderID  int64
	UserID   int64
	Side     Side
	Price    int64
	Quantity int64
}

func (*OrderAccepted) Field() protowire.Number { return FieldOrderAccepted }
func (*OrderAccepted) Name() string            { return "OrderAccepted" }

func (m *OrderAccepted) validate() error {
	if m.OrderID <= 0 {
		return &EncodingError{Variant: m.Name(), Field: "order_id", Reason: "must be positive"}
	}
	if !m.Side.Valid() {
		return &EncodingError{Variant: m.Name(), Field: "side", Reason: "must be SIDE_BUY or SIDE_SELL, got " + m.Side.String()}
	}
	return nil
}

func (m *OrderAccepted) appendFields(b []byte) []byte {
	b = appendVarint(b, 1, uint64(m.OrderID))
	b = appendVarint(b, 2, uint64(m.UserID))
	b = appendVarint(b, 3, uint64(int64(m.Side)))
	b = appendVarint(b, 4, uint64(m.Price))
	b = appendVarint(b, 5, uint64(m.Quantity))
	return append(b, m.unknown...)
}

func (m *OrderAccepted) consumeField(num protowire.Number, v uint64) bool {
	switch num {
	case 1:
		m.OrderID = int64(v)
	case 2:
		m.UserID = int64(v)
	case 3:
		m.Side = Side(int32(v))
	case 4:
		m.Price = int64(v)
	case 5:
		m.Quantity = int64(v)
	default:
		return false
	}
	return true
}

// TradeOccurred is emitted by the engine for every fill.
type TradeOccurred struct {
	unknownFields

	TakerOrderID int64
	MakerOrderID int64
	Price        int64
	Quantity     int64
}

func (*TradeOccurred) Field() protowire.Number { return FieldTradeOccurred }
func (*TradeOccurred) Name() string            { return "TradeOccurred" }

func (m *TradeOccurred) validate() error {
	if m.TakerOrderID <= 0 {
		return &EncodingError{Variant: m.Name(), Field: "taker_order_id", Reason: "must be positive"}
	}
	if m.MakerOrderID <= 0 {
		return &EncodingError{Variant: m.Name(), Field: "maker_order_id", Reason: "must be positive"}
	}
	if m.Quantity <= 0 {
		return &EncodingError{Variant: m.Name(), Field: "quantity", Reason: "must be positive"}
	}
	return nil
}

func (m *TradeOccurred) appendFields(b []byte) []byte {
	b = appendVarint(b, 1, uint64(m.TakerOrderID))
	b = appendVarint(b, 2, uint64(m.MakerOrderID))
	b = appendVarint(b, 3, uint64(m.Price))
	b = appendVarint(b, 4, uint64(m.Quantity))
	return append(b, m.unknown...)
}

func (m *TradeOccurred) consumeField(num protowire.Number, v uint64) bool {
	switch num {
	case 1:
		m.TakerOrderID = int64(v)
	case 2:
		m.MakerOrderID = int64(v)
	case 3:
		m.Price = int64(v)
	case 4:
		m.Quantity = int64(v)
	default:
		return false
	}
	return true
}

// OrderCancelled is emitted by the engine after a successful cancel.
type OrderCancelled struct {
	unknownFields

	OrderID int64
}

func (*OrderCancelled) Field() protowire.Number { return FieldOrderCancelled }
func (*OrderCancelled) Name() string            { return "OrderCancelled" }

func (m *OrderCancelled) validate() error {
	if m.OrderID <= 0 {
		return &EncodingError{Variant: m.Name(), Field: "order_id", Reason: "must be positive"}
	}
	return nil
}

func (m *OrderCancelled) appendFields(b []byte) []byte {
	b = appendVarint(b, 1, uint64(m.OrderID))
	return append(b, m.unknown...)
}

func (m *OrderCancelled) consumeField(num protowire.Number, v uint64) bool {
	if num != 1 {
		return false
	}
	m.OrderID = int64(v)
	return true
}

// UnknownPayload holds a oneof member this build does not know about.
// Raw is the complete field (tag and value) and is re-emitted verbatim.
type UnknownPayload struct {
	Number protowire.Number
	Raw    []byte
}

func (m *UnknownPayload) Field() protowire.Number { return m.Number }
func (*UnknownPayload) Name() string              { return "unknown" }

func (m *UnknownPayload) validate() error {
	num, _, n := protowire.ConsumeTag(m.Raw)
	if n < 0 || num != m.Number {
		return &EncodingError{Variant: m.Name(), Field: "raw", Reason: "does not start with the field tag"}
	}
	return nil
}

func (m *UnknownPayload) appendFields(b []byte) []byte { return b }

func (*UnknownPayload) consumeField(protowire.Number, uint64) bool { return false }

func (m *UnknownPayload) retain(raw []byte) { m.Raw = append(m.Raw, raw...) }

// appendVarint writes a proto3 scalar; zero values are omitted.
func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
