package order

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/hanar3/trading-sim/pkg/wire"
)

// Reason classifies a ValidationError.
type Reason string

const (
	ReasonMissing     Reason = "missing"
	ReasonWrongType   Reason = "wrong_type"
	ReasonNotInteger  Reason = "not_integer"
	ReasonOutOfRange  Reason = "out_of_range"
	ReasonNonPositive Reason = "non_positive"
	ReasonUnknownSide Reason = "unknown_side"
)

// ValidationError names the request field that failed and why.
type ValidationError struct {
	Field  string
	Reason Reason
	Value  string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s (%q)", e.Field, e.Reason, e.Value)
}

// maxLiteralLen bounds the number literals we are willing to parse.
const maxLiteralLen = 64

var maxInt64 = decimal.NewFromInt(math.MaxInt64)

// Normalize converts a transport request into an Order. It is pure: the same
// request always yields the same result and nothing is returned on failure
// except the error.
func Normalize(req PlaceOrderRequest) (Order, error) {
	if req.Side == "" {
		return Order{}, &ValidationError{Field: "side", Reason: ReasonMissing}
	}
	side, ok := wire.ParseSide(req.Side)
	if !ok {
		return Order{}, &ValidationError{Field: "side", Reason: ReasonUnknownSide, Value: req.Side}
	}

	qty, err := positiveInt("quantity", req.Quantity)
	if err != nil {
		return Order{}, err
	}
	price, err := positiveInt("price", req.Price)
	if err != nil {
		return Order{}, err
	}

	var userID int64
	if req.UserID != "" {
		if userID, err = positiveInt("user_id", req.UserID); err != nil {
			return Order{}, err
		}
	}

	return Order{UserID: userID, Side: side, Quantity: qty, Price: price}, nil
}

// NormalizeCancel converts a cancel request.
func NormalizeCancel(req CancelOrderRequest) (Cancel, error) {
	id, err := positiveInt("order_id", req.OrderID)
	if err != nil {
		return Cancel{}, err
	}
	return Cancel{OrderID: id}, nil
}

// positiveInt converts a JSON number literal to int64 exactly. Values that
// are fractional, non-positive or beyond int64 are rejected, never rounded.
// Integral spellings such as "10.0" or "1e3" are accepted.
func positiveInt(field string, n json.Number) (int64, error) {
	lit := strings.TrimSpace(n.String())
	if lit == "" {
		return 0, &ValidationError{Field: field, Reason: ReasonMissing}
	}
	if len(lit) > maxLiteralLen {
		return 0, &ValidationError{Field: field, Reason: ReasonOutOfRange, Value: lit[:maxLiteralLen] + "..."}
	}

	d, err := decimal.NewFromString(lit)
	if err != nil {
		return 0, &ValidationError{Field: field, Reason: unparsableReason(lit), Value: lit}
	}
	if d.Sign() <= 0 {
		return 0, &ValidationError{Field: field, Reason: ReasonNonPositive, Value: lit}
	}
	// Exponent bounds keep IsInteger and the range check cheap: with at most
	// maxLiteralLen digits, exp > 18 is >= 1e19 and exp < -maxLiteralLen is < 1.
	if d.Exponent() > 18 {
		return 0, &ValidationError{Field: field, Reason: ReasonOutOfRange, Value: lit}
	}
	if d.Exponent() < -maxLiteralLen || !d.IsInteger() {
		return 0, &ValidationError{Field: field, Reason: ReasonNotInteger, Value: lit}
	}
	if d.GreaterThan(maxInt64) {
		return 0, &ValidationError{Field: field, Reason: ReasonOutOfRange, Value: lit}
	}
	return d.IntPart(), nil
}

// unparsableReason classifies a literal decimal rejects. A well-formed JSON
// number only fails there when its exponent overflows int32, so its sign and
// the exponent's sign decide the reason.
func unparsableReason(lit string) Reason {
	if !json.Valid([]byte(lit)) {
		return ReasonWrongType
	}
	mantissa, exp, ok := strings.Cut(strings.ToLower(lit), "e")
	if !ok {
		return ReasonWrongType
	}
	switch {
	case strings.HasPrefix(mantissa, "-"), strings.Trim(mantissa, "0.") == "":
		return ReasonNonPositive
	case strings.HasPrefix(exp, "-"):
		return ReasonNotInteger
	default:
		return ReasonOutOfRange
	}
}
