package order

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"strconv"
	"testing"
	"testing/quick"

	"github.com/hanar3/trading-sim/pkg/wire"
)

func num(s string) json.Number { return json.Number(s) }

func TestNormalizeExactAcrossInt64Range(t *testing.T) {
	f := func(seed int64) bool {
		r := rand.New(rand.NewSource(seed))
		qty := r.Int63n(math.MaxInt64) + 1
		price := r.Int63n(math.MaxInt64) + 1
		side, label := wire.SideBuy, "Buy"
		if r.Intn(2) == 1 {
			side, label = wire.SideSell, "Sell"
		}

		got, err := Normalize(PlaceOrderRequest{
			Side:     label,
			Quantity: num(strconv.FormatInt(qty, 10)),
			Price:    num(strconv.FormatInt(price, 10)),
		})
		if err != nil {
			t.Logf("Normalize: %v", err)
			return false
		}
		return got == Order{Side: side, Quantity: qty, Price: price}
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 2000}); err != nil {
		t.Fatal(err)
	}
}

func TestNormalizeBoundaries(t *testing.T) {
	tests := []struct {
		name string
		lit  string
		want int64
	}{
		{"one", "1", 1},
		{"max int64", "9223372036854775807", math.MaxInt64},
		{"above float64 precision", "9007199254740993", 9007199254740993},
		{"integral with fraction digits", "10.000", 10},
		{"exponent form", "1e3", 1000},
		{"fractional exponent that is integral", "2.5E1", 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(PlaceOrderRequest{Side: "Buy", Quantity: num(tt.lit), Price: num("1")})
			if err != nil {
				t.Fatalf("Normalize(%s): %v", tt.lit, err)
			}
			if got.Quantity != tt.want {
				t.Fatalf("Quantity=%d, want %d", got.Quantity, tt.want)
			}
		})
	}
}

func TestNormalizeRejects(t *testing.T) {
	valid := func() PlaceOrderRequest {
		return PlaceOrderRequest{Side: "Buy", Quantity: num("10"), Price: num("100")}
	}

	tests := []struct {
		name       string
		mutate     func(*PlaceOrderRequest)
		wantField  string
		wantReason Reason
	}{
		{"missing side", func(r *PlaceOrderRequest) { r.Side = "" }, "side", ReasonMissing},
		{"unknown side", func(r *PlaceOrderRequest) { r.Side = "Hold" }, "side", ReasonUnknownSide},
		{"lower-case side", func(r *PlaceOrderRequest) { r.Side = "buy" }, "side", ReasonUnknownSide},
		{"missing quantity", func(r *PlaceOrderRequest) { r.Quantity = "" }, "quantity", ReasonMissing},
		{"zero quantity", func(r *PlaceOrderRequest) { r.Quantity = num("0") }, "quantity", ReasonNonPositive},
		{"negative quantity", func(r *PlaceOrderRequest) { r.Quantity = num("-5") }, "quantity", ReasonNonPositive},
		{"fractional quantity", func(r *PlaceOrderRequest) { r.Quantity = num("10.5") }, "quantity", ReasonNotInteger},
		{"tiny quantity", func(r *PlaceOrderRequest) { r.Quantity = num("1e-70") }, "quantity", ReasonNotInteger},
		{"quantity past int64", func(r *PlaceOrderRequest) { r.Quantity = num("9223372036854775808") }, "quantity", ReasonOutOfRange},
		{"huge exponent", func(r *PlaceOrderRequest) { r.Quantity = num("1e400000000") }, "quantity", ReasonOutOfRange},
		{"exponent past int32", func(r *PlaceOrderRequest) { r.Quantity = num("1e9999999999") }, "quantity", ReasonOutOfRange},
		{"explicit positive exponent past int32", func(r *PlaceOrderRequest) { r.Quantity = num("2.5E+9999999999") }, "quantity", ReasonOutOfRange},
		{"negative exponent past int32", func(r *PlaceOrderRequest) { r.Quantity = num("1e-9999999999") }, "quantity", ReasonNotInteger},
		{"negative with exponent past int32", func(r *PlaceOrderRequest) { r.Quantity = num("-1e9999999999") }, "quantity", ReasonNonPositive},
		{"zero with exponent past int32", func(r *PlaceOrderRequest) { r.Quantity = num("0e9999999999") }, "quantity", ReasonNonPositive},
		{"garbage quantity", func(r *PlaceOrderRequest) { r.Quantity = num("ten") }, "quantity", ReasonWrongType},
		{"malformed exponent", func(r *PlaceOrderRequest) { r.Quantity = num("1e") }, "quantity", ReasonWrongType},
		{"zero price", func(r *PlaceOrderRequest) { r.Price = num("0") }, "price", ReasonNonPositive},
		{"negative price", func(r *PlaceOrderRequest) { r.Price = num("-1") }, "price", ReasonNonPositive},
		{"fractional price", func(r *PlaceOrderRequest) { r.Price = num("99.99") }, "price", ReasonNotInteger},
		{"zero user", func(r *PlaceOrderRequest) { r.UserID = num("0") }, "user_id", ReasonNonPositive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(&req)

			got, err := Normalize(req)
			if got != (Order{}) {
				t.Fatalf("expected zero Order on failure, got %+v", got)
			}
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if vErr.Field != tt.wantField || vErr.Reason != tt.wantReason {
				t.Fatalf("got %s/%s, want %s/%s", vErr.Field, vErr.Reason, tt.wantField, tt.wantReason)
			}
		})
	}
}

func TestNormalizeNonPositiveProperty(t *testing.T) {
	f := func(n int64) bool {
		if n > 0 {
			n = -n
		}
		_, errQty := Normalize(PlaceOrderRequest{Side: "Sell", Quantity: num(strconv.FormatInt(n, 10)), Price: num("1")})
		_, errPrice := Normalize(PlaceOrderRequest{Side: "Sell", Quantity: num("1"), Price: num(strconv.FormatInt(n, 10))})
		var a, b *ValidationError
		return errors.As(errQty, &a) && errors.As(errPrice, &b)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}

func TestNormalizeKeepsUserID(t *testing.T) {
	got, err := Normalize(PlaceOrderRequest{UserID: num("42"), Side: "Sell", Quantity: num("3"), Price: num("7")})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := Order{UserID: 42, Side: wire.SideSell, Quantity: 3, Price: 7}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestNormalizeCancel(t *testing.T) {
	got, err := NormalizeCancel(CancelOrderRequest{OrderID: num("17")})
	if err != nil || got.OrderID != 17 {
		t.Fatalf("NormalizeCancel = %+v, %v", got, err)
	}

	_, err = NormalizeCancel(CancelOrderRequest{})
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "order_id" || vErr.Reason != ReasonMissing {
		t.Fatalf("expected missing order_id, got %v", err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	o := Order{UserID: 5, Side: wire.SideBuy, Quantity: 10, Price: 100}
	b, err := Encode(o)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	again, _ := Encode(o)
	if string(again) != string(b) {
		t.Fatal("Encode is not deterministic")
	}

	env, err := wire.Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	p, ok := env.Payload.(*wire.PlaceLimitOrder)
	if !ok {
		t.Fatalf("payload = %#v", env.Payload)
	}
	if p.UserID != o.UserID || p.Side != o.Side || p.Quantity != o.Quantity || p.Price != o.Price {
		t.Fatalf("decoded %+v, want %+v", p, o)
	}
}

func TestEncodeRejectsZeroOrder(t *testing.T) {
	b, err := Encode(Order{})
	var encErr *wire.EncodingError
	if b != nil || !errors.As(err, &encErr) {
		t.Fatalf("expected EncodingError and no bytes, got %x, %v", b, err)
	}
}
