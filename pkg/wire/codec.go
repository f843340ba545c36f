package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal serializes env. Equal envelopes always produce identical bytes.
// Nothing is emitted for an envelope that fails validation.
func Marshal(env *Envelope) ([]byte, error) {
	if env == nil || env.Payload == nil {
		return nil, ErrMissingPayload
	}
	p := env.Payload
	if err := p.validate(); err != nil {
		return nil, err
	}

	if u, ok := p.(*UnknownPayload); ok {
		return append([]byte(nil), u.Raw...), nil
	}

	body := p.appendFields(make([]byte, 0, 32))
	out := make([]byte, 0, len(body)+protowire.SizeTag(p.Field())+protowire.SizeVarint(uint64(len(body))))
	out = protowire.AppendTag(out, p.Field(), protowire.BytesType)
	return protowire.AppendBytes(out, body), nil
}

// Unmarshal decodes a WireMessage. Oneof members this build does not know
// decode into *UnknownPayload. When different members are present the last
// one wins; repeated occurrences of the same member merge, as protobuf
// requires. An empty message yields a nil Payload.
func Unmarshal(b []byte) (*Envelope, error) {
	env := &Envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: envelope tag: %w", protowire.ParseError(n))
		}
		m := protowire.ConsumeFieldValue(num, typ, b[n:])
		if m < 0 {
			return nil, fmt.Errorf("wire: envelope field %d: %w", num, protowire.ParseError(m))
		}
		field := b[:n+m]
		b = b[n+m:]

		prev := env.Payload
		if prev != nil && prev.Field() != num {
			prev = nil
		}

		p := newPayload(num)
		if p == nil {
			if prev == nil {
				prev = &UnknownPayload{Number: num}
			}
			prev.retain(field)
			env.Payload = prev
			continue
		}
		if typ != protowire.BytesType {
			return nil, fmt.Errorf("wire: field %d (%s) has wire type %d, want bytes", num, p.Name(), typ)
		}
		if prev != nil {
			p = prev
		}
		v, _ := protowire.ConsumeBytes(field[n:])
		if err := decodeFields(v, p); err != nil {
			return nil, fmt.Errorf("wire: %s: %w", p.Name(), err)
		}
		env.Payload = p
	}
	return env, nil
}

func newPayload(num protowire.Number) Payload {
	switch num {
	case FieldPlaceLimitOrder:
		return &PlaceLimitOrder{}
	case FieldCancelOrder:
		return &CancelOrder{}
	case FieldOrderAccepted:
		return &OrderAccepted{}
	case FieldTradeOccurred:
		return &TradeOccurred{}
	case FieldOrderCancelled:
		return &OrderCancelled{}
	}
	return nil
}

// decodeFields feeds every known varint field of a variant body to p. Any
// other field is retained as raw bytes, which keeps older readers working
// when new fields are added.
func decodeFields(b []byte, p Payload) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		m := protowire.ConsumeFieldValue(num, typ, b[n:])
		if m < 0 {
			return protowire.ParseError(m)
		}
		field := b[:n+m]
		b = b[n+m:]
		if typ == protowire.VarintType {
			v, _ := protowire.ConsumeVarint(field[n:])
			if p.consumeField(num, v) {
				continue
			}
		}
		p.retain(field)
	}
	return nil
}

// Validate applies the checks Marshal applies to p. Decoding does not
// validate, so consumers call this before trusting a payload.
func Validate(p Payload) error {
	if p == nil {
		return ErrMissingPayload
	}
	return p.validate()
}
