package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Descriptor mirror of proto/trading.proto. Keep the two in sync.
var (
	fileProto = buildFileProto()
	fileDesc  = mustFile(fileProto)
)

func buildFileProto() *descriptorpb.FileDescriptorProto {
	int64Field := func(name string, num int32) *descriptorpb.FieldDescriptorProto {
		return &descriptorpb.FieldDescriptorProto{
			Name:     proto.String(name),
			JsonName: proto.String(jsonName(name)),
			Number:   proto.Int32(num),
			Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:     descriptorpb.FieldDescriptorProto_TYPE_INT64.Enum(),
		}
	}
	sideField := func(num int32) *descriptorpb.FieldDescriptorProto {
		return &descriptorpb.FieldDescriptorProto{
			Name:     proto.String("side"),
			JsonName: proto.String("side"),
			Number:   proto.Int32(num),
			Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:     descriptorpb.FieldDescriptorProto_TYPE_ENUM.Enum(),
			TypeName: proto.String(".trading.Side"),
		}
	}
	variant := func(name, msg string, num int32) *descriptorpb.FieldDescriptorProto {
		return &descriptorpb.FieldDescriptorProto{
			Name:       proto.String(name),
			JsonName:   proto.String(jsonName(name)),
			Number:     proto.Int32(num),
			Label:      descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:       descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum(),
			TypeName:   proto.String(".trading." + msg),
			OneofIndex: proto.Int32(0),
		}
	}
	message := func(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
		return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
	}

	wireMessage := message("WireMessage",
		variant("place_limit_order", "PlaceLimitOrder", int32(FieldPlaceLimitOrder)),
		variant("cancel_order", "CancelOrder", int32(FieldCancelOrder)),
		variant("order_accepted", "OrderAccepted", int32(FieldOrderAccepted)),
		variant("trade_occurred", "TradeOccurred", int32(FieldTradeOccurred)),
		variant("order_cancelled", "OrderCancelled", int32(FieldOrderCancelled)),
	)
	wireMessage.OneofDecl = []*descriptorpb.OneofDescriptorProto{{Name: proto.String("payload")}}

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("trading.proto"),
		Package: proto.String("trading"),
		Syntax:  proto.String("proto3"),
		Options: &descriptorpb.FileOptions{
			GoPackage: proto.String("github.com/hanar3/trading-sim/pkg/wire"),
		},
		EnumType: []*descriptorpb.EnumDescriptorProto{{
			Name: proto.String("Side"),
			Value: []*descriptorpb.EnumValueDescriptorProto{
				{Name: proto.String("SIDE_UNSPECIFIED"), Number: proto.Int32(int32(SideUnspecified))},
				{Name: proto.String("SIDE_BUY"), Number: proto.Int32(int32(SideBuy))},
				{Name: proto.String("SIDE_SELL"), Number: proto.Int32(int32(SideSell))},
			},
		}},
		MessageType: []*descriptorpb.DescriptorProto{
			message("PlaceLimitOrder",
				int64Field("user_id", 1), sideField(2), int64Field("price", 3), int64Field("quantity", 4)),
			message("CancelOrder", int64Field("order_id", 1)),
			message("OrderAccepted",
				int64Field("order_id", 1), int64Field("user_id", 2), sideField(3),
				int64Field("price", 4), int64Field("quantity", 5)),
			message("TradeOccurred",
				int64Field("taker_order_id", 1), int64Field("maker_order_id", 2),
				int64Field("price", 3), int64Field("quantity", 4)),
			message("OrderCancelled", int64Field("order_id", 1)),
			wireMessage,
		},
	}
}

// jsonName converts snake_case to lowerCamelCase like protoc does.
func jsonName(name string) string {
	out := make([]byte, 0, len(name))
	upper := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '_' {
			upper = true
			continue
		}
		if upper && 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		upper = false
		out = append(out, c)
	}
	return string(out)
}

func mustFile(fd *descriptorpb.FileDescriptorProto) protoreflect.FileDescriptor {
	f, err := protodesc.NewFile(fd, nil)
	if err != nil {
		panic(fmt.Sprintf("wire: invalid schema descriptor: %v", err))
	}
	return f
}

// File returns the reflective descriptor of the wire schema.
func File() protoreflect.FileDescriptor { return fileDesc }

// FileDescriptorProto returns a copy of the schema descriptor.
func FileDescriptorProto() *descriptorpb.FileDescriptorProto {
	return proto.Clone(fileProto).(*descriptorpb.FileDescriptorProto)
}

// SchemaJSON renders the schema descriptor as JSON.
func SchemaJSON() ([]byte, error) {
	return protojson.MarshalOptions{UseProtoNames: true}.Marshal(fileProto)
}

// NewDynamicMessage returns an empty reflective WireMessage. It decodes any
// payload with the stock protobuf runtime, independently of Unmarshal.
func NewDynamicMessage() *dynamicpb.Message {
	return dynamicpb.NewMessage(fileDesc.Messages().ByName("WireMessage"))
}

// ToJSON renders encoded WireMessage bytes as protojson, for logs and
// diagnostics.
func ToJSON(b []byte) ([]byte, error) {
	msg := NewDynamicMessage()
	if err := proto.Unmarshal(b, msg); err != nil {
		return nil, fmt.Errorf("wire: decode for json: %w", err)
	}
	return protojson.MarshalOptions{UseProtoNames: true, EmitUnpopulated: false}.Marshal(msg)
}
