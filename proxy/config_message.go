package proxy

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// ErrEmptyConfig is returned when the companion writes no payload
var ErrEmptyConfig = errors.New("proxy: empty config payload")

// ProxyConfig is what the companion writes to the config characteristic
type ProxyConfig struct {
	PsmValue               int32
	ChannelChangeID        int32
	MinPingIntervalSeconds int32
}

// proxyConfigDescriptor describes the wire message:
//
//	message ProxyConfig {
//	  int32 psm_value = 1;
//	  int32 channel_change_id = 2;
//	  int32 min_ping_interval_seconds = 3;
//	}
var proxyConfigDescriptor protoreflect.MessageDescriptor

var (
	fieldPsmValue        protoreflect.FieldDescriptor
	fieldChannelChangeID protoreflect.FieldDescriptor
	fieldMinPingInterval protoreflect.FieldDescriptor
)

func init() {
	int32Field := func(name string, number int32) *descriptorpb.FieldDescriptorProto {
		return &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(name),
			Number: proto.Int32(number),
			Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:   descriptorpb.FieldDescriptorProto_TYPE_INT32.Enum(),
		}
	}

	fdp := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("companionproxy/proxy_config.proto"),
		Package: proto.String("companionproxy"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{{
			Name: proto.String("ProxyConfig"),
			Field: []*descriptorpb.FieldDescriptorProto{
				int32Field("psm_value", 1),
				int32Field("channel_change_id", 2),
				int32Field("min_ping_interval_seconds", 3),
			},
		}},
	}

	fd, err := protodesc.NewFile(fdp, nil)
	if err != nil {
		panic(fmt.Sprintf("proxy: invalid ProxyConfig descriptor: %v", err))
	}

	proxyConfigDescriptor = fd.Messages().ByName("ProxyConfig")
	fields := proxyConfigDescriptor.Fields()
	fieldPsmValue = fields.ByNumber(1)
	fieldChannelChangeID = fields.ByNumber(2)
	fieldMinPingInterval = fields.ByNumber(3)
}

// Message returns the config as a protobuf message, for logging or encoding
func (c ProxyConfig) Message() proto.Message {
	msg := dynamicpb.NewMessage(proxyConfigDescriptor)
	if c.PsmValue != 0 {
		msg.Set(fieldPsmValue, protoreflect.ValueOfInt32(c.PsmValue))
	}
	if c.ChannelChangeID != 0 {
		msg.Set(fieldChannelChangeID, protoreflect.ValueOfInt32(c.ChannelChangeID))
	}
	if c.MinPingIntervalSeconds != 0 {
		msg.Set(fieldMinPingInterval, protoreflect.ValueOfInt32(c.MinPingIntervalSeconds))
	}
	return msg
}

// Marshal encodes the config into the bytes a companion would write
func (c ProxyConfig) Marshal() ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(c.Message())
}

// DecodeProxyConfig parses the payload written to the config characteristic.
// An empty payload is treated as no config and fails with ErrEmptyConfig, even
// though protobuf would read it as an all-zero message.
func DecodeProxyConfig(payload []byte) (ProxyConfig, error) {
	if len(payload) == 0 {
		return ProxyConfig{}, ErrEmptyConfig
	}

	msg := dynamicpb.NewMessage(proxyConfigDescriptor)
	if err := proto.Unmarshal(payload, msg); err != nil {
		return ProxyConfig{}, fmt.Errorf("proxy: decode config: %w", err)
	}

	return ProxyConfig{
		PsmValue:               int32(msg.Get(fieldPsmValue).Int()),
		ChannelChangeID:        int32(msg.Get(fieldChannelChangeID).Int()),
		MinPingIntervalSeconds: int32(msg.Get(fieldMinPingInterval).Int()),
	}, nil
}
