// Package codec implements encoding and decoding of the broker's
// length-prefixed Protocol-Buffers frames, with payload-type ↔
// message-descriptor resolution driven by a runtime-loaded schema table.
//
// Rather than generating Go bindings with protoc (no such toolchain runs
// here) or pulling in a full descriptor-pool/reflection library, fields
// are encoded and decoded directly with google.golang.org/protobuf's
// low-level protowire primitives against the Schema's field-by-name
// table, keeping encode-by-field-name and name-or-enum-or-number
// identifier resolution intact.
package codec

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"fxfeed/pkg/types"
)

// envelope field numbers, fixed by the broker's wire contract.
const (
	envPayloadType = 1
	envPayload     = 2
	envClientMsgID = 3
)

// DecodedMessage is the result of decoding one inbound frame.
type DecodedMessage struct {
	PayloadType int32
	MessageName string
	Params      map[string]any
	ClientMsgID string
}

// Codec is pure and stateless aside from its loaded descriptor table.
type Codec struct {
	schema *Schema
}

// New builds a codec over the given schema. Use NewSchema for the default
// built-in descriptor table.
func New(schema *Schema) *Codec {
	return &Codec{schema: schema}
}

// ResolveIdentifier accepts a message name, an enum constant name, or a raw
// payload-type number and returns the numeric payload type.
func (c *Codec) ResolveIdentifier(identifier string) (int32, error) {
	return c.schema.ResolveIdentifier(identifier)
}

// EncodeFrame builds a complete, length-prefixed wire frame for the given
// payload type identifier (name, alias, or number), params (keyed by
// field name), and optional clientMsgId. Returns a SchemaError if the
// identifier is unknown or params violate the descriptor.
func (c *Codec) EncodeFrame(identifier string, params map[string]any, clientMsgID string) ([]byte, error) {
	payloadType, err := c.schema.ResolveIdentifier(identifier)
	if err != nil {
		return nil, &types.SchemaError{PayloadType: identifier, Reason: err.Error()}
	}
	desc, ok := c.schema.descriptorByType(payloadType)
	if !ok {
		return nil, &types.SchemaError{PayloadType: identifier, Reason: "no descriptor for resolved payload type"}
	}

	inner, err := encodeMessage(desc, params)
	if err != nil {
		return nil, &types.SchemaError{PayloadType: identifier, Reason: err.Error()}
	}

	var env []byte
	env = protowire.AppendTag(env, envPayloadType, protowire.VarintType)
	env = protowire.AppendVarint(env, uint64(payloadType))
	env = protowire.AppendTag(env, envPayload, protowire.BytesType)
	env = protowire.AppendBytes(env, inner)
	if clientMsgID != "" {
		env = protowire.AppendTag(env, envClientMsgID, protowire.BytesType)
		env = protowire.AppendString(env, clientMsgID)
	}

	var frame []byte
	frame = appendFrameLength(frame, len(env))
	frame = append(frame, env...)
	return frame, nil
}

// DecodeEnvelope parses one envelope (the bytes of a single frame, length
// prefix already stripped by ReadFrame) and, if the payload type is
// known, decodes the inner message into a field-name-keyed map. An
// unknown payload type is not an error here: callers must check
// MessageName == "" and log and drop the frame rather than tearing the
// session down.
func (c *Codec) DecodeEnvelope(data []byte) (*DecodedMessage, error) {
	var payloadType int32
	var payload []byte
	var clientMsgID string

	rest := data
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return nil, &types.FrameError{Reason: "malformed envelope tag"}
		}
		rest = rest[n:]

		switch num {
		case envPayloadType:
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return nil, &types.FrameError{Reason: "malformed payloadType"}
			}
			payloadType = int32(v)
			rest = rest[n:]
		case envPayload:
			v, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return nil, &types.FrameError{Reason: "malformed payload"}
			}
			payload = v
			rest = rest[n:]
		case envClientMsgID:
			v, n := protowire.ConsumeString(rest)
			if n < 0 {
				return nil, &types.FrameError{Reason: "malformed clientMsgId"}
			}
			clientMsgID = v
			rest = rest[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, rest)
			if n < 0 {
				return nil, &types.FrameError{Reason: "malformed unknown envelope field"}
			}
			rest = rest[n:]
		}
	}

	desc, ok := c.schema.descriptorByType(payloadType)
	if !ok {
		return &DecodedMessage{PayloadType: payloadType, ClientMsgID: clientMsgID}, nil
	}

	params, err := decodeMessage(desc, payload)
	if err != nil {
		return nil, &types.FrameError{Reason: fmt.Sprintf("decode %s: %v", desc.Name, err)}
	}

	return &DecodedMessage{
		PayloadType: payloadType,
		MessageName: desc.Name,
		Params:      params,
		ClientMsgID: clientMsgID,
	}, nil
}

func appendFrameLength(b []byte, n int) []byte {
	return append(b, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}

func encodeMessage(desc *MessageDescriptor, params map[string]any) ([]byte, error) {
	var b []byte
	for name, value := range params {
		field, ok := desc.fieldByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown field %q for message %s", name, desc.Name)
		}
		num := protowire.Number(field.Number)
		switch field.Kind {
		case KindString:
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("field %q: expected string", name)
			}
			b = protowire.AppendTag(b, num, protowire.BytesType)
			b = protowire.AppendString(b, s)
		case KindBytes:
			v, ok := value.([]byte)
			if !ok {
				return nil, fmt.Errorf("field %q: expected []byte", name)
			}
			b = protowire.AppendTag(b, num, protowire.BytesType)
			b = protowire.AppendBytes(b, v)
		case KindInt32:
			v, err := toInt64(value)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", name, err)
			}
			b = protowire.AppendTag(b, num, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(uint32(v)))
		case KindInt64:
			v, err := toInt64(value)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", name, err)
			}
			b = protowire.AppendTag(b, num, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(v))
		case KindBool:
			v, ok := value.(bool)
			if !ok {
				return nil, fmt.Errorf("field %q: expected bool", name)
			}
			var iv uint64
			if v {
				iv = 1
			}
			b = protowire.AppendTag(b, num, protowire.VarintType)
			b = protowire.AppendVarint(b, iv)
		case KindDouble:
			v, err := toFloat64(value)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", name, err)
			}
			b = protowire.AppendTag(b, num, protowire.Fixed64Type)
			b = protowire.AppendFixed64(b, math.Float64bits(v))
		case KindMessageArray:
			elems, ok := value.([]map[string]any)
			if !ok {
				return nil, fmt.Errorf("field %q: expected []map[string]any", name)
			}
			for _, elem := range elems {
				inner, err := encodeMessage(field.Nested, elem)
				if err != nil {
					return nil, fmt.Errorf("field %q: %w", name, err)
				}
				b = protowire.AppendTag(b, num, protowire.BytesType)
				b = protowire.AppendBytes(b, inner)
			}
		default:
			return nil, fmt.Errorf("field %q: unsupported kind", name)
		}
	}
	return b, nil
}

func decodeMessage(desc *MessageDescriptor, data []byte) (map[string]any, error) {
	params := make(map[string]any)
	rest := data
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return nil, fmt.Errorf("malformed tag")
		}
		rest = rest[n:]

		field, known := desc.fieldByNumber(int32(num))
		if !known {
			n := protowire.ConsumeFieldValue(num, typ, rest)
			if n < 0 {
				return nil, fmt.Errorf("malformed unknown field %d", num)
			}
			rest = rest[n:]
			continue
		}

		switch field.Kind {
		case KindString:
			v, n := protowire.ConsumeString(rest)
			if n < 0 {
				return nil, fmt.Errorf("field %q: malformed string", field.Name)
			}
			params[field.Name] = v
			rest = rest[n:]
		case KindBytes:
			v, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return nil, fmt.Errorf("field %q: malformed bytes", field.Name)
			}
			params[field.Name] = v
			rest = rest[n:]
		case KindInt32:
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return nil, fmt.Errorf("field %q: malformed varint", field.Name)
			}
			params[field.Name] = int32(v)
			rest = rest[n:]
		case KindInt64:
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return nil, fmt.Errorf("field %q: malformed varint", field.Name)
			}
			params[field.Name] = int64(v)
			rest = rest[n:]
		case KindBool:
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return nil, fmt.Errorf("field %q: malformed varint", field.Name)
			}
			params[field.Name] = v != 0
			rest = rest[n:]
		case KindDouble:
			v, n := protowire.ConsumeFixed64(rest)
			if n < 0 {
				return nil, fmt.Errorf("field %q: malformed fixed64", field.Name)
			}
			params[field.Name] = math.Float64frombits(v)
			rest = rest[n:]
		case KindMessageArray:
			v, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return nil, fmt.Errorf("field %q: malformed embedded message", field.Name)
			}
			elem, err := decodeMessage(field.Nested, v)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", field.Name, err)
			}
			existing, _ := params[field.Name].([]map[string]any)
			params[field.Name] = append(existing, elem)
			rest = rest[n:]
		default:
			return nil, fmt.Errorf("field %q: unsupported kind", field.Name)
		}
	}
	return params, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("expected float, got %T", v)
	}
}
