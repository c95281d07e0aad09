package codec

import (
	"fmt"
	"strconv"
)

// FieldKind is the Go-facing type of a message field. It maps onto one of
// protobuf's wire types (varint, 64-bit, length-delimited) when encoding.
type FieldKind int

const (
	KindString FieldKind = iota
	KindInt32
	KindInt64
	KindDouble
	KindBool
	KindBytes
	// KindMessageArray is a repeated embedded message, decoded to a
	// []map[string]any of sub-field values. Used for GetTrendbarsRes,
	// whose "bars" field the broker's real schema expresses as a
	// repeated ProtoOATrendbar submessage.
	KindMessageArray
)

// FieldDescriptor describes one field of a message: its wire field number,
// its name (the key params are addressed by), and its Go-facing kind.
// Nested is only set for KindMessageArray fields and describes the
// embedded message's own fields.
type FieldDescriptor struct {
	Number int32
	Name   string
	Kind   FieldKind
	Nested *MessageDescriptor
}

// MessageDescriptor describes one payload type: the broker-assigned
// numeric payload type, its logical name, and its ordered fields.
type MessageDescriptor struct {
	PayloadType int32
	Name        string
	Fields      []FieldDescriptor
}

func (d *MessageDescriptor) fieldByName(name string) (FieldDescriptor, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

func (d *MessageDescriptor) fieldByNumber(number int32) (FieldDescriptor, bool) {
	for _, f := range d.Fields {
		if f.Number == number {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

// Schema is the loaded descriptor table: the runtime equivalent of the
// broker's .proto schema. It carries both lookup directions:
// payloadType → messageDescriptor and messageName → payloadType.
type Schema struct {
	byType map[int32]*MessageDescriptor
	byName map[string]int32
}

// NewSchema loads the descriptor table. In place of compiling the
// broker's .proto files (which this build cannot do without a protoc
// toolchain), the descriptor table is built from a fixed registry of the
// payload types the broker protocol uses. Swapping broker schemas means
// replacing this registry; callers never need to change.
func NewSchema() *Schema {
	s := &Schema{
		byType: make(map[int32]*MessageDescriptor),
		byName: make(map[string]int32),
	}
	for _, d := range builtinDescriptors() {
		d := d
		s.byType[d.PayloadType] = &d
		s.byName[d.Name] = d.PayloadType
	}
	return s
}

// Register adds or replaces a descriptor at runtime, allowing a deployment
// to extend or override the built-in registry without a code change.
func (s *Schema) Register(d MessageDescriptor) {
	cp := d
	s.byType[d.PayloadType] = &cp
	s.byName[d.Name] = d.PayloadType
}

func (s *Schema) descriptorByType(payloadType int32) (*MessageDescriptor, bool) {
	d, ok := s.byType[payloadType]
	return d, ok
}

// ResolveIdentifier accepts a message name, an enum constant name (aliased
// in the registry as the same string), or the raw payload-type number, and
// returns the numeric payload type.
func (s *Schema) ResolveIdentifier(identifier string) (int32, error) {
	if n, ok := s.byName[identifier]; ok {
		return n, nil
	}
	if v, err := strconv.ParseInt(identifier, 10, 32); err == nil {
		if _, ok := s.byType[int32(v)]; ok {
			return int32(v), nil
		}
	}
	return 0, fmt.Errorf("resolve identifier %q: unknown payload type", identifier)
}

// Payload type numbers, aliased to the broker's .proto enum constants.
// Requests and their matching responses are adjacent for readability; the
// numbering scheme otherwise carries no meaning to the codec.
const (
	PayloadApplicationAuthReq  = 2100
	PayloadApplicationAuthRes  = 2101
	PayloadAccountAuthReq      = 2102
	PayloadAccountAuthRes      = 2103
	PayloadSymbolsListReq      = 2114
	PayloadSymbolsListRes      = 2115
	PayloadSymbolByIDReq       = 2116
	PayloadSymbolByIDRes       = 2117
	PayloadSubscribeSpotsReq   = 2127
	PayloadSubscribeSpotsRes   = 2128
	PayloadUnsubscribeSpotsReq = 2129
	PayloadUnsubscribeSpotsRes = 2130
	PayloadGetTrendbarsReq     = 2137
	PayloadGetTrendbarsRes     = 2138
	PayloadHeartbeatEvent      = 2131
	PayloadSpotEvent           = 2126
	PayloadTrendbarEvent       = 2139
	PayloadErrorRes            = 2142
)

// trendBarDescriptor describes one embedded bar within GetTrendbarsRes.bars.
// It carries no payload type of its own — it is never framed standalone,
// only nested inside the response.
func trendBarDescriptor() *MessageDescriptor {
	return &MessageDescriptor{
		Name: "TrendBar",
		Fields: []FieldDescriptor{
			{Number: 1, Name: "timestampMs", Kind: KindInt64},
			{Number: 2, Name: "open", Kind: KindDouble},
			{Number: 3, Name: "high", Kind: KindDouble},
			{Number: 4, Name: "low", Kind: KindDouble},
			{Number: 5, Name: "close", Kind: KindDouble},
		},
	}
}

func builtinDescriptors() []MessageDescriptor {
	return []MessageDescriptor{
		{PayloadType: PayloadApplicationAuthReq, Name: "ApplicationAuthReq", Fields: []FieldDescriptor{
			{Number: 1, Name: "clientId", Kind: KindString},
			{Number: 2, Name: "clientSecret", Kind: KindString},
		}},
		{PayloadType: PayloadApplicationAuthRes, Name: "ApplicationAuthRes"},
		{PayloadType: PayloadAccountAuthReq, Name: "AccountAuthReq", Fields: []FieldDescriptor{
			{Number: 1, Name: "accountId", Kind: KindInt64},
			{Number: 2, Name: "accessToken", Kind: KindString},
		}},
		{PayloadType: PayloadAccountAuthRes, Name: "AccountAuthRes", Fields: []FieldDescriptor{
			{Number: 1, Name: "accountId", Kind: KindInt64},
		}},
		{PayloadType: PayloadSymbolsListReq, Name: "SymbolsListReq", Fields: []FieldDescriptor{
			{Number: 1, Name: "accountId", Kind: KindInt64},
		}},
		{PayloadType: PayloadSymbolsListRes, Name: "SymbolsListRes", Fields: []FieldDescriptor{
			{Number: 1, Name: "accountId", Kind: KindInt64},
			{Number: 2, Name: "symbols", Kind: KindMessageArray, Nested: &MessageDescriptor{
				Name: "SymbolListEntry",
				Fields: []FieldDescriptor{
					{Number: 1, Name: "symbolId", Kind: KindInt64},
					{Number: 2, Name: "symbolName", Kind: KindString},
				},
			}},
		}},
		{PayloadType: PayloadSymbolByIDReq, Name: "SymbolByIdReq", Fields: []FieldDescriptor{
			{Number: 1, Name: "accountId", Kind: KindInt64},
			{Number: 2, Name: "symbolId", Kind: KindInt64},
		}},
		{PayloadType: PayloadSymbolByIDRes, Name: "SymbolByIdRes", Fields: []FieldDescriptor{
			{Number: 1, Name: "symbolId", Kind: KindInt64},
			{Number: 2, Name: "symbolName", Kind: KindString},
			{Number: 3, Name: "digits", Kind: KindInt32},
			{Number: 4, Name: "pipPosition", Kind: KindInt32},
		}},
		{PayloadType: PayloadSubscribeSpotsReq, Name: "SubscribeSpotsReq", Fields: []FieldDescriptor{
			{Number: 1, Name: "accountId", Kind: KindInt64},
			{Number: 2, Name: "symbolId", Kind: KindInt64},
		}},
		{PayloadType: PayloadSubscribeSpotsRes, Name: "SubscribeSpotsRes", Fields: []FieldDescriptor{
			{Number: 1, Name: "accountId", Kind: KindInt64},
		}},
		{PayloadType: PayloadUnsubscribeSpotsReq, Name: "UnsubscribeSpotsReq", Fields: []FieldDescriptor{
			{Number: 1, Name: "accountId", Kind: KindInt64},
			{Number: 2, Name: "symbolId", Kind: KindInt64},
		}},
		{PayloadType: PayloadUnsubscribeSpotsRes, Name: "UnsubscribeSpotsRes", Fields: []FieldDescriptor{
			{Number: 1, Name: "accountId", Kind: KindInt64},
		}},
		{PayloadType: PayloadGetTrendbarsReq, Name: "GetTrendbarsReq", Fields: []FieldDescriptor{
			{Number: 1, Name: "accountId", Kind: KindInt64},
			{Number: 2, Name: "symbolId", Kind: KindInt64},
			{Number: 3, Name: "period", Kind: KindString}, // "D1" or "M1"
			{Number: 4, Name: "count", Kind: KindInt32},
		}},
		{PayloadType: PayloadGetTrendbarsRes, Name: "GetTrendbarsRes", Fields: []FieldDescriptor{
			{Number: 1, Name: "symbolId", Kind: KindInt64},
			{Number: 2, Name: "period", Kind: KindString},
			{Number: 3, Name: "bars", Kind: KindMessageArray, Nested: trendBarDescriptor()},
		}},
		{PayloadType: PayloadHeartbeatEvent, Name: "HeartbeatEvent"},
		{PayloadType: PayloadSpotEvent, Name: "SpotEvent", Fields: []FieldDescriptor{
			{Number: 1, Name: "symbolId", Kind: KindInt64},
			{Number: 2, Name: "bid", Kind: KindDouble},
			{Number: 3, Name: "ask", Kind: KindDouble},
			{Number: 4, Name: "timestampMs", Kind: KindInt64},
		}},
		{PayloadType: PayloadTrendbarEvent, Name: "TrendbarEvent", Fields: []FieldDescriptor{
			{Number: 1, Name: "symbolId", Kind: KindInt64},
			{Number: 2, Name: "period", Kind: KindString},
			{Number: 3, Name: "timestampMs", Kind: KindInt64},
			{Number: 4, Name: "open", Kind: KindDouble},
			{Number: 5, Name: "high", Kind: KindDouble},
			{Number: 6, Name: "low", Kind: KindDouble},
			{Number: 7, Name: "close", Kind: KindDouble},
		}},
		{PayloadType: PayloadErrorRes, Name: "ErrorRes", Fields: []FieldDescriptor{
			{Number: 1, Name: "errorCode", Kind: KindString},
			{Number: 2, Name: "description", Kind: KindString},
		}},
	}
}
