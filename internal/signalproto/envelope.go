// Package signalproto hand-maintains the Signal Service wire schema used by
// this engine (Envelope, Content, DataMessage, SyncMessage, ReceiptMessage,
// NullMessage, CallMessage, GroupContext). Rather than running protoc, each
// type marshals/unmarshals itself directly against the low-level
// google.golang.org/protobuf/encoding/protowire reader/writer, which is the
// same wire format protoc-generated code would produce.
package signalproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// EnvelopeType mirrors the outer transport frame's type discriminator.
type EnvelopeType int32

const (
	EnvelopeUnknown      EnvelopeType = 0
	EnvelopeCiphertext   EnvelopeType = 1
	EnvelopePreKeyBundle EnvelopeType = 3
	EnvelopeReceipt      EnvelopeType = 5
)

// Envelope is the outer transport frame (spec §3).
type Envelope struct {
	Type          EnvelopeType
	Source        string
	SourceDevice  uint32
	Timestamp     uint64
	Content       []byte
	LegacyMessage []byte
	ReceivedAt    uint64
}

const (
	envFieldType          = 1
	envFieldSource        = 2
	envFieldSourceDevice  = 7
	envFieldLegacyMessage = 6
	envFieldTimestamp     = 5
	envFieldContent       = 8
)

// Marshal encodes the envelope using the Signal Service field numbers.
func (e *Envelope) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, envFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Type))
	if e.Source != "" {
		b = protowire.AppendTag(b, envFieldSource, protowire.BytesType)
		b = protowire.AppendString(b, e.Source)
	}
	if e.SourceDevice != 0 {
		b = protowire.AppendTag(b, envFieldSourceDevice, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.SourceDevice))
	}
	if len(e.LegacyMessage) > 0 {
		b = protowire.AppendTag(b, envFieldLegacyMessage, protowire.BytesType)
		b = protowire.AppendBytes(b, e.LegacyMessage)
	}
	if e.Timestamp != 0 {
		b = protowire.AppendTag(b, envFieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, e.Timestamp)
	}
	if len(e.Content) > 0 {
		b = protowire.AppendTag(b, envFieldContent, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Content)
	}
	return b
}

// UnmarshalEnvelope decodes a wire-format Envelope.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	e := &Envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("signalproto: envelope: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case envFieldType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("signalproto: envelope.type: %w", protowire.ParseError(n))
			}
			e.Type = EnvelopeType(v)
			b = b[n:]
		case envFieldSource:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("signalproto: envelope.source: %w", protowire.ParseError(n))
			}
			e.Source = string(v)
			b = b[n:]
		case envFieldSourceDevice:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("signalproto: envelope.sourceDevice: %w", protowire.ParseError(n))
			}
			e.SourceDevice = uint32(v)
			b = b[n:]
		case envFieldLegacyMessage:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("signalproto: envelope.legacyMessage: %w", protowire.ParseError(n))
			}
			e.LegacyMessage = append([]byte(nil), v...)
			b = b[n:]
		case envFieldTimestamp:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("signalproto: envelope.timestamp: %w", protowire.ParseError(n))
			}
			e.Timestamp = v
			b = b[n:]
		case envFieldContent:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("signalproto: envelope.content: %w", protowire.ParseError(n))
			}
			e.Content = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("signalproto: envelope: skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}

// Identity returns the spec §3/§6 envelope identity string:
// "{source}.{sourceDevice} {timestamp-as-decimal}".
func (e *Envelope) Identity() string {
	return fmt.Sprintf("%s.%d %d", e.Source, e.SourceDevice, e.Timestamp)
}
